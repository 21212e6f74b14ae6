package peer

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/matrix-org/meshcall/pkg/channel"
	"github.com/matrix-org/meshcall/pkg/media"
	"github.com/matrix-org/meshcall/pkg/metrics"
	"github.com/matrix-org/meshcall/pkg/telemetry"
	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
)

// Creates peer connections, typically `*webrtc_ext.PeerConnectionFactory`.
type PeerConnectionFactory interface {
	CreatePeerConnection() (*webrtc.PeerConnection, error)
}

var linkSerial atomic.Uint64

// Manager owns one link per remote participant. Negotiation methods must be
// called from a single goroutine; the stream lookups may be used from anywhere.
type Manager struct {
	logger    *logrus.Entry
	factory   PeerConnectionFactory
	inbox     chan<- channel.Message[LinkKey, Event]
	telemetry *telemetry.Telemetry

	mutex sync.RWMutex
	links map[string]*Link
}

// Creates a manager whose links post their events to `inbox`. Link spans are
// children of `parent` when it is set.
func NewManager(
	factory PeerConnectionFactory,
	inbox chan<- channel.Message[LinkKey, Event],
	parent *telemetry.Telemetry,
	logger *logrus.Entry,
) *Manager {
	return &Manager{
		logger:    logger,
		factory:   factory,
		inbox:     inbox,
		telemetry: parent,
		links:     make(map[string]*Link),
	}
}

// Creates a link in state `New`. There can only be one link per participant.
func (m *Manager) CreateLink(participantID string, role Role) (*Link, error) {
	if m.link(participantID) != nil {
		return nil, &NegotiationError{ParticipantID: participantID, Op: "create link", Err: ErrLinkExists}
	}

	peerConnection, err := m.factory.CreatePeerConnection()
	if err != nil {
		m.logger.WithError(err).Error("failed to create peer connection")
		return nil, &NegotiationError{ParticipantID: participantID, Op: "create link", Err: ErrCantCreatePeerConnection}
	}

	key := LinkKey{ParticipantID: participantID, Serial: linkSerial.Add(1)}
	logger := m.logger.WithFields(logrus.Fields{"participant_id": participantID, "role": role})
	link := newLink(key, role, peerConnection, channel.NewSink(key, m.inbox), m.telemetry, logger)

	m.mutex.Lock()
	m.links[participantID] = link
	m.mutex.Unlock()

	metrics.ActiveLinks.Inc()
	logger.Info("link created")

	return link, nil
}

func (m *Manager) CreateOffer(participantID string) (string, error) {
	link, err := m.lookup(participantID, "create offer")
	if err != nil {
		return "", err
	}

	return link.createOffer()
}

func (m *Manager) ApplyRemoteOffer(participantID, sdp string) (string, error) {
	link, err := m.lookup(participantID, "apply offer")
	if err != nil {
		return "", err
	}

	return link.applyOffer(sdp)
}

// Moves an answerer link to `Stable` once its answer has been sent.
func (m *Manager) CompleteAnswer(participantID string) error {
	link, err := m.lookup(participantID, "complete answer")
	if err != nil {
		return err
	}

	return link.completeAnswer()
}

func (m *Manager) ApplyRemoteAnswer(participantID, sdp string) error {
	link, err := m.lookup(participantID, "apply answer")
	if err != nil {
		return err
	}

	return link.applyAnswer(sdp)
}

func (m *Manager) ApplyRemoteICECandidate(participantID string, candidate webrtc.ICECandidateInit) error {
	link, err := m.lookup(participantID, "apply candidate")
	if err != nil {
		return err
	}

	return link.applyCandidate(candidate)
}

func (m *Manager) AttachLocalTrack(participantID string, track *media.LocalTrack) error {
	link, err := m.lookup(participantID, "attach track")
	if err != nil {
		return err
	}

	return link.attach(track)
}

// Replaces the outgoing video of one link without touching any other link.
// Returns `true` if the link must be renegotiated to carry the track.
func (m *Manager) ReplaceOutgoingVideoTrack(participantID string, track *media.LocalTrack) (bool, error) {
	link, err := m.lookup(participantID, "replace video")
	if err != nil {
		return false, err
	}

	return link.replaceVideo(track)
}

// Starts a new offer/answer round on a stable link we are the offerer of.
func (m *Manager) Renegotiate(participantID string) (string, error) {
	return m.CreateOffer(participantID)
}

// Closes and forgets the link. Returns `false` if there was none.
func (m *Manager) CloseLink(participantID string) bool {
	m.mutex.Lock()
	link, found := m.links[participantID]
	delete(m.links, participantID)
	m.mutex.Unlock()

	if !found {
		return false
	}

	link.close()
	metrics.ActiveLinks.Dec()
	link.logger.Info("link closed")

	return true
}

func (m *Manager) CloseAll() {
	for _, participantID := range m.ParticipantIDs() {
		m.CloseLink(participantID)
	}
}

func (m *Manager) State(participantID string) (NegotiationState, bool) {
	link := m.link(participantID)
	if link == nil {
		return StateNew, false
	}

	return link.State(), true
}

func (m *Manager) Role(participantID string) (Role, bool) {
	link := m.link(participantID)
	if link == nil {
		return RoleOfferer, false
	}

	return link.Role(), true
}

// Returns the key of the link currently open for the participant.
func (m *Manager) Key(participantID string) (LinkKey, bool) {
	link := m.link(participantID)
	if link == nil {
		return LinkKey{}, false
	}

	return link.key, true
}

// Reports whether the event sender is the link currently open for its participant.
func (m *Manager) IsCurrent(key LinkKey) bool {
	link := m.link(key.ParticipantID)
	return link != nil && link.key == key
}

func (m *Manager) HasLink(participantID string) bool {
	return m.link(participantID) != nil
}

func (m *Manager) ParticipantIDs() []string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return maps.Keys(m.links)
}

// Returns what we receive from the participant, or nil if nothing is being received.
func (m *Manager) Stream(participantID string) *RemoteStream {
	link := m.link(participantID)
	if link == nil || !link.remote.HasTracks() {
		return nil
	}

	return link.remote
}

func (m *Manager) link(participantID string) *Link {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.links[participantID]
}

func (m *Manager) lookup(participantID, op string) (*Link, error) {
	link := m.link(participantID)
	if link == nil {
		return nil, &NegotiationError{ParticipantID: participantID, Op: op, Err: ErrUnknownLink}
	}

	return link, nil
}

func (k LinkKey) String() string {
	return fmt.Sprintf("%s#%d", k.ParticipantID, k.Serial)
}
