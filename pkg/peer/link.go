package peer

import (
	"fmt"

	"github.com/matrix-org/meshcall/pkg/channel"
	"github.com/matrix-org/meshcall/pkg/media"
	"github.com/matrix-org/meshcall/pkg/telemetry"
	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// Link is the negotiated connection to one remote participant. Its methods are
// called by the manager's owner one at a time; the pion callbacks only ever talk
// to the outside world through the sink.
type Link struct {
	key            LinkKey
	role           Role
	state          NegotiationState
	logger         *logrus.Entry
	telemetry      *telemetry.Telemetry
	peerConnection *webrtc.PeerConnection
	sink           *channel.Sink[LinkKey, Event]
	remote         *RemoteStream

	// Candidates received before the remote description, in arrival order.
	pendingCandidates    []webrtc.ICECandidateInit
	remoteDescriptionSet bool
	// Applies a remote candidate; swapped out in tests.
	addCandidate func(webrtc.ICECandidateInit) error

	// Tracks waiting to be added once the remote offer is known (answerer only).
	deferredTracks []*media.LocalTrack
	senders        map[webrtc.RTPCodecType]*webrtc.RTPSender

	lastRemoteOffer  string
	lastRemoteAnswer string
	lastLocalAnswer  string
}

func newLink(
	key LinkKey,
	role Role,
	peerConnection *webrtc.PeerConnection,
	sink *channel.Sink[LinkKey, Event],
	parent *telemetry.Telemetry,
	logger *logrus.Entry,
) *Link {
	link := &Link{
		key:            key,
		role:           role,
		state:          StateNew,
		logger:         logger,
		peerConnection: peerConnection,
		sink:           sink,
		remote:         newRemoteStream(key.ParticipantID, logger),
		senders:        make(map[webrtc.RTPCodecType]*webrtc.RTPSender),
	}
	link.addCandidate = peerConnection.AddICECandidate

	if parent != nil {
		link.telemetry = parent.CreateChild("link",
			attribute.String("participant_id", key.ParticipantID),
			attribute.String("role", role.String()),
		)
	}

	peerConnection.OnTrack(link.onRtpTrackReceived)
	peerConnection.OnICECandidate(link.onICECandidateGathered)
	peerConnection.OnICEConnectionStateChange(link.onICEConnectionStateChanged)
	peerConnection.OnConnectionStateChange(link.onConnectionStateChanged)
	peerConnection.OnSignalingStateChange(link.onSignalingStateChanged)

	return link
}

func (l *Link) Key() LinkKey {
	return l.key
}

func (l *Link) ParticipantID() string {
	return l.key.ParticipantID
}

func (l *Link) Role() Role {
	return l.role
}

func (l *Link) State() NegotiationState {
	return l.state
}

func (l *Link) setState(state NegotiationState) {
	if l.state == state {
		return
	}

	l.logger.WithFields(logrus.Fields{"from": l.state, "to": state}).Debug("negotiation state changed")
	if l.telemetry != nil {
		l.telemetry.AddEvent("negotiation state changed", attribute.String("state", state.String()))
	}
	l.state = state
}

func (l *Link) fail(op string, cause error, err error) error {
	l.setState(StateFailed)
	negotiationErr := &NegotiationError{ParticipantID: l.key.ParticipantID, Op: op, Err: fmt.Errorf("%w: %v", cause, err)}
	l.logger.WithError(negotiationErr).Error("negotiation failed")
	if l.telemetry != nil {
		l.telemetry.Fail(negotiationErr)
	}
	return negotiationErr
}

func (l *Link) reject(op string, cause error) error {
	return &NegotiationError{ParticipantID: l.key.ParticipantID, Op: op, Err: cause}
}

// Attaches a local track. The answerer holds on to tracks until the remote offer
// is applied so they reuse the transceivers the offer creates.
func (l *Link) attach(track *media.LocalTrack) error {
	if l.state == StateFailed {
		return l.reject("attach track", ErrLinkFailed)
	}

	if l.role == RoleAnswerer && !l.remoteDescriptionSet {
		for i, deferred := range l.deferredTracks {
			if deferred.Kind() == track.Kind() {
				l.deferredTracks[i] = track
				return nil
			}
		}
		l.deferredTracks = append(l.deferredTracks, track)
		return nil
	}

	return l.addTrack(track)
}

func (l *Link) addTrack(track *media.LocalTrack) error {
	if sender, found := l.senders[track.Kind()]; found {
		if err := sender.ReplaceTrack(track); err != nil {
			return l.reject("attach track", fmt.Errorf("%w: %v", ErrCantReplaceTrack, err))
		}
		return nil
	}

	sender, err := l.peerConnection.AddTrack(track)
	if err != nil {
		return l.reject("attach track", fmt.Errorf("%w: %v", ErrCantAddTrack, err))
	}

	l.senders[track.Kind()] = sender
	go drainRTCP(sender)

	return nil
}

// Swaps the outgoing video. Returns `true` if the link had no video sender yet,
// in which case one was added and the link needs a new offer/answer round.
func (l *Link) replaceVideo(track *media.LocalTrack) (bool, error) {
	if l.state == StateFailed {
		return false, l.reject("replace video", ErrLinkFailed)
	}

	if l.role == RoleAnswerer && !l.remoteDescriptionSet {
		return false, l.attach(track)
	}

	sender, found := l.senders[webrtc.RTPCodecTypeVideo]
	if !found {
		return true, l.addTrack(track)
	}

	if err := sender.ReplaceTrack(track); err != nil {
		return false, l.reject("replace video", fmt.Errorf("%w: %v", ErrCantReplaceTrack, err))
	}

	return false, nil
}

// Creates and applies a local offer. Allowed for the offerer on a new link and on
// a stable one (renegotiation).
func (l *Link) createOffer() (string, error) {
	if l.role != RoleOfferer {
		return "", l.reject("create offer", ErrWrongRole)
	}

	if l.state != StateNew && l.state != StateStable {
		return "", l.reject("create offer", fmt.Errorf("%w: %s", ErrUnexpectedOffer, l.state))
	}

	offer, err := l.peerConnection.CreateOffer(nil)
	if err != nil {
		return "", l.fail("create offer", ErrCantCreateDescription, err)
	}

	if err := l.peerConnection.SetLocalDescription(offer); err != nil {
		return "", l.fail("create offer", ErrCantCreateDescription, err)
	}

	l.setState(StateOfferSent)

	return offer.SDP, nil
}

// Applies a remote offer and produces the answer. A repeated offer that was
// already answered gets the same answer again.
func (l *Link) applyOffer(sdp string) (string, error) {
	if sdp == l.lastRemoteOffer && (l.state == StateAnswerSent || l.state == StateStable) {
		l.logger.Debug("duplicate offer, repeating answer")
		return l.lastLocalAnswer, nil
	}

	if l.role != RoleAnswerer {
		return "", l.reject("apply offer", ErrWrongRole)
	}

	if l.state != StateNew && l.state != StateStable {
		return "", l.reject("apply offer", fmt.Errorf("%w: %s", ErrUnexpectedOffer, l.state))
	}

	err := l.peerConnection.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp})
	if err != nil {
		return "", l.fail("apply offer", ErrBadDescription, err)
	}

	l.setState(StateOfferReceived)
	l.lastRemoteOffer = sdp
	l.remoteDescriptionSet = true

	for _, track := range l.deferredTracks {
		if err := l.addTrack(track); err != nil {
			l.logger.WithError(err).Warn("failed to attach deferred track")
			if l.telemetry != nil {
				l.telemetry.AddError(err)
			}
		}
	}
	l.deferredTracks = nil

	l.flushCandidates()

	answer, err := l.peerConnection.CreateAnswer(nil)
	if err != nil {
		return "", l.fail("apply offer", ErrCantCreateDescription, err)
	}

	if err := l.peerConnection.SetLocalDescription(answer); err != nil {
		return "", l.fail("apply offer", ErrCantCreateDescription, err)
	}

	l.setState(StateAnswerSent)
	l.lastLocalAnswer = answer.SDP

	return answer.SDP, nil
}

// Marks the answer as handed over to signaling.
func (l *Link) completeAnswer() error {
	switch l.state {
	case StateStable:
		return nil
	case StateAnswerSent:
		l.setState(StateStable)
		return nil
	default:
		return l.reject("complete answer", fmt.Errorf("%w: %s", ErrUnexpectedAnswer, l.state))
	}
}

// Applies the remote answer to our offer. A repeated answer is ignored.
func (l *Link) applyAnswer(sdp string) error {
	if l.state == StateStable && sdp == l.lastRemoteAnswer {
		l.logger.Debug("ignoring duplicate answer")
		return nil
	}

	if l.role != RoleOfferer || l.state != StateOfferSent {
		return l.reject("apply answer", fmt.Errorf("%w: %s", ErrUnexpectedAnswer, l.state))
	}

	err := l.peerConnection.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
	if err != nil {
		return l.fail("apply answer", ErrBadDescription, err)
	}

	l.setState(StateAnswerReceived)
	l.lastRemoteAnswer = sdp
	l.remoteDescriptionSet = true
	l.flushCandidates()
	l.setState(StateStable)

	return nil
}

// Applies a remote candidate, or buffers it until the remote description is set.
func (l *Link) applyCandidate(candidate webrtc.ICECandidateInit) error {
	if l.state == StateFailed {
		return l.reject("apply candidate", ErrLinkFailed)
	}

	if !l.remoteDescriptionSet {
		l.pendingCandidates = append(l.pendingCandidates, candidate)
		return nil
	}

	if err := l.addCandidate(candidate); err != nil {
		return l.reject("apply candidate", fmt.Errorf("%w: %v", ErrCantAddICECandidate, err))
	}

	return nil
}

// Applies the buffered candidates in arrival order. The buffer is emptied first
// so the candidates can never be applied twice.
func (l *Link) flushCandidates() {
	pending := l.pendingCandidates
	l.pendingCandidates = nil

	for _, candidate := range pending {
		if err := l.addCandidate(candidate); err != nil {
			l.logger.WithError(err).Warn("failed to add buffered ICE candidate")
			if l.telemetry != nil {
				l.telemetry.AddError(err)
			}
		}
	}
}

// Closes the peer connection. From this moment on, no new events are posted.
func (l *Link) close() {
	// Seal first so that callbacks fired while closing are dropped.
	l.sink.Seal()

	if err := l.peerConnection.Close(); err != nil {
		l.logger.WithError(err).Error("failed to close peer connection")
	}

	l.remote.close()

	if l.telemetry != nil {
		l.telemetry.End()
	}
}

// Reads RTCP addressed to a sender so that interceptors keep working.
func drainRTCP(sender *webrtc.RTPSender) {
	buffer := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buffer); err != nil {
			return
		}
	}
}
