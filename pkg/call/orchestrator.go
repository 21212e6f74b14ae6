package call

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/matrix-org/meshcall/pkg/identity"
	"github.com/matrix-org/meshcall/pkg/media"
	"github.com/matrix-org/meshcall/pkg/participant"
	"github.com/matrix-org/meshcall/pkg/peer"
	"github.com/matrix-org/meshcall/pkg/signaling"
	"github.com/matrix-org/meshcall/pkg/telemetry"
	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"
)

// Signaler delivers envelopes to other participants, typically `*signaling.Channel`.
type Signaler interface {
	Send(envelope signaling.Envelope) error
}

// Orchestrator drives the calls of the local user. All call state is owned by a
// single goroutine: UI commands, inbound envelopes and peer events are all
// processed by its main loop one at a time.
type Orchestrator struct {
	config   Config
	identity identity.Identity
	signaler Signaler
	media    *media.Controller
	factory  peer.PeerConnectionFactory
	logger   *logrus.Entry

	commands   chan request
	envelopes  chan signaling.Envelope
	peerEvents peer.Inbox
	internal   chan interface{}
	closing    chan struct{}
	done       chan struct{}
	closeOnce  sync.Once

	// May be read from any goroutine.
	snapshot       atomic.Pointer[Snapshot]
	peers          atomic.Pointer[peer.Manager]
	subscribersMu  sync.Mutex
	subscribers    map[uint64]chan Notification
	nextSubscriber uint64
	// Set once the orchestrator is closed.
	subscribersClosed bool

	// Owned by the main loop.
	session         *Session
	serial          uint64
	registry        *participant.Registry
	manager         *peer.Manager
	telemetry       *telemetry.Telemetry
	sessionLogger   *logrus.Entry
	cancelCapture   context.CancelFunc
	mediaReady      bool
	screenCapturing bool
	timers          map[string]*time.Timer
	contacted       map[string]bool
	roster          []string
	deferredOffers  []signaling.Envelope
	earlyCandidates map[string][]webrtc.ICECandidateInit
	invite          *pendingInvite
	lastErr         error
	seen            *lru.Cache[string, struct{}]
	ended           *lru.Cache[string, time.Time]
	// Hands a remote candidate to a participant's link; swapped out in tests.
	applyCandidate func(participantID string, candidate webrtc.ICECandidateInit) error
}

// Creates the orchestrator and starts its main loop. `Close()` must be called
// to stop it.
func New(
	config Config,
	local identity.Identity,
	signaler Signaler,
	controller *media.Controller,
	factory peer.PeerConnectionFactory,
	logger *logrus.Entry,
) (*Orchestrator, error) {
	config = config.withDefaults()

	seen, err := lru.New[string, struct{}](config.DedupWindow)
	if err != nil {
		return nil, err
	}

	ended, err := lru.New[string, time.Time](config.EndedCallsWindow)
	if err != nil {
		return nil, err
	}

	orchestrator := &Orchestrator{
		config:          config,
		identity:        local,
		signaler:        signaler,
		media:           controller,
		factory:         factory,
		logger:          logger.WithField("user_id", local.UserID),
		commands:        make(chan request),
		envelopes:       make(chan signaling.Envelope, 128),
		peerEvents:      make(peer.Inbox, 256),
		internal:        make(chan interface{}, 16),
		closing:         make(chan struct{}),
		done:            make(chan struct{}),
		subscribers:     make(map[uint64]chan Notification),
		registry:        participant.NewRegistry(),
		timers:          make(map[string]*time.Timer),
		contacted:       make(map[string]bool),
		earlyCandidates: make(map[string][]webrtc.ICECandidateInit),
		seen:            seen,
		ended:           ended,
	}
	orchestrator.sessionLogger = orchestrator.logger
	orchestrator.applyCandidate = orchestrator.applyRemoteCandidate
	orchestrator.snapshot.Store(&Snapshot{})

	go orchestrator.processMessages()

	return orchestrator, nil
}

// Calls the given participants. Returns once the call is set up; its progress is
// reported through snapshots. An empty `callID` gets a generated one.
func (o *Orchestrator) StartCall(callID string, participantIDs []string) error {
	return o.submit(startCall{callID: callID, participantIDs: participantIDs})
}

// Answers an incoming call. The offer may be left empty to use the one received
// with the invitation.
func (o *Orchestrator) AnswerCall(callID, fromParticipantID, offer string) error {
	return o.submit(answerCall{callID: callID, from: fromParticipantID, offer: offer})
}

// Declines an incoming call.
func (o *Orchestrator) RejectCall(callID string) error {
	return o.submit(rejectCall{callID: callID})
}

// Hangs up. Calling it again, or without a call, does nothing.
func (o *Orchestrator) EndCall() error {
	return o.submit(endCall{})
}

func (o *Orchestrator) ToggleMute() error {
	return o.submit(toggleMute{})
}

func (o *Orchestrator) ToggleVideo() error {
	return o.submit(toggleVideo{})
}

// Starts capturing the screen. The outgoing video of every link is switched
// over once the capture is ready.
func (o *Orchestrator) StartScreenShare() error {
	return o.submit(startScreenShare{})
}

func (o *Orchestrator) StopScreenShare() error {
	return o.submit(stopScreenShare{})
}

// Hands an inbound envelope to the main loop.
func (o *Orchestrator) HandleEnvelope(envelope signaling.Envelope) {
	select {
	case o.envelopes <- envelope:
	case <-o.done:
	}
}

// Returns the latest snapshot of the call.
func (o *Orchestrator) Snapshot() Snapshot {
	return *o.snapshot.Load()
}

// Returns what we receive from the participant, or nil if nothing is being received.
func (o *Orchestrator) ParticipantStream(participantID string) *peer.RemoteStream {
	manager := o.peers.Load()
	if manager == nil {
		return nil
	}
	return manager.Stream(participantID)
}

// Returns the local capture stream, or nil if media is not acquired.
func (o *Orchestrator) LocalStream() *media.Stream {
	return o.media.LocalStream()
}

// Subscribes to notifications. The returned function unsubscribes. The channel is
// closed when the orchestrator is closed or the subscription cancelled.
func (o *Orchestrator) Subscribe() (<-chan Notification, func()) {
	o.subscribersMu.Lock()
	defer o.subscribersMu.Unlock()

	notifications := make(chan Notification, o.config.NotificationBuffer)

	if o.subscribersClosed {
		close(notifications)
		return notifications, func() {}
	}

	id := o.nextSubscriber
	o.nextSubscriber++
	o.subscribers[id] = notifications

	return notifications, func() {
		o.subscribersMu.Lock()
		defer o.subscribersMu.Unlock()

		if subscriber, found := o.subscribers[id]; found {
			delete(o.subscribers, id)
			close(subscriber)
		}
	}
}

// Ends the current call, if any, and stops the main loop.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() { close(o.closing) })
	<-o.done
}

func (o *Orchestrator) notify(notification Notification) {
	o.subscribersMu.Lock()
	defer o.subscribersMu.Unlock()

	for _, subscriber := range o.subscribers {
		select {
		case subscriber <- notification:
		default:
			o.logger.Warnf("subscriber is too slow, dropping %T", notification)
		}
	}
}

func (o *Orchestrator) closeSubscribers() {
	o.subscribersMu.Lock()
	defer o.subscribersMu.Unlock()

	o.subscribersClosed = true
	for id, subscriber := range o.subscribers {
		delete(o.subscribers, id)
		close(subscriber)
	}
}

// Posts the result of off-loop work back to the main loop.
func (o *Orchestrator) post(message interface{}) {
	select {
	case o.internal <- message:
	case <-o.done:
	}
}
