package call

import (
	"sync"
	"testing"
	"time"

	"github.com/matrix-org/meshcall/pkg/identity"
	"github.com/matrix-org/meshcall/pkg/media"
	"github.com/matrix-org/meshcall/pkg/participant"
	"github.com/matrix-org/meshcall/pkg/signaling"
	"github.com/matrix-org/meshcall/pkg/webrtc_ext"
	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 5 * time.Second

type fakeSignaler struct {
	mutex sync.Mutex
	sent  []signaling.Envelope
}

func (s *fakeSignaler) Send(envelope signaling.Envelope) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.sent = append(s.sent, envelope)
	return nil
}

func (s *fakeSignaler) find(msgType signaling.MessageType, to string) []signaling.Envelope {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	var found []signaling.Envelope
	for _, envelope := range s.sent {
		if envelope.Type == msgType && envelope.ToParticipantID == to {
			found = append(found, envelope)
		}
	}
	return found
}

func (s *fakeSignaler) waitForCall(t *testing.T, msgType signaling.MessageType, callID, to string) signaling.Envelope {
	t.Helper()

	var found signaling.Envelope
	require.Eventually(t, func() bool {
		for _, envelope := range s.find(msgType, to) {
			if envelope.CallID == callID {
				found = envelope
				return true
			}
		}
		return false
	}, waitTimeout, 5*time.Millisecond, "no %s of %s sent to %s", msgType, callID, to)

	return found
}

func (s *fakeSignaler) count(msgType signaling.MessageType, to string) int {
	return len(s.find(msgType, to))
}

func (s *fakeSignaler) waitFor(t *testing.T, msgType signaling.MessageType, to string) signaling.Envelope {
	t.Helper()

	require.Eventually(t, func() bool {
		return s.count(msgType, to) > 0
	}, waitTimeout, 5*time.Millisecond, "no %s sent to %s", msgType, to)

	return s.find(msgType, to)[0]
}

type harness struct {
	orchestrator *Orchestrator
	signaler     *fakeSignaler
	capturer     *media.SyntheticCapturer
	factory      *webrtc_ext.PeerConnectionFactory
	local        string
}

func newHarness(t *testing.T, local string, config Config) *harness {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	entry := logrus.NewEntry(logger)

	factory, err := webrtc_ext.NewPeerConnectionFactory(webrtc_ext.Config{})
	require.NoError(t, err)

	if config.RingingTimeout == 0 {
		config.RingingTimeout = waitTimeout * 2
	}
	config.NotificationBuffer = 1024

	h := &harness{
		signaler: &fakeSignaler{},
		capturer: media.NewSyntheticCapturer(),
		factory:  factory,
		local:    local,
	}

	h.orchestrator, err = New(
		config,
		identity.Identity{UserID: local, DisplayName: "Local " + local},
		h.signaler,
		media.NewController(h.capturer, entry),
		factory,
		entry,
	)
	require.NoError(t, err)
	t.Cleanup(h.orchestrator.Close)

	return h
}

func (h *harness) envelope(
	t *testing.T,
	msgType signaling.MessageType,
	callID, from string,
	payload any,
) signaling.Envelope {
	t.Helper()
	envelope, err := signaling.NewEnvelope(msgType, callID, from, h.local, payload)
	require.NoError(t, err)
	return envelope
}

// Answers one of our offers the way a remote client would.
func (h *harness) answer(t *testing.T, offer signaling.Envelope) signaling.Envelope {
	t.Helper()

	var payload signaling.SDPPayload
	require.NoError(t, offer.Decode(&payload))

	peerConnection := h.remotePeerConnection(t)
	require.NoError(t, peerConnection.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  payload.SDP,
	}))

	answer, err := peerConnection.CreateAnswer(nil)
	require.NoError(t, err)
	require.NoError(t, peerConnection.SetLocalDescription(answer))

	return h.envelope(t, signaling.TypeAnswer, offer.CallID, offer.ToParticipantID,
		signaling.SDPPayload{SDP: answer.SDP, DisplayName: "Remote " + offer.ToParticipantID})
}

// Creates an offer the way a remote caller would.
func (h *harness) remoteOffer(t *testing.T) (*webrtc.PeerConnection, string) {
	t.Helper()

	peerConnection := h.remotePeerConnection(t)
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		_, err := peerConnection.AddTransceiverFromKind(kind)
		require.NoError(t, err)
	}

	offer, err := peerConnection.CreateOffer(nil)
	require.NoError(t, err)
	require.NoError(t, peerConnection.SetLocalDescription(offer))

	return peerConnection, offer.SDP
}

func (h *harness) remotePeerConnection(t *testing.T) *webrtc.PeerConnection {
	t.Helper()

	peerConnection, err := h.factory.CreatePeerConnection()
	require.NoError(t, err)
	t.Cleanup(func() { _ = peerConnection.Close() })

	return peerConnection
}

// Calls the participants and lets all of them answer.
func (h *harness) connect(t *testing.T, callID string, participantIDs ...string) {
	t.Helper()

	require.NoError(t, h.orchestrator.StartCall(callID, participantIDs))
	for _, participantID := range participantIDs {
		h.orchestrator.HandleEnvelope(h.answer(t, h.signaler.waitForCall(t, signaling.TypeOffer, callID, participantID)))
	}

	for _, participantID := range participantIDs {
		h.waitParticipant(t, participantID, participant.StatusConnected)
	}
	h.waitState(t, StateConnected)
}

func (h *harness) waitState(t *testing.T, state State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.orchestrator.Snapshot().State() == state
	}, waitTimeout, 5*time.Millisecond, "call never reached %s", state)
}

func (h *harness) waitParticipant(t *testing.T, participantID string, status participant.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		p, found := h.orchestrator.Snapshot().Participant(participantID)
		return found && p.Status == status
	}, waitTimeout, 5*time.Millisecond, "%s never became %s", participantID, status)
}

func (h *harness) waitSnapshot(t *testing.T, condition func(Snapshot) bool) Snapshot {
	t.Helper()
	require.Eventually(t, func() bool {
		return condition(h.orchestrator.Snapshot())
	}, waitTimeout, 5*time.Millisecond)
	return h.orchestrator.Snapshot()
}

// Records every distinct call state published from now on.
func recordStates(o *Orchestrator) func() []State {
	notifications, _ := o.Subscribe()

	var (
		mutex  sync.Mutex
		states []State
	)

	go func() {
		for notification := range notifications {
			changed, ok := notification.(StateChanged)
			if !ok {
				continue
			}

			mutex.Lock()
			if len(states) == 0 || states[len(states)-1] != changed.Snapshot.State() {
				states = append(states, changed.Snapshot.State())
			}
			mutex.Unlock()
		}
	}()

	return func() []State {
		mutex.Lock()
		defer mutex.Unlock()
		return append([]State(nil), states...)
	}
}

func waitNotification[T any](t *testing.T, notifications <-chan Notification) T {
	t.Helper()

	timeout := time.After(waitTimeout)
	for {
		select {
		case notification, ok := <-notifications:
			require.True(t, ok, "notifications closed")
			if typed, ok := notification.(T); ok {
				return typed
			}
		case <-timeout:
			var zero T
			t.Fatalf("no %T notification", zero)
			return zero
		}
	}
}
