package call

import (
	"errors"
	"testing"
	"time"

	"github.com/matrix-org/meshcall/pkg/channel"
	"github.com/matrix-org/meshcall/pkg/media"
	"github.com/matrix-org/meshcall/pkg/metrics"
	"github.com/matrix-org/meshcall/pkg/participant"
	"github.com/matrix-org/meshcall/pkg/peer"
	"github.com/matrix-org/meshcall/pkg/signaling"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOneInviteeAnswersOtherTimesOut(t *testing.T) {
	h := newHarness(t, "local", Config{RingingTimeout: time.Second})
	states := recordStates(h.orchestrator)

	require.NoError(t, h.orchestrator.StartCall("c1", []string{"p1", "p2"}))

	offer := h.signaler.waitFor(t, signaling.TypeOffer, "p1")
	h.signaler.waitFor(t, signaling.TypeOffer, "p2")
	h.orchestrator.HandleEnvelope(h.answer(t, offer))

	h.waitState(t, StateConnected)
	h.waitParticipant(t, "p2", participant.StatusDisconnected)

	snapshot := h.orchestrator.Snapshot()
	assert.Equal(t, StateConnected, snapshot.State())
	p1, _ := snapshot.Participant("p1")
	assert.Equal(t, participant.StatusConnected, p1.Status)

	hangup := h.signaler.waitFor(t, signaling.TypeHangup, "p2")
	var payload signaling.HangupPayload
	require.NoError(t, hangup.Decode(&payload))
	assert.Equal(t, signaling.HangupInviteTimeout, payload.Reason)
	assert.Zero(t, h.signaler.count(signaling.TypeHangup, "p1"))

	assert.Eventually(t, func() bool {
		recorded := states()
		return len(recorded) > 0 && recorded[len(recorded)-1] == StateConnected
	}, waitTimeout, 5*time.Millisecond)
	assert.Equal(t, []State{StateConnecting, StateRinging, StateConnected}, states())
}

func TestOfferCarriesRoster(t *testing.T) {
	h := newHarness(t, "local", Config{})
	require.NoError(t, h.orchestrator.StartCall("c1", []string{"p1", "p2", "p1", "local"}))

	var payload signaling.SDPPayload
	require.NoError(t, h.signaler.waitFor(t, signaling.TypeOffer, "p2").Decode(&payload))

	assert.Equal(t, []string{"local", "p1", "p2"}, payload.Participants)
	assert.Equal(t, "Local local", payload.DisplayName)
	assert.NotEmpty(t, payload.SDP)

	h.waitState(t, StateRinging)
	assert.Len(t, h.orchestrator.Snapshot().Participants, 2)
}

func TestToggleMuteTwice(t *testing.T) {
	h := newHarness(t, "local", Config{})
	h.connect(t, "c1", "p1")

	initial := h.orchestrator.Snapshot().LocalMedia.MicEnabled
	require.True(t, initial)

	require.NoError(t, h.orchestrator.ToggleMute())
	assert.False(t, h.orchestrator.Snapshot().LocalMedia.MicEnabled)
	require.NoError(t, h.orchestrator.ToggleMute())

	assert.Equal(t, initial, h.orchestrator.Snapshot().LocalMedia.MicEnabled)

	sent := h.signaler.find(signaling.TypeMediaStateChanged, "p1")
	require.Len(t, sent, 2)

	var first, second signaling.MediaStatePayload
	require.NoError(t, sent[0].Decode(&first))
	require.NoError(t, sent[1].Decode(&second))
	assert.True(t, first.Muted)
	assert.False(t, second.Muted)
}

func TestToggleVideo(t *testing.T) {
	h := newHarness(t, "local", Config{})
	h.connect(t, "c1", "p1")

	require.NoError(t, h.orchestrator.ToggleVideo())
	assert.False(t, h.orchestrator.Snapshot().LocalMedia.CameraEnabled)
	assert.False(t, h.orchestrator.LocalStream().Video.Enabled())

	var payload signaling.MediaStatePayload
	require.NoError(t, h.signaler.waitFor(t, signaling.TypeMediaStateChanged, "p1").Decode(&payload))
	assert.True(t, payload.VideoOff)
	assert.False(t, payload.Muted)
}

func TestFailedParticipantDoesNotAffectOthers(t *testing.T) {
	h := newHarness(t, "local", Config{})
	require.NoError(t, h.orchestrator.StartCall("c1", []string{"p1", "p2"}))

	h.signaler.waitFor(t, signaling.TypeOffer, "p1")
	h.orchestrator.HandleEnvelope(h.answer(t, h.signaler.waitFor(t, signaling.TypeOffer, "p2")))
	h.waitParticipant(t, "p2", participant.StatusConnected)

	h.orchestrator.HandleEnvelope(h.envelope(t, signaling.TypeAnswer, "c1", "p1", signaling.SDPPayload{SDP: "garbage"}))
	h.waitParticipant(t, "p1", participant.StatusDisconnected)

	snapshot := h.orchestrator.Snapshot()
	assert.Equal(t, StateConnected, snapshot.State())
	p2, _ := snapshot.Participant("p2")
	assert.Equal(t, participant.StatusConnected, p2.Status)
	assert.NoError(t, snapshot.Error)

	var payload signaling.HangupPayload
	require.NoError(t, h.signaler.waitFor(t, signaling.TypeHangup, "p1").Decode(&payload))
	assert.Equal(t, signaling.HangupNegotiationFailed, payload.Reason)
	assert.Zero(t, h.signaler.count(signaling.TypeHangup, "p2"))

	// The remaining link still takes part in the call.
	require.NoError(t, h.orchestrator.ToggleMute())
	assert.Equal(t, 1, h.signaler.count(signaling.TypeMediaStateChanged, "p2"))
	assert.Zero(t, h.signaler.count(signaling.TypeMediaStateChanged, "p1"))
}

func TestOnlyParticipantFailureFailsCall(t *testing.T) {
	h := newHarness(t, "local", Config{})
	require.NoError(t, h.orchestrator.StartCall("c1", []string{"p1"}))
	h.signaler.waitFor(t, signaling.TypeOffer, "p1")

	h.orchestrator.HandleEnvelope(h.envelope(t, signaling.TypeAnswer, "c1", "p1", signaling.SDPPayload{SDP: "garbage"}))
	h.waitState(t, StateFailed)

	snapshot := h.orchestrator.Snapshot()
	assert.ErrorIs(t, snapshot.Error, peer.ErrBadDescription)
	assert.NotEmpty(t, snapshot.Session.Reason)
	assert.NotNil(t, snapshot.Session.EndedAt)
	assert.False(t, snapshot.LocalMedia.Acquired)

	opened, stopped := h.capturer.Usage(media.DeviceMicrophone)
	assert.Equal(t, 1, opened)
	assert.Equal(t, 1, stopped)
}

func TestICEFailureMarksParticipantDisconnected(t *testing.T) {
	h := newHarness(t, "local", Config{})
	h.connect(t, "c1", "p1", "p2")

	manager := h.orchestrator.peers.Load()
	require.NotNil(t, manager)
	key, found := manager.Key("p1")
	require.True(t, found)

	// Events of a link that is no longer open are ignored.
	stale := key
	stale.Serial += 1000
	h.orchestrator.peerEvents <- channel.Message[peer.LinkKey, peer.Event]{Sender: stale, Content: peer.LinkFailed{Err: peer.ErrICEFailed}}
	h.orchestrator.peerEvents <- channel.Message[peer.LinkKey, peer.Event]{Sender: key, Content: peer.LinkFailed{Err: peer.ErrICEFailed}}

	h.waitParticipant(t, "p1", participant.StatusDisconnected)
	assert.False(t, manager.HasLink("p1"))
	assert.True(t, manager.HasLink("p2"))
	assert.Equal(t, StateConnected, h.orchestrator.Snapshot().State())

	var payload signaling.HangupPayload
	require.NoError(t, h.signaler.waitFor(t, signaling.TypeHangup, "p1").Decode(&payload))
	assert.Equal(t, signaling.HangupICEFailed, payload.Reason)
	assert.Equal(t, 1, h.signaler.count(signaling.TypeHangup, "p1"))

	require.NoError(t, h.orchestrator.EndCall())
	assert.False(t, manager.HasLink("p2"))
	assert.Equal(t, 1, h.signaler.count(signaling.TypeHangup, "p2"))
	assert.Equal(t, 1, h.signaler.count(signaling.TypeHangup, "p1"))
}

func TestEnvelopesOfOtherCallsAreIgnored(t *testing.T) {
	h := newHarness(t, "local", Config{})
	h.connect(t, "c1", "p1")
	before := h.orchestrator.Snapshot()

	muted := signaling.MediaStatePayload{Muted: true}
	h.orchestrator.HandleEnvelope(h.envelope(t, signaling.TypeMediaStateChanged, "c0", "p1", muted))
	h.orchestrator.HandleEnvelope(h.envelope(t, signaling.TypeHangup, "c0", "p1", signaling.HangupPayload{Reason: signaling.HangupUserHangup}))

	misaddressed := h.envelope(t, signaling.TypeMediaStateChanged, "c1", "p1", muted)
	misaddressed.ToParticipantID = "someone-else"
	h.orchestrator.HandleEnvelope(misaddressed)

	// Processed in order, so once this one is applied the others have been seen.
	h.orchestrator.HandleEnvelope(h.envelope(t, signaling.TypeMediaStateChanged, "c1", "p1", signaling.MediaStatePayload{VideoOff: true}))
	after := h.waitSnapshot(t, func(s Snapshot) bool {
		p1, _ := s.Participant("p1")
		return p1.VideoOff
	})

	p1, _ := after.Participant("p1")
	assert.False(t, p1.Muted)
	assert.Equal(t, StateConnected, after.State())
	assert.Equal(t, before.Session, after.Session)
	assert.Len(t, after.Participants, 1)
}

func TestDuplicateEnvelopesAreIgnored(t *testing.T) {
	h := newHarness(t, "local", Config{})
	h.connect(t, "c1", "p1")

	duplicates := metrics.EnvelopesDropped.WithLabelValues("duplicate")
	droppedBefore := testutil.ToFloat64(duplicates)

	envelope := h.envelope(t, signaling.TypeMediaStateChanged, "c1", "p1", signaling.MediaStatePayload{Muted: true})
	h.orchestrator.HandleEnvelope(envelope)

	redelivered := h.envelope(t, signaling.TypeMediaStateChanged, "c1", "p1", signaling.MediaStatePayload{Muted: false})
	redelivered.ID = envelope.ID
	h.orchestrator.HandleEnvelope(redelivered)

	h.orchestrator.HandleEnvelope(h.envelope(t, signaling.TypeMediaStateChanged, "c1", "p1", signaling.MediaStatePayload{Muted: true, ScreenSharing: true}))
	snapshot := h.waitSnapshot(t, func(s Snapshot) bool {
		p1, _ := s.Participant("p1")
		return p1.ScreenSharing
	})

	p1, _ := snapshot.Participant("p1")
	assert.True(t, p1.Muted)
	assert.GreaterOrEqual(t, testutil.ToFloat64(duplicates), droppedBefore+1)

	// A stray second answer leaves the link as it is.
	h.orchestrator.HandleEnvelope(h.answer(t, h.signaler.waitFor(t, signaling.TypeOffer, "p1")))
	h.orchestrator.HandleEnvelope(h.envelope(t, signaling.TypeMediaStateChanged, "c1", "p1", signaling.MediaStatePayload{}))
	h.waitSnapshot(t, func(s Snapshot) bool {
		p1, _ := s.Participant("p1")
		return !p1.ScreenSharing
	})
	p1, _ = h.orchestrator.Snapshot().Participant("p1")
	assert.Equal(t, participant.StatusConnected, p1.Status)
}

func TestEndCallIsIdempotent(t *testing.T) {
	h := newHarness(t, "local", Config{})
	h.connect(t, "c1", "p1")

	require.NoError(t, h.orchestrator.EndCall())
	first := h.orchestrator.Snapshot()
	require.NoError(t, h.orchestrator.EndCall())
	second := h.orchestrator.Snapshot()

	assert.Equal(t, StateDisconnected, first.State())
	assert.Equal(t, first.Session, second.Session)
	assert.Empty(t, second.Participants)
	assert.Nil(t, h.orchestrator.LocalStream())
	assert.Nil(t, h.orchestrator.ParticipantStream("p1"))

	for _, device := range []media.Device{media.DeviceMicrophone, media.DeviceCamera} {
		opened, stopped := h.capturer.Usage(device)
		assert.Equal(t, 1, opened, device)
		assert.Equal(t, 1, stopped, device)
	}

	var payload signaling.HangupPayload
	require.Equal(t, 1, h.signaler.count(signaling.TypeHangup, "p1"))
	require.NoError(t, h.signaler.find(signaling.TypeHangup, "p1")[0].Decode(&payload))
	assert.Equal(t, signaling.HangupUserHangup, payload.Reason)

	// Late envelopes of the ended call change nothing.
	h.orchestrator.HandleEnvelope(h.envelope(t, signaling.TypeMediaStateChanged, "c1", "p1", signaling.MediaStatePayload{Muted: true}))
	assert.ErrorIs(t, h.orchestrator.StartCall("c1", []string{"p1"}), ErrCallEnded)
	assert.Equal(t, second.Session, h.orchestrator.Snapshot().Session)
}

func TestEndCallWhileAcquiringMedia(t *testing.T) {
	h := newHarness(t, "local", Config{})
	h.capturer.Delay = 100 * time.Millisecond

	require.NoError(t, h.orchestrator.StartCall("c1", []string{"p1"}))
	require.NoError(t, h.orchestrator.EndCall())
	assert.Equal(t, StateDisconnected, h.orchestrator.Snapshot().State())

	time.Sleep(3 * h.capturer.Delay)

	assert.Equal(t, StateDisconnected, h.orchestrator.Snapshot().State())
	assert.Zero(t, h.signaler.count(signaling.TypeOffer, "p1"))
	assert.Zero(t, h.signaler.count(signaling.TypeHangup, "p1"))
	assert.Nil(t, h.orchestrator.LocalStream())
}

func TestNewCallAfterEnd(t *testing.T) {
	h := newHarness(t, "local", Config{})
	h.connect(t, "c1", "p1")
	require.NoError(t, h.orchestrator.EndCall())

	h.connect(t, "c2", "p1")
	snapshot := h.orchestrator.Snapshot()
	assert.Equal(t, "c2", snapshot.Session.CallID)
	assert.Nil(t, snapshot.Session.EndedAt)
	assert.Len(t, snapshot.Participants, 1)
}

func TestToggleBeforeMediaIsRejected(t *testing.T) {
	h := newHarness(t, "local", Config{})

	var stateErr *StateError
	err := h.orchestrator.ToggleMute()
	require.ErrorAs(t, err, &stateErr)
	assert.ErrorIs(t, err, ErrNoActiveCall)
	assert.Equal(t, StateIdle, stateErr.State)

	h.capturer.Delay = 200 * time.Millisecond
	require.NoError(t, h.orchestrator.StartCall("c1", []string{"p1"}))

	err = h.orchestrator.ToggleMute()
	require.ErrorAs(t, err, &stateErr)
	assert.ErrorIs(t, err, ErrMediaNotReady)
	assert.ErrorIs(t, h.orchestrator.StartScreenShare(), ErrMediaNotReady)
	assert.ErrorIs(t, h.orchestrator.StartCall("c2", []string{"p2"}), ErrCallActive)

	h.waitState(t, StateRinging)
	assert.True(t, h.orchestrator.Snapshot().LocalMedia.MicEnabled)
	assert.Zero(t, h.signaler.count(signaling.TypeMediaStateChanged, "p1"))
}

func TestStartCallWithoutParticipants(t *testing.T) {
	h := newHarness(t, "local", Config{})
	assert.ErrorIs(t, h.orchestrator.StartCall("c1", nil), ErrNoParticipants)
	assert.ErrorIs(t, h.orchestrator.StartCall("c1", []string{"local"}), ErrNoParticipants)
	assert.Equal(t, StateIdle, h.orchestrator.Snapshot().State())
}

func TestMediaFailureFailsCall(t *testing.T) {
	h := newHarness(t, "local", Config{})
	h.capturer.Fail(media.DeviceMicrophone, media.ErrPermissionDenied)

	require.NoError(t, h.orchestrator.StartCall("c1", []string{"p1"}))
	h.waitState(t, StateFailed)

	snapshot := h.orchestrator.Snapshot()
	assert.ErrorIs(t, snapshot.Error, media.ErrPermissionDenied)
	assert.Zero(t, h.signaler.count(signaling.TypeOffer, "p1"))
	assert.Zero(t, h.signaler.count(signaling.TypeHangup, "p1"))
}

func TestCameraFailureDegradesToAudio(t *testing.T) {
	h := newHarness(t, "local", Config{})
	h.capturer.Fail(media.DeviceCamera, media.ErrDeviceInUse)

	h.connect(t, "c1", "p1")

	snapshot := h.orchestrator.Snapshot()
	assert.False(t, snapshot.LocalMedia.CameraAvailable)
	assert.True(t, snapshot.LocalMedia.MicEnabled)
	assert.ErrorIs(t, snapshot.Error, media.ErrDeviceInUse)

	assert.ErrorIs(t, h.orchestrator.ToggleVideo(), media.ErrDeviceInUse)
	assert.Equal(t, StateConnected, h.orchestrator.Snapshot().State())
}

func TestBusyDuringCall(t *testing.T) {
	h := newHarness(t, "local", Config{})
	h.connect(t, "c1", "p1")

	_, offer := h.remoteOffer(t)
	h.orchestrator.HandleEnvelope(h.envelope(t, signaling.TypeOffer, "c2", "p3", signaling.SDPPayload{SDP: offer}))

	hangup := h.signaler.waitFor(t, signaling.TypeHangup, "p3")
	assert.Equal(t, "c2", hangup.CallID)

	var payload signaling.HangupPayload
	require.NoError(t, hangup.Decode(&payload))
	assert.Equal(t, signaling.HangupBusy, payload.Reason)

	snapshot := h.orchestrator.Snapshot()
	assert.Equal(t, "c1", snapshot.Session.CallID)
	assert.Equal(t, StateConnected, snapshot.State())
	_, found := snapshot.Participant("p3")
	assert.False(t, found)
}

func TestRemoteHangupEndsCall(t *testing.T) {
	h := newHarness(t, "local", Config{})
	h.connect(t, "c1", "p1", "p2")

	h.orchestrator.HandleEnvelope(h.envelope(t, signaling.TypeHangup, "c1", "p1", signaling.HangupPayload{Reason: signaling.HangupUserHangup}))
	h.waitSnapshot(t, func(s Snapshot) bool { return len(s.Participants) == 1 })
	assert.Equal(t, StateConnected, h.orchestrator.Snapshot().State())

	h.orchestrator.HandleEnvelope(h.envelope(t, signaling.TypeHangup, "c1", "p2", signaling.HangupPayload{Reason: signaling.HangupUserHangup}))
	h.waitState(t, StateDisconnected)

	assert.Zero(t, h.signaler.count(signaling.TypeHangup, "p1"))
	assert.Zero(t, h.signaler.count(signaling.TypeHangup, "p2"))
	assert.Nil(t, h.orchestrator.LocalStream())
}

func TestScreenShareSwapsVideoWithoutRenegotiation(t *testing.T) {
	h := newHarness(t, "local", Config{})
	h.connect(t, "c1", "p1", "p2")
	camera := h.orchestrator.LocalStream().Video

	require.NoError(t, h.orchestrator.StartScreenShare())
	h.waitSnapshot(t, func(s Snapshot) bool { return s.LocalMedia.ScreenShareActive })

	for _, participantID := range []string{"p1", "p2"} {
		var payload signaling.MediaStatePayload
		require.NoError(t, h.signaler.waitFor(t, signaling.TypeMediaStateChanged, participantID).Decode(&payload))
		assert.True(t, payload.ScreenSharing)
	}

	assert.ErrorIs(t, h.orchestrator.StartScreenShare(), media.ErrAlreadySharing)

	require.NoError(t, h.orchestrator.StopScreenShare())
	assert.False(t, h.orchestrator.Snapshot().LocalMedia.ScreenShareActive)
	assert.Same(t, camera, h.orchestrator.media.OutgoingVideoTrack())
	assert.False(t, camera.Stopped())

	for _, participantID := range []string{"p1", "p2"} {
		assert.Equal(t, 1, h.signaler.count(signaling.TypeOffer, participantID), "renegotiated with %s", participantID)
		assert.Equal(t, 2, h.signaler.count(signaling.TypeMediaStateChanged, participantID))
	}

	assert.ErrorIs(t, h.orchestrator.StopScreenShare(), media.ErrNotSharing)
}

func TestIncomingCallAnswered(t *testing.T) {
	h := newHarness(t, "bob", Config{})
	notifications, cancel := h.orchestrator.Subscribe()
	defer cancel()

	alice, aliceOffer := h.remoteOffer(t)
	h.orchestrator.HandleEnvelope(h.envelope(t, signaling.TypeOffer, "c9", "alice", signaling.SDPPayload{
		SDP:          aliceOffer,
		DisplayName:  "Alice",
		Participants: []string{"alice", "bob", "aaron", "carol"},
	}))

	incoming := waitNotification[IncomingCall](t, notifications)
	assert.Equal(t, "c9", incoming.CallID)
	assert.Equal(t, "alice", incoming.From)
	assert.Equal(t, "Alice", incoming.DisplayName)
	assert.Equal(t, []string{"alice", "bob", "aaron", "carol"}, incoming.Participants)
	assert.Equal(t, StateIdle, h.orchestrator.Snapshot().State())

	// Carol joins the mesh before we even answered.
	_, carolOffer := h.remoteOffer(t)
	h.orchestrator.HandleEnvelope(h.envelope(t, signaling.TypeOffer, "c9", "carol", signaling.SDPPayload{SDP: carolOffer}))

	require.NoError(t, h.orchestrator.AnswerCall("c9", "alice", ""))

	var answer signaling.SDPPayload
	require.NoError(t, h.signaler.waitFor(t, signaling.TypeAnswer, "alice").Decode(&answer))
	require.NoError(t, alice.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP}))

	h.signaler.waitFor(t, signaling.TypeAnswer, "carol")
	// Aaron sorts before us, so we are the one offering.
	h.signaler.waitFor(t, signaling.TypeOffer, "aaron")
	assert.Zero(t, h.signaler.count(signaling.TypeOffer, "carol"))

	h.waitState(t, StateConnected)
	h.waitParticipant(t, "alice", participant.StatusConnected)
	h.waitParticipant(t, "carol", participant.StatusConnected)
	h.waitParticipant(t, "aaron", participant.StatusNegotiating)

	snapshot := h.orchestrator.Snapshot()
	assert.Equal(t, DirectionIncoming, snapshot.Session.Direction)
	alicep, _ := snapshot.Participant("alice")
	assert.Equal(t, "Alice", alicep.DisplayName)
}

func TestIncomingCallRejected(t *testing.T) {
	h := newHarness(t, "bob", Config{})
	notifications, cancel := h.orchestrator.Subscribe()
	defer cancel()

	_, offer := h.remoteOffer(t)
	h.orchestrator.HandleEnvelope(h.envelope(t, signaling.TypeOffer, "c10", "alice", signaling.SDPPayload{SDP: offer}))
	waitNotification[IncomingCall](t, notifications)

	require.NoError(t, h.orchestrator.RejectCall("c10"))

	var payload signaling.HangupPayload
	require.NoError(t, h.signaler.waitFor(t, signaling.TypeHangup, "alice").Decode(&payload))
	assert.Equal(t, signaling.HangupDeclined, payload.Reason)

	var stateErr *StateError
	assert.ErrorAs(t, h.orchestrator.RejectCall("c10"), &stateErr)
	assert.ErrorIs(t, h.orchestrator.AnswerCall("c10", "alice", offer), ErrCallEnded)
	assert.Equal(t, StateIdle, h.orchestrator.Snapshot().State())

	opened, _ := h.capturer.Usage(media.DeviceMicrophone)
	assert.Zero(t, opened)
}

func TestIncomingCallCancelled(t *testing.T) {
	h := newHarness(t, "bob", Config{})
	notifications, cancel := h.orchestrator.Subscribe()
	defer cancel()

	_, offer := h.remoteOffer(t)
	h.orchestrator.HandleEnvelope(h.envelope(t, signaling.TypeOffer, "c11", "alice", signaling.SDPPayload{SDP: offer}))
	waitNotification[IncomingCall](t, notifications)

	h.orchestrator.HandleEnvelope(h.envelope(t, signaling.TypeHangup, "c11", "alice", signaling.HangupPayload{Reason: signaling.HangupUserHangup}))
	cancelled := waitNotification[IncomingCallCancelled](t, notifications)
	assert.Equal(t, "c11", cancelled.CallID)

	assert.ErrorIs(t, h.orchestrator.AnswerCall("c11", "alice", ""), ErrCallEnded)
	assert.Zero(t, h.signaler.count(signaling.TypeHangup, "alice"))
}

func TestSecondInviteWhileRingingIsBusy(t *testing.T) {
	h := newHarness(t, "bob", Config{})
	notifications, cancel := h.orchestrator.Subscribe()
	defer cancel()

	_, offer := h.remoteOffer(t)
	h.orchestrator.HandleEnvelope(h.envelope(t, signaling.TypeOffer, "c12", "alice", signaling.SDPPayload{SDP: offer}))
	waitNotification[IncomingCall](t, notifications)

	h.orchestrator.HandleEnvelope(h.envelope(t, signaling.TypeOffer, "c13", "dave", signaling.SDPPayload{SDP: offer}))
	hangup := h.signaler.waitFor(t, signaling.TypeHangup, "dave")
	assert.Equal(t, "c13", hangup.CallID)

	assert.ErrorIs(t, h.orchestrator.StartCall("c14", []string{"erin"}), ErrInvitePending)
}

func TestAnswerWithExplicitOffer(t *testing.T) {
	h := newHarness(t, "bob", Config{})

	alice, offer := h.remoteOffer(t)
	require.NoError(t, h.orchestrator.AnswerCall("c15", "alice", offer))

	var answer signaling.SDPPayload
	require.NoError(t, h.signaler.waitFor(t, signaling.TypeAnswer, "alice").Decode(&answer))
	require.NoError(t, alice.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP}))
	h.waitState(t, StateConnected)

	assert.ErrorIs(t, h.orchestrator.AnswerCall("c16", "carol", ""), ErrCallActive)
}

func TestClosedOrchestratorRejectsCommands(t *testing.T) {
	h := newHarness(t, "local", Config{})
	notifications, _ := h.orchestrator.Subscribe()

	h.orchestrator.Close()

	assert.True(t, errors.Is(h.orchestrator.StartCall("c1", []string{"p1"}), ErrClosed))
	_, open := <-notifications
	assert.False(t, open)

	late, _ := h.orchestrator.Subscribe()
	_, open = <-late
	assert.False(t, open)
}
