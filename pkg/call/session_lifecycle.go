package call

import (
	"context"
	"errors"
	"time"

	"github.com/matrix-org/meshcall/pkg/metrics"
	"github.com/matrix-org/meshcall/pkg/participant"
	"github.com/matrix-org/meshcall/pkg/peer"
	"github.com/matrix-org/meshcall/pkg/signaling"
	"github.com/matrix-org/meshcall/pkg/telemetry"
	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// Starts a new session in `Connecting` and acquires local media for it.
func (o *Orchestrator) beginSession(callID string, direction Direction) {
	o.serial++
	o.session = &Session{
		CallID:           callID,
		LocalUserID:      o.identity.UserID,
		LocalDisplayName: o.identity.DisplayName,
		State:            StateIdle,
		Direction:        direction,
		StartedAt:        time.Now(),
	}
	o.sessionLogger = o.logger.WithFields(logrus.Fields{"call_id": callID, "direction": direction})
	o.telemetry = telemetry.NewTelemetry(context.Background(), "call",
		attribute.String("call_id", callID),
		attribute.String("direction", direction.String()),
	)
	o.manager = peer.NewManager(o.factory, o.peerEvents, o.telemetry, o.sessionLogger)
	o.peers.Store(o.manager)

	o.registry.Reset()
	o.timers = make(map[string]*time.Timer)
	o.contacted = make(map[string]bool)
	o.earlyCandidates = make(map[string][]webrtc.ICECandidateInit)
	o.deferredOffers = nil
	o.roster = nil
	o.lastErr = nil
	o.mediaReady = false
	o.screenCapturing = false

	metrics.CallsStarted.WithLabelValues(direction.String()).Inc()
	o.transition(StateConnecting, "")

	ctx, cancel := context.WithCancel(context.Background())
	o.cancelCapture = cancel

	serial, constraints := o.serial, o.config.Media
	go func() {
		_, err := o.media.AcquireLocalMedia(ctx, constraints)
		o.post(mediaAcquired{serial: serial, err: err})
	}()
}

// Reports whether a session is in progress.
func (o *Orchestrator) active() bool {
	return o.session != nil && o.session.State.Active()
}

func (o *Orchestrator) state() State {
	if o.session == nil {
		return StateIdle
	}
	return o.session.State
}

// Moves the session to `to` if the state machine allows it.
func (o *Orchestrator) transition(to State, reason string) bool {
	from := o.session.State
	if from == to {
		return false
	}

	if !canTransition(from, to) {
		o.sessionLogger.WithFields(logrus.Fields{"from": from, "to": to}).Error("invalid call state transition")
		return false
	}

	now := time.Now()
	o.session.State = to

	switch to {
	case StateConnected:
		o.session.ConnectedAt = &now
	case StateDisconnected, StateFailed:
		if o.session.EndedAt == nil {
			o.session.EndedAt = &now
		}
		o.session.Reason = reason
	}

	o.sessionLogger.WithFields(logrus.Fields{"from": from, "to": to, "reason": reason}).Info("call state changed")
	o.telemetry.AddEvent("state changed", attribute.String("state", to.String()), attribute.String("reason", reason))
	o.publish()

	return true
}

// Ends the session: stops everything in flight, hangs up on everyone we talked
// to, closes every link and releases local media.
func (o *Orchestrator) teardown(state State, reason string, hangup signaling.HangupReason, cause error) {
	if !o.active() {
		return
	}

	if o.cancelCapture != nil {
		o.cancelCapture()
		o.cancelCapture = nil
	}

	for participantID := range o.timers {
		o.stopRingingTimer(participantID)
	}

	for _, p := range o.registry.Snapshot() {
		if p.Status.Active() && o.contacted[p.ID] {
			o.sendHangup(p.ID, hangup)
		}
	}

	o.manager.CloseAll()
	o.media.ReleaseAll()
	o.registry.Reset()
	o.deferredOffers = nil
	o.earlyCandidates = make(map[string][]webrtc.ICECandidateInit)
	o.mediaReady = false
	o.screenCapturing = false
	o.ended.Add(o.session.CallID, time.Now())

	if cause != nil {
		o.lastErr = cause
		o.telemetry.Fail(cause)
	}

	o.transition(state, reason)
	metrics.CallsEnded.WithLabelValues(state.String()).Inc()
	o.telemetry.End()
}

// Publishes the current view of the call to snapshot readers and subscribers.
func (o *Orchestrator) publish() {
	snapshot := Snapshot{
		Participants: o.registry.Snapshot(),
		LocalMedia:   o.media.State(),
		Error:        o.lastErr,
	}
	if o.session != nil {
		snapshot.Session = *o.session
	}

	o.snapshot.Store(&snapshot)
	o.notify(StateChanged{Snapshot: snapshot})
}

func (o *Orchestrator) setStatus(participantID string, status participant.Status) {
	if err := o.registry.SetConnectionStatus(participantID, status); err != nil {
		o.sessionLogger.WithField("participant_id", participantID).WithError(err).Warn("failed to set participant status")
	}
}

func (o *Orchestrator) countActiveParticipants() int {
	return o.registry.Count(func(p participant.Participant) bool { return p.Status.Active() })
}

// Marks the call connected once the first link is stable.
func (o *Orchestrator) participantConnected(participantID string) {
	o.stopRingingTimer(participantID)
	o.setStatus(participantID, participant.StatusConnected)

	if o.session.State != StateConnected {
		o.transition(StateConnected, "")
	} else {
		o.publish()
	}
}

// Gives up on one participant after their link failed. The call only fails if
// nobody else is left.
func (o *Orchestrator) failParticipant(participantID string, cause error, hangup signaling.HangupReason) {
	logger := o.sessionLogger.WithField("participant_id", participantID)
	logger.WithError(cause).Warn("participant link failed")

	metrics.LinkFailures.WithLabelValues(string(hangup)).Inc()
	o.telemetry.AddEvent("participant failed",
		attribute.String("participant_id", participantID),
		attribute.String("error", cause.Error()),
	)

	o.stopRingingTimer(participantID)
	o.manager.CloseLink(participantID)
	if o.contacted[participantID] {
		o.sendHangup(participantID, hangup)
	}
	o.setStatus(participantID, participant.StatusDisconnected)

	if o.countActiveParticipants() == 0 {
		o.teardown(StateFailed, cause.Error(), hangup, cause)
		return
	}

	o.publish()
}

// Ends the call normally if nobody is left to talk to.
func (o *Orchestrator) endIfAlone(reason string) {
	if o.countActiveParticipants() > 0 {
		o.publish()
		return
	}

	o.teardown(StateDisconnected, reason, signaling.HangupUserHangup, nil)
}

func (o *Orchestrator) startRingingTimer(participantID string) {
	o.stopRingingTimer(participantID)

	serial := o.serial
	o.timers[participantID] = time.AfterFunc(o.config.RingingTimeout, func() {
		o.post(ringingExpired{serial: serial, participantID: participantID})
	})
}

func (o *Orchestrator) stopRingingTimer(participantID string) {
	if timer, found := o.timers[participantID]; found {
		timer.Stop()
		delete(o.timers, participantID)
	}
}

// Sends an envelope of the current call.
func (o *Orchestrator) send(msgType signaling.MessageType, to string, payload any) error {
	envelope, err := signaling.NewEnvelope(msgType, o.session.CallID, o.identity.UserID, to, payload)
	if err != nil {
		return err
	}

	o.contacted[to] = true

	if err := o.signaler.Send(envelope); err != nil {
		o.sessionLogger.WithFields(logrus.Fields{
			"participant_id": to,
			"type":           msgType,
		}).WithError(err).Warn("failed to send envelope")
		return err
	}

	return nil
}

func (o *Orchestrator) sendHangup(to string, reason signaling.HangupReason) {
	_ = o.send(signaling.TypeHangup, to, signaling.HangupPayload{Reason: reason})
}

// Announces our media flags to every participant we have a link with.
func (o *Orchestrator) broadcastMediaState() error {
	state := o.media.State()
	payload := signaling.MediaStatePayload{
		Muted:         !state.MicEnabled,
		VideoOff:      !state.CameraEnabled,
		ScreenSharing: state.ScreenShareActive,
	}

	var errs []error
	for _, participantID := range o.manager.ParticipantIDs() {
		if err := o.send(signaling.TypeMediaStateChanged, participantID, payload); err != nil {
			errs = append(errs, err)
		}
	}

	o.publish()

	return errors.Join(errs...)
}
