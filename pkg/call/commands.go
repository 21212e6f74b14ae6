package call

import (
	"context"

	"github.com/google/uuid"
	"github.com/matrix-org/meshcall/pkg/media"
	"github.com/matrix-org/meshcall/pkg/peer"
	"github.com/matrix-org/meshcall/pkg/signaling"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
)

func (o *Orchestrator) startCall(callID string, participantIDs []string) error {
	if o.active() {
		return &StateError{Op: "start call", State: o.state(), Err: ErrCallActive}
	}

	if o.invite != nil {
		return &StateError{Op: "start call", State: o.state(), Err: ErrInvitePending}
	}

	var invitees []string
	for _, participantID := range participantIDs {
		if participantID != "" && participantID != o.identity.UserID && !slices.Contains(invitees, participantID) {
			invitees = append(invitees, participantID)
		}
	}

	if len(invitees) == 0 {
		return ErrNoParticipants
	}

	if callID == "" {
		callID = uuid.NewString()
	}

	if o.ended.Contains(callID) {
		return ErrCallEnded
	}

	o.beginSession(callID, DirectionOutgoing)
	o.roster = append([]string{o.identity.UserID}, invitees...)
	for _, participantID := range invitees {
		o.registry.Add(participantID, participantID)
	}
	o.publish()

	return nil
}

func (o *Orchestrator) answerCall(callID, from, offer string) error {
	if o.active() {
		return &StateError{Op: "answer call", State: o.state(), Err: ErrCallActive}
	}

	if o.ended.Contains(callID) {
		return ErrCallEnded
	}

	invite := o.invite
	if invite == nil || invite.callID != callID || invite.from != from {
		if offer == "" {
			return &StateError{Op: "answer call", State: o.state(), Err: ErrNoIncomingCall}
		}
		if invite != nil {
			return &StateError{Op: "answer call", State: o.state(), Err: ErrInvitePending}
		}
		invite = newPendingInvite(signaling.Envelope{
			ID:                uuid.NewString(),
			Type:              signaling.TypeOffer,
			CallID:            callID,
			FromParticipantID: from,
			ToParticipantID:   o.identity.UserID,
		}, signaling.SDPPayload{SDP: offer})
	}

	if offer != "" {
		invite.payload.SDP = offer
	}

	o.stopInviteTimer()
	o.invite = nil

	o.beginSession(callID, DirectionIncoming)
	o.roster = invite.roster(o.identity.UserID)
	o.registry.Add(from, invite.displayName())
	for _, participantID := range o.roster {
		if participantID != o.identity.UserID {
			o.registry.Add(participantID, participantID)
		}
	}

	// The offers are applied once local media is ready: the inviter's first, then
	// those of other participants that reached us while we were still ringing.
	o.contacted[from] = true
	o.deferredOffers = append(o.deferredOffers, invite.offerEnvelope())
	o.deferredOffers = append(o.deferredOffers, invite.otherOffers...)
	for participantID, candidates := range invite.candidates {
		o.earlyCandidates[participantID] = candidates
	}
	o.publish()

	return nil
}

func (o *Orchestrator) rejectCall(callID string) error {
	invite := o.invite
	if invite == nil || invite.callID != callID {
		return &StateError{Op: "reject call", State: o.state(), Err: ErrNoIncomingCall}
	}

	o.stopInviteTimer()
	o.invite = nil
	o.ended.Add(callID, invite.receivedAt)

	o.replyHangup(invite.callID, invite.from, signaling.HangupDeclined)
	for _, envelope := range invite.otherOffers {
		o.replyHangup(invite.callID, envelope.FromParticipantID, signaling.HangupDeclined)
	}

	o.logger.WithFields(logrus.Fields{"call_id": callID, "from": invite.from}).Info("incoming call rejected")

	return nil
}

func (o *Orchestrator) endCall() {
	if o.invite != nil && !o.active() {
		_ = o.rejectCall(o.invite.callID)
		return
	}

	o.teardown(StateDisconnected, "local hangup", signaling.HangupUserHangup, nil)
}

// Checks that the call is in progress and local media is ready to be controlled.
func (o *Orchestrator) checkMediaControl(op string) error {
	if !o.active() {
		return &StateError{Op: op, State: o.state(), Err: ErrNoActiveCall}
	}

	if !o.mediaReady {
		return &StateError{Op: op, State: o.state(), Err: ErrMediaNotReady}
	}

	return nil
}

func (o *Orchestrator) toggleMute() error {
	if err := o.checkMediaControl("toggle mute"); err != nil {
		return err
	}

	if err := o.media.SetMicEnabled(!o.media.State().MicEnabled); err != nil {
		return err
	}

	return o.broadcastMediaState()
}

func (o *Orchestrator) toggleVideo() error {
	if err := o.checkMediaControl("toggle video"); err != nil {
		return err
	}

	if err := o.media.SetCameraEnabled(!o.media.State().CameraEnabled); err != nil {
		return err
	}

	return o.broadcastMediaState()
}

func (o *Orchestrator) startScreenShare() error {
	if err := o.checkMediaControl("start screen share"); err != nil {
		return err
	}

	if o.media.State().ScreenShareActive {
		return &StateError{Op: "start screen share", State: o.state(), Err: media.ErrAlreadySharing}
	}

	if o.screenCapturing {
		return &StateError{Op: "start screen share", State: o.state(), Err: ErrCaptureInFlight}
	}

	o.screenCapturing = true

	ctx, serial := context.Background(), o.serial
	go func() {
		_, err := o.media.StartScreenShare(ctx)
		o.post(screenCaptured{serial: serial, err: err})
	}()

	return nil
}

func (o *Orchestrator) stopScreenShare() error {
	if err := o.checkMediaControl("stop screen share"); err != nil {
		return err
	}

	if !o.media.State().ScreenShareActive {
		return &StateError{Op: "stop screen share", State: o.state(), Err: media.ErrNotSharing}
	}

	track, err := o.media.StopScreenShare()
	if err != nil {
		return err
	}

	o.replaceOutgoingVideo(track)

	return o.broadcastMediaState()
}

func (o *Orchestrator) onScreenCaptured(msg screenCaptured) {
	if msg.serial != o.serial || !o.active() {
		return
	}

	o.screenCapturing = false

	if msg.err != nil {
		o.sessionLogger.WithError(msg.err).Warn("screen capture failed")
		o.lastErr = msg.err
		o.publish()
		return
	}

	o.replaceOutgoingVideo(o.media.OutgoingVideoTrack())

	if err := o.broadcastMediaState(); err != nil {
		o.sessionLogger.WithError(err).Warn("failed to announce screen share")
	}
}

// Swaps the outgoing video of every link. Links that could not carry the track
// yet are renegotiated, each one on its own.
func (o *Orchestrator) replaceOutgoingVideo(track *media.LocalTrack) {
	if track == nil {
		return
	}

	for _, participantID := range o.manager.ParticipantIDs() {
		renegotiate, err := o.manager.ReplaceOutgoingVideoTrack(participantID, track)
		if err != nil {
			o.sessionLogger.WithField("participant_id", participantID).WithError(err).Warn("failed to replace outgoing video")
			continue
		}

		if renegotiate {
			o.renegotiate(participantID)
		}
	}
}

func (o *Orchestrator) renegotiate(participantID string) {
	logger := o.sessionLogger.WithField("participant_id", participantID)

	if role, _ := o.manager.Role(participantID); role != peer.RoleOfferer {
		logger.Warn("link needs renegotiation but the remote side is the offerer")
		return
	}

	if state, _ := o.manager.State(participantID); state != peer.StateStable {
		logger.WithField("state", state).Warn("link is not stable, skipping renegotiation")
		return
	}

	offer, err := o.manager.Renegotiate(participantID)
	if err != nil {
		o.failParticipant(participantID, err, signaling.HangupNegotiationFailed)
		return
	}

	if err := o.send(signaling.TypeOffer, participantID, signaling.SDPPayload{
		SDP:         offer,
		DisplayName: o.identity.DisplayName,
	}); err != nil {
		logger.WithError(err).Warn("failed to send renegotiation offer")
	}
}

// Puts local media in place once it is acquired and starts negotiating.
func (o *Orchestrator) onMediaAcquired(msg mediaAcquired) {
	if msg.serial != o.serial || o.session == nil || o.session.State != StateConnecting {
		return
	}

	o.cancelCapture = nil

	if msg.err != nil {
		o.teardown(StateFailed, "local media unavailable: "+msg.err.Error(), signaling.HangupMediaFailed, msg.err)
		return
	}

	o.mediaReady = true
	if state := o.media.State(); state.CameraError != nil {
		o.lastErr = state.CameraError
	}

	switch o.session.Direction {
	case DirectionOutgoing:
		o.transition(StateRinging, "")
		for _, participantID := range o.roster[1:] {
			o.inviteParticipant(participantID)
			if !o.active() {
				return
			}
		}
		o.applyDeferredOffers()
		if !o.active() {
			return
		}
	case DirectionIncoming:
		o.applyDeferredOffers()
		if !o.active() {
			return
		}
		o.connectMesh()
	}

	o.publish()
}

func (o *Orchestrator) applyDeferredOffers() {
	offers := o.deferredOffers
	o.deferredOffers = nil

	for _, envelope := range offers {
		o.onOffer(envelope)
		if !o.active() {
			return
		}
	}
}

// Links up with the rest of the roster after answering. We offer to everyone
// whose id sorts before ours; the others offer to us.
func (o *Orchestrator) connectMesh() {
	inviter := ""
	if len(o.roster) > 0 {
		inviter = o.roster[0]
	}

	for _, participantID := range o.roster {
		if participantID == o.identity.UserID || participantID == inviter || o.manager.HasLink(participantID) {
			continue
		}

		if participantID < o.identity.UserID {
			o.inviteParticipant(participantID)
			if !o.active() {
				return
			}
		} else {
			o.startRingingTimer(participantID)
		}
	}
}
