package call

import (
	"errors"
	"time"

	"github.com/matrix-org/meshcall/pkg/metrics"
	"github.com/matrix-org/meshcall/pkg/participant"
	"github.com/matrix-org/meshcall/pkg/peer"
	"github.com/matrix-org/meshcall/pkg/signaling"
	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"
)

// Filters an inbound envelope and routes it to the call it belongs to. Nothing is
// mutated by envelopes that are redelivered, misaddressed or belong to another call.
func (o *Orchestrator) processEnvelope(envelope signaling.Envelope) {
	if err := envelope.Validate(); err != nil {
		o.logger.WithError(err).Warn("dropping malformed envelope")
		metrics.EnvelopesDropped.WithLabelValues("malformed").Inc()
		return
	}

	if seen, _ := o.seen.ContainsOrAdd(envelope.ID, struct{}{}); seen {
		o.drop(envelope, "duplicate")
		return
	}

	if envelope.ToParticipantID != o.identity.UserID || envelope.FromParticipantID == o.identity.UserID {
		o.drop(envelope, "wrong_recipient")
		return
	}

	if o.ended.Contains(envelope.CallID) {
		o.drop(envelope, "ended_call")
		return
	}

	switch {
	case o.active() && envelope.CallID == o.session.CallID:
		o.processCallEnvelope(envelope)
	case o.invite != nil && envelope.CallID == o.invite.callID:
		o.processInviteEnvelope(envelope)
	case envelope.Type == signaling.TypeOffer:
		o.onIncomingOffer(envelope)
	default:
		o.drop(envelope, "unknown_call")
	}
}

func (o *Orchestrator) drop(envelope signaling.Envelope, reason string) {
	o.logger.WithFields(logrus.Fields{
		"envelope_id": envelope.ID,
		"type":        envelope.Type,
		"call_id":     envelope.CallID,
		"from":        envelope.FromParticipantID,
		"reason":      reason,
	}).Debug("dropping envelope")
	metrics.EnvelopesDropped.WithLabelValues(reason).Inc()
}

// Applies an envelope of the call in progress.
func (o *Orchestrator) processCallEnvelope(envelope signaling.Envelope) {
	switch envelope.Type {
	case signaling.TypeOffer:
		o.onOffer(envelope)
	case signaling.TypeAnswer:
		o.onAnswer(envelope)
	case signaling.TypeICECandidate:
		o.onRemoteICECandidate(envelope)
	case signaling.TypeHangup:
		o.onRemoteHangup(envelope)
	case signaling.TypeMediaStateChanged:
		o.onRemoteMediaState(envelope)
	}
}

func (o *Orchestrator) onOffer(envelope signaling.Envelope) {
	var payload signaling.SDPPayload
	if err := envelope.Decode(&payload); err != nil || payload.SDP == "" {
		o.drop(envelope, "malformed")
		return
	}

	// Offers can only be answered once there is local media to answer with.
	if !o.mediaReady {
		o.deferredOffers = append(o.deferredOffers, envelope)
		return
	}

	from := envelope.FromParticipantID

	if role, found := o.manager.Role(from); found {
		if role != peer.RoleAnswerer {
			// Both sides offered at once; our offer stands.
			o.drop(envelope, "offer_collision")
			return
		}

		o.answerOffer(from, payload)
		return
	}

	if !o.registry.Add(from, displayNameOf(payload.DisplayName, from)) {
		_ = o.registry.SetDisplayName(from, payload.DisplayName)
	}
	o.setStatus(from, participant.StatusNegotiating)

	if _, err := o.manager.CreateLink(from, peer.RoleAnswerer); err != nil {
		o.failParticipant(from, err, signaling.HangupNegotiationFailed)
		return
	}

	if err := o.attachLocalTracks(from); err != nil {
		o.failParticipant(from, err, signaling.HangupNegotiationFailed)
		return
	}

	o.flushEarlyCandidates(from)
	o.answerOffer(from, payload)
}

func (o *Orchestrator) answerOffer(from string, payload signaling.SDPPayload) {
	answer, err := o.manager.ApplyRemoteOffer(from, payload.SDP)
	if err != nil {
		if errors.Is(err, peer.ErrUnexpectedOffer) {
			o.sessionLogger.WithField("participant_id", from).WithError(err).Warn("ignoring offer")
			return
		}
		o.failParticipant(from, err, signaling.HangupNegotiationFailed)
		return
	}

	err = o.send(signaling.TypeAnswer, from, signaling.SDPPayload{SDP: answer, DisplayName: o.identity.DisplayName})
	if err != nil {
		o.failParticipant(from, err, signaling.HangupNegotiationFailed)
		return
	}

	if err := o.manager.CompleteAnswer(from); err != nil {
		o.failParticipant(from, err, signaling.HangupNegotiationFailed)
		return
	}

	o.participantConnected(from)
}

func (o *Orchestrator) onAnswer(envelope signaling.Envelope) {
	var payload signaling.SDPPayload
	if err := envelope.Decode(&payload); err != nil || payload.SDP == "" {
		o.drop(envelope, "malformed")
		return
	}

	from := envelope.FromParticipantID
	if role, found := o.manager.Role(from); !found || role != peer.RoleOfferer {
		o.drop(envelope, "unexpected_answer")
		return
	}

	if err := o.manager.ApplyRemoteAnswer(from, payload.SDP); err != nil {
		if errors.Is(err, peer.ErrUnexpectedAnswer) {
			o.drop(envelope, "unexpected_answer")
			return
		}
		o.failParticipant(from, err, signaling.HangupNegotiationFailed)
		return
	}

	_ = o.registry.SetDisplayName(from, payload.DisplayName)
	o.participantConnected(from)
}

func (o *Orchestrator) onRemoteICECandidate(envelope signaling.Envelope) {
	var candidate webrtc.ICECandidateInit
	if err := envelope.Decode(&candidate); err != nil {
		o.drop(envelope, "malformed")
		return
	}

	from := envelope.FromParticipantID
	if !o.manager.HasLink(from) {
		if len(o.earlyCandidates[from]) >= maxEarlyCandidates {
			o.drop(envelope, "too_many_candidates")
			return
		}
		o.earlyCandidates[from] = append(o.earlyCandidates[from], candidate)
		return
	}

	if err := o.applyCandidate(from, candidate); err != nil {
		o.sessionLogger.WithField("participant_id", from).WithError(err).Warn("failed to apply ICE candidate")
	}
}

func (o *Orchestrator) onRemoteHangup(envelope signaling.Envelope) {
	var payload signaling.HangupPayload
	_ = envelope.Decode(&payload)

	from := envelope.FromParticipantID
	if _, found := o.registry.Get(from); !found && !o.manager.HasLink(from) {
		o.drop(envelope, "unknown_participant")
		return
	}

	o.sessionLogger.WithFields(logrus.Fields{
		"participant_id": from,
		"reason":         payload.Reason,
	}).Info("participant hung up")

	o.stopRingingTimer(from)
	o.manager.CloseLink(from)
	o.registry.Remove(from)
	delete(o.earlyCandidates, from)

	o.endIfAlone("all participants left")
}

func (o *Orchestrator) onRemoteMediaState(envelope signaling.Envelope) {
	var payload signaling.MediaStatePayload
	if err := envelope.Decode(&payload); err != nil {
		o.drop(envelope, "malformed")
		return
	}

	update := participant.FlagsUpdate{
		Muted:         &payload.Muted,
		VideoOff:      &payload.VideoOff,
		ScreenSharing: &payload.ScreenSharing,
	}
	if err := o.registry.UpdateMediaFlags(envelope.FromParticipantID, update); err != nil {
		o.drop(envelope, "unknown_participant")
		return
	}

	o.publish()
}

// Collects what other participants send for a call we have not answered yet.
func (o *Orchestrator) processInviteEnvelope(envelope signaling.Envelope) {
	invite := o.invite
	from := envelope.FromParticipantID

	switch envelope.Type {
	case signaling.TypeOffer:
		var payload signaling.SDPPayload
		if err := envelope.Decode(&payload); err != nil || payload.SDP == "" {
			o.drop(envelope, "malformed")
			return
		}

		if from == invite.from {
			invite.envelope, invite.payload = envelope, payload
			return
		}
		invite.addOffer(envelope)
	case signaling.TypeICECandidate:
		var candidate webrtc.ICECandidateInit
		if err := envelope.Decode(&candidate); err != nil {
			o.drop(envelope, "malformed")
			return
		}

		if !invite.addCandidate(from, candidate) {
			o.drop(envelope, "too_many_candidates")
		}
	case signaling.TypeHangup:
		if from != invite.from {
			invite.removeOffer(from)
			return
		}

		o.stopInviteTimer()
		o.invite = nil
		o.ended.Add(invite.callID, time.Now())
		o.logger.WithFields(logrus.Fields{"call_id": invite.callID, "from": from}).Info("incoming call cancelled")
		o.notify(IncomingCallCancelled{CallID: invite.callID, From: from})
	default:
		o.drop(envelope, "not_answered")
	}
}

// An offer for a call we know nothing about is an invitation.
func (o *Orchestrator) onIncomingOffer(envelope signaling.Envelope) {
	var payload signaling.SDPPayload
	if err := envelope.Decode(&payload); err != nil || payload.SDP == "" {
		o.drop(envelope, "malformed")
		return
	}

	if o.active() || o.invite != nil {
		o.drop(envelope, "busy")
		o.replyHangup(envelope.CallID, envelope.FromParticipantID, signaling.HangupBusy)
		return
	}

	invite := newPendingInvite(envelope, payload)
	callID := invite.callID
	invite.timer = time.AfterFunc(o.config.RingingTimeout, func() {
		o.post(inviteExpired{callID: callID})
	})
	o.invite = invite

	o.logger.WithFields(logrus.Fields{"call_id": callID, "from": invite.from}).Info("incoming call")
	o.notify(IncomingCall{
		CallID:       callID,
		From:         invite.from,
		DisplayName:  invite.displayName(),
		Offer:        payload.SDP,
		Participants: invite.roster(o.identity.UserID),
	})
}

func (o *Orchestrator) onInviteExpired(msg inviteExpired) {
	if o.invite == nil || o.invite.callID != msg.callID {
		return
	}

	invite := o.invite
	o.invite = nil
	o.ended.Add(invite.callID, time.Now())

	o.logger.WithField("call_id", invite.callID).Info("incoming call was not answered in time")
	o.notify(IncomingCallCancelled{CallID: invite.callID, From: invite.from})
}

func (o *Orchestrator) stopInviteTimer() {
	if o.invite != nil && o.invite.timer != nil {
		o.invite.timer.Stop()
	}
}

// Sends a hangup for a call other than the current one.
func (o *Orchestrator) replyHangup(callID, to string, reason signaling.HangupReason) {
	envelope, err := signaling.NewEnvelope(signaling.TypeHangup, callID, o.identity.UserID, to, signaling.HangupPayload{Reason: reason})
	if err != nil {
		o.logger.WithError(err).Error("failed to create hangup")
		return
	}

	if err := o.signaler.Send(envelope); err != nil {
		o.logger.WithFields(logrus.Fields{"call_id": callID, "participant_id": to}).WithError(err).Warn("failed to send hangup")
	}
}

func displayNameOf(displayName, participantID string) string {
	if displayName == "" {
		return participantID
	}
	return displayName
}
