package call

import (
	"github.com/matrix-org/meshcall/pkg/participant"
	"github.com/matrix-org/meshcall/pkg/peer"
	"github.com/matrix-org/meshcall/pkg/signaling"
	"github.com/pion/webrtc/v3"
	"go.opentelemetry.io/otel/attribute"
)

// Creates an offerer link to an invitee and sends it the offer, which doubles as
// the invitation.
func (o *Orchestrator) inviteParticipant(participantID string) {
	if _, err := o.manager.CreateLink(participantID, peer.RoleOfferer); err != nil {
		o.failParticipant(participantID, err, signaling.HangupNegotiationFailed)
		return
	}

	if err := o.attachLocalTracks(participantID); err != nil {
		o.failParticipant(participantID, err, signaling.HangupNegotiationFailed)
		return
	}

	offer, err := o.manager.CreateOffer(participantID)
	if err != nil {
		o.failParticipant(participantID, err, signaling.HangupNegotiationFailed)
		return
	}

	o.setStatus(participantID, participant.StatusNegotiating)

	err = o.send(signaling.TypeOffer, participantID, signaling.SDPPayload{
		SDP:          offer,
		DisplayName:  o.identity.DisplayName,
		Participants: o.roster,
	})
	if err != nil {
		o.failParticipant(participantID, err, signaling.HangupNegotiationFailed)
		return
	}

	o.flushEarlyCandidates(participantID)
	o.startRingingTimer(participantID)
}

func (o *Orchestrator) attachLocalTracks(participantID string) error {
	tracks, err := o.media.OutgoingTracks()
	if err != nil {
		return err
	}

	for _, track := range tracks {
		if err := o.manager.AttachLocalTrack(participantID, track); err != nil {
			return err
		}
	}

	return nil
}

// Hands candidates that arrived before the link existed over to the link.
func (o *Orchestrator) flushEarlyCandidates(participantID string) {
	candidates := o.earlyCandidates[participantID]
	delete(o.earlyCandidates, participantID)

	for _, candidate := range candidates {
		if err := o.applyCandidate(participantID, candidate); err != nil {
			o.sessionLogger.WithField("participant_id", participantID).WithError(err).Warn("failed to apply early ICE candidate")
		}
	}
}

func (o *Orchestrator) applyRemoteCandidate(participantID string, candidate webrtc.ICECandidateInit) error {
	return o.manager.ApplyRemoteICECandidate(participantID, candidate)
}

func (o *Orchestrator) onLocalICECandidate(participantID string, msg peer.ICECandidateGathered) {
	_ = o.send(signaling.TypeICECandidate, participantID, msg.Candidate)
}

func (o *Orchestrator) onRemoteStreamAvailable(participantID string, msg peer.RemoteStreamAvailable) {
	o.sessionLogger.WithField("participant_id", participantID).Infof("remote %s track available", msg.Track.Kind)
	o.notify(StreamAvailable{ParticipantID: participantID, Stream: msg.Stream, Track: msg.Track})
}

func (o *Orchestrator) onRemoteTrackEnded(participantID string, msg peer.RemoteTrackEnded) {
	o.sessionLogger.WithField("participant_id", participantID).Infof("remote %s track ended", msg.Track.Kind)
	o.notify(StreamEnded{ParticipantID: participantID, Track: msg.Track})
}

func (o *Orchestrator) onLinkConnected(participantID string) {
	o.sessionLogger.WithField("participant_id", participantID).Info("media connection established")
	o.telemetry.AddEvent("link connected", attribute.String("participant_id", participantID))
}

func (o *Orchestrator) onLinkFailed(participantID string, msg peer.LinkFailed) {
	err := &peer.NegotiationError{ParticipantID: participantID, Op: "connect", Err: msg.Err}
	o.failParticipant(participantID, err, signaling.HangupICEFailed)
}

// Gives up on a participant that neither answered nor offered in time.
func (o *Orchestrator) onRingingExpired(msg ringingExpired) {
	if msg.serial != o.serial || !o.active() {
		return
	}

	participantID := msg.participantID
	delete(o.timers, participantID)

	p, found := o.registry.Get(participantID)
	if !found || p.Status == participant.StatusConnected || p.Status == participant.StatusDisconnected {
		return
	}

	o.sessionLogger.WithField("participant_id", participantID).Info("participant did not answer in time")

	o.manager.CloseLink(participantID)
	if o.contacted[participantID] {
		o.sendHangup(participantID, signaling.HangupInviteTimeout)
	}
	o.setStatus(participantID, participant.StatusDisconnected)

	o.endIfAlone("no answer")
}
