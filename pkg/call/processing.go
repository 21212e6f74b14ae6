package call

import (
	"github.com/matrix-org/meshcall/pkg/channel"
	"github.com/matrix-org/meshcall/pkg/peer"
)

// A UI command waiting for the main loop to validate and apply it.
type request struct {
	command interface{}
	reply   chan error
}

type (
	startCall struct {
		callID         string
		participantIDs []string
	}
	answerCall struct {
		callID string
		from   string
		offer  string
	}
	rejectCall struct {
		callID string
	}
	endCall          struct{}
	toggleMute       struct{}
	toggleVideo      struct{}
	startScreenShare struct{}
	stopScreenShare  struct{}
)

// Results of off-loop work and timers, posted back to the main loop.
type (
	mediaAcquired struct {
		serial uint64
		err    error
	}
	screenCaptured struct {
		serial uint64
		err    error
	}
	ringingExpired struct {
		serial        uint64
		participantID string
	}
	inviteExpired struct {
		callID string
	}
)

// Sends the command to the main loop and waits for it to be applied.
func (o *Orchestrator) submit(command interface{}) error {
	req := request{command: command, reply: make(chan error, 1)}

	select {
	case o.commands <- req:
	case <-o.done:
		return ErrClosed
	}

	select {
	case err := <-req.reply:
		return err
	case <-o.done:
		return ErrClosed
	}
}

// The main loop. Every mutation of the call state happens here.
func (o *Orchestrator) processMessages() {
	defer close(o.done)
	defer o.closeSubscribers()

	for {
		select {
		case req := <-o.commands:
			req.reply <- o.processCommand(req.command)
		case envelope := <-o.envelopes:
			o.processEnvelope(envelope)
		case msg := <-o.peerEvents:
			o.processPeerMessage(msg)
		case msg := <-o.internal:
			o.processInternalMessage(msg)
		case <-o.closing:
			o.logger.Info("closing")
			o.endCall()
			return
		}
	}
}

func (o *Orchestrator) processCommand(command interface{}) error {
	switch cmd := command.(type) {
	case startCall:
		return o.startCall(cmd.callID, cmd.participantIDs)
	case answerCall:
		return o.answerCall(cmd.callID, cmd.from, cmd.offer)
	case rejectCall:
		return o.rejectCall(cmd.callID)
	case endCall:
		o.endCall()
		return nil
	case toggleMute:
		return o.toggleMute()
	case toggleVideo:
		return o.toggleVideo()
	case startScreenShare:
		return o.startScreenShare()
	case stopScreenShare:
		return o.stopScreenShare()
	default:
		o.logger.Errorf("Unknown command: %T", cmd)
		return nil
	}
}

func (o *Orchestrator) processPeerMessage(message channel.Message[peer.LinkKey, peer.Event]) {
	// Events of links that were closed (or belong to an earlier call) are stale.
	if o.manager == nil || !o.manager.IsCurrent(message.Sender) {
		o.logger.WithField("link", message.Sender.String()).Debugf("dropping stale %T", message.Content)
		return
	}

	participantID := message.Sender.ParticipantID

	switch msg := message.Content.(type) {
	case peer.ICECandidateGathered:
		o.onLocalICECandidate(participantID, msg)
	case peer.ICEGatheringComplete:
		o.sessionLogger.WithField("participant_id", participantID).Debug("ICE gathering complete")
	case peer.RemoteStreamAvailable:
		o.onRemoteStreamAvailable(participantID, msg)
	case peer.RemoteTrackEnded:
		o.onRemoteTrackEnded(participantID, msg)
	case peer.LinkConnected:
		o.onLinkConnected(participantID)
	case peer.LinkFailed:
		o.onLinkFailed(participantID, msg)
	default:
		o.logger.Errorf("Unknown peer event: %T", msg)
	}
}

func (o *Orchestrator) processInternalMessage(message interface{}) {
	switch msg := message.(type) {
	case mediaAcquired:
		o.onMediaAcquired(msg)
	case screenCaptured:
		o.onScreenCaptured(msg)
	case ringingExpired:
		o.onRingingExpired(msg)
	case inviteExpired:
		o.onInviteExpired(msg)
	default:
		o.logger.Errorf("Unknown internal message: %T", msg)
	}
}
