package call

import (
	"github.com/matrix-org/meshcall/pkg/media"
	"github.com/matrix-org/meshcall/pkg/participant"
	"github.com/matrix-org/meshcall/pkg/peer"
	"github.com/matrix-org/meshcall/pkg/webrtc_ext"
)

// Snapshot is a consistent view of the call, safe to keep and read from anywhere.
type Snapshot struct {
	// Zero (`StateIdle`) when no call has been made yet.
	Session      Session
	Participants []participant.Participant
	LocalMedia   media.State
	// The last error worth showing to the user: why the call failed, or a media
	// problem the call continued through.
	Error error
}

func (s Snapshot) State() State {
	return s.Session.State
}

// Returns the participant with the given id, if it is part of the snapshot.
func (s Snapshot) Participant(id string) (participant.Participant, bool) {
	for _, p := range s.Participants {
		if p.ID == id {
			return p, true
		}
	}
	return participant.Participant{}, false
}

// Notifications sent to subscribers. The consumer switches on the concrete type.
type Notification = interface{}

// The snapshot changed.
type StateChanged struct {
	Snapshot Snapshot
}

// Someone is calling us. Answer with `AnswerCall()` or decline with `RejectCall()`.
type IncomingCall struct {
	CallID       string
	From         string
	DisplayName  string
	Offer        string
	Participants []string
}

// The caller gave up before we answered.
type IncomingCallCancelled struct {
	CallID string
	From   string
}

// A remote track of a participant started arriving.
type StreamAvailable struct {
	ParticipantID string
	Stream        *peer.RemoteStream
	Track         webrtc_ext.TrackInfo
}

type StreamEnded struct {
	ParticipantID string
	Track         webrtc_ext.TrackInfo
}
