package peer

import (
	"github.com/matrix-org/meshcall/pkg/channel"
	"github.com/matrix-org/meshcall/pkg/webrtc_ext"
	"github.com/pion/webrtc/v3"
)

// Identifies one link. A participant that is linked again after a link was
// closed gets a new key, so late events of the old link can be told apart.
type LinkKey struct {
	ParticipantID string
	Serial        uint64
}

// Events posted by links. The consumer switches on the concrete type.
type Event = interface{}

// Inbox type shared by all links of a manager.
type Inbox = chan channel.Message[LinkKey, Event]

type ICECandidateGathered struct {
	Candidate webrtc.ICECandidateInit
}

type ICEGatheringComplete struct{}

type RemoteStreamAvailable struct {
	Stream *RemoteStream
	Track  webrtc_ext.TrackInfo
}

type RemoteTrackEnded struct {
	Track webrtc_ext.TrackInfo
}

// The transport of the link is up; media can flow.
type LinkConnected struct{}

type LinkFailed struct {
	Err error
}
