package participant

import (
	"fmt"
	"time"
)

type Status int

const (
	StatusPending Status = iota
	StatusNegotiating
	StatusConnected
	StatusDisconnected
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusNegotiating:
		return "negotiating"
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Reports whether the participant is still expected to take part in the call.
func (s Status) Active() bool {
	return s != StatusDisconnected
}

// Participant is a remote party of the call. Media flags are what the participant
// last announced about itself.
type Participant struct {
	ID          string
	DisplayName string
	Status      Status
	Muted       bool
	VideoOff    bool
	// Whether the participant is sharing their screen.
	ScreenSharing bool
	AddedAt       time.Time
}

// Partial update of the media flags; nil fields are left as they are.
type FlagsUpdate struct {
	Muted         *bool
	VideoOff      *bool
	ScreenSharing *bool
}
