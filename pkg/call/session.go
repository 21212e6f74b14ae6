package call

import "time"

// Session is one call, from start or answer until it ends.
type Session struct {
	CallID           string
	LocalUserID      string
	LocalDisplayName string
	State            State
	Direction        Direction
	StartedAt        time.Time
	ConnectedAt      *time.Time
	EndedAt          *time.Time
	// Why the session ended, if it did.
	Reason string
}

// Time spent connected, up to `now` or to the end of the call.
func (s Session) Duration(now time.Time) time.Duration {
	if s.ConnectedAt == nil {
		return 0
	}

	if s.EndedAt != nil {
		now = *s.EndedAt
	}

	return now.Sub(*s.ConnectedAt)
}
