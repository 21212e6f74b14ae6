package call

import (
	"errors"
	"fmt"
)

var (
	ErrClosed          = errors.New("orchestrator is closed")
	ErrCallActive      = errors.New("a call is already active")
	ErrNoActiveCall    = errors.New("no active call")
	ErrInvitePending   = errors.New("an incoming call is pending")
	ErrNoIncomingCall  = errors.New("no such incoming call")
	ErrNoParticipants  = errors.New("no participants to call")
	ErrCallEnded       = errors.New("call id belongs to an ended call")
	ErrMediaNotReady   = errors.New("local media has not been acquired yet")
	ErrCaptureInFlight = errors.New("screen capture already in progress")
)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateRinging
	StateConnected
	StateDisconnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateRinging:
		return "ringing"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Reports whether the session is over. A new call needs a new session.
func (s State) Terminal() bool {
	return s == StateDisconnected || s == StateFailed
}

// Reports whether the session is in progress.
func (s State) Active() bool {
	return s == StateConnecting || s == StateRinging || s == StateConnected
}

// Allowed transitions within one session. Nothing leads back to `Connecting` or
// `Ringing`, and the only way out of `Disconnected` is `Failed`.
var transitions = map[State][]State{
	StateIdle:         {StateConnecting},
	StateConnecting:   {StateRinging, StateConnected, StateDisconnected, StateFailed},
	StateRinging:      {StateConnected, StateDisconnected, StateFailed},
	StateConnected:    {StateDisconnected, StateFailed},
	StateDisconnected: {StateFailed},
}

func canTransition(from, to State) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// StateError is returned when an operation is not valid in the current state.
// The operation had no effect.
type StateError struct {
	Op    string
	State State
	Err   error
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s not allowed in state %s: %v", e.Op, e.State, e.Err)
}

func (e *StateError) Unwrap() error {
	return e.Err
}

type Direction int

const (
	DirectionOutgoing Direction = iota
	DirectionIncoming
)

func (d Direction) String() string {
	if d == DirectionOutgoing {
		return "outgoing"
	}
	return "incoming"
}
