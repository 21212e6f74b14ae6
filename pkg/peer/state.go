package peer

import (
	"errors"
	"fmt"
)

var (
	ErrCantCreatePeerConnection = errors.New("can't create peer connection")
	ErrBadDescription           = errors.New("remote description rejected")
	ErrCantCreateDescription    = errors.New("can't create local description")
	ErrUnexpectedAnswer         = errors.New("answer not expected in this state")
	ErrUnexpectedOffer          = errors.New("offer not expected in this state")
	ErrWrongRole                = errors.New("operation not allowed for the link's role")
	ErrUnknownLink              = errors.New("no link for participant")
	ErrLinkExists               = errors.New("link already exists")
	ErrLinkFailed               = errors.New("link has failed")
	ErrICEFailed                = errors.New("ICE connectivity failed")
	ErrCantAddTrack             = errors.New("can't add track")
	ErrCantReplaceTrack         = errors.New("can't replace track")
	ErrCantAddICECandidate      = errors.New("can't add ICE candidate")
)

// NegotiationError is a failure negotiating the link to one participant.
type NegotiationError struct {
	ParticipantID string
	Op            string
	Err           error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("%s with %s: %v", e.Op, e.ParticipantID, e.Err)
}

func (e *NegotiationError) Unwrap() error {
	return e.Err
}

type Role int

const (
	RoleOfferer Role = iota
	RoleAnswerer
)

func (r Role) String() string {
	if r == RoleOfferer {
		return "offerer"
	}
	return "answerer"
}

type NegotiationState int

const (
	StateNew NegotiationState = iota
	StateOfferSent
	StateOfferReceived
	StateAnswerSent
	StateAnswerReceived
	StateStable
	StateFailed
)

func (s NegotiationState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateOfferSent:
		return "offer_sent"
	case StateOfferReceived:
		return "offer_received"
	case StateAnswerSent:
		return "answer_sent"
	case StateAnswerReceived:
		return "answer_received"
	case StateStable:
		return "stable"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("NegotiationState(%d)", int(s))
	}
}
