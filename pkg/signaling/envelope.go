package signaling

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var ErrMalformedEnvelope = errors.New("malformed signaling envelope")

type MessageType string

const (
	TypeOffer             MessageType = "offer"
	TypeAnswer            MessageType = "answer"
	TypeICECandidate      MessageType = "ice_candidate"
	TypeHangup            MessageType = "hangup"
	TypeMediaStateChanged MessageType = "media_state_changed"
)

func (t MessageType) valid() bool {
	switch t {
	case TypeOffer, TypeAnswer, TypeICECandidate, TypeHangup, TypeMediaStateChanged:
		return true
	default:
		return false
	}
}

// Envelope is the unit exchanged over the signaling channel. The payload is kept
// raw until the receiver knows what to decode it into.
type Envelope struct {
	// Unique per envelope; receivers use it to drop redelivered envelopes.
	ID                string          `json:"id"`
	Type              MessageType     `json:"type"`
	CallID            string          `json:"callId"`
	FromParticipantID string          `json:"fromParticipantId"`
	ToParticipantID   string          `json:"toParticipantId"`
	Payload           json.RawMessage `json:"payload,omitempty"`
}

// Payload of offers and answers.
type SDPPayload struct {
	SDP         string `json:"sdp"`
	DisplayName string `json:"displayName,omitempty"`
	// Everyone taking part in the call, including the sender. Only set on offers.
	Participants []string `json:"participants,omitempty"`
}

type HangupReason string

const (
	HangupUserHangup        HangupReason = "user_hangup"
	HangupDeclined          HangupReason = "declined"
	HangupInviteTimeout     HangupReason = "invite_timeout"
	HangupICEFailed         HangupReason = "ice_failed"
	HangupNegotiationFailed HangupReason = "negotiation_failed"
	HangupMediaFailed       HangupReason = "media_failed"
	HangupBusy              HangupReason = "busy"
)

type HangupPayload struct {
	Reason HangupReason `json:"reason"`
}

// Media flags announced by a participant.
type MediaStatePayload struct {
	Muted         bool `json:"muted"`
	VideoOff      bool `json:"videoOff"`
	ScreenSharing bool `json:"screenSharing"`
}

// Creates an envelope with a fresh identifier and the given payload marshalled as JSON.
func NewEnvelope(msgType MessageType, callID, from, to string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal %s payload: %w", msgType, err)
	}

	return Envelope{
		ID:                uuid.NewString(),
		Type:              msgType,
		CallID:            callID,
		FromParticipantID: from,
		ToParticipantID:   to,
		Payload:           raw,
	}, nil
}

// Checks that all routing fields are present and the type is known.
func (e Envelope) Validate() error {
	switch {
	case e.ID == "":
		return fmt.Errorf("%w: missing id", ErrMalformedEnvelope)
	case !e.Type.valid():
		return fmt.Errorf("%w: unknown type %q", ErrMalformedEnvelope, e.Type)
	case e.CallID == "":
		return fmt.Errorf("%w: missing call id", ErrMalformedEnvelope)
	case e.FromParticipantID == "" || e.ToParticipantID == "":
		return fmt.Errorf("%w: missing participant", ErrMalformedEnvelope)
	}

	return nil
}

// Decodes the payload into `v`.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: empty %s payload", ErrMalformedEnvelope, e.Type)
	}

	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformedEnvelope, e.Type, err)
	}

	return nil
}
