package call

import (
	"encoding/json"
	"time"

	"github.com/matrix-org/meshcall/pkg/signaling"
	"github.com/pion/webrtc/v3"
	"golang.org/x/exp/slices"
)

// Most candidates kept per participant before there is a link to apply them to.
const maxEarlyCandidates = 64

// An incoming call that was neither answered nor rejected yet, together with
// everything other participants of that call already sent us.
type pendingInvite struct {
	callID     string
	from       string
	envelope   signaling.Envelope
	payload    signaling.SDPPayload
	receivedAt time.Time
	timer      *time.Timer

	otherOffers []signaling.Envelope
	candidates  map[string][]webrtc.ICECandidateInit
}

func newPendingInvite(envelope signaling.Envelope, payload signaling.SDPPayload) *pendingInvite {
	return &pendingInvite{
		callID:     envelope.CallID,
		from:       envelope.FromParticipantID,
		envelope:   envelope,
		payload:    payload,
		receivedAt: time.Now(),
		candidates: make(map[string][]webrtc.ICECandidateInit),
	}
}

func (i *pendingInvite) displayName() string {
	if i.payload.DisplayName != "" {
		return i.payload.DisplayName
	}
	return i.from
}

// Everyone in the call, the inviter first.
func (i *pendingInvite) roster(local string) []string {
	roster := []string{i.from}
	for _, participantID := range i.payload.Participants {
		if participantID != "" && !slices.Contains(roster, participantID) {
			roster = append(roster, participantID)
		}
	}

	if !slices.Contains(roster, local) {
		roster = append(roster, local)
	}

	return roster
}

// The inviter's offer, with the SDP we are going to answer.
func (i *pendingInvite) offerEnvelope() signaling.Envelope {
	envelope := i.envelope
	if raw, err := json.Marshal(i.payload); err == nil {
		envelope.Payload = raw
	}
	return envelope
}

// Keeps the latest offer of a participant other than the inviter.
func (i *pendingInvite) addOffer(envelope signaling.Envelope) {
	for index, existing := range i.otherOffers {
		if existing.FromParticipantID == envelope.FromParticipantID {
			i.otherOffers[index] = envelope
			return
		}
	}
	i.otherOffers = append(i.otherOffers, envelope)
}

func (i *pendingInvite) removeOffer(participantID string) {
	offers := i.otherOffers[:0]
	for _, envelope := range i.otherOffers {
		if envelope.FromParticipantID != participantID {
			offers = append(offers, envelope)
		}
	}
	i.otherOffers = offers
	delete(i.candidates, participantID)
}

func (i *pendingInvite) addCandidate(participantID string, candidate webrtc.ICECandidateInit) bool {
	if len(i.candidates[participantID]) >= maxEarlyCandidates {
		return false
	}
	i.candidates[participantID] = append(i.candidates[participantID], candidate)
	return true
}
