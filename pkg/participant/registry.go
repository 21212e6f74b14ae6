package participant

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/exp/slices"
)

var ErrUnknownParticipant = errors.New("unknown participant")

// Registry is the authoritative set of participants of the current call, kept in
// the order they were added.
type Registry struct {
	mutex        sync.RWMutex
	order        []string
	participants map[string]*Participant
}

func NewRegistry() *Registry {
	return &Registry{participants: make(map[string]*Participant)}
}

// Adds a participant in `Pending` state. Returns `false` if it is already known.
func (r *Registry) Add(id, displayName string) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, found := r.participants[id]; found {
		return false
	}

	r.participants[id] = &Participant{
		ID:          id,
		DisplayName: displayName,
		Status:      StatusPending,
		AddedAt:     time.Now(),
	}
	r.order = append(r.order, id)

	return true
}

// Returns `false` if the participant was not known.
func (r *Registry) Remove(id string) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, found := r.participants[id]; !found {
		return false
	}

	delete(r.participants, id)
	if index := slices.Index(r.order, id); index >= 0 {
		r.order = slices.Delete(r.order, index, index+1)
	}

	return true
}

func (r *Registry) UpdateMediaFlags(id string, update FlagsUpdate) error {
	return r.mutate(id, func(p *Participant) {
		if update.Muted != nil {
			p.Muted = *update.Muted
		}
		if update.VideoOff != nil {
			p.VideoOff = *update.VideoOff
		}
		if update.ScreenSharing != nil {
			p.ScreenSharing = *update.ScreenSharing
		}
	})
}

func (r *Registry) SetConnectionStatus(id string, status Status) error {
	return r.mutate(id, func(p *Participant) { p.Status = status })
}

// Fills in the display name if we did not know it yet.
func (r *Registry) SetDisplayName(id, displayName string) error {
	return r.mutate(id, func(p *Participant) {
		if displayName != "" {
			p.DisplayName = displayName
		}
	})
}

func (r *Registry) Get(id string) (Participant, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	participant, found := r.participants[id]
	if !found {
		return Participant{}, false
	}

	return *participant, true
}

// Returns a copy of all participants in the order they were added.
func (r *Registry) Snapshot() []Participant {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	snapshot := make([]Participant, 0, len(r.order))
	for _, id := range r.order {
		snapshot = append(snapshot, *r.participants[id])
	}

	return snapshot
}

// Counts the participants matching the predicate.
func (r *Registry) Count(predicate func(Participant) bool) int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	count := 0
	for _, participant := range r.participants {
		if predicate(*participant) {
			count++
		}
	}

	return count
}

// Forgets every participant.
func (r *Registry) Reset() {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.order = nil
	r.participants = make(map[string]*Participant)
}

func (r *Registry) mutate(id string, fn func(*Participant)) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	participant, found := r.participants[id]
	if !found {
		return ErrUnknownParticipant
	}

	fn(participant)
	return nil
}
