package channel

import (
	"errors"
	"sync/atomic"
)

var ErrSinkSealed = errors.New("the sink is sealed")

// Sink lets a producer post messages into a shared inbox without being able to
// choose (and thereby forge) the sender it posts as. Many sinks usually share one
// inbox that is drained by a single consumer loop.
type Sink[SenderType comparable, MessageType any] struct {
	// The sender attached to every message posted through this sink.
	sender SenderType
	// The shared inbox. The sink is not responsible for closing it.
	inbox chan<- Message[SenderType, MessageType]
	// Closed once the sink is sealed. We never close the inbox itself since other
	// producers may still be using it.
	sealed chan struct{}
	// Guards closing `sealed` exactly once.
	alreadySealed atomic.Bool
}

// Creates a new sink posting into the given inbox on behalf of `sender`.
func NewSink[S comparable, M any](sender S, inbox chan<- Message[S, M]) *Sink[S, M] {
	return &Sink[S, M]{
		sender: sender,
		inbox:  inbox,
		sealed: make(chan struct{}),
	}
}

// Posts a message to the inbox. Blocks while the inbox is full unless the sink
// gets sealed in the meantime.
func (s *Sink[S, M]) Send(message M) error {
	if s.alreadySealed.Load() {
		return ErrSinkSealed
	}

	select {
	case <-s.sealed:
		return ErrSinkSealed
	case s.inbox <- Message[S, M]{Sender: s.sender, Content: message}:
		return nil
	}
}

// Seals the sink. Every `Send()` that starts after `Seal()` returns fails with
// `ErrSinkSealed` and every blocked `Send()` is released. A message that was
// already handed over to the inbox is still delivered.
func (s *Sink[S, M]) Seal() {
	if s.alreadySealed.CompareAndSwap(false, true) {
		close(s.sealed)
	}
}

// A message together with the identity of whoever posted it.
type Message[SenderType comparable, MessageType any] struct {
	Sender  SenderType
	Content MessageType
}
