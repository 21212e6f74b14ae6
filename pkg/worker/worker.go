package worker

import (
	"errors"
	"sync"
)

// Errors that may occur when sending tasks to a worker.
var (
	ErrWorkerClosed  = errors.New("worker is closed")
	ErrWorkerTooBusy = errors.New("worker is already overloaded")
)

// Configuration for the worker.
type Config[T any] struct {
	// The size of the bounded task queue.
	ChannelSize int
	// Called for every task, sequentially, in the order the tasks were sent.
	OnTask func(T)
}

// A single goroutine consuming tasks from a bounded queue. The queue is wrapped so
// that it can be closed from the outside while senders can check whether it still
// accepts tasks.
type Worker[T any] struct {
	channel chan<- T
	mutex   sync.Mutex
	closed  bool
	done    <-chan struct{}
}

// Stops the worker unless already stopped. Tasks queued before the call are still
// processed.
func (w *Worker[T]) Stop() {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if !w.closed {
		close(w.channel)
		w.closed = true
	}
}

// Returns a channel that is closed once the worker goroutine has returned.
func (w *Worker[T]) Done() <-chan struct{} {
	return w.done
}

// Queues a task without blocking. Fails with `ErrWorkerTooBusy` if the queue is
// full and with `ErrWorkerClosed` if the worker has been stopped.
func (w *Worker[T]) Send(task T) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.closed {
		return ErrWorkerClosed
	}

	select {
	case w.channel <- task:
		return nil
	default:
		return ErrWorkerTooBusy
	}
}

// Starts a worker goroutine that runs until `Stop()` is called.
func StartWorker[T any](c Config[T]) *Worker[T] {
	incoming := make(chan T, c.ChannelSize)
	done := make(chan struct{})

	go func() {
		defer close(done)

		for task := range incoming {
			c.OnTask(task)
		}
	}()

	return &Worker[T]{channel: incoming, done: done}
}
