package common

import (
	"time"
)

type Pong struct{}

// Heartbeat keeps a connection alive and detects when the remote side stalls.
type Heartbeat struct {
	// How often to send pings.
	Interval time.Duration
	// After which time without a pong to consider the communication stalled.
	Timeout time.Duration
	// Called when a ping is to be sent. Returns `false` if sending failed.
	SendPing func() bool
	// Called once `Timeout` is reached or pings can't be sent anymore.
	OnTimeout func()
}

// Starts a goroutine that sends a ping every `Interval` and waits for a pong for
// `Timeout`. The goroutine stops when `done` is closed or after calling `OnTimeout`.
// The returned channel is used to report received pongs; reporting never blocks
// as long as the caller uses a non-blocking send.
func (h *Heartbeat) Start(done <-chan struct{}) chan<- Pong {
	pong := make(chan Pong, 1)

	go func() {
		ticker := time.NewTicker(h.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
			}

			if !h.sendWithRetry(done) {
				h.OnTimeout()
				return
			}

			timeout := time.NewTimer(h.Timeout)
			select {
			case <-done:
				timeout.Stop()
				return
			case <-timeout.C:
				h.OnTimeout()
				return
			case <-pong:
				timeout.Stop()
			}
		}
	}()

	return pong
}

// Tries to send a ping and retries a couple of times within `Timeout` if it fails.
func (h *Heartbeat) sendWithRetry(done <-chan struct{}) bool {
	const retries = 3
	retryInterval := h.Timeout / retries

	for i := 0; i < retries; i++ {
		if h.SendPing() {
			return true
		}

		select {
		case <-done:
			return false
		case <-time.After(retryInterval):
		}
	}

	return false
}
