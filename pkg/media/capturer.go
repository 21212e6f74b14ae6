package media

import (
	"context"
	"sync"
	"time"

	pionmedia "github.com/pion/webrtc/v3/pkg/media"
)

// Capturer opens capture devices. It is the only place that touches them.
type Capturer interface {
	// Opens the device and returns a track fed from it. Device failures are
	// reported as `*Error`.
	Capture(ctx context.Context, device Device, streamID string) (*LocalTrack, error)
}

// An Opus frame encoding 20ms of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const opusFrameDuration = 20 * time.Millisecond

// SyntheticCapturer produces tracks without real devices: audio tracks carry
// Opus silence, video tracks carry nothing until something writes to them.
// Devices listed in `Failures` fail to open with the given error.
type SyntheticCapturer struct {
	mutex    sync.Mutex
	Failures map[Device]error
	// Optional delay before a capture completes, e.g. a permission prompt.
	Delay time.Duration

	opened  map[Device]int
	stopped map[Device]int
}

func NewSyntheticCapturer() *SyntheticCapturer {
	return &SyntheticCapturer{
		Failures: make(map[Device]error),
		opened:   make(map[Device]int),
		stopped:  make(map[Device]int),
	}
}

func (c *SyntheticCapturer) Capture(ctx context.Context, device Device, streamID string) (*LocalTrack, error) {
	if !device.known() {
		return nil, &Error{Device: device, Err: ErrUnsupportedDevice}
	}

	if c.Delay > 0 {
		select {
		case <-time.After(c.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	c.mutex.Lock()
	failure := c.Failures[device]
	c.mutex.Unlock()

	if failure != nil {
		return nil, &Error{Device: device, Err: failure}
	}

	done := make(chan struct{})
	track, err := NewLocalTrack(device, streamID, func() {
		close(done)
		c.mutex.Lock()
		c.stopped[device]++
		c.mutex.Unlock()
	})
	if err != nil {
		return nil, err
	}

	c.mutex.Lock()
	c.opened[device]++
	c.mutex.Unlock()

	if device == DeviceMicrophone {
		go writeSilence(track, done)
	}

	return track, nil
}

// Sets or clears the failure returned when opening `device`.
func (c *SyntheticCapturer) Fail(device Device, err error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if err == nil {
		delete(c.Failures, device)
		return
	}
	c.Failures[device] = err
}

// Returns how many times `device` was opened and how many of those were stopped.
func (c *SyntheticCapturer) Usage(device Device) (opened, stopped int) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.opened[device], c.stopped[device]
}

func writeSilence(track *LocalTrack, done <-chan struct{}) {
	ticker := time.NewTicker(opusFrameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := track.WriteSample(pionmedia.Sample{Data: opusSilence, Duration: opusFrameDuration}); err != nil {
				return
			}
		}
	}
}
