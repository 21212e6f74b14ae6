package media

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	pionmedia "github.com/pion/webrtc/v3/pkg/media"
)

type Device string

const (
	DeviceMicrophone Device = "microphone"
	DeviceCamera     Device = "camera"
	DeviceScreen     Device = "screen"
	// Stands in for the camera so that every peer link always has a video sender.
	DevicePlaceholder Device = "placeholder"
)

func (d Device) known() bool {
	switch d {
	case DeviceMicrophone, DeviceCamera, DeviceScreen, DevicePlaceholder:
		return true
	}
	return false
}

func (d Device) Kind() webrtc.RTPCodecType {
	if d == DeviceMicrophone {
		return webrtc.RTPCodecTypeAudio
	}

	return webrtc.RTPCodecTypeVideo
}

// Default codecs used for locally produced tracks.
var (
	AudioCodec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	VideoCodec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
)

// LocalTrack is an outgoing track fed by a capture device. The same track is
// shared by every peer link; disabling it drops samples instead of detaching it.
type LocalTrack struct {
	*webrtc.TrackLocalStaticSample

	device   Device
	enabled  atomic.Bool
	stopped  atomic.Bool
	stopOnce sync.Once
	onStop   func()
}

// Creates an enabled track for the given device. `onStop` releases the underlying
// capture and is called at most once.
func NewLocalTrack(device Device, streamID string, onStop func()) (*LocalTrack, error) {
	codec := VideoCodec
	if device.Kind() == webrtc.RTPCodecTypeAudio {
		codec = AudioCodec
	}

	trackID := fmt.Sprintf("%s-%s", device, uuid.NewString())
	sample, err := webrtc.NewTrackLocalStaticSample(codec, trackID, streamID)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s track: %w", device, err)
	}

	track := &LocalTrack{TrackLocalStaticSample: sample, device: device, onStop: onStop}
	track.enabled.Store(true)

	return track, nil
}

func (t *LocalTrack) Device() Device {
	return t.device
}

func (t *LocalTrack) Enabled() bool {
	return t.enabled.Load()
}

func (t *LocalTrack) SetEnabled(enabled bool) {
	t.enabled.Store(enabled)
}

func (t *LocalTrack) Stopped() bool {
	return t.stopped.Load()
}

// Writes a sample unless the track is disabled or stopped, in which case the
// sample is silently dropped.
func (t *LocalTrack) WriteSample(sample pionmedia.Sample) error {
	if !t.enabled.Load() || t.stopped.Load() {
		return nil
	}

	return t.TrackLocalStaticSample.WriteSample(sample)
}

// Stops the track and releases its capture device. Safe to call multiple times.
func (t *LocalTrack) Stop() {
	t.stopOnce.Do(func() {
		t.stopped.Store(true)
		if t.onStop != nil {
			t.onStop()
		}
	})
}

// Stream groups the tracks captured together.
type Stream struct {
	ID    string
	Audio *LocalTrack
	Video *LocalTrack
}

func (s *Stream) Tracks() []*LocalTrack {
	var tracks []*LocalTrack
	if s.Audio != nil {
		tracks = append(tracks, s.Audio)
	}
	if s.Video != nil {
		tracks = append(tracks, s.Video)
	}
	return tracks
}

func (s *Stream) Stop() {
	for _, track := range s.Tracks() {
		track.Stop()
	}
}
