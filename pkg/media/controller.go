package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Which devices to capture when acquiring local media.
type Constraints struct {
	Audio bool `yaml:"audio"`
	Video bool `yaml:"video"`
}

// State is a point-in-time view of the local media.
type State struct {
	Acquired          bool
	MicEnabled        bool
	CameraEnabled     bool
	CameraAvailable   bool
	ScreenShareActive bool
	// Set when the camera could not be opened and the call continues without it.
	CameraError error
}

// Controller owns the local capture devices for the lifetime of a call.
type Controller struct {
	logger   *logrus.Entry
	capturer Capturer

	mutex       sync.Mutex
	stream      *Stream
	placeholder *LocalTrack
	screen      *LocalTrack
	cameraErr   error
	// Bumped by `ReleaseAll()` so that captures that finish afterwards are discarded.
	epoch uint64
}

func NewController(capturer Capturer, logger *logrus.Entry) *Controller {
	return &Controller{
		logger:   logger,
		capturer: capturer,
	}
}

// Opens the requested devices. If the microphone works but the camera does not,
// the call continues audio-only and the camera error is kept in `State()`.
// Returns the existing stream if media has already been acquired.
func (c *Controller) AcquireLocalMedia(ctx context.Context, constraints Constraints) (*Stream, error) {
	if !constraints.Audio && !constraints.Video {
		return nil, ErrNoMediaRequested
	}

	c.mutex.Lock()
	if c.stream != nil {
		stream := c.stream
		c.mutex.Unlock()
		return stream, nil
	}
	epoch := c.epoch
	c.mutex.Unlock()

	stream := &Stream{ID: uuid.NewString()}

	if constraints.Audio {
		audio, err := c.capturer.Capture(ctx, DeviceMicrophone, stream.ID)
		if err != nil {
			return nil, err
		}
		stream.Audio = audio
	}

	var cameraErr error
	if constraints.Video {
		video, err := c.capturer.Capture(ctx, DeviceCamera, stream.ID)
		switch {
		case err == nil:
			stream.Video = video
		case stream.Audio == nil || ctx.Err() != nil:
			stream.Stop()
			return nil, err
		default:
			c.logger.WithError(err).Warn("camera unavailable, continuing with audio only")
			cameraErr = err
		}
	}

	// Created unconditionally so that every link gets a video sender that can be
	// switched over to screen sharing later.
	placeholder, err := NewLocalTrack(DevicePlaceholder, stream.ID, nil)
	if err != nil {
		stream.Stop()
		return nil, err
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.epoch != epoch || c.stream != nil {
		stream.Stop()
		placeholder.Stop()
		if c.stream != nil {
			return c.stream, nil
		}
		return nil, ErrReleased
	}

	c.stream = stream
	c.placeholder = placeholder
	c.cameraErr = cameraErr

	c.logger.WithFields(logrus.Fields{
		"audio": stream.Audio != nil,
		"video": stream.Video != nil,
	}).Info("local media acquired")

	return stream, nil
}

func (c *Controller) SetMicEnabled(enabled bool) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.stream == nil {
		return ErrNotAcquired
	}

	if c.stream.Audio == nil {
		return &Error{Device: DeviceMicrophone, Err: ErrDeviceNotFound}
	}

	c.stream.Audio.SetEnabled(enabled)
	return nil
}

func (c *Controller) SetCameraEnabled(enabled bool) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.stream == nil {
		return ErrNotAcquired
	}

	if c.stream.Video == nil {
		if c.cameraErr != nil {
			return c.cameraErr
		}
		return &Error{Device: DeviceCamera, Err: ErrDeviceNotFound}
	}

	c.stream.Video.SetEnabled(enabled)
	return nil
}

// Captures the screen as a separate track. Camera and microphone are left alone;
// it is up to the caller to swap the outgoing video of each link.
func (c *Controller) StartScreenShare(ctx context.Context) (*LocalTrack, error) {
	c.mutex.Lock()
	if c.stream == nil {
		c.mutex.Unlock()
		return nil, ErrNotAcquired
	}
	if c.screen != nil {
		c.mutex.Unlock()
		return nil, ErrAlreadySharing
	}
	epoch, streamID := c.epoch, c.stream.ID
	c.mutex.Unlock()

	screen, err := c.capturer.Capture(ctx, DeviceScreen, streamID)
	if err != nil {
		return nil, err
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.epoch != epoch || c.stream == nil {
		screen.Stop()
		return nil, ErrReleased
	}
	if c.screen != nil {
		screen.Stop()
		return nil, ErrAlreadySharing
	}

	c.screen = screen
	c.logger.Info("screen share started")

	return screen, nil
}

// Stops screen sharing and returns the track that should be sent instead: the
// camera if there is one, the placeholder otherwise.
func (c *Controller) StopScreenShare() (*LocalTrack, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.screen == nil {
		return nil, ErrNotSharing
	}

	c.screen.Stop()
	c.screen = nil
	c.logger.Info("screen share stopped")

	return c.outgoingVideo(), nil
}

// Returns the track currently meant to be sent as video.
func (c *Controller) OutgoingVideoTrack() *LocalTrack {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.outgoingVideo()
}

func (c *Controller) outgoingVideo() *LocalTrack {
	switch {
	case c.screen != nil:
		return c.screen
	case c.stream != nil && c.stream.Video != nil:
		return c.stream.Video
	default:
		return c.placeholder
	}
}

// Returns the tracks to attach to a new link: audio (if any) and the outgoing video.
func (c *Controller) OutgoingTracks() ([]*LocalTrack, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.stream == nil {
		return nil, ErrNotAcquired
	}

	var tracks []*LocalTrack
	if c.stream.Audio != nil {
		tracks = append(tracks, c.stream.Audio)
	}
	if video := c.outgoingVideo(); video != nil {
		tracks = append(tracks, video)
	}

	return tracks, nil
}

func (c *Controller) LocalStream() *Stream {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.stream
}

func (c *Controller) State() State {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.stream == nil {
		return State{}
	}

	state := State{
		Acquired:          true,
		CameraAvailable:   c.stream.Video != nil,
		ScreenShareActive: c.screen != nil,
		CameraError:       c.cameraErr,
	}
	if c.stream.Audio != nil {
		state.MicEnabled = c.stream.Audio.Enabled()
	}
	if c.stream.Video != nil {
		state.CameraEnabled = c.stream.Video.Enabled()
	}

	return state
}

// Stops every track and releases every device. Safe to call any number of times;
// each track is stopped exactly once.
func (c *Controller) ReleaseAll() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.epoch++

	if c.screen != nil {
		c.screen.Stop()
		c.screen = nil
	}

	if c.stream != nil {
		c.stream.Stop()
		c.stream = nil
		c.logger.Info("local media released")
	}

	if c.placeholder != nil {
		c.placeholder.Stop()
		c.placeholder = nil
	}

	c.cameraErr = nil
}

// Reports whether `err` is a device failure, as opposed to a misuse of the controller.
func IsDeviceError(err error) bool {
	var deviceErr *Error
	return errors.As(err, &deviceErr)
}

func (s State) String() string {
	return fmt.Sprintf("acquired=%t mic=%t camera=%t screen=%t", s.Acquired, s.MicEnabled, s.CameraEnabled, s.ScreenShareActive)
}
