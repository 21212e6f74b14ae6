package media

import (
	"errors"
	"fmt"
)

var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrDeviceNotFound   = errors.New("device not found")
	ErrDeviceInUse      = errors.New("device in use")

	ErrNotAcquired       = errors.New("local media has not been acquired")
	ErrReleased          = errors.New("local media was released during capture")
	ErrAlreadySharing    = errors.New("screen share is already active")
	ErrNotSharing        = errors.New("screen share is not active")
	ErrNoMediaRequested  = errors.New("neither audio nor video requested")
	ErrUnsupportedDevice = errors.New("unsupported capture device")
)

// Error is a failure to use a particular capture device.
type Error struct {
	Device Device
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Device, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
