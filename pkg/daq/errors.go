package daq

import (
	"errors"
	"fmt"
)

var (
	// ErrDevice is matched by every hardware transaction failure.
	ErrDevice = errors.New("device error")
	// ErrTimeout is returned when exclusive access could not be obtained in time.
	ErrTimeout = errors.New("device access timeout")
	// ErrNotConnected is returned by transactions on a closed device.
	ErrNotConnected = errors.New("not connected")
	// ErrReleased is returned by an Access used after Release.
	ErrReleased = errors.New("access released")
)

// DeviceError describes a failed hardware transaction.
type DeviceError struct {
	Op      string // analog read, digital write, digital read
	Channel int
	Err     error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("%s on channel %d: %v", e.Op, e.Channel, e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

// Is reports DeviceError as ErrDevice.
func (e *DeviceError) Is(target error) bool {
	return target == ErrDevice
}
