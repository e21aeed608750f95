//go:build !linux

package daq

import "errors"

// GPIOOutput is not available on non-Linux platforms.
type GPIOOutput struct {
	Device
}

// NewGPIOOutput returns an error on non-Linux platforms.
func NewGPIOOutput(dev Device, chipName string, offsets ...int) (*GPIOOutput, error) {
	return nil, errors.New("gpio: not supported on this platform (requires Linux)")
}
