package daq

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// Arbiter grants exclusive, time-bounded access to a single Device.
type Arbiter struct {
	dev     Device
	timeout time.Duration
	sem     chan struct{}
}

// NewArbiter creates an arbiter for dev. Acquire fails with ErrTimeout after
// timeout; a non-positive timeout waits until the context is done.
func NewArbiter(dev Device, timeout time.Duration) *Arbiter {
	return &Arbiter{
		dev:     dev,
		timeout: timeout,
		sem:     make(chan struct{}, 1),
	}
}

// Device returns the arbitrated device.
func (a *Arbiter) Device() Device {
	return a.dev
}

// Acquire waits for exclusive access to the device.
func (a *Arbiter) Acquire(ctx context.Context) (*Access, error) {
	var expired <-chan time.Time
	if a.timeout > 0 {
		timer := time.NewTimer(a.timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case a.sem <- struct{}{}:
		return &Access{arb: a}, nil
	case <-expired:
		return nil, fmt.Errorf("%w after %v", ErrTimeout, a.timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Do acquires access, runs fn and releases on every exit path.
func (a *Arbiter) Do(ctx context.Context, fn func(*Access) error) error {
	acc, err := a.Acquire(ctx)
	if err != nil {
		return err
	}
	defer acc.Release()
	return fn(acc)
}

// Access is a held grant. Its methods are valid until Release.
type Access struct {
	arb      *Arbiter
	released atomic.Bool
}

// Release returns the grant. Calling it more than once is a no-op.
func (h *Access) Release() {
	if h.released.CompareAndSwap(false, true) {
		<-h.arb.sem
	}
}

// AnalogRead reads an analog channel in volts.
func (h *Access) AnalogRead(channel int, longSettle bool) (float64, error) {
	if h.released.Load() {
		return 0, ErrReleased
	}
	v, err := h.arb.dev.AnalogRead(channel, longSettle)
	if err != nil {
		return 0, &DeviceError{Op: "analog read", Channel: channel, Err: err}
	}
	return v, nil
}

// DigitalWrite drives a digital channel.
func (h *Access) DigitalWrite(channel int, high bool) error {
	if h.released.Load() {
		return ErrReleased
	}
	if err := h.arb.dev.DigitalWrite(channel, high); err != nil {
		return &DeviceError{Op: "digital write", Channel: channel, Err: err}
	}
	return nil
}

// DigitalRead reads a digital channel.
func (h *Access) DigitalRead(channel int) (bool, error) {
	if h.released.Load() {
		return false, ErrReleased
	}
	v, err := h.arb.dev.DigitalRead(channel)
	if err != nil {
		return false, &DeviceError{Op: "digital read", Channel: channel, Err: err}
	}
	return v, nil
}
