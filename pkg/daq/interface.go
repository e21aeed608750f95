// Package daq talks to the data acquisition device and serializes access to it.
package daq

// Device defines the interface for DAQ devices (real or mocked).
//
// Implementations are not required to be safe for concurrent transactions;
// callers go through an Arbiter.
type Device interface {
	Connect() error
	Close() error
	// AnalogRead returns the voltage on an analog channel. longSettle asks the
	// device to wait longer before sampling, needed for high impedance sources.
	AnalogRead(channel int, longSettle bool) (float64, error)
	DigitalWrite(channel int, high bool) error
	DigitalRead(channel int) (bool, error)
	IsConnected() bool
}

// Ensure Serial implements Device.
var _ Device = (*Serial)(nil)

// Ensure Mock implements Device.
var _ Device = (*Mock)(nil)

// Ensure GPIOOutput implements Device.
var _ Device = (*GPIOOutput)(nil)
