//go:build linux

package daq

import (
	"errors"
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

// GPIOOutput drives selected digital channels through the Linux GPIO character
// device instead of the DAQ, e.g. a heater relay wired to the host. Channel
// numbers are line offsets on the chip. Everything else goes to the wrapped Device.
type GPIOOutput struct {
	Device

	chip  *gpiocdev.Chip
	lines map[int]*gpiocdev.Line
}

// NewGPIOOutput requests the given lines of chip (e.g. "gpiochip0") as outputs
// driven low.
func NewGPIOOutput(dev Device, chipName string, offsets ...int) (*GPIOOutput, error) {
	chip, err := gpiocdev.NewChip(chipName)
	if err != nil {
		return nil, fmt.Errorf("open gpio chip: %w", err)
	}

	g := &GPIOOutput{Device: dev, chip: chip, lines: map[int]*gpiocdev.Line{}}
	for _, offset := range offsets {
		line, err := chip.RequestLine(offset, gpiocdev.AsOutput(0))
		if err != nil {
			g.closeLines()
			return nil, fmt.Errorf("request output line %d: %w", offset, err)
		}
		g.lines[offset] = line
	}
	return g, nil
}

// DigitalWrite sets a GPIO line, or forwards to the wrapped device.
func (g *GPIOOutput) DigitalWrite(channel int, high bool) error {
	line, ok := g.lines[channel]
	if !ok {
		return g.Device.DigitalWrite(channel, high)
	}
	v := 0
	if high {
		v = 1
	}
	return line.SetValue(v)
}

// DigitalRead reads a GPIO line, or forwards to the wrapped device.
func (g *GPIOOutput) DigitalRead(channel int) (bool, error) {
	line, ok := g.lines[channel]
	if !ok {
		return g.Device.DigitalRead(channel)
	}
	v, err := line.Value()
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

// Close drives the lines low, releases them and closes the wrapped device.
func (g *GPIOOutput) Close() error {
	errs := g.closeLines()
	if err := g.Device.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (g *GPIOOutput) closeLines() []error {
	var errs []error
	for offset, line := range g.lines {
		if err := line.SetValue(0); err != nil {
			errs = append(errs, fmt.Errorf("drive line %d low: %w", offset, err))
		}
		if err := line.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close line %d: %w", offset, err))
		}
		delete(g.lines, offset)
	}
	if g.chip != nil {
		if err := g.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
		g.chip = nil
	}
	return errs
}
