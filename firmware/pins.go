//go:build tinygo

package main

import "machine"

const (
	// Sampling configuration
	NUM_SAMPLES      = 16   // ADC samples averaged per analog read
	SETTLE_US        = 200  // mux settle time before sampling
	LONG_SETTLE_US   = 5000 // settle time for high impedance sources
	ADC_REFERENCE_MV = 3300 // Reference voltage in millivolts (3.3V)
	ADC_RESOLUTION   = 12   // ADC resolution in bits; readings are scaled to 16 bits by TinyGo

	// Analog inputs go through a 16:1 multiplexer (CD74HC4067) into one ADC pin.
	ANALOG_CHANNELS = 16
	PIN_ADC         = machine.A0

	// Serial configuration. One request at a time, each line shorter than 16 bytes.
	UART_BAUD_RATE = 115200
	LINE_MAX       = 32
)

// Multiplexer select lines, least significant first.
var muxSelect = [4]machine.Pin{machine.D1, machine.D2, machine.D3, machine.D4}

// Digital channels. Channel 6 drives the heater SSR.
var digitalPins = [...]machine.Pin{
	0:  machine.D5,
	6:  machine.D6,
	7:  machine.D7,
	8:  machine.D8,
	9:  machine.D9,
	10: machine.D10,
}

var digitalUsed = [len(digitalPins)]bool{0: true, 6: true, 7: true, 8: true, 9: true, 10: true}
