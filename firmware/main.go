//go:build tinygo

//go:generate tinygo flash -target=xiao

// Firmware for the DAQ board: answers newline terminated requests from the
// host, one at a time.
//
//	P          -> =OK
//	A<ch>,<l>  -> =<volts>   analog read, l=1 waits for the long settle time
//	D<ch>,<l>  -> =<l>       digital write, echoes the level
//	R<ch>      -> =<l>       digital read
//	anything   -> !<message>
package main

import (
	"machine"
	"strconv"
	"strings"
	"time"
)

var (
	adc  machine.ADC
	uart = machine.UART0

	// Serial buffer for reading lines
	line    [LINE_MAX]byte
	linePos int
	lineBad bool // line overflowed, answer with an error at its end
)

func main() {
	for _, p := range muxSelect {
		p.Configure(machine.PinConfig{Mode: machine.PinOutput})
		p.Low()
	}
	for ch, p := range digitalPins {
		if digitalUsed[ch] {
			p.Configure(machine.PinConfig{Mode: machine.PinOutput})
			p.Low()
		}
	}

	PIN_ADC.Configure(machine.PinConfig{Mode: machine.PinInput})
	adc = machine.ADC{Pin: PIN_ADC}
	adc.Configure(machine.ADCConfig{
		Reference:  ADC_REFERENCE_MV,
		Resolution: ADC_RESOLUTION,
	})

	uart.Configure(machine.UARTConfig{BaudRate: UART_BAUD_RATE})

	for {
		processSerial()
		time.Sleep(100 * time.Microsecond)
	}
}

func processSerial() {
	for uart.Buffered() > 0 {
		data, err := uart.ReadByte()
		if err != nil {
			return
		}

		if data == '\r' {
			continue
		}
		if data == '\n' {
			if lineBad {
				reply('!', "line too long")
			} else if linePos > 0 {
				handle(string(line[:linePos]))
			}
			linePos = 0
			lineBad = false
			continue
		}

		if linePos == len(line) {
			lineBad = true
			continue
		}
		line[linePos] = data
		linePos++
	}
}

func handle(req string) {
	switch req[0] {
	case 'P':
		reply('=', "OK")
	case 'A':
		ch, long, ok := parseChannelLevel(req[1:])
		if !ok || ch >= ANALOG_CHANNELS {
			reply('!', "bad analog request")
			return
		}
		reply('=', formatMillivolts(analogRead(ch, long)))
	case 'D':
		ch, high, ok := parseChannelLevel(req[1:])
		if !ok || !digitalValid(ch) {
			reply('!', "bad digital channel")
			return
		}
		digitalPins[ch].Set(high)
		reply('=', formatLevel(high))
	case 'R':
		ch, err := strconv.Atoi(req[1:])
		if err != nil || !digitalValid(ch) {
			reply('!', "bad digital channel")
			return
		}
		reply('=', formatLevel(digitalPins[ch].Get()))
	default:
		reply('!', "unknown command")
	}
}

func parseChannelLevel(s string) (int, bool, bool) {
	chs, level, found := strings.Cut(s, ",")
	if !found || (level != "0" && level != "1") {
		return 0, false, false
	}
	ch, err := strconv.Atoi(chs)
	if err != nil || ch < 0 {
		return 0, false, false
	}
	return ch, level == "1", true
}

func digitalValid(ch int) bool {
	return ch >= 0 && ch < len(digitalPins) && digitalUsed[ch]
}

// analogRead returns the averaged voltage of a multiplexer channel in millivolts.
func analogRead(ch int, long bool) uint32 {
	for i, p := range muxSelect {
		p.Set(ch&(1<<i) != 0)
	}
	if long {
		time.Sleep(LONG_SETTLE_US * time.Microsecond)
	} else {
		time.Sleep(SETTLE_US * time.Microsecond)
	}

	var sum uint32
	for range NUM_SAMPLES {
		sum += uint32(adc.Get())
	}
	return sum / NUM_SAMPLES * ADC_REFERENCE_MV / 0xffff
}

func formatMillivolts(mv uint32) string {
	frac := strconv.Itoa(int(mv % 1000))
	return strconv.Itoa(int(mv/1000)) + "." + strings.Repeat("0", 3-len(frac)) + frac
}

func formatLevel(high bool) string {
	if high {
		return "1"
	}
	return "0"
}

func reply(kind byte, payload string) {
	uart.WriteByte(kind)
	uart.Write([]byte(payload))
	uart.WriteByte('\n')
}
