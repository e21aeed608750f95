package daq

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Line protocol between host and firmware. Requests and responses are single
// newline-terminated ASCII lines:
//
//	P          -> =OK        ping
//	A<ch>,<s>  -> =<volts>   analog read, s=1 for long settle
//	D<ch>,<l>  -> =<l>       digital write, echoes the level
//	R<ch>      -> =<l>       digital read
//
// Any request may be answered with !<message> on failure.

const (
	respOK  = '='
	respErr = '!'
)

// ErrProtocol is returned for responses that do not follow the line protocol.
var ErrProtocol = errors.New("protocol error")

// RemoteError is a failure reported by the firmware.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "firmware: " + e.Message
}

func bit(b bool) byte {
	if b {
		return '1'
	}
	return '0'
}

func formatPing() string {
	return "P\n"
}

func formatAnalogRead(channel int, longSettle bool) string {
	return fmt.Sprintf("A%d,%c\n", channel, bit(longSettle))
}

func formatDigitalWrite(channel int, high bool) string {
	return fmt.Sprintf("D%d,%c\n", channel, bit(high))
}

func formatDigitalRead(channel int) string {
	return fmt.Sprintf("R%d\n", channel)
}

// parseResponse returns the payload of a response line.
func parseResponse(line string) (string, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", fmt.Errorf("%w: empty response", ErrProtocol)
	}
	switch line[0] {
	case respOK:
		return line[1:], nil
	case respErr:
		return "", &RemoteError{Message: strings.TrimSpace(line[1:])}
	default:
		return "", fmt.Errorf("%w: unexpected response %q", ErrProtocol, line)
	}
}

func parseAnalog(line string) (float64, error) {
	payload, err := parseResponse(line)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(payload, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid voltage %q", ErrProtocol, payload)
	}
	return v, nil
}

func parseLevel(line string) (bool, error) {
	payload, err := parseResponse(line)
	if err != nil {
		return false, err
	}
	switch payload {
	case "0":
		return false, nil
	case "1":
		return true, nil
	default:
		return false, fmt.Errorf("%w: invalid level %q", ErrProtocol, payload)
	}
}

func parsePing(line string) error {
	payload, err := parseResponse(line)
	if err != nil {
		return err
	}
	if payload != "OK" {
		return fmt.Errorf("%w: unexpected ping reply %q", ErrProtocol, payload)
	}
	return nil
}
