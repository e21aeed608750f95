package daq

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

const (
	// DefaultBaudRate is the standard baud rate of the DAQ firmware.
	DefaultBaudRate = 115200
	// DefaultReadTimeout bounds a single request/response transaction.
	DefaultReadTimeout = 50 * time.Millisecond
)

// Port represents a serial port.
type Port struct {
	Name        string
	Description string
}

// Ports returns a list of available serial ports.
func Ports() ([]Port, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}

	result := make([]Port, 0, len(ports))
	for _, name := range ports {
		result = append(result, Port{Name: name, Description: name})
	}
	return result, nil
}

// Serial is a DAQ connected over a serial line running the host/firmware line protocol.
type Serial struct {
	port        string
	baudRate    int
	readTimeout time.Duration
	log         *logrus.Logger

	// open is replaced in tests.
	open func() (port, error)

	mu        sync.Mutex
	conn      port
	pending   []byte
	connected bool
	stale     bool // a request timed out, its reply may still arrive
}

// port is the part of serial.Port the device uses.
type port interface {
	io.ReadWriteCloser
	ResetInputBuffer() error
}

var _ port = serial.Port(nil)

// NewSerial creates a new Serial device with the specified port, baud rate and
// per-transaction timeout.
func NewSerial(port string, baudRate int, readTimeout time.Duration, logger *logrus.Logger) *Serial {
	if baudRate == 0 {
		baudRate = DefaultBaudRate
	}
	if readTimeout <= 0 {
		readTimeout = DefaultReadTimeout
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	d := &Serial{
		port:        port,
		baudRate:    baudRate,
		readTimeout: readTimeout,
		log:         logger,
	}
	d.open = d.openPort
	return d
}

func (d *Serial) openPort() (port, error) {
	p, err := serial.Open(d.port, &serial.Mode{BaudRate: d.baudRate})
	if err != nil {
		return nil, err
	}
	if err := p.SetReadTimeout(d.readTimeout); err != nil {
		p.Close()
		return nil, err
	}
	if err := p.ResetInputBuffer(); err != nil {
		d.log.WithError(err).Warn("failed to flush serial input")
	}
	return p, nil
}

// Connect opens the serial port and pings the firmware.
func (d *Serial) Connect() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.connected {
		return fmt.Errorf("already connected")
	}

	conn, err := d.open()
	if err != nil {
		return fmt.Errorf("failed to open serial port %s: %w", d.port, err)
	}
	d.conn = conn
	d.pending = d.pending[:0]
	d.stale = false

	line, err := d.transact(formatPing())
	if err == nil {
		err = parsePing(line)
	}
	if err != nil {
		conn.Close()
		d.conn = nil
		return fmt.Errorf("device on %s did not answer ping: %w", d.port, err)
	}

	d.connected = true
	d.log.WithField("port", d.port).Info("DAQ connected")
	return nil
}

// Close closes the serial port.
func (d *Serial) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connected {
		return nil
	}
	d.connected = false

	if d.conn != nil {
		err := d.conn.Close()
		d.conn = nil
		if err != nil {
			return fmt.Errorf("failed to close serial port %s: %w", d.port, err)
		}
	}
	return nil
}

// IsConnected returns whether the device is currently connected.
func (d *Serial) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

// AnalogRead reads the voltage on an analog channel.
func (d *Serial) AnalogRead(channel int, longSettle bool) (float64, error) {
	line, err := d.request(formatAnalogRead(channel, longSettle))
	if err != nil {
		return 0, err
	}
	return parseAnalog(line)
}

// DigitalWrite sets a digital output and checks the echoed level.
func (d *Serial) DigitalWrite(channel int, high bool) error {
	line, err := d.request(formatDigitalWrite(channel, high))
	if err != nil {
		return err
	}
	level, err := parseLevel(line)
	if err != nil {
		return err
	}
	if level != high {
		return fmt.Errorf("%w: channel %d echoed %v, want %v", ErrProtocol, channel, level, high)
	}
	return nil
}

// DigitalRead reads a digital channel.
func (d *Serial) DigitalRead(channel int) (bool, error) {
	line, err := d.request(formatDigitalRead(channel))
	if err != nil {
		return false, err
	}
	return parseLevel(line)
}

func (d *Serial) request(cmd string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connected {
		return "", ErrNotConnected
	}
	return d.transact(cmd)
}

// transact writes one request and waits for one response line. Caller holds mu.
func (d *Serial) transact(cmd string) (string, error) {
	d.discardStale()

	if _, err := io.WriteString(d.conn, cmd); err != nil {
		return "", fmt.Errorf("failed to send %q: %w", bytes.TrimSpace([]byte(cmd)), err)
	}
	return d.readLine(time.Now().Add(d.readTimeout))
}

// discardStale drops input left over from earlier requests. After a timeout it
// first discards everything received for one read timeout so that a late reply
// is not taken as the answer to the next request.
func (d *Serial) discardStale() {
	d.pending = d.pending[:0]

	if d.stale {
		var buf [64]byte
		deadline := time.Now().Add(d.readTimeout)
		for time.Now().Before(deadline) {
			if _, err := d.conn.Read(buf[:]); err != nil {
				break
			}
		}
		d.stale = false
	}

	if err := d.conn.ResetInputBuffer(); err != nil {
		d.log.WithError(err).Warn("failed to flush serial input")
	}
}

// readLine reads until a newline or the deadline. The port returns (0, nil)
// when its own read timeout expires.
func (d *Serial) readLine(deadline time.Time) (string, error) {
	var buf [64]byte
	for {
		if i := bytes.IndexByte(d.pending, '\n'); i >= 0 {
			line := string(bytes.TrimSpace(d.pending[:i]))
			d.pending = append(d.pending[:0], d.pending[i+1:]...)
			return line, nil
		}
		if !time.Now().Before(deadline) {
			d.stale = true
			return "", fmt.Errorf("no response within %v", d.readTimeout)
		}

		n, err := d.conn.Read(buf[:])
		d.pending = append(d.pending, buf[:n]...)
		if err != nil {
			return "", fmt.Errorf("failed to read response: %w", err)
		}
	}
}
