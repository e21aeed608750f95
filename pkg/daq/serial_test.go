package daq

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeFirmware answers line protocol requests like the DAQ firmware.
type fakeFirmware struct {
	mu      sync.Mutex
	out     bytes.Buffer
	reply   func(req string) string
	closed  bool
	written []string
	resets  int
}

func (f *fakeFirmware) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, req := range strings.Split(strings.TrimSpace(string(p)), "\n") {
		f.written = append(f.written, req)
		if resp := f.reply(req); resp != "" {
			f.out.WriteString(resp)
		}
	}
	return len(p), nil
}

func (f *fakeFirmware) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, io.EOF
	}
	if f.out.Len() == 0 {
		// behave like a serial port read timeout
		f.mu.Unlock()
		time.Sleep(time.Millisecond)
		f.mu.Lock()
		return 0, nil
	}
	return f.out.Read(p)
}

func (f *fakeFirmware) ResetInputBuffer() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out.Reset()
	f.resets++
	return nil
}

// later writes resp to the input after delay, like a reply to a timed out request.
func (f *fakeFirmware) later(delay time.Duration, resp string) {
	go func() {
		time.Sleep(delay)
		f.mu.Lock()
		defer f.mu.Unlock()
		f.out.WriteString(resp)
	}()
}

func (f *fakeFirmware) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func newFakeSerial(t *testing.T, reply func(string) string) (*Serial, *fakeFirmware) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)

	fw := &fakeFirmware{reply: reply}
	d := NewSerial("fake", 0, 30*time.Millisecond, logger)
	d.open = func() (port, error) { return fw, nil }
	return d, fw
}

func echoFirmware(req string) string {
	switch {
	case req == "P":
		return "=OK\n"
	case strings.HasPrefix(req, "A"):
		return "=1.250\r\n"
	case strings.HasPrefix(req, "D"):
		return "=" + req[len(req)-1:] + "\n"
	case strings.HasPrefix(req, "R"):
		return "=1\n"
	}
	return "!unknown command\n"
}

func TestSerial_Transactions(t *testing.T) {
	d, fw := newFakeSerial(t, echoFirmware)
	require.NoError(t, d.Connect())
	assert.True(t, d.IsConnected())

	v, err := d.AnalogRead(8, true)
	require.NoError(t, err)
	assert.Equal(t, 1.25, v)

	require.NoError(t, d.DigitalWrite(6, true))
	high, err := d.DigitalRead(6)
	require.NoError(t, err)
	assert.True(t, high)

	assert.Equal(t, []string{"P", "A8,1", "D6,1", "R6"}, fw.written)

	require.NoError(t, d.Close())
	assert.False(t, d.IsConnected())
	assert.True(t, fw.closed)
}

func TestSerial_ConnectRequiresPing(t *testing.T) {
	d, fw := newFakeSerial(t, func(string) string { return "" })
	err := d.Connect()
	assert.Error(t, err)
	assert.False(t, d.IsConnected())
	assert.True(t, fw.closed)
}

func TestSerial_Timeout(t *testing.T) {
	silent := false
	d, _ := newFakeSerial(t, func(req string) string {
		if req == "P" || !silent {
			return echoFirmware(req)
		}
		return ""
	})
	require.NoError(t, d.Connect())
	silent = true

	start := time.Now()
	_, err := d.AnalogRead(1, false)
	assert.Error(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestSerial_RemoteError(t *testing.T) {
	d, _ := newFakeSerial(t, func(req string) string {
		if req == "P" {
			return "=OK\n"
		}
		return "!no such channel\n"
	})
	require.NoError(t, d.Connect())

	_, err := d.AnalogRead(42, false)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "no such channel", remote.Message)
}

func TestSerial_WriteEchoMismatch(t *testing.T) {
	d, _ := newFakeSerial(t, func(req string) string {
		if req == "P" {
			return "=OK\n"
		}
		return "=0\n"
	})
	require.NoError(t, d.Connect())
	assert.ErrorIs(t, d.DigitalWrite(6, true), ErrProtocol)
}

func TestSerial_NotConnected(t *testing.T) {
	d, _ := newFakeSerial(t, echoFirmware)
	_, err := d.AnalogRead(0, false)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.NoError(t, d.Close())
}

func TestSerial_LateReplyIsDiscarded(t *testing.T) {
	tests := []struct {
		name  string
		delay time.Duration // after the first request was sent
		pause time.Duration // between the timeout and the next request
	}{
		{name: "reply buffered before next request", delay: 40 * time.Millisecond, pause: 30 * time.Millisecond},
		{name: "reply arrives during next request", delay: 40 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var fw *fakeFirmware
			d, fw := newFakeSerial(t, func(req string) string {
				switch req {
				case "P":
					return "=OK\n"
				case "A1,0":
					fw.later(tt.delay, "=1.111\n")
					return ""
				case "A2,0":
					return "=2.222\n"
				case "A3,0":
					return "=3.333\n"
				}
				return "!unknown command\n"
			})
			require.NoError(t, d.Connect())

			_, err := d.AnalogRead(1, false)
			require.Error(t, err)
			time.Sleep(tt.pause)

			v, err := d.AnalogRead(2, false)
			require.NoError(t, err)
			assert.Equal(t, 2.222, v)

			v, err = d.AnalogRead(3, false)
			require.NoError(t, err)
			assert.Equal(t, 3.333, v)
		})
	}
}

func TestSerial_FlushesInputBeforeRequest(t *testing.T) {
	d, fw := newFakeSerial(t, echoFirmware)
	require.NoError(t, d.Connect())

	fw.later(0, "=9.999\n")
	assert.Eventually(t, func() bool {
		fw.mu.Lock()
		defer fw.mu.Unlock()
		return fw.out.Len() > 0
	}, time.Second, time.Millisecond)

	v, err := d.AnalogRead(8, false)
	require.NoError(t, err)
	assert.Equal(t, 1.25, v)
	assert.GreaterOrEqual(t, fw.resets, 2)
}
