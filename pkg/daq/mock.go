package daq

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/itohio/heatctl/pkg/config"
	"github.com/itohio/heatctl/pkg/thermistor"
)

// ErrInjected is returned by failures injected into a Mock.
var ErrInjected = errors.New("injected failure")

// Write records a digital write seen by a Mock.
type Write struct {
	Time    time.Time
	Channel int
	High    bool
}

// Mock simulates a DAQ wired to a heated chamber. Sensors in the inner zone see
// the simulated inner temperature, every other sensor sees the ambient temperature.
// The heater on the PWM channel warms the inner zone while high.
type Mock struct {
	cfg config.MockConfig

	mu        sync.Mutex
	connected bool
	rnd       *rand.Rand

	appliedCh int
	appliedV  float64
	heaterCh  int
	inner     map[int]bool
	sensors   map[int]thermistor.Thermistor

	// chamber model
	innerT  float64
	heater  bool
	updated time.Time

	overrides  map[int]float64
	digital    map[int]bool
	failReads  map[int]int
	failWrites int
	writes     []Write

	inflight    atomic.Int32
	maxInflight atomic.Int32
}

// NewMock creates a mocked device for the zones and wiring of cfg.
func NewMock(cfg *config.Config) *Mock {
	if cfg == nil {
		cfg = config.Default()
	}

	m := &Mock{
		cfg:       cfg.Mock,
		rnd:       rand.New(rand.NewSource(1)),
		appliedCh: cfg.Thermistor.AppliedChannel,
		appliedV:  cfg.Thermistor.AppliedVoltage,
		heaterCh:  cfg.PWM.Channel,
		inner:     map[int]bool{},
		sensors:   map[int]thermistor.Thermistor{},
		overrides: map[int]float64{},
		digital:   map[int]bool{},
		failReads: map[int]int{},
		innerT:    cfg.Mock.InitialInner,
	}

	for _, z := range cfg.Zones {
		for _, s := range z.Sensors {
			th, err := cfg.ThermistorFor(s)
			if err != nil {
				continue
			}
			m.sensors[s.Channel] = th
			m.inner[s.Channel] = z.Name == cfg.Control.InnerZone
		}
	}
	return m
}

// Connect simulates connecting to the device.
func (m *Mock) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connected {
		return fmt.Errorf("already connected")
	}
	m.connected = true
	m.updated = time.Now()
	return nil
}

// Close stops the mocked device.
func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

// IsConnected returns whether the device is currently connected.
func (m *Mock) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// AnalogRead returns the simulated voltage of a channel.
func (m *Mock) AnalogRead(channel int, longSettle bool) (float64, error) {
	defer m.enter()()

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return 0, ErrNotConnected
	}
	if n := m.failReads[channel]; n != 0 {
		if n > 0 {
			m.failReads[channel] = n - 1
		}
		return 0, fmt.Errorf("%w: analog read of channel %d", ErrInjected, channel)
	}
	m.advance(time.Now())

	if v, ok := m.overrides[channel]; ok {
		return v, nil
	}

	var v float64
	switch th, ok := m.sensors[channel]; {
	case channel == m.appliedCh:
		v = m.appliedV
	case ok:
		t := m.cfg.Ambient
		if m.inner[channel] {
			t = m.innerT
		}
		v = th.VfromT(t, m.appliedV)
	}
	if m.cfg.NoiseLevel > 0 {
		v += (m.rnd.Float64()*2 - 1) * m.cfg.NoiseLevel
	}
	return v, nil
}

// DigitalWrite sets a simulated digital output.
func (m *Mock) DigitalWrite(channel int, high bool) error {
	defer m.enter()()

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ErrNotConnected
	}
	if m.failWrites != 0 {
		if m.failWrites > 0 {
			m.failWrites--
		}
		return fmt.Errorf("%w: digital write of channel %d", ErrInjected, channel)
	}

	now := time.Now()
	m.advance(now)
	m.digital[channel] = high
	if channel == m.heaterCh {
		m.heater = high
	}
	m.writes = append(m.writes, Write{Time: now, Channel: channel, High: high})
	return nil
}

// DigitalRead returns the last level written to a channel.
func (m *Mock) DigitalRead(channel int) (bool, error) {
	defer m.enter()()

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return false, ErrNotConnected
	}
	return m.digital[channel], nil
}

// enter tracks concurrent transactions and applies the configured latency.
func (m *Mock) enter() func() {
	n := m.inflight.Add(1)
	for {
		peak := m.maxInflight.Load()
		if n <= peak || m.maxInflight.CompareAndSwap(peak, n) {
			break
		}
	}
	if m.cfg.Latency > 0 {
		time.Sleep(m.cfg.Latency)
	}
	return func() { m.inflight.Add(-1) }
}

// advance integrates the chamber model up to now. Caller holds mu.
func (m *Mock) advance(now time.Time) {
	dt := now.Sub(m.updated).Seconds()
	m.updated = now
	if dt <= 0 {
		return
	}
	if m.heater {
		m.innerT += m.cfg.HeaterRate * dt
	}
	m.innerT -= (m.innerT - m.cfg.Ambient) * math.Min(1, m.cfg.LossRate*dt)
}

// SetVoltage pins the voltage returned for a channel.
func (m *Mock) SetVoltage(channel int, v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overrides[channel] = v
}

// ClearVoltage returns a channel to the simulated value.
func (m *Mock) ClearVoltage(channel int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.overrides, channel)
}

// FailReads makes the next n analog reads of a channel fail. Negative n fails forever.
func (m *Mock) FailReads(channel, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failReads[channel] = n
}

// FailWrites makes the next n digital writes fail. Negative n fails forever.
func (m *Mock) FailWrites(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWrites = n
}

// SetInnerTemperature sets the simulated inner chamber temperature.
func (m *Mock) SetInnerTemperature(t float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.advance(time.Now())
	m.innerT = t
}

// InnerTemperature returns the simulated inner chamber temperature.
func (m *Mock) InnerTemperature() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.innerT
}

// Writes returns a copy of the digital writes seen so far.
func (m *Mock) Writes() []Write {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Write(nil), m.writes...)
}

// Level returns the last level written to a digital channel.
func (m *Mock) Level(channel int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.digital[channel]
}

// MaxConcurrent returns the highest number of transactions observed in flight at once.
func (m *Mock) MaxConcurrent() int {
	return int(m.maxInflight.Load())
}
