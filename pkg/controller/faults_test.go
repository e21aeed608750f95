package controller

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/heatctl/pkg/daq"
	"github.com/itohio/heatctl/pkg/pwm"
	"github.com/itohio/heatctl/pkg/sample"
	"github.com/itohio/heatctl/pkg/status"
)

type faultLog struct {
	mu     sync.Mutex
	faults []status.Fault
}

func (l *faultLog) add(f status.Fault) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.faults = append(l.faults, f)
}

func (l *faultLog) find(source string) (status.Fault, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, f := range l.faults {
		if f.Source == source {
			return f, true
		}
	}
	return status.Fault{}, false
}

func TestController_ReaderFaultReported(t *testing.T) {
	cfg := testConfig()
	m := daq.NewMock(cfg)
	setTemperature(t, cfg, m, innerCh, 70)
	setTemperature(t, cfg, m, outerCh, 80)

	c := New(cfg, m, quietLogger())
	var log faultLog
	c.OnFault(log.add)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	waitSnapshot(t, c, hasDeltaT)
	m.FailReads(innerCh, 5)

	require.Eventually(t, func() bool {
		_, ok := log.find("Upper Left Inlet")
		return ok
	}, waitLimit, time.Millisecond)

	f, _ := log.find("Upper Left Inlet")
	assert.False(t, f.Fatal)
	var readErr *sample.ReadError
	assert.ErrorAs(t, f.Err, &readErr)

	// the reader recovers and the loop keeps running
	waitSnapshot(t, c, func(s status.Snapshot) bool { return hasDeltaT(s) && s.Timestamp.After(f.Time) })
	assert.Equal(t, Running, c.State())
	assert.GreaterOrEqual(t, c.Tracker().Faults(), 1)
}

func TestController_PWMFailureForcesOff(t *testing.T) {
	cfg := testConfig()
	m := daq.NewMock(cfg)
	setTemperature(t, cfg, m, innerCh, 79)
	setTemperature(t, cfg, m, outerCh, 80)

	c := New(cfg, m, quietLogger())
	var log faultLog
	c.OnFault(log.add)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	assert.Eventually(t, func() bool { return m.Level(heaterCh) }, waitLimit, time.Millisecond)
	m.FailWrites(2)

	require.Eventually(t, func() bool {
		_, ok := log.find("pwm")
		return ok
	}, waitLimit, time.Millisecond)

	f, _ := log.find("pwm")
	assert.False(t, f.Fatal)
	var writeErr *pwm.WriteError
	require.ErrorAs(t, f.Err, &writeErr)
	assert.Equal(t, heaterCh, writeErr.Channel)

	// after the fault the heater resumes on the next periods
	assert.Eventually(t, func() bool { return m.Level(heaterCh) }, waitLimit, time.Millisecond)
	assert.Equal(t, Running, c.State())
	assert.NoError(t, c.Err())
}

func TestController_PersistentPWMFailureIsFatal(t *testing.T) {
	cfg := testConfig()
	cfg.Control.MaxPWMFailures = 3
	m := daq.NewMock(cfg)
	setTemperature(t, cfg, m, innerCh, 79)
	setTemperature(t, cfg, m, outerCh, 80)

	c := New(cfg, m, quietLogger())
	var log faultLog
	c.OnFault(log.add)
	require.NoError(t, c.Start(context.Background()))

	assert.Eventually(t, func() bool { return m.Level(heaterCh) }, waitLimit, time.Millisecond)
	m.FailWrites(-1)

	select {
	case <-c.Done():
	case <-time.After(waitLimit):
		t.Fatal("controller did not shut down")
	}

	require.Error(t, c.Err())
	assert.ErrorIs(t, c.Err(), daq.ErrDevice)
	assert.Equal(t, Stopped, c.State())
	assert.False(t, m.IsConnected())

	log.mu.Lock()
	defer log.mu.Unlock()
	fatal := 0
	for _, f := range log.faults {
		if f.Source == "pwm" && f.Fatal {
			fatal++
		}
	}
	assert.Equal(t, 1, fatal)
	assert.ErrorIs(t, c.Stop(), ErrNotRunning)
}
