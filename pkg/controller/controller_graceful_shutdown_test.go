package controller

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/heatctl/pkg/config"
	"github.com/itohio/heatctl/pkg/daq"
)

// TestController_GracefulShutdown tests that Stop leaves the heater off and the
// device closed, and that the controller can be started again.
func TestController_GracefulShutdown(t *testing.T) {
	cfg := testConfig()
	m := daq.NewMock(cfg)
	setTemperature(t, cfg, m, innerCh, 70)
	setTemperature(t, cfg, m, outerCh, 80)

	c := New(cfg, m, quietLogger())
	for i := 0; i < 2; i++ {
		require.NoError(t, c.Start(context.Background()))
		done := c.Done()
		assert.Eventually(t, func() bool { return m.Level(heaterCh) }, waitLimit, time.Millisecond)

		require.NoError(t, c.Stop())
		assert.Equal(t, Stopped, c.State())
		assert.False(t, m.Level(heaterCh))
		assert.False(t, m.IsConnected())
		assert.NoError(t, c.Err())

		select {
		case <-done:
		default:
			t.Fatal("Done not closed after Stop")
		}
		assert.ErrorIs(t, c.Stop(), ErrNotRunning)
	}
}

// TestController_StopReportsLaggards tests that workers stuck in a slow device
// transaction are reported instead of hanging Stop.
func TestController_StopReportsLaggards(t *testing.T) {
	cfg := testConfig()
	cfg.Zones = []config.ZoneConfig{
		{Name: "inner", Sensors: []config.SensorConfig{{Label: "Upper Left Inlet", Channel: innerCh, Type: "TDK 5K"}}},
		{Name: "outer", Sensors: []config.SensorConfig{{Label: "Top", Channel: outerCh, Type: "TDK 5K"}}},
	}
	cfg.Mock.Latency = 200 * time.Millisecond
	cfg.Control.AccessTimeout = 2 * time.Second
	cfg.Control.StopTimeout = 20 * time.Millisecond
	m := daq.NewMock(cfg)

	c := New(cfg, m, quietLogger())
	var log faultLog
	c.OnFault(log.add)
	require.NoError(t, c.Start(context.Background()))

	// let a reader enter a slow transaction
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	err := c.Stop()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStopTimeout)
	assert.Equal(t, Stopped, c.State())
	assert.Less(t, time.Since(start), 5*time.Second)

	f, ok := log.find("controller")
	require.True(t, ok)
	assert.ErrorIs(t, f.Err, ErrStopTimeout)

	last, ok := c.Tracker().LastFault()
	require.True(t, ok)
	assert.Equal(t, "controller", last.Source)
}
