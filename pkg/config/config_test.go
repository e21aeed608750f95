package config

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/heatctl/pkg/thermistor"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	name := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(name, []byte(content), 0644))
	return name
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, DeviceSerial, cfg.Device.Kind)
	assert.Equal(t, 115200, cfg.Device.BaudRate)
	assert.Equal(t, float64(20000), cfg.Thermistor.DividerR)
	assert.Equal(t, 15, cfg.Thermistor.AppliedChannel)
	assert.Len(t, cfg.Zones, 3)
	assert.Len(t, cfg.Sensors(), 10)
	assert.Equal(t, time.Second, cfg.Control.Period)
	assert.Equal(t, 3, cfg.Control.MaxPWMFailures)
	assert.Equal(t, 6, cfg.PWM.Channel)
	assert.Equal(t, "heatctl/status", cfg.MQTT.Topic)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_FileNotExists(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_NoFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_ValidYAML(t *testing.T) {
	name := writeFile(t, `
device:
  kind: mock
  port: /dev/ttyUSB1

thermistor:
  divider_r: 10000
  applied_channel: -1
  applied_voltage: 2.5
  unit: C

zones:
  - name: chamber
    sensors:
      - label: Upper Left Inlet
        channel: 8
        type: BAPI 10K-3
        long_settle: true
  - name: room
    sensors:
      - label: Top
        channel: 0
        type: TDK 5K
      - label: Custom
        channel: 3
        coefficients: {a: 0.001, b: 0.0002, c: 0.0000001}

control:
  inner_zone: chamber
  outer_zone: room
  period: 2s
  poll_interval: 100ms
  outer_rolling_periods: 5

pid:
  kp: 0.5
  max_pwm: 0.8
`)

	cfg, err := Load(name)
	require.NoError(t, err)

	assert.Equal(t, DeviceMock, cfg.Device.Kind)
	assert.Equal(t, "/dev/ttyUSB1", cfg.Device.Port)
	assert.Equal(t, 10000.0, cfg.Thermistor.DividerR)
	assert.Equal(t, -1, cfg.Thermistor.AppliedChannel)
	assert.Equal(t, "C", cfg.Thermistor.Unit)

	require.Len(t, cfg.Zones, 2)
	inner, ok := cfg.Zone("chamber")
	require.True(t, ok)
	require.Len(t, inner.Sensors, 1)
	assert.True(t, inner.Sensors[0].LongSettle)
	assert.Equal(t, 8, inner.Sensors[0].Channel)

	room, ok := cfg.Zone("room")
	require.True(t, ok)
	require.Len(t, room.Sensors, 2)
	require.NotNil(t, room.Sensors[1].Coefficients)
	assert.Equal(t, 0.001, room.Sensors[1].Coefficients.A)

	assert.Equal(t, 2*time.Second, cfg.Control.Period)
	assert.Equal(t, 100*time.Millisecond, cfg.Control.PollInterval)
	assert.Equal(t, 5, cfg.Control.OuterRollingPeriods)
	assert.Equal(t, 0.5, cfg.PID.Kp)
	assert.Equal(t, 0.8, cfg.PID.MaxPWM)

	assert.NoError(t, cfg.Validate())
}

func TestLoad_PartialYAML(t *testing.T) {
	name := writeFile(t, `
pid:
  ki: 0.1
`)

	cfg, err := Load(name)
	require.NoError(t, err)

	// Unset keys keep their defaults
	assert.Equal(t, 0.1, cfg.PID.Ki)
	assert.Equal(t, 0.3, cfg.PID.Kp)
	assert.Equal(t, 30*time.Second, cfg.PID.ResetGap)
	assert.Len(t, cfg.Zones, 3)
	assert.Equal(t, "/dev/ttyACM0", cfg.Device.Port)
}

func TestLoad_InvalidYAML(t *testing.T) {
	name := writeFile(t, "device: [unterminated\n")

	_, err := Load(name)
	assert.Error(t, err)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("HEATCTL_PID_KP", "1.5")
	t.Setenv("HEATCTL_DEVICE_PORT", "/dev/ttyS9")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 1.5, cfg.PID.Kp)
	assert.Equal(t, "/dev/ttyS9", cfg.Device.Port)
}

func TestSave_RoundTrip(t *testing.T) {
	name := filepath.Join(t.TempDir(), "saved.yaml")

	cfg := Default()
	cfg.Device.Port = "/dev/ttyACM3"
	cfg.PID.Kd = 0.2
	cfg.Zones[2].Sensors[0].Coefficients = &thermistor.Coefficients{A: 1e-3, B: 2e-4, C: 1e-7}
	require.NoError(t, cfg.Save(name))

	loaded, err := Load(name)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestSave_Unwritable(t *testing.T) {
	err := Default().Save(filepath.Join(t.TempDir(), "missing", "dir", "config.yaml"))
	assert.Error(t, err)
}

func TestThermistorFor(t *testing.T) {
	cfg := Default()

	th, err := cfg.ThermistorFor(SensorConfig{Type: "TDK 5K"})
	require.NoError(t, err)
	assert.Equal(t, thermistor.Fahrenheit, th.Unit)
	assert.Equal(t, 20000.0, th.DividerR)

	custom := thermistor.Coefficients{A: 1e-3, B: 2e-4, C: 1e-7}
	th, err = cfg.ThermistorFor(SensorConfig{Type: "unknown", Coefficients: &custom})
	require.NoError(t, err)
	assert.Equal(t, custom, th.Coeff)

	_, err = cfg.ThermistorFor(SensorConfig{Type: "unknown"})
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *Config)
		want   string
	}{
		{name: "serial without port", modify: func(c *Config) { c.Device.Port = "" }, want: "device.port"},
		{name: "unknown device", modify: func(c *Config) { c.Device.Kind = "usb" }, want: "device.kind"},
		{name: "zero divider", modify: func(c *Config) { c.Thermistor.DividerR = 0 }, want: "divider_r"},
		{name: "bad unit", modify: func(c *Config) { c.Thermistor.Unit = "K" }, want: "thermistor.unit"},
		{name: "no applied voltage", modify: func(c *Config) {
			c.Thermistor.AppliedChannel = -1
			c.Thermistor.AppliedVoltage = 0
		}, want: "applied_voltage"},
		{name: "reserved zone", modify: func(c *Config) { c.Zones[2].Name = "pwm" }, want: "reserved"},
		{name: "duplicate zone", modify: func(c *Config) { c.Zones[2].Name = "outer" }, want: "defined twice"},
		{name: "duplicate label", modify: func(c *Config) { c.Zones[0].Sensors[1].Label = "Upper Inlet" }, want: "not unique"},
		{name: "duplicate channel", modify: func(c *Config) { c.Zones[1].Sensors[0].Channel = 8 }, want: "already used"},
		{name: "applied channel as sensor", modify: func(c *Config) { c.Zones[0].Sensors[0].Channel = 15 }, want: "applied voltage channel"},
		{name: "unknown type", modify: func(c *Config) { c.Zones[0].Sensors[0].Type = "nope" }, want: "unknown thermistor type"},
		{name: "missing inner zone", modify: func(c *Config) { c.Control.InnerZone = "hot" }, want: "control.inner_zone"},
		{name: "same zones", modify: func(c *Config) { c.Control.OuterZone = "inner" }, want: "must differ"},
		{name: "zero period", modify: func(c *Config) { c.Control.Period = 0 }, want: "control.period"},
		{name: "zero buffer", modify: func(c *Config) { c.Control.BufferSize = 0 }, want: "buffer_size"},
		{name: "no failures allowed", modify: func(c *Config) { c.Control.MaxPWMFailures = 0 }, want: "max_pwm_failures"},
		{name: "negative gain", modify: func(c *Config) { c.PID.Ki = -1 }, want: "pid.ki"},
		{name: "nan gain", modify: func(c *Config) { c.PID.Kd = math.NaN() }, want: "pid.kd"},
		{name: "max pwm above one", modify: func(c *Config) { c.PID.MaxPWM = 1.5 }, want: "max_pwm"},
		{name: "zero pwm period", modify: func(c *Config) { c.PWM.Period = 0 }, want: "pwm.period"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate_CollectsAllProblems(t *testing.T) {
	cfg := Default()
	cfg.Control.Period = 0
	cfg.PWM.Period = 0
	cfg.PID.MaxPWM = 0

	var verr *ValidationError
	require.ErrorAs(t, cfg.Validate(), &verr)
	assert.Len(t, verr.Problems, 3)
}

func TestValidate_EmptyZoneAllowed(t *testing.T) {
	cfg := Default()
	cfg.Zones[2].Sensors = nil
	assert.NoError(t, cfg.Validate())
}

func TestValidate_MockNeedsNoPort(t *testing.T) {
	cfg := Default()
	cfg.Device.Kind = DeviceMock
	cfg.Device.Port = ""
	assert.NoError(t, cfg.Validate())
}
