package config

import (
	"fmt"
	"math"
	"strings"

	"github.com/itohio/heatctl/pkg/thermistor"
)

// ReservedZoneNames cannot be used as zone names because they collide with the
// top-level snapshot fields.
var ReservedZoneNames = []string{"timestamp", "delta_t", "pwm", "new_log"}

// ValidationError lists every problem found in a configuration.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

type problems []string

func (p *problems) add(format string, args ...any) {
	*p = append(*p, fmt.Sprintf(format, args...))
}

// Validate checks the configuration for consistency. It returns a *ValidationError
// describing all problems, or nil.
func (c *Config) Validate() error {
	var p problems

	switch c.Device.Kind {
	case DeviceSerial:
		if c.Device.Port == "" {
			p.add("device.port is required for the serial device")
		}
		if c.Device.BaudRate <= 0 {
			p.add("device.baud_rate must be positive")
		}
	case DeviceMock:
	default:
		p.add("device.kind %q is not one of %q, %q", c.Device.Kind, DeviceSerial, DeviceMock)
	}

	if !(c.Thermistor.DividerR > 0) {
		p.add("thermistor.divider_r must be positive")
	}
	switch thermistor.Unit(c.Thermistor.Unit) {
	case thermistor.Fahrenheit, thermistor.Celsius:
	default:
		p.add("thermistor.unit %q is not F or C", c.Thermistor.Unit)
	}
	if c.Thermistor.AppliedChannel < 0 && !(c.Thermistor.AppliedVoltage > 0) {
		p.add("thermistor.applied_voltage must be positive when applied_channel is not used")
	}

	c.validateZones(&p)
	c.validateControl(&p)

	for name, g := range map[string]float64{"pid.kp": c.PID.Kp, "pid.ki": c.PID.Ki, "pid.kd": c.PID.Kd} {
		if math.IsNaN(g) || math.IsInf(g, 0) || g < 0 {
			p.add("%s must be a finite non-negative number", name)
		}
	}
	if !(c.PID.MaxPWM > 0 && c.PID.MaxPWM <= 1) {
		p.add("pid.max_pwm must be in (0, 1]")
	}
	if c.PID.ResetGap < 0 {
		p.add("pid.reset_gap must not be negative")
	}

	if c.PWM.Channel < 0 {
		p.add("pwm.channel must not be negative")
	}
	if c.PWM.Period <= 0 {
		p.add("pwm.period must be positive")
	}

	if len(p) > 0 {
		return &ValidationError{Problems: p}
	}
	return nil
}

func (c *Config) validateZones(p *problems) {
	zones := map[string]bool{}
	channels := map[int]string{}

	for i, z := range c.Zones {
		if z.Name == "" {
			p.add("zones[%d].name is required", i)
			continue
		}
		for _, r := range ReservedZoneNames {
			if z.Name == r {
				p.add("zone name %q is reserved", z.Name)
			}
		}
		if zones[z.Name] {
			p.add("zone %q is defined twice", z.Name)
		}
		zones[z.Name] = true

		labels := map[string]bool{}
		for j, s := range z.Sensors {
			where := fmt.Sprintf("zone %q sensor %d", z.Name, j)
			if s.Label == "" {
				p.add("%s: label is required", where)
			} else if labels[s.Label] {
				p.add("%s: label %q is not unique within the zone", where, s.Label)
			}
			labels[s.Label] = true

			if s.Channel < 0 {
				p.add("%s: channel must not be negative", where)
			}
			if s.Channel == c.Thermistor.AppliedChannel {
				p.add("%s: channel %d is the applied voltage channel", where, s.Channel)
			}
			if other, dup := channels[s.Channel]; dup {
				p.add("%s: channel %d is already used by %s", where, s.Channel, other)
			} else {
				channels[s.Channel] = where
			}

			if s.Coefficients == nil {
				if _, err := thermistor.Lookup(s.Type); err != nil {
					p.add("%s: %v", where, err)
				}
			}
		}
	}

	for _, ref := range []struct{ key, name string }{
		{"control.inner_zone", c.Control.InnerZone},
		{"control.outer_zone", c.Control.OuterZone},
	} {
		if !zones[ref.name] {
			p.add("%s %q does not name a configured zone", ref.key, ref.name)
		}
	}
	if c.Control.InnerZone != "" && c.Control.InnerZone == c.Control.OuterZone {
		p.add("control.inner_zone and control.outer_zone must differ")
	}
}

func (c *Config) validateControl(p *problems) {
	ctl := c.Control
	if ctl.Period <= 0 {
		p.add("control.period must be positive")
	}
	if ctl.PollInterval <= 0 {
		p.add("control.poll_interval must be positive")
	}
	if ctl.BufferSize <= 0 {
		p.add("control.buffer_size must be positive")
	}
	if ctl.AccessTimeout <= 0 {
		p.add("control.access_timeout must be positive")
	}
	if ctl.StopTimeout <= 0 {
		p.add("control.stop_timeout must be positive")
	}
	if ctl.MaxPWMFailures < 1 {
		p.add("control.max_pwm_failures must be at least 1")
	}
	if ctl.OuterRollingPeriods < 0 {
		p.add("control.outer_rolling_periods must not be negative")
	}
}
