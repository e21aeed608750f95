// Package pid implements a PID controller with output limits and anti-windup.
package pid

import (
	"math"
	"time"
)

// Gains are the proportional, integral and derivative coefficients.
type Gains struct {
	Kp float64 `json:"kp"`
	Ki float64 `json:"ki"`
	Kd float64 `json:"kd"`
}

// Controller holds the state of one PID loop. It is not safe for concurrent use.
type Controller struct {
	gains    Gains
	min, max float64

	// Nominal is the dt used for the first update and for non-increasing timestamps.
	Nominal time.Duration
	// ResetGap resets the state when updates are further apart. Zero disables.
	ResetGap time.Duration

	integral float64
	prevErr  float64
	last     time.Time
	started  bool
	resets   int
}

// New creates a controller whose output is clamped to [min, max].
func New(gains Gains, min, max float64) *Controller {
	if min > max {
		min, max = max, min
	}
	return &Controller{gains: gains, min: min, max: max, Nominal: time.Second}
}

// Update advances the controller with the error measured at now and returns
// the clamped output.
func (c *Controller) Update(err float64, now time.Time) float64 {
	dt := c.Nominal.Seconds()
	if c.started {
		gap := now.Sub(c.last)
		if c.ResetGap > 0 && gap > c.ResetGap {
			c.Reset()
		} else if gap > 0 {
			dt = gap.Seconds()
		}
	}
	if dt <= 0 {
		dt = 1
	}

	derivative := 0.0
	if c.started {
		derivative = (err - c.prevErr) / dt
	}

	integral := c.clampIntegral(c.integral + err*dt)
	raw := c.gains.Kp*err + c.gains.Ki*integral + c.gains.Kd*derivative
	out := clamp(raw, c.min, c.max)

	// Conditional integration: keep accumulating only while unsaturated or
	// when the error pulls the output back toward the range.
	if out == raw || (raw > c.max && err < 0) || (raw < c.min && err > 0) {
		c.integral = integral
	} else {
		out = clamp(c.gains.Kp*err+c.gains.Ki*c.integral+c.gains.Kd*derivative, c.min, c.max)
	}

	c.prevErr = err
	c.last = now
	c.started = true
	return out
}

// clampIntegral bounds the integral so that Ki*integral stays within the output range.
func (c *Controller) clampIntegral(i float64) float64 {
	if c.gains.Ki <= 0 {
		return i
	}
	return clamp(i, c.min/c.gains.Ki, c.max/c.gains.Ki)
}

// Reset clears the accumulated state.
func (c *Controller) Reset() {
	c.integral = 0
	c.prevErr = 0
	c.last = time.Time{}
	c.started = false
	c.resets++
}

// Resets returns how many times the state was reset.
func (c *Controller) Resets() int {
	return c.resets
}

// SetGains replaces the gains, keeping the accumulated state.
func (c *Controller) SetGains(g Gains) {
	c.gains = g
	c.integral = c.clampIntegral(c.integral)
}

// Gains returns the current gains.
func (c *Controller) Gains() Gains {
	return c.gains
}

// SetLimits replaces the output limits.
func (c *Controller) SetLimits(min, max float64) {
	if min > max {
		min, max = max, min
	}
	c.min, c.max = min, max
	c.integral = c.clampIntegral(c.integral)
}

// Limits returns the output limits.
func (c *Controller) Limits() (min, max float64) {
	return c.min, c.max
}

// Integral returns the accumulated integral of the error.
func (c *Controller) Integral() float64 {
	return c.integral
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
