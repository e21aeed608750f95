// Package pwm drives a digital output with a software PWM signal.
package pwm

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/itohio/heatctl/pkg/daq"
)

const (
	levelUnknown int32 = iota - 1
	levelLow
	levelHigh
)

// WriteError is reported when the output could not be set even after a retry.
type WriteError struct {
	Channel int
	High    bool
	Err     error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("pwm write %v to channel %d: %v", e.High, e.Channel, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// Plan splits a period into high and low phases for a duty fraction.
func Plan(duty float64, period time.Duration) (high, low time.Duration) {
	high = time.Duration(clamp(duty) * float64(period))
	return high, period - high
}

func clamp(f float64) float64 {
	switch {
	case math.IsNaN(f) || f <= 0:
		return 0
	case f >= 1:
		return 1
	}
	return f
}

// Driver realizes a duty fraction on one output channel. The duty is latched at
// the start of each period; SetDuty never changes a period in progress.
type Driver struct {
	arb     *daq.Arbiter
	channel int
	period  time.Duration
	errs    chan<- error
	log     *logrus.Entry

	duty     atomic.Uint64 // math.Float64bits
	force    chan struct{}
	level    atomic.Int32
	failures atomic.Int64
}

// New creates a driver for channel. Failed writes are sent to errs without
// blocking; errs may be nil.
func New(arb *daq.Arbiter, channel int, period time.Duration, errs chan<- error, logger *logrus.Logger) *Driver {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if period <= 0 {
		period = time.Second
	}
	d := &Driver{
		arb:     arb,
		channel: channel,
		period:  period,
		errs:    errs,
		log:     logger.WithField("channel", channel),
		force:   make(chan struct{}, 1),
	}
	d.level.Store(levelUnknown)
	return d
}

// SetDuty sets the target duty, clamped to [0, 1]. NaN turns the output off.
func (d *Driver) SetDuty(f float64) {
	d.duty.Store(math.Float64bits(clamp(f)))
}

// Duty returns the target duty.
func (d *Driver) Duty() float64 {
	return math.Float64frombits(d.duty.Load())
}

// ForceOff sets the duty to zero and ends a high phase in progress immediately.
// The output stays low until a new duty is set.
func (d *Driver) ForceOff() {
	d.SetDuty(0)
	select {
	case d.force <- struct{}{}:
	default:
	}
}

// Level reports whether the last successful write drove the output high.
func (d *Driver) Level() bool {
	return d.level.Load() == levelHigh
}

// Failures returns the number of consecutive writes that failed after retry.
func (d *Driver) Failures() int {
	return int(d.failures.Load())
}

// Period returns the PWM period.
func (d *Driver) Period() time.Duration {
	return d.period
}

// Run generates the signal until ctx is done, then drives the output low.
func (d *Driver) Run(ctx context.Context) {
	defer d.off()

	next := time.Now()
	for {
		start := next
		if now := time.Now(); now.Sub(start) >= d.period {
			// fell behind by a whole period, resynchronize
			start = now
		}
		next = start.Add(d.period)

		select {
		case <-d.force:
		default:
		}

		high, _ := Plan(d.Duty(), d.period)
		keepHigh := high == d.period
		if high > 0 {
			d.write(ctx, true)
			forced, ok := d.sleepUntil(ctx, start.Add(high), d.force)
			if !ok {
				return
			}
			keepHigh = keepHigh && !forced
		}
		if !keepHigh {
			d.write(ctx, false)
		}
		if _, ok := d.sleepUntil(ctx, next, nil); !ok {
			return
		}
	}
}

// sleepUntil waits for the deadline or an interrupt. ok is false if ctx is done.
func (d *Driver) sleepUntil(ctx context.Context, deadline time.Time, interrupt <-chan struct{}) (interrupted, ok bool) {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false, false
	case <-interrupt:
		return true, true
	case <-timer.C:
		return false, true
	}
}

// write sets the level, skipping it if already set, retrying once on failure.
func (d *Driver) write(ctx context.Context, high bool) {
	want := levelLow
	if high {
		want = levelHigh
	}
	if d.level.Load() == want {
		return
	}

	err := d.writeOnce(ctx, high)
	if err != nil && ctx.Err() == nil {
		d.log.WithError(err).Debug("pwm write failed, retrying")
		err = d.writeOnce(ctx, high)
	}
	if err != nil {
		d.level.Store(levelUnknown)
		if ctx.Err() != nil {
			return
		}
		n := d.failures.Add(1)
		d.log.WithError(err).WithField("failures", n).Warn("pwm write failed")
		d.report(&WriteError{Channel: d.channel, High: high, Err: err})
		return
	}

	d.failures.Store(0)
	d.level.Store(want)
}

func (d *Driver) writeOnce(ctx context.Context, high bool) error {
	return d.arb.Do(ctx, func(a *daq.Access) error {
		return a.DigitalWrite(d.channel, high)
	})
}

// off makes a best-effort attempt to leave the output low.
func (d *Driver) off() {
	if err := d.writeOnce(context.Background(), false); err != nil {
		d.level.Store(levelUnknown)
		d.log.WithError(err).Error("failed to turn output off")
		return
	}
	d.level.Store(levelLow)
}

func (d *Driver) report(err error) {
	if d.errs == nil {
		return
	}
	select {
	case d.errs <- err:
	default:
	}
}
