package controller

import (
	"context"
	"math"
	"time"

	"github.com/asecurityteam/rolling"
	"github.com/sirupsen/logrus"

	"github.com/itohio/heatctl/pkg/status"
)

// loop runs one control cycle per period on fixed deadlines.
func (c *Controller) loop(ctx context.Context, r *run) {
	period := c.cfg.Control.Period
	timer := time.NewTimer(period)
	defer timer.Stop()

	next := time.Now().Add(period)
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		now := time.Now()
		c.cycle(r, now)

		next = next.Add(period)
		if late := time.Since(next); late >= 0 {
			c.log.WithField("late", late).Warn("control cycle overran its period")
			next = time.Now().Add(period)
		}
		timer.Reset(time.Until(next))
	}
}

// cycle reads the zones, updates the PID and the duty and publishes a snapshot.
func (c *Controller) cycle(r *run, now time.Time) status.Snapshot {
	if c.resetPID.Swap(false) {
		r.pid.Reset()
		c.log.Info("PID state reset")
	}
	if p := c.params.Load(); p != r.applied {
		r.pid.SetGains(p.gains)
		r.pid.SetLimits(0, p.maxPWM)
		r.applied = p
	}

	zones := make([]status.Zone, len(r.zones))
	for i, z := range r.zones {
		zones[i] = z.read()
	}

	inner := zones[r.inner].Average
	outer := zones[r.outer].Average
	if r.outerAvg != nil && !math.IsNaN(outer) {
		outer = r.rollOuter(outer)
	}
	deltaT := inner - outer

	duty := 0.0
	if math.IsNaN(deltaT) {
		if !r.blind {
			c.log.WithFields(logrus.Fields{"inner": inner, "outer": outer}).Warn("temperature difference unavailable, heater off")
		}
		r.blind = true
	} else {
		if r.blind {
			c.log.Info("temperature difference available again")
		}
		r.blind = false
		duty = r.pid.Update(-deltaT, now)
	}
	r.driver.SetDuty(duty)

	snap := status.Snapshot{
		Timestamp: now,
		DeltaT:    deltaT,
		PWM:       duty,
		NewLog:    c.newLog.Swap(false),
		Zones:     zones,
	}
	c.log.WithFields(logrus.Fields{
		"delta_t":  deltaT,
		"pwm":      duty,
		"integral": r.pid.Integral(),
	}).Debug("control cycle")

	c.publish(snap)
	return snap
}

// rollOuter appends v to the outer window and returns the mean of the values
// appended so far, at most outerCap of them.
func (r *run) rollOuter(v float64) float64 {
	r.outerAvg.Append(v)
	r.outerLen = min(r.outerLen+1, r.outerCap)
	return r.outerAvg.Reduce(rolling.Sum) / float64(r.outerLen)
}

func (c *Controller) publish(snap status.Snapshot) {
	c.tracker.Update(snap)

	c.obsMu.RLock()
	defer c.obsMu.RUnlock()
	for _, fn := range c.onSnap {
		fn(snap)
	}
}
