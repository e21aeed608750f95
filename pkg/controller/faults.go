package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/itohio/heatctl/pkg/pwm"
	"github.com/itohio/heatctl/pkg/sample"
	"github.com/itohio/heatctl/pkg/status"
)

// drain handles worker errors until ctx is done.
func (c *Controller) drain(ctx context.Context, r *run) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-r.errs:
			c.handle(r, err)
		}
	}
}

func (c *Controller) handle(r *run, err error) {
	var writeErr *pwm.WriteError
	var readErr *sample.ReadError

	switch {
	case errors.As(err, &writeErr):
		// The output state is unknown; make sure the heater is off first.
		r.driver.ForceOff()
		if r.failing {
			return
		}
		c.resetPID.Store(true)

		failures := r.driver.Failures()
		fatal := failures >= c.cfg.Control.MaxPWMFailures
		c.fault("pwm", err, fatal)
		if fatal {
			r.failing = true
			cause := fmt.Errorf("heater output failed %d times in a row: %w", failures, err)
			go func() {
				if err := c.stop(cause); err != nil && !errors.Is(err, ErrNotRunning) {
					c.log.WithError(err).Error("shutdown after fault")
				}
			}()
		}
	case errors.As(err, &readErr):
		c.fault(readErr.Label, err, false)
	default:
		c.fault("controller", err, false)
	}
}

// fault records f in the tracker and notifies the fault observers.
func (c *Controller) fault(source string, err error, fatal bool) {
	f := status.Fault{Time: time.Now(), Source: source, Err: err, Fatal: fatal}

	entry := c.log.WithFields(logrus.Fields{"source": source, "fatal": fatal}).WithError(err)
	if fatal {
		entry.Error("unrecoverable fault")
	} else {
		entry.Warn("fault")
	}

	c.tracker.RecordFault(f)

	c.obsMu.RLock()
	defer c.obsMu.RUnlock()
	for _, fn := range c.onFault {
		fn(f)
	}
}
