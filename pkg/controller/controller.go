// Package controller runs the closed loop that holds the inner zone at the
// temperature of the outer zone by driving a heater with PWM.
package controller

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/asecurityteam/rolling"
	"github.com/sirupsen/logrus"

	"github.com/itohio/heatctl/pkg/config"
	"github.com/itohio/heatctl/pkg/daq"
	"github.com/itohio/heatctl/pkg/pid"
	"github.com/itohio/heatctl/pkg/pwm"
	"github.com/itohio/heatctl/pkg/sample"
	"github.com/itohio/heatctl/pkg/status"
)

var (
	// ErrConfiguration wraps every configuration problem found by Start.
	ErrConfiguration = errors.New("configuration error")
	// ErrAlreadyRunning is returned by Start unless the controller is stopped.
	ErrAlreadyRunning = errors.New("controller already running")
	// ErrNotRunning is returned by Stop unless the controller is running.
	ErrNotRunning = errors.New("controller not running")
	// ErrStopTimeout is reported when workers do not exit within the stop timeout.
	ErrStopTimeout = errors.New("workers did not stop in time")
)

const errorBuffer = 64

// parameters are the tunables that may change while running.
type parameters struct {
	gains  pid.Gains
	maxPWM float64
}

// worker is a goroutine Stop waits for.
type worker struct {
	name string
	done chan struct{}
}

// run holds everything that lives from Start to Stop.
type run struct {
	arb      *daq.Arbiter
	readers  []*sample.Reader
	zones    []zone
	inner    int
	outer    int
	driver   *pwm.Driver
	pid      *pid.Controller
	outerAvg *rolling.PointPolicy
	outerLen int // values held by outerAvg, its empty buckets read as zero
	outerCap int
	applied  *parameters
	blind    bool // delta_t was NaN on the previous cycle, owned by the loop
	failing  bool // shutdown on fault under way, owned by drain

	errs          chan error
	cancelLoop    context.CancelFunc
	cancelWorkers context.CancelFunc
	loop          worker
	workers       []worker
	done          chan struct{}
}

// Controller owns the device, the channel readers and the PWM driver.
type Controller struct {
	cfg *config.Config
	dev daq.Device
	log *logrus.Logger

	mu    sync.Mutex // serializes Start and Stop
	state atomic.Int32
	run   *run

	params   atomic.Pointer[parameters]
	newLog   atomic.Bool
	resetPID atomic.Bool

	tracker *status.Tracker

	obsMu     sync.RWMutex
	onSnap    []func(status.Snapshot)
	onFault   []func(status.Fault)
	doneMu    sync.Mutex
	done      chan struct{}
	err       error
	startedAt time.Time
}

// New creates a stopped controller for dev configured by cfg.
func New(cfg *config.Config, dev daq.Device, logger *logrus.Logger) *Controller {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	c := &Controller{
		cfg:     cfg,
		dev:     dev,
		log:     logger,
		tracker: status.NewTracker(),
		done:    make(chan struct{}),
	}
	close(c.done)
	c.params.Store(&parameters{
		gains:  pid.Gains{Kp: cfg.PID.Kp, Ki: cfg.PID.Ki, Kd: cfg.PID.Kd},
		maxPWM: cfg.PID.MaxPWM,
	})
	return c
}

// State returns the lifecycle state.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// Config returns the configuration the controller was created with.
func (c *Controller) Config() *config.Config {
	return c.cfg
}

// Tracker returns the tracker receiving every snapshot and fault.
func (c *Controller) Tracker() *status.Tracker {
	return c.tracker
}

// Latest returns the most recent snapshot.
func (c *Controller) Latest() (status.Snapshot, bool) {
	return c.tracker.Latest()
}

// Done is closed when the current run ends, either by Stop or by an
// unrecoverable fault. It is closed while the controller is stopped.
func (c *Controller) Done() <-chan struct{} {
	c.doneMu.Lock()
	defer c.doneMu.Unlock()
	return c.done
}

// Err returns the fault that ended the last run, nil after a regular Stop.
func (c *Controller) Err() error {
	c.doneMu.Lock()
	defer c.doneMu.Unlock()
	return c.err
}

// OnSnapshot registers an observer called from the control loop after every cycle.
// Observers must not block.
func (c *Controller) OnSnapshot(fn func(status.Snapshot)) {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	c.onSnap = append(c.onSnap, fn)
}

// OnFault registers an observer called for every runtime fault. Observers must not block.
func (c *Controller) OnFault(fn func(status.Fault)) {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	c.onFault = append(c.onFault, fn)
}

// SetParameters changes the PID gains and the duty limit. They take effect on
// the next control cycle and persist across restarts.
func (c *Controller) SetParameters(gains pid.Gains, maxPWM float64) error {
	for _, g := range []float64{gains.Kp, gains.Ki, gains.Kd} {
		if math.IsNaN(g) || math.IsInf(g, 0) || g < 0 {
			return fmt.Errorf("%w: gains must be finite and non-negative", ErrConfiguration)
		}
	}
	if !(maxPWM > 0 && maxPWM <= 1) {
		return fmt.Errorf("%w: max pwm %v is not in (0, 1]", ErrConfiguration, maxPWM)
	}
	c.params.Store(&parameters{gains: gains, maxPWM: maxPWM})
	c.log.WithFields(logrus.Fields{"kp": gains.Kp, "ki": gains.Ki, "kd": gains.Kd, "max_pwm": maxPWM}).Info("PID parameters changed")
	return nil
}

// Parameters returns the current PID gains and duty limit.
func (c *Controller) Parameters() (pid.Gains, float64) {
	p := c.params.Load()
	return p.gains, p.maxPWM
}

// MarkLogBoundary flags the next snapshot as the start of a new log.
func (c *Controller) MarkLogBoundary() {
	c.newLog.Store(true)
}

// Start validates the configuration, connects the device, checks that it
// answers and starts the readers, the PWM driver and the control loop. ctx
// bounds the start up only.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.state.CompareAndSwap(int32(Stopped), int32(Starting)) {
		return ErrAlreadyRunning
	}

	r, err := c.start(ctx)
	if err != nil {
		c.state.Store(int32(Stopped))
		c.log.WithError(err).Error("controller failed to start")
		return err
	}

	c.run = r
	c.doneMu.Lock()
	c.done = r.done
	c.err = nil
	c.startedAt = time.Now()
	c.doneMu.Unlock()

	c.launch(r)
	c.state.Store(int32(Running))
	c.log.WithFields(logrus.Fields{
		"channels": len(r.readers),
		"period":   c.cfg.Control.Period,
	}).Info("controller running")
	return nil
}

func (c *Controller) start(ctx context.Context) (*run, error) {
	if err := c.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}

	r := &run{
		errs: make(chan error, errorBuffer),
		done: make(chan struct{}),
	}

	ctl := c.cfg.Control
	applied := c.cfg.Thermistor

	type planned struct {
		zone int
		ch   sample.Channel
	}
	var plan []planned
	for zi, zc := range c.cfg.Zones {
		r.zones = append(r.zones, zone{name: zc.Name})
		switch zc.Name {
		case ctl.InnerZone:
			r.inner = zi
		case ctl.OuterZone:
			r.outer = zi
		}

		for _, s := range zc.Sensors {
			th, err := c.cfg.ThermistorFor(s)
			if err != nil {
				return nil, fmt.Errorf("%w: sensor %q: %w", ErrConfiguration, s.Label, err)
			}
			plan = append(plan, planned{zone: zi, ch: sample.Channel{
				Label:          s.Label,
				Address:        s.Channel,
				LongSettle:     s.LongSettle,
				AppliedChannel: applied.AppliedChannel,
				AppliedVoltage: applied.AppliedVoltage,
				Convert:        th.TfromV,
			}})
		}
	}

	if err := c.dev.Connect(); err != nil {
		return nil, fmt.Errorf("connect device: %w", err)
	}
	r.arb = daq.NewArbiter(c.dev, ctl.AccessTimeout)

	if err := c.roundTrip(ctx, r.arb); err != nil {
		if cerr := c.dev.Close(); cerr != nil {
			c.log.WithError(cerr).Warn("failed to close device")
		}
		return nil, fmt.Errorf("device check failed: %w", err)
	}

	for _, p := range plan {
		rd := sample.NewReader(p.ch, r.arb, ctl.BufferSize, ctl.PollInterval, r.errs, c.log)
		r.zones[p.zone].readers = append(r.zones[p.zone].readers, rd)
		r.readers = append(r.readers, rd)
	}

	r.driver = pwm.New(r.arb, c.cfg.PWM.Channel, c.cfg.PWM.Period, r.errs, c.log)

	p := c.params.Load()
	r.pid = pid.New(p.gains, 0, p.maxPWM)
	r.pid.Nominal = ctl.Period
	r.pid.ResetGap = c.cfg.PID.ResetGap
	r.applied = p
	c.resetPID.Store(false)

	if n := ctl.OuterRollingPeriods; n > 0 {
		r.outerAvg = rolling.NewPointPolicy(rolling.NewWindow(n))
		r.outerCap = n
	}
	return r, nil
}

// roundTrip drives the heater low and reads one analog channel to prove the
// device answers.
func (c *Controller) roundTrip(ctx context.Context, arb *daq.Arbiter) error {
	channel, longSettle := c.cfg.Thermistor.AppliedChannel, true
	if channel < 0 {
		sensors := c.cfg.Sensors()
		if len(sensors) == 0 {
			channel = 0
		} else {
			channel, longSettle = sensors[0].Channel, sensors[0].LongSettle
		}
	}

	return arb.Do(ctx, func(a *daq.Access) error {
		if err := a.DigitalWrite(c.cfg.PWM.Channel, false); err != nil {
			return err
		}
		_, err := a.AnalogRead(channel, longSettle)
		return err
	})
}

func (c *Controller) launch(r *run) {
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	loopCtx, cancelLoop := context.WithCancel(context.Background())
	r.cancelWorkers = cancelWorkers
	r.cancelLoop = cancelLoop

	spawn := func(name string, fn func()) worker {
		w := worker{name: name, done: make(chan struct{})}
		go func() {
			defer close(w.done)
			fn()
		}()
		return w
	}

	for _, rd := range r.readers {
		r.workers = append(r.workers, spawn("reader "+rd.Channel().Label, func() { rd.Run(workerCtx) }))
	}
	r.workers = append(r.workers, spawn("pwm", func() { r.driver.Run(workerCtx) }))
	r.workers = append(r.workers, spawn("faults", func() { c.drain(workerCtx, r) }))
	r.loop = spawn("control loop", func() { c.loop(loopCtx, r) })
}

// Stop stops the control loop, forces the heater off, stops the workers and
// closes the device. Workers that do not exit within the stop timeout are
// reported as a fault and in the returned error.
func (c *Controller) Stop() error {
	return c.stop(nil)
}

func (c *Controller) stop(cause error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.state.CompareAndSwap(int32(Running), int32(Stopping)) {
		return ErrNotRunning
	}
	r := c.run
	if cause != nil {
		c.log.WithError(cause).Error("controller stopping on fault")
	} else {
		c.log.Info("controller stopping")
	}

	deadline := time.Now().Add(c.cfg.Control.StopTimeout)
	r.cancelLoop()
	laggards := waitAll(deadline, r.loop)
	r.driver.ForceOff()
	r.cancelWorkers()
	laggards = append(laggards, waitAll(deadline, r.workers...)...)

	var errs []error
	if len(laggards) > 0 {
		err := fmt.Errorf("%w: %s", ErrStopTimeout, strings.Join(laggards, ", "))
		c.fault("controller", err, false)
		errs = append(errs, err)
	}

	// The driver leaves the output low on exit; repeat in case it lagged or failed.
	if err := r.arb.Do(context.Background(), func(a *daq.Access) error {
		return a.DigitalWrite(c.cfg.PWM.Channel, false)
	}); err != nil {
		errs = append(errs, fmt.Errorf("turn heater off: %w", err))
	}
	if err := c.dev.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close device: %w", err))
	}

	c.state.Store(int32(Stopped))
	c.doneMu.Lock()
	c.err = cause
	close(r.done)
	c.doneMu.Unlock()

	err := errors.Join(errs...)
	if err != nil {
		c.log.WithError(err).Error("controller stopped with errors")
	} else {
		c.log.WithField("uptime", time.Since(c.startedAt).Round(time.Second)).Info("controller stopped")
	}
	return err
}

// waitAll waits for workers until deadline and returns the names of those still running.
func waitAll(deadline time.Time, workers ...worker) []string {
	var laggards []string
	for _, w := range workers {
		select {
		case <-w.done:
			continue
		default:
		}

		timer := time.NewTimer(time.Until(deadline))
		select {
		case <-w.done:
		case <-timer.C:
			laggards = append(laggards, w.name)
		}
		timer.Stop()
	}
	return laggards
}
