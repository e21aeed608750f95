package sample

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/itohio/heatctl/pkg/daq"
)

// Channel describes one analog input and how to convert its voltage.
type Channel struct {
	Label      string
	Address    int
	LongSettle bool
	// AppliedChannel is read in the same transaction as Address to obtain the
	// divider supply voltage. Negative uses AppliedVoltage.
	AppliedChannel int
	AppliedVoltage float64
	// Convert maps (measured, applied) volts to the reported value. Nil reports
	// the measured voltage.
	Convert func(measured, applied float64) float64
}

// Sample is one converted reading.
type Sample struct {
	Time     time.Time
	Measured float64 // V
	Applied  float64 // V
	Value    float64
}

// ReadError is reported when a channel could not be read.
type ReadError struct {
	Label   string
	Address int
	Err     error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read %q (channel %d): %v", e.Label, e.Address, e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}

// Reader polls one channel and keeps its recent converted values in a Ring.
type Reader struct {
	ch   Channel
	arb  *daq.Arbiter
	poll time.Duration
	errs chan<- error
	log  *logrus.Entry

	buf      *Ring
	last     atomic.Pointer[Sample]
	failures atomic.Int64
}

// NewReader creates a reader for ch. Read failures are sent to errs without
// blocking; errs may be nil.
func NewReader(ch Channel, arb *daq.Arbiter, bufSize int, poll time.Duration, errs chan<- error, logger *logrus.Logger) *Reader {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Reader{
		ch:   ch,
		arb:  arb,
		poll: poll,
		errs: errs,
		log:  logger.WithFields(logrus.Fields{"channel": ch.Address, "label": ch.Label}),
		buf:  NewRing(bufSize),
	}
}

// Channel returns the polled channel.
func (r *Reader) Channel() Channel {
	return r.ch
}

// Buffer returns the ring of converted values.
func (r *Reader) Buffer() *Ring {
	return r.buf
}

// Average returns the mean of the buffered values, NaN when nothing was read yet.
func (r *Reader) Average() float64 {
	return r.buf.Average()
}

// Last returns the most recent successful reading.
func (r *Reader) Last() (Sample, bool) {
	s := r.last.Load()
	if s == nil {
		return Sample{}, false
	}
	return *s, true
}

// Failures returns the number of consecutive failed reads.
func (r *Reader) Failures() int {
	return int(r.failures.Load())
}

// Run polls until ctx is done. A transaction in progress is always completed.
func (r *Reader) Run(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		r.Poll(ctx)
		timer.Reset(r.poll)
	}
}

// Poll performs a single read.
func (r *Reader) Poll(ctx context.Context) {
	var measured, applied float64
	err := r.arb.Do(ctx, func(a *daq.Access) error {
		v, err := a.AnalogRead(r.ch.Address, r.ch.LongSettle)
		if err != nil {
			return err
		}
		measured = v

		applied = r.ch.AppliedVoltage
		if r.ch.AppliedChannel >= 0 {
			applied, err = a.AnalogRead(r.ch.AppliedChannel, r.ch.LongSettle)
		}
		return err
	})
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return
		}
		r.fail(err)
		return
	}
	r.failures.Store(0)

	value := measured
	if r.ch.Convert != nil {
		value = r.ch.Convert(measured, applied)
	}
	r.buf.Push(value)
	r.last.Store(&Sample{Time: time.Now(), Measured: measured, Applied: applied, Value: value})
}

func (r *Reader) fail(err error) {
	n := r.failures.Add(1)
	r.log.WithError(err).WithField("failures", n).Warn("channel read failed")

	if r.errs == nil {
		return
	}
	select {
	case r.errs <- &ReadError{Label: r.ch.Label, Address: r.ch.Address, Err: err}:
	default:
	}
}
