// Package mqtt publishes controller snapshots and faults to an MQTT broker.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/itohio/heatctl/pkg/status"
)

// ErrTimeout is returned when the broker does not acknowledge in time.
var ErrTimeout = errors.New("mqtt timeout")

// Publisher publishes controller state.
type Publisher interface {
	// PublishSnapshot sends a snapshot to the status topic.
	PublishSnapshot(s status.Snapshot) error

	// PublishFault sends a fault to the fault topic.
	PublishFault(f status.Fault) error

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// FormatSnapshot creates the JSON payload for a snapshot.
func FormatSnapshot(s status.Snapshot) ([]byte, error) {
	return json.Marshal(s)
}

// FormatFault creates the JSON payload for a fault.
func FormatFault(f status.Fault) ([]byte, error) {
	return json.Marshal(f)
}

const faultQueue = 32

// Forwarder moves snapshots and faults to a Publisher on its own goroutine so
// a slow broker never stalls the control loop.
type Forwarder struct {
	pub     Publisher
	log     *logrus.Logger
	faults  chan status.Fault
	dropped atomic.Int64
}

// NewForwarder creates a Forwarder for pub.
func NewForwarder(pub Publisher, logger *logrus.Logger) *Forwarder {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Forwarder{
		pub:    pub,
		log:    logger,
		faults: make(chan status.Fault, faultQueue),
	}
}

// Fault queues f for publishing. It never blocks and may be registered as a
// controller fault observer.
func (f *Forwarder) Fault(flt status.Fault) {
	select {
	case f.faults <- flt:
	default:
		f.dropped.Add(1)
	}
}

// Dropped returns the number of faults discarded because the queue was full.
func (f *Forwarder) Dropped() int64 {
	return f.dropped.Load()
}

// Run publishes every snapshot received from snaps and every queued fault until
// ctx is done or snaps is closed. Faults still queued on exit are published.
func (f *Forwarder) Run(ctx context.Context, snaps <-chan status.Snapshot) {
	defer f.flushFaults()

	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-snaps:
			if !ok {
				return
			}
			if err := f.pub.PublishSnapshot(s); err != nil {
				f.log.WithError(err).Warn("Failed to publish snapshot")
			}
		case flt := <-f.faults:
			f.publishFault(flt)
		}
	}
}

func (f *Forwarder) flushFaults() {
	for {
		select {
		case flt := <-f.faults:
			f.publishFault(flt)
		default:
			return
		}
	}
}

func (f *Forwarder) publishFault(flt status.Fault) {
	if err := f.pub.PublishFault(flt); err != nil {
		f.log.WithError(err).WithField("source", flt.Source).Warn("Failed to publish fault")
	}
}
