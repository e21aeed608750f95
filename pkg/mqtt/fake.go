package mqtt

import (
	"sync"

	"github.com/itohio/heatctl/pkg/status"
)

// FakePublisher records published snapshots and faults for test assertions.
// It is safe for concurrent use.
type FakePublisher struct {
	mu sync.Mutex

	snapshots []status.Snapshot
	faults    []status.Fault
	payloads  [][]byte

	// PublishError, if set, is returned by PublishSnapshot and PublishFault.
	PublishError error

	closed bool

	// Connected controls the return value of IsConnected.
	Connected bool
}

// NewFakePublisher creates a FakePublisher for testing.
func NewFakePublisher() *FakePublisher {
	return &FakePublisher{}
}

// PublishSnapshot records the snapshot.
func (f *FakePublisher) PublishSnapshot(s status.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishError != nil {
		return f.PublishError
	}
	payload, err := FormatSnapshot(s)
	if err != nil {
		return err
	}
	f.snapshots = append(f.snapshots, s)
	f.payloads = append(f.payloads, payload)
	return nil
}

// PublishFault records the fault.
func (f *FakePublisher) PublishFault(flt status.Fault) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishError != nil {
		return f.PublishError
	}
	payload, err := FormatFault(flt)
	if err != nil {
		return err
	}
	f.faults = append(f.faults, flt)
	f.payloads = append(f.payloads, payload)
	return nil
}

// Snapshots returns a copy of the recorded snapshots.
func (f *FakePublisher) Snapshots() []status.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]status.Snapshot(nil), f.snapshots...)
}

// Faults returns a copy of the recorded faults.
func (f *FakePublisher) Faults() []status.Fault {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]status.Fault(nil), f.faults...)
}

// Payloads returns a copy of every payload in publish order.
func (f *FakePublisher) Payloads() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.payloads...)
}

// Close marks the publisher as closed.
func (f *FakePublisher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Closed reports whether Close was called.
func (f *FakePublisher) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// IsConnected reports whether the fake publisher is "connected".
func (f *FakePublisher) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Connected
}
