package status

import (
	"sync"
)

// DefaultSubscriberBuffer is the channel capacity used by Subscribe for n <= 0.
const DefaultSubscriberBuffer = 16

// Tracker holds the latest snapshot and fault behind an RWMutex and fans new
// snapshots out to subscribers. Slow subscribers miss snapshots instead of
// blocking the producer.
type Tracker struct {
	mu        sync.RWMutex
	latest    Snapshot
	have      bool
	lastFault Fault
	faults    int
	dropped   int

	subs   map[int]chan Snapshot
	nextID int
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{subs: map[int]chan Snapshot{}}
}

// Update records s as the latest snapshot and delivers it to subscribers.
func (t *Tracker) Update(s Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.latest = s
	t.have = true
	for _, ch := range t.subs {
		select {
		case ch <- s:
		default:
			t.dropped++
		}
	}
}

// Latest returns the most recent snapshot and whether there is one.
func (t *Tracker) Latest() (Snapshot, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.latest, t.have
}

// Subscribe returns a channel receiving every subsequent snapshot and a
// function that cancels the subscription and closes the channel.
func (t *Tracker) Subscribe(n int) (<-chan Snapshot, func()) {
	if n <= 0 {
		n = DefaultSubscriberBuffer
	}
	ch := make(chan Snapshot, n)

	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.subs[id] = ch
	t.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, id)
			t.mu.Unlock()
			close(ch)
		})
	}
}

// RecordFault counts f and keeps it as the last fault.
func (t *Tracker) RecordFault(f Fault) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastFault = f
	t.faults++
}

// Faults returns the number of faults recorded.
func (t *Tracker) Faults() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.faults
}

// LastFault returns the most recent fault and whether there is one.
func (t *Tracker) LastFault() (Fault, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastFault, t.faults > 0
}

// Dropped returns the number of snapshots not delivered to slow subscribers.
func (t *Tracker) Dropped() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.dropped
}
