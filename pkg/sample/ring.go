// Package sample polls analog channels and keeps a short history of converted
// values per channel.
package sample

import (
	"math"
	"sync"
)

// Ring is a fixed-capacity circular buffer of values. It has a single writer
// and any number of concurrent readers.
type Ring struct {
	mu    sync.RWMutex
	buf   []float64
	next  int
	count int
}

// NewRing creates a ring holding at most capacity values.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring{buf: make([]float64, capacity)}
}

// Push appends v, overwriting the oldest value when full.
func (r *Ring) Push(v float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf[r.next] = v
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// Average returns the mean of the held values, NaN when empty. A NaN value
// in the buffer makes the average NaN.
func (r *Ring) Average() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.count == 0 {
		return math.NaN()
	}
	var sum float64
	for i := 0; i < r.count; i++ {
		sum += r.buf[i]
	}
	return sum / float64(r.count)
}

// Len returns the number of values held.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// Cap returns the capacity.
func (r *Ring) Cap() int {
	return len(r.buf)
}

// Values returns a copy of the held values, oldest first.
func (r *Ring) Values() []float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]float64, 0, r.count)
	start := r.next - r.count
	if start < 0 {
		start += len(r.buf)
	}
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}
