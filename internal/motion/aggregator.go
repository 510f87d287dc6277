// Package motion holds relative mouse motion samples between the capture thread and the broadcaster.
package motion

import (
	"sync"
)

const DefaultCapacity = 500

// Delta is the relative motion reported by the device since its previous report.
type Delta struct {
	DX int32
	DY int32
}

func (d Delta) IsZero() bool {
	return d.DX == 0 && d.DY == 0
}

// Aggregator is a bounded FIFO of deltas shared by the capture thread (Append)
// and the broadcaster (DrainAll). When full, the oldest delta is evicted.
type Aggregator struct {
	mu      sync.Mutex
	buf     []Delta
	head    int
	size    int
	evicted uint64
}

func NewAggregator(capacity int) *Aggregator {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Aggregator{
		buf: make([]Delta, capacity),
	}
}

func (a *Aggregator) Append(d Delta) {
	a.mu.Lock()
	defer a.mu.Unlock()
	tail := (a.head + a.size) % len(a.buf)
	a.buf[tail] = d
	if a.size == len(a.buf) {
		a.head = (a.head + 1) % len(a.buf)
		a.evicted++
		return
	}
	a.size++
}

// DrainAll returns the buffered deltas in capture order and empties the buffer.
// It returns nil if nothing is buffered.
func (a *Aggregator) DrainAll() []Delta {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.size == 0 {
		return nil
	}
	out := make([]Delta, a.size)
	n := copy(out, a.buf[a.head:min(a.head+a.size, len(a.buf))])
	copy(out[n:], a.buf[:a.size-n])
	a.head = 0
	a.size = 0
	return out
}

func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.size
}

func (a *Aggregator) Cap() int {
	return len(a.buf)
}

// Evicted reports how many deltas were dropped because the buffer was full.
func (a *Aggregator) Evicted() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.evicted
}
