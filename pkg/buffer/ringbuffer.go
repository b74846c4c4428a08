package buffer

import (
	"sync"
	"sync/atomic"
)

// Ring is a fixed-capacity circular buffer that overwrites its oldest entry
// when full. Safe for concurrent writers and readers.
type Ring[T any] struct {
	mu      sync.RWMutex
	data    []T
	mask    uint64
	written uint64
	dropped atomic.Uint64
}

// NewRing creates a ring with capacity rounded up to a power of two.
func NewRing[T any](capacity int) *Ring[T] {
	size := uint64(1)
	for size < uint64(capacity) {
		size <<= 1
	}
	return &Ring[T]{data: make([]T, size), mask: size - 1}
}

// Add appends v, evicting the oldest entry when the ring is full.
func (r *Ring[T]) Add(v T) {
	r.mu.Lock()
	if r.written >= uint64(len(r.data)) {
		r.dropped.Add(1)
	}
	r.data[r.written&r.mask] = v
	r.written++
	r.mu.Unlock()
}

// Tail returns up to the last n entries, oldest first.
func (r *Ring[T]) Tail(n int) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	avail := min(r.written, uint64(len(r.data)))
	if n <= 0 || avail == 0 {
		return nil
	}
	if uint64(n) > avail {
		n = int(avail)
	}
	out := make([]T, n)
	start := r.written - uint64(n)
	for i := range out {
		out[i] = r.data[(start+uint64(i))&r.mask]
	}
	return out
}

// Len returns the number of retained entries.
func (r *Ring[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return int(min(r.written, uint64(len(r.data))))
}

// Cap returns the ring capacity.
func (r *Ring[T]) Cap() int { return len(r.data) }

// Dropped returns how many entries were overwritten.
func (r *Ring[T]) Dropped() uint64 { return r.dropped.Load() }
