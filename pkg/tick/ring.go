package tick

import (
	"math/bits"

	"github.com/rotisserie/eris"
)

// MaxRingCapacity keeps the slot index stable across Tick wraparound. It must divide 2^16.
const MaxRingCapacity = 1 << 15

type slot[T any] struct {
	tick  Tick
	valid bool
	value T
}

// Ring is a fixed-capacity arena indexed by tick mod capacity. Each slot remembers the tick that
// owns it, so a lookup for a tick whose slot has since been reused reports a miss instead of
// returning another tick's value. The owning loop is the only caller; Ring is not safe for
// concurrent use.
type Ring[T any] struct {
	slots  []slot[T]
	mask   Tick
	latest Tick
	count  int
}

// NewRing creates a ring with power-of-two capacity. If capacity is not a power of two, it is
// rounded up.
func NewRing[T any](capacity int) (*Ring[T], error) {
	if capacity <= 0 {
		return nil, eris.Errorf("capacity must be > 0, got %d", capacity)
	}
	capacity = roundUpPowerOfTwo(capacity)
	if capacity > MaxRingCapacity {
		return nil, eris.Errorf("capacity must be <= %d, got %d", MaxRingCapacity, capacity)
	}
	return &Ring[T]{
		slots: make([]slot[T], capacity),
		mask:  Tick(capacity - 1), //nolint:gosec // bounded by MaxRingCapacity
	}, nil
}

// Cap returns the number of slots.
func (r *Ring[T]) Cap() int {
	return len(r.slots)
}

// Len returns the number of ticks currently stored.
func (r *Ring[T]) Len() int {
	return r.count
}

// Set stores value for t, overwriting whatever previously occupied the slot.
func (r *Ring[T]) Set(t Tick, value T) {
	wasEmpty := r.count == 0
	s := &r.slots[t&r.mask]
	if !s.valid {
		r.count++
	}
	s.tick = t
	s.valid = true
	s.value = value

	switch {
	case wasEmpty || t.After(r.latest):
		r.latest = t
	case r.slots[r.latest&r.mask].tick != r.latest:
		// An older tick took over the latest slot.
		r.latest = t
		for i := range r.slots {
			if r.slots[i].valid && r.slots[i].tick.After(r.latest) {
				r.latest = r.slots[i].tick
			}
		}
	}
}

// Get returns the value stored for t. It misses when t was never set, was popped, or its slot has
// been reused by another tick.
func (r *Ring[T]) Get(t Tick) (T, bool) {
	s := &r.slots[t&r.mask]
	if !s.valid || s.tick != t {
		var zero T
		return zero, false
	}
	return s.value, true
}

// Latest returns the most recent tick stored.
func (r *Ring[T]) Latest() (Tick, T, bool) {
	if r.count == 0 {
		var zero T
		return 0, zero, false
	}
	s := r.slots[r.latest&r.mask]
	return r.latest, s.value, true
}

// Oldest returns the earliest tick still stored.
func (r *Ring[T]) Oldest() (Tick, bool) {
	if r.count == 0 {
		return 0, false
	}
	oldest := r.latest
	for i := range r.slots {
		if r.slots[i].valid && r.slots[i].tick.Before(oldest) {
			oldest = r.slots[i].tick
		}
	}
	return oldest, true
}

// Pop evicts every entry strictly older than upto.
func (r *Ring[T]) Pop(upto Tick) {
	for i := range r.slots {
		s := &r.slots[i]
		if s.valid && s.tick.Before(upto) {
			var zero T
			s.valid = false
			s.value = zero
			r.count--
		}
	}
}

// Clear removes every entry.
func (r *Ring[T]) Clear() {
	clear(r.slots)
	r.count = 0
	r.latest = 0
}

func roundUpPowerOfTwo(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1)) //nolint:gosec // n >= 2 at this point
}
