// Package tick defines the simulation step counter shared by every instance and the fixed-step
// machinery built on it.
package tick

import "strconv"

// Tick identifies one fixed simulation step. It wraps at 2^16, so ordering is only meaningful
// through the signed wrapping distance returned by Diff. Never compare ticks with < or >.
type Tick uint16

// Add returns t offset by delta, wrapping.
func (t Tick) Add(delta int16) Tick {
	return t + Tick(delta) //nolint:gosec // wrapping is intended
}

// Sub returns t offset by -delta, wrapping.
func (t Tick) Sub(delta int16) Tick {
	return t - Tick(delta) //nolint:gosec // wrapping is intended
}

// Diff returns the signed wrapping distance t - other. The result is correct as long as the two
// ticks are less than 2^15 steps apart.
func (t Tick) Diff(other Tick) int16 {
	return int16(t - other) //nolint:gosec // wrapping is intended
}

// Before reports whether t is strictly earlier than other.
func (t Tick) Before(other Tick) bool {
	return t.Diff(other) < 0
}

// After reports whether t is strictly later than other.
func (t Tick) After(other Tick) bool {
	return t.Diff(other) > 0
}

// Next returns t+1.
func (t Tick) Next() Tick {
	return t + 1
}

func (t Tick) String() string {
	return strconv.FormatUint(uint64(t), 10)
}

// Range calls fn for every tick in the inclusive wrapping interval [from, to]. It is a no-op when to
// is before from.
func Range(from, to Tick, fn func(Tick) bool) {
	n := int(to.Diff(from))
	for i := 0; i <= n; i++ {
		if !fn(from.Add(int16(i))) { //nolint:gosec // bounded by int16 distance
			return
		}
	}
}
