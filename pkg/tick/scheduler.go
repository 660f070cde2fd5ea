package tick

import (
	"time"

	"github.com/argus-labs/netcode/pkg/assert"
)

// Scheduler converts wall-clock time into a number of fixed steps. The speed multiplier stretches
// or compresses time so a client can drift towards its target tick without skipping or repeating
// steps.
type Scheduler struct {
	period      time.Duration
	maxCatchUp  int
	speed       float64
	accumulator time.Duration
	last        time.Time
	started     bool
	dropped     int
}

// NewScheduler returns a scheduler producing one step per period. maxCatchUp caps the number of
// steps a single Advance may return after a stall.
func NewScheduler(period time.Duration, maxCatchUp int) *Scheduler {
	assert.That(period > 0, "tick period must be positive")
	assert.That(maxCatchUp > 0, "max catch-up must be positive")
	return &Scheduler{period: period, maxCatchUp: maxCatchUp, speed: 1}
}

// Period returns the nominal duration of one step.
func (s *Scheduler) Period() time.Duration {
	return s.period
}

// SetSpeed sets the relative rate at which time accumulates. 1 is real time.
func (s *Scheduler) SetSpeed(speed float64) {
	assert.That(speed > 0, "speed must be positive, got %f", speed)
	s.speed = speed
}

func (s *Scheduler) Speed() float64 {
	return s.speed
}

// Advance accumulates the time elapsed since the previous call and returns how many steps are due.
// The first call only anchors the clock.
func (s *Scheduler) Advance(now time.Time) int {
	if !s.started {
		s.started = true
		s.last = now
		return 0
	}

	elapsed := now.Sub(s.last)
	s.last = now
	if elapsed <= 0 {
		return 0
	}

	s.accumulator += time.Duration(float64(elapsed) * s.speed)
	steps := int(s.accumulator / s.period)
	s.accumulator -= time.Duration(steps) * s.period

	if steps > s.maxCatchUp {
		s.dropped += steps - s.maxCatchUp
		steps = s.maxCatchUp
	}
	return steps
}

// Overstep returns the fraction of the next step that has already accumulated, in [0, 1).
func (s *Scheduler) Overstep() float64 {
	return float64(s.accumulator) / float64(s.period)
}

// Dropped returns the total number of steps discarded by the catch-up cap.
func (s *Scheduler) Dropped() int {
	return s.dropped
}

// Reset re-anchors the scheduler at now and discards accumulated time.
func (s *Scheduler) Reset(now time.Time) {
	s.last = now
	s.started = true
	s.accumulator = 0
}
