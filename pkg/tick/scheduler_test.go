package tick

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestScheduler_Advance(t *testing.T) {
	t.Parallel()

	start := time.Unix(0, 0)
	s := NewScheduler(10*time.Millisecond, 5)

	assert.Equal(t, 0, s.Advance(start))
	assert.Equal(t, 0, s.Advance(start.Add(5*time.Millisecond)))
	assert.Equal(t, 1, s.Advance(start.Add(12*time.Millisecond)))
	assert.InDelta(t, 0.2, s.Overstep(), 1e-9)
	assert.Equal(t, 3, s.Advance(start.Add(42*time.Millisecond)))
}

func TestScheduler_Speed(t *testing.T) {
	t.Parallel()

	start := time.Unix(0, 0)
	s := NewScheduler(10*time.Millisecond, 100)
	s.Advance(start)

	s.SetSpeed(1.1)
	steps := s.Advance(start.Add(time.Second))
	assert.Equal(t, 110, steps)

	s.SetSpeed(0.9)
	steps = s.Advance(start.Add(2 * time.Second))
	assert.Equal(t, 90, steps)
}

func TestScheduler_CatchUpCap(t *testing.T) {
	t.Parallel()

	start := time.Unix(0, 0)
	s := NewScheduler(10*time.Millisecond, 4)
	s.Advance(start)

	assert.Equal(t, 4, s.Advance(start.Add(100*time.Millisecond)))
	assert.Equal(t, 6, s.Dropped())
	assert.Equal(t, 0, s.Advance(start.Add(100*time.Millisecond)))
	assert.Equal(t, 0, s.Advance(start.Add(50*time.Millisecond)))
}
