package prediction

import (
	"github.com/argus-labs/netcode/pkg/ecs"
	"github.com/argus-labs/netcode/pkg/tick"
)

// Frame is the state of every predicted entity at one tick.
type Frame map[ecs.EntityID]ecs.Snapshot

// History keeps the predicted frames of the last ticks.
type History struct {
	ring    *tick.Ring[Frame]
	start   tick.Tick
	started bool
	warm    bool // Ticks before start have been evicted, every miss is a real miss
}

func NewHistory(capacity int) (*History, error) {
	ring, err := tick.NewRing[Frame](capacity)
	if err != nil {
		return nil, err
	}
	return &History{ring: ring}, nil
}

// Record captures the given entities at t. Entities that no longer exist are skipped.
func (h *History) Record(world *ecs.World, t tick.Tick, ids []ecs.EntityID) {
	frame := make(Frame, len(ids))
	for _, id := range ids {
		if snap, err := world.Snapshot(id); err == nil {
			frame[id] = snap
		}
	}
	h.ring.Set(t, frame)

	if !h.started {
		h.started = true
		h.start = t
	} else if !h.warm && int(t.Diff(h.start)) >= h.ring.Cap() {
		h.warm = true
	}
}

// Get returns the frame recorded at t.
func (h *History) Get(t tick.Tick) (Frame, bool) {
	return h.ring.Get(t)
}

// BeforeStart reports whether t precedes the first recorded tick, in which case nothing was
// predicted for it.
func (h *History) BeforeStart(t tick.Tick) bool {
	return !h.started || (!h.warm && t.Before(h.start))
}

// Started reports whether any frame was recorded since the last Clear.
func (h *History) Started() bool {
	return h.started
}

// Latest returns the newest recorded tick.
func (h *History) Latest() (tick.Tick, bool) {
	t, _, ok := h.ring.Latest()
	return t, ok
}

func (h *History) Len() int {
	return h.ring.Len()
}

// Cap returns the number of ticks the history can hold.
func (h *History) Cap() int {
	return h.ring.Cap()
}

func (h *History) Clear() {
	h.ring.Clear()
	h.started = false
	h.warm = false
}
