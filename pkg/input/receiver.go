package input

import (
	"cmp"
	"maps"
	"slices"

	"github.com/argus-labs/netcode/pkg/tick"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// Receiver rebuilds a remote peer's action states from its input messages.
type Receiver[A Action] struct {
	capacity int
	log      zerolog.Logger
	targets  map[Target]*remote[A]
	gaps     int
}

type remote[A Action] struct {
	states *Buffer[A]
	last   tick.Tick
	state  *ActionState[A] // State at last
}

func NewReceiver[A Action](cfg Config, logger zerolog.Logger) *Receiver[A] {
	return &Receiver[A]{capacity: cfg.BufferTicks, log: logger, targets: make(map[Target]*remote[A])}
}

// Receive applies every window of msg. Ticks that are already known are skipped, so redundant
// copies of the same tick are harmless. Allow filters the targets the peer may send for.
func (r *Receiver[A]) Receive(msg Message[A], allow func(Target) bool) error {
	end := msg.EndTick()
	for _, w := range msg.Windows {
		if allow != nil && !allow(w.Target) {
			continue
		}
		rem, err := r.remote(w.Target)
		if err != nil {
			return err
		}

		start := w.Start(end)
		for i, diffs := range w.Diffs {
			t := start.Add(int16(i)) //nolint:gosec // windows are bounded by the buffer size
			if rem.state != nil && !t.After(rem.last) {
				continue
			}
			if rem.state != nil && t.Diff(rem.last) > 1 {
				r.gaps++
				r.log.Debug().
					Stringer("target", w.Target).
					Uint16("from", uint16(rem.last)).
					Uint16("to", uint16(t)).
					Msg("input gap, holding last state")
			}

			next := NewActionState[A]()
			if rem.state != nil {
				next = rem.state.Clone()
				next.Tick()
			}
			next.Apply(diffs)
			rem.states.Set(t, next)
			rem.state = next
			rem.last = t
		}
	}
	return nil
}

func (r *Receiver[A]) remote(target Target) (*remote[A], error) {
	if rem, ok := r.targets[target]; ok {
		return rem, nil
	}
	states, err := NewBuffer[A](r.capacity)
	if err != nil {
		return nil, eris.Wrap(err, "failed to create input buffer")
	}
	rem := &remote[A]{states: states}
	r.targets[target] = rem
	return rem, nil
}

// Get returns the state of target at t. When input for t has not arrived yet the newest state is
// held. It reports false when nothing usable is known.
func (r *Receiver[A]) Get(target Target, t tick.Tick) (*ActionState[A], bool) {
	rem, ok := r.targets[target]
	if !ok || rem.state == nil {
		return nil, false
	}
	if s, ok := rem.states.Get(t); ok {
		return s, true
	}
	if t.After(rem.last) {
		held := rem.state.Clone()
		held.Tick()
		return held, true
	}
	return nil, false
}

// Last returns the newest tick received for target.
func (r *Receiver[A]) Last(target Target) (tick.Tick, bool) {
	rem, ok := r.targets[target]
	if !ok || rem.state == nil {
		return 0, false
	}
	return rem.last, true
}

// Remove forgets a target, e.g. when its entity is despawned.
func (r *Receiver[A]) Remove(target Target) {
	delete(r.targets, target)
}

// Targets returns the known targets in a stable order.
func (r *Receiver[A]) Targets() []Target {
	return slices.SortedFunc(maps.Keys(r.targets), func(a, b Target) int {
		if a.Kind != b.Kind {
			return cmp.Compare(a.Kind, b.Kind)
		}
		return cmp.Compare(a.Entity, b.Entity)
	})
}

// Pop evicts every state older than upto. The newest state is kept so it can still be held.
func (r *Receiver[A]) Pop(upto tick.Tick) {
	for _, rem := range r.targets {
		rem.states.Pop(upto)
	}
}

// Gaps returns how many times input was missing for a tick.
func (r *Receiver[A]) Gaps() int {
	return r.gaps
}
