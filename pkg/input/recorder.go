package input

import (
	"github.com/argus-labs/netcode/pkg/tick"
	"github.com/rotisserie/eris"
)

// Recorder keeps the action states and diffs of one locally controlled owner.
type Recorder[A Action] struct {
	states *Buffer[A]
	diffs  *DiffBuffer[A]
	gen    *DiffGenerator[A]
}

func NewRecorder[A Action](cfg Config) (*Recorder[A], error) {
	states, err := NewBuffer[A](cfg.BufferTicks)
	if err != nil {
		return nil, eris.Wrap(err, "failed to create input buffer")
	}
	diffs, err := NewDiffBuffer[A](cfg.BufferTicks)
	if err != nil {
		return nil, eris.Wrap(err, "failed to create diff buffer")
	}
	return &Recorder[A]{states: states, diffs: diffs, gen: NewDiffGenerator[A](cfg.SendDiffsOnly)}, nil
}

// Record stores the state for t and the diffs against the previously recorded state.
func (r *Recorder[A]) Record(t tick.Tick, state *ActionState[A]) {
	r.states.Set(t, state)
	r.diffs.Set(t, r.gen.Generate(state))
}

// State returns the state recorded for t. Ticks that were never recorded hold the newest older
// state with its just-pressed and just-released flags cleared.
func (r *Recorder[A]) State(t tick.Tick) (*ActionState[A], bool) {
	if s, ok := r.states.Get(t); ok {
		return s, true
	}
	last, s, ok := r.states.Last()
	if !ok || !t.After(last) {
		return nil, false
	}
	held := s.Clone()
	held.Tick()
	return held, true
}

// Window returns the diffs for the ticks up to end, at most length of them, starting no earlier
// than the oldest recorded tick. Unrecorded ticks in between are empty.
func (r *Recorder[A]) Window(end tick.Tick, length int) [][]Diff[A] {
	oldest, ok := r.diffs.Oldest()
	if !ok || oldest.After(end) {
		return nil
	}
	start := end.Sub(int16(length - 1)) //nolint:gosec // length is bounded by the buffer size
	if start.Before(oldest) {
		start = oldest
	}
	window := make([][]Diff[A], 0, end.Diff(start)+1)
	tick.Range(start, end, func(t tick.Tick) bool {
		diffs, _ := r.diffs.Get(t)
		window = append(window, diffs)
		return true
	})
	return window
}

// Pop evicts everything older than upto.
func (r *Recorder[A]) Pop(upto tick.Tick) {
	r.states.Pop(upto)
	r.diffs.Pop(upto)
}

// Len returns the number of recorded ticks.
func (r *Recorder[A]) Len() int {
	return r.states.Len()
}

// Source is a recorder and the target its inputs are sent as.
type Source[A Action] struct {
	Target   Target
	Recorder *Recorder[A]
}

// BuildMessage packs the last length ticks of every source into one message ending at end.
// Sources with nothing recorded in range are skipped.
func BuildMessage[A Action](end tick.Tick, length int, sources []Source[A]) Message[A] {
	msg := Message[A]{End: uint16(end)}
	for _, src := range sources {
		if w := src.Recorder.Window(end, length); len(w) > 0 {
			msg.Windows = append(msg.Windows, Window[A]{Target: src.Target, Diffs: w})
		}
	}
	return msg
}
