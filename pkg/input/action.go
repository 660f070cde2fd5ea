// Package input records per-tick action states, encodes them as diffs, and carries them to the
// server in redundant windows.
package input

import (
	"maps"
	"slices"
)

// Action is the host's action type, typically an enum.
type Action interface {
	~uint8 | ~uint16 | ~uint32 | ~int | ~int32 | ~string
}

// Axis is a two dimensional analog value such as a stick position.
type Axis struct {
	X float32
	Y float32
}

// ActionData is the state of one action.
type ActionData struct {
	Pressed      bool
	Value        float32
	Axis         Axis
	JustPressed  bool
	JustReleased bool
}

// ActionState is the state of every action of one owner at one tick. The zero value is not usable,
// use NewActionState.
type ActionState[A Action] struct {
	actions map[A]*ActionData
}

func NewActionState[A Action]() *ActionState[A] {
	return &ActionState[A]{actions: make(map[A]*ActionData)}
}

func (s *ActionState[A]) data(a A) *ActionData {
	d, ok := s.actions[a]
	if !ok {
		d = &ActionData{}
		s.actions[a] = d
	}
	return d
}

// Press presses a. Pressing a held action does nothing.
//
// The just-pressed and just-released flags describe the change since the previous tick, so an
// action released and pressed again within one tick counts as held.
func (s *ActionState[A]) Press(a A) {
	d := s.data(a)
	if d.Pressed {
		return
	}
	d.Pressed = true
	d.JustPressed = !d.JustReleased
	d.JustReleased = false
}

// Release releases a and clears its analog values.
func (s *ActionState[A]) Release(a A) {
	d := s.data(a)
	if !d.Pressed {
		return
	}
	*d = ActionData{JustReleased: !d.JustPressed}
}

// SetValue sets the analog value of a and presses it.
func (s *ActionState[A]) SetValue(a A, value float32) {
	s.Press(a)
	s.actions[a].Value = value
}

// SetAxisPair sets the two dimensional value of a and presses it.
func (s *ActionState[A]) SetAxisPair(a A, axis Axis) {
	s.Press(a)
	s.actions[a].Axis = axis
}

func (s *ActionState[A]) Pressed(a A) bool {
	d, ok := s.actions[a]
	return ok && d.Pressed
}

func (s *ActionState[A]) JustPressed(a A) bool {
	d, ok := s.actions[a]
	return ok && d.JustPressed
}

func (s *ActionState[A]) JustReleased(a A) bool {
	d, ok := s.actions[a]
	return ok && d.JustReleased
}

func (s *ActionState[A]) Value(a A) float32 {
	if d, ok := s.actions[a]; ok {
		return d.Value
	}
	return 0
}

func (s *ActionState[A]) AxisPair(a A) Axis {
	if d, ok := s.actions[a]; ok {
		return d.Axis
	}
	return Axis{}
}

// Tick clears the just-pressed and just-released flags. Called when the state is carried over to
// the next tick.
func (s *ActionState[A]) Tick() {
	for _, d := range s.actions {
		d.JustPressed = false
		d.JustReleased = false
	}
}

// Actions returns every action the state knows about in sorted order.
func (s *ActionState[A]) Actions() []A {
	return slices.Sorted(maps.Keys(s.actions))
}

// PressedActions returns the pressed actions in sorted order.
func (s *ActionState[A]) PressedActions() []A {
	var pressed []A
	for _, a := range s.Actions() {
		if s.actions[a].Pressed {
			pressed = append(pressed, a)
		}
	}
	return pressed
}

// Apply replays diffs onto the state.
func (s *ActionState[A]) Apply(diffs []Diff[A]) {
	for _, d := range diffs {
		switch d.Kind {
		case DiffPressed:
			s.Press(d.Action)
		case DiffReleased:
			s.Release(d.Action)
		case DiffValueChanged:
			s.SetValue(d.Action, d.Value)
		case DiffAxisPairChanged:
			s.SetAxisPair(d.Action, d.Axis)
		case DiffUndefined:
		}
	}
}

func (s *ActionState[A]) Clone() *ActionState[A] {
	c := &ActionState[A]{actions: make(map[A]*ActionData, len(s.actions))}
	for a, d := range s.actions {
		copied := *d
		c.actions[a] = &copied
	}
	return c
}

// Equal compares the pressed actions and their values. Released actions that were never pressed
// are indistinguishable from unknown ones.
func (s *ActionState[A]) Equal(other *ActionState[A]) bool {
	for _, a := range union(s, other) {
		if s.get(a) != other.get(a) {
			return false
		}
	}
	return true
}

func (s *ActionState[A]) get(a A) ActionData {
	if d, ok := s.actions[a]; ok {
		return *d
	}
	return ActionData{}
}

func union[A Action](a, b *ActionState[A]) []A {
	keys := slices.Collect(maps.Keys(a.actions))
	for k := range b.actions {
		if _, ok := a.actions[k]; !ok {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys
}
