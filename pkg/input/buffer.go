package input

import "github.com/argus-labs/netcode/pkg/tick"

// Buffer holds one owner's action state per tick.
type Buffer[A Action] struct {
	ring *tick.Ring[*ActionState[A]]
}

func NewBuffer[A Action](capacity int) (*Buffer[A], error) {
	ring, err := tick.NewRing[*ActionState[A]](capacity)
	if err != nil {
		return nil, err
	}
	return &Buffer[A]{ring: ring}, nil
}

// Set stores a copy of state at t, overwriting what was there.
func (b *Buffer[A]) Set(t tick.Tick, state *ActionState[A]) {
	b.ring.Set(t, state.Clone())
}

// Get returns the state stored at t. The returned state must not be modified.
func (b *Buffer[A]) Get(t tick.Tick) (*ActionState[A], bool) {
	return b.ring.Get(t)
}

// Last returns the newest stored state.
func (b *Buffer[A]) Last() (tick.Tick, *ActionState[A], bool) {
	return b.ring.Latest()
}

// Pop evicts every entry strictly older than upto.
func (b *Buffer[A]) Pop(upto tick.Tick) {
	b.ring.Pop(upto)
}

func (b *Buffer[A]) Len() int {
	return b.ring.Len()
}

func (b *Buffer[A]) Clear() {
	b.ring.Clear()
}

// DiffBuffer holds one owner's diffs per tick.
type DiffBuffer[A Action] struct {
	ring *tick.Ring[[]Diff[A]]
}

func NewDiffBuffer[A Action](capacity int) (*DiffBuffer[A], error) {
	ring, err := tick.NewRing[[]Diff[A]](capacity)
	if err != nil {
		return nil, err
	}
	return &DiffBuffer[A]{ring: ring}, nil
}

func (b *DiffBuffer[A]) Set(t tick.Tick, diffs []Diff[A]) {
	b.ring.Set(t, diffs)
}

func (b *DiffBuffer[A]) Get(t tick.Tick) ([]Diff[A], bool) {
	return b.ring.Get(t)
}

// Oldest returns the oldest retained tick.
func (b *DiffBuffer[A]) Oldest() (tick.Tick, bool) {
	return b.ring.Oldest()
}

func (b *DiffBuffer[A]) Pop(upto tick.Tick) {
	b.ring.Pop(upto)
}

func (b *DiffBuffer[A]) Len() int {
	return b.ring.Len()
}

func (b *DiffBuffer[A]) Clear() {
	b.ring.Clear()
}
