package input

import (
	"github.com/argus-labs/netcode/pkg/ecs"
	"github.com/argus-labs/netcode/pkg/tick"
)

// Inputs is everything the step function gets for one tick. Entity ids are in the id space of the
// world being stepped.
type Inputs[A Action] struct {
	Entities map[ecs.EntityID]*ActionState[A]
	Globals  map[uint64]*ActionState[A] // Keyed by client id
}

func NewInputs[A Action]() Inputs[A] {
	return Inputs[A]{
		Entities: make(map[ecs.EntityID]*ActionState[A]),
		Globals:  make(map[uint64]*ActionState[A]),
	}
}

// Entity returns the input for id, or an empty state if there is none.
func (in Inputs[A]) Entity(id ecs.EntityID) *ActionState[A] {
	if s, ok := in.Entities[id]; ok {
		return s
	}
	return NewActionState[A]()
}

// Global returns the global input of a client, or an empty state if there is none.
func (in Inputs[A]) Global(client uint64) *ActionState[A] {
	if s, ok := in.Globals[client]; ok {
		return s
	}
	return NewActionState[A]()
}

// StepFunc advances world by one tick. The same function runs on the server, on the client when
// predicting, and again when the client resimulates after a misprediction, so it must depend on
// nothing but the world, the tick and the inputs.
type StepFunc[A Action] func(world *ecs.World, t tick.Tick, inputs Inputs[A]) error
