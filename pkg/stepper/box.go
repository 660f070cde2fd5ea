package stepper

import (
	"math"

	"github.com/argus-labs/netcode/pkg/ecs"
	"github.com/argus-labs/netcode/pkg/input"
	"github.com/argus-labs/netcode/pkg/replication"
	"github.com/argus-labs/netcode/pkg/tick"
	"github.com/rotisserie/eris"
)

// BoxAction is an input of the box game.
type BoxAction uint8

const (
	BoxUp BoxAction = iota + 1
	BoxDown
	BoxLeft
	BoxRight
)

func (a BoxAction) String() string {
	switch a {
	case BoxUp:
		return "up"
	case BoxDown:
		return "down"
	case BoxLeft:
		return "left"
	case BoxRight:
		return "right"
	default:
		return "unknown"
	}
}

// BoxSpeed is the distance a box moves per tick while a direction is held.
const BoxSpeed = 0.5

const boxEpsilon = 1e-6

// BoxPosition is where a box is.
type BoxPosition struct {
	X, Y float64
}

func (BoxPosition) Name() string { return "box.position" }

func (p BoxPosition) ApproxEqual(other BoxPosition) bool {
	return math.Abs(p.X-other.X) <= boxEpsilon && math.Abs(p.Y-other.Y) <= boxEpsilon
}

// BoxColor is a cosmetic component. It is never changed by the step function.
type BoxColor struct {
	RGB uint32
}

func (BoxColor) Name() string { return "box.color" }

// Moves counts the ticks a box was moved, so a missed input shows up as a mismatch even when the
// box ends up in the same place.
type Moves struct {
	N int
}

func (Moves) Name() string { return "box.moves" }

// NewBoxRegistry registers the replication builtins and the box components.
func NewBoxRegistry() (*ecs.Registry, error) {
	r := ecs.NewRegistry()
	if err := replication.RegisterBuiltins(r); err != nil {
		return nil, err
	}
	if _, err := ecs.Register[BoxPosition](r); err != nil {
		return nil, err
	}
	if _, err := ecs.Register[BoxColor](r); err != nil {
		return nil, err
	}
	if _, err := ecs.Register[Moves](r); err != nil {
		return nil, err
	}
	return r, nil
}

// BoxStep moves every box with the input of its entity.
func BoxStep(world *ecs.World, _ tick.Tick, inputs input.Inputs[BoxAction]) error {
	r := world.Registry()
	posKind, err := r.KindOf(BoxPosition{})
	if err != nil {
		return err
	}
	for _, id := range world.Query(posKind) {
		in, ok := inputs.Entities[id]
		if !ok {
			continue
		}
		dx, dy := 0.0, 0.0
		if in.Pressed(BoxUp) {
			dy -= BoxSpeed
		}
		if in.Pressed(BoxDown) {
			dy += BoxSpeed
		}
		if in.Pressed(BoxLeft) {
			dx -= BoxSpeed
		}
		if in.Pressed(BoxRight) {
			dx += BoxSpeed
		}
		if dx == 0 && dy == 0 {
			continue
		}

		pos, _ := ecs.Get[BoxPosition](world, id)
		pos.X += dx
		pos.Y += dy
		if err := ecs.Set(world, id, pos); err != nil {
			return eris.Wrapf(err, "failed to move box %d", id)
		}
		moves, _ := ecs.Get[Moves](world, id)
		moves.N++
		if err := ecs.Set(world, id, moves); err != nil {
			return eris.Wrapf(err, "failed to count move of box %d", id)
		}
	}
	return nil
}

// BoxGame spawns a box for every client that connects and removes it when the client leaves.
func BoxGame() Game[BoxAction] {
	return Game[BoxAction]{
		Registry: NewBoxRegistry,
		Step:     BoxStep,
		OnConnected: func(world *ecs.World, client uint64) (ecs.EntityID, error) {
			return world.Spawn(
				BoxPosition{X: float64(client) * 10},
				BoxColor{RGB: uint32(client) * 0x3f5a7b}, //nolint:gosec // cosmetic
				Moves{},
				replication.Controlled{Client: client},
			)
		},
	}
}
