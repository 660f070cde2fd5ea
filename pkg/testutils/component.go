package testutils

import "math"

// Position is a continuous component. Two positions are equal within PositionEpsilon.
type Position struct {
	X, Y float64
}

const PositionEpsilon = 1e-6

func (Position) Name() string {
	return "position"
}

func (p Position) ApproxEqual(other Position) bool {
	return math.Abs(p.X-other.X) <= PositionEpsilon && math.Abs(p.Y-other.Y) <= PositionEpsilon
}

type Velocity struct {
	X, Y float64
}

func (Velocity) Name() string {
	return "velocity"
}

type Health struct {
	Value int
}

func (Health) Name() string {
	return "health"
}

type Label struct {
	Text    string
	Enabled bool
}

func (Label) Name() string {
	return "label"
}
