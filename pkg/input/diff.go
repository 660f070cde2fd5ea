package input

// DiffKind is the type of change an action went through between two ticks.
type DiffKind uint8

const (
	DiffUndefined DiffKind = iota
	DiffPressed
	DiffReleased
	DiffValueChanged
	DiffAxisPairChanged
)

func (k DiffKind) String() string {
	switch k {
	case DiffUndefined:
		return "undefined"
	case DiffPressed:
		return "pressed"
	case DiffReleased:
		return "released"
	case DiffValueChanged:
		return "value_changed"
	case DiffAxisPairChanged:
		return "axis_pair_changed"
	default:
		return "unknown"
	}
}

// Diff is one change to one action.
type Diff[A Action] struct {
	Kind   DiffKind
	Action A
	Value  float32
	Axis   Axis
}

// DiffGenerator turns consecutive action states into diffs.
type DiffGenerator[A Action] struct {
	previous  *ActionState[A]
	diffsOnly bool
}

// NewDiffGenerator returns a generator. With diffsOnly unset every tick carries the full pressed
// set and every released action.
func NewDiffGenerator[A Action](diffsOnly bool) *DiffGenerator[A] {
	return &DiffGenerator[A]{previous: NewActionState[A](), diffsOnly: diffsOnly}
}

// Generate returns the diffs that turn the previous state into current, then remembers current.
func (g *DiffGenerator[A]) Generate(current *ActionState[A]) []Diff[A] {
	var diffs []Diff[A]
	for _, a := range union(g.previous, current) {
		prev, cur := g.previous.get(a), current.get(a)
		if !cur.Pressed {
			if prev.Pressed || !g.diffsOnly {
				diffs = append(diffs, Diff[A]{Kind: DiffReleased, Action: a})
			}
			continue
		}

		axis := cur.Axis != prev.Axis || (!g.diffsOnly && cur.Axis != Axis{})
		value := cur.Value != prev.Value || (!g.diffsOnly && cur.Value != 0)
		if axis {
			diffs = append(diffs, Diff[A]{Kind: DiffAxisPairChanged, Action: a, Axis: cur.Axis})
		}
		if value {
			diffs = append(diffs, Diff[A]{Kind: DiffValueChanged, Action: a, Value: cur.Value})
		}
		if !axis && !value && (!prev.Pressed || !g.diffsOnly) {
			diffs = append(diffs, Diff[A]{Kind: DiffPressed, Action: a})
		}
	}
	g.previous = current.Clone()
	return diffs
}

// Reset forgets the previous state so the next Generate starts from nothing pressed.
func (g *DiffGenerator[A]) Reset() {
	g.previous = NewActionState[A]()
}
