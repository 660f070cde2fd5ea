package replication

import "slices"

// TargetMode selects how a NetworkTarget picks peers.
type TargetMode uint8

const (
	TargetNone TargetMode = iota
	TargetAll
	TargetOnly
	TargetAllExcept
)

// NetworkTarget is the audience of a replicated entity. It is resolved against the connected
// peers on every send.
type NetworkTarget struct {
	Mode    TargetMode
	Clients []uint64
}

func All() NetworkTarget {
	return NetworkTarget{Mode: TargetAll}
}

func None() NetworkTarget {
	return NetworkTarget{Mode: TargetNone}
}

func Only(clients ...uint64) NetworkTarget {
	return NetworkTarget{Mode: TargetOnly, Clients: clients}
}

func AllExcept(clients ...uint64) NetworkTarget {
	return NetworkTarget{Mode: TargetAllExcept, Clients: clients}
}

// Includes reports whether client is part of the audience.
func (t NetworkTarget) Includes(client uint64) bool {
	switch t.Mode {
	case TargetAll:
		return true
	case TargetOnly:
		return slices.Contains(t.Clients, client)
	case TargetAllExcept:
		return !slices.Contains(t.Clients, client)
	case TargetNone:
		return false
	default:
		return false
	}
}

// Resolve returns the connected clients in the audience, in the order given.
func (t NetworkTarget) Resolve(connected []uint64) []uint64 {
	out := make([]uint64, 0, len(connected))
	for _, c := range connected {
		if t.Includes(c) {
			out = append(out, c)
		}
	}
	return out
}
