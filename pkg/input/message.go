package input

import (
	"strconv"

	"github.com/argus-labs/netcode/pkg/internal/schema"
	"github.com/argus-labs/netcode/pkg/tick"
	"github.com/rotisserie/eris"
)

// TargetKind says who an input window belongs to.
type TargetKind uint8

const (
	TargetUndefined TargetKind = iota
	// TargetEntity is an entity in the server's id space.
	TargetEntity
	// TargetPrePredicted is a client-spawned entity the client has no server id for yet.
	TargetPrePredicted
	// TargetGlobal is input not bound to any entity.
	TargetGlobal
)

func (k TargetKind) String() string {
	switch k {
	case TargetUndefined:
		return "undefined"
	case TargetEntity:
		return "entity"
	case TargetPrePredicted:
		return "pre_predicted"
	case TargetGlobal:
		return "global"
	default:
		return "unknown"
	}
}

// Target identifies the owner of an input window.
type Target struct {
	Kind   TargetKind
	Entity uint32
}

func (t Target) String() string {
	if t.Kind == TargetGlobal {
		return t.Kind.String()
	}
	return t.Kind.String() + ":" + strconv.FormatUint(uint64(t.Entity), 10)
}

func EntityTarget(id uint32) Target {
	return Target{Kind: TargetEntity, Entity: id}
}

func PrePredictedTarget(local uint32) Target {
	return Target{Kind: TargetPrePredicted, Entity: local}
}

func GlobalTarget() Target {
	return Target{Kind: TargetGlobal}
}

// Window is the diffs of one target for consecutive ticks ending at the message's end tick.
type Window[A Action] struct {
	Target Target
	Diffs  [][]Diff[A]
}

// Start returns the tick of the first entry of the window.
func (w Window[A]) Start(end tick.Tick) tick.Tick {
	return end.Sub(int16(len(w.Diffs) - 1)) //nolint:gosec // windows are bounded by the buffer size
}

// Message carries redundant input windows from a client.
type Message[A Action] struct {
	End     uint16
	Windows []Window[A]
}

func (m Message[A]) EndTick() tick.Tick {
	return tick.Tick(m.End)
}

func (m Message[A]) Encode() ([]byte, error) {
	return schema.SerializeCompact(m)
}

// DecodeMessage parses an input message.
func DecodeMessage[A Action](data []byte) (Message[A], error) {
	var m Message[A]
	if err := schema.DeserializeCompact(data, &m); err != nil {
		return Message[A]{}, eris.Wrap(err, "failed to decode input message")
	}
	for _, w := range m.Windows {
		if w.Target.Kind == TargetUndefined || w.Target.Kind > TargetGlobal {
			return Message[A]{}, eris.Errorf("invalid input target kind %d", w.Target.Kind)
		}
		if len(w.Diffs) > tick.MaxRingCapacity {
			return Message[A]{}, eris.New("input window too long")
		}
	}
	return m, nil
}
