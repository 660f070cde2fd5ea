// Package replication carries the server's entities to clients: the sender diffs each replicated
// entity against what every peer last received, the receiver applies the resulting messages to
// the client's world through an entity map.
package replication

import (
	"github.com/argus-labs/netcode/pkg/ecs"
	"github.com/argus-labs/netcode/pkg/internal/schema"
	"github.com/rotisserie/eris"
)

// Action is the kind of a replication message.
type Action uint8

const (
	ActionUndefined Action = iota
	ActionSpawn
	ActionDespawn
	ActionInsert
	ActionRemove
	ActionUpdate
)

func (a Action) String() string {
	switch a {
	case ActionUndefined:
		return "undefined"
	case ActionSpawn:
		return "spawn"
	case ActionDespawn:
		return "despawn"
	case ActionInsert:
		return "insert"
	case ActionRemove:
		return "remove"
	case ActionUpdate:
		return "update"
	default:
		return "unknown"
	}
}

// isAction reports whether a travels on the entity actions channel.
func (a Action) isAction() bool {
	return a >= ActionSpawn && a <= ActionRemove
}

// Message is one change to one entity. Entity is in the sender's id space. Components is set for
// Spawn, Insert and Update, Kinds for Remove.
//
// Seq numbers the actions one peer received for the entity, starting at 1 with the Spawn. On an
// Update it is the Seq of the last action sent before it: actions and updates travel on separate
// channels, and the receiver holds an update back until it has applied that action.
type Message struct {
	Action     Action
	Entity     uint32
	Seq        uint32
	Components []ecs.EncodedComponent
	Kinds      []ecs.Kind
}

// Batch is the payload of an entity actions or entity updates envelope.
type Batch struct {
	Messages []Message
}

// batchOverhead is an upper bound on the bytes a batch adds around its messages.
const batchOverhead = 8

// EncodeBatches packs msgs into as few batches as possible with every encoded batch at most
// maxBytes long. Message order is preserved.
func EncodeBatches(msgs []Message, maxBytes int) ([][]byte, error) {
	var out [][]byte
	var current []Message
	size := batchOverhead

	flush := func() error {
		if len(current) == 0 {
			return nil
		}
		data, err := schema.SerializeCompact(Batch{Messages: current})
		if err != nil {
			return eris.Wrap(err, "failed to encode replication batch")
		}
		out = append(out, data)
		current = nil
		size = batchOverhead
		return nil
	}

	for _, m := range msgs {
		encoded, err := schema.SerializeCompact(m)
		if err != nil {
			return nil, eris.Wrapf(err, "failed to encode %s for entity %d", m.Action, m.Entity)
		}
		if len(encoded)+batchOverhead > maxBytes {
			return nil, eris.Errorf("%s for entity %d is %d bytes, larger than a packet", m.Action, m.Entity, len(encoded))
		}
		if size+len(encoded) > maxBytes {
			if err := flush(); err != nil {
				return nil, err
			}
		}
		current = append(current, m)
		size += len(encoded)
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return out, nil
}

// DecodeBatch parses a batch.
func DecodeBatch(data []byte) (Batch, error) {
	var b Batch
	if err := schema.DeserializeCompact(data, &b); err != nil {
		return Batch{}, eris.Wrap(err, "failed to decode replication batch")
	}
	return b, nil
}

// PrePredictedSpawn asks the server to take over an entity the client spawned locally.
type PrePredictedSpawn struct {
	ClientEntity uint32
	Components   []ecs.EncodedComponent
}
