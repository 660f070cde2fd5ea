package client

import (
	"github.com/argus-labs/netcode/pkg/ecs"
	"github.com/argus-labs/netcode/pkg/protocol"
	"github.com/argus-labs/netcode/pkg/tick"
)

// State is the connection state.
type State uint8

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// EventKind identifies a client event.
type EventKind uint8

const (
	EventUndefined EventKind = iota
	EventConnected
	EventDisconnected // Also sent when connecting fails
	EventSynced       // The clock is synced and prediction started
	EventSpawned      // A replicated entity appeared
	EventDespawned    // A replicated entity is gone
	EventBound        // The server confirmed a pre-predicted entity
	EventRollback     // Predicted state was corrected
	EventDesync       // Prediction could not be repaired, a resync was requested
	EventResync       // Replicated state was discarded ahead of a full resend
)

func (k EventKind) String() string {
	switch k {
	case EventUndefined:
		return "undefined"
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventSynced:
		return "synced"
	case EventSpawned:
		return "spawned"
	case EventDespawned:
		return "despawned"
	case EventBound:
		return "bound"
	case EventRollback:
		return "rollback"
	case EventDesync:
		return "desync"
	case EventResync:
		return "resync"
	default:
		return "unknown"
	}
}

// Event is something the host may want to react to, drained with Client.Events.
type Event struct {
	Kind   EventKind
	Reason protocol.DisconnectReason // EventDisconnected
	Entity ecs.EntityID              // EventSpawned, EventDespawned, EventBound
	Tick   tick.Tick                 // EventRollback: the corrected tick
}

// Message is a host message received from the server.
type Message struct {
	Kind    protocol.Kind
	Tick    uint16
	Payload []byte
}
