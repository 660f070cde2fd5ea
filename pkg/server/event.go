package server

import (
	"github.com/argus-labs/netcode/pkg/ecs"
	"github.com/argus-labs/netcode/pkg/protocol"
)

// EventKind identifies a server event.
type EventKind uint8

const (
	EventUndefined EventKind = iota
	EventConnected
	EventDisconnected
	EventPrePredictedSpawned // A client's locally spawned entity now exists on the server
	EventResync              // A client asked for the full state
)

func (k EventKind) String() string {
	switch k {
	case EventUndefined:
		return "undefined"
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventPrePredictedSpawned:
		return "pre_predicted_spawned"
	case EventResync:
		return "resync"
	default:
		return "unknown"
	}
}

// Event is something the host may want to react to, drained with Server.Events.
type Event struct {
	Kind   EventKind
	Client uint64
	Reason protocol.DisconnectReason // EventDisconnected
	Entity ecs.EntityID              // EventPrePredictedSpawned
}

// Message is a host message received from a client.
type Message struct {
	Client  uint64
	Kind    protocol.Kind
	Tick    uint16
	Payload []byte
}
