package replication

import "github.com/argus-labs/netcode/pkg/ecs"

// Controlled marks the client that controls an entity. That client predicts it, everyone else
// interpolates it.
type Controlled struct {
	Client uint64
}

func (Controlled) Name() string { return "netcode.controlled" }

// PrePredicted is attached by the server to an entity a client spawned locally. ClientEntity is the
// id the entity has in that client's world.
type PrePredicted struct {
	ClientEntity uint32
}

func (PrePredicted) Name() string { return "netcode.pre_predicted" }

// RegisterBuiltins registers the components the engine itself replicates. Both peers must call it
// before registering their own components.
func RegisterBuiltins(r *ecs.Registry) error {
	if _, err := ecs.Register[Controlled](r); err != nil {
		return err
	}
	if _, err := ecs.Register[PrePredicted](r); err != nil {
		return err
	}
	return nil
}
