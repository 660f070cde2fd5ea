package ecs

import "github.com/rotisserie/eris"

var (
	// ErrEntityNotFound is returned when attempting to operate on a non-existent entity.
	ErrEntityNotFound = eris.New("entity does not exist")

	// ErrComponentNotFound is returned for a component type or kind that was never registered.
	ErrComponentNotFound = eris.New("component is not registered")

	// ErrDuplicateComponent is returned when the same component kind appears twice in one call.
	ErrDuplicateComponent = eris.New("duplicate component")

	// ErrMaxEntities is returned when the entity ID space is exhausted.
	ErrMaxEntities = eris.New("max number of entities exceeded")
)
