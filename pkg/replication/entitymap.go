package replication

import (
	"maps"
	"slices"

	"github.com/argus-labs/netcode/pkg/ecs"
	"github.com/rotisserie/eris"
)

var ErrAlreadyMapped = eris.New("entity already mapped")

// EntityMap is a bijection between the server's entity ids and the client's.
type EntityMap struct {
	toLocal  map[uint32]ecs.EntityID
	toRemote map[ecs.EntityID]uint32
}

func NewEntityMap() *EntityMap {
	return &EntityMap{
		toLocal:  make(map[uint32]ecs.EntityID),
		toRemote: make(map[ecs.EntityID]uint32),
	}
}

// Insert maps remote to local. It fails if either side is already mapped.
func (m *EntityMap) Insert(remote uint32, local ecs.EntityID) error {
	if l, ok := m.toLocal[remote]; ok {
		return eris.Wrapf(ErrAlreadyMapped, "remote %d is mapped to %d", remote, l)
	}
	if r, ok := m.toRemote[local]; ok {
		return eris.Wrapf(ErrAlreadyMapped, "local %d is mapped to %d", local, r)
	}
	m.toLocal[remote] = local
	m.toRemote[local] = remote
	return nil
}

func (m *EntityMap) Local(remote uint32) (ecs.EntityID, bool) {
	l, ok := m.toLocal[remote]
	return l, ok
}

func (m *EntityMap) Remote(local ecs.EntityID) (uint32, bool) {
	r, ok := m.toRemote[local]
	return r, ok
}

// RemoveRemote unmaps remote and returns the local id it was mapped to.
func (m *EntityMap) RemoveRemote(remote uint32) (ecs.EntityID, bool) {
	l, ok := m.toLocal[remote]
	if !ok {
		return 0, false
	}
	delete(m.toLocal, remote)
	delete(m.toRemote, l)
	return l, true
}

// RemoveLocal unmaps local and returns the remote id it was mapped to.
func (m *EntityMap) RemoveLocal(local ecs.EntityID) (uint32, bool) {
	r, ok := m.toRemote[local]
	if !ok {
		return 0, false
	}
	delete(m.toRemote, local)
	delete(m.toLocal, r)
	return r, true
}

func (m *EntityMap) Len() int {
	return len(m.toLocal)
}

// Locals returns every mapped local id in ascending order.
func (m *EntityMap) Locals() []ecs.EntityID {
	return slices.Sorted(maps.Keys(m.toRemote))
}

func (m *EntityMap) Clear() {
	clear(m.toLocal)
	clear(m.toRemote)
}
