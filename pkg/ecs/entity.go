package ecs

import (
	"math"
	"slices"

	"github.com/kelindar/bitmap"
)

// EntityID is a unique identifier for an entity within one world.
type EntityID uint32

// MaxEntityID is the maximum entity ID that can be created.
const MaxEntityID = math.MaxUint32 - 1

// record holds one entity's components. kinds mirrors the keys of comps so set operations
// (queries, diffs) don't need to walk the map.
type record struct {
	kinds bitmap.Bitmap
	comps map[Kind]Component
}

func newRecord() *record {
	return &record{comps: make(map[Kind]Component)}
}

func (r *record) set(kind Kind, c Component) {
	r.kinds.Set(uint32(kind))
	r.comps[kind] = c
}

func (r *record) remove(kind Kind) {
	r.kinds.Remove(uint32(kind))
	delete(r.comps, kind)
}

// sorted returns the components ordered by kind.
func (r *record) sorted() []Component {
	out := make([]Component, 0, len(r.comps))
	r.kinds.Range(func(k uint32) {
		out = append(out, r.comps[Kind(k)]) //nolint:gosec // kinds < MaxKinds
	})
	return out
}

// entityManager allocates entity IDs and indexes their records. IDs are handed out sequentially
// and never recycled, so a delayed message can't address a newer entity that reused an ID.
type entityManager struct {
	nextID  EntityID             // The next ID to allocate
	records map[EntityID]*record // Live entities
}

func newEntityManager() entityManager {
	return entityManager{
		nextID:  0,
		records: make(map[EntityID]*record),
	}
}

// new returns a new entity ID with an empty record.
func (em *entityManager) new() (EntityID, *record, error) {
	id := em.nextID
	if id > MaxEntityID {
		return 0, nil, ErrMaxEntities
	}
	em.nextID++

	rec := newRecord()
	em.records[id] = rec
	return id, rec, nil
}

func (em *entityManager) remove(id EntityID) error {
	if !em.isAlive(id) {
		return ErrEntityNotFound
	}
	delete(em.records, id)
	return nil
}

func (em *entityManager) isAlive(id EntityID) bool {
	_, exists := em.records[id]
	return exists
}

// get returns the record of a live entity.
// Returns ErrEntityNotFound if the entity does not exist.
func (em *entityManager) get(id EntityID) (*record, error) {
	rec, exists := em.records[id]
	if !exists {
		return nil, ErrEntityNotFound
	}
	return rec, nil
}

// ids returns every live entity in ascending order.
func (em *entityManager) ids() []EntityID {
	out := make([]EntityID, 0, len(em.records))
	for id := range em.records {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}
