package ecs

import (
	"crypto/sha256"

	"github.com/argus-labs/netcode/pkg/assert"
	"github.com/argus-labs/netcode/pkg/internal/schema"
	"github.com/goccy/go-json"
	"github.com/kelindar/bitmap"
	"github.com/rotisserie/eris"
)

// World is the entity/component store that the host's step function reads and writes. Both the
// authoritative server and every predicting client hold one. It is owned by a single loop and is
// not safe for concurrent use.
type World struct {
	registry *Registry
	entities entityManager
}

// NewWorld creates an empty world over the given registry.
func NewWorld(registry *Registry) *World {
	assert.That(registry != nil, "registry must not be nil")
	return &World{
		registry: registry,
		entities: newEntityManager(),
	}
}

// Registry returns the component registry of the world.
func (w *World) Registry() *Registry {
	return w.registry
}

// -------------------------------------------------------------------------------------------------
// Entity operations
// -------------------------------------------------------------------------------------------------

// Spawn creates an entity holding comps.
func (w *World) Spawn(comps ...Component) (EntityID, error) {
	kinds, err := w.kindsOf(comps)
	if err != nil {
		return 0, err
	}

	id, rec, err := w.entities.new()
	if err != nil {
		return 0, err
	}
	for i, c := range comps {
		rec.set(kinds[i], c)
	}
	return id, nil
}

// Despawn removes an entity and all of its components.
func (w *World) Despawn(id EntityID) error {
	return w.entities.remove(id)
}

// Alive reports whether id refers to a live entity.
func (w *World) Alive(id EntityID) bool {
	return w.entities.isAlive(id)
}

// Len returns the number of live entities.
func (w *World) Len() int {
	return len(w.entities.records)
}

// Entities returns every live entity in ascending order.
func (w *World) Entities() []EntityID {
	return w.entities.ids()
}

// Query returns, in ascending order, every entity that has all of the given kinds.
func (w *World) Query(kinds ...Kind) []EntityID {
	var want bitmap.Bitmap
	for _, k := range kinds {
		want.Set(uint32(k))
	}

	out := make([]EntityID, 0)
	for _, id := range w.entities.ids() {
		rec := w.entities.records[id]
		intersect := want.Clone(nil)
		intersect.And(rec.kinds)
		if intersect.Count() == want.Count() {
			out = append(out, id)
		}
	}
	return out
}

// -------------------------------------------------------------------------------------------------
// Component operations
// -------------------------------------------------------------------------------------------------

// Insert adds comps to an entity, replacing components of the same kind.
func (w *World) Insert(id EntityID, comps ...Component) error {
	rec, err := w.entities.get(id)
	if err != nil {
		return err
	}
	kinds, err := w.kindsOf(comps)
	if err != nil {
		return err
	}
	for i, c := range comps {
		rec.set(kinds[i], c)
	}
	return nil
}

// Remove deletes the given kinds from an entity. Kinds the entity doesn't have are ignored.
func (w *World) Remove(id EntityID, kinds ...Kind) error {
	rec, err := w.entities.get(id)
	if err != nil {
		return err
	}
	for _, k := range kinds {
		rec.remove(k)
	}
	return nil
}

// Get returns the component of the given kind.
func (w *World) Get(id EntityID, kind Kind) (Component, bool) {
	rec, err := w.entities.get(id)
	if err != nil {
		return nil, false
	}
	c, ok := rec.comps[kind]
	return c, ok
}

// Has reports whether the entity has a component of the given kind.
func (w *World) Has(id EntityID, kind Kind) bool {
	_, ok := w.Get(id, kind)
	return ok
}

// Kinds returns a copy of the entity's component set.
func (w *World) Kinds(id EntityID) (bitmap.Bitmap, error) {
	rec, err := w.entities.get(id)
	if err != nil {
		return nil, err
	}
	return rec.kinds.Clone(nil), nil
}

// Components returns the entity's components ordered by kind.
func (w *World) Components(id EntityID) ([]Component, error) {
	rec, err := w.entities.get(id)
	if err != nil {
		return nil, err
	}
	return rec.sorted(), nil
}

// Get returns the component of type T attached to the entity.
func Get[T Component](w *World, id EntityID) (T, bool) {
	var zero T
	kind, err := w.registry.KindOf(zero)
	if err != nil {
		return zero, false
	}
	c, ok := w.Get(id, kind)
	if !ok {
		return zero, false
	}
	v, ok := c.(T)
	return v, ok
}

// Set attaches c to the entity, replacing any component of the same type.
func Set[T Component](w *World, id EntityID, c T) error {
	return w.Insert(id, c)
}

func (w *World) kindsOf(comps []Component) ([]Kind, error) {
	kinds := make([]Kind, len(comps))
	var seen bitmap.Bitmap
	for i, c := range comps {
		kind, err := w.registry.KindOf(c)
		if err != nil {
			return nil, err
		}
		if seen.Contains(uint32(kind)) {
			return nil, eris.Wrapf(ErrDuplicateComponent, "component %s", c.Name())
		}
		seen.Set(uint32(kind))
		kinds[i] = kind
	}
	return kinds, nil
}

// -------------------------------------------------------------------------------------------------
// Snapshots
// -------------------------------------------------------------------------------------------------

// Snapshot is an entity's full component set ordered by kind. Components are values, so a snapshot
// is unaffected by later writes to the world.
type Snapshot []Component

// Snapshot captures the entity's current components.
func (w *World) Snapshot(id EntityID) (Snapshot, error) {
	comps, err := w.Components(id)
	if err != nil {
		return nil, err
	}
	return Snapshot(comps), nil
}

// Restore replaces the entity's component set with snap exactly: kinds missing from snap are
// removed.
func (w *World) Restore(id EntityID, snap Snapshot) error {
	rec, err := w.entities.get(id)
	if err != nil {
		return err
	}
	kinds, err := w.kindsOf(snap)
	if err != nil {
		return err
	}
	fresh := newRecord()
	for i, c := range snap {
		fresh.set(kinds[i], c)
	}
	*rec = *fresh
	return nil
}

// SnapshotsEqual compares two snapshots kind by kind using the registry's equality.
func (r *Registry) SnapshotsEqual(a, b Snapshot) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !r.Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}

// -------------------------------------------------------------------------------------------------
// Serialization
// -------------------------------------------------------------------------------------------------

type worldData struct {
	NextID   EntityID
	Entities []entityData
}

type entityData struct {
	ID         EntityID
	Components []EncodedComponent
}

// Serialize encodes the whole world deterministically: entities ascending, components by kind.
func (w *World) Serialize() ([]byte, error) {
	data := worldData{
		NextID:   w.entities.nextID,
		Entities: make([]entityData, 0, w.Len()),
	}
	for _, id := range w.entities.ids() {
		encoded, err := w.registry.EncodeAll(w.entities.records[id].sorted())
		if err != nil {
			return nil, eris.Wrapf(err, "failed to encode entity %d", id)
		}
		data.Entities = append(data.Entities, entityData{ID: id, Components: encoded})
	}
	return schema.SerializeCompact(data)
}

// Deserialize replaces the world's contents with a previously serialized world.
func (w *World) Deserialize(raw []byte) error {
	var data worldData
	if err := schema.DeserializeCompact(raw, &data); err != nil {
		return eris.Wrap(err, "failed to decode world")
	}

	entities := newEntityManager()
	entities.nextID = data.NextID
	for _, ed := range data.Entities {
		comps, err := w.registry.DecodeAll(ed.Components)
		if err != nil {
			return eris.Wrapf(err, "failed to decode entity %d", ed.ID)
		}
		rec := newRecord()
		for i, c := range comps {
			rec.set(ed.Components[i].Kind, c)
		}
		entities.records[ed.ID] = rec
	}
	w.entities = entities
	return nil
}

// Hash returns the sha256 of the serialized world. Two worlds that stepped through the same inputs
// deterministically hash equal.
func (w *World) Hash() ([32]byte, error) {
	data, err := w.Serialize()
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(data), nil
}

type jsonEntity struct {
	ID         EntityID       `json:"id"`
	Components map[string]any `json:"components"`
}

// MarshalJSON renders the world for debugging and logs.
func (w *World) MarshalJSON() ([]byte, error) {
	out := make([]jsonEntity, 0, w.Len())
	for _, id := range w.entities.ids() {
		out = append(out, jsonEntity{ID: id, Components: SnapshotMap(w.entities.records[id].sorted())})
	}
	return json.Marshal(out)
}

// SnapshotMap keys components by name, for JSON dumps.
func SnapshotMap(comps []Component) map[string]any {
	m := make(map[string]any, len(comps))
	for _, c := range comps {
		m[c.Name()] = c
	}
	return m
}
