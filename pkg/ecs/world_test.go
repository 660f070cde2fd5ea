package ecs_test

import (
	"slices"
	"testing"

	"github.com/argus-labs/netcode/pkg/ecs"
	"github.com/argus-labs/netcode/pkg/testutils"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type kinds struct {
	position, velocity, health, label ecs.Kind
}

func newTestWorld(t *testing.T) (*ecs.World, kinds) {
	t.Helper()
	r := ecs.NewRegistry()
	k := kinds{
		position: ecs.MustRegister[testutils.Position](r),
		velocity: ecs.MustRegister[testutils.Velocity](r),
		health:   ecs.MustRegister[testutils.Health](r),
		label:    ecs.MustRegister[testutils.Label](r),
	}
	return ecs.NewWorld(r), k
}

func TestWorld_SpawnInsertRemove(t *testing.T) {
	t.Parallel()

	w, k := newTestWorld(t)

	id, err := w.Spawn(testutils.Position{X: 1}, testutils.Health{Value: 10})
	require.NoError(t, err)
	assert.True(t, w.Alive(id))
	assert.True(t, w.Has(id, k.position))
	assert.False(t, w.Has(id, k.velocity))

	require.NoError(t, w.Insert(id, testutils.Velocity{X: 2}, testutils.Health{Value: 9}))
	hp, ok := ecs.Get[testutils.Health](w, id)
	require.True(t, ok)
	assert.Equal(t, 9, hp.Value)

	require.NoError(t, w.Remove(id, k.position, k.label))
	comps, err := w.Components(id)
	require.NoError(t, err)
	assert.Equal(t, []ecs.Component{testutils.Velocity{X: 2}, testutils.Health{Value: 9}}, comps)

	require.NoError(t, w.Despawn(id))
	assert.False(t, w.Alive(id))
	require.ErrorIs(t, w.Despawn(id), ecs.ErrEntityNotFound)
	require.ErrorIs(t, w.Insert(id, testutils.Health{}), ecs.ErrEntityNotFound)
}

func TestWorld_SpawnErrors(t *testing.T) {
	t.Parallel()

	w, _ := newTestWorld(t)

	_, err := w.Spawn(testutils.Health{Value: 1}, testutils.Health{Value: 2})
	require.ErrorIs(t, err, ecs.ErrDuplicateComponent)
	assert.Equal(t, 0, w.Len())
}

func TestWorld_IDsAreNotReused(t *testing.T) {
	t.Parallel()

	w, _ := newTestWorld(t)

	a, err := w.Spawn()
	require.NoError(t, err)
	require.NoError(t, w.Despawn(a))
	b, err := w.Spawn()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestWorld_Query(t *testing.T) {
	t.Parallel()

	w, k := newTestWorld(t)

	a, _ := w.Spawn(testutils.Position{}, testutils.Velocity{})
	_, _ = w.Spawn(testutils.Position{})
	c, _ := w.Spawn(testutils.Position{}, testutils.Velocity{}, testutils.Health{})

	assert.Equal(t, []ecs.EntityID{a, c}, w.Query(k.position, k.velocity))
	assert.Equal(t, []ecs.EntityID{c}, w.Query(k.health))
	assert.Len(t, w.Query(), 3)
}

func TestWorld_SnapshotRestore(t *testing.T) {
	t.Parallel()

	w, k := newTestWorld(t)

	id, _ := w.Spawn(testutils.Position{X: 1}, testutils.Health{Value: 3})
	snap, err := w.Snapshot(id)
	require.NoError(t, err)

	require.NoError(t, w.Insert(id, testutils.Position{X: 5}, testutils.Label{Text: "x"}))
	require.NoError(t, w.Remove(id, k.health))

	require.NoError(t, w.Restore(id, snap))
	after, err := w.Snapshot(id)
	require.NoError(t, err)
	assert.True(t, w.Registry().SnapshotsEqual(snap, after))
	assert.False(t, w.Has(id, k.label))
}

func TestWorld_SerializeRoundTrip(t *testing.T) {
	t.Parallel()

	w, _ := newTestWorld(t)
	_, _ = w.Spawn(testutils.Position{X: 1.5, Y: -2}, testutils.Label{Text: "a", Enabled: true})
	dead, _ := w.Spawn(testutils.Health{Value: 1})
	_, _ = w.Spawn(testutils.Velocity{X: 3})
	require.NoError(t, w.Despawn(dead))

	data, err := w.Serialize()
	require.NoError(t, err)

	clone := ecs.NewWorld(w.Registry())
	require.NoError(t, clone.Deserialize(data))

	h1, err := w.Hash()
	require.NoError(t, err)
	h2, err := clone.Hash()
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Equal(t, w.Entities(), clone.Entities())

	// The next allocated ID survives the round trip.
	a, _ := w.Spawn()
	b, _ := clone.Spawn()
	assert.Equal(t, a, b)

	require.Error(t, clone.Deserialize([]byte{0x93}))
}

func TestWorld_MarshalJSON(t *testing.T) {
	t.Parallel()

	w, _ := newTestWorld(t)
	_, _ = w.Spawn(testutils.Health{Value: 7})

	data, err := json.Marshal(w)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":0,"components":{"health":{"Value":7}}}]`, string(data))
}

// Model-based fuzzing of World, comparing it against a map of component maps as the model.
func TestWorld_ModelFuzz(t *testing.T) {
	t.Parallel()

	type op uint8
	const (
		opSpawn   op = 20
		opDespawn op = 10
		opInsert  op = 35
		opRemove  op = 19
		opCheck   op = 15
	)
	ops := []op{opSpawn, opDespawn, opInsert, opRemove, opCheck}

	rng := testutils.NewRand(t)
	w, k := newTestWorld(t)
	allKinds := []ecs.Kind{k.position, k.velocity, k.health, k.label}
	randComponent := func() ecs.Component {
		switch rng.IntN(4) {
		case 0:
			return testutils.Position{X: rng.Float64(), Y: rng.Float64()}
		case 1:
			return testutils.Velocity{X: rng.Float64()}
		case 2:
			return testutils.Health{Value: rng.IntN(100)}
		default:
			return testutils.Label{Text: testutils.RandString(rng, 4)}
		}
	}

	model := make(map[ecs.EntityID]map[string]ecs.Component)
	for range 3000 {
		switch testutils.RandWeightedOp(rng, ops) {
		case opSpawn:
			c := randComponent()
			id, err := w.Spawn(c)
			require.NoError(t, err)
			model[id] = map[string]ecs.Component{c.Name(): c}
		case opDespawn:
			if len(model) == 0 {
				continue
			}
			id := testutils.RandMapKey(rng, model)
			require.NoError(t, w.Despawn(id))
			delete(model, id)
		case opInsert:
			if len(model) == 0 {
				continue
			}
			id := testutils.RandMapKey(rng, model)
			c := randComponent()
			require.NoError(t, w.Insert(id, c))
			model[id][c.Name()] = c
		case opRemove:
			if len(model) == 0 {
				continue
			}
			id := testutils.RandMapKey(rng, model)
			kind := allKinds[rng.IntN(len(allKinds))]
			require.NoError(t, w.Remove(id, kind))
			name, _ := w.Registry().Name(kind)
			delete(model[id], name)
		case opCheck:
			ids := make([]ecs.EntityID, 0, len(model))
			for id := range model {
				ids = append(ids, id)
			}
			slices.Sort(ids)
			require.Equal(t, ids, w.Entities())
			for id, comps := range model {
				got, err := w.Components(id)
				require.NoError(t, err)
				require.Len(t, got, len(comps))
				for _, c := range got {
					require.Equal(t, comps[c.Name()], c)
				}
			}
		}
	}
}
