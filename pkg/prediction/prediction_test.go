package prediction

import (
	"testing"

	"github.com/argus-labs/netcode/pkg/ecs"
	"github.com/argus-labs/netcode/pkg/testutils"
	"github.com/argus-labs/netcode/pkg/tick"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRegistry() *ecs.Registry {
	r := ecs.NewRegistry()
	ecs.MustRegister[testutils.Position](r)
	ecs.MustRegister[testutils.Velocity](r)
	return r
}

func newController(t *testing.T, r *ecs.Registry, cfg Config) *Controller {
	t.Helper()
	c, err := NewController(cfg, r, zerolog.Nop())
	require.NoError(t, err)
	return c
}

// moveAll moves every entity with a position by its velocity plus the input for the tick.
func moveAll(w *ecs.World, inputs map[tick.Tick]float64) func(tick.Tick) error {
	return func(t tick.Tick) error {
		for _, id := range w.Entities() {
			p, ok := ecs.Get[testutils.Position](w, id)
			if !ok {
				continue
			}
			v, _ := ecs.Get[testutils.Velocity](w, id)
			p.X += v.X + inputs[t]
			if err := ecs.Set(w, id, p); err != nil {
				return err
			}
		}
		return nil
	}
}

func posX(t *testing.T, w *ecs.World, id ecs.EntityID) float64 {
	t.Helper()
	p, ok := ecs.Get[testutils.Position](w, id)
	require.True(t, ok)
	return p.X
}

// predict steps from..to and records each tick, the way the client loop does.
func predict(t *testing.T, c *Controller, w *ecs.World, step func(tick.Tick) error, from, to tick.Tick, ids []ecs.EntityID) {
	t.Helper()
	tick.Range(from, to, func(tk tick.Tick) bool {
		require.NoError(t, step(tk))
		c.Record(w, tk, ids)
		return true
	})
}

// correct applies an authoritative value the way replication does: capture, overwrite, check.
func correct(t *testing.T, c *Controller, w *ecs.World, id ecs.EntityID, auth ecs.Component, at, live tick.Tick) error {
	t.Helper()
	c.BeginBatch(w, []ecs.EntityID{id})
	require.NoError(t, w.Insert(id, auth))
	return c.Check(w, at, live, []ecs.EntityID{id})
}

func TestController_RollbackScenario(t *testing.T) {
	t.Parallel()

	r := newRegistry()
	w := ecs.NewWorld(r)
	c := newController(t, r, DefaultConfig())

	// The client predicts E moving +1 per tick and reaches 7 at tick 10.
	e, err := w.Spawn(testutils.Position{X: 3}, testutils.Velocity{X: 1})
	require.NoError(t, err)
	ids := []ecs.EntityID{e}
	step := moveAll(w, nil)
	predict(t, c, w, step, 7, 10, ids)
	require.InDelta(t, 7.0, posX(t, w, e), 0)
	predict(t, c, w, step, 11, 14, ids)
	live := tick.Tick(14)

	// The server says E was at 5 at tick 10.
	require.NoError(t, correct(t, c, w, e, testutils.Position{X: 5}, 10, live))
	assert.Equal(t, State{Mode: ModeShouldRollback, Tick: 10}, c.State())
	assert.InDelta(t, 11.0, posX(t, w, e), 0, "live state is untouched until the rollback")

	require.NoError(t, c.Rollback(w, live, ids, step))
	assert.Equal(t, State{}, c.State())
	assert.InDelta(t, 5.0+4, posX(t, w, e), 0, "5 plus one per replayed tick")
	assert.Equal(t, 1, c.Rollbacks())

	frame, ok := c.History().Get(12)
	require.True(t, ok)
	assert.Equal(t, ecs.Snapshot{testutils.Position{X: 7}, testutils.Velocity{X: 1}}, frame[e], "history is rewritten")
}

func TestController_MatchKeepsLiveState(t *testing.T) {
	t.Parallel()

	r := newRegistry()
	w := ecs.NewWorld(r)
	c := newController(t, r, DefaultConfig())

	e, err := w.Spawn(testutils.Position{X: 0}, testutils.Velocity{X: 1})
	require.NoError(t, err)
	predict(t, c, w, moveAll(w, nil), 1, 6, []ecs.EntityID{e})

	// Within epsilon counts as a match.
	require.NoError(t, correct(t, c, w, e, testutils.Position{X: 3 + testutils.PositionEpsilon/2}, 3, 6))
	assert.Equal(t, ModeDefault, c.State().Mode)
	assert.InDelta(t, 6.0, posX(t, w, e), 0)

	// Rollback in Default does nothing.
	require.NoError(t, c.Rollback(w, 6, []ecs.EntityID{e}, func(tick.Tick) error {
		t.Fatal("must not step")
		return nil
	}))
}

func TestController_Boundaries(t *testing.T) {
	t.Parallel()

	r := newRegistry()
	cfg := Config{HistoryTicks: 8, MaxConsecutiveRollbacks: 2}

	t.Run("older than the history is a desync", func(t *testing.T) {
		t.Parallel()
		w := ecs.NewWorld(r)
		c := newController(t, r, cfg)
		e, err := w.Spawn(testutils.Position{}, testutils.Velocity{X: 1})
		require.NoError(t, err)
		predict(t, c, w, moveAll(w, nil), 0, 20, []ecs.EntityID{e})

		err = correct(t, c, w, e, testutils.Position{X: 100}, 5, 20)
		require.ErrorIs(t, err, ErrDesync)
	})

	t.Run("before prediction started", func(t *testing.T) {
		t.Parallel()
		w := ecs.NewWorld(r)
		c := newController(t, r, cfg)
		e, err := w.Spawn(testutils.Position{}, testutils.Velocity{X: 1})
		require.NoError(t, err)
		predict(t, c, w, moveAll(w, nil), 100, 103, []ecs.EntityID{e})

		require.NoError(t, correct(t, c, w, e, testutils.Position{X: 100}, 95, 103))
		assert.Equal(t, ModeDefault, c.State().Mode)
		assert.InDelta(t, 4.0, posX(t, w, e), 0)
	})

	t.Run("server ahead of the client", func(t *testing.T) {
		t.Parallel()
		w := ecs.NewWorld(r)
		c := newController(t, r, cfg)
		e, err := w.Spawn(testutils.Position{}, testutils.Velocity{X: 1})
		require.NoError(t, err)
		predict(t, c, w, moveAll(w, nil), 0, 3, []ecs.EntityID{e})

		require.NoError(t, correct(t, c, w, e, testutils.Position{X: 42}, 10, 3))
		assert.Equal(t, ModeDefault, c.State().Mode)
		assert.InDelta(t, 42.0, posX(t, w, e), 0, "authoritative state is taken as is")
	})

	t.Run("repeated mismatches are a desync", func(t *testing.T) {
		t.Parallel()
		w := ecs.NewWorld(r)
		c := newController(t, r, cfg)
		e, err := w.Spawn(testutils.Position{}, testutils.Velocity{X: 1})
		require.NoError(t, err)
		ids := []ecs.EntityID{e}
		step := moveAll(w, nil)
		predict(t, c, w, step, 0, 4, ids)

		live := tick.Tick(4)
		for i := range 3 {
			require.NoError(t, correct(t, c, w, e, testutils.Position{X: float64(100 * (i + 1))}, live-1, live))
			err := c.Rollback(w, live, ids, step)
			if i < 2 {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, ErrDesync)
			}
			live++
			predict(t, c, w, step, live, live, ids)
		}
	})
}

func TestController_NonPredictedEntitiesAreNotResimulated(t *testing.T) {
	t.Parallel()

	r := newRegistry()
	w := ecs.NewWorld(r)
	c := newController(t, r, DefaultConfig())

	e, err := w.Spawn(testutils.Position{}, testutils.Velocity{X: 1})
	require.NoError(t, err)
	remote, err := w.Spawn(testutils.Position{X: 50}, testutils.Velocity{X: 1})
	require.NoError(t, err)
	ids := []ecs.EntityID{e}

	// Remote entities are driven by replication only in this test.
	step := func(tk tick.Tick) error {
		p, _ := ecs.Get[testutils.Position](w, e)
		p.X++
		if _, err := w.Spawn(testutils.Position{X: -1}); err != nil { // e.g. a projectile
			return err
		}
		return ecs.Set(w, e, p)
	}
	predict(t, c, w, step, 1, 5, ids)
	count := w.Len()

	require.NoError(t, correct(t, c, w, e, testutils.Position{X: 10}, 2, 5))
	require.NoError(t, c.Rollback(w, 5, ids, step))

	assert.InDelta(t, 13.0, posX(t, w, e), 0)
	assert.InDelta(t, 50.0, posX(t, w, remote), 0)
	assert.Equal(t, count, w.Len(), "entities spawned by the replay are discarded")
}

// With a deterministic step function, one rollback brings the client onto the server's
// trajectory no matter how wrong its starting point was.
func TestController_ConvergesToServerTrajectory(t *testing.T) {
	t.Parallel()

	rnd := testutils.NewRand(t)
	r := newRegistry()

	inputs := make(map[tick.Tick]float64)
	for i := range 200 {
		inputs[tick.Tick(i)] = float64(rnd.IntN(3) - 1)
	}

	// Authoritative trajectory.
	server := ecs.NewWorld(r)
	se, err := server.Spawn(testutils.Position{X: 0}, testutils.Velocity{X: 1})
	require.NoError(t, err)
	truth := make(map[tick.Tick]float64)
	serverStep := moveAll(server, inputs)
	for i := 1; i < 200; i++ {
		require.NoError(t, serverStep(tick.Tick(i)))
		truth[tick.Tick(i)] = posX(t, server, se)
	}

	client := ecs.NewWorld(r)
	ce, err := client.Spawn(testutils.Position{X: float64(1 + rnd.IntN(1000))}, testutils.Velocity{X: 1})
	require.NoError(t, err)
	c := newController(t, r, DefaultConfig())
	ids := []ecs.EntityID{ce}
	clientStep := moveAll(client, inputs)

	const lag = 6
	corrected := false
	for i := 1; i < 200; i++ {
		live := tick.Tick(i)
		require.NoError(t, clientStep(live))
		c.Record(client, live, ids)

		if i > lag && i%3 == 0 {
			at := live.Sub(lag)
			require.NoError(t, correct(t, c, client, ce, testutils.Position{X: truth[at]}, at, live))
			require.NoError(t, c.Rollback(client, live, ids, clientStep))
			corrected = true
		}
		if corrected {
			require.InDelta(t, truth[live], posX(t, client, ce), 1e-9, "tick %d", i)
		}
	}
	assert.Equal(t, 1, c.Rollbacks(), "a single correction is enough")
}

func TestController_LaterCorrectionSupersedesOlderSnapshot(t *testing.T) {
	t.Parallel()

	r := newRegistry()
	w := ecs.NewWorld(r)
	c := newController(t, r, DefaultConfig())

	e1, err := w.Spawn(testutils.Position{}, testutils.Velocity{X: 1})
	require.NoError(t, err)
	e2, err := w.Spawn(testutils.Position{}, testutils.Velocity{X: 1})
	require.NoError(t, err)
	ids := []ecs.EntityID{e1, e2}
	step := moveAll(w, nil)
	predict(t, c, w, step, 1, 10, ids)
	live := tick.Tick(10)

	// The server moved e1 to 30 at tick 3 and back onto the predicted track by tick 5.
	require.NoError(t, correct(t, c, w, e1, testutils.Position{X: 30}, 3, live))

	// A later batch confirms e1 and corrects e2.
	c.BeginBatch(w, ids)
	require.NoError(t, w.Insert(e1, testutils.Position{X: 5}))
	require.NoError(t, w.Insert(e2, testutils.Position{X: 50}))
	require.NoError(t, c.Check(w, 5, live, ids))
	assert.Equal(t, State{Mode: ModeShouldRollback, Tick: 3}, c.State(), "rollback starts at the oldest mismatch")

	require.NoError(t, c.Rollback(w, live, ids, step))
	assert.InDelta(t, 10.0, posX(t, w, e1), 0, "e1 continues from its tick 5 state, not from tick 3")
	assert.InDelta(t, 55.0, posX(t, w, e2), 0)

	frame, ok := c.History().Get(4)
	require.True(t, ok)
	assert.Equal(t, ecs.Snapshot{testutils.Position{X: 31}, testutils.Velocity{X: 1}}, frame[e1])
}

func TestController_OlderCorrectionArrivingLate(t *testing.T) {
	t.Parallel()

	r := newRegistry()
	w := ecs.NewWorld(r)
	c := newController(t, r, DefaultConfig())

	e, err := w.Spawn(testutils.Position{}, testutils.Velocity{X: 1})
	require.NoError(t, err)
	ids := []ecs.EntityID{e}
	step := moveAll(w, nil)
	predict(t, c, w, step, 1, 10, ids)
	live := tick.Tick(10)

	require.NoError(t, correct(t, c, w, e, testutils.Position{X: 20}, 6, live))
	// The batch for tick 4 arrives after the one for tick 6.
	require.NoError(t, correct(t, c, w, e, testutils.Position{X: 40}, 4, live))
	assert.Equal(t, State{Mode: ModeShouldRollback, Tick: 4}, c.State())

	require.NoError(t, c.Rollback(w, live, ids, step))
	assert.InDelta(t, 24.0, posX(t, w, e), 0, "the newest authoritative state wins over the replay")
}

func TestController_RollbackNeedsRetainedInput(t *testing.T) {
	t.Parallel()

	r := newRegistry()
	cfg := Config{HistoryTicks: 32, MaxConsecutiveRollbacks: 4}

	// The key is held for every tick; the entity only moves through input.
	inputs := make(map[tick.Tick]float64)
	for i := range 31 {
		inputs[tick.Tick(i)] = 1
	}

	tests := []struct {
		name    string
		horizon tick.Tick
		desync  bool
	}{
		{name: "every replayed tick retained", horizon: 6},
		{name: "no horizon reported", horizon: 0},
		{name: "replayed ticks evicted", horizon: 15, desync: true},
		{name: "first replayed tick evicted", horizon: 7, desync: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			w := ecs.NewWorld(r)
			c := newController(t, r, cfg)
			e, err := w.Spawn(testutils.Position{})
			require.NoError(t, err)
			ids := []ecs.EntityID{e}
			step := moveAll(w, inputs)
			predict(t, c, w, step, 1, 30, ids)
			if tc.horizon != 0 {
				c.SetInputHorizon(tc.horizon)
			}

			require.NoError(t, correct(t, c, w, e, testutils.Position{X: 100}, 5, 30))
			err = c.Rollback(w, 30, ids, step)
			if tc.desync {
				require.ErrorIs(t, err, ErrDesync)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, 125.0, posX(t, w, e), 0)
		})
	}

	t.Run("reset forgets the horizon", func(t *testing.T) {
		t.Parallel()
		w := ecs.NewWorld(r)
		c := newController(t, r, cfg)
		c.SetInputHorizon(1000)
		c.Reset()

		e, err := w.Spawn(testutils.Position{})
		require.NoError(t, err)
		ids := []ecs.EntityID{e}
		step := moveAll(w, inputs)
		predict(t, c, w, step, 1, 30, ids)
		require.NoError(t, correct(t, c, w, e, testutils.Position{X: 100}, 5, 30))
		require.NoError(t, c.Rollback(w, 30, ids, step))
	})
}

func TestController_ReplayDespawningAnEntityIsADesync(t *testing.T) {
	t.Parallel()

	r := newRegistry()

	tests := []struct {
		name string
		// victim picks the entity the replay despawns.
		victim func(predicted, remote ecs.EntityID) ecs.EntityID
	}{
		{name: "held entity", victim: func(_, remote ecs.EntityID) ecs.EntityID { return remote }},
		{name: "predicted entity", victim: func(predicted, _ ecs.EntityID) ecs.EntityID { return predicted }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			w := ecs.NewWorld(r)
			c := newController(t, r, DefaultConfig())

			e, err := w.Spawn(testutils.Position{}, testutils.Velocity{X: 1})
			require.NoError(t, err)
			remote, err := w.Spawn(testutils.Position{X: 7})
			require.NoError(t, err)
			ids := []ecs.EntityID{e}
			victim := tc.victim(e, remote)

			// Crossing 50 destroys the victim, which the original prediction never did.
			step := func(tk tick.Tick) error {
				if !w.Alive(e) {
					return nil
				}
				p, _ := ecs.Get[testutils.Position](w, e)
				p.X++
				if err := ecs.Set(w, e, p); err != nil {
					return err
				}
				if p.X > 50 && w.Alive(victim) {
					return w.Despawn(victim)
				}
				return nil
			}
			predict(t, c, w, step, 1, 5, ids)
			require.True(t, w.Alive(victim))

			require.NoError(t, correct(t, c, w, e, testutils.Position{X: 60}, 2, 5))
			require.ErrorIs(t, c.Rollback(w, 5, ids, step), ErrDesync)
			assert.Equal(t, State{}, c.State())
		})
	}
}
