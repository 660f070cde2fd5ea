// Package prediction detects mispredictions of locally predicted entities and corrects them by
// rolling back to the authoritative state and resimulating to the live tick.
package prediction

import (
	"slices"

	"github.com/argus-labs/netcode/pkg/ecs"
	"github.com/argus-labs/netcode/pkg/tick"
	"github.com/goccy/go-json"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// ErrDesync means the prediction cannot be repaired by resimulating and needs a full resync.
var ErrDesync = eris.New("prediction desync")

// Mode is the state of the rollback state machine.
type Mode uint8

const (
	ModeDefault Mode = iota
	ModeShouldRollback
)

func (m Mode) String() string {
	switch m {
	case ModeDefault:
		return "default"
	case ModeShouldRollback:
		return "should_rollback"
	default:
		return "unknown"
	}
}

// State is Default or ShouldRollback{Tick}.
type State struct {
	Mode Mode
	Tick tick.Tick
}

// StepFunc advances the world by one tick using the inputs buffered for t.
type StepFunc func(t tick.Tick) error

// Controller owns the prediction history of one client.
type Controller struct {
	cfg      Config
	registry *ecs.Registry
	log      zerolog.Logger

	history *History
	state   State

	live map[ecs.EntityID]ecs.Snapshot // Predicted entities before the current batch
	auth *tick.Ring[Frame]             // Authoritative state of the touched predicted entities per tick

	// Inputs for ticks before the horizon have been evicted and cannot be replayed.
	horizon    tick.Tick
	hasHorizon bool

	consecutive int
	rollbacks   int
}

func NewController(cfg Config, registry *ecs.Registry, logger zerolog.Logger) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, eris.Wrap(err, "invalid prediction config")
	}
	history, err := NewHistory(cfg.HistoryTicks)
	if err != nil {
		return nil, eris.Wrap(err, "failed to create prediction history")
	}
	auth, err := tick.NewRing[Frame](cfg.HistoryTicks)
	if err != nil {
		return nil, eris.Wrap(err, "failed to create authoritative history")
	}
	return &Controller{
		cfg:      cfg,
		registry: registry,
		log:      logger,
		history:  history,
		live:     make(map[ecs.EntityID]ecs.Snapshot),
		auth:     auth,
	}, nil
}

func (c *Controller) State() State {
	return c.state
}

// Rollbacks returns the number of rollbacks performed.
func (c *Controller) Rollbacks() int {
	return c.rollbacks
}

// History exposes the recorded frames.
func (c *Controller) History() *History {
	return c.history
}

// SetInputHorizon tells the controller that inputs for ticks before t are gone. A rollback that
// would replay one of them is a desync.
func (c *Controller) SetInputHorizon(t tick.Tick) {
	c.horizon = t
	c.hasHorizon = true
}

// Record stores the predicted entities as they are after stepping t.
func (c *Controller) Record(world *ecs.World, t tick.Tick, predicted []ecs.EntityID) {
	c.history.Record(world, t, predicted)
}

// BeginBatch captures the live state of the predicted entities before an authoritative batch is
// applied on top of it.
func (c *Controller) BeginBatch(world *ecs.World, predicted []ecs.EntityID) {
	clear(c.live)
	for _, id := range predicted {
		if snap, err := world.Snapshot(id); err == nil {
			c.live[id] = snap
		}
	}
}

// Check compares the authoritative state a batch for tick t left on the touched predicted
// entities with what was predicted for t. The touched entities get their live state back and the
// authoritative one is kept for the rollback. Any mismatch moves the controller to
// ShouldRollback from the oldest mismatching tick. Corrections older than the history are a
// desync.
func (c *Controller) Check(world *ecs.World, t, liveTick tick.Tick, touched []ecs.EntityID) error {
	var corrected []ecs.EntityID
	for _, id := range touched {
		if _, ok := c.live[id]; ok {
			corrected = append(corrected, id)
		}
	}
	if len(corrected) == 0 {
		return nil
	}

	// Nothing predicted yet, or the server is ahead of us: its state is newer than anything
	// predicted, take it as is.
	if !c.history.Started() || t.After(liveTick) {
		return nil
	}

	if c.history.BeforeStart(t) {
		c.restoreLive(world, corrected)
		return nil
	}

	frame, ok := c.history.Get(t)
	if !ok {
		return eris.Wrapf(ErrDesync, "correction for tick %d is outside the prediction history", t)
	}

	authFrame, ok := c.auth.Get(t)
	if !ok {
		authFrame = make(Frame, len(corrected))
		c.auth.Set(t, authFrame)
	}
	mismatch := false
	for _, id := range corrected {
		auth, err := world.Snapshot(id)
		if err != nil {
			continue
		}
		authFrame[id] = auth
		predicted, ok := frame[id]
		if ok && c.registry.SnapshotsEqual(predicted, auth) {
			continue
		}
		mismatch = true
		if ok && c.log.Debug().Enabled() {
			c.log.Debug().
				Uint16("tick", uint16(t)).
				Uint32("entity", uint32(id)).
				RawJSON("predicted", dump(predicted)).
				RawJSON("authoritative", dump(auth)).
				Msg("misprediction")
		}
	}

	c.restoreLive(world, corrected)
	if !mismatch {
		c.consecutive = 0
		return nil
	}
	if c.state.Mode != ModeShouldRollback || t.Before(c.state.Tick) {
		c.state = State{Mode: ModeShouldRollback, Tick: t}
	}
	return nil
}

func (c *Controller) restoreLive(world *ecs.World, ids []ecs.EntityID) {
	for _, id := range ids {
		if err := world.Restore(id, c.live[id]); err != nil {
			c.log.Debug().Err(err).Uint32("entity", uint32(id)).Msg("predicted entity gone before restore")
		}
	}
}

// Rollback resets the predicted entities to the authoritative state at the rollback tick and
// replays every tick up to liveTick through step. Authoritative state received for a replayed tick
// replaces what the replay produced for it. Entities that are not predicted keep their current
// state. Does nothing in Default.
func (c *Controller) Rollback(world *ecs.World, liveTick tick.Tick, predicted []ecs.EntityID, step StepFunc) error {
	if c.state.Mode != ModeShouldRollback {
		return nil
	}
	from := c.state.Tick
	defer func() {
		c.state = State{}
		c.auth.Clear()
	}()

	c.consecutive++
	if c.consecutive > c.cfg.MaxConsecutiveRollbacks {
		return eris.Wrapf(ErrDesync, "%d rollbacks in a row", c.consecutive)
	}
	depth := int(liveTick.Diff(from))
	if depth < 0 || depth >= c.history.Cap() {
		return eris.Wrapf(ErrDesync, "rollback of %d ticks exceeds the history", depth)
	}
	if c.hasHorizon && depth > 0 && from.Next().Before(c.horizon) {
		return eris.Wrapf(ErrDesync, "inputs for tick %d were evicted, oldest is %d", from.Next(), c.horizon)
	}
	frame, ok := c.history.Get(from)
	if !ok {
		return eris.Wrapf(ErrDesync, "no prediction recorded for tick %d", from)
	}

	// Entities that are not predicted hold their latest received state.
	before := world.Entities()
	held := make(map[ecs.EntityID]ecs.Snapshot)
	for _, id := range before {
		if slices.Contains(predicted, id) {
			continue
		}
		if snap, err := world.Snapshot(id); err == nil {
			held[id] = snap
		}
	}

	authFrame, _ := c.auth.Get(from)
	for _, id := range predicted {
		baseline, ok := authFrame[id]
		if !ok {
			baseline, ok = frame[id]
		}
		if !ok {
			continue
		}
		if err := world.Restore(id, baseline); err != nil {
			c.log.Debug().Err(err).Uint32("entity", uint32(id)).Msg("predicted entity gone before rollback")
		}
	}
	c.history.Record(world, from, predicted)

	var err error
	tick.Range(from.Next(), liveTick, func(t tick.Tick) bool {
		if err = step(t); err != nil {
			return false
		}
		if err = c.overlay(world, t, predicted); err != nil {
			return false
		}
		c.history.Record(world, t, predicted)
		return true
	})
	if err != nil {
		return eris.Wrapf(err, "resimulation failed")
	}

	// Spawns and despawns of existing entities come from the server. A replay that removes one has
	// diverged beyond repair.
	for _, id := range before {
		if !world.Alive(id) {
			return eris.Wrapf(ErrDesync, "entity %d despawned during resimulation", id)
		}
	}
	for id, snap := range held {
		if err := world.Restore(id, snap); err != nil {
			return eris.Wrapf(err, "failed to restore entity %d after resimulation", id)
		}
	}
	// Entities spawned by the replay already exist from the original prediction.
	for _, id := range world.Entities() {
		if _, found := slices.BinarySearch(before, id); !found {
			if err := world.Despawn(id); err != nil {
				return eris.Wrap(err, "failed to despawn entity spawned during resimulation")
			}
		}
	}

	c.rollbacks++
	c.log.Debug().Uint16("from", uint16(from)).Uint16("to", uint16(liveTick)).Msg("rolled back")
	return nil
}

// overlay writes the authoritative state received for t onto the predicted entities.
func (c *Controller) overlay(world *ecs.World, t tick.Tick, predicted []ecs.EntityID) error {
	authFrame, ok := c.auth.Get(t)
	if !ok {
		return nil
	}
	for _, id := range predicted {
		snap, ok := authFrame[id]
		if !ok || !world.Alive(id) {
			continue
		}
		if err := world.Restore(id, snap); err != nil {
			return eris.Wrapf(err, "failed to apply authoritative state of entity %d at tick %d", id, t)
		}
	}
	return nil
}

// Reset forgets every prediction, e.g. after a resync.
func (c *Controller) Reset() {
	c.history.Clear()
	c.state = State{}
	c.consecutive = 0
	clear(c.live)
	c.auth.Clear()
	c.hasHorizon = false
}

func dump(snap ecs.Snapshot) []byte {
	data, err := json.Marshal(ecs.SnapshotMap(snap))
	if err != nil {
		return []byte("null")
	}
	return data
}
