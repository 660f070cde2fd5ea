package replication

import (
	"maps"
	"slices"
	"time"

	"github.com/argus-labs/netcode/pkg/ecs"
	"github.com/argus-labs/netcode/pkg/protocol"
	"github.com/argus-labs/netcode/pkg/tick"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// DefaultMaxPendingUpdates bounds the updates buffered for entities not spawned yet.
const DefaultMaxPendingUpdates = 1024

// Applied lists the local entities a batch changed.
type Applied struct {
	Spawned   []ecs.EntityID
	Despawned []ecs.EntityID
	Changed   []ecs.EntityID // Insert, Remove or Update
	Bound     []ecs.EntityID // Pre-predicted entities confirmed by the server
}

func (a *Applied) changed(id ecs.EntityID) {
	if !slices.Contains(a.Changed, id) {
		a.Changed = append(a.Changed, id)
	}
}

type pendingUpdate struct {
	tick tick.Tick
	msg  Message
}

// Released is a group of buffered updates written by the server at Tick that can be applied now.
type Released struct {
	Tick  tick.Tick
	Batch Batch
}

// remoteState tracks the actions applied to one replicated entity.
type remoteState struct {
	seq      uint32              // Seq of the newest action applied
	spawnSeq uint32              // Seq of the spawn that created the local entity
	inserted map[ecs.Kind]uint32 // Seq of the action that last wrote each component
}

// Receiver applies replication messages to a client's world.
//
// Actions and updates arrive on separate ordered channels. An update is applied once the action it
// was written after has been applied; until then it waits in a bounded buffer. Components the
// update carries are skipped when a newer insert already wrote them or a remove took them away.
type Receiver struct {
	registry   *ecs.Registry
	log        zerolog.Logger
	client     uint64
	entities   *EntityMap
	violations *protocol.ViolationBudget

	remotes map[uint32]*remoteState

	// Tick of the newest actions batch. Updates written before it whose action never came
	// belong to an entity this client no longer has.
	actionsTick tick.Tick
	hasActions  bool

	pending     map[uint32][]pendingUpdate
	pendingLen  int
	maxPending  int
	prePredicts map[ecs.EntityID]struct{}
}

// NewReceiver returns a receiver for the given client. Violations are counted against budget.
func NewReceiver(
	registry *ecs.Registry, client uint64, budget *protocol.ViolationBudget, logger zerolog.Logger,
) *Receiver {
	return &Receiver{
		registry:    registry,
		log:         logger,
		client:      client,
		entities:    NewEntityMap(),
		violations:  budget,
		remotes:     make(map[uint32]*remoteState),
		pending:     make(map[uint32][]pendingUpdate),
		maxPending:  DefaultMaxPendingUpdates,
		prePredicts: make(map[ecs.EntityID]struct{}),
	}
}

// Entities returns the entity map.
func (r *Receiver) Entities() *EntityMap {
	return r.entities
}

// ExpectPrePredicted registers a locally spawned entity the server will confirm.
func (r *Receiver) ExpectPrePredicted(local ecs.EntityID) {
	r.prePredicts[local] = struct{}{}
}

// PendingPrePredicted reports whether local is still waiting for the server.
func (r *Receiver) PendingPrePredicted(local ecs.EntityID) bool {
	_, ok := r.prePredicts[local]
	return ok
}

// Apply applies a batch written by the server at t. Malformed messages are dropped and counted;
// the error is only set when the violation budget runs out.
func (r *Receiver) Apply(world *ecs.World, t tick.Tick, batch Batch, now time.Time) (Applied, error) {
	var applied Applied
	for _, msg := range batch.Messages {
		if msg.Action.isAction() && (!r.hasActions || t.After(r.actionsTick)) {
			r.actionsTick = t
			r.hasActions = true
		}
		if err := r.apply(world, t, msg, &applied); err != nil {
			r.log.Warn().Err(err).
				Stringer("action", msg.Action).
				Uint32("entity", msg.Entity).
				Msg("dropping malformed replication message")
			if err := r.violations.Record(now); err != nil {
				return applied, err
			}
		}
	}
	return applied, nil
}

func (r *Receiver) apply(world *ecs.World, t tick.Tick, msg Message, applied *Applied) error {
	switch msg.Action {
	case ActionSpawn:
		return r.spawn(world, msg, applied)
	case ActionDespawn:
		r.despawn(world, msg, applied)
		return nil
	case ActionInsert:
		return r.insert(world, msg, applied)
	case ActionRemove:
		return r.remove(world, msg, applied)
	case ActionUpdate:
		return r.update(world, t, msg, applied)
	case ActionUndefined:
	}
	return eris.Errorf("unknown replication action %d", msg.Action)
}

func (r *Receiver) decode(encoded []ecs.EncodedComponent) ([]ecs.Component, error) {
	comps, err := r.registry.DecodeAll(encoded)
	if err != nil {
		return nil, err
	}
	for i, c := range comps {
		if mapper, ok := c.(ecs.EntityMapper); ok {
			comps[i] = mapper.MapEntities(func(remote ecs.EntityID) (ecs.EntityID, bool) {
				return r.entities.Local(uint32(remote))
			})
		}
	}
	return comps, nil
}

func (r *Receiver) spawn(world *ecs.World, msg Message, applied *Applied) error {
	comps, err := r.decode(msg.Components)
	if err != nil {
		return err
	}
	if _, ok := r.entities.Local(msg.Entity); ok {
		r.log.Debug().Uint32("entity", msg.Entity).Msg("spawn for known entity ignored")
		return nil
	}

	local, bound, err := r.bindPrePredicted(world, comps)
	if err != nil {
		return err
	}
	if !bound {
		if local, err = world.Spawn(comps...); err != nil {
			return err
		}
	}
	if err := r.entities.Insert(msg.Entity, local); err != nil {
		return err
	}
	state := &remoteState{seq: msg.Seq, spawnSeq: msg.Seq, inserted: make(map[ecs.Kind]uint32, len(comps))}
	for _, c := range msg.Components {
		state.inserted[c.Kind] = msg.Seq
	}
	r.remotes[msg.Entity] = state
	if bound {
		applied.Bound = append(applied.Bound, local)
	} else {
		applied.Spawned = append(applied.Spawned, local)
	}
	return nil
}

// bindPrePredicted binds the spawn to a locally spawned entity when the server confirms one of
// ours. The local entity keeps its predicted values for anything the server did not send.
func (r *Receiver) bindPrePredicted(world *ecs.World, comps []ecs.Component) (ecs.EntityID, bool, error) {
	var pre *PrePredicted
	var controlled *Controlled
	for _, c := range comps {
		switch v := c.(type) {
		case PrePredicted:
			pre = &v
		case Controlled:
			controlled = &v
		}
	}
	if pre == nil || controlled == nil || controlled.Client != r.client {
		return 0, false, nil
	}
	local := ecs.EntityID(pre.ClientEntity)
	if _, ok := r.prePredicts[local]; !ok || !world.Alive(local) {
		return 0, false, nil
	}
	delete(r.prePredicts, local)
	if err := world.Insert(local, comps...); err != nil {
		return 0, false, err
	}
	return local, true, nil
}

func (r *Receiver) despawn(world *ecs.World, msg Message, applied *Applied) {
	if state, ok := r.remotes[msg.Entity]; ok && msg.Seq <= state.seq {
		r.log.Debug().Uint32("entity", msg.Entity).Msg("duplicate despawn ignored")
		return
	}
	r.dropPending(msg.Entity)
	delete(r.remotes, msg.Entity)

	local, ok := r.entities.RemoveRemote(msg.Entity)
	if !ok {
		r.log.Debug().Uint32("entity", msg.Entity).Msg("despawn for unknown entity ignored")
		return
	}
	if err := world.Despawn(local); err != nil {
		r.log.Debug().Err(err).Uint32("entity", msg.Entity).Msg("mapped entity already gone")
		return
	}
	applied.Despawned = append(applied.Despawned, local)
}

// sequenced returns the local entity an insert or remove applies to, or false when the entity is
// unknown or the message was already applied.
func (r *Receiver) sequenced(world *ecs.World, msg Message) (ecs.EntityID, *remoteState, bool) {
	local, ok := r.entities.Local(msg.Entity)
	state := r.remotes[msg.Entity]
	if !ok || state == nil || !world.Alive(local) {
		r.log.Debug().Stringer("action", msg.Action).Uint32("entity", msg.Entity).Msg("entity not known yet")
		return 0, nil, false
	}
	if msg.Seq <= state.seq {
		r.log.Debug().Stringer("action", msg.Action).Uint32("entity", msg.Entity).Msg("duplicate action ignored")
		return 0, nil, false
	}
	return local, state, true
}

func (r *Receiver) insert(world *ecs.World, msg Message, applied *Applied) error {
	comps, err := r.decode(msg.Components)
	if err != nil {
		return err
	}
	local, state, ok := r.sequenced(world, msg)
	if !ok {
		return nil
	}
	if err := world.Insert(local, comps...); err != nil {
		return err
	}
	state.seq = msg.Seq
	for _, c := range msg.Components {
		state.inserted[c.Kind] = msg.Seq
	}
	applied.changed(local)
	return nil
}

func (r *Receiver) remove(world *ecs.World, msg Message, applied *Applied) error {
	for _, k := range msg.Kinds {
		if !r.registry.Valid(k) {
			return eris.Wrapf(ecs.ErrComponentNotFound, "kind %d", k)
		}
	}
	local, state, ok := r.sequenced(world, msg)
	if !ok {
		return nil
	}
	if err := world.Remove(local, msg.Kinds...); err != nil {
		return err
	}
	state.seq = msg.Seq
	applied.changed(local)
	return nil
}

// updateState is where an update stands against the actions applied so far.
type updateState uint8

const (
	updateReady updateState = iota
	updateWaiting
	updateStale
)

func (r *Receiver) classify(t tick.Tick, msg Message) updateState {
	state, ok := r.remotes[msg.Entity]
	switch {
	case ok && msg.Seq < state.spawnSeq:
		// Written for an earlier life of the entity.
		return updateStale
	case ok && msg.Seq <= state.seq:
		return updateReady
	case r.hasActions && t.Before(r.actionsTick):
		// Every action sent before a newer actions batch has been applied, the one this update
		// waits for never will be.
		return updateStale
	default:
		return updateWaiting
	}
}

func (r *Receiver) update(world *ecs.World, t tick.Tick, msg Message, applied *Applied) error {
	comps, err := r.decode(msg.Components)
	if err != nil {
		return err
	}
	switch r.classify(t, msg) {
	case updateStale:
		r.log.Debug().Uint32("entity", msg.Entity).Msg("stale update ignored")
		return nil
	case updateWaiting:
		r.buffer(t, msg)
		return nil
	case updateReady:
	}

	local, ok := r.entities.Local(msg.Entity)
	if !ok {
		return nil
	}
	state := r.remotes[msg.Entity]
	present := comps[:0]
	for i, c := range comps {
		kind := msg.Components[i].Kind
		// A newer insert carries a newer value, a later remove wins over the update.
		if state.inserted[kind] > msg.Seq || !world.Has(local, kind) {
			continue
		}
		present = append(present, c)
	}
	if len(present) == 0 {
		return nil
	}
	if err := world.Insert(local, present...); err != nil {
		return err
	}
	applied.changed(local)
	return nil
}

func (r *Receiver) buffer(t tick.Tick, msg Message) {
	if r.pendingLen >= r.maxPending {
		r.log.Warn().Uint32("entity", msg.Entity).Msg("pending update buffer full, dropping update")
		return
	}
	r.pending[msg.Entity] = append(r.pending[msg.Entity], pendingUpdate{tick: t, msg: msg})
	r.pendingLen++
}

func (r *Receiver) dropPending(remote uint32) {
	r.pendingLen -= len(r.pending[remote])
	delete(r.pending, remote)
}

// Release takes the buffered updates that the actions applied so far made ready out of the
// buffer and returns them grouped by the tick they were written at, oldest first. Each group is
// meant to go through Apply with its own tick. Updates that can never apply are dropped.
func (r *Receiver) Release() []Released {
	var out []Released
	group := func(t tick.Tick) *Released {
		for i := range out {
			if out[i].Tick == t {
				return &out[i]
			}
		}
		out = append(out, Released{Tick: t})
		return &out[len(out)-1]
	}

	for _, remote := range slices.Sorted(maps.Keys(r.pending)) {
		kept := r.pending[remote][:0]
		for _, p := range r.pending[remote] {
			switch r.classify(p.tick, p.msg) {
			case updateReady:
				g := group(p.tick)
				g.Batch.Messages = append(g.Batch.Messages, p.msg)
				r.pendingLen--
			case updateStale:
				r.log.Debug().Uint32("entity", remote).Msg("dropping buffered update that can no longer apply")
				r.pendingLen--
			case updateWaiting:
				kept = append(kept, p)
			}
		}
		if len(kept) == 0 {
			delete(r.pending, remote)
		} else {
			r.pending[remote] = kept
		}
	}
	slices.SortStableFunc(out, func(a, b Released) int {
		return int(a.Tick.Diff(b.Tick))
	})
	return out
}

// Pending returns the number of buffered updates.
func (r *Receiver) Pending() int {
	return r.pendingLen
}

// Reset despawns every replicated entity and forgets all replication state. Pre-predicted entities
// still waiting for confirmation are kept.
func (r *Receiver) Reset(world *ecs.World) []ecs.EntityID {
	locals := r.entities.Locals()
	for _, local := range locals {
		if err := world.Despawn(local); err != nil {
			r.log.Debug().Err(err).Uint32("entity", uint32(local)).Msg("replicated entity already gone")
		}
	}
	r.entities.Clear()
	clear(r.remotes)
	clear(r.pending)
	r.pendingLen = 0
	r.hasActions = false
	return locals
}
