package replication

import (
	"maps"
	"reflect"
	"slices"

	"github.com/argus-labs/netcode/pkg/ecs"
	"github.com/kelindar/bitmap"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// Rule says who receives an entity and which of its components.
type Rule struct {
	Target NetworkTarget
	Kinds  []ecs.Kind // Empty replicates every component
}

func (r Rule) replicates(kind ecs.Kind) bool {
	return len(r.Kinds) == 0 || slices.Contains(r.Kinds, kind)
}

// Outgoing is what one peer receives in one send interval.
type Outgoing struct {
	Actions []Message // Spawn, Despawn, Insert, Remove
	Updates []Message
}

type replicated struct {
	rule    Rule
	last    map[ecs.Kind]ecs.Component // Components as last sent
	viewers bitmap.Bitmap              // Peer slots that have the entity
	seq     map[uint32]uint32          // Peer slot -> Seq of the last action sent
}

// action stamps the next action for slot.
func (e *replicated) action(slot uint32, msg Message) Message {
	e.seq[slot]++
	msg.Seq = e.seq[slot]
	return msg
}

// Sender diffs replicated entities against what each peer has and produces the messages that
// bring every peer up to date.
type Sender struct {
	registry *ecs.Registry
	log      zerolog.Logger

	entities map[ecs.EntityID]*replicated
	stopped  []ecs.EntityID

	slots     map[uint64]uint32 // Client id -> peer slot
	clients   []uint64          // Connected clients in ascending order
	freeSlots []uint32
	nextSlot  uint32
}

func NewSender(registry *ecs.Registry, logger zerolog.Logger) *Sender {
	return &Sender{
		registry: registry,
		log:      logger,
		entities: make(map[ecs.EntityID]*replicated),
		slots:    make(map[uint64]uint32),
	}
}

// Replicate starts replicating id, or changes its rule. Peers that leave the audience receive a
// Despawn, peers that join it a Spawn.
func (s *Sender) Replicate(id ecs.EntityID, rule Rule) {
	if e, ok := s.entities[id]; ok {
		e.rule = rule
		return
	}
	s.entities[id] = &replicated{
		rule: rule,
		last: make(map[ecs.Kind]ecs.Component),
		seq:  make(map[uint32]uint32),
	}
}

// Stop stops replicating id. Peers that have it receive a Despawn.
func (s *Sender) Stop(id ecs.EntityID) {
	if _, ok := s.entities[id]; ok {
		s.stopped = append(s.stopped, id)
	}
}

// Replicated reports whether id is being replicated.
func (s *Sender) Replicated(id ecs.EntityID) bool {
	_, ok := s.entities[id]
	return ok
}

// AddPeer makes a client part of the connected set. Everything visible to it is spawned on the
// next Collect.
func (s *Sender) AddPeer(client uint64) {
	if _, ok := s.slots[client]; ok {
		return
	}
	var slot uint32
	if n := len(s.freeSlots); n > 0 {
		slot = s.freeSlots[n-1]
		s.freeSlots = s.freeSlots[:n-1]
	} else {
		slot = s.nextSlot
		s.nextSlot++
	}
	s.slots[client] = slot
	s.clients = append(s.clients, client)
	slices.Sort(s.clients)
}

// RemovePeer forgets a client and everything it was sent.
func (s *Sender) RemovePeer(client uint64) {
	slot, ok := s.slots[client]
	if !ok {
		return
	}
	for _, e := range s.entities {
		e.viewers.Remove(slot)
		delete(e.seq, slot)
	}
	delete(s.slots, client)
	s.clients = slices.DeleteFunc(s.clients, func(c uint64) bool { return c == client })
	s.freeSlots = append(s.freeSlots, slot)
}

// Resync forgets what client has so the next Collect spawns every visible entity again. Action
// numbering carries on so updates sent before the resync stay recognisable as stale.
func (s *Sender) Resync(client uint64) {
	slot, ok := s.slots[client]
	if !ok {
		return
	}
	for _, e := range s.entities {
		e.viewers.Remove(slot)
	}
}

// Peers returns the connected clients in ascending order.
func (s *Sender) Peers() []uint64 {
	return slices.Clone(s.clients)
}

// Collect diffs every replicated entity against what each peer last received and returns the
// messages per peer. Entities are visited in ascending id order. Each peer gets at most one
// message per entity and action, so a Spawn always carries the full component set.
func (s *Sender) Collect(world *ecs.World) (map[uint64]*Outgoing, error) {
	out := make(map[uint64]*Outgoing)
	peer := func(client uint64) *Outgoing {
		o, ok := out[client]
		if !ok {
			o = &Outgoing{}
			out[client] = o
		}
		return o
	}

	for _, id := range s.stopped {
		if e, ok := s.entities[id]; ok {
			s.despawnAll(id, e, peer)
			delete(s.entities, id)
		}
	}
	s.stopped = s.stopped[:0]

	for _, id := range slices.Sorted(maps.Keys(s.entities)) {
		e := s.entities[id]
		if !world.Alive(id) {
			s.despawnAll(id, e, peer)
			delete(s.entities, id)
			continue
		}
		if err := s.collectEntity(world, id, e, peer); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Sender) despawnAll(id ecs.EntityID, e *replicated, peer func(uint64) *Outgoing) {
	for _, client := range s.clients {
		if slot := s.slots[client]; e.viewers.Contains(slot) {
			o := peer(client)
			o.Actions = append(o.Actions, e.action(slot, Message{Action: ActionDespawn, Entity: uint32(id)}))
		}
	}
}

func (s *Sender) collectEntity(
	world *ecs.World, id ecs.EntityID, e *replicated, peer func(uint64) *Outgoing,
) error {
	comps, err := world.Components(id)
	if err != nil {
		return err
	}
	current := make(map[ecs.Kind]ecs.Component, len(comps))
	for _, c := range comps {
		kind, err := s.registry.KindOf(c)
		if err != nil {
			return err
		}
		if e.rule.replicates(kind) {
			current[kind] = c
		}
	}

	var inserted, updated []ecs.Component
	var removed []ecs.Kind
	for _, kind := range slices.Sorted(maps.Keys(current)) {
		prev, ok := e.last[kind]
		switch {
		case !ok:
			inserted = append(inserted, current[kind])
		case !reflect.DeepEqual(prev, current[kind]):
			updated = append(updated, current[kind])
		}
	}
	for _, kind := range slices.Sorted(maps.Keys(e.last)) {
		if _, ok := current[kind]; !ok {
			removed = append(removed, kind)
		}
	}

	var full, ins, upd []ecs.EncodedComponent
	encode := func(list []ecs.Component) ([]ecs.EncodedComponent, error) {
		if len(list) == 0 {
			return nil, nil
		}
		encoded, err := s.registry.EncodeAll(list)
		if err != nil {
			return nil, eris.Wrapf(err, "failed to encode components of entity %d", id)
		}
		return encoded, nil
	}
	if ins, err = encode(inserted); err != nil {
		return err
	}
	if upd, err = encode(updated); err != nil {
		return err
	}

	entity := uint32(id)
	for _, client := range s.clients {
		slot := s.slots[client]
		visible := e.rule.Target.Includes(client)
		has := e.viewers.Contains(slot)

		switch {
		case visible && !has:
			if full == nil {
				sorted := make([]ecs.Component, 0, len(current))
				for _, kind := range slices.Sorted(maps.Keys(current)) {
					sorted = append(sorted, current[kind])
				}
				if full, err = encode(sorted); err != nil {
					return err
				}
			}
			o := peer(client)
			o.Actions = append(o.Actions, e.action(slot, Message{Action: ActionSpawn, Entity: entity, Components: full}))
			e.viewers.Set(slot)

		case visible && has:
			o := peer(client)
			if len(ins) > 0 {
				o.Actions = append(o.Actions, e.action(slot, Message{Action: ActionInsert, Entity: entity, Components: ins}))
			}
			if len(removed) > 0 {
				o.Actions = append(o.Actions, e.action(slot, Message{Action: ActionRemove, Entity: entity, Kinds: removed}))
			}
			if len(upd) > 0 {
				o.Updates = append(o.Updates, Message{
					Action:     ActionUpdate,
					Entity:     entity,
					Seq:        e.seq[slot],
					Components: upd,
				})
			}

		case !visible && has:
			o := peer(client)
			o.Actions = append(o.Actions, e.action(slot, Message{Action: ActionDespawn, Entity: entity}))
			e.viewers.Remove(slot)
		}
	}

	e.last = current
	return nil
}
