// Package server runs the authoritative simulation: it accepts clients, steps the world with their
// inputs and replicates the result back to them.
package server

import (
	"context"
	"maps"
	"slices"
	"time"

	"github.com/argus-labs/netcode/pkg/auth"
	"github.com/argus-labs/netcode/pkg/channel"
	"github.com/argus-labs/netcode/pkg/ecs"
	"github.com/argus-labs/netcode/pkg/input"
	"github.com/argus-labs/netcode/pkg/internal/session"
	"github.com/argus-labs/netcode/pkg/protocol"
	"github.com/argus-labs/netcode/pkg/replication"
	"github.com/argus-labs/netcode/pkg/telemetry"
	"github.com/argus-labs/netcode/pkg/tick"
	"github.com/argus-labs/netcode/pkg/timesync"
	"github.com/argus-labs/netcode/pkg/transport"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

var (
	// ErrClosed is returned by Update after the server was closed.
	ErrClosed = eris.New("server is closed")

	// ErrUnknownClient is returned for a client id that is not connected.
	ErrUnknownClient = eris.New("unknown client")
)

// maxCatchUpTicks caps the steps a single Update runs after a stall.
const maxCatchUpTicks = 8

// Server is the authoritative side of the simulation. It is single-threaded: Update, and every
// other method, must be called from the same goroutine.
type Server[A input.Action] struct {
	opts        Options
	log         zerolog.Logger
	tr          transport.Transport
	codec       *channel.Codec
	world       *ecs.World
	step        input.StepFunc[A]
	messages    *protocol.Registry
	fingerprint uint64

	sender    *replication.Sender
	guard     *auth.ReplayGuard
	connects  *rate.Limiter
	scheduler *tick.Scheduler

	tick     tick.Tick
	nextSend time.Time
	epoch    uint32
	peers    map[uint64]*peer[A]
	addrs    map[string]uint64 // Remote address -> client id

	events []Event
	inbox  []Message
	closed bool
}

// New creates a server simulating world on the given transport. The world's component registry
// must have the replication builtins registered.
func New[A input.Action](
	tr transport.Transport, world *ecs.World, step input.StepFunc[A], opts Options,
) (*Server[A], error) {
	envs, err := loadOptionsEnv()
	if err != nil {
		return nil, eris.Wrap(err, "failed to load server options env vars")
	}
	options := newDefaultOptions()
	options.apply(envs)
	options.apply(opts)
	if err := options.validate(); err != nil {
		return nil, eris.Wrap(err, "invalid server options")
	}
	if options.Messages == nil {
		options.Messages = protocol.NewRegistry()
	}
	if step == nil {
		return nil, eris.New("step function cannot be nil")
	}

	var logger zerolog.Logger
	if options.Logger != nil {
		logger = *options.Logger
	} else {
		tel, err := telemetry.New(telemetry.Options{ServiceName: "server"})
		if err != nil {
			return nil, eris.Wrap(err, "failed to initialize telemetry")
		}
		logger = tel.GetLogger("loop")
	}

	if _, err := world.Registry().KindOf(replication.Controlled{}); err != nil {
		return nil, eris.Wrap(err, "replication builtins must be registered")
	}
	codec, err := channel.NewCodec(channel.ParseCompression(options.Channel.Compression))
	if err != nil {
		return nil, eris.Wrap(err, "failed to create packet codec")
	}

	return &Server[A]{
		opts:        options,
		log:         logger,
		tr:          tr,
		codec:       codec,
		world:       world,
		step:        step,
		messages:    options.Messages,
		fingerprint: session.Fingerprint(world.Registry(), options.Messages),
		sender:      replication.NewSender(world.Registry(), logger.With().Str("part", "replication").Logger()),
		guard:       auth.NewReplayGuard(),
		connects:    rate.NewLimiter(rate.Limit(options.ConnectsPerSecond), int(options.ConnectsPerSecond)+1),
		scheduler:   tick.NewScheduler(options.TickDuration, maxCatchUpTicks),
		peers:       make(map[uint64]*peer[A]),
		addrs:       make(map[string]uint64),
	}, nil
}

// Run calls Update once per tick until ctx is cancelled, then disconnects every client.
func (s *Server[A]) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.TickDuration)
	defer ticker.Stop()

	s.log.Info().Str("addr", s.tr.LocalAddr().String()).Msg("server started")
	for {
		select {
		case now := <-ticker.C:
			if err := s.Update(now); err != nil {
				return eris.Wrap(err, "failed to update server")
			}
		case <-ctx.Done():
			if err := s.Close(); err != nil {
				s.log.Error().Err(err).Msg("failed to close server")
			}
			return ctx.Err()
		}
	}
}

// Update runs one iteration of the server loop: receive, step every tick that is due, replicate
// when the send interval has elapsed, send.
func (s *Server[A]) Update(now time.Time) error {
	if s.closed {
		return ErrClosed
	}

	s.receive(now)
	s.expire(now)

	for range s.scheduler.Advance(now) {
		if err := s.stepOnce(); err != nil {
			return err
		}
	}

	if !now.Before(s.nextSend) {
		s.nextSend = now.Add(s.opts.SendInterval)
		if err := s.replicate(); err != nil {
			return err
		}
	}

	s.flush(now)
	return nil
}

// -------------------------------------------------------------------------------------------------
// Simulation
// -------------------------------------------------------------------------------------------------

func (s *Server[A]) stepOnce() error {
	s.tick = s.tick.Next()

	inputs := input.NewInputs[A]()
	for _, client := range s.clients() {
		p := s.peers[client]
		for _, target := range p.inputs.Targets() {
			state, ok := p.inputs.Get(target, s.tick)
			if !ok {
				continue
			}
			switch target.Kind {
			case input.TargetGlobal:
				inputs.Globals[client] = state
			case input.TargetEntity:
				id := ecs.EntityID(target.Entity)
				if owner, ok := s.controller(id); ok && owner == client {
					inputs.Entities[id] = state
				} else if !s.world.Alive(id) {
					p.inputs.Remove(target)
				}
			case input.TargetUndefined, input.TargetPrePredicted:
			}
		}
	}

	if err := s.step(s.world, s.tick, inputs); err != nil {
		return eris.Wrapf(err, "step failed at tick %d", s.tick)
	}

	for _, p := range s.peers {
		p.inputs.Pop(s.tick)
	}
	return nil
}

// controller returns the client controlling id.
func (s *Server[A]) controller(id ecs.EntityID) (uint64, bool) {
	c, ok := ecs.Get[replication.Controlled](s.world, id)
	return c.Client, ok
}

func (s *Server[A]) replicate() error {
	out, err := s.sender.Collect(s.world)
	if err != nil {
		return eris.Wrap(err, "failed to collect replication")
	}

	maxBytes := session.MaxPayload(s.opts.Channel)
	for _, client := range s.sender.Peers() {
		p, ok := s.peers[client]
		if !ok {
			continue
		}
		if p.resync {
			p.resync = false
			s.epoch++
			if !s.sendControl(p, protocol.KindResyncBegin, protocol.ResyncBegin{Epoch: s.epoch}) {
				continue
			}
		}
		o := out[client]
		if o == nil {
			continue
		}
		if !s.sendBatches(p, protocol.KindEntityActions, o.Actions, maxBytes) {
			continue
		}
		s.sendBatches(p, protocol.KindEntityUpdates, o.Updates, maxBytes)
	}
	return nil
}

// sendBatches reports whether the peer is still connected afterwards.
func (s *Server[A]) sendBatches(p *peer[A], kind protocol.Kind, msgs []replication.Message, maxBytes int) bool {
	if len(msgs) == 0 {
		return true
	}
	batches, err := replication.EncodeBatches(msgs, maxBytes)
	if err != nil {
		s.log.Error().Err(err).Uint64("client", p.client).Msg("failed to encode replication")
		return true
	}
	for _, b := range batches {
		if err := p.conn.Send(kind, s.tick, b); err != nil {
			s.log.Warn().Err(err).Uint64("client", p.client).Msg("replication channel failed")
			s.disconnect(p.client, protocol.ReasonChannelFailed)
			return false
		}
	}
	return true
}

// sendControl reports whether the peer is still connected afterwards.
func (s *Server[A]) sendControl(p *peer[A], kind protocol.Kind, body any) bool {
	payload, err := protocol.Encode(body)
	if err != nil {
		s.log.Error().Err(err).Str("kind", s.messages.Name(kind)).Msg("failed to encode message")
		return true
	}
	if err := p.conn.Send(kind, s.tick, payload); err != nil {
		s.log.Warn().Err(err).Uint64("client", p.client).Msg("channel failed")
		s.disconnect(p.client, protocol.ReasonChannelFailed)
		return false
	}
	return true
}

// -------------------------------------------------------------------------------------------------
// Network
// -------------------------------------------------------------------------------------------------

func (s *Server[A]) receive(now time.Time) {
	for {
		d, ok, err := s.tr.Receive()
		if err != nil {
			if eris.Is(err, transport.ErrClosed) {
				return
			}
			s.log.Warn().Err(err).Msg("transport receive failed")
			continue
		}
		if !ok {
			break
		}
		s.handleDatagram(now, d)
	}

	for _, client := range s.clients() {
		if p, ok := s.peers[client]; ok {
			s.dispatch(now, p)
		}
	}
}

func (s *Server[A]) handleDatagram(now time.Time, d transport.Datagram) {
	client, known := s.addrs[d.Addr.String()]
	p := s.peers[client]

	packet, err := s.codec.Decode(d.Data)
	if err != nil {
		if known {
			s.violation(now, p, err)
		} else {
			s.log.Debug().Err(err).Str("addr", d.Addr.String()).Msg("dropping malformed packet")
		}
		return
	}

	switch packet.Kind {
	case channel.PacketConnectRequest:
		s.handleConnect(now, d.Addr, packet.Body)
	case channel.PacketPayload:
		if !known {
			s.log.Debug().Str("addr", d.Addr.String()).Msg("payload from unknown address")
			return
		}
		if err := p.conn.Receive(now, packet); err != nil {
			s.violation(now, p, err)
		}
	case channel.PacketDisconnect:
		if known {
			s.drop(client, protocol.ReasonRequested)
		}
	case channel.PacketUndefined, channel.PacketConnectAccept, channel.PacketConnectDeny:
		if known {
			s.violation(now, p, eris.Errorf("unexpected packet kind %d", packet.Kind))
		}
	}
}

// dispatch handles the messages a peer delivered this update.
func (s *Server[A]) dispatch(now time.Time, p *peer[A]) {
	in, bad := p.conn.Read()
	for _, err := range bad {
		if !s.violation(now, p, err) {
			return
		}
	}

	for _, msg := range in {
		env := msg.Envelope
		var err error
		switch env.Kind {
		case protocol.KindPing:
			var ping protocol.Ping
			if err = protocol.Decode(env.Payload, &ping); err == nil {
				p.pings = append(p.pings, pendingPing{ping: ping, at: now})
			}
		case protocol.KindInput:
			err = s.receiveInput(p, env.Payload)
		case protocol.KindResyncRequest:
			s.log.Info().Uint64("client", p.client).Msg("client requested resync")
			s.sender.Resync(p.client)
			p.resync = true
			s.events = append(s.events, Event{Kind: EventResync, Client: p.client})
		case protocol.KindPrePredictedSpawn:
			err = s.spawnPrePredicted(p, env.Payload)
		case protocol.KindPong, protocol.KindEntityActions, protocol.KindEntityUpdates, protocol.KindResyncBegin:
			err = eris.Errorf("client sent %s", s.messages.Name(env.Kind))
		case protocol.KindUndefined:
			err = eris.New("message has no kind")
		default:
			s.inbox = append(s.inbox, Message{Client: p.client, Kind: env.Kind, Tick: env.Tick, Payload: env.Payload})
		}
		if err != nil && !s.violation(now, p, err) {
			return
		}
	}
}

func (s *Server[A]) receiveInput(p *peer[A], payload []byte) error {
	msg, err := input.DecodeMessage[A](payload)
	if err != nil {
		return err
	}

	// Once the server knows a pre-predicted entity, input sent for it before the client learned
	// the server id continues the same target.
	for i := range msg.Windows {
		w := &msg.Windows[i]
		if w.Target.Kind != input.TargetPrePredicted {
			continue
		}
		if id, ok := p.prePredicted[w.Target.Entity]; ok {
			w.Target = input.EntityTarget(uint32(id))
		}
	}

	var foreign error
	err = p.inputs.Receive(msg, func(target input.Target) bool {
		switch target.Kind {
		case input.TargetGlobal:
			return true
		case input.TargetEntity:
			id := ecs.EntityID(target.Entity)
			owner, ok := s.controller(id)
			if ok && owner == p.client {
				return true
			}
			if ok {
				foreign = eris.Errorf("input for entity %d controlled by client %d", id, owner)
			}
			return false
		case input.TargetPrePredicted, input.TargetUndefined:
		}
		// Input for a pre-predicted entity the server has not seen yet is dropped.
		return false
	})
	if err != nil {
		return err
	}
	return foreign
}

func (s *Server[A]) spawnPrePredicted(p *peer[A], payload []byte) error {
	var req replication.PrePredictedSpawn
	if err := protocol.Decode(payload, &req); err != nil {
		return err
	}
	if _, dup := p.prePredicted[req.ClientEntity]; dup {
		return eris.Errorf("pre-predicted entity %d spawned twice", req.ClientEntity)
	}
	comps, err := s.world.Registry().DecodeAll(req.Components)
	if err != nil {
		return err
	}
	comps = slices.DeleteFunc(comps, func(c ecs.Component) bool {
		switch c.(type) {
		case replication.Controlled, replication.PrePredicted:
			return true
		}
		return false
	})
	comps = append(comps,
		replication.Controlled{Client: p.client},
		replication.PrePredicted{ClientEntity: req.ClientEntity},
	)

	id, err := s.world.Spawn(comps...)
	if err != nil {
		return eris.Wrap(err, "failed to spawn pre-predicted entity")
	}
	p.prePredicted[req.ClientEntity] = id
	s.sender.Replicate(id, replication.Rule{Target: replication.All()})
	s.events = append(s.events, Event{Kind: EventPrePredictedSpawned, Client: p.client, Entity: id})
	return nil
}

// violation counts err against the peer's budget and reports whether the peer is still connected.
func (s *Server[A]) violation(now time.Time, p *peer[A], err error) bool {
	s.log.Warn().Err(err).Uint64("client", p.client).Msg("protocol violation")
	if err := p.violations.Record(now); err != nil {
		s.disconnect(p.client, protocol.ReasonProtocolViolation)
		return false
	}
	return true
}

func (s *Server[A]) expire(now time.Time) {
	for _, client := range s.clients() {
		p := s.peers[client]
		last := p.conn.LastReceived()
		if last.Before(p.connectedAt) {
			last = p.connectedAt
		}
		if now.Sub(last) > s.opts.ClientTimeout {
			s.disconnect(client, protocol.ReasonTimeout)
		}
	}
}

func (s *Server[A]) flush(now time.Time) {
	for _, client := range s.clients() {
		p := s.peers[client]
		for _, pp := range p.pings {
			if !s.sendControl(p, protocol.KindPong, timesync.Pong(pp.ping, pp.at, now, s.tick)) {
				break
			}
		}
		if _, ok := s.peers[client]; !ok {
			continue
		}
		p.pings = p.pings[:0]

		if err := p.conn.Flush(now, s.tick, s.codec, s.tr, &s.log); err != nil {
			s.log.Warn().Err(err).Uint64("client", client).Msg("channel failed")
			s.disconnect(client, protocol.ReasonChannelFailed)
		}
	}
}

func (s *Server[A]) clients() []uint64 {
	return slices.Sorted(maps.Keys(s.peers))
}

// -------------------------------------------------------------------------------------------------
// Connection lifecycle
// -------------------------------------------------------------------------------------------------

// disconnect tells the client why and drops it.
func (s *Server[A]) disconnect(client uint64, reason protocol.DisconnectReason) {
	p, ok := s.peers[client]
	if !ok {
		return
	}
	err := session.SendControl(s.tr, s.codec, p.conn.Addr, channel.PacketDisconnect, protocol.Disconnect{Reason: reason})
	if err != nil {
		s.log.Debug().Err(err).Uint64("client", client).Msg("failed to send disconnect")
	}
	s.drop(client, reason)
}

// drop releases every piece of state held for client.
func (s *Server[A]) drop(client uint64, reason protocol.DisconnectReason) {
	p, ok := s.peers[client]
	if !ok {
		return
	}
	delete(s.peers, client)
	delete(s.addrs, p.conn.Addr.String())
	s.sender.RemovePeer(client)

	s.log.Info().
		Uint64("client", client).
		Stringer("session", p.sessionID).
		Stringer("reason", reason).
		Msg("client disconnected")
	s.events = append(s.events, Event{Kind: EventDisconnected, Client: client, Reason: reason})
}

// Close disconnects every client and closes the transport.
func (s *Server[A]) Close() error {
	if s.closed {
		return nil
	}
	for _, client := range s.clients() {
		s.disconnect(client, protocol.ReasonServerShutdown)
	}
	s.closed = true
	return s.tr.Close()
}

// -------------------------------------------------------------------------------------------------
// Host API
// -------------------------------------------------------------------------------------------------

// World returns the authoritative world.
func (s *Server[A]) World() *ecs.World {
	return s.world
}

// Tick returns the last simulated tick.
func (s *Server[A]) Tick() tick.Tick {
	return s.tick
}

// Clients returns the connected clients in ascending order.
func (s *Server[A]) Clients() []uint64 {
	return s.clients()
}

// Replicate starts replicating id to the clients the rule targets, or changes its rule.
func (s *Server[A]) Replicate(id ecs.EntityID, rule replication.Rule) {
	s.sender.Replicate(id, rule)
}

// StopReplicating despawns id on every client that has it. The entity stays in the world.
func (s *Server[A]) StopReplicating(id ecs.EntityID) {
	s.sender.Stop(id)
}

// Send queues a host message for client.
func (s *Server[A]) Send(client uint64, kind protocol.Kind, payload []byte) error {
	p, ok := s.peers[client]
	if !ok {
		return eris.Wrapf(ErrUnknownClient, "client %d", client)
	}
	if kind < protocol.KindUserStart {
		return eris.Errorf("kind %d is reserved", kind)
	}
	return p.conn.Send(kind, s.tick, payload)
}

// Broadcast queues a host message for every client target includes.
func (s *Server[A]) Broadcast(kind protocol.Kind, payload []byte, target replication.NetworkTarget) error {
	for _, client := range target.Resolve(s.clients()) {
		if err := s.Send(client, kind, payload); err != nil {
			return eris.Wrapf(err, "failed to send to client %d", client)
		}
	}
	return nil
}

// Messages drains the host messages received from clients.
func (s *Server[A]) Messages() []Message {
	out := s.inbox
	s.inbox = nil
	return out
}

// Events drains the events since the last call.
func (s *Server[A]) Events() []Event {
	out := s.events
	s.events = nil
	return out
}

// Disconnect drops a client.
func (s *Server[A]) Disconnect(client uint64) {
	s.disconnect(client, protocol.ReasonRequested)
}

// Stats returns the link counters of a client.
func (s *Server[A]) Stats(client uint64) (channel.Stats, bool) {
	p, ok := s.peers[client]
	if !ok {
		return channel.Stats{}, false
	}
	return p.conn.Stats(), true
}

// Addr returns the address clients connect to.
func (s *Server[A]) Addr() string {
	return s.tr.LocalAddr().String()
}
