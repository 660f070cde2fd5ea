// Package client runs a predicted copy of the simulation. It connects to a server, keeps its tick
// ahead of the server's, sends its inputs, and corrects its prediction from replicated state.
package client

import (
	"context"
	"maps"
	"net"
	"slices"
	"time"

	"github.com/argus-labs/netcode/pkg/assert"
	"github.com/argus-labs/netcode/pkg/channel"
	"github.com/argus-labs/netcode/pkg/ecs"
	"github.com/argus-labs/netcode/pkg/input"
	"github.com/argus-labs/netcode/pkg/internal/session"
	"github.com/argus-labs/netcode/pkg/prediction"
	"github.com/argus-labs/netcode/pkg/protocol"
	"github.com/argus-labs/netcode/pkg/replication"
	"github.com/argus-labs/netcode/pkg/telemetry"
	"github.com/argus-labs/netcode/pkg/tick"
	"github.com/argus-labs/netcode/pkg/timesync"
	"github.com/argus-labs/netcode/pkg/transport"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

var (
	// ErrNotConnected is returned by operations that need a connection.
	ErrNotConnected = eris.New("client is not connected")

	// ErrNoToken is returned by Connect when no connect token was configured.
	ErrNoToken = eris.New("no connect token")
)

// maxCatchUpTicks caps the steps a single Update runs after a stall.
const maxCatchUpTicks = 8

// Client is one predicted instance of the simulation. It is single-threaded: Update, and every
// other method, must be called from the same goroutine.
type Client[A input.Action] struct {
	opts        Options
	log         zerolog.Logger
	tr          transport.Transport
	server      net.Addr
	codec       *channel.Codec
	world       *ecs.World
	step        input.StepFunc[A]
	messages    *protocol.Registry
	fingerprint uint64

	state       State
	id          uint64
	startedAt   time.Time // Connect was called
	nextRequest time.Time
	connectedAt time.Time

	conn       *session.Conn
	sync       *timesync.Manager
	scheduler  *tick.Scheduler
	prediction *prediction.Controller
	receiver   *replication.Receiver
	violations *protocol.ViolationBudget

	tick          tick.Tick
	nextSend      time.Time
	resyncPending bool

	live      map[ecs.EntityID]*input.ActionState[A] // Current input per entity, written by the host
	recorders map[ecs.EntityID]*input.Recorder[A]
	global    *input.ActionState[A]
	globalRec *input.Recorder[A]

	events []Event
	inbox  []Message
}

// New creates a client for the server at serverAddr. The world's component registry must match
// the server's.
func New[A input.Action](
	tr transport.Transport, serverAddr net.Addr, world *ecs.World, step input.StepFunc[A], opts Options,
) (*Client[A], error) {
	envs, err := loadOptionsEnv()
	if err != nil {
		return nil, eris.Wrap(err, "failed to load client options env vars")
	}
	options := newDefaultOptions()
	options.apply(envs)
	options.apply(opts)
	if err := options.validate(); err != nil {
		return nil, eris.Wrap(err, "invalid client options")
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
		tel, err := telemetry.New(telemetry.Options{ServiceName: "client"})
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
	sync, err := timesync.NewManager(options.Sync, options.TickDuration, logger.With().Str("part", "sync").Logger())
	if err != nil {
		return nil, err
	}
	controller, err := prediction.NewController(
		options.Prediction, world.Registry(), logger.With().Str("part", "prediction").Logger())
	if err != nil {
		return nil, err
	}
	globalRec, err := input.NewRecorder[A](options.Input)
	if err != nil {
		return nil, err
	}

	return &Client[A]{
		opts:        options,
		log:         logger,
		tr:          tr,
		server:      serverAddr,
		codec:       codec,
		world:       world,
		step:        step,
		messages:    options.Messages,
		fingerprint: session.Fingerprint(world.Registry(), options.Messages),
		sync:        sync,
		scheduler:   tick.NewScheduler(options.TickDuration, maxCatchUpTicks),
		prediction:  controller,
		violations:  protocol.NewViolationBudget(options.ViolationsPerSecond, options.ViolationBurst),
		live:        make(map[ecs.EntityID]*input.ActionState[A]),
		recorders:   make(map[ecs.EntityID]*input.Recorder[A]),
		global:      input.NewActionState[A](),
		globalRec:   globalRec,
	}, nil
}

// Connect starts connecting. The connect request is resent by Update until the server answers or
// the connect timeout passes.
func (c *Client[A]) Connect(now time.Time) error {
	if len(c.opts.Token) == 0 {
		return ErrNoToken
	}
	if c.state != StateDisconnected {
		return nil
	}
	c.state = StateConnecting
	c.startedAt = now
	c.nextRequest = now
	return nil
}

// Run connects and calls Update once per tick until ctx is cancelled.
func (c *Client[A]) Run(ctx context.Context) error {
	if err := c.Connect(time.Now()); err != nil {
		return err
	}
	ticker := time.NewTicker(c.opts.TickDuration)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			if err := c.Update(now); err != nil {
				return eris.Wrap(err, "failed to update client")
			}
		case <-ctx.Done():
			if err := c.Close(); err != nil {
				c.log.Error().Err(err).Msg("failed to close client")
			}
			return ctx.Err()
		}
	}
}

// Update runs one iteration of the client loop: receive, rollback if a correction is pending, step
// every tick that is due, send.
func (c *Client[A]) Update(now time.Time) error {
	if c.state == StateDisconnected {
		return nil
	}

	c.receive(now)
	switch c.state {
	case StateConnecting:
		c.request(now)
		return nil
	case StateDisconnected:
		return nil
	case StateConnected:
	}

	last := c.conn.LastReceived()
	if last.Before(c.connectedAt) {
		last = c.connectedAt
	}
	if now.Sub(last) > c.opts.ServerTimeout {
		c.drop(protocol.ReasonTimeout, true)
		return nil
	}

	res := c.sync.Update(now, c.tick)
	if res.JustSynced {
		c.tick = res.InitialTick
		c.scheduler.Reset(now)
		c.events = append(c.events, Event{Kind: EventSynced, Tick: c.tick})
	}
	if res.Synced {
		c.scheduler.SetSpeed(res.Speed)
		if err := c.rollback(); err != nil {
			return err
		}
		if c.state != StateConnected {
			return nil
		}
		for range c.scheduler.Advance(now) {
			if err := c.stepOnce(); err != nil {
				return err
			}
		}
		c.pop(now)
		if !now.Before(c.nextSend) {
			c.nextSend = now.Add(c.opts.SendInterval)
			c.sendInput()
		}
	}

	if ping, ok := c.sync.Ping(now); ok && c.state == StateConnected {
		c.sendMessage(protocol.KindPing, ping)
	}
	if c.state == StateConnected {
		if err := c.conn.Flush(now, c.tick, c.codec, c.tr, &c.log); err != nil {
			c.log.Warn().Err(err).Msg("channel failed")
			c.drop(protocol.ReasonChannelFailed, true)
		}
	}
	return nil
}

// -------------------------------------------------------------------------------------------------
// Prediction
// -------------------------------------------------------------------------------------------------

func (c *Client[A]) stepOnce() error {
	c.tick = c.tick.Next()
	c.sample()

	if err := c.step(c.world, c.tick, c.inputsAt(c.tick)); err != nil {
		return eris.Wrapf(err, "step failed at tick %d", c.tick)
	}
	c.prediction.Record(c.world, c.tick, c.predicted())
	return nil
}

// sample records the host's current input for the tick it takes effect at.
func (c *Client[A]) sample() {
	at := c.tick.Add(int16(c.opts.Input.DelayTicks)) //nolint:gosec // validated to be small
	for id, rec := range c.recorders {
		if !c.world.Alive(id) {
			delete(c.recorders, id)
			delete(c.live, id)
			continue
		}
		rec.Record(at, c.live[id])
		c.live[id].Tick()
	}
	c.globalRec.Record(at, c.global)
	c.global.Tick()
}

// inputsAt returns the recorded inputs for t.
func (c *Client[A]) inputsAt(t tick.Tick) input.Inputs[A] {
	in := input.NewInputs[A]()
	for id, rec := range c.recorders {
		if s, ok := rec.State(t); ok {
			in.Entities[id] = s
		}
	}
	if s, ok := c.globalRec.State(t); ok {
		in.Globals[c.id] = s
	}
	return in
}

// predicted returns the entities this client predicts: the ones it controls and its own
// pre-predicted spawns.
func (c *Client[A]) predicted() []ecs.EntityID {
	var out []ecs.EntityID
	for _, id := range c.world.Entities() {
		if ctrl, ok := ecs.Get[replication.Controlled](c.world, id); ok && ctrl.Client == c.id {
			out = append(out, id)
		} else if c.receiver != nil && c.receiver.PendingPrePredicted(id) {
			out = append(out, id)
		}
	}
	return out
}

func (c *Client[A]) rollback() error {
	st := c.prediction.State()
	if st.Mode != prediction.ModeShouldRollback {
		return nil
	}
	err := c.prediction.Rollback(c.world, c.tick, c.predicted(), func(t tick.Tick) error {
		return c.step(c.world, t, c.inputsAt(t))
	})
	if eris.Is(err, prediction.ErrDesync) {
		c.desync(err)
		return nil
	}
	if err != nil {
		return err
	}
	c.events = append(c.events, Event{Kind: EventRollback, Tick: st.Tick})
	return nil
}

// desync drops the prediction history and asks the server for its full state.
func (c *Client[A]) desync(err error) {
	c.log.Warn().Err(err).Uint16("tick", uint16(c.tick)).Msg("prediction desync")
	c.events = append(c.events, Event{Kind: EventDesync, Tick: c.tick})
	c.prediction.Reset()
	if !c.resyncPending {
		c.resyncPending = true
		c.sendMessage(protocol.KindResyncRequest, struct{}{})
	}
}

// pop evicts input nobody can ask for anymore: older than the interpolation tick, outside the
// redundancy window and older than any tick a rollback can replay. Whatever is left, including
// what the buffer capacity allows, becomes the prediction's input horizon.
func (c *Client[A]) pop(now time.Time) {
	upto := inputHorizon(c.tick, c.sync.InterpolationTick(now, c.tick), c.opts)
	for _, rec := range c.recorders {
		rec.Pop(upto)
	}
	c.globalRec.Pop(upto)
	c.prediction.SetInputHorizon(upto)
}

// inputHorizon returns the oldest tick whose input is kept at live tick t.
func inputHorizon(t, interpolation tick.Tick, opts Options) tick.Tick {
	upto := interpolation
	window := opts.Input.WindowTicks(opts.SendInterval, opts.TickDuration)
	if w := t.Sub(int16(window)); w.Before(upto) { //nolint:gosec // bounded by the buffer size
		upto = w
	}
	if h := t.Sub(int16(opts.Prediction.HistoryTicks - 1)); h.Before(upto) { //nolint:gosec // validated
		upto = h
	}
	// The recorders hold BufferTicks ticks up to the delayed tick, older ones are overwritten.
	last := t.Add(int16(opts.Input.DelayTicks))                          //nolint:gosec // validated to be small
	if b := last.Sub(int16(opts.Input.BufferTicks - 1)); b.After(upto) { //nolint:gosec // validated
		upto = b
	}
	return upto
}

func (c *Client[A]) sendInput() {
	end := c.tick.Add(int16(c.opts.Input.DelayTicks)) //nolint:gosec // validated to be small
	length := c.opts.Input.WindowTicks(c.opts.SendInterval, c.opts.TickDuration)

	var sources []input.Source[A]
	for _, id := range slices.Sorted(maps.Keys(c.recorders)) {
		var target input.Target
		if remote, ok := c.receiver.Entities().Remote(id); ok {
			target = input.EntityTarget(remote)
		} else if c.receiver.PendingPrePredicted(id) {
			target = input.PrePredictedTarget(uint32(id))
		} else {
			continue
		}
		sources = append(sources, input.Source[A]{Target: target, Recorder: c.recorders[id]})
	}
	sources = append(sources, input.Source[A]{Target: input.GlobalTarget(), Recorder: c.globalRec})

	msg := input.BuildMessage(end, length, sources)
	if len(msg.Windows) == 0 {
		return
	}
	payload, err := msg.Encode()
	if err != nil {
		c.log.Error().Err(err).Msg("failed to encode input")
		return
	}
	if err := c.conn.Send(protocol.KindInput, c.tick, payload); err != nil {
		c.log.Warn().Err(err).Msg("failed to send input")
	}
}

// -------------------------------------------------------------------------------------------------
// Network
// -------------------------------------------------------------------------------------------------

func (c *Client[A]) request(now time.Time) {
	if now.Sub(c.startedAt) > c.opts.ConnectTimeout {
		c.drop(protocol.ReasonConnectTimeout, false)
		return
	}
	if now.Before(c.nextRequest) {
		return
	}
	c.nextRequest = now.Add(c.opts.ConnectRetry)
	req := protocol.ConnectRequest{Token: c.opts.Token, Fingerprint: c.fingerprint}
	if err := session.SendControl(c.tr, c.codec, c.server, channel.PacketConnectRequest, req); err != nil {
		c.log.Warn().Err(err).Msg("failed to send connect request")
	}
}

func (c *Client[A]) receive(now time.Time) {
	for c.state != StateDisconnected {
		d, ok, err := c.tr.Receive()
		if err != nil {
			if eris.Is(err, transport.ErrClosed) {
				return
			}
			c.log.Warn().Err(err).Msg("transport receive failed")
			continue
		}
		if !ok {
			break
		}
		if d.Addr.String() != c.server.String() {
			c.log.Debug().Str("addr", d.Addr.String()).Msg("dropping datagram from unknown address")
			continue
		}
		c.handleDatagram(now, d.Data)
	}

	if c.state == StateConnected {
		c.dispatch(now)
	}
}

func (c *Client[A]) handleDatagram(now time.Time, data []byte) {
	p, err := c.codec.Decode(data)
	if err != nil {
		if c.state == StateConnected {
			c.violation(now, err)
		}
		return
	}

	switch p.Kind {
	case channel.PacketConnectAccept:
		if c.state != StateConnecting {
			return
		}
		var acc protocol.ConnectAccept
		if err := protocol.Decode(p.Body, &acc); err != nil {
			c.log.Warn().Err(err).Msg("malformed connect accept")
			return
		}
		c.accept(now, acc)
	case channel.PacketConnectDeny:
		if c.state != StateConnecting {
			return
		}
		var deny protocol.ConnectDeny
		if err := protocol.Decode(p.Body, &deny); err != nil {
			deny.Reason = protocol.ReasonNone
		}
		c.drop(deny.Reason, false)
	case channel.PacketDisconnect:
		var msg protocol.Disconnect
		if err := protocol.Decode(p.Body, &msg); err != nil {
			msg.Reason = protocol.ReasonNone
		}
		c.drop(msg.Reason, false)
	case channel.PacketPayload:
		if c.state != StateConnected {
			return
		}
		if err := c.conn.Receive(now, p); err != nil {
			c.violation(now, err)
			return
		}
		c.sync.ObserveServerTick(tick.Tick(p.Tick), now)
	case channel.PacketUndefined, channel.PacketConnectRequest:
		if c.state == StateConnected {
			c.violation(now, eris.Errorf("unexpected packet kind %d", p.Kind))
		}
	}
}

func (c *Client[A]) accept(now time.Time, acc protocol.ConnectAccept) {
	conn, err := session.NewConn(c.server, c.opts.Channel, c.messages)
	if err != nil {
		c.log.Error().Err(err).Msg("failed to create connection")
		c.drop(protocol.ReasonNone, true)
		return
	}
	c.conn = conn
	c.id = acc.ClientID
	c.state = StateConnected
	c.connectedAt = now
	c.receiver = replication.NewReceiver(
		c.world.Registry(), c.id, c.violations, c.log.With().Str("part", "replication").Logger())
	c.sync.Reset()
	c.sync.ObserveServerTick(tick.Tick(acc.ServerTick), now)

	c.log.Info().Uint64("client", c.id).Msg("connected")
	c.events = append(c.events, Event{Kind: EventConnected})
}

func (c *Client[A]) dispatch(now time.Time) {
	in, bad := c.conn.Read()
	for _, err := range bad {
		if !c.violation(now, err) {
			return
		}
	}

	for _, msg := range in {
		env := msg.Envelope
		var err error
		switch env.Kind {
		case protocol.KindPong:
			var pong protocol.Pong
			if err = protocol.Decode(env.Payload, &pong); err == nil {
				c.sync.HandlePong(pong, now)
			}
		case protocol.KindEntityActions, protocol.KindEntityUpdates:
			var batch replication.Batch
			if batch, err = replication.DecodeBatch(env.Payload); err == nil {
				c.applyReplication(now, tick.Tick(env.Tick), batch)
				c.applyReleased(now)
			}
		case protocol.KindResyncBegin:
			c.resync()
		case protocol.KindPing, protocol.KindInput, protocol.KindResyncRequest, protocol.KindPrePredictedSpawn:
			err = eris.Errorf("server sent %s", c.messages.Name(env.Kind))
		case protocol.KindUndefined:
			err = eris.New("message has no kind")
		default:
			c.inbox = append(c.inbox, Message{Kind: env.Kind, Tick: env.Tick, Payload: env.Payload})
		}
		if err != nil && !c.violation(now, err) {
			return
		}
		if c.state != StateConnected {
			return
		}
	}
}

// applyReplication applies one batch written by the server at t and checks the prediction
// against it.
func (c *Client[A]) applyReplication(now time.Time, t tick.Tick, batch replication.Batch) {
	c.prediction.BeginBatch(c.world, c.predicted())
	applied, err := c.receiver.Apply(c.world, t, batch, now)
	if err != nil {
		c.log.Warn().Err(err).Msg("server exceeded the violation budget")
		c.drop(protocol.ReasonProtocolViolation, true)
		return
	}

	for _, id := range applied.Spawned {
		c.events = append(c.events, Event{Kind: EventSpawned, Entity: id})
	}
	for _, id := range applied.Bound {
		c.events = append(c.events, Event{Kind: EventBound, Entity: id})
	}
	for _, id := range applied.Despawned {
		c.forget(id)
		c.events = append(c.events, Event{Kind: EventDespawned, Entity: id})
	}

	if err := c.prediction.Check(c.world, t, c.tick, applied.Changed); err != nil {
		c.desync(err)
	}
}

// applyReleased applies the buffered updates the last batch made ready, each group checked
// against the prediction for the tick it was written at.
func (c *Client[A]) applyReleased(now time.Time) {
	if c.state != StateConnected {
		return
	}
	for _, rel := range c.receiver.Release() {
		c.applyReplication(now, rel.Tick, rel.Batch)
		if c.state != StateConnected {
			return
		}
	}
}

// resync discards everything replicated so far. The server follows up with a spawn for every
// entity this client should have.
func (c *Client[A]) resync() {
	for _, id := range c.receiver.Reset(c.world) {
		c.forget(id)
		c.events = append(c.events, Event{Kind: EventDespawned, Entity: id})
	}
	c.prediction.Reset()
	c.resyncPending = false
	c.events = append(c.events, Event{Kind: EventResync})
}

func (c *Client[A]) forget(id ecs.EntityID) {
	delete(c.recorders, id)
	delete(c.live, id)
}

// sendMessage encodes body and queues it. A full channel ends the connection.
func (c *Client[A]) sendMessage(kind protocol.Kind, body any) {
	payload, err := protocol.Encode(body)
	if err != nil {
		c.log.Error().Err(err).Str("kind", c.messages.Name(kind)).Msg("failed to encode message")
		return
	}
	if err := c.conn.Send(kind, c.tick, payload); err != nil {
		c.log.Warn().Err(err).Str("kind", c.messages.Name(kind)).Msg("channel failed")
		c.drop(protocol.ReasonChannelFailed, true)
	}
}

// violation counts err against the server's budget and reports whether the connection survived.
func (c *Client[A]) violation(now time.Time, err error) bool {
	c.log.Warn().Err(err).Msg("protocol violation")
	if err := c.violations.Record(now); err != nil {
		c.drop(protocol.ReasonProtocolViolation, true)
		return false
	}
	return true
}

// drop ends the connection and releases everything held for it: the channel state, the entity map
// and the replicated entities, the input buffers and the prediction history.
func (c *Client[A]) drop(reason protocol.DisconnectReason, notify bool) {
	if c.state == StateDisconnected {
		return
	}
	if notify && c.conn != nil {
		err := session.SendControl(c.tr, c.codec, c.server, channel.PacketDisconnect, protocol.Disconnect{Reason: reason})
		if err != nil {
			c.log.Debug().Err(err).Msg("failed to send disconnect")
		}
	}
	if c.receiver != nil {
		c.receiver.Reset(c.world)
	}
	clear(c.recorders)
	clear(c.live)
	c.global = input.NewActionState[A]()
	if rec, err := input.NewRecorder[A](c.opts.Input); err == nil {
		c.globalRec = rec
	}
	c.prediction.Reset()
	c.sync.Reset()
	c.conn = nil
	c.receiver = nil
	c.resyncPending = false
	c.state = StateDisconnected

	c.log.Info().Stringer("reason", reason).Msg("disconnected")
	c.events = append(c.events, Event{Kind: EventDisconnected, Reason: reason})
}

// Disconnect ends the connection.
func (c *Client[A]) Disconnect() {
	c.drop(protocol.ReasonRequested, true)
}

// Close disconnects and closes the transport.
func (c *Client[A]) Close() error {
	c.Disconnect()
	return c.tr.Close()
}

// -------------------------------------------------------------------------------------------------
// Host API
// -------------------------------------------------------------------------------------------------

// Input returns the current action state of a predicted entity. The host writes to it between
// updates; each tick samples it.
func (c *Client[A]) Input(id ecs.EntityID) *input.ActionState[A] {
	if s, ok := c.live[id]; ok {
		return s
	}
	rec, err := input.NewRecorder[A](c.opts.Input)
	assert.That(err == nil, "input config was validated: %v", err)
	s := input.NewActionState[A]()
	c.live[id] = s
	c.recorders[id] = rec
	return s
}

// GlobalInput returns the current action state that is not bound to an entity.
func (c *Client[A]) GlobalInput() *input.ActionState[A] {
	return c.global
}

// SpawnPrePredicted spawns an entity locally and asks the server to take it over. It is predicted
// right away; once the server confirms it, replication binds to it instead of spawning a copy.
func (c *Client[A]) SpawnPrePredicted(comps ...ecs.Component) (ecs.EntityID, error) {
	if c.state != StateConnected {
		return 0, ErrNotConnected
	}
	encoded, err := c.world.Registry().EncodeAll(comps)
	if err != nil {
		return 0, eris.Wrap(err, "failed to encode pre-predicted components")
	}
	id, err := c.world.Spawn(comps...)
	if err != nil {
		return 0, err
	}
	c.receiver.ExpectPrePredicted(id)
	payload, err := protocol.Encode(replication.PrePredictedSpawn{ClientEntity: uint32(id), Components: encoded})
	if err != nil {
		return 0, eris.Wrap(err, "failed to encode pre-predicted spawn")
	}
	if err := c.conn.Send(protocol.KindPrePredictedSpawn, c.tick, payload); err != nil {
		return 0, eris.Wrap(err, "failed to send pre-predicted spawn")
	}
	return id, nil
}

// Send queues a host message for the server.
func (c *Client[A]) Send(kind protocol.Kind, payload []byte) error {
	if c.state != StateConnected {
		return ErrNotConnected
	}
	if kind < protocol.KindUserStart {
		return eris.Errorf("kind %d is reserved", kind)
	}
	return c.conn.Send(kind, c.tick, payload)
}

// Messages drains the host messages received from the server.
func (c *Client[A]) Messages() []Message {
	out := c.inbox
	c.inbox = nil
	return out
}

// Events drains the events since the last call.
func (c *Client[A]) Events() []Event {
	out := c.events
	c.events = nil
	return out
}

func (c *Client[A]) State() State {
	return c.state
}

// ID returns the client id assigned by the connect token.
func (c *Client[A]) ID() uint64 {
	return c.id
}

// World returns the predicted world.
func (c *Client[A]) World() *ecs.World {
	return c.world
}

// Tick returns the last predicted tick.
func (c *Client[A]) Tick() tick.Tick {
	return c.tick
}

// Synced reports whether the clock is synced and prediction is running.
func (c *Client[A]) Synced() bool {
	return c.sync.Synced()
}

// Local returns the local entity for a server entity id.
func (c *Client[A]) Local(remote uint32) (ecs.EntityID, bool) {
	if c.receiver == nil {
		return 0, false
	}
	return c.receiver.Entities().Local(remote)
}

// Rollbacks returns the number of rollbacks performed.
func (c *Client[A]) Rollbacks() int {
	return c.prediction.Rollbacks()
}

// InterpolationTick returns the tick remote entities should be displayed at.
func (c *Client[A]) InterpolationTick(now time.Time) tick.Tick {
	return c.sync.InterpolationTick(now, c.tick)
}

// RTT returns the measured round trip to the server.
func (c *Client[A]) RTT() time.Duration {
	return c.sync.RTT()
}

// Stats returns the link counters.
func (c *Client[A]) Stats() channel.Stats {
	if c.conn == nil {
		return channel.Stats{}
	}
	return c.conn.Stats()
}
