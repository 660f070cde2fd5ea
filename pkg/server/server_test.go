package server

import (
	"encoding/hex"
	"testing"
	"time"

	"github.com/argus-labs/netcode/pkg/auth"
	"github.com/argus-labs/netcode/pkg/channel"
	"github.com/argus-labs/netcode/pkg/ecs"
	"github.com/argus-labs/netcode/pkg/input"
	"github.com/argus-labs/netcode/pkg/internal/session"
	"github.com/argus-labs/netcode/pkg/protocol"
	"github.com/argus-labs/netcode/pkg/replication"
	"github.com/argus-labs/netcode/pkg/testutils"
	"github.com/argus-labs/netcode/pkg/tick"
	"github.com/argus-labs/netcode/pkg/transport"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testAction uint8

const (
	actionJump testAction = iota + 1
	protocolID            = 3
)

func newRegistry(t *testing.T) *ecs.Registry {
	t.Helper()
	r := ecs.NewRegistry()
	require.NoError(t, replication.RegisterBuiltins(r))
	ecs.MustRegister[testutils.Position](r)
	return r
}

func validOptions(key []byte) Options {
	nop := zerolog.Nop()
	return Options{
		TickDuration:        16 * time.Millisecond,
		SendInterval:        48 * time.Millisecond,
		ProtocolID:          protocolID,
		PrivateKey:          key,
		PublicAddr:          "server",
		MaxClients:          4,
		ClientTimeout:       time.Second,
		ViolationsPerSecond: 1,
		ViolationBurst:      3,
		ConnectsPerSecond:   100,
		Channel:             channel.DefaultConfig(),
		Input:               input.DefaultConfig(),
		Logger:              &nop,
	}
}

func stepNothing(*ecs.World, tick.Tick, input.Inputs[testAction]) error { return nil }

type fixture struct {
	t       *testing.T
	key     []byte
	clock   *testutils.Clock
	network *transport.MemoryNetwork
	server  *Server[testAction]
	inputs  []input.Inputs[testAction] // Inputs of every step
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	key, err := auth.NewKey()
	require.NoError(t, err)

	f := &fixture{t: t, key: key, clock: testutils.NewClock(), network: transport.NewMemoryNetwork()}
	tr, err := f.network.Listen("server")
	require.NoError(t, err)

	opts := validOptions(key)
	if mutate != nil {
		mutate(&opts)
	}
	step := func(_ *ecs.World, _ tick.Tick, in input.Inputs[testAction]) error {
		f.inputs = append(f.inputs, in)
		return nil
	}
	f.server, err = New[testAction](tr, ecs.NewWorld(newRegistry(t)), step, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.server.Close() })
	return f
}

func (f *fixture) update() {
	f.t.Helper()
	require.NoError(f.t, f.server.Update(f.clock.Advance(16*time.Millisecond)))
}

// rawClient speaks the wire protocol by hand.
type rawClient struct {
	f     *fixture
	tr    *transport.Memory
	codec *channel.Codec
	conn  *session.Conn
}

func (f *fixture) newRawClient(name string) *rawClient {
	f.t.Helper()
	tr, err := f.network.Listen(name)
	require.NoError(f.t, err)
	codec, err := channel.NewCodec(channel.CompressionNone)
	require.NoError(f.t, err)
	return &rawClient{f: f, tr: tr, codec: codec}
}

func (c *rawClient) token(clientID uint64) []byte {
	c.f.t.Helper()
	sealed, err := auth.Seal(c.f.key, auth.NewToken(protocolID, clientID, "server", c.f.clock.Now(), time.Hour))
	require.NoError(c.f.t, err)
	return sealed
}

func (c *rawClient) request(token []byte) {
	c.f.t.Helper()
	fingerprint := session.Fingerprint(c.f.server.World().Registry(), protocol.NewRegistry())
	req := protocol.ConnectRequest{Token: token, Fingerprint: fingerprint}
	require.NoError(c.f.t, session.SendControl(c.tr, c.codec, transport.NewAddr("memory", "server"), channel.PacketConnectRequest, req))
}

// packets drains what the server sent.
func (c *rawClient) packets() []channel.Packet {
	c.f.t.Helper()
	var out []channel.Packet
	for {
		d, ok, err := c.tr.Receive()
		require.NoError(c.f.t, err)
		if !ok {
			return out
		}
		p, err := c.codec.Decode(d.Data)
		require.NoError(c.f.t, err)
		out = append(out, p)
	}
}

func (c *rawClient) connect(clientID uint64) {
	c.f.t.Helper()
	c.request(c.token(clientID))
	c.f.update()

	// The accept goes out before anything the connection flushes.
	packets := c.packets()
	require.NotEmpty(c.f.t, packets)
	require.Equal(c.f.t, channel.PacketConnectAccept, packets[0].Kind)
	var acc protocol.ConnectAccept
	require.NoError(c.f.t, protocol.Decode(packets[0].Body, &acc))
	require.Equal(c.f.t, clientID, acc.ClientID)

	conn, err := session.NewConn(transport.NewAddr("memory", "server"), channel.DefaultConfig(), protocol.NewRegistry())
	require.NoError(c.f.t, err)
	c.conn = conn
}

func (c *rawClient) sendInput(t tick.Tick, target input.Target, press bool) {
	c.f.t.Helper()
	rec, err := input.NewRecorder[testAction](input.DefaultConfig())
	require.NoError(c.f.t, err)
	state := input.NewActionState[testAction]()
	if press {
		state.Press(actionJump)
	}
	rec.Record(t, state)
	payload, err := input.BuildMessage(t, 1, []input.Source[testAction]{{Target: target, Recorder: rec}}).Encode()
	require.NoError(c.f.t, err)

	require.NoError(c.f.t, c.conn.Send(protocol.KindInput, t, payload))
	nop := zerolog.Nop()
	require.NoError(c.f.t, c.conn.Flush(c.f.clock.Now(), t, c.codec, c.tr, &nop))
}

func reasons(events []Event) []protocol.DisconnectReason {
	var out []protocol.DisconnectReason
	for _, ev := range events {
		if ev.Kind == EventDisconnected {
			out = append(out, ev.Reason)
		}
	}
	return out
}

// -------------------------------------------------------------------------------------------------
// Options
// -------------------------------------------------------------------------------------------------

func TestOptions_Validate(t *testing.T) {
	t.Parallel()

	key, err := auth.NewKey()
	require.NoError(t, err)
	valid := validOptions(key)
	require.NoError(t, valid.validate())

	tests := []struct {
		name   string
		mutate func(*Options)
	}{
		{"tick duration", func(o *Options) { o.TickDuration = 0 }},
		{"send interval shorter than a tick", func(o *Options) { o.SendInterval = time.Millisecond }},
		{"short key", func(o *Options) { o.PrivateKey = o.PrivateKey[:16] }},
		{"max clients", func(o *Options) { o.MaxClients = 0 }},
		{"client timeout", func(o *Options) { o.ClientTimeout = 0 }},
		{"violation budget", func(o *Options) { o.ViolationBurst = 0 }},
		{"connect rate", func(o *Options) { o.ConnectsPerSecond = 0 }},
		{"channel", func(o *Options) { o.Channel.MTU = 10 }},
		{"input", func(o *Options) { o.Input.Redundancy = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			opts := validOptions(key)
			tt.mutate(&opts)
			require.Error(t, opts.validate())
		})
	}
}

func TestOptions_Apply(t *testing.T) {
	t.Parallel()

	opts := newDefaultOptions()
	require.Error(t, opts.validate(), "defaults must not validate on their own")

	key, err := auth.NewKey()
	require.NoError(t, err)
	opts.apply(validOptions(key))
	opts.apply(Options{MaxClients: 9})
	require.NoError(t, opts.validate())
	assert.Equal(t, 9, opts.MaxClients)
	assert.Equal(t, 16*time.Millisecond, opts.TickDuration, "zero values do not override")
}

func TestServerConfig_ApplyToOptions(t *testing.T) {
	t.Parallel()

	key, err := auth.NewKey()
	require.NoError(t, err)

	cfg := serverConfig{PrivateKey: hex.EncodeToString(key), MaxClients: 2}
	var opts Options
	require.NoError(t, cfg.applyToOptions(&opts))
	assert.Equal(t, key, opts.PrivateKey)
	assert.Equal(t, 2, opts.MaxClients)

	cfg.PrivateKey = "not hex"
	require.Error(t, cfg.applyToOptions(&opts))
}

func TestNew_RequiresBuiltins(t *testing.T) {
	t.Parallel()

	key, err := auth.NewKey()
	require.NoError(t, err)
	tr, err := transport.NewMemoryNetwork().Listen("server")
	require.NoError(t, err)

	r := ecs.NewRegistry()
	ecs.MustRegister[testutils.Position](r)
	_, err = New[testAction](tr, ecs.NewWorld(r), stepNothing, validOptions(key))
	require.Error(t, err)

	_, err = New[testAction](tr, ecs.NewWorld(newRegistry(t)), nil, validOptions(key))
	require.Error(t, err)
}

// -------------------------------------------------------------------------------------------------
// Connection lifecycle
// -------------------------------------------------------------------------------------------------

func TestServer_Handshake(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(o *Options) { o.MaxClients = 1 })
	a := f.newRawClient("a")
	a.connect(1)
	assert.Equal(t, []uint64{1}, f.server.Clients())

	// A lost accept is answered again.
	a.request(a.token(1))
	f.update()
	packets := a.packets()
	require.NotEmpty(t, packets)
	assert.Equal(t, channel.PacketConnectAccept, packets[0].Kind)

	b := f.newRawClient("b")
	b.request(b.token(2))
	f.update()
	packets = b.packets()
	require.Len(t, packets, 1)
	require.Equal(t, channel.PacketConnectDeny, packets[0].Kind)
	var deny protocol.ConnectDeny
	require.NoError(t, protocol.Decode(packets[0].Body, &deny))
	assert.Equal(t, protocol.ReasonServerFull, deny.Reason)

	events := f.server.Events()
	require.Len(t, events, 1)
	assert.Equal(t, EventConnected, events[0].Kind)
	assert.Equal(t, uint64(1), events[0].Client)
}

func TestServer_AlreadyConnected(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.newRawClient("a").connect(1)

	b := f.newRawClient("b")
	b.request(b.token(1))
	f.update()
	packets := b.packets()
	require.Len(t, packets, 1)
	var deny protocol.ConnectDeny
	require.NoError(t, protocol.Decode(packets[0].Body, &deny))
	assert.Equal(t, protocol.ReasonAlreadyConnected, deny.Reason)
}

func TestServer_ViolationsDisconnect(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	a := f.newRawClient("a")
	a.connect(1)
	f.server.Events()

	for range 4 {
		require.NoError(t, a.tr.Send([]byte{0xc1, 0xff}, transport.NewAddr("memory", "server")))
	}
	f.update()

	assert.Empty(t, f.server.Clients())
	assert.Equal(t, []protocol.DisconnectReason{protocol.ReasonProtocolViolation}, reasons(f.server.Events()))

	packets := a.packets()
	require.NotEmpty(t, packets)
	assert.Equal(t, channel.PacketDisconnect, packets[len(packets)-1].Kind)
}

func TestServer_Timeout(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.newRawClient("a").connect(1)
	f.server.Events()

	for range 100 {
		f.update()
	}
	assert.Equal(t, []protocol.DisconnectReason{protocol.ReasonTimeout}, reasons(f.server.Events()))
}

// -------------------------------------------------------------------------------------------------
// Input
// -------------------------------------------------------------------------------------------------

func TestServer_InputOwnership(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	a := f.newRawClient("a")
	a.connect(1)
	b := f.newRawClient("b")
	b.connect(2)

	world := f.server.World()
	owned, err := world.Spawn(testutils.Position{}, replication.Controlled{Client: 1})
	require.NoError(t, err)

	next := f.server.Tick().Add(2)
	a.sendInput(next, input.EntityTarget(uint32(owned)), true)
	a.sendInput(next, input.GlobalTarget(), true)
	f.inputs = nil
	f.update()
	f.update()
	f.update()

	var got input.Inputs[testAction]
	for _, in := range f.inputs {
		if len(in.Entities) > 0 {
			got = in
		}
	}
	require.Contains(t, got.Entities, owned)
	assert.True(t, got.Entities[owned].Pressed(actionJump))
	assert.True(t, got.Global(1).Pressed(actionJump))

	// Client 2 steering client 1's entity is a violation; enough of them end the connection.
	for range 4 {
		b.sendInput(f.server.Tick().Add(2), input.EntityTarget(uint32(owned)), false)
		f.update()
	}
	assert.Equal(t, []uint64{1}, f.server.Clients())
	assert.Equal(t, []protocol.DisconnectReason{protocol.ReasonProtocolViolation}, reasons(f.server.Events()))
}

func TestServer_Broadcast(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.newRawClient("a").connect(1)
	f.newRawClient("b").connect(2)

	require.Error(t, f.server.Send(3, protocol.KindUserStart, nil), "unknown client")
	require.Error(t, f.server.Send(1, protocol.KindPing, nil), "reserved kind")
	require.Error(t, f.server.Broadcast(protocol.KindUserStart, nil, replication.All()), "kind is not registered")

	stats, ok := f.server.Stats(1)
	require.True(t, ok)
	assert.Zero(t, stats.Retransmits)
	_, ok = f.server.Stats(9)
	assert.False(t, ok)
}
