package client

import (
	"testing"
	"time"

	"github.com/argus-labs/netcode/pkg/channel"
	"github.com/argus-labs/netcode/pkg/ecs"
	"github.com/argus-labs/netcode/pkg/input"
	"github.com/argus-labs/netcode/pkg/internal/session"
	"github.com/argus-labs/netcode/pkg/prediction"
	"github.com/argus-labs/netcode/pkg/protocol"
	"github.com/argus-labs/netcode/pkg/replication"
	"github.com/argus-labs/netcode/pkg/testutils"
	"github.com/argus-labs/netcode/pkg/tick"
	"github.com/argus-labs/netcode/pkg/timesync"
	"github.com/argus-labs/netcode/pkg/transport"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testAction uint8

func validOptions() Options {
	nop := zerolog.Nop()
	return Options{
		TickDuration:        16 * time.Millisecond,
		SendInterval:        32 * time.Millisecond,
		ProtocolID:          3,
		Token:               []byte("token"),
		ConnectTimeout:      time.Second,
		ConnectRetry:        100 * time.Millisecond,
		ServerTimeout:       time.Second,
		ViolationsPerSecond: 1,
		ViolationBurst:      3,
		Channel:             channel.DefaultConfig(),
		Input:               input.DefaultConfig(),
		Sync:                timesync.DefaultConfig(),
		Prediction:          prediction.DefaultConfig(),
		Logger:              &nop,
	}
}

func newClient(t *testing.T, opts Options) (*Client[testAction], *transport.Memory, *transport.MemoryNetwork) {
	t.Helper()
	network := transport.NewMemoryNetwork()
	tr, err := network.Listen("client")
	require.NoError(t, err)
	server, err := network.Listen("server")
	require.NoError(t, err)

	r := ecs.NewRegistry()
	require.NoError(t, replication.RegisterBuiltins(r))
	ecs.MustRegister[testutils.Position](r)

	step := func(*ecs.World, tick.Tick, input.Inputs[testAction]) error { return nil }
	c, err := New[testAction](tr, server.LocalAddr(), ecs.NewWorld(r), step, opts)
	require.NoError(t, err)
	return c, server, network
}

func TestOptions_Validate(t *testing.T) {
	t.Parallel()

	valid := validOptions()
	require.NoError(t, valid.validate())

	tests := []struct {
		name   string
		mutate func(*Options)
	}{
		{"tick duration", func(o *Options) { o.TickDuration = 0 }},
		{"send interval shorter than a tick", func(o *Options) { o.SendInterval = time.Millisecond }},
		{"connect timeout", func(o *Options) { o.ConnectTimeout = 0 }},
		{"connect retry", func(o *Options) { o.ConnectRetry = 0 }},
		{"server timeout", func(o *Options) { o.ServerTimeout = 0 }},
		{"violation budget", func(o *Options) { o.ViolationsPerSecond = 0 }},
		{"sync", func(o *Options) { o.Sync.StatsWindow = 0 }},
		{"prediction", func(o *Options) { o.Prediction.HistoryTicks = 1 }},
		{"input shorter than prediction history", func(o *Options) { o.Input.BufferTicks = o.Prediction.HistoryTicks / 2 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			opts := validOptions()
			tt.mutate(&opts)
			require.Error(t, opts.validate())
		})
	}
}

func TestOptions_ApplyKeepsNestedDefaults(t *testing.T) {
	t.Parallel()

	opts := validOptions()
	opts.apply(Options{ConnectRetry: time.Second, Sync: timesync.Config{PingInterval: time.Hour}})
	assert.Equal(t, time.Second, opts.ConnectRetry)
	assert.Equal(t, timesync.DefaultConfig(), opts.Sync, "a partial nested config does not replace the whole")
}

func TestClient_ConnectRetriesUntilTimeout(t *testing.T) {
	t.Parallel()

	c, server, _ := newClient(t, validOptions())
	clock := testutils.NewClock()
	require.NoError(t, c.Connect(clock.Now()))
	assert.Equal(t, StateConnecting, c.State())

	requests := 0
	for range 70 {
		require.NoError(t, c.Update(clock.Advance(16*time.Millisecond)))
		for {
			_, ok, err := server.Receive()
			require.NoError(t, err)
			if !ok {
				break
			}
			requests++
		}
	}

	// One request per retry interval until the connect timeout.
	assert.InDelta(t, 10, requests, 1)
	assert.Equal(t, StateDisconnected, c.State())
	events := c.Events()
	require.Len(t, events, 1)
	assert.Equal(t, EventDisconnected, events[0].Kind)
	assert.Equal(t, protocol.ReasonConnectTimeout, events[0].Reason)
}

func TestClient_RequiresToken(t *testing.T) {
	t.Parallel()

	opts := validOptions()
	opts.Token = nil
	c, _, _ := newClient(t, opts)
	require.ErrorIs(t, c.Connect(time.Now()), ErrNoToken)

	_, err := c.SpawnPrePredicted(testutils.Position{})
	require.ErrorIs(t, err, ErrNotConnected)
	require.ErrorIs(t, c.Send(protocol.KindUserStart, nil), ErrNotConnected)
}

func TestClient_IgnoresStrangers(t *testing.T) {
	t.Parallel()

	c, _, network := newClient(t, validOptions())
	clock := testutils.NewClock()
	require.NoError(t, c.Connect(clock.Now()))

	imposter, err := network.Listen("imposter")
	require.NoError(t, err)
	codec, err := channel.NewCodec(channel.CompressionNone)
	require.NoError(t, err)
	accept := protocol.ConnectAccept{ClientID: 9}
	require.NoError(t, session.SendControl(imposter, codec, transport.NewAddr("memory", "client"), channel.PacketConnectAccept, accept))

	require.NoError(t, c.Update(clock.Advance(16*time.Millisecond)))
	assert.Equal(t, StateConnecting, c.State())
	assert.Empty(t, c.Events())
}

func TestInputHorizon(t *testing.T) {
	t.Parallel()

	opts := validOptions()
	opts.Prediction.HistoryTicks = 16
	opts.Input.BufferTicks = 32
	window := opts.Input.WindowTicks(opts.SendInterval, opts.TickDuration)
	require.Equal(t, 8, window)

	delayed := opts
	delayed.Input.DelayTicks = 4

	live := tick.Tick(1000)
	tests := []struct {
		name          string
		opts          Options
		live          tick.Tick
		interpolation tick.Tick
		want          tick.Tick
	}{
		{name: "history reaches furthest back", opts: opts, live: live, interpolation: live - 2, want: live - 15},
		{name: "interpolation reaches furthest back", opts: opts, live: live, interpolation: live - 20, want: live - 20},
		{name: "capped by the buffer", opts: opts, live: live, interpolation: live - 100, want: live - 31},
		{name: "delay shortens the buffer", opts: delayed, live: live, interpolation: live - 100, want: live - 27},
		{name: "wraps around zero", opts: opts, live: 5, interpolation: 3, want: tick.Tick(5).Sub(15)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := inputHorizon(tc.live, tc.interpolation, tc.opts)
			assert.Equal(t, tc.want, got)
			assert.GreaterOrEqual(t, int(tc.live.Diff(got)), tc.opts.Prediction.HistoryTicks-1,
				"every tick a rollback can replay keeps its input")
		})
	}
}
