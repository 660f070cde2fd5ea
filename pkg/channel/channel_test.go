package channel

import (
	"bytes"
	"encoding/binary"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/argus-labs/netcode/pkg/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSettings = []Settings{
	{Name: "ordered", Mode: ModeOrderedReliable},
	{Name: "unordered", Mode: ModeUnorderedReliable},
	{Name: "unreliable", Mode: ModeUnreliable},
}

const (
	chOrdered ID = iota
	chUnordered
	chUnreliable
)

func TestParseMode(t *testing.T) {
	t.Parallel()

	for _, m := range []Mode{ModeUnreliable, ModeUnorderedReliable, ModeOrderedReliable} {
		assert.Equal(t, m, ParseMode(m.String()))
	}
	assert.Equal(t, ModeUndefined, ParseMode("sometimes"))
	assert.True(t, ModeOrderedReliable.Reliable())
	assert.False(t, ModeUnreliable.Reliable())
}

func TestConfig_ValidateAndApplyModes(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.MTU = 10
	require.Error(t, bad.Validate())

	bad = cfg
	bad.Compression = "lz4"
	require.Error(t, bad.Validate())

	cfg.Modes = map[string]string{"ordered": "unreliable"}
	require.NoError(t, cfg.Validate())
	out, err := cfg.ApplyModes(testSettings)
	require.NoError(t, err)
	assert.Equal(t, ModeUnreliable, out[0].Mode)
	assert.Equal(t, ModeOrderedReliable, testSettings[0].Mode, "input must not be modified")

	cfg.Modes = map[string]string{"missing": "unreliable"}
	_, err = cfg.ApplyModes(testSettings)
	require.ErrorIs(t, err, ErrUnknownChannel)
}

func TestCodec_RoundTrip(t *testing.T) {
	t.Parallel()

	for _, compression := range []Compression{CompressionNone, CompressionZstd} {
		t.Run(compression.String(), func(t *testing.T) {
			t.Parallel()

			codec, err := NewCodec(compression)
			require.NoError(t, err)

			p := Packet{
				Kind:     PacketPayload,
				Sequence: 65535,
				Ack:      12,
				HasAck:   true,
				AckBits:  0xdeadbeef,
				Tick:     999,
				Messages: []WireMessage{
					{Channel: 2, ID: 7, Payload: bytes.Repeat([]byte("abc"), 100)},
					{Channel: 0, ID: 65535, Payload: []byte{1}},
				},
			}
			data, err := codec.Encode(p)
			require.NoError(t, err)
			if compression == CompressionZstd {
				assert.Equal(t, flagZstd, data[0])
			} else {
				assert.Equal(t, flagRaw, data[0])
			}

			got, err := codec.Decode(data)
			require.NoError(t, err)
			assert.Equal(t, p, got)
		})
	}
}

func TestCodec_DecodeMalformed(t *testing.T) {
	t.Parallel()

	codec, err := NewCodec(CompressionZstd)
	require.NoError(t, err)

	for _, data := range [][]byte{nil, {0}, {7, 1, 2}, {flagZstd, 1, 2, 3}, {flagRaw, 0x91, 0x00}} {
		_, err := codec.Decode(data)
		require.ErrorIs(t, err, ErrMalformedPacket)
	}

	// Random input either decodes or fails, it never panics.
	r := testutils.NewRand(t)
	for range 1000 {
		data := testutils.RandBytes(r, r.IntN(64))
		if r.IntN(2) == 0 && len(data) > 0 {
			data[0] = flagRaw
		}
		require.NotPanics(t, func() { _, _ = codec.Decode(data) })
	}
}

func TestAckWindow(t *testing.T) {
	t.Parallel()

	var w ackWindow
	assert.True(t, w.observe(65534))
	assert.True(t, w.observe(1)) // wraps, skips 65535 and 0
	assert.False(t, w.observe(1))
	assert.True(t, w.observe(65535))
	assert.False(t, w.observe(65534))
	assert.Equal(t, uint16(1), w.latest)

	var seqs []uint16
	acked(w.latest, w.bits, func(seq uint16) { seqs = append(seqs, seq) })
	assert.ElementsMatch(t, []uint16{1, 65535, 65534}, seqs)

	assert.True(t, w.observe(40))
	assert.False(t, w.observe(1), "too old to track")
}

// link shuttles packets between two managers through the codec with seeded loss and reordering.
type link struct {
	t     *testing.T
	rng   *rand.Rand
	codec *Codec
	loss  float64
	now   time.Time
}

func (l *link) deliver(from, to *Manager) {
	l.t.Helper()
	packets, err := from.Flush(l.now, 0)
	require.NoError(l.t, err)

	encoded := make([][]byte, 0, len(packets))
	for _, p := range packets {
		data, err := l.codec.Encode(p)
		require.NoError(l.t, err)
		require.LessOrEqual(l.t, len(data), from.cfg.MTU)
		encoded = append(encoded, data)
	}
	l.rng.Shuffle(len(encoded), func(i, j int) { encoded[i], encoded[j] = encoded[j], encoded[i] })

	for _, data := range encoded {
		if l.rng.Float64() < l.loss {
			continue
		}
		p, err := l.codec.Decode(data)
		require.NoError(l.t, err)
		require.NoError(l.t, to.ReceivePacket(l.now, p))
	}
}

func newPair(t *testing.T) (*Manager, *Manager) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.MaxRetries = 1000
	a, err := NewManager(testSettings, cfg)
	require.NoError(t, err)
	b, err := NewManager(testSettings, cfg)
	require.NoError(t, err)
	return a, b
}

func payload(i int) []byte {
	return binary.BigEndian.AppendUint32(nil, uint32(i)) //nolint:gosec // test
}

// Model-based fuzzing of the delivery guarantees over a lossy, reordering link, comparing each
// channel against the list of sent messages as the model.
func TestManager_DeliveryGuarantees(t *testing.T) {
	t.Parallel()

	codec, err := NewCodec(CompressionNone)
	require.NoError(t, err)
	l := &link{t: t, rng: testutils.NewRand(t), codec: codec, loss: 0.3, now: time.Unix(0, 0)}
	a, b := newPair(t)

	const total = 500
	var got [3][]uint32
	collect := func() {
		for _, r := range b.Read() {
			got[r.Channel] = append(got[r.Channel], binary.BigEndian.Uint32(r.Payload))
		}
	}

	for i := range total {
		require.NoError(t, a.Send(chOrdered, payload(i)))
		require.NoError(t, a.Send(chUnordered, payload(i)))
		require.NoError(t, a.Send(chUnreliable, payload(i)))

		l.now = l.now.Add(16 * time.Millisecond)
		l.deliver(a, b)
		l.deliver(b, a)
		collect()
	}
	for range 2000 {
		if a.Pending(chOrdered) == 0 && a.Pending(chUnordered) == 0 {
			break
		}
		l.now = l.now.Add(50 * time.Millisecond)
		l.deliver(a, b)
		l.deliver(b, a)
		collect()
	}

	want := make([]uint32, total)
	for i := range want {
		want[i] = uint32(i) //nolint:gosec // test
	}
	assert.Equal(t, want, got[chOrdered], "ordered channel must deliver everything in order")
	assert.ElementsMatch(t, want, got[chUnordered], "unordered channel must deliver everything once")

	for i := 1; i < len(got[chUnreliable]); i++ {
		assert.Less(t, got[chUnreliable][i-1], got[chUnreliable][i], "unreliable channel must never go backwards")
	}
	assert.Less(t, len(got[chUnreliable]), total)
	assert.Positive(t, a.Stats().Retransmits)
}

func TestManager_RetriesExhausted(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.MaxRetries = 3
	m, err := NewManager(testSettings, cfg)
	require.NoError(t, err)
	require.NoError(t, m.Send(chOrdered, []byte("hello")))

	now := time.Unix(0, 0)
	var flushErr error
	for range 100 {
		now = now.Add(cfg.ResendMax)
		if _, flushErr = m.Flush(now, 0); flushErr != nil {
			break
		}
	}
	require.ErrorIs(t, flushErr, ErrRetriesExhausted)
}

func TestManager_Backoff(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	m, err := NewManager(testSettings, cfg)
	require.NoError(t, err)
	require.NoError(t, m.Send(chOrdered, []byte("x")))

	start := time.Unix(0, 0)
	sendsAt := func(at time.Time) int {
		packets, err := m.Flush(at, 0)
		require.NoError(t, err)
		n := 0
		for _, p := range packets {
			n += len(p.Messages)
		}
		return n
	}

	assert.Equal(t, 1, sendsAt(start))
	assert.Equal(t, 0, sendsAt(start.Add(cfg.ResendBase-time.Millisecond)))
	assert.Equal(t, 1, sendsAt(start.Add(cfg.ResendBase)))
	// Second resend waits twice as long.
	assert.Equal(t, 0, sendsAt(start.Add(cfg.ResendBase+2*cfg.ResendBase-time.Millisecond)))
	assert.Equal(t, 1, sendsAt(start.Add(3*cfg.ResendBase)))
}

func TestManager_SplitsAtMTU(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.MTU = 300
	m, err := NewManager(testSettings, cfg)
	require.NoError(t, err)
	codec, err := NewCodec(CompressionNone)
	require.NoError(t, err)

	require.ErrorIs(t, m.Send(chOrdered, make([]byte, 300)), ErrMessageTooLarge)
	require.NoError(t, m.Send(chOrdered, make([]byte, cfg.MaxPayload())))

	for i := range 40 {
		require.NoError(t, m.Send(chUnreliable, bytes.Repeat([]byte{byte(i)}, 20)))
	}
	packets, err := m.Flush(time.Unix(0, 0), 0)
	require.NoError(t, err)
	require.Greater(t, len(packets), 2)

	total := 0
	for _, p := range packets {
		data, err := codec.Encode(p)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(data), cfg.MTU)
		total += len(p.Messages)
	}
	assert.Equal(t, 41, total)
}

func TestManager_KeepAliveAndRTT(t *testing.T) {
	t.Parallel()

	a, b := newPair(t)
	start := time.Unix(0, 0)

	packets, err := a.Flush(start, 5)
	require.NoError(t, err)
	require.Len(t, packets, 1, "first flush always sends so the peer learns about us")
	assert.Equal(t, uint16(5), packets[0].Tick)

	packets2, err := a.Flush(start.Add(time.Millisecond), 5)
	require.NoError(t, err)
	assert.Empty(t, packets2, "nothing owed yet")

	require.NoError(t, b.ReceivePacket(start.Add(20*time.Millisecond), packets[0]))
	reply, err := b.Flush(start.Add(20*time.Millisecond), 0)
	require.NoError(t, err)
	require.Len(t, reply, 1, "ack is owed")

	require.NoError(t, a.ReceivePacket(start.Add(40*time.Millisecond), reply[0]))
	assert.Equal(t, []time.Duration{40 * time.Millisecond}, a.RTTSamples())
	assert.Empty(t, a.RTTSamples())
	assert.Equal(t, 40*time.Millisecond, a.Stats().RTT)
	assert.Equal(t, start.Add(40*time.Millisecond), a.LastReceived())
}

func TestManager_UnknownChannel(t *testing.T) {
	t.Parallel()

	m, err := NewManager(testSettings, DefaultConfig())
	require.NoError(t, err)

	require.ErrorIs(t, m.Send(9, nil), ErrUnknownChannel)
	err = m.ReceivePacket(time.Unix(0, 0), Packet{
		Kind:     PacketPayload,
		Messages: []WireMessage{{Channel: 9}, {Channel: chUnreliable, Payload: []byte{1}}},
	})
	require.ErrorIs(t, err, ErrUnknownChannel)
	assert.Len(t, m.Read(), 1, "valid messages in the same packet are still delivered")
}
