// Package session holds the per-connection plumbing shared by the server and the client: the
// channel state of one peer, envelope framing, and control packets.
package session

import (
	"crypto/sha256"
	"encoding/binary"
	"net"
	"time"

	"github.com/argus-labs/netcode/pkg/channel"
	"github.com/argus-labs/netcode/pkg/ecs"
	"github.com/argus-labs/netcode/pkg/protocol"
	"github.com/argus-labs/netcode/pkg/tick"
	"github.com/argus-labs/netcode/pkg/transport"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// envelopeOverhead bounds the msgpack framing an envelope adds around its payload.
const envelopeOverhead = 16

// ErrWrongChannel is a protocol violation: a message arrived on a channel its kind is not bound to.
var ErrWrongChannel = eris.New("message kind arrived on the wrong channel")

// Fingerprint combines the component and message layouts. Peers with different fingerprints
// cannot understand each other.
func Fingerprint(components *ecs.Registry, messages *protocol.Registry) uint64 {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], components.Fingerprint())
	binary.BigEndian.PutUint64(buf[8:], messages.Fingerprint())
	sum := sha256.Sum256(buf[:])
	return binary.BigEndian.Uint64(sum[:8])
}

// MaxPayload is the largest envelope payload that still fits in one channel message.
func MaxPayload(cfg channel.Config) int {
	return cfg.MaxPayload() - envelopeOverhead
}

// Incoming is a delivered envelope and the channel it came on.
type Incoming struct {
	Channel  channel.ID
	Envelope protocol.Envelope
}

// Conn is one peer's connection state.
type Conn struct {
	Addr     net.Addr
	channels *channel.Manager
	messages *protocol.Registry
}

// NewConn creates the channel state for a peer at addr.
func NewConn(addr net.Addr, cfg channel.Config, messages *protocol.Registry) (*Conn, error) {
	settings, err := cfg.ApplyModes(messages.Channels())
	if err != nil {
		return nil, eris.Wrap(err, "failed to apply channel modes")
	}
	channels, err := channel.NewManager(settings, cfg)
	if err != nil {
		return nil, eris.Wrap(err, "failed to create channel manager")
	}
	return &Conn{Addr: addr, channels: channels, messages: messages}, nil
}

// Send wraps payload in an envelope and queues it on the channel kind is bound to.
func (c *Conn) Send(kind protocol.Kind, t tick.Tick, payload []byte) error {
	ch, ok := c.messages.ChannelOf(kind)
	if !ok {
		return eris.Errorf("message kind %d is not registered", kind)
	}
	data, err := protocol.Envelope{Kind: kind, Tick: uint16(t), Payload: payload}.Encode()
	if err != nil {
		return eris.Wrapf(err, "failed to encode %s", c.messages.Name(kind))
	}
	return c.channels.Send(ch, data)
}

// Receive processes a payload packet from the peer.
func (c *Conn) Receive(now time.Time, p channel.Packet) error {
	return c.channels.ReceivePacket(now, p)
}

// Read drains the delivered envelopes. Messages that fail to decode or arrive on the wrong channel
// are returned as violations.
func (c *Conn) Read() ([]Incoming, []error) {
	var in []Incoming
	var bad []error
	for _, msg := range c.channels.Read() {
		env, err := protocol.DecodeEnvelope(msg.Payload)
		if err != nil {
			bad = append(bad, err)
			continue
		}
		if ch, ok := c.messages.ChannelOf(env.Kind); !ok || ch != msg.Channel {
			bad = append(bad, eris.Wrapf(ErrWrongChannel, "kind %d on channel %d", env.Kind, msg.Channel))
			continue
		}
		in = append(in, Incoming{Channel: msg.Channel, Envelope: env})
	}
	return in, bad
}

// Flush encodes the packets due at now and writes them to the transport. Transport errors are
// logged, channel errors are returned and end the connection.
func (c *Conn) Flush(now time.Time, t tick.Tick, codec *channel.Codec, tr transport.Transport, log *zerolog.Logger) error {
	packets, err := c.channels.Flush(now, uint16(t))
	if err != nil {
		return err
	}
	for _, p := range packets {
		data, err := codec.Encode(p)
		if err != nil {
			return eris.Wrap(err, "failed to encode packet")
		}
		if err := tr.Send(data, c.Addr); err != nil {
			log.Warn().Err(err).Str("addr", c.Addr.String()).Msg("failed to send packet")
		}
	}
	return nil
}

// LastReceived is when the peer was last heard from.
func (c *Conn) LastReceived() time.Time {
	return c.channels.LastReceived()
}

// Stats returns the link counters.
func (c *Conn) Stats() channel.Stats {
	return c.channels.Stats()
}

// SendControl writes a connection control packet carrying body straight to the transport.
func SendControl(
	tr transport.Transport, codec *channel.Codec, addr net.Addr, kind channel.PacketKind, body any,
) error {
	raw, err := protocol.Encode(body)
	if err != nil {
		return eris.Wrap(err, "failed to encode control body")
	}
	data, err := codec.Encode(channel.Packet{Kind: kind, Body: raw})
	if err != nil {
		return eris.Wrap(err, "failed to encode control packet")
	}
	return tr.Send(data, addr)
}
