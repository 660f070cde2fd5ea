package channel

import (
	"strings"

	"github.com/argus-labs/netcode/pkg/internal/schema"
	"github.com/klauspost/compress/zstd"
	"github.com/rotisserie/eris"
)

// PacketKind distinguishes connection control packets from payload packets.
type PacketKind uint8

const (
	PacketUndefined      PacketKind = iota
	PacketPayload                   // Channel messages plus acks
	PacketConnectRequest            // Client -> server, Body carries the connect request
	PacketConnectAccept             // Server -> client, Body carries the session
	PacketConnectDeny               // Server -> client, Body carries the reason
	PacketDisconnect                // Either direction, Body carries the reason
)

// Upper bounds of the msgpack encoding, used to pack messages without re-encoding.
const (
	packetOverhead  = 24 // flag byte, array header, scalar header fields, messages array header
	messageOverhead = 9  // array header, channel, message id, bin header
)

// Packet is the unit written to the transport.
type Packet struct {
	Kind     PacketKind
	Sequence uint16 // Sender's packet sequence number
	Ack      uint16 // Latest sequence received from the peer
	HasAck   bool   // False until the sender has received anything, Ack and AckBits are meaningless
	AckBits  uint32 // Bit i set: Ack-1-i was received too
	Tick     uint16 // Sender's simulation tick when the packet was written
	Messages []WireMessage
	Body     []byte
}

// WireMessage is one channel message inside a packet.
type WireMessage struct {
	Channel ID
	ID      uint16
	Payload []byte
}

// Compression selects the packet compression.
type Compression uint8

const (
	CompressionUndefined Compression = iota
	CompressionNone
	CompressionZstd
)

const (
	compressionNoneString = "none"
	compressionZstdString = "zstd"
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return compressionNoneString
	case CompressionZstd:
		return compressionZstdString
	case CompressionUndefined:
		return undefinedString
	default:
		return undefinedString
	}
}

// ParseCompression converts a string to Compression.
func ParseCompression(s string) Compression {
	switch strings.ToLower(s) {
	case compressionNoneString:
		return CompressionNone
	case compressionZstdString:
		return CompressionZstd
	default:
		return CompressionUndefined
	}
}

const (
	flagRaw  byte = 0
	flagZstd byte = 1
)

// Codec turns packets into bytes and back. The zero value is not usable; use NewCodec.
type Codec struct {
	compression Compression
	encoder     *zstd.Encoder
	decoder     *zstd.Decoder
}

// NewCodec creates a codec. A codec with compression decodes both raw and compressed packets.
func NewCodec(compression Compression) (*Codec, error) {
	if compression == CompressionUndefined {
		return nil, eris.New("compression must be specified")
	}
	c := &Codec{compression: compression}

	var err error
	c.decoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(1<<20), zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, eris.Wrap(err, "failed to create zstd decoder")
	}
	if compression == CompressionZstd {
		c.encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest), zstd.WithEncoderConcurrency(1))
		if err != nil {
			return nil, eris.Wrap(err, "failed to create zstd encoder")
		}
	}
	return c, nil
}

// Encode writes p. Compression is only used when it makes the packet smaller.
func (c *Codec) Encode(p Packet) ([]byte, error) {
	raw, err := schema.SerializeCompact(p)
	if err != nil {
		return nil, eris.Wrap(err, "failed to encode packet")
	}

	if c.encoder != nil {
		compressed := c.encoder.EncodeAll(raw, []byte{flagZstd})
		if len(compressed) < len(raw)+1 {
			return compressed, nil
		}
	}

	out := make([]byte, 0, len(raw)+1)
	out = append(out, flagRaw)
	return append(out, raw...), nil
}

// Decode parses bytes produced by Encode on the other side.
func (c *Codec) Decode(data []byte) (Packet, error) {
	if len(data) < 2 {
		return Packet{}, eris.Wrap(ErrMalformedPacket, "packet too short")
	}

	body := data[1:]
	switch data[0] {
	case flagRaw:
	case flagZstd:
		var err error
		body, err = c.decoder.DecodeAll(body, nil)
		if err != nil {
			return Packet{}, eris.Wrap(ErrMalformedPacket, err.Error())
		}
	default:
		return Packet{}, eris.Wrapf(ErrMalformedPacket, "unknown flag %d", data[0])
	}

	var p Packet
	if err := schema.DeserializeCompact(body, &p); err != nil {
		return Packet{}, eris.Wrap(ErrMalformedPacket, err.Error())
	}
	if p.Kind == PacketUndefined || p.Kind > PacketDisconnect {
		return Packet{}, eris.Wrapf(ErrMalformedPacket, "unknown packet kind %d", p.Kind)
	}
	return p, nil
}
