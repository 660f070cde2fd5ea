package protocol

import (
	"github.com/argus-labs/netcode/pkg/internal/schema"
	"github.com/rotisserie/eris"
)

// DisconnectReason says why a connection ended or was refused.
type DisconnectReason uint8

const (
	ReasonNone DisconnectReason = iota
	ReasonRequested
	ReasonTimeout
	ReasonChannelFailed
	ReasonProtocolViolation
	ReasonProtocolMismatch
	ReasonTokenInvalid
	ReasonTokenExpired
	ReasonServerFull
	ReasonAlreadyConnected
	ReasonServerShutdown
	ReasonConnectTimeout
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonRequested:
		return "requested"
	case ReasonTimeout:
		return "timeout"
	case ReasonChannelFailed:
		return "channel_failed"
	case ReasonProtocolViolation:
		return "protocol_violation"
	case ReasonProtocolMismatch:
		return "protocol_mismatch"
	case ReasonTokenInvalid:
		return "token_invalid"
	case ReasonTokenExpired:
		return "token_expired"
	case ReasonServerFull:
		return "server_full"
	case ReasonAlreadyConnected:
		return "already_connected"
	case ReasonServerShutdown:
		return "server_shutdown"
	case ReasonConnectTimeout:
		return "connect_timeout"
	default:
		return "unknown"
	}
}

// ConnectRequest is the body of a connect request packet.
type ConnectRequest struct {
	Token       []byte // Sealed connect token
	Fingerprint uint64 // Combined component and message registry fingerprint
}

// ConnectAccept is the body of a connect accept packet.
type ConnectAccept struct {
	ClientID   uint64
	ServerTick uint16
}

// ConnectDeny is the body of a connect deny packet.
type ConnectDeny struct {
	Reason DisconnectReason
}

// Disconnect is the body of a disconnect packet.
type Disconnect struct {
	Reason DisconnectReason
}

// Ping is sent by the client on the sync channel.
type Ping struct {
	ID     uint16
	SentAt int64 // Client clock, unix nanoseconds
}

// Pong answers a ping.
type Pong struct {
	PingID     uint16
	PingSentAt int64  // Echo of Ping.SentAt
	Hold       int64  // Nanoseconds the ping spent on the server before the pong was sent
	ServerTick uint16 // Server tick when the pong was written
}

// ResyncBegin precedes a full spawn burst. Everything replicated before it is discarded.
type ResyncBegin struct {
	Epoch uint32
}

// Encode serializes any control body.
func Encode(v any) ([]byte, error) {
	return schema.SerializeCompact(v)
}

// Decode parses a control body into v, which must be a pointer.
func Decode(data []byte, v any) error {
	if err := schema.DeserializeCompact(data, v); err != nil {
		return eris.Wrap(err, "failed to decode control message")
	}
	return nil
}
