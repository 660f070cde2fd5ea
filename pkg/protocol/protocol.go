// Package protocol defines what travels inside channel messages: the envelope, the message kinds
// and the channels they are bound to, and the connection control bodies.
package protocol

import (
	"crypto/sha256"
	"encoding/binary"
	"slices"

	"github.com/argus-labs/netcode/pkg/channel"
	"github.com/argus-labs/netcode/pkg/internal/schema"
	"github.com/rotisserie/eris"
)

// Kind tags the payload of an envelope.
type Kind uint16

const (
	KindUndefined Kind = iota
	KindPing
	KindPong
	KindInput
	KindEntityActions
	KindEntityUpdates
	KindResyncRequest
	KindResyncBegin
	KindPrePredictedSpawn

	// KindUserStart is the first kind available to the host application.
	KindUserStart Kind = 64
)

// Builtin channels. Hosts may register more after these.
const (
	ChannelSync          channel.ID = iota // Ping/pong
	ChannelInput                           // Redundant input windows, loss is covered by redundancy
	ChannelEntityActions                   // Spawn, despawn, insert, remove, resync markers
	ChannelEntityUpdates                   // Component value changes
	ChannelDefault                         // Everything else that must arrive
)

// DefaultChannels lists the builtin channels in ID order.
func DefaultChannels() []channel.Settings {
	return []channel.Settings{
		{Name: "sync", Mode: channel.ModeUnreliable},
		{Name: "input", Mode: channel.ModeUnreliable},
		{Name: "entity_actions", Mode: channel.ModeOrderedReliable},
		{Name: "entity_updates", Mode: channel.ModeOrderedReliable},
		{Name: "default", Mode: channel.ModeOrderedReliable},
	}
}

// Envelope is the payload of every channel message.
type Envelope struct {
	Kind    Kind
	Tick    uint16 // Simulation tick the payload refers to, where applicable
	Payload []byte
}

// Encode serializes the envelope.
func (e Envelope) Encode() ([]byte, error) {
	return schema.SerializeCompact(e)
}

// DecodeEnvelope parses an envelope.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if err := schema.DeserializeCompact(data, &e); err != nil {
		return Envelope{}, eris.Wrap(err, "failed to decode envelope")
	}
	if e.Kind == KindUndefined {
		return Envelope{}, eris.New("envelope has no kind")
	}
	return e, nil
}

// Registry binds every message kind to one channel. Both peers build the same registry; the
// fingerprint is checked during the handshake.
type Registry struct {
	channels []channel.Settings
	kinds    map[Kind]channel.ID
	names    map[Kind]string
}

// NewRegistry returns a registry holding the builtin channels and kinds.
func NewRegistry() *Registry {
	r := &Registry{
		channels: DefaultChannels(),
		kinds:    make(map[Kind]channel.ID),
		names:    make(map[Kind]string),
	}
	builtins := []struct {
		kind Kind
		name string
		ch   channel.ID
	}{
		{KindPing, "ping", ChannelSync},
		{KindPong, "pong", ChannelSync},
		{KindInput, "input", ChannelInput},
		{KindEntityActions, "entity_actions", ChannelEntityActions},
		{KindEntityUpdates, "entity_updates", ChannelEntityUpdates},
		{KindResyncRequest, "resync_request", ChannelDefault},
		{KindResyncBegin, "resync_begin", ChannelEntityActions},
		{KindPrePredictedSpawn, "pre_predicted_spawn", ChannelDefault},
	}
	for _, b := range builtins {
		r.kinds[b.kind] = b.ch
		r.names[b.kind] = b.name
	}
	return r
}

// RegisterChannel adds a host channel and returns its ID.
func (r *Registry) RegisterChannel(settings channel.Settings) (channel.ID, error) {
	if settings.Name == "" {
		return 0, eris.New("channel name cannot be empty")
	}
	if settings.Mode == channel.ModeUndefined {
		return 0, eris.Errorf("channel %s has no mode", settings.Name)
	}
	for _, s := range r.channels {
		if s.Name == settings.Name {
			return 0, eris.Errorf("channel %s already registered", settings.Name)
		}
	}
	if len(r.channels) >= 256 {
		return 0, eris.New("too many channels")
	}
	r.channels = append(r.channels, settings)
	return channel.ID(len(r.channels) - 1), nil //nolint:gosec // bounded above
}

// RegisterKind binds a host message kind to a channel. The binding is permanent.
func (r *Registry) RegisterKind(kind Kind, name string, ch channel.ID) error {
	if kind < KindUserStart {
		return eris.Errorf("kind %d is reserved, host kinds start at %d", kind, KindUserStart)
	}
	if _, exists := r.kinds[kind]; exists {
		return eris.Errorf("kind %d already registered as %s", kind, r.names[kind])
	}
	if int(ch) >= len(r.channels) {
		return eris.Wrapf(channel.ErrUnknownChannel, "kind %s", name)
	}
	r.kinds[kind] = ch
	r.names[kind] = name
	return nil
}

// ChannelOf returns the channel a kind travels on.
func (r *Registry) ChannelOf(kind Kind) (channel.ID, bool) {
	ch, ok := r.kinds[kind]
	return ch, ok
}

// Name returns a kind's registered name.
func (r *Registry) Name(kind Kind) string {
	if name, ok := r.names[kind]; ok {
		return name
	}
	return "unknown"
}

// Channels returns the channel list in ID order.
func (r *Registry) Channels() []channel.Settings {
	return slices.Clone(r.channels)
}

// Fingerprint identifies the channel and kind layout.
func (r *Registry) Fingerprint() uint64 {
	h := sha256.New()
	for _, s := range r.channels {
		h.Write([]byte(s.Name))
		h.Write([]byte{byte(s.Mode), 0})
	}
	kinds := make([]Kind, 0, len(r.kinds))
	for k := range r.kinds {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	for _, k := range kinds {
		h.Write(binary.BigEndian.AppendUint16(nil, uint16(k)))
		h.Write([]byte{byte(r.kinds[k])})
	}
	return binary.BigEndian.Uint64(h.Sum(nil)[:8])
}
