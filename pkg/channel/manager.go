package channel

import (
	"time"

	"github.com/argus-labs/netcode/pkg/assert"
	"github.com/rotisserie/eris"
)

// Received is a delivered message.
type Received struct {
	Channel ID
	Payload []byte
}

// Stats are per-connection link counters.
type Stats struct {
	PacketsSent     uint64
	PacketsReceived uint64
	PacketsAcked    uint64
	Duplicates      uint64
	Retransmits     uint64
	RTT             time.Duration // Smoothed from packet acks
}

type messageRef struct {
	channel ID
	id      uint16
}

type sentPacket struct {
	at   time.Time
	refs []messageRef
}

// maxTrackedPackets bounds how long an unacked packet is remembered. Anything older is treated as
// lost; its reliable messages are resent on their own timer anyway.
const maxTrackedPackets = 1024

// Manager holds one connection's channel state: outgoing queues, reorder buffers, packet
// sequencing and acks. It is driven by the owning loop: Send and Flush on the way out,
// ReceivePacket and Read on the way in.
type Manager struct {
	cfg       Config
	settings  []Settings
	senders   []sender
	receivers []receiver

	nextSeq uint16
	sent    map[uint16]sentPacket
	window  ackWindow

	ackPending bool
	lastSent   time.Time
	lastRecv   time.Time
	srtt       time.Duration
	samples    []time.Duration

	delivered []Received
	stats     Stats
}

// NewManager creates the channel state for one connection. Both peers must use the same settings
// in the same order.
func NewManager(settings []Settings, cfg Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(settings) == 0 || len(settings) > 256 {
		return nil, eris.Errorf("need between 1 and 256 channels, got %d", len(settings))
	}

	m := &Manager{
		cfg:       cfg,
		settings:  settings,
		senders:   make([]sender, len(settings)),
		receivers: make([]receiver, len(settings)),
		sent:      make(map[uint16]sentPacket),
	}
	for i, s := range settings {
		id := ID(i) //nolint:gosec // bounded above
		switch s.Mode {
		case ModeUnreliable:
			m.senders[i] = &unreliableSender{channel: id}
			m.receivers[i] = &sequencedReceiver{}
		case ModeUnorderedReliable:
			m.senders[i] = newReliableSender(id, cfg)
			m.receivers[i] = newUnorderedReceiver()
		case ModeOrderedReliable:
			m.senders[i] = newReliableSender(id, cfg)
			m.receivers[i] = newOrderedReceiver()
		case ModeUndefined:
			return nil, eris.Errorf("channel %s has no mode", s.Name)
		default:
			return nil, eris.Errorf("channel %s has unknown mode %d", s.Name, s.Mode)
		}
	}
	return m, nil
}

// Send queues payload on channel ch.
func (m *Manager) Send(ch ID, payload []byte) error {
	if int(ch) >= len(m.senders) {
		return eris.Wrapf(ErrUnknownChannel, "channel %d", ch)
	}
	if len(payload) > m.cfg.MaxPayload() {
		return eris.Wrapf(ErrMessageTooLarge, "%d bytes on %s", len(payload), m.settings[ch].Name)
	}
	if err := m.senders[ch].push(payload); err != nil {
		return eris.Wrapf(err, "channel %s", m.settings[ch].Name)
	}
	return nil
}

// rto is the retransmission timeout before backoff.
func (m *Manager) rto() time.Duration {
	return max(m.cfg.ResendBase, m.srtt+m.srtt/4)
}

// Flush builds the packets due at now, each stamped with tick. It returns no packets when there is
// nothing to send and no ack or keep-alive is owed.
func (m *Manager) Flush(now time.Time, tick uint16) ([]Packet, error) {
	m.prune()

	var out []outgoing
	var err error
	rto := m.rto()
	for i, s := range m.senders {
		out, err = s.collect(now, rto, out)
		if err != nil {
			return nil, eris.Wrapf(err, "channel %s", m.settings[i].Name)
		}
	}

	keepAlive := m.lastSent.IsZero() || now.Sub(m.lastSent) >= m.cfg.KeepAlive
	if len(out) == 0 && !m.ackPending && !keepAlive {
		return nil, nil
	}

	packets := make([]Packet, 0, 1)
	for len(out) > 0 || len(packets) == 0 {
		size := packetOverhead
		n := 0
		for n < len(out) && size+len(out[n].msg.Payload)+messageOverhead <= m.cfg.MTU {
			size += len(out[n].msg.Payload) + messageOverhead
			n++
		}
		assert.That(n > 0 || len(out) == 0, "message larger than MTU slipped past Send")

		packets = append(packets, m.seal(now, tick, out[:n]))
		out = out[n:]
	}

	m.ackPending = false
	m.lastSent = now
	return packets, nil
}

func (m *Manager) seal(now time.Time, tick uint16, batch []outgoing) Packet {
	p := Packet{
		Kind:     PacketPayload,
		Sequence: m.nextSeq,
		Ack:      m.window.latest,
		HasAck:   m.window.started,
		AckBits:  m.window.bits,
		Tick:     tick,
		Messages: make([]WireMessage, 0, len(batch)),
	}
	refs := make([]messageRef, 0)
	for _, o := range batch {
		p.Messages = append(p.Messages, o.msg)
		if o.reliable {
			refs = append(refs, messageRef{channel: o.msg.Channel, id: o.msg.ID})
		}
	}
	m.sent[m.nextSeq] = sentPacket{at: now, refs: refs}
	m.nextSeq++
	m.stats.PacketsSent++
	return p
}

func (m *Manager) prune() {
	for seq := range m.sent {
		if seqDiff(m.nextSeq, seq) > maxTrackedPackets {
			delete(m.sent, seq)
		}
	}
}

// ReceivePacket processes a payload packet from the peer: acks, then messages. Messages on unknown
// channels are an error after the rest of the packet is processed.
func (m *Manager) ReceivePacket(now time.Time, p Packet) error {
	m.lastRecv = now

	if !m.window.observe(p.Sequence) {
		m.stats.Duplicates++
		return nil
	}
	m.stats.PacketsReceived++
	m.ackPending = true

	if p.HasAck {
		acked(p.Ack, p.AckBits, func(seq uint16) {
			sp, ok := m.sent[seq]
			if !ok {
				return
			}
			delete(m.sent, seq)
			m.stats.PacketsAcked++
			m.observeRTT(now.Sub(sp.at))
			for _, ref := range sp.refs {
				m.senders[ref.channel].ack(ref.id)
			}
		})
	}

	var unknown error
	var payloads [][]byte
	for _, msg := range p.Messages {
		if int(msg.Channel) >= len(m.receivers) {
			unknown = eris.Wrapf(ErrUnknownChannel, "channel %d", msg.Channel)
			continue
		}
		payloads = m.receivers[msg.Channel].receive(msg.ID, msg.Payload, payloads[:0])
		for _, payload := range payloads {
			m.delivered = append(m.delivered, Received{Channel: msg.Channel, Payload: payload})
		}
	}
	return unknown
}

func (m *Manager) observeRTT(sample time.Duration) {
	if m.srtt == 0 {
		m.srtt = sample
	} else {
		m.srtt += (sample - m.srtt) / 8
	}
	m.samples = append(m.samples, sample)
}

// Read drains the delivered messages in delivery order.
func (m *Manager) Read() []Received {
	out := m.delivered
	m.delivered = nil
	return out
}

// RTTSamples drains the round-trip samples measured from packet acks since the last call.
func (m *Manager) RTTSamples() []time.Duration {
	out := m.samples
	m.samples = nil
	return out
}

// LastReceived is when the last packet from the peer arrived.
func (m *Manager) LastReceived() time.Time {
	return m.lastRecv
}

// Pending returns how many messages are queued or awaiting acknowledgement on ch.
func (m *Manager) Pending(ch ID) int {
	if int(ch) >= len(m.senders) {
		return 0
	}
	return m.senders[ch].pending()
}

// Stats returns the link counters.
func (m *Manager) Stats() Stats {
	s := m.stats
	s.RTT = m.srtt
	for _, snd := range m.senders {
		if r, ok := snd.(*reliableSender); ok {
			s.Retransmits += r.retransmit
		}
	}
	return s
}

// Settings returns the channel list.
func (m *Manager) Settings() []Settings {
	return m.settings
}
