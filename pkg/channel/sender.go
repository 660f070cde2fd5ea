package channel

import (
	"time"

	"github.com/elliotchance/orderedmap/v2"
)

// outgoing is a message selected for the next packet. reliable marks it for ack tracking.
type outgoing struct {
	msg      WireMessage
	reliable bool
}

type sender interface {
	push(payload []byte) error
	// collect appends every message due at now. It fails once a reliable message has been resent
	// too many times.
	collect(now time.Time, rto time.Duration, out []outgoing) ([]outgoing, error)
	ack(id uint16)
	pending() int
}

// -------------------------------------------------------------------------------------------------
// Unreliable
// -------------------------------------------------------------------------------------------------

type unreliableSender struct {
	channel ID
	nextID  uint16
	queue   [][]byte
}

func (s *unreliableSender) push(payload []byte) error {
	s.queue = append(s.queue, payload)
	return nil
}

func (s *unreliableSender) collect(_ time.Time, _ time.Duration, out []outgoing) ([]outgoing, error) {
	for _, payload := range s.queue {
		out = append(out, outgoing{msg: WireMessage{Channel: s.channel, ID: s.nextID, Payload: payload}})
		s.nextID++
	}
	s.queue = s.queue[:0]
	return out, nil
}

func (s *unreliableSender) ack(uint16) {}

func (s *unreliableSender) pending() int {
	return len(s.queue)
}

// -------------------------------------------------------------------------------------------------
// Reliable (ordered and unordered send the same way, the receiver decides the order)
// -------------------------------------------------------------------------------------------------

type pendingMessage struct {
	payload  []byte
	lastSent time.Time
	sends    int
}

type reliableSender struct {
	channel    ID
	resendMax  time.Duration
	maxRetries int
	nextID     uint16
	unacked    *orderedmap.OrderedMap[uint16, *pendingMessage]
	retransmit uint64
}

func newReliableSender(channel ID, cfg Config) *reliableSender {
	return &reliableSender{
		channel:    channel,
		resendMax:  cfg.ResendMax,
		maxRetries: cfg.MaxRetries,
		unacked:    orderedmap.NewOrderedMap[uint16, *pendingMessage](),
	}
}

func (s *reliableSender) push(payload []byte) error {
	if s.unacked.Len() >= maxSendWindow {
		return ErrSendWindowFull
	}
	s.unacked.Set(s.nextID, &pendingMessage{payload: payload})
	s.nextID++
	return nil
}

// backoff returns how long to wait after the nth send before sending again.
func (s *reliableSender) backoff(rto time.Duration, sends int) time.Duration {
	d := rto
	for i := 1; i < sends && d < s.resendMax; i++ {
		d *= 2
	}
	return min(d, s.resendMax)
}

func (s *reliableSender) collect(now time.Time, rto time.Duration, out []outgoing) ([]outgoing, error) {
	for el := s.unacked.Front(); el != nil; el = el.Next() {
		msg := el.Value
		if msg.sends > 0 && now.Sub(msg.lastSent) < s.backoff(rto, msg.sends) {
			continue
		}
		if msg.sends > s.maxRetries {
			return out, ErrRetriesExhausted
		}
		if msg.sends > 0 {
			s.retransmit++
		}
		msg.sends++
		msg.lastSent = now
		out = append(out, outgoing{
			msg:      WireMessage{Channel: s.channel, ID: el.Key, Payload: msg.payload},
			reliable: true,
		})
	}
	return out, nil
}

func (s *reliableSender) ack(id uint16) {
	s.unacked.Delete(id)
}

func (s *reliableSender) pending() int {
	return s.unacked.Len()
}
