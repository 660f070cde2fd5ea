// Package transport moves opaque datagrams between endpoints. Implementations never block the
// caller: Receive polls a queue that a background reader fills.
package transport

import (
	"net"

	"github.com/rotisserie/eris"
)

// MaxDatagramSize bounds a single datagram on every transport.
const MaxDatagramSize = 65507

var (
	// ErrClosed is returned by operations on a closed transport.
	ErrClosed = eris.New("transport is closed")

	// ErrUnknownAddr is returned when sending to an address the transport has no route to.
	ErrUnknownAddr = eris.New("unknown address")
)

// Datagram is one received unit of data and the address it came from.
type Datagram struct {
	Data []byte
	Addr net.Addr
}

// Transport is the boundary to the network. Send and Receive are called from the owning loop only.
type Transport interface {
	// Send queues data for delivery to addr. Delivery is not guaranteed.
	Send(data []byte, addr net.Addr) error

	// Receive returns the next queued datagram. ok is false when nothing is queued. A non-nil error
	// is transient: the caller logs it and keeps polling.
	Receive() (d Datagram, ok bool, err error)

	// LocalAddr is the address peers use to reach this endpoint.
	LocalAddr() net.Addr

	Close() error
}

// Addr is a named address used by the transports that don't route by IP.
type Addr struct {
	network string
	name    string
}

var _ net.Addr = Addr{}

// NewAddr returns an address on the given logical network.
func NewAddr(network, name string) Addr {
	return Addr{network: network, name: name}
}

func (a Addr) Network() string { return a.network }
func (a Addr) String() string  { return a.name }

// queue is the buffered hand-off between a reader goroutine and Receive. Datagrams arriving while
// the queue is full are dropped, as a kernel socket buffer would.
type queue struct {
	datagrams chan Datagram
	errs      chan error
}

func newQueue(size int) queue {
	return queue{
		datagrams: make(chan Datagram, size),
		errs:      make(chan error, 1),
	}
}

// push reports whether the datagram was queued.
func (q queue) push(d Datagram) bool {
	select {
	case q.datagrams <- d:
		return true
	default:
		return false
	}
}

func (q queue) fail(err error) {
	select {
	case q.errs <- err:
	default:
	}
}

func (q queue) pop() (Datagram, bool, error) {
	select {
	case d := <-q.datagrams:
		return d, true, nil
	default:
	}
	select {
	case err := <-q.errs:
		return Datagram{}, false, err
	default:
		return Datagram{}, false, nil
	}
}
