package transport

import (
	"net"
	"sync"

	"github.com/rotisserie/eris"
)

const memoryNetwork = "memory"

// MemoryNetwork connects in-process endpoints. It is used by tests and the single-process example.
type MemoryNetwork struct {
	mu        sync.Mutex
	endpoints map[string]*Memory
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{endpoints: make(map[string]*Memory)}
}

// Listen registers a new endpoint under name.
func (n *MemoryNetwork) Listen(name string) (*Memory, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, exists := n.endpoints[name]; exists {
		return nil, eris.Errorf("address %s already in use", name)
	}
	m := &Memory{
		network: n,
		addr:    NewAddr(memoryNetwork, name),
		inbox:   make([]Datagram, 0),
	}
	n.endpoints[name] = m
	return m, nil
}

func (n *MemoryNetwork) deliver(to string, d Datagram) {
	n.mu.Lock()
	target, ok := n.endpoints[to]
	n.mu.Unlock()
	if !ok {
		return // unreachable, dropped like a UDP datagram
	}
	target.mu.Lock()
	defer target.mu.Unlock()
	target.inbox = append(target.inbox, d)
}

func (n *MemoryNetwork) remove(name string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.endpoints, name)
}

// Memory is an endpoint on a MemoryNetwork. Delivery is immediate and in order; wrap it in a
// Conditioner to add latency and loss.
type Memory struct {
	network *MemoryNetwork
	addr    Addr

	mu     sync.Mutex
	inbox  []Datagram
	closed bool
}

var _ Transport = (*Memory)(nil)

func (m *Memory) Send(data []byte, addr net.Addr) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if len(data) > MaxDatagramSize {
		return eris.Errorf("datagram of %d bytes exceeds %d", len(data), MaxDatagramSize)
	}
	m.network.deliver(addr.String(), Datagram{Data: append([]byte(nil), data...), Addr: m.addr})
	return nil
}

func (m *Memory) Receive() (Datagram, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Datagram{}, false, ErrClosed
	}
	if len(m.inbox) == 0 {
		return Datagram{}, false, nil
	}
	d := m.inbox[0]
	m.inbox = m.inbox[1:]
	return d, true, nil
}

func (m *Memory) LocalAddr() net.Addr {
	return m.addr
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.inbox = nil
	m.network.remove(m.addr.name)
	return nil
}
