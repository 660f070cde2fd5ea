package transport

import (
	"net"
	"sync"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

const defaultQueueSize = 1024

// UDP is a Transport over a UDP socket. A reader goroutine drains the socket into a bounded queue.
type UDP struct {
	conn  net.PacketConn
	queue queue
	log   zerolog.Logger
	wg    sync.WaitGroup
}

var _ Transport = (*UDP)(nil)

// ListenUDP binds addr ("host:port", port 0 picks a free one) and starts reading.
func ListenUDP(addr string, logger zerolog.Logger) (*UDP, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to listen on %s", addr)
	}

	u := &UDP{
		conn:  conn,
		queue: newQueue(defaultQueueSize),
		log:   logger,
	}
	u.wg.Add(1)
	go u.read()

	u.log.Info().Str("addr", conn.LocalAddr().String()).Msg("UDP transport listening")
	return u, nil
}

func (u *UDP) read() {
	defer u.wg.Done()

	buf := make([]byte, MaxDatagramSize)
	for {
		n, addr, err := u.conn.ReadFrom(buf)
		if err != nil {
			if eris.Is(err, net.ErrClosed) {
				return
			}
			u.queue.fail(eris.Wrap(err, "failed to read from UDP socket"))
			continue
		}
		if !u.queue.push(Datagram{Data: append([]byte(nil), buf[:n]...), Addr: addr}) {
			u.log.Warn().Str("from", addr.String()).Msg("Receive queue full, dropping datagram")
		}
	}
}

func (u *UDP) Send(data []byte, addr net.Addr) error {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		resolved, err := net.ResolveUDPAddr("udp", addr.String())
		if err != nil {
			return eris.Wrapf(ErrUnknownAddr, "%s", addr)
		}
		udpAddr = resolved
	}
	if _, err := u.conn.WriteTo(data, udpAddr); err != nil {
		return eris.Wrap(err, "failed to write to UDP socket")
	}
	return nil
}

func (u *UDP) Receive() (Datagram, bool, error) {
	return u.queue.pop()
}

func (u *UDP) LocalAddr() net.Addr {
	return u.conn.LocalAddr()
}

func (u *UDP) Close() error {
	err := u.conn.Close()
	u.wg.Wait()
	if err != nil {
		return eris.Wrap(err, "failed to close UDP socket")
	}
	return nil
}
