package transport

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

const (
	websocketNetwork   = "websocket"
	websocketWriteWait = 5 * time.Second
	websocketSendQueue = 256
)

// wsConn owns one websocket connection. gorilla/websocket allows a single concurrent writer, so
// every write goes through the writer goroutine.
type wsConn struct {
	conn *websocket.Conn
	addr Addr
	send chan []byte
	once sync.Once
	done chan struct{}
}

func newWSConn(conn *websocket.Conn, addr Addr) *wsConn {
	return &wsConn{
		conn: conn,
		addr: addr,
		send: make(chan []byte, websocketSendQueue),
		done: make(chan struct{}),
	}
}

func (c *wsConn) enqueue(data []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- append([]byte(nil), data...):
		return nil
	default:
		return eris.Errorf("send queue to %s is full", c.addr)
	}
}

func (c *wsConn) writeLoop() {
	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(websocketWriteWait))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// readLoop forwards binary frames to q until the connection fails.
func (c *wsConn) readLoop(q queue, log *zerolog.Logger) {
	defer c.close()
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Str("addr", c.addr.String()).Msg("Websocket read failed")
			}
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		if !q.push(Datagram{Data: data, Addr: c.addr}) {
			log.Warn().Str("from", c.addr.String()).Msg("Receive queue full, dropping datagram")
		}
	}
}

func (c *wsConn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// -------------------------------------------------------------------------------------------------
// Server side
// -------------------------------------------------------------------------------------------------

// WebSocketServer accepts websocket connections over HTTP and exposes every connected client as
// an address. Mount it on an http.Server.
type WebSocketServer struct {
	upgrader websocket.Upgrader
	addr     Addr
	queue    queue
	log      zerolog.Logger

	mu     sync.Mutex
	conns  map[string]*wsConn
	closed bool
}

var (
	_ Transport    = (*WebSocketServer)(nil)
	_ http.Handler = (*WebSocketServer)(nil)
)

// NewWebSocketServer returns a server transport whose local address is name.
func NewWebSocketServer(name string, logger zerolog.Logger) *WebSocketServer {
	return &WebSocketServer{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  MaxDatagramSize,
			WriteBufferSize: MaxDatagramSize,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		addr:  NewAddr(websocketNetwork, name),
		queue: newQueue(defaultQueueSize),
		log:   logger,
		conns: make(map[string]*wsConn),
	}
}

func (s *WebSocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}
	conn.SetReadLimit(MaxDatagramSize)

	c := newWSConn(conn, NewAddr(websocketNetwork, r.RemoteAddr))

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		c.close()
		return
	}
	s.conns[c.addr.name] = c
	s.mu.Unlock()

	s.log.Debug().Str("addr", c.addr.String()).Msg("Websocket client connected")

	go c.writeLoop()
	c.readLoop(s.queue, &s.log)

	s.mu.Lock()
	delete(s.conns, c.addr.name)
	s.mu.Unlock()
}

func (s *WebSocketServer) Send(data []byte, addr net.Addr) error {
	s.mu.Lock()
	c, ok := s.conns[addr.String()]
	s.mu.Unlock()
	if !ok {
		return eris.Wrapf(ErrUnknownAddr, "%s", addr)
	}
	return c.enqueue(data)
}

func (s *WebSocketServer) Receive() (Datagram, bool, error) {
	return s.queue.pop()
}

func (s *WebSocketServer) LocalAddr() net.Addr {
	return s.addr
}

func (s *WebSocketServer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for _, c := range s.conns {
		c.close()
	}
	clear(s.conns)
	return nil
}

// -------------------------------------------------------------------------------------------------
// Client side
// -------------------------------------------------------------------------------------------------

// WebSocketClient is a single connection to a WebSocketServer. Every Send goes to the server
// regardless of the address passed in.
type WebSocketClient struct {
	conn  *wsConn
	local Addr
	queue queue
	log   zerolog.Logger
}

var _ Transport = (*WebSocketClient)(nil)

// DialWebSocket connects to url, e.g. "ws://127.0.0.1:8080/netcode".
func DialWebSocket(ctx context.Context, url string, logger zerolog.Logger) (*WebSocketClient, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil) //nolint:bodyclose // closed by gorilla
	if err != nil {
		return nil, eris.Wrapf(err, "failed to dial %s", url)
	}
	conn.SetReadLimit(MaxDatagramSize)

	c := &WebSocketClient{
		conn:  newWSConn(conn, NewAddr(websocketNetwork, url)),
		local: NewAddr(websocketNetwork, conn.LocalAddr().String()),
		queue: newQueue(defaultQueueSize),
		log:   logger,
	}
	go c.conn.writeLoop()
	go c.conn.readLoop(c.queue, &c.log)
	return c, nil
}

// ServerAddr is the address datagrams from the server arrive with.
func (c *WebSocketClient) ServerAddr() net.Addr {
	return c.conn.addr
}

func (c *WebSocketClient) Send(data []byte, _ net.Addr) error {
	return c.conn.enqueue(data)
}

func (c *WebSocketClient) Receive() (Datagram, bool, error) {
	return c.queue.pop()
}

func (c *WebSocketClient) LocalAddr() net.Addr {
	return c.local
}

func (c *WebSocketClient) Close() error {
	_ = c.conn.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(websocketWriteWait))
	c.conn.close()
	return nil
}
