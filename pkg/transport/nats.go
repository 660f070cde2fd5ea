package transport

import (
	"net"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

const natsNetwork = "nats"

// NATSConfig holds the configuration for the NATS connection.
type NATSConfig struct {
	Name            string `env:"NATS_NAME" envDefault:"netcode"`
	URL             string `env:"NATS_URL" envDefault:"nats://nats:4222"`
	CredentialsFile string `env:"NATS_CREDENTIALS_FILE"`

	// Subject this endpoint listens on. Empty picks a unique inbox-style subject.
	Subject string `env:"NATS_SUBJECT"`
}

// Validate validates the NATS configuration and returns an error if invalid.
func (cfg NATSConfig) Validate() error {
	if cfg.URL == "" {
		return eris.New("NATS URL is required")
	}
	// CredentialsFile is optional. Without it we connect unauthenticated (for testing).
	return nil
}

// NATS is a Transport that publishes datagrams as core NATS messages. Each endpoint subscribes to
// its own subject and stamps outgoing messages with it as the reply subject, which the receiver
// uses as the source address. Core NATS is at-most-once, matching datagram semantics.
type NATS struct {
	conn    *nats.Conn
	sub     *nats.Subscription
	addr    Addr
	queue   queue
	log     zerolog.Logger
	config  NATSConfig
	ownConn bool
}

var _ Transport = (*NATS)(nil)

// NATSOption configures a NATS transport.
type NATSOption func(*NATS)

// WithNATSConfig overrides the environment configuration.
func WithNATSConfig(cfg NATSConfig) NATSOption {
	return func(n *NATS) {
		n.config = cfg
	}
}

// WithNATSLogger sets the logger.
func WithNATSLogger(logger zerolog.Logger) NATSOption {
	return func(n *NATS) {
		n.log = logger
	}
}

// WithNATSConn reuses an existing connection instead of dialing. The transport won't close it.
func WithNATSConn(conn *nats.Conn) NATSOption {
	return func(n *NATS) {
		n.conn = conn
	}
}

// NewNATS connects (unless a connection is supplied) and subscribes to the endpoint subject.
func NewNATS(opts ...NATSOption) (*NATS, error) {
	n := &NATS{
		queue: newQueue(defaultQueueSize),
		log:   zerolog.Nop(),
	}

	var err error
	n.config, err = env.ParseAs[NATSConfig]()
	if err != nil {
		return nil, eris.Wrap(err, "failed to parse NATS config")
	}

	// Apply options that may override environment variables.
	for _, opt := range opts {
		opt(n)
	}

	if n.conn == nil {
		if err := n.config.Validate(); err != nil {
			return nil, eris.Wrap(err, "invalid NATS config")
		}
		if err := n.connect(); err != nil {
			return nil, err
		}
		n.ownConn = true
	}

	subject := n.config.Subject
	if subject == "" {
		subject = "netcode.endpoint." + uuid.NewString()
	}
	n.addr = NewAddr(natsNetwork, subject)

	n.sub, err = n.conn.Subscribe(subject, n.handle)
	if err != nil {
		n.closeConn()
		return nil, eris.Wrapf(err, "failed to subscribe to %s", subject)
	}
	if err := n.conn.Flush(); err != nil {
		n.closeConn()
		return nil, eris.Wrap(err, "failed to flush subscription")
	}

	n.log.Info().Str("subject", subject).Msg("NATS transport listening")
	return n, nil
}

func (n *NATS) connect() error {
	natsOpts := []nats.Option{
		nats.Name(n.config.Name),
		nats.MaxReconnects(10),
		nats.ReconnectWait(time.Second * 5),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				n.log.Warn().Err(err).Msg("Disconnected from NATS server")
			}
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			n.log.Info().Str("url", conn.ConnectedUrl()).Msg("Reconnected to NATS server")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			n.queue.fail(eris.Wrap(err, "NATS async error"))
		}),
	}

	// Add credentials authentication if credentials file is provided.
	if n.config.CredentialsFile != "" {
		natsOpts = append(natsOpts, nats.UserCredentials(n.config.CredentialsFile))
	}

	conn, err := nats.Connect(n.config.URL, natsOpts...)
	if err != nil {
		return eris.Wrap(err, "failed to connect to NATS server")
	}
	n.conn = conn
	return nil
}

func (n *NATS) handle(msg *nats.Msg) {
	if msg.Reply == "" {
		return // not from a transport endpoint
	}
	if !n.queue.push(Datagram{Data: msg.Data, Addr: NewAddr(natsNetwork, msg.Reply)}) {
		n.log.Warn().Str("from", msg.Reply).Msg("Receive queue full, dropping datagram")
	}
}

func (n *NATS) Send(data []byte, addr net.Addr) error {
	if err := n.conn.PublishMsg(&nats.Msg{Subject: addr.String(), Reply: n.addr.name, Data: data}); err != nil {
		return eris.Wrapf(err, "failed to publish to %s", addr)
	}
	return nil
}

func (n *NATS) Receive() (Datagram, bool, error) {
	return n.queue.pop()
}

func (n *NATS) LocalAddr() net.Addr {
	return n.addr
}

func (n *NATS) Close() error {
	if n.sub != nil {
		if err := n.sub.Unsubscribe(); err != nil && !eris.Is(err, nats.ErrConnectionClosed) {
			n.log.Warn().Err(err).Msg("Failed to unsubscribe")
		}
	}
	n.closeConn()
	return nil
}

func (n *NATS) closeConn() {
	if n.ownConn && n.conn != nil {
		n.conn.Close()
	}
}
