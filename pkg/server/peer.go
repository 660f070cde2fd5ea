package server

import (
	"net"
	"time"

	"github.com/argus-labs/netcode/pkg/auth"
	"github.com/argus-labs/netcode/pkg/channel"
	"github.com/argus-labs/netcode/pkg/ecs"
	"github.com/argus-labs/netcode/pkg/input"
	"github.com/argus-labs/netcode/pkg/internal/session"
	"github.com/argus-labs/netcode/pkg/protocol"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
)

type pendingPing struct {
	ping protocol.Ping
	at   time.Time
}

// peer is everything the server holds for one connected client. All of it is released when the
// client disconnects.
type peer[A input.Action] struct {
	client       uint64
	sessionID    uuid.UUID // Distinguishes reconnects of the same client in logs
	conn         *session.Conn
	inputs       *input.Receiver[A]
	violations   *protocol.ViolationBudget
	prePredicted map[uint32]ecs.EntityID // Client-local id -> server entity
	pings        []pendingPing
	resync       bool
	connectedAt  time.Time
}

// handleConnect validates a connect request and either accepts or denies it. A request from an
// address that is already connected is answered with the accept again, since the first one may
// have been lost.
func (s *Server[A]) handleConnect(now time.Time, addr net.Addr, body []byte) {
	if client, ok := s.addrs[addr.String()]; ok {
		s.accept(s.peers[client])
		return
	}
	if !s.connects.AllowN(now, 1) {
		s.log.Debug().Str("addr", addr.String()).Msg("connect rate exceeded, dropping request")
		return
	}

	var req protocol.ConnectRequest
	if err := protocol.Decode(body, &req); err != nil {
		s.deny(addr, protocol.ReasonTokenInvalid, err)
		return
	}
	token, err := auth.Open(s.opts.PrivateKey, req.Token, s.opts.ProtocolID, s.opts.PublicAddr, now)
	if err != nil {
		s.deny(addr, denyReason(err), err)
		return
	}
	if req.Fingerprint != s.fingerprint {
		s.deny(addr, protocol.ReasonProtocolMismatch, eris.New("registry fingerprint mismatch"))
		return
	}
	if err := s.guard.Use(token, addr.String(), now); err != nil {
		s.deny(addr, protocol.ReasonTokenInvalid, err)
		return
	}
	if _, ok := s.peers[token.ClientID]; ok {
		s.deny(addr, protocol.ReasonAlreadyConnected, eris.Errorf("client %d", token.ClientID))
		return
	}
	if len(s.peers) >= s.opts.MaxClients {
		s.deny(addr, protocol.ReasonServerFull, eris.Errorf("%d clients", len(s.peers)))
		return
	}

	conn, err := session.NewConn(addr, s.opts.Channel, s.messages)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to create connection")
		return
	}
	p := &peer[A]{
		client:    token.ClientID,
		sessionID: uuid.New(),
		conn:      conn,
		inputs: input.NewReceiver[A](
			s.opts.Input, s.log.With().Uint64("client", token.ClientID).Str("part", "input").Logger()),
		violations:   protocol.NewViolationBudget(s.opts.ViolationsPerSecond, s.opts.ViolationBurst),
		prePredicted: make(map[uint32]ecs.EntityID),
		connectedAt:  now,
	}
	s.peers[p.client] = p
	s.addrs[addr.String()] = p.client
	s.sender.AddPeer(p.client)

	s.log.Info().
		Uint64("client", p.client).
		Stringer("session", p.sessionID).
		Str("addr", addr.String()).
		Msg("client connected")
	s.events = append(s.events, Event{Kind: EventConnected, Client: p.client})
	s.accept(p)
}

func (s *Server[A]) accept(p *peer[A]) {
	body := protocol.ConnectAccept{ClientID: p.client, ServerTick: uint16(s.tick)}
	if err := session.SendControl(s.tr, s.codec, p.conn.Addr, channel.PacketConnectAccept, body); err != nil {
		s.log.Warn().Err(err).Uint64("client", p.client).Msg("failed to send connect accept")
	}
}

func (s *Server[A]) deny(addr net.Addr, reason protocol.DisconnectReason, cause error) {
	s.log.Info().Err(cause).Str("addr", addr.String()).Stringer("reason", reason).Msg("connect denied")
	if err := session.SendControl(s.tr, s.codec, addr, channel.PacketConnectDeny, protocol.ConnectDeny{Reason: reason}); err != nil {
		s.log.Debug().Err(err).Msg("failed to send connect deny")
	}
}

func denyReason(err error) protocol.DisconnectReason {
	switch {
	case eris.Is(err, auth.ErrTokenExpired):
		return protocol.ReasonTokenExpired
	case eris.Is(err, auth.ErrProtocolMismatch):
		return protocol.ReasonProtocolMismatch
	default:
		return protocol.ReasonTokenInvalid
	}
}
