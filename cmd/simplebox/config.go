package main

import (
	"encoding/hex"
	"time"

	"github.com/argus-labs/netcode/pkg/auth"
	"github.com/caarlos0/env/v11"
	"github.com/rotisserie/eris"
)

const (
	modeServer = "server"
	modeClient = "client"
	modeLocal  = "local"

	transportUDP       = "udp"
	transportWebSocket = "websocket"
	transportNATS      = "nats"
)

type config struct {
	// server, client or local. Local runs a server and its clients in one process.
	Mode string `env:"SIMPLEBOX_MODE" envDefault:"local"`

	// udp, websocket or nats.
	Transport string `env:"SIMPLEBOX_TRANSPORT" envDefault:"udp"`

	// UDP address or WebSocket host:port the server listens on and clients dial.
	Addr string `env:"SIMPLEBOX_ADDR" envDefault:"127.0.0.1:7777"`

	// NATS subject the server listens on.
	Subject string `env:"SIMPLEBOX_SUBJECT" envDefault:"simplebox.server"`

	// Id the client puts in its own token.
	ClientID uint64 `env:"SIMPLEBOX_CLIENT_ID" envDefault:"1"`

	// Number of clients in local mode.
	Clients int `env:"SIMPLEBOX_CLIENTS" envDefault:"2"`

	// How often the bot picks a new direction.
	TurnEvery time.Duration `env:"SIMPLEBOX_TURN_EVERY" envDefault:"500ms"`

	TickDuration time.Duration `env:"NETCODE_TICK_DURATION" envDefault:"16ms"`
	ProtocolID   uint64        `env:"NETCODE_PROTOCOL_ID" envDefault:"1"`

	// Hex-encoded key shared by the server and the token issuer. The example client issues its
	// own token with it.
	PrivateKey string `env:"NETCODE_PRIVATE_KEY"`
}

func loadConfig() (config, error) {
	cfg, err := env.ParseAs[config]()
	if err != nil {
		return cfg, eris.Wrap(err, "failed to parse simplebox config")
	}
	return cfg, cfg.validate()
}

func (cfg config) validate() error {
	switch cfg.Mode {
	case modeServer, modeClient, modeLocal:
	default:
		return eris.Errorf("unknown mode %q", cfg.Mode)
	}
	switch cfg.Transport {
	case transportUDP, transportWebSocket, transportNATS:
	default:
		return eris.Errorf("unknown transport %q", cfg.Transport)
	}
	if cfg.TickDuration <= 0 {
		return eris.New("tick duration must be positive")
	}
	if cfg.TurnEvery <= 0 {
		return eris.New("turn interval must be positive")
	}
	if cfg.Mode == modeLocal && cfg.Clients <= 0 {
		return eris.New("local mode needs at least one client")
	}
	if cfg.Mode != modeLocal && cfg.PrivateKey == "" {
		return eris.New("NETCODE_PRIVATE_KEY is required")
	}
	return nil
}

func (cfg config) key() ([]byte, error) {
	key, err := hex.DecodeString(cfg.PrivateKey)
	if err != nil {
		return nil, eris.Wrap(err, "private key must be hex-encoded")
	}
	if len(key) != auth.KeySize {
		return nil, eris.Wrapf(auth.ErrInvalidKey, "got %d bytes", len(key))
	}
	return key, nil
}

// serverName is the address tokens name and the server checks.
func (cfg config) serverName() string {
	if cfg.Transport == transportNATS {
		return cfg.Subject
	}
	return cfg.Addr
}
