package server

import (
	"encoding/hex"
	"time"

	"github.com/argus-labs/netcode/pkg/auth"
	"github.com/argus-labs/netcode/pkg/channel"
	"github.com/argus-labs/netcode/pkg/input"
	"github.com/argus-labs/netcode/pkg/protocol"
	"github.com/caarlos0/env/v11"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// serverConfig holds the server settings read from the environment.
type serverConfig struct {
	// Duration of one simulation tick.
	TickDuration time.Duration `env:"NETCODE_TICK_DURATION" envDefault:"16ms"`

	// How often replication is diffed and sent to clients.
	SendInterval time.Duration `env:"NETCODE_SERVER_SEND_INTERVAL" envDefault:"48ms"`

	// Protocol id connect tokens must carry.
	ProtocolID uint64 `env:"NETCODE_PROTOCOL_ID"`

	// Hex-encoded 32-byte key shared with the token issuer.
	PrivateKey string `env:"NETCODE_PRIVATE_KEY"`

	// Address tokens must name. Empty accepts tokens for any address.
	PublicAddr string `env:"NETCODE_PUBLIC_ADDR"`

	MaxClients int `env:"NETCODE_MAX_CLIENTS" envDefault:"64"`

	// A client silent for this long is disconnected.
	ClientTimeout time.Duration `env:"NETCODE_CLIENT_TIMEOUT" envDefault:"5s"`

	// Protocol violations tolerated per client, on average and in a burst.
	ViolationsPerSecond float64 `env:"NETCODE_VIOLATIONS_PER_SECOND" envDefault:"5"`
	ViolationBurst      int     `env:"NETCODE_VIOLATION_BURST" envDefault:"20"`

	// Connect requests processed per second across all addresses.
	ConnectsPerSecond float64 `env:"NETCODE_CONNECTS_PER_SECOND" envDefault:"100"`
}

// loadServerConfig loads the server configuration from environment variables.
func loadServerConfig() (serverConfig, error) {
	cfg, err := env.ParseAs[serverConfig]()
	if err != nil {
		return cfg, eris.Wrap(err, "failed to parse server config")
	}
	return cfg, nil
}

func (cfg *serverConfig) applyToOptions(opt *Options) error {
	opt.TickDuration = cfg.TickDuration
	opt.SendInterval = cfg.SendInterval
	opt.ProtocolID = cfg.ProtocolID
	opt.PublicAddr = cfg.PublicAddr
	opt.MaxClients = cfg.MaxClients
	opt.ClientTimeout = cfg.ClientTimeout
	opt.ViolationsPerSecond = cfg.ViolationsPerSecond
	opt.ViolationBurst = cfg.ViolationBurst
	opt.ConnectsPerSecond = cfg.ConnectsPerSecond
	if cfg.PrivateKey != "" {
		key, err := hex.DecodeString(cfg.PrivateKey)
		if err != nil {
			return eris.Wrap(err, "private key must be hex-encoded")
		}
		opt.PrivateKey = key
	}
	return nil
}

type Options struct {
	TickDuration        time.Duration      // Duration of one simulation tick
	SendInterval        time.Duration      // Interval between replication sends
	ProtocolID          uint64             // Protocol id connect tokens must carry
	PrivateKey          []byte             // Key shared with the token issuer
	PublicAddr          string             // Address tokens must name, empty accepts any
	MaxClients          int                // Connected clients allowed at once
	ClientTimeout       time.Duration      // Silence after which a client is dropped
	ViolationsPerSecond float64            // Sustained protocol violations tolerated per client
	ViolationBurst      int                // Burst of protocol violations tolerated per client
	ConnectsPerSecond   float64            // Connect requests processed per second
	Channel             channel.Config     // Link settings shared by every client
	Input               input.Config       // Input buffering
	Messages            *protocol.Registry // Channel and message layout, builtins only when nil
	Logger              *zerolog.Logger    // Logger, a telemetry logger is created when nil
}

// newDefaultOptions creates Options with default values.
func newDefaultOptions() Options {
	// Set these to invalid values to force users to pass in the correct options.
	return Options{
		TickDuration:        0,
		SendInterval:        0,
		ProtocolID:          0,
		PrivateKey:          nil,
		PublicAddr:          "",
		MaxClients:          0,
		ClientTimeout:       0,
		ViolationsPerSecond: 0,
		ViolationBurst:      0,
		ConnectsPerSecond:   0,
		Channel:             channel.Config{},
		Input:               input.Config{},
		Messages:            nil,
		Logger:              nil,
	}
}

// loadOptionsEnv reads every environment-backed option.
func loadOptionsEnv() (Options, error) {
	opt := Options{}
	cfg, err := loadServerConfig()
	if err != nil {
		return opt, err
	}
	if err := cfg.applyToOptions(&opt); err != nil {
		return opt, err
	}
	if opt.Channel, err = channel.LoadConfig(); err != nil {
		return opt, err
	}
	if opt.Input, err = input.LoadConfig(); err != nil {
		return opt, err
	}
	return opt, nil
}

// apply merges the given options into the current options, overriding non-zero values.
func (opt *Options) apply(newOpt Options) {
	if newOpt.TickDuration != 0 {
		opt.TickDuration = newOpt.TickDuration
	}
	if newOpt.SendInterval != 0 {
		opt.SendInterval = newOpt.SendInterval
	}
	if newOpt.ProtocolID != 0 {
		opt.ProtocolID = newOpt.ProtocolID
	}
	if newOpt.PrivateKey != nil {
		opt.PrivateKey = newOpt.PrivateKey
	}
	if newOpt.PublicAddr != "" {
		opt.PublicAddr = newOpt.PublicAddr
	}
	if newOpt.MaxClients != 0 {
		opt.MaxClients = newOpt.MaxClients
	}
	if newOpt.ClientTimeout != 0 {
		opt.ClientTimeout = newOpt.ClientTimeout
	}
	if newOpt.ViolationsPerSecond != 0 {
		opt.ViolationsPerSecond = newOpt.ViolationsPerSecond
	}
	if newOpt.ViolationBurst != 0 {
		opt.ViolationBurst = newOpt.ViolationBurst
	}
	if newOpt.ConnectsPerSecond != 0 {
		opt.ConnectsPerSecond = newOpt.ConnectsPerSecond
	}
	if newOpt.Channel.MTU != 0 {
		opt.Channel = newOpt.Channel
	}
	if newOpt.Input.BufferTicks != 0 {
		opt.Input = newOpt.Input
	}
	if newOpt.Messages != nil {
		opt.Messages = newOpt.Messages
	}
	if newOpt.Logger != nil {
		opt.Logger = newOpt.Logger
	}
}

// validate checks that all required options are set and valid.
func (opt *Options) validate() error {
	if opt.TickDuration <= 0 {
		return eris.New("tick duration must be positive")
	}
	if opt.SendInterval < opt.TickDuration {
		return eris.New("send interval cannot be shorter than a tick")
	}
	if len(opt.PrivateKey) != auth.KeySize {
		return eris.Wrapf(auth.ErrInvalidKey, "got %d bytes", len(opt.PrivateKey))
	}
	if opt.MaxClients <= 0 {
		return eris.New("max clients must be positive")
	}
	if opt.ClientTimeout <= 0 {
		return eris.New("client timeout must be positive")
	}
	if opt.ViolationsPerSecond <= 0 || opt.ViolationBurst <= 0 {
		return eris.New("violation budget must be positive")
	}
	if opt.ConnectsPerSecond <= 0 {
		return eris.New("connect rate must be positive")
	}
	if err := opt.Channel.Validate(); err != nil {
		return eris.Wrap(err, "invalid channel config")
	}
	if err := opt.Input.Validate(); err != nil {
		return eris.Wrap(err, "invalid input config")
	}
	return nil
}
