package client

import (
	"time"

	"github.com/argus-labs/netcode/pkg/channel"
	"github.com/argus-labs/netcode/pkg/input"
	"github.com/argus-labs/netcode/pkg/prediction"
	"github.com/argus-labs/netcode/pkg/protocol"
	"github.com/argus-labs/netcode/pkg/timesync"
	"github.com/caarlos0/env/v11"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// clientConfig holds the client settings read from the environment.
type clientConfig struct {
	// Duration of one simulation tick. Must match the server.
	TickDuration time.Duration `env:"NETCODE_TICK_DURATION" envDefault:"16ms"`

	// How often input windows are sent.
	SendInterval time.Duration `env:"NETCODE_CLIENT_SEND_INTERVAL" envDefault:"32ms"`

	// Protocol id, must match the one in the connect token.
	ProtocolID uint64 `env:"NETCODE_PROTOCOL_ID"`

	// How long to keep retrying the connect request before giving up.
	ConnectTimeout time.Duration `env:"NETCODE_CONNECT_TIMEOUT" envDefault:"5s"`

	// Interval between connect request retries.
	ConnectRetry time.Duration `env:"NETCODE_CONNECT_RETRY" envDefault:"100ms"`

	// The connection is dropped when the server is silent for this long.
	ServerTimeout time.Duration `env:"NETCODE_SERVER_TIMEOUT" envDefault:"5s"`

	// Protocol violations tolerated from the server, on average and in a burst.
	ViolationsPerSecond float64 `env:"NETCODE_VIOLATIONS_PER_SECOND" envDefault:"5"`
	ViolationBurst      int     `env:"NETCODE_VIOLATION_BURST" envDefault:"20"`
}

// loadClientConfig loads the client configuration from environment variables.
func loadClientConfig() (clientConfig, error) {
	cfg, err := env.ParseAs[clientConfig]()
	if err != nil {
		return cfg, eris.Wrap(err, "failed to parse client config")
	}
	return cfg, nil
}

func (cfg *clientConfig) applyToOptions(opt *Options) {
	opt.TickDuration = cfg.TickDuration
	opt.SendInterval = cfg.SendInterval
	opt.ProtocolID = cfg.ProtocolID
	opt.ConnectTimeout = cfg.ConnectTimeout
	opt.ConnectRetry = cfg.ConnectRetry
	opt.ServerTimeout = cfg.ServerTimeout
	opt.ViolationsPerSecond = cfg.ViolationsPerSecond
	opt.ViolationBurst = cfg.ViolationBurst
}

type Options struct {
	TickDuration        time.Duration      // Duration of one simulation tick
	SendInterval        time.Duration      // Interval between input sends
	ProtocolID          uint64             // Protocol id of the connect token
	Token               []byte             // Sealed connect token from the issuer
	ConnectTimeout      time.Duration      // Give up connecting after this long
	ConnectRetry        time.Duration      // Interval between connect requests
	ServerTimeout       time.Duration      // Silence after which the server is considered gone
	ViolationsPerSecond float64            // Sustained protocol violations tolerated
	ViolationBurst      int                // Burst of protocol violations tolerated
	Channel             channel.Config     // Link settings, must match the server's
	Input               input.Config       // Input buffering and redundancy
	Sync                timesync.Config    // Clock synchronization
	Prediction          prediction.Config  // Rollback history
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
		Token:               nil,
		ConnectTimeout:      0,
		ConnectRetry:        0,
		ServerTimeout:       0,
		ViolationsPerSecond: 0,
		ViolationBurst:      0,
		Channel:             channel.Config{},
		Input:               input.Config{},
		Sync:                timesync.Config{},
		Prediction:          prediction.Config{},
		Messages:            nil,
		Logger:              nil,
	}
}

// loadOptionsEnv reads every environment-backed option.
func loadOptionsEnv() (Options, error) {
	opt := Options{}
	cfg, err := loadClientConfig()
	if err != nil {
		return opt, err
	}
	cfg.applyToOptions(&opt)
	if opt.Channel, err = channel.LoadConfig(); err != nil {
		return opt, err
	}
	if opt.Input, err = input.LoadConfig(); err != nil {
		return opt, err
	}
	if opt.Sync, err = timesync.LoadConfig(); err != nil {
		return opt, err
	}
	if opt.Prediction, err = prediction.LoadConfig(); err != nil {
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
	if newOpt.Token != nil {
		opt.Token = newOpt.Token
	}
	if newOpt.ConnectTimeout != 0 {
		opt.ConnectTimeout = newOpt.ConnectTimeout
	}
	if newOpt.ConnectRetry != 0 {
		opt.ConnectRetry = newOpt.ConnectRetry
	}
	if newOpt.ServerTimeout != 0 {
		opt.ServerTimeout = newOpt.ServerTimeout
	}
	if newOpt.ViolationsPerSecond != 0 {
		opt.ViolationsPerSecond = newOpt.ViolationsPerSecond
	}
	if newOpt.ViolationBurst != 0 {
		opt.ViolationBurst = newOpt.ViolationBurst
	}
	if newOpt.Channel.MTU != 0 {
		opt.Channel = newOpt.Channel
	}
	if newOpt.Input.BufferTicks != 0 {
		opt.Input = newOpt.Input
	}
	if newOpt.Sync.StatsWindow != 0 {
		opt.Sync = newOpt.Sync
	}
	if newOpt.Prediction.HistoryTicks != 0 {
		opt.Prediction = newOpt.Prediction
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
	if opt.ConnectTimeout <= 0 || opt.ConnectRetry <= 0 {
		return eris.New("connect timeout and retry must be positive")
	}
	if opt.ServerTimeout <= 0 {
		return eris.New("server timeout must be positive")
	}
	if opt.ViolationsPerSecond <= 0 || opt.ViolationBurst <= 0 {
		return eris.New("violation budget must be positive")
	}
	if err := opt.Channel.Validate(); err != nil {
		return eris.Wrap(err, "invalid channel config")
	}
	if err := opt.Input.Validate(); err != nil {
		return eris.Wrap(err, "invalid input config")
	}
	if err := opt.Sync.Validate(); err != nil {
		return eris.Wrap(err, "invalid sync config")
	}
	if err := opt.Prediction.Validate(); err != nil {
		return eris.Wrap(err, "invalid prediction config")
	}
	// Inputs must outlive every tick a rollback can replay.
	if opt.Input.BufferTicks < opt.Prediction.HistoryTicks {
		return eris.New("input buffer must cover the prediction history")
	}
	return nil
}
