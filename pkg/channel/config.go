package channel

import (
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rotisserie/eris"
)

// Config holds the link-level tunables shared by every channel of a connection.
type Config struct {
	// MTU is the largest packet written to the transport, in bytes.
	MTU int `env:"NETCODE_CHANNEL_MTU" envDefault:"1200"`

	// ResendBase is the minimum delay before a reliable message is resent. Each further resend
	// doubles the delay up to ResendMax.
	ResendBase time.Duration `env:"NETCODE_CHANNEL_RESEND_BASE" envDefault:"100ms"`
	ResendMax  time.Duration `env:"NETCODE_CHANNEL_RESEND_MAX" envDefault:"2s"`

	// MaxRetries is how many times a reliable message is resent before the connection fails.
	MaxRetries int `env:"NETCODE_CHANNEL_MAX_RETRIES" envDefault:"10"`

	// KeepAlive is the longest a connection stays silent. Acks ride on keep-alive packets.
	KeepAlive time.Duration `env:"NETCODE_CHANNEL_KEEPALIVE" envDefault:"250ms"`

	// Compression applied to packets ("none" or "zstd").
	Compression string `env:"NETCODE_CHANNEL_COMPRESSION" envDefault:"none"`

	// Modes overrides channel modes by name, e.g. "entity_updates:unreliable".
	Modes map[string]string `env:"NETCODE_CHANNEL_MODES"`
}

const (
	minMTU          = 256
	maxSendWindow   = 4096
	maxReorderQueue = 4096
)

// LoadConfig reads the channel configuration from the environment.
func LoadConfig() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return cfg, eris.Wrap(err, "failed to parse channel config")
	}
	if err := cfg.Validate(); err != nil {
		return cfg, eris.Wrap(err, "failed to validate channel config")
	}
	return cfg, nil
}

// DefaultConfig returns the environment defaults without reading the environment.
func DefaultConfig() Config {
	return Config{
		MTU:         1200,
		ResendBase:  100 * time.Millisecond,
		ResendMax:   2 * time.Second,
		MaxRetries:  10,
		KeepAlive:   250 * time.Millisecond,
		Compression: compressionNoneString,
	}
}

func (cfg Config) Validate() error {
	if cfg.MTU < minMTU || cfg.MTU > 65507 {
		return eris.Errorf("MTU must be between %d and 65507, got %d", minMTU, cfg.MTU)
	}
	if cfg.ResendBase <= 0 {
		return eris.New("resend base must be positive")
	}
	if cfg.ResendMax < cfg.ResendBase {
		return eris.New("resend max must be at least resend base")
	}
	if cfg.MaxRetries <= 0 {
		return eris.New("max retries must be positive")
	}
	if cfg.KeepAlive <= 0 {
		return eris.New("keep-alive interval must be positive")
	}
	if ParseCompression(cfg.Compression) == CompressionUndefined {
		return eris.Errorf("invalid compression: %s (must be 'none' or 'zstd')", cfg.Compression)
	}
	for name, mode := range cfg.Modes {
		if ParseMode(mode) == ModeUndefined {
			return eris.Errorf("invalid mode %q for channel %s", mode, name)
		}
	}
	return nil
}

// ApplyModes returns a copy of settings with the configured mode overrides applied.
func (cfg Config) ApplyModes(settings []Settings) ([]Settings, error) {
	out := append([]Settings(nil), settings...)
	for name, mode := range cfg.Modes {
		found := false
		for i := range out {
			if strings.EqualFold(out[i].Name, name) {
				out[i].Mode = ParseMode(mode)
				found = true
			}
		}
		if !found {
			return nil, eris.Wrapf(ErrUnknownChannel, "mode override for %s", name)
		}
	}
	return out, nil
}

// MaxPayload is the largest single message that fits in a packet.
func (cfg Config) MaxPayload() int {
	return cfg.MTU - packetOverhead - messageOverhead
}
