package timesync

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rotisserie/eris"
)

// Config tunes how the client tracks the server clock.
type Config struct {
	// PingInterval is how often the client measures the round trip.
	PingInterval time.Duration `env:"NETCODE_SYNC_PING_INTERVAL" envDefault:"100ms"`

	// StatsWindow is the number of round-trip samples the latency statistics are computed over.
	StatsWindow int `env:"NETCODE_SYNC_STATS_WINDOW" envDefault:"32"`

	// MinSamples is the number of samples required before the clock counts as synced.
	MinSamples int `env:"NETCODE_SYNC_MIN_SAMPLES" envDefault:"4"`

	// JitterMultiple scales jitter into the safety margin kept ahead of the server.
	JitterMultiple float64 `env:"NETCODE_SYNC_JITTER_MULTIPLE" envDefault:"4"`

	// MarginTicks is a constant number of ticks added to the safety margin.
	MarginTicks float64 `env:"NETCODE_SYNC_MARGIN_TICKS" envDefault:"1"`

	// ErrorMarginTicks is the tolerated distance from the target tick before the speed changes.
	ErrorMarginTicks float64 `env:"NETCODE_SYNC_ERROR_MARGIN_TICKS" envDefault:"1"`

	// SpeedGain is the speed adjustment per tick of error.
	SpeedGain float64 `env:"NETCODE_SYNC_SPEED_GAIN" envDefault:"0.02"`

	// MaxSpeedAdjustment bounds the speed multiplier to 1 ± this value.
	MaxSpeedAdjustment float64 `env:"NETCODE_SYNC_MAX_SPEED_ADJUSTMENT" envDefault:"0.1"`

	// InterpolationDelay is kept between the interpolation tick and the newest server state.
	InterpolationDelay time.Duration `env:"NETCODE_SYNC_INTERPOLATION_DELAY" envDefault:"50ms"`
}

// LoadConfig reads the sync configuration from the environment.
func LoadConfig() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return cfg, eris.Wrap(err, "failed to parse sync config")
	}
	if err := cfg.Validate(); err != nil {
		return cfg, eris.Wrap(err, "failed to validate sync config")
	}
	return cfg, nil
}

// DefaultConfig returns the environment defaults without reading the environment.
func DefaultConfig() Config {
	return Config{
		PingInterval:       100 * time.Millisecond,
		StatsWindow:        32,
		MinSamples:         4,
		JitterMultiple:     4,
		MarginTicks:        1,
		ErrorMarginTicks:   1,
		SpeedGain:          0.02,
		MaxSpeedAdjustment: 0.1,
		InterpolationDelay: 50 * time.Millisecond,
	}
}

func (cfg Config) Validate() error {
	if cfg.PingInterval <= 0 {
		return eris.New("ping interval must be positive")
	}
	if cfg.StatsWindow <= 0 {
		return eris.New("stats window must be positive")
	}
	if cfg.MinSamples <= 0 || cfg.MinSamples > cfg.StatsWindow {
		return eris.Errorf("min samples must be between 1 and the stats window (%d)", cfg.StatsWindow)
	}
	if cfg.JitterMultiple < 0 || cfg.MarginTicks < 0 || cfg.ErrorMarginTicks < 0 {
		return eris.New("margins cannot be negative")
	}
	if cfg.SpeedGain <= 0 {
		return eris.New("speed gain must be positive")
	}
	if cfg.MaxSpeedAdjustment <= 0 || cfg.MaxSpeedAdjustment >= 1 {
		return eris.New("max speed adjustment must be in (0, 1)")
	}
	if cfg.InterpolationDelay < 0 {
		return eris.New("interpolation delay cannot be negative")
	}
	return nil
}
