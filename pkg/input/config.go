package input

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rotisserie/eris"
)

// Config controls how inputs are recorded and sent.
type Config struct {
	// Redundancy is the number of send intervals every input message covers. Up to Redundancy-1
	// consecutive lost messages leave no gap on the server.
	Redundancy int `env:"NETCODE_INPUT_REDUNDANCY" envDefault:"4"`

	// DelayTicks tags input sampled at tick T with T+DelayTicks.
	DelayTicks int `env:"NETCODE_INPUT_DELAY_TICKS" envDefault:"0"`

	// SendDiffsOnly sends only changed actions. When false every tick carries the full state.
	SendDiffsOnly bool `env:"NETCODE_INPUT_SEND_DIFFS_ONLY" envDefault:"true"`

	// BufferTicks is how many ticks of input are retained. It bounds the rollback depth.
	BufferTicks int `env:"NETCODE_INPUT_BUFFER_TICKS" envDefault:"128"`
}

// LoadConfig reads the input configuration from the environment.
func LoadConfig() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return cfg, eris.Wrap(err, "failed to parse input config")
	}
	if err := cfg.Validate(); err != nil {
		return cfg, eris.Wrap(err, "failed to validate input config")
	}
	return cfg, nil
}

// DefaultConfig returns the environment defaults without reading the environment.
func DefaultConfig() Config {
	return Config{
		Redundancy:    4,
		DelayTicks:    0,
		SendDiffsOnly: true,
		BufferTicks:   128,
	}
}

func (cfg Config) Validate() error {
	if cfg.Redundancy < 1 {
		return eris.New("redundancy must be at least 1")
	}
	if cfg.DelayTicks < 0 || cfg.DelayTicks > 64 {
		return eris.Errorf("delay ticks must be between 0 and 64, got %d", cfg.DelayTicks)
	}
	if cfg.BufferTicks < 2 {
		return eris.New("buffer must hold at least 2 ticks")
	}
	return nil
}

// WindowTicks returns how many ticks each input message covers when messages are sent every
// sendInterval and the simulation steps every tickDuration.
func (cfg Config) WindowTicks(sendInterval, tickDuration time.Duration) int {
	perSend := 1
	if sendInterval > tickDuration {
		perSend = int((sendInterval + tickDuration - 1) / tickDuration)
	}
	return cfg.Redundancy * perSend
}
