package prediction

import (
	"github.com/caarlos0/env/v11"
	"github.com/rotisserie/eris"
)

type Config struct {
	// HistoryTicks is how many ticks of predicted state are kept. A correction for an older tick is
	// a desync.
	HistoryTicks int `env:"NETCODE_PREDICTION_HISTORY_TICKS" envDefault:"128"`

	// MaxConsecutiveRollbacks is how many rollbacks in a row are tolerated before the client
	// declares a desync. A deterministic step function converges after one.
	MaxConsecutiveRollbacks int `env:"NETCODE_PREDICTION_MAX_CONSECUTIVE_ROLLBACKS" envDefault:"16"`
}

func LoadConfig() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return cfg, eris.Wrap(err, "failed to parse prediction config")
	}
	if err := cfg.Validate(); err != nil {
		return cfg, eris.Wrap(err, "failed to validate prediction config")
	}
	return cfg, nil
}

func DefaultConfig() Config {
	return Config{HistoryTicks: 128, MaxConsecutiveRollbacks: 16}
}

func (cfg Config) Validate() error {
	if cfg.HistoryTicks < 2 {
		return eris.New("history must hold at least 2 ticks")
	}
	if cfg.MaxConsecutiveRollbacks < 1 {
		return eris.New("max consecutive rollbacks must be at least 1")
	}
	return nil
}
