package transport

import (
	"math/rand/v2"
	"net"
	"slices"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rotisserie/eris"
)

// ConditionerConfig describes simulated inbound link conditions.
type ConditionerConfig struct {
	// Latency added to every inbound datagram.
	Latency time.Duration `env:"NETCODE_LINK_LATENCY" envDefault:"0s"`

	// Jitter is the maximum deviation, in either direction, from Latency.
	Jitter time.Duration `env:"NETCODE_LINK_JITTER" envDefault:"0s"`

	// Loss is the probability in [0, 1] that an inbound datagram is dropped.
	Loss float64 `env:"NETCODE_LINK_LOSS" envDefault:"0"`

	// Seed makes loss and jitter reproducible.
	Seed uint64 `env:"NETCODE_LINK_SEED" envDefault:"1"`
}

// LoadConditionerConfig reads the link conditions from the environment.
func LoadConditionerConfig() (ConditionerConfig, error) {
	cfg, err := env.ParseAs[ConditionerConfig]()
	if err != nil {
		return cfg, eris.Wrap(err, "failed to parse link conditioner config")
	}
	if err := cfg.Validate(); err != nil {
		return cfg, eris.Wrap(err, "failed to validate link conditioner config")
	}
	return cfg, nil
}

func (cfg ConditionerConfig) Validate() error {
	if cfg.Latency < 0 {
		return eris.New("latency cannot be negative")
	}
	if cfg.Jitter < 0 {
		return eris.New("jitter cannot be negative")
	}
	if cfg.Loss < 0 || cfg.Loss > 1 {
		return eris.New("loss must be between 0 and 1")
	}
	return nil
}

// Enabled reports whether the config changes anything.
func (cfg ConditionerConfig) Enabled() bool {
	return cfg.Latency > 0 || cfg.Jitter > 0 || cfg.Loss > 0
}

type delayed struct {
	at  time.Time
	seq uint64
	d   Datagram
}

// Conditioner wraps a transport and degrades what it receives. Jitter can reorder datagrams, the
// same way a real network does.
type Conditioner struct {
	inner Transport
	cfg   ConditionerConfig
	now   func() time.Time
	rng   *rand.Rand

	pending []delayed
	seq     uint64
	dropped int
}

var _ Transport = (*Conditioner)(nil)

// NewConditioner wraps inner. now supplies the current time, so tests can drive it from a manual
// clock.
func NewConditioner(inner Transport, cfg ConditionerConfig, now func() time.Time) (*Conditioner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if now == nil {
		now = time.Now
	}
	return &Conditioner{
		inner:   inner,
		cfg:     cfg,
		now:     now,
		rng:     rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)), //nolint:gosec // simulation only
		pending: make([]delayed, 0),
	}, nil
}

func (c *Conditioner) Send(data []byte, addr net.Addr) error {
	return c.inner.Send(data, addr)
}

func (c *Conditioner) Receive() (Datagram, bool, error) {
	now := c.now()

	for {
		d, ok, err := c.inner.Receive()
		if err != nil {
			return Datagram{}, false, err
		}
		if !ok {
			break
		}
		if c.cfg.Loss > 0 && c.rng.Float64() < c.cfg.Loss {
			c.dropped++
			continue
		}
		delay := c.cfg.Latency
		if c.cfg.Jitter > 0 {
			delay += time.Duration(c.rng.Int64N(2*int64(c.cfg.Jitter)+1)) - c.cfg.Jitter
		}
		delay = max(delay, 0)
		c.seq++
		c.insert(delayed{at: now.Add(delay), seq: c.seq, d: d})
	}

	if len(c.pending) == 0 || c.pending[0].at.After(now) {
		return Datagram{}, false, nil
	}
	next := c.pending[0]
	c.pending = c.pending[1:]
	return next.d, true, nil
}

// insert keeps pending ordered by delivery time, then arrival order.
func (c *Conditioner) insert(item delayed) {
	i, _ := slices.BinarySearchFunc(c.pending, item, func(a, b delayed) int {
		if n := a.at.Compare(b.at); n != 0 {
			return n
		}
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		default:
			return 0
		}
	})
	c.pending = slices.Insert(c.pending, i, item)
}

// Dropped returns how many datagrams were discarded by simulated loss.
func (c *Conditioner) Dropped() int {
	return c.dropped
}

func (c *Conditioner) LocalAddr() net.Addr {
	return c.inner.LocalAddr()
}

func (c *Conditioner) Close() error {
	c.pending = nil
	return c.inner.Close()
}
