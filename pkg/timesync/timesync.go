// Package timesync keeps a client's simulation tick ahead of the server's by enough margin that
// its inputs arrive before the server needs them.
//
// The client never jumps its tick once synced. It converges on the target by changing the speed of
// its fixed-step scheduler.
package timesync

import (
	"math"
	"time"

	"github.com/argus-labs/netcode/pkg/protocol"
	"github.com/argus-labs/netcode/pkg/tick"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// Result is the outcome of one Update.
type Result struct {
	Synced bool

	// JustSynced is set on the Update that first reaches sync. InitialTick is only meaningful then.
	JustSynced  bool
	InitialTick tick.Tick

	// Speed is the multiplier for the client's scheduler.
	Speed float64
}

// Manager estimates the server clock from pongs and packet headers.
type Manager struct {
	cfg     Config
	tickDur time.Duration
	log     zerolog.Logger

	rtt window

	nextPing time.Time
	pingID   uint16

	serverTick    tick.Tick
	serverTickAt  time.Time
	hasServerTick bool

	synced bool
}

// NewManager returns a manager for a simulation stepping every tickDuration.
func NewManager(cfg Config, tickDuration time.Duration, logger zerolog.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, eris.Wrap(err, "invalid sync config")
	}
	if tickDuration <= 0 {
		return nil, eris.New("tick duration must be positive")
	}
	return &Manager{
		cfg:     cfg,
		tickDur: tickDuration,
		log:     logger,
		rtt:     newWindow(cfg.StatsWindow),
	}, nil
}

// Ping returns a ping when one is due.
func (m *Manager) Ping(now time.Time) (protocol.Ping, bool) {
	if now.Before(m.nextPing) {
		return protocol.Ping{}, false
	}
	m.nextPing = now.Add(m.cfg.PingInterval)
	m.pingID++
	return protocol.Ping{ID: m.pingID, SentAt: now.UnixNano()}, true
}

// Pong builds the server's answer to a ping received at receivedAt and answered at now.
func Pong(ping protocol.Ping, receivedAt, now time.Time, serverTick tick.Tick) protocol.Pong {
	return protocol.Pong{
		PingID:     ping.ID,
		PingSentAt: ping.SentAt,
		Hold:       int64(now.Sub(receivedAt)),
		ServerTick: uint16(serverTick),
	}
}

// HandlePong records the round trip measured by a pong received at now.
func (m *Manager) HandlePong(pong protocol.Pong, now time.Time) {
	rtt := now.Sub(time.Unix(0, pong.PingSentAt)) - time.Duration(pong.Hold)
	if rtt < 0 {
		m.log.Debug().Dur("rtt", rtt).Msg("discarding negative round trip sample")
		return
	}
	m.AddRTTSample(rtt)
	m.ObserveServerTick(tick.Tick(pong.ServerTick), now)
}

// AddRTTSample records one round-trip measurement.
func (m *Manager) AddRTTSample(rtt time.Duration) {
	m.rtt.add(rtt)
}

// ObserveServerTick records that a packet written at server tick t arrived at receivedAt.
// Only observations newer than the last one move the estimate.
func (m *Manager) ObserveServerTick(t tick.Tick, receivedAt time.Time) {
	if m.hasServerTick && !t.After(m.serverTick) {
		return
	}
	m.serverTick = t
	m.serverTickAt = receivedAt.Add(-m.oneWay())
	m.hasServerTick = true
}

// RTT returns the mean round trip over the window.
func (m *Manager) RTT() time.Duration {
	mean, _ := m.rtt.stats()
	return mean
}

// Jitter returns the mean absolute deviation of the round trip.
func (m *Manager) Jitter() time.Duration {
	_, jitter := m.rtt.stats()
	return jitter
}

// Synced reports whether the client has committed to a tick.
func (m *Manager) Synced() bool {
	return m.synced
}

func (m *Manager) ready() bool {
	return m.hasServerTick && m.rtt.len() >= m.cfg.MinSamples
}

func (m *Manager) oneWay() time.Duration {
	return m.RTT() / 2
}

func (m *Manager) ticks(d time.Duration) float64 {
	return float64(d) / float64(m.tickDur)
}

// projected returns how many ticks past the last observed server tick the server is at now.
func (m *Manager) projected(now time.Time) float64 {
	return m.ticks(now.Sub(m.serverTickAt))
}

// EstimatedServerTick returns the server's current tick as seen from now.
func (m *Manager) EstimatedServerTick(now time.Time) tick.Tick {
	return m.offset(m.projected(now))
}

// target returns the tick the client should be simulating, relative to the last server tick.
func (m *Manager) target(now time.Time) float64 {
	_, jitter := m.rtt.stats()
	ahead := m.ticks(m.oneWay()) + m.cfg.JitterMultiple*m.ticks(jitter) + m.cfg.MarginTicks
	return m.projected(now) + ahead
}

// TargetTick returns the tick the client should be simulating at now.
func (m *Manager) TargetTick(now time.Time) tick.Tick {
	return m.offset(math.Ceil(m.target(now)))
}

// Update reports whether the client is synced and the scheduler speed it should run at.
func (m *Manager) Update(now time.Time, clientTick tick.Tick) Result {
	if !m.ready() {
		return Result{Speed: 1}
	}

	if !m.synced {
		m.synced = true
		initial := m.TargetTick(now)
		m.log.Info().
			Uint16("tick", uint16(initial)).
			Dur("rtt", m.RTT()).
			Dur("jitter", m.Jitter()).
			Msg("clock synced")
		return Result{Synced: true, JustSynced: true, InitialTick: initial, Speed: 1}
	}

	current := float64(clientTick.Diff(m.serverTick))
	errTicks := m.target(now) - current
	speed := 1.0
	if math.Abs(errTicks) > m.cfg.ErrorMarginTicks {
		adjust := errTicks * m.cfg.SpeedGain
		adjust = math.Max(-m.cfg.MaxSpeedAdjustment, math.Min(m.cfg.MaxSpeedAdjustment, adjust))
		speed = 1 + adjust
	}
	return Result{Synced: true, Speed: speed}
}

// InterpolationTick returns the tick remote entities are displayed at. It trails the newest
// server state by the one-way latency, the jitter margin and the interpolation delay, and is never
// ahead of clientTick.
func (m *Manager) InterpolationTick(now time.Time, clientTick tick.Tick) tick.Tick {
	if !m.ready() {
		return clientTick
	}
	_, jitter := m.rtt.stats()
	behind := m.ticks(m.oneWay()) + m.cfg.JitterMultiple*m.ticks(jitter) + m.ticks(m.cfg.InterpolationDelay)
	t := m.offset(math.Floor(m.projected(now) - behind))
	if t.After(clientTick) {
		return clientTick
	}
	return t
}

// Reset forgets every observation. Used when the connection is re-established.
func (m *Manager) Reset() {
	m.rtt.reset()
	m.hasServerTick = false
	m.synced = false
	m.nextPing = time.Time{}
}

func (m *Manager) offset(ticks float64) tick.Tick {
	ticks = math.Max(math.MinInt16, math.Min(math.MaxInt16, ticks))
	return m.serverTick.Add(int16(ticks))
}
