// Command simplebox runs the box game over real transports. Every connected client gets a box that
// a bot steers in random directions.
//
//	SIMPLEBOX_MODE=server NETCODE_PRIVATE_KEY=<hex> simplebox
//	SIMPLEBOX_MODE=client NETCODE_PRIVATE_KEY=<hex> SIMPLEBOX_CLIENT_ID=2 simplebox
//	SIMPLEBOX_MODE=local simplebox
package main

import (
	"context"
	"math/rand/v2"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/argus-labs/netcode/pkg/auth"
	"github.com/argus-labs/netcode/pkg/client"
	"github.com/argus-labs/netcode/pkg/ecs"
	"github.com/argus-labs/netcode/pkg/input"
	"github.com/argus-labs/netcode/pkg/replication"
	"github.com/argus-labs/netcode/pkg/server"
	"github.com/argus-labs/netcode/pkg/stepper"
	"github.com/argus-labs/netcode/pkg/telemetry"
	"github.com/argus-labs/netcode/pkg/transport"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

const (
	tokenTTL    = time.Hour
	reportEvery = time.Second
	wsPath      = "/netcode"
)

var directions = []stepper.BoxAction{stepper.BoxUp, stepper.BoxDown, stepper.BoxLeft, stepper.BoxRight}

func main() {
	tel, err := telemetry.New(telemetry.Options{ServiceName: "simplebox"})
	if err != nil {
		panic(err)
	}
	log := tel.GetLogger("main")

	cfg, err := loadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch cfg.Mode {
	case modeServer:
		err = runServer(ctx, cfg, &tel)
	case modeClient:
		err = runClient(ctx, cfg, &tel)
	case modeLocal:
		err = runLocal(ctx, cfg, &tel)
	}
	if err != nil && !eris.Is(err, context.Canceled) {
		log.Fatal().Err(err).Str("mode", cfg.Mode).Msg("simplebox stopped")
	}
	log.Info().Msg("bye")
}

// -------------------------------------------------------------------------------------------------
// Server
// -------------------------------------------------------------------------------------------------

func runServer(ctx context.Context, cfg config, tel *telemetry.Telemetry) error {
	log := tel.GetLogger("server")
	key, err := cfg.key()
	if err != nil {
		return err
	}

	tr, err := listen(ctx, cfg, log)
	if err != nil {
		return err
	}
	registry, err := stepper.NewBoxRegistry()
	if err != nil {
		return err
	}
	srv, err := server.New(tr, ecs.NewWorld(registry), stepper.BoxStep, server.Options{
		TickDuration: cfg.TickDuration,
		ProtocolID:   cfg.ProtocolID,
		PrivateKey:   key,
		PublicAddr:   cfg.serverName(),
		Logger:       &log,
	})
	if err != nil {
		return err
	}

	game := stepper.BoxGame()
	boxes := make(map[uint64]ecs.EntityID)
	ticker := time.NewTicker(cfg.TickDuration)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			if err := srv.Update(now); err != nil {
				return err
			}
			for _, ev := range srv.Events() {
				if err := handleServerEvent(srv, game, boxes, ev); err != nil {
					return err
				}
			}
		case <-ctx.Done():
			if err := srv.Close(); err != nil {
				log.Error().Err(err).Msg("failed to close server")
			}
			return ctx.Err()
		}
	}
}

func handleServerEvent(
	srv *server.Server[stepper.BoxAction], game stepper.Game[stepper.BoxAction],
	boxes map[uint64]ecs.EntityID, ev server.Event,
) error {
	world := srv.World()
	switch ev.Kind {
	case server.EventConnected:
		id, err := game.OnConnected(world, ev.Client)
		if err != nil {
			return eris.Wrapf(err, "failed to spawn box of client %d", ev.Client)
		}
		boxes[ev.Client] = id
		srv.Replicate(id, replication.Rule{Target: replication.All()})
	case server.EventDisconnected:
		if id, ok := boxes[ev.Client]; ok {
			delete(boxes, ev.Client)
			return world.Despawn(id)
		}
	case server.EventUndefined, server.EventPrePredictedSpawned, server.EventResync:
	}
	return nil
}

func listen(ctx context.Context, cfg config, log zerolog.Logger) (transport.Transport, error) {
	switch cfg.Transport {
	case transportWebSocket:
		ws := transport.NewWebSocketServer(cfg.Addr, log)
		mux := http.NewServeMux()
		mux.Handle(wsPath, ws)
		httpServer := &http.Server{
			Addr:              cfg.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return ctx },
		}
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && !eris.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("websocket listener stopped")
			}
		}()
		go func() {
			<-ctx.Done()
			_ = httpServer.Close()
		}()
		return ws, nil
	case transportNATS:
		return transport.NewNATS(
			transport.WithNATSConfig(natsConfig(cfg.Subject)),
			transport.WithNATSLogger(log),
		)
	default:
		return transport.ListenUDP(cfg.Addr, log)
	}
}

func natsConfig(subject string) transport.NATSConfig {
	nc := transport.NATSConfig{Name: "simplebox", URL: "nats://127.0.0.1:4222", Subject: subject}
	if url := os.Getenv("NATS_URL"); url != "" {
		nc.URL = url
	}
	return nc
}

// -------------------------------------------------------------------------------------------------
// Client
// -------------------------------------------------------------------------------------------------

func runClient(ctx context.Context, cfg config, tel *telemetry.Telemetry) error {
	log := tel.GetLogger("client")
	key, err := cfg.key()
	if err != nil {
		return err
	}
	token, err := auth.Seal(key, auth.NewToken(cfg.ProtocolID, cfg.ClientID, cfg.serverName(), time.Now(), tokenTTL))
	if err != nil {
		return err
	}

	tr, serverAddr, err := dial(ctx, cfg, log)
	if err != nil {
		return err
	}
	registry, err := stepper.NewBoxRegistry()
	if err != nil {
		return err
	}
	c, err := client.New(tr, serverAddr, ecs.NewWorld(registry), stepper.BoxStep, client.Options{
		TickDuration: cfg.TickDuration,
		ProtocolID:   cfg.ProtocolID,
		Token:        token,
		Logger:       &log,
	})
	if err != nil {
		return err
	}
	if err := c.Connect(time.Now()); err != nil {
		return err
	}

	b := newBot(cfg.TurnEvery)
	ticker := time.NewTicker(cfg.TickDuration)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			if err := c.Update(now); err != nil {
				return err
			}
			for _, ev := range c.Events() {
				logClientEvent(log, ev)
				if ev.Kind == client.EventDisconnected {
					return eris.Errorf("disconnected: %s", ev.Reason)
				}
			}
			b.drive(now, c, log)
		case <-ctx.Done():
			if err := c.Close(); err != nil {
				log.Error().Err(err).Msg("failed to close client")
			}
			return ctx.Err()
		}
	}
}

func dial(ctx context.Context, cfg config, log zerolog.Logger) (transport.Transport, net.Addr, error) {
	switch cfg.Transport {
	case transportWebSocket:
		ws, err := transport.DialWebSocket(ctx, "ws://"+cfg.Addr+wsPath, log)
		if err != nil {
			return nil, nil, err
		}
		return ws, ws.ServerAddr(), nil
	case transportNATS:
		tr, err := transport.NewNATS(transport.WithNATSConfig(natsConfig("")), transport.WithNATSLogger(log))
		if err != nil {
			return nil, nil, err
		}
		return tr, transport.NewAddr("nats", cfg.Subject), nil
	default:
		serverAddr, err := net.ResolveUDPAddr("udp", cfg.Addr)
		if err != nil {
			return nil, nil, eris.Wrapf(err, "failed to resolve %s", cfg.Addr)
		}
		tr, err := transport.ListenUDP(":0", log)
		if err != nil {
			return nil, nil, err
		}
		return tr, serverAddr, nil
	}
}

func logClientEvent(log zerolog.Logger, ev client.Event) {
	switch ev.Kind {
	case client.EventRollback, client.EventSpawned, client.EventDespawned:
		log.Debug().Stringer("event", ev.Kind).Uint16("tick", uint16(ev.Tick)).Msg("client event")
	default:
		log.Info().Stringer("event", ev.Kind).Uint16("tick", uint16(ev.Tick)).Msg("client event")
	}
}

// -------------------------------------------------------------------------------------------------
// Local
// -------------------------------------------------------------------------------------------------

func runLocal(ctx context.Context, cfg config, tel *telemetry.Telemetry) error {
	log := tel.GetLogger("local")
	link, err := transport.LoadConditionerConfig()
	if err != nil {
		return err
	}
	s, err := stepper.New(stepper.BoxGame(), stepper.Options{
		Clients:      cfg.Clients,
		TickDuration: cfg.TickDuration,
		ProtocolID:   cfg.ProtocolID,
		Link:         link,
		Logger:       &log,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close stepper")
		}
	}()

	bots := make([]*bot, s.Clients())
	for i := range bots {
		bots[i] = newBot(cfg.TurnEvery)
	}
	ticker := time.NewTicker(cfg.TickDuration)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.Step(); err != nil {
				return err
			}
			for i, b := range bots {
				for _, ev := range s.ClientEvents(i) {
					logClientEvent(log.With().Int("client", i).Logger(), ev)
				}
				b.drive(s.Now(), s.Client(i), log.With().Int("client", i).Logger())
			}
			s.ServerEvents()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// -------------------------------------------------------------------------------------------------
// Bot
// -------------------------------------------------------------------------------------------------

// bot holds one direction at a time and turns at a fixed interval.
type bot struct {
	every    time.Duration
	turnAt   time.Time
	reportAt time.Time
	held     stepper.BoxAction
}

func newBot(every time.Duration) *bot {
	return &bot{every: every}
}

func (b *bot) drive(now time.Time, c *client.Client[stepper.BoxAction], log zerolog.Logger) {
	if c.State() != client.StateConnected || !c.Synced() {
		return
	}
	box, ok := ownBox(c.World(), c.ID())
	if !ok {
		return
	}
	state := c.Input(box)

	if !now.Before(b.turnAt) {
		b.turnAt = now.Add(b.every)
		b.turn(state)
	}
	if !now.Before(b.reportAt) {
		b.reportAt = now.Add(reportEvery)
		pos, _ := ecs.Get[stepper.BoxPosition](c.World(), box)
		stats := c.Stats()
		log.Info().
			Float64("x", pos.X).
			Float64("y", pos.Y).
			Stringer("heading", b.held).
			Dur("rtt", c.RTT()).
			Int("rollbacks", c.Rollbacks()).
			Uint64("retransmits", stats.Retransmits).
			Msg("box")
	}
}

func (b *bot) turn(state *input.ActionState[stepper.BoxAction]) {
	if b.held != 0 {
		state.Release(b.held)
	}
	b.held = directions[rand.IntN(len(directions))] //nolint:gosec // not security sensitive
	state.Press(b.held)
}

// ownBox finds the box the server gave this client.
func ownBox(world *ecs.World, clientID uint64) (ecs.EntityID, bool) {
	kind, err := world.Registry().KindOf(replication.Controlled{})
	if err != nil {
		return 0, false
	}
	for _, id := range world.Query(kind) {
		if ctl, ok := ecs.Get[replication.Controlled](world, id); ok && ctl.Client == clientID {
			return id, true
		}
	}
	return 0, false
}
