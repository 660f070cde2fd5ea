// Package stepper runs a server and its clients in one process on a shared manual clock. Every
// Step advances the clock by one tick and updates each instance once, so a run is reproducible
// given the link seed. It backs the end-to-end tests and the local mode of the example.
package stepper

import (
	"fmt"
	"time"

	"github.com/argus-labs/netcode/pkg/auth"
	"github.com/argus-labs/netcode/pkg/client"
	"github.com/argus-labs/netcode/pkg/ecs"
	"github.com/argus-labs/netcode/pkg/input"
	"github.com/argus-labs/netcode/pkg/replication"
	"github.com/argus-labs/netcode/pkg/server"
	"github.com/argus-labs/netcode/pkg/transport"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

const (
	serverName = "server"
	tokenTTL   = time.Hour
)

// Game is what a host plugs into the stepper.
type Game[A input.Action] struct {
	// Registry builds the component registry. It is called once per instance.
	Registry func() (*ecs.Registry, error)

	Step input.StepFunc[A]

	// OnConnected spawns the entity a new client controls. It is replicated to everyone and
	// despawned when the client leaves. Nil spawns nothing.
	OnConnected func(world *ecs.World, client uint64) (ecs.EntityID, error)
}

type Options struct {
	Clients      int                         // Number of clients, ids 1..Clients
	TickDuration time.Duration               // Clock advance per Step
	ProtocolID   uint64                      // Protocol id of the generated tokens
	Link         transport.ConditionerConfig // Applied to every inbound link
	Server       server.Options              // Key and address are filled in
	Client       client.Options              // Token is filled in
	Logger       *zerolog.Logger             // Nil logs nothing
}

// Stepper is a server and its clients on an in-memory network.
type Stepper[A input.Action] struct {
	game    Game[A]
	opts    Options
	now     time.Time
	network *transport.MemoryNetwork

	server   *server.Server[A]
	clients  []*client.Client[A]
	links    []*transport.Conditioner // Server link first
	entities map[uint64]ecs.EntityID  // Client id -> entity spawned by OnConnected

	serverEvents []server.Event
	clientEvents [][]client.Event
}

// New builds the server and the clients and starts connecting them. Nothing is exchanged until the
// first Step.
func New[A input.Action](game Game[A], opts Options) (*Stepper[A], error) {
	if game.Registry == nil || game.Step == nil {
		return nil, eris.New("game needs a registry and a step function")
	}
	if opts.TickDuration <= 0 {
		return nil, eris.New("tick duration must be positive")
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	s := &Stepper[A]{
		game:     game,
		opts:     opts,
		now:      time.Unix(1_700_000_000, 0),
		network:  transport.NewMemoryNetwork(),
		entities: make(map[uint64]ecs.EntityID),
	}

	key := opts.Server.PrivateKey
	if key == nil {
		var err error
		if key, err = auth.NewKey(); err != nil {
			return nil, err
		}
	}

	tr, err := s.listen(serverName)
	if err != nil {
		return nil, err
	}
	registry, err := game.Registry()
	if err != nil {
		return nil, eris.Wrap(err, "failed to build server registry")
	}
	serverOpts := opts.Server
	serverOpts.TickDuration = opts.TickDuration
	serverOpts.ProtocolID = opts.ProtocolID
	serverOpts.PrivateKey = key
	serverOpts.PublicAddr = serverName
	serverLog := logger.With().Str("instance", serverName).Logger()
	serverOpts.Logger = &serverLog
	s.server, err = server.New(tr, ecs.NewWorld(registry), game.Step, serverOpts)
	if err != nil {
		return nil, eris.Wrap(err, "failed to create server")
	}

	for i := range opts.Clients {
		id := uint64(i + 1) //nolint:gosec // small
		token, err := auth.Seal(key, auth.NewToken(opts.ProtocolID, id, serverName, s.now, tokenTTL))
		if err != nil {
			return nil, err
		}
		if _, err := s.AddClient(token); err != nil {
			return nil, eris.Wrapf(err, "failed to create client %d", id)
		}
	}
	return s, nil
}

func (s *Stepper[A]) listen(name string) (transport.Transport, error) {
	mem, err := s.network.Listen(name)
	if err != nil {
		return nil, err
	}
	link, err := transport.NewConditioner(mem, s.opts.Link, s.Now)
	if err != nil {
		return nil, err
	}
	s.links = append(s.links, link)
	return link, nil
}

// AddClient creates another client presenting token and starts connecting it. It returns the
// client's index.
func (s *Stepper[A]) AddClient(token []byte) (int, error) {
	i := len(s.clients)
	name := fmt.Sprintf("client-%d", i)
	tr, err := s.listen(name)
	if err != nil {
		return 0, err
	}
	registry, err := s.game.Registry()
	if err != nil {
		return 0, eris.Wrap(err, "failed to build client registry")
	}

	opts := s.opts.Client
	opts.TickDuration = s.opts.TickDuration
	opts.ProtocolID = s.opts.ProtocolID
	opts.Token = token
	logger := zerolog.Nop()
	if s.opts.Logger != nil {
		logger = s.opts.Logger.With().Str("instance", name).Logger()
	}
	opts.Logger = &logger

	c, err := client.New(tr, transport.NewAddr("memory", serverName), ecs.NewWorld(registry), s.game.Step, opts)
	if err != nil {
		return 0, err
	}
	if err := c.Connect(s.now); err != nil {
		return 0, err
	}
	s.clients = append(s.clients, c)
	s.clientEvents = append(s.clientEvents, nil)
	return i, nil
}

// Step advances the clock by one tick and updates the server, then every client.
func (s *Stepper[A]) Step() error {
	s.now = s.now.Add(s.opts.TickDuration)

	if err := s.server.Update(s.now); err != nil {
		return eris.Wrap(err, "server update failed")
	}
	for _, ev := range s.server.Events() {
		if err := s.handleServerEvent(ev); err != nil {
			return err
		}
		s.serverEvents = append(s.serverEvents, ev)
	}

	for i, c := range s.clients {
		if err := c.Update(s.now); err != nil {
			return eris.Wrapf(err, "client %d update failed", i)
		}
		s.clientEvents[i] = append(s.clientEvents[i], c.Events()...)
	}
	return nil
}

func (s *Stepper[A]) handleServerEvent(ev server.Event) error {
	world := s.server.World()
	switch ev.Kind {
	case server.EventConnected:
		if s.game.OnConnected == nil {
			return nil
		}
		id, err := s.game.OnConnected(world, ev.Client)
		if err != nil {
			return eris.Wrapf(err, "failed to spawn entity of client %d", ev.Client)
		}
		s.entities[ev.Client] = id
		s.server.Replicate(id, replication.Rule{Target: replication.All()})
	case server.EventDisconnected:
		if id, ok := s.entities[ev.Client]; ok {
			delete(s.entities, ev.Client)
			if err := world.Despawn(id); err != nil {
				return eris.Wrapf(err, "failed to despawn entity of client %d", ev.Client)
			}
		}
	case server.EventUndefined, server.EventPrePredictedSpawned, server.EventResync:
	}
	return nil
}

// Run steps n times.
func (s *Stepper[A]) Run(n int) error {
	for range n {
		if err := s.Step(); err != nil {
			return err
		}
	}
	return nil
}

// RunUntil steps until done returns true, at most limit times. It reports whether done was met.
func (s *Stepper[A]) RunUntil(limit int, done func() bool) (bool, error) {
	for range limit {
		if done() {
			return true, nil
		}
		if err := s.Step(); err != nil {
			return false, err
		}
	}
	return done(), nil
}

// Synced reports whether every client is connected with a synced clock.
func (s *Stepper[A]) Synced() bool {
	for _, c := range s.clients {
		if c.State() != client.StateConnected || !c.Synced() {
			return false
		}
	}
	return true
}

// Now returns the shared clock.
func (s *Stepper[A]) Now() time.Time {
	return s.now
}

// Advance moves the clock without updating anything, as if every instance stalled.
func (s *Stepper[A]) Advance(d time.Duration) {
	s.now = s.now.Add(d)
}

func (s *Stepper[A]) Server() *server.Server[A] {
	return s.server
}

func (s *Stepper[A]) Client(i int) *client.Client[A] {
	return s.clients[i]
}

func (s *Stepper[A]) Clients() int {
	return len(s.clients)
}

// Entity returns the server entity spawned for client by OnConnected.
func (s *Stepper[A]) Entity(client uint64) (ecs.EntityID, bool) {
	id, ok := s.entities[client]
	return id, ok
}

// ServerEvents drains the server events seen so far.
func (s *Stepper[A]) ServerEvents() []server.Event {
	out := s.serverEvents
	s.serverEvents = nil
	return out
}

// ClientEvents drains the events of client i seen so far.
func (s *Stepper[A]) ClientEvents(i int) []client.Event {
	out := s.clientEvents[i]
	s.clientEvents[i] = nil
	return out
}

// Dropped returns the datagrams dropped by the link conditioners.
func (s *Stepper[A]) Dropped() int {
	n := 0
	for _, l := range s.links {
		n += l.Dropped()
	}
	return n
}

// Close closes every instance.
func (s *Stepper[A]) Close() error {
	for i, c := range s.clients {
		if err := c.Close(); err != nil {
			return eris.Wrapf(err, "failed to close client %d", i)
		}
	}
	return s.server.Close()
}
