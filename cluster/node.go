// Package cluster assembles the mqpulse subsystems into a Node.
//
// A Node is single threaded: every method except Defer must be called from
// the goroutine that calls Process. Transport callbacks only queue work that
// the next Process picks up.
package cluster

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/johnfking/mqpulse/config"
	"github.com/johnfking/mqpulse/core"
	"github.com/johnfking/mqpulse/network"
	"github.com/johnfking/mqpulse/presence"
	"github.com/johnfking/mqpulse/pubsub"
	"github.com/johnfking/mqpulse/registry"
	"github.com/johnfking/mqpulse/rpc"
	"github.com/johnfking/mqpulse/sharedstate"
)

// Option customizes a Node
type Option func(*options)

type options struct {
	clock      clock.Clock
	logger     *zap.Logger
	registerer prometheus.Registerer
}

// WithClock drives every timeout from clk instead of the wall clock
func WithClock(clk clock.Clock) Option {
	return func(o *options) { o.clock = clk }
}

// WithLogger sets the logger; the default discards everything
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithRegisterer registers the node's collectors with reg
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// Node owns one instance of every subsystem.
type Node struct {
	config config.NodeConfig
	logger *zap.Logger

	d        *core.Dispatcher
	pubsub   *pubsub.PubSub
	rpc      *rpc.RPC
	presence *presence.Presence
	state    *sharedstate.Manager
	registry *registry.Registry

	shutdown bool
}

// New builds a node bound to transport. Unset fields of cfg take the values
// of config.DefaultNodeConfig, except that a zero SyncInterval disables full
// sync and an empty name gets a random one. Domain filtering is on unless
// cfg.DisableDomainFilter is set.
func New(cfg config.NodeConfig, transport network.Transport, opts ...Option) *Node {
	o := options{clock: clock.New(), logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	if cfg.Name == "" {
		cfg.Name = "node-" + uuid.NewString()[:8]
	}
	cfg = withDefaults(cfg)

	logger := o.logger.With(zap.String("node", cfg.Name))
	d := core.NewDispatcher(transport, core.Options{
		Identity:     core.Identity{Name: cfg.Name, Domain: cfg.Domain},
		Namespace:    cfg.Namespace,
		DomainFilter: !cfg.DisableDomainFilter,
		Clock:        o.clock,
		Logger:       logger,
		Metrics:      core.NewMetrics(o.registerer, cfg.Name),
	})

	r := rpc.New(d, cfg.RPCTimeout)
	n := &Node{
		config: cfg,
		logger: logger,
		d:      d,
		pubsub: pubsub.New(d),
		rpc:    r,
		presence: presence.New(d, presence.Config{
			HeartbeatInterval: cfg.HeartbeatInterval,
			Timeout:           cfg.PresenceTimeout,
		}),
		state:    sharedstate.New(d, cfg.SyncInterval),
		registry: registry.New(d, r, cfg.QueryTimeout),
	}

	n.presence.OnJoin(func(p presence.Peer) {
		n.state.PeerJoined(p.Name)
		n.registry.PeerJoined(p.Name)
	})
	n.presence.OnLeave(func(p presence.Peer) {
		n.state.PeerLeft(p.Name)
		n.registry.PeerLeft(p.Name)
	})
	return n
}

func withDefaults(cfg config.NodeConfig) config.NodeConfig {
	def := config.DefaultNodeConfig()
	if cfg.Namespace == "" {
		cfg.Namespace = def.Namespace
	}
	for _, d := range []struct{ value, fallback *time.Duration }{
		{&cfg.HeartbeatInterval, &def.HeartbeatInterval},
		{&cfg.PresenceTimeout, &def.PresenceTimeout},
		{&cfg.RPCTimeout, &def.RPCTimeout},
		{&cfg.QueryTimeout, &def.QueryTimeout},
		{&cfg.TickInterval, &def.TickInterval},
	} {
		if *d.value <= 0 {
			*d.value = *d.fallback
		}
	}
	return cfg
}

// Start acquires the mailbox. When it fails the node keeps running in
// disabled mode and the error is informational.
func (n *Node) Start() error {
	return n.d.Start()
}

// Process runs one tick: queued deliveries, timeout sweeps, heartbeats,
// full state sync, then deferred tasks.
func (n *Node) Process() {
	if !n.d.Guard("process") {
		return
	}
	n.d.Pump()

	now := n.d.Now()
	n.rpc.Sweep(now)
	n.presence.Tick(now)
	n.state.Tick(now)
	n.registry.Sweep(now)

	n.d.RunDeferred()
}

// Shutdown announces departure, drops all state and releases the mailbox.
// Pending calls and queries are abandoned without callbacks.
func (n *Node) Shutdown() error {
	if n.shutdown {
		return nil
	}
	n.shutdown = true

	// peers drop our state and offers once they see the leave
	n.presence.Leave()
	n.state.Close()
	err := n.d.Shutdown()

	n.logger.Info("node shut down", zap.Error(err))
	return err
}

// Name returns the mailbox name of the node
func (n *Node) Name() string { return n.d.Name() }

// Identity returns the name and domain of the node
func (n *Node) Identity() core.Identity { return n.d.Identity() }

// Config returns the effective node configuration
func (n *Node) Config() config.NodeConfig { return n.config }

// Disabled reports whether the node has no usable mailbox
func (n *Node) Disabled() bool { return n.d.Disabled() }

// Metrics returns the node's collectors
func (n *Node) Metrics() *core.Metrics { return n.d.Metrics() }

// Now returns the node's clock time
func (n *Node) Now() time.Time { return n.d.Now() }

// Defer queues fn for the next Process. Safe from any goroutine.
func (n *Node) Defer(fn func()) { n.d.Defer(fn) }

// OnRaw receives payloads that are not mqpulse envelopes
func (n *Node) OnRaw(h core.RawHandler) { n.d.OnRaw(h) }

// Publish sends data to subscribers of topic, optionally only on the named
// nodes.
func (n *Node) Publish(topic string, data any, to ...string) error {
	return n.pubsub.Publish(topic, data, to...)
}

// Subscribe delivers messages on pattern and every topic below it
func (n *Node) Subscribe(pattern string, h pubsub.Handler) (pubsub.SubscriptionID, error) {
	return n.pubsub.Subscribe(pattern, h)
}

// Unsubscribe removes a subscription
func (n *Node) Unsubscribe(id pubsub.SubscriptionID) bool {
	return n.pubsub.Unsubscribe(id)
}

// Handle serves method; a nil handler removes it
func (n *Node) Handle(method string, h rpc.Handler) { n.rpc.Handle(method, h) }

// Call invokes method on target, or on every peer when target is
// network.Broadcast. The first answer wins. It returns the call id.
func (n *Node) Call(target, method string, args any, cb rpc.Callback, opts ...rpc.CallOption) string {
	return n.rpc.Call(target, method, args, cb, opts...)
}

// Peers returns the live peers sorted by name
func (n *Node) Peers() []presence.Peer { return n.presence.Peers() }

// IsOnline reports whether name is a live peer
func (n *Node) IsOnline(name string) bool { return n.presence.IsOnline(name) }

// OnPeerJoin registers fn for peers coming online
func (n *Node) OnPeerJoin(fn presence.PeerFunc) { n.presence.OnJoin(fn) }

// OnPeerLeave registers fn for peers going offline
func (n *Node) OnPeerLeave(fn presence.PeerFunc) { n.presence.OnLeave(fn) }

// SharedState returns a handle on the named state group
func (n *Node) SharedState(group string) *sharedstate.Group { return n.state.Group(group) }

// Provide offers a service under name
func (n *Node) Provide(name string, info registry.Info) error {
	return n.registry.Provide(name, info)
}

// Unprovide withdraws a service
func (n *Node) Unprovide(name string) error { return n.registry.Unprovide(name) }

// FindServices reports the providers of name
func (n *Node) FindServices(name string, cb registry.FindFunc, opts ...registry.FindOption) {
	n.registry.FindServices(name, cb, opts...)
}

// CallService calls method on a provider of the named service
func (n *Node) CallService(name, method string, args any, cb rpc.Callback, opts ...registry.FindOption) {
	n.registry.CallService(name, method, args, cb, opts...)
}
