package bootstrap

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/johnfking/mqpulse/cluster"
	"github.com/johnfking/mqpulse/config"
	"github.com/johnfking/mqpulse/logging"
	"github.com/johnfking/mqpulse/network"
)

// Option customizes an Application
type Option func(*Application)

// WithLogger replaces the logger built from the configuration. Reloaded log
// levels are then ignored.
func WithLogger(logger *zap.Logger) Option {
	return func(a *Application) { a.logger = logger }
}

// WithClock drives the tick loop and every node timeout from clk
func WithClock(clk clock.Clock) Option {
	return func(a *Application) { a.clock = clk }
}

// WithTransport overrides the transport selected by the configuration
func WithTransport(t network.Transport) Option {
	return func(a *Application) { a.transport = t }
}

// WithConfigFile watches path and applies reloads
func WithConfigFile(path string) Option {
	return func(a *Application) { a.configFile = path }
}

// WithSetup runs fn against the node before it starts, e.g. to register
// RPC handlers and subscriptions.
func WithSetup(fn func(*cluster.Node)) Option {
	return func(a *Application) { a.setup = append(a.setup, fn) }
}

// Application wires configuration, logging, metrics and either a node or a
// relay into one process.
type Application struct {
	config     *config.Config
	configFile string
	logger     *zap.Logger
	level      zap.AtomicLevel
	clock      clock.Clock
	transport  network.Transport
	setup      []func(*cluster.Node)

	registry  *prometheus.Registry
	lifecycle *LifecycleManager
	node      *cluster.Node
	relay     *network.Relay
	metrics   *metricsService
}

func newApplication(cfg *config.Config, opts []Option) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, &ApplicationError{Operation: "configure", Err: err}
	}

	a := &Application{config: cfg, clock: clock.New()}
	for _, opt := range opts {
		opt(a)
	}

	if a.logger == nil {
		logger, level, err := logging.New(cfg.Log)
		if err != nil {
			return nil, &ApplicationError{Operation: "configure", Err: err}
		}
		a.logger, a.level = logger, level
	} else {
		a.level = zap.NewAtomicLevel()
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.lifecycle = NewLifecycleManager(a.logger)

	if cfg.Metrics.Enabled {
		a.metrics = &metricsService{
			address:  cfg.Metrics.Address,
			path:     cfg.Metrics.Path,
			gatherer: a.registry,
			health:   a.lifecycle.Health,
			logger:   a.logger.Named("metrics"),
		}
		if err := a.lifecycle.Register(a.metrics); err != nil {
			return nil, err
		}
	}

	if a.configFile != "" {
		watcher, err := config.NewWatcher(a.configFile, config.NewLoader(), a.logger)
		if err != nil {
			return nil, &ApplicationError{Operation: "configure", Service: "config-watcher", Err: err}
		}
		if err := a.lifecycle.Register(&watcherService{watcher: watcher, level: a.level, logger: a.logger}); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// New builds an application running one node
func New(cfg *config.Config, opts ...Option) (*Application, error) {
	a, err := newApplication(cfg, opts)
	if err != nil {
		return nil, err
	}

	if a.transport == nil {
		switch a.config.Transport.Kind {
		case network.KindTCP:
			a.transport = network.NewTCPTransport(a.config.Transport.Relay(), a.logger)
		default:
			a.logger.Warn("memory transport only reaches nodes inside this process")
			a.transport = network.NewHub()
		}
	}

	a.node = cluster.New(a.config.Node, a.transport,
		cluster.WithClock(a.clock),
		cluster.WithLogger(a.logger),
		cluster.WithRegisterer(a.registry))

	interval := a.config.Node.TickInterval
	if interval <= 0 {
		interval = config.DefaultNodeConfig().TickInterval
	}
	err = a.lifecycle.Register(&nodeService{
		node:     a.node,
		clock:    a.clock,
		interval: interval,
		setup:    a.setup,
		logger:   a.logger,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// NewRelay builds an application running the TCP relay
func NewRelay(cfg *config.Config, opts ...Option) (*Application, error) {
	a, err := newApplication(cfg, opts)
	if err != nil {
		return nil, err
	}
	a.relay = network.NewRelay(a.config.Transport.Relay(), a.logger)
	if err := a.lifecycle.Register(&relayService{relay: a.relay}); err != nil {
		return nil, err
	}
	return a, nil
}

// Node returns the node, or nil for a relay application. After Start it
// may only be used through Do.
func (a *Application) Node() *cluster.Node { return a.node }

// Logger returns the application logger
func (a *Application) Logger() *zap.Logger { return a.logger }

// Do runs fn on the node's tick goroutine during the next Process
func (a *Application) Do(fn func(*cluster.Node)) {
	if a.node == nil {
		return
	}
	n := a.node
	n.Defer(func() { fn(n) })
}

// Start starts every service
func (a *Application) Start(ctx context.Context) error {
	return a.lifecycle.Start(ctx)
}

// Stop stops every service and flushes the logger
func (a *Application) Stop(ctx context.Context) error {
	err := a.lifecycle.Stop(ctx)
	// Sync on a terminal returns EINVAL on linux
	_ = a.logger.Sync()
	return err
}

// Health reports every service
func (a *Application) Health(ctx context.Context) map[string]HealthStatus {
	return a.lifecycle.Health(ctx)
}

// MetricsAddr returns the metrics listener address once started, or nil
func (a *Application) MetricsAddr() net.Addr {
	if a.metrics == nil {
		return nil
	}
	return a.metrics.Addr()
}

// RelayAddr returns the relay listener address once started, or nil
func (a *Application) RelayAddr() net.Addr {
	if a.relay == nil {
		return nil
	}
	return a.relay.Addr()
}

// Run starts the application and blocks until ctx is cancelled or the
// process receives SIGINT or SIGTERM.
func (a *Application) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	a.logger.Info("running", zap.Strings("services", a.lifecycle.Services()))

	<-ctx.Done()
	a.logger.Info("shutting down", zap.Error(context.Cause(ctx)))

	return a.Stop(context.Background())
}
