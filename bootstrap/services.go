package bootstrap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/johnfking/mqpulse/cluster"
	"github.com/johnfking/mqpulse/config"
	"github.com/johnfking/mqpulse/logging"
	"github.com/johnfking/mqpulse/network"
)

// nodeService drives a node's Process from a ticker goroutine. That
// goroutine is the only one touching the node after Start.
type nodeService struct {
	node     *cluster.Node
	clock    clock.Clock
	interval time.Duration
	setup    []func(*cluster.Node)
	logger   *zap.Logger

	ticker *clock.Ticker
	done   chan struct{}
	wg     sync.WaitGroup
	ticks  atomic.Uint64
}

func (s *nodeService) Name() string { return "node" }

func (s *nodeService) Start(ctx context.Context) error {
	for _, fn := range s.setup {
		fn(s.node)
	}
	if err := s.node.Start(); err != nil {
		s.logger.Warn("node running disabled", zap.Error(err))
	}

	s.done = make(chan struct{})
	s.ticker = s.clock.Ticker(s.interval)
	s.wg.Add(1)
	go s.loop()
	return nil
}

func (s *nodeService) loop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case <-s.ticker.C:
			s.node.Process()
			s.ticks.Add(1)
		}
	}
}

func (s *nodeService) Stop(ctx context.Context) error {
	close(s.done)
	s.wg.Wait()
	s.ticker.Stop()
	return s.node.Shutdown()
}

func (s *nodeService) Health(ctx context.Context) (HealthStatus, error) {
	data := map[string]any{"name": s.node.Name(), "ticks": s.ticks.Load()}
	if s.node.Disabled() {
		return HealthStatus{State: HealthUnhealthy, Message: "node disabled", Data: data}, nil
	}
	return HealthStatus{State: HealthHealthy, Data: data}, nil
}

// relayService runs the TCP relay
type relayService struct {
	relay *network.Relay
}

func (s *relayService) Name() string { return "relay" }

func (s *relayService) Start(ctx context.Context) error { return s.relay.Start() }

func (s *relayService) Stop(ctx context.Context) error { return s.relay.Stop() }

func (s *relayService) Health(ctx context.Context) (HealthStatus, error) {
	stats := s.relay.Statistics()
	status := HealthStatus{
		State:   HealthHealthy,
		Message: stats.String(),
		Data: map[string]any{
			"connections":   stats.CurrentConnections,
			"routed_frames": stats.RoutedFrames,
			"failed_frames": stats.FailedFrames,
		},
	}
	if !stats.Running {
		status.State = HealthStopped
	}
	return status, nil
}

// metricsService serves prometheus metrics and a JSON health report
type metricsService struct {
	address  string
	path     string
	gatherer prometheus.Gatherer
	health   func(context.Context) map[string]HealthStatus
	logger   *zap.Logger

	server   *http.Server
	listener net.Listener
}

func (s *metricsService) Name() string { return "metrics" }

func (s *metricsService) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle(s.path, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", s.serveHealth)

	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.address, err)
	}
	s.listener = listener
	s.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	s.logger.Info("serving metrics", zap.Stringer("address", listener.Addr()), zap.String("path", s.path))
	return nil
}

func (s *metricsService) serveHealth(w http.ResponseWriter, r *http.Request) {
	report := s.health(r.Context())
	code := http.StatusOK
	for _, status := range report {
		if status.State == HealthUnhealthy {
			code = http.StatusServiceUnavailable
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(report)
}

func (s *metricsService) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *metricsService) Health(ctx context.Context) (HealthStatus, error) {
	addr := s.Addr()
	if addr == nil {
		return HealthStatus{State: HealthStopped}, nil
	}
	return HealthStatus{State: HealthHealthy, Data: map[string]any{"address": addr.String()}}, nil
}

// Addr returns the bound address, useful when listening on port 0
func (s *metricsService) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// watcherService reloads the configuration file and applies the parts that
// can change at run time, currently the log level.
type watcherService struct {
	watcher *config.Watcher
	level   zap.AtomicLevel
	logger  *zap.Logger
}

func (s *watcherService) Name() string { return "config-watcher" }

func (s *watcherService) Start(ctx context.Context) error {
	s.watcher.OnConfigChange(func(oldConfig, newConfig *config.Config) {
		if logging.Apply(s.level, newConfig.Log) {
			s.logger.Info("log level changed", zap.Stringer("level", newConfig.Log.Level))
		}
		if oldConfig.Node != newConfig.Node {
			s.logger.Warn("node settings changed, restart to apply")
		}
	})
	return s.watcher.Start()
}

func (s *watcherService) Stop(ctx context.Context) error { return s.watcher.Stop() }

func (s *watcherService) Health(ctx context.Context) (HealthStatus, error) {
	return HealthStatus{State: HealthHealthy, Data: map[string]any{"level": s.level.String()}}, nil
}
