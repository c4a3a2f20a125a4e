package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/johnfking/mqpulse/bootstrap"
	"github.com/johnfking/mqpulse/cluster"
	"github.com/johnfking/mqpulse/config"
	"github.com/johnfking/mqpulse/network"
	"github.com/johnfking/mqpulse/presence"
	"github.com/johnfking/mqpulse/registry"
)

type nodeFlags struct {
	name      string
	domain    string
	namespace string
	relay     string
	metrics   string
	provide   []string
	subscribe []string
}

func newNodeCommand() *cobra.Command {
	flags := &nodeFlags{}
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Run a node",
		Long: `Run a node that answers "ping", offers the given services and logs every
message published on the subscribed topics.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			flags.apply(cfg)
			return runNode(cmd.Context(), cfg, flags)
		},
	}

	cmd.Flags().StringVar(&flags.name, "name", "", "Node name, unique within the namespace")
	cmd.Flags().StringVar(&flags.domain, "domain", "", "Domain tag")
	cmd.Flags().StringVar(&flags.namespace, "namespace", "", "Transport namespace")
	cmd.Flags().StringVar(&flags.relay, "relay", "", "Relay address; selects the tcp transport")
	cmd.Flags().StringVar(&flags.metrics, "metrics", "", "Serve metrics and health on this address")
	cmd.Flags().StringSliceVar(&flags.provide, "provide", nil, "Service names to offer")
	cmd.Flags().StringSliceVar(&flags.subscribe, "subscribe", nil, "Topic patterns to log")
	return cmd
}

// apply overrides cfg with every flag that was set
func (f *nodeFlags) apply(cfg *config.Config) {
	if f.name != "" {
		cfg.Node.Name = f.name
	}
	if f.domain != "" {
		cfg.Node.Domain = f.domain
	}
	if f.namespace != "" {
		cfg.Node.Namespace = f.namespace
	}
	if f.relay != "" {
		cfg.Transport.Kind = network.KindTCP
		cfg.Transport.Address = f.relay
	}
	if f.metrics != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Address = f.metrics
	}
}

// register installs the command line services on n
func (f *nodeFlags) register(n *cluster.Node, logger *zap.Logger) {
	n.Handle("ping", func(args any, caller string) (any, error) {
		return map[string]any{"node": n.Name(), "time": n.Now().UTC().Format(time.RFC3339Nano)}, nil
	})

	for _, name := range f.provide {
		if err := n.Provide(name, registry.Info{"version": appVersion}); err != nil {
			logger.Warn("cannot offer service", zap.String("service", name), zap.Error(err))
		}
	}

	for _, pattern := range f.subscribe {
		_, err := n.Subscribe(pattern, func(topic string, data any, from string) {
			logger.Info("message", zap.String("topic", topic), zap.String("from", from), zap.Any("data", data))
		})
		if err != nil {
			logger.Warn("cannot subscribe", zap.String("pattern", pattern), zap.Error(err))
		}
	}

	n.OnPeerJoin(func(p presence.Peer) {
		logger.Info("peer joined", zap.String("peer", p.Name), zap.String("domain", p.Domain))
	})
	n.OnPeerLeave(func(p presence.Peer) {
		logger.Info("peer left", zap.String("peer", p.Name))
	})
}

func runNode(ctx context.Context, cfg *config.Config, flags *nodeFlags) error {
	var app *bootstrap.Application
	opts := []bootstrap.Option{
		// runs at Start, once app is assigned
		bootstrap.WithSetup(func(n *cluster.Node) { flags.register(n, app.Logger()) }),
	}
	if configFile != "" {
		opts = append(opts, bootstrap.WithConfigFile(configFile))
	}

	app, err := bootstrap.New(cfg, opts...)
	if err != nil {
		return fmt.Errorf("create node: %w", err)
	}
	app.Logger().Info("starting node",
		zap.String("version", appVersion),
		zap.String("name", app.Node().Name()),
		zap.String("transport", string(cfg.Transport.Kind)))

	return app.Run(ctx)
}
