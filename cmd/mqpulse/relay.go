package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/johnfking/mqpulse/bootstrap"
)

func newRelayCommand() *cobra.Command {
	var listen, metrics string
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the TCP relay",
		Long:  "Run the relay that routes envelopes between nodes using the tcp transport.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Transport.Address = listen
			}
			if metrics != "" {
				cfg.Metrics.Enabled = true
				cfg.Metrics.Address = metrics
			}

			var opts []bootstrap.Option
			if configFile != "" {
				opts = append(opts, bootstrap.WithConfigFile(configFile))
			}
			app, err := bootstrap.NewRelay(cfg, opts...)
			if err != nil {
				return fmt.Errorf("create relay: %w", err)
			}
			app.Logger().Info("starting relay",
				zap.String("version", appVersion),
				zap.String("address", cfg.Transport.Address))
			return app.Run(cmd.Context())
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", "", "Listen address")
	cmd.Flags().StringVar(&metrics, "metrics", "", "Serve metrics and health on this address")
	return cmd
}
