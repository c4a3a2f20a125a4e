// Command mqpulse runs an mqpulse node or the TCP relay nodes meet through.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/johnfking/mqpulse/config"
)

const (
	appName    = "mqpulse"
	appVersion = "0.1.0"
)

var (
	// Global flags
	configFile string
	logLevel   string
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   appName,
		Short: "Peer coordination over a shared message transport",
		Long: `mqpulse runs nodes that exchange publish/subscribe messages, RPC calls,
presence heartbeats, replicated state and service offers over a relay.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Configuration file (yaml or json); searched for when empty")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the configured log level")

	rootCmd.AddCommand(newNodeCommand())
	rootCmd.AddCommand(newRelayCommand())
	rootCmd.AddCommand(newHealthCommand())
	rootCmd.AddCommand(newVersionCommand())
	return rootCmd
}

// loadConfig reads the configuration file, or the first one found on the
// search path, then applies environment and flag overrides.
func loadConfig() (*config.Config, error) {
	loader := config.NewLoader()

	var (
		cfg *config.Config
		err error
	)
	if configFile != "" {
		cfg, err = loader.Load(configFile)
	} else {
		cfg, err = loader.AutoLoad()
	}
	if err != nil {
		return nil, err
	}

	if logLevel != "" {
		cfg.Log.Level = config.LogLevel(logLevel)
	}
	return cfg, nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s v%s\n", appName, appVersion)
		},
	}
}
