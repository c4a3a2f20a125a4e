package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/johnfking/mqpulse/bootstrap"
)

func newHealthCommand() *cobra.Command {
	var (
		address string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Query the health endpoint of a running process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			report, healthy, err := fetchHealth(ctx, "http://"+address+"/health")
			if err != nil {
				return fmt.Errorf("failed to check health: %w", err)
			}
			printHealth(cmd, report)
			if !healthy {
				return fmt.Errorf("%s is not healthy", address)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&address, "address", "127.0.0.1:9090", "Metrics address of the process")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Request timeout")
	return cmd
}

func fetchHealth(ctx context.Context, url string) (map[string]bootstrap.HealthStatus, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()

	var report map[string]bootstrap.HealthStatus
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return nil, false, fmt.Errorf("decode %s: %w", resp.Status, err)
	}
	return report, resp.StatusCode == http.StatusOK, nil
}

func printHealth(cmd *cobra.Command, report map[string]bootstrap.HealthStatus) {
	names := make([]string, 0, len(report))
	for name := range report {
		names = append(names, name)
	}
	sort.Strings(names)

	out := cmd.OutOrStdout()
	for _, name := range names {
		status := report[name]
		fmt.Fprintf(out, "%-16s %-10s %s\n", name, status.State, status.Message)
	}
}
