// Package bootstrap runs mqpulse processes: a node driven by a tick loop, or
// a relay, plus their metrics endpoint and configuration watcher.
package bootstrap

import (
	"context"
	"fmt"
	"time"
)

// Service is a long-running part of a process managed by the lifecycle
type Service interface {
	// Start brings the service up. It must not block once running.
	Start(ctx context.Context) error

	// Stop releases everything Start acquired
	Stop(ctx context.Context) error

	// Health reports the current state
	Health(ctx context.Context) (HealthStatus, error)

	// Name returns the service name
	Name() string
}

// HealthStatus represents the health status of a service
type HealthStatus struct {
	State     HealthState    `json:"state"`
	Message   string         `json:"message,omitempty"`
	LastCheck time.Time      `json:"last_check,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// HealthState represents the health state of a service
type HealthState string

const (
	HealthUnknown   HealthState = "unknown"
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
	HealthStopped   HealthState = "stopped"
)

// ApplicationError represents an application-level error
type ApplicationError struct {
	Operation string
	Service   string
	Err       error
}

func (e *ApplicationError) Error() string {
	if e.Service != "" {
		return fmt.Sprintf("%s failed for service %s: %v", e.Operation, e.Service, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Operation, e.Err)
}

func (e *ApplicationError) Unwrap() error {
	return e.Err
}
