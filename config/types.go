// Package config provides configuration management for mqpulse nodes
package config

import (
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/johnfking/mqpulse/network"
)

// LogLevel represents the logging level
type LogLevel string

const (
	LogLevelTrace LogLevel = "trace"
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
	LogLevelFatal LogLevel = "fatal"
)

// String returns the string representation of LogLevel
func (l LogLevel) String() string {
	return string(l)
}

// IsValid checks if the log level is valid
func (l LogLevel) IsValid() bool {
	switch l {
	case LogLevelTrace, LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError, LogLevelFatal:
		return true
	default:
		return false
	}
}

// Config represents the complete mqpulse configuration
type Config struct {
	// Node identity and subsystem timing
	Node NodeConfig `yaml:"node" json:"node" envPrefix:"NODE_"`

	// Logging configuration
	Log LogConfig `yaml:"log" json:"log" envPrefix:"LOG_"`

	// Transport selection and relay settings
	Transport TransportConfig `yaml:"transport" json:"transport" envPrefix:"TRANSPORT_"`

	// Prometheus exposition
	Metrics MetricsConfig `yaml:"metrics" json:"metrics" envPrefix:"METRICS_"`
}

// NodeConfig configures one node
type NodeConfig struct {
	// Mailbox name, unique within the namespace. Empty picks a random name.
	Name string `yaml:"name" json:"name" env:"NAME"`

	// Logical partition tag
	Domain string `yaml:"domain" json:"domain" env:"DOMAIN"`

	// Transport namespace every peer registers in
	Namespace string `yaml:"namespace" json:"namespace" env:"NAMESPACE"`

	// Accept envelopes stamped with any domain. By default those carrying a
	// different non-empty domain are dropped.
	DisableDomainFilter bool `yaml:"disable_domain_filter" json:"disable_domain_filter" env:"DISABLE_DOMAIN_FILTER"`

	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" json:"heartbeat_interval" env:"HEARTBEAT_INTERVAL"`
	PresenceTimeout   time.Duration `yaml:"presence_timeout" json:"presence_timeout" env:"PRESENCE_TIMEOUT"`
	RPCTimeout        time.Duration `yaml:"rpc_timeout" json:"rpc_timeout" env:"RPC_TIMEOUT"`
	QueryTimeout      time.Duration `yaml:"query_timeout" json:"query_timeout" env:"QUERY_TIMEOUT"`

	// Full state sync period; zero or less disables it
	SyncInterval time.Duration `yaml:"sync_interval" json:"sync_interval" env:"SYNC_INTERVAL"`

	// Process tick period used by the bootstrap loop
	TickInterval time.Duration `yaml:"tick_interval" json:"tick_interval" env:"TICK_INTERVAL"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	// Log level
	Level LogLevel `yaml:"level" json:"level" env:"LEVEL"`

	// Log format (console, json)
	Format string `yaml:"format" json:"format" env:"FORMAT"`

	// Output destination (stdout, stderr, file path)
	Output string `yaml:"output" json:"output" env:"OUTPUT"`

	// Development mode adds caller and stack traces on warnings
	Development bool `yaml:"development" json:"development" env:"DEVELOPMENT"`
}

// TransportConfig selects the transport a node registers with
type TransportConfig struct {
	// memory or tcp
	Kind network.Kind `yaml:"kind" json:"kind" env:"KIND"`

	// Relay address, dialled by nodes and listened on by the relay
	Address string `yaml:"address" json:"address" env:"ADDRESS"`

	DialTimeout  time.Duration `yaml:"dial_timeout" json:"dial_timeout" env:"DIAL_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout" env:"WRITE_TIMEOUT"`

	// Relay connection limit
	MaxConnections int `yaml:"max_connections" json:"max_connections" env:"MAX_CONNECTIONS"`
}

// Relay converts the transport settings into a relay configuration
func (t TransportConfig) Relay() *network.RelayConfig {
	rc := network.DefaultRelayConfig()
	if t.Address != "" {
		rc.Address = t.Address
	}
	if t.DialTimeout > 0 {
		rc.DialTimeout = t.DialTimeout
	}
	if t.WriteTimeout > 0 {
		rc.WriteTimeout = t.WriteTimeout
	}
	if t.MaxConnections > 0 {
		rc.MaxConnections = t.MaxConnections
	}
	return rc
}

// MetricsConfig contains Prometheus exposition settings
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled" env:"ENABLED"`
	Address string `yaml:"address" json:"address" env:"ADDRESS"`
	Path    string `yaml:"path" json:"path" env:"PATH"`
}

// DefaultNodeConfig returns the node defaults
func DefaultNodeConfig() NodeConfig {
	return NodeConfig{
		Namespace:         "mqpulse",
		HeartbeatInterval: 5 * time.Second,
		PresenceTimeout:   15 * time.Second,
		RPCTimeout:        5 * time.Second,
		QueryTimeout:      3 * time.Second,
		SyncInterval:      30 * time.Second,
		TickInterval:      100 * time.Millisecond,
	}
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	relay := network.DefaultRelayConfig()
	return &Config{
		Node: DefaultNodeConfig(),
		Log: LogConfig{
			Level:  LogLevelInfo,
			Format: "console",
			Output: "stderr",
		},
		Transport: TransportConfig{
			Kind:           network.KindMemory,
			Address:        relay.Address,
			DialTimeout:    relay.DialTimeout,
			WriteTimeout:   relay.WriteTimeout,
			MaxConnections: relay.MaxConnections,
		},
		Metrics: MetricsConfig{
			Address: "127.0.0.1:9090",
			Path:    "/metrics",
		},
	}
}

// Validate reports every violation at once
func (c *Config) Validate() error {
	err := c.Node.Validate()

	if !c.Log.Level.IsValid() {
		err = multierr.Append(err, fmt.Errorf("%w: %q", ErrInvalidLogLevel, c.Log.Level))
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		err = multierr.Append(err, fmt.Errorf("%w: %q", ErrInvalidLogFormat, c.Log.Format))
	}

	switch c.Transport.Kind {
	case network.KindMemory:
	case network.KindTCP:
		if c.Transport.Address == "" {
			err = multierr.Append(err, fmt.Errorf("%w: tcp transport needs an address", ErrInvalidTransport))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("%w: %q", ErrInvalidTransport, c.Transport.Kind))
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		err = multierr.Append(err, fmt.Errorf("%w: metrics enabled without an address", ErrInvalidMetrics))
	}
	return err
}

// Validate checks the node timing. A presence timeout not above the
// heartbeat interval would flap every peer.
func (n NodeConfig) Validate() error {
	var err error
	if n.Namespace == "" {
		err = multierr.Append(err, ErrInvalidNamespace)
	}
	positive := []struct {
		name  string
		value time.Duration
	}{
		{"heartbeat_interval", n.HeartbeatInterval},
		{"presence_timeout", n.PresenceTimeout},
		{"rpc_timeout", n.RPCTimeout},
		{"query_timeout", n.QueryTimeout},
		{"tick_interval", n.TickInterval},
	}
	for _, p := range positive {
		if p.value <= 0 {
			err = multierr.Append(err, fmt.Errorf("%w: %s must be positive", ErrInvalidInterval, p.name))
		}
	}
	if n.HeartbeatInterval > 0 && n.PresenceTimeout <= n.HeartbeatInterval {
		err = multierr.Append(err, fmt.Errorf("%w: presence_timeout %s <= heartbeat_interval %s",
			ErrInvalidInterval, n.PresenceTimeout, n.HeartbeatInterval))
	}
	return err
}
