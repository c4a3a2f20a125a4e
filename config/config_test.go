package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	"go.uber.org/zap/zaptest"

	"github.com/johnfking/mqpulse/network"
)

func TestDefaultConfigIsValid(t *testing.T) {
	config := DefaultConfig()
	require.NoError(t, config.Validate())

	assert.False(t, config.Node.DisableDomainFilter)
	assert.Equal(t, 5*time.Second, config.Node.HeartbeatInterval)
	assert.Equal(t, 15*time.Second, config.Node.PresenceTimeout)
	assert.Equal(t, 5*time.Second, config.Node.RPCTimeout)
	assert.Equal(t, 3*time.Second, config.Node.QueryTimeout)
	assert.Equal(t, 30*time.Second, config.Node.SyncInterval)
	assert.Equal(t, 100*time.Millisecond, config.Node.TickInterval)
	assert.Equal(t, network.KindMemory, config.Transport.Kind)
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr []error
	}{
		{
			name:   "valid config",
			mutate: func(*Config) {},
		},
		{
			name:   "sync disabled is valid",
			mutate: func(c *Config) { c.Node.SyncInterval = 0 },
		},
		{
			name:    "empty namespace",
			mutate:  func(c *Config) { c.Node.Namespace = "" },
			wantErr: []error{ErrInvalidNamespace},
		},
		{
			name:    "timeout not above heartbeat",
			mutate:  func(c *Config) { c.Node.PresenceTimeout = c.Node.HeartbeatInterval },
			wantErr: []error{ErrInvalidInterval},
		},
		{
			name:    "tcp without address",
			mutate:  func(c *Config) { c.Transport.Kind = network.KindTCP; c.Transport.Address = "" },
			wantErr: []error{ErrInvalidTransport},
		},
		{
			name: "every violation is reported",
			mutate: func(c *Config) {
				c.Log.Level = "loud"
				c.Log.Format = "xml"
				c.Transport.Kind = "carrier-pigeon"
				c.Node.RPCTimeout = 0
			},
			wantErr: []error{ErrInvalidLogLevel, ErrInvalidLogFormat, ErrInvalidTransport, ErrInvalidInterval},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(config)
			err := config.Validate()
			if len(tt.wantErr) == 0 {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Len(t, multierr.Errors(err), len(tt.wantErr))
			for _, want := range tt.wantErr {
				assert.ErrorIs(t, err, want)
			}
		})
	}
}

func TestTransportRelay(t *testing.T) {
	tc := TransportConfig{Address: "10.0.0.1:7000", DialTimeout: time.Second}
	rc := tc.Relay()
	assert.Equal(t, "10.0.0.1:7000", rc.Address)
	assert.Equal(t, time.Second, rc.DialTimeout)
	assert.Equal(t, network.DefaultRelayConfig().WriteTimeout, rc.WriteTimeout)
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoaderYAML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "node.yaml", `
node:
  name: alpha
  domain: eu
  heartbeat_interval: 2s
  presence_timeout: 7s
log:
  level: debug
transport:
  kind: tcp
  address: 127.0.0.1:7401
`)

	config, err := NewLoader().SetEnvironment(map[string]string{}).Load(path)
	require.NoError(t, err)

	assert.Equal(t, "alpha", config.Node.Name)
	assert.Equal(t, "eu", config.Node.Domain)
	assert.Equal(t, 2*time.Second, config.Node.HeartbeatInterval)
	assert.Equal(t, 7*time.Second, config.Node.PresenceTimeout)
	assert.Equal(t, LogLevelDebug, config.Log.Level)
	assert.Equal(t, network.KindTCP, config.Transport.Kind)

	// absent fields keep their defaults
	assert.Equal(t, "mqpulse", config.Node.Namespace)
	assert.False(t, config.Node.DisableDomainFilter)
	assert.Equal(t, 3*time.Second, config.Node.QueryTimeout)
}

func TestLoaderJSON(t *testing.T) {
	config, err := NewLoader().SetEnvironment(map[string]string{}).
		LoadFromReader(strings.NewReader(`{"node":{"name":"beta","disable_domain_filter":true}}`), FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, "beta", config.Node.Name)
	assert.True(t, config.Node.DisableDomainFilter)
}

func TestLoaderErrors(t *testing.T) {
	dir := t.TempDir()
	loader := NewLoader().SetEnvironment(map[string]string{})

	_, err := loader.Load(filepath.Join(dir, "missing.yaml"))
	assert.ErrorIs(t, err, ErrConfigFileNotFound)

	_, err = loader.Load(writeFile(t, dir, "node.toml", "x = 1"))
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	_, err = loader.Load(writeFile(t, dir, "bad.yaml", "node: [1, 2"))
	assert.ErrorIs(t, err, ErrConfigParseError)

	_, err = loader.Load(writeFile(t, dir, "invalid.yaml", "node:\n  presence_timeout: 1s\n"))
	assert.ErrorIs(t, err, ErrInvalidInterval)
}

func TestEnvironmentOverrides(t *testing.T) {
	path := writeFile(t, t.TempDir(), "node.yaml", "node:\n  name: from-file\n")

	config, err := NewLoader().SetEnvironment(map[string]string{
		"MQPULSE_NODE_NAME":                  "from-env",
		"MQPULSE_NODE_RPC_TIMEOUT":           "9s",
		"MQPULSE_LOG_LEVEL":                  "warn",
		"MQPULSE_TRANSPORT_KIND":             "tcp",
		"MQPULSE_METRICS_ENABLED":            "true",
		"MQPULSE_NODE_DISABLE_DOMAIN_FILTER": "true",
	}).Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", config.Node.Name)
	assert.Equal(t, 9*time.Second, config.Node.RPCTimeout)
	assert.Equal(t, LogLevelWarn, config.Log.Level)
	assert.Equal(t, network.KindTCP, config.Transport.Kind)
	assert.True(t, config.Metrics.Enabled)
	assert.True(t, config.Node.DisableDomainFilter)
}

func TestAutoLoad(t *testing.T) {
	empty := t.TempDir()
	config, err := NewLoader().SetSearchPaths([]string{empty}).SetEnvironment(map[string]string{}).AutoLoad()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), config)

	dir := t.TempDir()
	writeFile(t, dir, "mqpulse.yml", "node:\n  domain: found\n")
	config, err = NewLoader().SetSearchPaths([]string{empty, dir}).SetEnvironment(map[string]string{}).AutoLoad()
	require.NoError(t, err)
	assert.Equal(t, "found", config.Node.Domain)
}

func TestWatcher(t *testing.T) {
	path := writeFile(t, t.TempDir(), "node.yaml", "log:\n  level: info\n")

	watcher, err := NewWatcher(path, NewLoader().SetEnvironment(map[string]string{}), zaptest.NewLogger(t))
	require.NoError(t, err)
	watcher.SetDebounce(10 * time.Millisecond)
	assert.Equal(t, LogLevelInfo, watcher.GetConfig().Log.Level)

	changes := make(chan LogLevel, 4)
	watcher.OnConfigChange(func(oldConfig, newConfig *Config) {
		changes <- newConfig.Log.Level
	})
	require.NoError(t, watcher.Start())
	defer watcher.Stop()

	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o644))

	select {
	case level := <-changes:
		assert.Equal(t, LogLevelDebug, level)
	case <-time.After(5 * time.Second):
		t.Fatal("config change not observed")
	}
	assert.Equal(t, LogLevelDebug, watcher.GetConfig().Log.Level)
}

func TestWatcherKeepsConfigOnBadReload(t *testing.T) {
	path := writeFile(t, t.TempDir(), "node.yaml", "log:\n  level: info\n")

	watcher, err := NewWatcher(path, NewLoader().SetEnvironment(map[string]string{}), nil)
	require.NoError(t, err)
	defer watcher.Stop()

	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: shouting\n"), 0o644))
	assert.Error(t, watcher.Reload())
	assert.Equal(t, LogLevelInfo, watcher.GetConfig().Log.Level)
}
