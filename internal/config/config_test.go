package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tunnelmesh/p2pbackup/pkg/bytesize"
	"github.com/tunnelmesh/p2pbackup/testutil"
	"gopkg.in/yaml.v3"
)

func TestLoadServerConfig(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	content := `
listen: "0.0.0.0:6000"
data_dir: "/var/lib/p2pbackup"
max_peers: 50
failure_timeout: "30s"
sweep_interval: "1s"
admin:
  enabled: true
  listen: "127.0.0.1:9090"
`
	configPath := testutil.TempFile(t, dir, "server.yaml", []byte(content))

	cfg, err := LoadServerConfig(configPath)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "0.0.0.0:6000", cfg.Listen)
	assert.Equal(t, "/var/lib/p2pbackup", cfg.DataDir)
	assert.Equal(t, 50, cfg.MaxPeers)
	assert.Equal(t, 30*time.Second, cfg.FailureTimeout.Std())
	assert.Equal(t, time.Second, cfg.SweepInterval.Std())
	assert.True(t, cfg.Admin.Enabled)
	assert.Equal(t, "127.0.0.1:9090", cfg.Admin.Listen)
}

func TestLoadServerConfig_Defaults(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	configPath := testutil.TempFile(t, dir, "server.yaml", []byte("max_peers: 10\n"))

	cfg, err := LoadServerConfig(configPath)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "0.0.0.0:5000", cfg.Listen)
	assert.Equal(t, 2*time.Second, cfg.RequestTimeout.Std())
	assert.Equal(t, 2*time.Second, cfg.SweepInterval.Std())
	assert.Equal(t, 15*time.Second, cfg.FailureTimeout.Std())
	assert.Equal(t, 30*time.Second, cfg.RecoveryCooldown.Std())
	assert.Equal(t, 2*time.Second, cfg.ProbeTimeout.Std())
	assert.Equal(t, time.Minute, cfg.ReplicationTimeout.Std())
	assert.Equal(t, float64(1000), cfg.RateLimit)
	assert.Equal(t, 100, cfg.RateBurst)
	assert.False(t, cfg.Admin.Enabled)
	assert.Equal(t, "127.0.0.1:8080", cfg.Admin.Listen)
}

func TestLoadServerConfig_FileNotFound(t *testing.T) {
	_, err := LoadServerConfig("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}

func TestLoadServerConfig_InvalidYAML(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	configPath := testutil.TempFile(t, dir, "server.yaml", []byte("listen: [invalid yaml\n"))

	_, err := LoadServerConfig(configPath)
	assert.Error(t, err)
}

func TestLoadServerConfig_InvalidDuration(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	configPath := testutil.TempFile(t, dir, "server.yaml", []byte("failure_timeout: \"soon\"\n"))

	_, err := LoadServerConfig(configPath)
	assert.Error(t, err)
}

func TestServerConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ServerConfig)
	}{
		{"bad listen", func(c *ServerConfig) { c.Listen = "nope" }},
		{"negative max peers", func(c *ServerConfig) { c.MaxPeers = -1 }},
		{"timeout below sweep", func(c *ServerConfig) { c.FailureTimeout = Duration(time.Second) }},
		{"bad admin listen", func(c *ServerConfig) { c.Admin.Enabled = true; c.Admin.Listen = "x" }},
		{"bad loki url", func(c *ServerConfig) { c.Loki.URL = "ftp://loki" }},
		{"negative loki batch", func(c *ServerConfig) { c.Loki.URL = "http://loki:3100"; c.Loki.BatchSize = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultServerConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadPeerConfig(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	content := `
name: "bob"
role: "storage"
ip: "10.0.0.2"
udp_port: 5001
tcp_port: 6001
capacity: "100MB"
server: "10.0.0.1:5000"
heartbeat_interval: "2500ms"
parallel_sends: true
metrics_listen: "127.0.0.1:9100"
enable_tracing: true
loki:
  url: "http://10.0.0.1:3100"
  flush_interval: "1s"
`
	configPath := testutil.TempFile(t, dir, "peer.yaml", []byte(content))

	cfg, err := LoadPeerConfig(configPath)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "bob", cfg.Name)
	assert.Equal(t, "storage", cfg.Role)
	assert.Equal(t, 100*bytesize.MB, cfg.Capacity.Bytes())
	assert.Equal(t, 2500*time.Millisecond, cfg.HeartbeatInterval.Std())
	assert.True(t, cfg.ParallelSends)
	assert.True(t, cfg.EnableTracing)
	assert.True(t, cfg.Loki.Enabled())
	assert.Equal(t, time.Second, cfg.Loki.FlushInterval.Std())

	// Defaults
	assert.Equal(t, "storage/bob", cfg.StorageDir)
	assert.Equal(t, "restored/bob", cfg.RestoreDir)
	assert.Equal(t, 4096, cfg.ChunkSize)
	assert.Equal(t, 3, cfg.StoreRetries)
	assert.Equal(t, 5*time.Second, cfg.StoreAckTimeout.Std())
	assert.Equal(t, 10*time.Second, cfg.ConnectTimeout.Std())
	assert.Equal(t, 15*time.Second, cfg.ReadTimeout.Std())
}

func TestPeerConfigValidate(t *testing.T) {
	valid := func() *PeerConfig {
		cfg := &PeerConfig{Name: "carol", Role: "BOTH", Capacity: bytesize.Size(bytesize.GB)}
		cfg.ApplyDefaults()
		return cfg
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*PeerConfig)
	}{
		{"missing name", func(c *PeerConfig) { c.Name = "" }},
		{"name with space", func(c *PeerConfig) { c.Name = "a b" }},
		{"bad role", func(c *PeerConfig) { c.Role = "ADMIN" }},
		{"bad ip", func(c *PeerConfig) { c.IP = "not-an-ip" }},
		{"bad udp port", func(c *PeerConfig) { c.UDPPort = 70000 }},
		{"storage without capacity", func(c *PeerConfig) { c.Capacity = 0 }},
		{"bad server", func(c *PeerConfig) { c.Server = "nowhere" }},
		{"zero retries", func(c *PeerConfig) { c.StoreRetries = -1 }},
		{"tracing without admin address", func(c *PeerConfig) { c.EnableTracing = true }},
		{"bad loki url", func(c *PeerConfig) { c.Loki.URL = "loki:3100" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestOwnerNeedsNoCapacity(t *testing.T) {
	cfg := &PeerConfig{Name: "alice", Role: "OWNER"}
	cfg.ApplyDefaults()
	assert.NoError(t, cfg.Validate())
}

func TestDurationMarshal(t *testing.T) {
	out, err := yaml.Marshal(struct {
		D Duration `yaml:"d"`
	}{Duration(1500 * time.Millisecond)})
	require.NoError(t, err)
	assert.Equal(t, "d: 1.5s\n", string(out))
}
