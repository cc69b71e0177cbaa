// Package config handles configuration loading and validation for p2pbackup.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tunnelmesh/p2pbackup/internal/registry"
	"github.com/tunnelmesh/p2pbackup/pkg/bytesize"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written in YAML as a string such as "15s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"5s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// AdminConfig holds configuration for the coordinator's admin HTTP interface.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`  // HTTP listen address (default: 127.0.0.1:8080)
	Tracing bool   `yaml:"tracing"` // Serve /debug/trace from a runtime flight recorder
}

// LokiConfig enables shipping logs to Grafana Loki.
type LokiConfig struct {
	URL           string   `yaml:"url"` // Base URL, e.g. http://loki:3100; empty disables shipping
	BatchSize     int      `yaml:"batch_size"`
	FlushInterval Duration `yaml:"flush_interval"`
}

// Enabled reports whether a Loki URL is configured.
func (c LokiConfig) Enabled() bool { return c.URL != "" }

// ServerConfig holds configuration for the coordinator.
type ServerConfig struct {
	Listen             string      `yaml:"listen"`              // UDP control address (default: 0.0.0.0:5000)
	DataDir            string      `yaml:"data_dir"`            // Registry persistence directory; empty keeps the registry in memory
	MaxPeers           int         `yaml:"max_peers"`
	RequestTimeout     Duration    `yaml:"request_timeout"`
	SweepInterval      Duration    `yaml:"sweep_interval"`
	FailureTimeout     Duration    `yaml:"failure_timeout"`
	RecoveryCooldown   Duration    `yaml:"recovery_cooldown"`
	ProbeTimeout       Duration    `yaml:"probe_timeout"`
	ReplicationTimeout Duration    `yaml:"replication_timeout"` // Pending REPLICATE_REQ lifetime before it counts as failed
	RateLimit          float64     `yaml:"rate_limit"`          // Inbound datagrams per second
	RateBurst          int         `yaml:"rate_burst"`
	Admin              AdminConfig `yaml:"admin"`
	Loki               LokiConfig  `yaml:"loki"`
}

// PeerConfig holds configuration for a peer agent.
type PeerConfig struct {
	Name              string        `yaml:"name"`
	Role              string        `yaml:"role"`
	IP                string        `yaml:"ip"`
	UDPPort           int           `yaml:"udp_port"`
	TCPPort           int           `yaml:"tcp_port"`
	Capacity          bytesize.Size `yaml:"capacity"`
	Server            string        `yaml:"server"`         // Coordinator host:port
	StorageDir        string        `yaml:"storage_dir"`
	RestoreDir        string        `yaml:"restore_dir"`
	RequestTimeout    Duration      `yaml:"request_timeout"`
	HeartbeatInterval Duration      `yaml:"heartbeat_interval"`
	ChunkSize         int           `yaml:"chunk_size"`
	StoreAckTimeout   Duration      `yaml:"store_ack_timeout"`
	ConnectTimeout    Duration      `yaml:"connect_timeout"`
	ReadTimeout       Duration      `yaml:"read_timeout"`
	StoreRetries      int           `yaml:"store_retries"`
	ParallelSends     bool          `yaml:"parallel_sends"`
	MetricsListen     string        `yaml:"metrics_listen"` // Admin HTTP address (/health, /metrics); empty disables
	EnableTracing     bool          `yaml:"enable_tracing"` // Serve /debug/trace on the admin address
	Loki              LokiConfig    `yaml:"loki"`
}

// DefaultServerConfig returns a coordinator configuration with every default applied.
func DefaultServerConfig() *ServerConfig {
	cfg := &ServerConfig{}
	cfg.ApplyDefaults()
	return cfg
}

// DefaultPeerConfig returns a peer configuration with every default applied.
func DefaultPeerConfig() *PeerConfig {
	cfg := &PeerConfig{}
	cfg.ApplyDefaults()
	return cfg
}

// LoadServerConfig loads coordinator configuration from a YAML file.
func LoadServerConfig(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &ServerConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// LoadPeerConfig loads peer configuration from a YAML file.
func LoadPeerConfig(path string) (*PeerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &PeerConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyDefaults fills every zero field.
func (c *ServerConfig) ApplyDefaults() {
	if c.Listen == "" {
		c.Listen = "0.0.0.0:5000"
	}
	c.DataDir = expandHome(c.DataDir)
	if c.MaxPeers == 0 {
		c.MaxPeers = registry.DefaultMaxPeers
	}
	setDuration(&c.RequestTimeout, 2*time.Second)
	setDuration(&c.SweepInterval, 2*time.Second)
	setDuration(&c.FailureTimeout, 15*time.Second)
	setDuration(&c.RecoveryCooldown, 30*time.Second)
	setDuration(&c.ProbeTimeout, 2*time.Second)
	setDuration(&c.ReplicationTimeout, time.Minute)
	if c.RateLimit == 0 {
		c.RateLimit = 1000
	}
	if c.RateBurst == 0 {
		c.RateBurst = 100
	}
	if c.Admin.Listen == "" {
		c.Admin.Listen = "127.0.0.1:8080"
	}
}

// ApplyDefaults fills every zero field.
func (c *PeerConfig) ApplyDefaults() {
	if c.Role == "" {
		c.Role = string(registry.RoleBoth)
	}
	if c.IP == "" {
		c.IP = "127.0.0.1"
	}
	if c.Server == "" {
		c.Server = "127.0.0.1:5000"
	}
	if c.StorageDir == "" && c.Name != "" {
		c.StorageDir = filepath.Join("storage", c.Name)
	}
	if c.RestoreDir == "" && c.Name != "" {
		c.RestoreDir = filepath.Join("restored", c.Name)
	}
	c.StorageDir = expandHome(c.StorageDir)
	c.RestoreDir = expandHome(c.RestoreDir)
	setDuration(&c.RequestTimeout, 2*time.Second)
	setDuration(&c.HeartbeatInterval, 5*time.Second)
	if c.ChunkSize == 0 {
		c.ChunkSize = 4096
	}
	setDuration(&c.StoreAckTimeout, 5*time.Second)
	setDuration(&c.ConnectTimeout, 10*time.Second)
	setDuration(&c.ReadTimeout, 15*time.Second)
	if c.StoreRetries == 0 {
		c.StoreRetries = 3
	}
}

// Validate checks if the coordinator configuration is valid.
func (c *ServerConfig) Validate() error {
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", c.Listen, err)
	}
	if c.MaxPeers < 0 {
		return fmt.Errorf("max_peers must not be negative")
	}
	if c.FailureTimeout.Std() <= c.SweepInterval.Std() {
		return fmt.Errorf("failure_timeout (%s) must exceed sweep_interval (%s)", c.FailureTimeout.Std(), c.SweepInterval.Std())
	}
	if c.RateLimit < 0 || c.RateBurst < 0 {
		return fmt.Errorf("rate_limit and rate_burst must not be negative")
	}
	if c.Admin.Enabled {
		if _, _, err := net.SplitHostPort(c.Admin.Listen); err != nil {
			return fmt.Errorf("invalid admin.listen %q: %w", c.Admin.Listen, err)
		}
	}
	return c.Loki.validate()
}

// Validate checks if the peer configuration is valid.
func (c *PeerConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if strings.ContainsAny(c.Name, " \t\r\n") {
		return fmt.Errorf("name must not contain whitespace")
	}
	role, err := registry.ParseRole(c.Role)
	if err != nil {
		return fmt.Errorf("invalid role %q", c.Role)
	}
	if net.ParseIP(c.IP) == nil {
		return fmt.Errorf("invalid ip %q", c.IP)
	}
	if c.UDPPort < 0 || c.UDPPort > 65535 {
		return fmt.Errorf("udp_port must be between 0 and 65535")
	}
	if c.TCPPort < 0 || c.TCPPort > 65535 {
		return fmt.Errorf("tcp_port must be between 0 and 65535")
	}
	if role.CanStore() && c.Capacity <= 0 {
		return fmt.Errorf("capacity is required for role %s", role)
	}
	if _, _, err := net.SplitHostPort(c.Server); err != nil {
		return fmt.Errorf("invalid server address %q: %w", c.Server, err)
	}
	if c.StoreRetries < 1 {
		return fmt.Errorf("store_retries must be at least 1")
	}
	if c.MetricsListen != "" {
		if _, _, err := net.SplitHostPort(c.MetricsListen); err != nil {
			return fmt.Errorf("invalid metrics_listen %q: %w", c.MetricsListen, err)
		}
	}
	if c.EnableTracing && c.MetricsListen == "" {
		return fmt.Errorf("enable_tracing requires metrics_listen")
	}
	return c.Loki.validate()
}

func (c LokiConfig) validate() error {
	if !c.Enabled() {
		return nil
	}
	u, err := url.Parse(c.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid loki.url %q", c.URL)
	}
	if c.BatchSize < 0 {
		return fmt.Errorf("loki.batch_size must not be negative")
	}
	return nil
}

func setDuration(d *Duration, def time.Duration) {
	if *d == 0 {
		*d = Duration(def)
	}
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		if homeDir, err := os.UserHomeDir(); err == nil {
			return filepath.Join(homeDir, path[2:])
		}
	}
	return path
}
