package server

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/topgundb/topgun/pkg/cluster"
	"github.com/topgundb/topgun/pkg/transport"
)

// Config holds configuration for creating a Coordinator.
type Config struct {
	NodeID  string `yaml:"nodeId"`
	DataDir string `yaml:"dataDir"`

	// AuthSecret selects HMAC (raw secret) or RSA (PEM public key).
	AuthSecret string `yaml:"authSecret"`

	// Peers is the static membership view, local node excluded.
	Peers []cluster.Peer `yaml:"peers"`

	PartitionCount int `yaml:"partitionCount"`
	BackupCount    int `yaml:"backupCount"`

	// AllowedMaps restricts which maps clients may touch; empty allows all.
	AllowedMaps []string `yaml:"allowedMaps"`
	// EnableMutations gates all write verbs.
	EnableMutations bool `yaml:"enableMutations"`
	// EnableSubscriptions gates live queries and topic subscriptions.
	EnableSubscriptions bool `yaml:"enableSubscriptions"`
	// ProtectedFields maps "mapName" -> fields stripped for non-admin roles.
	ProtectedFields map[string][]string `yaml:"protectedFields"`

	// Admission control.
	MaxConnectionsPerSecond int `yaml:"maxConnectionsPerSecond"`
	MaxPendingConnections   int `yaml:"maxPendingConnections"`
	MaxPendingOps           int `yaml:"maxPendingOps"`

	// Heartbeats.
	HeartbeatCheckInterval time.Duration `yaml:"heartbeatCheckInterval"`
	HeartbeatTimeout       time.Duration `yaml:"heartbeatTimeout"`

	// GC consensus.
	GCInterval time.Duration `yaml:"gcInterval"`
	GCAge      time.Duration `yaml:"gcAge"`

	// Locks.
	DefaultLockTTL time.Duration `yaml:"defaultLockTTL"`

	// Cluster queries.
	ClusterQueryTimeout time.Duration `yaml:"clusterQueryTimeout"`
	CursorMaxAge        time.Duration `yaml:"cursorMaxAge"`

	// Writer preset: conservative, balanced, highThroughput, aggressive.
	WriterProfile string `yaml:"writerProfile"`

	// Journal ring capacity per map; 0 disables the journal.
	JournalCapacity int `yaml:"journalCapacity"`

	// EnableSearch turns on the full-text index and SEARCH verbs.
	EnableSearch bool `yaml:"enableSearch"`

	// EnableHTTPFacade exposes /health, /sync, /mcp and /metrics alongside
	// the websocket endpoints.
	EnableHTTPFacade bool `yaml:"enableHTTPFacade"`
}

// DefaultConfig returns a config with production defaults applied.
func DefaultConfig() Config {
	return Config{
		EnableMutations:         true,
		EnableSubscriptions:     true,
		MaxConnectionsPerSecond: 100,
		MaxPendingConnections:   50,
		MaxPendingOps:           10000,
		HeartbeatCheckInterval:  5 * time.Second,
		HeartbeatTimeout:        20 * time.Second,
		GCInterval:              time.Hour,
		GCAge:                   30 * 24 * time.Hour,
		DefaultLockTTL:          10 * time.Second,
		ClusterQueryTimeout:     5 * time.Second,
		CursorMaxAge:            5 * time.Minute,
		WriterProfile:           "balanced",
		JournalCapacity:         4096,
		EnableHTTPFacade:        true,
	}
}

// LoadConfigFile overlays YAML file contents onto cfg.
func LoadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// applyDefaults fills zero values with the defaults.
func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.MaxConnectionsPerSecond == 0 {
		c.MaxConnectionsPerSecond = d.MaxConnectionsPerSecond
	}
	if c.MaxPendingConnections == 0 {
		c.MaxPendingConnections = d.MaxPendingConnections
	}
	if c.MaxPendingOps == 0 {
		c.MaxPendingOps = d.MaxPendingOps
	}
	if c.HeartbeatCheckInterval == 0 {
		c.HeartbeatCheckInterval = d.HeartbeatCheckInterval
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.GCInterval == 0 {
		c.GCInterval = d.GCInterval
	}
	if c.GCAge == 0 {
		c.GCAge = d.GCAge
	}
	if c.DefaultLockTTL == 0 {
		c.DefaultLockTTL = d.DefaultLockTTL
	}
	if c.ClusterQueryTimeout == 0 {
		c.ClusterQueryTimeout = d.ClusterQueryTimeout
	}
	if c.CursorMaxAge == 0 {
		c.CursorMaxAge = d.CursorMaxAge
	}
	if c.WriterProfile == "" {
		c.WriterProfile = d.WriterProfile
	}
}

// writerConfig resolves the configured writer preset.
func (c *Config) writerConfig() transport.WriterConfig {
	switch c.WriterProfile {
	case "conservative":
		return transport.ConservativeWriter()
	case "highThroughput":
		return transport.HighThroughputWriter()
	case "aggressive":
		return transport.AggressiveWriter()
	default:
		return transport.BalancedWriter()
	}
}
