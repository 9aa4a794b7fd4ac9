// Package config handles configuration loading and validation for blobmesh.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/blobmesh/blobmesh/pkg/bytesize"
)

// ControllerConfig holds configuration for the controller service.
type ControllerConfig struct {
	Listen               string `yaml:"listen"`
	DataDir              string `yaml:"data_dir"` // Badger catalog directory
	ReplicationFactor    int    `yaml:"replication_factor"`
	MinActiveNodes       int    `yaml:"min_active_nodes"` // alerting floor for the liveness sweep
	HeartbeatTimeout     string `yaml:"heartbeat_timeout"`
	SweepInterval        string `yaml:"sweep_interval"`
	NodeCallTimeout      string `yaml:"node_call_timeout"`
	MetricsRetentionDays int    `yaml:"metrics_retention_days"`
	MetricsRateLimit     int    `yaml:"metrics_rate_limit"` // ingested snapshots/sec, 0 = default
}

// NodeConfig holds configuration for a storage node agent.
type NodeConfig struct {
	NodeID            string `yaml:"node_id"`
	Listen            string `yaml:"listen"`
	AdvertiseURL      string `yaml:"advertise_url"` // URL the controller uses to reach this node
	ControllerURL     string `yaml:"controller_url"`
	StorageDir        string `yaml:"storage_dir"`
	Capacity          string `yaml:"capacity"` // e.g. "10GB"; empty = probe the volume
	HeartbeatInterval string `yaml:"heartbeat_interval"`
	MetricsInterval   string `yaml:"metrics_interval"`
	SettleDelay       string `yaml:"settle_delay"`
}

// LoadControllerConfig loads controller configuration from a YAML file.
// An empty path yields defaults plus environment overrides.
func LoadControllerConfig(path string) (*ControllerConfig, error) {
	cfg := &ControllerConfig{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	// Environment overrides
	if v := os.Getenv("BLOBMESH_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("BLOBMESH_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("BLOBMESH_REPLICATION_FACTOR"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("parse BLOBMESH_REPLICATION_FACTOR: %w", err)
		}
		cfg.ReplicationFactor = n
	}
	if v := os.Getenv("BLOBMESH_MIN_ACTIVE_NODES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("parse BLOBMESH_MIN_ACTIVE_NODES: %w", err)
		}
		cfg.MinActiveNodes = n
	}
	if v := os.Getenv("BLOBMESH_HEARTBEAT_TIMEOUT"); v != "" {
		cfg.HeartbeatTimeout = v
	}

	// Apply defaults
	if cfg.Listen == "" {
		cfg.Listen = ":8000"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "/var/lib/blobmesh/controller"
	}
	if strings.HasPrefix(cfg.DataDir, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			cfg.DataDir = filepath.Join(homeDir, cfg.DataDir[2:])
		}
	}
	if cfg.ReplicationFactor == 0 {
		cfg.ReplicationFactor = 2
	}
	if cfg.MinActiveNodes == 0 {
		cfg.MinActiveNodes = cfg.ReplicationFactor
	}
	if cfg.HeartbeatTimeout == "" {
		cfg.HeartbeatTimeout = "30s"
	}
	if cfg.SweepInterval == "" {
		cfg.SweepInterval = "15s"
	}
	if cfg.NodeCallTimeout == "" {
		cfg.NodeCallTimeout = "30s"
	}
	if cfg.MetricsRetentionDays == 0 {
		cfg.MetricsRetentionDays = 7
	}
	if cfg.MetricsRateLimit == 0 {
		cfg.MetricsRateLimit = 100
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the controller configuration for consistency.
func (c *ControllerConfig) Validate() error {
	if c.ReplicationFactor < 1 {
		return fmt.Errorf("replication_factor must be >= 1, got %d", c.ReplicationFactor)
	}
	if c.MinActiveNodes < c.ReplicationFactor {
		return fmt.Errorf("min_active_nodes (%d) must be >= replication_factor (%d)",
			c.MinActiveNodes, c.ReplicationFactor)
	}
	for name, v := range map[string]string{
		"heartbeat_timeout": c.HeartbeatTimeout,
		"sweep_interval":    c.SweepInterval,
		"node_call_timeout": c.NodeCallTimeout,
	} {
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("parse %s: %w", name, err)
		}
	}
	return nil
}

// HeartbeatTimeoutDuration returns the parsed heartbeat timeout.
func (c *ControllerConfig) HeartbeatTimeoutDuration() time.Duration {
	return mustDuration(c.HeartbeatTimeout, 30*time.Second)
}

// SweepIntervalDuration returns the parsed liveness sweep interval.
func (c *ControllerConfig) SweepIntervalDuration() time.Duration {
	return mustDuration(c.SweepInterval, 15*time.Second)
}

// NodeCallTimeoutDuration returns the parsed per-node call timeout.
func (c *ControllerConfig) NodeCallTimeoutDuration() time.Duration {
	return mustDuration(c.NodeCallTimeout, 30*time.Second)
}

// LoadNodeConfig loads node agent configuration from a YAML file.
// An empty path yields defaults plus environment overrides.
func LoadNodeConfig(path string) (*NodeConfig, error) {
	cfg := &NodeConfig{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	// Environment overrides
	if v := os.Getenv("BLOBMESH_NODE_ID"); v != "" {
		cfg.NodeID = v
	}
	if v := os.Getenv("BLOBMESH_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("BLOBMESH_ADVERTISE_URL"); v != "" {
		cfg.AdvertiseURL = v
	}
	if v := os.Getenv("BLOBMESH_CONTROLLER_URL"); v != "" {
		cfg.ControllerURL = v
	}
	if v := os.Getenv("BLOBMESH_STORAGE_DIR"); v != "" {
		cfg.StorageDir = v
	}
	if v := os.Getenv("BLOBMESH_CAPACITY"); v != "" {
		cfg.Capacity = v
	}
	if v := os.Getenv("BLOBMESH_HEARTBEAT_INTERVAL"); v != "" {
		cfg.HeartbeatInterval = v
	}

	// Apply defaults
	if cfg.NodeID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("node_id not set and hostname unavailable: %w", err)
		}
		cfg.NodeID = hostname
	}
	if cfg.Listen == "" {
		cfg.Listen = ":8001"
	}
	if cfg.ControllerURL == "" {
		cfg.ControllerURL = "http://localhost:8000"
	}
	if cfg.StorageDir == "" {
		cfg.StorageDir = "/var/lib/blobmesh/data"
	}
	if strings.HasPrefix(cfg.StorageDir, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			cfg.StorageDir = filepath.Join(homeDir, cfg.StorageDir[2:])
		}
	}
	if cfg.AdvertiseURL == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "localhost"
		}
		port := cfg.Listen
		if i := strings.LastIndex(port, ":"); i >= 0 {
			port = port[i+1:]
		}
		cfg.AdvertiseURL = fmt.Sprintf("http://%s:%s", hostname, port)
	}
	if cfg.HeartbeatInterval == "" {
		cfg.HeartbeatInterval = "15s"
	}
	if cfg.MetricsInterval == "" {
		cfg.MetricsInterval = "60s"
	}
	if cfg.SettleDelay == "" {
		cfg.SettleDelay = "5s"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the node configuration for consistency.
func (c *NodeConfig) Validate() error {
	if c.Capacity != "" {
		if _, err := bytesize.Parse(c.Capacity); err != nil {
			return fmt.Errorf("parse capacity: %w", err)
		}
	}
	for name, v := range map[string]string{
		"heartbeat_interval": c.HeartbeatInterval,
		"metrics_interval":   c.MetricsInterval,
		"settle_delay":       c.SettleDelay,
	} {
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("parse %s: %w", name, err)
		}
	}
	return nil
}

// CapacityBytes returns the configured capacity ceiling in bytes,
// or 0 when the node should probe the storage volume instead.
func (c *NodeConfig) CapacityBytes() int64 {
	if c.Capacity == "" {
		return 0
	}
	v, err := bytesize.Parse(c.Capacity)
	if err != nil {
		return 0
	}
	return v
}

// HeartbeatIntervalDuration returns the parsed heartbeat interval.
func (c *NodeConfig) HeartbeatIntervalDuration() time.Duration {
	return mustDuration(c.HeartbeatInterval, 15*time.Second)
}

// MetricsIntervalDuration returns the parsed metrics reporting interval.
func (c *NodeConfig) MetricsIntervalDuration() time.Duration {
	return mustDuration(c.MetricsInterval, 60*time.Second)
}

// SettleDelayDuration returns the parsed startup settle delay.
func (c *NodeConfig) SettleDelayDuration() time.Duration {
	return mustDuration(c.SettleDelay, 5*time.Second)
}

func mustDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
