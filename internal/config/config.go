package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/10yihang/slotkv/internal/cluster"
	"github.com/10yihang/slotkv/internal/cluster/replication"
)

// NodeConfig holds the node's identity and listen addresses
type NodeConfig struct {
	ID          string   `yaml:"id"`
	Bind        string   `yaml:"bind"`
	AnnounceIP  string   `yaml:"announce_ip"`
	Port        int      `yaml:"port"`
	ClusterPort int      `yaml:"cluster_port"`
	DataDir     string   `yaml:"data_dir"`
	Seeds       []string `yaml:"seeds"`
}

// ClusterConfig holds membership and failover settings
type ClusterConfig struct {
	NodeTimeout        time.Duration `yaml:"node_timeout"`
	PingInterval       time.Duration `yaml:"ping_interval"`
	GossipFanout       int           `yaml:"gossip_fanout"`
	FailReportValidity time.Duration `yaml:"fail_report_validity"`
	ElectionTimeout    time.Duration `yaml:"election_timeout"`
	ElectionRetries    int           `yaml:"election_retries"`
	ReplicaPriority    int           `yaml:"replica_priority"`
	PersistState       bool          `yaml:"persist_state"`
}

// ReplicationConfig holds master/replica stream settings
type ReplicationConfig struct {
	BacklogSize      int           `yaml:"backlog_size"`
	AckMode          string        `yaml:"ack_mode"`
	AckTimeout       time.Duration `yaml:"ack_timeout"`
	AckInterval      time.Duration `yaml:"ack_interval"`
	ReconnectBackoff time.Duration `yaml:"reconnect_backoff"`
}

// MigrationConfig holds slot migration settings
type MigrationConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	KeysPerSecond int           `yaml:"keys_per_second"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxRetries    int           `yaml:"max_retries"`
}

// MetricsConfig holds the Prometheus exporter settings
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config represents the complete configuration of a slotkv node
type Config struct {
	Node        NodeConfig        `yaml:"node"`
	Cluster     ClusterConfig     `yaml:"cluster"`
	Replication ReplicationConfig `yaml:"replication"`
	Migration   MigrationConfig   `yaml:"migration"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// Load reads the YAML file at path, fills unset fields with defaults and
// validates the result. replica_priority and max_retries keep an explicit 0. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := newConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration with every field at its default.
func Default() *Config {
	cfg := newConfig()
	setDefaults(&cfg)
	return &cfg
}

// newConfig presets the fields for which zero is a meaningful setting, so
// that only an absent key falls back to the default.
func newConfig() Config {
	return Config{
		Cluster:   ClusterConfig{ReplicaPriority: 100},
		Migration: MigrationConfig{MaxRetries: 3},
	}
}

func setDefaults(cfg *Config) {
	if cfg.Node.Bind == "" {
		cfg.Node.Bind = "127.0.0.1"
	}
	if cfg.Node.Port == 0 {
		cfg.Node.Port = 6379
	}
	if cfg.Node.ClusterPort == 0 {
		cfg.Node.ClusterPort = cfg.Node.Port + 10000
	}
	if cfg.Node.DataDir == "" {
		cfg.Node.DataDir = "./data"
	}

	if cfg.Cluster.NodeTimeout == 0 {
		cfg.Cluster.NodeTimeout = 15 * time.Second
	}
	if cfg.Cluster.PingInterval == 0 {
		cfg.Cluster.PingInterval = time.Second
	}
	if cfg.Cluster.GossipFanout == 0 {
		cfg.Cluster.GossipFanout = 3
	}
	if cfg.Cluster.FailReportValidity == 0 {
		cfg.Cluster.FailReportValidity = 2 * cfg.Cluster.NodeTimeout
	}
	if cfg.Cluster.ElectionTimeout == 0 {
		cfg.Cluster.ElectionTimeout = 2 * time.Second
	}
	if cfg.Cluster.ElectionRetries == 0 {
		cfg.Cluster.ElectionRetries = 5
	}

	if cfg.Replication.BacklogSize == 0 {
		cfg.Replication.BacklogSize = 1 << 16
	}
	if cfg.Replication.AckMode == "" {
		cfg.Replication.AckMode = replication.AckModeLocal
	}
	if cfg.Replication.AckTimeout == 0 {
		cfg.Replication.AckTimeout = time.Second
	}
	if cfg.Replication.AckInterval == 0 {
		cfg.Replication.AckInterval = time.Second
	}
	if cfg.Replication.ReconnectBackoff == 0 {
		cfg.Replication.ReconnectBackoff = 100 * time.Millisecond
	}

	if cfg.Migration.BatchSize == 0 {
		cfg.Migration.BatchSize = 100
	}
	if cfg.Migration.Timeout == 0 {
		cfg.Migration.Timeout = 5 * time.Second
	}

	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9121"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Node.Port < 1 || c.Node.Port > 65535 {
		return fmt.Errorf("node.port must be between 1 and 65535")
	}
	if c.Node.ClusterPort < 1 || c.Node.ClusterPort > 65535 {
		return fmt.Errorf("node.cluster_port must be between 1 and 65535")
	}
	if c.Node.ClusterPort == c.Node.Port {
		return fmt.Errorf("node.cluster_port must differ from node.port")
	}
	if c.Cluster.PingInterval >= c.Cluster.NodeTimeout {
		return fmt.Errorf("cluster.ping_interval must be shorter than cluster.node_timeout")
	}
	if c.Cluster.GossipFanout < 1 {
		return fmt.Errorf("cluster.gossip_fanout must be at least 1")
	}
	if c.Cluster.ReplicaPriority < 0 {
		return fmt.Errorf("cluster.replica_priority must not be negative")
	}
	if c.Replication.BacklogSize < 1 {
		return fmt.Errorf("replication.backlog_size must be positive")
	}
	switch c.Replication.AckMode {
	case replication.AckModeLocal, replication.AckModeReplica:
	default:
		return fmt.Errorf("replication.ack_mode must be %q or %q", replication.AckModeLocal, replication.AckModeReplica)
	}
	if c.Migration.BatchSize < 1 {
		return fmt.Errorf("migration.batch_size must be positive")
	}
	if c.Migration.MaxRetries < 0 {
		return fmt.Errorf("migration.max_retries must not be negative")
	}
	if c.Migration.KeysPerSecond < 0 {
		return fmt.Errorf("migration.keys_per_second must not be negative")
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console")
	}
	return nil
}

// ClusterConfig maps the file layout onto the cluster package's settings.
func (c *Config) ClusterConfig() *cluster.Config {
	cc := cluster.DefaultConfig()

	cc.NodeID = c.Node.ID
	cc.BindAddr = c.Node.Bind
	cc.AnnounceIP = c.Node.AnnounceIP
	cc.Port = c.Node.Port
	cc.ClusterPort = c.Node.ClusterPort
	cc.Seeds = c.Node.Seeds
	cc.DataDir = c.Node.DataDir
	cc.PersistState = c.Cluster.PersistState

	cc.Gossip.NodeTimeout = c.Cluster.NodeTimeout
	cc.Gossip.PingInterval = c.Cluster.PingInterval
	cc.Gossip.Fanout = c.Cluster.GossipFanout
	cc.Gossip.FailReportValidity = c.Cluster.FailReportValidity

	cc.Failover.NodeTimeout = c.Cluster.NodeTimeout
	cc.Failover.ElectionTimeout = c.Cluster.ElectionTimeout
	cc.Failover.MaxRetries = c.Cluster.ElectionRetries
	cc.Failover.Priority = c.Cluster.ReplicaPriority

	cc.Replication.BacklogSize = c.Replication.BacklogSize
	cc.Replication.AckMode = c.Replication.AckMode
	cc.Replication.AckTimeout = c.Replication.AckTimeout
	cc.Replication.AckInterval = c.Replication.AckInterval
	cc.Replication.ReconnectBackoff = c.Replication.ReconnectBackoff

	cc.Migration.BatchSize = c.Migration.BatchSize
	cc.Migration.KeysPerSecond = c.Migration.KeysPerSecond
	cc.Migration.Timeout = c.Migration.Timeout
	cc.Migration.MaxRetries = c.Migration.MaxRetries

	return cc
}
