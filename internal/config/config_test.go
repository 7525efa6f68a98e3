package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "slotkv.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 6379, cfg.Node.Port)
	assert.Equal(t, 16379, cfg.Node.ClusterPort)
	assert.Equal(t, 15*time.Second, cfg.Cluster.NodeTimeout)
	assert.Equal(t, 30*time.Second, cfg.Cluster.FailReportValidity)
	assert.Equal(t, "local", cfg.Replication.AckMode)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
node:
  id: node-a
  port: 7001
  seeds: ["127.0.0.1:17002", "127.0.0.1:17003"]
cluster:
  node_timeout: 2s
  ping_interval: 200ms
  persist_state: true
replication:
  ack_mode: replica
  ack_timeout: 250ms
migration:
  keys_per_second: 500
logging:
  level: debug
  format: console
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "node-a", cfg.Node.ID)
	assert.Equal(t, 17001, cfg.Node.ClusterPort)
	assert.Len(t, cfg.Node.Seeds, 2)
	assert.Equal(t, 4*time.Second, cfg.Cluster.FailReportValidity)

	cc := cfg.ClusterConfig()
	assert.Equal(t, "node-a", cc.NodeID)
	assert.Equal(t, 7001, cc.Port)
	assert.True(t, cc.PersistState)
	assert.Equal(t, 2*time.Second, cc.Gossip.NodeTimeout)
	assert.Equal(t, 2*time.Second, cc.Failover.NodeTimeout)
	assert.Equal(t, 200*time.Millisecond, cc.Gossip.PingInterval)
	assert.Equal(t, "replica", cc.Replication.AckMode)
	assert.Equal(t, 250*time.Millisecond, cc.Replication.AckTimeout)
	assert.Equal(t, 500, cc.Migration.KeysPerSecond)
	assert.Equal(t, 100, cc.Migration.BatchSize)
	assert.Equal(t, 100, cc.Failover.Priority)
	assert.Equal(t, 3, cc.Migration.MaxRetries)
}

func TestLoad_ExplicitZeroKept(t *testing.T) {
	path := writeConfig(t, `
cluster:
  replica_priority: 0
migration:
  max_retries: 0
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Zero(t, cfg.Cluster.ReplicaPriority)
	assert.Zero(t, cfg.Migration.MaxRetries)
	cc := cfg.ClusterConfig()
	assert.Zero(t, cc.Failover.Priority)
	assert.Zero(t, cc.Migration.MaxRetries)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"port", "node:\n  port: 70000\n", "node.port"},
		{"same ports", "node:\n  port: 7000\n  cluster_port: 7000\n", "must differ"},
		{"ack mode", "replication:\n  ack_mode: quorum\n", "replication.ack_mode"},
		{"ping interval", "cluster:\n  node_timeout: 1s\n  ping_interval: 2s\n", "ping_interval"},
		{"max retries", "migration:\n  max_retries: -1\n", "migration.max_retries"},
		{"log format", "logging:\n  format: xml\n", "logging.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid configuration")
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")

	_, err = Load(writeConfig(t, "node: [unterminated"))
	assert.ErrorContains(t, err, "failed to parse config file")
}
