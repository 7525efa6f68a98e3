package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "slotkv"
)

var (
	// CommandsTotal counts total commands
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Total number of commands processed",
		},
		[]string{"cmd", "status"}, // status: success/error/redirect
	)

	// CommandDuration measures command latency
	CommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Command latency in seconds",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		},
		[]string{"cmd"},
	)

	// RedirectsTotal counts routing redirects sent to clients
	RedirectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redirects_total",
			Help:      "Total number of MOVED/ASK/CLUSTERDOWN replies",
		},
		[]string{"kind"},
	)

	// GossipMessages counts cluster bus gossip messages
	GossipMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gossip_messages_total",
			Help:      "Gossip messages by type and direction",
		},
		[]string{"type", "direction"}, // direction: in/out
	)

	// KnownNodes tracks the membership table by status
	KnownNodes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "known_nodes",
			Help:      "Nodes in the membership table by status",
		},
		[]string{"status"},
	)

	// SlotMapEpoch tracks the epoch of the local slot map
	SlotMapEpoch = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "slot_map_epoch",
			Help:      "Config epoch of the local slot map",
		},
	)

	// ReplicationOffset tracks the replication offset of this node
	ReplicationOffset = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "replication_offset",
			Help:      "Replication stream offset",
		},
		[]string{"role"},
	)

	// Resyncs counts replica synchronizations
	Resyncs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replication_syncs_total",
			Help:      "Replica synchronizations by kind",
		},
		[]string{"kind"}, // full/partial
	)

	// Elections counts failover elections by result
	Elections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "elections_total",
			Help:      "Failover elections by result",
		},
		[]string{"result"}, // won/timeout/abandoned/exhausted
	)

	// SlotMigrations counts slot migrations by result
	SlotMigrations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slot_migrations_total",
			Help:      "Slot migrations by result",
		},
		[]string{"result"},
	)

	// MigratedKeys counts keys copied to other nodes
	MigratedKeys = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "migrated_keys_total",
			Help:      "Total number of keys moved by slot migration",
		},
	)

	// MemoryUsage tracks memory usage
	MemoryUsage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_bytes",
			Help:      "Memory usage in bytes",
		},
		[]string{"type"},
	)

	// KeysTotal tracks total keys
	KeysTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "keys_total",
			Help:      "Total number of keys",
		},
	)

	// ConnectionsTotal tracks active connections
	ConnectionsTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total number of client connections",
		},
	)

	// Info exposes build info
	Info = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "info",
			Help:      "slotkv node info",
		},
		[]string{"version", "go_version", "node_id"},
	)

	// Uptime tracks uptime
	Uptime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Server uptime in seconds",
		},
	)
)

// InitInfo initializes info metric
func InitInfo(version, goVersion, nodeID string) {
	Info.WithLabelValues(version, goVersion, nodeID).Set(1)
}
