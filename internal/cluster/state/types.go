package state

import "github.com/10yihang/slotkv/internal/cluster/slots"

// CurrentStateVersion is the schema version for persistent state
const CurrentStateVersion = 2

// PersistentState is the JSON-serializable cluster state. Transitional slot
// states are not part of it: a node restarting mid-migration comes back with
// the slot Stable under its last recorded owner. Replication offsets are not
// kept either since the store itself is not persisted.
type PersistentState struct {
	Version      int            `json:"version"`
	NodeID       string         `json:"node_id"`
	Role         string         `json:"role"`
	MasterID     string         `json:"master_id,omitempty"`
	CurrentEpoch uint64         `json:"current_epoch"`
	SlotMap      slots.Snapshot `json:"slot_map"`
	Nodes        []NodeInfo     `json:"nodes"`
}

// NodeInfo stores persistent node metadata
type NodeInfo struct {
	ID          string `json:"id"`
	IP          string `json:"ip"`
	Port        int    `json:"port"`
	ClusterPort int    `json:"cluster_port"`
	Role        string `json:"role"`
	MasterID    string `json:"master_id,omitempty"`
	ConfigEpoch uint64 `json:"config_epoch"`
}
