package gossip

import (
	"github.com/10yihang/slotkv/internal/cluster/slots"
)

type MessageType uint8

const (
	MsgPing MessageType = iota + 1
	MsgPong
	MsgMeet
	MsgFail
	MsgUpdate
	MsgConflict
)

func (t MessageType) String() string {
	switch t {
	case MsgPing:
		return "PING"
	case MsgPong:
		return "PONG"
	case MsgMeet:
		return "MEET"
	case MsgFail:
		return "FAIL"
	case MsgUpdate:
		return "UPDATE"
	case MsgConflict:
		return "CONFLICT"
	default:
		return "UNKNOWN"
	}
}

// Message is the unit exchanged on the gossip bus. Every message carries the
// sender's cluster epoch and slot map epoch so receivers can detect which
// side is behind.
type Message struct {
	Type         MessageType
	Sender       string
	CurrentEpoch uint64
	SlotMapEpoch uint64
	NodeInfo     *NodeInfo
	GossipNodes  []*NodeInfo
	FailNodeID   string

	// SlotMap is attached when the receiver is known to be behind.
	SlotMap *slots.Snapshot
	// NeedFull asks the receiver of a PONG to push its map with an UPDATE.
	NeedFull bool
	// Disputed carries claims the sender lost to the receiver on an epoch tie.
	Disputed []slots.Claim
}

// NodeInfo describes a node as seen by the sender.
type NodeInfo struct {
	ID          string
	IP          string
	Port        int
	ClusterPort int
	Flags       uint16
	MasterID    string
	ConfigEpoch uint64
	ReplOffset  uint64
	Priority    int

	// Claims lists the slots the node owns; only set for the sender itself.
	Claims []slots.Claim
}

const (
	NodeFlagMaster     uint16 = 1 << 0
	NodeFlagReplica    uint16 = 1 << 1
	NodeFlagPFail      uint16 = 1 << 2
	NodeFlagFail       uint16 = 1 << 3
	NodeFlagNoFailover uint16 = 1 << 4
)

func flagsOf(n *Node) uint16 {
	var flags uint16
	if n.Role == RoleMaster {
		flags |= NodeFlagMaster
	} else {
		flags |= NodeFlagReplica
	}
	switch n.Status {
	case StatusSuspect:
		flags |= NodeFlagPFail
	case StatusFailed:
		flags |= NodeFlagFail
	}
	if n.Priority == 0 {
		flags |= NodeFlagNoFailover
	}
	return flags
}

func infoOf(n *Node) *NodeInfo {
	return &NodeInfo{
		ID:          n.ID,
		IP:          n.IP,
		Port:        n.Port,
		ClusterPort: n.ClusterPort,
		Flags:       flagsOf(n),
		MasterID:    n.MasterID,
		ConfigEpoch: n.ConfigEpoch,
		ReplOffset:  n.ReplOffset,
		Priority:    n.Priority,
	}
}
