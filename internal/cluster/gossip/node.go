package gossip

import (
	"fmt"
	"time"
)

// Status is the liveness of a peer as seen by this node.
type Status int

const (
	StatusAlive Status = iota
	StatusSuspect
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusAlive:
		return "alive"
	case StatusSuspect:
		return "suspect"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type Role int

const (
	RoleMaster Role = iota
	RoleReplica
)

func (r Role) String() string {
	if r == RoleMaster {
		return "master"
	}
	return "replica"
}

// Node is one row of the membership table. Peers refer to each other by ID
// only; copies handed out by Gossip are detached from the table.
type Node struct {
	ID          string
	IP          string
	Port        int
	ClusterPort int

	Role     Role
	MasterID string

	// ConfigEpoch is the highest epoch the node claims slots with.
	ConfigEpoch uint64
	// HeartbeatEpoch is the cluster epoch the node reported last.
	HeartbeatEpoch uint64
	ReplOffset     uint64
	Priority       int

	Status   Status
	FailedAt time.Time

	PingSent     time.Time
	PongReceived time.Time
	LastSeen     time.Time

	FailReports map[string]time.Time
}

func (n *Node) Addr() string {
	return fmt.Sprintf("%s:%d", n.IP, n.Port)
}

func (n *Node) ClusterAddr() string {
	return fmt.Sprintf("%s:%d", n.IP, n.ClusterPort)
}

func (n *Node) IsMaster() bool {
	return n.Role == RoleMaster
}

// ShortID returns the first 8 characters of the node ID for logs.
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func (n *Node) clone() Node {
	c := *n
	c.FailReports = make(map[string]time.Time, len(n.FailReports))
	for k, v := range n.FailReports {
		c.FailReports[k] = v
	}
	return c
}

// countFailReports drops reports older than validity and returns the rest.
func (n *Node) countFailReports(now time.Time, validity time.Duration) int {
	for reporter, ts := range n.FailReports {
		if now.Sub(ts) > validity {
			delete(n.FailReports, reporter)
		}
	}
	return len(n.FailReports)
}
