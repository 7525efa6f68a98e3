package cluster

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/10yihang/slotkv/internal/cluster/gossip"
	"github.com/10yihang/slotkv/internal/cluster/slots"
)

func generateNodeID() string {
	return uuid.NewString()
}

// nodeFlags renders the flag column of CLUSTER NODES.
func nodeFlags(n *gossip.Node, self bool) string {
	var flags []string
	if self {
		flags = append(flags, "myself")
	}
	if n.Role == gossip.RoleMaster {
		flags = append(flags, "master")
	} else {
		flags = append(flags, "slave")
	}
	switch n.Status {
	case gossip.StatusSuspect:
		flags = append(flags, "fail?")
	case gossip.StatusFailed:
		flags = append(flags, "fail")
	}
	if n.Priority == 0 && n.Role == gossip.RoleReplica {
		flags = append(flags, "nofailover")
	}
	return strings.Join(flags, ",")
}

func linkState(n *gossip.Node, self bool) string {
	if self || n.Status == gossip.StatusAlive {
		return "connected"
	}
	return "disconnected"
}

func unixMilli(n *gossip.Node, pong bool) int64 {
	t := n.PingSent
	if pong {
		t = n.PongReceived
	}
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// NodesDescription renders the membership table in CLUSTER NODES format.
func (c *Cluster) NodesDescription() string {
	m := c.table.Load()
	nodes := c.gossip.Nodes()
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })

	ranges := make(map[string][]string)
	for _, r := range m.Ranges() {
		if r.Start == r.End {
			ranges[r.NodeID] = append(ranges[r.NodeID], strconv.Itoa(int(r.Start)))
		} else {
			ranges[r.NodeID] = append(ranges[r.NodeID], fmt.Sprintf("%d-%d", r.Start, r.End))
		}
	}

	var transitional []string
	trans := m.Transitional()
	keys := make([]uint16, 0, len(trans))
	for slot := range trans {
		keys = append(keys, slot)
	}
	slots.SortSlots(keys)
	for _, slot := range keys {
		e := trans[slot]
		switch e.State {
		case slots.Migrating:
			transitional = append(transitional, fmt.Sprintf("[%d->-%s]", slot, e.Peer))
		case slots.Importing:
			transitional = append(transitional, fmt.Sprintf("[%d-<-%s]", slot, e.Peer))
		}
	}

	var b strings.Builder
	for i := range nodes {
		n := &nodes[i]
		self := n.ID == c.selfID
		master := n.MasterID
		if master == "" {
			master = "-"
		}
		fmt.Fprintf(&b, "%s %s:%d@%d %s %s %d %d %d %s",
			n.ID, n.IP, n.Port, n.ClusterPort, nodeFlags(n, self), master,
			unixMilli(n, false), unixMilli(n, true), n.ConfigEpoch, linkState(n, self))
		for _, r := range ranges[n.ID] {
			b.WriteByte(' ')
			b.WriteString(r)
		}
		if self {
			for _, t := range transitional {
				b.WriteByte(' ')
				b.WriteString(t)
			}
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// SlotRange is one contiguous run of slots with its serving nodes, as
// reported by CLUSTER SLOTS.
type SlotRange struct {
	Start    uint16
	End      uint16
	Master   gossip.Node
	Replicas []gossip.Node
}

// SlotRanges groups the slot map by owner.
func (c *Cluster) SlotRanges() []SlotRange {
	var out []SlotRange
	for _, r := range c.table.Load().Ranges() {
		master, ok := c.gossip.Node(r.NodeID)
		if !ok {
			continue
		}
		var replicas []gossip.Node
		for _, rep := range c.gossip.ReplicasOf(r.NodeID) {
			if rep.Status != gossip.StatusFailed {
				replicas = append(replicas, rep)
			}
		}
		sort.Slice(replicas, func(i, j int) bool { return replicas[i].ID < replicas[j].ID })
		out = append(out, SlotRange{Start: r.Start, End: r.End, Master: master, Replicas: replicas})
	}
	return out
}
