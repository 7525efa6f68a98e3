// Package commands implements the CLUSTER command family.
package commands

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/redcon"

	"github.com/10yihang/slotkv/internal/cluster"
	"github.com/10yihang/slotkv/internal/cluster/slots"
	"github.com/10yihang/slotkv/internal/store"
	"github.com/10yihang/slotkv/pkg/errors"
)

type ClusterHandler struct {
	cluster *cluster.Cluster
	store   *store.Store
}

func NewClusterHandler(c *cluster.Cluster, st *store.Store) *ClusterHandler {
	return &ClusterHandler{cluster: c, store: st}
}

// HandleCluster runs CLUSTER <subcommand> and reports whether it succeeded.
func (h *ClusterHandler) HandleCluster(ctx context.Context, conn redcon.Conn, args [][]byte) bool {
	if len(args) == 0 {
		WrongArgs(conn, "cluster")
		return false
	}

	sub := strings.ToUpper(string(args[0]))
	args = args[1:]

	var err error
	switch sub {
	case "INFO":
		h.clusterInfo(conn)
	case "NODES":
		conn.WriteBulkString(h.cluster.NodesDescription())
	case "SLOTS":
		h.clusterSlots(conn)
	case "MYID":
		conn.WriteBulkString(h.cluster.ID())
	case "EPOCH":
		conn.WriteInt64(int64(h.cluster.CurrentEpoch()))
	case "KEYSLOT":
		err = h.clusterKeySlot(conn, args)
	case "COUNTKEYSINSLOT":
		err = h.clusterCountKeysInSlot(conn, args)
	case "GETKEYSINSLOT":
		err = h.clusterGetKeysInSlot(conn, args)
	case "MEET":
		err = h.clusterMeet(ctx, conn, args)
	case "ADDSLOTS":
		err = h.clusterAddSlots(conn, args)
	case "ADDSLOTSRANGE":
		err = h.clusterAddSlotsRange(conn, args)
	case "FORGET":
		err = h.clusterForget(conn, args)
	case "REPLICATE":
		err = h.clusterReplicate(conn, args)
	case "SETSLOT":
		err = h.clusterSetSlot(conn, args)
	case "MIGRATE":
		err = h.clusterMigrate(conn, args)
	case "MIGRATIONS":
		h.clusterMigrations(conn)
	default:
		conn.WriteError("ERR unknown subcommand '" + strings.ToLower(sub) + "'")
		return false
	}

	if err != nil {
		WriteError(conn, err)
		return false
	}
	return true
}

var errArgs = errors.ErrInvalidArgs

func parseSlot(b []byte) (uint16, error) {
	n, err := strconv.ParseUint(string(b), 10, 16)
	if err != nil || n >= slots.Count {
		return 0, fmt.Errorf("invalid or out of range slot %q", b)
	}
	return uint16(n), nil
}

func (h *ClusterHandler) clusterInfo(conn redcon.Conn) {
	info := h.cluster.Info()

	var b strings.Builder
	fmt.Fprintf(&b, "cluster_enabled:1\r\n")
	fmt.Fprintf(&b, "cluster_state:%s\r\n", info.State)
	fmt.Fprintf(&b, "cluster_slots_assigned:%d\r\n", info.SlotsAssigned)
	fmt.Fprintf(&b, "cluster_slots_ok:%d\r\n", info.SlotsOK)
	fmt.Fprintf(&b, "cluster_slots_pfail:%d\r\n", info.SlotsPFail)
	fmt.Fprintf(&b, "cluster_slots_fail:%d\r\n", info.SlotsFail)
	fmt.Fprintf(&b, "cluster_known_nodes:%d\r\n", info.KnownNodes)
	fmt.Fprintf(&b, "cluster_size:%d\r\n", info.Size)
	fmt.Fprintf(&b, "cluster_current_epoch:%d\r\n", info.CurrentEpoch)
	fmt.Fprintf(&b, "cluster_my_epoch:%d\r\n", info.MyEpoch)
	fmt.Fprintf(&b, "cluster_election_role:%s\r\n", info.ElectionRole)
	if info.ElectionEpoch > 0 {
		fmt.Fprintf(&b, "cluster_election_epoch:%d\r\n", info.ElectionEpoch)
		fmt.Fprintf(&b, "cluster_election_votes:%d\r\n", info.ElectionVotes)
	}
	conn.WriteBulkString(b.String())
}

func (h *ClusterHandler) clusterSlots(conn redcon.Conn) {
	ranges := h.cluster.SlotRanges()

	conn.WriteArray(len(ranges))
	for _, r := range ranges {
		conn.WriteArray(3 + len(r.Replicas))
		conn.WriteInt64(int64(r.Start))
		conn.WriteInt64(int64(r.End))

		conn.WriteArray(3)
		conn.WriteBulkString(r.Master.IP)
		conn.WriteInt(r.Master.Port)
		conn.WriteBulkString(r.Master.ID)
		for _, rep := range r.Replicas {
			conn.WriteArray(3)
			conn.WriteBulkString(rep.IP)
			conn.WriteInt(rep.Port)
			conn.WriteBulkString(rep.ID)
		}
	}
}

func (h *ClusterHandler) clusterKeySlot(conn redcon.Conn, args [][]byte) error {
	if len(args) != 1 {
		return errArgs
	}
	conn.WriteInt64(int64(slots.Resolve(string(args[0]))))
	return nil
}

func (h *ClusterHandler) clusterCountKeysInSlot(conn redcon.Conn, args [][]byte) error {
	if len(args) != 1 {
		return errArgs
	}
	slot, err := parseSlot(args[0])
	if err != nil {
		return err
	}
	conn.WriteInt(h.store.CountKeysInSlot(slot))
	return nil
}

func (h *ClusterHandler) clusterGetKeysInSlot(conn redcon.Conn, args [][]byte) error {
	if len(args) != 2 {
		return errArgs
	}
	slot, err := parseSlot(args[0])
	if err != nil {
		return err
	}
	count, err := strconv.Atoi(string(args[1]))
	if err != nil || count < 0 {
		return fmt.Errorf("invalid number of keys")
	}
	keys := h.store.KeysInSlot(slot, count)
	conn.WriteArray(len(keys))
	for _, k := range keys {
		conn.WriteBulkString(k)
	}
	return nil
}

// clusterMeet: MEET ip port [cluster-port].
func (h *ClusterHandler) clusterMeet(ctx context.Context, conn redcon.Conn, args [][]byte) error {
	if len(args) < 2 || len(args) > 3 {
		return errArgs
	}
	port, err := strconv.Atoi(string(args[1]))
	if err != nil || port <= 0 || port > 65535 {
		return fmt.Errorf("invalid node port %q", args[1])
	}
	var busPort int
	if len(args) == 3 {
		busPort, err = strconv.Atoi(string(args[2]))
		if err != nil || busPort <= 0 || busPort > 65535 {
			return fmt.Errorf("invalid bus port %q", args[2])
		}
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := h.cluster.Meet(ctx, string(args[0]), port, busPort); err != nil {
		return err
	}
	conn.WriteString("OK")
	return nil
}

func (h *ClusterHandler) clusterAddSlots(conn redcon.Conn, args [][]byte) error {
	if len(args) == 0 {
		return errArgs
	}
	list := make([]uint16, 0, len(args))
	for _, arg := range args {
		slot, err := parseSlot(arg)
		if err != nil {
			return err
		}
		list = append(list, slot)
	}
	if err := h.cluster.AddSlots(list); err != nil {
		return err
	}
	conn.WriteString("OK")
	return nil
}

func (h *ClusterHandler) clusterAddSlotsRange(conn redcon.Conn, args [][]byte) error {
	if len(args) == 0 || len(args)%2 != 0 {
		return errArgs
	}
	var list []uint16
	for i := 0; i < len(args); i += 2 {
		start, err := parseSlot(args[i])
		if err != nil {
			return err
		}
		end, err := parseSlot(args[i+1])
		if err != nil {
			return err
		}
		if start > end {
			return fmt.Errorf("start slot number %d is greater than end slot number %d", start, end)
		}
		for s := int(start); s <= int(end); s++ {
			list = append(list, uint16(s))
		}
	}
	if err := h.cluster.AddSlots(list); err != nil {
		return err
	}
	conn.WriteString("OK")
	return nil
}

func (h *ClusterHandler) clusterForget(conn redcon.Conn, args [][]byte) error {
	if len(args) != 1 {
		return errArgs
	}
	if err := h.cluster.Forget(string(args[0])); err != nil {
		return err
	}
	conn.WriteString("OK")
	return nil
}

func (h *ClusterHandler) clusterReplicate(conn redcon.Conn, args [][]byte) error {
	if len(args) != 1 {
		return errArgs
	}
	if err := h.cluster.Replicate(string(args[0])); err != nil {
		return err
	}
	conn.WriteString("OK")
	return nil
}

// clusterSetSlot: SETSLOT slot IMPORTING|MIGRATING|NODE id, or SETSLOT slot
// STABLE. NODE replies with the epoch the slot is held at.
func (h *ClusterHandler) clusterSetSlot(conn redcon.Conn, args [][]byte) error {
	if len(args) < 2 {
		return errArgs
	}
	slot, err := parseSlot(args[0])
	if err != nil {
		return err
	}
	action := strings.ToUpper(string(args[1]))

	var node string
	switch action {
	case "IMPORTING", "MIGRATING", "NODE":
		if len(args) != 3 {
			return errArgs
		}
		node = string(args[2])
	case "STABLE":
		if len(args) != 2 {
			return errArgs
		}
	default:
		return fmt.Errorf("invalid CLUSTER SETSLOT action or number of arguments")
	}

	epoch, err := h.cluster.SetSlot(slot, action, node)
	if err != nil {
		return err
	}
	if action == "NODE" {
		conn.WriteInt64(int64(epoch))
		return nil
	}
	conn.WriteString("OK")
	return nil
}

// clusterMigrate: MIGRATE slot node. The move runs in the background;
// MIGRATIONS reports its progress.
func (h *ClusterHandler) clusterMigrate(conn redcon.Conn, args [][]byte) error {
	if len(args) != 2 {
		return errArgs
	}
	slot, err := parseSlot(args[0])
	if err != nil {
		return err
	}
	if err := h.cluster.MigrateSlot(slot, string(args[1])); err != nil {
		return err
	}
	conn.WriteString("OK")
	return nil
}

func (h *ClusterHandler) clusterMigrations(conn redcon.Conn) {
	all := h.cluster.Migrations().All()
	conn.WriteArray(len(all))
	for _, p := range all {
		line := fmt.Sprintf("slot=%d target=%s status=%s keys=%d batches=%d retries=%d epoch=%d",
			p.Slot, p.Target, p.Status, p.MigratedKeys, p.Batches, p.Retries, p.Epoch)
		if p.LastError != "" {
			line += " error=" + strconv.Quote(p.LastError)
		}
		conn.WriteBulkString(line)
	}
}
