package protocol

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/redcon"
	"go.uber.org/zap"

	"github.com/10yihang/slotkv/internal/cluster"
	"github.com/10yihang/slotkv/internal/cluster/hash"
	"github.com/10yihang/slotkv/internal/cluster/replication"
	"github.com/10yihang/slotkv/internal/cluster/router"
	"github.com/10yihang/slotkv/internal/metrics"
	"github.com/10yihang/slotkv/internal/protocol/commands"
	"github.com/10yihang/slotkv/internal/store"
	"github.com/10yihang/slotkv/pkg/errors"
)

// Version is reported by INFO server and the build-info metric.
const Version = "0.3.0"

type CommandFunc func(ctx context.Context, conn redcon.Conn, args [][]byte)

type Handler struct {
	store          *store.Store
	cluster        *cluster.Cluster
	router         router.Router
	repl           *replication.Engine
	clusterHandler *commands.ClusterHandler
	logger         *zap.Logger
	commands       map[string]CommandFunc
	startTime      time.Time
}

// NewHandler serves st. With a nil cluster the node runs standalone: no
// routing, and CLUSTER commands are rejected.
func NewHandler(st *store.Store, c *cluster.Cluster, logger *zap.Logger) *Handler {
	h := &Handler{
		store:     st,
		cluster:   c,
		logger:    logger.Named("protocol"),
		commands:  make(map[string]CommandFunc),
		startTime: time.Now(),
	}
	if c != nil {
		h.router = c.Router()
		h.repl = c.Replication()
		h.clusterHandler = commands.NewClusterHandler(c, st)
	}
	h.registerCommands()
	return h
}

func (h *Handler) registerCommands() {
	h.commands["PING"] = h.cmdPing
	h.commands["ECHO"] = h.cmdEcho
	h.commands["QUIT"] = h.cmdQuit
	h.commands["COMMAND"] = h.cmdCommand
	h.commands["INFO"] = h.cmdInfo
	h.commands["CLIENT"] = h.cmdClient

	h.commands["GET"] = h.cmdGet
	h.commands["SET"] = h.cmdSet
	h.commands["DEL"] = h.cmdDel
	h.commands["EXISTS"] = h.cmdExists
	h.commands["DBSIZE"] = h.cmdDBSize
	h.commands["WAIT"] = h.cmdWait

	h.commands["ASKING"] = h.cmdAsking
	h.commands["RESTORE"] = h.cmdRestore
	h.commands["MIGRATE"] = h.cmdMigrate
}

// Execute runs one command. args[0] is the command name.
func (h *Handler) Execute(ctx context.Context, conn redcon.Conn, args [][]byte) {
	name := strings.ToUpper(string(args[0]))
	start := time.Now()
	status := h.execute(ctx, conn, name, args[1:])
	if status == "unknown" {
		name = "unknown"
	}
	metrics.RecordCommand(name, time.Since(start), status)
}

func (h *Handler) execute(ctx context.Context, conn redcon.Conn, name string, args [][]byte) string {
	if name == "CLUSTER" {
		if h.clusterHandler == nil {
			conn.WriteError("ERR This instance has cluster support disabled")
			return "error"
		}
		if !h.clusterHandler.HandleCluster(ctx, conn, args) {
			return "error"
		}
		return "ok"
	}

	fn, ok := h.commands[name]
	if !ok {
		conn.WriteError("ERR unknown command '" + strings.ToLower(name) + "'")
		return "unknown"
	}

	if name != "ASKING" {
		defer clearAsking(conn)
	}
	if keys := commandKeys(name, args); h.router != nil && len(keys) > 0 {
		// Holding the slot gate keeps a migration batch from moving keys
		// between the routing decision and the reply.
		gate := h.store.SlotGate(hash.KeySlotBytes(keys[0]))
		gate.RLock()
		defer gate.RUnlock()
		if status, ok := h.route(ctx, conn, keys); !ok {
			return status
		}
	}

	fn(ctx, conn, args)
	return "ok"
}

// route checks that keys are served here. When they are not, the redirect
// or error has been written and ok is false.
func (h *Handler) route(ctx context.Context, conn redcon.Conn, keys [][]byte) (string, bool) {
	asking := getConnState(conn).Asking
	var res router.RouteResult
	if len(keys) == 1 {
		res = h.router.Route(ctx, keys[0], asking)
	} else {
		res = h.router.RouteMulti(ctx, keys, asking)
	}
	err := res.Err()
	if err == nil {
		return "", true
	}

	var rerr *errors.RoutingError
	if errors.As(err, &rerr) {
		metrics.RecordRedirect(rerr.Kind.String())
		conn.WriteError(rerr.Error())
		return "redirect", false
	}
	commands.WriteError(conn, err)
	return "error", false
}

func (h *Handler) cmdPing(_ context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) == 0 {
		conn.WriteString("PONG")
	} else {
		conn.WriteBulk(args[0])
	}
}

func (h *Handler) cmdEcho(_ context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) != 1 {
		commands.WrongArgs(conn, "echo")
		return
	}
	conn.WriteBulk(args[0])
}

func (h *Handler) cmdQuit(_ context.Context, conn redcon.Conn, _ [][]byte) {
	conn.WriteString("OK")
	conn.Close()
}

func (h *Handler) cmdCommand(_ context.Context, conn redcon.Conn, _ [][]byte) {
	conn.WriteArray(0)
}

func (h *Handler) cmdClient(_ context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) == 0 {
		commands.WrongArgs(conn, "client")
		return
	}
	switch strings.ToUpper(string(args[0])) {
	case "GETNAME":
		conn.WriteNull()
	case "ID":
		conn.WriteInt(0)
	default:
		conn.WriteString("OK")
	}
}

func (h *Handler) cmdAsking(_ context.Context, conn redcon.Conn, _ [][]byte) {
	getConnState(conn).Asking = true
	conn.WriteString("OK")
}

func (h *Handler) cmdGet(_ context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) != 1 {
		commands.WrongArgs(conn, "get")
		return
	}
	rec, ok := h.store.Get(string(args[0]))
	if !ok {
		conn.WriteNull()
		return
	}
	conn.WriteBulk(rec.Value)
}

func (h *Handler) cmdSet(ctx context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) < 2 {
		commands.WrongArgs(conn, "set")
		return
	}
	if len(args) > 2 {
		conn.WriteError("ERR syntax error")
		return
	}

	h.store.Set(string(args[0]), args[1])
	if !h.awaitReplicas(ctx) {
		conn.WriteError("NOREPLICAS Write was not acknowledged by any replica in time")
		return
	}
	conn.WriteString("OK")
}

func (h *Handler) cmdDel(ctx context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) == 0 {
		commands.WrongArgs(conn, "del")
		return
	}
	keys := make([]string, len(args))
	for i, arg := range args {
		keys[i] = string(arg)
	}
	n := h.store.Del(keys...)
	if n > 0 && !h.awaitReplicas(ctx) {
		conn.WriteError("NOREPLICAS Write was not acknowledged by any replica in time")
		return
	}
	conn.WriteInt(n)
}

// awaitReplicas applies the replication ack mode to the write just made.
func (h *Handler) awaitReplicas(ctx context.Context) bool {
	if h.repl == nil {
		return true
	}
	return h.repl.AwaitWrite(ctx, h.repl.CurrentOffset())
}

func (h *Handler) cmdExists(_ context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) == 0 {
		commands.WrongArgs(conn, "exists")
		return
	}
	n := 0
	for _, arg := range args {
		if h.store.Exists(string(arg)) {
			n++
		}
	}
	conn.WriteInt(n)
}

func (h *Handler) cmdDBSize(_ context.Context, conn redcon.Conn, _ [][]byte) {
	conn.WriteInt64(h.store.Len())
}

// cmdWait blocks until numreplicas replicas acknowledged every write made so
// far, or timeout ms pass. A zero timeout waits until the server stops.
func (h *Handler) cmdWait(ctx context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) != 2 {
		commands.WrongArgs(conn, "wait")
		return
	}
	n, err := strconv.Atoi(string(args[0]))
	if err != nil || n < 0 {
		conn.WriteError("ERR value is not an integer or out of range")
		return
	}
	ms, err := strconv.ParseInt(string(args[1]), 10, 64)
	if err != nil || ms < 0 {
		conn.WriteError("ERR timeout is negative or not an integer")
		return
	}
	if h.repl == nil {
		conn.WriteInt(0)
		return
	}

	if ms > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(ms)*time.Millisecond)
		defer cancel()
	}
	conn.WriteInt(h.repl.WaitReplicas(ctx, n, h.repl.CurrentOffset()))
}

// cmdRestore installs a record copied by a slot migration:
// RESTORE key version value.
func (h *Handler) cmdRestore(_ context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) != 3 {
		commands.WrongArgs(conn, "restore")
		return
	}
	ver, err := strconv.ParseUint(string(args[1]), 10, 64)
	if err != nil {
		conn.WriteError("ERR invalid version")
		return
	}
	h.store.Restore(string(args[0]), args[2], ver)
	conn.WriteString("OK")
}

// cmdMigrate is the top-level form of CLUSTER MIGRATE: MIGRATE slot node.
func (h *Handler) cmdMigrate(ctx context.Context, conn redcon.Conn, args [][]byte) {
	if h.clusterHandler == nil {
		conn.WriteError("ERR This instance has cluster support disabled")
		return
	}
	h.clusterHandler.HandleCluster(ctx, conn, append([][]byte{[]byte("MIGRATE")}, args...))
}

func (h *Handler) cmdInfo(_ context.Context, conn redcon.Conn, args [][]byte) {
	section := "all"
	if len(args) > 0 {
		section = strings.ToLower(string(args[0]))
	}
	want := func(s string) bool { return section == "all" || section == "default" || section == s }

	var b strings.Builder
	if want("server") {
		b.WriteString("# Server\r\n")
		fmt.Fprintf(&b, "slotkv_version:%s\r\n", Version)
		fmt.Fprintf(&b, "go_version:%s\r\n", runtime.Version())
		fmt.Fprintf(&b, "uptime_in_seconds:%d\r\n", int64(time.Since(h.startTime).Seconds()))
		b.WriteString("\r\n")
	}
	if want("stats") {
		stats := h.store.GetStats()
		b.WriteString("# Stats\r\n")
		fmt.Fprintf(&b, "keyspace_hits:%d\r\n", stats.Hits.Load())
		fmt.Fprintf(&b, "keyspace_misses:%d\r\n", stats.Misses.Load())
		fmt.Fprintf(&b, "total_reads_processed:%d\r\n", stats.GetOps.Load())
		fmt.Fprintf(&b, "total_writes_processed:%d\r\n", stats.SetOps.Load()+stats.DelOps.Load())
		b.WriteString("\r\n")
	}
	if want("replication") && h.repl != nil {
		h.writeReplicationInfo(&b)
	}
	if want("cluster") {
		b.WriteString("# Cluster\r\n")
		if h.cluster != nil {
			b.WriteString("cluster_enabled:1\r\n")
		} else {
			b.WriteString("cluster_enabled:0\r\n")
		}
		b.WriteString("\r\n")
	}
	if want("keyspace") {
		b.WriteString("# Keyspace\r\n")
		fmt.Fprintf(&b, "db0:keys=%d,expires=0\r\n", h.store.Len())
	}
	conn.WriteBulkString(b.String())
}

func (h *Handler) writeReplicationInfo(b *strings.Builder) {
	info := h.repl.Info()
	b.WriteString("# Replication\r\n")
	if info.Role == replication.RoleMaster {
		b.WriteString("role:master\r\n")
		fmt.Fprintf(b, "connected_slaves:%d\r\n", len(info.Replicas))
		for i, r := range info.Replicas {
			fmt.Fprintf(b, "slave%d:id=%s,addr=%s,offset=%d,lag=%d\r\n",
				i, r.ID, r.Addr, r.Offset, int64(time.Since(r.LastAck).Seconds()))
		}
	} else {
		b.WriteString("role:slave\r\n")
		fmt.Fprintf(b, "master_id:%s\r\n", info.MasterID)
		fmt.Fprintf(b, "master_addr:%s\r\n", info.MasterAddr)
		link := "down"
		if info.LinkUp {
			link = "up"
		}
		fmt.Fprintf(b, "master_link_status:%s\r\n", link)
	}
	fmt.Fprintf(b, "master_replid:%s\r\n", info.ReplID)
	if info.PrevReplID != "" {
		fmt.Fprintf(b, "master_replid2:%s\r\n", info.PrevReplID)
		fmt.Fprintf(b, "second_repl_offset:%d\r\n", info.PrevOffset)
	}
	fmt.Fprintf(b, "master_repl_offset:%d\r\n", info.Offset)
	b.WriteString("\r\n")
}
