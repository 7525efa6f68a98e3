// Package replication streams each master's mutations to its replicas.
//
// A master appends every locally originated mutation to a bounded backlog
// while the owning slot lock is held, so stream order equals apply order.
// Replicas connect over the cluster bus, announce the replication ID and
// offset they hold, and either continue from the backlog or receive a full
// snapshot followed by the stream from the snapshot's offset. Entries carry
// absolute values, so replaying an entry already reflected in a snapshot is
// harmless.
package replication

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/10yihang/slotkv/internal/cluster/transport"
	"github.com/10yihang/slotkv/internal/metrics"
	"github.com/10yihang/slotkv/internal/store"
)

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

const (
	AckModeLocal   = "local"
	AckModeReplica = "replica"
)

type Config struct {
	BacklogSize      int
	AckMode          string
	AckTimeout       time.Duration
	AckInterval      time.Duration
	ReconnectBackoff time.Duration
	MaxBackoff       time.Duration
	SnapshotChunk    int
}

func DefaultConfig() Config {
	return Config{
		BacklogSize:      1 << 16,
		AckMode:          AckModeLocal,
		AckTimeout:       time.Second,
		AckInterval:      time.Second,
		ReconnectBackoff: 100 * time.Millisecond,
		MaxBackoff:       5 * time.Second,
		SnapshotChunk:    512,
	}
}

type replicaState struct {
	id      string
	addr    string
	offset  uint64
	lastAck time.Time
}

// ReplicaInfo describes a connected replica as seen by its master.
type ReplicaInfo struct {
	ID      string
	Addr    string
	Offset  uint64
	LastAck time.Time
}

// Info is a point-in-time view for INFO replication.
type Info struct {
	Role       Role
	ReplID     string
	PrevReplID string
	PrevOffset uint64
	Offset     uint64
	MasterID   string
	MasterAddr string
	LinkUp     bool
	Replicas   []ReplicaInfo
}

type Engine struct {
	cfg     Config
	logger  *zap.Logger
	selfID  string
	st      *store.Store
	backlog *Backlog

	mu         sync.RWMutex
	role       Role
	replID     string
	prevReplID string
	prevOffset uint64
	replicas   map[string]*replicaState
	ackNotify  chan struct{}
	// roleCtx ends every stream bound to the current role.
	roleCtx    context.Context
	roleCancel context.CancelFunc

	masterID   string
	masterAddr string
	linkUp     bool
	forceFull  bool
	replDone   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// NewEngine creates an engine in the master role and hooks it into st.
func NewEngine(selfID string, st *store.Store, cfg Config, logger *zap.Logger) *Engine {
	if cfg.SnapshotChunk <= 0 {
		cfg.SnapshotChunk = 512
	}
	if cfg.AckInterval <= 0 {
		cfg.AckInterval = time.Second
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = 100 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.ReconnectBackoff {
		cfg.MaxBackoff = cfg.ReconnectBackoff
	}

	ctx, cancel := context.WithCancel(context.Background())
	roleCtx, roleCancel := context.WithCancel(ctx)

	e := &Engine{
		cfg:        cfg,
		logger:     logger.Named("replication"),
		selfID:     selfID,
		st:         st,
		backlog:    NewBacklog(cfg.BacklogSize),
		role:       RoleMaster,
		replID:     uuid.NewString(),
		replicas:   make(map[string]*replicaState),
		ackNotify:  make(chan struct{}),
		roleCtx:    roleCtx,
		roleCancel: roleCancel,
		ctx:        ctx,
		cancel:     cancel,
	}
	st.SetHook(e.record)
	return e
}

// Register attaches the replication handler to the cluster bus.
func (e *Engine) Register(srv *transport.Server) {
	srv.Handle(transport.KindReplication, e.serveReplica)
}

// record is the store hook. It runs under the slot lock of m.
func (e *Engine) record(m store.Mutation) {
	e.mu.RLock()
	isMaster := e.role == RoleMaster
	e.mu.RUnlock()
	if !isMaster {
		return
	}
	entry := e.backlog.Append(m)
	metrics.ReplicationOffset.WithLabelValues(RoleMaster.String()).Set(float64(entry.Offset))
}

// CurrentOffset returns the last offset written (master) or applied (replica).
func (e *Engine) CurrentOffset() uint64 {
	return e.backlog.Offset()
}

func (e *Engine) Role() Role {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.role
}

func (e *Engine) ReplID() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.replID
}

func (e *Engine) Info() Info {
	e.mu.RLock()
	defer e.mu.RUnlock()

	info := Info{
		Role:       e.role,
		ReplID:     e.replID,
		PrevReplID: e.prevReplID,
		PrevOffset: e.prevOffset,
		Offset:     e.backlog.Offset(),
		MasterID:   e.masterID,
		MasterAddr: e.masterAddr,
		LinkUp:     e.linkUp,
	}
	for _, r := range e.replicas {
		info.Replicas = append(info.Replicas, ReplicaInfo{ID: r.id, Addr: r.addr, Offset: r.offset, LastAck: r.lastAck})
	}
	return info
}

// BecomeMaster promotes the engine. The stream continues from the applied
// offset under a fresh replication ID; the ID of the former master is kept
// so its other replicas can continue partially.
func (e *Engine) BecomeMaster() {
	e.stopReplicaLoop()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.role == RoleMaster {
		return
	}
	e.prevReplID = e.replID
	e.prevOffset = e.backlog.Offset()
	e.replID = uuid.NewString()
	e.role = RoleMaster
	e.masterID = ""
	e.masterAddr = ""
	e.linkUp = false
	e.resetRoleCtx()

	e.logger.Info("promoted to master", zap.String("repl_id", e.replID),
		zap.String("prev_repl_id", e.prevReplID), zap.Uint64("offset", e.prevOffset))
}

// BecomeReplica follows the master whose cluster bus is addr. With fullSync
// the next handshake requests a snapshot regardless of local history.
func (e *Engine) BecomeReplica(masterID, addr string, fullSync bool) {
	e.stopReplicaLoop()

	e.mu.Lock()
	if e.role == RoleMaster {
		e.replicas = make(map[string]*replicaState)
	}
	e.role = RoleReplica
	e.masterID = masterID
	e.masterAddr = addr
	e.linkUp = false
	e.forceFull = e.forceFull || fullSync
	e.resetRoleCtx()
	ctx := e.roleCtx
	done := make(chan struct{})
	e.replDone = done
	e.mu.Unlock()

	e.logger.Info("following master", zap.String("master", masterID), zap.String("addr", addr),
		zap.Bool("full_sync", fullSync))

	go func() {
		defer close(done)
		e.runReplica(ctx, addr)
	}()
}

func (e *Engine) resetRoleCtx() {
	e.roleCancel()
	e.roleCtx, e.roleCancel = context.WithCancel(e.ctx)
}

func (e *Engine) stopReplicaLoop() {
	e.mu.Lock()
	done := e.replDone
	e.replDone = nil
	if done != nil {
		e.roleCancel()
	}
	e.mu.Unlock()

	if done != nil {
		<-done
	}
}

// Stop ends every stream and the replica loop.
func (e *Engine) Stop() {
	e.stopReplicaLoop()
	e.cancel()
	e.st.SetHook(nil)
}

func (e *Engine) updateAck(id string, offset uint64) {
	e.mu.Lock()
	if r, ok := e.replicas[id]; ok && offset > r.offset {
		r.offset = offset
		r.lastAck = time.Now()
	}
	close(e.ackNotify)
	e.ackNotify = make(chan struct{})
	e.mu.Unlock()
}

func (e *Engine) countAcked(offset uint64) (int, <-chan struct{}) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	n := 0
	for _, r := range e.replicas {
		if r.offset >= offset {
			n++
		}
	}
	return n, e.ackNotify
}

// WaitReplicas blocks until numReplicas replicas acknowledged offset or ctx
// ends, and returns how many did.
func (e *Engine) WaitReplicas(ctx context.Context, numReplicas int, offset uint64) int {
	for {
		n, ch := e.countAcked(offset)
		if n >= numReplicas {
			return n
		}
		select {
		case <-ctx.Done():
			return n
		case <-ch:
		}
	}
}

// ConnectedReplicas returns the number of replicas streaming from this node.
func (e *Engine) ConnectedReplicas() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.replicas)
}

// AwaitWrite applies the configured ack mode to a write at offset. In
// replica mode it waits up to AckTimeout for one replica; it reports false
// when no replica confirmed in time.
func (e *Engine) AwaitWrite(ctx context.Context, offset uint64) bool {
	if e.cfg.AckMode != AckModeReplica || e.ConnectedReplicas() == 0 {
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.AckTimeout)
	defer cancel()
	return e.WaitReplicas(ctx, 1, offset) >= 1
}
