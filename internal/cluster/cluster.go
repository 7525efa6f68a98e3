// Package cluster ties the subsystems of one node together: slot map,
// membership, replication, failover and slot migration.
package cluster

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/10yihang/slotkv/internal/cluster/failover"
	"github.com/10yihang/slotkv/internal/cluster/gossip"
	"github.com/10yihang/slotkv/internal/cluster/migration"
	"github.com/10yihang/slotkv/internal/cluster/replication"
	"github.com/10yihang/slotkv/internal/cluster/router"
	"github.com/10yihang/slotkv/internal/cluster/slots"
	"github.com/10yihang/slotkv/internal/cluster/state"
	"github.com/10yihang/slotkv/internal/cluster/transport"
	"github.com/10yihang/slotkv/internal/metrics"
	"github.com/10yihang/slotkv/internal/store"
	"github.com/10yihang/slotkv/pkg/errors"
)

type ClusterState int

const (
	ClusterStateOK ClusterState = iota
	ClusterStateFail
)

func (s ClusterState) String() string {
	switch s {
	case ClusterStateOK:
		return "ok"
	case ClusterStateFail:
		return "fail"
	default:
		return "unknown"
	}
}

type Config struct {
	NodeID string
	// BindAddr is the listen address. AnnounceIP is what peers and clients
	// are told; it defaults to BindAddr, or loopback for a wildcard bind.
	BindAddr    string
	AnnounceIP  string
	Port        int
	ClusterPort int
	Seeds       []string

	DataDir      string
	PersistState bool

	Gossip      gossip.Config
	Failover    failover.Config
	Replication replication.Config
	Migration   migration.Config
}

func DefaultConfig() *Config {
	return &Config{
		BindAddr:    "127.0.0.1",
		Port:        6379,
		ClusterPort: 16379,
		Gossip:      gossip.DefaultConfig(),
		Failover:    failover.DefaultConfig(),
		Replication: replication.DefaultConfig(),
		Migration:   migration.DefaultConfig(),
	}
}

func (cfg *Config) announceIP() string {
	if cfg.AnnounceIP != "" {
		return cfg.AnnounceIP
	}
	if cfg.BindAddr == "" || cfg.BindAddr == "0.0.0.0" || cfg.BindAddr == "::" {
		return "127.0.0.1"
	}
	return cfg.BindAddr
}

type Cluster struct {
	cfg    *Config
	logger *zap.Logger
	selfID string

	table        *slots.Table
	store        *store.Store
	bus          *transport.Server
	gossip       *gossip.Gossip
	repl         *replication.Engine
	failover     *failover.Coordinator
	migration    *migration.Coordinator
	router       *router.ClusterRouter
	stateManager *state.StateManager

	// mu serializes role and ownership transitions.
	mu             sync.Mutex
	restoredMaster string
}

// NewCluster builds a node around st. When cfg.PersistState is set the node
// ID, slot map and peers are reloaded from cfg.DataDir.
func NewCluster(cfg *Config, st *store.Store, logger *zap.Logger) (*Cluster, error) {
	if cfg.ClusterPort == 0 {
		cfg.ClusterPort = cfg.Port + 10000
	}
	logger = logger.Named("cluster")

	var (
		sm    *state.StateManager
		saved *state.PersistentState
		err   error
	)
	if cfg.PersistState && cfg.DataDir != "" {
		sm, err = state.NewStateManager(filepath.Join(cfg.DataDir, "cluster-state"), logger)
		if err != nil {
			return nil, err
		}
		saved, err = sm.Read()
		if err != nil {
			logger.Warn("discarding unreadable cluster state", zap.Error(err))
			saved = nil
		}
	}

	id := cfg.NodeID
	if id == "" && saved != nil {
		id = saved.NodeID
	}
	if id == "" {
		id = generateNodeID()
	}
	if saved != nil && saved.NodeID != id {
		logger.Warn("persisted state belongs to another node, ignoring",
			zap.String("persisted", saved.NodeID), zap.String("node", id))
		saved = nil
	}

	table := slots.NewTable()
	self := gossip.Node{
		ID:          id,
		IP:          cfg.announceIP(),
		Port:        cfg.Port,
		ClusterPort: cfg.ClusterPort,
		Role:        gossip.RoleMaster,
		Priority:    cfg.Failover.Priority,
	}

	c := &Cluster{
		cfg:          cfg,
		logger:       logger.With(zap.String("node", gossip.ShortID(id))),
		selfID:       id,
		table:        table,
		store:        st,
		stateManager: sm,
	}
	c.bus = transport.NewServer(net.JoinHostPort(cfg.BindAddr, strconv.Itoa(cfg.ClusterPort)), logger)
	c.gossip = gossip.New(self, table, cfg.Gossip, logger)
	c.repl = replication.NewEngine(id, st, cfg.Replication, logger)
	c.gossip.SetOffsetSource(c.repl.CurrentOffset)
	c.failover = failover.New(cfg.Failover, c.gossip, table, c.repl.CurrentOffset, c.promote, logger)
	c.migration = migration.New(id, table, st, c, cfg.Migration, logger)
	c.migration.OnComplete(c.onMigrated)
	c.router = router.NewClusterRouter(table, c, st)

	c.gossip.Register(c.bus)
	c.repl.Register(c.bus)
	c.failover.Register(c.bus)

	c.gossip.SetEvents(gossip.Events{
		OnNodeJoin:      func(gossip.Node) { c.markDirty() },
		OnNodeFailed:    c.onNodeFailed,
		OnNodeRecovered: c.onNodeRecovered,
		OnSlotsChanged:  c.onSlotsChanged,
		OnEpochAdvanced: func(uint64) { c.markDirty() },
	})
	table.SetOnChange(c.onTableSwap)

	if sm != nil {
		sm.SetProvider(c)
		if saved != nil {
			if err := c.RestoreState(saved); err != nil {
				logger.Warn("failed to restore cluster state", zap.Error(err))
			} else {
				c.logger.Info("restored cluster state",
					zap.Uint64("epoch", saved.CurrentEpoch), zap.Int("peers", len(saved.Nodes)))
			}
		}
	}
	return c, nil
}

// Start opens the cluster bus, starts gossip and meets the seed nodes.
func (c *Cluster) Start(ctx context.Context) error {
	if err := c.bus.Start(); err != nil {
		return fmt.Errorf("start cluster bus: %w", err)
	}
	if err := c.gossip.Start(); err != nil {
		return fmt.Errorf("start gossip: %w", err)
	}
	for _, seed := range c.cfg.Seeds {
		if err := c.gossip.Meet(ctx, seed); err != nil {
			c.logger.Warn("failed to meet seed", zap.String("seed", seed), zap.Error(err))
		}
	}

	c.mu.Lock()
	master := c.restoredMaster
	c.restoredMaster = ""
	if master != "" {
		if n, ok := c.gossip.Node(master); ok {
			c.follow(n, true)
		}
	}
	c.mu.Unlock()

	c.logger.Info("cluster node started",
		zap.String("id", c.selfID), zap.String("bus", c.bus.Addr()))
	return nil
}

func (c *Cluster) Stop() error {
	c.migration.Stop()
	c.failover.Stop()
	c.repl.Stop()
	if err := c.gossip.Stop(); err != nil {
		c.logger.Warn("gossip stop", zap.Error(err))
	}
	if err := c.bus.Stop(); err != nil {
		c.logger.Warn("bus stop", zap.Error(err))
	}
	if c.stateManager != nil {
		return c.stateManager.Close()
	}
	return nil
}

func (c *Cluster) ID() string                            { return c.selfID }
func (c *Cluster) SelfID() string                        { return c.selfID }
func (c *Cluster) Self() gossip.Node                     { return c.gossip.Self() }
func (c *Cluster) Node(id string) (gossip.Node, bool)    { return c.gossip.Node(id) }
func (c *Cluster) Nodes() []gossip.Node                  { return c.gossip.Nodes() }
func (c *Cluster) SlotMap() *slots.Map                   { return c.table.Load() }
func (c *Cluster) Router() router.Router                 { return c.router }
func (c *Cluster) Replication() *replication.Engine      { return c.repl }
func (c *Cluster) Migrations() *migration.Coordinator    { return c.migration }
func (c *Cluster) Failover() *failover.Coordinator       { return c.failover }
func (c *Cluster) CurrentEpoch() uint64                  { return c.gossip.CurrentEpoch() }
func (c *Cluster) BusAddr() string                       { return c.bus.Addr() }
func (c *Cluster) IsMaster() bool                        { return c.gossip.Self().Role == gossip.RoleMaster }
func (c *Cluster) KeySlot(key string) uint16             { return slots.Resolve(key) }
func (c *Cluster) OwnerOf(slot uint16) string            { return c.table.OwnerOf(slot) }
func (c *Cluster) SetMigrationDialer(d migration.Dialer) { c.migration.SetDialer(d) }

// NodeAddr implements router.Topology.
func (c *Cluster) NodeAddr(id string) (string, bool) {
	n, ok := c.gossip.Node(id)
	if !ok {
		return "", false
	}
	return n.Addr(), n.Status != gossip.StatusFailed
}

// ClientAddr implements migration.Directory.
func (c *Cluster) ClientAddr(id string) (string, bool) {
	n, ok := c.gossip.Node(id)
	if !ok {
		return "", false
	}
	return n.Addr(), true
}

// State is ok when every slot has an owner that is not marked failed.
func (c *Cluster) State() ClusterState {
	m := c.table.Load()
	if m.Assigned() < slots.Count {
		return ClusterStateFail
	}
	for id := range m.Owners() {
		if id == c.selfID {
			continue
		}
		n, ok := c.gossip.Node(id)
		if !ok || n.Status == gossip.StatusFailed {
			return ClusterStateFail
		}
	}
	return ClusterStateOK
}

// ClusterInfo carries the fields reported by CLUSTER INFO.
type ClusterInfo struct {
	State         ClusterState
	SlotsAssigned int
	SlotsOK       int
	SlotsPFail    int
	SlotsFail     int
	KnownNodes    int
	Size          int
	CurrentEpoch  uint64
	MyEpoch       uint64

	// ElectionRole is this node's part in failover right now. While it is a
	// candidate, ElectionEpoch and ElectionVotes describe the running round.
	ElectionRole  failover.Role
	ElectionEpoch uint64
	ElectionVotes int
}

func (c *Cluster) Info() ClusterInfo {
	m := c.table.Load()
	info := ClusterInfo{
		State:        c.State(),
		CurrentEpoch: c.gossip.CurrentEpoch(),
		MyEpoch:      c.gossip.Self().ConfigEpoch,
		KnownNodes:   len(c.gossip.Nodes()),
		ElectionRole: c.failover.Role(),
	}
	if vote, ok := c.failover.CurrentVote(); ok {
		info.ElectionEpoch = vote.Epoch
		for _, granted := range vote.Votes {
			if granted {
				info.ElectionVotes++
			}
		}
	}
	for id, n := range m.Owners() {
		info.SlotsAssigned += n
		info.Size++
		status := gossip.StatusAlive
		if id != c.selfID {
			node, ok := c.gossip.Node(id)
			if !ok {
				status = gossip.StatusFailed
			} else {
				status = node.Status
			}
		}
		switch status {
		case gossip.StatusSuspect:
			info.SlotsPFail += n
		case gossip.StatusFailed:
			info.SlotsFail += n
		default:
			info.SlotsOK += n
		}
	}
	return info
}

// AddSlots claims unassigned slots for this node under a fresh epoch.
func (c *Cluster) AddSlots(list []uint16) error {
	if !c.IsMaster() {
		return errors.ErrNotMaster
	}
	m := c.table.Load()
	seen := make(map[uint16]struct{}, len(list))
	for _, s := range list {
		if int(s) >= slots.Count {
			return fmt.Errorf("invalid slot %d", s)
		}
		if _, dup := seen[s]; dup {
			return fmt.Errorf("slot %d specified multiple times", s)
		}
		seen[s] = struct{}{}
		if m.OwnerOf(s) != "" {
			return fmt.Errorf("slot %d is already busy", s)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	epoch := c.gossip.BumpEpoch()
	_, err := c.table.Update(func(b *slots.Builder) error {
		for _, s := range list {
			if b.Map().OwnerOf(s) != "" {
				return fmt.Errorf("slot %d is already busy", s)
			}
			b.Assign(s, c.selfID, epoch)
		}
		return nil
	})
	if err != nil {
		return err
	}
	c.refreshConfigEpoch()
	c.gossip.Broadcast()
	c.logger.Info("claimed slots", zap.Int("count", len(list)), zap.Uint64("epoch", epoch))
	return nil
}

func (c *Cluster) AddSlotsRange(start, end uint16) error {
	if start > end {
		return fmt.Errorf("invalid slot range %d-%d", start, end)
	}
	list := make([]uint16, 0, int(end-start)+1)
	for s := int(start); s <= int(end); s++ {
		list = append(list, uint16(s))
	}
	return c.AddSlots(list)
}

// Meet introduces the node at ip:busPort. A zero busPort means port+10000.
func (c *Cluster) Meet(ctx context.Context, ip string, port, busPort int) error {
	if busPort == 0 {
		busPort = port + 10000
	}
	return c.gossip.Meet(ctx, net.JoinHostPort(ip, strconv.Itoa(busPort)))
}

func (c *Cluster) Forget(id string) error {
	if id == c.selfID {
		return fmt.Errorf("I tried hard but I can't forget myself")
	}
	if n := c.gossip.Self(); n.MasterID == id {
		return fmt.Errorf("can't forget my master")
	}
	return c.gossip.Forget(id)
}

// Replicate turns this node into a replica of masterID.
func (c *Cluster) Replicate(masterID string) error {
	if masterID == c.selfID {
		return fmt.Errorf("can't replicate myself")
	}
	n, ok := c.gossip.Node(masterID)
	if !ok {
		return fmt.Errorf("%w: %s", errors.ErrUnknownNode, masterID)
	}
	if n.Role != gossip.RoleMaster {
		return fmt.Errorf("I can only replicate a master, not a replica")
	}
	if c.table.Load().CountOf(c.selfID) > 0 {
		return fmt.Errorf("to set a master the node must be empty and without assigned slots")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.follow(n, true)
	return nil
}

// MigrateSlot starts moving slot to dest in the background.
func (c *Cluster) MigrateSlot(slot uint16, dest string) error {
	if !c.IsMaster() {
		return errors.ErrNotMaster
	}
	return c.migration.Start(slot, dest)
}

// SetSlot handles CLUSTER SETSLOT. For NODE it returns the epoch the slot is
// now held at.
func (c *Cluster) SetSlot(slot uint16, action, nodeID string) (uint64, error) {
	if int(slot) >= slots.Count {
		return 0, fmt.Errorf("invalid slot %d", slot)
	}
	e := c.table.Load().Entry(slot)

	switch action {
	case "IMPORTING":
		if e.Owner == c.selfID {
			return 0, fmt.Errorf("I'm already the owner of hash slot %d", slot)
		}
		if _, ok := c.gossip.Node(nodeID); !ok {
			return 0, fmt.Errorf("%w: %s", errors.ErrUnknownNode, nodeID)
		}
		// Keys left by an earlier, aborted import are stale.
		if n := c.store.DropSlot(slot); n > 0 {
			c.logger.Info("dropped stale keys before import", zap.Uint16("slot", slot), zap.Int("keys", n))
		}
		_, err := c.table.Update(func(b *slots.Builder) error {
			b.SetImporting(slot, nodeID)
			return nil
		})
		return e.Epoch, err

	case "MIGRATING":
		if e.Owner != c.selfID {
			return 0, errors.ErrNotOwner
		}
		if _, ok := c.gossip.Node(nodeID); !ok {
			return 0, fmt.Errorf("%w: %s", errors.ErrUnknownNode, nodeID)
		}
		gate := c.store.SlotGate(slot)
		gate.Lock()
		defer gate.Unlock()
		_, err := c.table.Update(func(b *slots.Builder) error {
			b.SetMigrating(slot, nodeID)
			return nil
		})
		return e.Epoch, err

	case "STABLE":
		if e.State == slots.Stable {
			return e.Epoch, nil
		}
		_, err := c.table.Update(func(b *slots.Builder) error {
			b.SetStable(slot)
			return nil
		})
		if err == nil && e.State == slots.Importing {
			c.store.DropSlot(slot)
		}
		return e.Epoch, err

	case "NODE":
		return c.setSlotNode(slot, nodeID)
	}
	return 0, fmt.Errorf("invalid CLUSTER SETSLOT action %q", action)
}

func (c *Cluster) setSlotNode(slot uint16, nodeID string) (uint64, error) {
	if nodeID == c.selfID {
		c.mu.Lock()
		defer c.mu.Unlock()

		epoch := c.gossip.BumpEpoch()
		if _, err := c.table.Update(func(b *slots.Builder) error {
			b.Assign(slot, c.selfID, epoch)
			return nil
		}); err != nil {
			return 0, err
		}
		c.refreshConfigEpoch()
		c.gossip.Broadcast()
		c.logger.Info("took ownership of slot", zap.Uint16("slot", slot), zap.Uint64("epoch", epoch))
		return epoch, nil
	}

	if _, ok := c.gossip.Node(nodeID); !ok {
		return 0, fmt.Errorf("%w: %s", errors.ErrUnknownNode, nodeID)
	}
	e := c.table.Load().Entry(slot)
	if e.Owner == c.selfID && c.store.CountKeysInSlot(slot) > 0 {
		return 0, fmt.Errorf("can't assign hash slot %d to a different node while I still hold keys for it", slot)
	}
	// Ownership itself arrives with the new owner's claim.
	if e.State != slots.Stable {
		if _, err := c.table.Update(func(b *slots.Builder) error {
			b.SetStable(slot)
			return nil
		}); err != nil {
			return 0, err
		}
	}
	return e.Epoch, nil
}

// follow makes this node a replica of n. Callers hold c.mu.
func (c *Cluster) follow(n gossip.Node, fullSync bool) {
	c.gossip.UpdateSelf(func(self *gossip.Node) {
		self.Role = gossip.RoleReplica
		self.MasterID = n.ID
		self.ConfigEpoch = 0
	})
	c.repl.BecomeReplica(n.ID, n.ClusterAddr(), fullSync)
	c.gossip.Broadcast()
	c.markDirty()
	c.logger.Info("following master",
		zap.String("master", gossip.ShortID(n.ID)), zap.Bool("full_sync", fullSync))
}

// refreshConfigEpoch sets the advertised config epoch to the highest epoch
// among this node's claims.
func (c *Cluster) refreshConfigEpoch() {
	var top uint64
	for _, cl := range c.table.Load().ClaimsOf(c.selfID) {
		if cl.Epoch > top {
			top = cl.Epoch
		}
	}
	c.gossip.UpdateSelf(func(n *gossip.Node) {
		if n.Role == gossip.RoleMaster {
			n.ConfigEpoch = top
		}
	})
}

// promote is the failover.Promoter: take over every slot of failed at epoch.
func (c *Cluster) promote(ctx context.Context, epoch uint64, failed string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	owned := c.table.Load().SlotsOf(failed)
	c.repl.BecomeMaster()
	c.gossip.UpdateSelf(func(n *gossip.Node) {
		n.Role = gossip.RoleMaster
		n.MasterID = ""
		n.ConfigEpoch = epoch
	})
	_, err := c.table.Update(func(b *slots.Builder) error {
		for _, s := range owned {
			if b.Map().OwnerOf(s) == failed {
				b.Assign(s, c.selfID, epoch)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	c.gossip.Broadcast()
	c.markDirty()
	c.logger.Warn("promoted to master",
		zap.String("failed", gossip.ShortID(failed)),
		zap.Int("slots", len(owned)), zap.Uint64("epoch", epoch))
	return nil
}

func (c *Cluster) onNodeFailed(n gossip.Node) {
	c.logger.Warn("node marked failed",
		zap.String("peer", gossip.ShortID(n.ID)), zap.Stringer("role", n.Role))
	c.markDirty()
	c.failover.HandleMasterFailed(n.ID)
}

func (c *Cluster) onNodeRecovered(n gossip.Node) {
	c.logger.Info("node recovered", zap.String("peer", gossip.ShortID(n.ID)))
}

// onSlotsChanged reacts to ownership learned through gossip.
func (c *Cluster) onSlotsChanged(res slots.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var reclaim []uint16
	yielded := make(map[string][]slots.Claim)
	for _, cf := range res.Conflicts {
		if cf.Winner != c.selfID && cf.Loser != c.selfID {
			continue
		}
		c.logger.Error("slot ownership conflict", zap.Error(&errors.SplitBrainError{
			Slot: cf.Slot, Epoch: cf.Epoch, Winner: cf.Winner, Loser: cf.Loser,
		}))
		if cf.Winner == c.selfID {
			reclaim = append(reclaim, cf.Slot)
		} else {
			yielded[cf.Winner] = append(yielded[cf.Winner],
				slots.Claim{Start: cf.Slot, End: cf.Slot, Owner: c.selfID, Epoch: cf.Epoch})
		}
	}
	if len(reclaim) > 0 {
		c.reclaim(reclaim)
	}
	// The winner may never have seen our claim; make sure it does.
	for winner, lost := range yielded {
		c.gossip.ReportConflict(winner, lost)
	}

	lostTo := make(map[string]int)
	masterLostTo := make(map[string]int)
	self := c.gossip.Self()
	dropped := 0
	for _, ch := range res.Changes {
		if ch.OldOwner == c.selfID && ch.NewOwner != c.selfID {
			lostTo[ch.NewOwner]++
			dropped += c.store.DropSlot(ch.Slot)
		}
		if self.Role == gossip.RoleReplica && ch.OldOwner == self.MasterID && ch.NewOwner != "" {
			masterLostTo[ch.NewOwner]++
		}
	}

	m := c.table.Load()
	if len(lostTo) > 0 {
		lost := 0
		for _, n := range lostTo {
			lost += n
		}
		c.logger.Warn("lost slot ownership",
			zap.Int("slots", lost), zap.Int("keys_dropped", dropped))
		if self.Role == gossip.RoleMaster && m.CountOf(c.selfID) == 0 {
			if n, ok := c.gossip.Node(busiest(lostTo)); ok {
				c.follow(n, true)
			}
		}
	}

	if self.Role == gossip.RoleReplica && len(masterLostTo) > 0 && m.CountOf(self.MasterID) == 0 {
		next := busiest(masterLostTo)
		if next != c.selfID {
			if n, ok := c.gossip.Node(next); ok {
				c.follow(n, false)
			}
		}
	}

	c.refreshConfigEpoch()
	c.markDirty()
}

// reclaim re-asserts slots this node kept after a conflict so the losing
// side sees a strictly newer claim. Callers hold c.mu.
func (c *Cluster) reclaim(list []uint16) {
	epoch := c.gossip.BumpEpoch()
	if _, err := c.table.Update(func(b *slots.Builder) error {
		for _, s := range list {
			if b.Map().OwnerOf(s) == c.selfID {
				b.Assign(s, c.selfID, epoch)
			}
		}
		return nil
	}); err != nil {
		c.logger.Error("failed to reclaim slots", zap.Error(err))
		return
	}
	c.refreshConfigEpoch()
	c.gossip.Broadcast()
}

func (c *Cluster) onMigrated(slot uint16, dest string, epoch uint64) {
	c.mu.Lock()
	c.refreshConfigEpoch()
	c.mu.Unlock()
	c.gossip.Broadcast()
	c.markDirty()
}

// onTableSwap runs under the slot table lock.
func (c *Cluster) onTableSwap(_, cur *slots.Map) {
	metrics.SlotMapEpoch.Set(float64(cur.Epoch()))
	c.markDirty()
}

func (c *Cluster) markDirty() {
	if c.stateManager != nil {
		c.stateManager.MarkDirty()
	}
}

func parseRole(s string) gossip.Role {
	if s == gossip.RoleReplica.String() {
		return gossip.RoleReplica
	}
	return gossip.RoleMaster
}

func busiest(counts map[string]int) string {
	var best string
	for id, n := range counts {
		if best == "" || n > counts[best] || (n == counts[best] && id < best) {
			best = id
		}
	}
	return best
}

// CaptureState implements state.Provider.
func (c *Cluster) CaptureState() *state.PersistentState {
	self := c.gossip.Self()
	ps := &state.PersistentState{
		NodeID:       c.selfID,
		Role:         self.Role.String(),
		MasterID:     self.MasterID,
		CurrentEpoch: c.gossip.CurrentEpoch(),
		SlotMap:      c.table.Load().Snapshot(),
	}
	for _, n := range c.gossip.Nodes() {
		ps.Nodes = append(ps.Nodes, state.NodeInfo{
			ID:          n.ID,
			IP:          n.IP,
			Port:        n.Port,
			ClusterPort: n.ClusterPort,
			Role:        n.Role.String(),
			MasterID:    n.MasterID,
			ConfigEpoch: n.ConfigEpoch,
		})
	}
	return ps
}

// RestoreState implements state.Provider. A node that was a replica resumes
// following its master once Start runs.
func (c *Cluster) RestoreState(ps *state.PersistentState) error {
	m, err := slots.FromSnapshot(ps.SlotMap)
	if err != nil {
		return fmt.Errorf("restore slot map: %w", err)
	}
	c.table.Restore(m)
	c.gossip.ObserveEpoch(ps.CurrentEpoch)

	for _, ni := range ps.Nodes {
		if ni.ID == c.selfID {
			continue
		}
		c.gossip.AddNode(gossip.Node{
			ID:          ni.ID,
			IP:          ni.IP,
			Port:        ni.Port,
			ClusterPort: ni.ClusterPort,
			Role:        parseRole(ni.Role),
			MasterID:    ni.MasterID,
			ConfigEpoch: ni.ConfigEpoch,
		})
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if parseRole(ps.Role) == gossip.RoleReplica && ps.MasterID != "" {
		c.gossip.UpdateSelf(func(n *gossip.Node) {
			n.Role = gossip.RoleReplica
			n.MasterID = ps.MasterID
		})
		c.restoredMaster = ps.MasterID
	}
	c.refreshConfigEpoch()
	return nil
}
