// Package gossip maintains the membership table and runs failure detection.
// Nodes periodically exchange heartbeats carrying their own slot claims, a
// sample of the peers they know, and their slot map epoch; a peer that falls
// behind is sent the full map.
package gossip

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/10yihang/slotkv/internal/cluster/slots"
	"github.com/10yihang/slotkv/internal/cluster/transport"
	"github.com/10yihang/slotkv/internal/metrics"
	"github.com/10yihang/slotkv/pkg/errors"
)

type Config struct {
	NodeTimeout        time.Duration
	PingInterval       time.Duration
	FailReportValidity time.Duration
	ForgetTTL          time.Duration
	Fanout             int
}

func DefaultConfig() Config {
	return Config{
		NodeTimeout:        15 * time.Second,
		PingInterval:       time.Second,
		FailReportValidity: 30 * time.Second,
		ForgetTTL:          60 * time.Second,
		Fanout:             3,
	}
}

// Events are invoked outside of the membership lock.
type Events struct {
	OnNodeJoin      func(n Node)
	OnNodeFailed    func(n Node)
	OnNodeRecovered func(n Node)
	OnSlotsChanged  func(res slots.Result)
	OnEpochAdvanced func(epoch uint64)
}

type Gossip struct {
	cfg    Config
	logger *zap.Logger
	table  *slots.Table
	selfID string

	mu           sync.RWMutex
	nodes        map[string]*Node
	blacklist    map[string]time.Time
	currentEpoch uint64
	stopped      bool

	offsetFn func() uint64
	events   Events

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(self Node, table *slots.Table, cfg Config, logger *zap.Logger) *Gossip {
	ctx, cancel := context.WithCancel(context.Background())

	if cfg.Fanout <= 0 {
		cfg.Fanout = 3
	}
	if cfg.ForgetTTL <= 0 {
		cfg.ForgetTTL = 60 * time.Second
	}

	n := self
	n.Status = StatusAlive
	n.LastSeen = time.Now()
	if n.FailReports == nil {
		n.FailReports = make(map[string]time.Time)
	}

	g := &Gossip{
		cfg:       cfg,
		logger:    logger.Named("gossip"),
		table:     table,
		selfID:    self.ID,
		nodes:     make(map[string]*Node),
		blacklist: make(map[string]time.Time),
		ctx:       ctx,
		cancel:    cancel,
	}
	g.nodes[self.ID] = &n
	return g
}

// Register attaches the gossip handler to the cluster bus.
func (g *Gossip) Register(srv *transport.Server) {
	srv.Handle(transport.KindGossip, g.handleConn)
}

func (g *Gossip) SetEvents(e Events) {
	g.mu.Lock()
	g.events = e
	g.mu.Unlock()
}

// SetOffsetSource supplies the replication offset advertised for self.
func (g *Gossip) SetOffsetSource(fn func() uint64) {
	g.mu.Lock()
	g.offsetFn = fn
	g.mu.Unlock()
}

func (g *Gossip) Start() error {
	g.wg.Add(1)
	go g.pingLoop()

	g.wg.Add(1)
	go g.failureDetectionLoop()

	return nil
}

func (g *Gossip) Stop() error {
	g.mu.Lock()
	g.stopped = true
	g.mu.Unlock()

	g.cancel()
	g.wg.Wait()
	return nil
}

// spawn runs fn in a tracked goroutine. It does nothing once Stop was called.
func (g *Gossip) spawn(fn func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped {
		return
	}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		fn()
	}()
}

// Meet introduces this node to the node whose cluster bus listens on addr.
func (g *Gossip) Meet(ctx context.Context, addr string) error {
	msg := g.newMessage(MsgMeet)
	var resp Message
	metrics.RecordGossip(MsgMeet.String(), "out")
	if err := transport.Request(ctx, addr, transport.KindGossip, msg, &resp, g.requestTimeout()); err != nil {
		return err
	}
	if resp.Type != MsgPong || resp.NodeInfo == nil {
		return fmt.Errorf("meet %s: unexpected reply %s", addr, resp.Type)
	}
	g.handlePong(ctx, addr, &resp)

	g.logger.Info("met node", zap.String("addr", addr), zap.String("node", ShortID(resp.Sender)))
	return nil
}

// Forget removes a node from the table and ignores it for ForgetTTL.
func (g *Gossip) Forget(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	self := g.nodes[g.selfID]
	if id == g.selfID {
		return fmt.Errorf("can't forget myself")
	}
	if id == self.MasterID {
		return fmt.Errorf("can't forget my master")
	}
	if _, ok := g.nodes[id]; !ok {
		return fmt.Errorf("%w: %s", errors.ErrUnknownNode, id)
	}

	delete(g.nodes, id)
	for _, n := range g.nodes {
		delete(n.FailReports, id)
	}
	g.blacklist[id] = time.Now().Add(g.cfg.ForgetTTL)
	g.logger.Info("node forgotten", zap.String("node", ShortID(id)))
	return nil
}

// AddNode seeds the table with a peer known from persisted state. The peer
// counts as just seen, so it gets a full node timeout to answer a ping.
func (g *Gossip) AddNode(n Node) {
	if n.ID == "" || n.ID == g.selfID {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.nodes[n.ID]; ok {
		return
	}
	n.Status = StatusAlive
	n.LastSeen = time.Now()
	n.FailReports = make(map[string]time.Time)
	g.nodes[n.ID] = &n
}

func (g *Gossip) blacklisted(id string, now time.Time) bool {
	until, ok := g.blacklist[id]
	return ok && now.Before(until)
}

func (g *Gossip) Self() Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.nodes[g.selfID].clone()
}

func (g *Gossip) SelfID() string {
	return g.selfID
}

// UpdateSelf mutates the local node entry under the membership lock.
func (g *Gossip) UpdateSelf(fn func(n *Node)) {
	g.mu.Lock()
	fn(g.nodes[g.selfID])
	g.mu.Unlock()
}

func (g *Gossip) Node(id string) (Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if n, ok := g.nodes[id]; ok {
		return n.clone(), true
	}
	return Node{}, false
}

func (g *Gossip) Nodes() []Node {
	g.mu.RLock()
	defer g.mu.RUnlock()

	nodes := make([]Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		nodes = append(nodes, n.clone())
	}
	return nodes
}

// ReplicasOf returns the known replicas of masterID.
func (g *Gossip) ReplicasOf(masterID string) []Node {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []Node
	for _, n := range g.nodes {
		if n.Role == RoleReplica && n.MasterID == masterID {
			out = append(out, n.clone())
		}
	}
	return out
}

// MastersWithSlots returns the masters that own at least one slot.
func (g *Gossip) MastersWithSlots() []Node {
	owners := g.table.Load().Owners()

	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []Node
	for id := range owners {
		if n, ok := g.nodes[id]; ok && n.Role == RoleMaster {
			out = append(out, n.clone())
		}
	}
	return out
}

// QuorumSize is the strict majority of masters owning slots.
func (g *Gossip) QuorumSize() int {
	return len(g.MastersWithSlots())/2 + 1
}

func (g *Gossip) CurrentEpoch() uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.currentEpoch
}

// ObserveEpoch raises the cluster epoch to e if it is higher.
func (g *Gossip) ObserveEpoch(e uint64) {
	g.mu.Lock()
	advanced := e > g.currentEpoch
	if advanced {
		g.currentEpoch = e
	}
	fn := g.events.OnEpochAdvanced
	g.mu.Unlock()

	if advanced && fn != nil {
		fn(e)
	}
}

// BumpEpoch increments and returns the cluster epoch.
func (g *Gossip) BumpEpoch() uint64 {
	g.mu.Lock()
	if te := g.table.Epoch(); te > g.currentEpoch {
		g.currentEpoch = te
	}
	g.currentEpoch++
	e := g.currentEpoch
	g.mu.Unlock()
	return e
}

func (g *Gossip) requestTimeout() time.Duration {
	t := g.cfg.NodeTimeout / 2
	if t > 2*time.Second {
		t = 2 * time.Second
	}
	if t < 100*time.Millisecond {
		t = 100 * time.Millisecond
	}
	return t
}

func (g *Gossip) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(g.requestTimeout()))

	var msg Message
	if err := transport.ReadMsg(conn, &msg); err != nil {
		g.logger.Debug("read gossip message", zap.Error(err))
		return
	}
	metrics.RecordGossip(msg.Type.String(), "in")

	g.mu.RLock()
	ignored := g.blacklisted(msg.Sender, time.Now())
	g.mu.RUnlock()
	if ignored {
		return
	}

	switch msg.Type {
	case MsgPing, MsgMeet:
		g.handlePing(conn, &msg)
	case MsgFail:
		g.ObserveEpoch(msg.CurrentEpoch)
		g.handleFail(&msg)
	case MsgUpdate:
		g.handleHeartbeat(&msg)
		if msg.SlotMap != nil {
			g.applySlotMap(msg.SlotMap)
		}
	case MsgConflict:
		g.handleConflict(&msg)
	}
}

func (g *Gossip) handlePing(conn net.Conn, msg *Message) {
	g.handleHeartbeat(msg)

	pong := g.newMessage(MsgPong)
	local := g.table.Epoch()
	if msg.SlotMapEpoch < local {
		snap := g.table.Load().Snapshot()
		pong.SlotMap = &snap
	} else if msg.SlotMapEpoch > local {
		pong.NeedFull = true
	}

	metrics.RecordGossip(MsgPong.String(), "out")
	if err := transport.WriteMsg(conn, pong); err != nil {
		g.logger.Debug("write pong", zap.String("node", ShortID(msg.Sender)), zap.Error(err))
	}
}

func (g *Gossip) handlePong(ctx context.Context, addr string, msg *Message) {
	g.mu.Lock()
	if node, ok := g.nodes[msg.Sender]; ok {
		node.PongReceived = time.Now()
	}
	g.mu.Unlock()

	g.handleHeartbeat(msg)
	if msg.SlotMap != nil {
		g.applySlotMap(msg.SlotMap)
	}
	if msg.NeedFull {
		g.sendUpdate(ctx, addr)
	}
}

func (g *Gossip) applySlotMap(snap *slots.Snapshot) {
	m, err := slots.FromSnapshot(*snap)
	if err != nil {
		g.logger.Warn("invalid slot map received", zap.Error(err))
		return
	}
	res, applied := g.table.ApplyUpdate(m)
	if !applied {
		return
	}
	g.ObserveEpoch(m.Epoch())
	g.logger.Debug("slot map advanced", zap.Uint64("epoch", g.table.Epoch()),
		zap.Int("changes", len(res.Changes)))
	g.fireSlots(res)
}

func (g *Gossip) fireSlots(res slots.Result) {
	if !res.Changed() && len(res.Conflicts) == 0 {
		return
	}
	metrics.SlotMapEpoch.Set(float64(g.table.Epoch()))

	g.mu.RLock()
	fn := g.events.OnSlotsChanged
	g.mu.RUnlock()
	if fn != nil {
		fn(res)
	}
}

// handleHeartbeat merges the sender's own state and its gossip section.
func (g *Gossip) handleHeartbeat(msg *Message) {
	g.ObserveEpoch(msg.CurrentEpoch)

	info := msg.NodeInfo
	if info == nil || info.ID == "" || info.ID == g.selfID {
		return
	}

	now := time.Now()
	var joined, recovered []Node

	g.mu.Lock()
	if g.blacklisted(info.ID, now) {
		g.mu.Unlock()
		return
	}

	node, exists := g.nodes[info.ID]
	if !exists {
		node = &Node{ID: info.ID, FailReports: make(map[string]time.Time)}
		g.nodes[info.ID] = node
		joined = append(joined, node.clone())
		g.logger.Info("discovered node", zap.String("node", ShortID(info.ID)),
			zap.String("addr", fmt.Sprintf("%s:%d", info.IP, info.Port)))
	}

	node.IP = info.IP
	node.Port = info.Port
	node.ClusterPort = info.ClusterPort
	node.MasterID = info.MasterID
	node.ConfigEpoch = info.ConfigEpoch
	node.HeartbeatEpoch = msg.CurrentEpoch
	node.ReplOffset = info.ReplOffset
	node.Priority = info.Priority
	if info.Flags&NodeFlagMaster != 0 {
		node.Role = RoleMaster
		node.MasterID = ""
	} else {
		node.Role = RoleReplica
	}
	node.LastSeen = now

	switch node.Status {
	case StatusSuspect:
		node.Status = StatusAlive
		g.logger.Info("node reachable again", zap.String("node", ShortID(node.ID)))
	case StatusFailed:
		if g.canClearFailure(node, now) {
			node.Status = StatusAlive
			node.FailedAt = time.Time{}
			node.FailReports = make(map[string]time.Time)
			recovered = append(recovered, node.clone())
			g.logger.Info("clearing FAIL state", zap.String("node", ShortID(node.ID)))
		}
	}

	senderIsMaster := node.Role == RoleMaster
	for _, gi := range msg.GossipNodes {
		if gi == nil || gi.ID == "" || gi.ID == g.selfID || g.blacklisted(gi.ID, now) {
			continue
		}
		peer, ok := g.nodes[gi.ID]
		if !ok {
			peer = &Node{
				ID:          gi.ID,
				IP:          gi.IP,
				Port:        gi.Port,
				ClusterPort: gi.ClusterPort,
				MasterID:    gi.MasterID,
				ReplOffset:  gi.ReplOffset,
				Priority:    gi.Priority,
				Role:        RoleMaster,
				LastSeen:    now,
				FailReports: make(map[string]time.Time),
			}
			if gi.Flags&NodeFlagReplica != 0 {
				peer.Role = RoleReplica
			}
			g.nodes[gi.ID] = peer
			joined = append(joined, peer.clone())
			g.logger.Info("discovered node via gossip", zap.String("node", ShortID(gi.ID)),
				zap.String("from", ShortID(info.ID)))
		}
		if !senderIsMaster {
			continue
		}
		if gi.Flags&(NodeFlagPFail|NodeFlagFail) != 0 {
			peer.FailReports[info.ID] = now
		} else {
			delete(peer.FailReports, info.ID)
		}
	}
	fns := g.events
	g.mu.Unlock()

	if senderIsMaster && len(info.Claims) > 0 {
		g.fireSlots(g.table.ApplyClaims(info.ID, info.Claims))
	}

	for _, n := range joined {
		if fns.OnNodeJoin != nil {
			fns.OnNodeJoin(n)
		}
	}
	for _, n := range recovered {
		if fns.OnNodeRecovered != nil {
			fns.OnNodeRecovered(n)
		}
	}
}

// canClearFailure reports whether a reachable Failed node may be considered
// alive again: it no longer serves slots, or nobody failed it over in time.
func (g *Gossip) canClearFailure(n *Node, now time.Time) bool {
	if n.Role == RoleReplica {
		return true
	}
	if g.table.Load().CountOf(n.ID) == 0 {
		return true
	}
	return now.Sub(n.FailedAt) > 2*g.cfg.NodeTimeout
}

func (g *Gossip) handleFail(msg *Message) {
	g.mu.Lock()
	node, ok := g.nodes[msg.FailNodeID]
	if !ok || msg.FailNodeID == g.selfID || node.Status == StatusFailed {
		g.mu.Unlock()
		return
	}
	node.Status = StatusFailed
	node.FailedAt = time.Now()
	failed := node.clone()
	fn := g.events.OnNodeFailed
	g.mu.Unlock()

	g.logger.Warn("node marked FAIL by peer", zap.String("node", ShortID(msg.FailNodeID)),
		zap.String("reporter", ShortID(msg.Sender)))

	if fn != nil {
		fn(failed)
	}
}

func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	return d*4/5 + time.Duration(rand.Int63n(int64(d)*2/5+1))
}

func (g *Gossip) pingLoop() {
	defer g.wg.Done()

	timer := time.NewTimer(jitter(g.cfg.PingInterval))
	defer timer.Stop()

	for {
		select {
		case <-g.ctx.Done():
			return
		case <-timer.C:
			g.pingRound()
			timer.Reset(jitter(g.cfg.PingInterval))
		}
	}
}

// pingRound pings a random subset of peers, plus any peer whose last pong is
// older than half the node timeout.
func (g *Gossip) pingRound() {
	now := time.Now()
	half := g.cfg.NodeTimeout / 2

	g.mu.RLock()
	var peers []*Node
	for _, n := range g.nodes {
		if n.ID != g.selfID {
			peers = append(peers, n)
		}
	}
	rand.Shuffle(len(peers), func(i, j int) { peers[i], peers[j] = peers[j], peers[i] })

	targets := make(map[string]string)
	for i, n := range peers {
		stale := now.Sub(n.PongReceived) > half && now.Sub(n.PingSent) > half
		if i < g.cfg.Fanout || stale {
			targets[n.ID] = n.ClusterAddr()
		}
	}
	g.mu.RUnlock()

	var wg sync.WaitGroup
	for id, addr := range targets {
		wg.Add(1)
		go func(id, addr string) {
			defer wg.Done()
			g.pingNode(id, addr)
		}(id, addr)
	}
	wg.Wait()
}

func (g *Gossip) pingNode(id, addr string) {
	g.mu.Lock()
	if n, ok := g.nodes[id]; ok {
		n.PingSent = time.Now()
	}
	g.mu.Unlock()

	msg := g.newMessage(MsgPing)
	var resp Message
	metrics.RecordGossip(MsgPing.String(), "out")
	if err := transport.Request(g.ctx, addr, transport.KindGossip, msg, &resp, g.requestTimeout()); err != nil {
		g.logger.Debug("ping failed", zap.String("node", ShortID(id)), zap.Error(err))
		return
	}
	metrics.RecordGossip(resp.Type.String(), "in")
	if resp.Type == MsgPong {
		g.handlePong(g.ctx, addr, &resp)
	}
}

func (g *Gossip) sendUpdate(ctx context.Context, addr string) {
	msg := g.newMessage(MsgUpdate)
	snap := g.table.Load().Snapshot()
	msg.SlotMap = &snap
	metrics.RecordGossip(MsgUpdate.String(), "out")
	if err := transport.Send(ctx, addr, transport.KindGossip, msg); err != nil {
		g.logger.Debug("send update", zap.String("addr", addr), zap.Error(err))
	}
}

// Broadcast pushes self state and the full slot map to every known node. Used
// right after a local ownership change so peers need not wait for a ping.
func (g *Gossip) Broadcast() {
	g.mu.RLock()
	var addrs []string
	for _, n := range g.nodes {
		if n.ID != g.selfID && n.Status != StatusFailed {
			addrs = append(addrs, n.ClusterAddr())
		}
	}
	g.mu.RUnlock()

	for _, addr := range addrs {
		g.spawn(func() { g.sendUpdate(g.ctx, addr) })
	}
}

// ReportConflict tells winner that this node gave up the lost claims in an
// equal epoch tie. The winner then re-asserts them under a newer epoch.
func (g *Gossip) ReportConflict(winner string, lost []slots.Claim) {
	n, ok := g.Node(winner)
	if !ok || len(lost) == 0 {
		return
	}
	msg := g.newMessage(MsgConflict)
	msg.Disputed = lost
	addr := n.ClusterAddr()
	g.spawn(func() {
		metrics.RecordGossip(MsgConflict.String(), "out")
		if err := transport.Send(g.ctx, addr, transport.KindGossip, msg); err != nil {
			g.logger.Debug("send conflict", zap.String("node", ShortID(winner)), zap.Error(err))
		}
	})
}

func (g *Gossip) handleConflict(msg *Message) {
	g.ObserveEpoch(msg.CurrentEpoch)
	g.fireSlots(g.table.ApplyClaims(msg.Sender, msg.Disputed))
}

func (g *Gossip) failureDetectionLoop() {
	defer g.wg.Done()

	interval := g.cfg.PingInterval / 2
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-g.ctx.Done():
			return
		case <-ticker.C:
			g.checkNodeFailures()
		}
	}
}

func (g *Gossip) checkNodeFailures() {
	now := time.Now()
	quorum := g.QuorumSize()
	selfVotes := 0
	if owners := g.table.Load().Owners(); owners[g.selfID] > 0 {
		selfVotes = 1
	}

	var failed []Node
	counts := make(map[Status]int)

	g.mu.Lock()
	for id, until := range g.blacklist {
		if now.After(until) {
			delete(g.blacklist, id)
		}
	}
	for _, node := range g.nodes {
		if node.ID == g.selfID {
			counts[StatusAlive]++
			continue
		}

		if node.Status == StatusAlive && now.Sub(node.LastSeen) > g.cfg.NodeTimeout {
			node.Status = StatusSuspect
			g.logger.Info("node marked as PFAIL", zap.String("node", ShortID(node.ID)),
				zap.Duration("silent", now.Sub(node.LastSeen)))
		}

		if node.Status == StatusSuspect {
			reports := node.countFailReports(now, g.cfg.FailReportValidity) + selfVotes
			if reports >= quorum {
				node.Status = StatusFailed
				node.FailedAt = now
				failed = append(failed, node.clone())
				g.logger.Warn("node marked as FAIL", zap.String("node", ShortID(node.ID)),
					zap.Int("reports", reports), zap.Int("quorum", quorum))
			}
		}
		counts[node.Status]++
	}
	fn := g.events.OnNodeFailed
	g.mu.Unlock()

	for _, s := range []Status{StatusAlive, StatusSuspect, StatusFailed} {
		metrics.KnownNodes.WithLabelValues(s.String()).Set(float64(counts[s]))
	}

	for _, n := range failed {
		g.broadcastFail(n.ID)
		if fn != nil {
			fn(n)
		}
	}
}

func (g *Gossip) broadcastFail(failNodeID string) {
	g.mu.RLock()
	var addrs []string
	for _, n := range g.nodes {
		if n.ID != g.selfID && n.ID != failNodeID && n.Status == StatusAlive {
			addrs = append(addrs, n.ClusterAddr())
		}
	}
	g.mu.RUnlock()

	msg := g.newMessage(MsgFail)
	msg.FailNodeID = failNodeID

	for _, addr := range addrs {
		g.spawn(func() {
			metrics.RecordGossip(MsgFail.String(), "out")
			if err := transport.Send(g.ctx, addr, transport.KindGossip, msg); err != nil {
				g.logger.Debug("send fail", zap.String("addr", addr), zap.Error(err))
			}
		})
	}
}

func (g *Gossip) newMessage(t MessageType) *Message {
	m := g.table.Load()

	g.mu.RLock()
	offsetFn := g.offsetFn
	g.mu.RUnlock()
	var offset uint64
	if offsetFn != nil {
		offset = offsetFn()
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	self := g.nodes[g.selfID]
	info := infoOf(self)
	if offsetFn != nil {
		info.ReplOffset = offset
	}
	if self.Role == RoleMaster {
		info.Claims = m.ClaimsOf(g.selfID)
	}

	return &Message{
		Type:         t,
		Sender:       g.selfID,
		CurrentEpoch: g.currentEpoch,
		SlotMapEpoch: m.Epoch(),
		NodeInfo:     info,
		GossipNodes:  g.gossipSection(),
	}
}

// gossipSection samples known peers, always including suspected and failed
// ones so fail reports spread quickly.
func (g *Gossip) gossipSection() []*NodeInfo {
	var urgent, rest []*NodeInfo
	for _, n := range g.nodes {
		if n.ID == g.selfID {
			continue
		}
		if n.Status != StatusAlive {
			urgent = append(urgent, infoOf(n))
		} else {
			rest = append(rest, infoOf(n))
		}
	}

	rand.Shuffle(len(rest), func(i, j int) { rest[i], rest[j] = rest[j], rest[i] })
	want := g.cfg.Fanout
	if want < len(g.nodes)/10 {
		want = len(g.nodes) / 10
	}
	if len(rest) > want {
		rest = rest[:want]
	}
	return append(urgent, rest...)
}
