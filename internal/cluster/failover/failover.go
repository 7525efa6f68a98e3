// Package failover turns a master failure into the promotion of exactly one of
// its replicas. It is a single-round, majority-vote protocol per failure
// event, not a replicated log: a candidate asks every slot-owning master for
// a vote under a fresh epoch and promotes itself once a majority agrees.
package failover

import (
	"context"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/10yihang/slotkv/internal/cluster/gossip"
	"github.com/10yihang/slotkv/internal/cluster/slots"
	"github.com/10yihang/slotkv/internal/cluster/transport"
	"github.com/10yihang/slotkv/internal/metrics"
	"github.com/10yihang/slotkv/pkg/errors"
)

// Role is the part this node currently plays in elections.
type Role int

const (
	RoleIdle Role = iota
	RoleCandidate
	RoleVoter
)

func (r Role) String() string {
	switch r {
	case RoleCandidate:
		return "candidate"
	case RoleVoter:
		return "voter"
	default:
		return "idle"
	}
}

type Config struct {
	NodeTimeout     time.Duration
	ElectionTimeout time.Duration
	MaxRetries      int
	// Priority ranks this node as a candidate: lower wins, 0 never promotes.
	Priority int
	// BaseDelay is the fixed part of the delay before a replica asks for votes.
	BaseDelay time.Duration
	// RankDelay is added per better-ranked sibling replica.
	RankDelay time.Duration
}

func DefaultConfig() Config {
	return Config{
		NodeTimeout:     15 * time.Second,
		ElectionTimeout: 2 * time.Second,
		MaxRetries:      5,
		Priority:        100,
		BaseDelay:       500 * time.Millisecond,
		RankDelay:       time.Second,
	}
}

// Membership is the view of the cluster the coordinator needs.
type Membership interface {
	SelfID() string
	Self() gossip.Node
	Node(id string) (gossip.Node, bool)
	ReplicasOf(masterID string) []gossip.Node
	MastersWithSlots() []gossip.Node
	QuorumSize() int
	CurrentEpoch() uint64
	ObserveEpoch(e uint64)
	BumpEpoch() uint64
}

// Promoter takes over the slots of failedMaster at epoch.
type Promoter func(ctx context.Context, epoch uint64, failedMaster string) error

// AuthRequest asks a master for its vote.
type AuthRequest struct {
	CandidateID    string
	FailedMasterID string
	Epoch          uint64
	Offset         uint64
}

// AuthAck is a master's answer to an AuthRequest.
type AuthAck struct {
	VoterID      string
	Epoch        uint64
	CurrentEpoch uint64
	Granted      bool
	Reason       string
}

// VoteRecord is the in-memory tally of one election round.
type VoteRecord struct {
	CandidateID string
	Epoch       uint64
	Votes       map[string]bool
}

type Coordinator struct {
	cfg     Config
	logger  *zap.Logger
	members Membership
	table   *slots.Table
	offset  func() uint64
	promote Promoter

	mu            sync.Mutex
	lastVoteEpoch uint64
	votedFor      map[string]time.Time
	running       bool
	current       *VoteRecord

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, members Membership, table *slots.Table, offset func() uint64,
	promote Promoter, logger *zap.Logger) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	return &Coordinator{
		cfg:      cfg,
		logger:   logger.Named("failover"),
		members:  members,
		table:    table,
		offset:   offset,
		promote:  promote,
		votedFor: make(map[string]time.Time),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Register attaches the vote handler to the cluster bus.
func (c *Coordinator) Register(srv *transport.Server) {
	srv.Handle(transport.KindFailover, c.serve)
}

func (c *Coordinator) Stop() {
	c.cancel()
	c.wg.Wait()
}

func (c *Coordinator) Role() Role {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return RoleCandidate
	}
	for _, t := range c.votedFor {
		if time.Since(t) < 2*c.cfg.NodeTimeout {
			return RoleVoter
		}
	}
	return RoleIdle
}

// CurrentVote returns a copy of the tally of the running election, if any.
func (c *Coordinator) CurrentVote() (VoteRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return VoteRecord{}, false
	}
	v := VoteRecord{CandidateID: c.current.CandidateID, Epoch: c.current.Epoch, Votes: make(map[string]bool)}
	for k, ok := range c.current.Votes {
		v.Votes[k] = ok
	}
	return v, true
}

func (c *Coordinator) serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(transport.DialTimeout))
	var req AuthRequest
	if err := transport.ReadMsg(conn, &req); err != nil {
		c.logger.Debug("read vote request", zap.Error(err))
		return
	}
	ack := c.HandleAuthRequest(req)
	if err := transport.WriteMsg(conn, &ack); err != nil {
		c.logger.Debug("write vote", zap.Error(err))
	}
}

// HandleAuthRequest decides whether this master votes for the candidate.
func (c *Coordinator) HandleAuthRequest(req AuthRequest) AuthAck {
	c.members.ObserveEpoch(req.Epoch)

	selfID := c.members.SelfID()
	ack := AuthAck{VoterID: selfID, Epoch: req.Epoch}
	deny := func(reason string) AuthAck {
		ack.CurrentEpoch = c.members.CurrentEpoch()
		ack.Reason = reason
		c.logger.Info("vote denied", zap.String("candidate", gossip.ShortID(req.CandidateID)),
			zap.Uint64("epoch", req.Epoch), zap.String("reason", reason))
		return ack
	}

	self := c.members.Self()
	if !self.IsMaster() || c.table.Load().CountOf(selfID) == 0 {
		return deny("not a voting master")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if req.Epoch < c.members.CurrentEpoch() {
		return deny("stale epoch")
	}
	if c.lastVoteEpoch >= req.Epoch {
		return deny("already voted in this epoch")
	}

	master, ok := c.members.Node(req.FailedMasterID)
	if !ok {
		return deny("unknown master")
	}
	if master.Status != gossip.StatusFailed {
		return deny("master is not failed")
	}
	cand, ok := c.members.Node(req.CandidateID)
	if !ok || cand.Role != gossip.RoleReplica || cand.MasterID != req.FailedMasterID {
		return deny("candidate is not a replica of the failed master")
	}

	now := time.Now()
	if t, ok := c.votedFor[req.FailedMasterID]; ok && now.Sub(t) < 2*c.cfg.NodeTimeout {
		return deny("already voted for a replica of this master")
	}

	for _, sib := range c.members.ReplicasOf(req.FailedMasterID) {
		if sib.ID == req.CandidateID || sib.Status == gossip.StatusFailed {
			continue
		}
		if sib.ReplOffset > req.Offset {
			return deny("candidate offset is stale")
		}
	}

	c.lastVoteEpoch = req.Epoch
	c.votedFor[req.FailedMasterID] = now
	ack.Granted = true
	ack.CurrentEpoch = c.members.CurrentEpoch()

	c.logger.Info("vote granted", zap.String("candidate", gossip.ShortID(req.CandidateID)),
		zap.String("master", gossip.ShortID(req.FailedMasterID)), zap.Uint64("epoch", req.Epoch))
	return ack
}

// HandleMasterFailed starts an election when failed is this node's master.
func (c *Coordinator) HandleMasterFailed(failed string) {
	self := c.members.Self()
	if self.Role != gossip.RoleReplica || self.MasterID != failed {
		return
	}

	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			c.running = false
			c.current = nil
			c.mu.Unlock()
		}()

		if err := c.runElection(c.ctx, failed); err != nil {
			c.logger.Error("failover did not complete", zap.String("master", gossip.ShortID(failed)),
				zap.Error(err))
		}
	}()
}

// rank counts sibling replicas better placed to take over: a higher offset,
// then a lower non-zero priority, then a smaller ID.
func (c *Coordinator) rank(failed string, myOffset uint64, myPriority int) int {
	selfID := c.members.SelfID()
	rank := 0
	for _, sib := range c.members.ReplicasOf(failed) {
		if sib.ID == selfID || sib.Status == gossip.StatusFailed || sib.Priority == 0 {
			continue
		}
		switch {
		case sib.ReplOffset > myOffset:
			rank++
		case sib.ReplOffset < myOffset:
		case sib.Priority < myPriority:
			rank++
		case sib.Priority == myPriority && sib.ID < selfID:
			rank++
		}
	}
	return rank
}

func (c *Coordinator) electionDelay(rank int) time.Duration {
	jitter := time.Duration(rand.Int63n(int64(c.cfg.BaseDelay) + 1))
	return c.cfg.BaseDelay + jitter + time.Duration(rank)*c.cfg.RankDelay
}

// stillNeeded reports whether failed still awaits a failover by this node.
func (c *Coordinator) stillNeeded(failed string) bool {
	self := c.members.Self()
	if self.Role != gossip.RoleReplica || self.MasterID != failed {
		return false
	}
	master, ok := c.members.Node(failed)
	if !ok || master.Status != gossip.StatusFailed {
		return false
	}
	return c.table.Load().CountOf(failed) > 0
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *Coordinator) runElection(ctx context.Context, failed string) error {
	priority := c.cfg.Priority
	if priority == 0 {
		c.logger.Info("replica priority is 0, not a failover candidate")
		return nil
	}

	rank := c.rank(failed, c.offset(), priority)
	delay := c.electionDelay(rank)
	c.logger.Info("scheduling election", zap.String("master", gossip.ShortID(failed)),
		zap.Int("rank", rank), zap.Duration("delay", delay))
	if err := sleepCtx(ctx, delay); err != nil {
		return err
	}

	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		if !c.stillNeeded(failed) {
			c.logger.Info("election no longer needed", zap.String("master", gossip.ShortID(failed)))
			return nil
		}

		epoch := c.members.BumpEpoch()
		err := c.round(ctx, epoch, failed)
		if err == nil {
			metrics.RecordElection("won")
			return c.promote(ctx, epoch, failed)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var qt *errors.QuorumTimeoutError
		switch {
		case errors.As(err, &qt):
			metrics.RecordElection("timeout")
		case errors.Is(err, errors.ErrElectionAbandoned):
			metrics.RecordElection("abandoned")
		}
		c.logger.Warn("election round failed", zap.Int("attempt", attempt), zap.Error(err))

		backoff := time.Duration(rand.Int63n(int64(c.cfg.ElectionTimeout) + 1))
		if err := sleepCtx(ctx, c.cfg.ElectionTimeout/2+backoff); err != nil {
			return err
		}
	}

	metrics.RecordElection("exhausted")
	slot := uint16(0)
	if owned := c.table.Load().SlotsOf(failed); len(owned) > 0 {
		slot = owned[0]
	}
	return &errors.ClusterDownError{Slot: slot, Reason: "failover retries exhausted"}
}

// round runs one vote collection at epoch.
func (c *Coordinator) round(ctx context.Context, epoch uint64, failed string) error {
	selfID := c.members.SelfID()
	req := AuthRequest{
		CandidateID:    selfID,
		FailedMasterID: failed,
		Epoch:          epoch,
		Offset:         c.offset(),
	}
	needed := c.members.QuorumSize()

	record := &VoteRecord{CandidateID: selfID, Epoch: epoch, Votes: make(map[string]bool)}
	c.mu.Lock()
	c.current = record
	c.mu.Unlock()

	c.logger.Info("requesting votes", zap.Uint64("epoch", epoch), zap.Int("needed", needed),
		zap.Uint64("offset", req.Offset))

	roundCtx, cancel := context.WithTimeout(ctx, c.cfg.ElectionTimeout)
	defer cancel()

	var granted atomic.Int32
	var higher atomic.Uint64
	g, gctx := errgroup.WithContext(roundCtx)
	for _, m := range c.members.MastersWithSlots() {
		if m.ID == failed || m.ID == selfID {
			continue
		}
		g.Go(func() error {
			var ack AuthAck
			err := transport.Request(gctx, m.ClusterAddr(), transport.KindFailover, &req, &ack, c.cfg.ElectionTimeout)
			if err != nil {
				c.logger.Debug("vote request failed", zap.String("voter", gossip.ShortID(m.ID)), zap.Error(err))
				return nil
			}
			if ack.CurrentEpoch > epoch {
				higher.Store(ack.CurrentEpoch)
			}
			ok := ack.Granted && ack.Epoch == epoch
			c.mu.Lock()
			record.Votes[m.ID] = ok
			c.mu.Unlock()
			if ok && int(granted.Add(1)) >= needed {
				cancel()
			}
			return nil
		})
	}
	g.Wait()

	if e := higher.Load(); e > epoch {
		c.members.ObserveEpoch(e)
	}
	votes := int(granted.Load())
	if votes >= needed {
		c.logger.Info("election won", zap.Uint64("epoch", epoch), zap.Int("votes", votes))
		return nil
	}
	if c.members.CurrentEpoch() > epoch {
		return errors.ErrElectionAbandoned
	}
	return &errors.QuorumTimeoutError{Epoch: epoch, Votes: votes, Needed: needed}
}
