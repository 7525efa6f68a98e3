package failover

import (
	"context"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/10yihang/slotkv/internal/cluster/gossip"
	"github.com/10yihang/slotkv/internal/cluster/slots"
	"github.com/10yihang/slotkv/internal/cluster/transport"
	"github.com/10yihang/slotkv/pkg/errors"
)

// fakeMembers is a static membership table shared by the coordinators of a
// test cluster; every node sees the same nodes but keeps its own epoch.
type fakeMembers struct {
	mu     sync.Mutex
	selfID string
	nodes  map[string]gossip.Node
	table  *slots.Table
	epoch  uint64
}

func (f *fakeMembers) SelfID() string { return f.selfID }

func (f *fakeMembers) Self() gossip.Node {
	n, _ := f.Node(f.selfID)
	return n
}

func (f *fakeMembers) Node(id string) (gossip.Node, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[id]
	return n, ok
}

func (f *fakeMembers) ReplicasOf(masterID string) []gossip.Node {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []gossip.Node
	for _, n := range f.nodes {
		if n.Role == gossip.RoleReplica && n.MasterID == masterID {
			out = append(out, n)
		}
	}
	return out
}

func (f *fakeMembers) MastersWithSlots() []gossip.Node {
	owners := f.table.Load().Owners()
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []gossip.Node
	for id := range owners {
		if n, ok := f.nodes[id]; ok && n.Role == gossip.RoleMaster {
			out = append(out, n)
		}
	}
	return out
}

func (f *fakeMembers) QuorumSize() int { return len(f.MastersWithSlots())/2 + 1 }

func (f *fakeMembers) CurrentEpoch() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.epoch
}

func (f *fakeMembers) ObserveEpoch(e uint64) {
	f.mu.Lock()
	if e > f.epoch {
		f.epoch = e
	}
	f.mu.Unlock()
}

func (f *fakeMembers) BumpEpoch() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.epoch++
	return f.epoch
}

func (f *fakeMembers) set(n gossip.Node) {
	f.mu.Lock()
	f.nodes[n.ID] = n
	f.mu.Unlock()
}

func testConfig() Config {
	return Config{
		NodeTimeout:     time.Second,
		ElectionTimeout: 300 * time.Millisecond,
		MaxRetries:      3,
		Priority:        100,
		BaseDelay:       10 * time.Millisecond,
		RankDelay:       100 * time.Millisecond,
	}
}

// newTable builds the shared view: masters m1..m3 own a third of the slots
// each, m1 has failed.
func newTable(t *testing.T) *slots.Table {
	tbl := slots.NewTable()
	_, err := tbl.Update(func(b *slots.Builder) error {
		for s := 0; s < slots.Count; s++ {
			owner := "m" + strconv.Itoa(s%3+1)
			b.Assign(uint16(s), owner, 1)
		}
		return nil
	})
	require.NoError(t, err)
	return tbl
}

func baseNodes() map[string]gossip.Node {
	return map[string]gossip.Node{
		"m1": {ID: "m1", Role: gossip.RoleMaster, Status: gossip.StatusFailed},
		"m2": {ID: "m2", Role: gossip.RoleMaster},
		"m3": {ID: "m3", Role: gossip.RoleMaster},
		"r1": {ID: "r1", Role: gossip.RoleReplica, MasterID: "m1", ReplOffset: 100, Priority: 100},
		"r2": {ID: "r2", Role: gossip.RoleReplica, MasterID: "m1", ReplOffset: 90, Priority: 100},
	}
}

func newVoter(t *testing.T, id string) *Coordinator {
	members := &fakeMembers{selfID: id, nodes: baseNodes(), table: newTable(t), epoch: 1}
	return New(testConfig(), members, members.table, func() uint64 { return 0 }, nil, zaptest.NewLogger(t))
}

func TestHandleAuthRequest_GrantsOncePerEpoch(t *testing.T) {
	c := newVoter(t, "m2")

	ack := c.HandleAuthRequest(AuthRequest{CandidateID: "r1", FailedMasterID: "m1", Epoch: 2, Offset: 100})
	require.True(t, ack.Granted, ack.Reason)
	assert.Equal(t, uint64(2), ack.Epoch)
	assert.Equal(t, RoleVoter, c.Role())

	ack = c.HandleAuthRequest(AuthRequest{CandidateID: "r2", FailedMasterID: "m1", Epoch: 2, Offset: 100})
	assert.False(t, ack.Granted)
	assert.Equal(t, "already voted in this epoch", ack.Reason)

	ack = c.HandleAuthRequest(AuthRequest{CandidateID: "r2", FailedMasterID: "m1", Epoch: 3, Offset: 100})
	assert.False(t, ack.Granted)
	assert.Equal(t, "already voted for a replica of this master", ack.Reason)
}

func TestHandleAuthRequest_Denials(t *testing.T) {
	tests := []struct {
		name   string
		voter  string
		mutate func(f *fakeMembers)
		req    AuthRequest
		reason string
	}{
		{
			name:   "stale epoch",
			voter:  "m2",
			mutate: func(f *fakeMembers) { f.epoch = 10 },
			req:    AuthRequest{CandidateID: "r1", FailedMasterID: "m1", Epoch: 5, Offset: 100},
			reason: "stale epoch",
		},
		{
			name:   "master alive",
			voter:  "m2",
			mutate: func(f *fakeMembers) { f.set(gossip.Node{ID: "m1", Role: gossip.RoleMaster}) },
			req:    AuthRequest{CandidateID: "r1", FailedMasterID: "m1", Epoch: 2, Offset: 100},
			reason: "master is not failed",
		},
		{
			name:   "not a replica of the master",
			voter:  "m2",
			req:    AuthRequest{CandidateID: "m3", FailedMasterID: "m1", Epoch: 2, Offset: 100},
			reason: "candidate is not a replica of the failed master",
		},
		{
			name:   "stale offset",
			voter:  "m2",
			req:    AuthRequest{CandidateID: "r2", FailedMasterID: "m1", Epoch: 2, Offset: 90},
			reason: "candidate offset is stale",
		},
		{
			name:   "replicas do not vote",
			voter:  "r1",
			req:    AuthRequest{CandidateID: "r2", FailedMasterID: "m1", Epoch: 2, Offset: 100},
			reason: "not a voting master",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newVoter(t, tt.voter)
			if tt.mutate != nil {
				tt.mutate(c.members.(*fakeMembers))
			}
			ack := c.HandleAuthRequest(tt.req)
			assert.False(t, ack.Granted)
			assert.Equal(t, tt.reason, ack.Reason)
		})
	}
}

func TestRank(t *testing.T) {
	members := &fakeMembers{selfID: "r2", nodes: baseNodes(), table: newTable(t)}
	c := New(testConfig(), members, members.table, func() uint64 { return 90 }, nil, zaptest.NewLogger(t))

	assert.Equal(t, 1, c.rank("m1", 90, 100), "r1 has a higher offset")
	assert.Equal(t, 0, c.rank("m1", 150, 100))

	members.set(gossip.Node{ID: "r1", Role: gossip.RoleReplica, MasterID: "m1", ReplOffset: 90, Priority: 50})
	assert.Equal(t, 1, c.rank("m1", 90, 100), "equal offset, r1 has a better priority")
	members.set(gossip.Node{ID: "r1", Role: gossip.RoleReplica, MasterID: "m1", ReplOffset: 90, Priority: 100})
	assert.Equal(t, 1, c.rank("m1", 90, 100), "full tie broken by ID")
	members.set(gossip.Node{ID: "r1", Role: gossip.RoleReplica, MasterID: "m1", ReplOffset: 500, Priority: 0})
	assert.Equal(t, 0, c.rank("m1", 90, 100), "priority 0 never competes")
}

// startVoter runs a real voter on the bus and returns its address.
func startVoter(t *testing.T, id string, nodes map[string]gossip.Node, table *slots.Table) (string, *fakeMembers) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	members := &fakeMembers{selfID: id, nodes: nodes, table: table, epoch: 1}
	c := New(testConfig(), members, table, func() uint64 { return 0 }, nil, logger)

	srv := transport.NewServer("127.0.0.1:0", logger)
	c.Register(srv)
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		c.Stop()
		srv.Stop()
	})
	return srv.Addr(), members
}

func clusterNodes(addrs map[string]string) map[string]gossip.Node {
	nodes := baseNodes()
	for id, addr := range addrs {
		host, portStr, _ := net.SplitHostPort(addr)
		port, _ := strconv.Atoi(portStr)
		n := nodes[id]
		n.IP = host
		n.ClusterPort = port
		nodes[id] = n
	}
	return nodes
}

func TestElection_PromotesExactlyOneReplica(t *testing.T) {
	table := newTable(t)

	// Voters need their own copies of the node table with real addresses,
	// which are only known once they listen; start them first.
	addr2, m2 := startVoter(t, "m2", baseNodes(), table)
	addr3, m3 := startVoter(t, "m3", baseNodes(), table)
	nodes := clusterNodes(map[string]string{"m2": addr2, "m3": addr3})
	for _, n := range nodes {
		m2.set(n)
		m3.set(n)
	}

	var mu sync.Mutex
	var promoted []string
	var epochs []uint64
	var tally VoteRecord
	var role Role
	newCandidate := func(id string, offset uint64) *Coordinator {
		members := &fakeMembers{selfID: id, nodes: clusterNodes(map[string]string{"m2": addr2, "m3": addr3}), table: table, epoch: 1}
		var c *Coordinator
		c = New(testConfig(), members, table, func() uint64 { return offset },
			func(ctx context.Context, epoch uint64, failed string) error {
				vote, _ := c.CurrentVote()
				r := c.Role()
				mu.Lock()
				promoted = append(promoted, id)
				epochs = append(epochs, epoch)
				tally, role = vote, r
				mu.Unlock()
				return nil
			}, zaptest.NewLogger(t))
		return c
	}

	c1 := newCandidate("r1", 100)
	c2 := newCandidate("r2", 90)
	defer c1.Stop()
	defer c2.Stop()

	c1.HandleMasterFailed("m1")
	c2.HandleMasterFailed("m1")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(promoted) == 1
	}, 5*time.Second, 10*time.Millisecond)

	time.Sleep(500 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"r1"}, promoted, "the best ranked replica wins, and only once")
	assert.Len(t, epochs, 1)

	// The winner's tally is visible while it promotes itself, then cleared.
	assert.Equal(t, RoleCandidate, role)
	assert.Equal(t, "r1", tally.CandidateID)
	assert.Equal(t, epochs[0], tally.Epoch)
	granted := 0
	for _, ok := range tally.Votes {
		if ok {
			granted++
		}
	}
	assert.GreaterOrEqual(t, granted, 2)
	_, running := c1.CurrentVote()
	assert.False(t, running)
}

func TestElection_QuorumTimeoutEndsInClusterDown(t *testing.T) {
	table := newTable(t)
	members := &fakeMembers{selfID: "r1", nodes: baseNodes(), table: table, epoch: 1}
	cfg := testConfig()
	cfg.ElectionTimeout = 50 * time.Millisecond
	cfg.MaxRetries = 2

	c := New(cfg, members, table, func() uint64 { return 100 }, func(context.Context, uint64, string) error {
		t.Fatal("must not promote without votes")
		return nil
	}, zaptest.NewLogger(t))
	defer c.Stop()

	err := c.runElection(context.Background(), "m1")
	var down *errors.ClusterDownError
	require.True(t, errors.As(err, &down))
	assert.ErrorIs(t, err, errors.ErrClusterDown)
	assert.Equal(t, uint64(3), members.CurrentEpoch(), "each retry uses a new epoch")
}

func TestElection_PriorityZeroNeverStarts(t *testing.T) {
	table := newTable(t)
	members := &fakeMembers{selfID: "r1", nodes: baseNodes(), table: table, epoch: 1}
	cfg := testConfig()
	cfg.Priority = 0
	c := New(cfg, members, table, func() uint64 { return 100 }, nil, zaptest.NewLogger(t))

	require.NoError(t, c.runElection(context.Background(), "m1"))
	assert.Equal(t, uint64(1), members.CurrentEpoch())
}
