package gossip

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/10yihang/slotkv/internal/cluster/slots"
	"github.com/10yihang/slotkv/internal/cluster/transport"
)

type testNode struct {
	g     *Gossip
	table *slots.Table
	srv   *transport.Server
}

func testConfig() Config {
	return Config{
		NodeTimeout:        400 * time.Millisecond,
		PingInterval:       50 * time.Millisecond,
		FailReportValidity: 2 * time.Second,
		ForgetTTL:          time.Second,
		Fanout:             3,
	}
}

func startNode(t *testing.T, id string) *testNode {
	t.Helper()
	logger := zaptest.NewLogger(t)

	srv := transport.NewServer("127.0.0.1:0", logger)
	require.NoError(t, srv.Start())

	_, portStr, err := net.SplitHostPort(srv.Addr())
	require.NoError(t, err)
	port, _ := strconv.Atoi(portStr)

	table := slots.NewTable()
	g := New(Node{ID: id, IP: "127.0.0.1", Port: port - 10000, ClusterPort: port, Priority: 100},
		table, testConfig(), logger)
	g.Register(srv)
	require.NoError(t, g.Start())

	tn := &testNode{g: g, table: table, srv: srv}
	t.Cleanup(func() { tn.stop() })
	return tn
}

func (tn *testNode) stop() {
	tn.g.Stop()
	tn.srv.Stop()
}

func (tn *testNode) claim(t *testing.T, start, end uint16) {
	t.Helper()
	epoch := tn.g.BumpEpoch()
	_, err := tn.table.Update(func(b *slots.Builder) error {
		for s := int(start); s <= int(end); s++ {
			b.Assign(uint16(s), tn.g.SelfID(), epoch)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestGossip_MeetAndConverge(t *testing.T) {
	a := startNode(t, "node-a")
	b := startNode(t, "node-b")
	c := startNode(t, "node-c")

	a.claim(t, 0, 5460)
	b.claim(t, 5461, 10922)
	c.claim(t, 10923, 16383)

	ctx := context.Background()
	require.NoError(t, a.g.Meet(ctx, b.srv.Addr()))
	require.NoError(t, a.g.Meet(ctx, c.srv.Addr()))

	for _, n := range []*testNode{a, b, c} {
		n := n
		require.Eventually(t, func() bool {
			return len(n.g.Nodes()) == 3 && n.table.Load().Assigned() == slots.Count
		}, 3*time.Second, 20*time.Millisecond, "node %s did not converge", n.g.SelfID())
	}

	assert.Equal(t, "node-b", c.table.OwnerOf(6000))
	assert.Equal(t, "node-c", a.table.OwnerOf(16000))
	assert.Equal(t, 2, a.g.QuorumSize())
}

func TestGossip_FailureNeedsQuorum(t *testing.T) {
	a := startNode(t, "node-a")
	b := startNode(t, "node-b")
	c := startNode(t, "node-c")
	a.claim(t, 0, 100)
	b.claim(t, 101, 200)
	c.claim(t, 201, 300)

	ctx := context.Background()
	require.NoError(t, a.g.Meet(ctx, b.srv.Addr()))
	require.NoError(t, a.g.Meet(ctx, c.srv.Addr()))
	require.Eventually(t, func() bool {
		return len(b.g.Nodes()) == 3 && len(c.g.Nodes()) == 3
	}, 3*time.Second, 20*time.Millisecond)

	failed := make(chan Node, 4)
	a.g.SetEvents(Events{OnNodeFailed: func(n Node) { failed <- n }})

	c.stop()

	select {
	case n := <-failed:
		assert.Equal(t, "node-c", n.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("node-c was never marked as failed")
	}

	n, ok := b.g.Node("node-c")
	require.True(t, ok)
	require.Eventually(t, func() bool {
		n, _ = b.g.Node("node-c")
		return n.Status == StatusFailed
	}, 2*time.Second, 20*time.Millisecond)
}

func TestGossip_SuspectHealsOnHeartbeat(t *testing.T) {
	a := startNode(t, "node-a")
	b := startNode(t, "node-b")
	require.NoError(t, a.g.Meet(context.Background(), b.srv.Addr()))

	a.g.mu.Lock()
	peer := a.g.nodes["node-b"]
	peer.Status = StatusSuspect
	peer.LastSeen = time.Now()
	a.g.mu.Unlock()

	require.Eventually(t, func() bool {
		n, _ := a.g.Node("node-b")
		return n.Status == StatusAlive
	}, 2*time.Second, 20*time.Millisecond)
}

func TestGossip_LateJoinerReceivesFullMap(t *testing.T) {
	a := startNode(t, "node-a")
	b := startNode(t, "node-b")
	a.claim(t, 0, 99)
	a.claim(t, 100, 199)
	require.NoError(t, a.g.Meet(context.Background(), b.srv.Addr()))

	require.Eventually(t, func() bool {
		return b.table.Epoch() == a.table.Epoch() && b.table.OwnerOf(150) == "node-a"
	}, 2*time.Second, 20*time.Millisecond)
	assert.GreaterOrEqual(t, b.g.CurrentEpoch(), a.table.Epoch())
}

func TestGossip_ForgetBlacklists(t *testing.T) {
	a := startNode(t, "node-a")
	b := startNode(t, "node-b")
	require.NoError(t, a.g.Meet(context.Background(), b.srv.Addr()))
	require.Eventually(t, func() bool {
		_, ok := b.g.Node("node-a")
		return ok
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, a.g.Forget("node-b"))
	assert.Error(t, a.g.Forget("node-a"))
	assert.Error(t, a.g.Forget("node-zz"))

	time.Sleep(300 * time.Millisecond)
	_, ok := a.g.Node("node-b")
	assert.False(t, ok, "forgotten node must not be re-added while blacklisted")
}

func TestGossip_ReportConflictReachesWinner(t *testing.T) {
	a := startNode(t, "node-a")
	b := startNode(t, "node-b")
	a.claim(t, 7, 7)

	got := make(chan slots.Conflict, 1)
	a.g.SetEvents(Events{OnSlotsChanged: func(res slots.Result) {
		for _, cf := range res.Conflicts {
			select {
			case got <- cf:
			default:
			}
		}
	}})
	require.NoError(t, b.g.Meet(context.Background(), a.srv.Addr()))

	b.g.ReportConflict("node-a", []slots.Claim{{Start: 7, End: 7, Owner: "node-b", Epoch: 1}})

	select {
	case cf := <-got:
		assert.Equal(t, slots.Conflict{Slot: 7, Epoch: 1, Winner: "node-a", Loser: "node-b"}, cf)
	case <-time.After(2 * time.Second):
		t.Fatal("winner never heard about the conflict")
	}
	assert.Equal(t, "node-a", a.table.OwnerOf(7))
}

func TestGossip_SendsAfterStopAreDropped(t *testing.T) {
	a := startNode(t, "node-a")
	b := startNode(t, "node-b")
	require.NoError(t, a.g.Meet(context.Background(), b.srv.Addr()))

	require.NoError(t, a.g.Stop())
	assert.NotPanics(t, func() {
		a.g.Broadcast()
		a.g.broadcastFail("node-b")
		a.g.ReportConflict("node-b", []slots.Claim{{Start: 1, End: 1, Owner: "node-a", Epoch: 1}})
	})
	assert.NoError(t, a.g.Stop())
}

func TestGossip_Epochs(t *testing.T) {
	g := New(Node{ID: "self"}, slots.NewTable(), testConfig(), zaptest.NewLogger(t))

	var seen []uint64
	g.SetEvents(Events{OnEpochAdvanced: func(e uint64) { seen = append(seen, e) }})

	assert.Equal(t, uint64(1), g.BumpEpoch())
	g.ObserveEpoch(7)
	g.ObserveEpoch(3)
	assert.Equal(t, uint64(7), g.CurrentEpoch())
	assert.Equal(t, uint64(8), g.BumpEpoch())
	assert.Equal(t, []uint64{7}, seen)
}

func TestGossip_ClusterFailureClearing(t *testing.T) {
	table := slots.NewTable()
	g := New(Node{ID: "self"}, table, testConfig(), zaptest.NewLogger(t))

	now := time.Now()
	replica := &Node{ID: "r", Role: RoleReplica, FailedAt: now}
	assert.True(t, g.canClearFailure(replica, now))

	master := &Node{ID: "m", Role: RoleMaster, FailedAt: now}
	assert.True(t, g.canClearFailure(master, now), "master without slots")

	table.ApplyClaim("m", []uint16{1}, 1)
	assert.False(t, g.canClearFailure(master, now))
	assert.True(t, g.canClearFailure(master, now.Add(time.Second)), "no failover within 2x timeout")
}

func TestJitter(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := jitter(time.Second)
		assert.GreaterOrEqual(t, d, 800*time.Millisecond)
		assert.LessOrEqual(t, d, 1200*time.Millisecond)
	}
	assert.Equal(t, time.Duration(0), jitter(0))
}
