package cluster

import (
	"context"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/10yihang/slotkv/internal/cluster/gossip"
	"github.com/10yihang/slotkv/internal/cluster/hash"
	"github.com/10yihang/slotkv/internal/cluster/slots"
	"github.com/10yihang/slotkv/internal/store"
	"github.com/10yihang/slotkv/pkg/errors"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func keyIn(t *testing.T, slot uint16) string {
	t.Helper()
	key, ok := hash.KeyForSlot("k", slot)
	require.True(t, ok)
	return key
}

func testConfig(t *testing.T) *Config {
	cfg := DefaultConfig()
	cfg.Port = freePort(t)
	cfg.ClusterPort = freePort(t)
	cfg.Gossip.PingInterval = 50 * time.Millisecond
	cfg.Gossip.NodeTimeout = 500 * time.Millisecond
	return cfg
}

func newTestCluster(t *testing.T, cfg *Config) (*Cluster, *store.Store) {
	t.Helper()
	st := store.New()
	c, err := NewCluster(cfg, st, zaptest.NewLogger(t))
	require.NoError(t, err)
	return c, st
}

func startTestCluster(t *testing.T) *Cluster {
	t.Helper()
	c, _ := newTestCluster(t, testConfig(t))
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { c.Stop() })
	return c
}

func TestCluster_AddSlots(t *testing.T) {
	c, _ := newTestCluster(t, testConfig(t))
	defer c.Stop()

	require.NoError(t, c.AddSlotsRange(0, 99))
	m := c.SlotMap()
	assert.Equal(t, 100, m.CountOf(c.ID()))
	assert.Equal(t, uint64(1), m.Entry(0).Epoch)
	assert.Equal(t, uint64(1), c.Self().ConfigEpoch)

	assert.ErrorContains(t, c.AddSlots([]uint16{50}), "already busy")
	assert.ErrorContains(t, c.AddSlots([]uint16{200, 200}), "multiple times")
	assert.ErrorContains(t, c.AddSlotsRange(10, 5), "invalid slot range")
	assert.Equal(t, ClusterStateFail, c.State())
}

func TestCluster_TwoNodesConverge(t *testing.T) {
	a := startTestCluster(t)
	b := startTestCluster(t)

	require.NoError(t, a.AddSlotsRange(0, 8191))
	require.NoError(t, b.AddSlotsRange(8192, slots.Count-1))
	require.NoError(t, a.Meet(context.Background(), "127.0.0.1", b.cfg.Port, b.cfg.ClusterPort))

	require.Eventually(t, func() bool {
		return a.State() == ClusterStateOK && b.State() == ClusterStateOK
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, b.ID(), a.OwnerOf(10000))
	assert.Equal(t, a.ID(), b.OwnerOf(0))

	info := a.Info()
	assert.Equal(t, slots.Count, info.SlotsAssigned)
	assert.Equal(t, slots.Count, info.SlotsOK)
	assert.Equal(t, 2, info.KnownNodes)
	assert.Equal(t, 2, info.Size)

	addr, alive := a.NodeAddr(b.ID())
	assert.True(t, alive)
	assert.Equal(t, net.JoinHostPort("127.0.0.1", strconv.Itoa(b.cfg.Port)), addr)

	ranges := a.SlotRanges()
	require.Len(t, ranges, 2)
	assert.Equal(t, uint16(0), ranges[0].Start)
	assert.Equal(t, uint16(8191), ranges[0].End)
	assert.Equal(t, a.ID(), ranges[0].Master.ID)
}

func TestCluster_Replicate(t *testing.T) {
	a := startTestCluster(t)
	b := startTestCluster(t)
	require.NoError(t, a.AddSlotsRange(0, slots.Count-1))
	require.NoError(t, a.Meet(context.Background(), "127.0.0.1", b.cfg.Port, b.cfg.ClusterPort))

	require.Eventually(t, func() bool {
		_, okA := b.Node(a.ID())
		_, okB := a.Node(b.ID())
		return okA && okB
	}, 5*time.Second, 20*time.Millisecond)

	assert.ErrorContains(t, a.Replicate(b.ID()), "must be empty")
	assert.ErrorContains(t, b.Replicate(b.ID()), "myself")
	assert.Error(t, b.Replicate("no-such-node"))

	require.NoError(t, b.Replicate(a.ID()))
	self := b.Self()
	assert.Equal(t, gossip.RoleReplica, self.Role)
	assert.Equal(t, a.ID(), self.MasterID)

	require.Eventually(t, func() bool {
		return len(a.gossip.ReplicasOf(a.ID())) == 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.ErrorIs(t, b.AddSlots([]uint16{1}), errors.ErrNotMaster)
}

func TestCluster_SetSlot(t *testing.T) {
	a := startTestCluster(t)
	b := startTestCluster(t)
	require.NoError(t, a.AddSlotsRange(0, 99))
	require.NoError(t, a.Meet(context.Background(), "127.0.0.1", b.cfg.Port, b.cfg.ClusterPort))
	require.Eventually(t, func() bool {
		return b.OwnerOf(5) == a.ID()
	}, 5*time.Second, 20*time.Millisecond)

	_, err := a.SetSlot(5, "IMPORTING", b.ID())
	assert.ErrorContains(t, err, "already the owner")
	_, err = b.SetSlot(5, "MIGRATING", a.ID())
	assert.Error(t, err)

	_, err = a.SetSlot(5, "MIGRATING", b.ID())
	require.NoError(t, err)
	assert.Equal(t, slots.Migrating, a.SlotMap().Entry(5).State)
	assert.Contains(t, a.NodesDescription(), "[5->-"+b.ID()+"]")

	_, err = b.SetSlot(5, "IMPORTING", a.ID())
	require.NoError(t, err)
	assert.Equal(t, slots.Importing, b.SlotMap().Entry(5).State)

	key := keyIn(t, 5)
	a.store.Set(key, []byte("v"))
	_, err = a.SetSlot(5, "NODE", b.ID())
	assert.ErrorContains(t, err, "still hold keys")
	a.store.Del(key)

	epoch, err := b.SetSlot(5, "NODE", b.ID())
	require.NoError(t, err)
	assert.Greater(t, epoch, uint64(1))
	assert.Equal(t, b.ID(), b.OwnerOf(5))
	assert.Equal(t, slots.Stable, b.SlotMap().Entry(5).State)

	require.Eventually(t, func() bool {
		return a.OwnerOf(5) == b.ID()
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, slots.Stable, a.SlotMap().Entry(5).State)

	// An aborted import leaves nothing behind on the destination.
	_, err = b.SetSlot(7, "IMPORTING", a.ID())
	require.NoError(t, err)
	b.store.Restore(keyIn(t, 7), []byte("partial"), 3)
	_, err = b.SetSlot(7, "STABLE", "")
	require.NoError(t, err)
	assert.Zero(t, b.store.CountKeysInSlot(7))

	_, err = a.SetSlot(6, "BOGUS", "")
	assert.Error(t, err)
}

func TestCluster_ConflictReclaimed(t *testing.T) {
	c, _ := newTestCluster(t, testConfig(t))
	defer c.Stop()
	require.NoError(t, c.AddSlots([]uint16{5}))
	before := c.SlotMap().Entry(5).Epoch

	c.onSlotsChanged(slots.Result{Conflicts: []slots.Conflict{
		{Slot: 5, Epoch: before, Winner: c.ID(), Loser: "zzzz"},
	}})

	e := c.SlotMap().Entry(5)
	assert.Equal(t, c.ID(), e.Owner)
	assert.Greater(t, e.Epoch, before)
	assert.Equal(t, e.Epoch, c.CurrentEpoch())
}

func TestCluster_EqualEpochConflictConverges(t *testing.T) {
	a := startTestCluster(t)
	b := startTestCluster(t)
	require.NoError(t, a.AddSlots([]uint16{5}))
	require.NoError(t, b.AddSlots([]uint16{5}))

	winner, loser := a, b
	if b.ID() < a.ID() {
		winner, loser = b, a
	}
	require.NoError(t, loser.Meet(context.Background(), "127.0.0.1", winner.cfg.Port, winner.cfg.ClusterPort))

	require.Eventually(t, func() bool {
		we, le := winner.SlotMap().Entry(5), loser.SlotMap().Entry(5)
		return we.Owner == winner.ID() && le.Owner == winner.ID() && le.Epoch > 1 && le.Epoch == we.Epoch
	}, 5*time.Second, 20*time.Millisecond)
}

func TestCluster_LostSlotsDropsKeys(t *testing.T) {
	c, st := newTestCluster(t, testConfig(t))
	defer c.Stop()
	require.NoError(t, c.AddSlots([]uint16{5, 6}))

	st.Set(keyIn(t, 5), []byte("a"))
	st.Set(keyIn(t, 6), []byte("b"))

	res := c.table.ApplyClaim("other", []uint16{5}, 10)
	require.True(t, res.Changed())
	c.onSlotsChanged(res)

	assert.Equal(t, 0, st.CountKeysInSlot(5))
	assert.Equal(t, 1, st.CountKeysInSlot(6))
	assert.True(t, c.IsMaster())
}

func TestCluster_PersistAndRestore(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t)
	cfg.DataDir = dir
	cfg.PersistState = true

	c, _ := newTestCluster(t, cfg)
	require.NoError(t, c.AddSlotsRange(100, 199))
	id := c.ID()
	require.NoError(t, c.Stop())

	cfg2 := testConfig(t)
	cfg2.DataDir = dir
	cfg2.PersistState = true
	c2, _ := newTestCluster(t, cfg2)
	defer c2.Stop()

	assert.Equal(t, id, c2.ID())
	assert.Equal(t, 100, c2.SlotMap().CountOf(id))
	assert.Equal(t, uint64(1), c2.CurrentEpoch())
	assert.Equal(t, uint64(1), c2.Self().ConfigEpoch)
}

func TestCluster_NodesDescription(t *testing.T) {
	c, _ := newTestCluster(t, testConfig(t))
	defer c.Stop()
	require.NoError(t, c.AddSlotsRange(0, 9))
	require.NoError(t, c.AddSlots([]uint16{20}))

	lines := strings.Split(strings.TrimSpace(c.NodesDescription()), "\n")
	require.Len(t, lines, 1)
	fields := strings.Fields(lines[0])
	assert.Equal(t, c.ID(), fields[0])
	assert.Equal(t, "myself,master", fields[2])
	assert.Equal(t, "-", fields[3])
	assert.Equal(t, "2", fields[6])
	assert.Equal(t, "connected", fields[7])
	assert.Equal(t, []string{"0-9", "20"}, fields[8:])
}

func TestBusiest(t *testing.T) {
	assert.Equal(t, "b", busiest(map[string]int{"a": 1, "b": 3, "c": 2}))
	assert.Equal(t, "a", busiest(map[string]int{"b": 2, "a": 2}))
	assert.Equal(t, "", busiest(nil))
}
