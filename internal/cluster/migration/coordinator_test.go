package migration

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/10yihang/slotkv/internal/cluster/hash"
	"github.com/10yihang/slotkv/internal/cluster/slots"
	"github.com/10yihang/slotkv/internal/store"
	"github.com/10yihang/slotkv/pkg/errors"
)

type staticDir map[string]string

func (d staticDir) ClientAddr(id string) (string, bool) {
	addr, ok := d[id]
	return addr, ok
}

// fakeTarget plays the destination node against an in-process store.
type fakeTarget struct {
	mu            sync.Mutex
	id            string
	st            *store.Store
	table         *slots.Table
	epoch         uint64
	restoreErrs   int
	beforeRestore func()
	stableCalls   int
	importingFrom string
}

func (f *fakeTarget) SetImporting(ctx context.Context, slot uint16, source string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.importingFrom = source
	_, err := f.table.Update(func(b *slots.Builder) error {
		b.SetImporting(slot, source)
		return nil
	})
	return err
}

func (f *fakeTarget) Restore(ctx context.Context, recs []store.Record) error {
	f.mu.Lock()
	hook := f.beforeRestore
	f.beforeRestore = nil
	if f.restoreErrs != 0 {
		if f.restoreErrs > 0 {
			f.restoreErrs--
		}
		f.mu.Unlock()
		return fmt.Errorf("connection reset")
	}
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	for _, r := range recs {
		f.st.Restore(r.Key, r.Value, r.Version)
	}
	return nil
}

func (f *fakeTarget) Finish(ctx context.Context, slot uint16, node string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, err := f.table.Update(func(b *slots.Builder) error {
		b.Assign(slot, node, f.epoch)
		return nil
	})
	return f.epoch, err
}

func (f *fakeTarget) SetStable(ctx context.Context, slot uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stableCalls++
	return nil
}

func (f *fakeTarget) Close() error { return nil }

type fixture struct {
	coord  *Coordinator
	table  *slots.Table
	st     *store.Store
	target *fakeTarget
	slot   uint16
}

func newFixture(t *testing.T, cfg Config, keys int) *fixture {
	t.Helper()

	slot := hash.KeySlot("{user}")
	table := slots.NewTable()
	_, err := table.Update(func(b *slots.Builder) error {
		b.Assign(slot, "src", 1)
		return nil
	})
	require.NoError(t, err)

	st := store.New()
	for i := 0; i < keys; i++ {
		st.Set(fmt.Sprintf("{user}%d", i), []byte(fmt.Sprintf("v%d", i)))
	}

	target := &fakeTarget{id: "dst", st: store.New(), table: slots.NewTable(), epoch: 2}
	coord := New("src", table, st, staticDir{"dst": "127.0.0.1:7001"}, cfg, zaptest.NewLogger(t))
	coord.SetDialer(func(addr string, timeout time.Duration) Target { return target })
	t.Cleanup(coord.Stop)

	return &fixture{coord: coord, table: table, st: st, target: target, slot: slot}
}

func TestMigrateMovesEveryKey(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchSize = 32
	f := newFixture(t, cfg, 250)

	var done struct {
		slot  uint16
		dest  string
		epoch uint64
	}
	f.coord.OnComplete(func(slot uint16, dest string, epoch uint64) {
		done.slot, done.dest, done.epoch = slot, dest, epoch
	})

	require.NoError(t, f.coord.Migrate(context.Background(), f.slot, "dst"))

	assert.Equal(t, 0, f.st.CountKeysInSlot(f.slot))
	assert.Equal(t, 250, f.target.st.CountKeysInSlot(f.slot))
	rec, ok := f.target.st.Get("{user}42")
	require.True(t, ok)
	assert.Equal(t, "v42", string(rec.Value))
	assert.Equal(t, "src", f.target.importingFrom)

	e := f.table.Load().Entry(f.slot)
	assert.Equal(t, "dst", e.Owner)
	assert.Equal(t, uint64(2), e.Epoch)
	assert.Equal(t, slots.Stable, e.State)

	p, ok := f.coord.Progress(f.slot)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, p.Status)
	assert.Equal(t, 250, p.MigratedKeys)
	assert.Equal(t, 8, p.Batches)
	assert.Equal(t, uint64(2), p.Epoch)

	assert.Equal(t, f.slot, done.slot)
	assert.Equal(t, "dst", done.dest)
	assert.Equal(t, uint64(2), done.epoch)
}

func TestMigrateRecopiesRewrittenKey(t *testing.T) {
	f := newFixture(t, DefaultConfig(), 10)
	f.target.beforeRestore = func() {
		f.st.Set("{user}3", []byte("rewritten"))
	}

	require.NoError(t, f.coord.Migrate(context.Background(), f.slot, "dst"))

	rec, ok := f.target.st.Get("{user}3")
	require.True(t, ok)
	assert.Equal(t, "rewritten", string(rec.Value))
	assert.False(t, f.st.Exists("{user}3"))

	p, _ := f.coord.Progress(f.slot)
	assert.Equal(t, 10, p.MigratedKeys)
	assert.Equal(t, 2, p.Batches)
}

func TestMigrateBatchExcludesSlotCommands(t *testing.T) {
	f := newFixture(t, DefaultConfig(), 10)

	// A client DEL racing the batch: served by the source while it still
	// holds the key, otherwise by the destination.
	deleted := make(chan int, 1)
	var servedDuringBatch bool
	f.target.beforeRestore = func() {
		go func() {
			gate := f.st.SlotGate(f.slot)
			gate.RLock()
			defer gate.RUnlock()
			if n := f.st.Del("{user}3"); n > 0 {
				deleted <- n
				return
			}
			deleted <- f.target.st.Del("{user}3")
		}()
		time.Sleep(50 * time.Millisecond)
		servedDuringBatch = len(deleted) > 0
	}

	require.NoError(t, f.coord.Migrate(context.Background(), f.slot, "dst"))

	select {
	case n := <-deleted:
		assert.Equal(t, 1, n)
	case <-time.After(2 * time.Second):
		t.Fatal("delete never ran")
	}
	assert.False(t, servedDuringBatch, "command ran while its slot's batch was in flight")
	assert.False(t, f.st.Exists("{user}3"))
	assert.False(t, f.target.st.Exists("{user}3"))
	assert.Equal(t, 9, f.target.st.CountKeysInSlot(f.slot))
}

func TestMigrateRetriesTransientErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RetryBackoff = time.Millisecond
	f := newFixture(t, cfg, 5)
	f.target.restoreErrs = 2

	require.NoError(t, f.coord.Migrate(context.Background(), f.slot, "dst"))

	p, _ := f.coord.Progress(f.slot)
	assert.Equal(t, StatusCompleted, p.Status)
	assert.Equal(t, 2, p.Retries)
	assert.Equal(t, "dst", f.table.OwnerOf(f.slot))
}

func TestMigrateAbortsAfterRetries(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetries = 2
	cfg.RetryBackoff = time.Millisecond
	f := newFixture(t, cfg, 5)
	f.target.restoreErrs = -1

	err := f.coord.Migrate(context.Background(), f.slot, "dst")
	require.Error(t, err)

	e := f.table.Load().Entry(f.slot)
	assert.Equal(t, "src", e.Owner)
	assert.Equal(t, slots.Stable, e.State)
	assert.Empty(t, e.Peer)
	assert.Equal(t, 5, f.st.CountKeysInSlot(f.slot))
	assert.Equal(t, 1, f.target.stableCalls)

	p, _ := f.coord.Progress(f.slot)
	assert.Equal(t, StatusFailed, p.Status)
	assert.Equal(t, 2, p.Retries)
	assert.Contains(t, p.LastError, "connection reset")

	// An aborted migration can be started again from Stable.
	f.target.restoreErrs = 0
	require.NoError(t, f.coord.Migrate(context.Background(), f.slot, "dst"))
	assert.Equal(t, "dst", f.table.OwnerOf(f.slot))
}

func TestMigrateAbortsWhenOwnershipLost(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchSize = 4
	f := newFixture(t, cfg, 12)
	f.target.beforeRestore = func() {
		f.table.ApplyClaim("other", []uint16{f.slot}, 10)
	}

	err := f.coord.Migrate(context.Background(), f.slot, "dst")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNotOwner))
	assert.Equal(t, "other", f.table.OwnerOf(f.slot))
}

func TestMigrateRejectsInvalidRequests(t *testing.T) {
	f := newFixture(t, DefaultConfig(), 0)
	ctx := context.Background()

	err := f.coord.Migrate(ctx, f.slot+1, "dst")
	assert.True(t, errors.Is(err, errors.ErrNotOwner))

	err = f.coord.Migrate(ctx, f.slot, "nobody")
	assert.True(t, errors.Is(err, errors.ErrUnknownNode))

	assert.Error(t, f.coord.Migrate(ctx, f.slot, "src"))

	_, err = f.table.Update(func(b *slots.Builder) error {
		b.SetMigrating(f.slot, "dst")
		return nil
	})
	require.NoError(t, err)
	err = f.coord.Migrate(ctx, f.slot, "dst")
	assert.True(t, errors.Is(err, errors.ErrSlotBusy))
}

func TestStartRunsInBackground(t *testing.T) {
	f := newFixture(t, DefaultConfig(), 20)

	require.NoError(t, f.coord.Start(f.slot, "dst"))
	require.Eventually(t, func() bool {
		p, ok := f.coord.Progress(f.slot)
		return ok && p.Status == StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	all := f.coord.All()
	require.Len(t, all, 1)
	assert.Equal(t, 20, all[0].MigratedKeys)
}

func TestMigrateEmptySlot(t *testing.T) {
	f := newFixture(t, DefaultConfig(), 0)
	require.NoError(t, f.coord.Migrate(context.Background(), f.slot, "dst"))
	assert.Equal(t, "dst", f.table.OwnerOf(f.slot))
}
