package store

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/10yihang/slotkv/internal/cluster/hash"
)

func TestStore_BasicOperations(t *testing.T) {
	s := New()

	rec := s.Set("key1", []byte("value1"))
	assert.Equal(t, uint64(1), rec.Version)

	got, ok := s.Get("key1")
	require.True(t, ok)
	assert.Equal(t, "value1", string(got.Value))

	rec = s.Set("key1", []byte("value2"))
	assert.Equal(t, uint64(2), rec.Version)
	assert.Equal(t, int64(1), s.Len())

	assert.Equal(t, 1, s.Del("key1", "missing"))
	_, ok = s.Get("key1")
	assert.False(t, ok)
	assert.Equal(t, int64(0), s.Len())
}

func TestStore_ValuesAreCopied(t *testing.T) {
	s := New()
	buf := []byte("abc")
	s.Set("k", buf)
	buf[0] = 'x'

	got, _ := s.Get("k")
	assert.Equal(t, "abc", string(got.Value))

	got.Value[1] = 'y'
	again, _ := s.Get("k")
	assert.Equal(t, "abc", string(again.Value))
}

func TestStore_DeleteIfVersion(t *testing.T) {
	s := New()
	rec := s.Set("k", []byte("v1"))

	s.Set("k", []byte("v2"))
	assert.False(t, s.DeleteIfVersion("k", rec.Version), "stale version must not delete")
	assert.True(t, s.Exists("k"))

	assert.True(t, s.DeleteIfVersion("k", rec.Version+1))
	assert.False(t, s.Exists("k"))
	assert.False(t, s.DeleteIfVersion("k", 1))
}

func TestStore_VersionsNeverRepeat(t *testing.T) {
	s := New()
	first := s.Set("k", []byte("v1"))
	require.Equal(t, 1, s.Del("k"))

	again := s.Set("k", []byte("v2"))
	assert.Greater(t, again.Version, first.Version)
	assert.False(t, s.DeleteIfVersion("k", first.Version), "recreated key must not match the old version")

	s.Restore("copied", []byte("x"), 50)
	assert.Greater(t, s.Set("copied", []byte("y")).Version, uint64(50))
	assert.Greater(t, s.Set("fresh", []byte("z")).Version, uint64(50))

	s.Apply(Mutation{Op: OpSet, Key: "replicated", Value: []byte("r"), Version: 90})
	assert.Greater(t, s.Set("replicated", []byte("w")).Version, uint64(90))
}

func TestStore_SlotGate(t *testing.T) {
	s := New()
	slot := hash.KeySlot("{g}")
	assert.Same(t, s.SlotGate(slot), s.SlotGate(slot))
	assert.NotSame(t, s.SlotGate(slot), s.SlotGate(slot+1))

	gate := s.SlotGate(slot)
	gate.Lock()
	held := make(chan struct{})
	go func() {
		s.SlotGate(slot).RLock()
		close(held)
		s.SlotGate(slot).RUnlock()
	}()
	select {
	case <-held:
		t.Fatal("shared holder got in while the gate was locked")
	case <-time.After(50 * time.Millisecond):
	}
	gate.Unlock()
	<-held
}

func TestStore_SlotOperations(t *testing.T) {
	s := New()
	slot := hash.KeySlot("{user}:1")
	for i := 0; i < 10; i++ {
		s.Set(fmt.Sprintf("{user}:%d", i), []byte("v"))
	}
	s.Set("other", []byte("v"))

	assert.Equal(t, 10, s.CountKeysInSlot(slot))
	keys := s.KeysInSlot(slot, 3)
	assert.Equal(t, []string{"{user}:0", "{user}:1", "{user}:2"}, keys)

	recs := s.RecordsInSlot(slot, 100)
	assert.Len(t, recs, 10)

	assert.Equal(t, 10, s.DropSlot(slot))
	assert.Equal(t, 0, s.CountKeysInSlot(slot))
	assert.Equal(t, int64(1), s.Len())
	assert.Equal(t, 0, s.DropSlot(slot))
}

func TestStore_HookSeesLocalMutations(t *testing.T) {
	s := New()
	var got []Mutation
	s.SetHook(func(m Mutation) { got = append(got, m) })

	s.Set("a", []byte("1"))
	s.Restore("b", []byte("2"), 7)
	s.Del("a")
	s.DeleteIfVersion("b", 7)
	s.Set("{x}1", []byte("3"))
	s.DropSlot(hash.KeySlot("x"))

	require.Len(t, got, 6)
	assert.Equal(t, OpSet, got[0].Op)
	assert.Equal(t, hash.KeySlot("a"), got[0].Slot)
	assert.Equal(t, uint64(7), got[1].Version)
	assert.Equal(t, OpDel, got[2].Op)
	assert.Equal(t, OpDel, got[3].Op)
	assert.Equal(t, OpDropSlot, got[5].Op)

	got = nil
	s.Apply(Mutation{Op: OpSet, Key: "c", Value: []byte("r"), Version: 3})
	assert.Empty(t, got, "replicated mutations are not re-emitted")
}

func TestStore_ApplyIsIdempotent(t *testing.T) {
	s := New()
	m := Mutation{Op: OpSet, Key: "k", Value: []byte("v"), Version: 4}
	s.Apply(m)
	s.Apply(m)

	rec, ok := s.Get("k")
	require.True(t, ok)
	assert.Equal(t, uint64(4), rec.Version)
	assert.Equal(t, int64(1), s.Len())

	del := Mutation{Op: OpDel, Key: "k"}
	s.Apply(del)
	s.Apply(del)
	assert.Equal(t, int64(0), s.Len())

	s.Apply(Mutation{Op: OpSet, Key: "{t}a", Value: []byte("v")})
	s.Apply(Mutation{Op: OpDropSlot, Slot: hash.KeySlot("t")})
	assert.Equal(t, int64(0), s.Len())
}

func TestStore_SnapshotAndFlush(t *testing.T) {
	s := New()
	for i := 0; i < 100; i++ {
		s.Set(fmt.Sprintf("key-%d", i), []byte("v"))
	}

	seen := make(map[string]bool)
	require.NoError(t, s.Snapshot(func(r Record) error {
		seen[r.Key] = true
		return nil
	}))
	assert.Len(t, seen, 100)

	s.Flush()
	assert.Equal(t, int64(0), s.Len())
	_, ok := s.Get("key-1")
	assert.False(t, ok)
}

func TestStore_ConcurrentAccess(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				key := fmt.Sprintf("g%d-%d", g, i)
				s.Set(key, []byte("v"))
				s.Get(key)
			}
		}(g)
	}
	wg.Wait()
	assert.Equal(t, int64(4000), s.Len())
}

func BenchmarkStore_Set(b *testing.B) {
	s := New()
	val := []byte("value")
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			s.Set(fmt.Sprintf("key-%d", i%1024), val)
			i++
		}
	})
}
