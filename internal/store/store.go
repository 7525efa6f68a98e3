// Package store is the node-local key/value table. Keys are partitioned by
// hash slot, one shard per slot, so slot-wide operations (count, scan, drop)
// touch a single lock and never stall unrelated slots.
package store

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/10yihang/slotkv/internal/cluster/hash"
)

// Op identifies a mutation kind in the replication stream.
type Op uint8

const (
	OpSet Op = iota + 1
	OpDel
	OpDropSlot
)

func (o Op) String() string {
	switch o {
	case OpSet:
		return "set"
	case OpDel:
		return "del"
	case OpDropSlot:
		return "dropslot"
	default:
		return "unknown"
	}
}

// Mutation is a change applied to the store. Values are absolute, so applying
// the same mutation twice leaves the store unchanged.
type Mutation struct {
	Op      Op
	Slot    uint16
	Key     string
	Value   []byte
	Version uint64
}

// Record is a stored key with its value and version. Versions come from one
// store-wide clock, so a deleted and recreated key never reuses a version.
type Record struct {
	Key     string
	Value   []byte
	Version uint64
}

// Hook observes every locally originated mutation. It runs while the slot
// lock is held, which keeps the observed order equal to the apply order.
type Hook func(m Mutation)

type shard struct {
	mu    sync.RWMutex
	items map[string]*Record

	gate sync.RWMutex
}

// Store is the slot-sharded key table of one node.
type Store struct {
	shards [hash.SlotCount]shard
	keys   atomic.Int64
	clock  atomic.Uint64

	hookMu sync.RWMutex
	hook   Hook

	stats Stats
}

// Stats uses atomic counters for lock-free updates.
type Stats struct {
	Hits   atomic.Int64
	Misses atomic.Int64
	SetOps atomic.Int64
	GetOps atomic.Int64
	DelOps atomic.Int64
}

// New creates an empty store.
func New() *Store {
	return &Store{}
}

// SetHook installs the mutation observer. A nil hook disables it.
func (s *Store) SetHook(h Hook) {
	s.hookMu.Lock()
	s.hook = h
	s.hookMu.Unlock()
}

func (s *Store) emit(m Mutation) {
	s.hookMu.RLock()
	h := s.hook
	s.hookMu.RUnlock()
	if h != nil {
		h(m)
	}
}

// SlotGate returns the gate of slot. Client commands hold it shared from
// routing to reply; a slot migration holds it exclusively while it changes
// the slot's state or moves a batch of its keys.
func (s *Store) SlotGate(slot uint16) *sync.RWMutex {
	return &s.shards[slot%hash.SlotCount].gate
}

// observe raises the version clock to at least v.
func (s *Store) observe(v uint64) {
	for {
		cur := s.clock.Load()
		if cur >= v || s.clock.CompareAndSwap(cur, v) {
			return
		}
	}
}

func (s *Store) shardFor(key string) (*shard, uint16) {
	slot := hash.KeySlot(key)
	return &s.shards[slot], slot
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (r *Record) clone() Record {
	return Record{Key: r.Key, Value: copyBytes(r.Value), Version: r.Version}
}

// Get returns a copy of the record stored under key.
func (s *Store) Get(key string) (Record, bool) {
	s.stats.GetOps.Add(1)

	sh, _ := s.shardFor(key)
	sh.mu.RLock()
	rec, ok := sh.items[key]
	var out Record
	if ok {
		out = rec.clone()
	}
	sh.mu.RUnlock()

	if !ok {
		s.stats.Misses.Add(1)
		return Record{}, false
	}
	s.stats.Hits.Add(1)
	return out, true
}

// Exists reports whether key is present.
func (s *Store) Exists(key string) bool {
	sh, _ := s.shardFor(key)
	sh.mu.RLock()
	_, ok := sh.items[key]
	sh.mu.RUnlock()
	return ok
}

// Set stores value under key with a fresh version.
func (s *Store) Set(key string, value []byte) Record {
	s.stats.SetOps.Add(1)

	sh, slot := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if sh.items == nil {
		sh.items = make(map[string]*Record)
	}
	rec, ok := sh.items[key]
	if !ok {
		rec = &Record{Key: key}
		sh.items[key] = rec
		s.keys.Add(1)
	}
	rec.Value = copyBytes(value)
	rec.Version = s.clock.Add(1)

	s.emit(Mutation{Op: OpSet, Slot: slot, Key: key, Value: rec.Value, Version: rec.Version})
	return rec.clone()
}

// Restore stores a record with an explicit version, replacing any existing
// value. Used by the migration copy stream.
func (s *Store) Restore(key string, value []byte, version uint64) {
	sh, slot := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	s.put(sh, key, copyBytes(value), version)
	s.emit(Mutation{Op: OpSet, Slot: slot, Key: key, Value: sh.items[key].Value, Version: version})
}

func (s *Store) put(sh *shard, key string, value []byte, version uint64) {
	if sh.items == nil {
		sh.items = make(map[string]*Record)
	}
	if _, ok := sh.items[key]; !ok {
		s.keys.Add(1)
	}
	s.observe(version)
	sh.items[key] = &Record{Key: key, Value: value, Version: version}
}

// Del removes keys and returns how many existed.
func (s *Store) Del(keys ...string) int {
	deleted := 0
	for _, key := range keys {
		s.stats.DelOps.Add(1)

		sh, slot := s.shardFor(key)
		sh.mu.Lock()
		if _, ok := sh.items[key]; ok {
			delete(sh.items, key)
			s.keys.Add(-1)
			deleted++
			s.emit(Mutation{Op: OpDel, Slot: slot, Key: key})
		}
		sh.mu.Unlock()
	}
	return deleted
}

// DeleteIfVersion removes key only while it still carries version.
func (s *Store) DeleteIfVersion(key string, version uint64) bool {
	sh, slot := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.items[key]
	if !ok || rec.Version != version {
		return false
	}
	delete(sh.items, key)
	s.keys.Add(-1)
	s.emit(Mutation{Op: OpDel, Slot: slot, Key: key})
	return true
}

// CountKeysInSlot returns the number of keys stored in slot.
func (s *Store) CountKeysInSlot(slot uint16) int {
	if int(slot) >= hash.SlotCount {
		return 0
	}
	sh := &s.shards[slot]
	sh.mu.RLock()
	n := len(sh.items)
	sh.mu.RUnlock()
	return n
}

// KeysInSlot returns up to count keys of slot in sorted order.
func (s *Store) KeysInSlot(slot uint16, count int) []string {
	recs := s.RecordsInSlot(slot, count)
	keys := make([]string, len(recs))
	for i, r := range recs {
		keys[i] = r.Key
	}
	return keys
}

// RecordsInSlot returns copies of up to count records of slot, ordered by key.
func (s *Store) RecordsInSlot(slot uint16, count int) []Record {
	if int(slot) >= hash.SlotCount || count <= 0 {
		return nil
	}
	sh := &s.shards[slot]
	sh.mu.RLock()
	keys := make([]string, 0, len(sh.items))
	for k := range sh.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > count {
		keys = keys[:count]
	}
	out := make([]Record, 0, len(keys))
	for _, k := range keys {
		out = append(out, sh.items[k].clone())
	}
	sh.mu.RUnlock()
	return out
}

// DropSlot discards every key of slot and returns how many were removed.
func (s *Store) DropSlot(slot uint16) int {
	if int(slot) >= hash.SlotCount {
		return 0
	}
	sh := &s.shards[slot]
	sh.mu.Lock()
	defer sh.mu.Unlock()

	n := len(sh.items)
	if n == 0 {
		return 0
	}
	sh.items = nil
	s.keys.Add(int64(-n))
	s.emit(Mutation{Op: OpDropSlot, Slot: slot})
	return n
}

// Apply replays a mutation received from a master. The hook is not invoked:
// replicas record replicated entries themselves at the master's offsets.
func (s *Store) Apply(m Mutation) {
	switch m.Op {
	case OpSet:
		sh, _ := s.shardFor(m.Key)
		sh.mu.Lock()
		s.put(sh, m.Key, copyBytes(m.Value), m.Version)
		sh.mu.Unlock()
	case OpDel:
		sh, _ := s.shardFor(m.Key)
		sh.mu.Lock()
		if _, ok := sh.items[m.Key]; ok {
			delete(sh.items, m.Key)
			s.keys.Add(-1)
		}
		sh.mu.Unlock()
	case OpDropSlot:
		if int(m.Slot) >= hash.SlotCount {
			return
		}
		sh := &s.shards[m.Slot]
		sh.mu.Lock()
		s.keys.Add(int64(-len(sh.items)))
		sh.items = nil
		sh.mu.Unlock()
	}
}

// Snapshot calls fn for every record, one slot at a time. Writes to slots not
// currently being read proceed concurrently.
func (s *Store) Snapshot(fn func(Record) error) error {
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		if len(sh.items) == 0 {
			sh.mu.RUnlock()
			continue
		}
		recs := make([]Record, 0, len(sh.items))
		for _, r := range sh.items {
			recs = append(recs, r.clone())
		}
		sh.mu.RUnlock()

		for _, r := range recs {
			if err := fn(r); err != nil {
				return err
			}
		}
	}
	return nil
}

// Flush removes every key without notifying the hook.
func (s *Store) Flush() {
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		s.keys.Add(int64(-len(sh.items)))
		sh.items = nil
		sh.mu.Unlock()
	}
}

// Len returns the number of keys held.
func (s *Store) Len() int64 {
	return s.keys.Load()
}

// GetStats returns the operation counters.
func (s *Store) GetStats() *Stats {
	return &s.stats
}
