// Package slots holds the versioned slot map: an immutable assignment of every
// hash slot to a master, swapped atomically whenever ownership changes.
package slots

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/10yihang/slotkv/internal/cluster/hash"
)

// Count mirrors hash.SlotCount for callers that only deal with ownership.
const Count = hash.SlotCount

// MigrationState is the transitional state of a slot on the local node.
type MigrationState uint8

const (
	Stable MigrationState = iota
	Migrating
	Importing
)

func (s MigrationState) String() string {
	switch s {
	case Migrating:
		return "migrating"
	case Importing:
		return "importing"
	default:
		return "stable"
	}
}

// Entry is the ownership record of a single slot. Epoch is the config epoch
// the owner claimed the slot with. Peer is the migration target for a
// Migrating slot and the migration source for an Importing one.
type Entry struct {
	Owner string
	Epoch uint64
	State MigrationState
	Peer  string
}

// Map is an immutable snapshot of slot ownership. Readers never mutate it.
type Map struct {
	epoch   uint64
	entries [Count]Entry
}

// Empty returns a map with every slot unassigned at epoch 0.
func Empty() *Map {
	return &Map{}
}

// Resolve returns the slot a key hashes to.
func Resolve(key string) uint16 {
	return hash.KeySlot(key)
}

// Epoch returns the highest config epoch stamped on the map.
func (m *Map) Epoch() uint64 {
	return m.epoch
}

// Entry returns the record for slot.
func (m *Map) Entry(slot uint16) Entry {
	if int(slot) >= Count {
		return Entry{}
	}
	return m.entries[slot]
}

// OwnerOf returns the owning node ID of slot, or "" when unassigned. A
// migrating slot still reports its source.
func (m *Map) OwnerOf(slot uint16) string {
	return m.Entry(slot).Owner
}

// SlotsOf returns the slots owned by nodeID in ascending order.
func (m *Map) SlotsOf(nodeID string) []uint16 {
	var out []uint16
	for i := range m.entries {
		if m.entries[i].Owner == nodeID {
			out = append(out, uint16(i))
		}
	}
	return out
}

// CountOf returns how many slots nodeID owns.
func (m *Map) CountOf(nodeID string) int {
	n := 0
	for i := range m.entries {
		if m.entries[i].Owner == nodeID {
			n++
		}
	}
	return n
}

// Owners returns the set of node IDs that own at least one slot.
func (m *Map) Owners() map[string]int {
	owners := make(map[string]int)
	for i := range m.entries {
		if o := m.entries[i].Owner; o != "" {
			owners[o]++
		}
	}
	return owners
}

// Assigned returns the number of slots with an owner.
func (m *Map) Assigned() int {
	n := 0
	for i := range m.entries {
		if m.entries[i].Owner != "" {
			n++
		}
	}
	return n
}

// Transitional returns every slot that is Migrating or Importing locally.
func (m *Map) Transitional() map[uint16]Entry {
	out := make(map[uint16]Entry)
	for i := range m.entries {
		if m.entries[i].State != Stable {
			out[uint16(i)] = m.entries[i]
		}
	}
	return out
}

// Range is a run of contiguous slots with the same owner.
type Range struct {
	Start  uint16
	End    uint16
	NodeID string
}

// Ranges returns the owned slot ranges in slot order.
func (m *Map) Ranges() []Range {
	var ranges []Range
	var cur *Range
	for i := 0; i < Count; i++ {
		owner := m.entries[i].Owner
		if owner == "" {
			if cur != nil {
				ranges = append(ranges, *cur)
				cur = nil
			}
			continue
		}
		if cur == nil || cur.NodeID != owner {
			if cur != nil {
				ranges = append(ranges, *cur)
			}
			cur = &Range{Start: uint16(i), End: uint16(i), NodeID: owner}
			continue
		}
		cur.End = uint16(i)
	}
	if cur != nil {
		ranges = append(ranges, *cur)
	}
	return ranges
}

// Claim is the wire form of a run of slots owned at one epoch.
type Claim struct {
	Start uint16
	End   uint16
	Owner string
	Epoch uint64
}

// Snapshot is the transferable form of a Map. Migration states are local to
// each node and are not carried.
type Snapshot struct {
	Epoch  uint64
	Claims []Claim
}

// Snapshot compresses the map into claims.
func (m *Map) Snapshot() Snapshot {
	return Snapshot{Epoch: m.epoch, Claims: m.claims("")}
}

// ClaimsOf returns the claims held by nodeID, each with its own epoch.
func (m *Map) ClaimsOf(nodeID string) []Claim {
	if nodeID == "" {
		return nil
	}
	return m.claims(nodeID)
}

func (m *Map) claims(only string) []Claim {
	var out []Claim
	var cur *Claim
	for i := 0; i < Count; i++ {
		e := m.entries[i]
		if e.Owner == "" || (only != "" && e.Owner != only) {
			if cur != nil {
				out = append(out, *cur)
				cur = nil
			}
			continue
		}
		if cur == nil || cur.Owner != e.Owner || cur.Epoch != e.Epoch {
			if cur != nil {
				out = append(out, *cur)
			}
			cur = &Claim{Start: uint16(i), End: uint16(i), Owner: e.Owner, Epoch: e.Epoch}
			continue
		}
		cur.End = uint16(i)
	}
	if cur != nil {
		out = append(out, *cur)
	}
	return out
}

// FromSnapshot rebuilds a map from its wire form.
func FromSnapshot(s Snapshot) (*Map, error) {
	m := &Map{epoch: s.Epoch}
	for _, c := range s.Claims {
		if c.Start > c.End || int(c.End) >= Count {
			return nil, fmt.Errorf("invalid claim range %d-%d", c.Start, c.End)
		}
		for slot := int(c.Start); slot <= int(c.End); slot++ {
			m.entries[slot] = Entry{Owner: c.Owner, Epoch: c.Epoch}
		}
		if c.Epoch > m.epoch {
			m.epoch = c.Epoch
		}
	}
	return m, nil
}

func (m *Map) clone() *Map {
	c := &Map{epoch: m.epoch}
	c.entries = m.entries
	return c
}

// Conflict records two owners claiming one slot under the same epoch. The
// owner with the lexicographically smaller ID keeps the slot.
type Conflict struct {
	Slot   uint16
	Epoch  uint64
	Winner string
	Loser  string
}

// Change records a slot that moved from one owner to another.
type Change struct {
	Slot     uint16
	OldOwner string
	NewOwner string
}

// Result describes the effect of merging remote ownership information.
type Result struct {
	Changes   []Change
	Conflicts []Conflict
}

// Changed reports whether the merge reassigned any slot.
func (r Result) Changed() bool {
	return len(r.Changes) > 0
}

// merge applies a remote (owner, epoch) claim for one slot to b using
// last-epoch-wins, breaking ties on the node ID.
func (b *Builder) merge(slot uint16, owner string, epoch uint64, res *Result) {
	cur := b.m.entries[slot]
	if owner == "" || cur.Owner == owner {
		if cur.Owner == owner && epoch > cur.Epoch {
			b.m.entries[slot].Epoch = epoch
			b.bump(epoch)
		}
		return
	}
	switch {
	case cur.Owner == "" || epoch > cur.Epoch:
	case epoch == cur.Epoch:
		winner, loser := cur.Owner, owner
		if owner < cur.Owner {
			winner, loser = owner, cur.Owner
		}
		res.Conflicts = append(res.Conflicts, Conflict{Slot: slot, Epoch: epoch, Winner: winner, Loser: loser})
		if winner != owner {
			return
		}
	default:
		return
	}
	b.m.entries[slot] = Entry{Owner: owner, Epoch: epoch}
	b.bump(epoch)
	b.changed = true
	res.Changes = append(res.Changes, Change{Slot: slot, OldOwner: cur.Owner, NewOwner: owner})
}

// Builder mutates a private copy of a map. Only Table hands builders out.
type Builder struct {
	m       *Map
	changed bool
}

func (b *Builder) bump(epoch uint64) {
	if epoch > b.m.epoch {
		b.m.epoch = epoch
	}
	b.changed = true
}

// Map returns the map under construction.
func (b *Builder) Map() *Map {
	return b.m
}

// Assign gives slot to owner at epoch and clears any transitional state.
func (b *Builder) Assign(slot uint16, owner string, epoch uint64) {
	b.m.entries[slot] = Entry{Owner: owner, Epoch: epoch}
	b.bump(epoch)
}

// Unassign removes the owner of slot.
func (b *Builder) Unassign(slot uint16) {
	b.m.entries[slot] = Entry{}
	b.changed = true
}

// SetMigrating marks slot as moving to target.
func (b *Builder) SetMigrating(slot uint16, target string) {
	b.m.entries[slot].State = Migrating
	b.m.entries[slot].Peer = target
	b.changed = true
}

// SetImporting marks slot as arriving from source.
func (b *Builder) SetImporting(slot uint16, source string) {
	b.m.entries[slot].State = Importing
	b.m.entries[slot].Peer = source
	b.changed = true
}

// SetStable clears transitional state on slot.
func (b *Builder) SetStable(slot uint16) {
	b.m.entries[slot].State = Stable
	b.m.entries[slot].Peer = ""
	b.changed = true
}

// Table holds the node's current Map and swaps it copy-on-write.
type Table struct {
	cur atomic.Pointer[Map]

	// mu serializes writers; readers only load the pointer.
	mu       sync.Mutex
	onChange func(old, cur *Map)
}

// NewTable returns a table holding an empty map.
func NewTable() *Table {
	t := &Table{}
	t.cur.Store(Empty())
	return t
}

// SetOnChange registers a callback invoked after every swap.
func (t *Table) SetOnChange(fn func(old, cur *Map)) {
	t.mu.Lock()
	t.onChange = fn
	t.mu.Unlock()
}

// Load returns the current map.
func (t *Table) Load() *Map {
	return t.cur.Load()
}

// Epoch returns the epoch of the current map.
func (t *Table) Epoch() uint64 {
	return t.Load().Epoch()
}

// OwnerOf returns the owner of slot in the current map.
func (t *Table) OwnerOf(slot uint16) string {
	return t.Load().OwnerOf(slot)
}

// Update runs fn against a private copy and swaps it in if fn changed it.
func (t *Table) Update(fn func(b *Builder) error) (*Map, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	old := t.cur.Load()
	b := &Builder{m: old.clone()}
	if err := fn(b); err != nil {
		return old, err
	}
	if !b.changed {
		return old, nil
	}
	t.swap(old, b.m)
	return b.m, nil
}

// ApplyUpdate advances to m only when m carries a strictly higher epoch.
// Slots are merged entry by entry so that a slot never regresses to an
// older claim. It returns what changed and whether m was accepted.
func (t *Table) ApplyUpdate(m *Map) (Result, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	old := t.cur.Load()
	if m.Epoch() <= old.Epoch() {
		return Result{}, false
	}

	var res Result
	b := &Builder{m: old.clone()}
	for i := 0; i < Count; i++ {
		e := m.entries[i]
		b.merge(uint16(i), e.Owner, e.Epoch, &res)
	}
	b.bump(m.Epoch())
	t.swap(old, b.m)
	return res, true
}

// ApplyClaim merges a node's own ownership claim, as carried in its
// heartbeats, into the table.
func (t *Table) ApplyClaim(nodeID string, claimed []uint16, epoch uint64) Result {
	t.mu.Lock()
	defer t.mu.Unlock()

	var res Result
	old := t.cur.Load()
	b := &Builder{m: old.clone()}
	for _, slot := range claimed {
		if int(slot) >= Count {
			continue
		}
		b.merge(slot, nodeID, epoch, &res)
	}
	if b.changed {
		t.swap(old, b.m)
	}
	return res
}

// ApplyClaims merges the claims a node announces for itself. Claims naming
// another owner are ignored.
func (t *Table) ApplyClaims(nodeID string, claims []Claim) Result {
	t.mu.Lock()
	defer t.mu.Unlock()

	var res Result
	old := t.cur.Load()
	b := &Builder{m: old.clone()}
	for _, c := range claims {
		if c.Owner != nodeID || c.Start > c.End || int(c.End) >= Count {
			continue
		}
		for slot := int(c.Start); slot <= int(c.End); slot++ {
			b.merge(uint16(slot), nodeID, c.Epoch, &res)
		}
	}
	if b.changed {
		t.swap(old, b.m)
	}
	return res
}

// Restore replaces the map wholesale. Used when loading persisted state
// before the node joins the cluster.
func (t *Table) Restore(m *Map) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.swap(t.cur.Load(), m)
}

func (t *Table) swap(old, cur *Map) {
	t.cur.Store(cur)
	if t.onChange != nil {
		t.onChange(old, cur)
	}
}

// SortSlots sorts slots in place.
func SortSlots(s []uint16) {
	sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
}
