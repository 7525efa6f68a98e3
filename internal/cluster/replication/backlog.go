package replication

import (
	"sync"

	"github.com/10yihang/slotkv/internal/store"
	"github.com/10yihang/slotkv/pkg/errors"
)

// Backlog is a bounded ring of the most recent stream entries. Offsets are
// gap-free: each entry is exactly one past its predecessor.
type Backlog struct {
	mu     sync.Mutex
	buf    []Entry
	start  int
	n      int
	offset uint64
	notify chan struct{}
}

func NewBacklog(size int) *Backlog {
	if size <= 0 {
		size = 1 << 16
	}
	return &Backlog{
		buf:    make([]Entry, size),
		notify: make(chan struct{}),
	}
}

// Append assigns the next offset to m and stores it.
func (b *Backlog) Append(m store.Mutation) Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := Entry{Offset: b.offset + 1, Mutation: m}
	e.Sum = checksum(&e)
	b.push(e)
	return e
}

// AppendAt stores an entry received from a master. Entries at or below the
// current offset are ignored; anything beyond the next offset is a gap.
func (b *Backlog) AppendAt(e Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if e.Offset <= b.offset {
		return nil
	}
	if e.Offset != b.offset+1 {
		return &errors.ReplicationGapError{Expected: b.offset + 1, Got: e.Offset}
	}
	b.push(e)
	return nil
}

func (b *Backlog) push(e Entry) {
	idx := (b.start + b.n) % len(b.buf)
	if b.n == len(b.buf) {
		b.start = (b.start + 1) % len(b.buf)
	} else {
		b.n++
	}
	b.buf[idx] = e
	b.offset = e.Offset

	close(b.notify)
	b.notify = make(chan struct{})
}

// Offset returns the offset of the last entry.
func (b *Backlog) Offset() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.offset
}

// Covers reports whether a reader positioned at offset can continue from the
// backlog without a snapshot.
func (b *Backlog) Covers(offset uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.covers(offset)
}

func (b *Backlog) covers(offset uint64) bool {
	if offset > b.offset {
		return false
	}
	first := b.offset - uint64(b.n) // offset preceding the oldest entry
	return offset >= first
}

// Since returns up to max entries after offset. ok is false when the entries
// following offset are no longer held.
func (b *Backlog) Since(offset uint64, max int) (entries []Entry, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.covers(offset) {
		return nil, false
	}
	avail := int(b.offset - offset)
	if avail > max {
		avail = max
	}
	skip := b.n - int(b.offset-offset)
	entries = make([]Entry, avail)
	for i := 0; i < avail; i++ {
		entries[i] = b.buf[(b.start+skip+i)%len(b.buf)]
	}
	return entries, true
}

// Reset discards all entries and positions the backlog at offset.
func (b *Backlog) Reset(offset uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.start = 0
	b.n = 0
	b.offset = offset
	close(b.notify)
	b.notify = make(chan struct{})
}

// Wait returns a channel closed by the next append or reset.
func (b *Backlog) Wait() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.notify
}
