// Package bufpool recycles the buffers used to encode cluster bus frames.
package bufpool

import (
	"bytes"
	"sync"
)

// MaxRetained is the largest capacity a buffer may have and still be pooled.
// Snapshot chunks can grow a buffer well past the size of a gossip frame.
const MaxRetained = 1 << 20

var pool = sync.Pool{
	New: func() any {
		return new(bytes.Buffer)
	},
}

// Get returns an empty buffer.
func Get() *bytes.Buffer {
	buf := pool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// Put returns buf to the pool. Oversized buffers are dropped.
func Put(buf *bytes.Buffer) {
	if buf == nil || buf.Cap() > MaxRetained {
		return
	}
	buf.Reset()
	pool.Put(buf)
}
