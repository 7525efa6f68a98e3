package replication

import (
	"encoding/binary"

	"github.com/howeyc/crc16"

	"github.com/10yihang/slotkv/internal/store"
)

// Entry is one record of a master's replication stream.
type Entry struct {
	Offset   uint64
	Mutation store.Mutation
	Sum      uint16
}

func checksum(e *Entry) uint16 {
	m := &e.Mutation
	buf := make([]byte, 0, 19+len(m.Key)+len(m.Value))
	buf = binary.BigEndian.AppendUint64(buf, e.Offset)
	buf = append(buf, byte(m.Op))
	buf = binary.BigEndian.AppendUint16(buf, m.Slot)
	buf = binary.BigEndian.AppendUint64(buf, m.Version)
	buf = append(buf, m.Key...)
	buf = append(buf, m.Value...)
	return crc16.Checksum(buf, crc16.IBMTable)
}

// Valid reports whether the entry checksum matches its contents.
func (e *Entry) Valid() bool {
	return checksum(e) == e.Sum
}

// Handshake is the REPLCONF a replica sends when it (re)connects.
type Handshake struct {
	ReplicaID string
	ReplID    string
	Offset    uint64
}

type SyncMode uint8

const (
	SyncContinue SyncMode = iota + 1
	SyncFull
	SyncRefused
)

func (m SyncMode) String() string {
	switch m {
	case SyncContinue:
		return "CONTINUE"
	case SyncFull:
		return "FULLRESYNC"
	default:
		return "REFUSED"
	}
}

// SyncReply answers a Handshake. For a full resync Offset is the stream
// position the snapshot is consistent with.
type SyncReply struct {
	Mode   SyncMode
	ReplID string
	Offset uint64
	Reason string
}

// SnapshotChunk carries part of a full resync.
type SnapshotChunk struct {
	Records []store.Record
	Last    bool
}

// Batch carries consecutive stream entries; an empty batch is a heartbeat.
type Batch struct {
	Entries []Entry
}

// Ack is the REPLCONF ACK a replica sends periodically.
type Ack struct {
	Offset uint64
}
