package replication

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/10yihang/slotkv/internal/cluster/transport"
	"github.com/10yihang/slotkv/internal/metrics"
	"github.com/10yihang/slotkv/internal/store"
)

const (
	batchSize    = 512
	writeTimeout = 10 * time.Second
)

// serveReplica runs the master side of one replica connection.
func (e *Engine) serveReplica(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(transport.DialTimeout))
	var hs Handshake
	if err := transport.ReadMsg(conn, &hs); err != nil {
		e.logger.Debug("read handshake", zap.Error(err))
		return
	}
	conn.SetReadDeadline(time.Time{})

	e.mu.RLock()
	role := e.role
	replID, prevReplID, prevOffset := e.replID, e.prevReplID, e.prevOffset
	roleCtx := e.roleCtx
	e.mu.RUnlock()

	if role != RoleMaster {
		e.write(conn, &SyncReply{Mode: SyncRefused, Reason: "not a master"})
		return
	}

	known := hs.ReplID != "" &&
		(hs.ReplID == replID || (hs.ReplID == prevReplID && hs.Offset <= prevOffset))

	var from uint64
	if known && e.backlog.Covers(hs.Offset) {
		from = hs.Offset
		if err := e.write(conn, &SyncReply{Mode: SyncContinue, ReplID: replID, Offset: from}); err != nil {
			return
		}
		metrics.RecordResync("partial")
		e.logger.Info("partial resync accepted", zap.String("replica", hs.ReplicaID),
			zap.Uint64("offset", from))
	} else {
		// Entries up to from are all reflected in the snapshot; later ones
		// may be too and are replayed idempotently.
		from = e.backlog.Offset()
		if err := e.write(conn, &SyncReply{Mode: SyncFull, ReplID: replID, Offset: from}); err != nil {
			return
		}
		if err := e.sendSnapshot(conn); err != nil {
			e.logger.Warn("full resync failed", zap.String("replica", hs.ReplicaID), zap.Error(err))
			return
		}
		metrics.RecordResync("full")
		e.logger.Info("full resync sent", zap.String("replica", hs.ReplicaID), zap.Uint64("offset", from))
	}

	e.mu.Lock()
	e.replicas[hs.ReplicaID] = &replicaState{
		id:      hs.ReplicaID,
		addr:    conn.RemoteAddr().String(),
		offset:  from,
		lastAck: time.Now(),
	}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.replicas, hs.ReplicaID)
		e.mu.Unlock()
	}()

	streamCtx, cancel := context.WithCancel(roleCtx)
	defer cancel()
	go func() {
		<-streamCtx.Done()
		conn.Close()
	}()
	go e.readAcks(streamCtx, cancel, conn, hs.ReplicaID)

	e.stream(streamCtx, conn, from, hs.ReplicaID)
}

func (e *Engine) write(conn net.Conn, v any) error {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return transport.WriteMsg(conn, v)
}

func (e *Engine) sendSnapshot(conn net.Conn) error {
	chunk := make([]store.Record, 0, e.cfg.SnapshotChunk)
	err := e.st.Snapshot(func(r store.Record) error {
		chunk = append(chunk, r)
		if len(chunk) < e.cfg.SnapshotChunk {
			return nil
		}
		err := e.write(conn, &SnapshotChunk{Records: chunk})
		chunk = chunk[:0]
		return err
	})
	if err != nil {
		return err
	}
	return e.write(conn, &SnapshotChunk{Records: chunk, Last: true})
}

func (e *Engine) readAcks(ctx context.Context, cancel context.CancelFunc, conn net.Conn, replicaID string) {
	defer cancel()
	for {
		var ack Ack
		if err := transport.ReadMsg(conn, &ack); err != nil {
			if ctx.Err() == nil {
				e.logger.Debug("replica link closed", zap.String("replica", replicaID), zap.Error(err))
			}
			return
		}
		e.updateAck(replicaID, ack.Offset)
	}
}

func (e *Engine) stream(ctx context.Context, conn net.Conn, from uint64, replicaID string) {
	heartbeat := time.NewTicker(e.cfg.AckInterval)
	defer heartbeat.Stop()

	for {
		wait := e.backlog.Wait()
		entries, ok := e.backlog.Since(from, batchSize)
		if !ok {
			// The replica fell out of the backlog; it will reconnect and
			// be offered a full resync.
			e.logger.Warn("replica fell behind backlog", zap.String("replica", replicaID),
				zap.Uint64("offset", from), zap.Uint64("master_offset", e.backlog.Offset()))
			return
		}
		if len(entries) > 0 {
			if err := e.write(conn, &Batch{Entries: entries}); err != nil {
				return
			}
			from = entries[len(entries)-1].Offset
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-wait:
		case <-heartbeat.C:
			if err := e.write(conn, &Batch{}); err != nil {
				return
			}
		}
	}
}
