package replication

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/10yihang/slotkv/internal/cluster/transport"
	"github.com/10yihang/slotkv/internal/metrics"
	"github.com/10yihang/slotkv/internal/store"
	"github.com/10yihang/slotkv/pkg/errors"
)

var errCorruptEntry = fmt.Errorf("replication entry checksum mismatch")

// runReplica keeps a replica attached to its master, reconnecting with
// backoff. Transient errors are never surfaced beyond the log.
func (e *Engine) runReplica(ctx context.Context, addr string) {
	backoff := e.cfg.ReconnectBackoff
	for {
		synced, err := e.syncOnce(ctx, addr)
		e.setLinkUp(false)
		if ctx.Err() != nil {
			return
		}

		var gap *errors.ReplicationGapError
		if errors.As(err, &gap) || errors.Is(err, errCorruptEntry) {
			e.logger.Warn("replication stream broken, requesting full resync", zap.Error(err))
			e.mu.Lock()
			e.forceFull = true
			e.mu.Unlock()
		} else if err != nil {
			e.logger.Debug("replication link down", zap.String("addr", addr), zap.Error(err))
		}

		if synced {
			backoff = e.cfg.ReconnectBackoff
		}
		sleep := backoff/2 + time.Duration(rand.Int63n(int64(backoff)/2+1))
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
		backoff *= 2
		if backoff > e.cfg.MaxBackoff {
			backoff = e.cfg.MaxBackoff
		}
	}
}

func (e *Engine) setLinkUp(up bool) {
	e.mu.Lock()
	e.linkUp = up
	e.mu.Unlock()
}

// syncOnce performs one handshake and applies the stream until the link
// breaks. synced reports whether the handshake succeeded.
func (e *Engine) syncOnce(ctx context.Context, addr string) (synced bool, err error) {
	conn, err := transport.Dial(ctx, addr, transport.KindReplication)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	linkCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-linkCtx.Done()
		conn.Close()
	}()

	e.mu.RLock()
	hs := Handshake{ReplicaID: e.selfID, ReplID: e.replID, Offset: e.backlog.Offset()}
	if e.forceFull {
		hs.ReplID = ""
	}
	e.mu.RUnlock()

	if err := e.write(conn, &hs); err != nil {
		return false, err
	}

	conn.SetReadDeadline(time.Now().Add(e.readTimeout()))
	var reply SyncReply
	if err := transport.ReadMsg(conn, &reply); err != nil {
		return false, err
	}

	switch reply.Mode {
	case SyncFull:
		if err := e.loadSnapshot(conn); err != nil {
			return false, err
		}
		e.backlog.Reset(reply.Offset)
		metrics.RecordResync("full")
		e.logger.Info("full resync completed", zap.Uint64("offset", reply.Offset),
			zap.Int64("keys", e.st.Len()))
	case SyncContinue:
		metrics.RecordResync("partial")
		e.logger.Info("partial resync", zap.Uint64("offset", reply.Offset))
	default:
		return false, fmt.Errorf("master refused sync: %s", reply.Reason)
	}

	e.mu.Lock()
	e.replID = reply.ReplID
	e.forceFull = false
	e.linkUp = true
	e.mu.Unlock()

	ackNow := make(chan struct{}, 1)
	go e.sendAcks(linkCtx, conn, ackNow)
	return true, e.apply(conn, ackNow)
}

func (e *Engine) readTimeout() time.Duration {
	t := 3 * e.cfg.AckInterval
	if t < 5*time.Second {
		t = 5 * time.Second
	}
	return t
}

func (e *Engine) loadSnapshot(conn net.Conn) error {
	e.st.Flush()
	for {
		conn.SetReadDeadline(time.Now().Add(e.readTimeout()))
		var chunk SnapshotChunk
		if err := transport.ReadMsg(conn, &chunk); err != nil {
			return err
		}
		for _, r := range chunk.Records {
			e.st.Apply(store.Mutation{Op: store.OpSet, Key: r.Key, Value: r.Value, Version: r.Version})
		}
		if chunk.Last {
			return nil
		}
	}
}

func (e *Engine) apply(conn net.Conn, ackNow chan<- struct{}) error {
	for {
		conn.SetReadDeadline(time.Now().Add(e.readTimeout()))
		var batch Batch
		if err := transport.ReadMsg(conn, &batch); err != nil {
			return err
		}
		if err := e.applyBatch(batch.Entries); err != nil {
			return err
		}
		if len(batch.Entries) > 0 {
			select {
			case ackNow <- struct{}{}:
			default:
			}
		}
	}
}

// applyBatch applies entries strictly in offset order.
func (e *Engine) applyBatch(entries []Entry) error {
	for i := range entries {
		entry := entries[i]
		if !entry.Valid() {
			return fmt.Errorf("%w at offset %d", errCorruptEntry, entry.Offset)
		}
		offset := e.backlog.Offset()
		if entry.Offset <= offset {
			continue
		}
		if entry.Offset != offset+1 {
			return &errors.ReplicationGapError{Expected: offset + 1, Got: entry.Offset}
		}
		e.st.Apply(entry.Mutation)
		if err := e.backlog.AppendAt(entry); err != nil {
			return err
		}
	}
	if n := len(entries); n > 0 {
		metrics.ReplicationOffset.WithLabelValues(RoleReplica.String()).Set(float64(entries[n-1].Offset))
	}
	return nil
}

// sendAcks reports the applied offset every AckInterval and right after each
// applied batch. It is the only writer on conn once the stream started.
func (e *Engine) sendAcks(ctx context.Context, conn net.Conn, ackNow <-chan struct{}) {
	ticker := time.NewTicker(e.cfg.AckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ackNow:
		case <-ticker.C:
		}
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := transport.WriteMsg(conn, &Ack{Offset: e.backlog.Offset()}); err != nil {
			return
		}
	}
}
