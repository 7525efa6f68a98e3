// Package migration moves a slot and its keys from this node to another
// master while both keep serving traffic.
//
// The source drives the whole exchange:
//
//	destination: CLUSTER SETSLOT <slot> IMPORTING <source>
//	source:      slot -> Migrating
//	source:      copy batches with ASKING + RESTORE, delete what was copied
//	destination: CLUSTER SETSLOT <slot> NODE <destination>  (returns epoch)
//	source:      adopt the destination's claim at that epoch
//
// The source holds the slot gate of its store while it switches the slot to
// Migrating, while it copies and deletes one batch, and while it hands the
// slot over. Client commands hold the same gate shared from routing to
// reply, so none of them sees a key both copied and still present, and a
// miss on a migrating slot always means the key lives on the destination.
//
// Any failure that outlives the retry budget returns the slot to Stable on
// both sides. An aborted migration is never resumed; it must be started
// again.
package migration

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/10yihang/slotkv/internal/cluster/slots"
	"github.com/10yihang/slotkv/internal/metrics"
	"github.com/10yihang/slotkv/internal/store"
	"github.com/10yihang/slotkv/pkg/errors"
)

type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Progress tracks one migration of one slot.
type Progress struct {
	Slot         uint16
	Target       string
	Status       Status
	MigratedKeys int
	Batches      int
	Retries      int
	Epoch        uint64
	LastError    string
	StartTime    time.Time
	EndTime      time.Time
}

type Config struct {
	BatchSize     int
	KeysPerSecond int
	Timeout       time.Duration
	MaxRetries    int
	RetryBackoff  time.Duration
}

func DefaultConfig() Config {
	return Config{
		BatchSize:     100,
		KeysPerSecond: 0,
		Timeout:       5 * time.Second,
		MaxRetries:    3,
		RetryBackoff:  100 * time.Millisecond,
	}
}

// Directory resolves node IDs to client addresses.
type Directory interface {
	ClientAddr(nodeID string) (string, bool)
}

// Coordinator runs slot migrations where this node is the source.
type Coordinator struct {
	selfID  string
	table   *slots.Table
	store   *store.Store
	dir     Directory
	dial    Dialer
	cfg     Config
	limiter *rate.Limiter
	logger  *zap.Logger

	onDone func(slot uint16, dest string, epoch uint64)

	mu       sync.Mutex
	progress map[uint16]*Progress
	cancels  map[uint16]context.CancelFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(selfID string, table *slots.Table, st *store.Store, dir Directory, cfg Config, logger *zap.Logger) *Coordinator {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}

	limit := rate.Inf
	if cfg.KeysPerSecond > 0 {
		limit = rate.Limit(cfg.KeysPerSecond)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		selfID:   selfID,
		table:    table,
		store:    st,
		dir:      dir,
		dial:     DialRedis,
		cfg:      cfg,
		limiter:  rate.NewLimiter(limit, cfg.BatchSize),
		logger:   logger.Named("migration"),
		progress: make(map[uint16]*Progress),
		cancels:  make(map[uint16]context.CancelFunc),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SetDialer replaces the RESP dialer used to reach destinations.
func (c *Coordinator) SetDialer(d Dialer) {
	c.dial = d
}

// OnComplete registers a callback run after a slot changed hands.
func (c *Coordinator) OnComplete(fn func(slot uint16, dest string, epoch uint64)) {
	c.onDone = fn
}

// Start validates the request and migrates slot to dest in the background.
func (c *Coordinator) Start(slot uint16, dest string) error {
	addr, err := c.begin(slot, dest)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(c.ctx)
	c.mu.Lock()
	c.cancels[slot] = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		if err := c.run(ctx, slot, dest, addr); err != nil {
			c.logger.Warn("slot migration failed",
				zap.Uint16("slot", slot), zap.String("target", dest), zap.Error(err))
		}
	}()
	return nil
}

// Migrate moves slot to dest and blocks until it is done or aborted.
func (c *Coordinator) Migrate(ctx context.Context, slot uint16, dest string) error {
	addr, err := c.begin(slot, dest)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.mu.Lock()
	c.cancels[slot] = cancel
	c.mu.Unlock()
	return c.run(ctx, slot, dest, addr)
}

// Cancel aborts a running migration of slot.
func (c *Coordinator) Cancel(slot uint16) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cancel, ok := c.cancels[slot]
	if ok {
		cancel()
	}
	return ok
}

// Stop aborts every running migration and waits for them to unwind.
func (c *Coordinator) Stop() {
	c.cancel()
	c.wg.Wait()
}

// Progress returns a copy of the latest progress recorded for slot.
func (c *Coordinator) Progress(slot uint16) (Progress, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.progress[slot]
	if !ok {
		return Progress{}, false
	}
	return *p, true
}

// All returns the progress of every migration this node ran, by slot.
func (c *Coordinator) All() []Progress {
	c.mu.Lock()
	out := make([]Progress, 0, len(c.progress))
	for _, p := range c.progress {
		out = append(out, *p)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out
}

func (c *Coordinator) begin(slot uint16, dest string) (string, error) {
	if int(slot) >= slots.Count {
		return "", fmt.Errorf("slot %d out of range: %w", slot, errors.ErrInvalidArgs)
	}
	if dest == c.selfID {
		return "", fmt.Errorf("can't migrate slot %d to myself", slot)
	}
	addr, ok := c.dir.ClientAddr(dest)
	if !ok {
		return "", fmt.Errorf("%w: %s", errors.ErrUnknownNode, dest)
	}
	e := c.table.Load().Entry(slot)
	if e.Owner != c.selfID {
		return "", fmt.Errorf("slot %d: %w", slot, errors.ErrNotOwner)
	}
	if e.State != slots.Stable {
		return "", fmt.Errorf("slot %d: %w", slot, errors.ErrSlotBusy)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.progress[slot]; ok && p.Status == StatusRunning {
		return "", fmt.Errorf("slot %d: %w", slot, errors.ErrSlotBusy)
	}
	c.progress[slot] = &Progress{
		Slot:      slot,
		Target:    dest,
		Status:    StatusRunning,
		StartTime: time.Now(),
	}
	return addr, nil
}

func (c *Coordinator) update(slot uint16, fn func(p *Progress)) {
	c.mu.Lock()
	if p, ok := c.progress[slot]; ok {
		fn(p)
	}
	c.mu.Unlock()
}

func (c *Coordinator) run(ctx context.Context, slot uint16, dest, addr string) (err error) {
	target := c.dial(addr, c.cfg.Timeout)
	defer target.Close()

	migrated := 0
	logger := c.logger.With(zap.Uint16("slot", slot), zap.String("target", dest))
	logger.Info("slot migration started", zap.String("addr", addr))

	defer func() {
		c.mu.Lock()
		delete(c.cancels, slot)
		c.mu.Unlock()

		if err == nil {
			return
		}
		c.abort(slot, dest, target)
		c.update(slot, func(p *Progress) {
			p.Status = StatusFailed
			p.LastError = err.Error()
			p.EndTime = time.Now()
		})
		metrics.RecordMigration("failed", migrated)
	}()

	if err := c.retry(ctx, slot, func(ctx context.Context) error {
		return target.SetImporting(ctx, slot, c.selfID)
	}); err != nil {
		return fmt.Errorf("set importing on %s: %w", dest, err)
	}

	if err := c.markMigrating(slot, dest); err != nil {
		return err
	}

	var epoch uint64
	for {
		if err := c.checkStillMigrating(slot, dest); err != nil {
			return err
		}
		pending := c.store.CountKeysInSlot(slot)
		if pending == 0 {
			e, handed, err := c.handOver(ctx, slot, dest, target)
			if err != nil {
				return fmt.Errorf("hand over slot: %w", err)
			}
			if handed {
				epoch = e
				break
			}
			continue
		}
		if err := c.limiter.WaitN(ctx, min(pending, c.cfg.BatchSize)); err != nil {
			return err
		}

		n, err := c.moveBatch(ctx, slot, target)
		if err != nil {
			return fmt.Errorf("copy keys: %w", err)
		}
		migrated += n
		c.update(slot, func(p *Progress) {
			p.MigratedKeys += n
			p.Batches++
		})
		logger.Debug("batch migrated", zap.Int("keys", n))
	}

	c.update(slot, func(p *Progress) {
		p.Status = StatusCompleted
		p.Epoch = epoch
		p.EndTime = time.Now()
	})
	metrics.RecordMigration("completed", migrated)
	logger.Info("slot migration completed", zap.Int("keys", migrated), zap.Uint64("epoch", epoch))

	if c.onDone != nil {
		c.onDone(slot, dest, epoch)
	}
	return nil
}

func (c *Coordinator) markMigrating(slot uint16, dest string) error {
	gate := c.store.SlotGate(slot)
	gate.Lock()
	defer gate.Unlock()

	_, err := c.table.Update(func(b *slots.Builder) error {
		if b.Map().OwnerOf(slot) != c.selfID {
			return fmt.Errorf("slot %d: %w", slot, errors.ErrNotOwner)
		}
		b.SetMigrating(slot, dest)
		return nil
	})
	return err
}

// moveBatch copies one batch to target and deletes it locally. Retries run
// with the gate still held: a key a client deleted between two attempts
// would otherwise survive on the destination.
func (c *Coordinator) moveBatch(ctx context.Context, slot uint16, target Target) (int, error) {
	gate := c.store.SlotGate(slot)
	gate.Lock()
	defer gate.Unlock()

	recs := c.store.RecordsInSlot(slot, c.cfg.BatchSize)
	if len(recs) == 0 {
		return 0, nil
	}
	if err := c.retry(ctx, slot, func(ctx context.Context) error {
		return target.Restore(ctx, recs)
	}); err != nil {
		return 0, err
	}

	n := 0
	for _, rec := range recs {
		// Writes that bypass the gate may still rewrite a key; it keeps
		// its place and is copied again by a later batch.
		if c.store.DeleteIfVersion(rec.Key, rec.Version) {
			n++
		}
	}
	return n, nil
}

// handOver gives the emptied slot to dest and adopts its claim. It reports
// false, without contacting dest, when keys appeared since the last batch.
func (c *Coordinator) handOver(ctx context.Context, slot uint16, dest string, target Target) (uint64, bool, error) {
	gate := c.store.SlotGate(slot)
	gate.Lock()
	defer gate.Unlock()

	if c.store.CountKeysInSlot(slot) > 0 {
		return 0, false, nil
	}
	var epoch uint64
	if err := c.retry(ctx, slot, func(ctx context.Context) error {
		var err error
		epoch, err = target.Finish(ctx, slot, dest)
		return err
	}); err != nil {
		return 0, false, err
	}

	if res := c.table.ApplyClaim(dest, []uint16{slot}, epoch); !res.Changed() {
		c.logger.Warn("destination claim not newer than local entry",
			zap.Uint16("slot", slot), zap.Uint64("epoch", epoch))
	}
	return epoch, true, nil
}

// checkStillMigrating fails when a failover or a newer claim took slot
// away from this node mid-migration.
func (c *Coordinator) checkStillMigrating(slot uint16, dest string) error {
	e := c.table.Load().Entry(slot)
	if e.Owner != c.selfID {
		return fmt.Errorf("slot %d now owned by %s: %w", slot, e.Owner, errors.ErrNotOwner)
	}
	if e.State != slots.Migrating || e.Peer != dest {
		return fmt.Errorf("slot %d left migrating state", slot)
	}
	return nil
}

func (c *Coordinator) retry(ctx context.Context, slot uint16, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			c.update(slot, func(p *Progress) { p.Retries++ })
			backoff := c.cfg.RetryBackoff << uint(attempt-1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		err := fn(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err
		c.logger.Debug("migration step failed", zap.Uint16("slot", slot),
			zap.Int("attempt", attempt), zap.Error(err))
	}
	return lastErr
}

// abort pins slot to its last stable owner on both sides.
func (c *Coordinator) abort(slot uint16, dest string, target Target) {
	c.table.Update(func(b *slots.Builder) error {
		e := b.Map().Entry(slot)
		if e.Owner == c.selfID && e.State == slots.Migrating {
			b.SetStable(slot)
		}
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
	defer cancel()
	if err := target.SetStable(ctx, slot); err != nil {
		c.logger.Debug("could not reset destination slot",
			zap.Uint16("slot", slot), zap.String("target", dest), zap.Error(err))
	}
}
