package migration

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/10yihang/slotkv/internal/store"
)

// Target is the destination side of a slot migration.
type Target interface {
	// SetImporting opens slot for records coming from source.
	SetImporting(ctx context.Context, slot uint16, source string) error
	// Restore writes recs on the destination, replacing existing keys.
	Restore(ctx context.Context, recs []store.Record) error
	// Finish hands slot to node and returns the epoch it was claimed with.
	Finish(ctx context.Context, slot uint16, node string) (uint64, error)
	// SetStable clears the transitional state of slot.
	SetStable(ctx context.Context, slot uint16) error
	Close() error
}

// Dialer opens a Target for the client address of a destination node.
type Dialer func(addr string, timeout time.Duration) Target

type redisTarget struct {
	client *redis.Client
}

// DialRedis returns a Target speaking RESP to a destination node.
func DialRedis(addr string, timeout time.Duration) Target {
	return &redisTarget{
		client: redis.NewClient(&redis.Options{
			Addr:             addr,
			Protocol:         2,
			DisableIndentity: true,
			DialTimeout:      timeout,
			ReadTimeout:      timeout,
			WriteTimeout:     timeout,
			PoolSize:         2,
			MaxRetries:       -1,
		}),
	}
}

func (t *redisTarget) SetImporting(ctx context.Context, slot uint16, source string) error {
	return t.client.Do(ctx, "CLUSTER", "SETSLOT", slot, "IMPORTING", source).Err()
}

// Restore pipelines ASKING before every RESTORE so the destination accepts
// keys of a slot it does not own yet.
func (t *redisTarget) Restore(ctx context.Context, recs []store.Record) error {
	if len(recs) == 0 {
		return nil
	}
	pipe := t.client.Pipeline()
	restores := make([]*redis.Cmd, 0, len(recs))
	for _, rec := range recs {
		pipe.Do(ctx, "ASKING")
		restores = append(restores, pipe.Do(ctx, "RESTORE", rec.Key, rec.Version, rec.Value))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("restore batch: %w", err)
	}
	for i, cmd := range restores {
		if err := cmd.Err(); err != nil {
			return fmt.Errorf("restore %q: %w", recs[i].Key, err)
		}
	}
	return nil
}

func (t *redisTarget) Finish(ctx context.Context, slot uint16, node string) (uint64, error) {
	return t.client.Do(ctx, "CLUSTER", "SETSLOT", slot, "NODE", node).Uint64()
}

func (t *redisTarget) SetStable(ctx context.Context, slot uint16) error {
	return t.client.Do(ctx, "CLUSTER", "SETSLOT", slot, "STABLE").Err()
}

func (t *redisTarget) Close() error {
	return t.client.Close()
}
