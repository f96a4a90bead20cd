package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// DailyCounter counts jobs a user started on a calendar day (UTC).
type DailyCounter interface {
	Count(ctx context.Context, userID uuid.UUID, day time.Time) (int, error)
	Incr(ctx context.Context, userID uuid.UUID, day time.Time) (int, error)
}

// dayKey formats the date part of a counter key.
func dayKey(day time.Time) string {
	return day.UTC().Format(time.DateOnly)
}

// counterExpiry is the end of the day after day, so a key outlives its date boundary.
func counterExpiry(day time.Time) time.Time {
	d := day.UTC()
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 2)
}

// RedisCounter stores counts in Redis so every API instance sees the same number.
type RedisCounter struct {
	client    goredis.Cmdable
	keyPrefix string
}

var _ DailyCounter = (*RedisCounter)(nil)

// RedisOption configures RedisCounter.
type RedisOption func(*RedisCounter)

// WithKeyPrefix sets the key prefix (default "free_mode:renders:").
func WithKeyPrefix(prefix string) RedisOption {
	return func(c *RedisCounter) { c.keyPrefix = prefix }
}

func NewRedisCounter(client goredis.Cmdable, opts ...RedisOption) *RedisCounter {
	c := &RedisCounter{client: client, keyPrefix: "free_mode:renders:"}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *RedisCounter) key(userID uuid.UUID, day time.Time) string {
	return c.keyPrefix + userID.String() + ":" + dayKey(day)
}

func (c *RedisCounter) Count(ctx context.Context, userID uuid.UUID, day time.Time) (int, error) {
	val, err := c.client.Get(ctx, c.key(userID, day)).Result()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("quota: redis get: %w", err)
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("quota: corrupt counter %q: %w", val, err)
	}
	return n, nil
}

func (c *RedisCounter) Incr(ctx context.Context, userID uuid.UUID, day time.Time) (int, error) {
	key := c.key(userID, day)
	var incr *goredis.IntCmd
	_, err := c.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		incr = p.Incr(ctx, key)
		p.ExpireAt(ctx, key, counterExpiry(day))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("quota: redis incr: %w", err)
	}
	return int(incr.Val()), nil
}

// MemoryCounter is an in-process counter. Counts are per instance, so it is only
// accurate for single-instance deployments.
type MemoryCounter struct {
	mu     sync.Mutex
	counts map[uuid.UUID]memoryCount
}

type memoryCount struct {
	day   string
	count int
}

var _ DailyCounter = (*MemoryCounter)(nil)

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{counts: make(map[uuid.UUID]memoryCount)}
}

func (c *MemoryCounter) Count(_ context.Context, userID uuid.UUID, day time.Time) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	mc, ok := c.counts[userID]
	if !ok || mc.day != dayKey(day) {
		return 0, nil
	}
	return mc.count, nil
}

func (c *MemoryCounter) Incr(_ context.Context, userID uuid.UUID, day time.Time) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := dayKey(day)
	mc := c.counts[userID]
	if mc.day != k {
		mc = memoryCount{day: k}
	}
	mc.count++
	c.counts[userID] = mc
	return mc.count, nil
}

// FallbackCounter uses primary and drops to the in-process secondary whenever
// primary errors. Counts can drift between instances while primary is down.
type FallbackCounter struct {
	primary   DailyCounter
	secondary DailyCounter
	log       *slog.Logger
}

var _ DailyCounter = (*FallbackCounter)(nil)

func NewFallbackCounter(primary, secondary DailyCounter, log *slog.Logger) *FallbackCounter {
	if log == nil {
		log = slog.Default()
	}
	return &FallbackCounter{primary: primary, secondary: secondary, log: log}
}

func (c *FallbackCounter) Count(ctx context.Context, userID uuid.UUID, day time.Time) (int, error) {
	n, err := c.primary.Count(ctx, userID, day)
	if err == nil {
		return n, nil
	}
	c.log.Warn("daily counter unavailable, using in-process count", "op", "count", "user_id", userID, "error", err)
	return c.secondary.Count(ctx, userID, day)
}

func (c *FallbackCounter) Incr(ctx context.Context, userID uuid.UUID, day time.Time) (int, error) {
	n, err := c.primary.Incr(ctx, userID, day)
	if err == nil {
		return n, nil
	}
	c.log.Warn("daily counter unavailable, using in-process count", "op", "incr", "user_id", userID, "error", err)
	return c.secondary.Incr(ctx, userID, day)
}
