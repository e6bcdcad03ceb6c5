package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
)

// Hit is the outcome of recording one attempt.
type Hit struct {
	// Count is the number of attempts inside the window before this one.
	Count int
	// Oldest is the time of the oldest attempt still inside the window,
	// this one included.
	Oldest time.Time
}

// Counter records an attempt for key and reports how many were already
// counted inside the window ending at now.
type Counter interface {
	Hit(ctx context.Context, key string, now time.Time, window time.Duration) (Hit, error)
}

// RedisCounter keeps a sliding-window log per key in a sorted set scored by
// attempt time in milliseconds.
type RedisCounter struct {
	client redis.UniversalClient
	seq    atomic.Uint64
}

func NewRedisCounter(client redis.UniversalClient) *RedisCounter {
	return &RedisCounter{client: client}
}

func (c *RedisCounter) Hit(ctx context.Context, key string, now time.Time, window time.Duration) (Hit, error) {
	nowMs := now.UnixMilli()
	cutoff := nowMs - window.Milliseconds()
	member := strconv.FormatInt(nowMs, 10) + "-" + strconv.FormatUint(c.seq.Add(1), 10)

	var (
		card   *redis.IntCmd
		oldest *redis.ZSliceCmd
	)
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(cutoff, 10))
		card = pipe.ZCard(ctx, key)
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(nowMs), Member: member})
		pipe.PExpire(ctx, key, window)
		oldest = pipe.ZRangeWithScores(ctx, key, 0, 0)
		return nil
	})
	if err != nil {
		return Hit{}, fmt.Errorf("redis sliding window %s: %w", key, err)
	}

	hit := Hit{Count: int(card.Val()), Oldest: now}
	if zs := oldest.Val(); len(zs) > 0 {
		hit.Oldest = time.UnixMilli(int64(zs[0].Score)).In(now.Location())
	}
	return hit, nil
}

type localWindow struct {
	start time.Time
	count int
}

// LocalCounter approximates the shared counter inside one process with a
// counter and window start per key. The LRU bounds memory; evicted keys
// simply start a fresh window.
type LocalCounter struct {
	mu      sync.Mutex
	windows *lru.Cache[string, *localWindow]
}

// NewLocalCounter keeps at most size keys, 10000 when size is not positive.
func NewLocalCounter(size int) *LocalCounter {
	if size <= 0 {
		size = 10000
	}
	// lru.New fails only for a non-positive size.
	cache, _ := lru.New[string, *localWindow](size)
	return &LocalCounter{windows: cache}
}

func (c *LocalCounter) Hit(_ context.Context, key string, now time.Time, window time.Duration) (Hit, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	w, ok := c.windows.Get(key)
	if !ok || now.Sub(w.start) >= window {
		w = &localWindow{start: now}
		c.windows.Add(key, w)
	}
	hit := Hit{Count: w.count, Oldest: w.start}
	w.count++
	return hit, nil
}

func (c *LocalCounter) Len() int {
	return c.windows.Len()
}
