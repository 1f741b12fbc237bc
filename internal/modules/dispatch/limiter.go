package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"waypoint/internal/types"
)

// RateLimiter decides whether one more report for key is accepted.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// MemoryLimiter is a per-key token bucket refilling limit tokens per window.
type MemoryLimiter struct {
	limit  int
	window time.Duration
	clock  quartz.Clock

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

func NewMemoryLimiter(limit int, window time.Duration, clock quartz.Clock) *MemoryLimiter {
	return &MemoryLimiter{
		limit:   limit,
		window:  window,
		clock:   clock,
		buckets: make(map[string]*rate.Limiter),
	}
}

func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	if m.limit <= 0 {
		return true, nil
	}
	m.mu.Lock()
	b, ok := m.buckets[key]
	if !ok {
		b = rate.NewLimiter(rate.Every(m.window/time.Duration(m.limit)), m.limit)
		m.buckets[key] = b
	}
	m.mu.Unlock()
	return b.AllowN(m.clock.Now(), 1), nil
}

// Forget drops the bucket of key, e.g. after the participant disconnects.
func (m *MemoryLimiter) Forget(key string) {
	m.mu.Lock()
	delete(m.buckets, key)
	m.mu.Unlock()
}

// RedisLimiter counts reports in fixed windows shared by every instance.
type RedisLimiter struct {
	redis  *redis.Client
	limit  int
	window time.Duration
	clock  quartz.Clock
}

func NewRedisLimiter(client *redis.Client, limit int, window time.Duration, clock quartz.Clock) *RedisLimiter {
	return &RedisLimiter{redis: client, limit: limit, window: window, clock: clock}
}

func (r *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	if r.limit <= 0 {
		return true, nil
	}
	if r.window <= 0 {
		return false, fmt.Errorf("%w: rate limit window must be positive", types.ErrValidation)
	}
	bucket := r.clock.Now().UnixNano() / int64(r.window)
	k := fmt.Sprintf("ratelimit:report:%s:%d", key, bucket)

	pipe := r.redis.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.ExpireNX(ctx, k, r.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("%w: rate limiter: %v", types.ErrUnavailable, err)
	}
	return incr.Val() <= int64(r.limit), nil
}
