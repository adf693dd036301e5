// Package ratelimit implements the Rate Limiter (C4): fixed 60-second
// windows (spec.md §4.3). A Limiter counts whatever key it is given; the
// proxy pipeline keys it by agent_id only, and no per-(agent,tool) tier is
// applied. Grounded on the teacher's
// pkg/kernel/limiter_redis.go for the Redis/Lua atomic-update idiom,
// generalized from a token bucket to a fixed window counter to match the
// spec's required semantics exactly.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Result is the outcome of a rate-limit check.
type Result struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter checks and increments a fixed-window counter for a key.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (Result, error)
}

// shard holds one key's window state under its own lock, so contention
// lives per key rather than behind one global mutex (spec.md §5).
type shard struct {
	mu          sync.Mutex
	count       int
	windowStart time.Time
}

// MemoryLimiter is the default in-process Limiter: a sharded map of fixed
// windows. State is lost on restart, which spec.md §4.3 explicitly accepts
// ("design must tolerate restart").
type MemoryLimiter struct {
	mu     sync.RWMutex
	shards map[string]*shard
}

// NewMemoryLimiter builds an empty MemoryLimiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{shards: make(map[string]*shard)}
}

func (m *MemoryLimiter) getShard(key string) *shard {
	m.mu.RLock()
	s, ok := m.shards[key]
	m.mu.RUnlock()
	if ok {
		return s
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok = m.shards[key]; ok {
		return s
	}
	s = &shard{}
	m.shards[key] = s
	return s
}

// Allow increments key's counter in the current window, resetting it if the
// window has rolled over.
func (m *MemoryLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (Result, error) {
	s := m.getShard(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if now.Sub(s.windowStart) >= window {
		s.windowStart = now
		s.count = 0
	}

	s.count++
	if s.count > limit {
		remaining := window - now.Sub(s.windowStart)
		if remaining < 0 {
			remaining = 0
		}
		return Result{Allowed: false, RetryAfter: remaining}, nil
	}
	return Result{Allowed: true}, nil
}

// Sweep drops shards whose window closed more than staleAfter ago, bounding
// memory growth (the housekeeping scheduler calls this periodically).
func (m *MemoryLimiter) Sweep(staleAfter time.Duration) int {
	cutoff := time.Now().Add(-staleAfter)
	removed := 0

	m.mu.Lock()
	defer m.mu.Unlock()
	for key, s := range m.shards {
		s.mu.Lock()
		stale := s.windowStart.Before(cutoff)
		s.mu.Unlock()
		if stale {
			delete(m.shards, key)
			removed++
		}
	}
	return removed
}

// fixedWindowScript atomically increments a counter and sets its TTL only on
// first increment of the window, so concurrent Redis clients agree on a
// single window boundary per key.
var fixedWindowScript = redis.NewScript(`
local key = KEYS[1]
local window_seconds = tonumber(ARGV[1])
local count = redis.call("INCR", key)
if count == 1 then
    redis.call("EXPIRE", key, window_seconds)
end
local ttl = redis.call("TTL", key)
return {count, ttl}
`)

// RedisLimiter is the optional distributed backend, for gateway deployments
// with more than one process (spec.md §9 calls this out as a scale path).
type RedisLimiter struct {
	client *redis.Client
}

// NewRedisLimiter builds a RedisLimiter against the given client.
func NewRedisLimiter(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{client: client}
}

// Allow increments the counter for key's current window via a single atomic
// Lua script execution.
func (r *RedisLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (Result, error) {
	res, err := fixedWindowScript.Run(ctx, r.client, []string{"ratelimit:" + key}, int(window.Seconds())).Result()
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: redis script: %w", err)
	}
	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return Result{}, fmt.Errorf("ratelimit: unexpected redis script result")
	}
	count, _ := results[0].(int64)
	ttl, _ := results[1].(int64)

	if int(count) > limit {
		return Result{Allowed: false, RetryAfter: time.Duration(ttl) * time.Second}, nil
	}
	return Result{Allowed: true}, nil
}
