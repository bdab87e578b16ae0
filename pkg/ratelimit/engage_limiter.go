// Package ratelimit provides per-key request limiters for the HTTP surface.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter decides whether one more request for key fits in the current window.
// When it does not, the returned duration is how long the caller should wait.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, time.Duration)
}

// =============================================================================
// SlidingWindowLimiter - shared across instances through Redis
// =============================================================================

var slidingWindowScript = redis.NewScript(`
	local key = KEYS[1]
	local now = tonumber(ARGV[1])
	local window_start = tonumber(ARGV[2])
	local max_requests = tonumber(ARGV[3])
	local window_ms = tonumber(ARGV[4])

	redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)

	local count = redis.call('ZCARD', key)
	if count < max_requests then
		redis.call('ZADD', key, now, now .. '-' .. math.random())
		redis.call('PEXPIRE', key, window_ms * 2)
		return 1
	end

	local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
	if #oldest > 0 then
		return -(oldest[2] + window_ms - now)
	end
	return 0
`)

// SlidingWindowLimiter implements sliding window rate limiting using a Redis sorted set.
type SlidingWindowLimiter struct {
	redis  *redis.Client
	prefix string
	limit  int
	window time.Duration
}

func NewSlidingWindowLimiter(client *redis.Client, prefix string, limit int, window time.Duration) *SlidingWindowLimiter {
	if window <= 0 {
		window = time.Second
	}
	return &SlidingWindowLimiter{redis: client, prefix: prefix, limit: limit, window: window}
}

// Allow fails open: a Redis error admits the request.
func (l *SlidingWindowLimiter) Allow(ctx context.Context, key string) (bool, time.Duration) {
	if l.redis == nil || l.limit <= 0 {
		return true, 0
	}

	now := time.Now()
	result, err := slidingWindowScript.Run(ctx, l.redis, []string{l.prefix + key},
		now.UnixMilli(),
		now.Add(-l.window).UnixMilli(),
		l.limit,
		l.window.Milliseconds(),
	).Int64()
	if err != nil {
		return true, 0
	}

	switch {
	case result == 1:
		return true, 0
	case result < 0:
		return false, time.Duration(-result) * time.Millisecond
	default:
		return false, l.window
	}
}

// =============================================================================
// MemoryLimiter - fixed window, single instance
// =============================================================================

type window struct {
	count     int
	expiresAt time.Time
}

// MemoryLimiter is a fixed-window limiter for the memory backend and tests.
type MemoryLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	limit   int
	size    time.Duration
	now     func() time.Time
}

func NewMemoryLimiter(limit int, size time.Duration) *MemoryLimiter {
	if size <= 0 {
		size = time.Second
	}
	return &MemoryLimiter{
		windows: make(map[string]*window),
		limit:   limit,
		size:    size,
		now:     time.Now,
	}
}

// WithClock replaces the time source.
func (l *MemoryLimiter) WithClock(now func() time.Time) *MemoryLimiter {
	l.now = now
	return l
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, time.Duration) {
	if l.limit <= 0 {
		return true, 0
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || !now.Before(w.expiresAt) {
		if len(l.windows) > 10000 {
			l.sweep(now)
		}
		l.windows[key] = &window{count: 1, expiresAt: now.Add(l.size)}
		return true, 0
	}
	if w.count >= l.limit {
		return false, w.expiresAt.Sub(now)
	}
	w.count++
	return true, 0
}

func (l *MemoryLimiter) sweep(now time.Time) {
	for key, w := range l.windows {
		if !now.Before(w.expiresAt) {
			delete(l.windows, key)
		}
	}
}

var (
	_ Limiter = (*SlidingWindowLimiter)(nil)
	_ Limiter = (*MemoryLimiter)(nil)
)
