// Package limiter 提供接入侧的速率与并发限制。
package limiter

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Limiter 接口定义了限流器的通用行为。
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

type keyedEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// KeyedLimiter 为每个 key（例如对端 IP）维护独立的令牌桶，空闲超过 ttl 的桶会被回收。
type KeyedLimiter struct {
	entries map[string]*keyedEntry
	ttl     time.Duration
	r       rate.Limit
	b       int
	mu      sync.Mutex
}

func NewKeyedLimiter(r rate.Limit, b int, ttl time.Duration) *KeyedLimiter {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &KeyedLimiter{
		entries: make(map[string]*keyedEntry),
		ttl:     ttl,
		r:       r,
		b:       b,
	}
}

func (l *KeyedLimiter) Allow(_ context.Context, key string) (bool, error) {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	for k, e := range l.entries {
		if now.Sub(e.lastSeen) > l.ttl {
			delete(l.entries, k)
		}
	}

	e, ok := l.entries[key]
	if !ok {
		e = &keyedEntry{limiter: rate.NewLimiter(l.r, l.b)}
		l.entries[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1), nil
}

// ConnLimiter 限制同时持有的连接数.
type ConnLimiter interface {
	TryAcquire() bool
	Release()
}

// ConnCap 是基于计数器的 ConnLimiter. max <= 0 或 nil 时不做限制.
type ConnCap struct {
	inUse atomic.Int64
	max   int64
}

func NewConnCap(limit int) *ConnCap {
	return &ConnCap{max: int64(limit)}
}

// TryAcquire 占用一个连接名额，已满时立即返回 false.
func (c *ConnCap) TryAcquire() bool {
	if c == nil || c.max <= 0 {
		return true
	}
	if c.inUse.Add(1) > c.max {
		c.inUse.Add(-1)
		return false
	}
	return true
}

// Release 归还一个名额，计数不会低于 0.
func (c *ConnCap) Release() {
	if c == nil || c.max <= 0 {
		return
	}
	for {
		n := c.inUse.Load()
		if n <= 0 || c.inUse.CompareAndSwap(n, n-1) {
			return
		}
	}
}

// InUse 返回当前占用的名额数.
func (c *ConnCap) InUse() int {
	if c == nil {
		return 0
	}
	return int(c.inUse.Load())
}
