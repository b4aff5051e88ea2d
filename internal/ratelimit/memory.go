package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

const (
	defaultStaleAfter = 10 * time.Minute
	sweepInterval     = time.Minute
)

type bucket struct {
	tokens     float64
	lastAccess time.Time
}

// MemoryLimiter is a token bucket per key: rate tokens per second refill a
// bucket holding at most burst tokens. Buckets idle for longer than the stale
// threshold are evicted by a background goroutine.
type MemoryLimiter struct {
	rate       float64
	burst      float64
	staleAfter time.Duration
	now        func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryLimiter creates a token bucket limiter. Call Close to stop the
// eviction goroutine.
func NewMemoryLimiter(rate float64, burst int) *MemoryLimiter {
	m := &MemoryLimiter{
		rate:       rate,
		burst:      float64(max(burst, 1)),
		staleAfter: defaultStaleAfter,
		now:        time.Now,
		buckets:    make(map[string]*bucket),
		done:       make(chan struct{}),
	}
	go m.sweep()
	return m
}

// Allow consumes one token for key.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.refill(key)
	if b.tokens < 1 {
		return false, nil
	}
	b.tokens--
	return true, nil
}

// RetryAfter estimates how long key must wait for its next token.
func (m *MemoryLimiter) RetryAfter(key string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.refill(key)
	if b.tokens >= 1 || m.rate <= 0 {
		return 0
	}
	secs := (1 - b.tokens) / m.rate
	return time.Duration(math.Ceil(secs * float64(time.Second)))
}

// Len returns the number of tracked keys.
func (m *MemoryLimiter) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buckets)
}

// Close stops the eviction goroutine. Safe to call multiple times.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

// refill returns key's bucket topped up for elapsed time. Callers hold mu.
func (m *MemoryLimiter) refill(key string) *bucket {
	now := m.now()
	b, ok := m.buckets[key]
	if !ok {
		b = &bucket{tokens: m.burst, lastAccess: now}
		m.buckets[key] = b
		return b
	}
	b.tokens = min(b.tokens+now.Sub(b.lastAccess).Seconds()*m.rate, m.burst)
	b.lastAccess = now
	return b
}

func (m *MemoryLimiter) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictStale()
		}
	}
}

func (m *MemoryLimiter) evictStale() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-m.staleAfter)
	for key, b := range m.buckets {
		if b.lastAccess.Before(cutoff) {
			delete(m.buckets, key)
		}
	}
}
