// Package ratelimit throttles action execution per actor.
//
// MemoryLimiter is an in-process token bucket. It is the only implementation;
// the Limiter interface exists so handlers and tests can swap in NoopLimiter.
package ratelimit

import (
	"context"

	"github.com/google/uuid"
)

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow returns true if the request should proceed. An error means the
	// limiter malfunctioned; callers fail open.
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases background resources.
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }

// ActorKey is the bucket key for one actor in one session. Actors in
// different sessions are throttled independently.
func ActorKey(sessionID, actorID uuid.UUID) string {
	return "session:" + sessionID.String() + ":actor:" + actorID.String()
}
