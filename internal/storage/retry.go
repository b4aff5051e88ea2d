package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Postgres error classes an execution transaction can safely replay.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

// isRetriable reports whether the whole transaction can run again: a
// serialization conflict, a deadlock victim, or a failure before anything
// reached the server.
func isRetriable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == codeSerializationFailure || pgErr.Code == codeDeadlockDetected
	}
	return pgconn.SafeToRetry(err)
}

// WithRetry runs fn up to maxRetries+1 times while it fails with a retriable
// error. The wait before retry n is baseDelay*2^n plus up to the same again in
// jitter. A cancelled ctx ends the wait with ctx.Err().
func WithRetry(ctx context.Context, maxRetries int, baseDelay time.Duration, fn func() error) error {
	delay := baseDelay
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || attempt == maxRetries || !isRetriable(err) {
			return err
		}
		wait := delay
		if delay > 0 {
			wait += rand.N(delay) //nolint:gosec // jitter
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		delay *= 2
	}
}
