package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrIdempotencyPayloadMismatch means the key was already used by the
	// same actor for a different request body.
	ErrIdempotencyPayloadMismatch = errors.New("idempotency key reused with different payload")
	// ErrIdempotencyInProgress means an execution holding the key has not
	// finished, or finished without saving its result.
	ErrIdempotencyInProgress = errors.New("idempotency key request already in progress")
)

// Row states in idempotency_keys.status.
const (
	idemInProgress = "in_progress"
	idemCompleted  = "completed"
)

// IdempotencyKey scopes a client-supplied key to one actor in one session.
type IdempotencyKey struct {
	SessionID uuid.UUID
	ActorID   uuid.UUID
	Endpoint  string
	Key       string
}

// IdempotencyLookup is the stored outcome for a key. Completed is false
// when the caller has just reserved the key and should execute.
type IdempotencyLookup struct {
	Completed    bool
	StatusCode   int
	ResponseData json.RawMessage
}

// BeginIdempotency reserves k for requestHash, or reports what the first
// request with k left behind. A reservation that was never completed keeps
// blocking the key until ClearInProgressIdempotency or the cleanup sweep
// removes it; an execution may have committed before its caller died.
func (db *DB) BeginIdempotency(ctx context.Context, k IdempotencyKey, requestHash string) (IdempotencyLookup, error) {
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO idempotency_keys (session_id, actor_id, endpoint, idempotency_key, request_hash, status)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT DO NOTHING`,
		k.SessionID, k.ActorID, k.Endpoint, k.Key, requestHash, idemInProgress,
	)
	if err != nil {
		return IdempotencyLookup{}, fmt.Errorf("storage: reserve idempotency key: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return IdempotencyLookup{}, nil
	}
	return db.existingIdempotency(ctx, k, requestHash)
}

func (db *DB) existingIdempotency(ctx context.Context, k IdempotencyKey, requestHash string) (IdempotencyLookup, error) {
	var (
		hash, status string
		code         *int
		body         []byte
	)
	err := db.pool.QueryRow(ctx,
		`SELECT request_hash, status, status_code, response_data
		 FROM idempotency_keys
		 WHERE session_id = $1 AND actor_id = $2 AND endpoint = $3 AND idempotency_key = $4`,
		k.SessionID, k.ActorID, k.Endpoint, k.Key,
	).Scan(&hash, &status, &code, &body)
	if err != nil {
		return IdempotencyLookup{}, fmt.Errorf("storage: read idempotency key: %w", err)
	}

	switch {
	case hash != requestHash:
		return IdempotencyLookup{}, ErrIdempotencyPayloadMismatch
	case status != idemCompleted:
		return IdempotencyLookup{}, ErrIdempotencyInProgress
	}
	out := IdempotencyLookup{Completed: true, ResponseData: body}
	if code != nil {
		out.StatusCode = *code
	}
	return out, nil
}

// CompleteIdempotency saves the response for a key reserved by
// BeginIdempotency. It fails if the reservation is gone.
func (db *DB) CompleteIdempotency(ctx context.Context, k IdempotencyKey, statusCode int, responseData any) error {
	body, err := json.Marshal(responseData)
	if err != nil {
		return fmt.Errorf("storage: encode idempotent response: %w", err)
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE idempotency_keys
		 SET status = $5, status_code = $6, response_data = $7::jsonb, updated_at = now()
		 WHERE session_id = $1 AND actor_id = $2 AND endpoint = $3 AND idempotency_key = $4
		   AND status = $8`,
		k.SessionID, k.ActorID, k.Endpoint, k.Key, idemCompleted, statusCode, body, idemInProgress,
	)
	if err != nil {
		return fmt.Errorf("storage: complete idempotency key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: complete idempotency key %q: no reservation", k.Key)
	}
	return nil
}

// ClearInProgressIdempotency drops an unfinished reservation. Completed
// keys are left alone.
func (db *DB) ClearInProgressIdempotency(ctx context.Context, k IdempotencyKey) error {
	_, err := db.pool.Exec(ctx,
		`DELETE FROM idempotency_keys
		 WHERE session_id = $1 AND actor_id = $2 AND endpoint = $3 AND idempotency_key = $4
		   AND status = $5`,
		k.SessionID, k.ActorID, k.Endpoint, k.Key, idemInProgress,
	)
	if err != nil {
		return fmt.Errorf("storage: clear idempotency key: %w", err)
	}
	return nil
}

// CleanupIdempotencyKeys deletes completed keys idle for completedTTL and
// reservations idle for inProgressTTL.
func (db *DB) CleanupIdempotencyKeys(ctx context.Context, completedTTL, inProgressTTL time.Duration) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM idempotency_keys
		 WHERE (status = $3 AND updated_at < now() - ($1 * interval '1 microsecond'))
		    OR (status = $4 AND updated_at < now() - ($2 * interval '1 microsecond'))`,
		completedTTL.Microseconds(), inProgressTTL.Microseconds(), idemCompleted, idemInProgress,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: sweep idempotency keys: %w", err)
	}
	return tag.RowsAffected(), nil
}
