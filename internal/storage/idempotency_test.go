package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kehai/internal/storage"
)

func executeKey(key string) storage.IdempotencyKey {
	return storage.IdempotencyKey{
		SessionID: uuid.New(),
		ActorID:   uuid.New(),
		Endpoint:  "POST:/v1/sessions/{session_id}/actions/execute",
		Key:       key + "-" + uuid.NewString(),
	}
}

func TestIdempotencyReplaysCompletedExecution(t *testing.T) {
	ctx := context.Background()
	k := executeKey("turn-4-stab")

	lookup, err := testDB.BeginIdempotency(ctx, k, "hash-a")
	require.NoError(t, err)
	assert.False(t, lookup.Completed, "first use reserves the key")

	require.NoError(t, testDB.CompleteIdempotency(ctx, k, 200, map[string]any{"log_entry_id": "l1"}))

	again, err := testDB.BeginIdempotency(ctx, k, "hash-a")
	require.NoError(t, err)
	assert.True(t, again.Completed)
	assert.Equal(t, 200, again.StatusCode)
	assert.JSONEq(t, `{"log_entry_id":"l1"}`, string(again.ResponseData))

	_, err = testDB.BeginIdempotency(ctx, k, "hash-b")
	require.ErrorIs(t, err, storage.ErrIdempotencyPayloadMismatch)

	// A completed key survives a clear; only reservations are released.
	require.NoError(t, testDB.ClearInProgressIdempotency(ctx, k))
	again, err = testDB.BeginIdempotency(ctx, k, "hash-a")
	require.NoError(t, err)
	assert.True(t, again.Completed)
}

func TestIdempotencyReservationHoldsUntilCleared(t *testing.T) {
	ctx := context.Background()
	k := executeKey("turn-9-whisper")

	_, err := testDB.BeginIdempotency(ctx, k, "hash-a")
	require.NoError(t, err)
	_, err = testDB.BeginIdempotency(ctx, k, "hash-a")
	require.ErrorIs(t, err, storage.ErrIdempotencyInProgress)

	require.NoError(t, testDB.ClearInProgressIdempotency(ctx, k))
	_, err = testDB.BeginIdempotency(ctx, k, "hash-a")
	require.NoError(t, err, "a cleared key can be retried")

	// Age alone never frees a reservation; the sweep has to delete it.
	_, err = testDB.Pool().Exec(ctx,
		`UPDATE idempotency_keys SET updated_at = now() - interval '20 minutes'
		 WHERE session_id = $1 AND actor_id = $2 AND endpoint = $3 AND idempotency_key = $4`,
		k.SessionID, k.ActorID, k.Endpoint, k.Key,
	)
	require.NoError(t, err)
	_, err = testDB.BeginIdempotency(ctx, k, "hash-a")
	require.ErrorIs(t, err, storage.ErrIdempotencyInProgress)
}

func TestCompleteIdempotencyNeedsReservation(t *testing.T) {
	err := testDB.CompleteIdempotency(context.Background(), executeKey("never-reserved"), 200, map[string]any{})
	assert.Error(t, err)
}

func TestCleanupIdempotencyKeys(t *testing.T) {
	ctx := context.Background()
	sessionID, actorID := uuid.New(), uuid.New()

	_, err := testDB.Pool().Exec(ctx,
		`INSERT INTO idempotency_keys (session_id, actor_id, endpoint, idempotency_key, request_hash, status, status_code, response_data, created_at, updated_at)
		 VALUES
		 ($1, $2, 'POST:execute', 'stale-done', 'h1', 'completed', 200, '{"ok":true}', now() - interval '10 days', now() - interval '10 days'),
		 ($1, $2, 'POST:execute', 'stale-held', 'h2', 'in_progress', NULL, NULL, now() - interval '3 days', now() - interval '3 days'),
		 ($1, $2, 'POST:execute', 'fresh-done', 'h3', 'completed', 200, '{"ok":true}', now(), now())`,
		sessionID, actorID,
	)
	require.NoError(t, err)

	deleted, err := testDB.CleanupIdempotencyKeys(ctx, 7*24*time.Hour, 24*time.Hour)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, deleted, int64(2))

	var left []string
	rows, err := testDB.Pool().Query(ctx,
		`SELECT idempotency_key FROM idempotency_keys WHERE session_id = $1 AND actor_id = $2`,
		sessionID, actorID)
	require.NoError(t, err)
	defer rows.Close()
	for rows.Next() {
		var k string
		require.NoError(t, rows.Scan(&k))
		left = append(left, k)
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, []string{"fresh-done"}, left)
}
