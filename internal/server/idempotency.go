package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kehai/internal/model"
	"github.com/ashita-ai/kehai/internal/storage"
)

// executeEndpoint scopes execute idempotency keys. The session id is part
// of the stored key already.
const executeEndpoint = "POST:/v1/sessions/{session_id}/actions/execute"

const maxIdempotencyKeyLen = 255

// Waits between attempts to save a replay.
var replaySaveBackoff = []time.Duration{0, 50 * time.Millisecond, 100 * time.Millisecond}

// replay is a reserved Idempotency-Key whose response has not been saved yet.
type replay struct {
	key storage.IdempotencyKey
}

func hashPayload(payload any) (string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// reserveReplay handles the Idempotency-Key header of an execute request.
// proceed is false when a response (a stored replay or a conflict) has
// already been written. rp is nil when the request carried no key.
func (h *Handlers) reserveReplay(
	w http.ResponseWriter,
	r *http.Request,
	sessionID, actorID uuid.UUID,
	endpoint string,
	payload any,
) (rp *replay, proceed bool) {
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key == "" {
		return nil, true
	}
	if len(key) > maxIdempotencyKeyLen {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			fmt.Sprintf("Idempotency-Key exceeds %d characters", maxIdempotencyKeyLen))
		return nil, false
	}
	hash, err := hashPayload(payload)
	if err != nil {
		h.writeInternalError(w, r, "failed to hash execute payload", err)
		return nil, false
	}

	k := storage.IdempotencyKey{SessionID: sessionID, ActorID: actorID, Endpoint: endpoint, Key: key}
	lookup, err := h.store.BeginIdempotency(r.Context(), k, hash)
	switch {
	case errors.Is(err, storage.ErrIdempotencyPayloadMismatch):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "idempotency key reused with different payload")
		return nil, false
	case errors.Is(err, storage.ErrIdempotencyInProgress):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "request with this idempotency key is already in progress")
		return nil, false
	case err != nil:
		h.writeServiceError(w, r, fmt.Errorf("%w: idempotency lookup: %w", model.ErrDependencyUnavailable, err))
		return nil, false
	case !lookup.Completed:
		return &replay{key: k}, true
	}

	// Same key, same payload, already executed: answer with the stored
	// outcome instead of rolling again.
	var body any
	if len(lookup.ResponseData) > 0 {
		if err := json.Unmarshal(lookup.ResponseData, &body); err != nil {
			h.writeInternalError(w, r, "failed to decode stored execution result", err)
			return nil, false
		}
	}
	status := lookup.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Idempotent-Replayed", "true")
	writeJSON(w, r, status, body)
	return nil, false
}

// saveReplay stores the committed execution's response under the reserved
// key. It runs detached from the request context.
func (h *Handlers) saveReplay(rp *replay, statusCode int, data any) error {
	if rp == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var err error
	for attempt, wait := range replaySaveBackoff {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return fmt.Errorf("save replay: %w", errors.Join(ctx.Err(), err))
		}
		if err = h.store.CompleteIdempotency(ctx, rp.key, statusCode, data); err == nil {
			return nil
		}
		h.logger.Warn("save replay failed",
			"attempt", attempt+1,
			"error", err,
			"session_id", rp.key.SessionID,
			"actor_id", rp.key.ActorID,
		)
	}
	return fmt.Errorf("save replay: gave up after %d attempts: %w", len(replaySaveBackoff), err)
}

// saveReplayBestEffort logs instead of failing: the execution is already
// durable and the caller gets its result either way.
func (h *Handlers) saveReplayBestEffort(r *http.Request, rp *replay, statusCode int, data any) {
	if err := h.saveReplay(rp, statusCode, data); err != nil {
		h.logger.Error("execution committed without a stored replay",
			"error", err,
			"request_id", RequestIDFromContext(r.Context()),
		)
	}
}

// releaseReplay drops the reservation after an execution that wrote
// nothing, so the same key can be retried.
func (h *Handlers) releaseReplay(r *http.Request, rp *replay) {
	if rp == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 5*time.Second)
	defer cancel()
	if err := h.store.ClearInProgressIdempotency(ctx, rp.key); err != nil {
		h.logger.Error("failed to release idempotency key",
			"error", err,
			"session_id", rp.key.SessionID,
			"actor_id", rp.key.ActorID,
		)
	}
}
