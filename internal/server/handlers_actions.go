package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/ashita-ai/kehai/internal/model"
	"github.com/ashita-ai/kehai/internal/ratelimit"
	"github.com/ashita-ai/kehai/internal/service/actions"
)

// HandleListActions handles GET /v1/campaigns/{campaign_id}/actions.
func (h *Handlers) HandleListActions(w http.ResponseWriter, r *http.Request) {
	campaignID, err := pathUUID(r, "campaign_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	list, err := h.actions.ListActions(r.Context(), campaignID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, list)
}

// HandleAvailableActions handles GET /v1/sessions/{session_id}/actions/available.
func (h *Handlers) HandleAvailableActions(w http.ResponseWriter, r *http.Request) {
	sessionID, err := pathUUID(r, "session_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	req := model.ActorRequest{}
	var parseErr error
	if req.ActorID, parseErr = queryUUID(r, "actor_id"); parseErr == nil {
		if req.TargetID, parseErr = queryUUID(r, "target_id"); parseErr == nil {
			if req.CampaignID, parseErr = queryUUID(r, "campaign_id"); parseErr == nil {
				req.Turn, parseErr = queryInt(r, "turn", 0)
			}
		}
	}
	if parseErr != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, parseErr.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	opts, err := h.actions.GetAvailableActions(r.Context(), executionContext(sessionID, req), req.TargetID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, opts)
}

// HandleCheckAction handles POST /v1/sessions/{session_id}/actions/check.
func (h *Handlers) HandleCheckAction(w http.ResponseWriter, r *http.Request) {
	sessionID, err := pathUUID(r, "session_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	var req model.CheckActionRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if err := model.ValidateActionID(req.ActionID); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	av, err := h.actions.CheckAvailability(r.Context(), executionContext(sessionID, req.ActorRequest), req.ActionID, req.TargetID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, av)
}

// HandleExecuteAction handles POST /v1/sessions/{session_id}/actions/execute.
//
// Requests are throttled per actor. A repeated Idempotency-Key replays the
// first response instead of rolling again.
func (h *Handlers) HandleExecuteAction(w http.ResponseWriter, r *http.Request) {
	sessionID, err := pathUUID(r, "session_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	var req model.ExecuteActionRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if err := model.ValidateActionID(req.ActionID); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	if !h.allowActor(w, r, sessionID, req.ActorID) {
		return
	}

	rp, proceed := h.reserveReplay(w, r, sessionID, req.ActorID, executeEndpoint, req)
	if !proceed {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.executeTimeout)
	defer cancel()
	res, err := h.actions.Execute(ctx, executionContext(sessionID, req.ActorRequest), actions.ExecuteInput{
		ActionID:         req.ActionID,
		TargetID:         req.TargetID,
		IsPrepared:       req.IsPrepared,
		PreparedActionID: req.PreparedActionID,
	})
	if err != nil {
		h.releaseReplay(r, rp)
		h.writeServiceError(w, r, err)
		return
	}

	h.saveReplayBestEffort(r, rp, http.StatusOK, res)
	writeJSON(w, r, http.StatusOK, res)
}

// allowActor applies the per-actor execute limit. It writes the 429 itself
// and returns false when the request must stop.
func (h *Handlers) allowActor(w http.ResponseWriter, r *http.Request, sessionID, actorID uuid.UUID) bool {
	key := ratelimit.ActorKey(sessionID, actorID)
	ok, err := h.limiter.Allow(r.Context(), key)
	if err != nil {
		h.logger.Warn("ratelimit: limiter error, allowing request", "key", key, "error", err)
		return true
	}
	if ok {
		return true
	}
	w.Header().Set("Retry-After", strconv.Itoa(ratelimit.RetryAfterSeconds(h.limiter, key)))
	writeError(w, r, http.StatusTooManyRequests, model.ErrCodeRateLimited, "too many actions for this actor")
	return false
}

func executionContext(sessionID uuid.UUID, req model.ActorRequest) actions.ExecutionContext {
	return actions.ExecutionContext{
		SessionID:   sessionID,
		CampaignID:  req.CampaignID,
		ActorID:     req.ActorID,
		Turn:        req.Turn,
		EnvModifier: req.EnvModifier,
	}
}
