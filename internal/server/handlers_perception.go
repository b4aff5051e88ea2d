package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kehai/internal/model"
)

const sseKeepalive = 15 * time.Second

func sessionObserver(r *http.Request) (uuid.UUID, uuid.UUID, error) {
	sessionID, err := pathUUID(r, "session_id")
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	observerID, err := pathUUID(r, "observer_id")
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	return sessionID, observerID, nil
}

// HandlePerceptionFeed handles
// GET /v1/sessions/{session_id}/observers/{observer_id}/perception.
func (h *Handlers) HandlePerceptionFeed(w http.ResponseWriter, r *http.Request) {
	sessionID, observerID, err := sessionObserver(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	limit := queryLimit(r, model.RecentPerceptionLimit)

	events, unread, err := h.store.PerceptionFeed(r.Context(), sessionID, observerID, limit)
	if err != nil {
		h.writeServiceError(w, r, fmt.Errorf("%w: perception feed: %w", model.ErrDependencyUnavailable, err))
		return
	}
	if events == nil {
		events = []model.PerceptionEvent{}
	}
	writeJSON(w, r, http.StatusOK, model.PerceptionFeedResponse{Events: events, UnreadCount: unread})
}

// HandleMarkPerceptionRead handles
// POST /v1/sessions/{session_id}/observers/{observer_id}/perception/read.
func (h *Handlers) HandleMarkPerceptionRead(w http.ResponseWriter, r *http.Request) {
	sessionID, observerID, err := sessionObserver(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	marked, err := h.hub.MarkRead(r.Context(), sessionID, observerID)
	if err != nil {
		h.writeServiceError(w, r, fmt.Errorf("%w: %w", model.ErrDependencyUnavailable, err))
		return
	}
	unread, err := h.store.CountUnreadPerceptionEvents(r.Context(), sessionID, observerID)
	if err != nil {
		h.writeServiceError(w, r, fmt.Errorf("%w: count unread: %w", model.ErrDependencyUnavailable, err))
		return
	}
	writeJSON(w, r, http.StatusOK, model.MarkReadResponse{Marked: marked, UnreadCount: unread})
}

// HandlePerceptionStream handles
// GET /v1/sessions/{session_id}/observers/{observer_id}/perception/stream.
//
// The first SSE event is a "snapshot" of recent events and the unread
// count. Each later detection is sent as an "alert".
func (h *Handlers) HandlePerceptionStream(w http.ResponseWriter, r *http.Request) {
	sessionID, observerID, err := sessionObserver(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	sub, err := h.hub.Subscribe(r.Context(), sessionID, observerID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// Idle streams must outlive the server's WriteTimeout.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	events, unread := sub.Snapshot()
	if err := writeSSE(w, "snapshot", model.PerceptionFeedResponse{Events: nonNil(events), UnreadCount: unread}); err != nil {
		return
	}
	flusher.Flush()

	keepalive := time.NewTicker(sseKeepalive)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case alert, ok := <-sub.Alerts():
			if !ok {
				return
			}
			if err := writeSSE(w, "alert", alert); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeSSE writes one Server-Sent Events message with a JSON payload.
func writeSSE(w http.ResponseWriter, event string, data any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, b)
	return err
}

func nonNil(events []model.PerceptionEvent) []model.PerceptionEvent {
	if events == nil {
		return []model.PerceptionEvent{}
	}
	return events
}
