package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kehai/internal/model"
	"github.com/ashita-ai/kehai/internal/ratelimit"
	"github.com/ashita-ai/kehai/internal/service/actions"
	"github.com/ashita-ai/kehai/internal/service/perception"
	"github.com/ashita-ai/kehai/internal/storage"
)

// Store is the persistence the handlers read directly. *storage.DB
// implements it.
type Store interface {
	Ping(ctx context.Context) error
	PerceptionFeed(ctx context.Context, sessionID, observerID uuid.UUID, limit int) ([]model.PerceptionEvent, int, error)
	CountUnreadPerceptionEvents(ctx context.Context, sessionID, observerID uuid.UUID) (int, error)
	BeginIdempotency(ctx context.Context, k storage.IdempotencyKey, requestHash string) (storage.IdempotencyLookup, error)
	CompleteIdempotency(ctx context.Context, k storage.IdempotencyKey, statusCode int, responseData any) error
	ClearInProgressIdempotency(ctx context.Context, k storage.IdempotencyKey) error
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	store               Store
	actions             *actions.Service
	hub                 *perception.Hub
	broker              *Broker
	limiter             ratelimit.Limiter
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	executeTimeout      time.Duration
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Broker, Limiter.
type HandlersDeps struct {
	Store               Store
	Actions             *actions.Service
	Hub                 *perception.Hub
	Broker              *Broker
	Limiter             ratelimit.Limiter
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	ExecuteTimeout      time.Duration
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	maxBody := d.MaxRequestBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	timeout := d.ExecuteTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	limiter := d.Limiter
	if limiter == nil {
		limiter = ratelimit.NoopLimiter{}
	}
	return &Handlers{
		store:               d.Store,
		actions:             d.Actions,
		hub:                 d.Hub,
		broker:              d.Broker,
		limiter:             limiter,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: maxBody,
		executeTimeout:      timeout,
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	pgStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		pgStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	resp := model.HealthResponse{
		Status:        status,
		Version:       h.version,
		Postgres:      pgStatus,
		Subscriptions: h.hub.Len(),
		Uptime:        int64(time.Since(h.startedAt).Seconds()),
	}
	if h.broker != nil {
		if h.broker.Running() {
			resp.Broker = "running"
		} else {
			resp.Broker = "stopped"
			if status == "healthy" {
				resp.Status = "degraded"
			}
		}
	}
	writeJSON(w, r, httpStatus, resp)
}

// --- Shared helpers ---

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	raw := r.PathValue(name)
	if raw == "" {
		return uuid.Nil, fmt.Errorf("%s is required", name)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s: %s", name, raw)
	}
	return id, nil
}

// queryUUID parses an optional UUID query parameter. Absent is uuid.Nil.
func queryUUID(r *http.Request, name string) (uuid.UUID, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return uuid.Nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s: %s", name, raw)
	}
	return id, nil
}

func queryInt(r *http.Request, key string, defaultVal int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %s", key, v)
	}
	return n, nil
}

// queryLimit returns a limit clamped to [1, model.RecentPerceptionLimit].
// The feed never exposes more than the window a live subscription caches.
func queryLimit(r *http.Request, defaultVal int) int {
	limit, err := queryInt(r, "limit", defaultVal)
	if err != nil || limit < 1 {
		return defaultVal
	}
	return min(limit, model.RecentPerceptionLimit)
}
