package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/klauspost/compress/gzhttp"

	"github.com/ashita-ai/kehai/internal/ratelimit"
	"github.com/ashita-ai/kehai/internal/service/actions"
	"github.com/ashita-ai/kehai/internal/service/perception"
)

// Server is the kehai HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Broker, Limiter, RollLimiter.
type ServerConfig struct {
	// Required dependencies.
	Store   Store
	Actions *actions.Service
	Hub     *perception.Hub
	Logger  *slog.Logger

	// Optional dependencies (nil = disabled).
	Broker      *Broker
	Limiter     ratelimit.Limiter // per actor, on execute
	RollLimiter ratelimit.Limiter // per client IP, on /v1/rolls

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
	ExecuteTimeout      time.Duration
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Store:               cfg.Store,
		Actions:             cfg.Actions,
		Hub:                 cfg.Hub,
		Broker:              cfg.Broker,
		Limiter:             cfg.Limiter,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		ExecuteTimeout:      cfg.ExecuteTimeout,
	})

	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}
	rollLimiter := cfg.RollLimiter
	if rollLimiter == nil {
		rollLimiter = ratelimit.NoopLimiter{}
	}
	rollsRL := ratelimit.Middleware(rollLimiter, ratelimit.IPKeyFunc, reqIDFunc, cfg.Logger)

	// JSON responses are gzipped when the client accepts it. Streaming
	// routes are left alone so flushes reach the client.
	jsonRoute := func(fn http.HandlerFunc) http.Handler {
		return gzhttp.GzipHandler(fn)
	}

	mux := http.NewServeMux()

	// Actions.
	mux.Handle("GET /v1/campaigns/{campaign_id}/actions", jsonRoute(h.HandleListActions))
	mux.Handle("GET /v1/sessions/{session_id}/actions/available", jsonRoute(h.HandleAvailableActions))
	mux.Handle("POST /v1/sessions/{session_id}/actions/check", jsonRoute(h.HandleCheckAction))
	mux.Handle("POST /v1/sessions/{session_id}/actions/execute", jsonRoute(h.HandleExecuteAction))

	// Stateless rolls (rate limited by IP).
	mux.Handle("POST /v1/rolls/stat-check", rollsRL(jsonRoute(h.HandleStatCheck)))
	mux.Handle("POST /v1/rolls/perception", rollsRL(jsonRoute(h.HandlePerceptionRoll)))
	mux.Handle("POST /v1/rolls/passive-perception", rollsRL(jsonRoute(h.HandlePassivePerception)))

	// Perception feed.
	mux.Handle("GET /v1/sessions/{session_id}/observers/{observer_id}/perception", jsonRoute(h.HandlePerceptionFeed))
	mux.Handle("POST /v1/sessions/{session_id}/observers/{observer_id}/perception/read", jsonRoute(h.HandleMarkPerceptionRead))
	mux.HandleFunc("GET /v1/sessions/{session_id}/observers/{observer_id}/perception/stream", h.HandlePerceptionStream)
	mux.HandleFunc("GET /v1/sessions/{session_id}/perception/ws", h.HandlePerceptionWS)

	// Health (no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
