// Package kehai is the action-resolution and detection engine. It checks
// which physical actions a character can attempt, resolves contested stat
// checks, decides who notices, and delivers perception alerts to observers.
//
// Construct an App with New and run it with Run:
//
//	app, err := kehai.New(kehai.WithLogger(logger), kehai.WithVersion(version))
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
package kehai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/kehai/internal/catalog"
	"github.com/ashita-ai/kehai/internal/config"
	"github.com/ashita-ai/kehai/internal/ratelimit"
	"github.com/ashita-ai/kehai/internal/rules"
	"github.com/ashita-ai/kehai/internal/server"
	"github.com/ashita-ai/kehai/internal/service/actions"
	"github.com/ashita-ai/kehai/internal/service/perception"
	"github.com/ashita-ai/kehai/internal/storage"
	"github.com/ashita-ai/kehai/internal/telemetry"
	"github.com/ashita-ai/kehai/migrations"
)

// Dice endpoints are cheap; the per-IP bucket is wider than the per-actor one.
const (
	rollRPS   = 20
	rollBurst = 40
)

// App is the kehai server lifecycle. Construct with New(), run with Run().
type App struct {
	cfg                 config.Config
	db                  *storage.DB
	srv                 *server.Server
	catalog             *catalog.Catalog
	hub                 *perception.Hub
	broker              *server.Broker // nil when no notify connection
	limiter             ratelimit.Limiter
	rollLimiter         ratelimit.Limiter
	unregisterPoolStats func() error
	otelShutdown        func(context.Context) error
	logger              *slog.Logger
	version             string
}

// New initialises the kehai server. It connects to the database, runs
// migrations, wires all subsystems, and returns a ready-to-run App.
// It does NOT start any goroutines or accept HTTP connections; call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	if o.rngSeed != 0 {
		cfg.RNGSeed = o.rngSeed
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("kehai starting", "version", version, "port", cfg.Port)

	ctx := context.Background()
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		_ = otelShutdown(ctx)
		return nil, fmt.Errorf("storage: %w", err)
	}
	fail := func(err error) (*App, error) {
		db.Close(ctx)
		_ = otelShutdown(ctx)
		return nil, err
	}

	if cfg.SkipEmbeddedMigrations {
		logger.Info("embedded migrations skipped by config")
	} else if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fail(fmt.Errorf("migrations: %w", err))
	}
	for i, extraFS := range o.extraMigrations {
		if err := db.RunMigrations(ctx, extraFS); err != nil {
			return fail(fmt.Errorf("extra migrations[%d]: %w", i, err))
		}
	}

	unregisterPoolStats, err := telemetry.RegisterPoolMetrics(db.Pool())
	if err != nil {
		// Metrics are best-effort; the server runs without them.
		logger.Warn("pool metrics registration failed", "error", err)
		unregisterPoolStats = func() error { return nil }
	}

	cat, err := catalog.New(db, cfg.CatalogTTL, logger)
	if err != nil {
		_ = unregisterPoolStats()
		return fail(fmt.Errorf("catalog: %w", err))
	}

	hub := perception.NewHub(db, cfg.NotifierInboxSize, logger)

	// With a notify connection every replica, this one included, receives
	// alerts from the perception_events trigger. Publishing directly as well
	// would deliver each alert twice.
	var (
		broker    *server.Broker
		publisher actions.Publisher
	)
	if db.HasNotifyConn() {
		broker = server.NewBroker(db, hub, logger)
	} else {
		publisher = hub
		logger.Info("no notify connection: alerts reach only this replica's subscribers")
	}

	svc := actions.New(actions.Config{
		Catalog:   cat,
		Proximity: db,
		Inventory: db,
		Profiles:  db,
		Store:     db,
		Publisher: publisher,
		Roller:    rules.NewRandRoller(cfg.RNGSeed),
		Workers:   cfg.PerceptionWorkers,
		Logger:    logger,
	})

	var limiter, rollLimiter ratelimit.Limiter = ratelimit.NoopLimiter{}, ratelimit.NoopLimiter{}
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		rollLimiter = ratelimit.NewMemoryLimiter(rollRPS, rollBurst)
	}

	srv := server.New(server.ServerConfig{
		Store:               db,
		Actions:             svc,
		Hub:                 hub,
		Logger:              logger,
		Broker:              broker,
		Limiter:             limiter,
		RollLimiter:         rollLimiter,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		ExecuteTimeout:      cfg.ExecuteTimeout,
	})

	return &App{
		cfg:                 cfg,
		db:                  db,
		srv:                 srv,
		catalog:             cat,
		hub:                 hub,
		broker:              broker,
		limiter:             limiter,
		rollLimiter:         rollLimiter,
		unregisterPoolStats: unregisterPoolStats,
		otelShutdown:        otelShutdown,
		logger:              logger,
		version:             version,
	}, nil
}

// Run starts the broker, the idempotency janitor and the HTTP server, then
// blocks until ctx is cancelled or the server fails. On return, Shutdown has
// been called; callers should not call it again.
func (a *App) Run(ctx context.Context) error {
	if a.broker != nil {
		go a.broker.Start(ctx)
	}
	go a.idempotencyCleanupLoop(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		_ = a.Shutdown(context.Background())
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown stops the server in two phases:
// (1) close every perception subscription so streams end, then
// (2) stop accepting HTTP requests and drain in-flight executions.
// It then releases the catalog, limiters, metrics and the database pool.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("kehai shutting down")

	// Phase 1: end streams. Open SSE and websocket handlers otherwise hold
	// the HTTP drain until its timeout.
	a.hub.Close()

	// Phase 2: HTTP drain.
	httpCtx, httpCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownHTTPTimeout)
	err := a.srv.Shutdown(httpCtx)
	httpCancel()
	if err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}

	a.catalog.Close()
	_ = a.limiter.Close()
	_ = a.rollLimiter.Close()
	if err := a.unregisterPoolStats(); err != nil {
		a.logger.Warn("pool metrics unregister failed", "error", err)
	}
	_ = a.otelShutdown(context.Background())
	a.db.Close(context.Background())

	a.logger.Info("kehai stopped")
	if err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func (a *App) idempotencyCleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.IdempotencyCleanupEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			opCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			deleted, err := a.db.CleanupIdempotencyKeys(opCtx, a.cfg.IdempotencyCompletedTTL, a.cfg.IdempotencyInProgressTTL)
			cancel()
			if err != nil {
				a.logger.Warn("idempotency cleanup failed", "error", err)
				continue
			}
			if deleted > 0 {
				a.logger.Info("idempotency cleanup deleted rows", "deleted", deleted)
			}
		}
	}
}

func contextWithOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}
