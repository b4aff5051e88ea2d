package kehai

import (
	"io/fs"
	"log/slog"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all overrides after applying defaults.
type resolvedOptions struct {
	port            int
	databaseURL     string
	notifyURL       string
	logger          *slog.Logger
	version         string
	rngSeed         uint64
	extraMigrations []fs.FS
}

// WithPort overrides the TCP port from config (KEHAI_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the database connection string from config (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithNotifyURL overrides the direct Postgres URL used for LISTEN/NOTIFY (NOTIFY_URL env var).
// LISTEN/NOTIFY requires a direct (non-pooled) connection.
func WithNotifyURL(url string) Option {
	return func(o *resolvedOptions) { o.notifyURL = url }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithRNGSeed fixes the dice seed (KEHAI_RNG_SEED env var). Replays of a
// seeded server produce the same rolls for the same request order.
func WithRNGSeed(seed uint64) Option {
	return func(o *resolvedOptions) { o.rngSeed = seed }
}

// WithExtraMigrations adds an SQL migration filesystem to run after the
// embedded migrations. Filesystems are applied in registration order.
func WithExtraMigrations(dir fs.FS) Option {
	return func(o *resolvedOptions) { o.extraMigrations = append(o.extraMigrations, dir) }
}
