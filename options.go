package kensa

import (
	"log/slog"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	port        int
	store       string
	databaseURL string
	envFiles    []string
	logger      *slog.Logger
	version     string
	classifier  Classifier
	runHooks    []RunHook
	middlewares []Middleware
}

// WithPort overrides the TCP port from config (KENSA_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithStore overrides the run history backend from config (KENSA_STORE env
// var): "sqlite", "postgres", or "none".
func WithStore(store string) Option {
	return func(o *resolvedOptions) { o.store = store }
}

// WithDatabaseURL overrides the Postgres connection string from config (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithEnvFile loads variables from the named dotenv files before reading
// configuration. Variables already set in the environment win. Without this
// option a ".env" in the working directory is loaded if present.
func WithEnvFile(paths ...string) Option {
	return func(o *resolvedOptions) { o.envFiles = append(o.envFiles, paths...) }
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

// WithClassifier replaces the configured detection backend.
// Only the last call wins.
func WithClassifier(c Classifier) Option {
	return func(o *resolvedOptions) { o.classifier = c }
}

// WithRunHook registers a hook that receives every finished run.
// Multiple hooks may be registered; all registered hooks receive every run.
func WithRunHook(hook RunHook) Option {
	return func(o *resolvedOptions) { o.runHooks = append(o.runHooks, hook) }
}

// WithMiddleware registers an outermost HTTP middleware.
// Multiple middlewares may be registered. Applied in registration order:
// the first-registered middleware is outermost (called first by every request).
func WithMiddleware(mw Middleware) Option {
	return func(o *resolvedOptions) { o.middlewares = append(o.middlewares, mw) }
}
