package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashita-ai/kensa/internal/ratelimit"
)

// Server is the kensa HTTP server.
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
// Optional fields (nil-safe): Runs, Limiter, Checks, Middlewares, OpenAPISpec.
type ServerConfig struct {
	// Required dependencies.
	Analyzer Analyzer
	Logger   *slog.Logger

	// Optional dependencies (nil = disabled).
	Runs    RunReader
	Limiter ratelimit.Limiter
	Checks  []HealthCheck

	// Middlewares wrap the whole handler, outermost first.
	Middlewares []func(http.Handler) http.Handler

	OpenAPISpec []byte // Embedded OpenAPI YAML.

	// HTTP server settings.
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	Version        string
	MaxUploadBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Analyzer:       cfg.Analyzer,
		Runs:           cfg.Runs,
		Checks:         cfg.Checks,
		Logger:         cfg.Logger,
		Version:        cfg.Version,
		MaxUploadBytes: cfg.MaxUploadBytes,
		OpenAPISpec:    cfg.OpenAPISpec,
	})

	// Request ID extractor for rate limit error responses.
	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}
	analyzeRL := ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc, reqIDFunc, cfg.Logger)

	mux := http.NewServeMux()

	// Analysis (rate limited by client IP). The second path is kept for
	// clients of the earlier API.
	analyze := analyzeRL(http.HandlerFunc(h.HandleAnalyze))
	mux.Handle("POST /v1/analyze", analyze)
	mux.Handle("POST /api/v1/analyze-media", analyze)

	// Run history.
	if cfg.Runs != nil {
		mux.HandleFunc("GET /v1/runs/{run_id}", h.HandleGetRun)
		mux.HandleFunc("GET /v1/runs", h.HandleListRuns)
	}

	// Health and the OpenAPI document (no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}

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

// Handlers returns the underlying Handlers.
func (s *Server) Handlers() *Handlers {
	return s.handlers
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
