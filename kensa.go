// Package kensa is the public API for embedding the kensa media verification
// gateway.
//
// Consumers import this package to construct and extend the server without
// forking it:
//
//	app, err := kensa.New(
//	    kensa.WithVersion(version),
//	    kensa.WithLogger(logger),
//	    kensa.WithRunHook(myAuditHook{}),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: kensa (root) imports
// internal/*, but internal/* never imports kensa (root). Public types
// (Result, Frame) are standalone structs with no internal imports; the
// conversion helpers live here because this is the only file that sees both
// sides of the boundary.
package kensa

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/kensa/api"
	"github.com/ashita-ai/kensa/internal/config"
	"github.com/ashita-ai/kensa/internal/gate"
	"github.com/ashita-ai/kensa/internal/model"
	"github.com/ashita-ai/kensa/internal/ratelimit"
	"github.com/ashita-ai/kensa/internal/server"
	"github.com/ashita-ai/kensa/internal/service/detection"
	"github.com/ashita-ai/kensa/internal/service/history"
	"github.com/ashita-ai/kensa/internal/service/ingest"
	"github.com/ashita-ai/kensa/internal/service/moderation"
	"github.com/ashita-ai/kensa/internal/service/pipeline"
	"github.com/ashita-ai/kensa/internal/storage"
	"github.com/ashita-ai/kensa/internal/telemetry"
)

// ErrOverloaded is returned by Analyze when every run slot is taken.
var ErrOverloaded = errors.New("kensa: too many analyses in progress")

// historyBatchSize is how many run records are written per flush.
const historyBatchSize = 100

// hookTimeout bounds one round of RunHook calls.
const hookTimeout = 10 * time.Second

// App is the kensa server lifecycle. Construct with New(), run with Run().
// App has no public fields; use New() options to configure it.
type App struct {
	cfg          config.Config
	srv          *server.Server
	proc         *pipeline.Processor
	hist         *history.Buffer
	store        storage.Store
	limiter      ratelimit.Limiter
	closers      []io.Closer // model sessions released after the store
	otelShutdown telemetry.Shutdown
	checks       []server.HealthCheck
	hooks        []RunHook
	logger       *slog.Logger
	version      string
}

// New initialises the kensa server. It loads configuration, opens the run
// history store, constructs the detection and moderation backends and wires
// the pipeline and HTTP server. It does NOT start any goroutines or accept
// HTTP connections; call Run().
func New(opts ...Option) (*App, error) {
	// Apply options.
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env files (non-fatal when the default one is absent; production
	// won't have one).
	if len(o.envFiles) > 0 {
		if err := godotenv.Load(o.envFiles...); err != nil {
			return nil, fmt.Errorf("load env files: %w", err)
		}
	} else {
		_ = godotenv.Load()
	}

	// Load configuration (env vars), then apply option overrides.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.store != "" {
		cfg.Store = o.store
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("kensa starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(context.Background(), telemetry.Options{
		Endpoint:    cfg.OTELEndpoint,
		ServiceName: cfg.ServiceName,
		Version:     version,
		Insecure:    cfg.OTELInsecure,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	app := &App{
		cfg:          cfg,
		otelShutdown: otelShutdown,
		hooks:        o.runHooks,
		logger:       logger,
		version:      version,
	}
	// fail releases whatever was opened so far.
	fail := func(err error) (*App, error) {
		app.release(context.Background())
		return nil, err
	}

	// Detection backend. An external override takes priority over config.
	var classifier detection.FrameClassifier
	if o.classifier != nil {
		classifier = &classifierAdapter{c: o.classifier}
		logger.Info("detection: external classifier", "model", o.classifier.ModelID())
	} else {
		c, closer, err := newClassifier(cfg)
		if err != nil {
			return fail(fmt.Errorf("detection: %w", err))
		}
		if closer != nil {
			app.closers = append(app.closers, closer)
		}
		classifier = c
		logger.Info("detection: backend ready", "backend", cfg.DetectionBackend, "model", c.ModelID())
	}
	detectors := detection.Set{
		Image: detection.NewImageDetector(classifier),
		Video: detection.NewVideoTemporalDetector(classifier, detection.TemporalConfig{
			Concurrency: cfg.VideoDetectionConcurrency,
		}),
	}

	// Moderation backend.
	moderator := newModerator(cfg)
	logger.Info("moderation: backend configured", "backend", cfg.ModerationBackend,
		"endpoint", cfg.ModerationEndpoint, "model", cfg.ModerationModel)

	// Media ingestion. Missing ffmpeg only disables video.
	extractor := ingest.NewFFmpegExtractor(cfg.FFmpegPath, cfg.FFprobePath)
	if err := extractor.Available(); err != nil {
		logger.Warn("ingest: video frame extraction unavailable, video uploads will fail", "error", err)
	}
	ingester := ingest.New(ingest.Config{
		MaxBytes:    cfg.MaxUploadBytes,
		VideoFrames: cfg.VideoFrameCount,
	}, extractor, logger)

	// Run history.
	store, err := openStore(context.Background(), cfg, logger)
	if err != nil {
		return fail(fmt.Errorf("storage: %w", err))
	}
	app.store = store
	app.hist = history.NewBuffer(store, logger, historyBatchSize, cfg.HistoryBufferSize, cfg.HistoryFlushEvery)

	// Pipeline.
	app.proc = pipeline.New(pipeline.Config{
		Gate: gate.Config{
			ImageThreshold: cfg.DetectionThresholdImage,
			VideoThreshold: cfg.DetectionThresholdVideo,
			Inclusive:      cfg.DetectionThresholdInclude,
		},
		DetectionTimeout: cfg.DetectionTimeout,
		Deadline:         cfg.PipelineDeadline,
		Guard: pipeline.GuardConfig{
			MaxConcurrent:   cfg.MaxConcurrentModeration,
			AttemptTimeout:  cfg.ModerationTimeout,
			Retries:         cfg.ModerationRetryCount,
			RetryBaseDelay:  cfg.ModerationRetryBaseDelay,
			BreakerFailures: cfg.ModerationBreakerFailures,
			BreakerCooldown: cfg.ModerationBreakerCooldown,
		},
		QueueCapacity:       cfg.QueueCapacity,
		ModerationMaxFrames: cfg.ModerationMaxFrames,
		Taxonomy:            cfg.ModerationTaxonomy,
	}, ingester, detectors, moderator, logger,
		pipeline.WithObserver(app.hist.Record),
		pipeline.WithObserver(app.fireHooks),
	)

	// Rate limiter.
	if cfg.RateLimitEnabled {
		app.limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		app.limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	// Adapt middlewares from kensa.Middleware to func(http.Handler) http.Handler.
	var middlewares []func(http.Handler) http.Handler
	for _, mw := range o.middlewares {
		middlewares = append(middlewares, mw)
	}

	// Create HTTP server.
	app.checks = app.healthChecks(classifier, extractor)
	app.srv = server.New(server.ServerConfig{
		Analyzer:       app.proc,
		Runs:           app.hist,
		Limiter:        app.limiter,
		Checks:         app.checks,
		Middlewares:    middlewares,
		Logger:         logger,
		Port:           cfg.Port,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		Version:        version,
		MaxUploadBytes: cfg.MaxUploadBytes,
		OpenAPISpec:    api.OpenAPISpec,
	})

	return app, nil
}

// Handler returns the root HTTP handler, for mounting in another server or
// for tests.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// Analyze runs one upload through the pipeline in-process, bypassing HTTP.
// The only error is ErrOverloaded; every other outcome is a Result. If the
// run deadline passes while body is still being read and body is an
// io.Closer, it is closed to end the read.
func (a *App) Analyze(ctx context.Context, filename string, body io.Reader) (Result, error) {
	run, err := a.proc.ProcessMedia(ctx, ingest.Upload{Filename: filename, Body: body})
	if err != nil {
		if errors.Is(err, pipeline.ErrQueueFull) {
			return Result{}, ErrOverloaded
		}
		return Result{}, err
	}
	return toPublicResult(run), nil
}

// CheckResult is the outcome of one dependency check.
type CheckResult struct {
	Name     string
	Critical bool
	Err      error
	Elapsed  time.Duration
}

// Diagnose runs every dependency check that GET /health reports on, in
// order, each bounded by timeout.
func (a *App) Diagnose(ctx context.Context, timeout time.Duration) []CheckResult {
	results := make([]CheckResult, 0, len(a.checks))
	for _, c := range a.checks {
		checkCtx, cancel := context.WithTimeout(ctx, timeout)
		start := time.Now()
		err := c.Check(checkCtx)
		cancel()
		results = append(results, CheckResult{
			Name:     c.Name,
			Critical: c.Critical,
			Err:      err,
			Elapsed:  time.Since(start),
		})
	}
	return results
}

// Run starts all background goroutines and the HTTP server, then blocks until
// ctx is cancelled or a fatal server error occurs. On return, Shutdown is called
// automatically, so callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	// Start background services.
	a.hist.Start(ctx)

	// Start HTTP server.
	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Block until signal or server error.
	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	if err := a.Shutdown(context.Background()); err != nil {
		return errors.Join(runErr, err)
	}
	return runErr
}

// Shutdown performs a two-phase graceful shutdown:
// (1) stop accepting HTTP requests and let in-flight runs finish,
// (2) flush the run history buffer to the store.
// It then closes the store, model sessions and OTEL provider.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("kensa shutting down")

	// Phase 1: HTTP drain.
	httpCtx, httpCancel := context.WithTimeout(ctx, a.cfg.ShutdownTimeout)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	// Phase 2: history drain.
	drainCtx, drainCancel := context.WithTimeout(ctx, a.cfg.ShutdownTimeout)
	a.hist.Drain(drainCtx)
	drainCancel()
	var err error
	if n := a.hist.Len(); n > 0 {
		a.logger.Error("history drain incomplete, unflushed runs will be lost", "remaining_runs", n)
		err = fmt.Errorf("history drain incomplete: %d runs unflushed", n)
	}

	a.release(ctx)
	a.logger.Info("kensa stopped")
	return err
}

// release closes resources in reverse order of acquisition. Nil-safe so a
// partially constructed App can be released.
func (a *App) release(ctx context.Context) {
	if a.limiter != nil {
		_ = a.limiter.Close()
	}
	if a.store != nil {
		if err := a.store.Close(ctx); err != nil {
			a.logger.Warn("store close failed", "error", err)
		}
	}
	for _, c := range a.closers {
		_ = c.Close()
	}
	if a.otelShutdown != nil {
		_ = a.otelShutdown(context.Background())
	}
}

// fireHooks notifies every registered RunHook in a goroutine. It is a
// pipeline.Observer.
func (a *App) fireHooks(_ context.Context, run *model.PipelineRun) {
	if len(a.hooks) == 0 {
		return
	}
	result := toPublicResult(run)
	hooks := a.hooks
	logger := a.logger
	go func() {
		hookCtx, cancel := context.WithTimeout(context.Background(), hookTimeout)
		defer cancel()
		for _, h := range hooks {
			if err := h.OnRunCompleted(hookCtx, result); err != nil {
				logger.Warn("run hook OnRunCompleted failed", "error", err, "run_id", result.RunID)
			}
		}
	}()
}

// healthChecks lists the dependencies GET /health reports on. Only the
// history store is critical; model backends and ffmpeg degrade service.
func (a *App) healthChecks(classifier detection.FrameClassifier, extractor *ingest.FFmpegExtractor) []server.HealthCheck {
	checks := []server.HealthCheck{
		{Name: "store", Critical: true, Check: a.hist.Ping},
		{Name: "moderation", Check: a.proc.PingModerator},
		{Name: "ffmpeg", Check: func(context.Context) error { return extractor.Available() }},
	}
	if p, ok := classifier.(interface{ Ping(context.Context) error }); ok {
		checks = append(checks, server.HealthCheck{Name: "detection", Check: p.Ping})
	}
	return checks
}

// ── Helpers ──────────────────────────────────────────────────────────────────

// newClassifier builds the configured detection backend. The returned
// closer is non-nil when the backend holds native resources.
func newClassifier(cfg config.Config) (detection.FrameClassifier, io.Closer, error) {
	switch cfg.DetectionBackend {
	case "onnx":
		c, err := detection.LoadONNXClassifier(cfg.ONNXModelDir)
		if err != nil {
			return nil, nil, err
		}
		return c, c, nil
	default:
		return detection.NewHTTPClassifier(cfg.DetectionEndpoint, cfg.DetectionModel), nil, nil
	}
}

func newModerator(cfg config.Config) moderation.Moderator {
	switch cfg.ModerationBackend {
	case "rest":
		return moderation.NewRESTModerator(cfg.ModerationEndpoint, cfg.ModerationModel)
	default:
		return moderation.NewOllamaModerator(cfg.ModerationEndpoint, cfg.ModerationModel)
	}
}

// openStore opens the configured run history store. "none" keeps history in
// memory only.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (storage.Store, error) {
	switch cfg.Store {
	case "sqlite":
		s, err := storage.OpenSQLite(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("history: sqlite", "path", cfg.SQLitePath)
		return s, nil
	case "postgres":
		s, err := storage.OpenPostgres(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("history: postgres")
		return s, nil
	default:
		logger.Info("history: in-memory only (KENSA_STORE=none)")
		return storage.NewMemoryStore(cfg.HistoryBufferSize), nil
	}
}

// ── Adapters (defined here because this file imports both sides) ───────────

// classifierAdapter wraps a kensa.Classifier to satisfy detection.FrameClassifier.
type classifierAdapter struct {
	c Classifier
}

func (a *classifierAdapter) Classify(ctx context.Context, f model.Frame) (float64, error) {
	return a.c.Classify(ctx, Frame{Index: f.Index, Offset: f.Offset, Data: f.Data, MIMEType: f.MIMEType})
}

func (a *classifierAdapter) ModelID() string { return a.c.ModelID() }

// toPublicResult converts a terminal run to the public Result.
func toPublicResult(run *model.PipelineRun) Result {
	r := Result{
		RunID:     run.ID,
		RequestID: run.RequestID,
		Status:    string(run.Status),
		StartedAt: run.StartedAt,
		Duration:  run.Duration(),
	}
	if run.Verdict != nil {
		r.Verdict = Verdict(run.Verdict.Kind)
		r.ReviewRequired = run.Verdict.ReviewRequired()
		if run.Verdict.IsError() {
			r.ErrorKind = string(run.Verdict.Error)
		}
	}
	if run.Failure != nil {
		r.ErrorKind = string(run.Failure.Kind)
		r.ErrorMessage = run.Failure.Message
	}
	if d := run.Detection; d != nil {
		r.DetectionLabel = string(d.Label)
		r.DetectionScore = d.Score
		r.DetectionModel = d.ModelID
	}
	if run.Gate != nil {
		r.Escalated = run.Gate.Escalate
	}
	if m := run.Moderation; m != nil {
		r.Moderated = true
		r.Flagged = m.Flagged
		for _, c := range m.Categories {
			r.Categories = append(r.Categories, string(c))
		}
	}
	if s := run.MediaSummary; s != nil {
		r.MediaKind = string(s.Kind)
		r.MIMEType = s.MIMEType
	}
	return r
}
