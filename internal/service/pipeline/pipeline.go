// Package pipeline orchestrates a verification run: ingest, detect, gate,
// optionally moderate, then aggregate a verdict.
//
// The Processor owns every PipelineRun it creates and is the only writer of
// its status. Each run advances one stage at a time and always ends in
// Completed or Failed with a verdict, whatever the stages do.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ashita-ai/kensa/internal/ctxutil"
	"github.com/ashita-ai/kensa/internal/gate"
	"github.com/ashita-ai/kensa/internal/model"
	"github.com/ashita-ai/kensa/internal/service/detection"
	"github.com/ashita-ai/kensa/internal/service/ingest"
	"github.com/ashita-ai/kensa/internal/service/moderation"
	"github.com/ashita-ai/kensa/internal/telemetry"
	"github.com/ashita-ai/kensa/internal/verdict"
)

// ErrQueueFull is returned when the admission queue has no free slot. No
// run is created.
var ErrQueueFull = errors.New("pipeline: admission queue full")

// errDetectionTimeout marks a detection call that outlived its own deadline
// while the run was still alive.
var errDetectionTimeout = errors.New("detection timed out")

// Config holds the orchestrator settings.
type Config struct {
	Gate             gate.Config
	DetectionTimeout time.Duration
	// Deadline bounds a whole run, from admission to verdict.
	Deadline      time.Duration
	Guard         GuardConfig
	QueueCapacity int
	// ModerationMaxFrames caps how many video frames go to the moderator.
	ModerationMaxFrames int
	// Taxonomy restricts the hazard categories moderation checks; nil means all.
	Taxonomy []model.HazardCategory
}

// Ingester turns an upload into a validated media item.
type Ingester interface {
	Ingest(ctx context.Context, up ingest.Upload) (*model.MediaItem, error)
}

// Observer is called synchronously with every terminal run, after its media
// has been released. It must not block.
type Observer func(ctx context.Context, run *model.PipelineRun)

// Option configures a Processor.
type Option func(*Processor)

// WithObserver registers an observer for terminal runs.
func WithObserver(o Observer) Option {
	return func(p *Processor) {
		if o != nil {
			p.observers = append(p.observers, o)
		}
	}
}

// WithClock overrides the time source used for run timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) {
		if now != nil {
			p.now = now
		}
	}
}

// Processor runs media through the verification pipeline.
type Processor struct {
	cfg       Config
	ingester  Ingester
	detectors detection.Set
	moderator moderation.Moderator
	guard     *guardedModerator
	logger    *slog.Logger
	metrics   *metrics
	observers []Observer
	now       func() time.Time

	admission chan struct{}
}

// New creates a Processor. Zero durations and capacities fall back to
// defaults.
func New(cfg Config, ing Ingester, detectors detection.Set, mod moderation.Moderator, logger *slog.Logger, opts ...Option) *Processor {
	if cfg.DetectionTimeout <= 0 {
		cfg.DetectionTimeout = 10 * time.Second
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = 60 * time.Second
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 64
	}
	if cfg.ModerationMaxFrames <= 0 {
		cfg.ModerationMaxFrames = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Processor{
		cfg:       cfg,
		ingester:  ing,
		detectors: detectors,
		moderator: mod,
		guard:     newGuardedModerator(mod, cfg.Guard, logger),
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		admission: make(chan struct{}, cfg.QueueCapacity),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.metrics = newMetrics(p)
	return p
}

// InFlight reports the number of admitted runs.
func (p *Processor) InFlight() int { return len(p.admission) }

// Capacity reports the admission queue size.
func (p *Processor) Capacity() int { return cap(p.admission) }

// ModerationInFlight reports moderation calls currently holding a slot.
func (p *Processor) ModerationInFlight() int64 { return p.guard.InFlight() }

// BreakerState reports the moderation circuit breaker state.
func (p *Processor) BreakerState() string { return p.guard.BreakerState() }

// PingModerator reports whether the moderation backend is reachable.
func (p *Processor) PingModerator(ctx context.Context) error { return p.moderator.Ping(ctx) }

// ProcessMedia runs one upload through the pipeline and returns the
// terminal run. The only error is ErrQueueFull; every other failure is
// reported as a Failed run or an Error verdict.
func (p *Processor) ProcessMedia(ctx context.Context, up ingest.Upload) (*model.PipelineRun, error) {
	select {
	case p.admission <- struct{}{}:
	default:
		p.metrics.recordRejected(ctx)
		return nil, ErrQueueFull
	}
	defer func() { <-p.admission }()

	run := model.NewPipelineRun(uuid.New(), p.now())
	run.RequestID = ctxutil.RequestIDFromContext(ctx)

	ctx, span := telemetry.Tracer("kensa/pipeline").Start(ctx, "pipeline.run")
	defer span.End()
	span.SetAttributes(attribute.String("run.id", run.ID.String()))

	runCtx, cancel := context.WithTimeout(ctx, p.cfg.Deadline)
	defer cancel()

	var stages sync.WaitGroup
	p.execute(runCtx, run, up, &stages)

	// A stage abandoned at the deadline may still hold the upload or the
	// media item; wait for it before handing the run back.
	cancel()
	stages.Wait()

	run.ReleaseMedia()
	if run.Verdict != nil {
		span.SetAttributes(attribute.String("run.verdict", run.Verdict.String()))
	}
	if run.Status == model.RunStatusFailed {
		span.SetStatus(codes.Error, run.Failure.Message)
	}
	p.metrics.recordRun(ctx, run)
	p.logRun(run)
	for _, o := range p.observers {
		o(ctx, run)
	}
	return run, nil
}

// execute steps the run through its states until it is terminal.
func (p *Processor) execute(ctx context.Context, run *model.PipelineRun, up ingest.Upload, stages *sync.WaitGroup) {
	var (
		item   *model.MediaItem
		det    model.DetectionResult
		dec    model.GateDecision
		mod    *model.ModerationVerdict
		modErr error
	)

	for !run.Status.Terminal() {
		var err error
		switch run.Status {
		case model.RunStatusPending:
			item, err = p.ingest(ctx, up, stages)
			if err == nil {
				run.Media = item
				s := item.Summary()
				run.MediaSummary = &s
				err = run.Advance(model.RunStatusDetecting, p.now())
			}

		case model.RunStatusDetecting:
			det, err = p.detect(ctx, item, stages)
			if err == nil {
				run.Detection = &det
				dec = gate.Decide(det, item.Kind, p.cfg.Gate)
				run.Gate = &dec
				next := model.RunStatusCompleting
				if dec.Escalate {
					next = model.RunStatusEscalating
				}
				err = run.Advance(next, p.now())
			}

		case model.RunStatusEscalating:
			err = run.Advance(model.RunStatusModerating, p.now())

		case model.RunStatusModerating:
			mod, modErr = p.moderate(ctx, item, stages)
			if modErr != nil && ctx.Err() != nil {
				// The run deadline, not the backend, ended moderation.
				err = ctx.Err()
				break
			}
			run.Moderation = mod
			err = run.Advance(model.RunStatusCompleting, p.now())

		case model.RunStatusCompleting:
			v, aggErr := verdict.Aggregate(det, dec, mod, modErr)
			if aggErr != nil {
				err = model.NewRunError(model.ErrInternalPipeline, aggErr)
				break
			}
			if err = run.Complete(v, p.now()); err == nil && v.IsError() {
				run.Failure = &model.RunFailure{Kind: v.Error, Message: modErr.Error()}
			}

		default:
			err = model.NewRunError(model.ErrInternalPipeline, fmt.Errorf("unknown run status %q", run.Status))
		}

		if err != nil {
			p.fail(ctx, run, err)
		}
	}
}

func (p *Processor) ingest(ctx context.Context, up ingest.Upload, stages *sync.WaitGroup) (*model.MediaItem, error) {
	item, err := runStage(ctx, stages, func(ctx context.Context) (*model.MediaItem, error) {
		return p.ingester.Ingest(ctx, up)
	})
	if err != nil {
		if ctx.Err() != nil {
			up.Abort()
		}
		return nil, err
	}
	if item == nil || !item.Kind.Valid() {
		return nil, model.NewRunError(model.ErrInternalPipeline, errors.New("ingest returned no usable media item"))
	}
	return item, nil
}

func (p *Processor) detect(ctx context.Context, item *model.MediaItem, stages *sync.WaitGroup) (model.DetectionResult, error) {
	d, err := p.detectors.For(item.Kind)
	if err != nil {
		return model.DetectionResult{}, model.NewRunError(model.ErrInternalPipeline, err)
	}
	dctx, cancel := context.WithTimeout(ctx, p.cfg.DetectionTimeout)
	defer cancel()

	res, err := runStage(dctx, stages, func(ctx context.Context) (model.DetectionResult, error) {
		return d.Detect(ctx, item)
	})
	if err != nil {
		if ctx.Err() != nil {
			return model.DetectionResult{}, ctx.Err()
		}
		if errors.Is(dctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s", errDetectionTimeout, p.cfg.DetectionTimeout)
		}
		var re *model.RunError
		if errors.As(err, &re) {
			return model.DetectionResult{}, err
		}
		return model.DetectionResult{}, model.NewRunError(model.ErrDetection, err)
	}
	if err := res.Validate(); err != nil {
		return model.DetectionResult{}, model.NewRunError(model.ErrDetection, err)
	}
	return res, nil
}

func (p *Processor) moderate(ctx context.Context, item *model.MediaItem, stages *sync.WaitGroup) (*model.ModerationVerdict, error) {
	frames := item.Stills()
	if item.Kind == model.MediaKindVideo {
		frames = moderation.SelectFrames(frames, p.cfg.ModerationMaxFrames)
	}
	req := moderation.Request{Frames: frames, Taxonomy: p.cfg.Taxonomy}

	type outcome struct {
		v        model.ModerationVerdict
		attempts int
	}
	out, err := runStage(ctx, stages, func(ctx context.Context) (outcome, error) {
		v, n, err := p.guard.Moderate(ctx, req)
		return outcome{v: v, attempts: n}, err
	})
	if err != nil {
		p.metrics.recordModeration(ctx, out.attempts, "failed")
		p.logger.Warn("pipeline: moderation failed", "attempts", out.attempts, "error", err)
		return nil, err
	}
	p.metrics.recordModeration(ctx, out.attempts, "ok")
	v := out.v
	v.Categories = model.SortCategories(v.Categories)
	if len(v.Categories) > 0 {
		v.Flagged = true
	}
	return &v, nil
}

// fail moves the run to Failed with the error kind err maps to. A run that
// is already terminal is left alone.
func (p *Processor) fail(ctx context.Context, run *model.PipelineRun, err error) {
	if run.Status.Terminal() {
		return
	}
	kind := classify(ctx, err)
	if ferr := run.Fail(kind, err.Error(), p.now()); ferr != nil {
		p.logger.Error("pipeline: fail run", "run_id", run.ID, "error", ferr)
	}
}

// classify maps a stage error onto an error kind.
func classify(ctx context.Context, err error) model.ErrorKind {
	var re *model.RunError
	switch {
	case ctx.Err() != nil:
		return model.ErrPipelineTimeout
	case errors.As(err, &re):
		return re.Kind
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return model.ErrPipelineTimeout
	case errors.Is(err, ingest.ErrExtractorUnavailable):
		return model.ErrInternalPipeline
	case errors.Is(err, ingest.ErrInvalidMedia), errors.Is(err, ingest.ErrTooLarge):
		return model.ErrMediaValidation
	}
	return model.ErrInternalPipeline
}

func (p *Processor) logRun(run *model.PipelineRun) {
	attrs := []any{
		"run_id", run.ID,
		"request_id", run.RequestID,
		"status", run.Status,
		"duration_ms", run.Duration().Milliseconds(),
	}
	if run.Verdict != nil {
		attrs = append(attrs, "verdict", run.Verdict.String())
	}
	if run.Detection != nil {
		attrs = append(attrs, "label", run.Detection.Label, "score", run.Detection.Score)
	}
	if run.Gate != nil {
		attrs = append(attrs, "escalated", run.Gate.Escalate)
	}
	if run.Failure != nil {
		p.logger.Warn("pipeline: run ended with error", append(attrs, "error", run.Failure.Message)...)
		return
	}
	p.logger.Info("pipeline: run completed", attrs...)
}

// runStage calls fn in its own goroutine and returns when it finishes or
// ctx ends, whichever is first. The goroutine is tracked in stages so the
// caller can wait for an abandoned stage to exit. A panic in fn becomes an
// internal error.
func runStage[T any](ctx context.Context, stages *sync.WaitGroup, fn func(context.Context) (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	stages.Add(1)
	go func() {
		defer stages.Done()
		defer func() {
			if r := recover(); r != nil {
				var zero T
				ch <- result{v: zero, err: model.NewRunError(model.ErrInternalPipeline, fmt.Errorf("stage panicked: %v", r))}
			}
		}()
		v, err := fn(ctx)
		ch <- result{v: v, err: err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
