package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"

	"github.com/ashita-ai/kensa/internal/model"
	"github.com/ashita-ai/kensa/internal/service/moderation"
)

// GuardConfig bounds how the moderation backend is called.
type GuardConfig struct {
	MaxConcurrent   int           // Moderation calls in flight across all runs.
	AttemptTimeout  time.Duration // Per-attempt deadline.
	Retries         int           // Retries after the first attempt.
	RetryBaseDelay  time.Duration // First backoff delay; doubles per retry.
	BreakerFailures int           // Consecutive failures that open the breaker.
	BreakerCooldown time.Duration // Time the breaker stays open.
}

// guardedModerator wraps a Moderator with a counting semaphore, a circuit
// breaker and bounded exponential-backoff retries.
type guardedModerator struct {
	mod     moderation.Moderator
	cfg     GuardConfig
	sem     *semaphore.Weighted
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger

	inFlight atomic.Int64
	attempts atomic.Int64
}

func newGuardedModerator(mod moderation.Moderator, cfg GuardConfig, logger *slog.Logger) *guardedModerator {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 2
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 30 * time.Second
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 250 * time.Millisecond
	}
	if cfg.BreakerFailures <= 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}
	g := &guardedModerator{
		mod:    mod,
		cfg:    cfg,
		sem:    semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		logger: logger,
	}
	failures := uint32(cfg.BreakerFailures)
	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "moderation",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= failures
		},
		// A run giving up (its deadline passed) says nothing about the backend.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, errRunEnded)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("moderation: circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return g
}

var (
	errAttemptTimeout = errors.New("moderation attempt timed out")
	errRunEnded       = errors.New("moderation: run ended before the backend replied")
)

// Moderate calls the backend until it succeeds, the retry budget is spent,
// the backend is known to be unavailable, or ctx ends. It returns the
// number of attempts made.
func (g *guardedModerator) Moderate(ctx context.Context, req moderation.Request) (model.ModerationVerdict, int, error) {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = g.cfg.RetryBaseDelay
	exp.Multiplier = 2
	exp.RandomizationFactor = 0.2
	exp.MaxInterval = 8 * g.cfg.RetryBaseDelay
	exp.MaxElapsedTime = 0 // The run deadline bounds total time.

	retries := g.cfg.Retries
	if retries < 0 {
		retries = 0
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(retries)), ctx)

	attempts := 0
	op := func() (model.ModerationVerdict, error) {
		attempts++
		v, err := g.attempt(ctx, req)
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil {
			return model.ModerationVerdict{}, backoff.Permanent(ctx.Err())
		}
		if errors.Is(err, moderation.ErrUnavailable) ||
			errors.Is(err, gobreaker.ErrOpenState) ||
			errors.Is(err, gobreaker.ErrTooManyRequests) {
			return model.ModerationVerdict{}, backoff.Permanent(fmt.Errorf("%w: %v", moderation.ErrUnavailable, err))
		}
		g.logger.Warn("moderation: attempt failed", "attempt", attempts, "error", err)
		return model.ModerationVerdict{}, err
	}

	v, err := backoff.RetryWithData(op, policy)
	if err != nil {
		return model.ModerationVerdict{}, attempts, err
	}
	return v, attempts, nil
}

// attempt makes one call while holding a semaphore slot. Waiting for a
// slot is bounded only by ctx.
func (g *guardedModerator) attempt(ctx context.Context, req moderation.Request) (model.ModerationVerdict, error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return model.ModerationVerdict{}, err
	}
	defer g.sem.Release(1)
	g.inFlight.Add(1)
	defer g.inFlight.Add(-1)
	g.attempts.Add(1)

	actx, cancel := context.WithTimeout(ctx, g.cfg.AttemptTimeout)
	defer cancel()

	res, err := g.breaker.Execute(func() (interface{}, error) {
		v, err := g.mod.Moderate(actx, req)
		if err != nil && ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", errRunEnded, err)
		}
		return v, err
	})
	if err != nil {
		if ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
			return model.ModerationVerdict{}, model.NewRunError(model.ErrModerationTimeout,
				fmt.Errorf("%w after %s", errAttemptTimeout, g.cfg.AttemptTimeout))
		}
		return model.ModerationVerdict{}, err
	}
	return res.(model.ModerationVerdict), nil
}

// InFlight reports moderation calls currently holding a slot.
func (g *guardedModerator) InFlight() int64 { return g.inFlight.Load() }

// BreakerState reports the circuit breaker state ("closed", "open", "half-open").
func (g *guardedModerator) BreakerState() string { return g.breaker.State().String() }
