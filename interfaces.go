package kensa

import (
	"context"
	"net/http"
)

// Classifier estimates the probability that one still is synthetic.
// When provided via WithClassifier, replaces the configured detection
// backend (DETECTION_BACKEND) for both images and video frames.
// Implementations must be safe for concurrent use.
type Classifier interface {
	// Classify returns P(synthetic) in [0,1].
	Classify(ctx context.Context, frame Frame) (float64, error)
	ModelID() string
}

// RunHook receives async notifications when an analysis finishes.
// Multiple hooks may be registered via multiple WithRunHook calls.
// Hook methods run in goroutines; they must not block indefinitely.
// Failures are logged but do not fail the originating request.
type RunHook interface {
	OnRunCompleted(ctx context.Context, result Result) error
}

// Middleware wraps the root HTTP handler.
// Applied outermost (before routing), so it sees all requests including /health.
// Multiple middlewares are applied in registration order (first-registered = outermost).
type Middleware func(http.Handler) http.Handler
