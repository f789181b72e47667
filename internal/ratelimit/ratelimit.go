// Package ratelimit throttles the analyze endpoints per client.
//
// MemoryLimiter is an in-process token bucket keyed by client IP. The
// Limiter interface is the contract the HTTP middleware depends on, so a
// shared limiter can replace it when several instances sit behind one
// balancer.
package ratelimit

import (
	"context"
	"time"
)

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow returns true if the request should proceed. Returning an error
	// signals a limiter malfunction; callers fail open.
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases resources (cleanup goroutines, connections).
	Close() error
}

// RetryAdvisor is implemented by limiters that can say when a denied key
// will next be allowed.
type RetryAdvisor interface {
	RetryAfter(key string) time.Duration
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
