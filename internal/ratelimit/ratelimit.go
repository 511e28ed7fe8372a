// Package ratelimit throttles API calls per actor.
//
// Two limiters satisfy the Limiter contract: an in-process token bucket for
// single-instance deployments and a Redis sliding window shared by every
// instance behind a load balancer.
package ratelimit

import "context"

// Limiter decides whether a call identified by key may proceed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow reports whether the call should proceed. The key is opaque to
	// the limiter; the HTTP layer builds it as "<tenant>:<actor>".
	// An error means the limiter itself failed and callers fail open.
	Allow(ctx context.Context, key string) (bool, error)

	Close() error
}

// NoopLimiter permits every call. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
