package core

import (
	"context"
	"time"
)

// RateLimitStore is the backing counter for RateLimit. Production uses
// Redis; a nil store disables limiting.
type RateLimitStore interface {
	// IncrementAndCheck atomically counts one hit for key in the current
	// window and reports whether the limit still allows it.
	IncrementAndCheck(ctx context.Context, key string, limit int, window time.Duration) (RateLimitResult, error)
}

// RateLimitResult is the outcome of one rate limit check.
type RateLimitResult struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}
