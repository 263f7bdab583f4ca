// Package ratelimit implements sliding-window-log admission checks per identity.
//
// Two interchangeable backends exist: Redis, which evicts, counts and inserts
// in one atomic script so concurrent processes cannot over-admit, and Memory,
// which runs the same algorithm over an in-process map. Memory is only correct
// within a single process; running several instances without Redis lets each
// instance admit up to MaxRequests on its own.
package ratelimit

import (
	"context"
	"strings"
	"time"
)

// Config configures a sliding window.
type Config struct {
	// MaxRequests is the number of requests admitted within Window.
	MaxRequests int
	// Window is the length of the rolling window.
	Window time.Duration
}

func (c Config) normalized() Config {
	if c.MaxRequests <= 0 {
		c.MaxRequests = 10
	}
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	return c
}

// Result is the outcome of one admission check.
type Result struct {
	Allowed   bool
	Remaining int
	// ResetIn is the time until the oldest timestamp in the window expires.
	ResetIn time.Duration
}

// Limiter admits or rejects one request for key.
// An admitted request is recorded in the window; a rejected one is not.
type Limiter interface {
	Check(ctx context.Context, key string) (Result, error)
}

// Clock returns the current time. Tests inject a fake one.
type Clock func() time.Time

// CompositeKey creates a rate limit key from multiple parts.
func CompositeKey(parts ...string) string {
	return strings.Join(parts, ":")
}
