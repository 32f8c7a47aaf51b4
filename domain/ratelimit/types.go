// Package ratelimit provides domain types and interfaces for rate limiting.
package ratelimit

import (
	"context"
	"time"
)

// Scope identifies what a bucket is keyed by.
type Scope string

const (
	// ScopeOrigin limits by network origin (client IP).
	ScopeOrigin Scope = "origin"
	// ScopeUser limits by user identity.
	ScopeUser Scope = "user"
)

// Config holds rate limiting configuration for one scope.
type Config struct {
	// Points is the number of events allowed per window.
	Points int
	// Window is the duration of the fixed window.
	Window time.Duration
	// BlockDuration is how long the identity stays blocked once the budget is exhausted.
	// Zero means the identity is admitted again when the window ends.
	BlockDuration time.Duration
	// KeyPrefix namespaces the bucket keys in the store.
	KeyPrefix string
}

// Result represents the outcome of a rate limit check.
type Result struct {
	// Allowed indicates whether the event is admitted.
	Allowed bool
	// Scope is the scope that produced this result.
	Scope Scope
	// Remaining is the number of events left in the current window.
	Remaining int
	// RetryAfter is the duration to wait before retrying (only set when not allowed).
	RetryAfter time.Duration
}

// Limiter is the interface for rate limiting implementations.
type Limiter interface {
	// Consume records one event for key and reports whether it is admitted.
	Consume(ctx context.Context, key string) (*Result, error)
}

// DefaultOriginConfig returns the per-origin limit: 100 events per minute,
// then blocked for 10 minutes.
func DefaultOriginConfig() Config {
	return Config{
		Points:        100,
		Window:        time.Minute,
		BlockDuration: 10 * time.Minute,
		KeyPrefix:     "rate_limit_ip",
	}
}

// DefaultUserConfig returns the per-user limit: 30 events per minute,
// then blocked for 5 minutes.
func DefaultUserConfig() Config {
	return Config{
		Points:        30,
		Window:        time.Minute,
		BlockDuration: 5 * time.Minute,
		KeyPrefix:     "rate_limit_user",
	}
}

// RetryAfterSeconds rounds a retry duration up to whole seconds.
func RetryAfterSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	secs := int(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	return secs
}
