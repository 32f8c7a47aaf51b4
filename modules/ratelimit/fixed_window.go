// Package ratelimit provides a store-backed fixed window rate limiter with an
// extended block once the budget is exhausted.
package ratelimit

import (
	"context"
	"fmt"

	"github.com/DeclanJeon/ponslink-signal/domain/ratelimit"
	"github.com/DeclanJeon/ponslink-signal/domain/store"
)

// FixedWindowLimiter implements ratelimit.Limiter on the shared store, so every
// service instance draws from the same budget.
//
// The first event for a key opens a window of config.Window. Events beyond
// config.Points are rejected; the first rejected event stretches the key's expiry
// to config.BlockDuration, after which the key disappears and a fresh window starts.
type FixedWindowLimiter struct {
	store  store.Store
	config ratelimit.Config
	scope  ratelimit.Scope
}

// Compile-time interface check
var _ ratelimit.Limiter = (*FixedWindowLimiter)(nil)

// NewFixedWindowLimiter creates a new fixed window limiter for one scope.
func NewFixedWindowLimiter(s store.Store, scope ratelimit.Scope, config ratelimit.Config) (*FixedWindowLimiter, error) {
	if config.Points <= 0 {
		return nil, fmt.Errorf("%s limiter: points must be positive", scope)
	}
	if config.Window <= 0 {
		return nil, fmt.Errorf("%s limiter: window must be positive", scope)
	}
	if config.BlockDuration < 0 {
		return nil, fmt.Errorf("%s limiter: block duration must not be negative", scope)
	}
	return &FixedWindowLimiter{
		store:  s,
		config: config,
		scope:  scope,
	}, nil
}

// Consume records one event for key.
func (l *FixedWindowLimiter) Consume(ctx context.Context, key string) (*ratelimit.Result, error) {
	res, err := l.store.ConsumeWindow(ctx,
		l.config.KeyPrefix+":"+key,
		int64(l.config.Points),
		l.config.Window,
		l.config.BlockDuration,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to consume %s bucket: %w", l.scope, err)
	}

	points := int64(l.config.Points)
	result := &ratelimit.Result{
		Allowed: res.Consumed <= points,
		Scope:   l.scope,
	}
	if result.Allowed {
		result.Remaining = int(points - res.Consumed)
	} else {
		result.RetryAfter = res.TTL
	}
	return result, nil
}

// GetConfig returns the limiter's configuration.
func (l *FixedWindowLimiter) GetConfig() ratelimit.Config {
	return l.config
}
