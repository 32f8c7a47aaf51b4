package ratelimit

import (
	"context"
	"sync/atomic"

	"github.com/DeclanJeon/ponslink-signal/domain/ratelimit"
	"github.com/go-monolith/mono/pkg/types"
)

// Guard gates inbound events by origin first and user second.
//
// A store failure admits the event: availability wins over strict enforcement on
// this path. Rejections never close the connection, they only drop one event.
type Guard struct {
	origin ratelimit.Limiter
	user   ratelimit.Limiter
	logger types.Logger

	admitted  atomic.Uint64
	rejected  atomic.Uint64
	failOpens atomic.Uint64
}

// GuardStats is a snapshot of guard counters.
type GuardStats struct {
	Admitted  uint64 `json:"admitted"`
	Rejected  uint64 `json:"rejected"`
	FailOpens uint64 `json:"fail_opens"`
}

// NewGuard creates a guard over an origin limiter and a user limiter.
func NewGuard(origin, user ratelimit.Limiter, logger types.Logger) *Guard {
	return &Guard{
		origin: origin,
		user:   user,
		logger: logger,
	}
}

// Check consumes one point from each applicable scope. Empty identities skip their scope.
func (g *Guard) Check(ctx context.Context, origin, userID string) *ratelimit.Result {
	if origin != "" {
		if res := g.consume(ctx, g.origin, ratelimit.ScopeOrigin, origin); !res.Allowed {
			return res
		}
	}
	if userID != "" {
		if res := g.consume(ctx, g.user, ratelimit.ScopeUser, userID); !res.Allowed {
			return res
		}
	}

	g.admitted.Add(1)
	return &ratelimit.Result{Allowed: true}
}

func (g *Guard) consume(ctx context.Context, l ratelimit.Limiter, scope ratelimit.Scope, key string) *ratelimit.Result {
	res, err := l.Consume(ctx, key)
	if err != nil {
		g.failOpens.Add(1)
		g.logger.Warn("Rate limiter unavailable, admitting event",
			"scope", string(scope),
			"key", key,
			"error", err)
		return &ratelimit.Result{Allowed: true, Scope: scope}
	}

	if !res.Allowed {
		g.rejected.Add(1)
		g.logger.Debug("Rate limit exceeded",
			"scope", string(scope),
			"key", key,
			"retryAfter", res.RetryAfter.String())
	}
	return res
}

// Stats returns the guard counters.
func (g *Guard) Stats() GuardStats {
	return GuardStats{
		Admitted:  g.admitted.Load(),
		Rejected:  g.rejected.Load(),
		FailOpens: g.failOpens.Load(),
	}
}
