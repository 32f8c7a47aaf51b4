package ratelimit

import (
	"context"
	"fmt"

	"github.com/DeclanJeon/ponslink-signal/domain/ratelimit"
	"github.com/DeclanJeon/ponslink-signal/domain/store"
	"github.com/go-monolith/mono"
	"github.com/go-monolith/mono/pkg/types"
)

// Config holds the limits for both scopes.
type Config struct {
	Origin ratelimit.Config
	User   ratelimit.Config
}

// DefaultConfig returns the default per-origin and per-user limits.
func DefaultConfig() Config {
	return Config{
		Origin: ratelimit.DefaultOriginConfig(),
		User:   ratelimit.DefaultUserConfig(),
	}
}

// Module provides the rate limiting guard as a mono module.
type Module struct {
	guard  *Guard
	config Config
	logger types.Logger
}

// Compile-time interface checks
var (
	_ mono.Module                = (*Module)(nil)
	_ mono.HealthCheckableModule = (*Module)(nil)
)

// NewModule creates a new rate limiting module over the shared store.
func NewModule(s store.Store, cfg Config, logger types.Logger) (*Module, error) {
	origin, err := NewFixedWindowLimiter(s, ratelimit.ScopeOrigin, cfg.Origin)
	if err != nil {
		return nil, err
	}
	user, err := NewFixedWindowLimiter(s, ratelimit.ScopeUser, cfg.User)
	if err != nil {
		return nil, err
	}

	return &Module{
		guard:  NewGuard(origin, user, logger),
		config: cfg,
		logger: logger,
	}, nil
}

// Name returns the module name.
func (m *Module) Name() string {
	return "rate-limiter"
}

// Start starts the module.
func (m *Module) Start(_ context.Context) error {
	m.logger.Info("Rate limiter started",
		"origin", fmt.Sprintf("%d/%s block %s", m.config.Origin.Points, m.config.Origin.Window, m.config.Origin.BlockDuration),
		"user", fmt.Sprintf("%d/%s block %s", m.config.User.Points, m.config.User.Window, m.config.User.BlockDuration))
	return nil
}

// Stop stops the module.
func (m *Module) Stop(_ context.Context) error {
	m.logger.Info("Rate limiter stopped")
	return nil
}

// Health returns the guard counters. The limiter fails open, so it never reports unhealthy.
func (m *Module) Health(_ context.Context) mono.HealthStatus {
	stats := m.guard.Stats()
	return mono.HealthStatus{
		Healthy: true,
		Message: "operational",
		Details: map[string]any{
			"admitted":   stats.Admitted,
			"rejected":   stats.Rejected,
			"fail_opens": stats.FailOpens,
		},
	}
}

// Guard returns the two-scope guard.
func (m *Module) Guard() *Guard {
	return m.guard
}
