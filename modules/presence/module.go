package presence

import (
	"context"

	"github.com/DeclanJeon/ponslink-signal/domain/store"
	"github.com/DeclanJeon/ponslink-signal/events"
	"github.com/go-monolith/mono"
	"github.com/go-monolith/mono/pkg/types"
)

// Module wraps the presence manager as a mono module.
type Module struct {
	manager *Manager
	store   store.Store
	logger  types.Logger
}

// Compile-time interface checks
var (
	_ mono.Module                = (*Module)(nil)
	_ mono.EventBusAwareModule   = (*Module)(nil)
	_ mono.EventEmitterModule    = (*Module)(nil)
	_ mono.HealthCheckableModule = (*Module)(nil)
)

// NewModule creates a new presence module. The transport is attached later by
// the gateway through Manager().SetTransport.
func NewModule(s store.Store, logger types.Logger, opts ...Option) *Module {
	return &Module{
		manager: NewManager(s, nil, logger, opts...),
		store:   s,
		logger:  logger,
	}
}

// Name returns the module name.
func (m *Module) Name() string {
	return "presence"
}

// SetEventBus is called by the framework to inject the event bus.
func (m *Module) SetEventBus(bus mono.EventBus) {
	m.manager.SetEventBus(bus)
}

// EmitEvents declares the events this module publishes.
func (m *Module) EmitEvents() []mono.BaseEventDefinition {
	return []mono.BaseEventDefinition{
		events.PeerJoinedV1.ToBase(),
		events.PeerLeftV1.ToBase(),
		events.OccupantEvictedV1.ToBase(),
	}
}

// Start starts the module.
func (m *Module) Start(_ context.Context) error {
	m.logger.Info("Presence manager started", "roomKeyPrefix", m.manager.prefix)
	return nil
}

// Stop stops the module.
func (m *Module) Stop(_ context.Context) error {
	m.logger.Info("Presence manager stopped", "sessions", m.manager.SessionCount())
	return nil
}

// Health checks that room state is reachable.
func (m *Module) Health(ctx context.Context) mono.HealthStatus {
	if err := m.store.Ping(ctx); err != nil {
		return mono.HealthStatus{
			Healthy: false,
			Message: "store unreachable",
			Details: map[string]any{"error": err.Error()},
		}
	}
	return mono.HealthStatus{
		Healthy: true,
		Message: "operational",
		Details: map[string]any{
			"sessions": m.manager.SessionCount(),
		},
	}
}

// Manager returns the presence manager.
func (m *Module) Manager() *Manager {
	return m.manager
}
