package monitor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/DeclanJeon/ponslink-signal/domain/store"
	"github.com/DeclanJeon/ponslink-signal/events"
	"github.com/DeclanJeon/ponslink-signal/modules/credentials"
	"github.com/go-monolith/mono"
	"github.com/go-monolith/mono/pkg/helper"
	"github.com/go-monolith/mono/pkg/types"
)

// CleanupConfig controls the advisory index sweep.
type CleanupConfig struct {
	Interval time.Duration
	MaxAge   time.Duration
}

// DefaultCleanupConfig prunes entries older than an hour every five minutes.
func DefaultCleanupConfig() CleanupConfig {
	return CleanupConfig{
		Interval: 5 * time.Minute,
		MaxAge:   time.Hour,
	}
}

// Module exposes the monitor to the application and keeps its index tidy.
type Module struct {
	monitor *Monitor
	cleanup CleanupConfig

	stopChan chan struct{}
	doneChan chan struct{}
	stopOnce sync.Once
}

// Compile-time interface checks
var (
	_ mono.Module                = (*Module)(nil)
	_ mono.EventConsumerModule   = (*Module)(nil)
	_ mono.DependentModule       = (*Module)(nil)
	_ mono.HealthCheckableModule = (*Module)(nil)
)

// NewModule creates a new monitor module.
func NewModule(s store.Store, logger types.Logger, cleanup CleanupConfig, opts ...Option) *Module {
	return &Module{
		monitor: NewMonitor(s, logger, opts...),
		cleanup: cleanup,
	}
}

// Name returns the module name.
func (m *Module) Name() string {
	return "monitor"
}

// Dependencies declares module dependencies.
func (m *Module) Dependencies() []string {
	return []string{"credentials"}
}

// SetDependencyServiceContainer wires the quota lookup through the credentials
// module's services.
func (m *Module) SetDependencyServiceContainer(dependency string, container mono.ServiceContainer) {
	if dependency == "credentials" {
		m.monitor.SetQuotaReader(credentials.NewCredentialAdapter(container))
	}
}

// RegisterEventConsumers registers event handlers.
func (m *Module) RegisterEventConsumers(registry mono.EventRegistry) error {
	if err := helper.RegisterTypedEventConsumer(registry, events.PeerJoinedV1, m.handlePeerJoined, m); err != nil {
		return fmt.Errorf("failed to register PeerJoined consumer: %w", err)
	}
	if err := helper.RegisterTypedEventConsumer(registry, events.PeerLeftV1, m.handlePeerLeft, m); err != nil {
		return fmt.Errorf("failed to register PeerLeft consumer: %w", err)
	}
	if err := helper.RegisterTypedEventConsumer(registry, events.OccupantEvictedV1, m.handleOccupantEvicted, m); err != nil {
		return fmt.Errorf("failed to register OccupantEvicted consumer: %w", err)
	}
	if err := helper.RegisterTypedEventConsumer(registry, events.CredentialIssuedV1, m.handleCredentialIssued, m); err != nil {
		return fmt.Errorf("failed to register CredentialIssued consumer: %w", err)
	}

	log.Println("[monitor] Registered event consumers: PeerJoined, PeerLeft, OccupantEvicted, CredentialIssued")
	return nil
}

func (m *Module) handlePeerJoined(ctx context.Context, event events.PeerJoinedEvent, _ *mono.Msg) error {
	m.monitor.ObservePeerJoined(ctx, event)
	return nil
}

func (m *Module) handlePeerLeft(ctx context.Context, event events.PeerLeftEvent, _ *mono.Msg) error {
	m.monitor.ObservePeerLeft(ctx, event)
	return nil
}

func (m *Module) handleOccupantEvicted(ctx context.Context, event events.OccupantEvictedEvent, _ *mono.Msg) error {
	m.monitor.ObserveOccupantEvicted(ctx, event)
	return nil
}

func (m *Module) handleCredentialIssued(ctx context.Context, event events.CredentialIssuedEvent, _ *mono.Msg) error {
	m.monitor.ObserveCredentialIssued(ctx, event)
	return nil
}

// Start starts the index cleanup loop.
func (m *Module) Start(_ context.Context) error {
	m.stopChan = make(chan struct{})
	m.doneChan = make(chan struct{})

	go m.run()

	log.Printf("[monitor] Started (index cleanup every %s, max age %s)", m.cleanup.Interval, m.cleanup.MaxAge)
	return nil
}

func (m *Module) run() {
	ticker := time.NewTicker(m.cleanup.Interval)
	defer ticker.Stop()
	defer close(m.doneChan)

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			if n := m.monitor.Prune(m.cleanup.MaxAge); n > 0 {
				log.Printf("[monitor] Pruned %d stale index entries", n)
			}
		}
	}
}

// Stop stops the cleanup loop.
func (m *Module) Stop(ctx context.Context) error {
	if m.stopChan == nil {
		return nil
	}

	m.stopOnce.Do(func() {
		close(m.stopChan)
	})

	select {
	case <-m.doneChan:
		log.Println("[monitor] Stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Health returns the health status.
func (m *Module) Health(_ context.Context) mono.HealthStatus {
	rt := m.monitor.RealtimeMetrics()
	return mono.HealthStatus{
		Healthy: true,
		Message: "operational",
		Details: map[string]any{
			"active_connections": rt.ActiveConnections,
			"tracked_entries":    rt.TrackedEntries,
		},
	}
}

// Monitor returns the underlying monitor.
func (m *Module) Monitor() *Monitor {
	return m.monitor
}
