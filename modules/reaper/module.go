// Package reaper periodically evicts room occupants whose connections stopped
// sending heartbeats without a clean disconnect.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DeclanJeon/ponslink-signal/domain/signaling"
	"github.com/go-monolith/mono"
)

// Reason recorded on evictions made by the sweep.
const Reason = "zombie"

// RoomDirectory is the presence surface the sweep needs.
type RoomDirectory interface {
	Rooms(ctx context.Context) ([]string, error)
	Occupants(ctx context.Context, roomID string) ([]signaling.Occupant, error)
	ForceEvict(ctx context.Context, roomID, userID, reason string) error
}

// Pinger reports whether the shared store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds sweep timing.
type Config struct {
	// Interval between sweeps.
	Interval time.Duration
	// Timeout is how long an occupant may stay silent before it is evicted.
	Timeout time.Duration
	// HeartbeatInterval is how often clients are expected to send heartbeats.
	HeartbeatInterval time.Duration
}

// DefaultConfig sweeps every minute and evicts after 90s of silence, with clients
// heartbeating every 30s.
func DefaultConfig() Config {
	return Config{
		Interval:          60 * time.Second,
		Timeout:           90 * time.Second,
		HeartbeatInterval: 30 * time.Second,
	}
}

// Validate checks that a heartbeating client can never be reaped.
func (c Config) Validate() error {
	if c.Interval <= 0 {
		return errors.New("reaper interval must be positive")
	}
	if c.Timeout <= c.HeartbeatInterval {
		return fmt.Errorf("zombie timeout %s must exceed heartbeat interval %s", c.Timeout, c.HeartbeatInterval)
	}
	return nil
}

// SweepReport summarizes one sweep.
type SweepReport struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Rooms     int           `json:"rooms"`
	Occupants int           `json:"occupants"`
	Evicted   int           `json:"evicted"`
	Errors    int           `json:"errors"`
	Skipped   string        `json:"skipped,omitempty"`
}

// Module runs the sweep on a ticker.
type Module struct {
	config    Config
	directory RoomDirectory
	pinger    Pinger
	now       func() time.Time

	stopChan chan struct{}
	doneChan chan struct{}
	stopOnce sync.Once
	stopping atomic.Bool

	mu         sync.RWMutex
	lastReport SweepReport
	sweeps     atomic.Uint64
	evicted    atomic.Uint64
}

// Compile-time interface checks
var (
	_ mono.Module                = (*Module)(nil)
	_ mono.HealthCheckableModule = (*Module)(nil)
)

// Option configures the reaper.
type Option func(*Module)

// WithClock sets the time source used to judge staleness.
func WithClock(now func() time.Time) Option {
	return func(m *Module) {
		m.now = now
	}
}

// NewModule creates a new reaper module.
func NewModule(cfg Config, directory RoomDirectory, pinger Pinger, opts ...Option) (*Module, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Module{
		config:    cfg,
		directory: directory,
		pinger:    pinger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Name returns the module name.
func (m *Module) Name() string {
	return "reaper"
}

// Start starts the sweep loop.
func (m *Module) Start(_ context.Context) error {
	m.stopChan = make(chan struct{})
	m.doneChan = make(chan struct{})

	go m.run()

	log.Printf("[reaper] Started (interval %s, timeout %s)", m.config.Interval, m.config.Timeout)
	return nil
}

func (m *Module) run() {
	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()
	defer close(m.doneChan)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-m.stopChan
		cancel()
	}()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			report, err := m.Sweep(ctx)
			if err != nil {
				log.Printf("[reaper] Sweep failed: %v", err)
				continue
			}
			if report.Evicted > 0 || report.Errors > 0 {
				log.Printf("[reaper] Sweep: %d rooms, %d occupants, %d evicted, %d errors",
					report.Rooms, report.Occupants, report.Evicted, report.Errors)
			}
		}
	}
}

// Sweep evicts every occupant silent for longer than the timeout. It does nothing
// while the module is stopping or the store is unreachable.
func (m *Module) Sweep(ctx context.Context) (SweepReport, error) {
	report := SweepReport{StartedAt: m.now()}
	defer func() {
		report.Duration = m.now().Sub(report.StartedAt)
		m.record(report)
	}()

	if m.stopping.Load() {
		report.Skipped = "shutting down"
		return report, nil
	}
	if err := m.pinger.Ping(ctx); err != nil {
		report.Skipped = "store unavailable"
		log.Printf("[reaper] Store unreachable, skipping sweep: %v", err)
		return report, nil
	}

	rooms, err := m.directory.Rooms(ctx)
	if err != nil {
		return report, fmt.Errorf("list rooms: %w", err)
	}

	for _, roomID := range rooms {
		if m.stopping.Load() || ctx.Err() != nil {
			report.Skipped = "shutting down"
			return report, nil
		}
		report.Rooms++

		occupants, err := m.directory.Occupants(ctx, roomID)
		if err != nil {
			report.Errors++
			log.Printf("[reaper] Failed to read room %s: %v", roomID, err)
			continue
		}

		now := m.now()
		for _, o := range occupants {
			report.Occupants++
			if !o.Stale(now, m.config.Timeout) {
				continue
			}
			err := m.directory.ForceEvict(ctx, roomID, o.UserID, Reason)
			switch {
			case err == nil:
				report.Evicted++
				log.Printf("[reaper] Evicted %s from %s (silent %s)",
					o.UserID, roomID, now.Sub(o.LastSeen()).Round(time.Second))
			case errors.Is(err, signaling.ErrOccupantNotFound):
				// Removed concurrently by another cleanup path.
			default:
				report.Errors++
				log.Printf("[reaper] Failed to evict %s from %s: %v", o.UserID, roomID, err)
			}
		}
	}
	return report, nil
}

func (m *Module) record(report SweepReport) {
	m.sweeps.Add(1)
	m.evicted.Add(uint64(report.Evicted))
	m.mu.Lock()
	m.lastReport = report
	m.mu.Unlock()
}

// LastReport returns the most recent sweep report.
func (m *Module) LastReport() SweepReport {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastReport
}

// Stop stops the sweep loop before the store is torn down.
func (m *Module) Stop(ctx context.Context) error {
	m.stopping.Store(true)
	if m.stopChan == nil {
		return nil
	}

	m.stopOnce.Do(func() {
		close(m.stopChan)
	})

	select {
	case <-m.doneChan:
		log.Println("[reaper] Stopped")
	case <-ctx.Done():
		log.Println("[reaper] Shutdown timeout exceeded")
		return ctx.Err()
	}
	return nil
}

// Health reports the last sweep.
func (m *Module) Health(_ context.Context) mono.HealthStatus {
	last := m.LastReport()
	return mono.HealthStatus{
		Healthy: true,
		Message: "operational",
		Details: map[string]any{
			"sweeps":        m.sweeps.Load(),
			"evicted_total": m.evicted.Load(),
			"last_sweep":    last.StartedAt,
			"last_skipped":  last.Skipped,
			"last_errors":   last.Errors,
		},
	}
}
