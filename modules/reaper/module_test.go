package reaper

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/DeclanJeon/ponslink-signal/modules/presence"
	storemod "github.com/DeclanJeon/ponslink-signal/modules/store"
	"github.com/go-monolith/mono/pkg/types"
)

type mockLogger struct{}

func (m *mockLogger) Debug(_ string, _ ...any)         {}
func (m *mockLogger) Info(_ string, _ ...any)          {}
func (m *mockLogger) Warn(_ string, _ ...any)          {}
func (m *mockLogger) Error(_ string, _ ...any)         {}
func (m *mockLogger) With(_ ...any) types.Logger       { return m }
func (m *mockLogger) WithModule(_ string) types.Logger { return m }
func (m *mockLogger) WithError(_ error) types.Logger   { return m }

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// nopTransport accepts every emit and records closes.
type nopTransport struct {
	mu     sync.Mutex
	closed []string
}

func (n *nopTransport) Emit(context.Context, string, string, any) error { return nil }

func (n *nopTransport) Close(_ context.Context, connID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = append(n.closed, connID)
	return nil
}

type fixture struct {
	reaper    *Module
	manager   *presence.Manager
	store     *storemod.MemoryStore
	transport *nopTransport
	clock     *testClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	s := storemod.NewMemoryStore(storemod.WithClock(clock.Now))
	tr := &nopTransport{}
	mgr := presence.NewManager(s, tr, &mockLogger{}, presence.WithClock(clock.Now))

	r, err := NewModule(DefaultConfig(), mgr, s, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewModule() error = %v", err)
	}
	return &fixture{reaper: r, manager: mgr, store: s, transport: tr, clock: clock}
}

func (f *fixture) join(t *testing.T, connID, roomID, userID string) {
	t.Helper()
	f.manager.Connect(connID, userID, "")
	if _, err := f.manager.Join(context.Background(), connID, roomID, userID, userID); err != nil {
		t.Fatalf("Join(%s) error = %v", userID, err)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"defaults", DefaultConfig(), false},
		{"timeout equal to heartbeat", Config{Interval: time.Second, Timeout: 30 * time.Second, HeartbeatInterval: 30 * time.Second}, true},
		{"timeout below heartbeat", Config{Interval: time.Second, Timeout: 10 * time.Second, HeartbeatInterval: 30 * time.Second}, true},
		{"zero interval", Config{Timeout: 90 * time.Second, HeartbeatInterval: 30 * time.Second}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// TestSweep_EvictsOnlyStale evicts an occupant iff it has been silent longer than
// the timeout, and deletes the room once it empties.
func TestSweep_EvictsOnlyStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.join(t, "c-a", "R1", "alice")
	f.join(t, "c-b", "R1", "bob")

	// Exactly at the timeout nobody is stale.
	f.clock.Advance(90 * time.Second)
	report, err := f.reaper.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if report.Evicted != 0 {
		t.Errorf("Evicted = %d at the timeout boundary, want 0", report.Evicted)
	}

	// Alice keeps heartbeating; bob goes silent.
	if err := f.manager.Heartbeat(ctx, "c-a"); err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}
	f.clock.Advance(time.Second)

	report, err = f.reaper.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if report.Rooms != 1 || report.Occupants != 2 || report.Evicted != 1 {
		t.Errorf("report = %+v, want 1 room, 2 occupants, 1 evicted", report)
	}

	occupants, _ := f.manager.Occupants(ctx, "R1")
	if len(occupants) != 1 || occupants[0].UserID != "alice" {
		t.Fatalf("occupants = %+v, want only alice", occupants)
	}
	if len(f.transport.closed) != 1 || f.transport.closed[0] != "c-b" {
		t.Errorf("closed = %v, want [c-b]", f.transport.closed)
	}

	// Alice goes silent too; the room disappears with her.
	f.clock.Advance(91 * time.Second)
	if _, err := f.reaper.Sweep(ctx); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	rooms, _ := f.manager.Rooms(ctx)
	if len(rooms) != 0 {
		t.Errorf("rooms = %v, want none", rooms)
	}
}

func TestSweep_HeartbeatingOccupantNeverReaped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.join(t, "c-a", "R1", "alice")

	heartbeat := DefaultConfig().HeartbeatInterval
	for i := 0; i < 20; i++ {
		f.clock.Advance(heartbeat)
		if err := f.manager.Heartbeat(ctx, "c-a"); err != nil {
			t.Fatalf("Heartbeat() error = %v", err)
		}
		report, err := f.reaper.Sweep(ctx)
		if err != nil {
			t.Fatalf("Sweep() error = %v", err)
		}
		if report.Evicted != 0 {
			t.Fatalf("heartbeating occupant evicted after %d intervals", i+1)
		}
	}
}

func TestSweep_SkipsWhenStoreUnavailable(t *testing.T) {
	f := newFixture(t)
	f.join(t, "c-a", "R1", "alice")
	f.clock.Advance(time.Hour)

	f.store.SetAvailable(false)
	report, err := f.reaper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if report.Skipped != "store unavailable" || report.Evicted != 0 {
		t.Errorf("report = %+v, want skipped sweep", report)
	}

	f.store.SetAvailable(true)
	report, _ = f.reaper.Sweep(context.Background())
	if report.Evicted != 1 {
		t.Errorf("Evicted = %d after recovery, want 1", report.Evicted)
	}
}

func TestSweep_SkipsWhileStopping(t *testing.T) {
	f := newFixture(t)
	f.join(t, "c-a", "R1", "alice")
	f.clock.Advance(time.Hour)

	if err := f.reaper.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	report, err := f.reaper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if report.Skipped != "shutting down" {
		t.Errorf("Skipped = %q, want shutting down", report.Skipped)
	}
	occupants, _ := f.manager.Occupants(context.Background(), "R1")
	if len(occupants) != 1 {
		t.Errorf("occupants = %d, want 1", len(occupants))
	}
}

func TestModule_StartStop(t *testing.T) {
	f := newFixture(t)

	if err := f.reaper.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := f.reaper.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	// Second stop is safe.
	if err := f.reaper.Stop(ctx); err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}

	health := f.reaper.Health(context.Background())
	if !health.Healthy {
		t.Error("expected healthy reaper")
	}
	if f.reaper.Name() != "reaper" {
		t.Errorf("Name() = %q", f.reaper.Name())
	}
}

func TestNewModule_RejectsBadConfig(t *testing.T) {
	s := storemod.NewMemoryStore()
	mgr := presence.NewManager(s, nil, &mockLogger{})
	cfg := DefaultConfig()
	cfg.Timeout = cfg.HeartbeatInterval
	if _, err := NewModule(cfg, mgr, s); err == nil {
		t.Error("NewModule() should reject timeout <= heartbeat interval")
	}
}
