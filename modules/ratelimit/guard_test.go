package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/DeclanJeon/ponslink-signal/domain/ratelimit"
)

func newTestGuard(t *testing.T, originPoints, userPoints int) (*Guard, func(bool)) {
	t.Helper()
	s, _ := newTestStore()

	origin, err := NewFixedWindowLimiter(s, ratelimit.ScopeOrigin, ratelimit.Config{
		Points: originPoints, Window: time.Minute, BlockDuration: 10 * time.Minute, KeyPrefix: "rate_limit_ip",
	})
	if err != nil {
		t.Fatalf("origin limiter: %v", err)
	}
	user, err := NewFixedWindowLimiter(s, ratelimit.ScopeUser, ratelimit.Config{
		Points: userPoints, Window: time.Minute, BlockDuration: 5 * time.Minute, KeyPrefix: "rate_limit_user",
	})
	if err != nil {
		t.Fatalf("user limiter: %v", err)
	}
	return NewGuard(origin, user, &mockLogger{}), s.SetAvailable
}

func TestGuard_OriginCheckedFirst(t *testing.T) {
	guard, _ := newTestGuard(t, 1, 10)
	ctx := context.Background()

	if res := guard.Check(ctx, "1.2.3.4", "alice"); !res.Allowed {
		t.Fatal("first event should be admitted")
	}

	res := guard.Check(ctx, "1.2.3.4", "bob")
	if res.Allowed {
		t.Fatal("second event from the same origin should be rejected")
	}
	if res.Scope != ratelimit.ScopeOrigin {
		t.Errorf("Scope = %q, want %q", res.Scope, ratelimit.ScopeOrigin)
	}
	if res.RetryAfter != 10*time.Minute {
		t.Errorf("RetryAfter = %v, want %v", res.RetryAfter, 10*time.Minute)
	}
}

func TestGuard_UserScope(t *testing.T) {
	guard, _ := newTestGuard(t, 100, 2)
	ctx := context.Background()

	guard.Check(ctx, "1.1.1.1", "alice")
	guard.Check(ctx, "2.2.2.2", "alice")

	res := guard.Check(ctx, "3.3.3.3", "alice")
	if res.Allowed {
		t.Fatal("third event for the same user should be rejected")
	}
	if res.Scope != ratelimit.ScopeUser {
		t.Errorf("Scope = %q, want %q", res.Scope, ratelimit.ScopeUser)
	}

	if res := guard.Check(ctx, "3.3.3.3", "bob"); !res.Allowed {
		t.Error("a different user should be admitted")
	}
}

func TestGuard_EmptyIdentitiesSkipScope(t *testing.T) {
	guard, _ := newTestGuard(t, 1, 1)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if res := guard.Check(ctx, "", ""); !res.Allowed {
			t.Fatalf("event %d without identities should be admitted", i+1)
		}
	}
}

func TestGuard_FailsOpen(t *testing.T) {
	guard, setAvailable := newTestGuard(t, 1, 1)
	ctx := context.Background()
	setAvailable(false)

	for i := 0; i < 5; i++ {
		if res := guard.Check(ctx, "1.2.3.4", "alice"); !res.Allowed {
			t.Fatalf("event %d should be admitted while the store is down", i+1)
		}
	}

	stats := guard.Stats()
	if stats.FailOpens != 5 {
		t.Errorf("FailOpens = %d, want 5", stats.FailOpens)
	}
	if stats.Admitted != 5 {
		t.Errorf("Admitted = %d, want 5", stats.Admitted)
	}
}

func TestModule_DefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Origin.Points != 100 || cfg.Origin.Window != time.Minute || cfg.Origin.BlockDuration != 10*time.Minute {
		t.Errorf("Origin = %+v, want 100/1m block 10m", cfg.Origin)
	}
	if cfg.User.Points != 30 || cfg.User.Window != time.Minute || cfg.User.BlockDuration != 5*time.Minute {
		t.Errorf("User = %+v, want 30/1m block 5m", cfg.User)
	}

	s, _ := newTestStore()
	m, err := NewModule(s, cfg, &mockLogger{})
	if err != nil {
		t.Fatalf("NewModule() error = %v", err)
	}
	if m.Name() != "rate-limiter" {
		t.Errorf("Name() = %q", m.Name())
	}
	if !m.Health(context.Background()).Healthy {
		t.Error("expected healthy module")
	}
}
