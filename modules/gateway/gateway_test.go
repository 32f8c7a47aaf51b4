package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/DeclanJeon/ponslink-signal/domain/credential"
	"github.com/DeclanJeon/ponslink-signal/domain/ratelimit"
	"github.com/DeclanJeon/ponslink-signal/domain/signaling"
	"github.com/DeclanJeon/ponslink-signal/modules/credentials"
	"github.com/DeclanJeon/ponslink-signal/modules/monitor"
	"github.com/DeclanJeon/ponslink-signal/modules/presence"
	storemod "github.com/DeclanJeon/ponslink-signal/modules/store"
	"github.com/go-monolith/mono"
	"github.com/go-monolith/mono/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockLogger implements types.Logger for testing and keeps warnings and errors.
type mockLogger struct {
	mu     sync.Mutex
	logged []string
}

func (m *mockLogger) Debug(msg string, args ...any) {}
func (m *mockLogger) Info(msg string, args ...any)  {}
func (m *mockLogger) Warn(msg string, args ...any)  { m.record(msg) }
func (m *mockLogger) Error(msg string, args ...any) { m.record(msg) }

func (m *mockLogger) record(msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logged = append(m.logged, msg)
}

func (m *mockLogger) messages() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.logged...)
}

func (m *mockLogger) With(args ...any) types.Logger         { return m }
func (m *mockLogger) WithError(err error) types.Logger      { return m }
func (m *mockLogger) WithModule(module string) types.Logger { return m }

// fakeConn records frames written to one socket.
type fakeConn struct {
	mu     sync.Mutex
	frames []signaling.Envelope
	closed int
}

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	var env signaling.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, env)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeConn) events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, len(f.frames))
	for i, fr := range f.frames {
		names[i] = fr.Event
	}
	return names
}

func (f *fakeConn) last(t *testing.T) signaling.Envelope {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.frames, "no frames written")
	return f.frames[len(f.frames)-1]
}

type stubGuard struct {
	result *ratelimit.Result
	panics bool
}

func (g *stubGuard) Check(context.Context, string, string) *ratelimit.Result {
	if g.panics {
		panic("limiter exploded")
	}
	if g.result == nil {
		return &ratelimit.Result{Allowed: true}
	}
	return g.result
}

type connectionRecord struct {
	userID, roomID string
	kind           monitor.Kind
}

// recordingUsage captures client reports.
type recordingUsage struct {
	mu          sync.Mutex
	connections []connectionRecord
	failures    []string
	bandwidth   map[string]int64
}

func newRecordingUsage() *recordingUsage {
	return &recordingUsage{bandwidth: make(map[string]int64)}
}

func (r *recordingUsage) RecordConnection(_ context.Context, userID, roomID string, kind monitor.Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connections = append(r.connections, connectionRecord{userID, roomID, kind})
}

func (r *recordingUsage) RecordFailure(_ context.Context, _, _, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, reason)
}

func (r *recordingUsage) RecordBandwidth(_ context.Context, userID string, bytes int64, direction string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bandwidth[userID+"/"+direction] += bytes
}

type fixture struct {
	store      *storemod.MemoryStore
	presence   *presence.Manager
	issuer     *credentials.Issuer
	usage      *recordingUsage
	guard      *stubGuard
	conns      *Connections
	dispatcher *Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := storemod.NewMemoryStore()

	cfg := credential.DefaultConfig()
	cfg.ServerURL = "turn.example.com"
	cfg.Secret = "test-secret"
	cfg.EnableQuota = true
	cfg.EnableConnectionLimit = true
	cfg.MaxConnectionsPerUser = 1
	issuer, err := credentials.NewIssuer(s, cfg, &mockLogger{})
	require.NoError(t, err)

	f := &fixture{
		store:  s,
		issuer: issuer,
		usage:  newRecordingUsage(),
		guard:  &stubGuard{},
		conns:  NewConnections(),
	}
	f.presence = presence.NewManager(s, f.conns, &mockLogger{}, presence.WithReleaser(issuer))
	f.dispatcher = NewDispatcher(f.presence, f.conns, f.guard, issuer, f.usage, &mockLogger{}, "instance-1")
	return f
}

func (f *fixture) open(connID, userID string) *fakeConn {
	conn := &fakeConn{}
	f.conns.Add(connID, conn)
	f.dispatcher.Open(context.Background(), connID, userID, "10.0.0.1")
	return conn
}

func (f *fixture) send(t *testing.T, connID, event string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	frame, err := json.Marshal(signaling.Envelope{Event: event, Data: raw})
	require.NoError(t, err)
	f.dispatcher.Handle(context.Background(), connID, frame)
}

func (f *fixture) join(t *testing.T, connID, roomID, userID string) {
	t.Helper()
	f.send(t, connID, signaling.EventJoinRoom, signaling.JoinRoom{RoomID: roomID, UserID: userID, Nickname: userID})
}

func decodeError(t *testing.T, env signaling.Envelope) signaling.ErrorPayload {
	t.Helper()
	require.Equal(t, signaling.EventError, env.Event)
	var p signaling.ErrorPayload
	require.NoError(t, json.Unmarshal(env.Data, &p))
	return p
}

func TestDispatcher_OpenGreets(t *testing.T) {
	f := newFixture(t)
	conn := f.open("c1", "alice")

	env := conn.last(t)
	assert.Equal(t, signaling.EventConnected, env.Event)
	var body map[string]string
	require.NoError(t, json.Unmarshal(env.Data, &body))
	assert.Equal(t, "c1", body["connId"])
	assert.Equal(t, "instance-1", body["instanceId"])
}

func TestDispatcher_JoinAndRelay(t *testing.T) {
	f := newFixture(t)
	a := f.open("c-a", "alice")
	b := f.open("c-b", "bob")

	f.join(t, "c-a", "R1", "alice")
	f.join(t, "c-b", "R1", "bob")

	assert.Equal(t, []string{signaling.EventConnected, signaling.EventRoomUsers, signaling.EventUserJoined}, a.events())

	env := b.last(t)
	assert.Equal(t, signaling.EventRoomUsers, env.Event)
	var peers []signaling.Peer
	require.NoError(t, json.Unmarshal(env.Data, &peers))
	assert.Equal(t, []signaling.Peer{{ID: "alice", Nickname: "alice"}}, peers)

	f.send(t, "c-a", signaling.EventMessage, map[string]any{
		"type": "signal",
		"to":   "bob",
		"data": map[string]string{"sdp": "offer"},
	})
	env = b.last(t)
	assert.Equal(t, signaling.EventMessage, env.Event)
	var msg signaling.Outbound
	require.NoError(t, json.Unmarshal(env.Data, &msg))
	assert.Equal(t, "signal", msg.Type)
	assert.Equal(t, "alice", msg.From)

	// A third occupant is turned away.
	c := f.open("c-c", "carol")
	f.join(t, "c-c", "R1", "carol")
	assert.Equal(t, signaling.EventRoomFull, c.last(t).Event)
}

func TestDispatcher_JoinValidationError(t *testing.T) {
	f := newFixture(t)
	conn := f.open("c1", "alice")

	f.join(t, "c1", "R1", "mallory")

	env := conn.last(t)
	assert.Equal(t, signaling.EventJoinError, env.Event)
	var p signaling.ErrorPayload
	require.NoError(t, json.Unmarshal(env.Data, &p))
	assert.Equal(t, signaling.CodeJoinFailed, p.Code)
}

func TestDispatcher_InvalidFrames(t *testing.T) {
	f := newFixture(t)
	conn := f.open("c1", "alice")
	ctx := context.Background()

	f.dispatcher.Handle(ctx, "c1", []byte("{not json"))
	p := decodeError(t, conn.last(t))
	assert.Equal(t, signaling.CodeInvalidPayload, p.Code)
	assert.Equal(t, "malformed frame", p.Message)

	f.dispatcher.Handle(ctx, "c1", []byte(`{"event":"dance","data":{}}`))
	p = decodeError(t, conn.last(t))
	assert.Equal(t, "unknown event", p.Message)

	f.send(t, "c1", signaling.EventJoinRoom, map[string]string{"roomId": ""})
	p = decodeError(t, conn.last(t))
	assert.Equal(t, "invalid payload", p.Message)

	// Frames for unknown connections are ignored.
	assert.NotPanics(t, func() { f.dispatcher.Handle(ctx, "ghost", []byte(`{}`)) })
}

func TestDispatcher_RateLimited(t *testing.T) {
	f := newFixture(t)
	conn := f.open("c1", "alice")
	f.guard.result = &ratelimit.Result{Allowed: false, Scope: ratelimit.ScopeUser, RetryAfter: 90 * time.Second}

	f.join(t, "c1", "R1", "alice")

	env := conn.last(t)
	require.Equal(t, signaling.EventError, env.Event)
	var p RateLimitPayload
	require.NoError(t, json.Unmarshal(env.Data, &p))
	assert.Equal(t, "rate_limit", p.Type)
	assert.Equal(t, signaling.CodeRateLimited, p.Code)
	assert.Equal(t, 90, p.RetryAfter)

	sess, ok := f.presence.Session("c1")
	require.True(t, ok)
	assert.Empty(t, sess.RoomID(), "rejected event must not be processed")
}

func TestDispatcher_PanicIsContained(t *testing.T) {
	f := newFixture(t)
	conn := f.open("c1", "alice")
	f.guard.panics = true

	assert.NotPanics(t, func() { f.send(t, "c1", signaling.EventHeartbeat, struct{}{}) })
	p := decodeError(t, conn.last(t))
	assert.Equal(t, signaling.CodeInternalError, p.Code)
}

func TestDispatcher_Credentials(t *testing.T) {
	f := newFixture(t)
	conn := f.open("c1", "alice")
	f.join(t, "c1", "R1", "alice")

	f.send(t, "c1", signaling.EventRequestTurnCredential, struct{}{})

	env := conn.last(t)
	require.Equal(t, signaling.EventTurnCredentials, env.Event)
	var p CredentialsPayload
	require.NoError(t, json.Unmarshal(env.Data, &p))
	assert.False(t, p.Fallback)
	assert.Equal(t, int64(86400), p.TTL)
	require.NotNil(t, p.Stats)
	assert.Equal(t, int64(1), p.Stats.ConnectionCount)
	assert.Equal(t, int64(1), p.Stats.ConnectionLimit)
	assert.NotEmpty(t, p.ICEServers)

	// The limit is one relay connection per user.
	f.send(t, "c1", signaling.EventRequestTurnCredential, struct{}{})
	env = conn.last(t)
	require.Equal(t, signaling.EventTurnCredentialsErr, env.Event)
	var denied CredentialErrorPayload
	require.NoError(t, json.Unmarshal(env.Data, &denied))
	assert.Equal(t, signaling.CodeConnectionLimitExceeded, denied.Code)

	// Disconnecting releases the held connection.
	f.dispatcher.Close(context.Background(), "c1")
	status, err := f.issuer.CheckConnectionLimit(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(0), status.Current)
}

func TestDispatcher_CredentialsWithoutUser(t *testing.T) {
	f := newFixture(t)
	conn := f.open("c1", "")

	f.send(t, "c1", signaling.EventRequestTurnCredential, struct{}{})

	env := conn.last(t)
	require.Equal(t, signaling.EventTurnCredentialsErr, env.Event)
	var p CredentialErrorPayload
	require.NoError(t, json.Unmarshal(env.Data, &p))
	assert.Equal(t, signaling.CodeNoUserID, p.Code)
}

func TestDispatcher_CredentialsFallbackOnStoreFailure(t *testing.T) {
	f := newFixture(t)
	conn := f.open("c1", "alice")
	f.store.SetAvailable(false)

	f.send(t, "c1", signaling.EventRequestTurnCredential, struct{}{})

	env := conn.last(t)
	require.Equal(t, signaling.EventTurnCredentials, env.Event)
	var p CredentialsPayload
	require.NoError(t, json.Unmarshal(env.Data, &p))
	assert.True(t, p.Fallback)
	assert.Equal(t, signaling.CodeInternalError, p.Code)
	assert.Equal(t, f.issuer.FallbackICEServers(), p.ICEServers)
	assert.Zero(t, p.TTL)
}

func TestDispatcher_UsageAndConnectionState(t *testing.T) {
	f := newFixture(t)
	f.open("c1", "alice")
	f.join(t, "c1", "R1", "alice")

	f.send(t, "c1", signaling.EventReportTurnUsage, map[string]any{"bytesUsed": 400, "direction": "upload"})
	f.send(t, "c1", signaling.EventReportConnectionState, map[string]string{"state": "checking"})
	f.send(t, "c1", signaling.EventReportConnectionState, map[string]string{"state": "connected", "candidateType": "relay"})
	f.send(t, "c1", signaling.EventReportConnectionState, map[string]string{"state": "failed"})

	assert.Equal(t, int64(400), f.usage.bandwidth["alice/upload"])
	quota, err := f.issuer.CheckQuota(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(400), quota.Used)

	assert.Equal(t, []connectionRecord{
		{"alice", "R1", monitor.KindRelay},
		{"alice", "R1", monitor.KindFailed},
	}, f.usage.connections)
	assert.Equal(t, []string{"ice-failed"}, f.usage.failures)
}

func TestDispatcher_UsageWithoutUserIgnored(t *testing.T) {
	f := newFixture(t)
	f.open("c1", "")

	f.send(t, "c1", signaling.EventReportTurnUsage, map[string]any{"bytes": 100})
	assert.Empty(t, f.usage.bandwidth)
}

func TestDispatcher_ForceLeave(t *testing.T) {
	f := newFixture(t)
	a := f.open("c-a", "alice")
	b := f.open("c-b", "bob")

	f.send(t, "c-a", signaling.EventForceLeave, signaling.ForceLeave{TargetUserID: "bob"})
	assert.Equal(t, signaling.CodeNotInRoom, decodeError(t, a.last(t)).Code)

	f.join(t, "c-a", "R1", "alice")
	f.join(t, "c-b", "R1", "bob")

	f.send(t, "c-a", signaling.EventForceLeave, signaling.ForceLeave{TargetUserID: "alice"})
	assert.Equal(t, signaling.CodeInvalidPayload, decodeError(t, a.last(t)).Code)

	f.send(t, "c-a", signaling.EventForceLeave, signaling.ForceLeave{TargetUserID: "bob"})
	assert.Equal(t, signaling.EventUserLeft, a.last(t).Event)
	assert.Equal(t, 1, b.closed)
	_, ok := f.presence.Session("c-b")
	assert.False(t, ok)

	f.send(t, "c-a", signaling.EventForceLeave, signaling.ForceLeave{TargetUserID: "bob"})
	assert.Equal(t, signaling.CodeNotInRoom, decodeError(t, a.last(t)).Code)
}

func TestDispatcher_CloseIsIdempotent(t *testing.T) {
	f := newFixture(t)
	a := f.open("c-a", "alice")
	f.open("c-b", "bob")
	f.join(t, "c-a", "R1", "alice")
	f.join(t, "c-b", "R1", "bob")
	ctx := context.Background()

	f.dispatcher.Close(ctx, "c-b")
	f.dispatcher.Close(ctx, "c-b")

	left := 0
	for _, name := range a.events() {
		if name == signaling.EventUserLeft {
			left++
		}
	}
	assert.Equal(t, 1, left)

	occupants, err := f.presence.Occupants(ctx, "R1")
	require.NoError(t, err)
	require.Len(t, occupants, 1)
	assert.Equal(t, "alice", occupants[0].UserID)
}

func TestConnections(t *testing.T) {
	conns := NewConnections()
	ctx := context.Background()
	conn := &fakeConn{}
	conns.Add("c1", conn)
	assert.Equal(t, 1, conns.Count())

	require.NoError(t, conns.Emit(ctx, "c1", "ping", map[string]int{"n": 1}))
	env := conn.last(t)
	assert.Equal(t, "ping", env.Event)
	assert.JSONEq(t, `{"n":1}`, string(env.Data))

	assert.ErrorIs(t, conns.Emit(ctx, "nope", "ping", nil), signaling.ErrConnectionNotFound)

	require.NoError(t, conns.Close(ctx, "c1"))
	assert.ErrorIs(t, conns.Close(ctx, "c1"), signaling.ErrConnectionNotFound)
	assert.Equal(t, 1, conn.closed)
	assert.Zero(t, conns.Count())

	other := &fakeConn{}
	conns.Add("c2", other)
	conns.Add("c3", &fakeConn{})
	conns.CloseAll()
	assert.Zero(t, conns.Count())
	assert.Equal(t, 1, other.closed)
}

func TestClient_WriteAfterClose(t *testing.T) {
	c := &client{id: "c1", conn: &fakeConn{}}
	require.NoError(t, c.close())
	require.NoError(t, c.close())
	assert.ErrorIs(t, c.write([]byte(`{}`)), signaling.ErrConnectionNotFound)
}

// stubStats serves canned monitor reads.
type stubStats struct {
	err error
}

func (s *stubStats) RoomStats(context.Context, string) (monitor.RoomStats, error) {
	return monitor.RoomStats{Relay: 2, Total: 2}, s.err
}

func (s *stubStats) UserStats(_ context.Context, userID string) (*monitor.UserReport, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &monitor.UserReport{
		Quota:       credential.QuotaStatus{Unlimited: true},
		Connections: credential.ConnectionStatus{Allowed: true, Current: 1, Limit: 5},
	}, nil
}

func (s *stubStats) GlobalStats(context.Context) (map[string]int64, error) {
	return map[string]int64{"totalConnections": 7}, s.err
}

func (s *stubStats) Failures(_ context.Context, _ string, limit int64) ([]monitor.Failure, error) {
	return []monitor.Failure{{UserID: "alice", Reason: "ice-failed"}}, s.err
}

func (s *stubStats) RealtimeMetrics() monitor.RealtimeMetrics {
	return monitor.RealtimeMetrics{ActiveConnections: 3}
}

type staticHealth struct {
	healthy bool
}

func (h staticHealth) Health(context.Context) mono.HealthStatus {
	return mono.HealthStatus{Healthy: h.healthy}
}

type stubCounters struct {
	snap map[string]int64
	err  error
}

func (s stubCounters) Snapshot(context.Context) (map[string]int64, error) {
	return s.snap, s.err
}

func newTestModule(t *testing.T, cfg Config, stats StatsReader, health map[string]HealthSource) *Module {
	t.Helper()
	m, _ := newLoggedTestModule(t, cfg, Deps{Stats: stats, Health: health})
	return m
}

func newLoggedTestModule(t *testing.T, cfg Config, deps Deps) (*Module, *mockLogger) {
	t.Helper()
	logger := &mockLogger{}
	deps.Presence = presence.NewManager(storemod.NewMemoryStore(), nil, logger)
	deps.Guard = &stubGuard{}
	m, err := NewModule(cfg, deps, logger)
	require.NoError(t, err)
	return m, logger
}

func readJSON(t *testing.T, body io.Reader) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.NewDecoder(body).Decode(&out))
	return out
}

func TestModule_StatsRoutes(t *testing.T) {
	m := newTestModule(t, DefaultConfig(), &stubStats{}, nil)

	tests := []struct {
		name string
		path string
		key  string
	}{
		{"room", "/stats/room/R1", "stats"},
		{"user", "/stats/user/alice", "quota"},
		{"failures", "/stats/failures?day=2026-03-01&limit=5", "failures"},
		{"metrics", "/metrics", "global"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := m.App().Test(httptest.NewRequest("GET", tt.path, nil), -1)
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, 200, resp.StatusCode)
			body := readJSON(t, resp.Body)
			assert.Equal(t, true, body["success"])
			assert.Contains(t, body, tt.key)
		})
	}
}

func TestModule_StatsErrors(t *testing.T) {
	m, logger := newLoggedTestModule(t, DefaultConfig(), Deps{Stats: &stubStats{err: errors.New("store down")}})

	resp, err := m.App().Test(httptest.NewRequest("GET", "/stats/room/R1", nil), -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 500, resp.StatusCode)
	body := readJSON(t, resp.Body)
	assert.Equal(t, "Failed to retrieve statistics", body["error"])
	assert.Contains(t, logger.messages(), "Failed to read statistics")

	resp, err = m.App().Test(httptest.NewRequest("GET", "/stats/failures?day=yesterday", nil), -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 400, resp.StatusCode)

	// Metrics still answer without global counters.
	resp, err = m.App().Test(httptest.NewRequest("GET", "/metrics", nil), -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)
	assert.NotContains(t, readJSON(t, resp.Body), "global")
}

func TestModule_MetricsCounters(t *testing.T) {
	m, _ := newLoggedTestModule(t, DefaultConfig(), Deps{
		Stats:    &stubStats{},
		Counters: stubCounters{snap: map[string]int64{"signaling.room.joins": 4}},
	})
	resp, err := m.App().Test(httptest.NewRequest("GET", "/metrics", nil), -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)
	body := readJSON(t, resp.Body)
	require.Contains(t, body, "counters")
	assert.Equal(t, map[string]any{"signaling.room.joins": float64(4)}, body["counters"])

	// A failed snapshot is logged and the rest of the body still answers.
	m, logger := newLoggedTestModule(t, DefaultConfig(), Deps{
		Stats:    &stubStats{},
		Counters: stubCounters{err: errors.New("reader is shutdown")},
	})
	resp, err = m.App().Test(httptest.NewRequest("GET", "/metrics", nil), -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)
	body = readJSON(t, resp.Body)
	assert.NotContains(t, body, "counters")
	assert.Contains(t, body, "global")
	assert.Contains(t, logger.messages(), "Failed to snapshot counters")
}

func TestModule_StatsLimiter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StatsRequestsPerMinute = 2
	m := newTestModule(t, cfg, &stubStats{}, nil)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		resp, err := m.App().Test(httptest.NewRequest("GET", "/stats/room/R1", nil), -1)
		require.NoError(t, err)
		resp.Body.Close()
		codes = append(codes, resp.StatusCode)
	}
	assert.Equal(t, []int{200, 200, 429}, codes)

	// Health is never limited.
	resp, err := m.App().Test(httptest.NewRequest("GET", "/health", nil), -1)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)
}

func TestModule_Health(t *testing.T) {
	m := newTestModule(t, DefaultConfig(), &stubStats{}, map[string]HealthSource{
		"store": staticHealth{healthy: true},
	})
	resp, err := m.App().Test(httptest.NewRequest("GET", "/health", nil), -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)
	body := readJSON(t, resp.Body)
	assert.Equal(t, "healthy", body["status"])
	modules, ok := body["modules"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, modules, "store")
	assert.Contains(t, modules, "gateway")

	degraded := newTestModule(t, DefaultConfig(), &stubStats{}, map[string]HealthSource{
		"store": staticHealth{healthy: false},
	})
	resp, err = degraded.App().Test(httptest.NewRequest("GET", "/health", nil), -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 503, resp.StatusCode)
	assert.Equal(t, "degraded", readJSON(t, resp.Body)["status"])
}

func TestModule_WebSocketRequiresUpgrade(t *testing.T) {
	m := newTestModule(t, DefaultConfig(), &stubStats{}, nil)

	resp, err := m.App().Test(httptest.NewRequest("GET", "/ws?userId=alice", nil), -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 426, resp.StatusCode)
}

func TestModule_Metadata(t *testing.T) {
	m := newTestModule(t, DefaultConfig(), &stubStats{}, nil)
	assert.Equal(t, "gateway", m.Name())

	health := m.Health(context.Background())
	assert.True(t, health.Healthy)
	assert.Equal(t, 0, health.Details["connections"])
	assert.NotEmpty(t, health.Details["instance_id"])
}

func TestParseRedisAddr(t *testing.T) {
	tests := []struct {
		addr string
		host string
		port int
	}{
		{"redis:6380", "redis", 6380},
		{":6379", "127.0.0.1", 6379},
		{"localhost", "127.0.0.1", 6379},
		{"10.0.0.5:abc", "10.0.0.5", 6379},
	}
	for _, tt := range tests {
		host, port := parseRedisAddr(tt.addr)
		assert.Equal(t, tt.host, host, tt.addr)
		assert.Equal(t, tt.port, port, tt.addr)
	}
}
