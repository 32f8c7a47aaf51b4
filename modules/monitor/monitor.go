// Package monitor keeps connection outcome and bandwidth counters for relay usage.
// Nothing here gates behavior: write failures are logged and dropped.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"strconv"
	"time"

	"github.com/DeclanJeon/ponslink-signal/domain/credential"
	"github.com/DeclanJeon/ponslink-signal/domain/store"
	"github.com/go-monolith/mono/pkg/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"golang.org/x/sync/errgroup"
)

// Kind is a connection outcome category.
type Kind string

const (
	KindRelay  Kind = "relay"
	KindDirect Kind = "direct"
	KindSrflx  Kind = "srflx"
	KindHost   Kind = "host"
	KindFailed Kind = "failed"
)

// KindFromReport maps a client-reported ICE state and selected candidate type to
// a counter category.
func KindFromReport(state, candidateType string) Kind {
	if state == "failed" {
		return KindFailed
	}
	switch candidateType {
	case "relay":
		return KindRelay
	case "srflx":
		return KindSrflx
	case "host":
		return KindHost
	default:
		return KindDirect
	}
}

const (
	statsRetention     = 24 * time.Hour
	bandwidthRetention = 48 * time.Hour
	failureRetention   = 7 * 24 * time.Hour
	maxFailures        = 1000

	globalKey = "turn:stats:global"
)

func roomStatsKey(roomID string) string { return "turn:stats:room:" + roomID }
func userStatsKey(userID string) string { return "turn:stats:user:" + userID }
func failuresKey(day string) string     { return "turn:failures:" + day }

func bandwidthKey(direction, day string) string {
	return "turn:bandwidth:" + direction + ":" + day
}

// QuotaReader supplies a user's relay limits for the user report.
type QuotaReader interface {
	GetQuota(ctx context.Context, userID string) (credential.QuotaStatus, credential.ConnectionStatus, error)
}

// RoomStats counts connection outcomes for one room.
type RoomStats struct {
	Relay  int64 `json:"relay"`
	Direct int64 `json:"direct"`
	Srflx  int64 `json:"srflx"`
	Host   int64 `json:"host"`
	Failed int64 `json:"failed"`
	Total  int64 `json:"total"`
}

// UserConnections counts a user's connection outcomes.
type UserConnections struct {
	Relay  int64 `json:"relay"`
	Direct int64 `json:"direct"`
	Failed int64 `json:"failed"`
}

// Bandwidth is a user's relay usage against the daily budget.
type Bandwidth struct {
	Used       int64 `json:"used"`
	Limit      int64 `json:"limit"`
	Percentage int   `json:"percentage"`
}

// UserStats summarizes a user's recent activity.
type UserStats struct {
	LastAccess  int64           `json:"lastAccess"`
	LastRoom    *string         `json:"lastRoom"`
	Connections UserConnections `json:"connections"`
	Bandwidth   Bandwidth       `json:"bandwidth"`
}

// UserReport pairs the stats with the limit views they were computed from.
type UserReport struct {
	Stats       UserStats                   `json:"stats"`
	Quota       credential.QuotaStatus      `json:"quota"`
	Connections credential.ConnectionStatus `json:"connections"`
}

// Failure is one entry in the daily failure log.
type Failure struct {
	UserID    string `json:"userId"`
	RoomID    string `json:"roomId"`
	Reason    string `json:"reason"`
	Timestamp int64  `json:"timestamp"`
}

// RealtimeMetrics is the advisory, process-local view.
type RealtimeMetrics struct {
	ActiveConnections int              `json:"activeConnections"`
	ConnectionTypes   map[string]int   `json:"connectionTypes"`
	TrackedEntries    int              `json:"trackedEntries"`
	Uptime            int64            `json:"uptime"`
	Goroutines        int              `json:"goroutines"`
	HeapAlloc         uint64           `json:"heapAlloc"`
	Events            map[string]int64 `json:"events"`
}

// Monitor records usage counters in the shared store.
type Monitor struct {
	store        store.Store
	logger       types.Logger
	quota        QuotaReader
	now          func() time.Time
	startedAt    time.Time
	activeWindow time.Duration

	index  *advisoryIndex
	meters metric.MeterProvider

	connections metric.Int64Counter
	evictions   metric.Int64Counter
	issued      metric.Int64Counter
	bandwidth   metric.Int64Counter
	joins       metric.Int64Counter
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		m.now = now
	}
}

// WithQuotaReader sets where user reports read relay limits from.
func WithQuotaReader(q QuotaReader) Option {
	return func(m *Monitor) {
		m.quota = q
	}
}

// WithMeterProvider sets the provider the counters are created from.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(m *Monitor) {
		m.meters = mp
	}
}

// WithActiveWindow sets how recent an index entry must be to count as active.
func WithActiveWindow(d time.Duration) Option {
	return func(m *Monitor) {
		m.activeWindow = d
	}
}

// NewMonitor creates a monitor. Instruments come from the global meter provider
// unless WithMeterProvider supplies one.
func NewMonitor(s store.Store, logger types.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		store:        s,
		logger:       logger,
		now:          time.Now,
		activeWindow: 5 * time.Minute,
		index:        newAdvisoryIndex(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.startedAt = m.now()

	if m.meters == nil {
		m.meters = otel.GetMeterProvider()
	}
	meter := m.meters.Meter("ponslink-signal/monitor")
	m.connections = m.counter(meter, "signaling.connections",
		metric.WithDescription("Peer connection outcomes reported by clients"))
	m.evictions = m.counter(meter, "signaling.evictions",
		metric.WithDescription("Occupants removed by force-leave or the zombie sweep"))
	m.issued = m.counter(meter, "signaling.credentials.issued",
		metric.WithDescription("Relay credentials handed out"))
	m.bandwidth = m.counter(meter, "signaling.bandwidth.bytes",
		metric.WithDescription("Relay bytes reported by clients"),
		metric.WithUnit("By"))
	m.joins = m.counter(meter, "signaling.room.joins",
		metric.WithDescription("Successful room joins"))
	return m
}

func (m *Monitor) counter(meter metric.Meter, name string, opts ...metric.Int64CounterOption) metric.Int64Counter {
	c, err := meter.Int64Counter(name, opts...)
	if err != nil {
		m.logger.Warn("Failed to create counter, recording disabled", "name", name, "error", err)
		return noop.Int64Counter{}
	}
	return c
}

// SetQuotaReader replaces the quota source.
func (m *Monitor) SetQuotaReader(q QuotaReader) {
	m.quota = q
}

// RecordConnection counts a connection outcome for the room, the user and globally.
func (m *Monitor) RecordConnection(ctx context.Context, userID, roomID string, kind Kind) {
	now := m.now()
	m.index.touch(userID, roomID, kind, now)
	m.connections.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind))))

	if err := m.writeConnection(ctx, userID, roomID, kind, now); err != nil {
		m.logger.Warn("Failed to record connection",
			"userId", userID, "roomId", roomID, "kind", string(kind), "error", err)
	}
}

func (m *Monitor) writeConnection(ctx context.Context, userID, roomID string, kind Kind, now time.Time) error {
	if roomID != "" {
		key := roomStatsKey(roomID)
		if _, err := m.store.HIncrBy(ctx, key, string(kind), 1); err != nil {
			return err
		}
		if err := m.store.Expire(ctx, key, statsRetention); err != nil {
			return err
		}
	}

	if userID != "" {
		key := userStatsKey(userID)
		if err := m.store.HSet(ctx, key, map[string]string{
			"lastAccess": strconv.FormatInt(now.UnixMilli(), 10),
			"lastRoom":   roomID,
		}); err != nil {
			return err
		}
		if _, err := m.store.HIncrBy(ctx, key, string(kind)+"Count", 1); err != nil {
			return err
		}
		if err := m.store.Expire(ctx, key, statsRetention); err != nil {
			return err
		}
	}

	if _, err := m.store.HIncrBy(ctx, globalKey, string(kind)+"Count", 1); err != nil {
		return err
	}
	if _, err := m.store.HIncrBy(ctx, globalKey, "totalConnections", 1); err != nil {
		return err
	}
	return m.store.HSet(ctx, globalKey, map[string]string{
		"lastUpdate": strconv.FormatInt(now.UnixMilli(), 10),
	})
}

// RecordFailure appends to today's failure log and bumps the global failure count.
func (m *Monitor) RecordFailure(ctx context.Context, userID, roomID, reason string) {
	now := m.now()
	entry, err := json.Marshal(Failure{
		UserID:    userID,
		RoomID:    roomID,
		Reason:    reason,
		Timestamp: now.UnixMilli(),
	})
	if err != nil {
		m.logger.Warn("Failed to encode failure", "error", err)
		return
	}

	key := failuresKey(credential.DayKey(now))
	if err := m.store.LPushTrim(ctx, key, string(entry), maxFailures, failureRetention); err != nil {
		m.logger.Warn("Failed to record failure", "userId", userID, "roomId", roomID, "error", err)
		return
	}
	if _, err := m.store.HIncrBy(ctx, globalKey, "failureCount", 1); err != nil {
		m.logger.Warn("Failed to count failure", "error", err)
	}
}

// RecordBandwidth adds reported bytes to the daily per-direction totals. Any
// direction other than upload or download counts toward both.
func (m *Monitor) RecordBandwidth(ctx context.Context, userID string, bytes int64, direction string) {
	if bytes <= 0 {
		return
	}

	var directions []string
	switch direction {
	case "upload", "download":
		directions = []string{direction}
	default:
		directions = []string{"upload", "download"}
	}

	day := credential.DayKey(m.now())
	for _, d := range directions {
		m.bandwidth.Add(ctx, bytes, metric.WithAttributes(attribute.String("direction", d)))

		key := bandwidthKey(d, day)
		if _, err := m.store.IncrBy(ctx, key, bytes); err != nil {
			m.logger.Warn("Failed to record bandwidth", "userId", userID, "direction", d, "error", err)
			return
		}
		if err := m.store.Expire(ctx, key, bandwidthRetention); err != nil {
			m.logger.Warn("Failed to expire bandwidth total", "direction", d, "error", err)
		}
	}
}

// RoomStats reads the outcome counters of one room. Total sums every counter.
func (m *Monitor) RoomStats(ctx context.Context, roomID string) (RoomStats, error) {
	raw, err := m.store.HGetAll(ctx, roomStatsKey(roomID))
	if err != nil {
		return RoomStats{}, fmt.Errorf("read room stats: %w", err)
	}

	stats := RoomStats{
		Relay:  parseCount(raw[string(KindRelay)]),
		Direct: parseCount(raw[string(KindDirect)]),
		Srflx:  parseCount(raw[string(KindSrflx)]),
		Host:   parseCount(raw[string(KindHost)]),
		Failed: parseCount(raw[string(KindFailed)]),
	}
	for _, v := range raw {
		stats.Total += parseCount(v)
	}
	return stats, nil
}

// UserStats reads a user's activity hash and relay limits concurrently.
func (m *Monitor) UserStats(ctx context.Context, userID string) (*UserReport, error) {
	var (
		raw    map[string]string
		quota  = credential.QuotaStatus{Limit: credential.Unbounded, Remaining: credential.Unbounded, Unlimited: true}
		conns  = credential.ConnectionStatus{Allowed: true, Limit: credential.Unbounded, Unlimited: true}
		reader = m.quota
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		raw, err = m.store.HGetAll(gctx, userStatsKey(userID))
		if err != nil {
			return fmt.Errorf("read user stats: %w", err)
		}
		return nil
	})
	if reader != nil {
		g.Go(func() error {
			var err error
			quota, conns, err = reader.GetQuota(gctx, userID)
			if err != nil {
				return fmt.Errorf("read user quota: %w", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	stats := UserStats{
		LastAccess: parseCount(raw["lastAccess"]),
		Connections: UserConnections{
			Relay:  parseCount(raw[string(KindRelay)+"Count"]),
			Direct: parseCount(raw[string(KindDirect)+"Count"]),
			Failed: parseCount(raw[string(KindFailed)+"Count"]),
		},
		Bandwidth: Bandwidth{
			Used:       quota.Used,
			Limit:      quota.Limit,
			Percentage: quota.Percentage,
		},
	}
	if room, ok := raw["lastRoom"]; ok && room != "" {
		stats.LastRoom = &room
	}
	return &UserReport{Stats: stats, Quota: quota, Connections: conns}, nil
}

// GlobalStats reads the global counters.
func (m *Monitor) GlobalStats(ctx context.Context) (map[string]int64, error) {
	raw, err := m.store.HGetAll(ctx, globalKey)
	if err != nil {
		return nil, fmt.Errorf("read global stats: %w", err)
	}
	out := make(map[string]int64, len(raw))
	for k, v := range raw {
		out[k] = parseCount(v)
	}
	return out, nil
}

// Failures returns up to limit of the newest failures logged on day.
func (m *Monitor) Failures(ctx context.Context, day string, limit int64) ([]Failure, error) {
	if limit <= 0 || limit > maxFailures {
		limit = maxFailures
	}
	raw, err := m.store.LRange(ctx, failuresKey(day), 0, limit-1)
	if err != nil {
		return nil, fmt.Errorf("read failures: %w", err)
	}
	out := make([]Failure, 0, len(raw))
	for _, r := range raw {
		var f Failure
		if err := json.Unmarshal([]byte(r), &f); err != nil {
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

// RealtimeMetrics reports the advisory index. It reads no shared state.
func (m *Monitor) RealtimeMetrics() RealtimeMetrics {
	now := m.now()
	active, byKind := m.index.active(now, m.activeWindow)

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return RealtimeMetrics{
		ActiveConnections: active,
		ConnectionTypes:   byKind,
		TrackedEntries:    m.index.size(),
		Uptime:            now.Sub(m.startedAt).Milliseconds(),
		Goroutines:        runtime.NumGoroutine(),
		HeapAlloc:         mem.HeapAlloc,
		Events:            m.index.eventTotals(),
	}
}

// Prune drops index entries older than maxAge and reports how many were removed.
func (m *Monitor) Prune(maxAge time.Duration) int {
	return m.index.prune(m.now(), maxAge)
}

func parseCount(v string) int64 {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
