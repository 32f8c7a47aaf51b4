package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/DeclanJeon/ponslink-signal/events"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type indexEntry struct {
	userID string
	roomID string
	kind   Kind
	at     time.Time
}

// advisoryIndex remembers the latest outcome per user and room. It is
// process-local and safe to lose.
type advisoryIndex struct {
	mu      sync.RWMutex
	entries map[string]indexEntry
	totals  map[string]int64
}

func newAdvisoryIndex() *advisoryIndex {
	return &advisoryIndex{
		entries: make(map[string]indexEntry),
		totals:  make(map[string]int64),
	}
}

func indexKey(userID, roomID string) string {
	return userID + ":" + roomID
}

func (x *advisoryIndex) touch(userID, roomID string, kind Kind, at time.Time) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.entries[indexKey(userID, roomID)] = indexEntry{userID: userID, roomID: roomID, kind: kind, at: at}
}

func (x *advisoryIndex) remove(userID, roomID string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.entries, indexKey(userID, roomID))
}

func (x *advisoryIndex) count(event string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.totals[event]++
}

func (x *advisoryIndex) active(now time.Time, window time.Duration) (int, map[string]int) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	byKind := make(map[string]int)
	n := 0
	for _, e := range x.entries {
		if now.Sub(e.at) < window {
			n++
			byKind[string(e.kind)]++
		}
	}
	return n, byKind
}

func (x *advisoryIndex) prune(now time.Time, maxAge time.Duration) int {
	x.mu.Lock()
	defer x.mu.Unlock()

	removed := 0
	for k, e := range x.entries {
		if now.Sub(e.at) > maxAge {
			delete(x.entries, k)
			removed++
		}
	}
	return removed
}

func (x *advisoryIndex) size() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.entries)
}

func (x *advisoryIndex) eventTotals() map[string]int64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make(map[string]int64, len(x.totals))
	for k, v := range x.totals {
		out[k] = v
	}
	return out
}

// ObservePeerJoined counts a join.
func (m *Monitor) ObservePeerJoined(ctx context.Context, _ events.PeerJoinedEvent) {
	m.index.count("joins")
	m.joins.Add(ctx, 1)
}

// ObservePeerLeft forgets the occupant's index entry.
func (m *Monitor) ObservePeerLeft(_ context.Context, ev events.PeerLeftEvent) {
	m.index.count("leaves")
	m.index.remove(ev.UserID, ev.RoomID)
}

// ObserveOccupantEvicted forgets the occupant's index entry and counts the eviction.
func (m *Monitor) ObserveOccupantEvicted(ctx context.Context, ev events.OccupantEvictedEvent) {
	m.index.count("evictions")
	m.index.remove(ev.UserID, ev.RoomID)
	m.evictions.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", ev.Reason)))
}

// ObserveCredentialIssued counts an issued relay credential.
func (m *Monitor) ObserveCredentialIssued(ctx context.Context, _ events.CredentialIssuedEvent) {
	m.index.count("credentialsIssued")
	m.issued.Add(ctx, 1)
}
