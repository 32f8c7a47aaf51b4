package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DeclanJeon/ponslink-signal/domain/store"
)

// MemoryStore is a process-local store.Store. It backs single-instance deployments
// and tests; it offers the same atomicity as the Redis scripts by serializing every
// call behind one mutex.
type MemoryStore struct {
	mu      sync.Mutex
	now     func() time.Time
	strings map[string]string
	hashes  map[string]map[string]string
	lists   map[string][]string
	expires map[string]time.Time
	down    atomic.Bool
}

// Compile-time interface check
var _ store.Store = (*MemoryStore)(nil)

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock sets the time source used for expirations.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		now:     time.Now,
		strings: make(map[string]string),
		hashes:  make(map[string]map[string]string),
		lists:   make(map[string][]string),
		expires: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetAvailable toggles simulated availability. While unavailable every call fails
// with store.ErrUnavailable.
func (s *MemoryStore) SetAvailable(available bool) {
	s.down.Store(!available)
}

// lock acquires the mutex and evicts key if it has expired.
func (s *MemoryStore) lock(keys ...string) error {
	if s.down.Load() {
		return fmt.Errorf("memory store: %w", store.ErrUnavailable)
	}
	s.mu.Lock()
	for _, k := range keys {
		s.expireIfDue(k)
	}
	return nil
}

func (s *MemoryStore) expireIfDue(key string) {
	at, ok := s.expires[key]
	if !ok || s.now().Before(at) {
		return
	}
	s.deleteLocked(key)
}

func (s *MemoryStore) deleteLocked(key string) {
	delete(s.strings, key)
	delete(s.hashes, key)
	delete(s.lists, key)
	delete(s.expires, key)
}

func (s *MemoryStore) existsLocked(key string) bool {
	if _, ok := s.strings[key]; ok {
		return true
	}
	if _, ok := s.hashes[key]; ok {
		return true
	}
	_, ok := s.lists[key]
	return ok
}

func (s *MemoryStore) ttlLocked(key string) time.Duration {
	at, ok := s.expires[key]
	if !ok {
		return -1
	}
	return at.Sub(s.now())
}

// Ping reports simulated availability.
func (s *MemoryStore) Ping(_ context.Context) error {
	if s.down.Load() {
		return fmt.Errorf("memory store: %w", store.ErrUnavailable)
	}
	return nil
}

// HGet returns a hash field and whether it exists.
func (s *MemoryStore) HGet(_ context.Context, key, field string) (string, bool, error) {
	if err := s.lock(key); err != nil {
		return "", false, err
	}
	defer s.mu.Unlock()

	v, ok := s.hashes[key][field]
	return v, ok, nil
}

// HSet writes hash fields.
func (s *MemoryStore) HSet(_ context.Context, key string, values map[string]string) error {
	if err := s.lock(key); err != nil {
		return err
	}
	defer s.mu.Unlock()

	h := s.hashLocked(key)
	for f, v := range values {
		h[f] = v
	}
	return nil
}

func (s *MemoryStore) hashLocked(key string) map[string]string {
	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string)
		s.hashes[key] = h
	}
	return h
}

// HDel removes hash fields.
func (s *MemoryStore) HDel(_ context.Context, key string, fields ...string) (int64, error) {
	if err := s.lock(key); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()

	h, ok := s.hashes[key]
	if !ok {
		return 0, nil
	}
	var removed int64
	for _, f := range fields {
		if _, ok := h[f]; ok {
			delete(h, f)
			removed++
		}
	}
	if len(h) == 0 {
		s.deleteLocked(key)
	}
	return removed, nil
}

// HLen returns the number of fields in a hash.
func (s *MemoryStore) HLen(_ context.Context, key string) (int64, error) {
	if err := s.lock(key); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()

	return int64(len(s.hashes[key])), nil
}

// HGetAll returns a copy of every field of a hash.
func (s *MemoryStore) HGetAll(_ context.Context, key string) (map[string]string, error) {
	if err := s.lock(key); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	out := make(map[string]string, len(s.hashes[key]))
	for f, v := range s.hashes[key] {
		out[f] = v
	}
	return out, nil
}

// HIncrBy increments a hash field.
func (s *MemoryStore) HIncrBy(_ context.Context, key, field string, incr int64) (int64, error) {
	if err := s.lock(key); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()

	h := s.hashLocked(key)
	current, err := parseInt(h[field])
	if err != nil {
		return 0, fmt.Errorf("hash field %s/%s: %w", key, field, err)
	}
	current += incr
	h[field] = strconv.FormatInt(current, 10)
	return current, nil
}

// HSetCapped conditionally writes a hash field.
func (s *MemoryStore) HSetCapped(_ context.Context, key, field, value string, capacity int) (bool, error) {
	if err := s.lock(key); err != nil {
		return false, err
	}
	defer s.mu.Unlock()

	h := s.hashes[key]
	if _, exists := h[field]; !exists && len(h) >= capacity {
		return false, nil
	}
	s.hashLocked(key)[field] = value
	return true, nil
}

// Get returns a string value.
func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	if err := s.lock(key); err != nil {
		return "", false, err
	}
	defer s.mu.Unlock()

	v, ok := s.strings[key]
	return v, ok, nil
}

// IncrBy increments a counter.
func (s *MemoryStore) IncrBy(_ context.Context, key string, n int64) (int64, error) {
	if err := s.lock(key); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()

	return s.incrLocked(key, n)
}

func (s *MemoryStore) incrLocked(key string, n int64) (int64, error) {
	current, err := parseInt(s.strings[key])
	if err != nil {
		return 0, fmt.Errorf("key %s: %w", key, err)
	}
	current += n
	s.strings[key] = strconv.FormatInt(current, 10)
	return current, nil
}

// DecrFloor decrements a counter unless it is already zero.
func (s *MemoryStore) DecrFloor(_ context.Context, key string) (int64, bool, error) {
	if err := s.lock(key); err != nil {
		return 0, false, err
	}
	defer s.mu.Unlock()

	current, err := parseInt(s.strings[key])
	if err != nil {
		return 0, false, fmt.Errorf("key %s: %w", key, err)
	}
	if current <= 0 {
		return 0, false, nil
	}
	v, err := s.incrLocked(key, -1)
	return v, err == nil, err
}

// Expire sets a TTL on an existing key.
func (s *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	if err := s.lock(key); err != nil {
		return err
	}
	defer s.mu.Unlock()

	if s.existsLocked(key) {
		s.expires[key] = s.now().Add(ttl)
	}
	return nil
}

// Del removes keys.
func (s *MemoryStore) Del(_ context.Context, keys ...string) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()

	for _, k := range keys {
		s.deleteLocked(k)
	}
	return nil
}

// LPushTrim prepends to a capped list.
func (s *MemoryStore) LPushTrim(_ context.Context, key, value string, maxLen int64, ttl time.Duration) error {
	if err := s.lock(key); err != nil {
		return err
	}
	defer s.mu.Unlock()

	list := append([]string{value}, s.lists[key]...)
	if int64(len(list)) > maxLen {
		list = list[:maxLen]
	}
	s.lists[key] = list
	s.expires[key] = s.now().Add(ttl)
	return nil
}

// LRange returns list entries between start and stop inclusive. Negative indexes
// count from the end, as in Redis.
func (s *MemoryStore) LRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	if err := s.lock(key); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	list := s.lists[key]
	n := int64(len(list))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop {
		return []string{}, nil
	}
	out := make([]string, stop-start+1)
	copy(out, list[start:stop+1])
	return out, nil
}

// Scan lists live keys with the given prefix.
func (s *MemoryStore) Scan(_ context.Context, prefix string) ([]string, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	seen := make(map[string]struct{})
	collect := func(k string) {
		if strings.HasPrefix(k, prefix) {
			seen[k] = struct{}{}
		}
	}
	for k := range s.strings {
		collect(k)
	}
	for k := range s.hashes {
		collect(k)
	}
	for k := range s.lists {
		collect(k)
	}

	out := make([]string, 0, len(seen))
	for k := range seen {
		s.expireIfDue(k)
		if s.existsLocked(k) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

// ConsumeWindow applies the same fixed window rules as the Redis script.
func (s *MemoryStore) ConsumeWindow(_ context.Context, key string, points int64, window, block time.Duration) (store.WindowResult, error) {
	if err := s.lock(key); err != nil {
		return store.WindowResult{}, err
	}
	defer s.mu.Unlock()

	consumed, err := s.incrLocked(key, 1)
	if err != nil {
		return store.WindowResult{}, err
	}
	if consumed == 1 || s.ttlLocked(key) < 0 {
		s.expires[key] = s.now().Add(window)
	}
	if consumed == points+1 && block > 0 {
		s.expires[key] = s.now().Add(block)
	}

	ttl := s.ttlLocked(key)
	if ttl < 0 {
		ttl = 0
	}
	return store.WindowResult{Consumed: consumed, TTL: ttl}, nil
}

func parseInt(v string) (int64, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("value is not an integer: %q", v)
	}
	return n, nil
}
