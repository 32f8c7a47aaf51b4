// Package store defines the shared state capability consumed by the signaling core.
//
// Every instance of the service talks to the same backing store, so all cross-instance
// coordination (room membership, credential counters, rate-limit windows) goes through
// the atomic primitives declared here.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable indicates the backing store could not be reached.
var ErrUnavailable = errors.New("store unavailable")

// WindowResult is the outcome of a fixed-window consume.
type WindowResult struct {
	// Consumed is the number of points used in the current window, including this one.
	Consumed int64
	// TTL is the time until the window (or the block extending it) expires.
	TTL time.Duration
}

// Store is the set of primitives the core relies on.
type Store interface {
	Ping(ctx context.Context) error

	// Hash operations.
	HGet(ctx context.Context, key, field string) (string, bool, error)
	HSet(ctx context.Context, key string, values map[string]string) error
	HDel(ctx context.Context, key string, fields ...string) (int64, error)
	HLen(ctx context.Context, key string) (int64, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HIncrBy(ctx context.Context, key, field string, incr int64) (int64, error)

	// HSetCapped writes field only if it already exists or the hash holds fewer
	// than capacity fields. It reports whether the write happened.
	HSetCapped(ctx context.Context, key, field, value string, capacity int) (bool, error)

	// String and counter operations.
	Get(ctx context.Context, key string) (string, bool, error)
	IncrBy(ctx context.Context, key string, n int64) (int64, error)
	// DecrFloor decrements key unless it is already zero or missing. It returns the
	// resulting value and whether a decrement happened.
	DecrFloor(ctx context.Context, key string) (int64, bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error

	// LPushTrim prepends value, keeps the newest maxLen entries and refreshes the TTL.
	LPushTrim(ctx context.Context, key, value string, maxLen int64, ttl time.Duration) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	// Scan lists keys starting with prefix.
	Scan(ctx context.Context, prefix string) ([]string, error)

	// ConsumeWindow adds one point to a fixed window counter. The first point starts a
	// window of the given length; the first point over the budget extends the key to
	// block (when block > 0).
	ConsumeWindow(ctx context.Context, key string, points int64, window, block time.Duration) (WindowResult, error)
}

// IsUnavailable reports whether err was caused by an unreachable store.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
