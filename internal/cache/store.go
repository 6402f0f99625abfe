// Package cache defines the key-value store shared by the rate limiter and
// its Redis and in-memory implementations.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable wraps transport level failures of the backing store.
var ErrUnavailable = errors.New("cache: store unavailable")

// ErrWrongType is returned when a key holds a value of another kind.
var ErrWrongType = errors.New("cache: operation against a key holding the wrong kind of value")

// Store is the subset of Redis semantics the security core relies on.
// Sorted set scores are unix milliseconds by convention.
type Store interface {
	// Get returns found=false for a missing or expired key.
	Get(ctx context.Context, key string) (value string, found bool, err error)
	// Set stores value. A zero ttl means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// TTL is <= 0 when the key is missing or has no expiry.
	TTL(ctx context.Context, key string) (time.Duration, error)

	ZAdd(ctx context.Context, key string, score float64, member string) error
	// ZRemRangeByScore removes members with min <= score <= max.
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error)
	ZCard(ctx context.Context, key string) (int64, error)
	// ZMinScore returns the lowest score in the set.
	ZMinScore(ctx context.Context, key string) (float64, bool, error)

	Ping(ctx context.Context) error
}
