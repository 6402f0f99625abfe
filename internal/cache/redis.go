package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/KyFuirY/FreelanceOS/internal/config"
	"github.com/KyFuirY/FreelanceOS/pkg/metrics"
)

// RedisStore implements Store on a go-redis client.
type RedisStore struct {
	client *redis.Client
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a store from config. The connection is lazy; call
// Ping to verify it.
func NewRedisStore(cfg config.RedisConfig) *RedisStore {
	return NewRedisStoreFromClient(redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.OpTimeout,
		WriteTimeout: cfg.OpTimeout,
	}))
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Close releases the connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func observe(op string, start time.Time) {
	metrics.CacheLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// wrap tags transport errors with ErrUnavailable. redis.Nil passes through
// untouched so callers can still detect it.
func wrap(op string, err error) error {
	if err == nil || errors.Is(err, redis.Nil) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	defer observe("get", time.Now())
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrap("get", err)
	}
	return val, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	defer observe("set", time.Now())
	return wrap("set", s.client.Set(ctx, key, value, ttl).Err())
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	defer observe("del", time.Now())
	return wrap("del", s.client.Del(ctx, keys...).Err())
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	defer observe("exists", time.Now())
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, wrap("exists", err)
	}
	return n > 0, nil
}

func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	defer observe("incr", time.Now())
	n, err := s.client.Incr(ctx, key).Result()
	return n, wrap("incr", err)
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	defer observe("expire", time.Now())
	return wrap("expire", s.client.Expire(ctx, key, ttl).Err())
}

func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	defer observe("ttl", time.Now())
	// PTTL keeps millisecond precision; -1 and -2 come back as negative
	// sentinels which callers treat as "no ttl".
	d, err := s.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, wrap("ttl", err)
	}
	if d < 0 {
		return 0, nil
	}
	return d, nil
}

func (s *RedisStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	defer observe("zadd", time.Now())
	return wrap("zadd", s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err())
}

func (s *RedisStore) ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error) {
	defer observe("zremrangebyscore", time.Now())
	n, err := s.client.ZRemRangeByScore(ctx, key, formatScore(min), formatScore(max)).Result()
	return n, wrap("zremrangebyscore", err)
}

func (s *RedisStore) ZCard(ctx context.Context, key string) (int64, error) {
	defer observe("zcard", time.Now())
	n, err := s.client.ZCard(ctx, key).Result()
	return n, wrap("zcard", err)
}

func (s *RedisStore) ZMinScore(ctx context.Context, key string) (float64, bool, error) {
	defer observe("zrange", time.Now())
	zs, err := s.client.ZRangeWithScores(ctx, key, 0, 0).Result()
	if err != nil {
		return 0, false, wrap("zrange", err)
	}
	if len(zs) == 0 {
		return 0, false, nil
	}
	return zs[0].Score, true, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return wrap("ping", s.client.Ping(ctx).Err())
}

func formatScore(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
