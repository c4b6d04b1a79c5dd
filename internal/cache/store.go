package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/regulus-ai/regulus/internal/circuitbreaker"
)

// Store is the key-value backend for cached answers. Implementations
// degrade rather than fail: a broken backend reads as a miss and
// absorbs writes silently.
type Store interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, value string, ttl time.Duration)
	Incr(ctx context.Context, key string)
	Close() error
}

// RedisStore backs the cache with a breaker-protected Redis client.
type RedisStore struct {
	redis  *circuitbreaker.RedisWrapper
	logger *zap.Logger
}

// NewRedisStore wraps a Redis client as a degrading Store.
func NewRedisStore(client *redis.Client, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{
		redis:  circuitbreaker.NewRedisWrapper(client, logger),
		logger: logger,
	}
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool) {
	value, err := s.redis.Get(ctx, key)
	if errors.Is(err, redis.Nil) {
		return "", false
	}
	if err != nil {
		s.logger.Warn("Cache read failed, treating as miss",
			zap.String("key", key),
			zap.Error(err),
		)
		return "", false
	}
	return value, true
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) {
	if err := s.redis.Set(ctx, key, value, ttl); err != nil {
		s.logger.Warn("Cache write failed, dropping entry",
			zap.String("key", key),
			zap.Error(err),
		)
	}
}

func (s *RedisStore) Incr(ctx context.Context, key string) {
	if _, err := s.redis.Incr(ctx, key); err != nil {
		s.logger.Debug("Cache counter increment failed",
			zap.String("key", key),
			zap.Error(err),
		)
	}
}

func (s *RedisStore) Close() error {
	return s.redis.Close()
}
