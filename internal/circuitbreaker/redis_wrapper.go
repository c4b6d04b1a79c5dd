package circuitbreaker

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisWrapper wraps a Redis client with circuit breaker protection.
// A miss (redis.Nil) counts as a success: the backend answered.
type RedisWrapper struct {
	client  *redis.Client
	breaker *Breaker
	logger  *zap.Logger
}

// NewRedisWrapper creates a protected Redis client.
func NewRedisWrapper(client *redis.Client, logger *zap.Logger) *RedisWrapper {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := Config{
		MaxRequests:      5,
		Interval:         30 * time.Second,
		Timeout:          5 * time.Second,
		FailureThreshold: 3,
		SuccessThreshold: 2,
	}
	return &RedisWrapper{
		client:  client,
		breaker: New("redis", cfg, logger),
		logger:  logger,
	}
}

// Ping checks connectivity through the breaker.
func (w *RedisWrapper) Ping(ctx context.Context) error {
	return w.breaker.Execute(ctx, func() error {
		return w.client.Ping(ctx).Err()
	})
}

// Get retrieves a key. Returns redis.Nil when the key is absent.
func (w *RedisWrapper) Get(ctx context.Context, key string) (string, error) {
	var value string
	found := false
	err := w.breaker.Execute(ctx, func() error {
		v, err := w.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		value = v
		found = true
		return nil
	})
	if err != nil {
		return "", err
	}
	if !found {
		return "", redis.Nil
	}
	return value, nil
}

// Set stores a key with a TTL.
func (w *RedisWrapper) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return w.breaker.Execute(ctx, func() error {
		return w.client.Set(ctx, key, value, ttl).Err()
	})
}

// Del removes keys.
func (w *RedisWrapper) Del(ctx context.Context, keys ...string) error {
	return w.breaker.Execute(ctx, func() error {
		return w.client.Del(ctx, keys...).Err()
	})
}

// Incr atomically increments a counter key.
func (w *RedisWrapper) Incr(ctx context.Context, key string) (int64, error) {
	var n int64
	err := w.breaker.Execute(ctx, func() error {
		v, err := w.client.Incr(ctx, key).Result()
		if err != nil {
			return err
		}
		n = v
		return nil
	})
	return n, err
}

// Expire sets a TTL on an existing key.
func (w *RedisWrapper) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return w.breaker.Execute(ctx, func() error {
		return w.client.Expire(ctx, key, ttl).Err()
	})
}

// IsCircuitBreakerOpen reports whether requests are currently rejected.
func (w *RedisWrapper) IsCircuitBreakerOpen() bool {
	return w.breaker.State() == StateOpen
}

// Close releases the underlying client.
func (w *RedisWrapper) Close() error {
	return w.client.Close()
}
