package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisTier is the shared remote tier
type RedisTier struct {
	redis  redis.UniversalClient
	prefix string
}

// NewRedisTier wraps a Redis client. Keys are namespaced with prefix.
func NewRedisTier(client redis.UniversalClient, prefix string) *RedisTier {
	return &RedisTier{redis: client, prefix: prefix}
}

func (r *RedisTier) key(k string) string {
	if r.prefix == "" {
		return k
	}
	return r.prefix + ":" + k
}

func (r *RedisTier) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.redis.Get(ctx, r.key(key)).Bytes()
	if err == redis.Nil {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s from Redis: %w", key, err)
	}
	return data, nil
}

func (r *RedisTier) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.redis.Set(ctx, r.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set %s in Redis: %w", key, err)
	}
	return nil
}

func (r *RedisTier) Delete(ctx context.Context, key string) error {
	return r.redis.Del(ctx, r.key(key)).Err()
}

func (r *RedisTier) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.redis.Exists(ctx, r.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check %s in Redis: %w", key, err)
	}
	return n > 0, nil
}

// Incr increments the counter and sets the ttl only if the key had none
func (r *RedisTier) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	k := r.key(key)

	pipe := r.redis.TxPipeline()
	incr := pipe.Incr(ctx, k)
	if ttl > 0 {
		pipe.ExpireNX(ctx, k, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to increment %s in Redis: %w", key, err)
	}
	return incr.Val(), nil
}

// Ping checks connectivity
func (r *RedisTier) Ping(ctx context.Context) error {
	return r.redis.Ping(ctx).Err()
}
