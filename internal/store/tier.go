package store

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned by a Tier when the key is absent or expired
var ErrMiss = errors.New("cache miss")

// Tier is one layer of the two-tier cache. A ttl of zero means no expiration.
type Tier interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}
