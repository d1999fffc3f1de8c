// Package store provides the engine's two-tier cache: a fast in-process tier
// in front of an optional shared remote tier (Redis).
//
// Reads go local first, then remote, and a remote hit is copied into the
// local tier. Writes go to both tiers. Every remote call runs under a bounded
// timeout and fails open: the caller gets a miss, false or zero and the
// failure is logged, so the telemetry path never blocks on the store.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/smukkama/fieldmesh/internal/model"
)

// Store is the contract the engine components depend on
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string)
	Exists(ctx context.Context, key string) bool
	Increment(ctx context.Context, key string, ttl time.Duration) int64
	GetOrSet(ctx context.Context, key string, compute func(ctx context.Context) ([]byte, error), ttl time.Duration) ([]byte, error)
}

// Cache is the two-tier Store implementation
type Cache struct {
	local    Tier
	remote   Tier // nil means in-process only
	timeout  time.Duration
	localTTL time.Duration
	logger   zerolog.Logger
}

// Option configures a Cache
type Option func(*Cache)

// WithTimeout bounds every remote tier call
func WithTimeout(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLocalTTL caps how long remote-backed values live in the local tier
func WithLocalTTL(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.localTTL = d
		}
	}
}

// WithLogger sets the logger used for degraded-mode warnings
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// New creates a two-tier cache. remote may be nil.
func New(local, remote Tier, opts ...Option) *Cache {
	if local == nil {
		local = NewMemoryTier()
	}
	c := &Cache{
		local:    local,
		remote:   remote,
		timeout:  2 * time.Second,
		localTTL: time.Minute,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewInMemory creates a cache with only the in-process tier
func NewInMemory(opts ...Option) *Cache {
	return New(NewMemoryTier(), nil, opts...)
}

func (c *Cache) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

// localTTLFor returns the ttl used for the local copy of a value
func (c *Cache) localTTLFor(ttl time.Duration) time.Duration {
	if c.remote == nil {
		return ttl
	}
	if ttl <= 0 || ttl > c.localTTL {
		return c.localTTL
	}
	return ttl
}

// Get returns the value and true on a hit in either tier
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	if data, err := c.local.Get(ctx, key); err == nil {
		return data, true
	}
	if c.remote == nil {
		return nil, false
	}

	rctx, cancel := c.bounded(ctx)
	defer cancel()

	data, err := c.remote.Get(rctx, key)
	if err == ErrMiss {
		return nil, false
	}
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("remote cache get failed, treating as miss")
		return nil, false
	}

	_ = c.local.Set(ctx, key, data, c.localTTL)
	return data, true
}

// Set writes through both tiers. Only a local failure is returned. A remote
// failure is logged and the value is served from the local tier.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", model.ErrTransientStore)
	}
	if err := c.local.Set(ctx, key, value, c.localTTLFor(ttl)); err != nil {
		return fmt.Errorf("%w: local set %s: %v", model.ErrTransientStore, key, err)
	}
	if c.remote == nil {
		return nil
	}

	rctx, cancel := c.bounded(ctx)
	defer cancel()

	if err := c.remote.Set(rctx, key, value, ttl); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("remote cache set failed")
	}
	return nil
}

// Delete removes the key from both tiers
func (c *Cache) Delete(ctx context.Context, key string) {
	_ = c.local.Delete(ctx, key)
	if c.remote == nil {
		return
	}

	rctx, cancel := c.bounded(ctx)
	defer cancel()

	if err := c.remote.Delete(rctx, key); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("remote cache delete failed")
	}
}

// Exists reports whether either tier holds the key
func (c *Cache) Exists(ctx context.Context, key string) bool {
	if ok, err := c.local.Exists(ctx, key); err == nil && ok {
		return true
	}
	if c.remote == nil {
		return false
	}

	rctx, cancel := c.bounded(ctx)
	defer cancel()

	ok, err := c.remote.Exists(rctx, key)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("remote cache exists failed")
		return false
	}
	return ok
}

// Increment bumps a counter. Counters live in the remote tier when one is
// configured so that several engine processes share them; on remote failure
// the local tier is used. Returns 0 if both fail.
func (c *Cache) Increment(ctx context.Context, key string, ttl time.Duration) int64 {
	if c.remote != nil {
		rctx, cancel := c.bounded(ctx)
		n, err := c.remote.Incr(rctx, key, ttl)
		cancel()
		if err == nil {
			return n
		}
		c.logger.Warn().Err(err).Str("key", key).Msg("remote cache increment failed, using local counter")
	}

	n, err := c.local.Incr(ctx, key, ttl)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("local cache increment failed")
		return 0
	}
	return n
}

// GetOrSet returns the cached value or computes, stores and returns it.
// Compute errors are returned and nothing is cached; store errors are not.
func (c *Cache) GetOrSet(ctx context.Context, key string, compute func(ctx context.Context) ([]byte, error), ttl time.Duration) ([]byte, error) {
	if data, ok := c.Get(ctx, key); ok {
		return data, nil
	}

	data, err := compute(ctx)
	if err != nil {
		return nil, err
	}

	if err := c.Set(ctx, key, data, ttl); err != nil {
		c.logger.Debug().Err(err).Str("key", key).Msg("computed value not fully cached")
	}
	return data, nil
}

// GetJSON decodes a cached JSON value into T
func GetJSON[T any](ctx context.Context, s Store, key string) (T, bool) {
	var out T
	data, ok := s.Get(ctx, key)
	if !ok {
		return out, false
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, false
	}
	return out, true
}

// SetJSON encodes v as JSON and stores it
func SetJSON(ctx context.Context, s Store, key string, v interface{}, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	return s.Set(ctx, key, data, ttl)
}

// GetOrSetJSON is GetOrSet for JSON-encoded values of type T
func GetOrSetJSON[T any](ctx context.Context, s Store, key string, compute func(ctx context.Context) (T, error), ttl time.Duration) (T, error) {
	var out T
	data, err := s.GetOrSet(ctx, key, func(ctx context.Context) ([]byte, error) {
		v, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(v)
	}, ttl)
	if err != nil {
		return out, err
	}

	if err := json.Unmarshal(data, &out); err != nil {
		// A corrupt entry is recomputed rather than surfaced
		v, cerr := compute(ctx)
		if cerr != nil {
			return out, cerr
		}
		return v, nil
	}
	return out, nil
}
