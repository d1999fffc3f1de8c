package store

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smukkama/fieldmesh/internal/model"
)

// failingTier fails every call, optionally after blocking until the context ends
type failingTier struct {
	block bool
	calls int
}

func (f *failingTier) wait(ctx context.Context) error {
	f.calls++
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return errors.New("connection refused")
}

func (f *failingTier) Get(ctx context.Context, key string) ([]byte, error) {
	return nil, f.wait(ctx)
}

func (f *failingTier) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return f.wait(ctx)
}

func (f *failingTier) Delete(ctx context.Context, key string) error {
	return f.wait(ctx)
}

func (f *failingTier) Exists(ctx context.Context, key string) (bool, error) {
	return false, f.wait(ctx)
}

func (f *failingTier) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return 0, f.wait(ctx)
}

func TestMemoryTier_Expiry(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryTier()
	now := time.Now()
	m.now = func() time.Time { return now }

	require.NoError(t, m.Set(ctx, "k", []byte("v"), time.Minute))
	require.NoError(t, m.Set(ctx, "forever", []byte("v"), 0))

	data, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(data))

	now = now.Add(2 * time.Minute)

	_, err = m.Get(ctx, "k")
	assert.Equal(t, ErrMiss, err)

	ok, err := m.Exists(ctx, "forever")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryTier_IncrAndSweep(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryTier()
	now := time.Now()
	m.now = func() time.Time { return now }

	for i := int64(1); i <= 3; i++ {
		n, err := m.Incr(ctx, "counter", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}

	now = now.Add(time.Hour)
	assert.Equal(t, 1, m.Sweep())
	assert.Equal(t, 0, m.Len())

	n, err := m.Incr(ctx, "counter", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestMemoryTier_ConcurrentGetAndIncr(t *testing.T) {
	m := NewMemoryTier()
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 2000; i++ {
			_, err := m.Incr(ctx, "k", time.Minute)
			assert.NoError(t, err)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 2000; i++ {
			if data, err := m.Get(ctx, "k"); err == nil {
				_, perr := strconv.ParseInt(string(data), 10, 64)
				assert.NoError(t, perr)
			}
		}
	}()
	wg.Wait()

	data, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "2000", string(data))
}

func TestCache_InMemoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := NewInMemory()

	require.NoError(t, c.Set(ctx, "device:d1", []byte(`{"id":"d1"}`), time.Hour))
	assert.True(t, c.Exists(ctx, "device:d1"))

	data, ok := c.Get(ctx, "device:d1")
	require.True(t, ok)
	assert.JSONEq(t, `{"id":"d1"}`, string(data))

	c.Delete(ctx, "device:d1")
	assert.False(t, c.Exists(ctx, "device:d1"))
}

func TestCache_RemoteHitPopulatesLocal(t *testing.T) {
	ctx := context.Background()
	local := NewMemoryTier()
	remote := NewMemoryTier()
	require.NoError(t, remote.Set(ctx, "k", []byte("remote"), 0))

	c := New(local, remote)

	data, ok := c.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "remote", string(data))

	cached, err := local.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "remote", string(cached))
}

func TestCache_FailsOpenOnRemoteErrors(t *testing.T) {
	ctx := context.Background()
	remote := &failingTier{}
	c := New(NewMemoryTier(), remote)

	_, ok := c.Get(ctx, "missing")
	assert.False(t, ok)

	assert.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))

	// local tier still serves the written value
	data, ok := c.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "v", string(data))

	assert.Equal(t, int64(1), c.Increment(ctx, "n", time.Minute))
	assert.Equal(t, int64(2), c.Increment(ctx, "n", time.Minute))
}

func TestCache_RemoteTimeoutIsBounded(t *testing.T) {
	ctx := context.Background()
	c := New(NewMemoryTier(), &failingTier{block: true}, WithTimeout(20*time.Millisecond))

	start := time.Now()
	_, ok := c.Get(ctx, "slow")
	assert.False(t, ok)
	assert.False(t, c.Exists(ctx, "slow"))
	assert.Less(t, time.Since(start), time.Second)
}

func TestCache_GetOrSetComputesOnce(t *testing.T) {
	ctx := context.Background()
	c := NewInMemory()
	calls := 0

	compute := func(ctx context.Context) ([]byte, error) {
		calls++
		return []byte("computed"), nil
	}

	for i := 0; i < 3; i++ {
		data, err := c.GetOrSet(ctx, "k", compute, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, "computed", string(data))
	}
	assert.Equal(t, 1, calls)
}

func TestCache_GetOrSetDoesNotCacheErrors(t *testing.T) {
	ctx := context.Background()
	c := NewInMemory()

	_, err := c.GetOrSet(ctx, "k", func(ctx context.Context) ([]byte, error) {
		return nil, errors.New("boom")
	}, time.Minute)
	require.Error(t, err)
	assert.False(t, c.Exists(ctx, "k"))
}

func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	c := NewInMemory()

	type payload struct {
		Count int `json:"count"`
	}

	require.NoError(t, SetJSON(ctx, c, "p", payload{Count: 3}, time.Minute))
	got, ok := GetJSON[payload](ctx, c, "p")
	require.True(t, ok)
	assert.Equal(t, 3, got.Count)

	calls := 0
	v, err := GetOrSetJSON(ctx, c, "q", func(ctx context.Context) (payload, error) {
		calls++
		return payload{Count: 7}, nil
	}, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 7, v.Count)

	v, err = GetOrSetJSON(ctx, c, "q", func(ctx context.Context) (payload, error) {
		calls++
		return payload{Count: 9}, nil
	}, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 7, v.Count)
	assert.Equal(t, 1, calls)
}

func TestRedisTier_UnreachableServerFailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	c := New(NewMemoryTier(), NewRedisTier(client, "fieldmesh"), WithTimeout(200*time.Millisecond))
	ctx := context.Background()

	_, ok := c.Get(ctx, "device:d1")
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "device:d1", []byte("{}"), time.Minute))
	_, ok = c.Get(ctx, "device:d1")
	assert.True(t, ok)
}

func TestCache_SetEmptyKey(t *testing.T) {
	err := NewInMemory().Set(context.Background(), "", []byte("v"), 0)
	assert.True(t, errors.Is(err, model.ErrTransientStore))
}
