package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smukkama/fieldmesh/internal/events"
	"github.com/smukkama/fieldmesh/internal/events/eventstest"
	"github.com/smukkama/fieldmesh/internal/model"
	"github.com/smukkama/fieldmesh/internal/store"
)

func newTestRegistry(t *testing.T) (*Registry, *store.Cache, *eventstest.Recorder) {
	t.Helper()
	bus := events.NewBus(zerolog.Nop())
	cache := store.NewInMemory()
	return New(cache, bus, zerolog.Nop()), cache, eventstest.NewRecorder(bus)
}

func sensor(id, farm string) model.Device {
	return model.Device{
		ID:       id,
		Type:     model.DeviceTypeSensor,
		Location: model.Location{FarmID: farm, Zone: "north"},
	}
}

func TestRegistry_Register(t *testing.T) {
	r, _, rec := newTestRegistry(t)
	ctx := context.Background()

	ok := r.Register(ctx, sensor("d1", "f1"))
	require.True(t, ok)

	assert.Equal(t, 1, r.Count())
	assert.Equal(t, 1, rec.Count(events.TopicDeviceRegistered))

	d, found := r.Get(ctx, "d1")
	require.True(t, found)
	assert.Equal(t, "f1", d.Location.FarmID)
	assert.WithinDuration(t, time.Now(), d.LastSeen, time.Second)
}

func TestRegistry_RegisterIsIdempotentPerID(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	require.True(t, r.Register(ctx, sensor("d1", "f1")))
	second := sensor("d1", "f2")
	second.FirmwareVersion = "2.0.0"
	require.True(t, r.Register(ctx, second))

	assert.Equal(t, 1, r.Count())
	d, _ := r.Get(ctx, "d1")
	assert.Equal(t, "2.0.0", d.FirmwareVersion)

	assert.Empty(t, r.ListByFarm(ctx, "f1"))
	assert.Len(t, r.ListByFarm(ctx, "f2"), 1)
}

func TestRegistry_GetFallsBackToStore(t *testing.T) {
	_, cache, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, store.SetJSON(ctx, cache, "device:remote", sensor("remote", "f9"), 0))

	// fresh registry sharing the store, as another engine process would
	r := New(cache, events.NewBus(zerolog.Nop()), zerolog.Nop())
	d, ok := r.Get(ctx, "remote")
	require.True(t, ok)
	assert.Equal(t, "f9", d.Location.FarmID)
	assert.Equal(t, 1, r.Count())

	_, ok = r.Get(ctx, "nope")
	assert.False(t, ok)
}

func TestRegistry_ListByFarmIsCached(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	r.Register(ctx, sensor("d1", "f1"))
	r.Register(ctx, sensor("d2", "f1"))
	r.Register(ctx, sensor("d3", "f2"))

	assert.Len(t, r.ListByFarm(ctx, "f1"), 2)
	assert.Len(t, r.ListByFarm(ctx, "f2"), 1)
	assert.Empty(t, r.ListByFarm(ctx, "unknown"))

	// status changes do not invalidate the listing; it is a snapshot
	r.SetStatus(ctx, "d1", model.StatusMaintenance)
	for _, d := range r.ListByFarm(ctx, "f1") {
		assert.NotEqual(t, model.StatusMaintenance, d.Status)
	}

	// registration does
	r.Register(ctx, sensor("d4", "f1"))
	assert.Len(t, r.ListByFarm(ctx, "f1"), 3)
}

func TestRegistry_MarkOnlineNeverLowersLastSeen(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()
	r.Register(ctx, sensor("d1", "f1"))

	later := time.Now().Add(time.Minute)
	d, ok := r.MarkOnline(ctx, "d1", later)
	require.True(t, ok)
	assert.True(t, d.LastSeen.Equal(later))

	d, ok = r.MarkOnline(ctx, "d1", later.Add(-time.Hour))
	require.True(t, ok)
	assert.True(t, d.LastSeen.Equal(later))

	_, ok = r.MarkOnline(ctx, "ghost", later)
	assert.False(t, ok)
}

func TestRegistry_MarkOfflineComparesSnapshot(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()
	r.Register(ctx, sensor("d1", "f1"))

	snapshot, _ := r.Get(ctx, "d1")

	// a reading lands after the snapshot was taken
	r.MarkOnline(ctx, "d1", snapshot.LastSeen.Add(time.Second))

	_, demoted := r.MarkOffline(ctx, "d1", snapshot.LastSeen)
	assert.False(t, demoted)

	current, _ := r.Get(ctx, "d1")
	_, demoted = r.MarkOffline(ctx, "d1", current.LastSeen)
	assert.True(t, demoted)

	_, demoted = r.MarkOffline(ctx, "d1", current.LastSeen)
	assert.False(t, demoted, "already offline")
}

func TestRegistry_ReturnsCopies(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()
	r.Register(ctx, sensor("d1", "f1"))

	d, _ := r.Get(ctx, "d1")
	d.Status = model.StatusError

	again, _ := r.Get(ctx, "d1")
	assert.Equal(t, model.StatusOnline, again.Status)
}

// brokenStore fails every write
type brokenStore struct{ store.Store }

func (brokenStore) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("store down")
}
func (brokenStore) Delete(context.Context, string) {}

func TestRegistry_RegisterReportsStoreFailure(t *testing.T) {
	bus := events.NewBus(zerolog.Nop())
	rec := eventstest.NewRecorder(bus)
	r := New(brokenStore{Store: store.NewInMemory()}, bus, zerolog.Nop())

	ctx := context.Background()

	assert.False(t, r.Register(ctx, sensor("d1", "f1")))
	assert.Equal(t, 0, rec.Count(events.TopicDeviceRegistered))

	_, ok := r.Get(ctx, "d1")
	assert.False(t, ok)
	assert.Empty(t, r.ListByFarm(ctx, "f1"))
	assert.Empty(t, r.Snapshot())
	assert.Equal(t, 0, r.Stats().Farms)
}

func TestRegistry_FailedReRegisterKeepsPrevious(t *testing.T) {
	healthy := store.NewInMemory()
	r := New(healthy, events.NewBus(zerolog.Nop()), zerolog.Nop())
	ctx := context.Background()
	require.True(t, r.Register(ctx, sensor("d1", "f1")))

	r.store = brokenStore{Store: healthy}
	assert.False(t, r.Register(ctx, sensor("d1", "f2")))

	d, ok := r.Get(ctx, "d1")
	require.True(t, ok)
	assert.Equal(t, "f1", d.Location.FarmID)
	assert.Len(t, r.ListByFarm(ctx, "f1"), 1)
	assert.Empty(t, r.ListByFarm(ctx, "f2"))
}

func TestRegistry_RegisterSucceedsWithRemoteTierDown(t *testing.T) {
	bus := events.NewBus(zerolog.Nop())
	rec := eventstest.NewRecorder(bus)
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	defer client.Close()
	cache := store.New(store.NewMemoryTier(), store.NewRedisTier(client, "fieldmesh"), store.WithTimeout(200*time.Millisecond))
	r := New(cache, bus, zerolog.Nop())
	ctx := context.Background()

	assert.True(t, r.Register(ctx, sensor("d1", "f1")))
	assert.Equal(t, 1, rec.Count(events.TopicDeviceRegistered))
	_, ok := r.Get(ctx, "d1")
	assert.True(t, ok)
}

func TestRegistry_Stats(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	r.Register(ctx, sensor("d1", "f1"))
	r.Register(ctx, sensor("d2", "f1"))
	r.Register(ctx, sensor("d3", "f2"))
	r.SetStatus(ctx, "d3", model.StatusMaintenance)

	stats := r.Stats()
	assert.Equal(t, 3, stats.TotalDevices)
	assert.Equal(t, 2, stats.OnlineDevices)
	assert.Equal(t, 2, stats.Farms)
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()
	r.Register(ctx, sensor("d1", "f1"))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.MarkOnline(ctx, "d1", time.Now())
				r.Snapshot()
				r.Get(ctx, "d1")
			}
		}(i)
	}
	wg.Wait()

	d, ok := r.Get(ctx, "d1")
	require.True(t, ok)
	assert.Equal(t, model.StatusOnline, d.Status)
}
