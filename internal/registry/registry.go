package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/smukkama/fieldmesh/internal/events"
	"github.com/smukkama/fieldmesh/internal/model"
	"github.com/smukkama/fieldmesh/internal/store"
)

const (
	// FarmListTTL bounds how long a farm's device list is served from cache
	FarmListTTL = 5 * time.Minute
)

func deviceKey(id string) string { return fmt.Sprintf("device:%s", id) }
func farmKey(farmID string) string { return fmt.Sprintf("farm:devices:%s", farmID) }

// Registry is the authoritative map of known devices.
// Store I/O always happens outside the lock.
type Registry struct {
	devices map[string]*model.Device // key: device id
	byFarm  map[string][]string      // key: farm id, value: []device id
	mu      sync.RWMutex
	store   store.Store
	bus     events.Publisher
	logger  zerolog.Logger
	now     func() time.Time
}

// New creates a registry backed by s
func New(s store.Store, bus events.Publisher, logger zerolog.Logger) *Registry {
	return &Registry{
		devices: make(map[string]*model.Device),
		byFarm:  make(map[string][]string),
		store:   s,
		bus:     bus,
		logger:  logger,
		now:     time.Now,
	}
}

// Register stores the device with LastSeen set to now and publishes
// device.registered. A repeat registration overwrites. When persisting fails
// the previous registration, if any, is restored and false is returned.
func (r *Registry) Register(ctx context.Context, device model.Device) bool {
	if device.ID == "" {
		r.logger.Warn().Msg("refusing to register device without id")
		return false
	}

	d := device.Clone()
	d.LastSeen = r.now()
	if d.Status == "" {
		d.Status = model.StatusOnline
	}

	r.mu.Lock()
	previous, existed := r.devices[d.ID]
	if existed && previous.Location.FarmID != d.Location.FarmID {
		r.unindex(previous.ID, previous.Location.FarmID)
	}
	if !existed || previous.Location.FarmID != d.Location.FarmID {
		r.index(d.ID, d.Location.FarmID)
	}
	stored := d
	r.devices[d.ID] = &stored
	r.mu.Unlock()

	r.store.Delete(ctx, farmKey(d.Location.FarmID))
	if existed && previous.Location.FarmID != d.Location.FarmID {
		r.store.Delete(ctx, farmKey(previous.Location.FarmID))
	}

	if err := r.persist(ctx, d); err != nil {
		r.logger.Error().Err(err).Str("device_id", d.ID).Msg("failed to persist registered device")
		r.rollback(&stored, previous, existed)
		return false
	}

	r.logger.Info().Str("device_id", d.ID).Str("farm_id", d.Location.FarmID).Str("type", string(d.Type)).Msg("device registered")
	r.bus.Publish(events.TopicDeviceRegistered, d.Clone())
	return true
}

// rollback undoes the memory side of a failed Register unless a later
// registration has already replaced it
func (r *Registry) rollback(stored, previous *model.Device, existed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d := stored
	if r.devices[d.ID] != stored {
		return
	}
	if !existed {
		delete(r.devices, d.ID)
		r.unindex(d.ID, d.Location.FarmID)
		return
	}
	if previous.Location.FarmID != d.Location.FarmID {
		r.unindex(d.ID, d.Location.FarmID)
		r.index(previous.ID, previous.Location.FarmID)
	}
	r.devices[d.ID] = previous
}

// index and unindex must be called with r.mu held
func (r *Registry) index(id, farmID string) {
	r.byFarm[farmID] = append(r.byFarm[farmID], id)
}

func (r *Registry) unindex(id, farmID string) {
	ids := r.byFarm[farmID]
	for i, existing := range ids {
		if existing == id {
			r.byFarm[farmID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(r.byFarm[farmID]) == 0 {
		delete(r.byFarm, farmID)
	}
}

func (r *Registry) persist(ctx context.Context, d model.Device) error {
	return store.SetJSON(ctx, r.store, deviceKey(d.ID), d, 0)
}

// Get returns a copy of the device, checking memory and then the store.
// A store hit is adopted into memory.
func (r *Registry) Get(ctx context.Context, id string) (model.Device, bool) {
	r.mu.RLock()
	d, ok := r.devices[id]
	if ok {
		out := d.Clone()
		r.mu.RUnlock()
		return out, true
	}
	r.mu.RUnlock()

	loaded, ok := store.GetJSON[model.Device](ctx, r.store, deviceKey(id))
	if !ok || loaded.ID != id {
		return model.Device{}, false
	}

	r.mu.Lock()
	if current, raced := r.devices[id]; raced {
		out := current.Clone()
		r.mu.Unlock()
		return out, true
	}
	adopted := loaded.Clone()
	r.devices[id] = &adopted
	r.index(id, adopted.Location.FarmID)
	r.mu.Unlock()

	return loaded, true
}

// ListByFarm returns the farm's devices. The scan result is cached for FarmListTTL.
func (r *Registry) ListByFarm(ctx context.Context, farmID string) []model.Device {
	devices, err := store.GetOrSetJSON(ctx, r.store, farmKey(farmID), func(context.Context) ([]model.Device, error) {
		return r.scanFarm(farmID), nil
	}, FarmListTTL)
	if err != nil {
		r.logger.Warn().Err(err).Str("farm_id", farmID).Msg("farm listing fell back to direct scan")
		return r.scanFarm(farmID)
	}
	if devices == nil {
		devices = []model.Device{}
	}
	return devices
}

func (r *Registry) scanFarm(farmID string) []model.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.Device, 0, len(r.byFarm[farmID]))
	for _, d := range r.devices {
		if d.Location.FarmID == farmID {
			out = append(out, d.Clone())
		}
	}
	return out
}

// Snapshot returns a consistent copy of every known device
func (r *Registry) Snapshot() []model.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d.Clone())
	}
	return out
}

// MarkOnline records activity at ts: status becomes online and LastSeen is
// raised to ts, never lowered. Returns false if the device is unknown.
func (r *Registry) MarkOnline(ctx context.Context, id string, ts time.Time) (model.Device, bool) {
	if _, ok := r.Get(ctx, id); !ok {
		return model.Device{}, false
	}

	r.mu.Lock()
	d, ok := r.devices[id]
	if !ok {
		r.mu.Unlock()
		return model.Device{}, false
	}
	d.Status = model.StatusOnline
	if ts.After(d.LastSeen) {
		d.LastSeen = ts
	}
	updated := d.Clone()
	r.mu.Unlock()

	if err := r.persist(ctx, updated); err != nil {
		r.logger.Warn().Err(err).Str("device_id", id).Msg("failed to persist device activity")
	}
	return updated, true
}

// MarkOffline demotes the device only if it is still online and its LastSeen
// still equals observedLastSeen, so a reading that lands after the caller's
// snapshot wins. Returns true if the transition happened.
func (r *Registry) MarkOffline(ctx context.Context, id string, observedLastSeen time.Time) (model.Device, bool) {
	r.mu.Lock()
	d, ok := r.devices[id]
	if !ok || d.Status != model.StatusOnline || !d.LastSeen.Equal(observedLastSeen) {
		r.mu.Unlock()
		return model.Device{}, false
	}
	d.Status = model.StatusOffline
	updated := d.Clone()
	r.mu.Unlock()

	if err := r.persist(ctx, updated); err != nil {
		r.logger.Warn().Err(err).Str("device_id", id).Msg("failed to persist offline transition")
	}
	return updated, true
}

// SetStatus sets an externally managed status such as maintenance or error
func (r *Registry) SetStatus(ctx context.Context, id string, status model.DeviceStatus) bool {
	if _, ok := r.Get(ctx, id); !ok {
		return false
	}

	r.mu.Lock()
	d, ok := r.devices[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	d.Status = status
	updated := d.Clone()
	r.mu.Unlock()

	if err := r.persist(ctx, updated); err != nil {
		r.logger.Warn().Err(err).Str("device_id", id).Msg("failed to persist status change")
	}
	return true
}

// Count returns the number of devices held in memory
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// Stats returns statistics about the registry
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{TotalDevices: len(r.devices), Farms: len(r.byFarm)}
	for _, d := range r.devices {
		if d.Status == model.StatusOnline {
			stats.OnlineDevices++
		}
	}
	return stats
}

// Stats contains statistics about the registry
type Stats struct {
	TotalDevices  int
	OnlineDevices int
	Farms         int
}
