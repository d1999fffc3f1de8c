// Package ingest accepts sensor readings and fans them out to the rest of
// the engine. It is a best-effort path: every step logs and swallows its own
// failure so one bad reading or store outage never stalls later readings.
package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/smukkama/fieldmesh/internal/events"
	"github.com/smukkama/fieldmesh/internal/metrics"
	"github.com/smukkama/fieldmesh/internal/model"
	"github.com/smukkama/fieldmesh/internal/store"
)

const (
	LatestReadingTTL = time.Hour
	HistoryCacheTTL  = 30 * time.Minute
)

// DeviceTracker records device liveness
type DeviceTracker interface {
	MarkOnline(ctx context.Context, id string, ts time.Time) (model.Device, bool)
}

// RuleEvaluator is the alert rule engine as seen by the pipeline
type RuleEvaluator interface {
	Evaluate(ctx context.Context, reading model.SensorReading) []model.Alert
}

// AutomationEvaluator is the automation engine as seen by the pipeline
type AutomationEvaluator interface {
	Evaluate(ctx context.Context, reading model.SensorReading) int
}

// Pipeline processes readings. Readings for one device are handled one at a
// time in arrival order; different devices proceed in parallel.
type Pipeline struct {
	history     *historyStore
	locksMu     sync.Mutex
	locks       map[string]*sync.Mutex
	devices     DeviceTracker
	alerts      RuleEvaluator
	automations AutomationEvaluator
	store       store.Store
	bus         events.Publisher
	metrics     *metrics.Metrics
	logger      zerolog.Logger
	now         func() time.Time
}

// NewPipeline creates a pipeline. alerts, automations and m may be nil.
func NewPipeline(devices DeviceTracker, alerts RuleEvaluator, automations AutomationEvaluator,
	s store.Store, bus events.Publisher, m *metrics.Metrics, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		history:     newHistoryStore(HistoryCapacity),
		locks:       make(map[string]*sync.Mutex),
		devices:     devices,
		alerts:      alerts,
		automations: automations,
		store:       s,
		bus:         bus,
		metrics:     m,
		logger:      logger,
		now:         time.Now,
	}
}

func latestKey(deviceID string) string { return fmt.Sprintf("reading:latest:%s", deviceID) }

func historyKey(deviceID string, hours int) string {
	return fmt.Sprintf("history:%s:%d", deviceID, hours)
}

func (p *Pipeline) deviceLock(id string) *sync.Mutex {
	p.locksMu.Lock()
	defer p.locksMu.Unlock()

	l, ok := p.locks[id]
	if !ok {
		l = &sync.Mutex{}
		p.locks[id] = l
	}
	return l
}

// Ingest processes one reading. It never returns an error; confirmation is
// observable through the sensor.reading event and History.
func (p *Pipeline) Ingest(ctx context.Context, reading model.SensorReading) {
	if reading.DeviceID == "" {
		p.logger.Warn().Str("type", reading.Type).Msg("dropping reading without device id")
		p.metrics.IngestFailed()
		return
	}
	if reading.Timestamp.IsZero() {
		reading.Timestamp = p.now()
	}

	lock := p.deviceLock(reading.DeviceID)
	lock.Lock()
	defer lock.Unlock()

	log := p.logger.With().Str("device_id", reading.DeviceID).Str("type", reading.Type).Logger()

	p.step(log, "history", func() {
		p.history.add(reading)
	})

	p.step(log, "cache latest", func() {
		if err := store.SetJSON(ctx, p.store, latestKey(reading.DeviceID), reading, LatestReadingTTL); err != nil {
			log.Warn().Err(err).Msg("failed to cache latest reading")
		}
	})

	p.step(log, "liveness", func() {
		if _, known := p.devices.MarkOnline(ctx, reading.DeviceID, reading.Timestamp); !known {
			log.Debug().Msg("reading from unregistered device")
		}
	})

	if p.alerts != nil {
		p.step(log, "alert rules", func() {
			p.alerts.Evaluate(ctx, reading)
		})
	}

	if p.automations != nil {
		p.step(log, "automations", func() {
			p.automations.Evaluate(ctx, reading)
		})
	}

	p.step(log, "publish", func() {
		p.bus.Publish(events.TopicSensorReading, reading)
	})

	p.metrics.ReadingIngested(reading.Type)
}

// step runs fn, converting a panic into a logged failure
func (p *Pipeline) step(log zerolog.Logger, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("step", name).Msg("ingestion step failed")
			p.metrics.IngestFailed()
		}
	}()
	fn()
}

// History returns retained readings newer than now-hours; hours <= 0 returns
// everything retained. The result is cached for HistoryCacheTTL, so it is a
// point-in-time snapshot rather than a live view.
func (p *Pipeline) History(ctx context.Context, deviceID string, hours int) []model.SensorReading {
	readings, err := store.GetOrSetJSON(ctx, p.store, historyKey(deviceID, hours), func(context.Context) ([]model.SensorReading, error) {
		return p.retainedSince(deviceID, hours), nil
	}, HistoryCacheTTL)
	if err != nil {
		p.logger.Warn().Err(err).Str("device_id", deviceID).Msg("history cache unavailable")
		return p.retainedSince(deviceID, hours)
	}
	if readings == nil {
		readings = []model.SensorReading{}
	}
	return readings
}

func (p *Pipeline) retainedSince(deviceID string, hours int) []model.SensorReading {
	b := p.history.buffer(deviceID, false)
	if b == nil {
		return []model.SensorReading{}
	}
	if hours <= 0 {
		return b.all()
	}
	return b.since(p.now().Add(-time.Duration(hours) * time.Hour))
}

// Latest returns the most recent cached reading for a device
func (p *Pipeline) Latest(ctx context.Context, deviceID string) (model.SensorReading, bool) {
	return store.GetJSON[model.SensorReading](ctx, p.store, latestKey(deviceID))
}

// Stats returns statistics about retained history
func (p *Pipeline) Stats() Stats {
	p.history.mu.RLock()
	defer p.history.mu.RUnlock()

	stats := Stats{Devices: len(p.history.devices), Capacity: p.history.capacity}
	for _, b := range p.history.devices {
		stats.Readings += b.len()
	}
	return stats
}

// Stats contains statistics about retained history
type Stats struct {
	Devices  int
	Readings int
	Capacity int
}
