package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/smukkama/fieldmesh/internal/events"
	"github.com/smukkama/fieldmesh/internal/metrics"
	"github.com/smukkama/fieldmesh/internal/model"
)

const (
	DefaultInterval  = 60 * time.Second
	DefaultThreshold = 5 * time.Minute
)

var (
	ErrAlreadyRunning  = errors.New("health monitor already running")
	ErrInvalidInterval = errors.New("health monitor interval must be positive")
)

// DeviceSource is the registry as seen by the monitor
type DeviceSource interface {
	Snapshot() []model.Device
	MarkOffline(ctx context.Context, id string, observedLastSeen time.Time) (model.Device, bool)
}

// Monitor periodically demotes online devices that stopped reporting
type Monitor struct {
	devices   DeviceSource
	bus       events.Publisher
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	interval  time.Duration
	threshold time.Duration
	now       func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	scans   uint64
	demoted uint64
}

// Option configures a Monitor
type Option func(*Monitor)

// WithInterval sets the scan period
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) { m.interval = d }
}

// WithThreshold sets how long a device may stay silent before going offline
func WithThreshold(d time.Duration) Option {
	return func(m *Monitor) { m.threshold = d }
}

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithMetrics records scans and demotions
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Monitor) { m.metrics = mt }
}

// NewMonitor creates a stopped monitor
func NewMonitor(devices DeviceSource, bus events.Publisher, logger zerolog.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		devices:   devices,
		bus:       bus,
		logger:    logger,
		interval:  DefaultInterval,
		threshold: DefaultThreshold,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the scan loop. It fails on a non-positive interval or
// threshold, or when the loop is already running.
func (m *Monitor) Start(ctx context.Context) error {
	if m.interval <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidInterval, m.interval)
	}
	if m.threshold <= 0 {
		return fmt.Errorf("health monitor threshold must be positive: %s", m.threshold)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return ErrAlreadyRunning
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.loop(loopCtx, m.done)

	m.logger.Info().Dur("interval", m.interval).Dur("threshold", m.threshold).Msg("health monitor started")
	return nil
}

// Stop cancels the loop and waits for it to exit. It is safe to call when
// the monitor is not running.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.logger.Info().Msg("health monitor stopped")
}

// Running reports whether the scan loop is active
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancel != nil
}

func (m *Monitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Scan(ctx)
		}
	}
}

// Scan checks every device once and returns how many were demoted
func (m *Monitor) Scan(ctx context.Context) int {
	start := time.Now()
	now := m.now()

	demoted, online := 0, 0
	for _, d := range m.devices.Snapshot() {
		if d.Status != model.StatusOnline {
			continue
		}
		if now.Sub(d.LastSeen) <= m.threshold {
			online++
			continue
		}

		// a reading that raced this scan moved LastSeen; the CAS then refuses
		updated, ok := m.devices.MarkOffline(ctx, d.ID, d.LastSeen)
		if !ok {
			online++
			continue
		}
		demoted++
		m.metrics.DeviceWentOffline()
		m.logger.Warn().Str("device_id", d.ID).Time("last_seen", d.LastSeen).
			Dur("silent_for", now.Sub(d.LastSeen)).Msg("device went offline")

		m.bus.Publish(events.TopicDeviceOffline, events.DeviceOffline{
			DeviceID: updated.ID,
			FarmID:   updated.Location.FarmID,
			LastSeen: updated.LastSeen,
			Since:    now,
		})
	}

	m.mu.Lock()
	m.scans++
	m.demoted += uint64(demoted)
	m.mu.Unlock()

	m.metrics.HealthScan(time.Since(start).Seconds(), online)
	return demoted
}

// Stats returns statistics about the monitor
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{Scans: m.scans, Demoted: m.demoted, Running: m.cancel != nil}
}

// Stats contains statistics about the monitor
type Stats struct {
	Scans   uint64
	Demoted uint64
	Running bool
}
