package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/smukkama/fieldmesh/internal/model"
	"github.com/smukkama/fieldmesh/internal/store"
)

const (
	// CacheTTL bounds how stale a farm rollup may be
	CacheTTL = 5 * time.Minute

	// LowBatteryThreshold is the battery level, in percent, counted as low
	LowBatteryThreshold = 20.0

	// RecentAlertLimit caps the alerts included in a rollup
	RecentAlertLimit = 10
)

// DeviceSource lists known devices
type DeviceSource interface {
	Snapshot() []model.Device
}

// AlertSource returns recent alerts, newest first
type AlertSource interface {
	Recent(keep func(model.Alert) bool, limit int) []model.Alert
}

// BatterySummary aggregates battery telemetry for a farm
type BatterySummary struct {
	Reporting int     `json:"reporting"`
	Low       int     `json:"low"`
	Mean      float64 `json:"mean"`
}

// Analytics is a point-in-time rollup of one farm
type Analytics struct {
	FarmID        string                     `json:"farm_id"`
	TotalDevices  int                        `json:"total_devices"`
	OnlineDevices int                        `json:"online_devices"`
	DeviceTypes   map[model.DeviceType]int   `json:"device_types"`
	Statuses      map[model.DeviceStatus]int `json:"statuses"`
	Battery       BatterySummary             `json:"battery"`
	RecentAlerts  []model.Alert              `json:"recent_alerts"`
	Uptime        float64                    `json:"uptime_percent"`
	GeneratedAt   time.Time                  `json:"generated_at"`
}

// Aggregator computes farm rollups on demand
type Aggregator struct {
	devices DeviceSource
	alerts  AlertSource
	store   store.Store
	logger  zerolog.Logger
	now     func() time.Time
}

// NewAggregator creates an aggregator. alerts may be nil.
func NewAggregator(devices DeviceSource, alerts AlertSource, s store.Store, logger zerolog.Logger) *Aggregator {
	return &Aggregator{
		devices: devices,
		alerts:  alerts,
		store:   s,
		logger:  logger,
		now:     time.Now,
	}
}

func cacheKey(farmID string) string { return fmt.Sprintf("analytics:%s", farmID) }

// FarmAnalytics returns the farm rollup, computing it at most once per CacheTTL
func (a *Aggregator) FarmAnalytics(ctx context.Context, farmID string) Analytics {
	result, err := store.GetOrSetJSON(ctx, a.store, cacheKey(farmID), func(context.Context) (Analytics, error) {
		return a.Compute(farmID), nil
	}, CacheTTL)
	if err != nil {
		a.logger.Warn().Err(err).Str("farm_id", farmID).Msg("analytics cache unavailable")
		return a.Compute(farmID)
	}
	return result
}

// Compute builds the rollup from the current registry snapshot, uncached
func (a *Aggregator) Compute(farmID string) Analytics {
	out := Analytics{
		FarmID:       farmID,
		DeviceTypes:  make(map[model.DeviceType]int),
		Statuses:     make(map[model.DeviceStatus]int),
		RecentAlerts: []model.Alert{},
		GeneratedAt:  a.now(),
	}

	members := make(map[string]struct{})
	var batteryTotal float64
	for _, d := range a.devices.Snapshot() {
		if d.Location.FarmID != farmID {
			continue
		}
		members[d.ID] = struct{}{}
		out.TotalDevices++
		out.DeviceTypes[d.Type]++
		out.Statuses[d.Status]++
		if d.Status == model.StatusOnline {
			out.OnlineDevices++
		}
		if d.BatteryLevel != nil {
			out.Battery.Reporting++
			batteryTotal += *d.BatteryLevel
			if *d.BatteryLevel < LowBatteryThreshold {
				out.Battery.Low++
			}
		}
	}

	if out.Battery.Reporting > 0 {
		out.Battery.Mean = batteryTotal / float64(out.Battery.Reporting)
	}
	if out.TotalDevices > 0 {
		out.Uptime = float64(out.OnlineDevices) / float64(out.TotalDevices) * 100
	}

	if a.alerts != nil && len(members) > 0 {
		out.RecentAlerts = a.alerts.Recent(func(alert model.Alert) bool {
			_, ok := members[alert.DeviceID]
			return ok
		}, RecentAlertLimit)
	}
	return out
}

// Invalidate drops the cached rollup for a farm
func (a *Aggregator) Invalidate(ctx context.Context, farmID string) {
	a.store.Delete(ctx, cacheKey(farmID))
}
