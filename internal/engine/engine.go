// Package engine assembles the registry, ingestion pipeline, rule engines,
// dispatcher, health monitor and analytics behind one facade.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/smukkama/fieldmesh/internal/alerting"
	"github.com/smukkama/fieldmesh/internal/analytics"
	"github.com/smukkama/fieldmesh/internal/automation"
	"github.com/smukkama/fieldmesh/internal/command"
	"github.com/smukkama/fieldmesh/internal/events"
	"github.com/smukkama/fieldmesh/internal/health"
	"github.com/smukkama/fieldmesh/internal/ingest"
	"github.com/smukkama/fieldmesh/internal/logging"
	"github.com/smukkama/fieldmesh/internal/metrics"
	"github.com/smukkama/fieldmesh/internal/model"
	"github.com/smukkama/fieldmesh/internal/registry"
	"github.com/smukkama/fieldmesh/internal/store"
	"github.com/smukkama/fieldmesh/internal/timer"
)

// Config holds engine tuning
type Config struct {
	HealthInterval   time.Duration
	OfflineThreshold time.Duration
	CommandTimeout   time.Duration
}

// DefaultConfig returns the standard intervals
func DefaultConfig() Config {
	return Config{
		HealthInterval:   health.DefaultInterval,
		OfflineThreshold: health.DefaultThreshold,
		CommandTimeout:   command.DefaultTimeout,
	}
}

// Deps are the collaborators supplied by the host. Every field is optional.
type Deps struct {
	Store     store.Store
	Transport command.Transport
	Audit     alerting.AuditSink
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger
	Clock     func() time.Time
}

// Engine is the public face of the device engine
type Engine struct {
	bus        *events.Bus
	registry   *registry.Registry
	pipeline   *ingest.Pipeline
	alerts     *alerting.Engine
	automation *automation.Engine
	dispatcher *command.Dispatcher
	monitor    *health.Monitor
	analytics  *analytics.Aggregator
	scheduler  *timer.Scheduler
	metrics    *metrics.Metrics
	logger     zerolog.Logger

	mu       sync.Mutex
	shutdown bool
}

// New wires the components. Nothing runs in the background until Start.
func New(cfg Config, deps Deps) *Engine {
	logger := deps.Logger
	s := deps.Store
	if s == nil {
		s = store.NewInMemory(store.WithLogger(logging.Component(logger, "store")))
	}

	bus := events.NewBus(logging.Component(logger, "events"))
	scheduler := timer.NewScheduler(logging.Component(logger, "scheduler"))
	reg := registry.New(s, bus, logging.Component(logger, "registry"))

	dispatcher := command.NewDispatcher(reg, deps.Transport, s, bus,
		logging.Component(logger, "commands"),
		command.WithTimeout(cfg.CommandTimeout),
		command.WithScheduler(scheduler),
		command.WithMetrics(deps.Metrics),
	)

	alerts := alerting.NewEngine(dispatcher, deps.Audit, s, bus, deps.Metrics,
		logging.Component(logger, "alerting"))
	automations := automation.NewEngine(dispatcher, bus, deps.Metrics,
		logging.Component(logger, "automation"))
	pipeline := ingest.NewPipeline(reg, alerts, automations, s, bus, deps.Metrics,
		logging.Component(logger, "ingest"))

	monitorOpts := []health.Option{
		health.WithInterval(cfg.HealthInterval),
		health.WithThreshold(cfg.OfflineThreshold),
		health.WithMetrics(deps.Metrics),
	}
	if deps.Clock != nil {
		monitorOpts = append(monitorOpts, health.WithClock(deps.Clock))
	}
	monitor := health.NewMonitor(reg, bus, logging.Component(logger, "health"), monitorOpts...)

	return &Engine{
		bus:        bus,
		registry:   reg,
		pipeline:   pipeline,
		alerts:     alerts,
		automation: automations,
		dispatcher: dispatcher,
		monitor:    monitor,
		analytics:  analytics.NewAggregator(reg, alerts, s, logging.Component(logger, "analytics")),
		scheduler:  scheduler,
		metrics:    deps.Metrics,
		logger:     logger,
	}
}

// Start launches the health monitor and the command scheduler. A monitor
// that cannot start is the engine's only fatal condition.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.shutdown {
		return fmt.Errorf("engine is shut down")
	}

	if err := e.monitor.Start(ctx); err != nil {
		return fmt.Errorf("failed to start health monitor: %w", err)
	}
	e.scheduler.Start()
	e.logger.Info().Msg("device engine started")
	return nil
}

// Shutdown stops background work and detaches every bus subscriber
func (e *Engine) Shutdown() {
	e.mu.Lock()
	if e.shutdown {
		e.mu.Unlock()
		return
	}
	e.shutdown = true
	e.mu.Unlock()

	e.monitor.Stop()
	e.scheduler.Stop()
	e.bus.Close()
	e.logger.Info().Msg("device engine stopped")
}

// RegisterDevice adds or overwrites a device
func (e *Engine) RegisterDevice(ctx context.Context, device model.Device) bool {
	ok := e.registry.Register(ctx, device)
	if ok {
		e.analytics.Invalidate(ctx, device.Location.FarmID)
	}
	return ok
}

// GetDevice looks a device up by id
func (e *Engine) GetDevice(ctx context.Context, id string) (model.Device, bool) {
	return e.registry.Get(ctx, id)
}

// GetFarmDevices lists the devices of a farm
func (e *Engine) GetFarmDevices(ctx context.Context, farmID string) []model.Device {
	return e.registry.ListByFarm(ctx, farmID)
}

// SetDeviceStatus applies an externally managed status such as maintenance
func (e *Engine) SetDeviceStatus(ctx context.Context, id string, status model.DeviceStatus) bool {
	return e.registry.SetStatus(ctx, id, status)
}

// IngestReading processes one reading; failures are logged, never returned
func (e *Engine) IngestReading(ctx context.Context, reading model.SensorReading) {
	e.pipeline.Ingest(ctx, reading)
}

// GetSensorHistory returns retained readings from the last hours
func (e *Engine) GetSensorHistory(ctx context.Context, deviceID string, hours int) []model.SensorReading {
	return e.pipeline.History(ctx, deviceID, hours)
}

// LatestReading returns the most recent reading of a device
func (e *Engine) LatestReading(ctx context.Context, deviceID string) (model.SensorReading, bool) {
	return e.pipeline.Latest(ctx, deviceID)
}

// SendCommand reports whether the command was executed or scheduled
func (e *Engine) SendCommand(ctx context.Context, cmd model.DeviceCommand) bool {
	return e.dispatcher.Send(ctx, cmd)
}

// SubmitCommand is SendCommand returning the command id and failure cause
func (e *Engine) SubmitCommand(ctx context.Context, cmd model.DeviceCommand) (string, error) {
	return e.dispatcher.Dispatch(ctx, cmd)
}

// CommandRecord loads the tracked state of a command
func (e *Engine) CommandRecord(ctx context.Context, id string) (command.Record, bool) {
	return e.dispatcher.Record(ctx, id)
}

// AddAlertRule adds or replaces an alert rule
func (e *Engine) AddAlertRule(rule model.AlertRule) error {
	return e.alerts.AddRule(rule)
}

// RemoveAlertRule deletes an alert rule
func (e *Engine) RemoveAlertRule(id string) bool {
	return e.alerts.RemoveRule(id)
}

// SetCorrectiveHook replaces the auto_correct handler
func (e *Engine) SetCorrectiveHook(hook alerting.CorrectiveHook) {
	e.alerts.SetCorrectiveHook(hook)
}

// AddAutomation adds or replaces an automation
func (e *Engine) AddAutomation(a model.DeviceAutomation) error {
	return e.automation.Add(a)
}

// TriggerAutomation runs a manual automation
func (e *Engine) TriggerAutomation(ctx context.Context, id string) (events.AutomationExecuted, error) {
	return e.automation.Trigger(ctx, id)
}

// GetFarmAnalytics returns the farm rollup
func (e *Engine) GetFarmAnalytics(ctx context.Context, farmID string) analytics.Analytics {
	return e.analytics.FarmAnalytics(ctx, farmID)
}

// Subscribe attaches a handler to a topic; an empty topic receives everything
func (e *Engine) Subscribe(topic events.Topic, handler events.Handler) *events.Subscription {
	if topic == "" {
		return e.bus.SubscribeAll(handler)
	}
	return e.bus.Subscribe(topic, handler)
}

// Bus exposes the event bus to bridges such as the Kafka forwarder
func (e *Engine) Bus() *events.Bus {
	return e.bus
}

// ScanHealth runs one health pass immediately and returns the demoted count
func (e *Engine) ScanHealth(ctx context.Context) int {
	return e.monitor.Scan(ctx)
}

// Stats returns a summary of every component
func (e *Engine) Stats() Stats {
	return Stats{
		Registry:    e.registry.Stats(),
		History:     e.pipeline.Stats(),
		Health:      e.monitor.Stats(),
		Scheduler:   e.scheduler.Stats(),
		Subscribers: e.bus.SubscriberCount(),
	}
}

// Stats contains a summary of every component
type Stats struct {
	Registry    registry.Stats
	History     ingest.Stats
	Health      health.Stats
	Scheduler   timer.Stats
	Subscribers int
}
