// Package command delivers device commands through a pluggable transport.
//
// Every accepted command gets a uuid and a record under command:<id> that
// tracks it from sent to executed or failed. Commands carrying a future
// ScheduledAt sit on the timer heap and are re-validated when they fire.
package command

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/smukkama/fieldmesh/internal/events"
	"github.com/smukkama/fieldmesh/internal/metrics"
	"github.com/smukkama/fieldmesh/internal/model"
	"github.com/smukkama/fieldmesh/internal/store"
)

const (
	// RecordTTL is how long command records are kept
	RecordTTL = 24 * time.Hour

	// DefaultTimeout bounds a single transport delivery
	DefaultTimeout = 10 * time.Second
)

// Status of a command record
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusSent      Status = "sent"
	StatusExecuted  Status = "executed"
	StatusFailed    Status = "failed"
)

// Record is the persisted state of one command
type Record struct {
	ID         string              `json:"id"`
	Command    model.DeviceCommand `json:"command"`
	Status     Status              `json:"status"`
	CreatedAt  time.Time           `json:"created_at"`
	ExecutedAt *time.Time          `json:"executed_at,omitempty"`
	Error      string              `json:"error,omitempty"`
}

// DeviceLookup resolves devices for state checks
type DeviceLookup interface {
	Get(ctx context.Context, id string) (model.Device, bool)
}

// Transport carries a command to its device
type Transport interface {
	Deliver(ctx context.Context, commandID string, cmd model.DeviceCommand) error
}

// Scheduler defers work to an absolute time. timer.Scheduler satisfies it.
type Scheduler interface {
	Schedule(id string, dueAt time.Time, run func()) error
	Cancel(id string) bool
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithTimeout sets the per-delivery timeout
func WithTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// WithScheduler enables commands with a future ScheduledAt
func WithScheduler(s Scheduler) Option {
	return func(d *Dispatcher) { d.scheduler = s }
}

// WithMetrics records command outcomes
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// Dispatcher validates, records and delivers commands
type Dispatcher struct {
	devices   DeviceLookup
	transport Transport
	store     store.Store
	bus       events.Publisher
	scheduler Scheduler
	metrics   *metrics.Metrics
	timeout   time.Duration
	logger    zerolog.Logger
	now       func() time.Time
}

// NewDispatcher creates a dispatcher. A nil transport uses SimulatedTransport.
func NewDispatcher(devices DeviceLookup, transport Transport, s store.Store, bus events.Publisher, logger zerolog.Logger, opts ...Option) *Dispatcher {
	if transport == nil {
		transport = NewSimulatedTransport(0)
	}
	d := &Dispatcher{
		devices:   devices,
		transport: transport,
		store:     s,
		bus:       bus,
		timeout:   DefaultTimeout,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func recordKey(id string) string { return fmt.Sprintf("command:%s", id) }

// Send reports whether the command was executed or accepted for later
// execution. Use Submit for the failure cause.
func (d *Dispatcher) Send(ctx context.Context, cmd model.DeviceCommand) bool {
	return d.Submit(ctx, cmd) == nil
}

// Submit delivers cmd, or schedules it when ScheduledAt is in the future
func (d *Dispatcher) Submit(ctx context.Context, cmd model.DeviceCommand) error {
	_, err := d.Dispatch(ctx, cmd)
	return err
}

// Dispatch is Submit returning the assigned command id. The id is empty
// when the command was rejected before being recorded.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd model.DeviceCommand) (string, error) {
	cmd = cmd.Clone()
	if cmd.Priority == "" {
		cmd.Priority = model.PriorityNormal
	}

	if err := d.checkDevice(ctx, cmd.DeviceID); err != nil {
		d.metrics.Command("rejected")
		return "", err
	}

	id := uuid.NewString()
	record := Record{ID: id, Command: cmd, CreatedAt: d.now()}

	if cmd.ScheduledAt != nil && cmd.ScheduledAt.After(d.now()) {
		return id, d.schedule(ctx, record)
	}
	return id, d.execute(ctx, record)
}

func (d *Dispatcher) checkDevice(ctx context.Context, deviceID string) error {
	device, ok := d.devices.Get(ctx, deviceID)
	if !ok {
		return fmt.Errorf("command target %s: %w", deviceID, model.ErrNotFound)
	}
	if device.Status != model.StatusOnline {
		return fmt.Errorf("command target %s is %s: %w", deviceID, device.Status, model.ErrInvalidDeviceState)
	}
	return nil
}

func (d *Dispatcher) schedule(ctx context.Context, record Record) error {
	if d.scheduler == nil {
		d.metrics.Command("rejected")
		return fmt.Errorf("command %s: scheduled commands are not enabled", record.ID)
	}

	record.Status = StatusScheduled
	d.save(ctx, record)

	err := d.scheduler.Schedule(record.ID, *record.Command.ScheduledAt, func() {
		d.fireScheduled(record)
	})
	if err != nil {
		record.Status = StatusFailed
		record.Error = err.Error()
		d.save(ctx, record)
		d.metrics.Command("failed")
		return fmt.Errorf("failed to schedule command %s: %w", record.ID, err)
	}

	d.metrics.Command("scheduled")
	d.logger.Info().Str("command_id", record.ID).Str("device_id", record.Command.DeviceID).
		Time("scheduled_at", *record.Command.ScheduledAt).Msg("command scheduled")
	return nil
}

func (d *Dispatcher) fireScheduled(record Record) {
	ctx := context.Background()
	if err := d.checkDevice(ctx, record.Command.DeviceID); err != nil {
		record.Status = StatusFailed
		record.Error = err.Error()
		d.save(ctx, record)
		d.metrics.Command("rejected")
		d.logger.Warn().Err(err).Str("command_id", record.ID).Msg("scheduled command dropped")
		return
	}
	if err := d.execute(ctx, record); err != nil {
		d.logger.Warn().Err(err).Str("command_id", record.ID).Msg("scheduled command failed")
	}
}

// Cancel drops a scheduled command that has not fired yet
func (d *Dispatcher) Cancel(ctx context.Context, id string) bool {
	if d.scheduler == nil || !d.scheduler.Cancel(id) {
		return false
	}
	if record, ok := d.Record(ctx, id); ok {
		record.Status = StatusFailed
		record.Error = "canceled"
		d.save(ctx, record)
	}
	return true
}

func (d *Dispatcher) execute(ctx context.Context, record Record) error {
	log := d.logger.With().Str("command_id", record.ID).Str("device_id", record.Command.DeviceID).
		Str("command", record.Command.Command).Logger()

	record.Status = StatusSent
	d.save(ctx, record)
	d.bus.Publish(events.TopicDeviceCommandSent, events.CommandEvent{CommandID: record.ID, Command: record.Command})

	start := d.now()
	deliverCtx, cancel := context.WithTimeout(ctx, d.timeout)
	err := d.transport.Deliver(deliverCtx, record.ID, record.Command)
	cancel()
	elapsed := d.now().Sub(start)

	if err != nil {
		record.Status = StatusFailed
		record.Error = err.Error()
		d.save(ctx, record)
		d.metrics.Command("failed")
		log.Error().Err(err).Dur("elapsed", elapsed).Msg("command delivery failed")
		return fmt.Errorf("failed to deliver command %s: %w", record.ID, err)
	}

	executedAt := d.now()
	record.Status = StatusExecuted
	record.ExecutedAt = &executedAt
	d.save(ctx, record)
	d.metrics.Command("executed")
	log.Info().Str("priority", string(record.Command.Priority)).Dur("elapsed", elapsed).Msg("command executed")

	d.bus.Publish(events.TopicDeviceCommandExecuted, events.CommandEvent{
		CommandID: record.ID,
		Command:   record.Command,
		Success:   true,
		Duration:  elapsed,
	})
	return nil
}

func (d *Dispatcher) save(ctx context.Context, record Record) {
	if err := store.SetJSON(ctx, d.store, recordKey(record.ID), record, RecordTTL); err != nil {
		d.logger.Warn().Err(err).Str("command_id", record.ID).Msg("failed to persist command record")
	}
}

// Record loads a command record by id
func (d *Dispatcher) Record(ctx context.Context, id string) (Record, bool) {
	return store.GetJSON[Record](ctx, d.store, recordKey(id))
}
