package automation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/smukkama/fieldmesh/internal/events"
	"github.com/smukkama/fieldmesh/internal/metrics"
	"github.com/smukkama/fieldmesh/internal/model"
)

// CommandSender submits commands to the dispatcher
type CommandSender interface {
	Submit(ctx context.Context, cmd model.DeviceCommand) error
}

// Engine matches readings against automations and submits their command batches
type Engine struct {
	mu          sync.RWMutex
	automations []model.DeviceAutomation
	commands    CommandSender
	bus         events.Publisher
	metrics     *metrics.Metrics
	logger      zerolog.Logger
	now         func() time.Time
}

// NewEngine creates an automation engine. m may be nil.
func NewEngine(commands CommandSender, bus events.Publisher, m *metrics.Metrics, logger zerolog.Logger) *Engine {
	return &Engine{
		commands: commands,
		bus:      bus,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}
}

// Add validates and stores an automation, replacing any with the same id
func (e *Engine) Add(a model.DeviceAutomation) error {
	if a.ID == "" {
		return fmt.Errorf("automation: empty id")
	}
	if !a.Trigger.Kind.Valid() {
		return fmt.Errorf("automation %s: unknown trigger kind %q", a.ID, a.Trigger.Kind)
	}
	if a.Trigger.Kind == model.TriggerSensorReading && len(a.Trigger.Conditions) == 0 {
		return fmt.Errorf("automation %s: sensor_reading trigger without conditions", a.ID)
	}
	for i, cmd := range a.Actions {
		if cmd.Command == "" {
			return fmt.Errorf("automation %s: action %d has no command", a.ID, i)
		}
	}

	a = cloneAutomation(a)

	e.mu.Lock()
	defer e.mu.Unlock()

	for i, existing := range e.automations {
		if existing.ID == a.ID {
			e.automations[i] = a
			return nil
		}
	}
	e.automations = append(e.automations, a)
	return nil
}

// Remove deletes an automation by id and reports whether it existed
func (e *Engine) Remove(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, a := range e.automations {
		if a.ID == id {
			e.automations = append(e.automations[:i:i], e.automations[i+1:]...)
			return true
		}
	}
	return false
}

// List returns copies of every stored automation
func (e *Engine) List() []model.DeviceAutomation {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]model.DeviceAutomation, len(e.automations))
	for i, a := range e.automations {
		out[i] = cloneAutomation(a)
	}
	return out
}

// Evaluate fires every enabled sensor_reading automation with at least one
// condition matching the reading, and returns the number fired.
func (e *Engine) Evaluate(ctx context.Context, reading model.SensorReading) int {
	e.mu.RLock()
	var matched []model.DeviceAutomation
	for _, a := range e.automations {
		if a.Enabled && a.Trigger.Kind == model.TriggerSensorReading && matches(a.Trigger.Conditions, reading) {
			matched = append(matched, cloneAutomation(a))
		}
	}
	e.mu.RUnlock()

	for _, a := range matched {
		e.execute(ctx, a, reading.DeviceID, reading.Type)
	}
	return len(matched)
}

func matches(conditions []model.TriggerCondition, reading model.SensorReading) bool {
	for _, c := range conditions {
		if c.DeviceID == reading.DeviceID && c.Parameter == reading.Type {
			return true
		}
	}
	return false
}

// Trigger runs a manual automation's batch on demand
func (e *Engine) Trigger(ctx context.Context, id string) (events.AutomationExecuted, error) {
	e.mu.RLock()
	var found *model.DeviceAutomation
	for _, a := range e.automations {
		if a.ID == id {
			c := cloneAutomation(a)
			found = &c
			break
		}
	}
	e.mu.RUnlock()

	if found == nil {
		return events.AutomationExecuted{}, fmt.Errorf("automation %s: %w", id, model.ErrNotFound)
	}
	if !found.Enabled {
		return events.AutomationExecuted{}, fmt.Errorf("automation %s is disabled", id)
	}
	if found.Trigger.Kind != model.TriggerManual {
		return events.AutomationExecuted{}, fmt.Errorf("automation %s has trigger %s, only manual automations can be triggered", id, found.Trigger.Kind)
	}
	return e.execute(ctx, *found, "", ""), nil
}

// execute submits the batch in order. A failed template never stops the rest.
func (e *Engine) execute(ctx context.Context, a model.DeviceAutomation, deviceID, parameter string) events.AutomationExecuted {
	log := e.logger.With().Str("automation_id", a.ID).Str("device_id", deviceID).Logger()

	summary := events.AutomationExecuted{
		AutomationID: a.ID,
		Name:         a.Name,
		DeviceID:     deviceID,
		Parameter:    parameter,
	}

	for i, template := range a.Actions {
		cmd := template.Clone()
		if cmd.DeviceID == "" {
			cmd.DeviceID = deviceID
		}
		summary.Submitted++

		if cmd.DeviceID == "" {
			log.Warn().Int("action", i).Str("command", cmd.Command).Msg("automation action has no target device")
			continue
		}
		if e.commands == nil {
			log.Warn().Int("action", i).Msg("no command dispatcher configured")
			continue
		}
		if err := e.commands.Submit(ctx, cmd); err != nil {
			log.Warn().Err(err).Int("action", i).Str("command", cmd.Command).Str("target", cmd.DeviceID).
				Msg("automation action failed")
			continue
		}
		summary.Succeeded++
	}

	summary.Timestamp = e.now()
	log.Info().Str("name", a.Name).Int("submitted", summary.Submitted).Int("succeeded", summary.Succeeded).
		Msg("automation executed")

	e.metrics.AutomationExecuted(string(a.Trigger.Kind))
	e.bus.Publish(events.TopicAutomationExecuted, summary)
	return summary
}

func cloneAutomation(a model.DeviceAutomation) model.DeviceAutomation {
	out := a
	out.Trigger.Conditions = append([]model.TriggerCondition(nil), a.Trigger.Conditions...)
	out.Actions = make([]model.DeviceCommand, len(a.Actions))
	for i, cmd := range a.Actions {
		out.Actions[i] = cmd.Clone()
	}
	return out
}
