package alerting

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
	// AlertRetention is how long generated alerts are kept for audit
	AlertRetention = 30 * 24 * time.Hour

	// RecentAlertCapacity bounds the in-memory recent alert list
	RecentAlertCapacity = 50
)

// CommandSender submits commands to the dispatcher
type CommandSender interface {
	Submit(ctx context.Context, cmd model.DeviceCommand) error
}

// CorrectiveHook handles auto_correct rules
type CorrectiveHook func(ctx context.Context, alert model.Alert, rule model.AlertRule) error

// AuditSink receives every generated alert, e.g. the Postgres alerts log
type AuditSink interface {
	RecordAlert(ctx context.Context, alert model.Alert) error
}

// Engine evaluates alert rules against readings and dispatches their actions
type Engine struct {
	mu       sync.RWMutex
	rules    map[string][]model.AlertRule // key: device id, in insertion order
	hook     CorrectiveHook
	commands CommandSender
	audit    AuditSink
	store    store.Store
	bus      events.Publisher
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	now      func() time.Time

	recentMu sync.Mutex
	recent   []model.Alert
}

// NewEngine creates an alert rule engine. commands, audit and m may be nil.
func NewEngine(commands CommandSender, audit AuditSink, s store.Store, bus events.Publisher, m *metrics.Metrics, logger zerolog.Logger) *Engine {
	e := &Engine{
		rules:    make(map[string][]model.AlertRule),
		commands: commands,
		audit:    audit,
		store:    s,
		bus:      bus,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}
	e.hook = e.defaultCorrectiveHook
	return e
}

// SetCorrectiveHook replaces the auto_correct handler; nil restores the default
func (e *Engine) SetCorrectiveHook(hook CorrectiveHook) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if hook == nil {
		hook = e.defaultCorrectiveHook
	}
	e.hook = hook
}

func (e *Engine) defaultCorrectiveHook(_ context.Context, alert model.Alert, rule model.AlertRule) error {
	e.logger.Info().Str("alert_id", alert.ID).Str("rule_id", rule.ID).Str("device_id", alert.DeviceID).
		Msg("auto-correct requested, no corrective action configured")
	return nil
}

// AddRule validates and stores a rule, replacing any rule with the same id
func (e *Engine) AddRule(rule model.AlertRule) error {
	if rule.ID == "" {
		return fmt.Errorf("alert rule: empty id")
	}
	if rule.DeviceID == "" {
		return fmt.Errorf("alert rule %s: empty device id", rule.ID)
	}
	if rule.Condition.Parameter == "" {
		return fmt.Errorf("alert rule %s: empty condition parameter", rule.ID)
	}
	switch rule.Action {
	case "":
		rule.Action = model.ActionNotify
	case model.ActionNotify, model.ActionAutoCorrect, model.ActionEmergencyStop:
	default:
		return fmt.Errorf("alert rule %s: unknown action %q", rule.ID, rule.Action)
	}
	if rule.Severity == "" {
		rule.Severity = model.SeverityWarning
	}
	if rule.Condition.Range != nil {
		rule.Condition.Range = append([]float64(nil), rule.Condition.Range...)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.removeLocked(rule.ID)
	e.rules[rule.DeviceID] = append(e.rules[rule.DeviceID], rule)
	return nil
}

// RemoveRule deletes a rule by id and reports whether it existed
func (e *Engine) RemoveRule(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.removeLocked(id)
}

func (e *Engine) removeLocked(id string) bool {
	for deviceID, rules := range e.rules {
		for i, r := range rules {
			if r.ID == id {
				e.rules[deviceID] = append(rules[:i:i], rules[i+1:]...)
				if len(e.rules[deviceID]) == 0 {
					delete(e.rules, deviceID)
				}
				return true
			}
		}
	}
	return false
}

// Rules returns the rules bound to a device
func (e *Engine) Rules(deviceID string) []model.AlertRule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]model.AlertRule(nil), e.rules[deviceID]...)
}

// Evaluate runs every enabled rule bound to the reading's device and returns
// the alerts raised. A malformed rule is logged and skipped.
func (e *Engine) Evaluate(ctx context.Context, reading model.SensorReading) []model.Alert {
	e.mu.RLock()
	rules := append([]model.AlertRule(nil), e.rules[reading.DeviceID]...)
	hook := e.hook
	e.mu.RUnlock()

	var alerts []model.Alert
	for _, rule := range rules {
		if !rule.Enabled || rule.Condition.Parameter != reading.Type {
			continue
		}

		triggered, err := rule.Condition.Evaluate(reading.Value)
		if err != nil {
			e.logger.Warn().Err(err).Str("rule_id", rule.ID).Str("device_id", rule.DeviceID).Msg("skipping malformed alert rule")
			e.metrics.RuleFailed()
			continue
		}
		if !triggered {
			continue
		}

		alert := e.raise(ctx, rule, reading)
		e.dispatch(ctx, hook, rule, alert)
		alerts = append(alerts, alert)
	}
	return alerts
}

func (e *Engine) raise(ctx context.Context, rule model.AlertRule, reading model.SensorReading) model.Alert {
	now := e.now()
	alert := model.Alert{
		ID:        fmt.Sprintf("alert_%d_%s", now.UnixNano(), rule.ID),
		RuleID:    rule.ID,
		DeviceID:  rule.DeviceID,
		Severity:  rule.Severity,
		Message:   formatMessage(rule, reading),
		Timestamp: now,
		Reading:   reading,
	}

	e.logger.Warn().Str("alert_id", alert.ID).Str("severity", string(alert.Severity)).
		Str("action", string(rule.Action)).Msg(alert.Message)

	if err := store.SetJSON(ctx, e.store, "alert:"+alert.ID, alert, AlertRetention); err != nil {
		e.logger.Warn().Err(err).Str("alert_id", alert.ID).Msg("failed to persist alert")
	}
	if e.audit != nil {
		if err := e.audit.RecordAlert(ctx, alert); err != nil {
			e.logger.Warn().Err(err).Str("alert_id", alert.ID).Msg("failed to write alert audit log")
		}
	}

	e.remember(alert)
	e.metrics.AlertTriggered(string(alert.Severity), string(rule.Action))
	return alert
}

func (e *Engine) dispatch(ctx context.Context, hook CorrectiveHook, rule model.AlertRule, alert model.Alert) {
	switch rule.Action {
	case model.ActionNotify:
		e.bus.Publish(events.TopicDeviceAlert, alert)

	case model.ActionAutoCorrect:
		if err := hook(ctx, alert, rule); err != nil {
			e.logger.Error().Err(err).Str("alert_id", alert.ID).Msg("corrective action failed")
		}

	case model.ActionEmergencyStop:
		if e.commands == nil {
			e.logger.Error().Str("alert_id", alert.ID).Msg("emergency stop requested but no dispatcher configured")
			return
		}
		cmd := model.DeviceCommand{
			DeviceID: rule.DeviceID,
			Command:  "emergency_stop",
			Priority: model.PriorityCritical,
			Parameters: map[string]interface{}{
				"alert_id": alert.ID,
				"rule_id":  rule.ID,
				"reason":   alert.Message,
			},
		}
		if err := e.commands.Submit(ctx, cmd); err != nil {
			e.logger.Error().Err(err).Str("alert_id", alert.ID).Str("device_id", rule.DeviceID).Msg("emergency stop not delivered")
		}
	}
}

func formatMessage(rule model.AlertRule, reading model.SensorReading) string {
	return fmt.Sprintf("%s alert on %s: %s %s %s (current: %v%s)",
		rule.Severity, rule.DeviceID, rule.Condition.Parameter, rule.Condition.Operator,
		rule.Condition.Threshold(), reading.Value, reading.Unit)
}

func (e *Engine) remember(alert model.Alert) {
	e.recentMu.Lock()
	defer e.recentMu.Unlock()

	if len(e.recent) >= RecentAlertCapacity {
		e.recent = e.recent[1:]
	}
	e.recent = append(e.recent, alert)
}

// Recent returns up to limit of the newest alerts accepted by keep, newest
// first. A nil keep accepts everything; limit <= 0 means no limit.
func (e *Engine) Recent(keep func(model.Alert) bool, limit int) []model.Alert {
	e.recentMu.Lock()
	defer e.recentMu.Unlock()

	out := []model.Alert{}
	for i := len(e.recent) - 1; i >= 0; i-- {
		if keep != nil && !keep(e.recent[i]) {
			continue
		}
		out = append(out, e.recent[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// Stored loads a persisted alert by id
func (e *Engine) Stored(ctx context.Context, id string) (model.Alert, bool) {
	return store.GetJSON[model.Alert](ctx, e.store, "alert:"+id)
}
