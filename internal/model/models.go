package model

import (
	"time"
)

// DeviceType identifies the kind of field unit
type DeviceType string

const (
	DeviceTypeSensor               DeviceType = "sensor"
	DeviceTypeActuator             DeviceType = "actuator"
	DeviceTypeCamera               DeviceType = "camera"
	DeviceTypeWeatherStation       DeviceType = "weather_station"
	DeviceTypeIrrigationController DeviceType = "irrigation_controller"
)

// Valid reports whether t is one of the known device types
func (t DeviceType) Valid() bool {
	switch t {
	case DeviceTypeSensor, DeviceTypeActuator, DeviceTypeCamera,
		DeviceTypeWeatherStation, DeviceTypeIrrigationController:
		return true
	default:
		return false
	}
}

// DeviceStatus is the liveness state of a device
type DeviceStatus string

const (
	StatusOnline      DeviceStatus = "online"
	StatusOffline     DeviceStatus = "offline"
	StatusMaintenance DeviceStatus = "maintenance"
	StatusError       DeviceStatus = "error"
)

// Location places a device on a farm
type Location struct {
	FarmID string  `json:"farm_id" yaml:"farm_id"`
	Lat    float64 `json:"lat" yaml:"lat"`
	Lng    float64 `json:"lng" yaml:"lng"`
	Zone   string  `json:"zone,omitempty" yaml:"zone,omitempty"`
}

// Device is a registered field unit
type Device struct {
	ID              string       `json:"id" yaml:"id"`
	Type            DeviceType   `json:"type" yaml:"type"`
	Location        Location     `json:"location" yaml:"location"`
	Status          DeviceStatus `json:"status" yaml:"status,omitempty"`
	LastSeen        time.Time    `json:"last_seen" yaml:"-"`
	BatteryLevel    *float64     `json:"battery_level,omitempty" yaml:"battery_level,omitempty"`
	FirmwareVersion string       `json:"firmware_version,omitempty" yaml:"firmware_version,omitempty"`
	Capabilities    []string     `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
}

// Clone returns a deep copy so callers never share mutable state with the registry
func (d Device) Clone() Device {
	out := d
	if d.BatteryLevel != nil {
		level := *d.BatteryLevel
		out.BatteryLevel = &level
	}
	if d.Capabilities != nil {
		out.Capabilities = append([]string(nil), d.Capabilities...)
	}
	return out
}

// ReadingQuality grades the trustworthiness of a reading
type ReadingQuality string

const (
	QualityExcellent ReadingQuality = "excellent"
	QualityGood      ReadingQuality = "good"
	QualityFair      ReadingQuality = "fair"
	QualityPoor      ReadingQuality = "poor"
)

// SensorReading is one timestamped measurement from a device
type SensorReading struct {
	DeviceID  string            `json:"device_id"`
	Timestamp time.Time         `json:"timestamp"`
	Type      string            `json:"type"` // parameter name, e.g. "moisture"
	Value     float64           `json:"value"`
	Unit      string            `json:"unit"`
	Quality   ReadingQuality    `json:"quality,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// CommandPriority orders device commands
type CommandPriority string

const (
	PriorityLow      CommandPriority = "low"
	PriorityNormal   CommandPriority = "normal"
	PriorityHigh     CommandPriority = "high"
	PriorityCritical CommandPriority = "critical"
)

// DeviceCommand is an instruction for a single device
type DeviceCommand struct {
	DeviceID    string                 `json:"device_id" yaml:"device_id"`
	Command     string                 `json:"command" yaml:"command"`
	Parameters  map[string]interface{} `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Priority    CommandPriority        `json:"priority" yaml:"priority"`
	ScheduledAt *time.Time             `json:"scheduled_at,omitempty" yaml:"scheduled_at,omitempty"`
}

// Clone copies the parameter map so a template can be submitted repeatedly
func (c DeviceCommand) Clone() DeviceCommand {
	out := c
	if c.Parameters != nil {
		out.Parameters = make(map[string]interface{}, len(c.Parameters))
		for k, v := range c.Parameters {
			out.Parameters[k] = v
		}
	}
	if c.ScheduledAt != nil {
		at := *c.ScheduledAt
		out.ScheduledAt = &at
	}
	return out
}

// Severity of an alert rule
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return true
	}
	return false
}

// AlertAction is what happens when a rule triggers
type AlertAction string

const (
	ActionNotify        AlertAction = "notify"
	ActionAutoCorrect   AlertAction = "auto_correct"
	ActionEmergencyStop AlertAction = "emergency_stop"
)

// Condition is the predicate of an alert rule.
// Value is used by scalar operators, Range by "between".
type Condition struct {
	Parameter string    `json:"parameter" yaml:"parameter"`
	Operator  Operator  `json:"operator" yaml:"operator"`
	Value     float64   `json:"value,omitempty" yaml:"value,omitempty"`
	Range     []float64 `json:"range,omitempty" yaml:"range,omitempty"`
}

// AlertRule is a standing condition bound to one device
type AlertRule struct {
	ID        string      `json:"id" yaml:"id"`
	DeviceID  string      `json:"device_id" yaml:"device_id"`
	Condition Condition   `json:"condition" yaml:"condition"`
	Severity  Severity    `json:"severity" yaml:"severity"`
	Action    AlertAction `json:"action" yaml:"action"`
	Enabled   bool        `json:"enabled" yaml:"enabled"`
}

// Alert is generated when a rule triggers
type Alert struct {
	ID        string        `json:"id"`
	RuleID    string        `json:"rule_id"`
	DeviceID  string        `json:"device_id"`
	Severity  Severity      `json:"severity"`
	Message   string        `json:"message"`
	Timestamp time.Time     `json:"timestamp"`
	Reading   SensorReading `json:"reading"`
}

// TriggerKind selects how an automation is started
type TriggerKind string

const (
	TriggerSensorReading   TriggerKind = "sensor_reading"
	TriggerTimeBased       TriggerKind = "time_based"
	TriggerWeatherForecast TriggerKind = "weather_forecast"
	TriggerManual          TriggerKind = "manual"
)

// Valid reports whether k is a known trigger kind
func (k TriggerKind) Valid() bool {
	switch k {
	case TriggerSensorReading, TriggerTimeBased, TriggerWeatherForecast, TriggerManual:
		return true
	default:
		return false
	}
}

// TriggerCondition matches readings by device and parameter
type TriggerCondition struct {
	DeviceID  string `json:"device_id" yaml:"device_id"`
	Parameter string `json:"parameter" yaml:"parameter"`
}

// Trigger describes when an automation fires
type Trigger struct {
	Kind       TriggerKind        `json:"kind" yaml:"kind"`
	Conditions []TriggerCondition `json:"conditions" yaml:"conditions"`
}

// DeviceAutomation maps a trigger to an ordered batch of commands
type DeviceAutomation struct {
	ID      string          `json:"id" yaml:"id"`
	Name    string          `json:"name" yaml:"name"`
	Trigger Trigger         `json:"trigger" yaml:"trigger"`
	Actions []DeviceCommand `json:"actions" yaml:"actions"`
	Enabled bool            `json:"enabled" yaml:"enabled"`
}
