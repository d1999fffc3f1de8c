package events

import (
	"time"

	"github.com/smukkama/fieldmesh/internal/model"
)

// Payload types carried on the bus, by topic:
//
//	device.registered        model.Device
//	device.offline           DeviceOffline
//	device.alert             model.Alert
//	device.command_sent      CommandEvent
//	device.command_executed  CommandEvent
//	sensor.reading           model.SensorReading
//	automation.executed      AutomationExecuted

// DeviceOffline is published when the health monitor demotes a device
type DeviceOffline struct {
	DeviceID string    `json:"device_id"`
	FarmID   string    `json:"farm_id"`
	LastSeen time.Time `json:"last_seen"`
	Since    time.Time `json:"offline_since"`
}

// CommandEvent tracks a command through the dispatcher
type CommandEvent struct {
	CommandID string              `json:"command_id"`
	Command   model.DeviceCommand `json:"command"`
	Success   bool                `json:"success"`
	Error     string              `json:"error,omitempty"`
	Duration  time.Duration       `json:"duration_ns,omitempty"`
}

// AutomationExecuted summarises one automation batch
type AutomationExecuted struct {
	AutomationID string    `json:"automation_id"`
	Name         string    `json:"name"`
	DeviceID     string    `json:"device_id,omitempty"`
	Parameter    string    `json:"parameter,omitempty"`
	Submitted    int       `json:"submitted"`
	Succeeded    int       `json:"succeeded"`
	Timestamp    time.Time `json:"timestamp"`
}
