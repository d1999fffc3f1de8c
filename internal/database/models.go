package database

import (
	"time"
)

// AlertLog is a row of alerts_log
type AlertLog struct {
	AlertID     string
	RuleID      string
	DeviceID    string
	Severity    string
	Message     string
	Parameter   string
	Value       float64
	TriggeredAt time.Time
	CreatedAt   time.Time
}
