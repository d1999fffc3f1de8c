package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/smukkama/fieldmesh/internal/events"
)

// ReadingEnvelope is the Kafka format for readings entering the engine
type ReadingEnvelope struct {
	Source       string      `json:"source"`
	ConnectionID string      `json:"connection_id,omitempty"`
	DeviceID     string      `json:"device_id"`
	ReceivedAt   time.Time   `json:"received_at"`
	Data         ReadingData `json:"data"`
}

// EventEnvelope is the Kafka format for bus events leaving the engine
type EventEnvelope struct {
	Topic     events.Topic    `json:"topic"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// EncodeReadingEnvelope encodes a ReadingEnvelope to JSON
func EncodeReadingEnvelope(msg *ReadingEnvelope) ([]byte, error) {
	return json.Marshal(msg)
}

// DecodeReadingEnvelope decodes and validates a ReadingEnvelope
func DecodeReadingEnvelope(data []byte) (*ReadingEnvelope, error) {
	var msg ReadingEnvelope
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.DeviceID == "" {
		return nil, fmt.Errorf("device_id is required")
	}
	if err := validateReading(&msg.Data); err != nil {
		return nil, err
	}
	return &msg, nil
}

// NewEventEnvelope wraps a bus event for export
func NewEventEnvelope(evt events.Event) (*EventEnvelope, error) {
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", evt.Topic, err)
	}
	return &EventEnvelope{Topic: evt.Topic, Timestamp: evt.Timestamp, Payload: payload}, nil
}

// EncodeEventEnvelope encodes an EventEnvelope to JSON
func EncodeEventEnvelope(env *EventEnvelope) ([]byte, error) {
	return json.Marshal(env)
}

// DecodeEventEnvelope decodes JSON to EventEnvelope
func DecodeEventEnvelope(data []byte) (*EventEnvelope, error) {
	var env EventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}
