package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/smukkama/fieldmesh/internal/model"
)

// MessageType represents the type of message
type MessageType string

const (
	// Device to gateway
	MsgTypeIdentify  MessageType = "identify"
	MsgTypeReading   MessageType = "reading"
	MsgTypeKeepalive MessageType = "keepalive"

	// Gateway to device
	MsgTypeAck MessageType = "ack"
)

// BaseMessage is the common structure for all messages
type BaseMessage struct {
	Type MessageType `json:"type"`
}

// IdentifyMessage is the first line a device sends after connecting
type IdentifyMessage struct {
	Type            MessageType `json:"type"`
	DeviceID        string      `json:"device_id"`
	FirmwareVersion string      `json:"firmware_version,omitempty"`
}

// ReadingData is one measurement as sent on the wire
type ReadingData struct {
	Timestamp string            `json:"timestamp,omitempty"`
	Type      string            `json:"type"`
	Value     float64           `json:"value"`
	Unit      string            `json:"unit"`
	Quality   string            `json:"quality,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ReadingMessage carries a measurement from an identified device
type ReadingMessage struct {
	Type MessageType `json:"type"`
	Data ReadingData `json:"data"`
}

// KeepaliveMessage keeps an idle connection open
type KeepaliveMessage struct {
	Type MessageType `json:"type"`
}

// AckMessage is sent by the gateway in response to every message
type AckMessage struct {
	Type   MessageType `json:"type"`
	Status string      `json:"status"`
	Error  string      `json:"error,omitempty"`
}

// AckStatus constants
const (
	AckStatusIdentified = "identified"
	AckStatusAccepted   = "accepted"
	AckStatusAlive      = "alive"
	AckStatusRejected   = "rejected"
	AckStatusError      = "error"
)

// ParseMessage parses a JSON line into the appropriate message type
func ParseMessage(data []byte) (interface{}, error) {
	var base BaseMessage
	if err := json.Unmarshal(data, &base); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	switch base.Type {
	case MsgTypeIdentify:
		var msg IdentifyMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("invalid identify message: %w", err)
		}
		if msg.DeviceID == "" {
			return nil, fmt.Errorf("device_id is required")
		}
		return &msg, nil

	case MsgTypeReading:
		var msg ReadingMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("invalid reading message: %w", err)
		}
		if err := validateReading(&msg.Data); err != nil {
			return nil, err
		}
		return &msg, nil

	case MsgTypeKeepalive:
		return &KeepaliveMessage{Type: MsgTypeKeepalive}, nil

	default:
		return nil, fmt.Errorf("unknown message type: %s", base.Type)
	}
}

func validateReading(data *ReadingData) error {
	if data.Type == "" {
		return fmt.Errorf("reading type is required")
	}
	if data.Timestamp != "" {
		if _, err := time.Parse(time.RFC3339, data.Timestamp); err != nil {
			return fmt.Errorf("invalid timestamp format (must be RFC3339): %w", err)
		}
	}
	switch model.ReadingQuality(data.Quality) {
	case "", model.QualityExcellent, model.QualityGood, model.QualityFair, model.QualityPoor:
	default:
		return fmt.Errorf("unknown reading quality: %s", data.Quality)
	}
	return nil
}

// ToReading converts wire data into a reading for deviceID. An absent
// timestamp stays zero so ingestion stamps it.
func (d ReadingData) ToReading(deviceID string) (model.SensorReading, error) {
	var ts time.Time
	if d.Timestamp != "" {
		var err error
		if ts, err = time.Parse(time.RFC3339, d.Timestamp); err != nil {
			return model.SensorReading{}, err
		}
	}
	return model.SensorReading{
		DeviceID:  deviceID,
		Timestamp: ts,
		Type:      d.Type,
		Value:     d.Value,
		Unit:      d.Unit,
		Quality:   model.ReadingQuality(d.Quality),
		Metadata:  d.Metadata,
	}, nil
}

// EncodeMessage encodes a message to JSON
func EncodeMessage(msg interface{}) ([]byte, error) {
	return json.Marshal(msg)
}

// NewAckMessage creates a new acknowledgment message
func NewAckMessage(status string) *AckMessage {
	return &AckMessage{
		Type:   MsgTypeAck,
		Status: status,
	}
}

// NewErrorAck creates an error acknowledgment carrying the cause
func NewErrorAck(status string, err error) *AckMessage {
	return &AckMessage{
		Type:   MsgTypeAck,
		Status: status,
		Error:  err.Error(),
	}
}
