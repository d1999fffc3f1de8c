package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smukkama/fieldmesh/internal/events"
	"github.com/smukkama/fieldmesh/internal/model"
)

func TestParseMessage(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    interface{}
		wantErr bool
	}{
		{name: "identify", line: `{"type":"identify","device_id":"d1","firmware_version":"1.2.0"}`, want: &IdentifyMessage{}},
		{name: "identify without device", line: `{"type":"identify"}`, wantErr: true},
		{name: "reading", line: `{"type":"reading","data":{"timestamp":"2026-05-01T06:00:00Z","type":"moisture","value":15,"unit":"%"}}`, want: &ReadingMessage{}},
		{name: "reading without timestamp", line: `{"type":"reading","data":{"type":"ph","value":6.8}}`, want: &ReadingMessage{}},
		{name: "reading bad timestamp", line: `{"type":"reading","data":{"timestamp":"yesterday","type":"ph","value":6.8}}`, wantErr: true},
		{name: "reading without type", line: `{"type":"reading","data":{"value":6.8}}`, wantErr: true},
		{name: "reading bad quality", line: `{"type":"reading","data":{"type":"ph","value":6.8,"quality":"awful"}}`, wantErr: true},
		{name: "keepalive", line: `{"type":"keepalive"}`, want: &KeepaliveMessage{}},
		{name: "unknown", line: `{"type":"metrics"}`, wantErr: true},
		{name: "garbage", line: `not json`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseMessage([]byte(tt.line))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.IsType(t, tt.want, got)
		})
	}
}

func TestReadingData_ToReading(t *testing.T) {
	data := ReadingData{Timestamp: "2026-05-01T06:00:00Z", Type: "moisture", Value: 15, Unit: "%", Quality: "good"}

	r, err := data.ToReading("d1")
	require.NoError(t, err)
	assert.Equal(t, "d1", r.DeviceID)
	assert.Equal(t, model.QualityGood, r.Quality)
	assert.True(t, r.Timestamp.Equal(time.Date(2026, 5, 1, 6, 0, 0, 0, time.UTC)))

	r, err = ReadingData{Type: "ph", Value: 7}.ToReading("d1")
	require.NoError(t, err)
	assert.True(t, r.Timestamp.IsZero())
}

func TestEventEnvelope(t *testing.T) {
	evt := events.Event{
		Topic:     events.TopicDeviceOffline,
		Timestamp: time.Date(2026, 5, 1, 6, 0, 0, 0, time.UTC),
		Payload:   events.DeviceOffline{DeviceID: "d1", FarmID: "f1"},
	}

	env, err := NewEventEnvelope(evt)
	require.NoError(t, err)
	data, err := EncodeEventEnvelope(env)
	require.NoError(t, err)

	decoded, err := DecodeEventEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, events.TopicDeviceOffline, decoded.Topic)
	assert.JSONEq(t, `{"device_id":"d1","farm_id":"f1","last_seen":"0001-01-01T00:00:00Z","offline_since":"0001-01-01T00:00:00Z"}`, string(decoded.Payload))
}

func TestDecodeReadingEnvelope(t *testing.T) {
	_, err := DecodeReadingEnvelope([]byte(`{"source":"lorawan","data":{"type":"ph","value":7}}`))
	assert.Error(t, err)

	env, err := DecodeReadingEnvelope([]byte(`{"source":"lorawan","device_id":"d9","data":{"type":"ph","value":7}}`))
	require.NoError(t, err)
	assert.Equal(t, "d9", env.DeviceID)
	assert.Equal(t, "lorawan", env.Source)
}
