package database

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smukkama/fieldmesh/internal/events"
	"github.com/smukkama/fieldmesh/internal/model"
)

func newMock(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return Wrap(conn), mock
}

func sampleAlert() model.Alert {
	ts := time.Date(2026, 5, 1, 6, 0, 0, 0, time.UTC)
	return model.Alert{
		ID:        "alert_1_dry",
		RuleID:    "dry",
		DeviceID:  "d1",
		Severity:  model.SeverityCritical,
		Message:   "critical alert on d1: moisture < 10 (current: 4%)",
		Timestamp: ts,
		Reading:   model.SensorReading{DeviceID: "d1", Type: "moisture", Value: 4, Unit: "%", Timestamp: ts},
	}
}

func TestRecordAlert(t *testing.T) {
	db, mock := newMock(t)
	alert := sampleAlert()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO alerts_log")).
		WithArgs(alert.ID, "dry", "d1", "critical", alert.Message, "moisture", 4.0, sqlmock.AnyArg(), alert.Timestamp).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, db.RecordAlert(context.Background(), alert))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordAlert_Error(t *testing.T) {
	db, mock := newMock(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO alerts_log")).WillReturnError(errors.New("connection reset"))

	err := db.RecordAlert(context.Background(), sampleAlert())
	assert.ErrorContains(t, err, "connection reset")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAlertsForDevice(t *testing.T) {
	db, mock := newMock(t)
	ts := time.Date(2026, 5, 1, 6, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{"alert_id", "rule_id", "device_id", "severity", "message", "parameter", "value", "triggered_at", "created_at"}).
		AddRow("a2", "dry", "d1", "warning", "m2", "moisture", 3.0, ts.Add(time.Minute), ts).
		AddRow("a1", "dry", "d1", "warning", "m1", "moisture", 5.0, ts, ts)

	mock.ExpectQuery(regexp.QuoteMeta("FROM alerts_log")).WithArgs("d1", 10).WillReturnRows(rows)

	logs, err := db.AlertsForDevice(context.Background(), "d1", 10)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "a2", logs[0].AlertID)
	assert.Equal(t, 5.0, logs[1].Value)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCommandLogHandler(t *testing.T) {
	db, mock := newMock(t)
	at := time.Date(2026, 5, 1, 7, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO command_log")).
		WithArgs("cmd-1", "valve", "open", "high", sqlmock.AnyArg(), true, int64(250), at).
		WillReturnResult(sqlmock.NewResult(0, 1))

	handler := db.CommandLogHandler(zerolog.Nop())
	handler(events.Event{
		Topic:     events.TopicDeviceCommandExecuted,
		Timestamp: at,
		Payload: events.CommandEvent{
			CommandID: "cmd-1",
			Command:   model.DeviceCommand{DeviceID: "valve", Command: "open", Priority: model.PriorityHigh, Parameters: map[string]interface{}{"minutes": 5}},
			Success:   true,
			Duration:  250 * time.Millisecond,
		},
	})
	handler(events.Event{Topic: events.TopicDeviceCommandExecuted, Payload: "not a command"})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunMigrations(t *testing.T) {
	db, mock := newMock(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "002_b.sql"), []byte("CREATE TABLE b (id int);"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "001_a.sql"), []byte("CREATE TABLE a (id int);"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README"), []byte("ignored"), 0o644))

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE a")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE b")).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, db.RunMigrations(dir, zerolog.Nop()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunMigrations_MissingDir(t *testing.T) {
	db, _ := newMock(t)
	assert.Error(t, db.RunMigrations(filepath.Join(t.TempDir(), "nope"), zerolog.Nop()))
}
