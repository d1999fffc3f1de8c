package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/smukkama/fieldmesh/internal/events"
	"github.com/smukkama/fieldmesh/internal/model"
)

// DB wraps the database connection
type DB struct {
	*sql.DB
	timeout time.Duration
}

// Connect establishes a connection to the database
func Connect(connectionString string) (*DB, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	return Wrap(db), nil
}

// Wrap adopts an open connection pool
func Wrap(db *sql.DB) *DB {
	return &DB{DB: db, timeout: 3 * time.Second}
}

// RunMigrations executes all SQL migration files in name order
func (db *DB) RunMigrations(migrationsDir string, logger zerolog.Logger) error {
	files, err := os.ReadDir(migrationsDir)
	if err != nil {
		return fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var sqlFiles []string
	for _, file := range files {
		if !file.IsDir() && strings.HasSuffix(file.Name(), ".sql") {
			sqlFiles = append(sqlFiles, file.Name())
		}
	}
	sort.Strings(sqlFiles)

	for _, filename := range sqlFiles {
		logger.Info().Str("file", filename).Msg("running migration")

		content, err := os.ReadFile(filepath.Join(migrationsDir, filename))
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", filename, err)
		}

		if _, err := db.Exec(string(content)); err != nil {
			return fmt.Errorf("failed to execute migration %s: %w", filename, err)
		}
	}

	logger.Info().Int("count", len(sqlFiles)).Msg("migrations completed")
	return nil
}

func (db *DB) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, db.timeout)
}

// RecordAlert appends an alert to alerts_log. A repeated alert id is ignored.
func (db *DB) RecordAlert(ctx context.Context, alert model.Alert) error {
	reading, err := json.Marshal(alert.Reading)
	if err != nil {
		return fmt.Errorf("failed to marshal reading: %w", err)
	}

	ctx, cancel := db.bounded(ctx)
	defer cancel()

	query := `
		INSERT INTO alerts_log (
			alert_id, rule_id, device_id, severity, message,
			parameter, value, reading, triggered_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (alert_id) DO NOTHING
	`
	_, err = db.ExecContext(ctx, query,
		alert.ID,
		alert.RuleID,
		alert.DeviceID,
		string(alert.Severity),
		alert.Message,
		alert.Reading.Type,
		alert.Reading.Value,
		reading,
		alert.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert alert %s: %w", alert.ID, err)
	}
	return nil
}

// AlertsForDevice returns the newest logged alerts of a device
func (db *DB) AlertsForDevice(ctx context.Context, deviceID string, limit int) ([]*AlertLog, error) {
	ctx, cancel := db.bounded(ctx)
	defer cancel()

	query := `
		SELECT alert_id, rule_id, device_id, severity, message,
		       parameter, value, triggered_at, created_at
		FROM alerts_log
		WHERE device_id = $1
		ORDER BY triggered_at DESC
		LIMIT $2
	`

	rows, err := db.QueryContext(ctx, query, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts for %s: %w", deviceID, err)
	}
	defer rows.Close()

	var logs []*AlertLog
	for rows.Next() {
		var l AlertLog
		if err := rows.Scan(
			&l.AlertID,
			&l.RuleID,
			&l.DeviceID,
			&l.Severity,
			&l.Message,
			&l.Parameter,
			&l.Value,
			&l.TriggeredAt,
			&l.CreatedAt,
		); err != nil {
			return nil, err
		}
		logs = append(logs, &l)
	}

	return logs, rows.Err()
}

// RecordCommand appends a dispatcher outcome to command_log
func (db *DB) RecordCommand(ctx context.Context, evt events.CommandEvent, executedAt time.Time) error {
	var params []byte
	if len(evt.Command.Parameters) > 0 {
		var err error
		if params, err = json.Marshal(evt.Command.Parameters); err != nil {
			return fmt.Errorf("failed to marshal parameters: %w", err)
		}
	}

	ctx, cancel := db.bounded(ctx)
	defer cancel()

	query := `
		INSERT INTO command_log (
			command_id, device_id, command, priority, parameters,
			success, duration_ms, executed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (command_id) DO UPDATE
		SET success = EXCLUDED.success,
		    duration_ms = EXCLUDED.duration_ms,
		    executed_at = EXCLUDED.executed_at
	`
	_, err := db.ExecContext(ctx, query,
		evt.CommandID,
		evt.Command.DeviceID,
		evt.Command.Command,
		string(evt.Command.Priority),
		params,
		evt.Success,
		evt.Duration.Milliseconds(),
		executedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert command %s: %w", evt.CommandID, err)
	}
	return nil
}

// CommandLogHandler returns a bus handler that writes executed commands to
// command_log. Write failures are logged.
func (db *DB) CommandLogHandler(logger zerolog.Logger) events.Handler {
	return func(evt events.Event) {
		cmd, ok := evt.Payload.(events.CommandEvent)
		if !ok {
			return
		}
		if err := db.RecordCommand(context.Background(), cmd, evt.Timestamp); err != nil {
			logger.Warn().Err(err).Str("command_id", cmd.CommandID).Msg("failed to write command log")
		}
	}
}
