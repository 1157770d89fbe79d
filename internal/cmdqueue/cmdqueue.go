// Package cmdqueue is the gateway-owned durable outbound command queue
// drained by the dispatcher. Like the device registry, no database RPC
// manages commands, so this state lives in the gateway's own SQLite
// database rather than behind the Postgres RPC surface.
package cmdqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fleetcam/devicegateway/internal/model"
	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a command_id has no matching row.
var ErrNotFound = errors.New("cmdqueue: command not found")

// ErrIllegalTransition is returned when a status change would violate
// Command.CanTransitionTo.
var ErrIllegalTransition = errors.New("cmdqueue: illegal status transition")

// Queue is the durable outbound command store.
type Queue struct {
	db *sql.DB
}

// Config configures the command queue database.
type Config struct {
	Path string
}

// Open opens or creates the command queue database and applies its schema.
func Open(cfg Config) (*Queue, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open command queue: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, p := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma %q: %w", p, err)
		}
	}

	q := &Queue{db: db}
	if err := q.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return q, nil
}

func (q *Queue) migrate() error {
	if _, err := q.db.Exec(schemaMigrationsTable); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	for _, m := range migrations {
		var exists bool
		if err := q.db.QueryRow(`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = ?)`, m.version).Scan(&exists); err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if exists {
			continue
		}
		if _, err := q.db.Exec(m.sql); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.description, err)
		}
		if _, err := q.db.Exec(`INSERT INTO schema_migrations (version, description) VALUES (?, ?)`, m.version, m.description); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (q *Queue) Close() error {
	return q.db.Close()
}

// Enqueue inserts a new pending command and returns its generated ID.
func (q *Queue) Enqueue(ctx context.Context, deviceID, deviceMAC string, cmdType model.CommandType, payload map[string]any, issuedAt time.Time) (string, error) {
	id := ulid.Make().String()

	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode payload for command %s: %w", id, err)
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO commands (command_id, device_id, device_mac, command_type, payload_json, status, issued_at, retry_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)
	`, id, deviceID, deviceMAC, string(cmdType), string(encoded), model.CommandPendingStatus, issuedAt)
	if err != nil {
		return "", fmt.Errorf("enqueue command for %s: %w", deviceMAC, err)
	}
	return id, nil
}

const commandColumns = `command_id, device_id, device_mac, command_type, payload_json, status, issued_at, delivered_at, acknowledged_at, retry_count`

func scanCommand(row interface{ Scan(...any) error }) (*model.Command, error) {
	var c model.Command
	var cmdType, status, payloadJSON string
	var deliveredAt, acknowledgedAt sql.NullTime

	err := row.Scan(&c.CommandID, &c.DeviceID, &c.DeviceMAC, &cmdType, &payloadJSON, &status,
		&c.IssuedAt, &deliveredAt, &acknowledgedAt, &c.RetryCount)
	if err != nil {
		return nil, err
	}
	c.Type = model.CommandType(cmdType)
	c.Status = model.CommandStatus(status)
	if deliveredAt.Valid {
		c.DeliveredAt = &deliveredAt.Time
	}
	if acknowledgedAt.Valid {
		c.AcknowledgedAt = &acknowledgedAt.Time
	}
	if payloadJSON != "" {
		if err := json.Unmarshal([]byte(payloadJSON), &c.Payload); err != nil {
			return nil, fmt.Errorf("decode payload for command %s: %w", c.CommandID, err)
		}
	}
	return &c, nil
}

// Get returns one command by ID.
func (q *Queue) Get(ctx context.Context, commandID string) (*model.Command, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+commandColumns+` FROM commands WHERE command_id = ?`, commandID)
	c, err := scanCommand(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get command %s: %w", commandID, err)
	}
	return c, nil
}

// SelectPending returns up to limit pending commands ordered by issued_at
// ascending.
func (q *Queue) SelectPending(ctx context.Context, limit int) ([]*model.Command, error) {
	return q.queryCommands(ctx, `
		SELECT `+commandColumns+` FROM commands WHERE status = ? ORDER BY issued_at ASC LIMIT ?
	`, model.CommandPendingStatus, limit)
}

// SelectPendingForDevice returns up to limit pending commands for one
// device, for the session engine's HELLO-time immediate drain.
func (q *Queue) SelectPendingForDevice(ctx context.Context, deviceMAC string, limit int) ([]*model.Command, error) {
	return q.queryCommands(ctx, `
		SELECT `+commandColumns+` FROM commands WHERE status = ? AND device_mac = ? ORDER BY issued_at ASC LIMIT ?
	`, model.CommandPendingStatus, deviceMAC, limit)
}

// SupersedePendingByType transitions every pending command of cmdType for
// one device to superseded, e.g. when the session engine is about to
// publish a fresh capture_image directly and wants to retire any queued
// duplicate.
func (q *Queue) SupersedePendingByType(ctx context.Context, deviceMAC string, cmdType model.CommandType) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE commands SET status = ? WHERE status = ? AND device_mac = ? AND command_type = ?
	`, model.CommandSupersededStatus, model.CommandPendingStatus, deviceMAC, string(cmdType))
	if err != nil {
		return 0, fmt.Errorf("supersede pending %s commands for %s: %w", cmdType, deviceMAC, err)
	}
	return res.RowsAffected()
}

// SelectFailedForRetry returns up to limit failed commands eligible for
// retry: retry_count < maxRetries and delivered_at older than retryDelay.
func (q *Queue) SelectFailedForRetry(ctx context.Context, limit, maxRetries int, retryDelay time.Duration, now time.Time) ([]*model.Command, error) {
	cutoff := now.Add(-retryDelay)
	return q.queryCommands(ctx, `
		SELECT `+commandColumns+` FROM commands
		WHERE status = ? AND retry_count < ? AND delivered_at < ?
		ORDER BY delivered_at ASC LIMIT ?
	`, model.CommandFailedStatus, maxRetries, cutoff, limit)
}

// MostRecentSent returns the most recently sent command for a device, used
// to correlate an inbound non-terminal ACK.
func (q *Queue) MostRecentSent(ctx context.Context, deviceMAC string) (*model.Command, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT `+commandColumns+` FROM commands
		WHERE device_mac = ? AND status = ?
		ORDER BY delivered_at DESC LIMIT 1
	`, deviceMAC, model.CommandSentStatus)
	c, err := scanCommand(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("most recent sent command for %s: %w", deviceMAC, err)
	}
	return c, nil
}

func (q *Queue) queryCommands(ctx context.Context, query string, args ...any) ([]*model.Command, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query commands: %w", err)
	}
	defer rows.Close()

	var out []*model.Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("scan command: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// transition applies a status change after checking CanTransitionTo, inside
// one SQLite statement guarded by the current status to stay correct under
// concurrent callers.
func (q *Queue) transition(ctx context.Context, commandID string, next model.CommandStatus, extra string, args ...any) error {
	current, err := q.Get(ctx, commandID)
	if err != nil {
		return err
	}
	if !current.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s for command %s", ErrIllegalTransition, current.Status, next, commandID)
	}

	query := fmt.Sprintf(`UPDATE commands SET status = ?%s WHERE command_id = ? AND status = ?`, extra)
	fullArgs := append([]any{string(next)}, args...)
	fullArgs = append(fullArgs, commandID, string(current.Status))

	res, err := q.db.ExecContext(ctx, query, fullArgs...)
	if err != nil {
		return fmt.Errorf("transition command %s to %s: %w", commandID, next, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition command %s: rows affected: %w", commandID, err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: command %s status changed concurrently", ErrIllegalTransition, commandID)
	}
	return nil
}

// MarkSent transitions pending -> sent, stamping delivered_at.
func (q *Queue) MarkSent(ctx context.Context, commandID string, deliveredAt time.Time) error {
	return q.transition(ctx, commandID, model.CommandSentStatus, `, delivered_at = ?`, deliveredAt)
}

// MarkFailed transitions pending -> failed and increments retry_count.
func (q *Queue) MarkFailed(ctx context.Context, commandID string, deliveredAt time.Time) error {
	return q.transition(ctx, commandID, model.CommandFailedStatus, `, delivered_at = ?, retry_count = retry_count + 1`, deliveredAt)
}

// ResetToPending transitions failed -> pending for a retry attempt.
func (q *Queue) ResetToPending(ctx context.Context, commandID string) error {
	return q.transition(ctx, commandID, model.CommandPendingStatus, "")
}

// MarkSuperseded transitions pending -> superseded.
func (q *Queue) MarkSuperseded(ctx context.Context, commandID string) error {
	return q.transition(ctx, commandID, model.CommandSupersededStatus, "")
}

// MarkAcknowledged transitions sent -> acknowledged, stamping
// acknowledged_at.
func (q *Queue) MarkAcknowledged(ctx context.Context, commandID string, at time.Time) error {
	return q.transition(ctx, commandID, model.CommandAcknowledgedStatus, `, acknowledged_at = ?`, at)
}

// ExpireStale transitions every pending command older than maxAge to
// expired, returning the count affected.
func (q *Queue) ExpireStale(ctx context.Context, maxAge time.Duration, now time.Time) (int64, error) {
	cutoff := now.Add(-maxAge)
	res, err := q.db.ExecContext(ctx, `
		UPDATE commands SET status = ? WHERE status = ? AND issued_at < ?
	`, model.CommandExpiredStatus, model.CommandPendingStatus, cutoff)
	if err != nil {
		return 0, fmt.Errorf("expire stale commands: %w", err)
	}
	return res.RowsAffected()
}

// CountByStatus reports the number of commands in a given status, for the
// health endpoint's counters.
func (q *Queue) CountByStatus(ctx context.Context, status model.CommandStatus) (int, error) {
	var count int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM commands WHERE status = ?`, status).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count commands with status %s: %w", status, err)
	}
	return count, nil
}
