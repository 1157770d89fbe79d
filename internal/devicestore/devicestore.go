// Package devicestore owns the Device registry: the gateway's
// directly-managed table of known devices, auto-provisioned on first HELLO.
// Unlike ImageRecord, no database RPC creates or mutates a device
// row, so this state lives in the gateway's own SQLite database rather than
// behind the Postgres RPC surface.
package devicestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fleetcam/devicegateway/internal/model"
	_ "modernc.org/sqlite"
)

// DefaultHardwareFamily is used when the caller doesn't know a device's
// hardware family at first contact.
const DefaultHardwareFamily = "ESP32S3"

// ErrNotFound is returned by GetByMAC when no device row exists.
var ErrNotFound = errors.New("devicestore: device not found")

// Store is the gateway-owned device registry.
type Store struct {
	db *sql.DB
}

// Config configures the device store.
type Config struct {
	Path string
}

// Open opens or creates the device registry database and applies its schema.
func Open(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open device store: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma %q: %w", p, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(schemaMigrationsTable); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	for _, m := range migrations {
		applied, err := s.migrationApplied(m.version)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.description, err)
		}
		if _, err := s.db.Exec(`INSERT INTO schema_migrations (version, description) VALUES (?, ?)`, m.version, m.description); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *Store) migrationApplied(version int) (bool, error) {
	var exists bool
	err := s.db.QueryRow(`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = ?)`, version).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check migration %d: %w", version, err)
	}
	return exists, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func scanDevice(row interface{ Scan(...any) error }) (*model.Device, error) {
	var d model.Device
	var nextWakeAt sql.NullTime
	var companyID, programID, siteID, wakeSchedule string
	err := row.Scan(&d.MAC, &d.DeviceCode, &d.ProvisioningState, &companyID, &programID, &siteID, &wakeSchedule, &nextWakeAt, &d.LastSeenAt)
	if err != nil {
		return nil, err
	}
	d.CompanyID, d.ProgramID, d.SiteID, d.WakeSchedule = companyID, programID, siteID, wakeSchedule
	if nextWakeAt.Valid {
		d.NextWakeAt = &nextWakeAt.Time
	}
	return &d, nil
}

const deviceColumns = `mac, device_code, provisioning_status, company_id, program_id, site_id, wake_schedule, next_wake_at, last_seen_at`

// GetByMAC returns the device row for mac, or ErrNotFound.
func (s *Store) GetByMAC(ctx context.Context, mac string) (*model.Device, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE mac = ?`, mac)
	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get device %s: %w", mac, err)
	}
	return d, nil
}

// nextDeviceCode allocates the lowest free device_code number for a hardware
// family.
func (s *Store) nextDeviceCode(ctx context.Context, hardwareFamily string) (string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT device_code FROM devices WHERE hardware_family = ? ORDER BY device_code ASC
	`, hardwareFamily)
	if err != nil {
		return "", fmt.Errorf("list device codes for %s: %w", hardwareFamily, err)
	}
	defer rows.Close()

	used := make(map[int]bool)
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return "", fmt.Errorf("scan device code: %w", err)
		}
		var n int
		if _, err := fmt.Sscanf(code, "DEVICE-"+hardwareFamily+"-%03d", &n); err == nil {
			used[n] = true
		}
	}
	if err := rows.Err(); err != nil {
		return "", err
	}

	n := 1
	for used[n] {
		n++
	}
	return fmt.Sprintf("DEVICE-%s-%03d", hardwareFamily, n), nil
}

// AutoProvision creates a device row on first HELLO from an unknown MAC.
// If the device already exists, its existing row is returned unchanged.
func (s *Store) AutoProvision(ctx context.Context, mac, hardwareFamily string, now time.Time) (*model.Device, error) {
	if hardwareFamily == "" {
		hardwareFamily = DefaultHardwareFamily
	}

	existing, err := s.GetByMAC(ctx, mac)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	code, err := s.nextDeviceCode(ctx, hardwareFamily)
	if err != nil {
		return nil, fmt.Errorf("allocate device code for %s: %w", mac, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO devices (mac, device_code, hardware_family, provisioning_status, last_seen_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(mac) DO NOTHING
	`, mac, code, hardwareFamily, model.ProvisioningPendingMapping, now)
	if err != nil {
		return nil, fmt.Errorf("auto-provision device %s: %w", mac, err)
	}

	return s.GetByMAC(ctx, mac)
}

// TouchLastSeen updates last_seen_at for mac.
func (s *Store) TouchLastSeen(ctx context.Context, mac string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE devices SET last_seen_at = ? WHERE mac = ?`, now, mac)
	if err != nil {
		return fmt.Errorf("touch last_seen for %s: %w", mac, err)
	}
	return nil
}

// AssignLineage sets a device's (company, program, site), transitioning
// provisioning_status pending_mapping -> active once the assignment is
// full. Returns whether this call caused that transition, so the caller
// can enqueue the welcome set_wake_schedule command.
func (s *Store) AssignLineage(ctx context.Context, mac, companyID, programID, siteID string) (transitionedToActive bool, err error) {
	existing, err := s.GetByMAC(ctx, mac)
	if err != nil {
		return false, err
	}
	wasActive := existing.ProvisioningState == model.ProvisioningActive

	newStatus := existing.ProvisioningState
	fullyAssigned := companyID != "" && programID != "" && siteID != ""
	if fullyAssigned && existing.ProvisioningState == model.ProvisioningPendingMapping {
		newStatus = model.ProvisioningActive
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE devices SET company_id = ?, program_id = ?, site_id = ?, provisioning_status = ?
		WHERE mac = ?
	`, companyID, programID, siteID, newStatus, mac)
	if err != nil {
		return false, fmt.Errorf("assign lineage for %s: %w", mac, err)
	}

	return !wasActive && newStatus == model.ProvisioningActive, nil
}

// SetWakeSchedule sets a device-level cron override.
func (s *Store) SetWakeSchedule(ctx context.Context, mac, cronExpr string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE devices SET wake_schedule = ? WHERE mac = ?`, cronExpr, mac)
	if err != nil {
		return fmt.Errorf("set wake schedule for %s: %w", mac, err)
	}
	return nil
}

// SetNextWakeAt stores the device's computed next-wake instant.
func (s *Store) SetNextWakeAt(ctx context.Context, mac string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE devices SET next_wake_at = ? WHERE mac = ?`, at, mac)
	if err != nil {
		return fmt.Errorf("set next_wake_at for %s: %w", mac, err)
	}
	return nil
}
