// Package chunkstore is a durable, set-semantics key-value layer
// for image chunks keyed by (device_mac, image_name, chunk_index), backed by
// an embedded SQLite database (modernc.org/sqlite), in the same WAL-mode,
// raw-SQL style as the gateway's other local durable state.
package chunkstore

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultTTL is the advisory chunk-row lifetime from insert.
const DefaultTTL = 30 * time.Minute

// Store is the durable chunk buffer. It is safe for concurrent use; SQLite's
// own locking plus the UNIQUE index on (device_mac, image_name, chunk_index)
// make concurrent writers to the same key converge.
type Store struct {
	db  *sql.DB
	ttl time.Duration
}

// Config configures the chunk store.
type Config struct {
	// Path is the SQLite database file path (or ":memory:" for tests).
	Path string
	// TTL overrides DefaultTTL when non-zero.
	TTL time.Duration
}

// Open creates or opens the chunk store database and applies its schema.
func Open(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open chunk store: %w", err)
	}

	db.SetMaxOpenConns(1) // single-writer SQLite file; avoid SQLITE_BUSY under WAL
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

	if _, err := db.Exec(schemaMigrationsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema_migrations: %w", err)
	}
	if _, err := db.Exec(initialSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create image_chunks schema: %w", err)
	}

	ttl := cfg.TTL
	if ttl == 0 {
		ttl = DefaultTTL
	}

	return &Store{db: db, ttl: ttl}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func chunkKey(deviceMAC, imageName string, index int) string {
	return fmt.Sprintf("%s|%s|%d", deviceMAC, imageName, index)
}

// StoreResult reports whether Store inserted a new row or found a duplicate.
type StoreResult int

const (
	StoredNew StoreResult = iota
	Duplicate
)

// Store implements store(): idempotent insert of one chunk. Concurrent
// writers for the same key converge on a single row; the UNIQUE index
// collapses duplicates via INSERT ... ON CONFLICT DO NOTHING.
func (s *Store) Store(ctx context.Context, deviceMAC, imageName string, index int, data []byte) (StoreResult, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(s.ttl)

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO image_chunks (chunk_key, device_mac, image_name, chunk_index, chunk_data, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_mac, image_name, chunk_index) DO NOTHING
	`, chunkKey(deviceMAC, imageName, index), deviceMAC, imageName, index, data, now, expiresAt)
	if err != nil {
		return Duplicate, fmt.Errorf("store chunk %s/%s[%d]: %w", deviceMAC, imageName, index, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return Duplicate, fmt.Errorf("store chunk %s/%s[%d]: rows affected: %w", deviceMAC, imageName, index, err)
	}
	if rows == 0 {
		return Duplicate, nil
	}
	return StoredNew, nil
}

// StoredIndices returns the set of chunk indices currently on disk for
// (deviceMAC, imageName), ascending.
func (s *Store) StoredIndices(ctx context.Context, deviceMAC, imageName string) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chunk_index FROM image_chunks
		WHERE device_mac = ? AND image_name = ?
		ORDER BY chunk_index ASC
	`, deviceMAC, imageName)
	if err != nil {
		return nil, fmt.Errorf("list stored indices for %s/%s: %w", deviceMAC, imageName, err)
	}
	defer rows.Close()

	var indices []int
	for rows.Next() {
		var idx int
		if err := rows.Scan(&idx); err != nil {
			return nil, fmt.Errorf("scan chunk index: %w", err)
		}
		indices = append(indices, idx)
	}
	return indices, rows.Err()
}

// CountReceived implements count_received().
func (s *Store) CountReceived(ctx context.Context, deviceMAC, imageName string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM image_chunks WHERE device_mac = ? AND image_name = ?
	`, deviceMAC, imageName).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count received chunks for %s/%s: %w", deviceMAC, imageName, err)
	}
	return count, nil
}

// Completeness implements completeness(): true iff the stored-index count
// is at least total. The store does not enforce total_chunks itself;
// callers supply it.
func (s *Store) Completeness(ctx context.Context, deviceMAC, imageName string, total int) (bool, error) {
	count, err := s.CountReceived(ctx, deviceMAC, imageName)
	if err != nil {
		return false, err
	}
	return count >= total, nil
}

// Missing implements missing(): the ascending set difference
// {0..total-1} \ stored_indices.
func (s *Store) Missing(ctx context.Context, deviceMAC, imageName string, total int) ([]int, error) {
	stored, err := s.StoredIndices(ctx, deviceMAC, imageName)
	if err != nil {
		return nil, err
	}
	have := make(map[int]bool, len(stored))
	for _, idx := range stored {
		have[idx] = true
	}

	var missing []int
	for i := 0; i < total; i++ {
		if !have[i] {
			missing = append(missing, i)
		}
	}
	sort.Ints(missing)
	return missing, nil
}

// Assemble implements assemble(): the concatenation of chunks in ascending
// index order, or (nil, false) if the stored count doesn't equal total.
func (s *Store) Assemble(ctx context.Context, deviceMAC, imageName string, total int) ([]byte, bool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chunk_index, chunk_data FROM image_chunks
		WHERE device_mac = ? AND image_name = ?
		ORDER BY chunk_index ASC
	`, deviceMAC, imageName)
	if err != nil {
		return nil, false, fmt.Errorf("assemble %s/%s: %w", deviceMAC, imageName, err)
	}
	defer rows.Close()

	chunks := make(map[int][]byte)
	for rows.Next() {
		var idx int
		var data []byte
		if err := rows.Scan(&idx, &data); err != nil {
			return nil, false, fmt.Errorf("scan chunk during assemble: %w", err)
		}
		chunks[idx] = data
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	if len(chunks) != total {
		return nil, false, nil
	}

	var out []byte
	for i := 0; i < total; i++ {
		data, ok := chunks[i]
		if !ok {
			return nil, false, nil
		}
		out = append(out, data...)
	}
	return out, true, nil
}

// Clear implements clear(): delete all rows for the (deviceMAC, imageName)
// namespace.
func (s *Store) Clear(ctx context.Context, deviceMAC, imageName string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM image_chunks WHERE device_mac = ? AND image_name = ?
	`, deviceMAC, imageName)
	if err != nil {
		return fmt.Errorf("clear %s/%s: %w", deviceMAC, imageName, err)
	}
	return nil
}

// Sweep implements sweep(): deletes rows past their expiry, returning the
// count removed.
func (s *Store) Sweep(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM image_chunks WHERE expires_at < ?`, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("sweep chunk store: %w", err)
	}
	return res.RowsAffected()
}
