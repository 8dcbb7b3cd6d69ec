// Package queue implements the local durable queue of pending mutations.
//
// The package is split in two layers. Store is the SQLite persistence
// layer: every operation returns an explicit error. Queue wraps a Storage
// and applies the degraded-mode policy the host application requires: a
// broken sync subsystem must never block note-taking, so storage errors
// are logged and absorbed instead of propagated.
package queue

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/studyhelper/syncbox/internal/mutation"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added index on mutations.target for per-resource diagnostics
const currentSchemaVersion = 1

const checkpointKey = "checkpoint"

// Store provides durable SQLite storage for pending mutation records.
// Uses WAL mode for concurrent read access.
type Store struct {
	db *sql.DB
}

var _ Storage = (*Store)(nil)

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement
//
// This function is idempotent - safe to call multiple times.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1) // Single writer to avoid SQLITE_BUSY errors
	db.SetMaxIdleConns(1) // Keep one connection ready

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append inserts a mutation record at the tail of the queue.
// Uses ON CONFLICT(id) DO NOTHING for idempotency - re-appending a record
// that already exists is silently ignored.
func (s *Store) Append(ctx context.Context, rec mutation.Record) error {
	var payload []byte
	if len(rec.Payload) > 0 {
		payload = []byte(rec.Payload)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mutations
		(id, method, target, payload, base_updated_at, retry_count, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		rec.ID,
		string(rec.Method),
		rec.Target,
		payload,
		rec.BaseUpdatedAt.UTC().Format(time.RFC3339Nano),
		rec.RetryCount,
		rec.EnqueuedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("append mutation: %w", err)
	}
	return nil
}

// List returns all pending records in FIFO order (ORDER BY seq ASC).
// Returns an empty slice (not nil) when the queue is empty.
func (s *Store) List(ctx context.Context) ([]mutation.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, method, target, payload, base_updated_at, retry_count, enqueued_at
		FROM mutations
		ORDER BY seq ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list mutations: %w", err)
	}
	defer rows.Close()

	records := []mutation.Record{}
	for rows.Next() {
		var (
			rec       mutation.Record
			method    string
			payload   []byte
			baseTS    string
			enqueueTS string
		)
		if err := rows.Scan(&rec.ID, &method, &rec.Target, &payload, &baseTS, &rec.RetryCount, &enqueueTS); err != nil {
			return nil, fmt.Errorf("scan mutation: %w", err)
		}
		rec.Method = mutation.Method(method)
		if len(payload) > 0 {
			rec.Payload = json.RawMessage(payload)
		}
		if rec.BaseUpdatedAt, err = parseTime(baseTS); err != nil {
			return nil, fmt.Errorf("mutation %s: %w", rec.ID, err)
		}
		if rec.EnqueuedAt, err = parseTime(enqueueTS); err != nil {
			return nil, fmt.Errorf("mutation %s: %w", rec.ID, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list mutations: %w", err)
	}
	return records, nil
}

// Delete removes the record with the given id.
// Returns false (no error) if the id is absent - deletion is idempotent.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM mutations WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete mutation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete mutation: %w", err)
	}
	return n > 0, nil
}

// SetRetryCount overwrites the retry count for the given record.
// Returns false (no error) if the id is absent - the record may have been
// removed by a prior successful replay.
func (s *Store) SetRetryCount(ctx context.Context, id string, count int) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE mutations SET retry_count = ? WHERE id = ?`, count, id)
	if err != nil {
		return false, fmt.Errorf("set retry count: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set retry count: %w", err)
	}
	return n > 0, nil
}

// Count returns the number of pending records.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM mutations`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count mutations: %w", err)
	}
	return n, nil
}

// Checkpoint returns the persisted sync checkpoint, or the zero time if
// no checkpoint has been recorded yet.
func (s *Store) Checkpoint(ctx context.Context) (time.Time, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE key = ?`, checkpointKey).Scan(&value)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("read checkpoint: %w", err)
	}
	return parseTime(value)
}

// SetCheckpoint persists the sync checkpoint.
func (s *Store) SetCheckpoint(ctx context.Context, t time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, checkpointKey, t.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return nil
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
// This function is idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
		version = 1
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// migrateToV1 adds an index on mutations.target for per-resource
// diagnostics queries. New databases get it here too; CREATE INDEX IF NOT
// EXISTS is a no-op when the index already exists.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_mutations_target
		ON mutations(target)
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
