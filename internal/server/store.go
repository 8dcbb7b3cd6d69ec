// Package server implements the server-side collaborator boundary: the
// apply endpoint, the last-write-wins conflict resolver, and the
// authoritative resource store with its incremental change feed.
package server

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/studyhelper/syncbox/internal/mutation"
)

//go:embed schema.sql
var schemaSQL string

// timeLayout is RFC3339 with a fixed-width nanosecond fraction. Stored
// timestamps are compared lexicographically in SQL (updated_at > ?,
// ORDER BY updated_at), and RFC3339Nano trims trailing fractional
// zeros, which puts "12:00:00.5Z" before "12:00:00Z". Fixed width keeps
// string order identical to time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store holds the authoritative resource records the resolver arbitrates
// over. Unlike the client queue, errors here propagate: the server has no
// degraded mode, it answers 5xx and the client retries.
type Store struct {
	db *sql.DB
}

// OpenStore creates or opens the authoritative resource database.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to execute schema: %w", err)
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

// resource is one authoritative record.
type resource struct {
	Target    string
	Payload   []byte
	UpdatedAt time.Time
	Deleted   bool
}

// get returns the resource at target, or found=false.
func (s *Store) get(ctx context.Context, target string) (resource, bool, error) {
	var (
		res       resource
		updatedAt string
		deleted   int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT target, payload, updated_at, deleted FROM resources WHERE target = ?
	`, target).Scan(&res.Target, &res.Payload, &updatedAt, &deleted)
	if err == sql.ErrNoRows {
		return resource{}, false, nil
	}
	if err != nil {
		return resource{}, false, fmt.Errorf("get resource: %w", err)
	}
	res.Deleted = deleted != 0
	if res.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return resource{}, false, fmt.Errorf("resource %s: parse updated_at: %w", target, err)
	}
	return res, true, nil
}

// applyWrite upserts the resource and records the mutation id, in one
// transaction. Either both persist or neither does: a crash between the
// two writes would otherwise let a replayed mutation double-apply.
func (s *Store) applyWrite(ctx context.Context, mutationID string, res resource) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("apply write: %w", err)
	}
	defer tx.Rollback()

	ts := res.UpdatedAt.UTC().Format(timeLayout)
	deleted := 0
	if res.Deleted {
		deleted = 1
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO resources (target, payload, updated_at, deleted)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(target) DO UPDATE SET
			payload = excluded.payload,
			updated_at = excluded.updated_at,
			deleted = excluded.deleted
	`, res.Target, res.Payload, ts, deleted); err != nil {
		return fmt.Errorf("apply write: upsert resource: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO applied_mutations (id, target, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, mutationID, res.Target, ts); err != nil {
		return fmt.Errorf("apply write: record mutation id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("apply write: %w", err)
	}
	return nil
}

// wasApplied reports whether a mutation id has already been applied, and
// if so at what authoritative timestamp.
func (s *Store) wasApplied(ctx context.Context, mutationID string) (time.Time, bool, error) {
	var updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT updated_at FROM applied_mutations WHERE id = ?
	`, mutationID).Scan(&updatedAt)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("lookup applied mutation: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("applied mutation %s: parse updated_at: %w", mutationID, err)
	}
	return t, true, nil
}

// changesSince returns resources updated strictly after since, oldest
// first, ties broken by target for a deterministic feed.
func (s *Store) changesSince(ctx context.Context, since time.Time) ([]mutation.ServerChange, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT target, payload, updated_at, deleted
		FROM resources
		WHERE updated_at > ?
		ORDER BY updated_at ASC, target ASC
	`, since.UTC().Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("list changes: %w", err)
	}
	defer rows.Close()

	changes := []mutation.ServerChange{}
	for rows.Next() {
		var (
			ch        mutation.ServerChange
			updatedAt string
			deleted   int
		)
		if err := rows.Scan(&ch.Target, &ch.Payload, &updatedAt, &deleted); err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		ch.Deleted = deleted != 0
		if ch.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
			return nil, fmt.Errorf("change %s: parse updated_at: %w", ch.Target, err)
		}
		changes = append(changes, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list changes: %w", err)
	}
	return changes, nil
}
