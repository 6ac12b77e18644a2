// Package history records tunneled invocations in a local SQLite
// database for later inspection. Recording is best-effort: a history
// failure never fails an invocation.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/boundlessdigital/live-lambda/internal/database"
)

// Status classifies how an invocation ended.
type Status string

const (
	StatusOK            Status = "ok"
	StatusError         Status = "error"
	StatusFiltered      Status = "filtered"
	StatusPublishFailed Status = "publish_failed"
)

// Record is one tunneled invocation.
type Record struct {
	ID           string
	RequestID    string
	FunctionName string
	Handler      string
	Status       Status
	Error        string
	DurationMS   int64
	StartedAt    time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS invocations (
	id TEXT PRIMARY KEY,
	request_id TEXT NOT NULL,
	function_name TEXT NOT NULL,
	handler TEXT NOT NULL,
	status TEXT NOT NULL,
	error TEXT,
	duration_ms INTEGER NOT NULL,
	started_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_invocations_started_at ON invocations(started_at);
CREATE INDEX IF NOT EXISTS idx_invocations_function ON invocations(function_name);
`

// Store persists invocation records.
type Store struct {
	db *database.DB
}

// Open creates the database file (and parent directory) if needed and
// applies the schema.
func Open(path string) (*Store, error) {
	db, err := database.Open(path, database.DefaultOptions())
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying history schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Record inserts one invocation record.
func (s *Store) Record(ctx context.Context, rec *Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now()
	}

	query := `
		INSERT INTO invocations (
			id, request_id, function_name, handler,
			status, error, duration_ms, started_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		rec.ID,
		rec.RequestID,
		rec.FunctionName,
		rec.Handler,
		string(rec.Status),
		nullable(rec.Error),
		rec.DurationMS,
		rec.StartedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting invocation record: %w", err)
	}
	return nil
}

// Recent returns the latest records, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, request_id, function_name, handler,
		       status, error, duration_ms, started_at
		FROM invocations
		ORDER BY started_at DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("querying invocation records: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// ByFunction returns the latest records for one function, newest first.
func (s *Store) ByFunction(ctx context.Context, name string, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, request_id, function_name, handler,
		       status, error, duration_ms, started_at
		FROM invocations
		WHERE function_name = ?
		ORDER BY started_at DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, name, limit)
	if err != nil {
		return nil, fmt.Errorf("querying invocation records: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Prune deletes records older than the retention window.
func (s *Store) Prune(ctx context.Context, retention time.Duration) error {
	cutoff := time.Now().Add(-retention).UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `DELETE FROM invocations WHERE started_at < ?`, cutoff)
	if err != nil {
		return fmt.Errorf("pruning invocation records: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func scanRecord(rows *sql.Rows) (*Record, error) {
	var rec Record
	var errStr sql.NullString
	var startedAt string

	if err := rows.Scan(
		&rec.ID,
		&rec.RequestID,
		&rec.FunctionName,
		&rec.Handler,
		&rec.Status,
		&errStr,
		&rec.DurationMS,
		&startedAt,
	); err != nil {
		return nil, fmt.Errorf("scanning invocation record: %w", err)
	}

	rec.Error = errStr.String
	if t, err := time.Parse(time.RFC3339Nano, startedAt); err == nil {
		rec.StartedAt = t
	}
	return &rec, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
