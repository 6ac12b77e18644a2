// Package database opens and configures the local SQLite files the
// tool keeps its state in.
package database

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"database/sql"
)

// Options tunes a SQLite connection. The zero value plus DefaultOptions
// suits the tool's single-writer usage.
type Options struct {
	// WALMode enables write-ahead logging with NORMAL synchronous.
	WALMode bool

	// BusyTimeout is how long a locked database is retried.
	BusyTimeout time.Duration

	// ForeignKeys enables foreign key enforcement.
	ForeignKeys bool
}

// DefaultOptions returns the settings used unless a caller overrides
// them.
func DefaultOptions() Options {
	return Options{
		WALMode:     true,
		BusyTimeout: 5 * time.Second,
	}
}

// DB wraps sql.DB so Close can checkpoint the WAL file.
type DB struct {
	*sql.DB

	opts   Options
	mu     sync.Mutex
	closed bool
}

// Open creates the database file (and parent directory) if needed and
// applies the connection pragmas.
func Open(path string, opts Options) (*DB, error) {
	if err := ensureDir(path); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db := &DB{DB: sqlDB, opts: opts}
	if err := db.configure(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("configuring database: %w", err)
	}
	return db, nil
}

func ensureDir(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func (db *DB) configure() error {
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", db.opts.BusyTimeout.Milliseconds()),
	}

	if db.opts.WALMode {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
		pragmas = append(pragmas, "PRAGMA synchronous = NORMAL")
	}

	if db.opts.ForeignKeys {
		pragmas = append(pragmas, "PRAGMA foreign_keys = ON")
	}

	pragmas = append(pragmas, "PRAGMA temp_store = MEMORY")

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("executing %q: %w", pragma, err)
		}
	}
	return nil
}

// Close checkpoints the WAL file and closes the connection. Safe to
// call more than once.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return nil
	}
	db.closed = true

	if db.opts.WALMode {
		_, _ = db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	}
	return db.DB.Close()
}
