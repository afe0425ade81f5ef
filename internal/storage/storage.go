// Package storage persists metrics and plan events in an embedded SQLite
// database tuned for a single-writer, multi-reader workload.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// DB wraps the SQLite handle with the pipeline's read and write operations.
type DB struct {
	db     *sql.DB
	logger *slog.Logger
	path   string
}

// Open creates the database file (and parent directory) if needed, applies
// the performance pragmas, and creates the schema.
func Open(path string, logger *slog.Logger) (*DB, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("storage: create directory: %w", err)
		}
	}

	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}

	// SQLite allows one writer; funneling all writes through a single
	// connection avoids spurious SQLITE_BUSY between our own goroutines.
	// Contention from other processes is still handled by WithRetry.
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.PingContext(context.Background()); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("storage: connect: %w", err)
	}

	db := &DB{db: sqlDB, logger: logger, path: path}

	if err := db.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := db.createSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Ping verifies the database handle is usable.
func (db *DB) Ping(ctx context.Context) error {
	return db.db.PingContext(ctx)
}

// configure applies pragmas for frequent small writes with concurrent reads.
func (db *DB) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA cache_size=-64000", // 64MB cache
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.db.ExecContext(context.Background(), pragma); err != nil {
			return fmt.Errorf("storage: %s: %w", pragma, err)
		}
	}
	return nil
}

func (db *DB) createSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS metrics (
		id TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		session_id TEXT NOT NULL,
		project_path TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL,
		event_type TEXT NOT NULL,
		event_category TEXT NOT NULL,
		model TEXT,
		tokens TEXT,
		cost TEXT,
		tool_name TEXT,
		tool_duration_ms INTEGER,
		tool_success INTEGER,
		data TEXT,
		tags TEXT NOT NULL DEFAULT '[]'
	);
	CREATE INDEX IF NOT EXISTS idx_metrics_timestamp ON metrics(timestamp);
	CREATE INDEX IF NOT EXISTS idx_metrics_session ON metrics(session_id);
	CREATE INDEX IF NOT EXISTS idx_metrics_event_type ON metrics(event_type);
	CREATE INDEX IF NOT EXISTS idx_metrics_category ON metrics(event_category);

	CREATE TABLE IF NOT EXISTS plan_events (
		id TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		session_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		plan_name TEXT NOT NULL,
		plan_path TEXT NOT NULL DEFAULT '',
		feature_id TEXT,
		feature_description TEXT,
		status TEXT,
		pr_url TEXT,
		data TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_plan_events_timestamp ON plan_events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_plan_events_session ON plan_events(session_id);
	CREATE INDEX IF NOT EXISTS idx_plan_events_plan ON plan_events(plan_name);
	`
	if _, err := db.db.ExecContext(context.Background(), schema); err != nil {
		return fmt.Errorf("storage: create schema: %w", err)
	}
	return nil
}

// Close checkpoints the WAL and releases the database handle.
func (db *DB) Close() error {
	_, _ = db.db.ExecContext(context.Background(), "PRAGMA wal_checkpoint(TRUNCATE)")
	return db.db.Close()
}
