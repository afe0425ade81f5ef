// Package testutil provides shared test infrastructure: throwaway SQLite
// databases and quiet loggers.
package testutil

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/NotMyself/claude-hall-monitor/internal/storage"
)

// NewTestLogger returns a logger that only surfaces errors, keeping test
// output readable.
func NewTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// NewTestDB opens a fresh database under t.TempDir and closes it when the
// test finishes.
func NewTestDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"), NewTestLogger())
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Errorf("close test database: %v", err)
		}
	})
	return db
}
