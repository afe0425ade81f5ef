package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Retry defaults for write paths. Lock contention from another process
// holding the write lock is the only error class worth retrying.
const (
	defaultMaxRetries = 5
	defaultBaseDelay  = 100 * time.Millisecond
)

// isRetriable reports whether err is a transient lock-contention error.
// Schema and I/O faults are not retriable and propagate immediately.
func isRetriable(err error) bool {
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		// Extended result codes carry the primary code in the low byte.
		switch serr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
		return false
	}
	// The driver sometimes surfaces contention as a plain error string.
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// WithRetry executes fn, retrying up to maxRetries times on lock-contention
// errors with exponential backoff starting at baseDelay and doubling each
// attempt. The backoff waits in a select so concurrent work is never stalled.
// Non-retriable errors and exhausted retries return the original error.
func WithRetry(ctx context.Context, maxRetries int, baseDelay time.Duration, fn func() error) error {
	var err error
	for attempt := range maxRetries {
		err = fn()
		if err == nil || !isRetriable(err) {
			return err
		}
		if attempt == maxRetries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(baseDelay):
		}
		baseDelay *= 2
	}
	return err
}

// withWriteRetry applies the default retry policy to one write operation.
func (db *DB) withWriteRetry(ctx context.Context, fn func() error) error {
	return WithRetry(ctx, defaultMaxRetries, defaultBaseDelay, fn)
}
