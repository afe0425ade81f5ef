// Package session maintains per-session heartbeat counters.
package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/NotMyself/claude-hall-monitor/internal/model"
)

// Collector is the sink heartbeat entries are handed to.
type Collector interface {
	Collect(entry model.MetricEntry)
}

// Tracker keeps a monotonically increasing heartbeat counter per session,
// throttled by a minimum interval between emitted entries. State is owned by
// the instance; Reset exists for test isolation.
type Tracker struct {
	sink        Collector
	logger      *slog.Logger
	minInterval time.Duration

	mu       sync.Mutex
	counters map[string]*counter
}

type counter struct {
	beats       int64
	lastEmitted time.Time
}

// NewTracker creates a Tracker emitting at most one heartbeat entry per
// session per minInterval.
func NewTracker(sink Collector, logger *slog.Logger, minInterval time.Duration) *Tracker {
	return &Tracker{
		sink:        sink,
		logger:      logger,
		minInterval: minInterval,
		counters:    make(map[string]*counter),
	}
}

// Beat increments the session's counter. When the throttle interval has
// elapsed since the last emitted heartbeat, a metric entry carrying the
// counter value is handed to the collector. Returns the counter value and
// whether an entry was emitted.
func (t *Tracker) Beat(sessionID, projectPath string) (int64, bool) {
	t.mu.Lock()
	c, ok := t.counters[sessionID]
	if !ok {
		c = &counter{}
		t.counters[sessionID] = c
	}
	c.beats++
	beats := c.beats

	now := time.Now()
	emit := c.lastEmitted.IsZero() || now.Sub(c.lastEmitted) >= t.minInterval
	if emit {
		c.lastEmitted = now
	}
	t.mu.Unlock()

	if !emit {
		return beats, false
	}

	t.sink.Collect(model.MetricEntry{
		ID:            uuid.NewString(),
		Timestamp:     model.Now(),
		SessionID:     sessionID,
		ProjectPath:   projectPath,
		Source:        model.SourceHook,
		EventType:     "heartbeat",
		EventCategory: model.CategorySession,
		Data:          map[string]any{"beats": beats},
	})
	return beats, true
}

// Count returns the current counter value for a session.
func (t *Tracker) Count(sessionID string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.counters[sessionID]; ok {
		return c.beats
	}
	return 0
}

// Reset clears all counters.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counters = make(map[string]*counter)
}
