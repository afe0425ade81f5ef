// Package ratelimit provides per-client admission control for the streaming
// endpoints. One Limiter instance is shared across all admission points so
// the cap applies per client address, not per endpoint.
package ratelimit

import (
	"sync"
	"time"
)

// window tracks one client's connection count inside the current window.
type window struct {
	count   int
	startAt time.Time
}

// Limiter admits up to max connections per client within a fixed window.
// Safe for concurrent use.
type Limiter struct {
	max      int
	interval time.Duration

	mu      sync.Mutex
	clients map[string]*window

	stopOnce sync.Once
	done     chan struct{}
}

// New creates a Limiter allowing max connections per interval per client.
// A background goroutine purges fully elapsed windows to bound memory;
// call Close to stop it.
func New(max int, interval time.Duration) *Limiter {
	l := &Limiter{
		max:      max,
		interval: interval,
		clients:  make(map[string]*window),
		done:     make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether clientID may open another connection. A client with
// no entry, or whose window has elapsed, starts a fresh window with count 1.
func (l *Limiter) Allow(clientID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	w, ok := l.clients[clientID]
	if !ok || now.Sub(w.startAt) >= l.interval {
		l.clients[clientID] = &window{count: 1, startAt: now}
		return true
	}
	if w.count < l.max {
		w.count++
		return true
	}
	return false
}

// RetryAfter returns the hint, in seconds, sent with a denied connection.
func (l *Limiter) RetryAfter() int {
	return int(l.interval / time.Second)
}

// Close stops the cleanup goroutine. Safe to call multiple times.
func (l *Limiter) Close() error {
	l.stopOnce.Do(func() { close(l.done) })
	return nil
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.cleanup()
		}
	}
}

// cleanup purges entries whose window has fully elapsed.
func (l *Limiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	for id, w := range l.clients {
		if now.Sub(w.startAt) >= l.interval {
			delete(l.clients, id)
		}
	}
}
