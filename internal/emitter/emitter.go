// Package emitter provides the in-process publish/subscribe bus that connects
// producers (collector, transcript parser) to live subscribers (SSE streams).
package emitter

import (
	"log/slog"
	"reflect"
	"sync"
)

// Event names carried on the bus.
const (
	EventMetric           = "metric"
	EventPlanEvent        = "plan_event"
	EventTranscriptMetric = "transcript_metric"
	EventFlush            = "flush"
	EventShutdown         = "shutdown"
)

// Listener receives the payload of one emitted event.
type Listener func(payload any)

// Emitter is a named pub/sub bus. Listeners for one event are held in a set
// keyed by function identity: registering the identical function twice is a
// no-op the second time. Identity is the function's code pointer, so closures
// created from the same literal share one identity; callers needing many
// dynamic subscribers per event should fan out through a single listener the
// way the server's stream distributor does. Safe for concurrent use.
type Emitter struct {
	logger *slog.Logger

	mu        sync.RWMutex
	listeners map[string]map[uintptr]Listener
}

// New creates an Emitter.
func New(logger *slog.Logger) *Emitter {
	return &Emitter{
		logger:    logger,
		listeners: make(map[string]map[uintptr]Listener),
	}
}

// listenerKey identifies a listener by the pointer of its function value.
func listenerKey(l Listener) uintptr {
	return reflect.ValueOf(l).Pointer()
}

// On registers a listener for event. Registering the same function value
// twice for the same event leaves the first registration in place.
func (e *Emitter) On(event string, l Listener) {
	if l == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	set, ok := e.listeners[event]
	if !ok {
		set = make(map[uintptr]Listener)
		e.listeners[event] = set
	}
	key := listenerKey(l)
	if _, exists := set[key]; exists {
		return
	}
	set[key] = l
}

// Off removes one listener from event. Unknown listeners are ignored.
func (e *Emitter) Off(event string, l Listener) {
	if l == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	set, ok := e.listeners[event]
	if !ok {
		return
	}
	delete(set, listenerKey(l))
	if len(set) == 0 {
		delete(e.listeners, event)
	}
}

// Emit invokes every listener registered for event with payload and returns
// once all of them have completed. Listeners run concurrently with no ordering
// guarantee. A panicking listener is recovered and logged; it never affects
// sibling listeners or the emitting caller.
func (e *Emitter) Emit(event string, payload any) {
	e.mu.RLock()
	set := e.listeners[event]
	snapshot := make([]Listener, 0, len(set))
	for _, l := range set {
		snapshot = append(snapshot, l)
	}
	e.mu.RUnlock()

	if len(snapshot) == 0 {
		return
	}

	var wg sync.WaitGroup
	wg.Add(len(snapshot))
	for _, l := range snapshot {
		go func(l Listener) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("emitter: listener panic", "event", event, "panic", r)
				}
			}()
			l(payload)
		}(l)
	}
	wg.Wait()
}

// RemoveAllListeners clears listeners for the named events, or every event
// when called with no arguments.
func (e *Emitter) RemoveAllListeners(events ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(events) == 0 {
		e.listeners = make(map[string]map[uintptr]Listener)
		return
	}
	for _, event := range events {
		delete(e.listeners, event)
	}
}

// ListenerCount returns how many listeners are registered for event.
func (e *Emitter) ListenerCount(event string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.listeners[event])
}
