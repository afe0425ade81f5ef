package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/NotMyself/claude-hall-monitor/internal/emitter"
	"github.com/NotMyself/claude-hall-monitor/internal/model"
	"github.com/NotMyself/claude-hall-monitor/internal/ratelimit"
)

// subscriberBuffer bounds per-connection queued events. A slow client with a
// full buffer loses events rather than blocking the emitting producer;
// missed live events remain recoverable through the query API.
const subscriberBuffer = 64

const keepaliveInterval = 15 * time.Second

// Distributor exposes the live feeds. It registers one bus listener per event
// name and fans each event out to the open SSE connections through bounded
// per-connection channels, gated by the shared rate limiter.
type Distributor struct {
	bus           *emitter.Emitter
	limiter       *ratelimit.Limiter
	logger        *slog.Logger
	allowedOrigin string

	mu          sync.RWMutex
	subscribers map[string]map[chan []byte]struct{}
}

// NewDistributor creates a Distributor subscribed to the metric and plan
// event feeds.
func NewDistributor(bus *emitter.Emitter, limiter *ratelimit.Limiter, logger *slog.Logger, allowedOrigin string) *Distributor {
	d := &Distributor{
		bus:           bus,
		limiter:       limiter,
		logger:        logger,
		allowedOrigin: allowedOrigin,
		subscribers:   make(map[string]map[chan []byte]struct{}),
	}
	bus.On(emitter.EventMetric, func(payload any) {
		d.broadcast(emitter.EventMetric, payload)
	})
	bus.On(emitter.EventPlanEvent, func(payload any) {
		d.broadcast(emitter.EventPlanEvent, payload)
	})
	return d
}

// broadcast serializes payload once and hands the framed event to every open
// connection for eventName. A payload that fails to serialize is logged and
// skipped; a connection with a full buffer misses this event only.
func (d *Distributor) broadcast(eventName string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		d.logger.Error("stream: cannot serialize event",
			"event", eventName, "error", err)
		return
	}
	msg := formatSSE(eventName, data)

	d.mu.RLock()
	defer d.mu.RUnlock()
	for ch := range d.subscribers[eventName] {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (d *Distributor) subscribe(eventName string) chan []byte {
	ch := make(chan []byte, subscriberBuffer)
	d.mu.Lock()
	defer d.mu.Unlock()
	set, ok := d.subscribers[eventName]
	if !ok {
		set = make(map[chan []byte]struct{})
		d.subscribers[eventName] = set
	}
	set[ch] = struct{}{}
	return ch
}

func (d *Distributor) unsubscribe(eventName string, ch chan []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if set, ok := d.subscribers[eventName]; ok {
		delete(set, ch)
		if len(set) == 0 {
			delete(d.subscribers, eventName)
		}
	}
}

// SubscriberCount returns the number of open connections for eventName.
func (d *Distributor) SubscriberCount(eventName string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[eventName])
}

// HandleMetricsStream serves GET /api/events/metrics.
func (d *Distributor) HandleMetricsStream(w http.ResponseWriter, r *http.Request) {
	d.handleStream(w, r, emitter.EventMetric)
}

// HandlePlansStream serves GET /api/events/plans.
func (d *Distributor) HandlePlansStream(w http.ResponseWriter, r *http.Request) {
	d.handleStream(w, r, emitter.EventPlanEvent)
}

func (d *Distributor) handleStream(w http.ResponseWriter, r *http.Request, eventName string) {
	clientID := clientKey(r)
	if !d.limiter.Allow(clientID) {
		w.Header().Set("Retry-After", strconv.Itoa(d.limiter.RetryAfter()))
		writeError(w, r, http.StatusTooManyRequests, model.ErrCodeRateLimited,
			"too many concurrent streams")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError,
			"streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", d.allowedOrigin)
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write([]byte(": connected\n\n")); err != nil {
		return
	}
	flusher.Flush()

	// Long-lived connection: the server's WriteTimeout must not apply.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	ch := d.subscribe(eventName)
	defer d.unsubscribe(eventName, ch)

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	d.logger.Debug("stream: client connected", "event", eventName, "client", clientID)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			d.logger.Debug("stream: client disconnected", "event", eventName, "client", clientID)
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case msg := <-ch:
			if _, err := w.Write(msg); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// formatSSE frames one event as a named Server-Sent Events block.
func formatSSE(eventType string, data []byte) []byte {
	var b strings.Builder
	b.Grow(len(eventType) + len(data) + 16)
	b.WriteString("event: ")
	b.WriteString(eventType)
	b.WriteString("\ndata: ")
	b.Write(data)
	b.WriteString("\n\n")
	return []byte(b.String())
}

// clientKey derives the rate-limit identity from forwarded-address headers,
// falling back to the connection address, then a placeholder.
func clientKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first, _, found := strings.Cut(fwd, ","); found || first != "" {
			return strings.TrimSpace(first)
		}
	}
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		addr = addr[:idx]
	}
	if addr == "" {
		return "unknown"
	}
	return addr
}
