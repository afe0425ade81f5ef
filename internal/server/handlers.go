package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/NotMyself/claude-hall-monitor/internal/collector"
	"github.com/NotMyself/claude-hall-monitor/internal/model"
	"github.com/NotMyself/claude-hall-monitor/internal/session"
	"github.com/NotMyself/claude-hall-monitor/internal/storage"
)

// Handlers holds the dependencies for the query and ingestion endpoints.
type Handlers struct {
	db      *storage.DB
	coll    *collector.Collector
	tracker *session.Tracker
	logger  *slog.Logger
	version string
}

// NewHandlers creates the handler set.
func NewHandlers(db *storage.DB, coll *collector.Collector, tracker *session.Tracker, logger *slog.Logger, version string) *Handlers {
	return &Handlers{db: db, coll: coll, tracker: tracker, logger: logger, version: version}
}

// queryOptionsFromRequest builds QueryOptions from URL query parameters.
func queryOptionsFromRequest(r *http.Request) (model.QueryOptions, error) {
	q := r.URL.Query()
	opts := model.QueryOptions{
		SessionID:     q.Get("session_id"),
		EventType:     q.Get("event_type"),
		EventCategory: q.Get("event_category"),
		StartTime:     q.Get("start_time"),
		EndTime:       q.Get("end_time"),
	}
	if opts.SessionID != "" {
		if err := model.ValidateSessionID(opts.SessionID); err != nil {
			return opts, err
		}
	}
	if tags := q.Get("tags"); tags != "" {
		for _, tag := range strings.Split(tags, ",") {
			if tag = strings.TrimSpace(tag); tag != "" {
				opts.Tags = append(opts.Tags, tag)
			}
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return opts, errInvalidParam("limit")
		}
		opts.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return opts, errInvalidParam("offset")
		}
		opts.Offset = n
	}
	return opts, nil
}

type paramError string

func (e paramError) Error() string { return "invalid parameter: " + string(e) }

func errInvalidParam(name string) error { return paramError(name) }

// HandleQueryMetrics serves GET /api/metrics.
func (h *Handlers) HandleQueryMetrics(w http.ResponseWriter, r *http.Request) {
	opts, err := queryOptionsFromRequest(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	entries, err := h.db.QueryMetrics(r.Context(), opts)
	if err != nil {
		h.logger.Error("handlers: query metrics", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "query failed")
		return
	}
	writeList(w, r, entries, len(entries), opts)
}

// HandleQueryPlans serves GET /api/plans.
func (h *Handlers) HandleQueryPlans(w http.ResponseWriter, r *http.Request) {
	opts, err := queryOptionsFromRequest(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	events, err := h.db.QueryPlanEvents(r.Context(), opts)
	if err != nil {
		h.logger.Error("handlers: query plan events", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "query failed")
		return
	}
	writeList(w, r, events, len(events), opts)
}

// HandlePlanByName serves GET /api/plans/{plan}.
func (h *Handlers) HandlePlanByName(w http.ResponseWriter, r *http.Request) {
	planName := r.PathValue("plan")
	if err := model.SanitizePathComponent(planName); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	events, err := h.db.QueryPlanEventsByPlan(r.Context(), planName)
	if err != nil {
		h.logger.Error("handlers: query plan by name", "error", err, "plan", planName)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "query failed")
		return
	}
	if len(events) == 0 {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "unknown plan")
		return
	}
	writeJSON(w, r, http.StatusOK, events)
}

// HandleHeartbeat serves POST /api/heartbeat, the producer adapter for
// session liveness counters.
func (h *Handlers) HandleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req model.HeartbeatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "malformed body")
		return
	}
	if err := model.ValidateSessionID(req.SessionID); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	beats, emitted := h.tracker.Beat(req.SessionID, req.ProjectPath)
	writeJSON(w, r, http.StatusAccepted, map[string]any{
		"beats":   beats,
		"emitted": emitted,
	})
}

// HandleHealth serves GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	httpStatus := http.StatusOK
	dbStatus := "connected"

	if err := h.db.Ping(r.Context()); err != nil {
		dbStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	bufDepth := h.coll.Len()
	bufStatus := "ok"
	capacity := h.coll.Capacity()
	if bufDepth > capacity*3/4 {
		bufStatus = "critical"
		if status == "healthy" {
			status = "degraded"
		}
	} else if bufDepth > capacity/2 {
		bufStatus = "high"
	}

	writeJSON(w, r, httpStatus, map[string]any{
		"status":       status,
		"version":      h.version,
		"database":     dbStatus,
		"buffer":       bufStatus,
		"buffer_depth": bufDepth,
		"dropped":      h.coll.Dropped(),
	})
}

func writeList(w http.ResponseWriter, r *http.Request, data any, count int, opts model.QueryOptions) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(model.ListResponse{
		Data:    data,
		Total:   count,
		HasMore: opts.Limit > 0 && count == opts.Limit,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
		Meta: model.ResponseMeta{
			RequestID: RequestIDFromContext(r.Context()),
			Timestamp: time.Now().UTC(),
		},
	})
}
