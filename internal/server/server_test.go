package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NotMyself/claude-hall-monitor/internal/collector"
	"github.com/NotMyself/claude-hall-monitor/internal/emitter"
	"github.com/NotMyself/claude-hall-monitor/internal/model"
	"github.com/NotMyself/claude-hall-monitor/internal/ratelimit"
	"github.com/NotMyself/claude-hall-monitor/internal/server"
	"github.com/NotMyself/claude-hall-monitor/internal/session"
	"github.com/NotMyself/claude-hall-monitor/internal/storage"
	"github.com/NotMyself/claude-hall-monitor/internal/testutil"
)

type testEnv struct {
	db      *storage.DB
	bus     *emitter.Emitter
	coll    *collector.Collector
	limiter *ratelimit.Limiter
	dist    *server.Distributor
	handler http.Handler
}

func newTestEnv(t *testing.T, streamLimit int) *testEnv {
	t.Helper()
	logger := testutil.NewTestLogger()
	db := testutil.NewTestDB(t)
	bus := emitter.New(logger)
	coll := collector.New(db, bus, logger, 100, time.Hour)
	tracker := session.NewTracker(coll, logger, time.Hour)
	limiter := ratelimit.New(streamLimit, time.Minute)
	t.Cleanup(func() { _ = limiter.Close() })
	dist := server.NewDistributor(bus, limiter, logger, "*")

	srv := server.New(server.Config{
		Handlers:    server.NewHandlers(db, coll, tracker, logger, "test"),
		Distributor: dist,
		Logger:      logger,
		Port:        0,
	})
	return &testEnv{db: db, bus: bus, coll: coll, limiter: limiter, dist: dist, handler: srv.Handler()}
}

// waitSubscribers blocks until n connections are subscribed to eventName.
func (e *testEnv) waitSubscribers(t *testing.T, eventName string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if e.dist.SubscriberCount(eventName) == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("never reached %d subscribers for %s", n, eventName)
}

func (e *testEnv) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func seedMetrics(t *testing.T, db *storage.DB) {
	t.Helper()
	entries := []model.MetricEntry{
		{
			ID: "m1", Timestamp: "2026-08-01T10:00:00.000Z", SessionID: "sess-1",
			Source: model.SourceHook, EventType: "tool_call", EventCategory: model.CategoryTool,
		},
		{
			ID: "m2", Timestamp: "2026-08-01T11:00:00.000Z", SessionID: "sess-2",
			Source: model.SourceTranscript, EventType: "api_response", EventCategory: model.CategoryAPI,
		},
	}
	require.NoError(t, db.InsertMetricBatch(context.Background(), entries))
}

func TestQueryMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, 5)
	seedMetrics(t, env.db)

	rec := env.get(t, "/api/metrics?session_id=sess-2")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp struct {
		Data  []model.MetricEntry `json:"data"`
		Total int                 `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "m2", resp.Data[0].ID)
	assert.Equal(t, 1, resp.Total)
}

func TestQueryMetricsRejectsBadParams(t *testing.T) {
	env := newTestEnv(t, 5)

	for _, path := range []string{
		"/api/metrics?session_id=bad/id",
		"/api/metrics?limit=-1",
		"/api/metrics?limit=abc",
		"/api/metrics?offset=-2",
	} {
		rec := env.get(t, path)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "path %s", path)
		assert.Contains(t, rec.Body.String(), model.ErrCodeInvalidInput)
	}
}

func TestPlanEndpoints(t *testing.T) {
	env := newTestEnv(t, 5)
	events := []model.PlanEvent{
		{
			ID: "p1", Timestamp: "2026-08-01T10:00:00.000Z", SessionID: "sess-1",
			EventType: model.PlanCreated, PlanName: "dashboard",
		},
		{
			ID: "p2", Timestamp: "2026-08-01T10:05:00.000Z", SessionID: "sess-1",
			EventType: model.FeatureCompleted, PlanName: "dashboard", FeatureID: "F001",
		},
	}
	require.NoError(t, env.db.InsertPlanEventBatch(context.Background(), events))

	t.Run("list", func(t *testing.T) {
		rec := env.get(t, "/api/plans?event_type=feature_completed")
		require.Equal(t, http.StatusOK, rec.Code)
		var resp struct {
			Data []model.PlanEvent `json:"data"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Len(t, resp.Data, 1)
		assert.Equal(t, "F001", resp.Data[0].FeatureID)
	})

	t.Run("by name", func(t *testing.T) {
		rec := env.get(t, "/api/plans/dashboard")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"p1"`)
		assert.Contains(t, rec.Body.String(), `"p2"`)
	})

	t.Run("unknown plan is 404", func(t *testing.T) {
		rec := env.get(t, "/api/plans/nonexistent")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("encoded slash in name is rejected", func(t *testing.T) {
		rec := env.get(t, "/api/plans/a%2fb")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHeartbeatEndpoint(t *testing.T) {
	env := newTestEnv(t, 5)

	post := func(body string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/heartbeat", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		env.handler.ServeHTTP(rec, req)
		return rec
	}

	rec := post(`{"session_id":"sess-1","project_path":"/home/u/proj"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp struct {
		Data struct {
			Beats   int64 `json:"beats"`
			Emitted bool  `json:"emitted"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(1), resp.Data.Beats)
	assert.True(t, resp.Data.Emitted)

	// Second beat inside the throttle window counts but does not emit.
	rec = post(`{"session_id":"sess-1","project_path":"/home/u/proj"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(2), resp.Data.Beats)
	assert.False(t, resp.Data.Emitted)

	t.Run("invalid session id", func(t *testing.T) {
		rec := post(`{"session_id":"bad id"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("malformed body", func(t *testing.T) {
		rec := post(`{"session_id":`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, 5)
	rec := env.get(t, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)
	assert.Contains(t, rec.Body.String(), `"database":"connected"`)
}

func TestStreamHandshakeAndDelivery(t *testing.T) {
	env := newTestEnv(t, 5)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/events/metrics", nil).WithContext(ctx)
	req.RemoteAddr = "10.0.0.1:52000"
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		env.handler.ServeHTTP(rec, req)
		close(done)
	}()

	env.waitSubscribers(t, emitter.EventMetric, 1)
	env.bus.Emit(emitter.EventMetric, model.MetricEntry{
		ID: "live-1", Timestamp: model.Now(), SessionID: "sess-1",
		Source: model.SourceHook, EventType: "tool_call", EventCategory: model.CategoryTool,
	})
	time.Sleep(100 * time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream handler did not return on context cancellation")
	}

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	body := rec.Body.String()
	assert.True(t, strings.HasPrefix(body, ": connected\n\n"), "handshake comment must come first")
	assert.Contains(t, body, "event: metric\n")
	assert.Contains(t, body, `"live-1"`)
	assert.Zero(t, env.dist.SubscriberCount(emitter.EventMetric),
		"disconnect must unsubscribe")
}

func TestStreamFansOutToAllClients(t *testing.T) {
	env := newTestEnv(t, 5)

	type client struct {
		rec    *httptest.ResponseRecorder
		cancel context.CancelFunc
		done   chan struct{}
	}
	open := func(remote string) *client {
		ctx, cancel := context.WithCancel(context.Background())
		req := httptest.NewRequest(http.MethodGet, "/api/events/plans", nil).WithContext(ctx)
		req.RemoteAddr = remote
		c := &client{rec: httptest.NewRecorder(), cancel: cancel, done: make(chan struct{})}
		go func() {
			env.handler.ServeHTTP(c.rec, req)
			close(c.done)
		}()
		return c
	}

	a := open("10.0.0.1:50001")
	b := open("10.0.0.2:50002")
	env.waitSubscribers(t, emitter.EventPlanEvent, 2)

	env.bus.Emit(emitter.EventPlanEvent, model.PlanEvent{
		ID: "pe-1", Timestamp: model.Now(), SessionID: "sess-1",
		EventType: model.FeatureStarted, PlanName: "dashboard",
	})
	time.Sleep(100 * time.Millisecond)

	for _, c := range []*client{a, b} {
		c.cancel()
		select {
		case <-c.done:
		case <-time.After(2 * time.Second):
			t.Fatal("stream handler did not return on context cancellation")
		}
		assert.Contains(t, c.rec.Body.String(), `"pe-1"`,
			"every connected client must receive the event")
	}
}

func TestStreamRateLimitReturns429(t *testing.T) {
	env := newTestEnv(t, 1)

	// Consume the single slot the client has in this window.
	require.True(t, env.limiter.Allow("10.0.0.9"))

	req := httptest.NewRequest(http.MethodGet, "/api/events/plans", nil)
	req.RemoteAddr = "10.0.0.9:52000"
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), model.ErrCodeRateLimited)
}

func TestStreamKeyUsesForwardedFor(t *testing.T) {
	env := newTestEnv(t, 1)

	require.True(t, env.limiter.Allow("203.0.113.7"))

	req := httptest.NewRequest(http.MethodGet, "/api/events/metrics", nil)
	req.RemoteAddr = "10.0.0.1:52000"
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}
