package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Server is the hall-monitor HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Config holds the dependencies and settings for creating a Server.
type Config struct {
	Handlers    *Handlers
	Distributor *Distributor
	Logger      *slog.Logger

	Port        int
	ReadTimeout time.Duration
}

// New creates an HTTP server with all routes configured.
func New(cfg Config) *Server {
	h := cfg.Handlers
	d := cfg.Distributor

	mux := http.NewServeMux()

	// Live feeds (admission-controlled inside the distributor).
	mux.HandleFunc("GET /api/events/metrics", d.HandleMetricsStream)
	mux.HandleFunc("GET /api/events/plans", d.HandlePlansStream)

	// Query surface.
	mux.HandleFunc("GET /api/metrics", h.HandleQueryMetrics)
	mux.HandleFunc("GET /api/plans", h.HandleQueryPlans)
	mux.HandleFunc("GET /api/plans/{plan}", h.HandlePlanByName)

	// Producer adapter.
	mux.HandleFunc("POST /api/heartbeat", h.HandleHeartbeat)

	mux.HandleFunc("GET /health", h.HandleHealth)

	handler := requestIDMiddleware(loggingMiddleware(cfg.Logger, mux))

	return &Server{
		httpServer: &http.Server{
			Addr:        fmt.Sprintf(":%d", cfg.Port),
			Handler:     handler,
			ReadTimeout: cfg.ReadTimeout,
			// No WriteTimeout: the SSE feeds are long-lived. Handlers that
			// need a deadline set one via ResponseController.
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe blocks serving requests until Shutdown or failure.
func (s *Server) ListenAndServe() error {
	s.logger.Info("server: listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server, waiting for open connections.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
