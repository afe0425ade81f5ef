// Command hall-monitor runs the telemetry ingestion, storage, and live
// fan-out pipeline behind the activity dashboard.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/NotMyself/claude-hall-monitor/internal/collector"
	"github.com/NotMyself/claude-hall-monitor/internal/config"
	"github.com/NotMyself/claude-hall-monitor/internal/emitter"
	"github.com/NotMyself/claude-hall-monitor/internal/model"
	"github.com/NotMyself/claude-hall-monitor/internal/ratelimit"
	"github.com/NotMyself/claude-hall-monitor/internal/server"
	"github.com/NotMyself/claude-hall-monitor/internal/session"
	"github.com/NotMyself/claude-hall-monitor/internal/storage"
	"github.com/NotMyself/claude-hall-monitor/internal/telemetry"
	"github.com/NotMyself/claude-hall-monitor/internal/transcript"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	_ = godotenv.Load()

	level := slog.LevelInfo
	if os.Getenv("HALLMON_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, true)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	db, err := storage.Open(cfg.DatabasePath, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Warn("storage close", "error", err)
		}
	}()

	bus := emitter.New(logger)

	coll := collector.New(db, bus, logger, cfg.MaxBufferSize, cfg.FlushInterval)
	coll.Start(ctx)

	// Transcript metrics flow through the collector like any other producer.
	bus.On(emitter.EventTranscriptMetric, func(payload any) {
		if entry, ok := payload.(model.MetricEntry); ok {
			coll.Collect(entry)
		}
	})

	parser := transcript.New(transcript.Config{
		RootDir:      cfg.TranscriptDir,
		NativeWatch:  cfg.NativeWatch,
		PollInterval: cfg.PollInterval,
	}, bus, logger)
	parser.Start(ctx)
	defer parser.Stop()

	limiter := ratelimit.New(cfg.StreamLimit, cfg.StreamWindow)
	defer func() { _ = limiter.Close() }()

	tracker := session.NewTracker(coll, logger, cfg.HeartbeatInterval)

	srv := server.New(server.Config{
		Handlers:    server.NewHandlers(db, coll, tracker, logger, version),
		Distributor: server.NewDistributor(bus, limiter, logger, cfg.AllowedOrigin),
		Logger:      logger,
		Port:        cfg.Port,
		ReadTimeout: cfg.ReadTimeout,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.ListenAndServe)
	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		parser.Stop()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown", "error", err)
		}
		// Final drain so buffered entries survive the restart.
		coll.Shutdown(shutdownCtx)
		return nil
	})

	logger.Info("hall-monitor started",
		"version", version,
		"db", cfg.DatabasePath,
		"transcripts", cfg.TranscriptDir,
	)
	return g.Wait()
}
