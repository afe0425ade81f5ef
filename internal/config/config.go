// Package config loads and validates application configuration from
// environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port          int
	ReadTimeout   time.Duration
	AllowedOrigin string // Access-Control-Allow-Origin for the SSE feeds.

	// Database settings.
	DatabasePath string

	// Collector settings.
	MaxBufferSize int
	FlushInterval time.Duration

	// Transcript watcher settings.
	TranscriptDir string
	NativeWatch   bool
	PollInterval  time.Duration

	// Streaming rate limit.
	StreamLimit  int
	StreamWindow time.Duration

	// Heartbeat throttling.
	HeartbeatInterval time.Duration

	// OTEL settings.
	OTELEndpoint string
	ServiceName  string

	// Operational settings.
	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:              envInt("HALLMON_PORT", 4180),
		ReadTimeout:       envDuration("HALLMON_READ_TIMEOUT", 30*time.Second),
		AllowedOrigin:     envStr("HALLMON_ALLOWED_ORIGIN", "http://localhost:4180"),
		DatabasePath:      envStr("HALLMON_DB_PATH", "data/hall-monitor.db"),
		MaxBufferSize:     envInt("HALLMON_MAX_BUFFER_SIZE", 100),
		FlushInterval:     envDuration("HALLMON_FLUSH_INTERVAL", 5*time.Second),
		TranscriptDir:     envStr("HALLMON_TRANSCRIPT_DIR", defaultTranscriptDir()),
		NativeWatch:       envBool("HALLMON_NATIVE_WATCH", true),
		PollInterval:      envDuration("HALLMON_POLL_INTERVAL", 2*time.Second),
		StreamLimit:       envInt("HALLMON_STREAM_LIMIT", 5),
		StreamWindow:      envDuration("HALLMON_STREAM_WINDOW", time.Minute),
		HeartbeatInterval: envDuration("HALLMON_HEARTBEAT_INTERVAL", 30*time.Second),
		OTELEndpoint:      envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:       envStr("OTEL_SERVICE_NAME", "hall-monitor"),
		LogLevel:          envStr("HALLMON_LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and coherent.
func (c Config) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("config: HALLMON_DB_PATH is required")
	}
	if c.MaxBufferSize <= 0 {
		return fmt.Errorf("config: HALLMON_MAX_BUFFER_SIZE must be positive")
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("config: HALLMON_FLUSH_INTERVAL must be positive")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("config: HALLMON_POLL_INTERVAL must be positive")
	}
	if c.StreamLimit <= 0 {
		return fmt.Errorf("config: HALLMON_STREAM_LIMIT must be positive")
	}
	return nil
}

func defaultTranscriptDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home + "/.claude/projects"
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
