package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 4180, cfg.Port)
	assert.Equal(t, "data/hall-monitor.db", cfg.DatabasePath)
	assert.Equal(t, 100, cfg.MaxBufferSize)
	assert.Equal(t, 5*time.Second, cfg.FlushInterval)
	assert.True(t, cfg.NativeWatch)
	assert.Equal(t, 5, cfg.StreamLimit)
	assert.Equal(t, time.Minute, cfg.StreamWindow)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("HALLMON_PORT", "9000")
	t.Setenv("HALLMON_MAX_BUFFER_SIZE", "250")
	t.Setenv("HALLMON_FLUSH_INTERVAL", "500ms")
	t.Setenv("HALLMON_NATIVE_WATCH", "false")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, 250, cfg.MaxBufferSize)
	assert.Equal(t, 500*time.Millisecond, cfg.FlushInterval)
	assert.False(t, cfg.NativeWatch)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty db path", func(c *Config) { c.DatabasePath = "" }},
		{"zero buffer size", func(c *Config) { c.MaxBufferSize = 0 }},
		{"negative flush interval", func(c *Config) { c.FlushInterval = -time.Second }},
		{"zero poll interval", func(c *Config) { c.PollInterval = 0 }},
		{"zero stream limit", func(c *Config) { c.StreamLimit = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load()
			require.NoError(t, err)
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestEnvFallbackOnMalformedValue(t *testing.T) {
	t.Setenv("HALLMON_PORT", "not-a-number")
	t.Setenv("HALLMON_FLUSH_INTERVAL", "soon")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 4180, cfg.Port)
	assert.Equal(t, 5*time.Second, cfg.FlushInterval)
}
