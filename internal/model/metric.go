package model

import "time"

// TimeFormat is the canonical timestamp layout for the pipeline: ISO-8601 UTC
// with fixed millisecond precision. Fixed width keeps lexicographic order equal
// to chronological order, which the store relies on for ORDER BY timestamp.
const TimeFormat = "2006-01-02T15:04:05.000Z"

// Now returns the current time formatted as a pipeline timestamp.
func Now() string {
	return time.Now().UTC().Format(TimeFormat)
}

// Source identifies which producer class emitted a metric.
type Source string

const (
	SourceHook       Source = "hook"
	SourceTranscript Source = "transcript"
	SourceTelemetry  Source = "telemetry"
	SourceCustom     Source = "custom"
)

// Category groups event types for filtering.
type Category string

const (
	CategoryTool    Category = "tool"
	CategoryAPI     Category = "api"
	CategorySession Category = "session"
	CategoryUser    Category = "user"
	CategoryCustom  Category = "custom"
)

// TokenUsage holds token counts from one API response.
type TokenUsage struct {
	InputTokens         int64 `json:"input_tokens"`
	OutputTokens        int64 `json:"output_tokens"`
	CacheReadTokens     int64 `json:"cache_read_tokens"`
	CacheCreationTokens int64 `json:"cache_creation_tokens"`
}

// CostBreakdown holds per-component USD costs for one API response.
type CostBreakdown struct {
	InputCost         float64 `json:"input_cost"`
	OutputCost        float64 `json:"output_cost"`
	CacheReadCost     float64 `json:"cache_read_cost"`
	CacheCreationCost float64 `json:"cache_creation_cost"`
	TotalCost         float64 `json:"total_cost"`
}

// MetricEntry is an immutable fact about one event. Producers assign ID and
// Timestamp; the pipeline never reassigns either. The store does not enforce
// ID uniqueness — duplicate-safe re-insertion is the caller's responsibility.
type MetricEntry struct {
	ID             string         `json:"id"`
	Timestamp      string         `json:"timestamp"`
	SessionID      string         `json:"session_id"`
	ProjectPath    string         `json:"project_path"`
	Source         Source         `json:"source"`
	EventType      string         `json:"event_type"`
	EventCategory  Category       `json:"event_category"`
	Model          string         `json:"model,omitempty"`
	Tokens         *TokenUsage    `json:"tokens,omitempty"`
	Cost           *CostBreakdown `json:"cost,omitempty"`
	ToolName       string         `json:"tool_name,omitempty"`
	ToolDurationMs int64          `json:"tool_duration_ms,omitempty"`
	ToolSuccess    *bool          `json:"tool_success,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
	Tags           []string       `json:"tags,omitempty"`
}
