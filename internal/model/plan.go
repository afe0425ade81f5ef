package model

// PlanEventType enumerates multi-step orchestration progress events.
type PlanEventType string

const (
	PlanCreated            PlanEventType = "plan_created"
	PlanOptimized          PlanEventType = "plan_optimized"
	FeatureCreated         PlanEventType = "feature_created"
	OrchestrationStarted   PlanEventType = "orchestration_started"
	FeatureStarted         PlanEventType = "feature_started"
	FeatureCompleted       PlanEventType = "feature_completed"
	FeatureFailed          PlanEventType = "feature_failed"
	OrchestrationCompleted PlanEventType = "orchestration_completed"
	PRCreated              PlanEventType = "pr_created"
)

// PlanEvent records one step of multi-feature orchestration progress.
// Like MetricEntry it is append-only: created by a producer, never mutated.
type PlanEvent struct {
	ID                 string         `json:"id"`
	Timestamp          string         `json:"timestamp"`
	SessionID          string         `json:"session_id"`
	EventType          PlanEventType  `json:"event_type"`
	PlanName           string         `json:"plan_name"`
	PlanPath           string         `json:"plan_path"`
	FeatureID          string         `json:"feature_id,omitempty"`
	FeatureDescription string         `json:"feature_description,omitempty"`
	Status             string         `json:"status,omitempty"`
	PRURL              string         `json:"pr_url,omitempty"`
	Data               map[string]any `json:"data,omitempty"`
}
