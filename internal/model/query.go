package model

// QueryOptions filters persisted metrics and plan events. All predicates are
// AND-combined; time bounds are inclusive on both ends; Tags matches entries
// carrying any of the listed tags.
type QueryOptions struct {
	SessionID     string   `json:"session_id,omitempty"`
	EventType     string   `json:"event_type,omitempty"`
	EventCategory string   `json:"event_category,omitempty"`
	StartTime     string   `json:"start_time,omitempty"`
	EndTime       string   `json:"end_time,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	Limit         int      `json:"limit,omitempty"`
	Offset        int      `json:"offset,omitempty"`
}
