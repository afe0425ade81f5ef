package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/NotMyself/claude-hall-monitor/internal/model"
)

const insertPlanEventSQL = `
	INSERT INTO plan_events (
		id, timestamp, session_id, event_type, plan_name, plan_path,
		feature_id, feature_description, status, pr_url, data
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// InsertPlanEvent persists a single plan event.
func (db *DB) InsertPlanEvent(ctx context.Context, event model.PlanEvent) error {
	args, err := planEventArgs(event)
	if err != nil {
		return err
	}
	return db.withWriteRetry(ctx, func() error {
		if _, err := db.db.ExecContext(ctx, insertPlanEventSQL, args...); err != nil {
			return fmt.Errorf("storage: insert plan event: %w", err)
		}
		return nil
	})
}

// InsertPlanEventBatch persists events inside a single transaction.
func (db *DB) InsertPlanEventBatch(ctx context.Context, events []model.PlanEvent) error {
	if len(events) == 0 {
		return nil
	}
	rows := make([][]any, len(events))
	for i, event := range events {
		args, err := planEventArgs(event)
		if err != nil {
			return err
		}
		rows[i] = args
	}
	return db.withWriteRetry(ctx, func() error {
		return db.execBatch(ctx, insertPlanEventSQL, rows)
	})
}

// QueryPlanEvents returns persisted plan events matching opts, newest first.
func (db *DB) QueryPlanEvents(ctx context.Context, opts model.QueryOptions) ([]model.PlanEvent, error) {
	var where []string
	var args []any

	if opts.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, opts.SessionID)
	}
	if opts.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, opts.EventType)
	}
	if opts.StartTime != "" {
		where = append(where, "timestamp >= ?")
		args = append(args, opts.StartTime)
	}
	if opts.EndTime != "" {
		where = append(where, "timestamp <= ?")
		args = append(args, opts.EndTime)
	}

	query := planEventSelect
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp DESC"
	query += limitClause(opts.Limit, opts.Offset, &args)

	return db.queryPlanEvents(ctx, query, args...)
}

// QueryPlanEventsByPlan returns every event for one named plan, newest first.
func (db *DB) QueryPlanEventsByPlan(ctx context.Context, planName string) ([]model.PlanEvent, error) {
	query := planEventSelect + " WHERE plan_name = ? ORDER BY timestamp DESC"
	return db.queryPlanEvents(ctx, query, planName)
}

const planEventSelect = "SELECT id, timestamp, session_id, event_type, plan_name, " +
	"plan_path, feature_id, feature_description, status, pr_url, data FROM plan_events"

func (db *DB) queryPlanEvents(ctx context.Context, query string, args ...any) ([]model.PlanEvent, error) {
	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: query plan events: %w", err)
	}
	defer rows.Close()

	var events []model.PlanEvent
	for rows.Next() {
		event, err := scanPlanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func planEventArgs(event model.PlanEvent) ([]any, error) {
	data, err := marshalNullable(event.Data)
	if err != nil {
		return nil, fmt.Errorf("storage: marshal plan data: %w", err)
	}
	return []any{
		event.ID, event.Timestamp, event.SessionID, string(event.EventType),
		event.PlanName, event.PlanPath,
		nullableString(event.FeatureID), nullableString(event.FeatureDescription),
		nullableString(event.Status), nullableString(event.PRURL), data,
	}, nil
}

func scanPlanEvent(rows *sql.Rows) (model.PlanEvent, error) {
	var event model.PlanEvent
	var eventType string
	var featureID, featureDesc, status, prURL, data sql.NullString

	err := rows.Scan(&event.ID, &event.Timestamp, &event.SessionID, &eventType,
		&event.PlanName, &event.PlanPath, &featureID, &featureDesc, &status,
		&prURL, &data)
	if err != nil {
		return event, fmt.Errorf("storage: scan plan event: %w", err)
	}

	event.EventType = model.PlanEventType(eventType)
	event.FeatureID = featureID.String
	event.FeatureDescription = featureDesc.String
	event.Status = status.String
	event.PRURL = prURL.String
	if data.Valid && data.String != "" {
		if err := json.Unmarshal([]byte(data.String), &event.Data); err != nil {
			return event, fmt.Errorf("storage: unmarshal plan data: %w", err)
		}
	}
	return event, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
