package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/NotMyself/claude-hall-monitor/internal/model"
)

const insertMetricSQL = `
	INSERT INTO metrics (
		id, timestamp, session_id, project_path, source, event_type,
		event_category, model, tokens, cost, tool_name, tool_duration_ms,
		tool_success, data, tags
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// InsertMetric persists a single metric entry.
func (db *DB) InsertMetric(ctx context.Context, entry model.MetricEntry) error {
	args, err := metricArgs(entry)
	if err != nil {
		return err
	}
	return db.withWriteRetry(ctx, func() error {
		if _, err := db.db.ExecContext(ctx, insertMetricSQL, args...); err != nil {
			return fmt.Errorf("storage: insert metric: %w", err)
		}
		return nil
	})
}

// InsertMetricBatch persists entries inside a single transaction: either the
// whole batch lands or none of it does. The atomicity is what makes the
// collector's requeue-on-failure safe from partial duplicates.
func (db *DB) InsertMetricBatch(ctx context.Context, entries []model.MetricEntry) error {
	if len(entries) == 0 {
		return nil
	}
	rows := make([][]any, len(entries))
	for i, entry := range entries {
		args, err := metricArgs(entry)
		if err != nil {
			return err
		}
		rows[i] = args
	}
	return db.withWriteRetry(ctx, func() error {
		return db.execBatch(ctx, insertMetricSQL, rows)
	})
}

// execBatch runs one prepared statement for every row inside a transaction.
func (db *DB) execBatch(ctx context.Context, query string, rows [][]any) error {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin batch: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("storage: prepare batch: %w", err)
	}
	for _, args := range rows {
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			_ = stmt.Close()
			_ = tx.Rollback()
			return fmt.Errorf("storage: batch insert: %w", err)
		}
	}
	if err := stmt.Close(); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("storage: close batch statement: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit batch: %w", err)
	}
	return nil
}

// QueryMetrics returns persisted metrics matching opts, newest first.
func (db *DB) QueryMetrics(ctx context.Context, opts model.QueryOptions) ([]model.MetricEntry, error) {
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
	if opts.EventCategory != "" {
		where = append(where, "event_category = ?")
		args = append(args, opts.EventCategory)
	}
	if opts.StartTime != "" {
		where = append(where, "timestamp >= ?")
		args = append(args, opts.StartTime)
	}
	if opts.EndTime != "" {
		where = append(where, "timestamp <= ?")
		args = append(args, opts.EndTime)
	}
	if len(opts.Tags) > 0 {
		// Any-of match against the serialized JSON array.
		clauses := make([]string, len(opts.Tags))
		for i, tag := range opts.Tags {
			clauses[i] = "tags LIKE ?"
			args = append(args, `%"`+tag+`"%`)
		}
		where = append(where, "("+strings.Join(clauses, " OR ")+")")
	}

	query := "SELECT id, timestamp, session_id, project_path, source, event_type, " +
		"event_category, model, tokens, cost, tool_name, tool_duration_ms, " +
		"tool_success, data, tags FROM metrics"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp DESC"
	query += limitClause(opts.Limit, opts.Offset, &args)

	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: query metrics: %w", err)
	}
	defer rows.Close()

	var entries []model.MetricEntry
	for rows.Next() {
		entry, err := scanMetric(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// limitClause appends LIMIT/OFFSET. SQLite only applies OFFSET when a LIMIT
// is present, so offset-without-limit substitutes the unlimited sentinel.
func limitClause(limit, offset int, args *[]any) string {
	if limit <= 0 && offset <= 0 {
		return ""
	}
	if limit <= 0 {
		limit = -1 // sentinel: no limit
	}
	clause := " LIMIT ?"
	*args = append(*args, limit)
	if offset > 0 {
		clause += " OFFSET ?"
		*args = append(*args, offset)
	}
	return clause
}

func metricArgs(entry model.MetricEntry) ([]any, error) {
	tokens, err := marshalNullable(entry.Tokens)
	if err != nil {
		return nil, fmt.Errorf("storage: marshal tokens: %w", err)
	}
	cost, err := marshalNullable(entry.Cost)
	if err != nil {
		return nil, fmt.Errorf("storage: marshal cost: %w", err)
	}
	data, err := marshalNullable(entry.Data)
	if err != nil {
		return nil, fmt.Errorf("storage: marshal data: %w", err)
	}
	tags := entry.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return nil, fmt.Errorf("storage: marshal tags: %w", err)
	}

	var toolDuration any
	if entry.ToolDurationMs > 0 {
		toolDuration = entry.ToolDurationMs
	}
	var toolSuccess any
	if entry.ToolSuccess != nil {
		toolSuccess = boolToInt(*entry.ToolSuccess)
	}
	var modelName any
	if entry.Model != "" {
		modelName = entry.Model
	}
	var toolName any
	if entry.ToolName != "" {
		toolName = entry.ToolName
	}

	return []any{
		entry.ID, entry.Timestamp, entry.SessionID, entry.ProjectPath,
		string(entry.Source), entry.EventType, string(entry.EventCategory),
		modelName, tokens, cost, toolName, toolDuration, toolSuccess,
		data, string(tagsJSON),
	}, nil
}

func scanMetric(rows *sql.Rows) (model.MetricEntry, error) {
	var entry model.MetricEntry
	var modelName, tokens, cost, toolName, data sql.NullString
	var toolDuration sql.NullInt64
	var toolSuccess sql.NullInt64
	var source, category, tags string

	err := rows.Scan(&entry.ID, &entry.Timestamp, &entry.SessionID,
		&entry.ProjectPath, &source, &entry.EventType, &category,
		&modelName, &tokens, &cost, &toolName, &toolDuration, &toolSuccess,
		&data, &tags)
	if err != nil {
		return entry, fmt.Errorf("storage: scan metric: %w", err)
	}

	entry.Source = model.Source(source)
	entry.EventCategory = model.Category(category)
	entry.Model = modelName.String
	entry.ToolName = toolName.String
	if toolDuration.Valid {
		entry.ToolDurationMs = toolDuration.Int64
	}
	if toolSuccess.Valid {
		v := toolSuccess.Int64 != 0
		entry.ToolSuccess = &v
	}
	if tokens.Valid {
		var t model.TokenUsage
		if err := json.Unmarshal([]byte(tokens.String), &t); err != nil {
			return entry, fmt.Errorf("storage: unmarshal tokens: %w", err)
		}
		entry.Tokens = &t
	}
	if cost.Valid {
		var c model.CostBreakdown
		if err := json.Unmarshal([]byte(cost.String), &c); err != nil {
			return entry, fmt.Errorf("storage: unmarshal cost: %w", err)
		}
		entry.Cost = &c
	}
	if data.Valid && data.String != "" {
		if err := json.Unmarshal([]byte(data.String), &entry.Data); err != nil {
			return entry, fmt.Errorf("storage: unmarshal data: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(tags), &entry.Tags); err != nil {
		return entry, fmt.Errorf("storage: unmarshal tags: %w", err)
	}
	return entry, nil
}

// marshalNullable serializes v to JSON text, mapping nil to SQL NULL.
func marshalNullable(v any) (any, error) {
	switch val := v.(type) {
	case *model.TokenUsage:
		if val == nil {
			return nil, nil
		}
	case *model.CostBreakdown:
		if val == nil {
			return nil, nil
		}
	case map[string]any:
		if val == nil {
			return nil, nil
		}
	case nil:
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
