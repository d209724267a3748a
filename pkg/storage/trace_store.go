package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/pml-dev/gateway/pkg/models"
	"github.com/pml-dev/gateway/pkg/trace"
)

// TraceStore persists execution traces. Reads return traces in descending
// executedAt order. Structured fields (context, path, decisions, task
// results) live in JSONB columns.
type TraceStore struct {
	db *sqlx.DB
}

// NewTraceStore creates a trace store over the client's pool.
func NewTraceStore(c *Client) *TraceStore {
	return &TraceStore{db: c.DB()}
}

type traceRow struct {
	models.ExecutionTrace
	InitialContextJSON []byte `db:"initial_context"`
	ExecutedPathJSON   []byte `db:"executed_path"`
	DecisionsJSON      []byte `db:"decisions"`
	TaskResultsJSON    []byte `db:"task_results"`
}

func (r *traceRow) trace() (models.ExecutionTrace, error) {
	t := r.ExecutionTrace
	for _, f := range []struct {
		raw []byte
		dst any
	}{
		{r.InitialContextJSON, &t.InitialContext},
		{r.ExecutedPathJSON, &t.ExecutedPath},
		{r.DecisionsJSON, &t.Decisions},
		{r.TaskResultsJSON, &t.TaskResults},
	} {
		if len(f.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(f.raw, f.dst); err != nil {
			return models.ExecutionTrace{}, fmt.Errorf("failed to decode trace %s: %w", t.ID, err)
		}
	}
	return t, nil
}

func marshalField(v any) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	return json.Marshal(v)
}

const traceColumns = `id, COALESCE(capability_id, '') AS capability_id, intent_text,
	initial_context, executed_at, success, duration_ms, error_message,
	executed_path, decisions, task_results, priority, parent_trace_id,
	user_id, created_by`

// InsertTrace persists one execution trace.
func (s *TraceStore) InsertTrace(ctx context.Context, t models.ExecutionTrace) error {
	initialCtx, err := marshalField(t.InitialContext)
	if err != nil {
		return fmt.Errorf("failed to encode trace context: %w", err)
	}
	path, err := marshalField(t.ExecutedPath)
	if err != nil {
		return fmt.Errorf("failed to encode trace path: %w", err)
	}
	decisions, err := marshalField(t.Decisions)
	if err != nil {
		return fmt.Errorf("failed to encode trace decisions: %w", err)
	}
	results, err := marshalField(t.TaskResults)
	if err != nil {
		return fmt.Errorf("failed to encode trace task results: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO execution_trace (
			id, capability_id, intent_text, initial_context, executed_at, success,
			duration_ms, error_message, executed_path, decisions, task_results,
			priority, parent_trace_id, user_id, created_by)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		t.ID, t.CapabilityID, t.IntentText, initialCtx, t.ExecutedAt, t.Success,
		t.DurationMs, t.ErrorMessage, path, decisions, results,
		t.Priority, t.ParentTraceID, t.UserID, t.CreatedBy)
	if err != nil {
		return fmt.Errorf("failed to insert trace %s: %w", t.ID, err)
	}
	return nil
}

// GetTrace fetches one trace by id.
func (s *TraceStore) GetTrace(ctx context.Context, id string) (models.ExecutionTrace, bool, error) {
	var row traceRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+traceColumns+` FROM execution_trace WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ExecutionTrace{}, false, nil
	}
	if err != nil {
		return models.ExecutionTrace{}, false, fmt.Errorf("failed to get trace %s: %w", id, err)
	}
	t, err := row.trace()
	if err != nil {
		return models.ExecutionTrace{}, false, err
	}
	return t, true, nil
}

// ListTraces returns traces matching the filter, newest first.
func (s *TraceStore) ListTraces(ctx context.Context, f trace.Filter) ([]models.ExecutionTrace, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	var rows []traceRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+traceColumns+` FROM execution_trace
		WHERE ($1 = '' OR capability_id = $1)
		  AND ($2 = '' OR user_id = $2)
		  AND priority >= $3
		ORDER BY executed_at DESC
		LIMIT $4`,
		f.CapabilityID, f.UserID, f.MinPriority, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list traces: %w", err)
	}
	traces := make([]models.ExecutionTrace, 0, len(rows))
	for i := range rows {
		t, err := rows[i].trace()
		if err != nil {
			return nil, err
		}
		traces = append(traces, t)
	}
	return traces, nil
}

// UpdateTrace rewrites the mutable fields of a trace (priority, anonymized
// payloads, error message).
func (s *TraceStore) UpdateTrace(ctx context.Context, t models.ExecutionTrace) error {
	initialCtx, err := marshalField(t.InitialContext)
	if err != nil {
		return fmt.Errorf("failed to encode trace context: %w", err)
	}
	decisions, err := marshalField(t.Decisions)
	if err != nil {
		return fmt.Errorf("failed to encode trace decisions: %w", err)
	}
	results, err := marshalField(t.TaskResults)
	if err != nil {
		return fmt.Errorf("failed to encode trace task results: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE execution_trace SET
			intent_text = $2, initial_context = $3, success = $4, duration_ms = $5,
			error_message = $6, decisions = $7, task_results = $8, priority = $9,
			user_id = $10
		WHERE id = $1`,
		t.ID, t.IntentText, initialCtx, t.Success, t.DurationMs,
		t.ErrorMessage, decisions, results, t.Priority, t.UserID)
	if err != nil {
		return fmt.Errorf("failed to update trace %s: %w", t.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("trace %s not found", t.ID)
	}
	return nil
}
