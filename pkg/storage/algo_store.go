package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/pml-dev/gateway/pkg/algo"
)

// AlgorithmStore persists algorithm decision traces for the tracer's flush
// loop.
type AlgorithmStore struct {
	db *sqlx.DB
}

// NewAlgorithmStore creates an algorithm-trace store over the client's pool.
func NewAlgorithmStore(c *Client) *AlgorithmStore {
	return &AlgorithmStore{db: c.DB()}
}

// InsertAlgorithmTraces persists one flush batch in a single transaction.
func (s *AlgorithmStore) InsertAlgorithmTraces(ctx context.Context, traces []algo.Trace) error {
	if len(traces) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin trace batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, t := range traces {
		signals, err := json.Marshal(t.Signals)
		if err != nil {
			return fmt.Errorf("failed to encode signals of %s: %w", t.TraceID, err)
		}
		params, err := json.Marshal(t.Params)
		if err != nil {
			return fmt.Errorf("failed to encode params of %s: %w", t.TraceID, err)
		}
		var outcome []byte
		if t.Outcome != nil {
			if outcome, err = json.Marshal(t.Outcome); err != nil {
				return fmt.Errorf("failed to encode outcome of %s: %w", t.TraceID, err)
			}
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO algorithm_traces (
				trace_id, ts, algorithm_mode, target_type, intent, signals, params,
				final_score, threshold_used, decision, outcome)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (trace_id) DO NOTHING`,
			t.TraceID, t.Timestamp, t.AlgorithmMode, t.TargetType, t.Intent,
			signals, params, t.FinalScore, t.ThresholdUsed, t.Decision, outcome)
		if err != nil {
			return fmt.Errorf("failed to insert algorithm trace %s: %w", t.TraceID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit trace batch: %w", err)
	}
	return nil
}

// UpdateAlgorithmOutcome patches the outcome of a persisted trace.
func (s *AlgorithmStore) UpdateAlgorithmOutcome(ctx context.Context, traceID string, outcome algo.Outcome) error {
	payload, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("failed to encode outcome of %s: %w", traceID, err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE algorithm_traces SET outcome = $2 WHERE trace_id = $1`, traceID, payload)
	if err != nil {
		return fmt.Errorf("failed to update outcome of %s: %w", traceID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("algorithm trace %s not found", traceID)
	}
	return nil
}

// DeleteAlgorithmTracesBefore removes traces older than the cutoff.
func (s *AlgorithmStore) DeleteAlgorithmTracesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM algorithm_traces WHERE ts < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete algorithm traces: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted traces: %w", err)
	}
	return n, nil
}
