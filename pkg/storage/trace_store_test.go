package storage

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pml-dev/gateway/pkg/models"
	"github.com/pml-dev/gateway/pkg/trace"
)

var traceTestColumns = []string{
	"id", "capability_id", "intent_text", "initial_context", "executed_at",
	"success", "duration_ms", "error_message", "executed_path", "decisions",
	"task_results", "priority", "parent_trace_id", "user_id", "created_by",
}

func TestTraceStoreGetDecodesJSONFields(t *testing.T) {
	client, mock := newMockClient(t)
	store := NewTraceStore(client)

	executedAt := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`FROM execution_trace WHERE id = \$1`).
		WithArgs("tr-1").
		WillReturnRows(sqlmock.NewRows(traceTestColumns).AddRow(
			"tr-1", "cap-1", "sum the values",
			[]byte(`{"region":"eu"}`), executedAt,
			true, int64(312), "",
			[]byte(`["fs:read","code:sum"]`),
			[]byte(`[{"node_id":"fs:read","outcome":"success"}]`),
			[]byte(`[]`),
			0.7, "", "u1", "dispatcher"))

	tr, found, err := store.GetTrace(context.Background(), "tr-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "eu", tr.InitialContext["region"])
	assert.Equal(t, []string{"fs:read", "code:sum"}, tr.ExecutedPath)
	require.Len(t, tr.Decisions, 1)
	assert.Equal(t, "fs:read", tr.Decisions[0].NodeID)
	assert.Equal(t, executedAt, tr.ExecutedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTraceStoreInsertEncodesJSONFields(t *testing.T) {
	client, mock := newMockClient(t)
	store := NewTraceStore(client)

	mock.ExpectExec(`INSERT INTO execution_trace`).
		WithArgs("tr-2", "", "fetch report", []byte(`{"user":"[REDACTED]"}`),
			sqlmock.AnyArg(), false, int64(40), "timeout",
			[]byte(`["http:fetch"]`), []byte(`null`), []byte(`null`),
			0.9, "", "u2", "").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.InsertTrace(context.Background(), models.ExecutionTrace{
		ID:             "tr-2",
		IntentText:     "fetch report",
		InitialContext: map[string]any{"user": "[REDACTED]"},
		ExecutedAt:     time.Now(),
		DurationMs:     40,
		ErrorMessage:   "timeout",
		ExecutedPath:   []string{"http:fetch"},
		Priority:       0.9,
		UserID:         "u2",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTraceStoreListAppliesFilter(t *testing.T) {
	client, mock := newMockClient(t)
	store := NewTraceStore(client)

	mock.ExpectQuery(`FROM execution_trace\s+WHERE`).
		WithArgs("cap-1", "", 0.5, 10).
		WillReturnRows(sqlmock.NewRows(traceTestColumns).AddRow(
			"tr-1", "cap-1", "", []byte(`{}`), time.Now(),
			true, int64(1), "", []byte(`[]`), []byte(`[]`), []byte(`[]`),
			0.8, "", "", ""))

	traces, err := store.ListTraces(context.Background(), trace.Filter{
		CapabilityID: "cap-1", MinPriority: 0.5, Limit: 10,
	})
	require.NoError(t, err)
	require.Len(t, traces, 1)
	assert.Equal(t, "tr-1", traces[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
