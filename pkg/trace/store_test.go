package trace

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pml-dev/gateway/pkg/models"
)

type fakePersistence struct {
	traces map[string]models.ExecutionTrace
}

func newFakePersistence() *fakePersistence {
	return &fakePersistence{traces: make(map[string]models.ExecutionTrace)}
}

func (p *fakePersistence) InsertTrace(_ context.Context, t models.ExecutionTrace) error {
	p.traces[t.ID] = t
	return nil
}

func (p *fakePersistence) GetTrace(_ context.Context, id string) (models.ExecutionTrace, bool, error) {
	t, ok := p.traces[id]
	return t, ok, nil
}

func (p *fakePersistence) ListTraces(_ context.Context, f Filter) ([]models.ExecutionTrace, error) {
	out := []models.ExecutionTrace{}
	for _, t := range p.traces {
		if f.CapabilityID != "" && t.CapabilityID != f.CapabilityID {
			continue
		}
		if f.UserID != "" && t.UserID != f.UserID {
			continue
		}
		if t.Priority < f.MinPriority {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExecutedAt.After(out[j].ExecutedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (p *fakePersistence) UpdateTrace(_ context.Context, t models.ExecutionTrace) error {
	p.traces[t.ID] = t
	return nil
}

func TestInsertSanitizesRecursively(t *testing.T) {
	db := newFakePersistence()
	store := NewStore(db)

	inserted, err := store.Insert(context.Background(), models.ExecutionTrace{
		InitialContext: map[string]any{
			"api_key": "sk-123",
			"nested": map[string]any{
				"Authorization": "Bearer xyz",
				"items":         []any{map[string]any{"password": "hunter2", "safe": 1}},
			},
			"safe": "keep",
		},
		TaskResults: []models.TaskResult{{
			TaskID: "t1",
			Args:   map[string]any{"token": "abc", "path": "/tmp/x"},
			Result: map[string]any{"client_secret": "s", "value": 42},
		}},
	})
	require.NoError(t, err)

	ctxMap := inserted.InitialContext
	assert.Equal(t, Redacted, ctxMap["api_key"])
	assert.Equal(t, "keep", ctxMap["safe"])
	nested := ctxMap["nested"].(map[string]any)
	assert.Equal(t, Redacted, nested["Authorization"])
	item := nested["items"].([]any)[0].(map[string]any)
	assert.Equal(t, Redacted, item["password"])
	assert.Equal(t, 1, item["safe"])

	args := inserted.TaskResults[0].Args
	assert.Equal(t, Redacted, args["token"])
	assert.Equal(t, "/tmp/x", args["path"])
	result := inserted.TaskResults[0].Result.(map[string]any)
	assert.Equal(t, Redacted, result["client_secret"])
	assert.Equal(t, 42, result["value"])

	// The persisted copy is the sanitized one.
	stored := db.traces[inserted.ID]
	assert.Equal(t, Redacted, stored.InitialContext["api_key"])
}

func TestInsertFillsIDAndClampsPriority(t *testing.T) {
	store := NewStore(newFakePersistence())

	got, err := store.Insert(context.Background(), models.ExecutionTrace{Priority: 7})
	require.NoError(t, err)
	assert.NotEmpty(t, got.ID)
	assert.False(t, got.ExecutedAt.IsZero())
	assert.Equal(t, 1.0, got.Priority)

	got, err = store.Insert(context.Background(), models.ExecutionTrace{Priority: -0.5})
	require.NoError(t, err)
	assert.Equal(t, 0.0, got.Priority)
}

func TestUpdatePriorityClamps(t *testing.T) {
	store := NewStore(newFakePersistence())
	ctx := context.Background()

	got, err := store.Insert(ctx, models.ExecutionTrace{Priority: 0.4})
	require.NoError(t, err)

	require.NoError(t, store.UpdatePriority(ctx, got.ID, 2.5))
	updated, err := store.Get(ctx, got.ID)
	require.NoError(t, err)
	assert.Equal(t, 1.0, updated.Priority)

	require.NoError(t, store.UpdatePriority(ctx, got.ID, -1))
	updated, err = store.Get(ctx, got.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.0, updated.Priority)

	assert.True(t, models.IsKind(store.UpdatePriority(ctx, "ghost", 0.5), models.KindNotFound))
}

func TestAnonymize(t *testing.T) {
	store := NewStore(newFakePersistence())
	ctx := context.Background()

	got, err := store.Insert(ctx, models.ExecutionTrace{
		UserID:         "user-7",
		IntentText:     "summarize quarterly report",
		InitialContext: map[string]any{"doc": "q3.pdf"},
	})
	require.NoError(t, err)

	require.NoError(t, store.Anonymize(ctx, got.ID))
	anon, err := store.Get(ctx, got.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AnonymizedUserID, anon.UserID)
	assert.Empty(t, anon.IntentText)
	assert.Nil(t, anon.InitialContext)
}

func TestListOrdersByExecutedAtDescending(t *testing.T) {
	store := NewStore(newFakePersistence())
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		_, err := store.Insert(ctx, models.ExecutionTrace{
			ID:         fmt.Sprintf("t%d", i),
			ExecutedAt: base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}

	traces, err := store.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, traces, 5)
	for i := 1; i < len(traces); i++ {
		assert.True(t, traces[i].ExecutedAt.Before(traces[i-1].ExecutedAt))
	}
}

func TestListFilters(t *testing.T) {
	store := NewStore(newFakePersistence())
	ctx := context.Background()

	_, err := store.Insert(ctx, models.ExecutionTrace{ID: "a", CapabilityID: "cap-1", UserID: "u1"})
	require.NoError(t, err)
	_, err = store.Insert(ctx, models.ExecutionTrace{ID: "b", CapabilityID: "cap-2", UserID: "u1"})
	require.NoError(t, err)
	_, err = store.Insert(ctx, models.ExecutionTrace{ID: "c", CapabilityID: "cap-1", UserID: "u2"})
	require.NoError(t, err)

	traces, err := store.List(ctx, Filter{CapabilityID: "cap-1"})
	require.NoError(t, err)
	assert.Len(t, traces, 2)

	traces, err = store.List(ctx, Filter{CapabilityID: "cap-1", UserID: "u2"})
	require.NoError(t, err)
	require.Len(t, traces, 1)
	assert.Equal(t, "c", traces[0].ID)
}

func TestSampleByPriorityBiasesHigh(t *testing.T) {
	store := NewStore(newFakePersistence(),
		WithRand(rand.New(rand.NewSource(42))))
	ctx := context.Background()

	// 10 low-priority and 10 high-priority traces.
	for i := 0; i < 10; i++ {
		_, err := store.Insert(ctx, models.ExecutionTrace{ID: fmt.Sprintf("low%d", i), Priority: 0.05})
		require.NoError(t, err)
		_, err = store.Insert(ctx, models.ExecutionTrace{ID: fmt.Sprintf("high%d", i), Priority: 0.95})
		require.NoError(t, err)
	}

	high := 0
	const rounds = 50
	for i := 0; i < rounds; i++ {
		sampled, err := store.SampleByPriority(ctx, 4, 0)
		require.NoError(t, err)
		require.Len(t, sampled, 4)
		for _, tr := range sampled {
			if tr.Priority > 0.5 {
				high++
			}
		}
	}
	// priority^0.6 gives high traces ~5.8x the weight of low ones, so a
	// clear majority of draws must be high-priority.
	assert.Greater(t, high, rounds*4*6/10)
}

func TestSampleByPriorityRespectsMinAndSmallSets(t *testing.T) {
	store := NewStore(newFakePersistence())
	ctx := context.Background()

	_, err := store.Insert(ctx, models.ExecutionTrace{ID: "keep", Priority: 0.9})
	require.NoError(t, err)
	_, err = store.Insert(ctx, models.ExecutionTrace{ID: "drop", Priority: 0.1})
	require.NoError(t, err)

	sampled, err := store.SampleByPriority(ctx, 5, 0.5)
	require.NoError(t, err)
	require.Len(t, sampled, 1)
	assert.Equal(t, "keep", sampled[0].ID)

	_, err = store.SampleByPriority(ctx, 0, 0)
	assert.True(t, models.IsKind(err, models.KindValidation))
}

func TestGetHighPriorityTraces(t *testing.T) {
	store := NewStore(newFakePersistence())
	ctx := context.Background()

	for i, p := range []float64{0.3, 0.9, 0.1, 0.7} {
		_, err := store.Insert(ctx, models.ExecutionTrace{ID: fmt.Sprintf("t%d", i), Priority: p})
		require.NoError(t, err)
	}

	top, err := store.GetHighPriorityTraces(ctx, 2)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "t1", top[0].ID)
	assert.Equal(t, "t3", top[1].ID)
}
