// Package algo observes the gateway's scoring decisions: an append-only
// algorithm-decision log with buffered writes, and derived emergence metrics
// (graph entropy, cluster stability, phase transitions) over a rolling
// window.
package algo

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pml-dev/gateway/pkg/models"
)

// AlgorithmMode distinguishes proactive search from passive suggestion.
type AlgorithmMode string

// Algorithm modes.
const (
	ModeActiveSearch      AlgorithmMode = "active_search"
	ModePassiveSuggestion AlgorithmMode = "passive_suggestion"
)

// Decision is the terminal outcome of a scoring pass.
type Decision string

// Decisions.
const (
	DecisionAccepted            Decision = "accepted"
	DecisionRejectedByThreshold Decision = "rejected_by_threshold"
	DecisionFilteredReliability Decision = "filtered_by_reliability"
)

// Params are the scoring parameters in force for one decision.
type Params struct {
	Alpha             float64 `json:"alpha"`
	ReliabilityFactor float64 `json:"reliability_factor"`
	StructuralBoost   float64 `json:"structural_boost"`
}

// Outcome is patched onto a trace after the user acts on the decision.
type Outcome struct {
	UserAction       string `json:"user_action"`
	ExecutionSuccess bool   `json:"execution_success"`
	DurationMs       int64  `json:"duration_ms"`
}

// Trace is one algorithm-decision log entry.
type Trace struct {
	TraceID       string             `json:"trace_id" db:"trace_id"`
	Timestamp     time.Time          `json:"timestamp" db:"timestamp"`
	AlgorithmMode AlgorithmMode      `json:"algorithm_mode" db:"algorithm_mode"`
	TargetType    string             `json:"target_type" db:"target_type"`
	Intent        string             `json:"intent,omitempty" db:"intent"`
	Signals       map[string]float64 `json:"signals" db:"-"`
	Params        Params             `json:"params" db:"-"`
	FinalScore    float64            `json:"final_score" db:"final_score"`
	ThresholdUsed float64            `json:"threshold_used" db:"threshold_used"`
	Decision      Decision           `json:"decision" db:"decision"`
	Outcome       *Outcome           `json:"outcome,omitempty" db:"-"`
}

// TraceStore is the persistence port for algorithm traces.
type TraceStore interface {
	InsertAlgorithmTraces(ctx context.Context, traces []Trace) error
	UpdateAlgorithmOutcome(ctx context.Context, traceID string, outcome Outcome) error
	DeleteAlgorithmTracesBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// DefaultFlushInterval paces the background buffer flush.
const DefaultFlushInterval = 5 * time.Second

// defaultBufferLimit forces a flush when the buffer grows past it.
const defaultBufferLimit = 256

// Tracer is the buffered append-only decision log.
type Tracer struct {
	store  TraceStore
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	buffer []Trace

	flushEvery time.Duration
	stop       chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

// TracerOption configures a Tracer.
type TracerOption func(*Tracer)

// WithTracerLogger sets the diagnostics logger.
func WithTracerLogger(l *slog.Logger) TracerOption {
	return func(t *Tracer) { t.logger = l }
}

// WithFlushInterval overrides the background flush cadence.
func WithFlushInterval(d time.Duration) TracerOption {
	return func(t *Tracer) { t.flushEvery = d }
}

// WithTracerClock overrides the time source (tests).
func WithTracerClock(now func() time.Time) TracerOption {
	return func(t *Tracer) { t.now = now }
}

// NewTracer creates a tracer and starts its flush loop.
func NewTracer(store TraceStore, opts ...TracerOption) *Tracer {
	t := &Tracer{
		store:      store,
		logger:     slog.Default(),
		now:        time.Now,
		flushEvery: DefaultFlushInterval,
		stop:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.wg.Add(1)
	go t.flushLoop()
	return t
}

// Record appends a decision to the buffer. The timestamp is filled in when
// absent. Oversized buffers flush inline.
func (t *Tracer) Record(trace Trace) {
	if trace.Timestamp.IsZero() {
		trace.Timestamp = t.now().UTC()
	}
	t.mu.Lock()
	t.buffer = append(t.buffer, trace)
	full := len(t.buffer) >= defaultBufferLimit
	t.mu.Unlock()
	if full {
		t.Flush(context.Background())
	}
}

// UpdateOutcome patches the outcome of a decision in place: buffered traces
// are patched in memory, persisted ones through the store.
func (t *Tracer) UpdateOutcome(ctx context.Context, traceID string, outcome Outcome) error {
	t.mu.Lock()
	for i := range t.buffer {
		if t.buffer[i].TraceID == traceID {
			out := outcome
			t.buffer[i].Outcome = &out
			t.mu.Unlock()
			return nil
		}
	}
	t.mu.Unlock()

	if err := t.store.UpdateAlgorithmOutcome(ctx, traceID, outcome); err != nil {
		return models.WrapError(models.KindInternal, err, "update outcome of %s", traceID)
	}
	return nil
}

// Flush persists the buffered traces. Failed batches are re-queued.
func (t *Tracer) Flush(ctx context.Context) {
	t.mu.Lock()
	batch := t.buffer
	t.buffer = nil
	t.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	if err := t.store.InsertAlgorithmTraces(ctx, batch); err != nil {
		t.logger.Warn("Algorithm trace flush failed, re-queueing",
			"count", len(batch), "error", err)
		t.mu.Lock()
		t.buffer = append(batch, t.buffer...)
		t.mu.Unlock()
	}
}

// Cleanup deletes traces older than the given number of days and returns the
// deleted count.
func (t *Tracer) Cleanup(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, models.NewError(models.KindValidation, "cleanup days must be positive")
	}
	cutoff := t.now().UTC().AddDate(0, 0, -days)
	n, err := t.store.DeleteAlgorithmTracesBefore(ctx, cutoff)
	if err != nil {
		return 0, models.WrapError(models.KindInternal, err, "cleanup algorithm traces")
	}
	return n, nil
}

// Close flushes the buffer and stops the flush loop. Idempotent.
func (t *Tracer) Close() {
	t.stopOnce.Do(func() { close(t.stop) })
	t.wg.Wait()
	t.Flush(context.Background())
}

func (t *Tracer) flushLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.flushEvery)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.Flush(context.Background())
		}
	}
}
