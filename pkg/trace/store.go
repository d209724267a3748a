package trace

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/pml-dev/gateway/pkg/models"
)

// DefaultAlpha is the prioritized-replay exponent: sampling probability is
// proportional to priority^alpha.
const DefaultAlpha = 0.6

// Filter narrows trace queries. Zero values match everything.
type Filter struct {
	CapabilityID string
	UserID       string
	MinPriority  float64
	Limit        int
}

// Persistence is the storage port for execution traces. Implementations
// return traces in descending executedAt order.
type Persistence interface {
	InsertTrace(ctx context.Context, t models.ExecutionTrace) error
	GetTrace(ctx context.Context, id string) (models.ExecutionTrace, bool, error)
	ListTraces(ctx context.Context, f Filter) ([]models.ExecutionTrace, error)
	UpdateTrace(ctx context.Context, t models.ExecutionTrace) error
}

// Store is the execution-trace service: sanitizes on write, clamps priority,
// and implements prioritized experience replay over the persisted traces.
type Store struct {
	db     Persistence
	alpha  float64
	logger *slog.Logger
	now    func() time.Time
	rand   *rand.Rand
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the diagnostics logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithAlpha overrides the replay exponent.
func WithAlpha(alpha float64) Option {
	return func(s *Store) { s.alpha = alpha }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithRand seeds the sampler deterministically (tests).
func WithRand(r *rand.Rand) Option {
	return func(s *Store) { s.rand = r }
}

// NewStore creates a trace store over the given persistence.
func NewStore(db Persistence, opts ...Option) *Store {
	s := &Store{
		db:     db,
		alpha:  DefaultAlpha,
		logger: slog.Default(),
		now:    time.Now,
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Insert persists a trace. The trace is sanitized, its priority clamped to
// [0,1], and id/executedAt filled in when absent.
func (s *Store) Insert(ctx context.Context, t models.ExecutionTrace) (models.ExecutionTrace, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.ExecutedAt.IsZero() {
		t.ExecutedAt = s.now().UTC()
	}
	t.Priority = clamp01(t.Priority)
	t = SanitizeTrace(t)
	if err := s.db.InsertTrace(ctx, t); err != nil {
		return models.ExecutionTrace{}, models.WrapError(models.KindInternal, err, "insert trace %s", t.ID)
	}
	return t, nil
}

// Get returns a trace by id.
func (s *Store) Get(ctx context.Context, id string) (models.ExecutionTrace, error) {
	t, found, err := s.db.GetTrace(ctx, id)
	if err != nil {
		return models.ExecutionTrace{}, models.WrapError(models.KindInternal, err, "get trace %s", id)
	}
	if !found {
		return models.ExecutionTrace{}, models.NewError(models.KindNotFound, "trace %s not found", id)
	}
	return t, nil
}

// List returns traces matching the filter in descending executedAt order.
func (s *Store) List(ctx context.Context, f Filter) ([]models.ExecutionTrace, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	traces, err := s.db.ListTraces(ctx, f)
	if err != nil {
		return nil, models.WrapError(models.KindInternal, err, "list traces")
	}
	return traces, nil
}

// UpdatePriority stores a new priority for a trace, clamped to [0,1].
func (s *Store) UpdatePriority(ctx context.Context, id string, priority float64) error {
	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	t.Priority = clamp01(priority)
	if err := s.db.UpdateTrace(ctx, t); err != nil {
		return models.WrapError(models.KindInternal, err, "update trace %s", id)
	}
	return nil
}

// Anonymize strips the user attribution and free-text context of a trace.
func (s *Store) Anonymize(ctx context.Context, id string) error {
	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	t.Anonymize()
	if err := s.db.UpdateTrace(ctx, t); err != nil {
		return models.WrapError(models.KindInternal, err, "anonymize trace %s", id)
	}
	return nil
}

// SampleByPriority draws up to limit traces without replacement with
// probability proportional to priority^alpha. Candidates below minPriority
// are excluded before sampling.
func (s *Store) SampleByPriority(ctx context.Context, limit int, minPriority float64) ([]models.ExecutionTrace, error) {
	if limit <= 0 {
		return nil, models.NewError(models.KindValidation, "sample limit must be positive")
	}
	candidates, err := s.db.ListTraces(ctx, Filter{MinPriority: minPriority})
	if err != nil {
		return nil, models.WrapError(models.KindInternal, err, "load sampling candidates")
	}
	if len(candidates) <= limit {
		return candidates, nil
	}

	weights := make([]float64, len(candidates))
	for i, t := range candidates {
		// Floor keeps zero-priority traces drawable.
		weights[i] = math.Pow(math.Max(t.Priority, 1e-6), s.alpha)
	}

	sampled := make([]models.ExecutionTrace, 0, limit)
	for len(sampled) < limit {
		total := 0.0
		for _, w := range weights {
			total += w
		}
		r := s.rand.Float64() * total
		pick := len(candidates) - 1
		for i, w := range weights {
			if w == 0 {
				continue
			}
			r -= w
			if r <= 0 {
				pick = i
				break
			}
		}
		sampled = append(sampled, candidates[pick])
		weights[pick] = 0
	}
	return sampled, nil
}

// GetHighPriorityTraces returns up to limit traces sorted by priority
// descending.
func (s *Store) GetHighPriorityTraces(ctx context.Context, limit int) ([]models.ExecutionTrace, error) {
	if limit <= 0 {
		limit = 10
	}
	traces, err := s.db.ListTraces(ctx, Filter{})
	if err != nil {
		return nil, models.WrapError(models.KindInternal, err, "load traces")
	}
	sort.SliceStable(traces, func(i, j int) bool { return traces[i].Priority > traces[j].Priority })
	if len(traces) > limit {
		traces = traces[:limit]
	}
	return traces, nil
}

func clamp01(v float64) float64 {
	return math.Min(1, math.Max(0, v))
}
