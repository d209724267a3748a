package capability

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pml-dev/gateway/pkg/graph"
	"github.com/pml-dev/gateway/pkg/models"
	"github.com/pml-dev/gateway/pkg/search"
)

// PatternStore persists workflow patterns (code + intent embedding), keyed
// by code hash so identical code is stored once.
type PatternStore interface {
	FindPatternByHash(ctx context.Context, codeHash string) (models.WorkflowPattern, bool, error)
	InsertPattern(ctx context.Context, pattern models.WorkflowPattern) error
	SaveEmbedding(ctx context.Context, patternID string, embedding []float32) error
	HasEmbedding(ctx context.Context, patternID string) (bool, error)
}

// Direction selects which dependency edges of a node to fetch.
type Direction string

// Directions.
const (
	DirectionFrom Direction = "from"
	DirectionTo   Direction = "to"
	DirectionBoth Direction = "both"
)

// DependencyStore persists capability dependency edges.
type DependencyStore interface {
	GetEdge(ctx context.Context, from, to string) (models.Edge, bool, error)
	UpsertEdge(ctx context.Context, edge models.Edge) error
	EdgesFor(ctx context.Context, nodeID string, direction Direction) ([]models.Edge, error)
	AllEdges(ctx context.Context, minConfidence float64) ([]models.Edge, error)
	DeleteEdge(ctx context.Context, from, to string) error
}

// SaveRequest carries the inputs of a capability save: the code snippet, the
// natural-language intent it serves, and registry placement.
type SaveRequest struct {
	Code             string
	Intent           string
	Scope            models.Scope
	Namespace        string
	Action           string
	Visibility       models.CapabilityVisibility
	Routing          models.CapabilityRouting
	PermissionSet    models.PermissionSet
	PermissionSource models.PermissionSource
}

// Store is the code + dependency layer under the registry: it deduplicates
// workflow patterns by code hash, embeds intents for discovery, and manages
// the dependency edges of capability nodes.
type Store struct {
	registry *Registry
	patterns PatternStore
	deps     DependencyStore
	embedder search.Embedder
	logger   *slog.Logger
	now      func() time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithStoreLogger sets the diagnostics logger.
func WithStoreLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// WithStoreClock overrides the time source (tests).
func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// NewStore creates a capability store.
func NewStore(registry *Registry, patterns PatternStore, deps DependencyStore, embedder search.Embedder, opts ...StoreOption) *Store {
	s := &Store{
		registry: registry,
		patterns: patterns,
		deps:     deps,
		embedder: embedder,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SaveCapability persists a capability end to end: upserts the workflow
// pattern keyed by code hash (embedding the intent only for new patterns)
// and registers the capability record. Saving identical code twice reuses
// the pattern row and bumps the record version.
func (s *Store) SaveCapability(ctx context.Context, req SaveRequest) (models.CapabilityRecord, error) {
	if req.Code == "" {
		return models.CapabilityRecord{}, models.NewError(models.KindValidation, "capability code is required")
	}
	if req.Intent == "" {
		return models.CapabilityRecord{}, models.NewError(models.KindValidation, "capability intent is required")
	}

	codeHash := models.CodeHash(req.Code)
	pattern, found, err := s.patterns.FindPatternByHash(ctx, codeHash)
	if err != nil {
		return models.CapabilityRecord{}, models.WrapError(models.KindInternal, err, "look up workflow pattern")
	}
	if !found {
		pattern = models.WorkflowPattern{
			ID:        uuid.NewString(),
			CodeHash:  codeHash,
			Code:      req.Code,
			Intent:    req.Intent,
			CreatedAt: s.now().UTC(),
		}
		if err := s.patterns.InsertPattern(ctx, pattern); err != nil {
			return models.CapabilityRecord{}, models.WrapError(models.KindInternal, err, "insert workflow pattern")
		}
		embedding, err := s.embedder.Embed(ctx, req.Intent)
		if err != nil {
			return models.CapabilityRecord{}, models.WrapError(models.KindUnavailableService, err, "embed intent")
		}
		if err := s.patterns.SaveEmbedding(ctx, pattern.ID, embedding); err != nil {
			return models.CapabilityRecord{}, models.WrapError(models.KindInternal, err, "save intent embedding")
		}
		s.logger.Info("Workflow pattern stored",
			"pattern_id", pattern.ID, "code_hash", codeHash[:12])
	}

	return s.registry.Create(ctx, CreateRequest{
		FQDN: models.FQDN{
			Org:       req.Scope.Org,
			Project:   req.Scope.Project,
			Namespace: req.Namespace,
			Action:    req.Action,
			Hash:      models.FQDNHash(req.Code),
		},
		WorkflowPatternID: pattern.ID,
		Visibility:        req.Visibility,
		Routing:           req.Routing,
		PermissionSet:     req.PermissionSet,
		PermissionSource:  req.PermissionSource,
	})
}

// HasEmbedding reports whether a capability's workflow pattern carries a
// stored intent embedding. External-learner registration is gated on this.
func (s *Store) HasEmbedding(ctx context.Context, rec models.CapabilityRecord) (bool, error) {
	if rec.WorkflowPatternID == "" {
		return false, nil
	}
	ok, err := s.patterns.HasEmbedding(ctx, rec.WorkflowPatternID)
	if err != nil {
		return false, models.WrapError(models.KindInternal, err,
			"check embedding of pattern %s", rec.WorkflowPatternID)
	}
	return ok, nil
}

// AddDependency creates or re-observes a dependency edge. Counts accumulate
// across calls and the source upgrades to observed at the threshold, matching
// the in-memory graph semantics.
func (s *Store) AddDependency(ctx context.Context, from, to string, edgeType models.EdgeType, source models.EdgeSource) (models.Edge, error) {
	if from == "" || to == "" || from == to {
		return models.Edge{}, models.NewError(models.KindValidation, "invalid dependency %q -> %q", from, to)
	}
	if !models.ValidEdgeType(edgeType) {
		return models.Edge{}, models.NewError(models.KindValidation, "unknown edge type %q", edgeType)
	}

	edge, found, err := s.deps.GetEdge(ctx, from, to)
	if err != nil {
		return models.Edge{}, models.WrapError(models.KindInternal, err, "get edge %s->%s", from, to)
	}
	if !found {
		edge = models.Edge{From: from, To: to, Type: edgeType, Source: source}
	}
	edge.Count++
	if edge.Source == models.EdgeSourceInferred && edge.Count >= models.ObservedCountThreshold {
		edge.Source = models.EdgeSourceObserved
	}
	edge.Confidence = graph.GetEdgeWeight(edge.Type, edge.Source)
	if err := s.deps.UpsertEdge(ctx, edge); err != nil {
		return models.Edge{}, models.WrapError(models.KindInternal, err, "upsert edge %s", edge.Key())
	}
	return edge, nil
}

// GetDependencies returns a node's dependency edges in the given direction.
func (s *Store) GetDependencies(ctx context.Context, nodeID string, direction Direction) ([]models.Edge, error) {
	switch direction {
	case DirectionFrom, DirectionTo, DirectionBoth:
	case "":
		direction = DirectionBoth
	default:
		return nil, models.NewError(models.KindValidation, "unknown direction %q", direction)
	}
	edges, err := s.deps.EdgesFor(ctx, nodeID, direction)
	if err != nil {
		return nil, models.WrapError(models.KindInternal, err, "dependencies of %s", nodeID)
	}
	return edges, nil
}

// GetAllDependencies returns every dependency edge at or above minConfidence.
func (s *Store) GetAllDependencies(ctx context.Context, minConfidence float64) ([]models.Edge, error) {
	edges, err := s.deps.AllEdges(ctx, minConfidence)
	if err != nil {
		return nil, models.WrapError(models.KindInternal, err, "list dependencies")
	}
	return edges, nil
}

// RemoveDependency deletes a dependency edge.
func (s *Store) RemoveDependency(ctx context.Context, from, to string) error {
	if err := s.deps.DeleteEdge(ctx, from, to); err != nil {
		return models.WrapError(models.KindInternal, err, "delete edge %s->%s", from, to)
	}
	return nil
}

// UpdatePermissionSet escalates a capability's permission set through the
// registry's escalation validation.
func (s *Store) UpdatePermissionSet(ctx context.Context, id string, to models.PermissionSet) (models.CapabilityRecord, error) {
	return s.registry.UpdatePermissionSet(ctx, id, to)
}
