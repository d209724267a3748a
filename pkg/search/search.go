// Package search implements unified semantic discovery over the knowledge
// graph: vector retrieval scored by node reliability, serving pml:discover
// and the capability matcher.
package search

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/pml-dev/gateway/pkg/models"
)

// DefaultReliability is assumed for nodes with no recorded success rate.
const DefaultReliability = 0.7

// Embedder turns text into a vector. Implemented by the external embedding
// service client.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Match is one vector-index hit.
type Match struct {
	NodeID     string
	Similarity float64
}

// VectorIndex is the retrieval port. Implemented by storage.EmbeddingStore
// over a pgvector column; tests use in-memory fakes.
type VectorIndex interface {
	Search(ctx context.Context, embedding []float32, limit int) ([]Match, error)
}

// NodeSource resolves node ids to graph nodes. Satisfied by *graph.Graph.
type NodeSource interface {
	Node(id string) (models.Node, bool)
}

// TypeFilter values accepted by Options.Type.
const (
	TypeTool       = "tool"
	TypeCapability = "capability"
	TypeAll        = "all"
)

// Options tune a unified search.
type Options struct {
	// Type filters results: tool, capability, or all (default).
	Type string
	// Limit caps the number of results; 0 means 10.
	Limit int
	// MinScore drops results scoring below the threshold.
	MinScore float64
}

// Result is one ranked discovery hit.
type Result struct {
	ID    string  `json:"id"`
	Type  string  `json:"type"`
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

// Searcher combines an embedder, a vector index and the graph into the
// unified discovery path.
type Searcher struct {
	embedder Embedder
	index    VectorIndex
	nodes    NodeSource
	logger   *slog.Logger
}

// Option configures a Searcher.
type Option func(*Searcher)

// WithLogger sets the diagnostics logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Searcher) { s.logger = l }
}

// New creates a Searcher.
func New(embedder Embedder, index VectorIndex, nodes NodeSource, opts ...Option) *Searcher {
	s := &Searcher{
		embedder: embedder,
		index:    index,
		nodes:    nodes,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// retrievalFanout over-fetches from the index so that type filtering and
// minScore still leave enough candidates to fill the limit.
const retrievalFanout = 4

// Search runs unified discovery: semantic retrieval over the index, scored
// as semantic × reliability, filtered by options and ranked descending.
func (s *Searcher) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, models.NewError(models.KindValidation, "empty search query")
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}
	typeFilter := opts.Type
	if typeFilter == "" {
		typeFilter = TypeAll
	}
	switch typeFilter {
	case TypeTool, TypeCapability, TypeAll:
	default:
		return nil, models.NewError(models.KindValidation, "unknown search type %q", opts.Type)
	}

	embedding, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, models.WrapError(models.KindUnavailableService, err, "embed query")
	}

	matches, err := s.index.Search(ctx, embedding, limit*retrievalFanout)
	if err != nil {
		return nil, models.WrapError(models.KindInternal, err, "vector search")
	}

	results := make([]Result, 0, len(matches))
	for _, m := range matches {
		node, ok := s.nodes.Node(m.NodeID)
		if !ok {
			// Index entry for a node the graph no longer holds.
			s.logger.Debug("Dropping stale index hit", "node_id", m.NodeID)
			continue
		}
		if typeFilter != TypeAll && string(node.Type) != typeFilter {
			continue
		}
		score := m.Similarity * Reliability(node.SuccessRate)
		if score < opts.MinScore {
			continue
		}
		results = append(results, Result{
			ID:    node.ID,
			Type:  string(node.Type),
			Name:  node.Name,
			Score: score,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Reliability maps a recorded success rate to the scoring multiplier: the
// rate itself when known, DefaultReliability for unused nodes.
func Reliability(successRate float64) float64 {
	if successRate > 0 {
		return successRate
	}
	return DefaultReliability
}

// PenaltyBoost amplifies or suppresses a discovery score by track record:
// nodes failing more often than not are heavily demoted, proven ones get a
// small promotion.
func PenaltyBoost(successRate float64) float64 {
	switch {
	case successRate < 0.5:
		return 0.1
	case successRate > 0.9:
		return 1.2
	default:
		return 1.0
	}
}

// ComputeDiscoverScore is the context-free discovery ranking formula:
// semantic × reliability × penaltyBoost.
func ComputeDiscoverScore(semantic, successRate float64) float64 {
	return semantic * Reliability(successRate) * PenaltyBoost(successRate)
}
