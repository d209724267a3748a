// Package graph holds the in-memory knowledge graph: typed nodes for tools,
// capabilities and learned operations, weighted edges observed from
// execution, and the query algorithms (shortest path, PageRank, community
// detection) that drive planning.
//
// Writers serialize behind a write lock; readers take snapshots and may run
// concurrently between writes. Persistence goes through the Store port and
// is kept in step with the in-memory structure on every observation.
package graph

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/pml-dev/gateway/pkg/models"
)

// Store is the persistence port for graph state. Implemented by
// storage.GraphStore; tests use in-memory fakes.
type Store interface {
	LoadNodes(ctx context.Context) ([]models.Node, error)
	LoadEdges(ctx context.Context) ([]models.Edge, error)
	UpsertNode(ctx context.Context, node models.Node) error
	UpsertEdge(ctx context.Context, edge models.Edge) error
	DeleteEdgesFrom(ctx context.Context, nodeID string, edgeType models.EdgeType) error
}

// Publisher is the slice of the event bus the graph emits on.
type Publisher interface {
	Emit(event models.Event)
}

// Graph is the shared knowledge graph.
type Graph struct {
	mu    sync.RWMutex
	nodes map[string]models.Node
	// out[from][to] and in[to][from] index the same edge values.
	out map[string]map[string]models.Edge
	in  map[string]map[string]models.Edge

	// Per-(from,to) upsert serialization, finer than the graph write lock
	// so independent edge observations can persist concurrently.
	edgeFlights sync.Map // edge key → *sync.Mutex

	store      Store
	events     Publisher
	logger     *slog.Logger
	lastSynced time.Time

	// Caches invalidated on every write.
	pagerank    map[string]float64
	communities map[string]int
}

// Option configures a Graph.
type Option func(*Graph)

// WithLogger sets the diagnostics logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Graph) { g.logger = l }
}

// New creates an empty graph backed by store, emitting lifecycle events on
// events. Either may be nil (no persistence / no events) in tests.
func New(store Store, events Publisher, opts ...Option) *Graph {
	g := &Graph{
		nodes:  make(map[string]models.Node),
		out:    make(map[string]map[string]models.Edge),
		in:     make(map[string]map[string]models.Edge),
		store:  store,
		events: events,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// NodeCount returns the number of nodes.
func (g *Graph) NodeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// EdgeCount returns the number of edges.
func (g *Graph) EdgeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n := 0
	for _, m := range g.out {
		n += len(m)
	}
	return n
}

// Node returns a node by id.
func (g *Graph) Node(id string) (models.Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	return n, ok
}

// Edge returns the edge (from,to) if present.
func (g *Graph) Edge(from, to string) (models.Edge, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.out[from][to]
	return e, ok
}

// UpsertNode installs or replaces a node and persists it.
func (g *Graph) UpsertNode(ctx context.Context, node models.Node) error {
	g.mu.Lock()
	g.nodes[node.ID] = node
	g.invalidateCachesLocked()
	g.mu.Unlock()

	if g.store != nil {
		if err := g.store.UpsertNode(ctx, node); err != nil {
			return models.WrapError(models.KindInternal, err, "persist node %s", node.ID)
		}
	}
	return nil
}

// ensureNodeLocked creates a placeholder node when an edge references an
// unknown id. Caller holds the write lock.
func (g *Graph) ensureNodeLocked(id string, nodeType models.NodeType) {
	if _, ok := g.nodes[id]; ok {
		return
	}
	g.nodes[id] = models.Node{ID: id, Type: nodeType, Name: id}
}

// Observe upserts the (from,to) edge of the given type: first observation
// creates it as inferred with count 1; re-observation increments count and
// upgrades the source to observed at the threshold. Emits graph.edge.created
// or graph.edge.updated. Upserts for the same (from,to) pair serialize.
func (g *Graph) Observe(ctx context.Context, from, to string, edgeType models.EdgeType) (models.Edge, error) {
	if from == to {
		return models.Edge{}, models.NewError(models.KindValidation, "self edge %s rejected", from)
	}
	if !models.ValidEdgeType(edgeType) {
		return models.Edge{}, models.NewError(models.KindValidation, "unknown edge type %q", edgeType)
	}

	key := from + "->" + to
	flightI, _ := g.edgeFlights.LoadOrStore(key, &sync.Mutex{})
	flight := flightI.(*sync.Mutex)
	flight.Lock()
	defer flight.Unlock()

	g.mu.Lock()
	edge, existed := g.out[from][to]
	if !existed {
		edge = models.Edge{
			From:   from,
			To:     to,
			Type:   edgeType,
			Source: models.EdgeSourceInferred,
			Count:  0,
		}
		g.ensureNodeLocked(from, inferNodeType(from))
		g.ensureNodeLocked(to, inferNodeType(to))
	}
	edge.Count++
	if edge.Source == models.EdgeSourceInferred && edge.Count >= models.ObservedCountThreshold {
		edge.Source = models.EdgeSourceObserved
	}
	edge.Confidence = GetEdgeWeight(edge.Type, edge.Source)
	g.setEdgeLocked(edge)
	g.invalidateCachesLocked()
	g.mu.Unlock()

	if g.store != nil {
		if err := g.store.UpsertEdge(ctx, edge); err != nil {
			return edge, models.WrapError(models.KindInternal, err, "persist edge %s", key)
		}
	}

	if g.events != nil {
		eventType := models.EventGraphEdgeUpdated
		if !existed {
			eventType = models.EventGraphEdgeCreated
		}
		g.events.Emit(models.Event{
			Type:   eventType,
			Source: "graph",
			Payload: map[string]any{
				"from":        edge.From,
				"to":          edge.To,
				"edge_type":   string(edge.Type),
				"edge_source": string(edge.Source),
				"count":       edge.Count,
				"confidence":  edge.Confidence,
			},
		})
	}
	return edge, nil
}

// SetDeclaredEdge installs an edge with declared provenance (e.g. similarity
// links computed offline). Count starts at 1 and never upgrades.
func (g *Graph) SetDeclaredEdge(ctx context.Context, from, to string, edgeType models.EdgeType) (models.Edge, error) {
	if !models.ValidEdgeType(edgeType) {
		return models.Edge{}, models.NewError(models.KindValidation, "unknown edge type %q", edgeType)
	}
	edge := models.Edge{
		From:       from,
		To:         to,
		Type:       edgeType,
		Source:     models.EdgeSourceDeclared,
		Count:      1,
		Confidence: GetEdgeWeight(edgeType, models.EdgeSourceDeclared),
	}
	g.mu.Lock()
	g.ensureNodeLocked(from, inferNodeType(from))
	g.ensureNodeLocked(to, inferNodeType(to))
	g.setEdgeLocked(edge)
	g.invalidateCachesLocked()
	g.mu.Unlock()

	if g.store != nil {
		if err := g.store.UpsertEdge(ctx, edge); err != nil {
			return edge, models.WrapError(models.KindInternal, err, "persist edge %s", edge.Key())
		}
	}
	return edge, nil
}

// ReplaceContainsEdges atomically replaces the contains edges out of a
// capability node. Used by the graph-sync controller on capability updates.
func (g *Graph) ReplaceContainsEdges(ctx context.Context, capNodeID string, toolNodeIDs []string) error {
	g.mu.Lock()
	for to, e := range g.out[capNodeID] {
		if e.Type == models.EdgeTypeContains {
			g.removeEdgeLocked(capNodeID, to)
		}
	}
	g.ensureNodeLocked(capNodeID, models.NodeTypeCapability)
	for _, toolID := range toolNodeIDs {
		g.ensureNodeLocked(toolID, models.NodeTypeTool)
		edge := models.Edge{
			From:       capNodeID,
			To:         toolID,
			Type:       models.EdgeTypeContains,
			Source:     models.EdgeSourceDeclared,
			Count:      1,
			Confidence: GetEdgeWeight(models.EdgeTypeContains, models.EdgeSourceDeclared),
		}
		g.setEdgeLocked(edge)
	}
	g.invalidateCachesLocked()
	g.mu.Unlock()

	if g.store == nil {
		return nil
	}
	if err := g.store.DeleteEdgesFrom(ctx, capNodeID, models.EdgeTypeContains); err != nil {
		return models.WrapError(models.KindInternal, err, "clear contains edges of %s", capNodeID)
	}
	for _, toolID := range toolNodeIDs {
		edge := models.Edge{
			From: capNodeID, To: toolID,
			Type: models.EdgeTypeContains, Source: models.EdgeSourceDeclared,
			Count: 1, Confidence: GetEdgeWeight(models.EdgeTypeContains, models.EdgeSourceDeclared),
		}
		if err := g.store.UpsertEdge(ctx, edge); err != nil {
			return models.WrapError(models.KindInternal, err, "persist contains edge %s", edge.Key())
		}
	}
	return nil
}

// Snapshot returns a copy of all nodes and edges plus summary metadata.
func (g *Graph) Snapshot() models.GraphSnapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()

	nodes := make([]models.Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })

	edges := make([]models.Edge, 0)
	for _, m := range g.out {
		for _, e := range m {
			edges = append(edges, e)
		}
	}
	sort.Slice(edges, func(i, j int) bool { return edges[i].Key() < edges[j].Key() })

	meta := models.SnapshotMetadata{NodeCount: len(nodes), EdgeCount: len(edges)}
	if !g.lastSynced.IsZero() {
		meta.LastSyncedAt = g.lastSynced.UTC().Format(time.RFC3339)
	}
	return models.GraphSnapshot{Nodes: nodes, Edges: edges, Metadata: meta}
}

// Related returns the neighbors of a node (both directions) ordered by
// descending edge confidence, up to limit.
func (g *Graph) Related(nodeID string, limit int) []models.Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()

	edges := make([]models.Edge, 0)
	for _, e := range g.out[nodeID] {
		edges = append(edges, e)
	}
	for _, e := range g.in[nodeID] {
		edges = append(edges, e)
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Confidence != edges[j].Confidence {
			return edges[i].Confidence > edges[j].Confidence
		}
		return edges[i].Key() < edges[j].Key()
	})
	if limit > 0 && len(edges) > limit {
		edges = edges[:limit]
	}
	return edges
}

// setEdgeLocked installs an edge in both indexes. Caller holds the write lock.
func (g *Graph) setEdgeLocked(e models.Edge) {
	if g.out[e.From] == nil {
		g.out[e.From] = make(map[string]models.Edge)
	}
	if g.in[e.To] == nil {
		g.in[e.To] = make(map[string]models.Edge)
	}
	g.out[e.From][e.To] = e
	g.in[e.To][e.From] = e
}

func (g *Graph) removeEdgeLocked(from, to string) {
	delete(g.out[from], to)
	delete(g.in[to], from)
}

func (g *Graph) invalidateCachesLocked() {
	g.pagerank = nil
	g.communities = nil
}

// inferNodeType guesses the node type from the id shape: "cap-…" is a
// capability, "code:…" an operation, anything else a tool.
func inferNodeType(id string) models.NodeType {
	switch {
	case len(id) > 4 && id[:4] == "cap-":
		return models.NodeTypeCapability
	case len(id) > 5 && id[:5] == "code:":
		return models.NodeTypeOperation
	default:
		return models.NodeTypeTool
	}
}
