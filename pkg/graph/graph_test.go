package graph

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pml-dev/gateway/pkg/models"
	"github.com/pml-dev/gateway/pkg/workflow"
)

// fakeStore is an in-memory Store used across graph tests.
type fakeStore struct {
	mu    sync.Mutex
	nodes map[string]models.Node
	edges map[string]models.Edge
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		nodes: make(map[string]models.Node),
		edges: make(map[string]models.Edge),
	}
}

func (s *fakeStore) LoadNodes(context.Context) ([]models.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n)
	}
	return out, nil
}

func (s *fakeStore) LoadEdges(context.Context) ([]models.Edge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Edge, 0, len(s.edges))
	for _, e := range s.edges {
		out = append(out, e)
	}
	return out, nil
}

func (s *fakeStore) UpsertNode(_ context.Context, n models.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[n.ID] = n
	return nil
}

func (s *fakeStore) UpsertEdge(_ context.Context, e models.Edge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edges[e.Key()] = e
	return nil
}

func (s *fakeStore) DeleteEdgesFrom(_ context.Context, nodeID string, edgeType models.EdgeType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.edges {
		if e.From == nodeID && e.Type == edgeType {
			delete(s.edges, k)
		}
	}
	return nil
}

// recordingPublisher captures emitted events synchronously.
type recordingPublisher struct {
	mu     sync.Mutex
	events []models.Event
}

func (p *recordingPublisher) Emit(e models.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *recordingPublisher) byType(t string) []models.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := []models.Event{}
	for _, e := range p.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func TestGetEdgeWeightFormula(t *testing.T) {
	assert.InDelta(t, 0.7, GetEdgeWeight(models.EdgeTypeDependency, models.EdgeSourceInferred), 1e-9)
	assert.InDelta(t, 1.0, GetEdgeWeight(models.EdgeTypeDependency, models.EdgeSourceObserved), 1e-9)
	assert.InDelta(t, 0.35, GetEdgeWeight(models.EdgeTypeSequence, models.EdgeSourceInferred), 1e-9)
	assert.InDelta(t, 0.5, GetEdgeWeight(models.EdgeTypeSequence, models.EdgeSourceDeclared), 1e-9)
	assert.InDelta(t, 0.9, GetEdgeWeight(models.EdgeTypeContains, models.EdgeSourceObserved), 1e-9)
	assert.InDelta(t, 0.8, GetEdgeWeight(models.EdgeTypeSimilarity, models.EdgeSourceDeclared), 1e-9)
	assert.Zero(t, GetEdgeWeight("bogus", models.EdgeSourceObserved))
}

func TestObserveUpgradesSourceAtThreshold(t *testing.T) {
	store := newFakeStore()
	pub := &recordingPublisher{}
	g := New(store, pub)
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		edge, err := g.Observe(ctx, "fs:read", "fs:write", models.EdgeTypeDependency)
		require.NoError(t, err)
		assert.Equal(t, uint(i), edge.Count)
		if i < models.ObservedCountThreshold {
			assert.Equal(t, models.EdgeSourceInferred, edge.Source)
			assert.InDelta(t, 0.7, edge.Confidence, 1e-9)
		} else {
			assert.Equal(t, models.EdgeSourceObserved, edge.Source)
			assert.InDelta(t, 1.0, edge.Confidence, 1e-9)
		}
	}

	// Persisted edge matches memory.
	persisted := store.edges["fs:read->fs:write"]
	assert.Equal(t, uint(4), persisted.Count)
	assert.Equal(t, models.EdgeSourceObserved, persisted.Source)

	assert.Len(t, pub.byType(models.EventGraphEdgeCreated), 1)
	assert.Len(t, pub.byType(models.EventGraphEdgeUpdated), 3)
}

func TestObserveRejectsInvalidInput(t *testing.T) {
	g := New(nil, nil)
	_, err := g.Observe(context.Background(), "a", "a", models.EdgeTypeDependency)
	assert.True(t, models.IsKind(err, models.KindValidation))
	_, err = g.Observe(context.Background(), "a", "b", "bogus")
	assert.True(t, models.IsKind(err, models.KindValidation))
}

func TestSyncFromDatabaseRoundTrip(t *testing.T) {
	store := newFakeStore()
	pub := &recordingPublisher{}
	ctx := context.Background()

	g := New(store, pub)
	require.NoError(t, g.UpsertNode(ctx, models.Node{ID: "fs:read", Type: models.NodeTypeTool, Name: "read", ServerID: "fs", SuccessRate: 0.95}))
	require.NoError(t, g.UpsertNode(ctx, models.Node{ID: "fs:write", Type: models.NodeTypeTool, Name: "write", ServerID: "fs", SuccessRate: 0.9}))
	for i := 0; i < 3; i++ {
		_, err := g.Observe(ctx, "fs:read", "fs:write", models.EdgeTypeDependency)
		require.NoError(t, err)
	}

	// Fresh graph from the same store: counts and provenance survive.
	g2 := New(store, pub)
	require.NoError(t, g2.SyncFromDatabase(ctx))
	assert.Equal(t, g.NodeCount(), g2.NodeCount())
	assert.Equal(t, g.EdgeCount(), g2.EdgeCount())

	edge, ok := g2.Edge("fs:read", "fs:write")
	require.True(t, ok)
	assert.Equal(t, models.EdgeTypeDependency, edge.Type)
	assert.Equal(t, models.EdgeSourceObserved, edge.Source)
	assert.Equal(t, uint(3), edge.Count)

	// Idempotent: second sync converges on the same structure.
	require.NoError(t, g2.SyncFromDatabase(ctx))
	assert.Equal(t, g.NodeCount(), g2.NodeCount())
	assert.Equal(t, g.EdgeCount(), g2.EdgeCount())
	assert.NotEmpty(t, pub.byType(models.EventGraphSynced))
}

func TestUpdateFromExecutionMintsEdgesAndOperations(t *testing.T) {
	store := newFakeStore()
	g := New(store, nil)
	ctx := context.Background()

	dag := models.DAG{Tasks: []models.Task{
		{ID: "t1", Tool: "fs.read"},
		{ID: "t2", Tool: "http.get"},
		{ID: "t3", Tool: "fs.write", DependsOn: []string{"t1"}},
		{ID: "t4", Tool: "json_parse", Type: models.TaskTypeCodeExecution,
			Metadata: models.TaskMetadata{Pure: true}, DependsOn: []string{"t2"}},
	}}
	require.NoError(t, g.UpdateFromExecution(ctx, dag))

	// dependsOn → dependency edges.
	dep, ok := g.Edge("fs:read", "fs:write")
	require.True(t, ok)
	assert.Equal(t, models.EdgeTypeDependency, dep.Type)

	// consecutive tasks in layer 0 (t1, t2 sorted) → sequence edge.
	seq, ok := g.Edge("fs:read", "http:get")
	require.True(t, ok)
	assert.Equal(t, models.EdgeTypeSequence, seq.Type)

	// pure code task minted an operation node.
	op, ok := g.Node("code:json_parse")
	require.True(t, ok)
	assert.Equal(t, models.NodeTypeOperation, op.Type)
	assert.True(t, op.Pure)
}

func TestUpdateFromCodeTraceMintsContainsAndSequence(t *testing.T) {
	g := New(nil, nil)
	ctx := context.Background()

	traces := []models.SandboxTrace{
		{Type: models.SandboxTraceCapabilityEnd, TraceID: "p", Capability: "cap-1"},
		{Type: models.SandboxTraceToolEnd, TraceID: "c1", ParentTraceID: "p", Tool: "fs.read"},
		{Type: models.SandboxTraceToolEnd, TraceID: "c2", ParentTraceID: "p", Tool: "fs.write"},
	}
	require.NoError(t, g.UpdateFromCodeTrace(ctx, traces))

	contains1, ok := g.Edge("cap-1", "fs:read")
	require.True(t, ok)
	assert.Equal(t, models.EdgeTypeContains, contains1.Type)

	contains2, ok := g.Edge("cap-1", "fs:write")
	require.True(t, ok)
	assert.Equal(t, models.EdgeTypeContains, contains2.Type)

	seq, ok := g.Edge("fs:read", "fs:write")
	require.True(t, ok)
	assert.Equal(t, models.EdgeTypeSequence, seq.Type)
}

func TestShortestPathPrefersHighConfidence(t *testing.T) {
	g := New(nil, nil)
	ctx := context.Background()

	// a→b→c with observed (confidence 1.0) edges vs direct a→c inferred
	// sequence edge (confidence 0.35): two cheap hops (2.0) beat one
	// expensive hop (1/0.35 ≈ 2.86).
	for i := 0; i < 3; i++ {
		_, err := g.Observe(ctx, "a", "b", models.EdgeTypeDependency)
		require.NoError(t, err)
		_, err = g.Observe(ctx, "b", "c", models.EdgeTypeDependency)
		require.NoError(t, err)
	}
	_, err := g.Observe(ctx, "a", "c", models.EdgeTypeSequence)
	require.NoError(t, err)

	path, err := g.ShortestPath("a", "c")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, path)
}

func TestShortestPathErrors(t *testing.T) {
	g := New(nil, nil)
	_, err := g.Observe(context.Background(), "a", "b", models.EdgeTypeDependency)
	require.NoError(t, err)
	_, err = g.Observe(context.Background(), "c", "d", models.EdgeTypeDependency)
	require.NoError(t, err)

	_, err = g.ShortestPath("a", "ghost")
	assert.True(t, models.IsKind(err, models.KindNotFound))

	_, err = g.ShortestPath("a", "d")
	assert.True(t, models.IsKind(err, models.KindNotFound))

	path, err := g.ShortestPath("a", "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, path)
}

func TestPageRankSinkAccumulatesRank(t *testing.T) {
	g := New(nil, nil)
	ctx := context.Background()
	// star into "hub": x1..x4 → hub.
	for _, from := range []string{"x1", "x2", "x3", "x4"} {
		_, err := g.Observe(ctx, from, "hub", models.EdgeTypeDependency)
		require.NoError(t, err)
	}

	hub := g.PageRank("hub")
	leaf := g.PageRank("x1")
	assert.Greater(t, hub, leaf)

	// Ranks sum to ~1.
	total := hub
	for _, id := range []string{"x1", "x2", "x3", "x4"} {
		total += g.PageRank(id)
	}
	assert.InDelta(t, 1.0, total, 1e-3)
}

func TestCommunitiesSplitDisconnectedClusters(t *testing.T) {
	g := New(nil, nil)
	ctx := context.Background()
	// Two triangles with no link between them.
	for _, pair := range [][2]string{{"a", "b"}, {"b", "c"}, {"c", "a"}, {"x", "y"}, {"y", "z"}, {"z", "x"}} {
		for i := 0; i < 3; i++ {
			_, err := g.Observe(ctx, pair[0], pair[1], models.EdgeTypeDependency)
			require.NoError(t, err)
		}
	}

	comm := g.Communities()
	assert.Equal(t, comm["a"], comm["b"])
	assert.Equal(t, comm["b"], comm["c"])
	assert.Equal(t, comm["x"], comm["y"])
	assert.Equal(t, comm["y"], comm["z"])
	assert.NotEqual(t, comm["a"], comm["x"])
}

func TestBuildDAGRespectsLearnedEdges(t *testing.T) {
	g := New(nil, nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := g.Observe(ctx, "fs:read", "code:parse", models.EdgeTypeDependency)
		require.NoError(t, err)
		_, err = g.Observe(ctx, "code:parse", "fs:write", models.EdgeTypeDependency)
		require.NoError(t, err)
	}

	dag, err := g.BuildDAG([]string{"fs:read", "code:parse", "fs:write"})
	require.NoError(t, err)
	require.NoError(t, workflow.Validate(dag))

	deps := map[string][]string{}
	for _, task := range dag.Tasks {
		deps[task.ID] = task.DependsOn
	}
	assert.Empty(t, deps["fs:read"])
	assert.Equal(t, []string{"fs:read"}, deps["code:parse"])
	assert.Equal(t, []string{"code:parse"}, deps["fs:write"])
}

func TestSnapshotAndRelated(t *testing.T) {
	g := New(nil, nil)
	ctx := context.Background()
	_, err := g.Observe(ctx, "a", "b", models.EdgeTypeDependency)
	require.NoError(t, err)
	_, err = g.Observe(ctx, "a", "c", models.EdgeTypeSequence)
	require.NoError(t, err)

	snap := g.Snapshot()
	assert.Equal(t, 3, snap.Metadata.NodeCount)
	assert.Equal(t, 2, snap.Metadata.EdgeCount)
	assert.Len(t, snap.Nodes, 3)
	assert.Len(t, snap.Edges, 2)

	related := g.Related("a", 1)
	require.Len(t, related, 1)
	// dependency (0.7) outranks sequence (0.35).
	assert.Equal(t, "b", related[0].To)
}

func TestReplaceContainsEdges(t *testing.T) {
	store := newFakeStore()
	g := New(store, nil)
	ctx := context.Background()

	require.NoError(t, g.ReplaceContainsEdges(ctx, "cap-1", []string{"fs:read", "fs:write"}))
	require.NoError(t, g.ReplaceContainsEdges(ctx, "cap-1", []string{"http:get"}))

	_, hasOld := g.Edge("cap-1", "fs:read")
	assert.False(t, hasOld)
	edge, hasNew := g.Edge("cap-1", "http:get")
	require.True(t, hasNew)
	assert.Equal(t, models.EdgeTypeContains, edge.Type)
	assert.Equal(t, models.EdgeSourceDeclared, edge.Source)

	// Store mirrors memory.
	assert.Len(t, store.edges, 1)
}
