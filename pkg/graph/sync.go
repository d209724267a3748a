package graph

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/pml-dev/gateway/pkg/models"
	"github.com/pml-dev/gateway/pkg/workflow"
)

// SyncFromDatabase replaces the in-memory graph with the persisted state:
// all nodes (tool schemas, capabilities, learned operations) and all edges.
// Emits graph.synced. Idempotent — repeated syncs converge on the same
// structure.
func (g *Graph) SyncFromDatabase(ctx context.Context) error {
	if g.store == nil {
		return models.NewError(models.KindUnavailableService, "graph has no backing store")
	}
	nodes, err := g.store.LoadNodes(ctx)
	if err != nil {
		return models.WrapError(models.KindInternal, err, "load graph nodes")
	}
	edges, err := g.store.LoadEdges(ctx)
	if err != nil {
		return models.WrapError(models.KindInternal, err, "load graph edges")
	}

	g.mu.Lock()
	g.nodes = make(map[string]models.Node, len(nodes))
	g.out = make(map[string]map[string]models.Edge)
	g.in = make(map[string]map[string]models.Edge)
	for _, n := range nodes {
		g.nodes[n.ID] = n
	}
	for _, e := range edges {
		g.ensureNodeLocked(e.From, inferNodeType(e.From))
		g.ensureNodeLocked(e.To, inferNodeType(e.To))
		e.Confidence = GetEdgeWeight(e.Type, e.Source)
		g.setEdgeLocked(e)
	}
	g.invalidateCachesLocked()
	g.lastSynced = time.Now().UTC()
	g.mu.Unlock()

	g.logger.Info("Graph synced from database",
		"nodes", len(nodes), "edges", len(edges))
	if g.events != nil {
		g.events.Emit(models.Event{
			Type:   models.EventGraphSynced,
			Source: "graph",
			Payload: map[string]any{
				"node_count": len(nodes),
				"edge_count": len(edges),
			},
		})
	}
	return nil
}

// UpdateFromExecution folds a completed DAG execution into the graph:
// every dependsOn link becomes a dependency observation, every consecutive
// pair inside a topological layer becomes a sequence observation, and pure
// code tasks mint code:<op> operation nodes.
func (g *Graph) UpdateFromExecution(ctx context.Context, dag models.DAG) error {
	layers, err := workflow.Layers(dag)
	if err != nil {
		return err
	}

	byID := make(map[string]models.Task, len(dag.Tasks))
	for _, t := range dag.Tasks {
		byID[t.ID] = t
	}

	for _, task := range dag.Tasks {
		if task.EffectiveType() == models.TaskTypeCodeExecution && task.Metadata.Pure {
			op := models.Node{
				ID:   models.OperationNodeID(task.Tool),
				Type: models.NodeTypeOperation,
				Name: task.Tool,
				Pure: true,
			}
			if err := g.UpsertNode(ctx, op); err != nil {
				return err
			}
		}
		for _, dep := range task.DependsOn {
			from := NodeIDForTask(byID[dep])
			to := NodeIDForTask(task)
			if _, err := g.Observe(ctx, from, to, models.EdgeTypeDependency); err != nil {
				return err
			}
		}
	}

	for _, layer := range layers {
		sorted := append([]string(nil), layer...)
		sort.Strings(sorted)
		for i := 0; i+1 < len(sorted); i++ {
			from := NodeIDForTask(byID[sorted[i]])
			to := NodeIDForTask(byID[sorted[i+1]])
			if from == to {
				continue
			}
			if _, err := g.Observe(ctx, from, to, models.EdgeTypeSequence); err != nil {
				return err
			}
		}
	}
	return nil
}

// UpdateFromCodeTrace folds a sandbox trace timeline into the graph:
// capability_end/tool_end entries carrying a parentTraceId mint contains
// edges parent→child and sequence edges between consecutive children of the
// same parent.
func (g *Graph) UpdateFromCodeTrace(ctx context.Context, traces []models.SandboxTrace) error {
	nodeByTraceID := make(map[string]string)
	for _, tr := range traces {
		switch tr.Type {
		case models.SandboxTraceCapabilityEnd:
			nodeByTraceID[tr.TraceID] = models.CapabilityNodeID(tr.Capability)
		case models.SandboxTraceToolEnd:
			nodeByTraceID[tr.TraceID] = ToolNodeIDFromCall(tr.Tool)
		}
	}

	lastChild := make(map[string]string) // parent trace id → previous child node
	for _, tr := range traces {
		if tr.Type != models.SandboxTraceCapabilityEnd && tr.Type != models.SandboxTraceToolEnd {
			continue
		}
		if tr.ParentTraceID == "" {
			continue
		}
		parent, ok := nodeByTraceID[tr.ParentTraceID]
		if !ok {
			continue
		}
		child := nodeByTraceID[tr.TraceID]
		if child == "" || child == parent {
			continue
		}
		if _, err := g.Observe(ctx, parent, child, models.EdgeTypeContains); err != nil {
			return err
		}
		if prev, ok := lastChild[tr.ParentTraceID]; ok && prev != child {
			if _, err := g.Observe(ctx, prev, child, models.EdgeTypeSequence); err != nil {
				return err
			}
		}
		lastChild[tr.ParentTraceID] = child
	}
	return nil
}

// NodeIDForTask maps a DAG task onto its graph node id.
func NodeIDForTask(task models.Task) string {
	switch task.EffectiveType() {
	case models.TaskTypeCapability:
		if task.CapabilityID != "" {
			return models.CapabilityNodeID(task.CapabilityID)
		}
		return models.CapabilityNodeID(task.ID)
	case models.TaskTypeCodeExecution:
		return models.OperationNodeID(task.Tool)
	default:
		return ToolNodeIDFromCall(task.Tool)
	}
}

// ToolNodeIDFromCall converts a "server.tool" call name into the canonical
// "server:tool" node id. Names without a server part pass through.
func ToolNodeIDFromCall(call string) string {
	server, tool, ok := strings.Cut(call, ".")
	if !ok {
		return call
	}
	return models.ToolNodeID(server, tool)
}
