package storage

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/pml-dev/gateway/pkg/models"
)

// GraphStore persists graph nodes and edges. It backs the in-memory graph
// engine and the graph-sync controller's contains lookups.
type GraphStore struct {
	db *sqlx.DB
}

// NewGraphStore creates a graph store over the client's connection pool.
func NewGraphStore(c *Client) *GraphStore {
	return &GraphStore{db: c.DB()}
}

// LoadNodes returns every node.
func (s *GraphStore) LoadNodes(ctx context.Context) ([]models.Node, error) {
	var nodes []models.Node
	err := s.db.SelectContext(ctx, &nodes,
		`SELECT id, node_type, name, server_id, success_rate, category, pure
		FROM tool_schema`)
	if err != nil {
		return nil, fmt.Errorf("failed to load nodes: %w", err)
	}
	return nodes, nil
}

// LoadEdges returns every edge.
func (s *GraphStore) LoadEdges(ctx context.Context) ([]models.Edge, error) {
	var edges []models.Edge
	err := s.db.SelectContext(ctx, &edges,
		`SELECT from_node, to_node, edge_type, edge_source, observation_count, confidence
		FROM tool_dependency`)
	if err != nil {
		return nil, fmt.Errorf("failed to load edges: %w", err)
	}
	return edges, nil
}

// UpsertNode inserts or updates a node by id.
func (s *GraphStore) UpsertNode(ctx context.Context, node models.Node) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_schema (id, node_type, name, server_id, success_rate, category, pure)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			node_type = EXCLUDED.node_type,
			name = EXCLUDED.name,
			server_id = EXCLUDED.server_id,
			success_rate = EXCLUDED.success_rate,
			category = EXCLUDED.category,
			pure = EXCLUDED.pure,
			updated_at = now()`,
		node.ID, node.Type, node.Name, node.ServerID, node.SuccessRate, node.Category, node.Pure)
	if err != nil {
		return fmt.Errorf("failed to upsert node %s: %w", node.ID, err)
	}
	return nil
}

// UpsertEdge inserts or updates an edge by (from,to).
func (s *GraphStore) UpsertEdge(ctx context.Context, edge models.Edge) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_dependency (from_node, to_node, edge_type, edge_source, observation_count, confidence)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (from_node, to_node) DO UPDATE SET
			edge_type = EXCLUDED.edge_type,
			edge_source = EXCLUDED.edge_source,
			observation_count = EXCLUDED.observation_count,
			confidence = EXCLUDED.confidence,
			updated_at = now()`,
		edge.From, edge.To, edge.Type, edge.Source, edge.Count, edge.Confidence)
	if err != nil {
		return fmt.Errorf("failed to upsert edge %s: %w", edge.Key(), err)
	}
	return nil
}

// DeleteEdgesFrom removes all edges of one type leaving a node.
func (s *GraphStore) DeleteEdgesFrom(ctx context.Context, nodeID string, edgeType models.EdgeType) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM tool_dependency WHERE from_node = $1 AND edge_type = $2`,
		nodeID, edgeType)
	if err != nil {
		return fmt.Errorf("failed to delete %s edges from %s: %w", edgeType, nodeID, err)
	}
	return nil
}

// ContainedTools lists the tool node ids a capability's contains edges point
// at, ordered for deterministic edge replacement.
func (s *GraphStore) ContainedTools(ctx context.Context, capabilityID string) ([]string, error) {
	var tools []string
	err := s.db.SelectContext(ctx, &tools,
		`SELECT to_node FROM tool_dependency
		WHERE from_node = $1 AND edge_type = $2
		ORDER BY to_node`,
		models.CapabilityNodeID(capabilityID), models.EdgeTypeContains)
	if err != nil {
		return nil, fmt.Errorf("failed to list contained tools of %s: %w", capabilityID, err)
	}
	return tools, nil
}
