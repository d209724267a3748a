package storage

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/pgvector/pgvector-go"

	"github.com/pml-dev/gateway/pkg/search"
)

// EmbeddingStore runs vector retrieval over tool and capability embeddings.
// It implements the search VectorIndex port with a single cosine-distance
// query across both embedding tables.
type EmbeddingStore struct {
	db *sqlx.DB
}

// NewEmbeddingStore creates an embedding store over the client's pool.
func NewEmbeddingStore(c *Client) *EmbeddingStore {
	return &EmbeddingStore{db: c.DB()}
}

// SaveToolEmbedding stores the intent embedding of a tool node.
func (s *EmbeddingStore) SaveToolEmbedding(ctx context.Context, nodeID string, embedding []float32) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_embedding (node_id, embedding)
		VALUES ($1, $2)
		ON CONFLICT (node_id) DO UPDATE SET embedding = EXCLUDED.embedding, updated_at = now()`,
		nodeID, pgvector.NewVector(embedding))
	if err != nil {
		return fmt.Errorf("failed to save embedding of %s: %w", nodeID, err)
	}
	return nil
}

// Search returns the nearest nodes to an embedding: tool nodes from the
// tool_embedding table and capability nodes through their workflow pattern's
// intent embedding. Similarity is 1 - cosine distance.
func (s *EmbeddingStore) Search(ctx context.Context, embedding []float32, limit int) ([]search.Match, error) {
	if limit <= 0 {
		limit = 10
	}
	vec := pgvector.NewVector(embedding)

	rows, err := s.db.QueryxContext(ctx,
		`SELECT node_id, similarity FROM (
			SELECT te.node_id AS node_id, 1 - (te.embedding <=> $1) AS similarity
			FROM tool_embedding te
			UNION ALL
			SELECT 'cap-' || cr.id AS node_id, 1 - (wp.intent_embedding <=> $1) AS similarity
			FROM capability_records cr
			JOIN workflow_pattern wp ON wp.id = cr.workflow_pattern_id
			WHERE wp.intent_embedding IS NOT NULL
		) hits
		ORDER BY similarity DESC
		LIMIT $2`,
		vec, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to run vector search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var matches []search.Match
	for rows.Next() {
		var m search.Match
		if err := rows.Scan(&m.NodeID, &m.Similarity); err != nil {
			return nil, fmt.Errorf("failed to scan vector match: %w", err)
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read vector matches: %w", err)
	}
	return matches, nil
}
