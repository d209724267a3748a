package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/pgvector/pgvector-go"

	"github.com/pml-dev/gateway/pkg/capability"
	"github.com/pml-dev/gateway/pkg/models"
)

// CapabilityStore persists capability records, workflow patterns, and the
// capability dependency edges. It implements the registry's RecordStore, the
// capability store's PatternStore, and its DependencyStore.
type CapabilityStore struct {
	db *sqlx.DB
}

// NewCapabilityStore creates a capability store over the client's pool.
func NewCapabilityStore(c *Client) *CapabilityStore {
	return &CapabilityStore{db: c.DB()}
}

// capabilityRow flattens a record plus its FQDN components for scanning.
type capabilityRow struct {
	ID                   string  `db:"id"`
	Org                  string  `db:"org"`
	Project              string  `db:"project"`
	Namespace            string  `db:"namespace"`
	Action               string  `db:"action"`
	FQDNHash             string  `db:"fqdn_hash"`
	WorkflowPatternID    string  `db:"workflow_pattern_id"`
	Visibility           string  `db:"visibility"`
	Routing              string  `db:"routing"`
	Version              int     `db:"version"`
	Verified             bool    `db:"verified"`
	UsageCount           int64   `db:"usage_count"`
	SuccessCount         int64   `db:"success_count"`
	TotalLatencyMs       int64   `db:"total_latency_ms"`
	PermissionSet        string  `db:"permission_set"`
	PermissionSource     string  `db:"permission_source"`
	PermissionConfidence float64 `db:"permission_confidence"`
	CreatedAt            sql.NullTime `db:"created_at"`
	UpdatedAt            sql.NullTime `db:"updated_at"`
}

func (r capabilityRow) record() models.CapabilityRecord {
	rec := models.CapabilityRecord{
		ID: r.ID,
		FQDN: models.FQDN{
			Org:       r.Org,
			Project:   r.Project,
			Namespace: r.Namespace,
			Action:    r.Action,
			Hash:      r.FQDNHash,
		},
		WorkflowPatternID:    r.WorkflowPatternID,
		Visibility:           models.CapabilityVisibility(r.Visibility),
		Routing:              models.CapabilityRouting(r.Routing),
		Version:              r.Version,
		Verified:             r.Verified,
		UsageCount:           r.UsageCount,
		SuccessCount:         r.SuccessCount,
		TotalLatencyMs:       r.TotalLatencyMs,
		PermissionSet:        models.PermissionSet(r.PermissionSet),
		PermissionSource:     models.PermissionSource(r.PermissionSource),
		PermissionConfidence: r.PermissionConfidence,
	}
	if r.CreatedAt.Valid {
		rec.CreatedAt = r.CreatedAt.Time
	}
	if r.UpdatedAt.Valid {
		rec.UpdatedAt = r.UpdatedAt.Time
	}
	return rec
}

const capabilityColumns = `id, org, project, namespace, action, fqdn_hash,
	COALESCE(workflow_pattern_id, '') AS workflow_pattern_id,
	visibility, routing, version, verified, usage_count, success_count,
	total_latency_ms, permission_set, permission_source, permission_confidence,
	created_at, updated_at`

// GetRecord fetches one capability by id.
func (s *CapabilityStore) GetRecord(ctx context.Context, id string) (models.CapabilityRecord, bool, error) {
	var row capabilityRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+capabilityColumns+` FROM capability_records WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.CapabilityRecord{}, false, nil
	}
	if err != nil {
		return models.CapabilityRecord{}, false, fmt.Errorf("failed to get capability %s: %w", id, err)
	}
	return row.record(), true, nil
}

// FindByFQDN fetches one capability by its full naming key.
func (s *CapabilityStore) FindByFQDN(ctx context.Context, fqdn models.FQDN) (models.CapabilityRecord, bool, error) {
	var row capabilityRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+capabilityColumns+` FROM capability_records
		WHERE org = $1 AND project = $2 AND namespace = $3 AND action = $4 AND fqdn_hash = $5`,
		fqdn.Org, fqdn.Project, fqdn.Namespace, fqdn.Action, fqdn.Hash)
	if errors.Is(err, sql.ErrNoRows) {
		return models.CapabilityRecord{}, false, nil
	}
	if err != nil {
		return models.CapabilityRecord{}, false, fmt.Errorf("failed to find capability %s: %w", fqdn.String(), err)
	}
	return row.record(), true, nil
}

// FindByName returns the scope-resolution candidates for a bare name: records
// matching the action (and namespace when given) that are either inside the
// caller's scope or public.
func (s *CapabilityStore) FindByName(ctx context.Context, namespace, action string, scope models.Scope) ([]models.CapabilityRecord, error) {
	var rows []capabilityRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+capabilityColumns+` FROM capability_records
		WHERE action = $1
		  AND ($2 = '' OR namespace = $2)
		  AND ((org = $3 AND project = $4) OR visibility = 'public')
		ORDER BY version DESC, created_at DESC`,
		action, namespace, scope.Org, scope.Project)
	if err != nil {
		return nil, fmt.Errorf("failed to find capability %s:%s: %w", namespace, action, err)
	}
	recs := make([]models.CapabilityRecord, len(rows))
	for i, r := range rows {
		recs[i] = r.record()
	}
	return recs, nil
}

// ListByScope pages capabilities visible to a scope: its own records plus
// public ones.
func (s *CapabilityStore) ListByScope(ctx context.Context, scope models.Scope, opts capability.ListOptions) ([]models.CapabilityRecord, int, error) {
	order := "created_at DESC"
	switch opts.Sort {
	case "usage":
		order = "usage_count DESC"
	case "success_rate":
		order = "CASE WHEN usage_count = 0 THEN 0 ELSE success_count::float / usage_count END DESC"
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	where := `((org = $1 AND project = $2) OR visibility = 'public')
	  AND (usage_count = 0 AND $3 <= 0
	       OR usage_count > 0 AND success_count::float / usage_count >= $3)`

	var total int
	err := s.db.GetContext(ctx, &total,
		`SELECT COUNT(*) FROM capability_records WHERE `+where,
		scope.Org, scope.Project, opts.MinSuccessRate)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count capabilities: %w", err)
	}

	var rows []capabilityRow
	err = s.db.SelectContext(ctx, &rows,
		`SELECT `+capabilityColumns+` FROM capability_records
		WHERE `+where+` ORDER BY `+order+` LIMIT $4 OFFSET $5`,
		scope.Org, scope.Project, opts.MinSuccessRate, limit, opts.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list capabilities: %w", err)
	}
	recs := make([]models.CapabilityRecord, len(rows))
	for i, r := range rows {
		recs[i] = r.record()
	}
	return recs, total, nil
}

// InsertRecord persists a new capability.
func (s *CapabilityStore) InsertRecord(ctx context.Context, rec models.CapabilityRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO capability_records (
			id, org, project, namespace, action, fqdn_hash, workflow_pattern_id,
			visibility, routing, version, verified, usage_count, success_count,
			total_latency_ms, permission_set, permission_source, permission_confidence,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		rec.ID, rec.FQDN.Org, rec.FQDN.Project, rec.FQDN.Namespace, rec.FQDN.Action,
		rec.FQDN.Hash, rec.WorkflowPatternID, rec.Visibility, rec.Routing, rec.Version,
		rec.Verified, rec.UsageCount, rec.SuccessCount, rec.TotalLatencyMs,
		rec.PermissionSet, rec.PermissionSource, rec.PermissionConfidence,
		rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert capability %s: %w", rec.FQDN.String(), err)
	}
	return nil
}

// UpdateRecord rewrites the mutable fields of a capability.
func (s *CapabilityStore) UpdateRecord(ctx context.Context, rec models.CapabilityRecord) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE capability_records SET
			workflow_pattern_id = NULLIF($2, ''),
			visibility = $3, routing = $4, version = $5, verified = $6,
			usage_count = $7, success_count = $8, total_latency_ms = $9,
			permission_set = $10, permission_source = $11, permission_confidence = $12,
			updated_at = $13
		WHERE id = $1`,
		rec.ID, rec.WorkflowPatternID, rec.Visibility, rec.Routing, rec.Version,
		rec.Verified, rec.UsageCount, rec.SuccessCount, rec.TotalLatencyMs,
		rec.PermissionSet, rec.PermissionSource, rec.PermissionConfidence, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update capability %s: %w", rec.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("capability %s not found", rec.ID)
	}
	return nil
}

// DeleteRecord removes a capability.
func (s *CapabilityStore) DeleteRecord(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM capability_records WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete capability %s: %w", id, err)
	}
	return nil
}

// FindPatternByHash fetches a workflow pattern by content hash.
func (s *CapabilityStore) FindPatternByHash(ctx context.Context, codeHash string) (models.WorkflowPattern, bool, error) {
	var p models.WorkflowPattern
	err := s.db.GetContext(ctx, &p,
		`SELECT id, code_hash, code, intent, created_at FROM workflow_pattern WHERE code_hash = $1`,
		codeHash)
	if errors.Is(err, sql.ErrNoRows) {
		return models.WorkflowPattern{}, false, nil
	}
	if err != nil {
		return models.WorkflowPattern{}, false, fmt.Errorf("failed to find pattern %s: %w", codeHash, err)
	}
	return p, true, nil
}

// GetPattern fetches a workflow pattern by id.
func (s *CapabilityStore) GetPattern(ctx context.Context, id string) (models.WorkflowPattern, bool, error) {
	var p models.WorkflowPattern
	err := s.db.GetContext(ctx, &p,
		`SELECT id, code_hash, code, intent, created_at FROM workflow_pattern WHERE id = $1`,
		id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.WorkflowPattern{}, false, nil
	}
	if err != nil {
		return models.WorkflowPattern{}, false, fmt.Errorf("failed to get pattern %s: %w", id, err)
	}
	return p, true, nil
}

// InsertPattern persists a new workflow pattern.
func (s *CapabilityStore) InsertPattern(ctx context.Context, pattern models.WorkflowPattern) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_pattern (id, code_hash, code, intent, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		pattern.ID, pattern.CodeHash, pattern.Code, pattern.Intent, pattern.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert pattern %s: %w", pattern.ID, err)
	}
	return nil
}

// SaveEmbedding stores the intent embedding of a pattern.
func (s *CapabilityStore) SaveEmbedding(ctx context.Context, patternID string, embedding []float32) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_pattern SET intent_embedding = $2 WHERE id = $1`,
		patternID, pgvector.NewVector(embedding))
	if err != nil {
		return fmt.Errorf("failed to save embedding of pattern %s: %w", patternID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("pattern %s not found", patternID)
	}
	return nil
}

// HasEmbedding reports whether a pattern carries a stored intent embedding.
func (s *CapabilityStore) HasEmbedding(ctx context.Context, patternID string) (bool, error) {
	var has bool
	err := s.db.GetContext(ctx, &has,
		`SELECT intent_embedding IS NOT NULL FROM workflow_pattern WHERE id = $1`, patternID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check embedding of pattern %s: %w", patternID, err)
	}
	return has, nil
}

// GetEdge fetches one dependency edge.
func (s *CapabilityStore) GetEdge(ctx context.Context, from, to string) (models.Edge, bool, error) {
	var e models.Edge
	err := s.db.GetContext(ctx, &e,
		`SELECT from_node, to_node, edge_type, edge_source, observation_count, confidence
		FROM tool_dependency WHERE from_node = $1 AND to_node = $2`, from, to)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Edge{}, false, nil
	}
	if err != nil {
		return models.Edge{}, false, fmt.Errorf("failed to get edge %s->%s: %w", from, to, err)
	}
	return e, true, nil
}

// UpsertEdge inserts or updates a dependency edge.
func (s *CapabilityStore) UpsertEdge(ctx context.Context, edge models.Edge) error {
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

// EdgesFor lists the edges touching a node in the given direction.
func (s *CapabilityStore) EdgesFor(ctx context.Context, nodeID string, direction capability.Direction) ([]models.Edge, error) {
	var where string
	switch direction {
	case capability.DirectionFrom:
		where = `from_node = $1`
	case capability.DirectionTo:
		where = `to_node = $1`
	default:
		where = `(from_node = $1 OR to_node = $1)`
	}
	var edges []models.Edge
	err := s.db.SelectContext(ctx, &edges,
		`SELECT from_node, to_node, edge_type, edge_source, observation_count, confidence
		FROM tool_dependency WHERE `+where+` ORDER BY confidence DESC`, nodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list edges of %s: %w", nodeID, err)
	}
	return edges, nil
}

// AllEdges lists every edge at or above a confidence floor.
func (s *CapabilityStore) AllEdges(ctx context.Context, minConfidence float64) ([]models.Edge, error) {
	var edges []models.Edge
	err := s.db.SelectContext(ctx, &edges,
		`SELECT from_node, to_node, edge_type, edge_source, observation_count, confidence
		FROM tool_dependency WHERE confidence >= $1 ORDER BY confidence DESC`, minConfidence)
	if err != nil {
		return nil, fmt.Errorf("failed to list edges: %w", err)
	}
	return edges, nil
}

// DeleteEdge removes one dependency edge.
func (s *CapabilityStore) DeleteEdge(ctx context.Context, from, to string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM tool_dependency WHERE from_node = $1 AND to_node = $2`, from, to)
	if err != nil {
		return fmt.Errorf("failed to delete edge %s->%s: %w", from, to, err)
	}
	return nil
}
