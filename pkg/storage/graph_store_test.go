package storage

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pml-dev/gateway/pkg/models"
)

func newMockClient(t *testing.T) (*Client, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewClientFromDB(sqlx.NewDb(db, "pgx")), mock
}

func TestGraphStoreLoadNodes(t *testing.T) {
	client, mock := newMockClient(t)
	store := NewGraphStore(client)

	mock.ExpectQuery(`SELECT id, node_type, name, server_id, success_rate, category, pure`).
		WillReturnRows(sqlmock.NewRows(
			[]string{"id", "node_type", "name", "server_id", "success_rate", "category", "pure"}).
			AddRow("fs:read", "tool", "read", "fs", 0.95, "", false).
			AddRow("cap-abc", "capability", "etl:transform", "", 0.8, "", false))

	nodes, err := store.LoadNodes(context.Background())
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, "fs:read", nodes[0].ID)
	assert.Equal(t, models.NodeTypeCapability, nodes[1].Type)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGraphStoreUpsertEdge(t *testing.T) {
	client, mock := newMockClient(t)
	store := NewGraphStore(client)

	mock.ExpectExec(`INSERT INTO tool_dependency`).
		WithArgs("fs:read", "fs:write", "dependency", "observed", 3, 1.0).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.UpsertEdge(context.Background(), models.Edge{
		From:       "fs:read",
		To:         "fs:write",
		Type:       models.EdgeTypeDependency,
		Source:     models.EdgeSourceObserved,
		Count:      3,
		Confidence: 1.0,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGraphStoreDeleteEdgesFrom(t *testing.T) {
	client, mock := newMockClient(t)
	store := NewGraphStore(client)

	mock.ExpectExec(`DELETE FROM tool_dependency WHERE from_node = \$1 AND edge_type = \$2`).
		WithArgs("cap-abc", "contains").
		WillReturnResult(sqlmock.NewResult(0, 4))

	err := store.DeleteEdgesFrom(context.Background(), "cap-abc", models.EdgeTypeContains)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGraphStoreContainedTools(t *testing.T) {
	client, mock := newMockClient(t)
	store := NewGraphStore(client)

	mock.ExpectQuery(`SELECT to_node FROM tool_dependency`).
		WithArgs("cap-abc", "contains").
		WillReturnRows(sqlmock.NewRows([]string{"to_node"}).
			AddRow("fs:read").
			AddRow("http:fetch"))

	// Bare capability ids get the node prefix before lookup.
	tools, err := store.ContainedTools(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, []string{"fs:read", "http:fetch"}, tools)
	assert.NoError(t, mock.ExpectationsWereMet())
}
