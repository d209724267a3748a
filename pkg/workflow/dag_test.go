package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pml-dev/gateway/pkg/models"
)

func TestValidateRejectsCycle(t *testing.T) {
	dag := models.DAG{Tasks: []models.Task{
		{ID: "t1", Tool: "fs.read", DependsOn: []string{"t2"}},
		{ID: "t2", Tool: "fs.write", DependsOn: []string{"t1"}},
	}}
	err := Validate(dag)
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindIntegrity))
}

func TestValidateRejectsUnknownDependency(t *testing.T) {
	dag := models.DAG{Tasks: []models.Task{
		{ID: "t1", Tool: "fs.read", DependsOn: []string{"ghost"}},
	}}
	err := Validate(dag)
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindValidation))
}

func TestValidateRejectsDuplicateAndEmptyIDs(t *testing.T) {
	err := Validate(models.DAG{Tasks: []models.Task{{ID: "a"}, {ID: "a"}}})
	assert.True(t, models.IsKind(err, models.KindValidation))

	err = Validate(models.DAG{Tasks: []models.Task{{ID: ""}}})
	assert.True(t, models.IsKind(err, models.KindValidation))

	err = Validate(models.DAG{})
	assert.True(t, models.IsKind(err, models.KindValidation))
}

func TestLayersLongestChainPartition(t *testing.T) {
	// diamond with a tail: a → (b, c) → d → e; b also feeds e.
	dag := models.DAG{Tasks: []models.Task{
		{ID: "a"},
		{ID: "b", DependsOn: []string{"a"}},
		{ID: "c", DependsOn: []string{"a"}},
		{ID: "d", DependsOn: []string{"b", "c"}},
		{ID: "e", DependsOn: []string{"d", "b"}},
	}}
	layers, err := Layers(dag)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"a"}, {"b", "c"}, {"d"}, {"e"}}, layers)
}

func TestLayersIndependentTasksShareLayerZero(t *testing.T) {
	dag := models.DAG{Tasks: []models.Task{{ID: "x"}, {ID: "y"}, {ID: "z"}}}
	layers, err := Layers(dag)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"x", "y", "z"}}, layers)
}
