// Package workflow holds the DAG task model helpers: validation, topological
// layering, argument resolution, and conversion of statically analyzed code
// structures into executable DAGs.
package workflow

import (
	"fmt"
	"sort"

	"github.com/pml-dev/gateway/pkg/models"
)

// Validate checks the structural invariants of a DAG: unique task ids,
// every dependsOn target exists, and no cycles (Kahn). Cycles are reported
// as integrity errors so callers reject the workflow before execution.
func Validate(dag models.DAG) error {
	if len(dag.Tasks) == 0 {
		return models.NewError(models.KindValidation, "workflow has no tasks")
	}

	byID := make(map[string]bool, len(dag.Tasks))
	for _, t := range dag.Tasks {
		if t.ID == "" {
			return models.NewError(models.KindValidation, "task with empty id")
		}
		if byID[t.ID] {
			return models.NewError(models.KindValidation, "duplicate task id %q", t.ID)
		}
		byID[t.ID] = true
	}
	for _, t := range dag.Tasks {
		for _, dep := range t.DependsOn {
			if !byID[dep] {
				return models.NewError(models.KindValidation,
					"task %q depends on unknown task %q", t.ID, dep)
			}
			if dep == t.ID {
				return models.NewError(models.KindIntegrity, "task %q depends on itself", t.ID)
			}
		}
	}

	if _, err := Layers(dag); err != nil {
		return err
	}
	return nil
}

// Layers partitions the DAG into topological layers: layer 0 holds tasks
// with no dependencies, layer n tasks whose longest dependency chain to a
// root has length n. Returns an integrity error on cycles.
func Layers(dag models.DAG) ([][]string, error) {
	indegree := make(map[string]int, len(dag.Tasks))
	dependents := make(map[string][]string, len(dag.Tasks))
	for _, t := range dag.Tasks {
		indegree[t.ID] += 0
		for _, dep := range t.DependsOn {
			indegree[t.ID]++
			dependents[dep] = append(dependents[dep], t.ID)
		}
	}

	depth := make(map[string]int, len(dag.Tasks))
	queue := make([]string, 0)
	for _, t := range dag.Tasks {
		if indegree[t.ID] == 0 {
			queue = append(queue, t.ID)
			depth[t.ID] = 0
		}
	}
	sort.Strings(queue)

	processed := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		processed++
		for _, next := range dependents[id] {
			if d := depth[id] + 1; d > depth[next] {
				depth[next] = d
			}
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if processed != len(dag.Tasks) {
		return nil, models.NewError(models.KindIntegrity,
			"workflow contains a dependency cycle (%d of %d tasks orderable)",
			processed, len(dag.Tasks))
	}

	maxDepth := 0
	for _, d := range depth {
		if d > maxDepth {
			maxDepth = d
		}
	}
	layers := make([][]string, maxDepth+1)
	for _, t := range dag.Tasks {
		d := depth[t.ID]
		layers[d] = append(layers[d], t.ID)
	}
	for _, layer := range layers {
		sort.Strings(layer)
	}
	return layers, nil
}

// TaskKey returns the prior-results key for a task id ("task_<id>").
func TaskKey(taskID string) string {
	return fmt.Sprintf("task_%s", taskID)
}
