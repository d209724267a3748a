package workflow

import (
	"github.com/pml-dev/gateway/pkg/models"
)

// Structure is the output of static analysis over a code snippet: the tool
// calls it makes and the data-flow edges between them. Produced by an
// external analyzer; this package only converts it to an executable DAG.
type Structure struct {
	Nodes []StructureNode `json:"nodes"`
	Edges []StructureEdge `json:"edges"`
}

// StructureNode kinds.
const (
	StructureNodeCall     = "call"
	StructureNodeDecision = "decision"
)

// StructureNode is one analyzed operation.
type StructureNode struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"` // call | decision
	Tool      string         `json:"tool,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Condition string         `json:"condition,omitempty"`
}

// StructureEdge is a data-flow dependency between analyzed operations.
type StructureEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// ConversionOptions control structure→DAG conversion.
type ConversionOptions struct {
	// TaskPrefix prefixes every generated task id.
	TaskPrefix string
	// IncludeDecisions materializes decision nodes as safe-to-fail
	// code_execution tasks; otherwise they are elided and their edges
	// contracted through.
	IncludeDecisions bool
}

// IsValidForDAGConversion reports whether the structure can be converted:
// it has at least one call node, every call names a tool, every edge
// references known nodes, and the edge relation is acyclic. Callers fall
// back to sandbox execution when this returns false.
func IsValidForDAGConversion(s Structure) bool {
	if len(s.Nodes) == 0 {
		return false
	}
	known := make(map[string]StructureNode, len(s.Nodes))
	calls := 0
	for _, n := range s.Nodes {
		if n.ID == "" {
			return false
		}
		if _, dup := known[n.ID]; dup {
			return false
		}
		known[n.ID] = n
		switch n.Kind {
		case StructureNodeCall:
			if n.Tool == "" {
				return false
			}
			calls++
		case StructureNodeDecision:
		default:
			return false
		}
	}
	if calls == 0 {
		return false
	}
	for _, e := range s.Edges {
		if _, ok := known[e.From]; !ok {
			return false
		}
		if _, ok := known[e.To]; !ok {
			return false
		}
	}
	_, err := Layers(structureDAG(s))
	return err == nil
}

// BuildFromStructure converts a valid structure into a DAG. Task ids are
// prefixed, dependencies follow structure edges, and decision nodes are
// materialized only under opts.IncludeDecisions.
func BuildFromStructure(s Structure, opts ConversionOptions) (models.DAG, error) {
	if !IsValidForDAGConversion(s) {
		return models.DAG{}, models.NewError(models.KindValidation,
			"structure is not convertible to a DAG")
	}

	deps := make(map[string][]string)
	for _, e := range s.Edges {
		deps[e.To] = append(deps[e.To], e.From)
	}

	elided := make(map[string][]string) // decision id → its transitive deps
	if !opts.IncludeDecisions {
		for _, n := range s.Nodes {
			if n.Kind == StructureNodeDecision {
				elided[n.ID] = deps[n.ID]
			}
		}
	}

	// resolveDeps contracts elided decision nodes out of a dependency list.
	var resolveDeps func(ids []string, seen map[string]bool) []string
	resolveDeps = func(ids []string, seen map[string]bool) []string {
		out := make([]string, 0, len(ids))
		for _, id := range ids {
			if through, ok := elided[id]; ok {
				if seen[id] {
					continue
				}
				seen[id] = true
				out = append(out, resolveDeps(through, seen)...)
				continue
			}
			out = append(out, id)
		}
		return out
	}

	prefix := opts.TaskPrefix
	if prefix == "" {
		prefix = "s"
	}
	taskID := func(id string) string { return prefix + "_" + id }

	tasks := make([]models.Task, 0, len(s.Nodes))
	for _, n := range s.Nodes {
		if _, skip := elided[n.ID]; skip {
			continue
		}
		resolved := resolveDeps(deps[n.ID], map[string]bool{})
		dependsOn := make([]string, 0, len(resolved))
		dedup := make(map[string]bool, len(resolved))
		for _, d := range resolved {
			if !dedup[d] {
				dedup[d] = true
				dependsOn = append(dependsOn, taskID(d))
			}
		}
		task := models.Task{
			ID:        taskID(n.ID),
			Tool:      n.Tool,
			Arguments: n.Arguments,
			DependsOn: dependsOn,
		}
		if n.Kind == StructureNodeDecision {
			task.Type = models.TaskTypeCodeExecution
			task.Code = n.Condition
			task.Metadata = models.TaskMetadata{Pure: true}
		}
		tasks = append(tasks, task)
	}

	dag := models.DAG{Tasks: tasks}
	if err := Validate(dag); err != nil {
		return models.DAG{}, err
	}
	return dag, nil
}

func structureDAG(s Structure) models.DAG {
	deps := make(map[string][]string)
	for _, e := range s.Edges {
		deps[e.To] = append(deps[e.To], e.From)
	}
	tasks := make([]models.Task, 0, len(s.Nodes))
	for _, n := range s.Nodes {
		tasks = append(tasks, models.Task{ID: n.ID, Tool: n.Tool, DependsOn: deps[n.ID]})
	}
	return models.DAG{Tasks: tasks}
}
