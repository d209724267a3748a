package workflow

import (
	"strconv"
	"strings"
)

// Argument spec types.
const (
	ArgTypeLiteral   = "literal"
	ArgTypeParameter = "parameter"
	ArgTypeReference = "reference"
)

// ArgSpec describes one argument of a task: a literal value, a lookup in
// the execution context parameters, or a dotted-path reference into a prior
// task's output.
type ArgSpec struct {
	Type          string `json:"type"`
	Value         any    `json:"value,omitempty"`
	ParameterName string `json:"parameterName,omitempty"`
	Expression    string `json:"expression,omitempty"`
}

// ResolutionContext carries the caller-supplied parameters referenced by
// parameter-type arguments.
type ResolutionContext struct {
	Parameters map[string]any
}

// ResolutionSummary reports what ResolveArguments did.
type ResolutionSummary struct {
	Total      int `json:"total"`
	Literals   int `json:"literals"`
	Parameters int `json:"parameters"`
	References int `json:"references"`
	Resolved   int `json:"resolved"`
	Failed     int `json:"failed"`
}

// ResolveArguments resolves an argument schema against the context and the
// prior task results (keyed "task_<nodeId>"). Resolution is total: entries
// that fail to resolve are omitted from the result, never raised as errors.
// Schema values that are not spec-shaped maps pass through as literals.
func ResolveArguments(schema map[string]any, rctx ResolutionContext, priorResults map[string]any) map[string]any {
	resolved, _ := resolveWithSummary(schema, rctx, priorResults)
	return resolved
}

// BuildResolutionSummary resolves the schema and returns counters describing
// the outcome.
func BuildResolutionSummary(schema map[string]any, rctx ResolutionContext, priorResults map[string]any) ResolutionSummary {
	_, summary := resolveWithSummary(schema, rctx, priorResults)
	return summary
}

func resolveWithSummary(schema map[string]any, rctx ResolutionContext, priorResults map[string]any) (map[string]any, ResolutionSummary) {
	out := make(map[string]any, len(schema))
	var s ResolutionSummary
	for name, raw := range schema {
		s.Total++
		spec, ok := asArgSpec(raw)
		if !ok {
			// Plain value: treat as literal.
			s.Literals++
			s.Resolved++
			out[name] = raw
			continue
		}
		switch spec.Type {
		case ArgTypeLiteral:
			s.Literals++
			s.Resolved++
			out[name] = spec.Value
		case ArgTypeParameter:
			s.Parameters++
			if v, ok := rctx.Parameters[spec.ParameterName]; ok {
				s.Resolved++
				out[name] = v
			} else {
				s.Failed++
			}
		case ArgTypeReference:
			s.References++
			if v, ok := resolveReference(spec.Expression, priorResults); ok {
				s.Resolved++
				out[name] = v
			} else {
				s.Failed++
			}
		default:
			s.Failed++
		}
	}
	return out, s
}

// asArgSpec recognizes spec-shaped values: an ArgSpec struct or a map with
// a known "type" discriminator.
func asArgSpec(raw any) (ArgSpec, bool) {
	switch v := raw.(type) {
	case ArgSpec:
		return v, true
	case map[string]any:
		t, _ := v["type"].(string)
		switch t {
		case ArgTypeLiteral, ArgTypeParameter, ArgTypeReference:
			spec := ArgSpec{Type: t, Value: v["value"]}
			spec.ParameterName, _ = v["parameterName"].(string)
			spec.Expression, _ = v["expression"].(string)
			return spec, true
		}
	}
	return ArgSpec{}, false
}

// resolveReference evaluates "n1.items[0]"-style expressions: the first
// segment names the prior task (keyed "task_n1"), the remainder navigates
// that task's output.
func resolveReference(expr string, priorResults map[string]any) (any, bool) {
	segments := parsePath(expr)
	if len(segments) == 0 {
		return nil, false
	}
	nodeSeg := segments[0]
	if nodeSeg.index != nil {
		return nil, false // node segment cannot be indexed
	}
	prior, ok := priorResults[TaskKey(nodeSeg.field)]
	if !ok {
		return nil, false
	}

	current := taskOutput(prior)
	for _, seg := range segments[1:] {
		if seg.field != "" {
			m, ok := current.(map[string]any)
			if !ok {
				return nil, false
			}
			current, ok = m[seg.field]
			if !ok {
				return nil, false
			}
		}
		if seg.index != nil {
			arr, ok := current.([]any)
			if !ok {
				return nil, false
			}
			i := *seg.index
			if i < 0 || i >= len(arr) {
				return nil, false
			}
			current = arr[i]
		}
	}
	return current, true
}

// taskOutput unwraps a prior result to the task's output value.
func taskOutput(prior any) any {
	switch v := prior.(type) {
	case map[string]any:
		if out, ok := v["output"]; ok {
			return out
		}
		return v
	default:
		return v
	}
}

type pathSegment struct {
	field string
	index *int
}

// parsePath splits a dotted path with bracketed indexes into segments:
// "a.b[0].c" → [{a}, {b,0}, {c}]. Malformed brackets yield no segments.
func parsePath(expr string) []pathSegment {
	if expr == "" {
		return nil
	}
	parts := strings.Split(expr, ".")
	segments := make([]pathSegment, 0, len(parts))
	for _, part := range parts {
		field := part
		var indexes []int
		for strings.HasSuffix(field, "]") {
			open := strings.LastIndex(field, "[")
			if open < 0 {
				return nil
			}
			idxStr := field[open+1 : len(field)-1]
			idx, err := strconv.Atoi(idxStr)
			if err != nil {
				return nil
			}
			indexes = append([]int{idx}, indexes...)
			field = field[:open]
		}
		if field == "" && len(indexes) == 0 {
			return nil
		}
		if len(indexes) == 0 {
			segments = append(segments, pathSegment{field: field})
			continue
		}
		// First index pairs with the field; extra indexes become bare
		// index segments.
		first := indexes[0]
		segments = append(segments, pathSegment{field: field, index: &first})
		for _, idx := range indexes[1:] {
			i := idx
			segments = append(segments, pathSegment{index: &i})
		}
	}
	return segments
}

// MergeArguments overlays explicit arguments on top of resolved ones;
// explicit values win.
func MergeArguments(resolved, explicit map[string]any) map[string]any {
	out := make(map[string]any, len(resolved)+len(explicit))
	for k, v := range resolved {
		out[k] = v
	}
	for k, v := range explicit {
		out[k] = v
	}
	return out
}

// ValidateRequiredArguments returns the required argument names missing
// from resolved.
func ValidateRequiredArguments(resolved map[string]any, required []string) []string {
	missing := make([]string, 0)
	for _, name := range required {
		if _, ok := resolved[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}
