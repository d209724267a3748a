package sandbox

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// sanitizeMaxDepth bounds recursion so pathological nesting cannot blow the
// stack even when pointer-identity cycle detection misses (e.g. fresh maps
// per level).
const sanitizeMaxDepth = 64

// SanitizeResult captures a tool or capability result for the trace timeline.
// JSON-serializable values pass through verbatim; non-serializable values are
// replaced with a {__type:"non-serializable", typeof, toString} marker.
// Circular references are cut, never crash the serializer.
func SanitizeResult(v any) any {
	return sanitize(v, make(map[uintptr]bool), 0)
}

func sanitize(v any, seen map[uintptr]bool, depth int) any {
	if v == nil {
		return nil
	}
	if depth > sanitizeMaxDepth {
		return nonSerializable(v)
	}

	switch tv := v.(type) {
	case bool, string,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64, json.Number:
		return tv
	case map[string]any:
		ptr := reflect.ValueOf(tv).Pointer()
		if seen[ptr] {
			return nonSerializable(tv)
		}
		seen[ptr] = true
		out := make(map[string]any, len(tv))
		for k, inner := range tv {
			out[k] = sanitize(inner, seen, depth+1)
		}
		delete(seen, ptr)
		return out
	case []any:
		ptr := reflect.ValueOf(tv).Pointer()
		if seen[ptr] {
			return nonSerializable(tv)
		}
		seen[ptr] = true
		out := make([]any, len(tv))
		for i, inner := range tv {
			out[i] = sanitize(inner, seen, depth+1)
		}
		delete(seen, ptr)
		return out
	}

	// Anything else round-trips through the JSON encoder; values the encoder
	// rejects (functions, channels, cyclic structs) become markers.
	data, err := json.Marshal(v)
	if err != nil {
		return nonSerializable(v)
	}
	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nonSerializable(v)
	}
	return decoded
}

func nonSerializable(v any) map[string]any {
	return map[string]any{
		"__type":   "non-serializable",
		"typeof":   jsTypeof(v),
		"toString": fmt.Sprintf("%v", v),
	}
}

// jsTypeof approximates the JavaScript typeof of an exported value.
func jsTypeof(v any) string {
	if v == nil {
		return "undefined"
	}
	switch reflect.TypeOf(v).Kind() {
	case reflect.Bool:
		return "boolean"
	case reflect.String:
		return "string"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return "number"
	case reflect.Func:
		return "function"
	default:
		return "object"
	}
}
