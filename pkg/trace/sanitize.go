// Package trace implements the execution-trace store: sanitized persistence,
// priority maintenance and prioritized-replay sampling over observed
// executions.
package trace

import (
	"strings"

	"github.com/pml-dev/gateway/pkg/models"
)

// Redacted replaces any value whose key matches a sensitive pattern.
const Redacted = "[REDACTED]"

// sensitiveKeys are matched as substrings of lowercased keys, so variants
// like "x-api-key", "authToken" or "DB_PASSWORD" are all caught.
var sensitiveKeys = []string{
	"api_key",
	"apikey",
	"token",
	"password",
	"passwd",
	"authorization",
	"secret",
	"credential",
	"private_key",
}

func sensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, k := range sensitiveKeys {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

// SanitizeValue walks a decoded JSON value and replaces every map entry
// under a sensitive key with the redaction literal. Fails closed: sensitive
// keys are redacted wholesale, including nested structures stored below them.
func SanitizeValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, inner := range tv {
			if sensitiveKey(k) {
				out[k] = Redacted
				continue
			}
			out[k] = SanitizeValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(tv))
		for i, inner := range tv {
			out[i] = SanitizeValue(inner)
		}
		return out
	default:
		return v
	}
}

// SanitizeMap sanitizes a JSON object in place semantics (returns a copy).
func SanitizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	return SanitizeValue(m).(map[string]any)
}

// SanitizeTrace returns a copy of the trace with its context, task args and
// task results sanitized. Applied on every write path before persistence.
func SanitizeTrace(t models.ExecutionTrace) models.ExecutionTrace {
	t.InitialContext = SanitizeMap(t.InitialContext)
	if len(t.TaskResults) > 0 {
		results := make([]models.TaskResult, len(t.TaskResults))
		for i, tr := range t.TaskResults {
			tr.Args = SanitizeMap(tr.Args)
			tr.Result = SanitizeValue(tr.Result)
			results[i] = tr
		}
		t.TaskResults = results
	}
	return t
}
