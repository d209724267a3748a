package models

import (
	"time"
)

// ExecutionTrace records one completed task or workflow execution. Traces
// are the raw material for capability mining and prioritized replay.
type ExecutionTrace struct {
	ID             string         `json:"id" db:"id"`
	CapabilityID   string         `json:"capability_id,omitempty" db:"capability_id"`
	IntentText     string         `json:"intent_text" db:"intent_text"`
	InitialContext map[string]any `json:"initial_context" db:"-"`
	ExecutedAt     time.Time      `json:"executed_at" db:"executed_at"`
	Success        bool           `json:"success" db:"success"`
	DurationMs     int64          `json:"duration_ms" db:"duration_ms"`
	ErrorMessage   string         `json:"error_message,omitempty" db:"error_message"`
	ExecutedPath   []string       `json:"executed_path" db:"-"`
	Decisions      []Decision     `json:"decisions" db:"-"`
	TaskResults    []TaskResult   `json:"task_results" db:"-"`
	Priority       float64        `json:"priority" db:"priority"`
	ParentTraceID  string         `json:"parent_trace_id,omitempty" db:"parent_trace_id"`
	UserID         string         `json:"user_id" db:"user_id"`
	CreatedBy      string         `json:"created_by" db:"created_by"`
}

// Decision records a branch taken at a graph node during execution.
type Decision struct {
	NodeID    string `json:"node_id"`
	Outcome   string `json:"outcome"`
	Condition string `json:"condition,omitempty"`
}

// TaskResult records the outcome of a single task inside a trace.
type TaskResult struct {
	TaskID     string         `json:"task_id"`
	Tool       string         `json:"tool"`
	Args       map[string]any `json:"args,omitempty"`
	Result     any            `json:"result,omitempty"`
	Success    bool           `json:"success"`
	DurationMs int64          `json:"duration_ms"`
}

// AnonymizedUserID replaces the user attribution when a trace is anonymized.
const AnonymizedUserID = "anonymized"

// Anonymize strips user attribution and free-text context from the trace.
func (t *ExecutionTrace) Anonymize() {
	t.UserID = AnonymizedUserID
	t.IntentText = ""
	t.InitialContext = nil
}

// SandboxTraceType classifies an entry in a sandbox trace timeline.
type SandboxTraceType string

// Sandbox trace entry types emitted by the worker bridge.
const (
	SandboxTraceToolStart       SandboxTraceType = "tool_start"
	SandboxTraceToolEnd         SandboxTraceType = "tool_end"
	SandboxTraceCapabilityStart SandboxTraceType = "capability_start"
	SandboxTraceCapabilityEnd   SandboxTraceType = "capability_end"
)

// SandboxTrace is one entry in the ordered trace timeline accumulated by
// the sandbox worker bridge across a session.
type SandboxTrace struct {
	Type          SandboxTraceType `json:"type"`
	Timestamp     time.Time        `json:"ts"`
	TraceID       string           `json:"trace_id"`
	ParentTraceID string           `json:"parent_trace_id,omitempty"`
	Tool          string           `json:"tool,omitempty"`
	Capability    string           `json:"capability,omitempty"`
	Args          map[string]any   `json:"args,omitempty"`
	Success       bool             `json:"success"`
	DurationMs    int64            `json:"duration_ms"`
	Result        any              `json:"result,omitempty"`
	Error         string           `json:"error,omitempty"`
}
