package models

import "time"

// Event is the unit of the in-process bus: a dotted type, the emitting
// subsystem, and a free-form payload.
type Event struct {
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Event types emitted by gateway subsystems. Dotted names group by domain;
// SSE filters match on glob prefixes of these.
const (
	EventSystemStartup  = "system.startup"
	EventSystemShutdown = "system.shutdown"
	EventHeartbeat      = "heartbeat"

	EventToolStart     = "tool.start"
	EventToolCompleted = "tool.completed"

	EventDAGTaskCompleted    = "dag.task.completed"
	EventDAGCheckpoint       = "dag.checkpoint"
	EventDAGDecisionRequired = "dag.decision_required"
	EventDAGWorkflowComplete = "dag.workflow.completed"

	EventCapabilityLearned     = "capability.learned"
	EventCapabilityZoneCreated = "capability.zone.created"
	EventCapabilityZoneUpdated = "capability.zone.updated"
	EventCapabilityMerged      = "capability.merged"

	EventSandboxCompleted = "sandbox.completed"

	EventGraphSynced      = "graph.synced"
	EventGraphEdgeCreated = "graph.edge.created"
	EventGraphEdgeUpdated = "graph.edge.updated"
)
