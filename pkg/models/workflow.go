package models

// TaskType selects the execution path for a DAG task.
type TaskType string

// Task types. The zero value is treated as TaskTypeMCPTool.
const (
	TaskTypeMCPTool       TaskType = "mcp_tool"
	TaskTypeCapability    TaskType = "capability"
	TaskTypeCodeExecution TaskType = "code_execution"
)

// Task is a single node of a workflow DAG.
type Task struct {
	ID           string         `json:"id"`
	Tool         string         `json:"tool,omitempty"`
	Arguments    map[string]any `json:"arguments,omitempty"`
	DependsOn    []string       `json:"depends_on,omitempty"`
	Type         TaskType       `json:"type,omitempty"`
	Code         string         `json:"code,omitempty"`
	CapabilityID string         `json:"capability_id,omitempty"`
	Metadata     TaskMetadata   `json:"metadata,omitempty"`
	TimeoutMs    int64          `json:"timeout_ms,omitempty"`
}

// TaskMetadata carries per-task execution hints.
type TaskMetadata struct {
	// Pure marks a safe-to-fail task: its failure is recorded but does not
	// count against workflow success.
	Pure bool `json:"pure,omitempty"`
}

// EffectiveType normalizes the task type, defaulting to mcp_tool.
func (t *Task) EffectiveType() TaskType {
	if t.Type == "" {
		return TaskTypeMCPTool
	}
	return t.Type
}

// DAG is a validated set of tasks with acyclic dependencies.
type DAG struct {
	ID    string `json:"id,omitempty"`
	Tasks []Task `json:"tasks"`
}

// TaskStatus is the terminal status of an executed task.
type TaskStatus string

// Task statuses.
const (
	TaskStatusSuccess    TaskStatus = "success"
	TaskStatusError      TaskStatus = "error"
	TaskStatusFailedSafe TaskStatus = "failed_safe"
	TaskStatusSkipped    TaskStatus = "skipped"
)

// ExecutedTask is the persisted per-task outcome inside workflow state.
type ExecutedTask struct {
	TaskID       string     `json:"task_id"`
	Status       TaskStatus `json:"status"`
	Output       any        `json:"output,omitempty"`
	Error        string     `json:"error,omitempty"`
	DurationMs   int64      `json:"duration_ms"`
	CapabilityID string     `json:"capability_id,omitempty"`
}

// WorkflowResult is the aggregate outcome of a DAG execution.
type WorkflowResult struct {
	WorkflowID      string                  `json:"workflow_id"`
	Success         bool                    `json:"success"`
	TotalTasks      int                     `json:"total_tasks"`
	SuccessfulTasks int                     `json:"successful_tasks"`
	FailedTasks     int                     `json:"failed_tasks"`
	FailedSafeTasks int                     `json:"failed_safe_tasks"`
	SkippedTasks    int                     `json:"skipped_tasks"`
	TaskResults     map[string]ExecutedTask `json:"task_results"`
	Errors          []string                `json:"errors,omitempty"`
	DurationMs      int64                   `json:"duration_ms"`
}
