// Package executor runs validated workflow DAGs layer by layer: parallel
// execution inside a layer under a concurrency cap, argument resolution per
// task, sandboxed execution of capability tasks, AIL/HIL decision gates
// between layers, checkpoints after every layer and safe-to-fail semantics
// for pure tasks.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/pml-dev/gateway/pkg/models"
	"github.com/pml-dev/gateway/pkg/sandbox"
	"github.com/pml-dev/gateway/pkg/workflow"
)

// ToolExecutor runs one mcp_tool task. Implemented by the upstream client
// layer; tests use fakes.
type ToolExecutor interface {
	Execute(ctx context.Context, task models.Task, args map[string]any) (any, error)
}

// CodeRunner runs capability and code_execution tasks. Satisfied by
// *sandbox.Bridge.
type CodeRunner interface {
	Execute(ctx context.Context, code string, opts sandbox.Options) sandbox.Result
}

// Publisher is the slice of the event bus the executor emits on.
type Publisher interface {
	Emit(event models.Event)
}

// ResultPreviewMaxLength clips task result previews in events.
const ResultPreviewMaxLength = 1000

// Defaults.
const (
	DefaultTaskTimeout    = 10 * time.Second
	DefaultMaxConcurrency = 8
	DefaultGateTimeout    = 60 * time.Second
)

// GateTrigger selects when the AIL gate fires.
type GateTrigger string

// AIL triggers.
const (
	TriggerPerLayer GateTrigger = "per_layer"
	TriggerOnError  GateTrigger = "on_error"
)

// AILConfig configures the algorithm-in-the-loop gate.
type AILConfig struct {
	Enabled bool
	Trigger GateTrigger
	Timeout time.Duration
}

// HILConfig configures the human-in-the-loop gate.
type HILConfig struct {
	Enabled bool
	// ApprovalRequired: "always" gates every layer.
	ApprovalRequired string
	Timeout          time.Duration
}

// Config tunes the executor.
type Config struct {
	MaxConcurrency int
	TaskTimeout    time.Duration
	AIL            AILConfig
	HIL            HILConfig
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = DefaultMaxConcurrency
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = DefaultTaskTimeout
	}
	if c.AIL.Timeout <= 0 {
		c.AIL.Timeout = DefaultGateTimeout
	}
	if c.HIL.Timeout <= 0 {
		c.HIL.Timeout = DefaultGateTimeout
	}
	return c
}

// CommandType classifies a decision-gate command.
type CommandType string

// Command types accepted on a workflow's command queue.
const (
	CommandContinue         CommandType = "continue"
	CommandReplaceDAG       CommandType = "replace_dag"
	CommandApprovalResponse CommandType = "approval_response"
)

// Command is pushed onto a workflow's queue by the API layer to answer a
// decision_required event.
type Command struct {
	Type     CommandType `json:"type"`
	Approved bool        `json:"approved"`
	Feedback string      `json:"feedback,omitempty"`
	DAG      *models.DAG `json:"dag,omitempty"`
}

// Checkpoint is the cumulative workflow state persisted after every layer.
// Resume starts from LayerIndex.
type Checkpoint struct {
	WorkflowID  string                         `json:"workflow_id"`
	LayerIndex  int                            `json:"layer_index"`
	TaskResults map[string]models.ExecutedTask `json:"task_results"`
	Decisions   []models.Decision              `json:"decisions"`
	Successful  int                            `json:"successful_tasks"`
	Failed      int                            `json:"failed_tasks"`
	FailedSafe  int                            `json:"failed_safe_tasks"`
}

// Executor is the controlled DAG executor.
type Executor struct {
	tools   ToolExecutor
	runner  CodeRunner
	events  Publisher
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	commands map[string]chan Command
	cancels  map[string]context.CancelFunc
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the diagnostics logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// New creates an executor. tools runs mcp_tool tasks; runner runs capability
// and code tasks; events may be nil.
func New(tools ToolExecutor, runner CodeRunner, events Publisher, cfg Config, opts ...Option) *Executor {
	e := &Executor{
		tools:    tools,
		runner:   runner,
		events:   events,
		cfg:      cfg.withDefaults(),
		logger:   slog.Default(),
		now:      time.Now,
		commands: make(map[string]chan Command),
		cancels:  make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SubmitCommand answers a pending decision gate of a workflow. Unknown
// workflow ids return a NotFound error.
func (e *Executor) SubmitCommand(workflowID string, cmd Command) error {
	e.mu.Lock()
	ch, ok := e.commands[workflowID]
	e.mu.Unlock()
	if !ok {
		return models.NewError(models.KindNotFound, "workflow %s has no open command queue", workflowID)
	}
	select {
	case ch <- cmd:
		return nil
	default:
		return models.NewError(models.KindValidation, "workflow %s command queue is full", workflowID)
	}
}

// Cancel aborts a running workflow. In-flight tasks are signalled through
// their deadlines; completed task results remain in the final state.
func (e *Executor) Cancel(workflowID string) error {
	e.mu.Lock()
	cancel, ok := e.cancels[workflowID]
	e.mu.Unlock()
	if !ok {
		return models.NewError(models.KindNotFound, "workflow %s is not running", workflowID)
	}
	cancel()
	return nil
}

// Execute validates and runs a DAG from the start.
func (e *Executor) Execute(ctx context.Context, dag models.DAG) (models.WorkflowResult, error) {
	return e.run(ctx, dag, nil)
}

// Resume continues a workflow from a checkpoint: task results recorded in the
// checkpoint are kept and execution restarts at the checkpoint's layer.
func (e *Executor) Resume(ctx context.Context, dag models.DAG, cp Checkpoint) (models.WorkflowResult, error) {
	if cp.WorkflowID == "" {
		return models.WorkflowResult{}, models.NewError(models.KindValidation, "checkpoint has no workflow id")
	}
	dag.ID = cp.WorkflowID
	return e.run(ctx, dag, &cp)
}

type runState struct {
	workflowID string
	dag        models.DAG
	layers     [][]string
	tasks      map[string]models.Task
	results    map[string]models.ExecutedTask
	decisions  []models.Decision
	errs       []string
	startLayer int
}

func (e *Executor) run(ctx context.Context, dag models.DAG, resume *Checkpoint) (models.WorkflowResult, error) {
	if err := workflow.Validate(dag); err != nil {
		return models.WorkflowResult{}, err
	}
	if dag.ID == "" {
		dag.ID = uuid.NewString()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	st := &runState{
		workflowID: dag.ID,
		results:    make(map[string]models.ExecutedTask),
	}
	if resume != nil {
		st.startLayer = resume.LayerIndex
		for id, r := range resume.TaskResults {
			st.results[id] = r
		}
		st.decisions = append(st.decisions, resume.Decisions...)
	}
	if err := st.reshape(dag); err != nil {
		return models.WorkflowResult{}, err
	}

	e.register(dag.ID, cancel)
	defer e.unregister(dag.ID)

	started := e.now()
	for layerIdx := st.startLayer; layerIdx < len(st.layers); layerIdx++ {
		if err := ctx.Err(); err != nil {
			return e.complete(st, started, models.WrapError(models.KindTimeout, err, "workflow cancelled"))
		}

		layerFailed := e.runLayer(ctx, st, layerIdx)
		e.emitCheckpoint(st, layerIdx)

		if layerIdx == len(st.layers)-1 {
			break
		}

		if replacement, err := e.ailGate(ctx, st, layerIdx, layerFailed); err != nil {
			return e.complete(st, started, err)
		} else if replacement != nil {
			if err := st.reshape(*replacement); err != nil {
				return e.complete(st, started, err)
			}
			// Replacement DAGs restart layering; completed task results are
			// kept and their tasks are not re-run.
			layerIdx = -1
			continue
		}

		if err := e.hilGate(ctx, st, layerIdx); err != nil {
			return e.complete(st, started, err)
		}
	}

	return e.complete(st, started, nil)
}

// reshape (re)derives layers and the task index for the current DAG, used at
// start and after an AIL replacement.
func (st *runState) reshape(dag models.DAG) error {
	if err := workflow.Validate(dag); err != nil {
		return err
	}
	layers, err := workflow.Layers(dag)
	if err != nil {
		return err
	}
	st.dag = dag
	st.layers = layers
	st.tasks = make(map[string]models.Task, len(dag.Tasks))
	for _, t := range dag.Tasks {
		st.tasks[t.ID] = t
	}
	return nil
}

type taskOutcome struct {
	taskID string
	result models.ExecutedTask
}

// runLayer executes all runnable tasks of a layer in parallel under the
// concurrency cap and folds the outcomes into the state. Returns the number
// of non-safe failures in the layer.
func (e *Executor) runLayer(ctx context.Context, st *runState, layerIdx int) int {
	layer := st.layers[layerIdx]
	sem := semaphore.NewWeighted(int64(e.cfg.MaxConcurrency))
	outcomes := make(chan taskOutcome, len(layer))

	// Snapshot prior results before launching anything: layering puts every
	// dependency in an earlier layer, so all tasks of this layer share one
	// view and the collector loop below stays the only writer of st.results.
	prior := st.priorResults()

	var launched int
	for _, taskID := range layer {
		if _, done := st.results[taskID]; done {
			continue // resumed or replaced: already executed
		}
		task := st.tasks[taskID]
		if blockedBy, blocked := e.blockedDependency(st, task); blocked {
			st.results[taskID] = models.ExecutedTask{
				TaskID: taskID,
				Status: models.TaskStatusSkipped,
				Error:  fmt.Sprintf("dependency %s failed", blockedBy),
			}
			e.emitTaskComplete(st.workflowID, st.results[taskID])
			continue
		}

		launched++
		deps := st.depOutputs(task)
		go func(task models.Task, deps map[string]any) {
			if err := sem.Acquire(ctx, 1); err != nil {
				outcomes <- taskOutcome{task.ID, models.ExecutedTask{
					TaskID: task.ID,
					Status: models.TaskStatusError,
					Error:  err.Error(),
				}}
				return
			}
			defer sem.Release(1)
			outcomes <- taskOutcome{task.ID, e.runTask(ctx, task, prior, deps)}
		}(task, deps)
	}

	// Collect in arrival order: task_complete events match arrival, and the
	// checkpoint is emitted by the caller only after the last one.
	layerFailed := 0
	for i := 0; i < launched; i++ {
		out := <-outcomes
		st.results[out.taskID] = out.result
		if out.result.Status == models.TaskStatusError {
			layerFailed++
			st.errs = append(st.errs, fmt.Sprintf("%s: %s", out.taskID, out.result.Error))
		}
		e.emitTaskComplete(st.workflowID, out.result)
	}
	return layerFailed
}

// blockedDependency reports whether any dependency of the task failed
// (non-safe) or was skipped, halting this branch.
func (e *Executor) blockedDependency(st *runState, task models.Task) (string, bool) {
	for _, dep := range task.DependsOn {
		switch st.results[dep].Status {
		case models.TaskStatusError, models.TaskStatusSkipped:
			return dep, true
		}
	}
	return "", false
}

// runTask resolves arguments and executes one task through the right path.
// prior and deps are snapshots taken before the task's goroutine launched.
func (e *Executor) runTask(ctx context.Context, task models.Task, prior, deps map[string]any) models.ExecutedTask {
	timeout := e.cfg.TaskTimeout
	if task.TimeoutMs > 0 {
		timeout = time.Duration(task.TimeoutMs) * time.Millisecond
	}
	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := workflow.ResolveArguments(task.Arguments, workflow.ResolutionContext{}, prior)

	started := e.now()
	var (
		output any
		err    error
	)
	switch task.EffectiveType() {
	case models.TaskTypeCapability, models.TaskTypeCodeExecution:
		output, err = e.runCode(taskCtx, task, args, deps, timeout)
	default:
		output, err = e.tools.Execute(taskCtx, task, args)
	}
	durationMs := e.now().Sub(started).Milliseconds()

	result := models.ExecutedTask{
		TaskID:       task.ID,
		DurationMs:   durationMs,
		CapabilityID: task.CapabilityID,
	}
	if err != nil {
		result.Error = err.Error()
		if task.Metadata.Pure {
			result.Status = models.TaskStatusFailedSafe
		} else {
			result.Status = models.TaskStatusError
		}
		return result
	}
	result.Status = models.TaskStatusSuccess
	result.Output = output
	return result
}

// runCode executes a capability or code task through the sandbox bridge,
// exposing dependency outputs as `deps` and resolved arguments as `args`.
func (e *Executor) runCode(ctx context.Context, task models.Task, args, deps map[string]any, timeout time.Duration) (any, error) {
	if e.runner == nil {
		return nil, models.NewError(models.KindUnavailableService, "no sandbox runner configured")
	}
	res := e.runner.Execute(ctx, task.Code, sandbox.Options{
		Timeout: timeout,
		Globals: map[string]any{"deps": deps, "args": args},
	})
	if !res.Success {
		kind := res.ErrorType
		if kind == "" {
			kind = models.KindInternal
		}
		return nil, models.NewError(kind, "%s", res.Error)
	}
	return map[string]any{"result": res.Result, "capabilityId": task.CapabilityID}, nil
}

// depOutputs shapes a task's dependency outputs for the sandbox `deps`
// global.
func (st *runState) depOutputs(task models.Task) map[string]any {
	deps := make(map[string]any, len(task.DependsOn))
	for _, dep := range task.DependsOn {
		if r, ok := st.results[dep]; ok {
			deps[dep] = map[string]any{"output": r.Output}
		}
	}
	return deps
}

// priorResults shapes completed task results for argument references
// ("task_<id>" → {output: ...}).
func (st *runState) priorResults() map[string]any {
	out := make(map[string]any, len(st.results))
	for id, r := range st.results {
		if r.Status == models.TaskStatusSuccess {
			out[workflow.TaskKey(id)] = map[string]any{"output": r.Output}
		}
	}
	return out
}

// ailGate runs the algorithm-in-the-loop decision point after a layer.
// Returns a replacement DAG when one is commanded; timeout continues
// unchanged.
func (e *Executor) ailGate(ctx context.Context, st *runState, layerIdx, layerFailed int) (*models.DAG, error) {
	if !e.cfg.AIL.Enabled {
		return nil, nil
	}
	if e.cfg.AIL.Trigger == TriggerOnError && layerFailed == 0 {
		return nil, nil
	}

	e.emitDecisionRequired(st.workflowID, "AIL", layerIdx, layerFailed)
	cmd, ok := e.awaitCommand(ctx, st.workflowID, e.cfg.AIL.Timeout)
	if !ok {
		// Empty result: no change, continue.
		return nil, ctx.Err()
	}
	st.decisions = append(st.decisions, models.Decision{
		NodeID:  fmt.Sprintf("layer_%d", layerIdx),
		Outcome: string(cmd.Type),
	})
	if cmd.Type == CommandReplaceDAG && cmd.DAG != nil {
		return cmd.DAG, nil
	}
	return nil, nil
}

// hilGate runs the human-in-the-loop decision point. Rejection aborts the
// workflow; timeout aborts with a timeout error.
func (e *Executor) hilGate(ctx context.Context, st *runState, layerIdx int) error {
	if !e.cfg.HIL.Enabled || e.cfg.HIL.ApprovalRequired != "always" {
		return nil
	}

	e.emitDecisionRequired(st.workflowID, "HIL", layerIdx, 0)
	cmd, ok := e.awaitCommand(ctx, st.workflowID, e.cfg.HIL.Timeout)
	if !ok {
		if err := ctx.Err(); err != nil {
			return models.WrapError(models.KindTimeout, err, "workflow cancelled at HIL gate")
		}
		return models.NewError(models.KindTimeout, "HIL approval timed out after layer %d", layerIdx)
	}
	st.decisions = append(st.decisions, models.Decision{
		NodeID:  fmt.Sprintf("layer_%d", layerIdx),
		Outcome: fmt.Sprintf("approved=%t", cmd.Approved),
	})
	if !cmd.Approved {
		msg := cmd.Feedback
		if msg == "" {
			msg = "workflow rejected by approver"
		}
		return models.NewError(models.KindValidation, "HIL rejection: %s", msg)
	}
	return nil
}

// awaitCommand blocks on the workflow's command queue up to the gate timeout.
func (e *Executor) awaitCommand(ctx context.Context, workflowID string, timeout time.Duration) (Command, bool) {
	e.mu.Lock()
	ch := e.commands[workflowID]
	e.mu.Unlock()
	if ch == nil {
		return Command{}, false
	}
	select {
	case cmd := <-ch:
		return cmd, true
	case <-time.After(timeout):
		return Command{}, false
	case <-ctx.Done():
		return Command{}, false
	}
}

func (e *Executor) register(workflowID string, cancel context.CancelFunc) {
	e.mu.Lock()
	e.commands[workflowID] = make(chan Command, 4)
	e.cancels[workflowID] = cancel
	e.mu.Unlock()
}

func (e *Executor) unregister(workflowID string) {
	e.mu.Lock()
	delete(e.commands, workflowID)
	delete(e.cancels, workflowID)
	e.mu.Unlock()
}

// complete aggregates the final result and emits workflow_complete.
func (e *Executor) complete(st *runState, started time.Time, abort error) (models.WorkflowResult, error) {
	result := models.WorkflowResult{
		WorkflowID:  st.workflowID,
		TaskResults: st.results,
		DurationMs:  e.now().Sub(started).Milliseconds(),
	}
	failedTaskIDs := make([]string, 0)
	for id, r := range st.results {
		result.TotalTasks++
		switch r.Status {
		case models.TaskStatusSuccess:
			result.SuccessfulTasks++
		case models.TaskStatusFailedSafe:
			result.FailedSafeTasks++
		case models.TaskStatusSkipped:
			result.SkippedTasks++
		default:
			result.FailedTasks++
			failedTaskIDs = append(failedTaskIDs, id)
		}
	}
	result.Errors = st.errs
	result.Success = abort == nil && result.FailedTasks == 0

	if abort != nil {
		result.Errors = append(result.Errors, abort.Error())
	}
	if e.events != nil {
		e.events.Emit(models.Event{
			Type:   models.EventDAGWorkflowComplete,
			Source: "executor",
			Payload: map[string]any{
				"workflow_id":  st.workflowID,
				"success":      result.Success,
				"failedTasks":  failedTaskIDs,
				"errors":       result.Errors,
				"total_tasks":  result.TotalTasks,
				"duration_ms":  result.DurationMs,
			},
		})
	}
	if abort != nil {
		return result, abort
	}
	return result, nil
}

func (e *Executor) emitTaskComplete(workflowID string, r models.ExecutedTask) {
	if e.events == nil {
		return
	}
	e.events.Emit(models.Event{
		Type:   models.EventDAGTaskCompleted,
		Source: "executor",
		Payload: map[string]any{
			"workflow_id": workflowID,
			"task_id":     r.TaskID,
			"status":      string(r.Status),
			"duration_ms": r.DurationMs,
			"preview":     ResultPreview(r.Output),
			"error":       r.Error,
		},
	})
}

func (e *Executor) emitCheckpoint(st *runState, layerIdx int) {
	cp := Checkpoint{
		WorkflowID:  st.workflowID,
		LayerIndex:  layerIdx + 1,
		TaskResults: make(map[string]models.ExecutedTask, len(st.results)),
		Decisions:   append([]models.Decision(nil), st.decisions...),
	}
	for id, r := range st.results {
		cp.TaskResults[id] = r
		switch r.Status {
		case models.TaskStatusSuccess:
			cp.Successful++
		case models.TaskStatusError:
			cp.Failed++
		case models.TaskStatusFailedSafe:
			cp.FailedSafe++
		}
	}
	if e.events != nil {
		e.events.Emit(models.Event{
			Type:   models.EventDAGCheckpoint,
			Source: "executor",
			Payload: map[string]any{
				"workflow_id":       cp.WorkflowID,
				"layer_index":       cp.LayerIndex,
				"task_results":      cp.TaskResults,
				"decisions":         cp.Decisions,
				"successful_tasks":  cp.Successful,
				"failed_tasks":      cp.Failed,
				"failed_safe_tasks": cp.FailedSafe,
			},
		})
	}
}

func (e *Executor) emitDecisionRequired(workflowID, decisionType string, layerIdx, layerFailed int) {
	if e.events == nil {
		return
	}
	e.events.Emit(models.Event{
		Type:   models.EventDAGDecisionRequired,
		Source: "executor",
		Payload: map[string]any{
			"workflow_id":  workflowID,
			"decisionType": decisionType,
			"layer_index":  layerIdx,
			"layer_failed": layerFailed,
		},
	})
}

// ResultPreview renders a clipped single-line preview of a task output for
// event payloads.
func ResultPreview(output any) string {
	if output == nil {
		return ""
	}
	s := fmt.Sprintf("%v", output)
	if len(s) > ResultPreviewMaxLength {
		return s[:ResultPreviewMaxLength] + "…"
	}
	return s
}
