// Package mcpserver exposes the gateway's built-in tools over the Model
// Context Protocol: pml:discover (unified semantic discovery) and pml:execute
// (sandboxed code or controlled DAG execution), plus deprecated synonyms kept
// for older clients. The same service answers both the stdio transport and
// JSON-RPC over POST /mcp.
package mcpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pml-dev/gateway/pkg/algo"
	"github.com/pml-dev/gateway/pkg/executor"
	"github.com/pml-dev/gateway/pkg/graph"
	"github.com/pml-dev/gateway/pkg/models"
	"github.com/pml-dev/gateway/pkg/sandbox"
	"github.com/pml-dev/gateway/pkg/search"
	"github.com/pml-dev/gateway/pkg/version"
	"github.com/pml-dev/gateway/pkg/workflow"
)

// ProtocolVersion is the MCP revision the gateway speaks.
const ProtocolVersion = "2025-06-18"

// DefaultCodeTimeout bounds a pml:execute code run when the caller sets none.
const DefaultCodeTimeout = 15 * time.Second

// Discoverer answers pml:discover. *search.Searcher satisfies it.
type Discoverer interface {
	Search(ctx context.Context, query string, opts search.Options) ([]search.Result, error)
}

// DAGRunner runs validated workflow DAGs. *executor.Executor satisfies it.
type DAGRunner interface {
	Execute(ctx context.Context, dag models.DAG) (models.WorkflowResult, error)
	Resume(ctx context.Context, dag models.DAG, cp executor.Checkpoint) (models.WorkflowResult, error)
}

// CodeRunner runs sandboxed code. *sandbox.Bridge satisfies it.
type CodeRunner interface {
	Execute(ctx context.Context, code string, opts sandbox.Options) sandbox.Result
}

// TraceRecorder persists execution traces. *trace.Store satisfies it.
type TraceRecorder interface {
	Insert(ctx context.Context, t models.ExecutionTrace) (models.ExecutionTrace, error)
}

// GraphRecorder folds completed executions back into the knowledge graph.
// *graph.Graph satisfies it.
type GraphRecorder interface {
	UpdateFromExecution(ctx context.Context, dag models.DAG) error
	UpdateFromCodeTrace(ctx context.Context, traces []models.SandboxTrace) error
}

// DecisionRecorder logs discovery scoring decisions. *algo.Tracer satisfies
// it.
type DecisionRecorder interface {
	Record(trace algo.Trace)
}

// Service implements the gateway's MCP tool surface.
type Service struct {
	discover    Discoverer
	dags        DAGRunner
	code        CodeRunner
	traces      TraceRecorder
	graph       GraphRecorder
	decisions   DecisionRecorder
	logger      *slog.Logger
	codeTimeout time.Duration
	now         func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the diagnostics logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithCodeTimeout bounds sandboxed code runs.
func WithCodeTimeout(d time.Duration) Option {
	return func(s *Service) { s.codeTimeout = d }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithDecisionRecorder attaches the algorithm-decision log to discovery.
func WithDecisionRecorder(r DecisionRecorder) Option {
	return func(s *Service) { s.decisions = r }
}

// NewService wires the tool surface. traces and g may be nil; runs are then
// not recorded.
func NewService(discover Discoverer, dags DAGRunner, code CodeRunner, traces TraceRecorder, g GraphRecorder, opts ...Option) *Service {
	s := &Service{
		discover:    discover,
		dags:        dags,
		code:        code,
		traces:      traces,
		graph:       g,
		logger:      slog.Default(),
		codeTimeout: DefaultCodeTimeout,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initialize answers the MCP initialize handshake.
func (s *Service) Initialize() map[string]any {
	return map[string]any{
		"protocolVersion": ProtocolVersion,
		"serverInfo": map[string]any{
			"name":    version.AppName,
			"version": version.GitCommit,
		},
		"capabilities": map[string]any{
			"tools": map[string]any{},
		},
	}
}

// ListTools returns the built-in tool descriptors, deprecated synonyms
// included.
func (s *Service) ListTools(context.Context) []models.ToolDescriptor {
	discoverSchema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query":     map[string]any{"type": "string", "description": "natural-language description of the needed tool or capability"},
			"type":      map[string]any{"type": "string", "enum": []string{"tool", "capability", "all"}},
			"limit":     map[string]any{"type": "integer", "minimum": 1},
			"min_score": map[string]any{"type": "number", "minimum": 0, "maximum": 1},
		},
		"required": []string{"query"},
	}
	executeSchema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"code":      map[string]any{"type": "string", "description": "code snippet to run in the sandbox; tool calls go through mcp.<server>.<tool>"},
			"dag":       map[string]any{"type": "object", "description": "workflow DAG {tasks:[{id, tool, arguments, depends_on}]}"},
			"structure": map[string]any{"type": "object", "description": "analyzed code structure; convertible structures run as a DAG instead of the sandbox"},
			"intent":    map[string]any{"type": "string"},
			"context":   map[string]any{"type": "object"},
			"user_id":   map[string]any{"type": "string"},
		},
	}
	return []models.ToolDescriptor{
		{Name: "pml:discover", Description: "Discover tools and learned capabilities by intent.", InputSchema: discoverSchema},
		{Name: "pml:execute", Description: "Execute code in the sandbox or run a workflow DAG.", InputSchema: executeSchema},
		{Name: "pml:search_tools", Description: "Deprecated: use pml:discover with type=tool.", InputSchema: discoverSchema},
		{Name: "pml:search_capabilities", Description: "Deprecated: use pml:discover with type=capability.", InputSchema: discoverSchema},
		{Name: "pml:execute_dag", Description: "Deprecated: use pml:execute with a dag argument.", InputSchema: executeSchema},
		{Name: "pml:execute_code", Description: "Deprecated: use pml:execute with a code argument.", InputSchema: executeSchema},
	}
}

// CallTool dispatches one tool invocation.
func (s *Service) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	switch name {
	case "pml:discover":
		return s.handleDiscover(ctx, args, "")
	case "pml:search_tools":
		return s.handleDiscover(ctx, args, search.TypeTool)
	case "pml:search_capabilities":
		return s.handleDiscover(ctx, args, search.TypeCapability)
	case "pml:execute":
		return s.handleExecute(ctx, args)
	case "pml:execute_dag":
		if _, ok := args["dag"]; !ok {
			return nil, models.NewError(models.KindValidation, "pml:execute_dag requires a dag argument")
		}
		return s.handleExecute(ctx, args)
	case "pml:execute_code":
		if _, ok := args["code"]; !ok {
			return nil, models.NewError(models.KindValidation, "pml:execute_code requires a code argument")
		}
		return s.handleExecute(ctx, args)
	default:
		return nil, models.NewError(models.KindNotFound, "unknown tool %q", name)
	}
}

// handleDiscover runs unified discovery. forcedType pins the result type for
// the deprecated synonyms.
func (s *Service) handleDiscover(ctx context.Context, args map[string]any, forcedType string) (any, error) {
	query, _ := args["query"].(string)
	if query == "" {
		return nil, models.NewError(models.KindValidation, "query is required")
	}
	opts := search.Options{Type: forcedType}
	if forcedType == "" {
		opts.Type, _ = args["type"].(string)
	}
	if v, ok := args["limit"].(float64); ok {
		opts.Limit = int(v)
	}
	if v, ok := args["min_score"].(float64); ok {
		opts.MinScore = v
	}

	results, err := s.discover.Search(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	if s.decisions != nil {
		for _, r := range results {
			s.decisions.Record(algo.Trace{
				TraceID:       uuid.NewString(),
				Timestamp:     s.now().UTC(),
				AlgorithmMode: algo.ModeActiveSearch,
				TargetType:    r.Type,
				Intent:        query,
				FinalScore:    r.Score,
				ThresholdUsed: opts.MinScore,
				Decision:      algo.DecisionAccepted,
			})
		}
	}
	return map[string]any{"results": results, "count": len(results)}, nil
}

// handleExecute routes an execution request: an explicit DAG runs through the
// controlled executor; code with a convertible analyzed structure is promoted
// to a DAG; anything else runs in the sandbox.
func (s *Service) handleExecute(ctx context.Context, args map[string]any) (any, error) {
	if rawDAG, ok := args["dag"]; ok {
		dag, err := decodeDAG(rawDAG)
		if err != nil {
			return nil, err
		}
		if rawCP, ok := args["checkpoint"]; ok {
			cp, err := decodeCheckpoint(rawCP)
			if err != nil {
				return nil, err
			}
			return s.resumeDAG(ctx, dag, cp, args)
		}
		return s.runDAG(ctx, dag, args)
	}

	code, _ := args["code"].(string)
	if code == "" {
		return nil, models.NewError(models.KindValidation, "either dag or code is required")
	}

	if rawStructure, ok := args["structure"]; ok {
		if dag, ok := s.promoteStructure(rawStructure); ok {
			return s.runDAG(ctx, dag, args)
		}
	}
	return s.runCode(ctx, code, args)
}

// promoteStructure converts an analyzed code structure into a DAG when it is
// convertible; otherwise execution falls back to the sandbox.
func (s *Service) promoteStructure(raw any) (models.DAG, bool) {
	data, err := json.Marshal(raw)
	if err != nil {
		return models.DAG{}, false
	}
	var structure workflow.Structure
	if err := json.Unmarshal(data, &structure); err != nil {
		return models.DAG{}, false
	}
	if !workflow.IsValidForDAGConversion(structure) {
		return models.DAG{}, false
	}
	dag, err := workflow.BuildFromStructure(structure, workflow.ConversionOptions{})
	if err != nil {
		s.logger.Debug("Structure promotion failed, falling back to sandbox", "error", err)
		return models.DAG{}, false
	}
	return dag, true
}

func (s *Service) runDAG(ctx context.Context, dag models.DAG, args map[string]any) (any, error) {
	result, err := s.dags.Execute(ctx, dag)
	if err != nil {
		return nil, err
	}
	return s.finishDAG(ctx, dag, result, args), nil
}

// resumeDAG continues a checkpointed workflow from its recorded layer.
func (s *Service) resumeDAG(ctx context.Context, dag models.DAG, cp executor.Checkpoint, args map[string]any) (any, error) {
	result, err := s.dags.Resume(ctx, dag, cp)
	if err != nil {
		return nil, err
	}
	return s.finishDAG(ctx, dag, result, args), nil
}

func (s *Service) finishDAG(ctx context.Context, dag models.DAG, result models.WorkflowResult, args map[string]any) any {
	if s.graph != nil && result.Success {
		if err := s.graph.UpdateFromExecution(ctx, dag); err != nil {
			s.logger.Warn("Graph update from execution failed", "workflow_id", result.WorkflowID, "error", err)
		}
	}
	s.recordDAGTrace(ctx, dag, result, args)
	return result
}

func (s *Service) runCode(ctx context.Context, code string, args map[string]any) (any, error) {
	execCtx, _ := args["context"].(map[string]any)
	res := s.code.Execute(ctx, code, sandbox.Options{
		Timeout: s.codeTimeout,
		Context: execCtx,
	})

	if s.graph != nil && res.Success && len(res.Traces) > 0 {
		if err := s.graph.UpdateFromCodeTrace(ctx, res.Traces); err != nil {
			s.logger.Warn("Graph update from code trace failed", "error", err)
		}
	}
	s.recordCodeTrace(ctx, res, args)

	out := map[string]any{"success": res.Success, "traces": res.Traces}
	if res.Success {
		out["result"] = res.Result
	} else {
		out["error"] = res.Error
	}
	return out, nil
}

// recordDAGTrace persists an execution trace for a workflow run. Failures are
// logged, never surfaced: the run already happened.
func (s *Service) recordDAGTrace(ctx context.Context, dag models.DAG, result models.WorkflowResult, args map[string]any) {
	if s.traces == nil {
		return
	}
	t := models.ExecutionTrace{
		Success:    result.Success,
		DurationMs: result.DurationMs,
		ExecutedAt: s.now().UTC(),
	}
	t.IntentText, _ = args["intent"].(string)
	t.UserID, _ = args["user_id"].(string)
	t.InitialContext, _ = args["context"].(map[string]any)
	t.CreatedBy = version.AppName

	for _, task := range dag.Tasks {
		r, ok := result.TaskResults[task.ID]
		if !ok {
			continue
		}
		t.ExecutedPath = append(t.ExecutedPath, graph.NodeIDForTask(task))
		t.TaskResults = append(t.TaskResults, models.TaskResult{
			TaskID:     r.TaskID,
			Tool:       task.Tool,
			Args:       task.Arguments,
			Result:     r.Output,
			Success:    r.Status == models.TaskStatusSuccess,
			DurationMs: r.DurationMs,
		})
		if r.Status == models.TaskStatusError {
			t.ErrorMessage = r.Error
		}
	}

	if _, err := s.traces.Insert(ctx, t); err != nil {
		s.logger.Warn("Execution trace insert failed", "workflow_id", result.WorkflowID, "error", err)
	}
}

// recordCodeTrace persists an execution trace for a sandbox run, with the
// executed path derived from the tool-call timeline.
func (s *Service) recordCodeTrace(ctx context.Context, res sandbox.Result, args map[string]any) {
	if s.traces == nil {
		return
	}
	t := models.ExecutionTrace{
		Success:      res.Success,
		ErrorMessage: res.Error,
		ExecutedAt:   s.now().UTC(),
	}
	t.IntentText, _ = args["intent"].(string)
	t.UserID, _ = args["user_id"].(string)
	t.InitialContext, _ = args["context"].(map[string]any)
	t.CreatedBy = version.AppName

	for _, tr := range res.Traces {
		if tr.Type != models.SandboxTraceToolEnd {
			continue
		}
		t.ExecutedPath = append(t.ExecutedPath, graph.ToolNodeIDFromCall(tr.Tool))
		t.DurationMs += tr.DurationMs
		t.TaskResults = append(t.TaskResults, models.TaskResult{
			TaskID:     tr.TraceID,
			Tool:       tr.Tool,
			Args:       tr.Args,
			Result:     tr.Result,
			Success:    tr.Success,
			DurationMs: tr.DurationMs,
		})
	}

	if _, err := s.traces.Insert(ctx, t); err != nil {
		s.logger.Warn("Execution trace insert failed", "error", err)
	}
}

// decodeDAG converts the raw JSON-decoded dag argument into a model DAG.
func decodeDAG(raw any) (models.DAG, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return models.DAG{}, models.WrapError(models.KindValidation, err, "encode dag argument")
	}
	var dag models.DAG
	if err := json.Unmarshal(data, &dag); err != nil {
		return models.DAG{}, models.WrapError(models.KindValidation, err, "decode dag argument")
	}
	if len(dag.Tasks) == 0 {
		return models.DAG{}, models.NewError(models.KindValidation, "dag has no tasks")
	}
	return dag, nil
}

// decodeCheckpoint converts the raw checkpoint argument for a resume.
func decodeCheckpoint(raw any) (executor.Checkpoint, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return executor.Checkpoint{}, models.WrapError(models.KindValidation, err, "encode checkpoint argument")
	}
	var cp executor.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return executor.Checkpoint{}, models.WrapError(models.KindValidation, err, "decode checkpoint argument")
	}
	if cp.WorkflowID == "" {
		return executor.Checkpoint{}, models.NewError(models.KindValidation, "checkpoint has no workflow id")
	}
	return cp, nil
}
