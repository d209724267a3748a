package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pml-dev/gateway/pkg/models"
	"github.com/pml-dev/gateway/pkg/sandbox"
)

// fakeTools scripts per-tool results keyed by tool name.
type fakeTools struct {
	mu      sync.Mutex
	results map[string]any
	errs    map[string]error
	calls   []string
}

func newFakeTools() *fakeTools {
	return &fakeTools{results: make(map[string]any), errs: make(map[string]error)}
}

func (f *fakeTools) Execute(_ context.Context, task models.Task, _ map[string]any) (any, error) {
	f.mu.Lock()
	f.calls = append(f.calls, task.ID)
	f.mu.Unlock()
	if err, ok := f.errs[task.Tool]; ok {
		return nil, err
	}
	if res, ok := f.results[task.Tool]; ok {
		return res, nil
	}
	return map[string]any{"tool": task.Tool}, nil
}

// collector records emitted events in order.
type collector struct {
	mu     sync.Mutex
	events []models.Event
}

func (c *collector) Emit(e models.Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

func (c *collector) ofType(t string) []models.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Event, 0)
	for _, e := range c.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func TestMixedDAGWithCapabilityTask(t *testing.T) {
	tools := newFakeTools()
	tools.results["fs:read"] = map[string]any{"value": 42}

	bridge := sandbox.New(nil, nil)
	events := &collector{}
	ex := New(tools, bridge, events, Config{})

	dag := models.DAG{Tasks: []models.Task{
		{ID: "t1", Tool: "fs:read"},
		{
			ID:           "cap1",
			Type:         models.TaskTypeCapability,
			CapabilityID: "cap-x",
			DependsOn:    []string{"t1"},
			Code:         `const v = deps.t1.output.value; return {processed: v * 10, capabilityId: 'cap-x'};`,
		},
		{ID: "t2", Tool: "next:step", DependsOn: []string{"cap1"}},
	}}

	result, err := ex.Execute(context.Background(), dag)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 3, result.SuccessfulTasks)
	assert.Equal(t, 0, result.FailedTasks)

	capOut := result.TaskResults["cap1"].Output.(map[string]any)
	inner := capOut["result"].(map[string]any)
	assert.EqualValues(t, 420, inner["processed"])
	assert.Equal(t, "cap-x", result.TaskResults["cap1"].CapabilityID)

	checkpoints := events.ofType(models.EventDAGCheckpoint)
	require.Len(t, checkpoints, 3) // one per layer
	last := checkpoints[2].Payload["task_results"].(map[string]models.ExecutedTask)
	assert.Equal(t, "cap-x", last["cap1"].CapabilityID)
}

func TestFailedSafeTasksDoNotFailWorkflow(t *testing.T) {
	tools := newFakeTools()
	tools.errs["flaky"] = errors.New("transient")

	ex := New(tools, nil, nil, Config{})
	dag := models.DAG{Tasks: []models.Task{
		{ID: "a", Tool: "flaky", Metadata: models.TaskMetadata{Pure: true}},
		{ID: "b", Tool: "flaky", Metadata: models.TaskMetadata{Pure: true}},
	}}

	result, err := ex.Execute(context.Background(), dag)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 0, result.FailedTasks)
	assert.Equal(t, 2, result.FailedSafeTasks)
	assert.Equal(t, result.TotalTasks, result.SuccessfulTasks+result.FailedSafeTasks)
}

func TestFailureHaltsDependentsButNotIndependentBranches(t *testing.T) {
	tools := newFakeTools()
	tools.errs["broken"] = errors.New("boom")

	events := &collector{}
	ex := New(tools, nil, events, Config{})
	dag := models.DAG{Tasks: []models.Task{
		{ID: "bad", Tool: "broken"},
		{ID: "child", Tool: "ok", DependsOn: []string{"bad"}},
		{ID: "grandchild", Tool: "ok", DependsOn: []string{"child"}},
		{ID: "independent", Tool: "ok"},
		{ID: "independent2", Tool: "ok", DependsOn: []string{"independent"}},
	}}

	result, err := ex.Execute(context.Background(), dag)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, models.TaskStatusError, result.TaskResults["bad"].Status)
	assert.Equal(t, models.TaskStatusSkipped, result.TaskResults["child"].Status)
	assert.Equal(t, models.TaskStatusSkipped, result.TaskResults["grandchild"].Status)
	assert.Equal(t, models.TaskStatusSuccess, result.TaskResults["independent"].Status)
	assert.Equal(t, models.TaskStatusSuccess, result.TaskResults["independent2"].Status)

	completes := events.ofType(models.EventDAGWorkflowComplete)
	require.Len(t, completes, 1)
	assert.Equal(t, false, completes[0].Payload["success"])
	assert.Contains(t, completes[0].Payload["failedTasks"].([]string), "bad")
}

func TestCycleRejectedBeforeExecution(t *testing.T) {
	tools := newFakeTools()
	ex := New(tools, nil, nil, Config{})
	dag := models.DAG{Tasks: []models.Task{
		{ID: "t1", Tool: "a", DependsOn: []string{"t2"}},
		{ID: "t2", Tool: "b", DependsOn: []string{"t1"}},
	}}

	_, err := ex.Execute(context.Background(), dag)
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindIntegrity))
	assert.Empty(t, tools.calls)
}

func TestHILGateRejectionAborts(t *testing.T) {
	tools := newFakeTools()
	events := &collector{}
	ex := New(tools, nil, events, Config{
		HIL: HILConfig{Enabled: true, ApprovalRequired: "always", Timeout: time.Second},
	})

	dag := models.DAG{Tasks: []models.Task{
		{ID: "t1", Tool: "a"},
		{ID: "t2", Tool: "b", DependsOn: []string{"t1"}},
	}}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := ex.Execute(context.Background(), dag)
		assert.Error(t, err)
	}()

	// Wait for the decision gate, then reject.
	require.Eventually(t, func() bool {
		return len(events.ofType(models.EventDAGDecisionRequired)) == 1
	}, time.Second, 5*time.Millisecond)
	decision := events.ofType(models.EventDAGDecisionRequired)[0]
	assert.Equal(t, "HIL", decision.Payload["decisionType"])

	workflowID := decision.Payload["workflow_id"].(string)
	require.NoError(t, ex.SubmitCommand(workflowID, Command{
		Type: CommandApprovalResponse, Approved: false, Feedback: "not today",
	}))
	<-done
}

func TestHILGateTimeoutAborts(t *testing.T) {
	tools := newFakeTools()
	ex := New(tools, nil, nil, Config{
		HIL: HILConfig{Enabled: true, ApprovalRequired: "always", Timeout: 30 * time.Millisecond},
	})
	dag := models.DAG{Tasks: []models.Task{
		{ID: "t1", Tool: "a"},
		{ID: "t2", Tool: "b", DependsOn: []string{"t1"}},
	}}

	_, err := ex.Execute(context.Background(), dag)
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindTimeout))
}

func TestAILGateTimeoutContinues(t *testing.T) {
	tools := newFakeTools()
	ex := New(tools, nil, nil, Config{
		AIL: AILConfig{Enabled: true, Trigger: TriggerPerLayer, Timeout: 20 * time.Millisecond},
	})
	dag := models.DAG{Tasks: []models.Task{
		{ID: "t1", Tool: "a"},
		{ID: "t2", Tool: "b", DependsOn: []string{"t1"}},
	}}

	result, err := ex.Execute(context.Background(), dag)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 2, result.SuccessfulTasks)
}

func TestAILGateOnErrorTriggerSkippedWhenClean(t *testing.T) {
	tools := newFakeTools()
	events := &collector{}
	ex := New(tools, nil, events, Config{
		AIL: AILConfig{Enabled: true, Trigger: TriggerOnError, Timeout: 20 * time.Millisecond},
	})
	dag := models.DAG{Tasks: []models.Task{
		{ID: "t1", Tool: "a"},
		{ID: "t2", Tool: "b", DependsOn: []string{"t1"}},
	}}

	_, err := ex.Execute(context.Background(), dag)
	require.NoError(t, err)
	assert.Empty(t, events.ofType(models.EventDAGDecisionRequired))
}

func TestResumeFromCheckpointSkipsCompletedLayers(t *testing.T) {
	tools := newFakeTools()
	ex := New(tools, nil, nil, Config{})
	dag := models.DAG{Tasks: []models.Task{
		{ID: "t1", Tool: "a"},
		{ID: "t2", Tool: "b", DependsOn: []string{"t1"}},
	}}

	cp := Checkpoint{
		WorkflowID: "wf-1",
		LayerIndex: 1,
		TaskResults: map[string]models.ExecutedTask{
			"t1": {TaskID: "t1", Status: models.TaskStatusSuccess, Output: map[string]any{"v": 1}},
		},
	}
	result, err := ex.Resume(context.Background(), dag, cp)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, []string{"t2"}, tools.calls) // t1 not re-run
	assert.Equal(t, "wf-1", result.WorkflowID)
}

func TestCancelAbortsWorkflow(t *testing.T) {
	tools := newFakeTools()
	events := &collector{}
	ex := New(tools, nil, events, Config{
		HIL: HILConfig{Enabled: true, ApprovalRequired: "always", Timeout: 5 * time.Second},
	})
	dag := models.DAG{Tasks: []models.Task{
		{ID: "t1", Tool: "a"},
		{ID: "t2", Tool: "b", DependsOn: []string{"t1"}},
	}}

	errCh := make(chan error, 1)
	go func() {
		_, err := ex.Execute(context.Background(), dag)
		errCh <- err
	}()

	require.Eventually(t, func() bool {
		return len(events.ofType(models.EventDAGDecisionRequired)) == 1
	}, time.Second, 5*time.Millisecond)
	workflowID := events.ofType(models.EventDAGDecisionRequired)[0].Payload["workflow_id"].(string)
	require.NoError(t, ex.Cancel(workflowID))

	err := <-errCh
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindTimeout))
}

func TestResultPreviewClipping(t *testing.T) {
	long := make([]byte, 4000)
	for i := range long {
		long[i] = 'x'
	}
	preview := ResultPreview(string(long))
	assert.LessOrEqual(t, len([]rune(preview)), ResultPreviewMaxLength+1)
	assert.Empty(t, ResultPreview(nil))
}

func TestWideLayerExecutesAllTasksUnderConcurrencyCap(t *testing.T) {
	tools := newFakeTools()
	events := &collector{}
	ex := New(tools, nil, events, Config{MaxConcurrency: 2})

	tasks := make([]models.Task, 0, 40)
	for i := 0; i < 40; i++ {
		tasks = append(tasks, models.Task{ID: fmt.Sprintf("t%02d", i), Tool: "fs:read"})
	}
	res, err := ex.Execute(context.Background(), models.DAG{Tasks: tasks})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 40, res.TotalTasks)
	assert.Equal(t, 0, res.FailedTasks)
	assert.Len(t, events.ofType(models.EventDAGTaskCompleted), 40)
}
