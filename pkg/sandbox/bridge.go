// Package sandbox executes untrusted code snippets in an isolated worker VM.
// The worker has no filesystem, network, environment or subprocess access;
// every side effect goes through host-arbitrated bindings (mcp.<server>.<tool>,
// capabilities.<name>, fetch) that trace each call and enforce the effective
// permission set.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
	"github.com/google/uuid"

	"github.com/pml-dev/gateway/pkg/models"
)

// ToolHandler executes one proxied tool call on the host side.
type ToolHandler func(ctx context.Context, args map[string]any) (any, error)

// CapabilityHandler executes one proxied capability call on the host side.
// Handlers typically re-enter the gateway (and possibly this bridge).
type CapabilityHandler func(ctx context.Context, args map[string]any) (any, error)

// ToolTable maps serverID → toolName → handler, bound into the worker as
// mcp.<server>.<tool>(args).
type ToolTable map[string]map[string]ToolHandler

// CapabilityTable maps capability display names to handlers, bound as
// capabilities.<name>(args).
type CapabilityTable map[string]CapabilityHandler

// Defaults.
const (
	DefaultTimeout            = 5 * time.Second
	DefaultMaxCapabilityDepth = 3
)

// Options tune a single Execute call.
type Options struct {
	// PermissionSet is the effective permission set of the run. Empty means
	// minimal.
	PermissionSet models.PermissionSet
	// Timeout bounds the run; zero means DefaultTimeout.
	Timeout time.Duration
	// ParentTraceID links the run's traces into an enclosing timeline.
	ParentTraceID string
	// Globals are bound as top-level variables in the worker (e.g. "deps",
	// "args"). The "context" global is always bound from Context.
	Globals map[string]any
	// Context is the execution context visible to user code as `context`.
	Context map[string]any
}

// Result is the outcome of one Execute call.
type Result struct {
	Success   bool                  `json:"success"`
	Result    any                   `json:"result,omitempty"`
	Error     string                `json:"error,omitempty"`
	ErrorType models.ErrorKind      `json:"error_type,omitempty"`
	Traces    []models.SandboxTrace `json:"traces"`
}

// Bridge is the host side of the sandbox worker. One bridge accumulates a
// trace timeline across Execute calls in a session; GetTraces exposes it.
type Bridge struct {
	tools      ToolTable
	caps       CapabilityTable
	httpClient *http.Client
	logger     *slog.Logger
	events     Publisher
	now        func() time.Time
	maxDepth   int

	mu     sync.Mutex
	traces []models.SandboxTrace
	vms    map[*goja.Runtime]struct{}

	capDepth   atomic.Int32
	terminated atomic.Bool
}

// Publisher receives a sandbox.completed event per Execute call.
type Publisher interface {
	Emit(event models.Event)
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithPublisher emits run-completion events on the given bus.
func WithPublisher(p Publisher) Option {
	return func(b *Bridge) { b.events = p }
}

// WithLogger sets the diagnostics logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) { b.logger = l }
}

// WithHTTPClient overrides the client backing the fetch binding (tests).
func WithHTTPClient(c *http.Client) Option {
	return func(b *Bridge) { b.httpClient = c }
}

// WithMaxCapabilityDepth overrides the capability re-entry bound.
func WithMaxCapabilityDepth(n int) Option {
	return func(b *Bridge) { b.maxDepth = n }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(b *Bridge) { b.now = now }
}

// New creates a bridge over the given host-side tool and capability tables.
func New(tools ToolTable, caps CapabilityTable, opts ...Option) *Bridge {
	b := &Bridge{
		tools:      tools,
		caps:       caps,
		httpClient: http.DefaultClient,
		logger:     slog.Default(),
		now:        time.Now,
		maxDepth:   DefaultMaxCapabilityDepth,
		vms:        make(map[*goja.Runtime]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Execute runs a code snippet in a fresh worker VM. User-code faults never
// escape as errors; they are reported in the result. The returned traces are
// the entries recorded by this call, in order.
func (b *Bridge) Execute(ctx context.Context, code string, opts Options) Result {
	if b.terminated.Load() {
		return Result{
			Success:   false,
			Error:     "sandbox bridge is terminated",
			ErrorType: models.KindUnavailableService,
		}
	}
	perm := opts.PermissionSet
	if perm == "" {
		perm = models.PermissionMinimal
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	vm := goja.New()
	b.trackVM(vm)
	defer b.untrackVM(vm)

	traceMark := b.traceLen()
	b.bind(ctx, vm, perm, opts)

	timer := time.AfterFunc(timeout, func() {
		vm.Interrupt(context.DeadlineExceeded)
	})
	defer timer.Stop()
	stop := context.AfterFunc(ctx, func() {
		vm.Interrupt(ctx.Err())
	})
	defer stop()

	value, err := vm.RunString("(async () => {\n" + code + "\n})()")
	if err != nil {
		return b.finish(traceMark, Result{Success: false, Error: errMessage(err), ErrorType: errKind(err)})
	}

	promise, ok := value.Export().(*goja.Promise)
	if !ok {
		return b.finish(traceMark, Result{Success: true, Result: SanitizeResult(value.Export())})
	}
	switch promise.State() {
	case goja.PromiseStateFulfilled:
		return b.finish(traceMark, Result{Success: true, Result: SanitizeResult(promise.Result().Export())})
	case goja.PromiseStateRejected:
		cause := promise.Result().Export()
		return b.finish(traceMark, Result{Success: false, Error: exportedMessage(cause), ErrorType: exportedKind(cause)})
	default:
		// A pending promise means the code awaited something the worker can
		// never resolve (all host bindings are synchronous).
		return b.finish(traceMark, Result{
			Success:   false,
			Error:     "code suspended on an unresolvable promise",
			ErrorType: models.KindTimeout,
		})
	}
}

// GetTraces returns the full trace timeline accumulated across Execute calls.
func (b *Bridge) GetTraces() []models.SandboxTrace {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.SandboxTrace, len(b.traces))
	copy(out, b.traces)
	return out
}

// Terminate kills every running worker and fails all future Execute calls.
func (b *Bridge) Terminate() {
	if !b.terminated.CompareAndSwap(false, true) {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for vm := range b.vms {
		vm.Interrupt(errTerminated)
	}
}

var errTerminated = errors.New("sandbox terminated")

// bind installs the host-arbitrated surface of the worker: mcp.*, capabilities.*,
// fetch, context and caller globals. Nothing else is reachable.
func (b *Bridge) bind(ctx context.Context, vm *goja.Runtime, perm models.PermissionSet, opts Options) {
	mcp := make(map[string]map[string]any, len(b.tools))
	for serverID, tools := range b.tools {
		serverObj := make(map[string]any, len(tools))
		for toolName, handler := range tools {
			serverObj[toolName] = b.toolBinding(ctx, serverID, toolName, handler, opts.ParentTraceID)
		}
		mcp[serverID] = serverObj
	}
	_ = vm.Set("mcp", mcp)

	caps := make(map[string]any, len(b.caps))
	for name, handler := range b.caps {
		caps[name] = b.capabilityBinding(ctx, name, handler, opts.ParentTraceID)
	}
	_ = vm.Set("capabilities", caps)

	_ = vm.Set("fetch", b.fetchBinding(ctx, perm))

	ec := opts.Context
	if ec == nil {
		ec = map[string]any{}
	}
	_ = vm.Set("context", ec)
	for name, value := range opts.Globals {
		_ = vm.Set(name, value)
	}
}

// toolBinding wraps one host tool handler with tracing.
func (b *Bridge) toolBinding(ctx context.Context, serverID, toolName string, handler ToolHandler, parentTraceID string) func(map[string]any) (any, error) {
	call := serverID + "." + toolName
	return func(args map[string]any) (any, error) {
		traceID := uuid.NewString()
		started := b.now()
		b.append(models.SandboxTrace{
			Type:          models.SandboxTraceToolStart,
			Timestamp:     started,
			TraceID:       traceID,
			ParentTraceID: parentTraceID,
			Tool:          call,
			Args:          args,
		})

		result, err := handler(ctx, args)
		end := models.SandboxTrace{
			Type:          models.SandboxTraceToolEnd,
			Timestamp:     b.now(),
			TraceID:       traceID,
			ParentTraceID: parentTraceID,
			Tool:          call,
			DurationMs:    b.now().Sub(started).Milliseconds(),
		}
		if err != nil {
			end.Error = err.Error()
			b.append(end)
			return nil, err
		}
		end.Success = true
		end.Result = SanitizeResult(result)
		b.append(end)
		return result, nil
	}
}

// capabilityBinding wraps one host capability handler with tracing and the
// re-entry depth bound.
func (b *Bridge) capabilityBinding(ctx context.Context, name string, handler CapabilityHandler, parentTraceID string) func(map[string]any) (any, error) {
	return func(args map[string]any) (any, error) {
		traceID := uuid.NewString()
		started := b.now()
		b.append(models.SandboxTrace{
			Type:          models.SandboxTraceCapabilityStart,
			Timestamp:     started,
			TraceID:       traceID,
			ParentTraceID: parentTraceID,
			Capability:    name,
			Args:          args,
		})

		fail := func(err error) (any, error) {
			b.append(models.SandboxTrace{
				Type:          models.SandboxTraceCapabilityEnd,
				Timestamp:     b.now(),
				TraceID:       traceID,
				ParentTraceID: parentTraceID,
				Capability:    name,
				DurationMs:    b.now().Sub(started).Milliseconds(),
				Error:         err.Error(),
			})
			return nil, err
		}

		if depth := b.capDepth.Add(1); int(depth) > b.maxDepth {
			b.capDepth.Add(-1)
			return fail(models.NewError(models.KindPermission,
				"capability re-entry depth %d exceeded", b.maxDepth))
		}
		result, err := handler(ctx, args)
		b.capDepth.Add(-1)
		if err != nil {
			return fail(err)
		}
		b.append(models.SandboxTrace{
			Type:          models.SandboxTraceCapabilityEnd,
			Timestamp:     b.now(),
			TraceID:       traceID,
			ParentTraceID: parentTraceID,
			Capability:    name,
			Success:       true,
			DurationMs:    b.now().Sub(started).Milliseconds(),
			Result:        SanitizeResult(result),
		})
		return result, nil
	}
}

// fetchBinding returns the worker's fetch implementation, gated by the
// effective permission set.
func (b *Bridge) fetchBinding(ctx context.Context, perm models.PermissionSet) func(string) (map[string]any, error) {
	return func(url string) (map[string]any, error) {
		if !NetworkAllowed(perm) {
			return nil, models.NewError(models.KindPermission,
				"network access denied under permission set %q", perm)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, models.WrapError(models.KindValidation, err, "build request")
		}
		resp, err := b.httpClient.Do(req)
		if err != nil {
			return nil, models.WrapError(models.KindUnavailableService, err, "fetch %s", url)
		}
		defer resp.Body.Close()

		body := readBounded(resp.Body, fetchBodyLimit)
		return map[string]any{
			"status": resp.StatusCode,
			"ok":     resp.StatusCode >= 200 && resp.StatusCode < 300,
			"body":   body,
		}, nil
	}
}

// fetchBodyLimit caps response bodies captured into the worker.
const fetchBodyLimit = 1 << 20

func (b *Bridge) append(t models.SandboxTrace) {
	b.mu.Lock()
	b.traces = append(b.traces, t)
	b.mu.Unlock()
}

func (b *Bridge) traceLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.traces)
}

// finish attaches the traces recorded since mark to the result.
func (b *Bridge) finish(mark int, r Result) Result {
	b.mu.Lock()
	r.Traces = append([]models.SandboxTrace(nil), b.traces[mark:]...)
	b.mu.Unlock()
	if b.events != nil {
		b.events.Emit(models.Event{
			Type:   models.EventSandboxCompleted,
			Source: "sandbox",
			Payload: map[string]any{
				"success":     r.Success,
				"error_type":  string(r.ErrorType),
				"trace_count": len(r.Traces),
			},
		})
	}
	return r
}

func (b *Bridge) trackVM(vm *goja.Runtime) {
	b.mu.Lock()
	b.vms[vm] = struct{}{}
	b.mu.Unlock()
}

func (b *Bridge) untrackVM(vm *goja.Runtime) {
	b.mu.Lock()
	delete(b.vms, vm)
	b.mu.Unlock()
}

// errMessage renders a VM error for the result, unwrapping interrupts.
func errMessage(err error) string {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return fmt.Sprintf("execution interrupted: %v", interrupted.Value())
	}
	var exc *goja.Exception
	if errors.As(err, &exc) {
		return exportedMessage(exc.Value().Export())
	}
	return err.Error()
}

// errKind classifies a VM error into the gateway taxonomy.
func errKind(err error) models.ErrorKind {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if v, ok := interrupted.Value().(error); ok {
			if errors.Is(v, errTerminated) {
				return models.KindUnavailableService
			}
			if errors.Is(v, context.DeadlineExceeded) || errors.Is(v, context.Canceled) {
				return models.KindTimeout
			}
		}
		return models.KindTimeout
	}
	var exc *goja.Exception
	if errors.As(err, &exc) {
		return exportedKind(exc.Value().Export())
	}
	return models.KindInternal
}

// exportedMessage renders a rejected promise value or thrown object.
func exportedMessage(v any) string {
	switch tv := v.(type) {
	case error:
		return tv.Error()
	case map[string]any:
		if msg, ok := tv["message"].(string); ok {
			return msg
		}
	}
	return fmt.Sprintf("%v", v)
}

// exportedKind maps a rejection value onto the error taxonomy. Host errors
// keep their kind; plain user-code throws are internal faults of the snippet.
func exportedKind(v any) models.ErrorKind {
	if err, ok := v.(error); ok {
		return models.KindOf(err)
	}
	return models.KindInternal
}

func readBounded(r io.Reader, limit int64) string {
	data, _ := io.ReadAll(io.LimitReader(r, limit))
	return string(data)
}
