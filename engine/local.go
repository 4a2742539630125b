package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/modular"
)

// RunContext exposes signal and query plumbing to a workflow body.
type RunContext struct {
	WorkflowID string
	RunID      string

	mu      sync.Mutex
	signals map[string]chan any
	queries map[string]func() (any, error)
}

// SignalChan returns the channel signals with the given name are delivered
// on. The channel is buffered; a signal sent before the workflow listens is
// not lost.
func (rc *RunContext) SignalChan(name string) <-chan any {
	return rc.signalChan(name)
}

func (rc *RunContext) signalChan(name string) chan any {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	ch, ok := rc.signals[name]
	if !ok {
		ch = make(chan any, 16)
		rc.signals[name] = ch
	}
	return ch
}

// HandleQuery registers a read-only query handler under name.
func (rc *RunContext) HandleQuery(name string, fn func() (any, error)) {
	rc.mu.Lock()
	rc.queries[name] = fn
	rc.mu.Unlock()
}

func (rc *RunContext) query(name string) (any, error) {
	rc.mu.Lock()
	fn, ok := rc.queries[name]
	rc.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrQueryUnknown, name)
	}
	return fn()
}

type localRun struct {
	handle Handle
	rc     *RunContext
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	result any
	err    error
}

func (r *localRun) running() bool {
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

// LocalEngine runs workflows as goroutines inside the host process. It
// deduplicates by workflow ID and supports signal, query, and cooperative
// cancel, but offers no durability across process restarts; production
// deployments put a durable engine behind the same interface.
type LocalEngine struct {
	resolver WorkflowResolver
	logger   modular.Logger

	mu   sync.Mutex
	runs map[string]*localRun
}

// NewLocalEngine creates a LocalEngine dispatching through resolver.
func NewLocalEngine(resolver WorkflowResolver, logger modular.Logger) *LocalEngine {
	if logger == nil {
		logger = &noopLogger{}
	}
	return &LocalEngine{
		resolver: resolver,
		logger:   logger,
		runs:     make(map[string]*localRun),
	}
}

func (e *LocalEngine) StartWorkflow(ctx context.Context, workflowID, typeName, taskQueue string, input any) (*Handle, error) {
	fn, ok := e.resolver.ResolveWorkflow(taskQueue, typeName)
	if !ok {
		return nil, fmt.Errorf("%w: %s on queue %s", ErrWorkflowTypeUnknown, typeName, taskQueue)
	}

	e.mu.Lock()
	if prior, exists := e.runs[workflowID]; exists && prior.running() {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrWorkflowAlreadyRunning, workflowID)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	run := &localRun{
		handle: Handle{WorkflowID: workflowID, RunID: uuid.NewString()},
		rc: &RunContext{
			WorkflowID: workflowID,
			signals:    make(map[string]chan any),
			queries:    make(map[string]func() (any, error)),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	run.rc.RunID = run.handle.RunID
	e.runs[workflowID] = run
	e.mu.Unlock()

	go func() {
		defer close(run.done)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				run.mu.Lock()
				run.err = fmt.Errorf("workflow %s panicked: %v", workflowID, r)
				run.mu.Unlock()
				e.logger.Error("Workflow panicked", "workflow", workflowID, "panic", r)
			}
		}()

		result, err := fn(runCtx, run.rc, input)
		run.mu.Lock()
		run.result, run.err = result, err
		run.mu.Unlock()
		if err != nil {
			e.logger.Warn("Workflow failed", "workflow", workflowID, "error", err)
		}
	}()

	handle := run.handle
	return &handle, nil
}

func (e *LocalEngine) Signal(ctx context.Context, workflowID, name string, payload any) error {
	run, err := e.lookup(workflowID)
	if err != nil {
		return err
	}
	select {
	case run.rc.signalChan(name) <- payload:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *LocalEngine) Query(ctx context.Context, workflowID, name string) (any, error) {
	run, err := e.lookup(workflowID)
	if err != nil {
		return nil, err
	}
	return run.rc.query(name)
}

// Cancel requests cooperative cancellation of a running workflow. Canceling
// a finished or unknown workflow returns ErrWorkflowNotFound.
func (e *LocalEngine) Cancel(ctx context.Context, workflowID string) error {
	run, err := e.lookup(workflowID)
	if err != nil {
		return err
	}
	run.cancel()
	return nil
}

// Await blocks until the workflow completes and returns its result.
func (e *LocalEngine) Await(ctx context.Context, workflowID string) (any, error) {
	e.mu.Lock()
	run, ok := e.runs[workflowID]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}

	select {
	case <-run.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	run.mu.Lock()
	defer run.mu.Unlock()
	return run.result, run.err
}

func (e *LocalEngine) lookup(workflowID string) (*localRun, error) {
	e.mu.Lock()
	run, ok := e.runs[workflowID]
	e.mu.Unlock()
	if !ok || !run.running() {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	return run, nil
}

type noopLogger struct{}

func (*noopLogger) Info(string, ...any)  {}
func (*noopLogger) Error(string, ...any) {}
func (*noopLogger) Warn(string, ...any)  {}
func (*noopLogger) Debug(string, ...any) {}
