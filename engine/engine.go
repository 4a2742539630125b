// Package engine defines the workflow engine boundary the host runs
// lifecycle operations through. The engine is the sole source of durability
// for in-flight operations; the host keeps no durable in-process state for
// them. LocalEngine provides an in-process implementation for development
// and tests.
package engine

import (
	"context"
	"errors"
)

var (
	// ErrWorkflowAlreadyRunning is returned when a workflow with the same
	// ID is still in flight. Engines deduplicate by workflow ID.
	ErrWorkflowAlreadyRunning = errors.New("engine: workflow already running")

	// ErrWorkflowNotFound is returned by Signal, Query, and Cancel for an
	// unknown workflow ID.
	ErrWorkflowNotFound = errors.New("engine: workflow not found")

	// ErrWorkflowTypeUnknown is returned when no workflow function is
	// registered for the requested (task queue, type) pair.
	ErrWorkflowTypeUnknown = errors.New("engine: workflow type unknown")

	// ErrQueryUnknown is returned for a query name the workflow never
	// registered a handler for.
	ErrQueryUnknown = errors.New("engine: unknown query")
)

// Handle identifies a started workflow execution.
type Handle struct {
	WorkflowID string
	RunID      string
}

// WorkflowFunc is the body of a workflow type. It receives the run's
// context for cancellation plus a RunContext for signal and query plumbing.
type WorkflowFunc func(ctx context.Context, rc *RunContext, input any) (any, error)

// WorkflowResolver maps (task queue, type name) to a registered workflow
// function. The registration bridge implements this.
type WorkflowResolver interface {
	ResolveWorkflow(taskQueue, typeName string) (WorkflowFunc, bool)
}

// Engine starts and manages durable workflow executions.
type Engine interface {
	// StartWorkflow begins a workflow of the given type on the task queue.
	// Starting an ID that is still running fails with
	// ErrWorkflowAlreadyRunning.
	StartWorkflow(ctx context.Context, workflowID, typeName, taskQueue string, input any) (*Handle, error)

	// Signal delivers a named payload to a running workflow.
	Signal(ctx context.Context, workflowID, name string, payload any) error

	// Query invokes a named read-only query against a workflow.
	Query(ctx context.Context, workflowID, name string) (any, error)

	// Cancel requests cooperative cancellation. The workflow observes it
	// at its next step boundary.
	Cancel(ctx context.Context, workflowID string) error
}
