package sandbox

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInsufficientPermissions indicates a required permission the tenant
	// has not granted. Never retried; requires operator intervention.
	ErrInsufficientPermissions = errors.New("sandbox: insufficient permissions")

	// ErrContextMissing indicates no sandbox context exists for the
	// (module, tenant) pair. Callers must create one first.
	ErrContextMissing = errors.New("sandbox: context missing")

	// ErrResourceLimit indicates a resource dimension at or over its limit.
	ErrResourceLimit = errors.New("sandbox: resource limit exceeded")

	// ErrExecution indicates sandboxed module code failed or panicked.
	ErrExecution = errors.New("sandbox: execution failed")
)

// Dimension names one tracked resource axis.
type Dimension string

const (
	DimMemory   Dimension = "memory"
	DimCPU      Dimension = "cpu"
	DimStorage  Dimension = "storage"
	DimNetwork  Dimension = "network_requests"
	DimDatabase Dimension = "database_connections"
)

// InsufficientPermissionsError reports the required permissions the tenant
// has not granted.
type InsufficientPermissionsError struct {
	ModuleID string
	TenantID string
	Missing  []string
}

func (e *InsufficientPermissionsError) Error() string {
	return fmt.Sprintf("module %s for tenant %s is missing required permissions: %s",
		e.ModuleID, e.TenantID, strings.Join(e.Missing, ", "))
}

func (e *InsufficientPermissionsError) Unwrap() error { return ErrInsufficientPermissions }

// ResourceLimitError identifies which dimension blocked execution.
type ResourceLimitError struct {
	Dimension Dimension
	Used      float64
	Limit     float64
}

func (e *ResourceLimitError) Error() string {
	return fmt.Sprintf("resource limit exceeded on %s: used %g of %g",
		e.Dimension, e.Used, e.Limit)
}

func (e *ResourceLimitError) Unwrap() error { return ErrResourceLimit }

// ExecutionError wraps a failure (or recovered panic) from module code.
type ExecutionError struct {
	ModuleID string
	TenantID string
	Cause    error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("sandboxed execution of %s for tenant %s failed: %v",
		e.ModuleID, e.TenantID, e.Cause)
}

func (e *ExecutionError) Unwrap() []error { return []error{ErrExecution, e.Cause} }
