package exthost

import (
	"errors"
	"fmt"

	"github.com/GoCodeAlone/exthost/manifest"
	"github.com/GoCodeAlone/exthost/marketplace"
	"github.com/GoCodeAlone/exthost/registry"
	"github.com/GoCodeAlone/exthost/sandbox"
)

var (
	// ErrModuleNotFound indicates no registry entry for the
	// (module, tenant) pair.
	ErrModuleNotFound = errors.New("module not found")

	// ErrImplementationMissing indicates no runtime implementation is
	// registered for the module ID.
	ErrImplementationMissing = errors.New("module implementation not registered")

	// ErrOperationInProgress indicates another lifecycle operation for the
	// same (module, tenant) pair is still running.
	ErrOperationInProgress = errors.New("lifecycle operation already in progress")

	// ErrSecurityViolation covers signature failures and detected malicious
	// module behavior. Always requires operator intervention.
	ErrSecurityViolation = errors.New("module security violation")

	// ErrInvalidConfiguration indicates module configuration that failed
	// schema validation.
	ErrInvalidConfiguration = errors.New("invalid module configuration")
)

// OperationInProgressError identifies the pair whose lifecycle operation is
// already running.
type OperationInProgressError struct {
	ModuleID string
	TenantID string
}

func (e *OperationInProgressError) Error() string {
	return fmt.Sprintf("lifecycle operation for module %s tenant %s already in progress",
		e.ModuleID, e.TenantID)
}

func (e *OperationInProgressError) Unwrap() error { return ErrOperationInProgress }

// StepError records which activation step failed and triggered
// compensation.
type StepError struct {
	Operation string
	Step      string
	Cause     error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s failed at step %s: %v", e.Operation, e.Step, e.Cause)
}

func (e *StepError) Unwrap() error { return e.Cause }

// Category is the broad error family a lifecycle failure belongs to.
type Category string

const (
	CategoryLoad          Category = "load"
	CategoryCompatibility Category = "compatibility"
	CategoryPermission    Category = "permission"
	CategoryResource      Category = "resource"
	CategoryConfiguration Category = "configuration"
	CategoryPersistence   Category = "persistence"
	CategoryWorkflow      Category = "workflow"
	CategoryMarketplace   Category = "marketplace"
	CategorySecurity      Category = "security"
	CategoryUnknown       Category = "unknown"
)

// Categorize maps an error to its taxonomy family.
func Categorize(err error) Category {
	switch {
	case errors.Is(err, manifest.ErrMalformedManifest),
		errors.Is(err, manifest.ErrMissingField),
		errors.Is(err, ErrModuleNotFound),
		errors.Is(err, ErrImplementationMissing):
		return CategoryLoad
	case errors.Is(err, manifest.ErrIncompatibleVersion),
		errors.Is(err, manifest.ErrInvalidVersionRange):
		return CategoryCompatibility
	case errors.Is(err, sandbox.ErrInsufficientPermissions):
		return CategoryPermission
	case errors.Is(err, sandbox.ErrResourceLimit),
		errors.Is(err, sandbox.ErrContextMissing),
		errors.Is(err, sandbox.ErrExecution):
		return CategoryResource
	case errors.Is(err, ErrInvalidConfiguration):
		return CategoryConfiguration
	case errors.Is(err, registry.ErrStorage),
		errors.Is(err, registry.ErrMigration):
		return CategoryPersistence
	case errors.Is(err, ErrOperationInProgress):
		return CategoryWorkflow
	case errors.Is(err, marketplace.ErrMarketplace):
		return CategoryMarketplace
	case errors.Is(err, ErrSecurityViolation):
		return CategorySecurity
	default:
		return CategoryUnknown
	}
}

// Retryable reports whether a failure is transient enough to retry with
// backoff. Validation and permission failures are terminal and never
// retried.
func Retryable(err error) bool {
	switch Categorize(err) {
	case CategoryResource:
		// Limit pressure and sandbox hiccups may clear; a missing context
		// will not.
		return !errors.Is(err, sandbox.ErrContextMissing) &&
			!errors.Is(err, sandbox.ErrInsufficientPermissions)
	case CategoryPersistence, CategoryMarketplace:
		return true
	default:
		return false
	}
}

// RequiresUserIntervention reports whether an operator decision is needed
// before the operation can be retried. These errors must never be silently
// retried.
func RequiresUserIntervention(err error) bool {
	switch Categorize(err) {
	case CategoryPermission, CategoryConfiguration, CategorySecurity:
		return true
	default:
		return false
	}
}
