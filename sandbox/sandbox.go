// Package sandbox is the isolation boundary around module-code execution.
// Each (module, tenant) pair gets a context holding its effective
// permissions, network and filesystem allow-lists, and live resource
// counters; operations run on a worker pool so module code never blocks the
// control plane. Modules shipping as container images run their hooks
// through ContainerRunner instead.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/panjf2000/ants/v2"

	"github.com/GoCodeAlone/exthost/manifest"
	"github.com/GoCodeAlone/exthost/tenant"
)

// DefaultPoolSize is the worker pool capacity used when none is configured.
const DefaultPoolSize = 64

// Operation is a unit of module code run inside the sandbox. The passed
// context carries the execution deadline; operations are expected to honor
// it cooperatively.
type Operation func(ctx context.Context) error

// Service owns every sandbox context in the process and runs module code on
// an isolated worker pool, keeping module execution off the control plane.
type Service struct {
	contexts cmap.ConcurrentMap[string, *Context]
	pool     *ants.Pool
	timeout  time.Duration
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithExecutionTimeout caps each sandboxed operation's wall-clock time.
func WithExecutionTimeout(d time.Duration) ServiceOption {
	return func(s *Service) { s.timeout = d }
}

// NewService creates a sandbox service with a worker pool of the given size.
// Size <= 0 falls back to DefaultPoolSize.
func NewService(poolSize int, opts ...ServiceOption) (*Service, error) {
	if poolSize <= 0 {
		poolSize = DefaultPoolSize
	}
	pool, err := ants.NewPool(poolSize)
	if err != nil {
		return nil, fmt.Errorf("sandbox: create worker pool: %w", err)
	}

	s := &Service{
		contexts: cmap.New[*Context](),
		pool:     pool,
		timeout:  30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases the worker pool.
func (s *Service) Close() {
	s.pool.Release()
}

// CreateContext builds the sandbox context for a (module, tenant) pair. The
// effective permission set is the module's declared permissions narrowed to
// what the tenant granted; any required permission the tenant has not
// granted is a hard failure. Creating a context that already exists replaces
// it, counters reset to zero.
func (s *Service) CreateContext(md *manifest.ModuleMetadata, tenantID string, granted tenant.Grants) (*Context, error) {
	var missing []string
	for _, perm := range md.Permissions.Required {
		if !granted.Has(perm) {
			missing = append(missing, perm)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, &InsufficientPermissionsError{
			ModuleID: md.ID,
			TenantID: tenantID,
			Missing:  missing,
		}
	}

	effective := tenant.NewGrants(md.Permissions.Required...)
	for _, perm := range md.Permissions.Optional {
		if granted.Has(perm) {
			effective[perm] = struct{}{}
		}
	}

	c := newContext(md, tenantID, effective)
	s.contexts.Set(contextKey(md.ID, tenantID), c)
	return c, nil
}

// GetContext returns the context for a (module, tenant) pair, if one exists.
func (s *Service) GetContext(moduleID, tenantID string) (*Context, bool) {
	return s.contexts.Get(contextKey(moduleID, tenantID))
}

// RemoveContext discards the context for a (module, tenant) pair. Removing
// an absent context is a no-op.
func (s *Service) RemoveContext(moduleID, tenantID string) {
	s.contexts.Remove(contextKey(moduleID, tenantID))
}

// Execute runs op inside the (module, tenant) sandbox. Resource limits are
// checked before op runs; any exceeded dimension rejects the call without
// executing op and without touching the counters. The operation runs on the
// worker pool under the service's execution timeout; a panic inside op is
// recovered and surfaced as an ExecutionError. Elapsed time is folded into
// the context's counters after completion, success or not.
func (s *Service) Execute(ctx context.Context, moduleID, tenantID string, op Operation) error {
	c, ok := s.GetContext(moduleID, tenantID)
	if !ok {
		return fmt.Errorf("%w: module %s tenant %s", ErrContextMissing, moduleID, tenantID)
	}
	if err := c.checkLimits(); err != nil {
		return err
	}

	// The operation observes its tenant identity on the context.
	execCtx, cancel := context.WithTimeout(tenant.ContextWithTenant(ctx, tenantID), s.timeout)
	defer cancel()

	done := make(chan error, 1)
	start := time.Now()
	submitErr := s.pool.Submit(func() {
		defer func() {
			if r := recover(); r != nil {
				done <- &ExecutionError{
					ModuleID: moduleID,
					TenantID: tenantID,
					Cause:    fmt.Errorf("panic: %v", r),
				}
			}
		}()
		done <- op(execCtx)
	})
	if submitErr != nil {
		return &ExecutionError{ModuleID: moduleID, TenantID: tenantID, Cause: submitErr}
	}

	select {
	case err := <-done:
		c.recordExecution(time.Since(start))
		if err == nil {
			return nil
		}
		var execErr *ExecutionError
		if errors.As(err, &execErr) {
			return err
		}
		return &ExecutionError{ModuleID: moduleID, TenantID: tenantID, Cause: err}
	case <-execCtx.Done():
		// The worker keeps running until op observes the canceled context;
		// its elapsed time is recorded when it finishes.
		go func() {
			<-done
			c.recordExecution(time.Since(start))
		}()
		return &ExecutionError{
			ModuleID: moduleID,
			TenantID: tenantID,
			Cause:    execCtx.Err(),
		}
	}
}

func contextKey(moduleID, tenantID string) string {
	return moduleID + "/" + tenantID
}
