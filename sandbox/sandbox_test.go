package sandbox

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/GoCodeAlone/exthost/manifest"
	"github.com/GoCodeAlone/exthost/tenant"
)

func newTestService(t *testing.T, opts ...ServiceOption) *Service {
	t.Helper()
	s, err := NewService(8, opts...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func clientMgmtMetadata(limits manifest.ResourceLimits) *manifest.ModuleMetadata {
	return &manifest.ModuleMetadata{
		ID:      "client-management",
		Name:    "Client Management",
		Version: "1.0.0",
		Permissions: manifest.Permissions{
			Required: []string{"client.read", "client.write"},
			Optional: []string{"client.export"},
		},
		ResourceLimits: limits,
		Network: manifest.Network{
			AllowedHosts: []string{"api.example.com", "*.internal.example.com"},
		},
		Filesystem: manifest.Filesystem{
			AllowedPaths: []string{"/var/lib/exthost/client-management"},
		},
	}
}

func TestCreateContextInsufficientPermissions(t *testing.T) {
	t.Parallel()
	s := newTestService(t)

	// Tenant grants only client.read; client.write is required.
	_, err := s.CreateContext(clientMgmtMetadata(manifest.ResourceLimits{}),
		"tenant-a", tenant.NewGrants("client.read"))
	if err == nil {
		t.Fatal("expected insufficient permissions error")
	}
	if !errors.Is(err, ErrInsufficientPermissions) {
		t.Fatalf("expected ErrInsufficientPermissions, got %v", err)
	}

	var ipe *InsufficientPermissionsError
	if !errors.As(err, &ipe) {
		t.Fatal("expected InsufficientPermissionsError")
	}
	if len(ipe.Missing) != 1 || ipe.Missing[0] != "client.write" {
		t.Errorf("expected missing [client.write], got %v", ipe.Missing)
	}

	// Hard failure: no context left behind.
	if _, ok := s.GetContext("client-management", "tenant-a"); ok {
		t.Error("no context should exist after a permission failure")
	}
}

func TestCreateContextEffectivePermissions(t *testing.T) {
	t.Parallel()
	s := newTestService(t)

	c, err := s.CreateContext(clientMgmtMetadata(manifest.ResourceLimits{}),
		"tenant-a", tenant.NewGrants("client.read", "client.write", "client.export", "billing.read"))
	if err != nil {
		t.Fatalf("CreateContext: %v", err)
	}

	for _, perm := range []string{"client.read", "client.write", "client.export"} {
		if !c.HasPermission(perm) {
			t.Errorf("expected effective permission %s", perm)
		}
	}
	// Granted but never declared by the module: not part of the intersection.
	if c.HasPermission("billing.read") {
		t.Error("billing.read must not leak into the effective set")
	}
}

func TestCreateContextReplacesPrior(t *testing.T) {
	t.Parallel()
	s := newTestService(t)
	grants := tenant.NewGrants("client.read", "client.write")

	c1, err := s.CreateContext(clientMgmtMetadata(manifest.ResourceLimits{}), "tenant-a", grants)
	if err != nil {
		t.Fatalf("CreateContext: %v", err)
	}
	c1.AddStorageUsed(1024)

	c2, err := s.CreateContext(clientMgmtMetadata(manifest.ResourceLimits{}), "tenant-a", grants)
	if err != nil {
		t.Fatalf("CreateContext (replace): %v", err)
	}
	if c2.Usage().StorageBytes != 0 {
		t.Error("replacement context must start with zeroed counters")
	}

	got, ok := s.GetContext("client-management", "tenant-a")
	if !ok || got != c2 {
		t.Error("expected the replacement context to be stored")
	}
}

func TestExecuteWithoutContext(t *testing.T) {
	t.Parallel()
	s := newTestService(t)

	err := s.Execute(context.Background(), "ghost", "tenant-a", func(context.Context) error {
		return nil
	})
	if !errors.Is(err, ErrContextMissing) {
		t.Errorf("expected ErrContextMissing, got %v", err)
	}
}

func TestExecuteRunsOperation(t *testing.T) {
	t.Parallel()
	s := newTestService(t)
	grants := tenant.NewGrants("client.read", "client.write")

	c, err := s.CreateContext(clientMgmtMetadata(manifest.ResourceLimits{}), "tenant-a", grants)
	if err != nil {
		t.Fatalf("CreateContext: %v", err)
	}

	ran := false
	if err := s.Execute(context.Background(), "client-management", "tenant-a",
		func(context.Context) error {
			ran = true
			return nil
		}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !ran {
		t.Fatal("operation did not run")
	}
	if c.Usage().Executions != 1 {
		t.Errorf("expected 1 recorded execution, got %d", c.Usage().Executions)
	}
}

func TestExecuteRecoversPanic(t *testing.T) {
	t.Parallel()
	s := newTestService(t)
	grants := tenant.NewGrants("client.read", "client.write")

	c, err := s.CreateContext(clientMgmtMetadata(manifest.ResourceLimits{}), "tenant-a", grants)
	if err != nil {
		t.Fatalf("CreateContext: %v", err)
	}

	err = s.Execute(context.Background(), "client-management", "tenant-a",
		func(context.Context) error {
			panic("module bug")
		})
	if !errors.Is(err, ErrExecution) {
		t.Fatalf("expected ErrExecution, got %v", err)
	}

	// Counters still consistent after the panic.
	if c.Usage().Executions != 1 {
		t.Errorf("expected 1 recorded execution, got %d", c.Usage().Executions)
	}
}

func TestExecuteWrapsOperationError(t *testing.T) {
	t.Parallel()
	s := newTestService(t)
	grants := tenant.NewGrants("client.read", "client.write")

	if _, err := s.CreateContext(clientMgmtMetadata(manifest.ResourceLimits{}), "tenant-a", grants); err != nil {
		t.Fatalf("CreateContext: %v", err)
	}

	cause := fmt.Errorf("downstream unavailable")
	err := s.Execute(context.Background(), "client-management", "tenant-a",
		func(context.Context) error { return cause })
	if !errors.Is(err, ErrExecution) {
		t.Fatalf("expected ErrExecution, got %v", err)
	}

	var execErr *ExecutionError
	if !errors.As(err, &execErr) || !errors.Is(execErr.Cause, cause) {
		t.Errorf("expected wrapped cause, got %v", err)
	}
}

func TestExecuteTimeout(t *testing.T) {
	t.Parallel()
	s := newTestService(t, WithExecutionTimeout(50*time.Millisecond))
	grants := tenant.NewGrants("client.read", "client.write")

	if _, err := s.CreateContext(clientMgmtMetadata(manifest.ResourceLimits{}), "tenant-a", grants); err != nil {
		t.Fatalf("CreateContext: %v", err)
	}

	err := s.Execute(context.Background(), "client-management", "tenant-a",
		func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		})
	if !errors.Is(err, ErrExecution) {
		t.Fatalf("expected ErrExecution on timeout, got %v", err)
	}
}

func TestNetworkWindowEnforcement(t *testing.T) {
	t.Parallel()
	s := newTestService(t)
	grants := tenant.NewGrants("client.read", "client.write")

	limits := manifest.ResourceLimits{MaxNetworkRequestsPerMin: 10}
	c, err := s.CreateContext(clientMgmtMetadata(limits), "tenant-a", grants)
	if err != nil {
		t.Fatalf("CreateContext: %v", err)
	}

	for i := 0; i < 10; i++ {
		if err := s.Execute(context.Background(), "client-management", "tenant-a",
			func(context.Context) error {
				return c.RecordNetworkRequest()
			}); err != nil {
			t.Fatalf("call %d: %v", i+1, err)
		}
	}

	// The 11th call is rejected before the operation runs.
	err = s.Execute(context.Background(), "client-management", "tenant-a",
		func(context.Context) error {
			t.Error("operation must not run past the limit")
			return nil
		})
	if !errors.Is(err, ErrResourceLimit) {
		t.Fatalf("expected ErrResourceLimit, got %v", err)
	}
	var rle *ResourceLimitError
	if !errors.As(err, &rle) || rle.Dimension != DimNetwork {
		t.Errorf("expected network dimension, got %v", err)
	}

	// The rejected attempt left the window untouched.
	if got := c.Usage().NetworkRequests; got != 10 {
		t.Errorf("expected window count 10 after rejection, got %d", got)
	}
}

func TestMemoryLimitRejectsBeforeRun(t *testing.T) {
	t.Parallel()
	s := newTestService(t)
	grants := tenant.NewGrants("client.read", "client.write")

	limits := manifest.ResourceLimits{MaxMemoryBytes: 1 << 20}
	c, err := s.CreateContext(clientMgmtMetadata(limits), "tenant-a", grants)
	if err != nil {
		t.Fatalf("CreateContext: %v", err)
	}
	c.SetMemoryUsed(2 << 20)

	before := c.Usage()
	err = s.Execute(context.Background(), "client-management", "tenant-a",
		func(context.Context) error {
			t.Error("operation must not run over the memory limit")
			return nil
		})

	var rle *ResourceLimitError
	if !errors.As(err, &rle) || rle.Dimension != DimMemory {
		t.Fatalf("expected memory limit error, got %v", err)
	}
	if after := c.Usage(); after.Executions != before.Executions {
		t.Error("rejected attempt must not advance counters")
	}
}

func TestDBConnectionAccounting(t *testing.T) {
	t.Parallel()
	s := newTestService(t)
	grants := tenant.NewGrants("client.read", "client.write")

	limits := manifest.ResourceLimits{MaxDatabaseConnections: 2}
	c, err := s.CreateContext(clientMgmtMetadata(limits), "tenant-a", grants)
	if err != nil {
		t.Fatalf("CreateContext: %v", err)
	}

	if err := c.AcquireDBConnection(); err != nil {
		t.Fatalf("acquire 1: %v", err)
	}
	if err := c.AcquireDBConnection(); err != nil {
		t.Fatalf("acquire 2: %v", err)
	}
	if err := c.AcquireDBConnection(); !errors.Is(err, ErrResourceLimit) {
		t.Fatalf("expected ErrResourceLimit on third acquire, got %v", err)
	}

	c.ReleaseDBConnection()
	if err := c.AcquireDBConnection(); err != nil {
		t.Errorf("acquire after release: %v", err)
	}
}

func TestHostAllowList(t *testing.T) {
	t.Parallel()
	s := newTestService(t)
	grants := tenant.NewGrants("client.read", "client.write")

	c, err := s.CreateContext(clientMgmtMetadata(manifest.ResourceLimits{}), "tenant-a", grants)
	if err != nil {
		t.Fatalf("CreateContext: %v", err)
	}

	tests := []struct {
		host string
		ok   bool
	}{
		{"api.example.com", true},
		{"svc.internal.example.com", true},
		{"evil.com", false},
		{"internal.example.com", false},
	}
	for _, tc := range tests {
		if got := c.HostAllowed(tc.host); got != tc.ok {
			t.Errorf("HostAllowed(%s) = %v, want %v", tc.host, got, tc.ok)
		}
	}
}

func TestPathAllowList(t *testing.T) {
	t.Parallel()
	s := newTestService(t)
	grants := tenant.NewGrants("client.read", "client.write")

	c, err := s.CreateContext(clientMgmtMetadata(manifest.ResourceLimits{}), "tenant-a", grants)
	if err != nil {
		t.Fatalf("CreateContext: %v", err)
	}

	tests := []struct {
		path string
		ok   bool
	}{
		{"/var/lib/exthost/client-management/data.db", true},
		{"/var/lib/exthost/client-management", true},
		{"/var/lib/exthost/client-management/../other/secret", false},
		{"/etc/passwd", false},
	}
	for _, tc := range tests {
		if got := c.PathAllowed(tc.path); got != tc.ok {
			t.Errorf("PathAllowed(%s) = %v, want %v", tc.path, got, tc.ok)
		}
	}
}

func TestSandboxIsolationBetweenTenants(t *testing.T) {
	t.Parallel()
	s := newTestService(t)
	grants := tenant.NewGrants("client.read", "client.write")

	limits := manifest.ResourceLimits{MaxNetworkRequestsPerMin: 1}
	ca, err := s.CreateContext(clientMgmtMetadata(limits), "tenant-a", grants)
	if err != nil {
		t.Fatalf("CreateContext tenant-a: %v", err)
	}
	cb, err := s.CreateContext(clientMgmtMetadata(limits), "tenant-b", grants)
	if err != nil {
		t.Fatalf("CreateContext tenant-b: %v", err)
	}

	if err := ca.RecordNetworkRequest(); err != nil {
		t.Fatalf("tenant-a request: %v", err)
	}
	// Tenant A exhausted its window; tenant B is unaffected.
	if err := cb.RecordNetworkRequest(); err != nil {
		t.Errorf("tenant-b must have its own window: %v", err)
	}
}
