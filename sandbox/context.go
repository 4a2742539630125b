package sandbox

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/GoCodeAlone/exthost/manifest"
	"github.com/GoCodeAlone/exthost/tenant"
)

// Usage is a point-in-time snapshot of a context's resource counters.
type Usage struct {
	MemoryBytes     int64
	CPUFraction     float64
	StorageBytes    int64
	NetworkRequests int
	DBConnections   int
	Executions      int64
	TotalDuration   time.Duration
}

// Context is the per-(module, tenant) isolation boundary. It holds the
// effective permission set, the manifest's network and filesystem
// allow-lists, and live resource counters. Counters are process-local and
// reset when the host restarts.
type Context struct {
	ModuleID string
	TenantID string
	Limits   manifest.ResourceLimits

	permissions  tenant.Grants
	allowedHosts []string
	allowedPaths []string

	mu            sync.Mutex
	memoryBytes   int64
	cpuFraction   float64
	storageBytes  int64
	dbConnections int
	networkTimes  []time.Time
	executions    int64
	totalDuration time.Duration
}

func newContext(md *manifest.ModuleMetadata, tenantID string, effective tenant.Grants) *Context {
	return &Context{
		ModuleID:     md.ID,
		TenantID:     tenantID,
		Limits:       md.ResourceLimits,
		permissions:  effective,
		allowedHosts: append([]string(nil), md.Network.AllowedHosts...),
		allowedPaths: append([]string(nil), md.Filesystem.AllowedPaths...),
	}
}

// HasPermission reports whether the effective permission set includes the
// named permission.
func (c *Context) HasPermission(permission string) bool {
	return c.permissions.Has(permission)
}

// Permissions returns the effective permission names, sorted.
func (c *Context) Permissions() []string {
	return c.permissions.List()
}

// HostAllowed reports whether the module may reach the given host. A host
// entry "*.example.com" matches any single-level subdomain.
func (c *Context) HostAllowed(host string) bool {
	for _, allowed := range c.allowedHosts {
		if allowed == host {
			return true
		}
		if suffix, ok := strings.CutPrefix(allowed, "*."); ok && strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}

// PathAllowed reports whether the cleaned path sits under one of the
// manifest's allowed path prefixes.
func (c *Context) PathAllowed(path string) bool {
	cleaned := filepath.Clean(path)
	for _, allowed := range c.allowedPaths {
		prefix := filepath.Clean(allowed)
		if cleaned == prefix || strings.HasPrefix(cleaned, prefix+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// Usage returns a snapshot of the current counters.
func (c *Context) Usage() Usage {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneNetworkLocked(time.Now())
	return Usage{
		MemoryBytes:     c.memoryBytes,
		CPUFraction:     c.cpuFraction,
		StorageBytes:    c.storageBytes,
		NetworkRequests: len(c.networkTimes),
		DBConnections:   c.dbConnections,
		Executions:      c.executions,
		TotalDuration:   c.totalDuration,
	}
}

// SetMemoryUsed records the module's current memory footprint.
func (c *Context) SetMemoryUsed(bytes int64) {
	c.mu.Lock()
	c.memoryBytes = bytes
	c.mu.Unlock()
}

// SetCPUFraction records the module's share of its CPU allotment.
func (c *Context) SetCPUFraction(fraction float64) {
	c.mu.Lock()
	c.cpuFraction = fraction
	c.mu.Unlock()
}

// AddStorageUsed adjusts the storage counter by delta bytes.
func (c *Context) AddStorageUsed(delta int64) {
	c.mu.Lock()
	c.storageBytes += delta
	if c.storageBytes < 0 {
		c.storageBytes = 0
	}
	c.mu.Unlock()
}

// AcquireDBConnection claims a database connection slot, failing when the
// limit is reached.
func (c *Context) AcquireDBConnection() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if limit := c.Limits.MaxDatabaseConnections; limit > 0 && c.dbConnections >= limit {
		return &ResourceLimitError{
			Dimension: DimDatabase,
			Used:      float64(c.dbConnections),
			Limit:     float64(limit),
		}
	}
	c.dbConnections++
	return nil
}

// ReleaseDBConnection returns a previously acquired connection slot.
func (c *Context) ReleaseDBConnection() {
	c.mu.Lock()
	if c.dbConnections > 0 {
		c.dbConnections--
	}
	c.mu.Unlock()
}

// RecordNetworkRequest counts one outbound request against the rolling
// one-minute window, failing when the window is already full. A rejected
// request does not advance the counter.
func (c *Context) RecordNetworkRequest() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	c.pruneNetworkLocked(now)

	limit := c.Limits.MaxNetworkRequestsPerMin
	if limit > 0 && len(c.networkTimes) >= limit {
		return &ResourceLimitError{
			Dimension: DimNetwork,
			Used:      float64(len(c.networkTimes)),
			Limit:     float64(limit),
		}
	}
	c.networkTimes = append(c.networkTimes, now)
	return nil
}

// pruneNetworkLocked drops request timestamps older than one minute.
// Caller holds c.mu.
func (c *Context) pruneNetworkLocked(now time.Time) {
	cutoff := now.Add(-time.Minute)
	i := 0
	for i < len(c.networkTimes) && c.networkTimes[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		c.networkTimes = append(c.networkTimes[:0], c.networkTimes[i:]...)
	}
}

// checkLimits verifies every dimension before an execution. Any dimension at
// or over its limit fails. A zero limit means unbounded.
func (c *Context) checkLimits() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	limits := c.Limits
	if limits.MaxMemoryBytes > 0 && c.memoryBytes >= limits.MaxMemoryBytes {
		return &ResourceLimitError{
			Dimension: DimMemory,
			Used:      float64(c.memoryBytes),
			Limit:     float64(limits.MaxMemoryBytes),
		}
	}
	if limits.MaxCPUFraction > 0 && c.cpuFraction >= limits.MaxCPUFraction {
		return &ResourceLimitError{
			Dimension: DimCPU,
			Used:      c.cpuFraction,
			Limit:     limits.MaxCPUFraction,
		}
	}
	if limits.MaxStorageBytes > 0 && c.storageBytes >= limits.MaxStorageBytes {
		return &ResourceLimitError{
			Dimension: DimStorage,
			Used:      float64(c.storageBytes),
			Limit:     float64(limits.MaxStorageBytes),
		}
	}
	c.pruneNetworkLocked(time.Now())
	if limits.MaxNetworkRequestsPerMin > 0 && len(c.networkTimes) >= limits.MaxNetworkRequestsPerMin {
		return &ResourceLimitError{
			Dimension: DimNetwork,
			Used:      float64(len(c.networkTimes)),
			Limit:     float64(limits.MaxNetworkRequestsPerMin),
		}
	}
	if limits.MaxDatabaseConnections > 0 && c.dbConnections >= limits.MaxDatabaseConnections {
		return &ResourceLimitError{
			Dimension: DimDatabase,
			Used:      float64(c.dbConnections),
			Limit:     float64(limits.MaxDatabaseConnections),
		}
	}
	return nil
}

// recordExecution folds one finished execution into the counters.
func (c *Context) recordExecution(elapsed time.Duration) {
	c.mu.Lock()
	c.executions++
	c.totalDuration += elapsed
	c.mu.Unlock()
}
