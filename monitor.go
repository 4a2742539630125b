package exthost

import (
	"context"
	"sync"
	"time"

	"github.com/GoCodeAlone/exthost/sandbox"
)

// ResourceMonitor periodically snapshots sandbox resource usage into the
// sandbox usage gauges. One watcher goroutine runs per active
// (module, tenant) pair; deactivation stops it.
type ResourceMonitor struct {
	sandbox  *sandbox.Service
	metrics  *Metrics
	interval time.Duration

	mu       sync.Mutex
	watchers map[string]context.CancelFunc
}

// NewResourceMonitor creates a monitor sampling at the given interval.
func NewResourceMonitor(sb *sandbox.Service, metrics *Metrics, interval time.Duration) *ResourceMonitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &ResourceMonitor{
		sandbox:  sb,
		metrics:  metrics,
		interval: interval,
		watchers: make(map[string]context.CancelFunc),
	}
}

// Start begins sampling a (module, tenant) pair. Starting an already
// watched pair restarts its watcher.
func (rm *ResourceMonitor) Start(moduleID, tenantID string) {
	key := moduleID + "/" + tenantID
	ctx, cancel := context.WithCancel(context.Background())

	rm.mu.Lock()
	if prior, ok := rm.watchers[key]; ok {
		prior()
	}
	rm.watchers[key] = cancel
	rm.mu.Unlock()

	go rm.watch(ctx, moduleID, tenantID)
}

// Stop ends sampling for a pair. Stopping an unwatched pair is a no-op.
func (rm *ResourceMonitor) Stop(moduleID, tenantID string) {
	key := moduleID + "/" + tenantID
	rm.mu.Lock()
	if cancel, ok := rm.watchers[key]; ok {
		cancel()
		delete(rm.watchers, key)
	}
	rm.mu.Unlock()
}

// StopAll ends every watcher. Called on host shutdown.
func (rm *ResourceMonitor) StopAll() {
	rm.mu.Lock()
	for key, cancel := range rm.watchers {
		cancel()
		delete(rm.watchers, key)
	}
	rm.mu.Unlock()
}

// Watching reports whether the pair has an active watcher.
func (rm *ResourceMonitor) Watching(moduleID, tenantID string) bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	_, ok := rm.watchers[moduleID+"/"+tenantID]
	return ok
}

func (rm *ResourceMonitor) watch(ctx context.Context, moduleID, tenantID string) {
	ticker := time.NewTicker(rm.interval)
	defer ticker.Stop()

	rm.sample(moduleID, tenantID)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rm.sample(moduleID, tenantID)
		}
	}
}

func (rm *ResourceMonitor) sample(moduleID, tenantID string) {
	if rm.metrics == nil {
		return
	}
	c, ok := rm.sandbox.GetContext(moduleID, tenantID)
	if !ok {
		return
	}
	usage := c.Usage()

	set := func(dimension sandbox.Dimension, value float64) {
		rm.metrics.SandboxUsage.WithLabelValues(moduleID, tenantID, string(dimension)).Set(value)
	}
	set(sandbox.DimMemory, float64(usage.MemoryBytes))
	set(sandbox.DimCPU, usage.CPUFraction)
	set(sandbox.DimStorage, float64(usage.StorageBytes))
	set(sandbox.DimNetwork, float64(usage.NetworkRequests))
	set(sandbox.DimDatabase, float64(usage.DBConnections))
}
