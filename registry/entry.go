// Package registry is the durable store and read-through cache for module
// metadata and per-tenant installation records. It exclusively owns
// persisted entries; other components only hold transient references.
package registry

import (
	"time"

	"github.com/GoCodeAlone/exthost/manifest"
)

// UsageStats tracks per-installation usage counters. Updates are best-effort
// and must never block a lifecycle operation's critical path.
type UsageStats struct {
	ActivationCount    int64              `json:"activationCount"`
	ErrorCount         int64              `json:"errorCount"`
	LastUsed           time.Time          `json:"lastUsed"`
	PerformanceMetrics map[string]float64 `json:"performanceMetrics,omitempty"`
}

// Entry is one module installation record, scoped to a (module, tenant)
// pair. The metadata snapshot is frozen at registration time; Status and
// UpdatedAt change on every lifecycle transition.
type Entry struct {
	ModuleID      string                   `json:"moduleId"`
	TenantID      string                   `json:"tenantId"`
	Metadata      *manifest.ModuleMetadata `json:"metadata"`
	Status        Status                   `json:"status"`
	InstalledAt   time.Time                `json:"installedAt"`
	UpdatedAt     time.Time                `json:"updatedAt"`
	Configuration map[string]any           `json:"configuration,omitempty"`
	Usage         UsageStats               `json:"usage"`
}
