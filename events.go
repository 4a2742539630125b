package exthost

import (
	"context"
	"time"

	"github.com/GoCodeAlone/modular"

	"github.com/GoCodeAlone/exthost/registry"
)

// Lifecycle event topics published on the host event bus.
const (
	TopicModuleInstalled   = "module.installed"
	TopicModuleActivated   = "module.activated"
	TopicModuleDeactivated = "module.deactivated"
	TopicModuleUninstalled = "module.uninstalled"
	TopicModuleError       = "module.error"
)

// LifecycleEvent is the payload carried by every lifecycle topic.
type LifecycleEvent struct {
	ModuleID  string    `json:"module_id"`
	TenantID  string    `json:"tenant_id"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// EventPublisher is the slice of the event bus the manager publishes on.
type EventPublisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// Events emits lifecycle transitions. A nil publisher turns emission into a
// no-op so minimal hosts and tests need no bus.
type Events struct {
	pub    EventPublisher
	logger modular.Logger
}

// NewEvents creates a lifecycle event emitter.
func NewEvents(pub EventPublisher, logger modular.Logger) *Events {
	if logger == nil {
		logger = &noopLogger{}
	}
	return &Events{pub: pub, logger: logger}
}

// Emit publishes a lifecycle event. Publish failures are logged, never
// propagated; events are observability, not control flow.
func (e *Events) Emit(ctx context.Context, topic, moduleID, tenantID string, status registry.Status) {
	if e.pub == nil {
		return
	}
	event := LifecycleEvent{
		ModuleID:  moduleID,
		TenantID:  tenantID,
		Status:    string(status),
		Timestamp: time.Now().UTC(),
	}
	if err := e.pub.Publish(ctx, topic, event); err != nil {
		e.logger.Warn("Lifecycle event publish failed",
			"topic", topic, "module", moduleID, "tenant", tenantID, "error", err)
	}
}
