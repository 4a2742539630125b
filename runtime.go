// Package exthost orchestrates the lifecycle of installable modules:
// loading manifests, activating and deactivating modules per tenant,
// installing from the marketplace, and uninstalling. Lifecycle operations
// run as workflows on the engine boundary so they survive host restarts and
// are deduplicated per (module, tenant) pair.
package exthost

import (
	"context"
	"net/http"

	"github.com/GoCodeAlone/modular/modules/eventbus/v2"

	"github.com/GoCodeAlone/exthost/bridge"
	"github.com/GoCodeAlone/exthost/engine"
)

// RouteDef binds one HTTP handler a module serves.
type RouteDef struct {
	Method  string
	Path    string
	Handler http.Handler
}

// Runtime is the implementation contract a module's code fulfills. The
// manager resolves a Runtime by module ID and drives it through activation,
// deactivation, and uninstall; its hooks always run inside the sandbox.
type Runtime interface {
	// Activate is the module's own activation hook.
	Activate(ctx context.Context) error

	// Deactivate is the inverse hook, called before registrations unwind.
	Deactivate(ctx context.Context) error

	// Uninstall runs during uninstall, before the module's database
	// objects are dropped.
	Uninstall(ctx context.Context) error

	// Workflow returns the handler for a workflow type the manifest
	// declares.
	Workflow(typeName string) (engine.WorkflowFunc, bool)

	// Activity returns the handler for a declared activity type.
	Activity(typeName string) (bridge.ActivityFunc, bool)

	// Routes lists the handlers for the manifest's declared routes.
	Routes() []RouteDef

	// EventHandlers maps topics to the module's event handlers.
	EventHandlers() map[string]eventbus.EventHandler
}

type noopLogger struct{}

func (*noopLogger) Info(string, ...any)  {}
func (*noopLogger) Error(string, ...any) {}
func (*noopLogger) Warn(string, ...any)  {}
func (*noopLogger) Debug(string, ...any) {}
