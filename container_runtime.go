package exthost

import (
	"context"

	"github.com/GoCodeAlone/modular/modules/eventbus/v2"

	"github.com/GoCodeAlone/exthost/bridge"
	"github.com/GoCodeAlone/exthost/engine"
	"github.com/GoCodeAlone/exthost/sandbox"
	"github.com/GoCodeAlone/exthost/tenant"
)

// HookRunner executes one lifecycle hook out of process.
// *sandbox.ContainerRunner is the container-backed implementation.
type HookRunner interface {
	RunHook(ctx context.Context, moduleID, tenantID, hook string) (*sandbox.HookResult, error)
}

// ContainerRuntime adapts a module shipped as a container image to the
// Runtime contract. Its hooks run in throwaway containers; such modules
// contribute no in-process workflows, activities, routes, or event
// handlers. The tenant is recovered from the hook context, which the
// sandbox stamps with the executing tenant's identity.
type ContainerRuntime struct {
	moduleID string
	runner   HookRunner
}

// NewContainerRuntime wraps a hook runner for one module.
func NewContainerRuntime(moduleID string, runner HookRunner) *ContainerRuntime {
	return &ContainerRuntime{moduleID: moduleID, runner: runner}
}

func (c *ContainerRuntime) Activate(ctx context.Context) error   { return c.hook(ctx, "activate") }
func (c *ContainerRuntime) Deactivate(ctx context.Context) error { return c.hook(ctx, "deactivate") }
func (c *ContainerRuntime) Uninstall(ctx context.Context) error  { return c.hook(ctx, "uninstall") }

func (c *ContainerRuntime) hook(ctx context.Context, name string) error {
	_, err := c.runner.RunHook(ctx, c.moduleID, tenant.FromContext(ctx), name)
	return err
}

func (c *ContainerRuntime) Workflow(string) (engine.WorkflowFunc, bool) { return nil, false }

func (c *ContainerRuntime) Activity(string) (bridge.ActivityFunc, bool) { return nil, false }

func (c *ContainerRuntime) Routes() []RouteDef { return nil }

func (c *ContainerRuntime) EventHandlers() map[string]eventbus.EventHandler { return nil }
