// Package bridge binds module-declared workflows, activities, HTTP routes,
// UI components, and event handlers into the host's dispatch tables.
// Workflow and activity types are scoped by task queue, one queue per module
// by convention, so a misbehaving module's backlog stays isolated. Every
// Unregister operation is idempotent so compensation can unwind a partially
// completed registration safely.
package bridge

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/GoCodeAlone/modular/modules/eventbus/v2"

	"github.com/GoCodeAlone/exthost/engine"
)

// ActivityFunc is a single retryable unit of work registered by a module.
type ActivityFunc func(ctx context.Context, input any) (any, error)

// Route describes one HTTP route a module has registered.
type Route struct {
	ModuleID string
	Path     string
	Method   string
}

// UIComponent is a frontend component descriptor exposed to the host shell.
type UIComponent struct {
	ModuleID string
	Name     string
	Ref      string
}

// EventBus is the subset of the eventbus module the bridge needs for
// handler registration.
type EventBus interface {
	Subscribe(ctx context.Context, topic string, handler eventbus.EventHandler) (eventbus.Subscription, error)
	Unsubscribe(ctx context.Context, subscription eventbus.Subscription) error
}

// Bridge is the host-side registration surface handed to lifecycle
// operations. It implements engine.WorkflowResolver.
type Bridge struct {
	bus EventBus

	mu         sync.RWMutex
	workflows  map[string]map[string]engine.WorkflowFunc
	activities map[string]map[string]ActivityFunc
	muxes      map[string]*http.ServeMux
	routes     map[string][]Route
	components map[string][]UIComponent
	subs       map[string]map[string]eventbus.Subscription
}

// New creates an empty Bridge. The event bus may be nil when event handler
// registration is not needed (tests, minimal hosts).
func New(bus EventBus) *Bridge {
	return &Bridge{
		bus:        bus,
		workflows:  make(map[string]map[string]engine.WorkflowFunc),
		activities: make(map[string]map[string]ActivityFunc),
		muxes:      make(map[string]*http.ServeMux),
		routes:     make(map[string][]Route),
		components: make(map[string][]UIComponent),
		subs:       make(map[string]map[string]eventbus.Subscription),
	}
}

// RegisterWorkflow binds a workflow type on a task queue. Re-registering an
// existing (queue, type) pair replaces the handler.
func (b *Bridge) RegisterWorkflow(taskQueue, typeName string, fn engine.WorkflowFunc) error {
	if taskQueue == "" || typeName == "" {
		return fmt.Errorf("bridge: task queue and type name are required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.workflows[taskQueue] == nil {
		b.workflows[taskQueue] = make(map[string]engine.WorkflowFunc)
	}
	b.workflows[taskQueue][typeName] = fn
	return nil
}

// UnregisterWorkflow removes a workflow type binding. Removing an absent
// binding is a no-op.
func (b *Bridge) UnregisterWorkflow(taskQueue, typeName string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if types := b.workflows[taskQueue]; types != nil {
		delete(types, typeName)
		if len(types) == 0 {
			delete(b.workflows, taskQueue)
		}
	}
}

// ResolveWorkflow implements engine.WorkflowResolver.
func (b *Bridge) ResolveWorkflow(taskQueue, typeName string) (engine.WorkflowFunc, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	fn, ok := b.workflows[taskQueue][typeName]
	return fn, ok
}

// RegisterActivity binds an activity type on a task queue.
func (b *Bridge) RegisterActivity(taskQueue, typeName string, fn ActivityFunc) error {
	if taskQueue == "" || typeName == "" {
		return fmt.Errorf("bridge: task queue and type name are required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.activities[taskQueue] == nil {
		b.activities[taskQueue] = make(map[string]ActivityFunc)
	}
	b.activities[taskQueue][typeName] = fn
	return nil
}

// UnregisterActivity removes an activity binding, tolerating absence.
func (b *Bridge) UnregisterActivity(taskQueue, typeName string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if types := b.activities[taskQueue]; types != nil {
		delete(types, typeName)
		if len(types) == 0 {
			delete(b.activities, taskQueue)
		}
	}
}

// ResolveActivity returns the activity bound to (queue, type).
func (b *Bridge) ResolveActivity(taskQueue, typeName string) (ActivityFunc, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	fn, ok := b.activities[taskQueue][typeName]
	return fn, ok
}

// RegisterRoute mounts handler at path on the module's mux. Each module gets
// its own mux so its routes detach as a unit on unregister.
func (b *Bridge) RegisterRoute(moduleID, method, path string, handler http.Handler) error {
	if moduleID == "" || path == "" {
		return fmt.Errorf("bridge: module ID and path are required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	mux, ok := b.muxes[moduleID]
	if !ok {
		mux = http.NewServeMux()
		b.muxes[moduleID] = mux
	}
	pattern := path
	if method != "" {
		pattern = method + " " + path
	}
	mux.Handle(pattern, handler)
	b.routes[moduleID] = append(b.routes[moduleID], Route{
		ModuleID: moduleID,
		Path:     path,
		Method:   method,
	})
	return nil
}

// UnregisterRoutes drops the module's mux and every route on it.
func (b *Bridge) UnregisterRoutes(moduleID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.muxes, moduleID)
	delete(b.routes, moduleID)
}

// ModuleMux returns the module's mux for mounting under the host router.
func (b *Bridge) ModuleMux(moduleID string) (*http.ServeMux, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	mux, ok := b.muxes[moduleID]
	return mux, ok
}

// Routes lists the module's registered routes.
func (b *Bridge) Routes(moduleID string) []Route {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Route(nil), b.routes[moduleID]...)
}

// RegisterUIComponent records a frontend component descriptor.
func (b *Bridge) RegisterUIComponent(moduleID, name, ref string) error {
	if moduleID == "" || name == "" {
		return fmt.Errorf("bridge: module ID and component name are required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.components[moduleID] = append(b.components[moduleID], UIComponent{
		ModuleID: moduleID,
		Name:     name,
		Ref:      ref,
	})
	return nil
}

// UnregisterUIComponents drops all of the module's component descriptors.
func (b *Bridge) UnregisterUIComponents(moduleID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.components, moduleID)
}

// UIComponents lists the module's registered components.
func (b *Bridge) UIComponents(moduleID string) []UIComponent {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]UIComponent(nil), b.components[moduleID]...)
}

// RegisterEventHandler subscribes the module's handler to a topic on the
// host event bus.
func (b *Bridge) RegisterEventHandler(ctx context.Context, moduleID, topic string, handler eventbus.EventHandler) error {
	if b.bus == nil {
		return fmt.Errorf("bridge: no event bus configured")
	}
	sub, err := b.bus.Subscribe(ctx, topic, handler)
	if err != nil {
		return fmt.Errorf("bridge: subscribe %s for %s: %w", topic, moduleID, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[moduleID] == nil {
		b.subs[moduleID] = make(map[string]eventbus.Subscription)
	}
	// Replacing an existing topic subscription drops the old one.
	if prior, ok := b.subs[moduleID][topic]; ok {
		_ = b.bus.Unsubscribe(ctx, prior)
	}
	b.subs[moduleID][topic] = sub
	return nil
}

// UnregisterEventHandlers removes every event subscription the module
// holds. Safe to call when nothing was registered.
func (b *Bridge) UnregisterEventHandlers(ctx context.Context, moduleID string) {
	b.mu.Lock()
	subs := b.subs[moduleID]
	delete(b.subs, moduleID)
	b.mu.Unlock()

	for _, sub := range subs {
		_ = b.bus.Unsubscribe(ctx, sub)
	}
}

// UnregisterModule unwinds every registration the module holds, in reverse
// of the activation order: event handlers, UI components, routes, then
// activities and workflows on its task queue.
func (b *Bridge) UnregisterModule(ctx context.Context, moduleID, taskQueue string) {
	if b.bus != nil {
		b.UnregisterEventHandlers(ctx, moduleID)
	}
	b.UnregisterUIComponents(moduleID)
	b.UnregisterRoutes(moduleID)

	b.mu.Lock()
	delete(b.activities, taskQueue)
	delete(b.workflows, taskQueue)
	b.mu.Unlock()
}
