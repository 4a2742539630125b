package exthost

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/GoCodeAlone/modular"

	"github.com/GoCodeAlone/exthost/bridge"
	"github.com/GoCodeAlone/exthost/engine"
	"github.com/GoCodeAlone/exthost/manifest"
	"github.com/GoCodeAlone/exthost/marketplace"
	"github.com/GoCodeAlone/exthost/registry"
	"github.com/GoCodeAlone/exthost/sandbox"
	"github.com/GoCodeAlone/exthost/tenant"
)

// TaskQueueLifecycle is the task queue the manager's own lifecycle
// workflows run on, separate from every module's queue.
const TaskQueueLifecycle = "exthost.lifecycle"

// Lifecycle workflow type names.
const (
	WorkflowTypeActivate   = "lifecycle.activate"
	WorkflowTypeDeactivate = "lifecycle.deactivate"
	WorkflowTypeReload     = "lifecycle.reload"
	WorkflowTypeUninstall  = "lifecycle.uninstall"
	WorkflowTypeInstall    = "lifecycle.install"
)

// ManagerConfig carries the manager's static settings.
type ManagerConfig struct {
	// HostVersion and RuntimeVersion are checked against every manifest's
	// compatibility ranges.
	HostVersion    string
	RuntimeVersion string

	// ModulesDir is where extracted module bundles live, one directory per
	// module ID.
	ModulesDir string

	// StepTimeout bounds each activation step attempt.
	StepTimeout time.Duration

	// Retry governs per-step retries for recoverable failures.
	Retry engine.RetryPolicy
}

// ManagerDeps are the collaborators a Manager orchestrates.
type ManagerDeps struct {
	Registry    *registry.Registry
	Migrator    registry.Migrator
	Sandbox     *sandbox.Service
	Bridge      *bridge.Bridge
	Engine      engine.Engine
	Grants      *tenant.GrantStore
	Marketplace marketplace.Client
	Events      *Events
	Metrics     *Metrics
	Monitor     *ResourceMonitor
	Logger      modular.Logger
}

// Manager drives module lifecycle operations. Every operation runs as a
// workflow whose ID derives from (module, tenant), so the engine's
// deduplication guarantees at most one in-flight operation per pair; a
// concurrent second call surfaces as ErrOperationInProgress.
type Manager struct {
	cfg ManagerConfig

	registry *registry.Registry
	migrator registry.Migrator
	sandbox  *sandbox.Service
	bridge   *bridge.Bridge
	engine   engine.Engine
	grants   *tenant.GrantStore
	market   marketplace.Client
	events   *Events
	metrics  *Metrics
	monitor  *ResourceMonitor
	logger   modular.Logger

	mu       sync.RWMutex
	runtimes map[string]Runtime
}

// NewManager wires a Manager and registers its lifecycle workflow types on
// the bridge so the engine can dispatch them.
func NewManager(cfg ManagerConfig, deps ManagerDeps) (*Manager, error) {
	if deps.Registry == nil || deps.Sandbox == nil || deps.Bridge == nil || deps.Engine == nil {
		return nil, fmt.Errorf("exthost: registry, sandbox, bridge, and engine are required")
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 30 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = engine.DefaultRetryPolicy()
	}
	if deps.Logger == nil {
		deps.Logger = &noopLogger{}
	}
	if deps.Events == nil {
		deps.Events = NewEvents(nil, deps.Logger)
	}
	if deps.Grants == nil {
		deps.Grants = tenant.NewGrantStore()
	}

	m := &Manager{
		cfg:      cfg,
		registry: deps.Registry,
		migrator: deps.Migrator,
		sandbox:  deps.Sandbox,
		bridge:   deps.Bridge,
		engine:   deps.Engine,
		grants:   deps.Grants,
		market:   deps.Marketplace,
		events:   deps.Events,
		metrics:  deps.Metrics,
		monitor:  deps.Monitor,
		logger:   deps.Logger,
		runtimes: make(map[string]Runtime),
	}

	for typeName, fn := range map[string]engine.WorkflowFunc{
		WorkflowTypeActivate:   m.activateWorkflow,
		WorkflowTypeDeactivate: m.deactivateWorkflow,
		WorkflowTypeReload:     m.reloadWorkflow,
		WorkflowTypeUninstall:  m.uninstallWorkflow,
		WorkflowTypeInstall:    m.installWorkflow,
	} {
		if err := m.bridge.RegisterWorkflow(TaskQueueLifecycle, typeName, fn); err != nil {
			return nil, fmt.Errorf("exthost: register lifecycle workflow %s: %w", typeName, err)
		}
	}
	return m, nil
}

// Close stops resource monitoring. The manager's collaborators are owned by
// the caller and closed separately.
func (m *Manager) Close() {
	if m.monitor != nil {
		m.monitor.StopAll()
	}
}

// RegisterRuntime binds a module implementation to a module ID. Activation
// fails for modules with no registered runtime.
func (m *Manager) RegisterRuntime(moduleID string, rt Runtime) {
	m.mu.Lock()
	m.runtimes[moduleID] = rt
	m.mu.Unlock()
}

// UnregisterRuntime removes a module implementation binding.
func (m *Manager) UnregisterRuntime(moduleID string) {
	m.mu.Lock()
	delete(m.runtimes, moduleID)
	m.mu.Unlock()
}

func (m *Manager) runtime(moduleID string) (Runtime, error) {
	m.mu.RLock()
	rt, ok := m.runtimes[moduleID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrImplementationMissing, moduleID)
	}
	return rt, nil
}

// LoadModule parses and validates a manifest, then registers the module for
// the tenant with status Available. Legal when no entry exists yet or the
// module is Inactive; any other state is an illegal transition with no side
// effects.
func (m *Manager) LoadModule(ctx context.Context, raw []byte, tenantID string) (*manifest.ModuleMetadata, error) {
	start := time.Now()
	md, err := m.loadModule(ctx, raw, tenantID)
	m.metrics.ObserveOperation("load", err, time.Since(start))
	return md, err
}

func (m *Manager) loadModule(ctx context.Context, raw []byte, tenantID string) (*manifest.ModuleMetadata, error) {
	md, err := manifest.Parse(raw)
	if err != nil {
		return nil, err
	}
	if err := manifest.ValidateCompatibility(md, m.cfg.HostVersion, m.cfg.RuntimeVersion); err != nil {
		return nil, err
	}

	entry, err := m.registry.Get(ctx, md.ID, tenantID)
	if err != nil {
		return nil, err
	}
	if entry != nil && entry.Status != registry.StatusInactive {
		return nil, &registry.IllegalTransitionError{From: entry.Status, To: registry.StatusAvailable}
	}

	if err := m.registry.Register(ctx, md, tenantID); err != nil {
		return nil, err
	}
	// Re-registration preserves the stored status, so an Inactive module
	// moves to Available explicitly.
	if entry != nil && entry.Status == registry.StatusInactive {
		if err := m.registry.SetStatus(ctx, md.ID, tenantID, registry.StatusAvailable); err != nil {
			return nil, err
		}
	}

	m.logger.Info("Module loaded", "module", md.ID, "tenant", tenantID, "version", md.Version)
	m.events.Emit(ctx, TopicModuleInstalled, md.ID, tenantID, registry.StatusAvailable)
	return md, nil
}

// ActivateModule transitions a module to Active for a tenant, running the
// activation sequence as a durable workflow.
func (m *Manager) ActivateModule(ctx context.Context, moduleID, tenantID string) error {
	return m.runLifecycle(ctx, "activate", WorkflowTypeActivate, moduleID, tenantID,
		lifecycleInput{ModuleID: moduleID, TenantID: tenantID})
}

// DeactivateModule transitions an Active module to Inactive, unwinding its
// registrations in reverse activation order.
func (m *Manager) DeactivateModule(ctx context.Context, moduleID, tenantID string) error {
	return m.runLifecycle(ctx, "deactivate", WorkflowTypeDeactivate, moduleID, tenantID,
		lifecycleInput{ModuleID: moduleID, TenantID: tenantID})
}

// ReloadModule replaces an Active module's running implementation by
// deactivating and reactivating it under a single workflow.
func (m *Manager) ReloadModule(ctx context.Context, moduleID, tenantID string) error {
	return m.runLifecycle(ctx, "reload", WorkflowTypeReload, moduleID, tenantID,
		lifecycleInput{ModuleID: moduleID, TenantID: tenantID})
}

// UninstallModule removes a deactivated (Inactive or Error) module: it runs
// the uninstall hook, drops the module's database objects, removes its
// bundle, and retires the registry entry.
func (m *Manager) UninstallModule(ctx context.Context, moduleID, tenantID string) error {
	return m.runLifecycle(ctx, "uninstall", WorkflowTypeUninstall, moduleID, tenantID,
		lifecycleInput{ModuleID: moduleID, TenantID: tenantID})
}

// InstallFromMarketplace fetches a module from the marketplace, registers
// it, and activates it, all under one workflow.
func (m *Manager) InstallFromMarketplace(ctx context.Context, moduleID, version, tenantID string) error {
	return m.runLifecycle(ctx, "install", WorkflowTypeInstall, moduleID, tenantID,
		installInput{ModuleID: moduleID, Version: version, TenantID: tenantID})
}

// GetModule returns the tenant's registry entry, or (nil, nil) when none
// exists.
func (m *Manager) GetModule(ctx context.Context, moduleID, tenantID string) (*registry.Entry, error) {
	return m.registry.Get(ctx, moduleID, tenantID)
}

// ListModules returns the tenant's modules, newest installation first.
func (m *Manager) ListModules(ctx context.Context, tenantID string) ([]*registry.Entry, error) {
	return m.registry.ListByTenant(ctx, tenantID)
}

// PurgeModule permanently deletes an Uninstalled module's registry entry.
// Retention enforcement calls this; normal uninstall soft-deletes.
func (m *Manager) PurgeModule(ctx context.Context, moduleID, tenantID string) error {
	entry, err := m.registry.Get(ctx, moduleID, tenantID)
	if err != nil {
		return err
	}
	if entry == nil {
		return fmt.Errorf("%w: %s for tenant %s", ErrModuleNotFound, moduleID, tenantID)
	}
	if entry.Status != registry.StatusUninstalled {
		return fmt.Errorf("purge requires status %s, module %s is %s",
			registry.StatusUninstalled, moduleID, entry.Status)
	}
	return m.registry.Delete(ctx, moduleID, tenantID)
}

type lifecycleInput struct {
	ModuleID string
	TenantID string
}

type installInput struct {
	ModuleID string
	Version  string
	TenantID string
}

func lifecycleWorkflowID(moduleID, tenantID string) string {
	return "lifecycle:" + moduleID + ":" + tenantID
}

// runLifecycle submits the operation to the engine and waits for its
// outcome. The deterministic workflow ID makes a concurrent second
// operation for the same pair fail with ErrOperationInProgress instead of
// queueing.
func (m *Manager) runLifecycle(ctx context.Context, op, typeName, moduleID, tenantID string, input any) error {
	start := time.Now()
	err := m.startAndAwait(ctx, typeName, moduleID, tenantID, input)
	m.metrics.ObserveOperation(op, err, time.Since(start))
	return err
}

func (m *Manager) startAndAwait(ctx context.Context, typeName, moduleID, tenantID string, input any) error {
	wfID := lifecycleWorkflowID(moduleID, tenantID)
	_, err := m.engine.StartWorkflow(ctx, wfID, typeName, TaskQueueLifecycle, input)
	if errors.Is(err, engine.ErrWorkflowAlreadyRunning) {
		return &OperationInProgressError{ModuleID: moduleID, TenantID: tenantID}
	}
	if err != nil {
		return err
	}

	// A durable engine may complete the operation after this process is
	// gone; when the engine supports waiting in-process, surface the
	// workflow's outcome synchronously.
	if aw, ok := m.engine.(interface {
		Await(ctx context.Context, workflowID string) (any, error)
	}); ok {
		_, err := aw.Await(ctx, wfID)
		return err
	}
	return nil
}

func (m *Manager) activateWorkflow(ctx context.Context, _ *engine.RunContext, input any) (any, error) {
	in, ok := input.(lifecycleInput)
	if !ok {
		return nil, fmt.Errorf("exthost: unexpected activate input %T", input)
	}
	return nil, m.runActivate(ctx, in.ModuleID, in.TenantID)
}

func (m *Manager) deactivateWorkflow(ctx context.Context, _ *engine.RunContext, input any) (any, error) {
	in, ok := input.(lifecycleInput)
	if !ok {
		return nil, fmt.Errorf("exthost: unexpected deactivate input %T", input)
	}
	return nil, m.runDeactivate(ctx, in.ModuleID, in.TenantID)
}

func (m *Manager) reloadWorkflow(ctx context.Context, _ *engine.RunContext, input any) (any, error) {
	in, ok := input.(lifecycleInput)
	if !ok {
		return nil, fmt.Errorf("exthost: unexpected reload input %T", input)
	}
	if err := m.runDeactivate(ctx, in.ModuleID, in.TenantID); err != nil {
		return nil, err
	}
	return nil, m.runActivate(ctx, in.ModuleID, in.TenantID)
}

func (m *Manager) uninstallWorkflow(ctx context.Context, _ *engine.RunContext, input any) (any, error) {
	in, ok := input.(lifecycleInput)
	if !ok {
		return nil, fmt.Errorf("exthost: unexpected uninstall input %T", input)
	}
	return nil, m.runUninstall(ctx, in.ModuleID, in.TenantID)
}

func (m *Manager) installWorkflow(ctx context.Context, _ *engine.RunContext, input any) (any, error) {
	in, ok := input.(installInput)
	if !ok {
		return nil, fmt.Errorf("exthost: unexpected install input %T", input)
	}
	return nil, m.runInstall(ctx, in.ModuleID, in.Version, in.TenantID)
}

// lifecycleStep pairs a forward action with the undo compensation runs when
// a later step fails.
type lifecycleStep struct {
	name string
	run  func(ctx context.Context) error
	undo func(ctx context.Context) error
}

// runActivate executes the activation sequence. Permission and legality
// checks happen before any side effect; a step failure compensates the
// completed steps in reverse and records status Error.
func (m *Manager) runActivate(ctx context.Context, moduleID, tenantID string) error {
	entry, err := m.registry.Get(ctx, moduleID, tenantID)
	if err != nil {
		return err
	}
	if entry == nil {
		return fmt.Errorf("%w: %s for tenant %s", ErrModuleNotFound, moduleID, tenantID)
	}
	if !registry.CanTransition(entry.Status, registry.StatusActive) {
		return &registry.IllegalTransitionError{From: entry.Status, To: registry.StatusActive}
	}
	rt, err := m.runtime(moduleID)
	if err != nil {
		return err
	}
	md := entry.Metadata

	// Permission resolution is pre-flight validation: an ungranted required
	// permission fails here, terminal, with the registry untouched.
	if _, err := m.sandbox.CreateContext(md, tenantID, m.grants.GrantsFor(tenantID)); err != nil {
		return err
	}

	taskQueue := md.Workflows.TaskQueue
	if taskQueue == "" {
		taskQueue = moduleID
	}

	steps := []lifecycleStep{
		{
			name: "migrations",
			run: func(ctx context.Context) error {
				return m.applyMigrations(ctx, md)
			},
			// Migrations are forward-only; uninstall drops the schema.
			undo: nil,
		},
		{
			name: "workflows",
			run: func(ctx context.Context) error {
				return m.registerWorkflowTypes(md, rt, taskQueue)
			},
			undo: func(ctx context.Context) error {
				m.unregisterWorkflowTypes(md, taskQueue)
				return nil
			},
		},
		{
			name: "routes",
			run: func(ctx context.Context) error {
				return m.registerFrontend(md, rt)
			},
			undo: func(ctx context.Context) error {
				m.bridge.UnregisterUIComponents(moduleID)
				m.bridge.UnregisterRoutes(moduleID)
				return nil
			},
		},
		{
			name: "event-handlers",
			run: func(ctx context.Context) error {
				for topic, handler := range rt.EventHandlers() {
					if err := m.bridge.RegisterEventHandler(ctx, moduleID, topic, handler); err != nil {
						return err
					}
				}
				return nil
			},
			undo: func(ctx context.Context) error {
				m.bridge.UnregisterEventHandlers(ctx, moduleID)
				return nil
			},
		},
		{
			name: "activate-hook",
			run: func(ctx context.Context) error {
				return m.sandbox.Execute(ctx, moduleID, tenantID, rt.Activate)
			},
			undo: func(ctx context.Context) error {
				return m.sandbox.Execute(ctx, moduleID, tenantID, rt.Deactivate)
			},
		},
		{
			name: "status",
			run: func(ctx context.Context) error {
				return m.registry.SetStatus(ctx, moduleID, tenantID, registry.StatusActive)
			},
			undo: nil,
		},
		{
			name: "monitor",
			run: func(ctx context.Context) error {
				if m.monitor != nil {
					m.monitor.Start(moduleID, tenantID)
				}
				return nil
			},
			undo: func(ctx context.Context) error {
				if m.monitor != nil {
					m.monitor.Stop(moduleID, tenantID)
				}
				return nil
			},
		},
	}

	var completed []lifecycleStep
	for _, step := range steps {
		if err := m.cfg.Retry.RunStep(ctx, m.cfg.StepTimeout, step.run); err != nil {
			m.logger.Error("Activation step failed, compensating",
				"module", moduleID, "tenant", tenantID, "step", step.name, "error", err)
			m.compensate(completed, moduleID, tenantID)
			m.sandbox.RemoveContext(moduleID, tenantID)
			if serr := m.registry.SetStatus(ctx, moduleID, tenantID, registry.StatusError); serr != nil {
				m.logger.Error("Failed to record error status",
					"module", moduleID, "tenant", tenantID, "error", serr)
			}
			m.events.Emit(ctx, TopicModuleError, moduleID, tenantID, registry.StatusError)
			usage := entry.Usage
			usage.ErrorCount++
			m.registry.UpdateUsageStats(moduleID, tenantID, usage)
			return &StepError{Operation: "activate", Step: step.name, Cause: err}
		}
		completed = append(completed, step)
	}

	if m.metrics != nil {
		m.metrics.ActiveModules.Inc()
	}
	usage := entry.Usage
	usage.ActivationCount++
	usage.LastUsed = time.Now().UTC()
	m.registry.UpdateUsageStats(moduleID, tenantID, usage)
	m.logger.Info("Module activated", "module", moduleID, "tenant", tenantID)
	m.events.Emit(ctx, TopicModuleActivated, moduleID, tenantID, registry.StatusActive)
	return nil
}

// compensate undoes completed steps in reverse order. Undo failures are
// logged and do not stop the unwind.
func (m *Manager) compensate(completed []lifecycleStep, moduleID, tenantID string) {
	for i := len(completed) - 1; i >= 0; i-- {
		step := completed[i]
		if step.undo == nil {
			continue
		}
		undoCtx, cancel := context.WithTimeout(context.Background(), m.cfg.StepTimeout)
		if err := step.undo(undoCtx); err != nil {
			m.logger.Error("Compensation step failed",
				"module", moduleID, "tenant", tenantID, "step", step.name, "error", err)
		}
		cancel()
	}
}

// runDeactivate is the structural inverse of activation: monitoring stops
// first, then the deactivate hook, then registrations unwind newest-first
// since later registrations may depend on earlier ones.
func (m *Manager) runDeactivate(ctx context.Context, moduleID, tenantID string) error {
	entry, err := m.registry.Get(ctx, moduleID, tenantID)
	if err != nil {
		return err
	}
	if entry == nil {
		return fmt.Errorf("%w: %s for tenant %s", ErrModuleNotFound, moduleID, tenantID)
	}
	if entry.Status != registry.StatusActive {
		return &registry.IllegalTransitionError{From: entry.Status, To: registry.StatusInactive}
	}
	rt, err := m.runtime(moduleID)
	if err != nil {
		return err
	}
	md := entry.Metadata

	taskQueue := md.Workflows.TaskQueue
	if taskQueue == "" {
		taskQueue = moduleID
	}

	if m.monitor != nil {
		m.monitor.Stop(moduleID, tenantID)
	}

	if err := m.sandbox.Execute(ctx, moduleID, tenantID, rt.Deactivate); err != nil {
		if serr := m.registry.SetStatus(ctx, moduleID, tenantID, registry.StatusError); serr != nil {
			m.logger.Error("Failed to record error status",
				"module", moduleID, "tenant", tenantID, "error", serr)
		}
		m.events.Emit(ctx, TopicModuleError, moduleID, tenantID, registry.StatusError)
		return &StepError{Operation: "deactivate", Step: "deactivate-hook", Cause: err}
	}

	m.bridge.UnregisterEventHandlers(ctx, moduleID)
	m.bridge.UnregisterUIComponents(moduleID)
	m.bridge.UnregisterRoutes(moduleID)
	m.unregisterWorkflowTypes(md, taskQueue)
	m.sandbox.RemoveContext(moduleID, tenantID)

	if err := m.registry.SetStatus(ctx, moduleID, tenantID, registry.StatusInactive); err != nil {
		return err
	}

	if m.metrics != nil {
		m.metrics.ActiveModules.Dec()
	}
	m.logger.Info("Module deactivated", "module", moduleID, "tenant", tenantID)
	m.events.Emit(ctx, TopicModuleDeactivated, moduleID, tenantID, registry.StatusInactive)
	return nil
}

func (m *Manager) runUninstall(ctx context.Context, moduleID, tenantID string) error {
	entry, err := m.registry.Get(ctx, moduleID, tenantID)
	if err != nil {
		return err
	}
	if entry == nil {
		return fmt.Errorf("%w: %s for tenant %s", ErrModuleNotFound, moduleID, tenantID)
	}
	if !registry.CanTransition(entry.Status, registry.StatusUninstalling) {
		return &registry.IllegalTransitionError{From: entry.Status, To: registry.StatusUninstalling}
	}
	md := entry.Metadata

	if err := m.registry.SetStatus(ctx, moduleID, tenantID, registry.StatusUninstalling); err != nil {
		return err
	}

	fail := func(step string, cause error) error {
		if serr := m.registry.SetStatus(ctx, moduleID, tenantID, registry.StatusError); serr != nil {
			m.logger.Error("Failed to record error status",
				"module", moduleID, "tenant", tenantID, "error", serr)
		}
		m.events.Emit(ctx, TopicModuleError, moduleID, tenantID, registry.StatusError)
		return &StepError{Operation: "uninstall", Step: step, Cause: cause}
	}

	// The uninstall hook is best effort when no runtime is registered
	// anymore (e.g. after a host downgrade); data removal still proceeds.
	if rt, err := m.runtime(moduleID); err == nil {
		if _, ok := m.sandbox.GetContext(moduleID, tenantID); !ok {
			if _, cerr := m.sandbox.CreateContext(md, tenantID, m.grants.GrantsFor(tenantID)); cerr != nil {
				m.logger.Warn("Skipping uninstall hook, sandbox context unavailable",
					"module", moduleID, "tenant", tenantID, "error", cerr)
			}
		}
		if _, ok := m.sandbox.GetContext(moduleID, tenantID); ok {
			if herr := m.sandbox.Execute(ctx, moduleID, tenantID, rt.Uninstall); herr != nil {
				return fail("uninstall-hook", herr)
			}
		}
	}

	// A deactivation that failed at its hook leaves registrations behind;
	// uninstall unwinds them regardless of how the module got here.
	taskQueue := md.Workflows.TaskQueue
	if taskQueue == "" {
		taskQueue = moduleID
	}
	m.bridge.UnregisterModule(ctx, moduleID, taskQueue)
	if m.monitor != nil {
		m.monitor.Stop(moduleID, tenantID)
	}

	if m.migrator != nil && md.Database.SchemaPrefix != "" {
		if err := m.migrator.DropModuleObjects(ctx, moduleID, md.Database.SchemaPrefix); err != nil {
			return fail("drop-schema", err)
		}
	}

	if m.cfg.ModulesDir != "" {
		if err := os.RemoveAll(filepath.Join(m.cfg.ModulesDir, moduleID)); err != nil {
			return fail("remove-bundle", err)
		}
	}

	m.sandbox.RemoveContext(moduleID, tenantID)

	// Soft delete: the entry stays queryable as Uninstalled until retention
	// purges it.
	if err := m.registry.SetStatus(ctx, moduleID, tenantID, registry.StatusUninstalled); err != nil {
		return err
	}

	m.logger.Info("Module uninstalled", "module", moduleID, "tenant", tenantID)
	m.events.Emit(ctx, TopicModuleUninstalled, moduleID, tenantID, registry.StatusUninstalled)
	return nil
}

func (m *Manager) runInstall(ctx context.Context, moduleID, version, tenantID string) error {
	if m.market == nil {
		return fmt.Errorf("%w: no marketplace client configured", marketplace.ErrMarketplace)
	}

	md, err := m.market.FetchManifest(ctx, moduleID, version)
	if err != nil {
		return err
	}
	if err := manifest.ValidateCompatibility(md, m.cfg.HostVersion, m.cfg.RuntimeVersion); err != nil {
		return err
	}

	if m.cfg.ModulesDir != "" {
		if _, err := marketplace.DownloadBundle(ctx, m.market, moduleID, version, m.cfg.ModulesDir); err != nil {
			return err
		}
	}

	if err := m.registry.Register(ctx, md, tenantID); err != nil {
		return err
	}
	m.events.Emit(ctx, TopicModuleInstalled, moduleID, tenantID, registry.StatusAvailable)

	return m.runActivate(ctx, moduleID, tenantID)
}

func (m *Manager) applyMigrations(ctx context.Context, md *manifest.ModuleMetadata) error {
	if m.migrator == nil || md.Database.MigrationsPath == "" {
		return nil
	}
	dir := filepath.Join(m.cfg.ModulesDir, md.ID, md.Database.MigrationsPath)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}
	return m.migrator.ApplyMigrations(ctx, md.ID, os.DirFS(dir))
}

func (m *Manager) registerWorkflowTypes(md *manifest.ModuleMetadata, rt Runtime, taskQueue string) error {
	for _, typeName := range md.Workflows.WorkflowTypes {
		fn, ok := rt.Workflow(typeName)
		if !ok {
			return engine.Permanent(fmt.Errorf("%w: workflow type %s not implemented by %s",
				ErrImplementationMissing, typeName, md.ID))
		}
		if err := m.bridge.RegisterWorkflow(taskQueue, typeName, fn); err != nil {
			return err
		}
	}
	for _, typeName := range md.Workflows.ActivityTypes {
		fn, ok := rt.Activity(typeName)
		if !ok {
			return engine.Permanent(fmt.Errorf("%w: activity type %s not implemented by %s",
				ErrImplementationMissing, typeName, md.ID))
		}
		if err := m.bridge.RegisterActivity(taskQueue, typeName, fn); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) unregisterWorkflowTypes(md *manifest.ModuleMetadata, taskQueue string) {
	for _, typeName := range md.Workflows.ActivityTypes {
		m.bridge.UnregisterActivity(taskQueue, typeName)
	}
	for _, typeName := range md.Workflows.WorkflowTypes {
		m.bridge.UnregisterWorkflow(taskQueue, typeName)
	}
}

func (m *Manager) registerFrontend(md *manifest.ModuleMetadata, rt Runtime) error {
	handlers := make(map[string]RouteDef)
	for _, def := range rt.Routes() {
		handlers[def.Path] = def
	}
	for _, route := range md.Frontend.Routes {
		def, found := handlers[route.Path]
		if !found {
			return engine.Permanent(fmt.Errorf("%w: no handler for declared route %s",
				ErrImplementationMissing, route.Path))
		}
		if err := m.bridge.RegisterRoute(md.ID, def.Method, def.Path, def.Handler); err != nil {
			return err
		}
	}
	for _, comp := range md.Frontend.UIComponents {
		if err := m.bridge.RegisterUIComponent(md.ID, comp.Name, comp.Ref); err != nil {
			return err
		}
	}
	return nil
}
