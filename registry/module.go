package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/GoCodeAlone/modular"
)

// ServiceName is the name the registry service is registered under.
const ServiceName = "module.registry"

// Module exposes the Registry as a modular service. It can share a SQLite
// database provided by another module (via storageBackend) or open its own,
// and optionally use a Redis cache service; without one it falls back to an
// in-process cache.
type Module struct {
	name           string
	dbPath         string
	storageBackend string
	cacheBackend   string

	store    *SQLiteStore
	ownStore bool
	cache    Cache
	cacheTTL time.Duration
	registry *Registry
	logger   modular.Logger
}

// ModuleOption configures the registry module.
type ModuleOption func(*Module)

// WithSharedStorage resolves another module's *SQLiteStore service instead
// of opening a database at dbPath.
func WithSharedStorage(serviceName string) ModuleOption {
	return func(m *Module) { m.storageBackend = serviceName }
}

// WithCacheService resolves a Cache from the named service. Takes precedence
// over WithCache when both resolve.
func WithCacheService(serviceName string) ModuleOption {
	return func(m *Module) { m.cacheBackend = serviceName }
}

// WithCache wires a pre-built cache, typically a connected *RedisCache.
func WithCache(c Cache) ModuleOption {
	return func(m *Module) { m.cache = c }
}

// WithTTL sets the entry cache TTL.
func WithTTL(ttl time.Duration) ModuleOption {
	return func(m *Module) { m.cacheTTL = ttl }
}

// NewModule creates the registry module. Without WithSharedStorage it opens
// its own database at dbPath on Start.
func NewModule(name, dbPath string, opts ...ModuleOption) *Module {
	m := &Module{
		name:   name,
		dbPath: dbPath,
		logger: &noopLogger{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Module) Name() string { return m.name }

func (m *Module) Init(app modular.Application) error {
	m.logger = app.Logger()

	if m.storageBackend != "" {
		var backend any
		if err := app.GetService(m.storageBackend, &backend); err == nil && backend != nil {
			if s, ok := backend.(*SQLiteStore); ok {
				m.store = s
			}
		}
	}

	if m.cacheBackend != "" {
		var backend any
		if err := app.GetService(m.cacheBackend, &backend); err == nil && backend != nil {
			if c, ok := backend.(Cache); ok {
				m.cache = c
			}
		}
	}
	return nil
}

// Start opens storage if no shared backend was wired and builds the Registry.
func (m *Module) Start(_ context.Context) error {
	if m.store == nil {
		store, err := OpenSQLiteStore(m.dbPath)
		if err != nil {
			return fmt.Errorf("open registry store: %w", err)
		}
		m.store = store
		m.ownStore = true
	}

	if m.cache == nil {
		m.cache = NewMemoryCache()
		m.logger.Info("Module registry using in-process cache")
	}

	regOpts := []Option{WithLogger(m.logger)}
	if m.cacheTTL > 0 {
		regOpts = append(regOpts, WithCacheTTL(m.cacheTTL))
	}
	m.registry = New(m.store, m.cache, regOpts...)
	m.logger.Info("Module registry started", "sharedStorage", !m.ownStore)
	return nil
}

// Stop drains the usage worker and closes owned storage.
func (m *Module) Stop(_ context.Context) error {
	if m.registry != nil {
		m.registry.Close()
	}
	if m.ownStore && m.store != nil {
		return m.store.Close()
	}
	return nil
}

// Registry returns the underlying registry. Nil before Start.
func (m *Module) Registry() *Registry { return m.registry }

// Store returns the underlying SQLite store. Nil before Start unless a
// shared backend was wired.
func (m *Module) Store() *SQLiteStore { return m.store }

func (m *Module) ProvidesServices() []modular.ServiceProvider {
	return []modular.ServiceProvider{
		{Name: m.name, Description: "Module registry (installation records, status, usage)", Instance: m},
	}
}

func (m *Module) RequiresServices() []modular.ServiceDependency {
	var deps []modular.ServiceDependency
	if m.storageBackend != "" {
		deps = append(deps, modular.ServiceDependency{Name: m.storageBackend, Required: false})
	}
	if m.cacheBackend != "" {
		deps = append(deps, modular.ServiceDependency{Name: m.cacheBackend, Required: false})
	}
	return deps
}
