package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/GoCodeAlone/exthost/manifest"
	"github.com/GoCodeAlone/modular"
	"golang.org/x/sync/singleflight"
)

// DefaultCacheTTL bounds staleness of cached entries.
const DefaultCacheTTL = time.Hour

// Registry composes the durable store with a read-through cache. Status
// writes invalidate the cache synchronously before returning, because
// status is what lifecycle operations use for idempotency and concurrency
// control.
type Registry struct {
	store  Store
	cache  Cache
	ttl    time.Duration
	sf     singleflight.Group
	logger modular.Logger

	mu          sync.Mutex
	closed      bool
	usageWrites chan usageWrite
	done        chan struct{}
}

type usageWrite struct {
	moduleID string
	tenantID string
	usage    UsageStats
}

// Option configures a Registry.
type Option func(*Registry)

// WithCacheTTL overrides the default one-hour cache TTL.
func WithCacheTTL(ttl time.Duration) Option {
	return func(r *Registry) { r.ttl = ttl }
}

// WithLogger sets the structured logger.
func WithLogger(logger modular.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// New creates a Registry over the given store and cache. A background
// worker drains best-effort usage-stat writes; call Close to stop it.
func New(store Store, cache Cache, opts ...Option) *Registry {
	r := &Registry{
		store:       store,
		cache:       cache,
		ttl:         DefaultCacheTTL,
		logger:      &noopLogger{},
		usageWrites: make(chan usageWrite, 256),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	go r.drainUsageWrites()
	return r
}

// Close stops the usage-stat worker after draining pending writes. Safe to
// call more than once.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.done
		return
	}
	r.closed = true
	close(r.usageWrites)
	r.mu.Unlock()
	<-r.done
}

// Register upserts a module's metadata snapshot for a tenant. The first
// registration creates the entry with status Available; re-registration
// with the same identity refreshes the snapshot and is idempotent.
func (r *Registry) Register(ctx context.Context, md *manifest.ModuleMetadata, tenantID string) error {
	if md == nil {
		return fmt.Errorf("registry: nil metadata")
	}
	if tenantID == "" {
		return fmt.Errorf("registry: tenant ID is required")
	}

	now := time.Now()
	entry := &Entry{
		ModuleID:    md.ID,
		TenantID:    tenantID,
		Metadata:    md,
		Status:      StatusAvailable,
		InstalledAt: now,
		UpdatedAt:   now,
	}
	if err := r.store.Upsert(ctx, entry); err != nil {
		return err
	}

	// Invalidate, then repopulate so the next read is warm.
	key := cacheKey(md.ID, tenantID)
	if err := r.cache.Delete(ctx, key); err != nil {
		r.logger.Warn("Registry cache invalidation failed", "module", md.ID, "tenant", tenantID, "error", err)
	}
	if fresh, err := r.store.Get(ctx, md.ID, tenantID); err == nil && fresh != nil {
		r.populateCache(ctx, key, fresh)
	}
	return nil
}

// Get returns the entry for a (module, tenant) pair, or (nil, nil) when no
// entry exists. Reads are cache-first; a miss populates the cache from the
// store with a bounded TTL. A store failure is always surfaced as an error,
// never as absence.
func (r *Registry) Get(ctx context.Context, moduleID, tenantID string) (*Entry, error) {
	key := cacheKey(moduleID, tenantID)

	if cached, err := r.cache.Get(ctx, key); err == nil {
		var entry Entry
		if err := json.Unmarshal([]byte(cached), &entry); err == nil {
			return &entry, nil
		}
		// Corrupt cache payload: drop it and fall through to the store.
		_ = r.cache.Delete(ctx, key)
	}

	v, err, _ := r.sf.Do(key, func() (any, error) {
		entry, err := r.store.Get(ctx, moduleID, tenantID)
		if err != nil {
			return nil, err
		}
		if entry != nil {
			r.populateCache(ctx, key, entry)
		}
		return entry, nil
	})
	if err != nil {
		return nil, err
	}
	entry, _ := v.(*Entry)
	return entry, nil
}

// ListByTenant returns the tenant's entries, newest installation first.
func (r *Registry) ListByTenant(ctx context.Context, tenantID string) ([]*Entry, error) {
	return r.store.ListByTenant(ctx, tenantID)
}

// SetStatus writes a new status and invalidates the cache entry before
// returning, guaranteeing read-after-write consistency for status.
func (r *Registry) SetStatus(ctx context.Context, moduleID, tenantID string, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("registry: unknown status %q", status)
	}
	if err := r.store.SetStatus(ctx, moduleID, tenantID, status); err != nil {
		return err
	}
	if err := r.cache.Delete(ctx, cacheKey(moduleID, tenantID)); err != nil {
		// The store write already landed; a failed invalidation would serve
		// stale status, so surface it instead of logging and moving on.
		return fmt.Errorf("registry: invalidate cache after status write: %w", err)
	}
	return nil
}

// UpdateUsageStats queues a best-effort usage write. It never blocks the
// caller's critical path; failures are logged, not swallowed.
func (r *Registry) UpdateUsageStats(moduleID, tenantID string, usage UsageStats) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		r.logger.Warn("Usage stats write after close, dropping",
			"module", moduleID, "tenant", tenantID)
		return
	}
	select {
	case r.usageWrites <- usageWrite{moduleID: moduleID, tenantID: tenantID, usage: usage}:
	default:
		r.logger.Warn("Usage stats queue full, dropping write",
			"module", moduleID, "tenant", tenantID)
	}
}

// Delete removes an entry row. Used by retention enforcement; uninstall
// normally soft-deletes by setting StatusUninstalled.
func (r *Registry) Delete(ctx context.Context, moduleID, tenantID string) error {
	if err := r.store.Delete(ctx, moduleID, tenantID); err != nil {
		return err
	}
	if err := r.cache.Delete(ctx, cacheKey(moduleID, tenantID)); err != nil {
		return fmt.Errorf("registry: invalidate cache after delete: %w", err)
	}
	return nil
}

func (r *Registry) drainUsageWrites() {
	defer close(r.done)
	for w := range r.usageWrites {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := r.store.UpdateUsage(ctx, w.moduleID, w.tenantID, w.usage)
		cancel()
		if err != nil {
			r.logger.Error("Usage stats write failed",
				"module", w.moduleID, "tenant", w.tenantID, "error", err)
			continue
		}
		_ = r.cache.Delete(context.Background(), cacheKey(w.moduleID, w.tenantID))
	}
}

func (r *Registry) populateCache(ctx context.Context, key string, entry *Entry) {
	blob, err := json.Marshal(entry)
	if err != nil {
		r.logger.Warn("Registry cache encode failed", "key", key, "error", err)
		return
	}
	if err := r.cache.Set(ctx, key, string(blob), r.ttl); err != nil {
		r.logger.Warn("Registry cache populate failed", "key", key, "error", err)
	}
}

func cacheKey(moduleID, tenantID string) string {
	return "module:" + moduleID + ":" + tenantID
}

// noopLogger discards all log output. Used until a real logger is injected.
type noopLogger struct{}

func (*noopLogger) Info(string, ...any)  {}
func (*noopLogger) Error(string, ...any) {}
func (*noopLogger) Warn(string, ...any)  {}
func (*noopLogger) Debug(string, ...any) {}
