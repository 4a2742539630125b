package registry

import (
	"context"
	"testing"
	"testing/fstest"
	"time"

	"github.com/GoCodeAlone/exthost/manifest"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := OpenSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testMetadata(id string) *manifest.ModuleMetadata {
	return &manifest.ModuleMetadata{
		ID:      id,
		Name:    "Test Module",
		Version: "1.0.0",
		Compatibility: manifest.Compatibility{
			HostVersion:    ">=1.0.0",
			RuntimeVersion: ">=1.0.0",
		},
		Database: manifest.Database{SchemaPrefix: "testmod"},
	}
}

func testEntry(moduleID, tenantID string, installedAt time.Time) *Entry {
	return &Entry{
		ModuleID:    moduleID,
		TenantID:    tenantID,
		Metadata:    testMetadata(moduleID),
		Status:      StatusAvailable,
		InstalledAt: installedAt,
		UpdatedAt:   installedAt,
	}
}

func TestStoreUpsertAndGet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openTestStore(t)

	now := time.Now()
	if err := store.Upsert(ctx, testEntry("mod-a", "t1", now)); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := store.Get(ctx, "mod-a", "t1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil {
		t.Fatal("expected entry, got nil")
	}
	if got.Status != StatusAvailable {
		t.Errorf("expected status available, got %s", got.Status)
	}
	if got.Metadata == nil || got.Metadata.ID != "mod-a" {
		t.Errorf("metadata snapshot not restored: %+v", got.Metadata)
	}
}

func TestStoreGetAbsentIsNilNil(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)

	got, err := store.Get(context.Background(), "nope", "t1")
	if err != nil {
		t.Fatalf("expected nil error for absent entry, got %v", err)
	}
	if got != nil {
		t.Errorf("expected nil entry, got %+v", got)
	}
}

func TestStoreUpsertConflictPreservesStatus(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openTestStore(t)

	now := time.Now()
	if err := store.Upsert(ctx, testEntry("mod-a", "t1", now)); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := store.SetStatus(ctx, "mod-a", "t1", StatusActive); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}

	// Re-register: the metadata snapshot updates, the status survives.
	updated := testEntry("mod-a", "t1", now.Add(time.Hour))
	updated.Metadata.Version = "1.1.0"
	if err := store.Upsert(ctx, updated); err != nil {
		t.Fatalf("Upsert (conflict): %v", err)
	}

	got, err := store.Get(ctx, "mod-a", "t1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusActive {
		t.Errorf("status should survive re-registration, got %s", got.Status)
	}
	if got.Metadata.Version != "1.1.0" {
		t.Errorf("metadata snapshot should refresh, got version %s", got.Metadata.Version)
	}
}

func TestStoreTenantIsolation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openTestStore(t)

	if err := store.Upsert(ctx, testEntry("mod-a", "tenant-a", time.Now())); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := store.Get(ctx, "mod-a", "tenant-b")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Errorf("tenant B must not see tenant A's entry, got %+v", got)
	}
}

func TestStoreListByTenantOrdering(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openTestStore(t)

	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"mod-a", "mod-b", "mod-c"} {
		e := testEntry(id, "t1", base.Add(time.Duration(i)*time.Minute))
		if err := store.Upsert(ctx, e); err != nil {
			t.Fatalf("Upsert %s: %v", id, err)
		}
	}
	if err := store.Upsert(ctx, testEntry("mod-other", "t2", base)); err != nil {
		t.Fatalf("Upsert t2: %v", err)
	}

	entries, err := store.ListByTenant(ctx, "t1")
	if err != nil {
		t.Fatalf("ListByTenant: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	// Newest install first
	if entries[0].ModuleID != "mod-c" || entries[2].ModuleID != "mod-a" {
		t.Errorf("wrong order: %s, %s, %s",
			entries[0].ModuleID, entries[1].ModuleID, entries[2].ModuleID)
	}
}

func TestStoreSetStatusMissingEntry(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)

	err := store.SetStatus(context.Background(), "ghost", "t1", StatusActive)
	if err == nil {
		t.Fatal("expected error for missing entry")
	}
}

func TestStoreUpdateUsage(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openTestStore(t)

	if err := store.Upsert(ctx, testEntry("mod-a", "t1", time.Now())); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	usage := UsageStats{ActivationCount: 3, ErrorCount: 1, LastUsed: time.Now()}
	if err := store.UpdateUsage(ctx, "mod-a", "t1", usage); err != nil {
		t.Fatalf("UpdateUsage: %v", err)
	}

	got, err := store.Get(ctx, "mod-a", "t1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Usage.ActivationCount != 3 || got.Usage.ErrorCount != 1 {
		t.Errorf("usage not persisted: %+v", got.Usage)
	}
}

func TestStoreApplyMigrations(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openTestStore(t)

	migrations := fstest.MapFS{
		"001_create.sql": &fstest.MapFile{
			Data: []byte(`CREATE TABLE clientmgmt_clients (id TEXT PRIMARY KEY, name TEXT);`),
		},
		"002_index.sql": &fstest.MapFile{
			Data: []byte(`CREATE INDEX idx_clientmgmt_clients_name ON clientmgmt_clients (name);`),
		},
	}

	if err := store.ApplyMigrations(ctx, "client-management", migrations); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}

	// Applying again is a no-op (files recorded as applied).
	if err := store.ApplyMigrations(ctx, "client-management", migrations); err != nil {
		t.Fatalf("ApplyMigrations (repeat): %v", err)
	}

	var count int
	if err := store.DB().QueryRow(
		`SELECT COUNT(*) FROM module_migrations WHERE module_id = ?`, "client-management",
	).Scan(&count); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 recorded migrations, got %d", count)
	}

	// Table exists and is writable
	if _, err := store.DB().Exec(
		`INSERT INTO clientmgmt_clients (id, name) VALUES ('c1', 'Acme')`,
	); err != nil {
		t.Errorf("migrated table not usable: %v", err)
	}
}

func TestStoreDropModuleObjects(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openTestStore(t)

	migrations := fstest.MapFS{
		"001_create.sql": &fstest.MapFile{
			Data: []byte(`CREATE TABLE clientmgmt_clients (id TEXT PRIMARY KEY);`),
		},
	}
	if err := store.ApplyMigrations(ctx, "client-management", migrations); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}

	if err := store.DropModuleObjects(ctx, "client-management", "clientmgmt"); err != nil {
		t.Fatalf("DropModuleObjects: %v", err)
	}

	// Table gone
	var name string
	err := store.DB().QueryRow(
		`SELECT name FROM sqlite_master WHERE type='table' AND name='clientmgmt_clients'`,
	).Scan(&name)
	if err == nil {
		t.Error("expected clientmgmt_clients to be dropped")
	}

	// Migration bookkeeping cleared, so re-activation runs migrations again
	if err := store.ApplyMigrations(ctx, "client-management", migrations); err != nil {
		t.Fatalf("ApplyMigrations after drop: %v", err)
	}
}
