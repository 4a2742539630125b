package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// Store is the durable persistence contract for module registry entries.
// Every operation is tenant-scoped; tenant IDs are mandatory parameters and
// never inferred.
type Store interface {
	// Upsert inserts an entry, or refreshes the metadata snapshot when the
	// (module, tenant) pair already exists. Status and installed_at are
	// preserved on conflict.
	Upsert(ctx context.Context, entry *Entry) error

	// Get returns the entry, or (nil, nil) when no entry exists. A store
	// failure is an error, never a nil result.
	Get(ctx context.Context, moduleID, tenantID string) (*Entry, error)

	// ListByTenant returns the tenant's entries ordered by installed_at
	// descending.
	ListByTenant(ctx context.Context, tenantID string) ([]*Entry, error)

	// SetStatus writes the status and updated_at timestamp.
	SetStatus(ctx context.Context, moduleID, tenantID string, status Status) error

	// UpdateUsage writes the usage stats blob.
	UpdateUsage(ctx context.Context, moduleID, tenantID string, usage UsageStats) error

	// Delete removes the entry row entirely.
	Delete(ctx context.Context, moduleID, tenantID string) error
}

// Migrator applies and reverses module-scoped database objects.
type Migrator interface {
	// ApplyMigrations executes the module's pending SQL migration files in
	// lexical order. Migrations are forward-only: a failed later lifecycle
	// step does not revert them.
	ApplyMigrations(ctx context.Context, moduleID string, migrations fs.FS) error

	// DropModuleObjects removes every table carrying the module's schema
	// prefix, plus its migration bookkeeping.
	DropModuleObjects(ctx context.Context, moduleID, schemaPrefix string) error
}

// SQLiteStore persists registry entries in SQLite. It also hosts module
// schema slices: each module's migrations run against the same database
// under the module's schema prefix.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (creating if necessary) a registry database at path.
// Pass ":memory:" for an in-memory database in tests.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
		path += "?_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// An in-memory database exists per connection; a second pooled
	// connection would see an empty schema.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStoreWithDB wraps an existing database connection. The caller
// keeps ownership of the connection.
func NewSQLiteStoreWithDB(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS module_registry (
			module_id     TEXT NOT NULL,
			tenant_id     TEXT NOT NULL,
			metadata      TEXT NOT NULL,
			status        TEXT NOT NULL,
			installed_at  TEXT NOT NULL,
			updated_at    TEXT NOT NULL,
			configuration TEXT,
			usage         TEXT NOT NULL DEFAULT '{}',
			PRIMARY KEY (module_id, tenant_id)
		);
		CREATE INDEX IF NOT EXISTS idx_module_registry_tenant
			ON module_registry (tenant_id, installed_at DESC);
		CREATE TABLE IF NOT EXISTS module_migrations (
			module_id  TEXT NOT NULL,
			filename   TEXT NOT NULL,
			applied_at TEXT NOT NULL,
			PRIMARY KEY (module_id, filename)
		);
	`)
	if err != nil {
		return storageErr("init schema", err)
	}
	return nil
}

// DB returns the underlying connection, for modules sharing the database.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Upsert(ctx context.Context, entry *Entry) error {
	metadata, err := json.Marshal(entry.Metadata)
	if err != nil {
		return storageErr("encode metadata", err)
	}
	configuration, err := json.Marshal(entry.Configuration)
	if err != nil {
		return storageErr("encode configuration", err)
	}
	usage, err := json.Marshal(entry.Usage)
	if err != nil {
		return storageErr("encode usage", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO module_registry
			(module_id, tenant_id, metadata, status, installed_at, updated_at, configuration, usage)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (module_id, tenant_id) DO UPDATE SET
			metadata   = excluded.metadata,
			updated_at = excluded.updated_at`,
		entry.ModuleID, entry.TenantID, string(metadata), string(entry.Status),
		fmtTime(entry.InstalledAt), fmtTime(entry.UpdatedAt),
		string(configuration), string(usage),
	)
	if err != nil {
		return storageErr("upsert entry", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, moduleID, tenantID string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT module_id, tenant_id, metadata, status, installed_at, updated_at, configuration, usage
		FROM module_registry WHERE module_id = ? AND tenant_id = ?`,
		moduleID, tenantID,
	)
	entry, err := scanEntry(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get entry", err)
	}
	return entry, nil
}

func (s *SQLiteStore) ListByTenant(ctx context.Context, tenantID string) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT module_id, tenant_id, metadata, status, installed_at, updated_at, configuration, usage
		FROM module_registry WHERE tenant_id = ?
		ORDER BY installed_at DESC`,
		tenantID,
	)
	if err != nil {
		return nil, storageErr("list entries", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		entry, err := scanEntry(rows.Scan)
		if err != nil {
			return nil, storageErr("scan entry", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate entries", err)
	}
	return entries, nil
}

func (s *SQLiteStore) SetStatus(ctx context.Context, moduleID, tenantID string, status Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE module_registry SET status = ?, updated_at = ? WHERE module_id = ? AND tenant_id = ?`,
		string(status), fmtTime(time.Now()), moduleID, tenantID,
	)
	if err != nil {
		return storageErr("set status", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("set status", err)
	}
	if n == 0 {
		return storageErr("set status", fmt.Errorf("no entry for module %s tenant %s", moduleID, tenantID))
	}
	return nil
}

func (s *SQLiteStore) UpdateUsage(ctx context.Context, moduleID, tenantID string, usage UsageStats) error {
	blob, err := json.Marshal(usage)
	if err != nil {
		return storageErr("encode usage", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE module_registry SET usage = ? WHERE module_id = ? AND tenant_id = ?`,
		string(blob), moduleID, tenantID,
	)
	if err != nil {
		return storageErr("update usage", err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, moduleID, tenantID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM module_registry WHERE module_id = ? AND tenant_id = ?`,
		moduleID, tenantID,
	)
	if err != nil {
		return storageErr("delete entry", err)
	}
	return nil
}

// ApplyMigrations executes the module's pending .sql files in lexical order.
// Each applied file is recorded in module_migrations so re-activation only
// runs new files. Forward-only: nothing here ever reverts a migration.
func (s *SQLiteStore) ApplyMigrations(ctx context.Context, moduleID string, migrations fs.FS) error {
	names, err := fs.Glob(migrations, "*.sql")
	if err != nil {
		return fmt.Errorf("%w: list migrations for %s: %v", ErrMigration, moduleID, err)
	}
	sort.Strings(names)

	for _, name := range names {
		var count int
		err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM module_migrations WHERE module_id = ? AND filename = ?`,
			moduleID, name,
		).Scan(&count)
		if err != nil {
			return fmt.Errorf("%w: check %s/%s: %v", ErrMigration, moduleID, name, err)
		}
		if count > 0 {
			continue
		}

		script, err := fs.ReadFile(migrations, name)
		if err != nil {
			return fmt.Errorf("%w: read %s/%s: %v", ErrMigration, moduleID, name, err)
		}
		if _, err := s.db.ExecContext(ctx, string(script)); err != nil {
			return fmt.Errorf("%w: apply %s/%s: %v", ErrMigration, moduleID, name, err)
		}
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO module_migrations (module_id, filename, applied_at) VALUES (?, ?, ?)`,
			moduleID, name, fmtTime(time.Now()),
		); err != nil {
			return fmt.Errorf("%w: record %s/%s: %v", ErrMigration, moduleID, name, err)
		}
	}
	return nil
}

// DropModuleObjects drops every table whose name starts with the module's
// schema prefix, then clears the module's migration records.
func (s *SQLiteStore) DropModuleObjects(ctx context.Context, moduleID, schemaPrefix string) error {
	if schemaPrefix == "" {
		return nil
	}

	// LIKE treats "_" as a single-char wildcard; the HasPrefix check below
	// filters out any accidental matches.
	rows, err := s.db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name LIKE ?`,
		schemaPrefix+"_%",
	)
	if err != nil {
		return fmt.Errorf("%w: list tables for %s: %v", ErrMigration, moduleID, err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("%w: scan table name: %v", ErrMigration, err)
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("%w: iterate tables: %v", ErrMigration, err)
	}

	for _, table := range tables {
		if !strings.HasPrefix(table, schemaPrefix+"_") {
			continue
		}
		if _, err := s.db.ExecContext(ctx, `DROP TABLE IF EXISTS "`+table+`"`); err != nil {
			return fmt.Errorf("%w: drop table %s: %v", ErrMigration, table, err)
		}
	}

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM module_migrations WHERE module_id = ?`, moduleID,
	); err != nil {
		return fmt.Errorf("%w: clear migration records for %s: %v", ErrMigration, moduleID, err)
	}
	return nil
}

type scanFunc func(dest ...any) error

func scanEntry(scan scanFunc) (*Entry, error) {
	var (
		entry                  Entry
		metadata, usage        string
		installedAt, updatedAt string
		status                 string
		configuration          sql.NullString
	)
	err := scan(&entry.ModuleID, &entry.TenantID, &metadata, &status,
		&installedAt, &updatedAt, &configuration, &usage)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(metadata), &entry.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	if configuration.Valid && configuration.String != "" && configuration.String != "null" {
		if err := json.Unmarshal([]byte(configuration.String), &entry.Configuration); err != nil {
			return nil, fmt.Errorf("decode configuration: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(usage), &entry.Usage); err != nil {
		return nil, fmt.Errorf("decode usage: %w", err)
	}

	entry.Status = Status(status)
	if entry.InstalledAt, err = time.Parse(time.RFC3339Nano, installedAt); err != nil {
		return nil, fmt.Errorf("parse installed_at: %w", err)
	}
	if entry.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &entry, nil
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
