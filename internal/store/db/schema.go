package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/structura-bim/structura/internal/store/engine"
)

// currentSchemaVersion is stored in PRAGMA user_version.
//
//	1 - initial tables
//	2 - sync columns on elements, free-form metadata on projects/elements
const currentSchemaVersion = 2

const schemaSQL = `
	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		speckle_stream_id TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		cached_at INTEGER NOT NULL DEFAULT 0,
		metadata TEXT  -- JSON, stored verbatim
	);

	CREATE TABLE IF NOT EXISTS elements (
		guid TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		position TEXT NOT NULL DEFAULT '',
		material TEXT NOT NULL DEFAULT '',
		level TEXT NOT NULL DEFAULT '',
		axes TEXT NOT NULL DEFAULT '',
		volume REAL NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'Не закрыт',
		properties TEXT,  -- JSON, stored verbatim
		pending_sync INTEGER NOT NULL DEFAULT 1,
		modified_at TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS acts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		number TEXT NOT NULL DEFAULT '',
		file_path TEXT NOT NULL DEFAULT '',
		work_type TEXT NOT NULL DEFAULT '',
		act_date TEXT NOT NULL DEFAULT '',
		start_date TEXT NOT NULL DEFAULT '',
		end_date TEXT NOT NULL DEFAULT '',
		ks TEXT NOT NULL DEFAULT '',
		ks2 TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS element_acts (
		element_guid TEXT NOT NULL,
		act_id INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (element_guid, act_id)
	);

	CREATE TABLE IF NOT EXISTS model_cache (
		stream_id TEXT NOT NULL,
		object_id TEXT NOT NULL,
		size_bytes INTEGER NOT NULL DEFAULT 0,
		cached_at INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (stream_id, object_id)
	);

	CREATE INDEX IF NOT EXISTS idx_elements_project ON elements(project_id);
	CREATE INDEX IF NOT EXISTS idx_acts_number ON acts(number);
	CREATE INDEX IF NOT EXISTS idx_element_acts_act ON element_acts(act_id);
`

// Indexes over columns that stores from schema version 1 only gain
// through columnMigrations.
const lateIndexSQL = `
	CREATE INDEX IF NOT EXISTS idx_elements_pending
	    ON elements(pending_sync, modified_at);
`

// columnMigration adds a column that older stores lack. Migrations are
// additive only: columns are never dropped or renamed.
type columnMigration struct {
	version int
	table   string
	column  string
	decl    string
}

var columnMigrations = []columnMigration{
	{version: 2, table: "projects", column: "metadata", decl: "TEXT"},
	{version: 2, table: "elements", column: "properties", decl: "TEXT"},
	{version: 2, table: "elements", column: "pending_sync", decl: "INTEGER NOT NULL DEFAULT 1"},
	{version: 2, table: "elements", column: "modified_at", decl: "TEXT NOT NULL DEFAULT ''"},
}

// EnsureSchema creates the database schema if it doesn't exist.
//
// This creates the projects, elements, acts, element_acts and model_cache
// tables with their indexes, adds columns missing from older stores, and
// persists the result. This is idempotent - safe to call on every startup.
func (db *DB) EnsureSchema() error {
	return db.EnsureSchemaContext(context.Background())
}

// EnsureSchemaContext creates the database schema with context support.
func (db *DB) EnsureSchemaContext(ctx context.Context) error {
	return db.mutate(ctx, func(s *engine.Session) error {
		if _, err := s.Exec(schemaSQL); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}

		version, err := userVersion(s)
		if err != nil {
			return err
		}

		for _, m := range columnMigrations {
			if version >= m.version {
				continue
			}
			if err := addColumnIfMissing(s, m); err != nil {
				return err
			}
		}

		if _, err := s.Exec(lateIndexSQL); err != nil {
			return fmt.Errorf("failed to create indexes: %w", err)
		}

		if version < currentSchemaVersion {
			if _, err := s.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
				return fmt.Errorf("failed to set user_version: %w", err)
			}
			db.logger.Printf("Schema upgraded: v%d -> v%d", version, currentSchemaVersion)
		}
		return nil
	})
}

// SchemaVersion returns the schema version recorded in the store.
func (db *DB) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	err := db.eng.Session(ctx, func(s *engine.Session) error {
		var err error
		version, err = userVersion(s)
		return err
	})
	return version, err
}

func userVersion(s *engine.Session) (int, error) {
	var version int
	err := s.Query(func(rows *sql.Rows) error {
		if rows.Next() {
			return rows.Scan(&version)
		}
		return nil
	}, "PRAGMA user_version")
	if err != nil {
		return 0, fmt.Errorf("failed to read user_version: %w", err)
	}
	return version, nil
}

func addColumnIfMissing(s *engine.Session, m columnMigration) error {
	found := false
	err := s.Query(func(rows *sql.Rows) error {
		for rows.Next() {
			var (
				cid       int
				name, typ string
				notNull   int
				dflt      sql.NullString
				pk        int
			)
			if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
				return err
			}
			if name == m.column {
				found = true
			}
		}
		return nil
	}, fmt.Sprintf("PRAGMA table_info(%s)", m.table))
	if err != nil {
		return fmt.Errorf("failed to inspect table %s: %w", m.table, err)
	}
	if found {
		return nil
	}

	stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.table, m.column, m.decl)
	if _, err := s.Exec(stmt); err != nil {
		return fmt.Errorf("failed to add column %s.%s: %w", m.table, m.column, err)
	}
	return nil
}
