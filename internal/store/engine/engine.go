// Package engine owns the on-disk structura database file.
//
// The engine keeps the working copy of the database in memory (embedded
// SQLite through ncruces/go-sqlite3) and writes it back to disk only when
// Persist is called:
//
//   - Database file: <data dir>/structura.db
//   - Open: attach the file, verify it, copy schema and rows into memory
//   - Persist: VACUUM INTO a temp file, fsync, rename over the target
//   - Close: persist, then release the in-memory database
//
// Writes are batched in memory and flushed at natural checkpoints (after each
// repository mutation and on shutdown). A failed flush leaves the in-memory
// state intact, so Persist can simply be retried.
//
// All access goes through a single connection guarded by a mutex: no two
// statements ever interleave.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/structura-bim/structura/internal/store"
)

// FileName is the well-known name of the database file in the data directory.
const FileName = "structura.db"

// Engine is the storage engine. Create it with Open and release it with Close.
type Engine struct {
	mu     sync.Mutex
	conn   *sql.DB
	path   string
	dirty  bool
	closed bool
	logger *log.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger used for engine activity.
func WithLogger(logger *log.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// Open opens or creates the store backed by the file at path.
//
// If the file does not exist the engine starts from an empty database; the
// file is created on the first Persist. Open fails with
// store.ErrStorageUnavailable if the directory cannot be written or the file
// is not a readable SQLite database.
//
// The caller MUST call Close when done.
//
// Example:
//
//	eng, err := engine.Open(filepath.Join(dataDir, engine.FileName))
//	if err != nil {
//	    return err
//	}
//	defer eng.Close()
func Open(path string, opts ...Option) (*Engine, error) {
	return OpenContext(context.Background(), path, opts...)
}

// OpenContext is Open with context support.
func OpenContext(ctx context.Context, path string, opts ...Option) (*Engine, error) {
	e := &Engine{
		path:   path,
		logger: log.New(os.Stderr, "[engine] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(e)
	}

	if err := ensureWritableDir(filepath.Dir(path)); err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrStorageUnavailable, err)
	}

	conn, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %v", store.ErrStorageUnavailable, err)
	}

	// The working copy lives in this one connection. It must never be
	// recycled by the pool or the database would vanish.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)
	conn.SetConnMaxIdleTime(0)

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: failed to ping database: %v", store.ErrStorageUnavailable, err)
	}
	e.conn = conn

	if _, err := os.Stat(path); err == nil {
		if err := e.load(ctx); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("%w: failed to load %s: %v", store.ErrStorageUnavailable, path, err)
		}
		e.logger.Printf("Loaded existing database: %s", path)
	} else if os.IsNotExist(err) {
		e.logger.Printf("Created new database: %s", path)
	} else {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: failed to stat %s: %v", store.ErrStorageUnavailable, path, err)
	}

	return e, nil
}

// Path returns the location of the backing file.
func (e *Engine) Path() string {
	return e.path
}

// Dirty reports whether there are mutations that have not been persisted.
func (e *Engine) Dirty() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dirty
}

// Session runs fn with exclusive access to the engine. Statements issued
// through the session do not take the lock again, so a mutation and its
// Persist can run as one uninterrupted unit.
func (e *Engine) Session(ctx context.Context, fn func(s *Session) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed || e.conn == nil {
		return fmt.Errorf("%w: engine is closed", store.ErrStorageUnavailable)
	}
	return fn(&Session{e: e, ctx: ctx})
}

// Exec runs a mutating statement.
func (e *Engine) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := e.Session(ctx, func(s *Session) error {
		var err error
		res, err = s.Exec(query, args...)
		return err
	})
	return res, err
}

// Query runs a read-only statement and hands the rows to scan. Rows arrive in
// the order the statement requests. The rows are closed by Query.
func (e *Engine) Query(ctx context.Context, scan func(*sql.Rows) error, query string, args ...any) error {
	return e.Session(ctx, func(s *Session) error {
		return s.Query(scan, query, args...)
	})
}

// Tx runs fn inside a single transaction.
func (e *Engine) Tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return e.Session(ctx, func(s *Session) error {
		return s.Tx(fn)
	})
}

// Persist flushes the in-memory database to the backing file.
func (e *Engine) Persist(ctx context.Context) error {
	return e.Session(ctx, func(s *Session) error {
		return s.Persist()
	})
}

// Close flushes the database to disk and releases it.
//
// Close is idempotent: calling it again after a successful Close is a no-op.
// If the final flush fails the engine stays open and the error is returned,
// so Close can be retried without losing data.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed || e.conn == nil {
		return nil
	}

	if err := e.persistLocked(context.Background()); err != nil {
		return err
	}

	if err := e.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	e.conn = nil
	e.closed = true
	e.logger.Printf("Closed database: %s", e.path)
	return nil
}

// Session is exclusive access to an engine, obtained from Engine.Session.
// It must not be used after the callback returns.
type Session struct {
	e   *Engine
	ctx context.Context
}

// Exec runs a mutating statement.
func (s *Session) Exec(query string, args ...any) (sql.Result, error) {
	res, err := s.e.conn.ExecContext(s.ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	s.e.dirty = true
	return res, nil
}

// Query runs a read-only statement and hands the rows to scan.
func (s *Session) Query(scan func(*sql.Rows) error, query string, args ...any) error {
	rows, err := s.e.conn.QueryContext(s.ctx, query, args...)
	if err != nil {
		return classify(err)
	}
	defer rows.Close()

	if err := scan(rows); err != nil {
		return err
	}
	if err := rows.Err(); err != nil {
		return classify(err)
	}
	return nil
}

// Tx runs fn inside a single transaction: committed if fn returns nil,
// rolled back otherwise. Inside fn, statements must go through tx.
func (s *Session) Tx(fn func(tx *sql.Tx) error) error {
	tx, err := s.e.conn.BeginTx(s.ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", classify(err))
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return classify(err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", classify(err))
	}
	s.e.dirty = true
	return nil
}

// Persist flushes the in-memory database to the backing file.
func (s *Session) Persist() error {
	return s.e.persistLocked(s.ctx)
}

// persistLocked writes a consistent copy of the database next to the target
// and renames it into place. The caller holds e.mu.
func (e *Engine) persistLocked(ctx context.Context) error {
	dir := filepath.Dir(e.path)

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(e.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: failed to create temp file: %v", store.ErrPersistFailure, err)
	}
	tmpPath := tmp.Name()
	_ = tmp.Close()

	// VACUUM INTO needs an absent target.
	_ = os.Remove(tmpPath)
	defer os.Remove(tmpPath)

	if _, err := e.conn.ExecContext(ctx, "VACUUM INTO ?", tmpPath); err != nil {
		return fmt.Errorf("%w: failed to serialize database: %v", store.ErrPersistFailure, err)
	}

	if err := syncFile(tmpPath); err != nil {
		return fmt.Errorf("%w: %v", store.ErrPersistFailure, err)
	}

	if err := os.Rename(tmpPath, e.path); err != nil {
		return fmt.Errorf("%w: failed to replace %s: %v", store.ErrPersistFailure, e.path, err)
	}

	// Best effort: make the rename itself durable.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}

	e.dirty = false
	return nil
}

// load copies the backing file into the in-memory database.
func (e *Engine) load(ctx context.Context) error {
	if _, err := e.conn.ExecContext(ctx, "ATTACH DATABASE ? AS disk", e.path); err != nil {
		return fmt.Errorf("failed to attach: %w", err)
	}
	defer func() {
		_, _ = e.conn.ExecContext(context.Background(), "DETACH DATABASE disk")
	}()

	var check string
	if err := e.conn.QueryRowContext(ctx, "PRAGMA disk.quick_check").Scan(&check); err != nil {
		return fmt.Errorf("integrity check failed: %w", err)
	}
	if check != "ok" {
		return fmt.Errorf("integrity check failed: %s", check)
	}

	type object struct {
		typ, name, sql string
	}
	var objects []object

	rows, err := e.conn.QueryContext(ctx, `
		SELECT type, name, sql FROM disk.sqlite_master
		WHERE sql IS NOT NULL
		  AND type IN ('table', 'index')
		  AND name NOT LIKE 'sqlite_%'
		ORDER BY CASE type WHEN 'table' THEN 0 ELSE 1 END, rowid
	`)
	if err != nil {
		return fmt.Errorf("failed to read schema: %w", err)
	}
	for rows.Next() {
		var o object
		if err := rows.Scan(&o.typ, &o.name, &o.sql); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan schema: %w", err)
		}
		objects = append(objects, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read schema: %w", err)
	}

	for _, o := range objects {
		if _, err := e.conn.ExecContext(ctx, o.sql); err != nil {
			return fmt.Errorf("failed to create %s %s: %w", o.typ, o.name, err)
		}
	}

	for _, o := range objects {
		if o.typ != "table" {
			continue
		}
		name := quoteIdent(o.name)
		copySQL := fmt.Sprintf("INSERT INTO main.%s SELECT * FROM disk.%s", name, name)
		if _, err := e.conn.ExecContext(ctx, copySQL); err != nil {
			return fmt.Errorf("failed to copy table %s: %w", o.name, err)
		}
	}

	var hasSequence int
	if err := e.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM disk.sqlite_master WHERE name = 'sqlite_sequence'").Scan(&hasSequence); err != nil {
		return fmt.Errorf("failed to read sequences: %w", err)
	}
	if hasSequence > 0 {
		if _, err := e.conn.ExecContext(ctx, "DELETE FROM main.sqlite_sequence"); err != nil {
			return fmt.Errorf("failed to reset sequences: %w", err)
		}
		if _, err := e.conn.ExecContext(ctx,
			"INSERT INTO main.sqlite_sequence (name, seq) SELECT name, seq FROM disk.sqlite_sequence"); err != nil {
			return fmt.Errorf("failed to copy sequences: %w", err)
		}
	}

	var version int
	if err := e.conn.QueryRowContext(ctx, "PRAGMA disk.user_version").Scan(&version); err != nil {
		return fmt.Errorf("failed to read user_version: %w", err)
	}
	if _, err := e.conn.ExecContext(ctx, fmt.Sprintf("PRAGMA main.user_version = %d", version)); err != nil {
		return fmt.Errorf("failed to set user_version: %w", err)
	}

	return nil
}

// classify maps driver errors onto store error kinds.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrConstraint) ||
		errors.Is(err, store.ErrValidation) ||
		errors.Is(err, store.ErrNotFound) ||
		errors.Is(err, store.ErrStorageUnavailable) ||
		errors.Is(err, store.ErrPersistFailure) {
		return err
	}
	if errors.Is(err, sqlite3.CONSTRAINT) || strings.Contains(err.Error(), "constraint failed") {
		return fmt.Errorf("%w: %v", store.ErrConstraint, err)
	}
	if errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%w: %v", store.ErrStorageUnavailable, err)
	}
	return err
}

// ensureWritableDir creates dir if needed and checks a file can be created in it.
func ensureWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	probe, err := os.CreateTemp(dir, ".structura-probe-*")
	if err != nil {
		return fmt.Errorf("data directory %s is not writable: %w", dir, err)
	}
	name := probe.Name()
	_ = probe.Close()
	_ = os.Remove(name)
	return nil
}

func syncFile(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("failed to open %s for sync: %w", path, err)
	}
	defer f.Close()
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync %s: %w", path, err)
	}
	return nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
