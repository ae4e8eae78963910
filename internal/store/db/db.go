// Package db implements the schema manager and domain repository of the
// structura local store.
//
// The repository sits on top of the storage engine (internal/store/engine)
// and owns row shaping and validation for every entity:
//
//   - projects: upsert wholesale, list
//   - elements: upsert by GUID, partial status update, list by project
//   - acts: append-only insert, list, list by element
//   - element_acts: idempotent link / unlink
//   - model_cache: offline model registry
//
// Every mutating method persists the engine before returning, so a nil error
// means the change is on disk. A persist failure after a successful in-memory
// mutation is reported as store.ErrPersistFailure.
//
// Workflow:
//  1. engine.Open(path) loads the file into memory
//  2. db.New(eng) wraps it; EnsureSchema creates missing tables
//  3. The access gateway calls repository methods per UI request
//  4. The sync queue drains pending elements (internal/store/syncq)
package db

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/structura-bim/structura/internal/store/engine"
)

// DB is the domain repository.
type DB struct {
	eng    *engine.Engine
	logger *log.Logger
	now    func() time.Time
}

// Option configures a DB.
type Option func(*DB)

// WithLogger sets the logger used for repository activity.
func WithLogger(logger *log.Logger) Option {
	return func(db *DB) {
		if logger != nil {
			db.logger = logger
		}
	}
}

// WithClock overrides the clock used to stamp modification times.
func WithClock(now func() time.Time) Option {
	return func(db *DB) {
		if now != nil {
			db.now = now
		}
	}
}

// New wraps an open engine. Call EnsureSchema before using the repository.
func New(eng *engine.Engine, opts ...Option) *DB {
	db := &DB{
		eng:    eng,
		logger: log.New(os.Stderr, "[db] ", log.LstdFlags),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(db)
	}
	return db
}

// Engine returns the underlying storage engine.
func (db *DB) Engine() *engine.Engine {
	return db.eng
}

// Now returns the repository clock reading in UTC.
func (db *DB) Now() time.Time {
	return db.now().UTC()
}

// mutate runs fn and persists the engine in one uninterrupted session.
func (db *DB) mutate(ctx context.Context, fn func(s *engine.Session) error) error {
	return db.eng.Session(ctx, func(s *engine.Session) error {
		if err := fn(s); err != nil {
			return err
		}
		return s.Persist()
	})
}

// exists reports whether query returns at least one row.
func exists(s *engine.Session, query string, args ...any) (bool, error) {
	found := false
	err := s.Query(func(rows *sql.Rows) error {
		found = rows.Next()
		return nil
	}, query, args...)
	if err != nil {
		return false, err
	}
	return found, nil
}

// Stats holds row counts for the status command.
type Stats struct {
	Projects int `json:"projects" yaml:"projects"`
	Elements int `json:"elements" yaml:"elements"`
	Pending  int `json:"pending" yaml:"pending"`
	Acts     int `json:"acts" yaml:"acts"`
	Links    int `json:"links" yaml:"links"`
	Models   int `json:"models" yaml:"models"`
}

// GetStats returns the number of rows in each table.
func (db *DB) GetStats(ctx context.Context) (*Stats, error) {
	var st Stats
	err := db.eng.Query(ctx, func(rows *sql.Rows) error {
		if !rows.Next() {
			return fmt.Errorf("stats query returned no rows")
		}
		return rows.Scan(&st.Projects, &st.Elements, &st.Pending, &st.Acts, &st.Links, &st.Models)
	}, `
		SELECT
			(SELECT COUNT(*) FROM projects),
			(SELECT COUNT(*) FROM elements),
			(SELECT COUNT(*) FROM elements WHERE pending_sync = 1),
			(SELECT COUNT(*) FROM acts),
			(SELECT COUNT(*) FROM element_acts),
			(SELECT COUNT(*) FROM model_cache)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}
	return &st, nil
}
