package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/structura-bim/structura/internal/store"
	"github.com/structura-bim/structura/internal/store/engine"
	"github.com/structura-bim/structura/internal/store/schema"
)

// UpsertProject inserts or replaces a project by id.
func (db *DB) UpsertProject(ctx context.Context, p *schema.Project) error {
	if p == nil {
		return fmt.Errorf("%w: project is required", store.ErrValidation)
	}
	if err := p.Validate(); err != nil {
		return err
	}

	query := `
	INSERT INTO projects (id, speckle_stream_id, name, cached_at, metadata)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		speckle_stream_id = excluded.speckle_stream_id,
		name = excluded.name,
		cached_at = excluded.cached_at,
		metadata = excluded.metadata
	`

	err := db.mutate(ctx, func(s *engine.Session) error {
		_, err := s.Exec(query,
			p.ID,
			p.SpeckleStreamID,
			p.Name,
			p.CachedAt,
			rawToNull(p.Metadata),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to upsert project %s: %w", p.ID, err)
	}
	return nil
}

// GetAllProjects returns every project, most recently cached first.
func (db *DB) GetAllProjects(ctx context.Context) ([]*schema.Project, error) {
	projects := []*schema.Project{}

	err := db.eng.Query(ctx, func(rows *sql.Rows) error {
		for rows.Next() {
			var (
				p        schema.Project
				metadata sql.NullString
			)
			if err := rows.Scan(&p.ID, &p.SpeckleStreamID, &p.Name, &p.CachedAt, &metadata); err != nil {
				return fmt.Errorf("failed to scan project: %w", err)
			}
			p.Metadata = nullToRaw(metadata)
			projects = append(projects, &p)
		}
		return nil
	}, `
		SELECT id, speckle_stream_id, name, cached_at, metadata
		FROM projects
		ORDER BY cached_at DESC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query projects: %w", err)
	}
	return projects, nil
}
