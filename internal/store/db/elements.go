package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/structura-bim/structura/internal/store"
	"github.com/structura-bim/structura/internal/store/engine"
	"github.com/structura-bim/structura/internal/store/schema"
)

// UpsertElement inserts or replaces an element by GUID.
//
// Every field is overwritten (last write wins). The element is marked
// pending sync and stamped with the current time; the stored element is
// returned.
func (db *DB) UpsertElement(ctx context.Context, e *schema.Element) (*schema.Element, error) {
	if e == nil {
		return nil, fmt.Errorf("%w: element is required", store.ErrValidation)
	}

	el := *e
	el.SetDefaults()
	if err := el.Validate(); err != nil {
		return nil, err
	}
	el.MarkModified(db.now())

	query := `
	INSERT INTO elements (
		guid, project_id, name, position, material, level, axes,
		volume, status, properties, pending_sync, modified_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)
	ON CONFLICT(guid) DO UPDATE SET
		project_id = excluded.project_id,
		name = excluded.name,
		position = excluded.position,
		material = excluded.material,
		level = excluded.level,
		axes = excluded.axes,
		volume = excluded.volume,
		status = excluded.status,
		properties = excluded.properties,
		pending_sync = 1,
		modified_at = excluded.modified_at
	`

	err := db.mutate(ctx, func(s *engine.Session) error {
		_, err := s.Exec(query,
			el.GUID,
			el.ProjectID,
			el.Name,
			el.Position,
			el.Material,
			el.Level,
			el.Axes,
			el.Volume,
			el.Status,
			rawToNull(el.Properties),
			FormatTime(el.ModifiedAt),
		)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upsert element %s: %w", el.GUID, err)
	}
	return &el, nil
}

// GetElementsByProject returns the elements of a project ordered by GUID.
func (db *DB) GetElementsByProject(ctx context.Context, projectID string) ([]*schema.Element, error) {
	var elements []*schema.Element
	err := db.eng.Query(ctx, func(rows *sql.Rows) error {
		var err error
		elements, err = ScanElements(rows)
		return err
	}, `SELECT `+ElementColumns+` FROM elements WHERE project_id = ? ORDER BY guid ASC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query elements of project %s: %w", projectID, err)
	}
	return elements, nil
}

// GetAllElements returns every element ordered by GUID.
func (db *DB) GetAllElements(ctx context.Context) ([]*schema.Element, error) {
	var elements []*schema.Element
	err := db.eng.Query(ctx, func(rows *sql.Rows) error {
		var err error
		elements, err = ScanElements(rows)
		return err
	}, `SELECT `+ElementColumns+` FROM elements ORDER BY guid ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query elements: %w", err)
	}
	return elements, nil
}

// GetElement retrieves a single element by GUID.
// Returns store.ErrNotFound if the element does not exist.
func (db *DB) GetElement(ctx context.Context, guid string) (*schema.Element, error) {
	var el *schema.Element
	err := db.eng.Query(ctx, func(rows *sql.Rows) error {
		if !rows.Next() {
			return nil
		}
		var err error
		el, err = ScanElement(rows)
		return err
	}, `SELECT `+ElementColumns+` FROM elements WHERE guid = ?`, guid)
	if err != nil {
		return nil, fmt.Errorf("failed to get element %s: %w", guid, err)
	}
	if el == nil {
		return nil, fmt.Errorf("element %s: %w", guid, store.ErrNotFound)
	}
	return el, nil
}

// UpdateElementStatus sets the status of an existing element, marks it
// pending sync and stamps the modification time. No other field changes.
//
// Returns store.ErrNotFound without mutating anything if no element has
// that GUID; this never creates an element.
func (db *DB) UpdateElementStatus(ctx context.Context, guid, status string) error {
	if strings.TrimSpace(guid) == "" {
		return fmt.Errorf("%w: element guid is required", store.ErrValidation)
	}
	if status == "" {
		return fmt.Errorf("%w: element %s: status is required", store.ErrValidation, guid)
	}

	modifiedAt := FormatTime(db.now())

	err := db.eng.Session(ctx, func(s *engine.Session) error {
		found, err := exists(s, `SELECT 1 FROM elements WHERE guid = ?`, guid)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("element %s: %w", guid, store.ErrNotFound)
		}

		if _, err := s.Exec(`
			UPDATE elements
			SET status = ?, pending_sync = 1, modified_at = ?
			WHERE guid = ?
		`, status, modifiedAt, guid); err != nil {
			return err
		}
		return s.Persist()
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return err
		}
		return fmt.Errorf("failed to update status of element %s: %w", guid, err)
	}
	return nil
}
