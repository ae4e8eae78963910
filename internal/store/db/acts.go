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

const insertActSQL = `
	INSERT INTO acts (
		number, file_path, work_type, act_date, start_date,
		end_date, ks, ks2, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`

// InsertAct appends a new act and returns its assigned id.
//
// Acts are an append-only log: every call inserts a fresh row, even when the
// payload is identical to an existing act. A caller-supplied ID is ignored.
func (db *DB) InsertAct(ctx context.Context, act *schema.Act) (int64, error) {
	if act == nil {
		return 0, fmt.Errorf("%w: act is required", store.ErrValidation)
	}
	if err := act.Validate(); err != nil {
		return 0, err
	}

	a := *act
	if a.CreatedAt.IsZero() {
		a.CreatedAt = db.Now()
	}

	var id int64
	err := db.mutate(ctx, func(s *engine.Session) error {
		res, err := s.Exec(insertActSQL, actArgs(&a)...)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to insert act %q: %w", a.Number, err)
	}
	return id, nil
}

// ImportActs inserts the acts whose number is not yet present in the store
// and returns them with their assigned ids. Existing acts are left untouched.
// Acts with an empty number are always inserted.
func (db *DB) ImportActs(ctx context.Context, acts []*schema.Act) ([]*schema.Act, error) {
	imported := []*schema.Act{}
	if len(acts) == 0 {
		return imported, nil
	}

	now := db.Now()
	err := db.eng.Session(ctx, func(s *engine.Session) error {
		err := s.Tx(func(tx *sql.Tx) error {
			seen := make(map[string]bool)
			for _, act := range acts {
				if act == nil {
					continue
				}
				if err := act.Validate(); err != nil {
					return err
				}

				a := *act
				if a.CreatedAt.IsZero() {
					a.CreatedAt = now
				}

				if a.Number != "" {
					if seen[a.Number] {
						continue
					}
					seen[a.Number] = true

					var n int
					if err := tx.QueryRowContext(ctx,
						`SELECT COUNT(*) FROM acts WHERE number = ?`, a.Number).Scan(&n); err != nil {
						return err
					}
					if n > 0 {
						continue
					}
				}

				res, err := tx.ExecContext(ctx, insertActSQL, actArgs(&a)...)
				if err != nil {
					return err
				}
				if a.ID, err = res.LastInsertId(); err != nil {
					return err
				}
				imported = append(imported, &a)
			}
			return nil
		})
		if err != nil {
			return err
		}
		return s.Persist()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to import acts: %w", err)
	}

	if len(imported) > 0 {
		db.logger.Printf("Imported %d new acts (%d scanned)", len(imported), len(acts))
	}
	return imported, nil
}

// GetAllActs returns every act, latest act date first.
func (db *DB) GetAllActs(ctx context.Context) ([]*schema.Act, error) {
	var acts []*schema.Act
	err := db.eng.Query(ctx, func(rows *sql.Rows) error {
		var err error
		acts, err = scanActs(rows)
		return err
	}, `SELECT `+actColumns+` FROM acts ORDER BY act_date DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query acts: %w", err)
	}
	return acts, nil
}

// GetActsByElement returns the acts linked to an element, ordered by act id.
func (db *DB) GetActsByElement(ctx context.Context, guid string) ([]*schema.Act, error) {
	var acts []*schema.Act
	err := db.eng.Query(ctx, func(rows *sql.Rows) error {
		var err error
		acts, err = scanActs(rows)
		return err
	}, `
		SELECT a.id, a.number, a.file_path, a.work_type, a.act_date, a.start_date,
		       a.end_date, a.ks, a.ks2, a.created_at
		FROM element_acts ea
		JOIN acts a ON a.id = ea.act_id
		WHERE ea.element_guid = ?
		ORDER BY a.id ASC
	`, guid)
	if err != nil {
		return nil, fmt.Errorf("failed to query acts of element %s: %w", guid, err)
	}
	return acts, nil
}

// LinkActToElement associates an act with an element.
//
// Linking an existing pair is a no-op. Returns store.ErrNotFound if either
// the element or the act does not exist.
func (db *DB) LinkActToElement(ctx context.Context, guid string, actID int64) error {
	link := schema.ElementActLink{ElementGUID: guid, ActID: actID, CreatedAt: db.Now()}
	if err := link.Validate(); err != nil {
		return err
	}

	err := db.eng.Session(ctx, func(s *engine.Session) error {
		found, err := exists(s, `SELECT 1 FROM elements WHERE guid = ?`, guid)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("element %s: %w", guid, store.ErrNotFound)
		}

		found, err = exists(s, `SELECT 1 FROM acts WHERE id = ?`, actID)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("act %d: %w", actID, store.ErrNotFound)
		}

		if _, err := s.Exec(`
			INSERT INTO element_acts (element_guid, act_id, created_at)
			VALUES (?, ?, ?)
			ON CONFLICT(element_guid, act_id) DO NOTHING
		`, link.ElementGUID, link.ActID, FormatTime(link.CreatedAt)); err != nil {
			return err
		}
		return s.Persist()
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return err
		}
		return fmt.Errorf("failed to link act %d to element %s: %w", actID, guid, err)
	}
	return nil
}

// UnlinkActFromElement removes the association between an act and an element.
// Returns nil if the pair was not linked (idempotent).
func (db *DB) UnlinkActFromElement(ctx context.Context, guid string, actID int64) error {
	if strings.TrimSpace(guid) == "" {
		return fmt.Errorf("%w: element guid is required", store.ErrValidation)
	}

	err := db.mutate(ctx, func(s *engine.Session) error {
		_, err := s.Exec(`DELETE FROM element_acts WHERE element_guid = ? AND act_id = ?`, guid, actID)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to unlink act %d from element %s: %w", actID, guid, err)
	}
	return nil
}

// GetAllLinks returns every element-act link ordered by element and act.
func (db *DB) GetAllLinks(ctx context.Context) ([]*schema.ElementActLink, error) {
	links := []*schema.ElementActLink{}
	err := db.eng.Query(ctx, func(rows *sql.Rows) error {
		for rows.Next() {
			var (
				l         schema.ElementActLink
				createdAt string
			)
			if err := rows.Scan(&l.ElementGUID, &l.ActID, &createdAt); err != nil {
				return fmt.Errorf("failed to scan link: %w", err)
			}
			l.CreatedAt = ParseTime(createdAt)
			links = append(links, &l)
		}
		return nil
	}, `SELECT element_guid, act_id, created_at FROM element_acts ORDER BY element_guid, act_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query links: %w", err)
	}
	return links, nil
}

func actArgs(a *schema.Act) []any {
	return []any{
		a.Number,
		a.FilePath,
		a.WorkType,
		a.ActDate,
		a.StartDate,
		a.EndDate,
		a.KS,
		a.KS2,
		FormatTime(a.CreatedAt),
	}
}
