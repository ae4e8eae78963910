package syncq

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/structura-bim/structura/internal/store"
	"github.com/structura-bim/structura/internal/store/db"
	"github.com/structura-bim/structura/internal/store/engine"
	"github.com/structura-bim/structura/internal/store/schema"
)

// DefaultBatchSize is used by Flush when no positive batch size is given.
const DefaultBatchSize = 100

// queue implements the Queue interface on top of the repository's engine.
type queue struct {
	repo   *db.DB
	logger *log.Logger
}

// target is one marker to clear. A non-empty modifiedAt makes the clear
// conditional on the element not having changed since it was read.
type target struct {
	guid       string
	modifiedAt string
}

// New creates a Queue over an initialized repository.
//
// If logger is nil, a default logger writing to stderr is used.
func New(repo *db.DB, logger *log.Logger) Queue {
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	return &queue{
		repo:   repo,
		logger: logger,
	}
}

// Pending implements Queue.Pending.
func (q *queue) Pending(ctx context.Context) ([]*schema.Element, error) {
	var elements []*schema.Element
	err := q.repo.Engine().Query(ctx, func(rows *sql.Rows) error {
		var err error
		elements, err = db.ScanElements(rows)
		return err
	}, `
		SELECT `+db.ElementColumns+`
		FROM elements
		WHERE pending_sync = 1
		ORDER BY modified_at ASC, guid ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending elements: %w", err)
	}
	return elements, nil
}

// PendingCount implements Queue.PendingCount.
func (q *queue) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := q.repo.Engine().Query(ctx, func(rows *sql.Rows) error {
		if rows.Next() {
			return rows.Scan(&n)
		}
		return nil
	}, `SELECT COUNT(*) FROM elements WHERE pending_sync = 1`)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending elements: %w", err)
	}
	return n, nil
}

// MarkSynced implements Queue.MarkSynced.
func (q *queue) MarkSynced(ctx context.Context, guids []string) error {
	unique := dedupe(guids)
	if len(unique) == 0 {
		return nil
	}

	targets := make([]target, len(unique))
	for i, guid := range unique {
		targets[i] = target{guid: guid}
	}

	n, err := q.clear(ctx, targets)
	if err != nil {
		return err
	}
	q.logger.Printf("Marked %d element(s) synced (%d requested)", n, len(guids))
	return nil
}

// Flush implements Queue.Flush.
func (q *queue) Flush(ctx context.Context, up Uploader, batchSize int) (*FlushResult, error) {
	if up == nil {
		return nil, fmt.Errorf("%w: uploader is required", store.ErrValidation)
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	pending, err := q.Pending(ctx)
	if err != nil {
		return nil, err
	}

	res := &FlushResult{}
	for start := 0; start < len(pending); start += batchSize {
		if err := ctx.Err(); err != nil {
			res.Pending = len(pending) - res.Synced
			return res, err
		}

		batch := pending[start:min(start+batchSize, len(pending))]
		if err := up.Upload(ctx, batch); err != nil {
			res.Pending = len(pending) - res.Synced
			q.logger.Printf("WARNING: Upload of batch %d failed: %v", res.Batches+1, err)
			return res, fmt.Errorf("upload of batch %d failed: %w", res.Batches+1, err)
		}
		res.Batches++
		res.Uploaded += len(batch)

		// Only clear markers of elements that did not change while the
		// batch was in flight; later edits still need an upload.
		targets := make([]target, len(batch))
		for i, e := range batch {
			targets[i] = target{guid: e.GUID, modifiedAt: db.FormatTime(e.ModifiedAt)}
		}
		n, err := q.clear(ctx, targets)
		if err != nil {
			res.Pending = len(pending) - res.Synced
			return res, fmt.Errorf("failed to mark batch %d synced: %w", res.Batches, err)
		}
		res.Synced += n
		res.Skipped += len(batch) - n
	}

	res.Pending, err = q.PendingCount(ctx)
	if err != nil {
		return res, err
	}

	q.logger.Printf("Flush complete: batches=%d, uploaded=%d, synced=%d, skipped=%d, pending=%d",
		res.Batches, res.Uploaded, res.Synced, res.Skipped, res.Pending)
	return res, nil
}

// clear resets the pending marker of targets in one transaction and persists.
// If persisting fails, the markers it cleared are set again before the error
// is returned. It returns the number of markers cleared.
func (q *queue) clear(ctx context.Context, targets []target) (int, error) {
	var cleared []string

	err := q.repo.Engine().Session(ctx, func(s *engine.Session) error {
		err := s.Tx(func(tx *sql.Tx) error {
			cleared = cleared[:0]
			for _, t := range targets {
				query := `UPDATE elements SET pending_sync = 0 WHERE guid = ? AND pending_sync = 1`
				args := []any{t.guid}
				if t.modifiedAt != "" {
					query += ` AND modified_at = ?`
					args = append(args, t.modifiedAt)
				}

				res, err := tx.ExecContext(ctx, query, args...)
				if err != nil {
					return fmt.Errorf("failed to clear marker of %s: %w", t.guid, err)
				}
				n, err := res.RowsAffected()
				if err != nil {
					return err
				}
				if n > 0 {
					cleared = append(cleared, t.guid)
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		if len(cleared) == 0 {
			return nil
		}

		if err := s.Persist(); err != nil {
			if rerr := restore(ctx, s, cleared); rerr != nil {
				q.logger.Printf("ERROR: Failed to restore %d pending marker(s): %v", len(cleared), rerr)
				return fmt.Errorf("%w (restoring markers: %v)", err, rerr)
			}
			q.logger.Printf("WARNING: Persist failed, %d pending marker(s) restored: %v", len(cleared), err)
			return err
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to mark elements synced: %w", err)
	}
	return len(cleared), nil
}

// restore sets the pending marker of guids again.
func restore(ctx context.Context, s *engine.Session, guids []string) error {
	return s.Tx(func(tx *sql.Tx) error {
		for _, guid := range guids {
			if _, err := tx.ExecContext(ctx, `UPDATE elements SET pending_sync = 1 WHERE guid = ?`, guid); err != nil {
				return err
			}
		}
		return nil
	})
}

// dedupe drops blank and repeated GUIDs, keeping first-seen order.
func dedupe(guids []string) []string {
	seen := mapset.NewThreadUnsafeSetWithSize[string](len(guids))
	unique := make([]string, 0, len(guids))
	for _, guid := range guids {
		guid = strings.TrimSpace(guid)
		if guid == "" {
			continue
		}
		if seen.Add(guid) {
			unique = append(unique, guid)
		}
	}
	return unique
}
