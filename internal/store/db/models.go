package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/structura-bim/structura/internal/store"
	"github.com/structura-bim/structura/internal/store/engine"
	"github.com/structura-bim/structura/internal/store/schema"
)

// RecordCachedModel registers a model payload as available offline,
// replacing any previous entry for the same stream and object.
func (db *DB) RecordCachedModel(ctx context.Context, m *schema.CachedModel) error {
	if m == nil {
		return fmt.Errorf("%w: cached model is required", store.ErrValidation)
	}
	if err := m.Validate(); err != nil {
		return err
	}
	cachedAt := m.CachedAt
	if cachedAt == 0 {
		cachedAt = db.Now().UnixMilli()
	}

	err := db.mutate(ctx, func(s *engine.Session) error {
		_, err := s.Exec(`
			INSERT INTO model_cache (stream_id, object_id, size_bytes, cached_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(stream_id, object_id) DO UPDATE SET
				size_bytes = excluded.size_bytes,
				cached_at = excluded.cached_at
		`, m.StreamID, m.ObjectID, m.SizeBytes, cachedAt)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to record cached model %s/%s: %w", m.StreamID, m.ObjectID, err)
	}
	return nil
}

// GetCachedModel returns the cache entry for a model.
// Returns store.ErrNotFound if the model is not cached.
func (db *DB) GetCachedModel(ctx context.Context, streamID, objectID string) (*schema.CachedModel, error) {
	var m *schema.CachedModel
	err := db.eng.Query(ctx, func(rows *sql.Rows) error {
		if !rows.Next() {
			return nil
		}
		m = &schema.CachedModel{}
		return rows.Scan(&m.StreamID, &m.ObjectID, &m.SizeBytes, &m.CachedAt)
	}, `
		SELECT stream_id, object_id, size_bytes, cached_at
		FROM model_cache
		WHERE stream_id = ? AND object_id = ?
	`, streamID, objectID)
	if err != nil {
		return nil, fmt.Errorf("failed to get cached model %s/%s: %w", streamID, objectID, err)
	}
	if m == nil {
		return nil, fmt.Errorf("cached model %s/%s: %w", streamID, objectID, store.ErrNotFound)
	}
	return m, nil
}

// IsModelCached reports whether a model payload is registered.
func (db *DB) IsModelCached(ctx context.Context, streamID, objectID string) (bool, error) {
	_, err := db.GetCachedModel(ctx, streamID, objectID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetAllCachedModels lists the cache registry, newest first.
func (db *DB) GetAllCachedModels(ctx context.Context) ([]*schema.CachedModel, error) {
	models := []*schema.CachedModel{}
	err := db.eng.Query(ctx, func(rows *sql.Rows) error {
		for rows.Next() {
			var m schema.CachedModel
			if err := rows.Scan(&m.StreamID, &m.ObjectID, &m.SizeBytes, &m.CachedAt); err != nil {
				return fmt.Errorf("failed to scan cached model: %w", err)
			}
			models = append(models, &m)
		}
		return nil
	}, `
		SELECT stream_id, object_id, size_bytes, cached_at
		FROM model_cache
		ORDER BY cached_at DESC, stream_id, object_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query cached models: %w", err)
	}
	return models, nil
}

// DeleteCachedModel removes a cache entry. Deleting a missing entry is a no-op.
func (db *DB) DeleteCachedModel(ctx context.Context, streamID, objectID string) error {
	err := db.mutate(ctx, func(s *engine.Session) error {
		_, err := s.Exec(`DELETE FROM model_cache WHERE stream_id = ? AND object_id = ?`, streamID, objectID)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to delete cached model %s/%s: %w", streamID, objectID, err)
	}
	return nil
}
