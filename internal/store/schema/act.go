package schema

import (
	"fmt"
	"strings"
	"time"

	"github.com/structura-bim/structura/internal/store"
)

// UnknownWorkType is used for acts found directly in the scanned root folder.
const UnknownWorkType = "Не указан"

// Act is an approval or inspection record. Acts are append-only: ID is
// assigned by the store on insert and rows are never updated.
type Act struct {
	ID        int64     `json:"id"`
	Number    string    `json:"number"`
	FilePath  string    `json:"file_path,omitempty"`
	WorkType  string    `json:"work_type,omitempty"`
	ActDate   string    `json:"act_date,omitempty"`
	StartDate string    `json:"start_date,omitempty"`
	EndDate   string    `json:"end_date,omitempty"`
	KS        string    `json:"ks,omitempty"`
	KS2       string    `json:"ks2,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Validate checks the act before insert. The store assigns ID, so a
// caller-supplied positive id is ignored rather than rejected.
func (a *Act) Validate() error {
	if a.ID < 0 {
		return fmt.Errorf("%w: act id must not be negative (got %d)", store.ErrValidation, a.ID)
	}
	return nil
}

// ElementActLink associates an element with an act.
type ElementActLink struct {
	ElementGUID string    `json:"element_guid"`
	ActID       int64     `json:"act_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// Validate checks both sides of the link are set.
func (l *ElementActLink) Validate() error {
	if strings.TrimSpace(l.ElementGUID) == "" {
		return fmt.Errorf("%w: element guid is required", store.ErrValidation)
	}
	if l.ActID <= 0 {
		return fmt.Errorf("%w: act id must be positive (got %d)", store.ErrValidation, l.ActID)
	}
	return nil
}

// CachedModel records a 3D model payload stored for offline viewing.
type CachedModel struct {
	StreamID  string `json:"stream_id"`
	ObjectID  string `json:"object_id"`
	SizeBytes int64  `json:"size_bytes"`
	CachedAt  int64  `json:"cached_at"` // unix millis
}

// Validate checks the composite key of the cache entry.
func (m *CachedModel) Validate() error {
	if strings.TrimSpace(m.StreamID) == "" {
		return fmt.Errorf("%w: stream_id is required", store.ErrValidation)
	}
	if strings.TrimSpace(m.ObjectID) == "" {
		return fmt.Errorf("%w: object_id is required", store.ErrValidation)
	}
	if m.SizeBytes < 0 {
		return fmt.Errorf("%w: size_bytes must not be negative (got %d)", store.ErrValidation, m.SizeBytes)
	}
	return nil
}
