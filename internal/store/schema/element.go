package schema

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/structura-bim/structura/internal/store"
)

// Element statuses used by the desktop UI. The set is not enforced here.
const (
	StatusNotClosed      = "Не закрыт"
	StatusPartlyClosed   = "Закрыт частично"
	StatusFullyClosed    = "Закрыт полностью"
	DefaultElementStatus = StatusNotClosed
)

// Project represents a BIM project.
type Project struct {
	ID              string          `json:"id"`
	SpeckleStreamID string          `json:"speckle_stream_id,omitempty"`
	Name            string          `json:"name"`
	CachedAt        int64           `json:"cached_at,omitempty"` // unix millis
	Metadata        json.RawMessage `json:"metadata,omitempty"`
}

// Validate checks the required fields of the project.
func (p *Project) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("%w: project id is required", store.ErrValidation)
	}
	if err := validRaw("metadata", p.Metadata); err != nil {
		return err
	}
	return nil
}

// Element represents a trackable building component.
//
// PendingSync and ModifiedAt are owned by the store: every upsert and every
// status change sets PendingSync and stamps ModifiedAt.
type Element struct {
	// ===== Identification =====
	GUID      string `json:"guid"`
	ProjectID string `json:"project_id"`

	// ===== Model attributes =====
	Name     string  `json:"name,omitempty"`
	Position string  `json:"position,omitempty"`
	Material string  `json:"material,omitempty"`
	Level    string  `json:"level,omitempty"`
	Axes     string  `json:"axes,omitempty"`
	Volume   float64 `json:"volume,omitempty"`

	Status     string          `json:"status"`
	Properties json.RawMessage `json:"properties,omitempty"`

	// ===== Sync state =====
	PendingSync bool      `json:"pending_sync"`
	ModifiedAt  time.Time `json:"modified_at"`
}

// Validate checks the required fields of the element.
func (e *Element) Validate() error {
	if strings.TrimSpace(e.GUID) == "" {
		return fmt.Errorf("%w: element guid is required", store.ErrValidation)
	}
	if strings.TrimSpace(e.ProjectID) == "" {
		return fmt.Errorf("%w: element %s: project_id is required", store.ErrValidation, e.GUID)
	}
	if err := validRaw("properties", e.Properties); err != nil {
		return err
	}
	return nil
}

// SetDefaults applies default values for optional fields.
func (e *Element) SetDefaults() {
	if e.Status == "" {
		e.Status = DefaultElementStatus
	}
}

// MarkModified flags the element for upload and stamps the modification time.
func (e *Element) MarkModified(now time.Time) {
	e.PendingSync = true
	e.ModifiedAt = now.UTC()
}

// validRaw rejects free-form fields that are present but not valid JSON.
func validRaw(field string, raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	if !json.Valid(raw) {
		return fmt.Errorf("%w: %s is not valid JSON", store.ErrValidation, field)
	}
	return nil
}
