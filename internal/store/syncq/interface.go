package syncq

import (
	"context"

	"github.com/structura-bim/structura/internal/store/schema"
)

// Queue is the pending-sync view of the element store.
type Queue interface {
	// Pending returns every element awaiting upload, oldest change first
	// (modified_at ascending, then GUID).
	Pending(ctx context.Context) ([]*schema.Element, error)

	// PendingCount returns the number of elements awaiting upload.
	PendingCount(ctx context.Context) (int, error)

	// MarkSynced clears the pending marker of the given elements.
	//
	// Duplicates are ignored, as are GUIDs that are unknown or already
	// synced. The change is persisted before MarkSynced returns; on a
	// persist failure no marker is cleared and the error wraps
	// store.ErrPersistFailure. An empty list is a no-op.
	MarkSynced(ctx context.Context, guids []string) error

	// Flush uploads the pending set in batches of at most batchSize
	// elements and marks every accepted batch synced. It stops at the
	// first upload error; elements of unaccepted batches stay pending.
	Flush(ctx context.Context, up Uploader, batchSize int) (*FlushResult, error)
}

// Uploader pushes a batch of elements to the remote service. A nil error
// means the remote side accepted the whole batch.
type Uploader interface {
	Upload(ctx context.Context, batch []*schema.Element) error
}

// UploaderFunc adapts a function to the Uploader interface.
type UploaderFunc func(ctx context.Context, batch []*schema.Element) error

// Upload calls f(ctx, batch).
func (f UploaderFunc) Upload(ctx context.Context, batch []*schema.Element) error {
	return f(ctx, batch)
}

// FlushResult summarizes one Flush run.
type FlushResult struct {
	Batches  int `json:"batches" yaml:"batches"`
	Uploaded int `json:"uploaded" yaml:"uploaded"`
	Synced   int `json:"synced" yaml:"synced"`
	Skipped  int `json:"skipped" yaml:"skipped"` // edited while in flight, still pending
	Pending  int `json:"pending" yaml:"pending"`
}
