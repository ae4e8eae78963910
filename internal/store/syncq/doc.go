// Package syncq tracks which elements still have to be pushed to the remote
// service.
//
// Overview
//
// Every element upsert or status change marks the element pending and stamps
// its modified_at time (see internal/store/db). The queue reads that pending
// set, clears markers once an upload is acknowledged, and drives an external
// Uploader in batches.
//
//	UI edit ──► db.UpsertElement ──► pending_sync = 1
//	                                      │
//	                                 Queue.Pending
//	                                      │
//	                                  Uploader
//	                                      │
//	                               Queue.MarkSynced ──► pending_sync = 0
//
// Delivery
//
// Delivery is at-least-once. Markers are cleared only after the uploader
// returns, so a crash between upload and MarkSynced re-sends the batch on
// the next Flush. An element edited while its batch was in flight stays
// pending.
//
// Atomicity
//
// MarkSynced clears all markers of one call in a single transaction and
// persists the store before returning. If persisting fails, the cleared
// markers are restored in memory and store.ErrPersistFailure is returned:
// either every given element is synced or none is.
//
// Usage
//
//	q := syncq.New(repo, nil)
//
//	res, err := q.Flush(ctx, syncq.UploaderFunc(func(ctx context.Context, batch []*schema.Element) error {
//	    return client.Push(ctx, batch)
//	}), 100)
package syncq
