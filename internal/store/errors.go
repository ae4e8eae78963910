// Package store holds the error kinds shared by the local storage layers
// (engine, db, syncq) and the access gateway.
package store

import "errors"

// Error kinds returned by storage operations.
//
// Callers check them with errors.Is:
//
//	if errors.Is(err, store.ErrNotFound) {
//	    // the referenced element or act does not exist
//	}
var (
	// ErrValidation is returned when a required field is missing or malformed.
	// The caller must fix the input; retrying will not help.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned when an operation references an entity
	// that does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConstraint is returned when a uniqueness or integrity rule is broken.
	ErrConstraint = errors.New("constraint violation")

	// ErrStorageUnavailable is returned when the engine is not initialized,
	// already closed, or the backing file cannot be read or written.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrPersistFailure is returned when flushing to disk failed after the
	// in-memory mutation succeeded. Persist can be retried without redoing
	// the mutation.
	ErrPersistFailure = errors.New("persist failed")
)

// Wire tags for error kinds.
const (
	KindValidation         = "validation"
	KindNotFound           = "not_found"
	KindConstraint         = "constraint_violation"
	KindStorageUnavailable = "storage_unavailable"
	KindPersistFailure     = "persist_failure"
	KindInternal           = "internal"
)

// Kind returns the wire tag for err. Errors that do not wrap one of the
// sentinels above are reported as KindInternal. Returns "" for nil.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConstraint):
		return KindConstraint
	case errors.Is(err, ErrStorageUnavailable):
		return KindStorageUnavailable
	case errors.Is(err, ErrPersistFailure):
		return KindPersistFailure
	default:
		return KindInternal
	}
}

// IsRetryable returns true if the error is transient: the same call may
// succeed once the disk or data directory is accessible again.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrStorageUnavailable) || errors.Is(err, ErrPersistFailure)
}

// IsCallerError returns true if the error was caused by the request itself
// (bad input, missing reference, duplicate key).
func IsCallerError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrConstraint)
}
