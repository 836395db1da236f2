package filevault

import "errors"

var (
	// ErrNotFound is returned when no committed record (or no blob) exists
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a commit races another writer. Under the
	// per-path lock this should never happen and is logged as a bug signal.
	ErrConflict = errors.New("conflict")
	// ErrStorageUnavailable is returned for transient backend or metadata I/O
	// failures, including timeouts. The whole operation is safe to retry.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrCorrupted is returned when a committed record references a blob that
	// is missing from its backend. It is not retryable.
	ErrCorrupted = errors.New("corrupted")
	// ErrQuotaExceeded is returned when a write would exceed the owner's quota
	// or the backend reports it is out of space
	ErrQuotaExceeded = errors.New("quota exceeded")
	// ErrInternal is returned when an internal error occurs
	ErrInternal = errors.New("internal error")
	// ErrInvalidInput is returned when input validation fails
	ErrInvalidInput = errors.New("invalid input")
	// ErrUnauthorized is returned when authentication fails
	ErrUnauthorized = errors.New("unauthorized")
)
