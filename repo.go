package filevault

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
)

// MetaDataRepo defines the interface for file record persistence.
// Implementations must handle concurrent access safely. Every mutating method
// is a single statement except Commit, which runs one transaction over the
// rows of a single (owner, path).
//
// All methods accept a context for cancellation and timeout control.
type MetaDataRepo interface {
	// NextVersion returns the version a new write to (owner, path) should use:
	// one more than the highest version ever recorded for it, in any status.
	NextVersion(ctx context.Context, owner, path string) (int64, error)

	// InsertPending records the intent to write a new version.
	//
	// Returns:
	//   - FileRecord: the stored pending record with ID and timestamps
	//   - error: ErrConflict if (owner, path, version) already exists
	InsertPending(ctx context.Context, rec PendingRecord) (FileRecord, error)

	// Commit promotes a pending record to committed and demotes the previous
	// committed version of the same path to superseded, atomically.
	//
	// Returns:
	//   - FileRecord: the committed record
	//   - error: ErrConflict if id is not pending, or if a committed record
	//     with an equal or newer version already exists
	Commit(ctx context.Context, id uuid.UUID, in CommitInput) (FileRecord, error)

	// DeletePending removes a record that is still pending. It is the
	// compensating action of an aborted write.
	//
	// Returns:
	//   - error: ErrNotFound if no pending record has this id
	DeletePending(ctx context.Context, id uuid.UUID) error

	// Tombstone marks the committed record of (owner, path) as deleted.
	//
	// Returns:
	//   - FileRecord: the tombstoned record, so its blob can be scheduled
	//   - error: ErrNotFound if nothing is committed at the path
	Tombstone(ctx context.Context, owner, path string) (FileRecord, error)

	// LookupCommitted returns the committed record of (owner, path).
	//
	// Returns:
	//   - error: ErrNotFound if nothing is committed at the path
	LookupCommitted(ctx context.Context, owner, path string) (FileRecord, error)

	// ListPendingOlderThan returns up to limit pending records whose
	// created_at is older than age, oldest first.
	ListPendingOlderThan(ctx context.Context, age time.Duration, limit int) ([]FileRecord, error)

	// ListReclaimable returns up to limit records whose blobs may be deleted:
	// every tombstoned record and superseded records last updated before
	// supersededBefore, skipping those with maxAttempts or more failed
	// cleanups.
	ListReclaimable(ctx context.Context, supersededBefore time.Time, maxAttempts, limit int) ([]FileRecord, error)

	// ListExhausted returns records whose cleanup budget is spent. They are
	// kept for manual audit.
	ListExhausted(ctx context.Context, maxAttempts, limit int) ([]FileRecord, error)

	// RecordCleanupFailure increments the failed cleanup counter of a record
	// and returns the new count.
	RecordCleanupFailure(ctx context.Context, id uuid.UUID) (int, error)

	// Remove physically deletes a non-committed record. Only garbage
	// collection calls it, after the blob is confirmed gone.
	//
	// Returns:
	//   - error: ErrNotFound if no non-committed record has this id
	Remove(ctx context.Context, id uuid.UUID) error

	// Rebind moves a committed record to a new blob after migration.
	//
	// Returns:
	//   - FileRecord: the updated record
	//   - error: ErrConflict if the record is no longer committed with oldKey
	Rebind(ctx context.Context, id uuid.UUID, oldKey string, handle BlobHandle) (FileRecord, error)

	// List returns a page of committed records of q.Owner whose path starts
	// with q.PathPrefix, ordered by (created_at, path).
	List(ctx context.Context, q ListQuery) (ListResult, error)

	// ListVersions returns every non-pending version of (owner, path), newest first.
	ListVersions(ctx context.Context, owner, path string) ([]FileRecord, error)

	// ListByBackend returns a page of committed records of every owner stored
	// on kind, ordered by (created_at, id).
	ListByBackend(ctx context.Context, kind BackendKind, cursor string, limit int) (ListResult, error)

	// Usage sums the committed records of owner.
	Usage(ctx context.Context, owner string) (Usage, error)
}

// BlobBackend defines the capability every blob store offers. Keys are
// opaque strings chosen by the engine; they are never logical paths.
//
// Implementations must not retry internally: retries belong to the caller
// or to garbage collection. Backend-specific errors are mapped to
// ErrNotFound, ErrQuotaExceeded or ErrStorageUnavailable.
type BlobBackend interface {
	// Kind reports which backend kind the records written through this
	// backend will carry.
	Kind() BackendKind

	// Put stores content under key, overwriting any previous bytes, so that a
	// retry under the same key is safe.
	Put(ctx context.Context, key string, content io.Reader) (BlobHandle, error)

	// Get opens the bytes stored under key. The caller closes the reader.
	//
	// Returns:
	//   - error: ErrNotFound if key does not exist
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes the bytes stored under key.
	//
	// Returns:
	//   - error: ErrNotFound if key does not exist (callers tolerate it)
	Delete(ctx context.Context, key string) error

	// Exists reports whether key is present. Only garbage collection and
	// audits call it; the read and write paths never do.
	Exists(ctx context.Context, key string) (bool, error)
}
