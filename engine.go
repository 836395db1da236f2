package filevault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	defaultMetadataTimeout = 5 * time.Second
	defaultBlobTimeout     = 5 * time.Minute
	defaultCleanupTimeout  = 30 * time.Second
	defaultDeleteWorkers   = 2
	defaultDeleteQueueSize = 256
	defaultMaxAttempts     = 5
	defaultListLimit       = 100
	maxListLimit           = 1000
	exploreBatch           = 1000
)

// EngineConfig holds configuration options for Engine.
type EngineConfig struct {
	Active          BackendKind   // Backend new versions are written to
	MetadataTimeout time.Duration // Timeout for each metadata call (default: 5s)
	BlobTimeout     time.Duration // Timeout for a blob upload (default: 5m)
	CleanupTimeout  time.Duration // Timeout for compensating deletes (default: 30s)
	QuotaBytes      int64         // Committed bytes allowed per owner, 0 disables
	DeleteWorkers   int           // Async blob deletion workers (default: 2)
	DeleteQueueSize int           // Async deletion queue capacity (default: 256)
	MaxAttempts     int           // Cleanup budget per record (default: 5)
	Logger          *slog.Logger
}

// Engine pairs every blob with its metadata record. Writes go through a
// pending record, the blob upload and a commit; reads only ever see
// committed records.
type Engine struct {
	repo     MetaDataRepo
	locker   Locker
	backends map[BackendKind]BlobBackend
	active   BlobBackend
	cfg      EngineConfig
	logger   *slog.Logger

	mu      sync.RWMutex
	closed  bool
	deletes chan FileRecord
	wg      sync.WaitGroup
}

func NewEngine(repo MetaDataRepo, locker Locker, cfg EngineConfig, backends ...BlobBackend) (*Engine, error) {
	if repo == nil {
		return nil, errors.New("new engine: repo is required")
	}
	if locker == nil {
		return nil, errors.New("new engine: locker is required")
	}
	if !cfg.Active.IsValid() {
		return nil, fmt.Errorf("new engine: invalid active backend: %s", cfg.Active)
	}

	byKind := make(map[BackendKind]BlobBackend, len(backends))
	for _, b := range backends {
		if _, dup := byKind[b.Kind()]; dup {
			return nil, fmt.Errorf("new engine: duplicate backend kind: %s", b.Kind())
		}
		byKind[b.Kind()] = b
	}
	active, ok := byKind[cfg.Active]
	if !ok {
		return nil, fmt.Errorf("new engine: active backend %s not configured", cfg.Active)
	}

	if cfg.MetadataTimeout <= 0 {
		cfg.MetadataTimeout = defaultMetadataTimeout
	}
	if cfg.BlobTimeout <= 0 {
		cfg.BlobTimeout = defaultBlobTimeout
	}
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = defaultCleanupTimeout
	}
	if cfg.DeleteWorkers <= 0 {
		cfg.DeleteWorkers = defaultDeleteWorkers
	}
	if cfg.DeleteQueueSize <= 0 {
		cfg.DeleteQueueSize = defaultDeleteQueueSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		repo:     repo,
		locker:   locker,
		backends: byKind,
		active:   active,
		cfg:      cfg,
		logger:   logger,
		deletes:  make(chan FileRecord, cfg.DeleteQueueSize),
	}

	for range cfg.DeleteWorkers {
		e.wg.Add(1)
		go e.deleteWorker()
	}

	return e, nil
}

// Close stops accepting deletion jobs and waits for queued ones to finish.
// Jobs still queued are processed; anything dropped is left to the collector.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.deletes)
	e.mu.Unlock()

	e.wg.Wait()
}

// ActiveBackend reports the kind new versions are written to.
func (e *Engine) ActiveBackend() BackendKind {
	return e.active.Kind()
}

// Write stores content as the next version of obj.Path for owner.
//
// The method performs the following steps:
//  1. Validates owner and path, then takes the (owner, path) lock
//  2. Checks the owner's quota and limits the stream to what is left
//  3. Records a pending version with a freshly generated blob key
//  4. Streams content to the active backend while hashing it
//  5. Commits the record, superseding the previous version
//
// Waiting for the lock honours ctx. Once the lock is held the remaining steps
// run detached from ctx cancellation with their own timeouts, so a client
// disconnect cannot leave a transition half done. Any failure after step 3
// removes the pending record and the blob before returning.
//
// Error types returned:
//   - ErrInvalidInput: Owner or path fails validation
//   - ErrQuotaExceeded: The owner's quota or the backend's capacity is exhausted
//   - ErrStorageUnavailable: Backend or metadata failure, including timeouts
//   - ErrConflict: The commit lost a race it should never be able to lose
func (e *Engine) Write(ctx context.Context, owner string, obj WriteObject, content io.Reader) (FileRecord, error) {
	if err := ctx.Err(); err != nil {
		return FileRecord{}, fmt.Errorf("write: %w", err)
	}
	if !IsValidOwner(owner) {
		return FileRecord{}, fmt.Errorf("write: %w: invalid owner", ErrInvalidInput)
	}
	if !IsValidPath(obj.Path) {
		return FileRecord{}, fmt.Errorf("write %s: %w: invalid path", obj.Path, ErrInvalidInput)
	}
	if obj.ContentType == "" {
		obj.ContentType = "application/octet-stream"
	}

	unlock, err := e.locker.Lock(ctx, owner, obj.Path)
	if err != nil {
		return FileRecord{}, fmt.Errorf("write %s: lock: %w", obj.Path, classify(err))
	}
	defer unlock()

	ctx = context.WithoutCancel(ctx)

	var limiter *quotaReader
	if e.cfg.QuotaBytes > 0 {
		usage, usageErr := e.usage(ctx, owner)
		if usageErr != nil {
			return FileRecord{}, fmt.Errorf("write %s: usage: %w", obj.Path, classify(usageErr))
		}
		remaining := max(e.cfg.QuotaBytes-usage.Bytes, 0)
		limiter = &quotaReader{r: content, remaining: remaining}
		content = limiter
	}

	pending, err := e.insertPending(ctx, owner, obj)
	if err != nil {
		return FileRecord{}, fmt.Errorf("write %s: %w", obj.Path, classify(err))
	}

	digest := newDigestReader(content)
	blobCtx, cancelBlob := context.WithTimeout(ctx, e.cfg.BlobTimeout)
	handle, putErr := e.active.Put(blobCtx, pending.BlobKey, digest)
	cancelBlob()
	if putErr != nil {
		if limiter != nil && limiter.remaining < 0 {
			putErr = ErrQuotaExceeded
		}
		e.abort(ctx, pending, "blob write failed")
		return FileRecord{}, fmt.Errorf("write %s: %w", obj.Path, classify(putErr))
	}

	in := CommitInput{Handle: handle, Checksum: digest.Checksum(), SizeBytes: digest.Size()}
	metaCtx, cancelMeta := context.WithTimeout(ctx, e.cfg.MetadataTimeout)
	committed, commitErr := e.repo.Commit(metaCtx, pending.ID, in)
	cancelMeta()
	if commitErr == nil {
		return committed, nil
	}

	if errors.Is(commitErr, ErrConflict) {
		e.logger.Error("commit conflict under path lock",
			"owner", owner, "path", obj.Path, "version", pending.Version, "error", commitErr)
		e.abort(ctx, pending, "commit conflict")
		return FileRecord{}, fmt.Errorf("write %s: %w", obj.Path, commitErr)
	}

	// The commit may have landed even though the call failed.
	current, lookupErr := e.lookup(ctx, owner, obj.Path)
	switch {
	case lookupErr == nil && current.ID == pending.ID:
		return current, nil
	case lookupErr == nil || errors.Is(lookupErr, ErrNotFound):
		e.abort(ctx, pending, "commit failed")
	default:
		e.logger.Warn("commit outcome unknown, leaving pending record to the collector",
			"owner", owner, "path", obj.Path, "id", pending.ID, "error", lookupErr)
	}
	return FileRecord{}, fmt.Errorf("write %s: commit: %w", obj.Path, classify(commitErr))
}

func (e *Engine) insertPending(ctx context.Context, owner string, obj WriteObject) (FileRecord, error) {
	metaCtx, cancel := context.WithTimeout(ctx, e.cfg.MetadataTimeout)
	defer cancel()

	version, err := e.repo.NextVersion(metaCtx, owner, obj.Path)
	if err != nil {
		return FileRecord{}, fmt.Errorf("next version: %w", err)
	}

	rec, err := e.repo.InsertPending(metaCtx, PendingRecord{
		Owner:       owner,
		Path:        obj.Path,
		Backend:     e.active.Kind(),
		BlobKey:     NewBlobKey(owner, version),
		ContentType: obj.ContentType,
		Version:     version,
	})
	if err != nil {
		return FileRecord{}, fmt.Errorf("insert pending: %w", err)
	}
	return rec, nil
}

// abort undoes a write that never committed. The blob goes first: a pending
// record whose blob could not be removed is kept so the collector retries.
func (e *Engine) abort(ctx context.Context, pending FileRecord, reason string) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.CleanupTimeout)
	defer cancel()

	log := e.logger.With("owner", pending.Owner, "path", pending.Path, "id", pending.ID, "reason", reason)

	backend, err := e.backendFor(pending.Backend)
	if err != nil {
		log.Warn("abort: backend unavailable, leaving pending record", "error", err)
		return
	}
	if err := backend.Delete(ctx, pending.BlobKey); err != nil && !errors.Is(err, ErrNotFound) {
		log.Warn("abort: blob delete failed, leaving pending record", "error", err)
		return
	}
	if err := e.repo.DeletePending(ctx, pending.ID); err != nil && !errors.Is(err, ErrNotFound) {
		log.Warn("abort: pending record delete failed", "error", err)
	}
}

// Read opens the committed version of path. The caller closes the reader.
// Reads take no lock: a concurrent writer only ever replaces which record is
// committed, never the bytes behind one. A blob that disappears between the
// lookup and the fetch is only corruption if its record is still the
// committed one; a delete, reclaim or migration in between moves the read to
// the current record instead.
//
// Error types returned:
//   - ErrNotFound: Nothing is committed at path
//   - ErrCorrupted: The committed record's blob is missing
//   - ErrStorageUnavailable: Backend or metadata failure
func (e *Engine) Read(ctx context.Context, owner, path string) (FileRecord, io.ReadCloser, error) {
	rec, err := e.Stat(ctx, owner, path)
	if err != nil {
		return FileRecord{}, nil, err
	}

	for attempt := 1; ; attempt++ {
		body, err := e.open(ctx, rec)
		if err == nil {
			return rec, body, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return FileRecord{}, nil, fmt.Errorf("read %s: %w", path, err)
		}

		current, err := e.lookup(ctx, owner, path)
		if err != nil {
			return FileRecord{}, nil, fmt.Errorf("read %s: %w", path, classify(err))
		}
		if sameBlob(current, rec) {
			e.logger.Error("committed record references missing blob",
				"owner", owner, "path", path, "id", rec.ID, "backend", rec.Backend, "key", rec.BlobKey)
			return FileRecord{}, nil, fmt.Errorf("read %s: %w", path, ErrCorrupted)
		}
		if attempt == maxReadAttempts {
			return FileRecord{}, nil, fmt.Errorf("read %s: %w: record keeps moving", path, ErrStorageUnavailable)
		}
		rec = current
	}
}

// maxReadAttempts bounds how often Read follows a record that moved under it.
const maxReadAttempts = 3

func (e *Engine) open(ctx context.Context, rec FileRecord) (io.ReadCloser, error) {
	backend, err := e.backendFor(rec.Backend)
	if err != nil {
		return nil, err
	}
	body, err := backend.Get(ctx, rec.BlobKey)
	if err != nil {
		return nil, classify(err)
	}
	return body, nil
}

func sameBlob(a, b FileRecord) bool {
	return a.ID == b.ID && a.Backend == b.Backend && a.BlobKey == b.BlobKey
}

// Stat returns the committed record of path without touching the backend.
func (e *Engine) Stat(ctx context.Context, owner, path string) (FileRecord, error) {
	if err := ctx.Err(); err != nil {
		return FileRecord{}, fmt.Errorf("stat: %w", err)
	}
	if !IsValidOwner(owner) {
		return FileRecord{}, fmt.Errorf("stat: %w: invalid owner", ErrInvalidInput)
	}
	if !IsValidPath(path) {
		return FileRecord{}, fmt.Errorf("stat %s: %w: invalid path", path, ErrInvalidInput)
	}

	rec, err := e.lookup(ctx, owner, path)
	if err != nil {
		return FileRecord{}, fmt.Errorf("stat %s: %w", path, classify(err))
	}
	return rec, nil
}

// Delete tombstones the committed version of path. The record disappears
// from reads immediately; its blob is reclaimed asynchronously.
func (e *Engine) Delete(ctx context.Context, owner, path string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	if !IsValidOwner(owner) {
		return fmt.Errorf("delete: %w: invalid owner", ErrInvalidInput)
	}
	if !IsValidPath(path) {
		return fmt.Errorf("delete %s: %w: invalid path", path, ErrInvalidInput)
	}

	if err := e.tombstone(ctx, owner, path); err != nil {
		return fmt.Errorf("delete %s: %w", path, classify(err))
	}
	return nil
}

func (e *Engine) tombstone(ctx context.Context, owner, path string) error {
	unlock, err := e.locker.Lock(ctx, owner, path)
	if err != nil {
		return fmt.Errorf("lock: %w", err)
	}

	metaCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.MetadataTimeout)
	rec, err := e.repo.Tombstone(metaCtx, owner, path)
	cancel()
	unlock()
	if err != nil {
		return err
	}

	e.enqueueDelete(rec)
	return nil
}

// DeleteFolder tombstones every committed file under folder and returns how
// many were deleted. Files removed concurrently are skipped.
func (e *Engine) DeleteFolder(ctx context.Context, owner, folder string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("delete folder: %w", err)
	}
	if !IsValidOwner(owner) {
		return 0, fmt.Errorf("delete folder: %w: invalid owner", ErrInvalidInput)
	}
	prefix, ok := NormalizeFolder(folder)
	if !ok || prefix == "" {
		return 0, fmt.Errorf("delete folder %s: %w: invalid folder", folder, ErrInvalidInput)
	}

	deleted := 0
	cursor := ""
	for {
		if err := ctx.Err(); err != nil {
			return deleted, fmt.Errorf("delete folder %s: %w", folder, err)
		}

		page, err := e.list(ctx, ListQuery{Owner: owner, PathPrefix: prefix, Limit: exploreBatch, Cursor: cursor})
		if err != nil {
			return deleted, fmt.Errorf("delete folder %s: %w", folder, classify(err))
		}

		for _, rec := range page.Items {
			err := e.tombstone(ctx, owner, rec.Path)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return deleted, fmt.Errorf("delete folder %s: %s: %w", folder, rec.Path, classify(err))
			}
			deleted++
		}

		if page.NextCursor == "" {
			return deleted, nil
		}
		cursor = page.NextCursor
	}
}

// List returns a page of committed records of q.Owner.
func (e *Engine) List(ctx context.Context, q ListQuery) (ListResult, error) {
	if err := ctx.Err(); err != nil {
		return ListResult{}, fmt.Errorf("list: %w", err)
	}
	if !IsValidOwner(q.Owner) {
		return ListResult{}, fmt.Errorf("list: %w: invalid owner", ErrInvalidInput)
	}
	if q.Limit <= 0 {
		q.Limit = defaultListLimit
	}
	q.Limit = min(q.Limit, maxListLimit)

	result, err := e.list(ctx, q)
	if err != nil {
		return ListResult{}, fmt.Errorf("list: %w", classify(err))
	}
	return result, nil
}

// Explore returns the direct children of folder: sub-folders first, then
// files, each group sorted by name.
func (e *Engine) Explore(ctx context.Context, owner, folder string) ([]FolderEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("explore: %w", err)
	}
	if !IsValidOwner(owner) {
		return nil, fmt.Errorf("explore: %w: invalid owner", ErrInvalidInput)
	}
	prefix, ok := NormalizeFolder(folder)
	if !ok {
		return nil, fmt.Errorf("explore %s: %w: invalid folder", folder, ErrInvalidInput)
	}

	folders := make(map[string]struct{})
	var files []FolderEntry
	cursor := ""
	for {
		page, err := e.list(ctx, ListQuery{Owner: owner, PathPrefix: prefix, Limit: exploreBatch, Cursor: cursor})
		if err != nil {
			return nil, fmt.Errorf("explore %s: %w", folder, classify(err))
		}

		for _, rec := range page.Items {
			rest := strings.TrimPrefix(rec.Path, prefix)
			if name, _, nested := strings.Cut(rest, "/"); nested {
				folders[name] = struct{}{}
				continue
			}
			files = append(files, FolderEntry{Type: EntryFile, Name: rest, Path: rec.Path, Record: &rec})
		}

		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	entries := make([]FolderEntry, 0, len(folders)+len(files))
	for name := range folders {
		entries = append(entries, FolderEntry{Type: EntryFolder, Name: name, Path: prefix + name})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })

	return append(entries, files...), nil
}

// Usage reports what owner currently stores against the configured quota.
func (e *Engine) Usage(ctx context.Context, owner string) (Usage, error) {
	if err := ctx.Err(); err != nil {
		return Usage{}, fmt.Errorf("usage: %w", err)
	}
	if !IsValidOwner(owner) {
		return Usage{}, fmt.Errorf("usage: %w: invalid owner", ErrInvalidInput)
	}

	u, err := e.usage(ctx, owner)
	if err != nil {
		return Usage{}, fmt.Errorf("usage: %w", classify(err))
	}
	u.QuotaBytes = e.cfg.QuotaBytes
	return u, nil
}

// Versions returns the retained history of path, newest first.
func (e *Engine) Versions(ctx context.Context, owner, path string) ([]FileRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("versions: %w", err)
	}
	if !IsValidOwner(owner) {
		return nil, fmt.Errorf("versions: %w: invalid owner", ErrInvalidInput)
	}
	if !IsValidPath(path) {
		return nil, fmt.Errorf("versions %s: %w: invalid path", path, ErrInvalidInput)
	}

	metaCtx, cancel := context.WithTimeout(ctx, e.cfg.MetadataTimeout)
	defer cancel()

	versions, err := e.repo.ListVersions(metaCtx, owner, path)
	if err != nil {
		return nil, fmt.Errorf("versions %s: %w", path, classify(err))
	}
	if len(versions) == 0 {
		return nil, fmt.Errorf("versions %s: %w", path, ErrNotFound)
	}
	return versions, nil
}

func (e *Engine) lookup(ctx context.Context, owner, path string) (FileRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.MetadataTimeout)
	defer cancel()
	return e.repo.LookupCommitted(ctx, owner, path)
}

func (e *Engine) list(ctx context.Context, q ListQuery) (ListResult, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.MetadataTimeout)
	defer cancel()
	return e.repo.List(ctx, q)
}

func (e *Engine) usage(ctx context.Context, owner string) (Usage, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.MetadataTimeout)
	defer cancel()
	return e.repo.Usage(ctx, owner)
}

func (e *Engine) backendFor(kind BackendKind) (BlobBackend, error) {
	b, ok := e.backends[kind]
	if !ok {
		return nil, fmt.Errorf("%w: backend %s not configured", ErrStorageUnavailable, kind)
	}
	return b, nil
}

// enqueueDelete hands a tombstoned record to the deletion workers. A full
// queue drops the job; the collector reclaims it on its next sweep.
func (e *Engine) enqueueDelete(rec FileRecord) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		return
	}
	select {
	case e.deletes <- rec:
	default:
		e.logger.Warn("delete queue full, leaving blob to the collector", "id", rec.ID, "path", rec.Path)
	}
}

func (e *Engine) deleteWorker() {
	defer e.wg.Done()
	for rec := range e.deletes {
		if err := e.reclaim(context.Background(), rec); err != nil {
			e.logger.Warn("async blob delete failed", "id", rec.ID, "path", rec.Path, "error", err)
		}
	}
}

// reclaim deletes the blob of a tombstoned or superseded record, confirms it
// is gone and removes the row. Failures are counted against the record's
// cleanup budget.
func (e *Engine) reclaim(ctx context.Context, rec FileRecord) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.CleanupTimeout)
	defer cancel()

	err := e.reclaimBlob(ctx, rec)
	if err == nil {
		if rmErr := e.repo.Remove(ctx, rec.ID); rmErr != nil && !errors.Is(rmErr, ErrNotFound) {
			err = fmt.Errorf("remove record: %w", rmErr)
		}
	}
	if err == nil {
		return nil
	}

	attempts, countErr := e.repo.RecordCleanupFailure(ctx, rec.ID)
	if countErr != nil {
		if errors.Is(countErr, ErrNotFound) {
			return nil
		}
		return fmt.Errorf("reclaim %s: %w (recording failure: %v)", rec.ID, err, countErr)
	}
	if attempts >= e.cfg.MaxAttempts {
		e.logger.Error("cleanup budget exhausted, leaving record for audit",
			"id", rec.ID, "owner", rec.Owner, "path", rec.Path, "key", rec.BlobKey, "attempts", attempts, "error", err)
	}
	return fmt.Errorf("reclaim %s: %w", rec.ID, err)
}

func (e *Engine) reclaimBlob(ctx context.Context, rec FileRecord) error {
	backend, err := e.backendFor(rec.Backend)
	if err != nil {
		return err
	}
	if err := backend.Delete(ctx, rec.BlobKey); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("delete blob: %w", err)
	}
	exists, err := backend.Exists(ctx, rec.BlobKey)
	if err != nil {
		return fmt.Errorf("confirm blob delete: %w", err)
	}
	if exists {
		return fmt.Errorf("confirm blob delete: %w: blob still present", ErrStorageUnavailable)
	}
	return nil
}

var sentinels = []error{
	ErrNotFound,
	ErrConflict,
	ErrStorageUnavailable,
	ErrCorrupted,
	ErrQuotaExceeded,
	ErrInternal,
	ErrInvalidInput,
	ErrUnauthorized,
}

// classify keeps sentinel errors as they are and turns anything else into
// ErrStorageUnavailable. The cause is kept as text only, so driver and SDK
// error types never cross the engine boundary.
func classify(err error) error {
	if err == nil {
		return nil
	}
	for _, s := range sentinels {
		if errors.Is(err, s) {
			return err
		}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
}
