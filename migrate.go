package filevault

import (
	"context"
	"errors"
	"fmt"
)

// MigrateStats counts what a backend migration did.
type MigrateStats struct {
	Moved   int `json:"moved"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// Migrate copies every committed record stored on from to the active
// backend. Each record is handled under its path lock: the bytes are copied
// under a fresh key, the checksum verified and the record rebound before the
// old blob is deleted. Records that fail are left where they are and counted.
func (e *Engine) Migrate(ctx context.Context, from BackendKind, batch int) (MigrateStats, error) {
	var stats MigrateStats

	if !from.IsValid() {
		return stats, fmt.Errorf("migrate: %w: invalid backend kind %s", ErrInvalidInput, from)
	}
	if from == e.active.Kind() {
		return stats, fmt.Errorf("migrate: %w: %s is already the active backend", ErrInvalidInput, from)
	}
	src, err := e.backendFor(from)
	if err != nil {
		return stats, fmt.Errorf("migrate: %w", err)
	}
	if batch <= 0 {
		batch = defaultListLimit
	}

	cursor := ""
	for {
		if err := ctx.Err(); err != nil {
			return stats, fmt.Errorf("migrate: %w", err)
		}

		metaCtx, cancel := context.WithTimeout(ctx, e.cfg.MetadataTimeout)
		page, err := e.repo.ListByBackend(metaCtx, from, cursor, batch)
		cancel()
		if err != nil {
			return stats, fmt.Errorf("migrate: list %s: %w", from, classify(err))
		}

		for _, rec := range page.Items {
			moved, err := e.migrateRecord(ctx, src, rec)
			switch {
			case err != nil:
				stats.Failed++
				e.logger.Warn("migrate: record failed", "id", rec.ID, "owner", rec.Owner, "path", rec.Path, "error", err)
			case moved:
				stats.Moved++
			default:
				stats.Skipped++
			}
		}

		if page.NextCursor == "" {
			return stats, nil
		}
		cursor = page.NextCursor
	}
}

func (e *Engine) migrateRecord(ctx context.Context, src BlobBackend, rec FileRecord) (bool, error) {
	unlock, err := e.locker.Lock(ctx, rec.Owner, rec.Path)
	if err != nil {
		return false, fmt.Errorf("lock: %w", err)
	}
	defer unlock()

	ctx = context.WithoutCancel(ctx)

	current, err := e.lookup(ctx, rec.Owner, rec.Path)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup: %w", err)
	}
	if current.ID != rec.ID || current.BlobKey != rec.BlobKey {
		return false, nil
	}

	blobCtx, cancelBlob := context.WithTimeout(ctx, e.cfg.BlobTimeout)
	defer cancelBlob()

	body, err := src.Get(blobCtx, rec.BlobKey)
	if errors.Is(err, ErrNotFound) {
		return false, fmt.Errorf("source blob: %w", ErrCorrupted)
	}
	if err != nil {
		return false, fmt.Errorf("source blob: %w", err)
	}
	defer body.Close()

	newKey := NewBlobKey(rec.Owner, rec.Version)
	digest := newDigestReader(body)
	handle, err := e.active.Put(blobCtx, newKey, digest)
	if err != nil {
		e.discardBlob(ctx, e.active, newKey)
		return false, fmt.Errorf("copy blob: %w", err)
	}
	if digest.Checksum() != rec.Checksum || digest.Size() != rec.SizeBytes {
		e.discardBlob(ctx, e.active, newKey)
		return false, fmt.Errorf("copy blob: %w: checksum mismatch", ErrCorrupted)
	}

	metaCtx, cancelMeta := context.WithTimeout(ctx, e.cfg.MetadataTimeout)
	_, err = e.repo.Rebind(metaCtx, rec.ID, rec.BlobKey, handle)
	cancelMeta()
	if err != nil {
		e.discardBlob(ctx, e.active, newKey)
		return false, fmt.Errorf("rebind: %w", err)
	}

	e.discardBlob(ctx, src, rec.BlobKey)
	return true, nil
}

func (e *Engine) discardBlob(ctx context.Context, backend BlobBackend, key string) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.CleanupTimeout)
	defer cancel()
	if err := backend.Delete(ctx, key); err != nil && !errors.Is(err, ErrNotFound) {
		e.logger.Warn("orphaned blob left behind", "backend", backend.Kind(), "key", key, "error", err)
	}
}
