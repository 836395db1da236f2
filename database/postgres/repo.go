// Package postgres implements the filevault metadata store and a
// cross-instance Locker on PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sagarc03/filevault"
	"github.com/sagarc03/filevault/database/internal"
)

// Tables is an alias for filevault.Tables for package compatibility.
type Tables = filevault.Tables

const columns = `id, owner, path, backend, blob_key, size_bytes, checksum, content_type,
	version, status, cleanup_attempts, created_at, updated_at, deleted_at`

const uniqueViolation = "23505"

type repo struct {
	pool      *pgxpool.Pool
	tableName string
}

// NewRepo returns a MetaDataRepo over an already migrated table.
func NewRepo(pool *pgxpool.Pool, tables Tables) (filevault.MetaDataRepo, error) {
	if err := tables.Validate(); err != nil {
		return nil, fmt.Errorf("new repo: %w", err)
	}
	return &repo{pool: pool, tableName: ident(tables.Files)}, nil
}

func scanRecord(row pgx.Row) (filevault.FileRecord, error) {
	var rec filevault.FileRecord
	var backend, status string

	err := row.Scan(
		&rec.ID, &rec.Owner, &rec.Path, &backend, &rec.BlobKey, &rec.SizeBytes, &rec.Checksum,
		&rec.ContentType, &rec.Version, &status, &rec.CleanupAttempts,
		&rec.CreatedAt, &rec.UpdatedAt, &rec.DeletedAt,
	)
	if err != nil {
		return filevault.FileRecord{}, err
	}

	rec.Backend = filevault.BackendKind(backend)
	rec.Status = filevault.Status(status)
	return rec, nil
}

func (r *repo) queryRecords(ctx context.Context, opName, query string, args ...any) ([]filevault.FileRecord, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", opName, err)
	}
	defer rows.Close()

	var items []filevault.FileRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: scan: %w", opName, err)
		}
		items = append(items, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: rows: %w", opName, err)
	}
	return items, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func (r *repo) NextVersion(ctx context.Context, owner, path string) (int64, error) {
	query := fmt.Sprintf(`
		SELECT COALESCE(MAX(version), 0) + 1
		FROM %s
		WHERE owner = $1 AND path = $2
	`, r.tableName)

	var next int64
	if err := r.pool.QueryRow(ctx, query, owner, path).Scan(&next); err != nil {
		return 0, fmt.Errorf("next version: %w", err)
	}
	return next, nil
}

func (r *repo) InsertPending(ctx context.Context, p filevault.PendingRecord) (filevault.FileRecord, error) {
	query := fmt.Sprintf(`
		INSERT INTO %s (owner, path, backend, blob_key, content_type, version, status)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending')
		RETURNING %s
	`, r.tableName, columns)

	row := r.pool.QueryRow(ctx, query, p.Owner, p.Path, string(p.Backend), p.BlobKey, p.ContentType, p.Version)
	rec, err := scanRecord(row)
	if err != nil {
		if isUniqueViolation(err) {
			return filevault.FileRecord{}, fmt.Errorf("insert pending: %w", filevault.ErrConflict)
		}
		return filevault.FileRecord{}, fmt.Errorf("insert pending: %w", err)
	}
	return rec, nil
}

func (r *repo) Commit(ctx context.Context, id uuid.UUID, in filevault.CommitInput) (filevault.FileRecord, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return filevault.FileRecord{}, fmt.Errorf("commit: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var owner, path string
	var version int64
	err = tx.QueryRow(ctx, fmt.Sprintf(`
		SELECT owner, path, version
		FROM %s
		WHERE id = $1 AND status = 'pending'
		FOR UPDATE
	`, r.tableName), id).Scan(&owner, &path, &version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return filevault.FileRecord{}, fmt.Errorf("commit: record is not pending: %w", filevault.ErrConflict)
		}
		return filevault.FileRecord{}, fmt.Errorf("commit: lock pending: %w", err)
	}

	var current int64
	err = tx.QueryRow(ctx, fmt.Sprintf(`
		SELECT version
		FROM %s
		WHERE owner = $1 AND path = $2 AND status = 'committed'
		FOR UPDATE
	`, r.tableName), owner, path).Scan(&current)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return filevault.FileRecord{}, fmt.Errorf("commit: lock committed: %w", err)
	case current >= version:
		return filevault.FileRecord{}, fmt.Errorf("commit: version %d already committed: %w", current, filevault.ErrConflict)
	default:
		_, err = tx.Exec(ctx, fmt.Sprintf(`
			UPDATE %s
			SET status = 'superseded', updated_at = NOW()
			WHERE owner = $1 AND path = $2 AND status = 'committed'
		`, r.tableName), owner, path)
		if err != nil {
			return filevault.FileRecord{}, fmt.Errorf("commit: supersede: %w", err)
		}
	}

	row := tx.QueryRow(ctx, fmt.Sprintf(`
		UPDATE %s
		SET status = 'committed', backend = $2, blob_key = $3, checksum = $4, size_bytes = $5, updated_at = NOW()
		WHERE id = $1
		RETURNING %s
	`, r.tableName, columns), id, string(in.Handle.Backend), in.Handle.Key, in.Checksum, in.SizeBytes)
	rec, err := scanRecord(row)
	if err != nil {
		if isUniqueViolation(err) {
			return filevault.FileRecord{}, fmt.Errorf("commit: %w", filevault.ErrConflict)
		}
		return filevault.FileRecord{}, fmt.Errorf("commit: promote: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return filevault.FileRecord{}, fmt.Errorf("commit: %w", filevault.ErrConflict)
		}
		return filevault.FileRecord{}, fmt.Errorf("commit: %w", err)
	}
	return rec, nil
}

func (r *repo) DeletePending(ctx context.Context, id uuid.UUID) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1 AND status = 'pending'`, r.tableName)

	result, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("delete pending: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("delete pending: %w", filevault.ErrNotFound)
	}
	return nil
}

func (r *repo) Tombstone(ctx context.Context, owner, path string) (filevault.FileRecord, error) {
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = 'tombstoned', deleted_at = NOW(), updated_at = NOW()
		WHERE owner = $1 AND path = $2 AND status = 'committed'
		RETURNING %s
	`, r.tableName, columns)

	rec, err := scanRecord(r.pool.QueryRow(ctx, query, owner, path))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return filevault.FileRecord{}, fmt.Errorf("tombstone: %w", filevault.ErrNotFound)
		}
		return filevault.FileRecord{}, fmt.Errorf("tombstone: %w", err)
	}
	return rec, nil
}

func (r *repo) LookupCommitted(ctx context.Context, owner, path string) (filevault.FileRecord, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE owner = $1 AND path = $2 AND status = 'committed'
	`, columns, r.tableName)

	rec, err := scanRecord(r.pool.QueryRow(ctx, query, owner, path))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return filevault.FileRecord{}, filevault.ErrNotFound
		}
		return filevault.FileRecord{}, fmt.Errorf("lookup committed: %w", err)
	}
	return rec, nil
}

func (r *repo) ListPendingOlderThan(ctx context.Context, age time.Duration, limit int) ([]filevault.FileRecord, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE status = 'pending' AND created_at < NOW() - make_interval(secs => $1)
		ORDER BY created_at
		LIMIT $2
	`, columns, r.tableName)

	return r.queryRecords(ctx, "list pending", query, age.Seconds(), limit)
}

func (r *repo) ListReclaimable(ctx context.Context, supersededBefore time.Time, maxAttempts, limit int) ([]filevault.FileRecord, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE cleanup_attempts < $2
		AND (status = 'tombstoned' OR (status = 'superseded' AND updated_at < $1))
		ORDER BY updated_at
		LIMIT $3
	`, columns, r.tableName)

	return r.queryRecords(ctx, "list reclaimable", query, supersededBefore, maxAttempts, limit)
}

func (r *repo) ListExhausted(ctx context.Context, maxAttempts, limit int) ([]filevault.FileRecord, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE status IN ('superseded', 'tombstoned') AND cleanup_attempts >= $1
		ORDER BY updated_at
		LIMIT $2
	`, columns, r.tableName)

	return r.queryRecords(ctx, "list exhausted", query, maxAttempts, limit)
}

func (r *repo) RecordCleanupFailure(ctx context.Context, id uuid.UUID) (int, error) {
	query := fmt.Sprintf(`
		UPDATE %s
		SET cleanup_attempts = cleanup_attempts + 1
		WHERE id = $1
		RETURNING cleanup_attempts
	`, r.tableName)

	var attempts int
	if err := r.pool.QueryRow(ctx, query, id).Scan(&attempts); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("record cleanup failure: %w", filevault.ErrNotFound)
		}
		return 0, fmt.Errorf("record cleanup failure: %w", err)
	}
	return attempts, nil
}

func (r *repo) Remove(ctx context.Context, id uuid.UUID) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1 AND status <> 'committed'`, r.tableName)

	result, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("remove: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("remove: %w", filevault.ErrNotFound)
	}
	return nil
}

func (r *repo) Rebind(ctx context.Context, id uuid.UUID, oldKey string, handle filevault.BlobHandle) (filevault.FileRecord, error) {
	query := fmt.Sprintf(`
		UPDATE %s
		SET backend = $3, blob_key = $4, updated_at = NOW()
		WHERE id = $1 AND status = 'committed' AND blob_key = $2
		RETURNING %s
	`, r.tableName, columns)

	rec, err := scanRecord(r.pool.QueryRow(ctx, query, id, oldKey, string(handle.Backend), handle.Key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return filevault.FileRecord{}, fmt.Errorf("rebind: %w", filevault.ErrConflict)
		}
		return filevault.FileRecord{}, fmt.Errorf("rebind: %w", err)
	}
	return rec, nil
}

func (r *repo) List(ctx context.Context, q filevault.ListQuery) (filevault.ListResult, error) {
	if q.Limit <= 0 {
		return filevault.ListResult{}, fmt.Errorf("list: %w: limit must be positive", filevault.ErrInvalidInput)
	}

	cursor, err := internal.DecodeCursor(q.Cursor)
	if err != nil {
		return filevault.ListResult{}, fmt.Errorf("list: %w: %v", filevault.ErrInvalidInput, err)
	}

	escapedPrefix := internal.EscapeLikePattern(q.PathPrefix)

	var query string
	var args []any

	if q.Cursor == "" {
		query = fmt.Sprintf(`
			SELECT %s
			FROM %s
			WHERE owner = $1 AND status = 'committed' AND path LIKE $2 || '%%' ESCAPE '\'
			ORDER BY created_at, path
			LIMIT $3
		`, columns, r.tableName)
		args = []any{q.Owner, escapedPrefix, q.Limit + 1}
	} else {
		query = fmt.Sprintf(`
			SELECT %s
			FROM %s
			WHERE owner = $1 AND status = 'committed' AND path LIKE $2 || '%%' ESCAPE '\'
			AND (created_at, path) > ($3, $4)
			ORDER BY created_at, path
			LIMIT $5
		`, columns, r.tableName)
		args = []any{q.Owner, escapedPrefix, cursor.CreatedAt, cursor.Key, q.Limit + 1}
	}

	items, err := r.queryRecords(ctx, "list", query, args...)
	if err != nil {
		return filevault.ListResult{}, err
	}

	var nextCursor string
	if len(items) > q.Limit {
		last := items[q.Limit-1]
		nextCursor = internal.EncodeCursor(last.CreatedAt, last.Path)
		items = items[:q.Limit]
	}

	return filevault.ListResult{Items: nonNil(items), NextCursor: nextCursor}, nil
}

func (r *repo) ListVersions(ctx context.Context, owner, path string) ([]filevault.FileRecord, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE owner = $1 AND path = $2 AND status <> 'pending'
		ORDER BY version DESC
	`, columns, r.tableName)

	items, err := r.queryRecords(ctx, "list versions", query, owner, path)
	if err != nil {
		return nil, err
	}
	return nonNil(items), nil
}

func (r *repo) ListByBackend(ctx context.Context, kind filevault.BackendKind, cursor string, limit int) (filevault.ListResult, error) {
	if limit <= 0 {
		return filevault.ListResult{}, fmt.Errorf("list by backend: %w: limit must be positive", filevault.ErrInvalidInput)
	}

	c, err := internal.DecodeCursor(cursor)
	if err != nil {
		return filevault.ListResult{}, fmt.Errorf("list by backend: %w: %v", filevault.ErrInvalidInput, err)
	}

	var query string
	var args []any

	if cursor == "" {
		query = fmt.Sprintf(`
			SELECT %s
			FROM %s
			WHERE backend = $1 AND status = 'committed'
			ORDER BY created_at, id
			LIMIT $2
		`, columns, r.tableName)
		args = []any{string(kind), limit + 1}
	} else {
		after, err := uuid.Parse(c.Key)
		if err != nil {
			return filevault.ListResult{}, fmt.Errorf("list by backend: %w: invalid cursor id", filevault.ErrInvalidInput)
		}
		query = fmt.Sprintf(`
			SELECT %s
			FROM %s
			WHERE backend = $1 AND status = 'committed' AND (created_at, id) > ($2, $3)
			ORDER BY created_at, id
			LIMIT $4
		`, columns, r.tableName)
		args = []any{string(kind), c.CreatedAt, after, limit + 1}
	}

	items, err := r.queryRecords(ctx, "list by backend", query, args...)
	if err != nil {
		return filevault.ListResult{}, err
	}

	var nextCursor string
	if len(items) > limit {
		last := items[limit-1]
		nextCursor = internal.EncodeCursor(last.CreatedAt, last.ID.String())
		items = items[:limit]
	}

	return filevault.ListResult{Items: nonNil(items), NextCursor: nextCursor}, nil
}

func (r *repo) Usage(ctx context.Context, owner string) (filevault.Usage, error) {
	query := fmt.Sprintf(`
		SELECT COUNT(*), COALESCE(SUM(size_bytes), 0)::BIGINT
		FROM %s
		WHERE owner = $1 AND status = 'committed'
	`, r.tableName)

	u := filevault.Usage{Owner: owner}
	if err := r.pool.QueryRow(ctx, query, owner).Scan(&u.Files, &u.Bytes); err != nil {
		return filevault.Usage{}, fmt.Errorf("usage: %w", err)
	}
	return u, nil
}

func nonNil(items []filevault.FileRecord) []filevault.FileRecord {
	if items == nil {
		return []filevault.FileRecord{}
	}
	return items
}
