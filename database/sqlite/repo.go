// Package sqlite implements the filevault metadata store on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sagarc03/filevault"
	"github.com/sagarc03/filevault/database/internal"
	driver "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// timeFormat is fixed width so that timestamps stored as TEXT sort in
// chronological order.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

const columns = `id, owner, path, backend, blob_key, size_bytes, checksum, content_type,
	version, status, cleanup_attempts, created_at, updated_at, deleted_at`

type repo struct {
	db        *sql.DB
	tableName string
}

// NewRepo returns a MetaDataRepo over an already migrated table.
func NewRepo(db *sql.DB, tables filevault.Tables) (filevault.MetaDataRepo, error) {
	if err := tables.Validate(); err != nil {
		return nil, fmt.Errorf("new repo: %w", err)
	}
	return &repo{db: db, tableName: quoteIdentifier(tables.Files)}, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func now() string {
	return formatTime(time.Now())
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (filevault.FileRecord, error) {
	var rec filevault.FileRecord
	var id, backend, status, createdAt, updatedAt string
	var deletedAt sql.NullString

	err := row.Scan(
		&id, &rec.Owner, &rec.Path, &backend, &rec.BlobKey, &rec.SizeBytes, &rec.Checksum,
		&rec.ContentType, &rec.Version, &status, &rec.CleanupAttempts,
		&createdAt, &updatedAt, &deletedAt,
	)
	if err != nil {
		return filevault.FileRecord{}, err
	}

	if rec.ID, err = uuid.Parse(id); err != nil {
		return filevault.FileRecord{}, fmt.Errorf("parse uuid: %w", err)
	}
	if rec.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return filevault.FileRecord{}, fmt.Errorf("parse created_at: %w", err)
	}
	if rec.UpdatedAt, err = time.Parse(timeFormat, updatedAt); err != nil {
		return filevault.FileRecord{}, fmt.Errorf("parse updated_at: %w", err)
	}
	if deletedAt.Valid {
		t, err := time.Parse(timeFormat, deletedAt.String)
		if err != nil {
			return filevault.FileRecord{}, fmt.Errorf("parse deleted_at: %w", err)
		}
		rec.DeletedAt = &t
	}

	rec.Backend = filevault.BackendKind(backend)
	rec.Status = filevault.Status(status)
	return rec, nil
}

func (r *repo) queryRecords(ctx context.Context, opName, query string, args ...any) ([]filevault.FileRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", opName, err)
	}
	defer func() { _ = rows.Close() }()

	items := []filevault.FileRecord{}
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
	var sqliteErr *driver.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

func (r *repo) NextVersion(ctx context.Context, owner, path string) (int64, error) {
	query := fmt.Sprintf( //nolint:gosec // G201: table name is validated
		`SELECT COALESCE(MAX(version), 0) + 1 FROM %s WHERE owner = ? AND path = ?`, r.tableName)

	var next int64
	if err := r.db.QueryRowContext(ctx, query, owner, path).Scan(&next); err != nil {
		return 0, fmt.Errorf("next version: %w", err)
	}
	return next, nil
}

func (r *repo) InsertPending(ctx context.Context, p filevault.PendingRecord) (filevault.FileRecord, error) {
	query := fmt.Sprintf( //nolint:gosec // G201: table name is validated
		`INSERT INTO %s (id, owner, path, backend, blob_key, content_type, version, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'pending', ?, ?)
		RETURNING %s`, r.tableName, columns)

	ts := now()
	row := r.db.QueryRowContext(ctx, query,
		uuid.New().String(), p.Owner, p.Path, string(p.Backend), p.BlobKey, p.ContentType, p.Version, ts, ts)

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
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return filevault.FileRecord{}, fmt.Errorf("commit: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var owner, path string
	var version int64
	err = tx.QueryRowContext(ctx, fmt.Sprintf( //nolint:gosec // G201: table name is validated
		`SELECT owner, path, version FROM %s WHERE id = ? AND status = 'pending'`, r.tableName),
		id.String()).Scan(&owner, &path, &version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return filevault.FileRecord{}, fmt.Errorf("commit: record is not pending: %w", filevault.ErrConflict)
		}
		return filevault.FileRecord{}, fmt.Errorf("commit: read pending: %w", err)
	}

	ts := now()

	var current int64
	err = tx.QueryRowContext(ctx, fmt.Sprintf( //nolint:gosec // G201: table name is validated
		`SELECT version FROM %s WHERE owner = ? AND path = ? AND status = 'committed'`, r.tableName),
		owner, path).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return filevault.FileRecord{}, fmt.Errorf("commit: read committed: %w", err)
	case current >= version:
		return filevault.FileRecord{}, fmt.Errorf("commit: version %d already committed: %w", current, filevault.ErrConflict)
	default:
		_, err = tx.ExecContext(ctx, fmt.Sprintf( //nolint:gosec // G201: table name is validated
			`UPDATE %s SET status = 'superseded', updated_at = ?
			WHERE owner = ? AND path = ? AND status = 'committed'`, r.tableName),
			ts, owner, path)
		if err != nil {
			return filevault.FileRecord{}, fmt.Errorf("commit: supersede: %w", err)
		}
	}

	row := tx.QueryRowContext(ctx, fmt.Sprintf( //nolint:gosec // G201: table name is validated
		`UPDATE %s
		SET status = 'committed', backend = ?, blob_key = ?, checksum = ?, size_bytes = ?, updated_at = ?
		WHERE id = ?
		RETURNING %s`, r.tableName, columns),
		string(in.Handle.Backend), in.Handle.Key, in.Checksum, in.SizeBytes, ts, id.String())
	rec, err := scanRecord(row)
	if err != nil {
		if isUniqueViolation(err) {
			return filevault.FileRecord{}, fmt.Errorf("commit: %w", filevault.ErrConflict)
		}
		return filevault.FileRecord{}, fmt.Errorf("commit: promote: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return filevault.FileRecord{}, fmt.Errorf("commit: %w", err)
	}
	return rec, nil
}

func (r *repo) exec(ctx context.Context, opName string, missing error, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", opName, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: rows affected: %w", opName, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", opName, missing)
	}
	return nil
}

func (r *repo) DeletePending(ctx context.Context, id uuid.UUID) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = ? AND status = 'pending'`, r.tableName) //nolint:gosec // table name is validated
	return r.exec(ctx, "delete pending", filevault.ErrNotFound, query, id.String())
}

func (r *repo) Tombstone(ctx context.Context, owner, path string) (filevault.FileRecord, error) {
	query := fmt.Sprintf( //nolint:gosec // G201: table name is validated
		`UPDATE %s
		SET status = 'tombstoned', deleted_at = ?, updated_at = ?
		WHERE owner = ? AND path = ? AND status = 'committed'
		RETURNING %s`, r.tableName, columns)

	ts := now()
	rec, err := scanRecord(r.db.QueryRowContext(ctx, query, ts, ts, owner, path))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return filevault.FileRecord{}, fmt.Errorf("tombstone: %w", filevault.ErrNotFound)
		}
		return filevault.FileRecord{}, fmt.Errorf("tombstone: %w", err)
	}
	return rec, nil
}

func (r *repo) LookupCommitted(ctx context.Context, owner, path string) (filevault.FileRecord, error) {
	query := fmt.Sprintf( //nolint:gosec // G201: table name is validated
		`SELECT %s FROM %s WHERE owner = ? AND path = ? AND status = 'committed'`, columns, r.tableName)

	rec, err := scanRecord(r.db.QueryRowContext(ctx, query, owner, path))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return filevault.FileRecord{}, filevault.ErrNotFound
		}
		return filevault.FileRecord{}, fmt.Errorf("lookup committed: %w", err)
	}
	return rec, nil
}

func (r *repo) ListPendingOlderThan(ctx context.Context, age time.Duration, limit int) ([]filevault.FileRecord, error) {
	query := fmt.Sprintf( //nolint:gosec // G201: table name is validated
		`SELECT %s FROM %s
		WHERE status = 'pending' AND created_at < ?
		ORDER BY created_at
		LIMIT ?`, columns, r.tableName)

	return r.queryRecords(ctx, "list pending", query, formatTime(time.Now().Add(-age)), limit)
}

func (r *repo) ListReclaimable(ctx context.Context, supersededBefore time.Time, maxAttempts, limit int) ([]filevault.FileRecord, error) {
	query := fmt.Sprintf( //nolint:gosec // G201: table name is validated
		`SELECT %s FROM %s
		WHERE cleanup_attempts < ?
		AND (status = 'tombstoned' OR (status = 'superseded' AND updated_at < ?))
		ORDER BY updated_at
		LIMIT ?`, columns, r.tableName)

	return r.queryRecords(ctx, "list reclaimable", query, maxAttempts, formatTime(supersededBefore), limit)
}

func (r *repo) ListExhausted(ctx context.Context, maxAttempts, limit int) ([]filevault.FileRecord, error) {
	query := fmt.Sprintf( //nolint:gosec // G201: table name is validated
		`SELECT %s FROM %s
		WHERE status IN ('superseded', 'tombstoned') AND cleanup_attempts >= ?
		ORDER BY updated_at
		LIMIT ?`, columns, r.tableName)

	return r.queryRecords(ctx, "list exhausted", query, maxAttempts, limit)
}

func (r *repo) RecordCleanupFailure(ctx context.Context, id uuid.UUID) (int, error) {
	query := fmt.Sprintf( //nolint:gosec // G201: table name is validated
		`UPDATE %s SET cleanup_attempts = cleanup_attempts + 1 WHERE id = ? RETURNING cleanup_attempts`, r.tableName)

	var attempts int
	if err := r.db.QueryRowContext(ctx, query, id.String()).Scan(&attempts); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("record cleanup failure: %w", filevault.ErrNotFound)
		}
		return 0, fmt.Errorf("record cleanup failure: %w", err)
	}
	return attempts, nil
}

func (r *repo) Remove(ctx context.Context, id uuid.UUID) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = ? AND status <> 'committed'`, r.tableName) //nolint:gosec // table name is validated
	return r.exec(ctx, "remove", filevault.ErrNotFound, query, id.String())
}

func (r *repo) Rebind(ctx context.Context, id uuid.UUID, oldKey string, handle filevault.BlobHandle) (filevault.FileRecord, error) {
	query := fmt.Sprintf( //nolint:gosec // G201: table name is validated
		`UPDATE %s
		SET backend = ?, blob_key = ?, updated_at = ?
		WHERE id = ? AND status = 'committed' AND blob_key = ?
		RETURNING %s`, r.tableName, columns)

	rec, err := scanRecord(r.db.QueryRowContext(ctx, query,
		string(handle.Backend), handle.Key, now(), id.String(), oldKey))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
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

	pattern := internal.EscapeGlobPattern(q.PathPrefix) + "*"

	var query string
	var args []any

	if q.Cursor == "" {
		query = fmt.Sprintf( //nolint:gosec // G201: table name is validated
			`SELECT %s FROM %s
			WHERE owner = ? AND status = 'committed' AND path GLOB ?
			ORDER BY created_at, path
			LIMIT ?`, columns, r.tableName)
		args = []any{q.Owner, pattern, q.Limit + 1}
	} else {
		query = fmt.Sprintf( //nolint:gosec // G201: table name is validated
			`SELECT %s FROM %s
			WHERE owner = ? AND status = 'committed' AND path GLOB ? AND (created_at, path) > (?, ?)
			ORDER BY created_at, path
			LIMIT ?`, columns, r.tableName)
		args = []any{q.Owner, pattern, formatTime(cursor.CreatedAt), cursor.Key, q.Limit + 1}
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

	return filevault.ListResult{Items: items, NextCursor: nextCursor}, nil
}

func (r *repo) ListVersions(ctx context.Context, owner, path string) ([]filevault.FileRecord, error) {
	query := fmt.Sprintf( //nolint:gosec // G201: table name is validated
		`SELECT %s FROM %s
		WHERE owner = ? AND path = ? AND status <> 'pending'
		ORDER BY version DESC`, columns, r.tableName)

	return r.queryRecords(ctx, "list versions", query, owner, path)
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
		query = fmt.Sprintf( //nolint:gosec // G201: table name is validated
			`SELECT %s FROM %s
			WHERE backend = ? AND status = 'committed'
			ORDER BY created_at, id
			LIMIT ?`, columns, r.tableName)
		args = []any{string(kind), limit + 1}
	} else {
		query = fmt.Sprintf( //nolint:gosec // G201: table name is validated
			`SELECT %s FROM %s
			WHERE backend = ? AND status = 'committed' AND (created_at, id) > (?, ?)
			ORDER BY created_at, id
			LIMIT ?`, columns, r.tableName)
		args = []any{string(kind), formatTime(c.CreatedAt), c.Key, limit + 1}
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

	return filevault.ListResult{Items: items, NextCursor: nextCursor}, nil
}

func (r *repo) Usage(ctx context.Context, owner string) (filevault.Usage, error) {
	query := fmt.Sprintf( //nolint:gosec // G201: table name is validated
		`SELECT COUNT(*), COALESCE(SUM(size_bytes), 0) FROM %s WHERE owner = ? AND status = 'committed'`, r.tableName)

	u := filevault.Usage{Owner: owner}
	if err := r.db.QueryRowContext(ctx, query, owner).Scan(&u.Files, &u.Bytes); err != nil {
		return filevault.Usage{}, fmt.Errorf("usage: %w", err)
	}
	return u, nil
}
