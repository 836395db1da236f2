package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	goosedb "github.com/pressly/goose/v3/database"
	"github.com/pressly/goose/v3/lock"
	"github.com/sagarc03/filevault"
	"github.com/sagarc03/filevault/database/internal"
)

// Migrate applies the schema of tables. Concurrent callers are serialized
// by a goose session lock.
func Migrate(ctx context.Context, pool *pgxpool.Pool, tables filevault.Tables) error {
	if err := tables.Validate(); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	locker, err := lock.NewPostgresSessionLocker()
	if err != nil {
		return fmt.Errorf("migrate: session locker: %w", err)
	}

	return internal.Up(ctx, stdlib.OpenDBFromPool(pool), goosedb.DialectPostgres, tables.Files,
		fileTableMigrations(tables.Files), goose.WithSessionLocker(locker))
}

// DropTables rolls the schema of tables back, removing the files table.
func DropTables(ctx context.Context, pool *pgxpool.Pool, tables filevault.Tables) error {
	if err := tables.Validate(); err != nil {
		return fmt.Errorf("drop tables: %w", err)
	}

	return internal.Down(ctx, stdlib.OpenDBFromPool(pool), goosedb.DialectPostgres, tables.Files,
		fileTableMigrations(tables.Files))
}

func fileTableMigrations(table string) []*goose.Migration {
	return []*goose.Migration{
		goose.NewGoMigration(1,
			&goose.GoFunc{RunTx: createFileTable(table)},
			&goose.GoFunc{RunTx: dropFileTable(table)},
		),
		goose.NewGoMigration(2,
			&goose.GoFunc{RunTx: createLifecycleIndexes(table)},
			&goose.GoFunc{RunTx: dropLifecycleIndexes(table)},
		),
	}
}

func ident(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func createFileTable(table string) func(context.Context, *sql.Tx) error {
	return func(ctx context.Context, tx *sql.Tx) error {
		quoted := ident(table)

		return internal.ExecAll(ctx, tx,
			fmt.Sprintf(`
				CREATE TABLE %s (
					id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
					owner TEXT NOT NULL,
					path TEXT NOT NULL,
					backend TEXT NOT NULL,
					blob_key TEXT NOT NULL,
					size_bytes BIGINT NOT NULL DEFAULT 0,
					checksum TEXT NOT NULL DEFAULT '',
					content_type TEXT NOT NULL,
					version BIGINT NOT NULL,
					status TEXT NOT NULL,
					cleanup_attempts INTEGER NOT NULL DEFAULT 0,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					deleted_at TIMESTAMPTZ,
					CONSTRAINT %s CHECK (status IN ('pending', 'committed', 'superseded', 'tombstoned')),
					CONSTRAINT %s CHECK (backend IN ('local', 'cloud'))
				)`,
				quoted,
				ident(table+"_status_check"),
				ident(table+"_backend_check"),
			),
			fmt.Sprintf(`CREATE UNIQUE INDEX %s ON %s (owner, path, version)`,
				ident("idx_"+table+"_version"), quoted),
			fmt.Sprintf(`CREATE UNIQUE INDEX %s ON %s (owner, path) WHERE status = 'committed'`,
				ident("idx_"+table+"_committed"), quoted),
		)
	}
}

func dropFileTable(table string) func(context.Context, *sql.Tx) error {
	return func(ctx context.Context, tx *sql.Tx) error {
		return internal.ExecAll(ctx, tx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, ident(table)))
	}
}

func createLifecycleIndexes(table string) func(context.Context, *sql.Tx) error {
	return func(ctx context.Context, tx *sql.Tx) error {
		quoted := ident(table)

		return internal.ExecAll(ctx, tx,
			fmt.Sprintf(`CREATE INDEX %s ON %s (owner, created_at, path) WHERE status = 'committed'`,
				ident("idx_"+table+"_list"), quoted),
			fmt.Sprintf(`CREATE INDEX %s ON %s (backend, created_at, id) WHERE status = 'committed'`,
				ident("idx_"+table+"_backend"), quoted),
			fmt.Sprintf(`CREATE INDEX %s ON %s (created_at) WHERE status = 'pending'`,
				ident("idx_"+table+"_pending"), quoted),
			fmt.Sprintf(`CREATE INDEX %s ON %s (updated_at) WHERE status IN ('superseded', 'tombstoned')`,
				ident("idx_"+table+"_reclaim"), quoted),
		)
	}
}

func dropLifecycleIndexes(table string) func(context.Context, *sql.Tx) error {
	return func(ctx context.Context, tx *sql.Tx) error {
		return internal.ExecAll(ctx, tx,
			fmt.Sprintf(`DROP INDEX IF EXISTS %s`, ident("idx_"+table+"_list")),
			fmt.Sprintf(`DROP INDEX IF EXISTS %s`, ident("idx_"+table+"_backend")),
			fmt.Sprintf(`DROP INDEX IF EXISTS %s`, ident("idx_"+table+"_pending")),
			fmt.Sprintf(`DROP INDEX IF EXISTS %s`, ident("idx_"+table+"_reclaim")),
		)
	}
}
