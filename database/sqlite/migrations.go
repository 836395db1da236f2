package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pressly/goose/v3"
	goosedb "github.com/pressly/goose/v3/database"
	"github.com/sagarc03/filevault"
	"github.com/sagarc03/filevault/database/internal"
)

// quoteIdentifier safely quotes a SQLite identifier
func quoteIdentifier(name string) string {
	return `"` + name + `"`
}

// Migrate applies the schema of tables.
func Migrate(ctx context.Context, db *sql.DB, tables filevault.Tables) error {
	if err := tables.Validate(); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return internal.Up(ctx, db, goosedb.DialectSQLite3, tables.Files, fileTableMigrations(tables.Files))
}

// DropTables rolls the schema of tables back, removing the files table.
func DropTables(ctx context.Context, db *sql.DB, tables filevault.Tables) error {
	if err := tables.Validate(); err != nil {
		return fmt.Errorf("drop tables: %w", err)
	}
	return internal.Down(ctx, db, goosedb.DialectSQLite3, tables.Files, fileTableMigrations(tables.Files))
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

func createFileTable(table string) func(context.Context, *sql.Tx) error {
	return func(ctx context.Context, tx *sql.Tx) error {
		quoted := quoteIdentifier(table)

		return internal.ExecAll(ctx, tx,
			fmt.Sprintf(`
				CREATE TABLE %s (
					id TEXT NOT NULL PRIMARY KEY,
					owner TEXT NOT NULL,
					path TEXT NOT NULL,
					backend TEXT NOT NULL CHECK (backend IN ('local', 'cloud')),
					blob_key TEXT NOT NULL,
					size_bytes INTEGER NOT NULL DEFAULT 0,
					checksum TEXT NOT NULL DEFAULT '',
					content_type TEXT NOT NULL,
					version INTEGER NOT NULL,
					status TEXT NOT NULL CHECK (status IN ('pending', 'committed', 'superseded', 'tombstoned')),
					cleanup_attempts INTEGER NOT NULL DEFAULT 0,
					created_at TEXT NOT NULL,
					updated_at TEXT NOT NULL,
					deleted_at TEXT
				)`, quoted),
			fmt.Sprintf(`CREATE UNIQUE INDEX %s ON %s (owner, path, version)`,
				quoteIdentifier("idx_"+table+"_version"), quoted),
			fmt.Sprintf(`CREATE UNIQUE INDEX %s ON %s (owner, path) WHERE status = 'committed'`,
				quoteIdentifier("idx_"+table+"_committed"), quoted),
		)
	}
}

func dropFileTable(table string) func(context.Context, *sql.Tx) error {
	return func(ctx context.Context, tx *sql.Tx) error {
		return internal.ExecAll(ctx, tx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, quoteIdentifier(table)))
	}
}

func createLifecycleIndexes(table string) func(context.Context, *sql.Tx) error {
	return func(ctx context.Context, tx *sql.Tx) error {
		quoted := quoteIdentifier(table)

		return internal.ExecAll(ctx, tx,
			fmt.Sprintf(`CREATE INDEX %s ON %s (owner, created_at, path) WHERE status = 'committed'`,
				quoteIdentifier("idx_"+table+"_list"), quoted),
			fmt.Sprintf(`CREATE INDEX %s ON %s (backend, created_at, id) WHERE status = 'committed'`,
				quoteIdentifier("idx_"+table+"_backend"), quoted),
			fmt.Sprintf(`CREATE INDEX %s ON %s (created_at) WHERE status = 'pending'`,
				quoteIdentifier("idx_"+table+"_pending"), quoted),
			fmt.Sprintf(`CREATE INDEX %s ON %s (updated_at) WHERE status IN ('superseded', 'tombstoned')`,
				quoteIdentifier("idx_"+table+"_reclaim"), quoted),
		)
	}
}

func dropLifecycleIndexes(table string) func(context.Context, *sql.Tx) error {
	return func(ctx context.Context, tx *sql.Tx) error {
		return internal.ExecAll(ctx, tx,
			fmt.Sprintf(`DROP INDEX IF EXISTS %s`, quoteIdentifier("idx_"+table+"_list")),
			fmt.Sprintf(`DROP INDEX IF EXISTS %s`, quoteIdentifier("idx_"+table+"_backend")),
			fmt.Sprintf(`DROP INDEX IF EXISTS %s`, quoteIdentifier("idx_"+table+"_pending")),
			fmt.Sprintf(`DROP INDEX IF EXISTS %s`, quoteIdentifier("idx_"+table+"_reclaim")),
		)
	}
}
