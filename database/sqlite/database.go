package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sagarc03/filevault"

	_ "modernc.org/sqlite" // SQLite driver
)

// database provides SQLite database operations.
type database struct {
	db     *sql.DB
	tables filevault.Tables
}

// Connect opens a SQLite database. All access goes through one connection:
// writers are serialized by SQLite anyway, and an in-memory database exists
// only on the connection that created it.
// Tables should be validated before calling Connect.
func Connect(ctx context.Context, dsn string, tables filevault.Tables) (*database, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect sqlite: busy timeout: %w", err)
	}

	return &database{
		db:     db,
		tables: tables,
	}, nil
}

// Ping verifies the database connection is alive.
func (d *database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Migrate applies every pending schema migration.
func (d *database) Migrate(ctx context.Context) error {
	if err := Migrate(ctx, d.db, d.tables); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Validate checks that the database schema matches expected structure.
func (d *database) Validate(ctx context.Context) error {
	return ValidateSchema(ctx, d.db, d.tables)
}

// GetRepo returns the MetaDataRepo for database operations.
func (d *database) GetRepo() filevault.MetaDataRepo {
	return &repo{db: d.db, tableName: quoteIdentifier(d.tables.Files)}
}

// Locker returns an in-process Locker. A SQLite file has a single writer
// process, so no shared lock is needed.
func (d *database) Locker() filevault.Locker {
	return filevault.NewLocalLocker()
}

// Close closes the database connection.
func (d *database) Close() error {
	return d.db.Close()
}
