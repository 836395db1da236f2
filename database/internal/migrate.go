package internal

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
)

// VersionTable names the goose bookkeeping table of a files table, so that
// several deployments can share one database under different table names.
func VersionTable(table string) string {
	return table + "_goose_version"
}

// Up applies every pending migration of table.
func Up(ctx context.Context, db *sql.DB, dialect database.Dialect, table string, migrations []*goose.Migration, opts ...goose.ProviderOption) error {
	p, err := newProvider(db, dialect, table, migrations, opts)
	if err != nil {
		return err
	}
	if _, err := p.Up(ctx); err != nil {
		return fmt.Errorf("migrate up %s: %w", table, err)
	}
	return nil
}

// Down rolls every applied migration of table back.
func Down(ctx context.Context, db *sql.DB, dialect database.Dialect, table string, migrations []*goose.Migration, opts ...goose.ProviderOption) error {
	p, err := newProvider(db, dialect, table, migrations, opts)
	if err != nil {
		return err
	}
	if _, err := p.DownTo(ctx, 0); err != nil {
		return fmt.Errorf("migrate down %s: %w", table, err)
	}
	return nil
}

func newProvider(db *sql.DB, dialect database.Dialect, table string, migrations []*goose.Migration, opts []goose.ProviderOption) (*goose.Provider, error) {
	store, err := database.NewStore(dialect, VersionTable(table))
	if err != nil {
		return nil, fmt.Errorf("migration store %s: %w", table, err)
	}

	opts = append([]goose.ProviderOption{
		goose.WithStore(store),
		goose.WithGoMigrations(migrations...),
		goose.WithDisableGlobalRegistry(true),
	}, opts...)

	p, err := goose.NewProvider("", db, nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("migration provider %s: %w", table, err)
	}
	return p, nil
}

// ExecAll runs stmts in order inside tx.
func ExecAll(ctx context.Context, tx *sql.Tx, stmts ...string) error {
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
