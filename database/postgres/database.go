package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sagarc03/filevault"
)

// DefaultLockMaxConns caps the advisory lock pool, and with it the number of
// writes one instance runs at the same time.
const DefaultLockMaxConns = 16

type database struct {
	pool     *pgxpool.Pool
	lockPool *pgxpool.Pool
	tables   filevault.Tables
}

type options struct {
	lockMaxConns int32
}

// Option configures Connect.
type Option func(*options)

// WithLockMaxConns sizes the connection pool that holds advisory locks.
func WithLockMaxConns(n int32) Option {
	return func(o *options) {
		if n > 0 {
			o.lockMaxConns = n
		}
	}
}

// Connect establishes two connection pools to PostgreSQL: one for metadata
// queries and one that only holds advisory locks.
// Tables should be validated before calling Connect.
func Connect(ctx context.Context, dsn string, tables filevault.Tables, opts ...Option) (*database, error) {
	o := options{lockMaxConns: DefaultLockMaxConns}
	for _, opt := range opts {
		opt(&o)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	lockCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect postgres: lock pool: %w", err)
	}
	lockCfg.MaxConns = o.lockMaxConns
	lockCfg.MinConns = 0

	lockPool, err := pgxpool.NewWithConfig(ctx, lockCfg)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect postgres: lock pool: %w", err)
	}

	return &database{
		pool:     pool,
		lockPool: lockPool,
		tables:   tables,
	}, nil
}

// Ping verifies the database connection is alive.
func (d *database) Ping(ctx context.Context) error {
	return d.pool.Ping(ctx)
}

// Migrate applies every pending schema migration.
func (d *database) Migrate(ctx context.Context) error {
	if err := Migrate(ctx, d.pool, d.tables); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Validate checks that the database schema matches expected structure.
func (d *database) Validate(ctx context.Context) error {
	return ValidateSchema(ctx, d.pool, d.tables)
}

// GetRepo returns the MetaDataRepo for database operations.
func (d *database) GetRepo() filevault.MetaDataRepo {
	return &repo{pool: d.pool, tableName: ident(d.tables.Files)}
}

// Locker returns advisory locks shared by every instance on this database.
// The locks live on their own pool, apart from the repo's.
func (d *database) Locker() filevault.Locker {
	return NewAdvisoryLocker(d.lockPool)
}

// Close closes both connection pools.
func (d *database) Close() error {
	d.lockPool.Close()
	d.pool.Close()
	return nil
}
