package database

import (
	"context"
	"fmt"

	"github.com/sagarc03/filevault"
	"github.com/sagarc03/filevault/database/postgres"
	"github.com/sagarc03/filevault/database/sqlite"
)

// Config holds the configuration for connecting to a metadata backend.
type Config struct {
	// Type specifies the database type: "sqlite" or "postgres"
	Type string `mapstructure:"type" validate:"required,oneof=sqlite postgres"`
	// DSN is the data source name (connection string)
	DSN string `mapstructure:"dsn" validate:"required"`
	// Tables holds the table names
	Tables filevault.Tables `mapstructure:"tables"`
	// LockMaxConns sizes the PostgreSQL pool that holds advisory locks; it
	// bounds concurrent writes per instance. Ignored by SQLite.
	LockMaxConns int32 `mapstructure:"lock_max_conns" validate:"min=0"`
}

// Database is a connected metadata backend.
type Database interface {
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Validate(ctx context.Context) error
	GetRepo() filevault.MetaDataRepo
	// Locker returns the write lock suited to the backend: advisory locks
	// shared across instances for PostgreSQL, in-process locks for SQLite.
	Locker() filevault.Locker
	Close() error
}

// Connect validates cfg and opens the configured backend. It does not touch
// the schema; call Migrate and Validate before using the repo.
func Connect(ctx context.Context, cfg Config) (Database, error) {
	if err := cfg.Tables.Validate(); err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	var db Database
	var err error

	switch cfg.Type {
	case "sqlite":
		db, err = connectSQLite(ctx, cfg)
	case "postgres":
		db, err = connectPostgres(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}
	if err != nil {
		return nil, err
	}
	return db, nil
}

func connectSQLite(ctx context.Context, cfg Config) (Database, error) {
	db, err := sqlite.Connect(ctx, cfg.DSN, cfg.Tables)
	if err != nil {
		return nil, err
	}
	return db, nil
}

func connectPostgres(ctx context.Context, cfg Config) (Database, error) {
	db, err := postgres.Connect(ctx, cfg.DSN, cfg.Tables, postgres.WithLockMaxConns(cfg.LockMaxConns))
	if err != nil {
		return nil, err
	}
	return db, nil
}

// Open connects, migrates and validates the schema in one step.
func Open(ctx context.Context, cfg Config) (Database, error) {
	db, err := Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.Type, err)
	}
	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate %s: %w", cfg.Type, err)
	}
	if err := db.Validate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("validate %s schema: %w", cfg.Type, err)
	}
	return db, nil
}
