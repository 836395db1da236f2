package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/sagarc03/filevault"
	"github.com/sagarc03/filevault/config"
	"github.com/sagarc03/filevault/database"
	"github.com/sagarc03/filevault/filesystem"
	"github.com/sagarc03/filevault/gcs"
	"github.com/sagarc03/filevault/s3"
)

// vault bundles the engine with the resources it was built from.
type vault struct {
	db      database.Database
	engine  *filevault.Engine
	closers []func() error
}

// openVault connects the metadata store, opens every configured blob backend
// and builds the engine on top of them.
func openVault(ctx context.Context, cfg *config.Config) (*vault, error) {
	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	slog.Info("connected to database", "type", cfg.Database.Type, "table", cfg.Database.Tables.Files)

	v := &vault{db: db}

	backends, err := v.openBackends(ctx, cfg)
	if err != nil {
		v.Close()
		return nil, err
	}

	engine, err := filevault.NewEngine(db.GetRepo(), db.Locker(), cfg.EngineSettings(slog.Default()), backends...)
	if err != nil {
		v.Close()
		return nil, fmt.Errorf("create engine: %w", err)
	}
	v.engine = engine
	return v, nil
}

func (v *vault) openBackends(ctx context.Context, cfg *config.Config) ([]filevault.BlobBackend, error) {
	path := cfg.Storage.Local.Path
	if err := os.MkdirAll(path, 0o750); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	root, err := os.OpenRoot(path)
	if err != nil {
		return nil, fmt.Errorf("open storage root: %w", err)
	}
	v.closers = append(v.closers, root.Close)

	backends := []filevault.BlobBackend{filesystem.NewFileStorage(root)}

	switch cfg.Storage.Cloud.Provider {
	case "s3":
		store, err := s3.New(ctx, cfg.Storage.Cloud.S3)
		if err != nil {
			return nil, fmt.Errorf("open s3 backend: %w", err)
		}
		backends = append(backends, store)
		slog.Info("cloud backend ready", "provider", "s3", "bucket", cfg.Storage.Cloud.S3.Bucket)
	case "gcs":
		store, err := gcs.New(ctx, cfg.Storage.Cloud.GCS)
		if err != nil {
			return nil, fmt.Errorf("open gcs backend: %w", err)
		}
		v.closers = append(v.closers, store.Close)
		backends = append(backends, store)
		slog.Info("cloud backend ready", "provider", "gcs", "bucket", cfg.Storage.Cloud.GCS.Bucket)
	}

	return backends, nil
}

// Close drains the engine and releases backends and the database.
func (v *vault) Close() {
	if v.engine != nil {
		v.engine.Close()
	}

	var errs []error
	for i := len(v.closers) - 1; i >= 0; i-- {
		errs = append(errs, v.closers[i]())
	}
	errs = append(errs, v.db.Close())

	if err := errors.Join(errs...); err != nil {
		slog.Warn("close vault", "error", err)
	}
}
