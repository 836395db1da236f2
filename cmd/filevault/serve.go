package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sagarc03/filevault"
	"github.com/sagarc03/filevault/config"
	vaulthttp "github.com/sagarc03/filevault/http"
	"github.com/sagarc03/filevault/keybackend"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Long: `Start the filevault HTTP server. When gc.enabled is set the garbage
collector runs in the same process on gc.interval.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().Int("port", 5708, "HTTP server port (env: FILEVAULT_SERVER_PORT)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.FromContext(cmd.Context())
	if err != nil {
		return err
	}

	ctx, stop := exitOnSignal(cmd.Context())
	defer stop()

	v, err := openVault(ctx, cfg)
	if err != nil {
		return err
	}
	defer v.Close()

	handlerConfig := vaulthttp.HandlerConfig{
		AnonymousOwner: cfg.Auth.AnonymousOwner,
		MaxUploadSize:  cfg.Server.MaxUploadSize,
		CORS:           cfg.CORS,
	}
	if cfg.Auth.Enabled {
		store, err := keybackend.NewSecretStore(cfg.Auth.Keys)
		if err != nil {
			return fmt.Errorf("load signing keys: %w", err)
		}
		handlerConfig.Verifier = filevault.NewTokenVerifier(store, cfg.Auth.Token)
	}

	handler := vaulthttp.NewHandler(&handlerConfig, v.engine)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("starting server", "addr", addr, "active", v.engine.ActiveBackend(), "auth", cfg.Auth.Enabled)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	if cfg.GC.Enabled {
		collector := filevault.NewCollector(v.engine, cfg.GCSettings(slog.Default()))
		g.Go(func() error {
			slog.Info("garbage collector started", "interval", cfg.GC.Interval)
			return collector.Run(gctx)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("server stopped")
	return nil
}

// exitOnSignal cancels long batch commands on SIGINT or SIGTERM.
func exitOnSignal(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}
