package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/sagarc03/filevault/config"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Version: version,
	Use:     "filevault",
	Short:   "Versioned file vault with local and cloud blob storage",
	Long: `Filevault stores per-owner files behind a REST API. File bytes live on
the local filesystem or in a cloud bucket (S3 or GCS); metadata and version
history live in SQLite or PostgreSQL.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var files []string
		if path, _ := cmd.Flags().GetString("config"); path != "" {
			files = append(files, path)
		}

		cfg, err := config.Load(files, cmd.Flags())
		if err != nil {
			return err
		}

		setupLogging(cfg)
		cmd.SetContext(config.WithContext(cmd.Context(), cfg))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "config file path (default: ./config.yaml)")
	rootCmd.PersistentFlags().String("db-type", "", "database type: sqlite, postgres (default: sqlite, env: FILEVAULT_DATABASE_TYPE)")
	rootCmd.PersistentFlags().String("db-dsn", "", "database connection string (default: filevault.db, env: FILEVAULT_DATABASE_DSN)")
	rootCmd.PersistentFlags().String("storage-path", "", "local storage directory (default: ./data, env: FILEVAULT_STORAGE_LOCAL_PATH)")
	rootCmd.PersistentFlags().String("active", "", "backend new versions are written to: local, cloud (env: FILEVAULT_ENGINE_ACTIVE)")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error (env: FILEVAULT_LOG_LEVEL)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
