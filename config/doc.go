// Package config provides configuration loading and validation for filevault.
//
// The package handles YAML configuration files, environment variables, and CLI flags
// with automatic merging and validation using go-playground/validator.
//
// # Configuration Precedence
//
// Values are loaded in this order (later sources override earlier ones):
//
//  1. Default values
//  2. Configuration file(s) - multiple files merged left-to-right
//  3. Environment variables (FILEVAULT_ prefix)
//  4. CLI flags
//
// # Usage
//
//	cfg, err := config.Load([]string{"config.yaml"}, cmd.Flags())
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Store in context for subcommands
//	ctx = config.WithContext(ctx, cfg)
//
//	// Retrieve later
//	cfg, err = config.FromContext(ctx)
//
// # Environment Variables
//
// All config keys map to environment variables with FILEVAULT_ prefix:
//   - server.port → FILEVAULT_SERVER_PORT
//   - engine.active → FILEVAULT_ENGINE_ACTIVE
//   - gc.history_retention → FILEVAULT_GC_HISTORY_RETENTION
//
// # Configuration Structure
//
// The Config struct contains:
//   - Server: port, max_upload_size and shutdown_timeout
//   - Engine: active backend, timeouts, quota and cleanup budget
//   - GC: sweep interval, staleness threshold and history retention
//   - Database: type, DSN, and table names
//   - Storage: local root path and the optional S3 or GCS cloud backend
//   - Auth: bearer token settings and signing keys
//   - CORS: cross-origin resource sharing settings
//   - Log: logging level
//
// Durations accept Go syntax ("30s", "24h"). A history_retention of 0
// disables version history.
package config
