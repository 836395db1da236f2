// Package database opens the SQL store that holds file version metadata.
//
// Two backends are supported:
//
//   - PostgreSQL: pgx connection pool, advisory locks shared across instances
//   - SQLite: modernc.org/sqlite, single connection, in-process locks
//
// # Usage
//
//	cfg := database.Config{
//	    Type:   "sqlite",
//	    DSN:    "filevault.db",
//	    Tables: filevault.Tables{Files: "filevault_files"},
//	}
//
//	db, err := database.Open(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	engine, err := filevault.NewEngine(db.GetRepo(), db.Locker(), cfg, backends...)
//
// Open connects, pings, applies the goose migrations of the configured table
// and validates the resulting schema. Connect only opens the connection.
//
// Each files table carries its own goose version table named
// <table>_goose_version, so several deployments can share one database.
package database
