// Package filevault provides a versioned file store whose bytes live in a
// pluggable blob backend while a relational store holds the metadata.
//
// Every write records a pending version, uploads the blob under a fresh key
// and only then commits. Reads only ever see committed versions, so a failed
// or interrupted upload never replaces the previous content.
//
// # Key Components
//
//   - Engine: Write, read, delete and folder operations over one owner's files
//   - Collector: Periodic sweep of abandoned uploads and deleted versions
//   - MetaDataRepo: Interface for metadata persistence (PostgreSQL, SQLite)
//   - BlobBackend: Interface for blob storage (filesystem, GCS, S3)
//   - Locker: Per-path write serialization (in-process or Postgres advisory locks)
//   - TokenVerifier: Bearer token verification yielding the request's owner
//
// # Record Lifecycle
//
//   - pending: the version is being uploaded
//   - committed: the current version of its path, at most one per path
//   - superseded: an older version kept for the history retention window
//   - tombstoned: deleted, waiting for its blob to be reclaimed
//
// # Example Usage
//
//	engine, err := filevault.NewEngine(repo, filevault.NewLocalLocker(),
//	    filevault.EngineConfig{Active: filevault.BackendLocal}, storage)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Close()
//
//	rec, err := engine.Write(ctx, "alice", filevault.WriteObject{Path: "docs/a.txt"}, reader)
//
//	rec, body, err := engine.Read(ctx, "alice", "docs/a.txt")
//
// See the http package for the REST API and the database package for the
// metadata backends.
package filevault
