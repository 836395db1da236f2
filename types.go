package filevault

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// BackendKind names the blob backend a record's bytes live in.
type BackendKind string

const (
	BackendLocal BackendKind = "local"
	BackendCloud BackendKind = "cloud"
)

func (k BackendKind) IsValid() bool {
	switch k {
	case BackendLocal, BackendCloud:
		return true
	default:
		return false
	}
}

func ParseBackendKind(s string) (BackendKind, error) {
	kind := BackendKind(s)
	if !kind.IsValid() {
		return "", fmt.Errorf("invalid backend kind: %s (valid kinds: local, cloud)", s)
	}
	return kind, nil
}

// Status is the lifecycle state of a FileRecord.
type Status string

const (
	StatusPending    Status = "pending"
	StatusCommitted  Status = "committed"
	StatusSuperseded Status = "superseded"
	StatusTombstoned Status = "tombstoned"
)

func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusCommitted, StatusSuperseded, StatusTombstoned:
		return true
	default:
		return false
	}
}

// FileRecord is one version of a logical file owned by Owner.
type FileRecord struct {
	ID              uuid.UUID   `json:"id"`
	Owner           string      `json:"owner"`
	Path            string      `json:"path"`
	Backend         BackendKind `json:"backend"`
	BlobKey         string      `json:"-"`
	SizeBytes       int64       `json:"size_bytes"`
	Checksum        string      `json:"checksum"`
	ContentType     string      `json:"content_type"`
	Version         int64       `json:"version"`
	Status          Status      `json:"status"`
	CleanupAttempts int         `json:"-"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
	DeletedAt       *time.Time  `json:"deleted_at,omitempty"`
}

// BlobHandle locates bytes inside a backend. It is never persisted on its
// own; Commit stores it into the record.
type BlobHandle struct {
	Backend BackendKind
	Key     string
}

// PendingRecord is the intent recorded before any bytes are written.
type PendingRecord struct {
	Owner       string
	Path        string
	Backend     BackendKind
	BlobKey     string
	ContentType string
	Version     int64
}

// CommitInput carries what the write path learned while streaming the blob.
type CommitInput struct {
	Handle    BlobHandle
	Checksum  string
	SizeBytes int64
}

type WriteObject struct {
	Path        string
	ContentType string
}

type ListQuery struct {
	Owner      string
	PathPrefix string
	Limit      int
	Cursor     string
}

type ListResult struct {
	Items      []FileRecord `json:"items"`
	NextCursor string       `json:"next_cursor,omitempty"`
}

// Usage summarizes the committed bytes an owner holds.
type Usage struct {
	Owner      string `json:"owner"`
	Files      int64  `json:"files"`
	Bytes      int64  `json:"bytes"`
	QuotaBytes int64  `json:"quota_bytes,omitempty"`
}

type EntryType string

const (
	EntryFolder EntryType = "folder"
	EntryFile   EntryType = "file"
)

// FolderEntry is one direct child of an explored folder.
type FolderEntry struct {
	Type   EntryType   `json:"type"`
	Name   string      `json:"name"`
	Path   string      `json:"path"`
	Record *FileRecord `json:"record,omitempty"`
}

// Tables holds configurable table names for metadata storage.
// This allows multi-tenant deployments to use different table names.
type Tables struct {
	Files string `mapstructure:"files"`
}

var validTableNameRegex = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// IsValidTableName checks if a table name is valid (lowercase, alphanumeric with underscores, max 48 chars).
// The limit leaves room for the derived index and goose version table names.
func IsValidTableName(name string) bool {
	return validTableNameRegex.MatchString(name) && len(name) <= 48
}

// Validate checks that all required table names are set and valid.
func (t Tables) Validate() error {
	if t.Files == "" {
		return errors.New("validate tables: files table name cannot be empty")
	}

	if !IsValidTableName(t.Files) {
		return fmt.Errorf("validate tables: invalid files table name: %s (must match ^[a-z_][a-z0-9_]*$ and be <= 48 chars)", t.Files)
	}

	return nil
}
