package clientcli

import (
	"time"

	"github.com/google/uuid"
)

// UploadOptions configures an upload operation.
type UploadOptions struct {
	LocalPath   string
	RemotePath  string
	ContentType string // optional, auto-detect if empty
	Recursive   bool
}

// UploadResult represents the result of uploading a single file.
type UploadResult struct {
	LocalPath   string    `json:"local_path"`
	RemotePath  string    `json:"remote_path"`
	ID          uuid.UUID `json:"id"`
	ContentType string    `json:"content_type"`
	Checksum    string    `json:"checksum"`
	Size        int64     `json:"size_bytes"`
	Version     int64     `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	Err         error     `json:"-"` // nil on success
}

// DownloadOptions configures a download operation.
type DownloadOptions struct {
	RemotePath string
	LocalPath  string // empty = derive from remote, "-" = stdout
}

// DownloadResult represents the result of downloading a file.
type DownloadResult struct {
	RemotePath  string `json:"remote_path"`
	LocalPath   string `json:"local_path"`
	Checksum    string `json:"checksum"`
	ContentType string `json:"content_type"`
	Version     int64  `json:"version,omitempty"`
	Size        int64  `json:"size_bytes"`
}

// DeleteOptions configures a delete operation. With Folder set every path
// is a folder and everything under it is deleted.
type DeleteOptions struct {
	Paths  []string
	Folder bool
}

// DeleteResult represents the result of deleting a single file or folder.
type DeleteResult struct {
	Path    string `json:"path"`
	Deleted int    `json:"deleted"`
	Err     error  `json:"-"` // nil on success
}

// ListOptions configures a list operation.
type ListOptions struct {
	Prefix string
	Limit  int
	Cursor string
	All    bool // auto-paginate through all results
}

// ListResult contains paginated list results.
type ListResult struct {
	Items      []ObjectInfo `json:"items"`
	NextCursor string       `json:"next_cursor,omitempty"`
}

// ObjectInfo is the metadata of one file version.
type ObjectInfo struct {
	ID          uuid.UUID `json:"id"`
	Path        string    `json:"path"`
	ContentType string    `json:"content_type"`
	Checksum    string    `json:"checksum"`
	Size        int64     `json:"size_bytes"`
	Version     int64     `json:"version"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// UsageInfo is the storage used by the authenticated owner.
type UsageInfo struct {
	Owner      string `json:"owner"`
	Files      int64  `json:"files"`
	Bytes      int64  `json:"bytes"`
	QuotaBytes int64  `json:"quota_bytes,omitempty"`
}

// serverRecord mirrors a file record in server responses.
type serverRecord struct {
	ID          uuid.UUID `json:"id"`
	Path        string    `json:"path"`
	ContentType string    `json:"content_type"`
	Checksum    string    `json:"checksum"`
	SizeBytes   int64     `json:"size_bytes"`
	Version     int64     `json:"version"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (r serverRecord) info() ObjectInfo {
	return ObjectInfo{
		ID:          r.ID,
		Path:        r.Path,
		ContentType: r.ContentType,
		Checksum:    r.Checksum,
		Size:        r.SizeBytes,
		Version:     r.Version,
		Status:      r.Status,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

// serverListResult mirrors the list response.
type serverListResult struct {
	Items      []serverRecord `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

// serverError mirrors the error body returned for every failed request.
type serverError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
