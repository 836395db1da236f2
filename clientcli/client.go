package clientcli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// DefaultTimeout is the default HTTP client timeout.
const DefaultTimeout = 5 * time.Minute

const maxPageSize = 1000

// Client performs operations against a filevault server.
type Client struct {
	config     *Config
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// New creates a new Client with the given config and options.
func New(cfg *Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		return nil, ErrConfigRequired
	}

	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		config: &Config{
			Endpoint: strings.TrimSuffix(cfg.Endpoint, "/"),
			Token:    cfg.Token,
		},
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// Upload uploads file(s) to the server.
// For recursive uploads, walks directory and preserves relative paths.
func (c *Client) Upload(ctx context.Context, opts UploadOptions) ([]UploadResult, error) {
	if opts.LocalPath == "" {
		return nil, fmt.Errorf("upload: %w", ErrEmptyPath)
	}
	if opts.Recursive {
		return c.uploadRecursive(ctx, opts)
	}
	result, err := c.uploadSingle(ctx, opts.LocalPath, opts.RemotePath, opts.ContentType)
	if err != nil {
		return nil, err
	}
	return []UploadResult{result}, nil
}

// uploadRecursive walks a directory and uploads all files.
func (c *Client) uploadRecursive(ctx context.Context, opts UploadOptions) ([]UploadResult, error) {
	info, err := os.Stat(opts.LocalPath)
	if err != nil {
		return nil, fmt.Errorf("stat local path: %w", err)
	}

	if !info.IsDir() {
		result, uploadErr := c.uploadSingle(ctx, opts.LocalPath, opts.RemotePath, opts.ContentType)
		if uploadErr != nil {
			return nil, uploadErr
		}
		return []UploadResult{result}, nil
	}

	var results []UploadResult
	baseDir := opts.LocalPath
	remotePrefix := strings.Trim(opts.RemotePath, "/")

	walkErr := filepath.WalkDir(baseDir, func(path string, d fs.DirEntry, fileErr error) error {
		if fileErr != nil {
			return fileErr
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			return nil
		}

		relPath, relErr := filepath.Rel(baseDir, path)
		if relErr != nil {
			results = append(results, UploadResult{
				LocalPath: path,
				Err:       fmt.Errorf("calculate relative path: %w", relErr),
			})
			return nil
		}

		remotePath := filepath.ToSlash(relPath)
		if remotePrefix != "" {
			remotePath = remotePrefix + "/" + remotePath
		}

		result, uploadErr := c.uploadSingle(ctx, path, remotePath, "")
		if uploadErr != nil {
			result = UploadResult{
				LocalPath:  path,
				RemotePath: remotePath,
				Err:        uploadErr,
			}
		}
		results = append(results, result)
		return nil
	})

	if walkErr != nil {
		return results, fmt.Errorf("walk directory: %w", walkErr)
	}

	return results, nil
}

// uploadSingle streams one file to PUT /files/{path}.
func (c *Client) uploadSingle(ctx context.Context, localPath, remotePath, contentType string) (UploadResult, error) {
	file, err := os.Open(localPath) //#nosec G304 -- localPath is user-provided input
	if err != nil {
		return UploadResult{}, fmt.Errorf("open file: %w", err)
	}
	defer func() { _ = file.Close() }()

	info, err := file.Stat()
	if err != nil {
		return UploadResult{}, fmt.Errorf("stat file: %w", err)
	}

	if contentType == "" {
		contentType = detectContentType(localPath)
	}

	req, err := c.newRequest(ctx, http.MethodPut, filesPath(remotePath), nil, file)
	if err != nil {
		return UploadResult{}, err
	}
	req.Header.Set("Content-Type", contentType)
	req.ContentLength = info.Size()

	var rec serverRecord
	if err := c.doJSON(req, http.StatusCreated, &rec); err != nil {
		return UploadResult{}, err
	}

	return UploadResult{
		LocalPath:   localPath,
		RemotePath:  rec.Path,
		ID:          rec.ID,
		ContentType: rec.ContentType,
		Checksum:    rec.Checksum,
		Size:        rec.SizeBytes,
		Version:     rec.Version,
		CreatedAt:   rec.CreatedAt,
	}, nil
}

// Download downloads a file from the server.
// If opts.LocalPath is "-", the content is returned via the io.ReadCloser and must be closed by the caller.
// Otherwise, the content is written to the file and the io.ReadCloser is nil.
func (c *Client) Download(ctx context.Context, opts DownloadOptions) (*DownloadResult, io.ReadCloser, error) {
	if opts.RemotePath == "" {
		return nil, nil, fmt.Errorf("download: %w", ErrEmptyPath)
	}
	remotePath := strings.Trim(opts.RemotePath, "/")

	req, err := c.newRequest(ctx, http.MethodGet, filesPath(remotePath), nil, http.NoBody)
	if err != nil {
		return nil, nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("do request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return nil, nil, parseServerError(resp.StatusCode, body)
	}

	result := &DownloadResult{
		RemotePath:  remotePath,
		Checksum:    strings.Trim(resp.Header.Get("ETag"), `"`),
		ContentType: resp.Header.Get("Content-Type"),
		Size:        resp.ContentLength,
	}
	if v, err := strconv.ParseInt(resp.Header.Get("X-File-Version"), 10, 64); err == nil {
		result.Version = v
	}

	if opts.LocalPath == "-" {
		result.LocalPath = "-"
		return result, resp.Body, nil
	}

	localPath := opts.LocalPath
	if localPath == "" {
		localPath = filepath.Base(remotePath)
	}
	result.LocalPath = localPath

	dir := filepath.Dir(localPath)
	if dir != "" && dir != "." {
		if mkdirErr := os.MkdirAll(dir, 0o750); mkdirErr != nil {
			_ = resp.Body.Close()
			return nil, nil, fmt.Errorf("create directory: %w", mkdirErr)
		}
	}

	file, createErr := os.Create(localPath) //#nosec G304 -- localPath is user-provided input
	if createErr != nil {
		_ = resp.Body.Close()
		return nil, nil, fmt.Errorf("create file: %w", createErr)
	}

	written, copyErr := io.Copy(file, resp.Body)
	_ = resp.Body.Close()
	if copyErr != nil {
		_ = file.Close()
		return nil, nil, fmt.Errorf("write file: %w", copyErr)
	}

	if closeErr := file.Close(); closeErr != nil {
		return nil, nil, fmt.Errorf("close file: %w", closeErr)
	}

	result.Size = written
	return result, nil, nil
}

// Delete deletes files or folders from the server.
// Continues on error, collecting results for all paths.
func (c *Client) Delete(ctx context.Context, opts DeleteOptions) ([]DeleteResult, error) {
	if len(opts.Paths) == 0 {
		return nil, ErrNoPaths
	}

	results := make([]DeleteResult, 0, len(opts.Paths))
	for _, path := range opts.Paths {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		if opts.Folder {
			results = append(results, c.deleteFolder(ctx, path))
		} else {
			results = append(results, c.deleteSingle(ctx, path))
		}
	}

	return results, nil
}

func (c *Client) deleteSingle(ctx context.Context, path string) DeleteResult {
	req, err := c.newRequest(ctx, http.MethodDelete, filesPath(path), nil, http.NoBody)
	if err != nil {
		return DeleteResult{Path: path, Err: err}
	}
	if err := c.doJSON(req, http.StatusNoContent, nil); err != nil {
		return DeleteResult{Path: path, Err: err}
	}
	return DeleteResult{Path: path, Deleted: 1}
}

func (c *Client) deleteFolder(ctx context.Context, path string) DeleteResult {
	req, err := c.newRequest(ctx, http.MethodDelete, "/folders/"+escapePath(path), nil, http.NoBody)
	if err != nil {
		return DeleteResult{Path: path, Err: err}
	}

	var out struct {
		Deleted int `json:"deleted"`
	}
	if err := c.doJSON(req, http.StatusOK, &out); err != nil {
		return DeleteResult{Path: path, Err: err}
	}
	return DeleteResult{Path: path, Deleted: out.Deleted}
}

// HasDeleteErrors returns true if any delete operation failed.
func HasDeleteErrors(results []DeleteResult) bool {
	for _, r := range results {
		if r.Err != nil {
			return true
		}
	}
	return false
}

// List lists the committed files of the authenticated owner.
// If opts.All is true, paginates through all results.
func (c *Client) List(ctx context.Context, opts ListOptions) (*ListResult, error) {
	if opts.All {
		return c.listAll(ctx, opts)
	}
	return c.listPage(ctx, opts)
}

func (c *Client) listPage(ctx context.Context, opts ListOptions) (*ListResult, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	limit = min(limit, maxPageSize)

	query := url.Values{}
	query.Set("limit", strconv.Itoa(limit))
	if opts.Prefix != "" {
		query.Set("prefix", opts.Prefix)
	}
	if opts.Cursor != "" {
		query.Set("cursor", opts.Cursor)
	}

	req, err := c.newRequest(ctx, http.MethodGet, "/files", query, http.NoBody)
	if err != nil {
		return nil, err
	}

	var page serverListResult
	if err := c.doJSON(req, http.StatusOK, &page); err != nil {
		return nil, err
	}

	items := make([]ObjectInfo, len(page.Items))
	for i, item := range page.Items {
		items[i] = item.info()
	}

	return &ListResult{
		Items:      items,
		NextCursor: page.NextCursor,
	}, nil
}

func (c *Client) listAll(ctx context.Context, opts ListOptions) (*ListResult, error) {
	allItems := []ObjectInfo{}
	cursor := opts.Cursor

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		page, err := c.listPage(ctx, ListOptions{
			Prefix: opts.Prefix,
			Limit:  opts.Limit,
			Cursor: cursor,
		})
		if err != nil {
			return nil, err
		}

		allItems = append(allItems, page.Items...)

		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	return &ListResult{Items: allItems}, nil
}

// TotalSize calculates the total size of all items in bytes.
func (r *ListResult) TotalSize() int64 {
	var total int64
	for _, item := range r.Items {
		total += item.Size
	}
	return total
}

// Versions returns the retained versions of a file, newest first.
func (c *Client) Versions(ctx context.Context, path string) ([]ObjectInfo, error) {
	if path == "" {
		return nil, fmt.Errorf("versions: %w", ErrEmptyPath)
	}

	req, err := c.newRequest(ctx, http.MethodGet, "/versions/"+escapePath(path), nil, http.NoBody)
	if err != nil {
		return nil, err
	}

	var out struct {
		Versions []serverRecord `json:"versions"`
	}
	if err := c.doJSON(req, http.StatusOK, &out); err != nil {
		return nil, err
	}

	versions := make([]ObjectInfo, len(out.Versions))
	for i, v := range out.Versions {
		versions[i] = v.info()
	}
	return versions, nil
}

// Usage returns the storage used by the authenticated owner.
func (c *Client) Usage(ctx context.Context) (*UsageInfo, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/usage", nil, http.NoBody)
	if err != nil {
		return nil, err
	}

	var usage UsageInfo
	if err := c.doJSON(req, http.StatusOK, &usage); err != nil {
		return nil, err
	}
	return &usage, nil
}

// newRequest builds a request against the endpoint and attaches the token.
func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Request, error) {
	target := c.config.Endpoint + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}
	return req, nil
}

// doJSON executes req, expects status and decodes the body into out when
// out is non-nil.
func (c *Client) doJSON(req *http.Request, status int, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != status {
		return parseServerError(resp.StatusCode, body)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

func filesPath(remotePath string) string {
	return "/files/" + escapePath(remotePath)
}

// escapePath escapes each segment of a remote path for use in a URL.
func escapePath(p string) string {
	segments := strings.Split(strings.Trim(p, "/"), "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}

// NormalizeLocalToRemotePath converts a local path to a clean remote path.
// It handles:
//   - Leading "./" is stripped (./foo/bar.txt -> foo/bar.txt)
//   - Leading "/" is stripped (/abs/path/file.txt -> abs/path/file.txt)
//   - Parent traversal is resolved (../sibling/file.txt -> sibling/file.txt)
//   - Backslashes are converted to forward slashes (Windows)
func NormalizeLocalToRemotePath(localPath string) string {
	path := filepath.ToSlash(filepath.Clean(filepath.ToSlash(localPath)))
	path = strings.TrimPrefix(path, "./")
	path = strings.TrimPrefix(path, "/")

	for strings.HasPrefix(path, "../") {
		path = strings.TrimPrefix(path, "../")
	}

	if path == ".." || path == "." {
		return ""
	}
	return path
}

// detectContentType returns MIME type based on file extension.
func detectContentType(path string) string {
	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		return "application/octet-stream"
	}
	return mimeType
}

// parseServerError builds an APIError from a failed response.
func parseServerError(statusCode int, body []byte) error {
	apiErr := &APIError{StatusCode: statusCode, Body: string(body)}

	var se serverError
	if err := json.Unmarshal(body, &se); err == nil {
		apiErr.Code = se.Error
		apiErr.Message = se.Message
	}
	return apiErr
}

// APIError represents an error response from the server.
type APIError struct {
	StatusCode int
	// Code and Message come from the JSON error body when the server sent one.
	Code    string
	Message string
	Body    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("server error: %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return "server error: " + strconv.Itoa(e.StatusCode) + " - " + e.Body
}

// Is reports whether target matches this error.
// It matches if target is an *APIError with the same StatusCode.
func (e *APIError) Is(target error) bool {
	var t *APIError
	if !errors.As(target, &t) {
		return false
	}
	return t.StatusCode == e.StatusCode
}

// IsNotFound returns true if the error is a 404.
func (e *APIError) IsNotFound() bool {
	return e.StatusCode == http.StatusNotFound
}

// Sentinel errors for common API error conditions.
// Use errors.Is() to check for these conditions.
var (
	// ErrNotFound is returned when the requested file does not exist (404).
	ErrNotFound = &APIError{StatusCode: http.StatusNotFound}

	// ErrUnauthorized is returned when the token is missing, expired or
	// signed with an unknown key (401).
	ErrUnauthorized = &APIError{StatusCode: http.StatusUnauthorized}

	// ErrConflict is returned when a concurrent write won (409).
	ErrConflict = &APIError{StatusCode: http.StatusConflict}

	// ErrTooLarge is returned when the upload exceeds the size limit or the
	// owner's quota (413).
	ErrTooLarge = &APIError{StatusCode: http.StatusRequestEntityTooLarge}

	// ErrUnavailable is returned when a storage dependency is down (503).
	ErrUnavailable = &APIError{StatusCode: http.StatusServiceUnavailable}
)
