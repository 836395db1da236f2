package clientcli_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagarc03/filevault/clientcli"
)

func newClient(t *testing.T, serverURL string) *clientcli.Client {
	t.Helper()
	client, err := clientcli.New(&clientcli.Config{Endpoint: serverURL, Token: "test-token"})
	require.NoError(t, err)
	return client
}

func writeRecord(w http.ResponseWriter, status int, rec map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(rec)
}

func TestNew(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		client, err := clientcli.New(&clientcli.Config{Endpoint: "http://localhost:5708", Token: "t"})
		require.NoError(t, err)
		assert.NotNil(t, client)
	})

	t.Run("empty endpoint uses default", func(t *testing.T) {
		client, err := clientcli.New(&clientcli.Config{})
		require.NoError(t, err)
		assert.NotNil(t, client)
	})

	t.Run("nil config", func(t *testing.T) {
		_, err := clientcli.New(nil)
		assert.ErrorIs(t, err, clientcli.ErrConfigRequired)
	})

	t.Run("invalid endpoint", func(t *testing.T) {
		_, err := clientcli.New(&clientcli.Config{Endpoint: "localhost:5708"})
		assert.ErrorIs(t, err, clientcli.ErrInvalidServer)
	})

	t.Run("trailing slash removed", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/usage", r.URL.Path)
			_ = json.NewEncoder(w).Encode(map[string]any{"owner": "alice"})
		}))
		defer server.Close()

		client := newClient(t, server.URL+"/")
		_, err := client.Usage(context.Background())
		require.NoError(t, err)
	})
}

func TestClient_BearerToken(t *testing.T) {
	t.Run("token sent", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
			_ = json.NewEncoder(w).Encode(map[string]any{"owner": "alice"})
		}))
		defer server.Close()

		_, err := newClient(t, server.URL).Usage(context.Background())
		require.NoError(t, err)
	})

	t.Run("no token omits header", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Empty(t, r.Header.Get("Authorization"))
			_ = json.NewEncoder(w).Encode(map[string]any{"owner": "public"})
		}))
		defer server.Close()

		client, err := clientcli.New(&clientcli.Config{Endpoint: server.URL})
		require.NoError(t, err)
		usage, err := client.Usage(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "public", usage.Owner)
	})

	t.Run("unauthorized", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"unauthorized","message":"token expired"}`))
		}))
		defer server.Close()

		_, err := newClient(t, server.URL).Usage(context.Background())
		require.Error(t, err)
		assert.ErrorIs(t, err, clientcli.ErrUnauthorized)

		var apiErr *clientcli.APIError
		require.True(t, errors.As(err, &apiErr))
		assert.Equal(t, "unauthorized", apiErr.Code)
		assert.Equal(t, "token expired", apiErr.Message)
		assert.Contains(t, apiErr.Error(), "401 unauthorized: token expired")
	})
}

func TestClient_Upload(t *testing.T) {
	t.Run("successful upload", func(t *testing.T) {
		expectedID := uuid.New()
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPut, r.Method)
			assert.Equal(t, "/files/test/file.txt", r.URL.Path)
			assert.Equal(t, "text/plain; charset=utf-8", r.Header.Get("Content-Type"))
			assert.Equal(t, int64(12), r.ContentLength)

			body, err := io.ReadAll(r.Body)
			require.NoError(t, err)
			assert.Equal(t, "test content", string(body))

			writeRecord(w, http.StatusCreated, map[string]any{
				"id":           expectedID.String(),
				"path":         "test/file.txt",
				"content_type": "text/plain; charset=utf-8",
				"checksum":     "abc123",
				"size_bytes":   12,
				"version":      3,
				"created_at":   time.Now().Format(time.RFC3339),
			})
		}))
		defer server.Close()

		localPath := filepath.Join(t.TempDir(), "file.txt")
		require.NoError(t, os.WriteFile(localPath, []byte("test content"), 0o600))

		results, err := newClient(t, server.URL).Upload(context.Background(), clientcli.UploadOptions{
			LocalPath:  localPath,
			RemotePath: "test/file.txt",
		})
		require.NoError(t, err)
		require.Len(t, results, 1)

		result := results[0]
		assert.Equal(t, localPath, result.LocalPath)
		assert.Equal(t, "test/file.txt", result.RemotePath)
		assert.Equal(t, expectedID, result.ID)
		assert.Equal(t, "abc123", result.Checksum)
		assert.Equal(t, int64(12), result.Size)
		assert.Equal(t, int64(3), result.Version)
		assert.Nil(t, result.Err)
	})

	t.Run("path segments are escaped", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/files/docs/r%C3%A9sum%C3%A9.pdf", r.URL.EscapedPath())
			writeRecord(w, http.StatusCreated, map[string]any{"path": "docs/résumé.pdf"})
		}))
		defer server.Close()

		localPath := filepath.Join(t.TempDir(), "cv.pdf")
		require.NoError(t, os.WriteFile(localPath, []byte("pdf"), 0o600))

		results, err := newClient(t, server.URL).Upload(context.Background(), clientcli.UploadOptions{
			LocalPath:  localPath,
			RemotePath: "docs/résumé.pdf",
		})
		require.NoError(t, err)
		assert.Equal(t, "docs/résumé.pdf", results[0].RemotePath)
	})

	t.Run("quota exceeded", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.Copy(io.Discard, r.Body)
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			_, _ = w.Write([]byte(`{"error":"quota_exceeded","message":"quota exceeded"}`))
		}))
		defer server.Close()

		localPath := filepath.Join(t.TempDir(), "file.txt")
		require.NoError(t, os.WriteFile(localPath, []byte("test content"), 0o600))

		_, err := newClient(t, server.URL).Upload(context.Background(), clientcli.UploadOptions{
			LocalPath:  localPath,
			RemotePath: "file.txt",
		})
		assert.ErrorIs(t, err, clientcli.ErrTooLarge)
	})

	t.Run("empty local path", func(t *testing.T) {
		_, err := newClient(t, "http://localhost:5708").Upload(context.Background(), clientcli.UploadOptions{})
		assert.ErrorIs(t, err, clientcli.ErrEmptyPath)
	})

	t.Run("recursive upload keeps relative paths", func(t *testing.T) {
		var got []string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got = append(got, r.URL.Path)
			writeRecord(w, http.StatusCreated, map[string]any{"path": r.URL.Path[len("/files/"):]})
		}))
		defer server.Close()

		dir := t.TempDir()
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o750))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0o600))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "b.txt"), []byte("b"), 0o600))

		results, err := newClient(t, server.URL).Upload(context.Background(), clientcli.UploadOptions{
			LocalPath:  dir,
			RemotePath: "backup/",
			Recursive:  true,
		})
		require.NoError(t, err)
		require.Len(t, results, 2)

		sort.Strings(got)
		assert.Equal(t, []string{"/files/backup/a.txt", "/files/backup/sub/b.txt"}, got)
	})
}

func TestClient_Download(t *testing.T) {
	t.Run("successful download to file", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodGet, r.Method)
			assert.Equal(t, "/files/test/file.txt", r.URL.Path)

			w.Header().Set("ETag", `"sum123"`)
			w.Header().Set("Content-Type", "text/plain")
			w.Header().Set("X-File-Version", "4")
			_, _ = w.Write([]byte("downloaded content"))
		}))
		defer server.Close()

		localPath := filepath.Join(t.TempDir(), "nested", "downloaded.txt")

		result, reader, err := newClient(t, server.URL).Download(context.Background(), clientcli.DownloadOptions{
			RemotePath: "test/file.txt",
			LocalPath:  localPath,
		})
		require.NoError(t, err)
		assert.Nil(t, reader)
		assert.Equal(t, "sum123", result.Checksum)
		assert.Equal(t, "text/plain", result.ContentType)
		assert.Equal(t, int64(4), result.Version)
		assert.Equal(t, int64(18), result.Size)

		content, err := os.ReadFile(localPath)
		require.NoError(t, err)
		assert.Equal(t, "downloaded content", string(content))
	})

	t.Run("download to stdout returns reader", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("stdout content"))
		}))
		defer server.Close()

		result, reader, err := newClient(t, server.URL).Download(context.Background(), clientcli.DownloadOptions{
			RemotePath: "/test/file.txt",
			LocalPath:  "-",
		})
		require.NoError(t, err)
		require.NotNil(t, reader)
		defer func() { _ = reader.Close() }()

		content, err := io.ReadAll(reader)
		require.NoError(t, err)
		assert.Equal(t, "stdout content", string(content))
		assert.Equal(t, "-", result.LocalPath)
		assert.Equal(t, "test/file.txt", result.RemotePath)
	})

	t.Run("not found", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"not_found","message":"file not found"}`))
		}))
		defer server.Close()

		_, _, err := newClient(t, server.URL).Download(context.Background(), clientcli.DownloadOptions{
			RemotePath: "missing.txt",
			LocalPath:  filepath.Join(t.TempDir(), "missing.txt"),
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, clientcli.ErrNotFound)

		var apiErr *clientcli.APIError
		require.True(t, errors.As(err, &apiErr))
		assert.True(t, apiErr.IsNotFound())
	})

	t.Run("empty remote path", func(t *testing.T) {
		_, _, err := newClient(t, "http://localhost:5708").Download(context.Background(), clientcli.DownloadOptions{})
		assert.ErrorIs(t, err, clientcli.ErrEmptyPath)
	})
}

func TestClient_Delete(t *testing.T) {
	t.Run("files", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodDelete, r.Method)
			if r.URL.Path == "/files/missing.txt" {
				w.WriteHeader(http.StatusNotFound)
				_, _ = w.Write([]byte(`{"error":"not_found","message":"file not found"}`))
				return
			}
			w.WriteHeader(http.StatusNoContent)
		}))
		defer server.Close()

		results, err := newClient(t, server.URL).Delete(context.Background(), clientcli.DeleteOptions{
			Paths: []string{"a.txt", "missing.txt"},
		})
		require.NoError(t, err)
		require.Len(t, results, 2)

		assert.Equal(t, 1, results[0].Deleted)
		assert.NoError(t, results[0].Err)
		assert.Equal(t, 0, results[1].Deleted)
		assert.ErrorIs(t, results[1].Err, clientcli.ErrNotFound)
		assert.True(t, clientcli.HasDeleteErrors(results))
	})

	t.Run("folder", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodDelete, r.Method)
			assert.Equal(t, "/folders/photos/2024", r.URL.Path)
			_ = json.NewEncoder(w).Encode(map[string]int{"deleted": 7})
		}))
		defer server.Close()

		results, err := newClient(t, server.URL).Delete(context.Background(), clientcli.DeleteOptions{
			Paths:  []string{"photos/2024/"},
			Folder: true,
		})
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, 7, results[0].Deleted)
		assert.False(t, clientcli.HasDeleteErrors(results))
	})

	t.Run("no paths", func(t *testing.T) {
		_, err := newClient(t, "http://localhost:5708").Delete(context.Background(), clientcli.DeleteOptions{})
		assert.ErrorIs(t, err, clientcli.ErrNoPaths)
	})
}

func TestClient_List(t *testing.T) {
	page := func(w http.ResponseWriter, paths []string, next string) {
		items := make([]map[string]any, len(paths))
		for i, p := range paths {
			items[i] = map[string]any{"id": uuid.NewString(), "path": p, "size_bytes": 10, "version": 1}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"items": items, "next_cursor": next})
	}

	t.Run("single page", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/files", r.URL.Path)
			assert.Equal(t, "docs/", r.URL.Query().Get("prefix"))
			assert.Equal(t, "50", r.URL.Query().Get("limit"))
			assert.Empty(t, r.URL.Query().Get("cursor"))
			page(w, []string{"docs/a.txt", "docs/b.txt"}, "next-page")
		}))
		defer server.Close()

		result, err := newClient(t, server.URL).List(context.Background(), clientcli.ListOptions{Prefix: "docs/", Limit: 50})
		require.NoError(t, err)
		require.Len(t, result.Items, 2)
		assert.Equal(t, "docs/a.txt", result.Items[0].Path)
		assert.Equal(t, "next-page", result.NextCursor)
		assert.Equal(t, int64(20), result.TotalSize())
	})

	t.Run("limit is capped", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "1000", r.URL.Query().Get("limit"))
			page(w, nil, "")
		}))
		defer server.Close()

		result, err := newClient(t, server.URL).List(context.Background(), clientcli.ListOptions{Limit: 5000})
		require.NoError(t, err)
		assert.Empty(t, result.Items)
	})

	t.Run("all pages", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Query().Get("cursor") {
			case "":
				page(w, []string{"a.txt"}, "c1")
			case "c1":
				page(w, []string{"b.txt"}, "c2")
			case "c2":
				page(w, []string{"c.txt"}, "")
			default:
				t.Errorf("unexpected cursor %q", r.URL.Query().Get("cursor"))
			}
		}))
		defer server.Close()

		result, err := newClient(t, server.URL).List(context.Background(), clientcli.ListOptions{All: true})
		require.NoError(t, err)
		require.Len(t, result.Items, 3)
		assert.Equal(t, "c.txt", result.Items[2].Path)
		assert.Empty(t, result.NextCursor)
	})
}

func TestClient_Versions(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/versions/notes.md", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{"versions": []map[string]any{
			{"path": "notes.md", "version": 2, "status": "committed"},
			{"path": "notes.md", "version": 1, "status": "superseded"},
		}})
	}))
	defer server.Close()

	versions, err := newClient(t, server.URL).Versions(context.Background(), "notes.md")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, int64(2), versions[0].Version)
	assert.Equal(t, "superseded", versions[1].Status)
}

func TestClient_Usage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		_ = json.NewEncoder(w).Encode(map[string]any{"owner": "alice", "files": 3, "bytes": 4096, "quota_bytes": 8192})
	}))
	defer server.Close()

	usage, err := newClient(t, server.URL).Usage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &clientcli.UsageInfo{Owner: "alice", Files: 3, Bytes: 4096, QuotaBytes: 8192}, usage)
}

func TestNormalizeLocalToRemotePath(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"file.txt", "file.txt"},
		{"./file.txt", "file.txt"},
		{"/abs/path/file.txt", "abs/path/file.txt"},
		{"../sibling/file.txt", "sibling/file.txt"},
		{"../../up/file.txt", "up/file.txt"},
		{"a//b/./c.txt", "a/b/c.txt"},
		{".", ""},
		{"..", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, clientcli.NormalizeLocalToRemotePath(tt.input))
		})
	}
}
