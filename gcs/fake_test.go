package gcs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

// fakeGCS serves the object calls the storage client makes against a single
// bucket, over both the JSON API and XML media reads.
type fakeGCS struct {
	bucket string

	mu      sync.Mutex
	objects map[string][]byte
	uploads int
	// uploadStatus, when set, answers every upload with that code and reason.
	uploadStatus int
	uploadReason string
}

func newFakeGCS(t *testing.T, bucket string) *fakeGCS {
	t.Helper()
	return &fakeGCS{bucket: bucket, objects: make(map[string][]byte)}
}

// store starts the server and returns a Store for storeBucket, which need not
// be the bucket the server knows.
func (f *fakeGCS) store(t *testing.T, storeBucket, prefix string) *Store {
	t.Helper()

	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	client, err := storage.NewClient(context.Background(),
		option.WithEndpoint(srv.URL+"/storage/v1/"),
		option.WithoutAuthentication(),
	)
	require.NoError(t, err)

	s := NewWithClient(client, storeBucket, prefix)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func (f *fakeGCS) object(name string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[name]
	return data, ok
}

func (f *fakeGCS) uploadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.uploads
}

func (f *fakeGCS) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Path
	switch {
	case strings.HasPrefix(p, "/upload/storage/v1/b/"):
		bucket := strings.TrimSuffix(strings.TrimPrefix(p, "/upload/storage/v1/b/"), "/o")
		if bucket != f.bucket || r.Method != http.MethodPost {
			writeAPIError(w, http.StatusNotFound, "notFound", "The specified bucket does not exist.")
			return
		}
		f.upload(w, r)

	case strings.HasPrefix(p, "/storage/v1/b/"):
		bucket, name, ok := strings.Cut(strings.TrimPrefix(p, "/storage/v1/b/"), "/o/")
		if !ok || bucket != f.bucket {
			writeAPIError(w, http.StatusNotFound, "notFound", "The specified bucket does not exist.")
			return
		}
		switch {
		case r.Method == http.MethodDelete:
			f.remove(w, name)
		case r.URL.Query().Get("alt") == "media":
			f.download(w, name)
		default:
			f.attrs(w, name)
		}

	case r.Method == http.MethodGet && strings.HasPrefix(p, "/"+f.bucket+"/"):
		f.download(w, strings.TrimPrefix(p, "/"+f.bucket+"/"))

	default:
		writeAPIError(w, http.StatusNotFound, "notFound", "The specified bucket does not exist.")
	}
}

func (f *fakeGCS) upload(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.uploads++
	status, reason := f.uploadStatus, f.uploadReason
	f.mu.Unlock()

	if status != 0 {
		writeAPIError(w, status, reason, "upload rejected")
		return
	}

	name := r.URL.Query().Get("name")
	var data []byte

	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err == nil && strings.HasPrefix(mediaType, "multipart/") {
		mr := multipart.NewReader(r.Body, params["boundary"])
		for i := 0; ; i++ {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				writeAPIError(w, http.StatusBadRequest, "invalid", err.Error())
				return
			}
			body, err := io.ReadAll(part)
			if err != nil {
				writeAPIError(w, http.StatusBadRequest, "invalid", err.Error())
				return
			}
			if i == 0 {
				var meta struct {
					Name string `json:"name"`
				}
				if err := json.Unmarshal(body, &meta); err == nil && name == "" {
					name = meta.Name
				}
				continue
			}
			data = body
		}
	} else {
		data, err = io.ReadAll(r.Body)
		if err != nil {
			writeAPIError(w, http.StatusBadRequest, "invalid", err.Error())
			return
		}
	}

	if name == "" {
		writeAPIError(w, http.StatusBadRequest, "required", "object name is required")
		return
	}

	f.mu.Lock()
	f.objects[name] = data
	f.mu.Unlock()

	f.writeResource(w, name, data)
}

func (f *fakeGCS) attrs(w http.ResponseWriter, name string) {
	data, ok := f.object(name)
	if !ok {
		writeAPIError(w, http.StatusNotFound, "notFound", "No such object: "+f.bucket+"/"+name)
		return
	}
	f.writeResource(w, name, data)
}

func (f *fakeGCS) download(w http.ResponseWriter, name string) {
	data, ok := f.object(name)
	if !ok {
		writeAPIError(w, http.StatusNotFound, "notFound", "No such object: "+f.bucket+"/"+name)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (f *fakeGCS) remove(w http.ResponseWriter, name string) {
	f.mu.Lock()
	_, ok := f.objects[name]
	delete(f.objects, name)
	f.mu.Unlock()

	if !ok {
		writeAPIError(w, http.StatusNotFound, "notFound", "No such object: "+f.bucket+"/"+name)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (f *fakeGCS) writeResource(w http.ResponseWriter, name string, data []byte) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"kind":        "storage#object",
		"bucket":      f.bucket,
		"name":        name,
		"size":        strconv.Itoa(len(data)),
		"generation":  "1",
		"contentType": "application/octet-stream",
	})
}

func writeAPIError(w http.ResponseWriter, code int, reason, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = fmt.Fprintf(w, `{"error":{"code":%d,"message":%q,"errors":[{"reason":%q,"message":%q}]}}`,
		code, message, reason, message)
}
