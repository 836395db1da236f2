package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/sagarc03/filevault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
)

func TestObjectName(t *testing.T) {
	tests := []struct {
		prefix string
		key    string
		want   string
	}{
		{prefix: "", key: "abc/def.v1", want: "abc/def.v1"},
		{prefix: "tenant", key: "abc/def.v1", want: "tenant/abc/def.v1"},
		{prefix: "a/b", key: "k.v2", want: "a/b/k.v2"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, objectName(tt.prefix, tt.key))
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantErr error
		notErr  error
	}{
		{
			name:    "missing object",
			err:     storage.ErrObjectNotExist,
			wantErr: filevault.ErrNotFound,
		},
		{
			name:    "wrapped missing object",
			err:     fmt.Errorf("attrs: %w", storage.ErrObjectNotExist),
			wantErr: filevault.ErrNotFound,
		},
		{
			name:    "bare api not found is the bucket",
			err:     &googleapi.Error{Code: http.StatusNotFound, Message: "The specified bucket does not exist."},
			wantErr: filevault.ErrStorageUnavailable,
			notErr:  filevault.ErrNotFound,
		},
		{
			name:    "missing bucket",
			err:     storage.ErrBucketNotExist,
			wantErr: filevault.ErrStorageUnavailable,
			notErr:  filevault.ErrNotFound,
		},
		{
			name: "quota",
			err: &googleapi.Error{
				Code:   http.StatusForbidden,
				Errors: []googleapi.ErrorItem{{Reason: "storageQuotaExceeded", Message: "full"}},
			},
			wantErr: filevault.ErrQuotaExceeded,
			notErr:  filevault.ErrStorageUnavailable,
		},
		{
			name: "rate limit is unavailable",
			err: &googleapi.Error{
				Code:   http.StatusTooManyRequests,
				Errors: []googleapi.ErrorItem{{Reason: "rateLimitExceeded"}},
			},
			wantErr: filevault.ErrStorageUnavailable,
		},
		{
			name:    "server error",
			err:     &googleapi.Error{Code: http.StatusInternalServerError},
			wantErr: filevault.ErrStorageUnavailable,
		},
		{
			name:    "transport error",
			err:     errors.New("connection reset by peer"),
			wantErr: filevault.ErrStorageUnavailable,
		},
		{
			name:    "deadline passes through",
			err:     context.DeadlineExceeded,
			wantErr: context.DeadlineExceeded,
			notErr:  filevault.ErrStorageUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify("op", tt.err)

			require.ErrorIs(t, err, tt.wantErr)
			if tt.notErr != nil {
				assert.NotErrorIs(t, err, tt.notErr)
			}
		})
	}
}

func TestClassify_HidesBackendType(t *testing.T) {
	err := classify("op", &googleapi.Error{Code: http.StatusBadGateway})

	var apiErr *googleapi.Error
	assert.False(t, errors.As(err, &apiErr))
}

func TestNew_RequiresBucket(t *testing.T) {
	_, err := New(context.Background(), Config{})
	assert.Error(t, err)
}

func TestNew_Emulator(t *testing.T) {
	store, err := New(context.Background(), Config{
		Bucket:   "vault",
		Prefix:   "/p/",
		Endpoint: "http://127.0.0.1:1/storage/v1/",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	assert.Equal(t, filevault.BackendCloud, store.Kind())
	assert.Equal(t, "p", store.prefix)
}

func TestStore_PutGet(t *testing.T) {
	fake := newFakeGCS(t, "vault")
	store := fake.store(t, "vault", "tenant")
	ctx := context.Background()

	handle, err := store.Put(ctx, "ab/abcdef.v1", strings.NewReader("hello"))
	require.NoError(t, err)
	assert.Equal(t, filevault.BlobHandle{Backend: filevault.BackendCloud, Key: "ab/abcdef.v1"}, handle)

	data, ok := fake.object("tenant/ab/abcdef.v1")
	require.True(t, ok)
	assert.Equal(t, "hello", string(data))

	r, err := store.Get(ctx, "ab/abcdef.v1")
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, "hello", string(got))
}

func TestStore_PutOverwrites(t *testing.T) {
	fake := newFakeGCS(t, "vault")
	store := fake.store(t, "vault", "")
	ctx := context.Background()

	_, err := store.Put(ctx, "k.v1", strings.NewReader("first"))
	require.NoError(t, err)
	_, err = store.Put(ctx, "k.v1", strings.NewReader("second"))
	require.NoError(t, err)

	r, err := store.Get(ctx, "k.v1")
	require.NoError(t, err)
	defer r.Close()
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "second", string(got))
}

func TestStore_MissingObject(t *testing.T) {
	fake := newFakeGCS(t, "vault")
	store := fake.store(t, "vault", "tenant")
	ctx := context.Background()

	t.Run("get", func(t *testing.T) {
		_, err := store.Get(ctx, "missing.v1")
		assert.ErrorIs(t, err, filevault.ErrNotFound)
	})

	t.Run("delete", func(t *testing.T) {
		err := store.Delete(ctx, "missing.v1")
		assert.ErrorIs(t, err, filevault.ErrNotFound)
	})

	t.Run("exists", func(t *testing.T) {
		ok, err := store.Exists(ctx, "missing.v1")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestStore_DeleteAndExists(t *testing.T) {
	fake := newFakeGCS(t, "vault")
	store := fake.store(t, "vault", "tenant")
	ctx := context.Background()

	_, err := store.Put(ctx, "a/b.v1", strings.NewReader("x"))
	require.NoError(t, err)

	ok, err := store.Exists(ctx, "a/b.v1")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, store.Delete(ctx, "a/b.v1"))

	_, found := fake.object("tenant/a/b.v1")
	assert.False(t, found)

	ok, err = store.Exists(ctx, "a/b.v1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_FailedCopyFinalizesNothing(t *testing.T) {
	fake := newFakeGCS(t, "vault")
	store := fake.store(t, "vault", "")

	content := io.MultiReader(strings.NewReader("partial"), &failingReader{err: errors.New("client went away")})
	_, err := store.Put(context.Background(), "a.v1", content)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "client went away")

	_, found := fake.object("a.v1")
	assert.False(t, found)
	assert.Zero(t, fake.uploadCount())
}

func TestStore_UploadRejected(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		reason  string
		wantErr error
		notErr  error
	}{
		{
			name:    "quota",
			status:  http.StatusForbidden,
			reason:  "storageQuotaExceeded",
			wantErr: filevault.ErrQuotaExceeded,
			notErr:  filevault.ErrStorageUnavailable,
		},
		{
			name:    "backend error",
			status:  http.StatusServiceUnavailable,
			reason:  "backendError",
			wantErr: filevault.ErrStorageUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := newFakeGCS(t, "vault")
			fake.uploadStatus, fake.uploadReason = tt.status, tt.reason
			store := fake.store(t, "vault", "")

			_, err := store.Put(context.Background(), "a.v1", strings.NewReader("data"))

			require.ErrorIs(t, err, tt.wantErr)
			if tt.notErr != nil {
				assert.NotErrorIs(t, err, tt.notErr)
			}
			// One attempt only since retries are disabled.
			assert.Equal(t, 1, fake.uploadCount())
		})
	}
}

func TestStore_MissingBucket(t *testing.T) {
	fake := newFakeGCS(t, "vault")
	store := fake.store(t, "elsewhere", "")

	_, err := store.Put(context.Background(), "a.v1", strings.NewReader("data"))

	require.ErrorIs(t, err, filevault.ErrStorageUnavailable)
	assert.NotErrorIs(t, err, filevault.ErrNotFound)
}

type failingReader struct {
	err error
}

func (r *failingReader) Read([]byte) (int, error) {
	return 0, r.err
}
