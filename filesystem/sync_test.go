package filesystem

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"syscall"
	"testing"

	"github.com/sagarc03/filevault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSyncStore(t *testing.T) *Store {
	t.Helper()
	root, err := os.OpenRoot(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = root.Close() })
	return NewFileStorage(root)
}

func TestStore_Put_SyncsDestinationDir(t *testing.T) {
	tests := []struct {
		key     string
		wantDir string
	}{
		{key: "top.v1", wantDir: "."},
		{key: "ab/cd/abcdef.v1", wantDir: "ab/cd"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			store := newSyncStore(t)

			var mu sync.Mutex
			var synced []string
			next := store.syncDir
			store.syncDir = func(dir string) error {
				mu.Lock()
				synced = append(synced, dir)
				mu.Unlock()
				return next(dir)
			}

			_, err := store.Put(context.Background(), tt.key, strings.NewReader("data"))
			require.NoError(t, err)

			assert.Equal(t, []string{tt.wantDir}, synced)
		})
	}
}

func TestStore_Put_DirSyncFailure(t *testing.T) {
	store := newSyncStore(t)
	store.syncDir = func(string) error { return syscall.EIO }

	_, err := store.Put(context.Background(), "ab/k.v1", strings.NewReader("data"))

	require.ErrorIs(t, err, filevault.ErrStorageUnavailable)
	assert.False(t, errors.Is(err, filevault.ErrQuotaExceeded))
}

func TestStore_FsyncDir(t *testing.T) {
	store := newSyncStore(t)
	require.NoError(t, store.root.Mkdir("sub", 0o755))

	assert.NoError(t, store.fsyncDir("."))
	assert.NoError(t, store.fsyncDir("sub"))
	assert.ErrorIs(t, store.fsyncDir("missing"), os.ErrNotExist)
}
