// Package filesystem provides a local disk blob backend for filevault.
// Writes are atomic: content goes to a temp file that is synced and renamed
// into place, so a key never holds partial bytes.
package filesystem

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/sagarc03/filevault"
)

// Store provides file system blob operations.
type Store struct {
	root    *os.Root
	syncDir func(dir string) error
}

// NewFileStorage creates a new Store with the given root directory.
// The root provides sandboxed file operations preventing path traversal.
func NewFileStorage(root *os.Root) *Store {
	s := &Store{root: root}
	s.syncDir = s.fsyncDir
	return s
}

// Kind reports filevault.BackendLocal.
func (s *Store) Kind() filevault.BackendKind {
	return filevault.BackendLocal
}

// Get opens a blob for reading. The returned reader is an *os.File and can
// seek. Returns filevault.ErrNotFound if the key does not exist.
func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !filevault.IsValidPath(key) {
		return nil, fmt.Errorf("open blob: %w: invalid key", filevault.ErrInvalidInput)
	}

	f, err := s.root.Open(key)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, filevault.ErrNotFound
		}
		return nil, storageErr("open blob", err)
	}

	return f, nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
	err error
}

func (r *ctxReader) Read(p []byte) (n int, err error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	n, err = r.r.Read(p)
	if err != nil && err != io.EOF {
		r.err = err
	}
	return n, err
}

// Put atomically writes content under key using a temp file and rename.
// It creates intermediate directories as needed and overwrites an existing
// blob, so retrying a key is safe. The operation respects context cancellation.
//
// Errors from content are returned as they are; out of space errors map to
// filevault.ErrQuotaExceeded and other I/O errors to
// filevault.ErrStorageUnavailable.
func (s *Store) Put(ctx context.Context, key string, content io.Reader) (filevault.BlobHandle, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return filevault.BlobHandle{}, ctxErr
	}
	if !filevault.IsValidPath(key) {
		return filevault.BlobHandle{}, fmt.Errorf("put blob: %w: invalid key", filevault.ErrInvalidInput)
	}

	tmpFile := tmpFileName()
	t, createErr := s.root.Create(tmpFile)
	if createErr != nil {
		return filevault.BlobHandle{}, storageErr("could not open temp file", createErr)
	}

	success := false
	defer func() {
		if closeErr := t.Close(); closeErr != nil {
			slog.Warn("failed to close tmp file", "err", closeErr)
		}
		if !success {
			if rmErr := s.root.Remove(tmpFile); rmErr != nil {
				slog.Warn("failed to remove tmp file", "err", rmErr)
			}
		}
	}()

	src := &ctxReader{ctx: ctx, r: content}
	if _, err := io.Copy(t, src); err != nil {
		if src.err != nil || ctx.Err() != nil {
			return filevault.BlobHandle{}, fmt.Errorf("could not copy file contents: %w", err)
		}
		return filevault.BlobHandle{}, storageErr("could not copy file contents", err)
	}

	if err := t.Sync(); err != nil {
		return filevault.BlobHandle{}, storageErr("could not sync written file", err)
	}

	destDir := filepath.Dir(key)
	if destDir != "." {
		if err := s.root.MkdirAll(destDir, 0o755); err != nil {
			return filevault.BlobHandle{}, storageErr("could not create intermediate directories", err)
		}
	}

	if renameErr := s.root.Rename(tmpFile, key); renameErr != nil {
		return filevault.BlobHandle{}, storageErr("failed to rename file", renameErr)
	}

	success = true

	// The rename is only durable once the directory entry is on disk.
	if err := s.syncDir(destDir); err != nil {
		return filevault.BlobHandle{}, storageErr("could not sync blob directory", err)
	}

	return filevault.BlobHandle{Backend: filevault.BackendLocal, Key: key}, nil
}

func (s *Store) fsyncDir(dir string) error {
	d, err := s.root.Open(dir)
	if err != nil {
		return err
	}
	syncErr := d.Sync()
	if closeErr := d.Close(); closeErr != nil {
		slog.Warn("failed to close blob directory", "dir", dir, "err", closeErr)
	}
	// Some file systems cannot sync a directory at all.
	if errors.Is(syncErr, syscall.EINVAL) || errors.Is(syncErr, syscall.ENOTSUP) {
		return nil
	}
	return syncErr
}

// Delete removes a blob. Returns filevault.ErrNotFound if the key does not exist.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !filevault.IsValidPath(key) {
		return fmt.Errorf("delete blob: %w: invalid key", filevault.ErrInvalidInput)
	}

	err := s.root.Remove(key)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return filevault.ErrNotFound
		}
		return storageErr("could not delete file", err)
	}
	return nil
}

// Exists reports whether a blob is stored under key.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if !filevault.IsValidPath(key) {
		return false, fmt.Errorf("stat blob: %w: invalid key", filevault.ErrInvalidInput)
	}

	info, err := s.root.Stat(key)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, storageErr("could not stat file", err)
	}
	return info.Mode().IsRegular(), nil
}

func storageErr(op string, err error) error {
	if errors.Is(err, syscall.ENOSPC) {
		return fmt.Errorf("%s: %w: %v", op, filevault.ErrQuotaExceeded, err)
	}
	return fmt.Errorf("%s: %w: %v", op, filevault.ErrStorageUnavailable, err)
}

func tmpFileName() string {
	return fmt.Sprintf(".t%s", uuid.New().String())
}
