// Package gcs provides a Google Cloud Storage blob backend for filevault.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/sagarc03/filevault"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// Config holds the connection settings of a GCS bucket.
type Config struct {
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	CredentialsFile string `mapstructure:"credentials_file"`
	// Endpoint points the client at an emulator. Authentication is
	// disabled when it is set.
	Endpoint string `mapstructure:"endpoint"`
}

// Store stores blobs as objects in one bucket.
type Store struct {
	client *storage.Client
	bucket *storage.BucketHandle
	prefix string
}

// New opens a client for cfg.Bucket with retries disabled.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("new gcs store: bucket is required")
	}

	var opts []option.ClientOption
	switch {
	case cfg.Endpoint != "":
		opts = append(opts, option.WithEndpoint(cfg.Endpoint), option.WithoutAuthentication())
	case cfg.CredentialsFile != "":
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("new gcs store: %w", err)
	}

	return NewWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewWithClient wraps an existing client. Its retry policy is replaced so
// that failures surface to the engine on the first attempt.
func NewWithClient(client *storage.Client, bucket, prefix string) *Store {
	client.SetRetry(storage.WithPolicy(storage.RetryNever))
	return &Store{
		client: client,
		bucket: client.Bucket(bucket),
		prefix: strings.Trim(prefix, "/"),
	}
}

// Close releases the client.
func (s *Store) Close() error {
	return s.client.Close()
}

// Kind reports filevault.BackendCloud.
func (s *Store) Kind() filevault.BackendKind {
	return filevault.BackendCloud
}

// Put streams content to the object named key. A failed copy cancels the
// upload so no partial object is finalized.
func (s *Store) Put(ctx context.Context, key string, content io.Reader) (filevault.BlobHandle, error) {
	if err := ctx.Err(); err != nil {
		return filevault.BlobHandle{}, err
	}

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := s.object(key).NewWriter(wctx)
	w.ContentType = "application/octet-stream"

	if _, err := io.Copy(w, content); err != nil {
		cancel()
		if writeErr := w.Close(); writeErr != nil && !errors.Is(writeErr, context.Canceled) {
			return filevault.BlobHandle{}, classify("write object", writeErr)
		}
		return filevault.BlobHandle{}, fmt.Errorf("write object: %w", err)
	}

	if err := w.Close(); err != nil {
		return filevault.BlobHandle{}, classify("finalize object", err)
	}

	return filevault.BlobHandle{Backend: filevault.BackendCloud, Key: key}, nil
}

// Get opens the object named key.
func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	r, err := s.object(key).NewReader(ctx)
	if err != nil {
		return nil, classify("open object", err)
	}
	return r, nil
}

// Delete removes the object named key. Returns filevault.ErrNotFound if it
// does not exist.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.object(key).Delete(ctx); err != nil {
		return classify("delete object", err)
	}
	return nil
}

// Exists reports whether an object is named key.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.object(key).Attrs(ctx)
	if err == nil {
		return true, nil
	}
	err = classify("stat object", err)
	if errors.Is(err, filevault.ErrNotFound) {
		return false, nil
	}
	return false, err
}

func (s *Store) object(key string) *storage.ObjectHandle {
	return s.bucket.Object(objectName(s.prefix, key))
}

func objectName(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return path.Join(prefix, key)
}

var quotaReasons = map[string]bool{
	"quotaExceeded":        true,
	"storageQuotaExceeded": true,
}

func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	if errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("%s: %w", op, filevault.ErrNotFound)
	}
	if errors.Is(err, storage.ErrBucketNotExist) {
		return fmt.Errorf("%s: %w: bucket does not exist", op, filevault.ErrStorageUnavailable)
	}

	// A bare 404 that the client did not turn into ErrObjectNotExist is about
	// the bucket or the endpoint, never the object.
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		for _, item := range apiErr.Errors {
			if quotaReasons[item.Reason] {
				return fmt.Errorf("%s: %w: %s", op, filevault.ErrQuotaExceeded, item.Message)
			}
		}
	}

	return fmt.Errorf("%s: %w: %v", op, filevault.ErrStorageUnavailable, err)
}
