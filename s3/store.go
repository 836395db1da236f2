// Package s3 provides an S3-compatible blob backend for filevault.
// It works against AWS S3 and self-hosted implementations such as MinIO.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/sagarc03/filevault"
)

// Config holds the connection settings of an S3 bucket.
type Config struct {
	Bucket       string `mapstructure:"bucket"`
	Region       string `mapstructure:"region"`
	Endpoint     string `mapstructure:"endpoint"`
	AccessKey    string `mapstructure:"access_key"`
	SecretKey    string `mapstructure:"secret_key"`
	Prefix       string `mapstructure:"prefix"`
	UsePathStyle bool   `mapstructure:"use_path_style"`
	SpoolDir     string `mapstructure:"spool_dir"`
}

// Store stores blobs as objects in one bucket.
type Store struct {
	client   *awss3.Client
	bucket   string
	prefix   string
	spoolDir string
}

// New builds a client from cfg. Static credentials are used when both keys
// are set; otherwise the default AWS credential chain applies. The SDK's
// retries are disabled.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("new s3 store: bucket is required")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRetryer(func() aws.Retryer { return aws.NopRetryer{} }),
	}
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("new s3 store: load aws config: %w", err)
	}

	client := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})

	return NewWithClient(client, cfg.Bucket, cfg.Prefix, cfg.SpoolDir), nil
}

// NewWithClient wraps an existing client. spoolDir is where uploads are
// buffered; empty means the system temp directory.
func NewWithClient(client *awss3.Client, bucket, prefix, spoolDir string) *Store {
	return &Store{
		client:   client,
		bucket:   bucket,
		prefix:   strings.Trim(prefix, "/"),
		spoolDir: spoolDir,
	}
}

// Kind reports filevault.BackendCloud.
func (s *Store) Kind() filevault.BackendKind {
	return filevault.BackendCloud
}

// Put uploads content under key. The stream is spooled to a temp file first
// so the request can be signed and sent with a Content-Length.
func (s *Store) Put(ctx context.Context, key string, content io.Reader) (filevault.BlobHandle, error) {
	if err := ctx.Err(); err != nil {
		return filevault.BlobHandle{}, err
	}

	spool, size, err := s.spool(content)
	if err != nil {
		return filevault.BlobHandle{}, err
	}
	defer func() {
		_ = spool.Close()
		_ = os.Remove(spool.Name())
	}()

	_, err = s.client.PutObject(ctx, &awss3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.objectKey(key)),
		Body:          spool,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return filevault.BlobHandle{}, classify("put object", err)
	}

	return filevault.BlobHandle{Backend: filevault.BackendCloud, Key: key}, nil
}

func (s *Store) spool(content io.Reader) (*os.File, int64, error) {
	f, err := os.CreateTemp(s.spoolDir, "filevault-s3-*")
	if err != nil {
		return nil, 0, fmt.Errorf("spool upload: %w: %v", filevault.ErrStorageUnavailable, err)
	}

	fail := func(err error) (*os.File, int64, error) {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return nil, 0, err
	}

	size, err := f.ReadFrom(content)
	if err != nil {
		return fail(fmt.Errorf("spool upload: %w", err))
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fail(fmt.Errorf("spool upload: %w: %v", filevault.ErrStorageUnavailable, err))
	}
	return f, size, nil
}

// Get opens the object stored under key.
func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		return nil, classify("get object", err)
	}
	return out.Body, nil
}

// Delete removes the object stored under key. S3 reports success for
// missing keys, so Delete never returns filevault.ErrNotFound.
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &awss3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		return classify("delete object", err)
	}
	return nil
}

// Exists reports whether an object is stored under key.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err == nil {
		return true, nil
	}
	err = classify("head object", err)
	if errors.Is(err, filevault.ErrNotFound) {
		return false, nil
	}
	return false, err
}

func (s *Store) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return path.Join(s.prefix, key)
}

var quotaCodes = map[string]bool{
	"QuotaExceeded":     true,
	"XMinioStorageFull": true,
	"EntityTooLarge":    true,
}

func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch code := apiErr.ErrorCode(); {
		case code == "NoSuchKey" || code == "NotFound":
			return fmt.Errorf("%s: %w", op, filevault.ErrNotFound)
		case quotaCodes[code]:
			return fmt.Errorf("%s: %w: %s", op, filevault.ErrQuotaExceeded, apiErr.ErrorMessage())
		}
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == 404 {
		return fmt.Errorf("%s: %w", op, filevault.ErrNotFound)
	}

	return fmt.Errorf("%s: %w: %v", op, filevault.ErrStorageUnavailable, err)
}
