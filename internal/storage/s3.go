package storage

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"path/filepath"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/cjeanneret/docscan/internal/debug"
	"github.com/cjeanneret/docscan/internal/imagestore"
)

// S3Options configures an S3Store.
type S3Options struct {
	Endpoint        string // host[:port]
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
}

// S3Store talks to any S3-compatible endpoint (GCS interoperability, MinIO, AWS).
type S3Store struct {
	client *minio.Client
	bucket string
}

// NewS3Store creates a client for opts.Bucket. No request is made until the first call.
func NewS3Store(opts S3Options) (*S3Store, error) {
	if opts.Endpoint == "" {
		return nil, fmt.Errorf("s3 endpoint is required")
	}
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKeyID, opts.SecretAccessKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}
	debug.Verbose("S3 store: endpoint=%s bucket=%s ssl=%v", opts.Endpoint, opts.Bucket, opts.UseSSL)
	return &S3Store{client: client, bucket: opts.Bucket}, nil
}

func (s *S3Store) Upload(ctx context.Context, localPath string) (string, error) {
	key := filepath.Base(localPath)
	info, err := s.client.FPutObject(ctx, s.bucket, key, localPath, minio.PutObjectOptions{
		ContentType: contentType(key),
	})
	if err != nil {
		return "", fmt.Errorf("%w: put %s/%s: %w", ErrUpload, s.bucket, key, err)
	}
	debug.Live("Uploaded %s (%d bytes)", key, info.Size)
	return key, nil
}

func (s *S3Store) Download(ctx context.Context, key, destPath string) (string, error) {
	if err := imagestore.ValidateName(key); err != nil {
		return "", fmt.Errorf("%w: %w", ErrDownload, err)
	}
	if err := s.client.FGetObject(ctx, s.bucket, key, destPath, minio.GetObjectOptions{}); err != nil {
		return "", fmt.Errorf("%w: get %s/%s: %w", ErrDownload, s.bucket, key, err)
	}
	debug.Live("Downloaded %s -> %s", key, destPath)
	return destPath, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound {
			debug.Verbose("Delete %s: already absent", key)
			return nil
		}
		return fmt.Errorf("%w: remove %s/%s: %w", ErrDelete, s.bucket, key, err)
	}
	debug.Live("Deleted %s", key)
	return nil
}

func contentType(name string) string {
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
