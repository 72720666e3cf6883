package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/cjeanneret/docscan/internal/config"
)

var (
	ErrUpload   = errors.New("upload failed")
	ErrDownload = errors.New("download failed")
	ErrDelete   = errors.New("delete failed")
)

// ObjectStore is a single bucket addressed by key.
// Keys are plain file names; the key of an upload is the base name of the local file.
type ObjectStore interface {
	Upload(ctx context.Context, localPath string) (key string, err error)
	Download(ctx context.Context, key, destPath string) (string, error)
	// Delete removes key. Deleting an absent key succeeds.
	Delete(ctx context.Context, key string) error
}

// New returns the backend selected by cfg.Backend.
func New(cfg config.StorageConfig) (ObjectStore, error) {
	switch cfg.Backend {
	case config.BackendS3, "":
		useSSL := cfg.UseSSL == nil || *cfg.UseSSL
		return NewS3Store(S3Options{
			Endpoint:        cfg.Endpoint,
			Region:          cfg.Region,
			Bucket:          cfg.Bucket,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			UseSSL:          useSSL,
		})
	case config.BackendDir:
		return NewDirStore(cfg.Dir, cfg.Bucket)
	default:
		return nil, fmt.Errorf("unsupported storage backend: %q", cfg.Backend)
	}
}
