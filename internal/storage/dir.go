package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cjeanneret/docscan/internal/debug"
	"github.com/cjeanneret/docscan/internal/imagestore"
)

// DirStore emulates a bucket with a local directory laid out as <root>/<bucket>/<key>.
type DirStore struct {
	dir string
}

// NewDirStore creates the bucket directory if needed.
func NewDirStore(root, bucket string) (*DirStore, error) {
	if root == "" {
		return nil, fmt.Errorf("storage dir is required")
	}
	if err := imagestore.ValidateName(bucket); err != nil {
		return nil, fmt.Errorf("bucket: %w", err)
	}
	dir := filepath.Join(root, bucket)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create bucket dir: %w", err)
	}
	debug.Verbose("Dir store: %s", dir)
	return &DirStore{dir: dir}, nil
}

// Path returns where key is stored.
func (d *DirStore) Path(key string) string {
	return filepath.Join(d.dir, key)
}

func (d *DirStore) Upload(ctx context.Context, localPath string) (string, error) {
	key := filepath.Base(localPath)
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrUpload, err)
	}
	if err := copyFile(localPath, d.Path(key)); err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrUpload, key, err)
	}
	debug.Live("Uploaded %s", key)
	return key, nil
}

func (d *DirStore) Download(ctx context.Context, key, destPath string) (string, error) {
	if err := imagestore.ValidateName(key); err != nil {
		return "", fmt.Errorf("%w: %w", ErrDownload, err)
	}
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrDownload, err)
	}
	if err := copyFile(d.Path(key), destPath); err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrDownload, key, err)
	}
	debug.Live("Downloaded %s -> %s", key, destPath)
	return destPath, nil
}

func (d *DirStore) Delete(ctx context.Context, key string) error {
	if err := imagestore.ValidateName(key); err != nil {
		return fmt.Errorf("%w: %w", ErrDelete, err)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrDelete, err)
	}
	if err := os.Remove(d.Path(key)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			debug.Verbose("Delete %s: already absent", key)
			return nil
		}
		return fmt.Errorf("%w: %s: %w", ErrDelete, key, err)
	}
	debug.Live("Deleted %s", key)
	return nil
}

// copyFile writes src to a temp file next to dst and renames it into place.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".part-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}
