package imagestore

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/image/draw"

	"github.com/cjeanneret/docscan/internal/debug"
)

// ErrLocalWrite is returned when a capture cannot be written to the cache directory.
var ErrLocalWrite = errors.New("local write failed")

// LocalFile is a file in the app-private cache directory.
type LocalFile struct {
	Path string
	Name string
}

// Store writes captures and downloaded results into a single cache directory.
type Store struct {
	dir          string
	quality      int
	maxDimension int
}

// New creates a Store rooted at dir. quality is the JPEG quality (1-100);
// maxDimension bounds the longest side of saved captures (0 keeps the original size).
func New(dir string, quality, maxDimension int) (*Store, error) {
	if quality < 1 || quality > 100 {
		return nil, fmt.Errorf("jpeg quality must be between 1 and 100, got %d", quality)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &Store{dir: dir, quality: quality, maxDimension: maxDimension}, nil
}

// Dir returns the cache directory.
func (s *Store) Dir() string {
	return s.dir
}

// Save encodes img as JPEG into a uniquely named image*.jpg file.
// On failure the partial file is removed and the error wraps ErrLocalWrite.
func (s *Store) Save(ctx context.Context, img image.Image) (LocalFile, error) {
	if img == nil {
		return LocalFile{}, fmt.Errorf("%w: nil image", ErrLocalWrite)
	}
	if err := ctx.Err(); err != nil {
		return LocalFile{}, fmt.Errorf("%w: %w", ErrLocalWrite, err)
	}

	img = s.fit(img)

	f, err := os.CreateTemp(s.dir, "image*.jpg")
	if err != nil {
		return LocalFile{}, fmt.Errorf("%w: %w", ErrLocalWrite, err)
	}
	path := f.Name()

	if err := jpeg.Encode(f, img, &jpeg.Options{Quality: s.quality}); err != nil {
		f.Close()
		os.Remove(path)
		return LocalFile{}, fmt.Errorf("%w: encode jpeg: %w", ErrLocalWrite, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return LocalFile{}, fmt.Errorf("%w: close %s: %w", ErrLocalWrite, path, err)
	}

	b := img.Bounds()
	debug.Verbose("Saved capture %s (%dx%d, q=%d)", path, b.Dx(), b.Dy(), s.quality)
	return LocalFile{Path: path, Name: filepath.Base(path)}, nil
}

// fit downscales img so that its longest side does not exceed maxDimension.
func (s *Store) fit(img image.Image) image.Image {
	if s.maxDimension <= 0 {
		return img
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	longest := max(w, h)
	if longest <= s.maxDimension {
		return img
	}

	scale := float64(s.maxDimension) / float64(longest)
	targetW := max(int(float64(w)*scale), 1)
	targetH := max(int(float64(h)*scale), 1)

	dst := image.NewRGBA(image.Rect(0, 0, targetW, targetH))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	debug.Verbose("Downscaled capture %dx%d -> %dx%d", w, h, targetW, targetH)
	return dst
}

// ResultPath returns where a downloaded object named key is stored.
// Keys must be plain file names.
func (s *Store) ResultPath(key string) (string, error) {
	if err := ValidateName(key); err != nil {
		return "", err
	}
	return filepath.Join(s.dir, key), nil
}

// Open returns the local file for name if it exists in the cache directory.
func (s *Store) Open(name string) (LocalFile, error) {
	path, err := s.ResultPath(name)
	if err != nil {
		return LocalFile{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return LocalFile{}, err
	}
	if info.IsDir() {
		return LocalFile{}, fmt.Errorf("%s is a directory", name)
	}
	return LocalFile{Path: path, Name: name}, nil
}

// Remove deletes a local file. A missing file is not an error.
func (s *Store) Remove(f LocalFile) error {
	if f.Path == "" {
		return nil
	}
	if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", f.Path, err)
	}
	return nil
}

// Prune removes regular files older than olderThan and returns how many were removed.
// olderThan <= 0 disables pruning.
func (s *Store) Prune(olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		return 0, nil
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("read cache dir: %w", err)
	}

	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil {
			debug.Error(fmt.Errorf("prune %s: %w", e.Name(), err))
			continue
		}
		removed++
	}
	if removed > 0 {
		debug.Info("Pruned %d cached file(s) older than %v", removed, olderThan)
	}
	return removed, nil
}

// ValidateName rejects names that are not a single path element.
func ValidateName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("invalid file name %q", name)
	case strings.ContainsAny(name, `/\`):
		return fmt.Errorf("file name must not contain path separators: %q", name)
	}
	return nil
}
