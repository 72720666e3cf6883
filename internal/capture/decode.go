package capture

import (
	"bufio"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"strings"

	// Registered decoders.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/cjeanneret/docscan/internal/debug"
)

// Extensions lists the file extensions the inbox accepts (lowercase, without '.').
var Extensions = map[string]struct{}{
	"jpg":  {},
	"jpeg": {},
	"png":  {},
	"gif":  {},
	"bmp":  {},
	"tif":  {},
	"tiff": {},
	"webp": {},
}

// Supported reports whether path has an accepted image extension.
func Supported(path string) bool {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	_, ok := Extensions[ext]
	return ok
}

// Decode reads a JPEG, PNG, GIF, BMP, TIFF or WebP image.
func Decode(r io.Reader) (image.Image, error) {
	img, format, err := image.Decode(bufio.NewReader(r))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	b := img.Bounds()
	debug.Verbose("Decoded %s image %dx%d", format, b.Dx(), b.Dy())
	return img, nil
}

// DecodeFile decodes the image stored at path.
func DecodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}
