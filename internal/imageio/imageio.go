// Package imageio loads input images from disk and lists the images of a
// directory. Decoding failures are reported as pipeline.ErrDecode.
package imageio

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/disintegration/imaging"

	// Microscopy exports are frequently TIFF or BMP
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"

	"tissuemask/internal/models"
	"tissuemask/pkg/pipeline"
)

// Extensions lists the file extensions treated as images, lower case.
var Extensions = []string{".jpg", ".jpeg", ".png", ".tif", ".tiff", ".bmp"}

// IsImage reports whether the file name has a supported image extension.
func IsImage(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range Extensions {
		if ext == e {
			return true
		}
	}
	return false
}

// LoadRGB decodes an image file into an RGB image. EXIF orientation is
// applied and alpha is discarded.
func LoadRGB(path string) (*models.RGBImage, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("error opening %s: %w", path, err)
		}
		return nil, fmt.Errorf("%w: %s: %v", pipeline.ErrDecode, path, err)
	}
	return models.FromImage(img), nil
}

// DecodeRGB decodes an image stream into an RGB image.
func DecodeRGB(r io.Reader) (*models.RGBImage, error) {
	img, err := imaging.Decode(r, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pipeline.ErrDecode, err)
	}
	return models.FromImage(img), nil
}

// ListImages returns the paths of all supported images directly inside dir,
// sorted by name.
func ListImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("error reading directory %s: %w", dir, err)
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || !IsImage(entry.Name()) {
			continue
		}
		paths = append(paths, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}
