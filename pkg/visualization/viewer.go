// Package visualization renders pipeline outputs as images and writes them
// to disk: the binary mask, the normalized preview, a green tissue overlay,
// and grayscale renderings of scalar OD maps.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"

	"tissuemask/internal/models"
	"tissuemask/pkg/od"
	"tissuemask/pkg/pipeline"
)

// OverlayOpacity is the weight of the green layer over tissue pixels.
const OverlayOpacity = 0.3

// Output file names written by SaveResult.
const (
	MaskFile       = "mask.png"
	NormalizedFile = "normalized.png"
	OverlayFile    = "overlay.png"
	TotalODFile    = "total_od.png"
)

// Viewer writes rendered images into an output directory.
type Viewer struct {
	// outputDir is created on the first save
	outputDir string
}

// NewViewer creates a viewer writing into outputDir
func NewViewer(outputDir string) *Viewer {
	return &Viewer{outputDir: outputDir}
}

// OutputDir returns the directory images are written to
func (v *Viewer) OutputDir() string {
	return v.outputDir
}

// Overlay blends pure green over the tissue pixels of rgb:
//
//	out = rgb * 0.7 + (0, 255, 0) * 0.3
//
// Background pixels are unchanged. The mask must match the image size.
func Overlay(rgb *models.RGBImage, mask *models.BinaryMask) (*models.RGBImage, error) {
	if rgb.Width != mask.Width || rgb.Height != mask.Height {
		return nil, fmt.Errorf("mask is %dx%d, image is %dx%d", mask.Width, mask.Height, rgb.Width, rgb.Height)
	}

	// Green layer that is only opaque over tissue
	layer := image.NewNRGBA(image.Rect(0, 0, mask.Width, mask.Height))
	for i, m := range mask.Pix {
		if m != models.Background {
			layer.Pix[i*4+1] = 255
			layer.Pix[i*4+3] = 255
		}
	}

	blended := imaging.Overlay(rgb.ToNRGBA(), layer, image.Pt(0, 0), OverlayOpacity)
	return models.FromImage(blended), nil
}

// RenderScalarMap renders a scalar map as a 16-bit grayscale image, scaled
// linearly from its minimum (black) to its maximum (white). A constant map
// renders black.
func RenderScalarMap(m *models.ScalarMap) *image.Gray16 {
	img := image.NewGray16(image.Rect(0, 0, m.Width, m.Height))
	if len(m.Data) == 0 {
		return img
	}

	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range m.Data {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	span := hi - lo

	for y := 0; y < m.Height; y++ {
		for x := 0; x < m.Width; x++ {
			var value uint16
			if span > 0 {
				value = uint16(math.Max(0, math.Min(65535, (m.At(x, y)-lo)/span*65535)))
			}
			img.SetGray16(x, y, color.Gray16{Y: value})
		}
	}
	return img
}

// Save writes img into the output directory. The format follows the file
// extension.
func (v *Viewer) Save(img image.Image, name string) (string, error) {
	if err := os.MkdirAll(v.outputDir, 0755); err != nil {
		return "", fmt.Errorf("error creating output directory: %w", err)
	}

	path := filepath.Join(v.outputDir, name)
	if err := imaging.Save(img, path); err != nil {
		return "", fmt.Errorf("error saving %s: %w", name, err)
	}
	return path, nil
}

// SaveResult writes every image output of a pipeline run and returns the
// paths written. The normalized preview is written only when the run
// produced one, the overlay only when requested.
func (v *Viewer) SaveResult(rgb *models.RGBImage, result *pipeline.Result, overlay bool) ([]string, error) {
	var written []string

	path, err := v.Save(result.Mask.ToGray(), MaskFile)
	if err != nil {
		return written, err
	}
	written = append(written, path)

	if result.NormalizedRGB != nil {
		path, err := v.Save(result.NormalizedRGB.ToNRGBA(), NormalizedFile)
		if err != nil {
			return written, err
		}
		written = append(written, path)
	}

	if overlay {
		blended, err := Overlay(rgb, result.Mask)
		if err != nil {
			return written, err
		}
		path, err := v.Save(blended.ToNRGBA(), OverlayFile)
		if err != nil {
			return written, err
		}
		written = append(written, path)
	}

	path, err = v.Save(RenderScalarMap(od.ComputeTotalOD(result.OD)), TotalODFile)
	if err != nil {
		return written, err
	}
	written = append(written, path)

	return written, nil
}
