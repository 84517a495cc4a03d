// Package preprocess holds optional corrections applied to an RGB capture
// before it enters optical-density space.
package preprocess

import (
	"fmt"

	"tissuemask/internal/models"
)

// minFlatField is the lower clamp of the normalized flat-field response.
const minFlatField = 0.01

// FlatFieldCorrection divides the image by a blank-slide reference capture
// to remove non-uniform illumination:
//
//	corrected = clip(raw / clip(flat/255, 0.01, 1), 0, 255)
//
// The result is truncated to 8 bits. Both images must have the same size.
func FlatFieldCorrection(rgb, flat *models.RGBImage) (*models.RGBImage, error) {
	if rgb.Width != flat.Width || rgb.Height != flat.Height {
		return nil, fmt.Errorf("flat field is %dx%d, image is %dx%d",
			flat.Width, flat.Height, rgb.Width, rgb.Height)
	}
	if len(rgb.Pix) != len(flat.Pix) {
		return nil, fmt.Errorf("%w: flat field has %d samples, image has %d",
			models.ErrMalformedImage, len(flat.Pix), len(rgb.Pix))
	}

	out := models.NewRGBImage(rgb.Width, rgb.Height)
	for i, v := range rgb.Pix {
		gain := float32(flat.Pix[i]) / 255
		if gain < minFlatField {
			gain = minFlatField
		}

		corrected := float32(v) / gain
		if corrected > 255 {
			corrected = 255
		}
		out.Pix[i] = uint8(corrected)
	}
	return out, nil
}
