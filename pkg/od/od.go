// Package od converts RGB intensities into optical density (absorbance) space
// and back.
//
// Under the Beer-Lambert assumption absorbance is proportional to stain
// concentration, so background glass converges near 0 regardless of scanner
// exposure or gain. Every downstream stage of the pipeline works on OD values.
package od

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"tissuemask/internal/models"
)

const (
	// DefaultWhiteReference is the canonical white point of 8-bit captures.
	DefaultWhiteReference = 255.0

	// DefaultEpsilon is added to every sample before the logarithm so that
	// black pixels stay finite.
	DefaultEpsilon = 1.0

	// DefaultWhitePercentile selects the bright pixels used to estimate the
	// white point.
	DefaultWhitePercentile = 99.5

	// minTransmission is the lower clamp of the transmitted light ratio.
	minTransmission = 1e-6

	// whiteSubsetPercentile is taken over the bright subset to get the
	// final per-channel white reference.
	whiteSubsetPercentile = 99.9
)

// RGBToOD converts an RGB image into optical density using a single white
// reference for all three channels.
//
// For every sample v the result is -log10((v + epsilon) / (white + epsilon)),
// with the ratio clamped to [1e-6, 1]. The output is therefore always >= 0.
func RGBToOD(rgb *models.RGBImage, whiteReference, epsilon float64) *models.ODImage {
	return RGBToODPerChannel(rgb, [3]float64{whiteReference, whiteReference, whiteReference}, epsilon)
}

// RGBToODPerChannel is RGBToOD with a separate white reference per channel,
// as returned by EstimateWhiteReference.
func RGBToODPerChannel(rgb *models.RGBImage, white [3]float64, epsilon float64) *models.ODImage {
	out := models.NewODImage(rgb.Width, rgb.Height)

	// Precompute a lookup table per channel, there are only 256 inputs
	var lut [3][256]float64
	for c := 0; c < 3; c++ {
		for v := 0; v < 256; v++ {
			lut[c][v] = opticalDensity(float64(v), white[c], epsilon)
		}
	}

	for i, v := range rgb.Pix {
		out.Data[i] = lut[i%3][v]
	}
	return out
}

// opticalDensity computes the absorbance of a single sample.
func opticalDensity(value, white, epsilon float64) float64 {
	ratio := (value + epsilon) / (white + epsilon)
	if ratio < minTransmission {
		ratio = minTransmission
	} else if ratio > 1 || math.IsNaN(ratio) {
		ratio = 1
	}

	od := -math.Log10(ratio)
	if od == 0 {
		// Avoid -0 in the output
		return 0
	}
	return od
}

// EstimateWhiteReference estimates a per-channel white point from the
// brightest pixels of the image (typically background glass).
//
// The per-channel brightness threshold is the given percentile of each
// channel. Pixels at or above the threshold on all channels form the bright
// subset, whose 99.9th percentile per channel is returned. When no pixel is
// bright on all channels at once, [255, 255, 255] is returned.
func EstimateWhiteReference(rgb *models.RGBImage, percentile float64) [3]float64 {
	fallback := [3]float64{DefaultWhiteReference, DefaultWhiteReference, DefaultWhiteReference}
	n := rgb.NumPixels()
	if n == 0 {
		return fallback
	}

	// Step 1: per-channel brightness thresholds
	var thresholds [3]float64
	channel := make([]float64, n)
	for c := 0; c < 3; c++ {
		for i := 0; i < n; i++ {
			channel[i] = float64(rgb.Pix[i*3+c])
		}
		sort.Float64s(channel)
		thresholds[c] = stat.Quantile(percentile/100, stat.Empirical, channel, nil)
	}

	// Step 2: collect pixels bright on every channel
	var bright [3][]float64
	for i := 0; i < n; i++ {
		r := float64(rgb.Pix[i*3])
		g := float64(rgb.Pix[i*3+1])
		b := float64(rgb.Pix[i*3+2])
		if r >= thresholds[0] && g >= thresholds[1] && b >= thresholds[2] {
			bright[0] = append(bright[0], r)
			bright[1] = append(bright[1], g)
			bright[2] = append(bright[2], b)
		}
	}

	if len(bright[0]) == 0 {
		return fallback
	}

	// Step 3: high percentile of the bright subset
	var white [3]float64
	for c := 0; c < 3; c++ {
		sort.Float64s(bright[c])
		white[c] = stat.Quantile(whiteSubsetPercentile/100, stat.Empirical, bright[c], nil)
	}
	return white
}

// ComputeTotalOD sums the three OD channels of every pixel. Background is
// close to 0, tissue is positive. This is the stain-agnostic intensity signal.
func ComputeTotalOD(od *models.ODImage) *models.ScalarMap {
	out := models.NewScalarMap(od.Width, od.Height)
	for i := range out.Data {
		out.Data[i] = od.Data[i*3] + od.Data[i*3+1] + od.Data[i*3+2]
	}
	return out
}

// ODToRGB converts optical density back to 8-bit RGB using
// value = white * 10^(-OD), clamped to [0, 255] and rounded.
//
// The round trip through RGBToOD is lossy: clamping and integer quantization
// mean it is only an approximate inverse.
func ODToRGB(od *models.ODImage, whiteReference float64) *models.RGBImage {
	return ODToRGBPerChannel(od, [3]float64{whiteReference, whiteReference, whiteReference})
}

// ODToRGBPerChannel is ODToRGB with a separate white reference per channel.
// It inverts RGBToODPerChannel for the same white.
func ODToRGBPerChannel(od *models.ODImage, white [3]float64) *models.RGBImage {
	out := models.NewRGBImage(od.Width, od.Height)
	for i, v := range od.Data {
		value := white[i%3] * math.Pow(10, -v)
		if math.IsNaN(value) || value < 0 {
			value = 0
		} else if value > 255 {
			value = 255
		}
		out.Pix[i] = uint8(math.Round(value))
	}
	return out
}
