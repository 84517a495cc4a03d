// Package threshold turns a scalar OD map into a binary tissue mask.
//
// Three strategies are available: Otsu's global histogram method, Sauvola's
// local mean/std method reduced to a single global threshold, and an auto
// mode that picks Otsu for bimodal histograms and Sauvola otherwise.
package threshold

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"tissuemask/internal/models"
)

// Method selects the thresholding strategy.
type Method string

const (
	Otsu    Method = "otsu"
	Sauvola Method = "sauvola"
	Auto    Method = "auto"
)

// Methods lists every supported strategy.
var Methods = []Method{Otsu, Sauvola, Auto}

// ParseMethod validates a strategy name. Matching is case-insensitive.
func ParseMethod(name string) (Method, error) {
	for _, m := range Methods {
		if strings.EqualFold(name, string(m)) {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown threshold method %q (must be otsu, sauvola, or auto)", name)
}

// Valid reports whether m is a supported strategy.
func (m Method) Valid() bool {
	for _, known := range Methods {
		if m == known {
			return true
		}
	}
	return false
}

// otsuBins is the histogram resolution of Otsu's method.
const otsuBins = 256

// Params holds the tunables of all strategies.
type Params struct {
	// Sauvola window side in pixels, must be odd
	WindowSize int

	// Sauvola sensitivity
	K float64

	// Sauvola dynamic range of the standard deviation
	R float64

	// Values above this percentile are dropped before histogramming
	TrimPercentile float64

	// Number of bins of the auto-mode modality histogram
	HistogramBins int

	// Minimum peak height relative to the tallest bin in auto mode
	PeakFraction float64
}

// DefaultParams returns the standard parameter set.
func DefaultParams() Params {
	return Params{
		WindowSize:     15,
		K:              0.2,
		R:              128,
		TrimPercentile: 99.9,
		HistogramBins:  50,
		PeakFraction:   0.1,
	}
}

// Validate checks parameter ranges.
func (p Params) Validate() error {
	if p.WindowSize < 1 || p.WindowSize%2 == 0 {
		return fmt.Errorf("window size must be a positive odd number, got %d", p.WindowSize)
	}
	if p.R <= 0 {
		return fmt.Errorf("sauvola r must be positive, got %f", p.R)
	}
	if p.TrimPercentile <= 0 || p.TrimPercentile > 100 {
		return fmt.Errorf("trim percentile must be in (0, 100], got %f", p.TrimPercentile)
	}
	if p.HistogramBins < 3 {
		return fmt.Errorf("histogram bins must be at least 3, got %d", p.HistogramBins)
	}
	if p.PeakFraction < 0 || p.PeakFraction > 1 {
		return fmt.Errorf("peak fraction must be in [0, 1], got %f", p.PeakFraction)
	}
	return nil
}

// Decision records how a threshold was chosen.
type Decision struct {
	// Requested is the strategy asked for
	Requested Method `json:"requested"`

	// Method is the strategy actually used. Auto resolves to Otsu or Sauvola.
	Method Method `json:"method"`

	// Threshold is the global cut-off, pixels strictly above it are tissue
	Threshold float64 `json:"threshold"`

	// Peaks is the number of modality peaks found in auto mode
	Peaks int `json:"peaks,omitempty"`
}

// Apply computes a threshold with the given strategy and binarizes the map:
// pixels with value > threshold become Tissue, all others Background.
func Apply(img *models.ScalarMap, method Method, params Params) (*models.BinaryMask, Decision) {
	var decision Decision
	switch method {
	case Otsu:
		decision = Decision{Method: Otsu, Threshold: OtsuThreshold(img.Data, params.TrimPercentile)}
	case Sauvola:
		decision = Decision{Method: Sauvola, Threshold: SauvolaThreshold(img, params)}
	default:
		decision = AutoThreshold(img, params)
	}
	decision.Requested = method

	return Binarize(img, decision.Threshold), decision
}

// Binarize marks every pixel strictly above threshold as tissue.
func Binarize(img *models.ScalarMap, threshold float64) *models.BinaryMask {
	mask := models.NewBinaryMask(img.Width, img.Height)
	for i, v := range img.Data {
		if v > threshold {
			mask.Pix[i] = models.Tissue
		}
	}
	return mask
}

// trim returns a sorted copy of values without the ones above the given
// percentile. The percentile is itself a sample value, so a non-empty input
// always yields a non-empty result.
func trim(values []float64, percentile float64) []float64 {
	if len(values) == 0 {
		return nil
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	cut := stat.Quantile(percentile/100, stat.Empirical, sorted, nil)
	n := sort.Search(len(sorted), func(i int) bool { return sorted[i] > cut })
	return sorted[:n]
}

// OtsuThreshold returns Otsu's threshold of the values after dropping the
// ones above trimPercentile.
//
// The histogram has 256 bins spanning the trimmed range and the threshold is
// the center of the bin that maximizes the between-class variance. An empty
// input yields 0 and a constant input yields its value.
func OtsuThreshold(values []float64, trimPercentile float64) float64 {
	trimmed := trim(values, trimPercentile)
	if len(trimmed) == 0 {
		return 0
	}
	return otsuSorted(trimmed)
}

// otsuSorted runs Otsu's method on ascending, non-empty values.
func otsuSorted(sorted []float64) float64 {
	lo, hi := sorted[0], sorted[len(sorted)-1]
	if lo == hi {
		return lo
	}

	hist, centers := histogram(sorted, otsuBins, lo, hi)

	// Cumulative class weights and means from both ends
	weight1 := make([]float64, otsuBins)
	mean1 := make([]float64, otsuBins)
	var w, s float64
	for i := 0; i < otsuBins; i++ {
		w += hist[i]
		s += hist[i] * centers[i]
		weight1[i] = w
		if w > 0 {
			mean1[i] = s / w
		}
	}

	weight2 := make([]float64, otsuBins)
	mean2 := make([]float64, otsuBins)
	w, s = 0, 0
	for i := otsuBins - 1; i >= 0; i-- {
		w += hist[i]
		s += hist[i] * centers[i]
		weight2[i] = w
		if w > 0 {
			mean2[i] = s / w
		}
	}

	// Between-class variance of splitting after bin i, first maximum wins
	best := 0
	bestVariance := math.Inf(-1)
	for i := 0; i < otsuBins-1; i++ {
		if weight1[i] == 0 || weight2[i+1] == 0 {
			continue
		}
		d := mean1[i] - mean2[i+1]
		variance := weight1[i] * weight2[i+1] * d * d
		if variance > bestVariance {
			bestVariance = variance
			best = i
		}
	}

	return centers[best]
}

// histogram bins values into n equal-width bins over [lo, hi]. The top edge
// is inclusive. It returns the counts and the bin centers.
func histogram(values []float64, n int, lo, hi float64) ([]float64, []float64) {
	counts := make([]float64, n)
	centers := make([]float64, n)

	width := (hi - lo) / float64(n)
	for i := range centers {
		centers[i] = lo + (float64(i)+0.5)*width
	}
	if width == 0 {
		counts[0] = float64(len(values))
		return counts, centers
	}

	for _, v := range values {
		idx := int((v - lo) / width)
		if idx >= n {
			idx = n - 1
		} else if idx < 0 {
			idx = 0
		}
		counts[idx]++
	}
	return counts, centers
}

// SauvolaMap computes the per-pixel Sauvola threshold
//
//	t = m * (1 + k * (s/R - 1))
//
// where m and s are the mean and population standard deviation of the
// WindowSize x WindowSize neighbourhood. Windows are clipped at the image
// border. Sums come from integral images, so the cost is independent of the
// window size.
func SauvolaMap(img *models.ScalarMap, params Params) *models.ScalarMap {
	w, h := img.Width, img.Height
	out := models.NewScalarMap(w, h)
	if w == 0 || h == 0 {
		return out
	}

	// Integral images with a zero row and column in front
	stride := w + 1
	sum := make([]float64, stride*(h+1))
	sumSq := make([]float64, stride*(h+1))
	for y := 0; y < h; y++ {
		var rowSum, rowSq float64
		for x := 0; x < w; x++ {
			v := img.Data[y*w+x]
			rowSum += v
			rowSq += v * v
			sum[(y+1)*stride+x+1] = sum[y*stride+x+1] + rowSum
			sumSq[(y+1)*stride+x+1] = sumSq[y*stride+x+1] + rowSq
		}
	}

	half := params.WindowSize / 2
	for y := 0; y < h; y++ {
		y0 := max(y-half, 0)
		y1 := min(y+half+1, h)
		for x := 0; x < w; x++ {
			x0 := max(x-half, 0)
			x1 := min(x+half+1, w)

			n := float64((y1 - y0) * (x1 - x0))
			s := sum[y1*stride+x1] - sum[y0*stride+x1] - sum[y1*stride+x0] + sum[y0*stride+x0]
			sq := sumSq[y1*stride+x1] - sumSq[y0*stride+x1] - sumSq[y1*stride+x0] + sumSq[y0*stride+x0]

			mean := s / n
			variance := sq/n - mean*mean
			if variance < 0 {
				variance = 0
			}
			std := math.Sqrt(variance)

			out.Data[y*w+x] = mean * (1 + params.K*(std/params.R-1))
		}
	}
	return out
}

// SauvolaThreshold reduces the Sauvola map to a global threshold, its mean.
// An empty image yields 0.
func SauvolaThreshold(img *models.ScalarMap, params Params) float64 {
	if len(img.Data) == 0 {
		return 0
	}
	m := SauvolaMap(img, params)
	return floats.Sum(m.Data) / float64(len(m.Data))
}

// AutoThreshold inspects the modality of the trimmed value histogram. Two or
// more significant peaks select Otsu, otherwise Sauvola is used.
func AutoThreshold(img *models.ScalarMap, params Params) Decision {
	trimmed := trim(img.Data, params.TrimPercentile)
	if len(trimmed) == 0 {
		return Decision{Method: Otsu, Threshold: 0}
	}

	hist, _ := histogram(trimmed, params.HistogramBins, trimmed[0], trimmed[len(trimmed)-1])
	peaks := FindPeaks(hist, floats.Max(hist)*params.PeakFraction)

	if len(peaks) >= 2 {
		return Decision{Method: Otsu, Threshold: otsuSorted(trimmed), Peaks: len(peaks)}
	}
	return Decision{Method: Sauvola, Threshold: SauvolaThreshold(img, params), Peaks: len(peaks)}
}

// FindPeaks returns the indices of local maxima of x whose height is at
// least minHeight.
//
// A peak is strictly greater than its left neighbour and greater than its
// right neighbour once any plateau of equal values is skipped. The peak of a
// plateau is its middle sample, rounded down. The first and last samples are
// never peaks.
func FindPeaks(x []float64, minHeight float64) []int {
	var peaks []int
	last := len(x) - 1

	for i := 1; i < last; i++ {
		if x[i-1] >= x[i] {
			continue
		}

		ahead := i + 1
		for ahead < last && x[ahead] == x[i] {
			ahead++
		}

		if x[ahead] < x[i] {
			peak := (i + ahead - 1) / 2
			if x[peak] >= minHeight {
				peaks = append(peaks, peak)
			}
			i = ahead
		}
	}
	return peaks
}
