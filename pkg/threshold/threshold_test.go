package threshold

import (
	"math"
	"reflect"
	"testing"

	"tissuemask/internal/models"
)

// createBimodalMap creates a map whose top half is background and bottom half tissue
func createBimodalMap(width, height int, background, tissue float64) *models.ScalarMap {
	m := models.NewScalarMap(width, height)
	for y := 0; y < height; y++ {
		v := background
		if y >= height/2 {
			v = tissue
		}
		for x := 0; x < width; x++ {
			m.Data[y*width+x] = v
		}
	}
	return m
}

// createValuesMap lays the given values out in a single row
func createValuesMap(counts map[float64]int) *models.ScalarMap {
	var data []float64
	for _, v := range []float64{0, 0.21, 0.79, 1} {
		for i := 0; i < counts[v]; i++ {
			data = append(data, v)
		}
	}
	return &models.ScalarMap{Width: len(data), Height: 1, Data: data}
}

// TestParseMethod verifies name parsing
func TestParseMethod(t *testing.T) {
	for _, name := range []string{"otsu", "SAUVOLA", "Auto"} {
		if _, err := ParseMethod(name); err != nil {
			t.Errorf("ParseMethod(%q) failed: %v", name, err)
		}
	}
	if _, err := ParseMethod("triangle"); err == nil {
		t.Errorf("Expected unknown method to be rejected")
	}
}

// TestParamsValidate checks the parameter ranges
func TestParamsValidate(t *testing.T) {
	if err := DefaultParams().Validate(); err != nil {
		t.Errorf("Default params rejected: %v", err)
	}

	p := DefaultParams()
	p.WindowSize = 14
	if err := p.Validate(); err == nil {
		t.Errorf("Expected even window size to be rejected")
	}

	p = DefaultParams()
	p.R = 0
	if err := p.Validate(); err == nil {
		t.Errorf("Expected zero dynamic range to be rejected")
	}
}

// TestOtsuBimodal checks that Otsu separates two flat populations
func TestOtsuBimodal(t *testing.T) {
	img := createBimodalMap(20, 20, 0.05, 0.5)
	mask, decision := Apply(img, Otsu, DefaultParams())

	if decision.Method != Otsu || decision.Requested != Otsu {
		t.Errorf("Expected otsu decision, got %+v", decision)
	}
	if decision.Threshold < 0.05 || decision.Threshold >= 0.5 {
		t.Errorf("Expected threshold in [0.05, 0.5), got %f", decision.Threshold)
	}

	for y := 0; y < 20; y++ {
		want := models.Background
		if y >= 10 {
			want = models.Tissue
		}
		for x := 0; x < 20; x++ {
			if got := mask.At(x, y); got != want {
				t.Fatalf("Pixel (%d,%d): expected %d, got %d", x, y, want, got)
			}
		}
	}
}

// TestOtsuEdgeCases covers empty and constant samples
func TestOtsuEdgeCases(t *testing.T) {
	if got := OtsuThreshold(nil, 99.9); got != 0 {
		t.Errorf("Expected 0 for empty input, got %f", got)
	}
	if got := OtsuThreshold([]float64{0.3, 0.3, 0.3}, 99.9); got != 0.3 {
		t.Errorf("Expected constant value 0.3, got %f", got)
	}
}

// TestOtsuTrimsOutliers verifies that values above the trim percentile are ignored
func TestOtsuTrimsOutliers(t *testing.T) {
	values := make([]float64, 2000)
	for i := range values {
		values[i] = 0.1
		if i%2 == 1 {
			values[i] = 0.3
		}
	}
	// A single saturated outlier
	values[0] = 50

	got := OtsuThreshold(values, 99.9)
	if got < 0.1 || got >= 0.3 {
		t.Errorf("Expected threshold between the populations, got %f", got)
	}
}

// TestSauvolaConstant checks the map on a flat image: std is 0 so t = m*(1-k)
func TestSauvolaConstant(t *testing.T) {
	img := createBimodalMap(10, 10, 1, 1)
	params := DefaultParams()

	got := SauvolaThreshold(img, params)
	if math.Abs(got-0.8) > 1e-12 {
		t.Errorf("Expected threshold 0.8, got %f", got)
	}
}

// TestSauvolaClippedWindow checks a hand-computed map with border clipping
func TestSauvolaClippedWindow(t *testing.T) {
	img := &models.ScalarMap{Width: 3, Height: 1, Data: []float64{0, 3, 0}}
	params := DefaultParams()
	params.WindowSize = 3

	m := SauvolaMap(img, params)

	// Left border window covers {0, 3}: mean 1.5, std 1.5
	left := 1.5 * (1 + 0.2*(1.5/128-1))
	// Center window covers {0, 3, 0}: mean 1, std sqrt(2)
	center := 1 * (1 + 0.2*(math.Sqrt(2)/128-1))

	if math.Abs(m.Data[0]-left) > 1e-9 || math.Abs(m.Data[2]-left) > 1e-9 {
		t.Errorf("Expected border thresholds %f, got %f and %f", left, m.Data[0], m.Data[2])
	}
	if math.Abs(m.Data[1]-center) > 1e-9 {
		t.Errorf("Expected center threshold %f, got %f", center, m.Data[1])
	}

	want := (2*left + center) / 3
	if got := SauvolaThreshold(img, params); math.Abs(got-want) > 1e-9 {
		t.Errorf("Expected global threshold %f, got %f", want, got)
	}
}

// TestAutoSelectsOtsuForBimodal verifies the modality check
func TestAutoSelectsOtsuForBimodal(t *testing.T) {
	img := createValuesMap(map[float64]int{0: 1, 0.21: 198, 0.79: 199, 1: 2})

	decision := AutoThreshold(img, DefaultParams())
	if decision.Method != Otsu {
		t.Fatalf("Expected otsu for bimodal histogram, got %+v", decision)
	}
	if decision.Peaks != 2 {
		t.Errorf("Expected 2 peaks, got %d", decision.Peaks)
	}
	if decision.Threshold <= 0 || decision.Threshold >= 0.79 {
		t.Errorf("Expected threshold below the tissue population, got %f", decision.Threshold)
	}
}

// TestAutoSelectsSauvolaForUnimodal verifies the fallback to Sauvola
func TestAutoSelectsSauvolaForUnimodal(t *testing.T) {
	img := createBimodalMap(10, 10, 0.4, 0.4)

	_, decision := Apply(img, Auto, DefaultParams())
	if decision.Requested != Auto {
		t.Errorf("Expected requested auto, got %s", decision.Requested)
	}
	if decision.Method != Sauvola {
		t.Errorf("Expected sauvola for unimodal histogram, got %s", decision.Method)
	}
}

// TestApplyOutputsBinaryMask verifies every strategy yields only {0, 255}
func TestApplyOutputsBinaryMask(t *testing.T) {
	img := models.NewScalarMap(32, 32)
	for i := range img.Data {
		img.Data[i] = math.Mod(float64(i)*0.37, 1.3)
	}

	for _, method := range Methods {
		t.Run(string(method), func(t *testing.T) {
			mask, _ := Apply(img, method, DefaultParams())
			for i, v := range mask.Pix {
				if v != models.Background && v != models.Tissue {
					t.Fatalf("Non-binary value %d at %d", v, i)
				}
			}

			// Identical input gives identical output
			again, _ := Apply(img, method, DefaultParams())
			if !reflect.DeepEqual(mask.Pix, again.Pix) {
				t.Errorf("Thresholding is not deterministic")
			}
		})
	}
}

// TestApplyEmptyMap verifies the empty image path
func TestApplyEmptyMap(t *testing.T) {
	img := models.NewScalarMap(0, 0)
	for _, method := range Methods {
		mask, decision := Apply(img, method, DefaultParams())
		if decision.Threshold != 0 {
			t.Errorf("%s: expected threshold 0, got %f", method, decision.Threshold)
		}
		if len(mask.Pix) != 0 {
			t.Errorf("%s: expected empty mask", method)
		}
	}
}

// TestFindPeaks covers plateaus, edges, and the height filter
func TestFindPeaks(t *testing.T) {
	tests := []struct {
		name      string
		x         []float64
		minHeight float64
		want      []int
	}{
		{"single", []float64{0, 1, 0}, 0, []int{1}},
		{"even plateau", []float64{0, 2, 2, 0}, 0, []int{1}},
		{"odd plateau", []float64{0, 2, 2, 2, 0}, 0, []int{2}},
		{"edges are not peaks", []float64{3, 1, 3}, 0, nil},
		{"plateau into edge", []float64{0, 2, 2}, 0, nil},
		{"two peaks", []float64{0, 5, 1, 4, 0}, 0, []int{1, 3}},
		{"height filter", []float64{0, 5, 1, 4, 0}, 4.5, []int{1}},
		{"too short", []float64{1, 2}, 0, nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := FindPeaks(tc.x, tc.minHeight)
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("Expected %v, got %v", tc.want, got)
			}
		})
	}
}
