package od

import (
	"math"
	"testing"

	"tissuemask/internal/models"
)

// createUniformImage creates an RGB image filled with a single color
func createUniformImage(width, height int, r, g, b uint8) *models.RGBImage {
	img := models.NewRGBImage(width, height)
	img.Fill(0, 0, width, height, r, g, b)
	return img
}

// TestRGBToODNonNegative verifies that every possible sample maps to OD >= 0
func TestRGBToODNonNegative(t *testing.T) {
	img := models.NewRGBImage(256, 1)
	for v := 0; v < 256; v++ {
		img.Set(v, 0, uint8(v), uint8(255-v), uint8(v/2))
	}

	od := RGBToOD(img, DefaultWhiteReference, DefaultEpsilon)

	for i, v := range od.Data {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			t.Fatalf("Expected finite non-negative OD at sample %d, got %f", i, v)
		}
	}
}

// TestRGBToODWhiteIsZero verifies that pure white maps to zero absorbance
func TestRGBToODWhiteIsZero(t *testing.T) {
	img := createUniformImage(16, 16, 255, 255, 255)

	od := RGBToOD(img, DefaultWhiteReference, DefaultEpsilon)

	for i, v := range od.Data {
		if math.Abs(v) > 1e-9 {
			t.Fatalf("Expected OD 0 for white at sample %d, got %g", i, v)
		}
	}
}

// TestRGBToODTissueVersusBackground mirrors a white slide with a stained patch
func TestRGBToODTissueVersusBackground(t *testing.T) {
	img := createUniformImage(100, 100, 255, 255, 255)
	img.Fill(30, 30, 70, 70, 200, 150, 100)

	od := RGBToOD(img, DefaultWhiteReference, DefaultEpsilon)
	total := ComputeTotalOD(od)

	if bg := total.At(5, 5); bg > 0.1 {
		t.Errorf("Expected low background OD, got %f", bg)
	}
	if fg := total.At(50, 50); fg < 0.1 {
		t.Errorf("Expected tissue OD above 0.1, got %f", fg)
	}
}

// TestRGBToODBlackIsFinite checks the clamp on very dark samples
func TestRGBToODBlackIsFinite(t *testing.T) {
	img := createUniformImage(2, 2, 0, 0, 0)

	od := RGBToOD(img, DefaultWhiteReference, 0)

	want := -math.Log10(minTransmission)
	for _, v := range od.Data {
		if math.Abs(v-want) > 1e-9 {
			t.Fatalf("Expected clamped OD %f, got %f", want, v)
		}
	}
}

// TestComputeTotalOD verifies the channel sum
func TestComputeTotalOD(t *testing.T) {
	od := &models.ODImage{
		Width:  2,
		Height: 2,
		Data: []float64{
			0.1, 0.2, 0.3, 0.2, 0.3, 0.4,
			0.3, 0.4, 0.5, 0.4, 0.5, 0.6,
		},
	}

	total := ComputeTotalOD(od)

	if total.Width != 2 || total.Height != 2 {
		t.Fatalf("Expected 2x2 map, got %dx%d", total.Width, total.Height)
	}

	expected := []float64{0.6, 0.9, 1.2, 1.5}
	for i, want := range expected {
		if math.Abs(total.Data[i]-want) > 1e-9 {
			t.Errorf("Expected total[%d]=%f, got %f", i, want, total.Data[i])
		}
	}
}

// TestODRoundTrip verifies that ODToRGB approximately inverts RGBToOD inside
// the unclamped range
func TestODRoundTrip(t *testing.T) {
	img := models.NewRGBImage(254, 1)
	for v := 1; v <= 254; v++ {
		img.Set(v-1, 0, uint8(v), uint8(255-v), uint8(v))
	}

	od := RGBToOD(img, DefaultWhiteReference, DefaultEpsilon)
	back := ODToRGB(od, DefaultWhiteReference)

	for i := range img.Pix {
		diff := math.Abs(float64(img.Pix[i]) - float64(back.Pix[i]))
		if diff > 1 {
			t.Errorf("Sample %d: expected ~%d, got %d", i, img.Pix[i], back.Pix[i])
		}
	}
}

// TestODRoundTripPerChannel verifies the per-channel inverse with a tinted white
func TestODRoundTripPerChannel(t *testing.T) {
	white := [3]float64{240, 220, 200}
	img := models.NewRGBImage(3, 1)
	img.Set(0, 0, 240, 220, 200)
	img.Set(1, 0, 120, 110, 100)
	img.Set(2, 0, 30, 60, 90)

	od := RGBToODPerChannel(img, white, DefaultEpsilon)
	back := ODToRGBPerChannel(od, white)

	for i := range img.Pix {
		diff := math.Abs(float64(img.Pix[i]) - float64(back.Pix[i]))
		if diff > 1 {
			t.Errorf("Sample %d: expected ~%d, got %d", i, img.Pix[i], back.Pix[i])
		}
	}

	// The shared-white inverse maps the tinted background to pure white
	if flat := ODToRGB(od, DefaultWhiteReference); flat.Pix[2] != 255 {
		t.Errorf("Expected background blue to map to 255 with the default white, got %d", flat.Pix[2])
	}
}

// TestODToRGBClamps verifies clamping of negative OD values
func TestODToRGBClamps(t *testing.T) {
	od := &models.ODImage{Width: 1, Height: 1, Data: []float64{-1, 0, 10}}

	rgb := ODToRGB(od, DefaultWhiteReference)

	if rgb.Pix[0] != 255 {
		t.Errorf("Expected negative OD to clamp to 255, got %d", rgb.Pix[0])
	}
	if rgb.Pix[1] != 255 {
		t.Errorf("Expected zero OD to map to 255, got %d", rgb.Pix[1])
	}
	if rgb.Pix[2] != 0 {
		t.Errorf("Expected large OD to map to 0, got %d", rgb.Pix[2])
	}
}

// TestEstimateWhiteReference covers the normal path and the empty-subset fallback
func TestEstimateWhiteReference(t *testing.T) {
	t.Run("BrightBackground", func(t *testing.T) {
		img := createUniformImage(50, 50, 240, 235, 230)
		img.Fill(10, 10, 30, 30, 120, 80, 140)

		white := EstimateWhiteReference(img, DefaultWhitePercentile)

		expected := [3]float64{240, 235, 230}
		if white != expected {
			t.Errorf("Expected white reference %v, got %v", expected, white)
		}
	})

	t.Run("NoPixelBrightOnAllChannels", func(t *testing.T) {
		// Each channel peaks on a different pixel
		img := createUniformImage(10, 10, 0, 0, 0)
		img.Set(0, 0, 255, 0, 0)
		img.Set(1, 0, 0, 255, 0)
		img.Set(2, 0, 0, 0, 255)

		white := EstimateWhiteReference(img, 99.5)

		expected := [3]float64{255, 255, 255}
		if white != expected {
			t.Errorf("Expected fallback %v, got %v", expected, white)
		}
	})
}

// TestRGBToODPerChannel verifies that a per-channel white point zeroes its own color
func TestRGBToODPerChannel(t *testing.T) {
	img := createUniformImage(4, 4, 240, 235, 230)

	od := RGBToODPerChannel(img, [3]float64{240, 235, 230}, DefaultEpsilon)

	for i, v := range od.Data {
		if math.Abs(v) > 1e-9 {
			t.Fatalf("Expected OD 0 at sample %d, got %g", i, v)
		}
	}
}
