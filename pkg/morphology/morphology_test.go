package morphology

import (
	"testing"

	"tissuemask/internal/models"
)

// createMask draws filled rectangles of tissue onto a background mask
func createMask(width, height int, rects ...[4]int) *models.BinaryMask {
	mask := models.NewBinaryMask(width, height)
	for _, r := range rects {
		for y := r[1]; y < r[3]; y++ {
			for x := r[0]; x < r[2]; x++ {
				mask.Set(x, y, models.Tissue)
			}
		}
	}
	return mask
}

// TestEllipseKernel compares kernels against the OpenCV MORPH_ELLIPSE shapes
func TestEllipseKernel(t *testing.T) {
	tests := []struct {
		size int
		rows []string
	}{
		{1, []string{"#"}},
		{3, []string{
			".#.",
			"###",
			".#.",
		}},
		{5, []string{
			"..#..",
			"#####",
			"#####",
			"#####",
			"..#..",
		}},
	}

	for _, tc := range tests {
		k := EllipseKernel(tc.size)
		cells := 0
		for i, row := range tc.rows {
			for j, c := range row {
				want := c == '#'
				if want {
					cells++
				}
				if got := k.Contains(i, j); got != want {
					t.Errorf("Size %d: cell (%d,%d) expected %v, got %v", tc.size, i, j, want, got)
				}
			}
		}
		if len(k.Offsets) != cells {
			t.Errorf("Size %d: expected %d cells, got %d", tc.size, cells, len(k.Offsets))
		}
	}
}

// TestRemoveSmallComponents verifies specks are dropped and large blobs kept
func TestRemoveSmallComponents(t *testing.T) {
	// 20x20 blob plus a 5-pixel speck
	mask := createMask(50, 50, [4]int{5, 5, 25, 25}, [4]int{40, 40, 45, 41})

	out := RemoveSmallComponents(mask, 100)

	if got := out.CountTissue(); got != 400 {
		t.Errorf("Expected 400 tissue pixels, got %d", got)
	}
	if out.At(42, 40) != models.Background {
		t.Errorf("Expected speck to be removed")
	}
	if mask.At(42, 40) != models.Tissue {
		t.Errorf("Input mask was modified")
	}
}

// TestRemoveSmallComponentsDiagonal verifies 8-connectivity
func TestRemoveSmallComponentsDiagonal(t *testing.T) {
	mask := models.NewBinaryMask(4, 4)
	for i := 0; i < 4; i++ {
		mask.Set(i, i, models.Tissue)
	}

	if got := RemoveSmallComponents(mask, 4).CountTissue(); got != 4 {
		t.Errorf("Expected diagonal line to form one component of 4, got %d pixels", got)
	}
	if got := RemoveSmallComponents(mask, 5).CountTissue(); got != 0 {
		t.Errorf("Expected diagonal line to be removed, got %d pixels", got)
	}
}

// TestFillHoles verifies enclosed background is filled and open regions are not
func TestFillHoles(t *testing.T) {
	// Ring with a 2x2 hole
	mask := createMask(10, 10, [4]int{2, 2, 8, 8})
	for y := 4; y < 6; y++ {
		for x := 4; x < 6; x++ {
			mask.Set(x, y, models.Background)
		}
	}

	out := FillHoles(mask)
	if got := out.CountTissue(); got != 36 {
		t.Errorf("Expected 36 tissue pixels after filling, got %d", got)
	}
	if out.At(0, 0) != models.Background {
		t.Errorf("Expected outside background to stay background")
	}

	// A notch connected to the border is not a hole
	notched := createMask(10, 10, [4]int{0, 2, 10, 8})
	for x := 0; x < 5; x++ {
		notched.Set(x, 5, models.Background)
	}
	if got := FillHoles(notched).CountTissue(); got != 55 {
		t.Errorf("Expected border-connected notch to remain, got %d tissue pixels", got)
	}
}

// TestFillHolesDiagonalLeak verifies that background only connects 4-wise
func TestFillHolesDiagonalLeak(t *testing.T) {
	// Diamond wall around (2,2), its diagonal neighbours reach the border
	mask := createMask(5, 5, [4]int{2, 1, 3, 2}, [4]int{1, 2, 2, 3}, [4]int{3, 2, 4, 3}, [4]int{2, 3, 3, 4})

	out := FillHoles(mask)
	if out.At(2, 2) != models.Tissue {
		t.Errorf("Expected diagonally open pixel to be filled")
	}
	if out.At(1, 1) != models.Background {
		t.Errorf("Expected border-connected corner to stay background")
	}
}

// TestErodeDilateBorders checks the out-of-image conventions
func TestErodeDilateBorders(t *testing.T) {
	full := createMask(4, 4, [4]int{0, 0, 4, 4})
	kernel := EllipseKernel(3)

	if got := Erode(full, kernel).CountTissue(); got != 16 {
		t.Errorf("Expected full mask to survive erosion, got %d", got)
	}

	empty := models.NewBinaryMask(4, 4)
	if got := Dilate(empty, kernel).CountTissue(); got != 0 {
		t.Errorf("Expected empty mask to stay empty under dilation, got %d", got)
	}

	point := createMask(5, 5, [4]int{2, 2, 3, 3})
	if got := Dilate(point, kernel).CountTissue(); got != 5 {
		t.Errorf("Expected point to dilate into a 5-pixel cross, got %d", got)
	}
}

// TestOpenRemovesSpur verifies a one-pixel protrusion is removed by opening
func TestOpenRemovesSpur(t *testing.T) {
	mask := createMask(20, 20, [4]int{5, 5, 15, 15}, [4]int{15, 9, 18, 10})

	out := Open(mask, EllipseKernel(3))
	for x := 16; x < 18; x++ {
		if out.At(x, 9) != models.Background {
			t.Errorf("Expected spur pixel (%d,9) to be removed", x)
		}
	}
	if out.At(10, 10) != models.Tissue {
		t.Errorf("Expected block interior to survive opening")
	}
}

// TestCloseFillsGap verifies a one-pixel crack is closed
func TestCloseFillsGap(t *testing.T) {
	mask := createMask(20, 20, [4]int{2, 2, 9, 18}, [4]int{10, 2, 18, 18})

	out := Close(mask, EllipseKernel(3))
	for y := 4; y < 16; y++ {
		if out.At(9, y) != models.Tissue {
			t.Errorf("Expected gap pixel (9,%d) to be closed", y)
		}
	}
}

// TestCleanup runs the full refinement on a blob with noise
func TestCleanup(t *testing.T) {
	mask := createMask(60, 60, [4]int{10, 10, 40, 40}, [4]int{50, 50, 52, 52})
	// Hole in the blob
	mask.Set(25, 25, models.Background)

	out := Cleanup(mask, DefaultParams())

	if out.At(51, 51) != models.Background {
		t.Errorf("Expected speck to be removed")
	}
	if out.At(25, 25) != models.Tissue {
		t.Errorf("Expected hole to be filled")
	}
	if got := out.CountTissue(); got < 880 || got > 900 {
		t.Errorf("Expected blob area near 900, got %d", got)
	}
	for i, v := range out.Pix {
		if v != models.Background && v != models.Tissue {
			t.Fatalf("Non-binary value %d at %d", v, i)
		}
	}
}
