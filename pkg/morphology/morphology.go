// Package morphology cleans up binary tissue masks: small specks are
// removed, enclosed holes filled, and boundaries smoothed with an opening
// followed by a closing.
package morphology

import (
	"fmt"
	"math"

	"tissuemask/internal/models"
)

// Params controls mask cleanup.
type Params struct {
	// Connected components smaller than this many pixels are removed
	MinArea int

	// Side of the elliptical structuring element
	KernelSize int
}

// DefaultParams returns the standard cleanup parameters.
func DefaultParams() Params {
	return Params{
		MinArea:    100,
		KernelSize: 3,
	}
}

// Validate checks parameter ranges.
func (p Params) Validate() error {
	if p.MinArea < 0 {
		return fmt.Errorf("min area must be >= 0, got %d", p.MinArea)
	}
	if p.KernelSize < 1 {
		return fmt.Errorf("kernel size must be >= 1, got %d", p.KernelSize)
	}
	return nil
}

// Cleanup runs the full refinement:
//  1. remove 8-connected tissue components with area < MinArea
//  2. fill background regions not 4-connected to the image border
//  3. open then close with an elliptical kernel, one iteration each
//
// The input mask is not modified. The output contains only Background and
// Tissue values.
func Cleanup(mask *models.BinaryMask, params Params) *models.BinaryMask {
	out := RemoveSmallComponents(mask, params.MinArea)
	out = FillHoles(out)

	kernel := EllipseKernel(params.KernelSize)
	out = Open(out, kernel)
	out = Close(out, kernel)
	return out
}

var (
	neighbours8 = [][2]int{{-1, -1}, {0, -1}, {1, -1}, {-1, 0}, {1, 0}, {-1, 1}, {0, 1}, {1, 1}}
	neighbours4 = [][2]int{{0, -1}, {-1, 0}, {1, 0}, {0, 1}}
)

// RemoveSmallComponents keeps only 8-connected tissue components with at
// least minArea pixels. Any non-zero input pixel counts as tissue.
func RemoveSmallComponents(mask *models.BinaryMask, minArea int) *models.BinaryMask {
	w, h := mask.Width, mask.Height
	out := models.NewBinaryMask(w, h)
	visited := make([]bool, len(mask.Pix))

	var component []int
	queue := make([]int, 0, 64)

	for start, v := range mask.Pix {
		if v == models.Background || visited[start] {
			continue
		}

		// Breadth-first flood of one component
		component = component[:0]
		queue = append(queue[:0], start)
		visited[start] = true
		for len(queue) > 0 {
			p := queue[0]
			queue = queue[1:]
			component = append(component, p)

			x, y := p%w, p/w
			for _, d := range neighbours8 {
				nx, ny := x+d[0], y+d[1]
				if nx < 0 || ny < 0 || nx >= w || ny >= h {
					continue
				}
				q := ny*w + nx
				if !visited[q] && mask.Pix[q] != models.Background {
					visited[q] = true
					queue = append(queue, q)
				}
			}
		}

		if len(component) >= minArea {
			for _, p := range component {
				out.Pix[p] = models.Tissue
			}
		}
	}
	return out
}

// FillHoles turns every background pixel that is not 4-connected to the
// image border into tissue.
func FillHoles(mask *models.BinaryMask) *models.BinaryMask {
	w, h := mask.Width, mask.Height
	outside := make([]bool, len(mask.Pix))
	queue := make([]int, 0, 2*(w+h))

	seed := func(x, y int) {
		p := y*w + x
		if mask.Pix[p] == models.Background && !outside[p] {
			outside[p] = true
			queue = append(queue, p)
		}
	}
	for x := 0; x < w; x++ {
		seed(x, 0)
		seed(x, h-1)
	}
	for y := 0; y < h; y++ {
		seed(0, y)
		seed(w-1, y)
	}

	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		x, y := p%w, p/w
		for _, d := range neighbours4 {
			nx, ny := x+d[0], y+d[1]
			if nx < 0 || ny < 0 || nx >= w || ny >= h {
				continue
			}
			seed(nx, ny)
		}
	}

	out := models.NewBinaryMask(w, h)
	for p := range out.Pix {
		if !outside[p] {
			out.Pix[p] = models.Tissue
		}
	}
	return out
}

// Kernel is a structuring element. Offsets are relative to the anchor at
// the kernel center.
type Kernel struct {
	Size    int
	Offsets [][2]int
}

// Contains reports whether the kernel includes the cell at row i, column j.
func (k Kernel) Contains(i, j int) bool {
	anchor := k.Size / 2
	for _, o := range k.Offsets {
		if o[0] == j-anchor && o[1] == i-anchor {
			return true
		}
	}
	return false
}

// EllipseKernel builds an elliptical structuring element of the given side
// with the same geometry as OpenCV's MORPH_ELLIPSE. A 3x3 kernel is a cross.
func EllipseKernel(size int) Kernel {
	k := Kernel{Size: size}
	if size < 1 {
		return k
	}
	anchor := size / 2

	r := size / 2
	c := size / 2
	invR2 := 0.0
	if r > 0 {
		invR2 = 1 / float64(r*r)
	}

	for i := 0; i < size; i++ {
		j1, j2 := 0, 0
		dy := i - r
		if abs(dy) <= r {
			dx := int(math.RoundToEven(float64(c) * math.Sqrt(float64(r*r-dy*dy)*invR2)))
			j1 = max(c-dx, 0)
			j2 = min(c+dx+1, size)
		}
		for j := j1; j < j2; j++ {
			k.Offsets = append(k.Offsets, [2]int{j - anchor, i - anchor})
		}
	}
	return k
}

// Erode keeps a pixel as tissue only when every kernel cell over it is
// tissue. Pixels outside the image count as tissue.
func Erode(mask *models.BinaryMask, kernel Kernel) *models.BinaryMask {
	return apply(mask, kernel, true)
}

// Dilate marks a pixel as tissue when any kernel cell over it is tissue.
// Pixels outside the image count as background.
func Dilate(mask *models.BinaryMask, kernel Kernel) *models.BinaryMask {
	return apply(mask, kernel, false)
}

// Open is an erosion followed by a dilation. It removes protrusions thinner
// than the kernel.
func Open(mask *models.BinaryMask, kernel Kernel) *models.BinaryMask {
	return Dilate(Erode(mask, kernel), kernel)
}

// Close is a dilation followed by an erosion. It fills gaps narrower than
// the kernel.
func Close(mask *models.BinaryMask, kernel Kernel) *models.BinaryMask {
	return Erode(Dilate(mask, kernel), kernel)
}

func apply(mask *models.BinaryMask, kernel Kernel, erode bool) *models.BinaryMask {
	w, h := mask.Width, mask.Height
	out := models.NewBinaryMask(w, h)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			hit := false
			for _, o := range kernel.Offsets {
				nx, ny := x+o[0], y+o[1]
				if nx < 0 || ny < 0 || nx >= w || ny >= h {
					continue
				}
				tissue := mask.Pix[ny*w+nx] != models.Background
				if erode && !tissue || !erode && tissue {
					hit = true
					break
				}
			}

			// Erosion hits on background, dilation hits on tissue
			if erode != hit {
				out.Pix[y*w+x] = models.Tissue
			}
		}
	}
	return out
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
