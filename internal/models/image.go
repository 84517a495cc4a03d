package models

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
)

// ErrMalformedImage is returned when a pixel buffer does not match its
// declared dimensions.
var ErrMalformedImage = errors.New("malformed pixel buffer")

// RGBImage is a decoded 8-bit RGB image stored as interleaved samples in
// row-major order (R, G, B for pixel 0, then pixel 1, ...).
type RGBImage struct {
	// Width and Height are the image dimensions in pixels
	Width  int
	Height int

	// Pix holds Width*Height*3 samples in the range 0-255
	Pix []uint8
}

// NewRGBImage allocates a black RGB image of the given size.
func NewRGBImage(width, height int) *RGBImage {
	return &RGBImage{
		Width:  width,
		Height: height,
		Pix:    make([]uint8, width*height*3),
	}
}

// Validate checks that the buffer is non-empty and consistent with the
// declared dimensions.
func (m *RGBImage) Validate() error {
	if m == nil {
		return fmt.Errorf("%w: nil image", ErrMalformedImage)
	}
	if m.Width <= 0 || m.Height <= 0 {
		return fmt.Errorf("%w: invalid dimensions %dx%d", ErrMalformedImage, m.Width, m.Height)
	}
	if len(m.Pix) != m.Width*m.Height*3 {
		return fmt.Errorf("%w: expected %d samples, got %d", ErrMalformedImage, m.Width*m.Height*3, len(m.Pix))
	}
	return nil
}

// NumPixels returns Width*Height.
func (m *RGBImage) NumPixels() int {
	return m.Width * m.Height
}

// Set writes the three samples of pixel (x, y).
func (m *RGBImage) Set(x, y int, r, g, b uint8) {
	i := (y*m.Width + x) * 3
	m.Pix[i] = r
	m.Pix[i+1] = g
	m.Pix[i+2] = b
}

// Fill paints the rectangle [x0,x1) x [y0,y1) with a single color.
func (m *RGBImage) Fill(x0, y0, x1, y1 int, r, g, b uint8) {
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			m.Set(x, y, r, g, b)
		}
	}
}

// FromImage converts any image.Image into an RGBImage. Alpha is discarded.
func FromImage(img image.Image) *RGBImage {
	bounds := img.Bounds()
	nrgba, ok := img.(*image.NRGBA)
	if !ok || nrgba.Rect.Min != (image.Point{}) {
		nrgba = image.NewNRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
		draw.Draw(nrgba, nrgba.Bounds(), img, bounds.Min, draw.Src)
	}

	out := NewRGBImage(bounds.Dx(), bounds.Dy())
	for y := 0; y < out.Height; y++ {
		for x := 0; x < out.Width; x++ {
			src := nrgba.PixOffset(x, y)
			dst := (y*out.Width + x) * 3
			out.Pix[dst] = nrgba.Pix[src]
			out.Pix[dst+1] = nrgba.Pix[src+1]
			out.Pix[dst+2] = nrgba.Pix[src+2]
		}
	}
	return out
}

// ToNRGBA converts the image into a fully opaque *image.NRGBA.
func (m *RGBImage) ToNRGBA() *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, m.Width, m.Height))
	for i := 0; i < m.NumPixels(); i++ {
		img.Pix[i*4] = m.Pix[i*3]
		img.Pix[i*4+1] = m.Pix[i*3+1]
		img.Pix[i*4+2] = m.Pix[i*3+2]
		img.Pix[i*4+3] = 255
	}
	return img
}

// ODImage holds per-pixel, per-channel optical density (absorbance) values,
// interleaved like RGBImage.
type ODImage struct {
	Width  int
	Height int
	Data   []float64
}

// NewODImage allocates a zero OD image.
func NewODImage(width, height int) *ODImage {
	return &ODImage{
		Width:  width,
		Height: height,
		Data:   make([]float64, width*height*3),
	}
}

// NumPixels returns Width*Height.
func (o *ODImage) NumPixels() int {
	return o.Width * o.Height
}

// Pixel returns the three OD values of the pixel with flat index i.
func (o *ODImage) Pixel(i int) (float64, float64, float64) {
	return o.Data[i*3], o.Data[i*3+1], o.Data[i*3+2]
}

// StainVectors is a pair of unit-length absorbance directions, one per row.
type StainVectors [2][3]float64

// ConcentrationMap holds the estimated amount of each of the two stains per
// pixel, interleaved (stain 0, stain 1 for pixel 0, then pixel 1, ...).
type ConcentrationMap struct {
	Width  int
	Height int
	Data   []float64
}

// NewConcentrationMap allocates a zero concentration map.
func NewConcentrationMap(width, height int) *ConcentrationMap {
	return &ConcentrationMap{
		Width:  width,
		Height: height,
		Data:   make([]float64, width*height*2),
	}
}

// NumPixels returns Width*Height.
func (c *ConcentrationMap) NumPixels() int {
	return c.Width * c.Height
}

// Channel copies one stain channel into a new slice.
func (c *ConcentrationMap) Channel(stain int) []float64 {
	out := make([]float64, c.NumPixels())
	for i := range out {
		out[i] = c.Data[i*2+stain]
	}
	return out
}

// Clone returns a deep copy of the map.
func (c *ConcentrationMap) Clone() *ConcentrationMap {
	out := &ConcentrationMap{Width: c.Width, Height: c.Height, Data: make([]float64, len(c.Data))}
	copy(out.Data, c.Data)
	return out
}

// MaxChannel returns the per-pixel maximum over both stain channels.
func (c *ConcentrationMap) MaxChannel() *ScalarMap {
	out := NewScalarMap(c.Width, c.Height)
	for i := range out.Data {
		a, b := c.Data[i*2], c.Data[i*2+1]
		if b > a {
			a = b
		}
		out.Data[i] = a
	}
	return out
}

// ScalarMap is a single-channel floating point image, used as the input of
// thresholding.
type ScalarMap struct {
	Width  int
	Height int
	Data   []float64
}

// NewScalarMap allocates a zero scalar map.
func NewScalarMap(width, height int) *ScalarMap {
	return &ScalarMap{
		Width:  width,
		Height: height,
		Data:   make([]float64, width*height),
	}
}

// At returns the value at (x, y).
func (s *ScalarMap) At(x, y int) float64 {
	return s.Data[y*s.Width+x]
}

// Pixel values of a BinaryMask.
const (
	Background uint8 = 0
	Tissue     uint8 = 255
)

// BinaryMask is a single-channel mask whose pixels are either Background or
// Tissue.
type BinaryMask struct {
	Width  int
	Height int
	Pix    []uint8
}

// NewBinaryMask allocates an all-background mask.
func NewBinaryMask(width, height int) *BinaryMask {
	return &BinaryMask{
		Width:  width,
		Height: height,
		Pix:    make([]uint8, width*height),
	}
}

// At returns the mask value at (x, y).
func (b *BinaryMask) At(x, y int) uint8 {
	return b.Pix[y*b.Width+x]
}

// Set writes the mask value at (x, y).
func (b *BinaryMask) Set(x, y int, v uint8) {
	b.Pix[y*b.Width+x] = v
}

// CountTissue returns the number of tissue pixels.
func (b *BinaryMask) CountTissue() int {
	n := 0
	for _, v := range b.Pix {
		if v == Tissue {
			n++
		}
	}
	return n
}

// Clone returns a deep copy of the mask.
func (b *BinaryMask) Clone() *BinaryMask {
	out := &BinaryMask{Width: b.Width, Height: b.Height, Pix: make([]uint8, len(b.Pix))}
	copy(out.Pix, b.Pix)
	return out
}

// ToGray converts the mask to an 8-bit grayscale image.
func (b *BinaryMask) ToGray() *image.Gray {
	img := image.NewGray(image.Rect(0, 0, b.Width, b.Height))
	for y := 0; y < b.Height; y++ {
		for x := 0; x < b.Width; x++ {
			img.SetGray(x, y, color.Gray{Y: b.At(x, y)})
		}
	}
	return img
}
