// Package stain estimates stain color vectors from optical density pixels
// with the Macenko method and projects OD images onto them.
//
// The method is unsupervised: the two dominant absorbance directions are
// found by singular value decomposition of intensity-normalized tissue pixels.
// The order of the returned vectors carries no dye identity (hematoxylin vs
// eosin); callers needing a stable order must sort them themselves.
package stain

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"tissuemask/internal/models"
)

const (
	// DefaultBeta is the total OD below which a pixel is considered background.
	DefaultBeta = 0.15

	// DefaultMinTissuePixels is the smallest tissue sample used for the SVD.
	// Below this the estimate falls back to every pixel of the image.
	DefaultMinTissuePixels = 100

	// MaxGramCondition is the condition number above which the Gram matrix
	// of the stain vectors is inverted with a pseudo-inverse.
	MaxGramCondition = 1e10

	// pinvRCond is the relative singular value cutoff of the pseudo-inverse.
	pinvRCond = 1e-15
)

// ErrNoPixels is returned when the OD image is empty.
var ErrNoPixels = errors.New("stain: OD image has no pixels")

// Params controls stain vector estimation.
type Params struct {
	// Beta is the total-OD background cutoff
	Beta float64

	// MinTissuePixels is the minimum number of tissue pixels required
	// before the whole image is used instead
	MinTissuePixels int
}

// DefaultParams returns the standard Macenko parameters.
func DefaultParams() Params {
	return Params{
		Beta:            DefaultBeta,
		MinTissuePixels: DefaultMinTissuePixels,
	}
}

// Estimate describes how a set of stain vectors was obtained.
type Estimate struct {
	// Vectors are the two unit-norm stain directions
	Vectors models.StainVectors

	// TissuePixels is the number of pixels above the background cutoff
	TissuePixels int

	// UsedAllPixels reports that too few tissue pixels were found and the
	// whole image was used for the decomposition
	UsedAllPixels bool

	// SingularValues are the two largest singular values of the
	// normalized pixel matrix
	SingularValues [2]float64
}

// EstimateMacenko estimates the two dominant stain vectors of an OD image.
//
// The estimation follows these steps:
// 1. Discard pixels whose total OD is at or below Beta (background). When
// fewer than MinTissuePixels remain, every pixel is used instead.
// 2. Normalize each kept pixel to unit length so only its hue remains.
// Zero-norm pixels are divided by 1.
// 3. Compute the SVD of the N x 3 normalized pixel matrix and keep the two
// right singular vectors with the largest singular values.
// 4. Re-normalize both vectors to unit length.
//
// Each vector is oriented so that its components sum to a non-negative value,
// which makes the result independent of the sign convention of the SVD.
func EstimateMacenko(od *models.ODImage, params Params) (*Estimate, error) {
	n := od.NumPixels()
	if n == 0 {
		return nil, ErrNoPixels
	}

	// Step 1: select tissue pixels
	tissue := make([]int, 0, n)
	for i := 0; i < n; i++ {
		r, g, b := od.Pixel(i)
		if r+g+b > params.Beta {
			tissue = append(tissue, i)
		}
	}

	est := &Estimate{TissuePixels: len(tissue)}
	if len(tissue) < params.MinTissuePixels {
		est.UsedAllPixels = true
		tissue = tissue[:0]
		for i := 0; i < n; i++ {
			tissue = append(tissue, i)
		}
	}

	// Step 2: project onto the unit sphere
	data := make([]float64, len(tissue)*3)
	for row, idx := range tissue {
		px := data[row*3 : row*3+3]
		px[0], px[1], px[2] = od.Pixel(idx)
		norm := floats.Norm(px, 2)
		if norm == 0 {
			norm = 1
		}
		floats.Scale(1/norm, px)
	}
	pixels := mat.NewDense(len(tissue), 3, data)

	// Step 3: SVD, only the 3x3 right singular vectors are needed
	var svd mat.SVD
	if ok := svd.Factorize(pixels, mat.SVDFullV); !ok {
		return nil, fmt.Errorf("stain: SVD of %d pixels did not converge", len(tissue))
	}
	var v mat.Dense
	svd.VTo(&v)
	values := svd.Values(nil)

	// Step 4: unit-normalize the two leading directions
	for k := 0; k < 2; k++ {
		vec := []float64{v.At(0, k), v.At(1, k), v.At(2, k)}
		norm := floats.Norm(vec, 2)
		if norm > 0 {
			floats.Scale(1/norm, vec)
		}
		if floats.Sum(vec) < 0 {
			floats.Scale(-1, vec)
		}
		copy(est.Vectors[k][:], vec)
		if k < len(values) {
			est.SingularValues[k] = values[k]
		}
	}

	return est, nil
}

// Extraction holds concentrations together with the numerical path taken.
type Extraction struct {
	Concentrations *models.ConcentrationMap

	// Condition is the 2-norm condition number of the Gram matrix
	Condition float64

	// PseudoInverse reports that the Gram matrix was ill-conditioned and
	// its pseudo-inverse was used
	PseudoInverse bool
}

// ExtractConcentrations solves OD ≈ C · V in the least squares sense for the
// concentration map C, where V holds the stain vectors as rows.
//
// With S = Vᵀ (3x2) the solution is C = OD · S · (SᵀS)⁻¹. When the Gram
// matrix SᵀS has a condition number above MaxGramCondition its
// Moore-Penrose pseudo-inverse is used instead. Negative concentrations are
// not physical and are clamped to 0.
func ExtractConcentrations(od *models.ODImage, vectors models.StainVectors) (*Extraction, error) {
	n := od.NumPixels()
	if n == 0 {
		return nil, ErrNoPixels
	}

	s := stainMatrix(vectors)

	var gram mat.Dense
	gram.Mul(s.T(), s)

	ext := &Extraction{Condition: mat.Cond(&gram, 2)}

	var gramInv mat.Dense
	if ext.Condition > MaxGramCondition || math.IsNaN(ext.Condition) {
		ext.PseudoInverse = true
		gramInv.CloneFrom(pseudoInverse(&gram))
	} else if err := gramInv.Inverse(&gram); err != nil {
		// Inverse may still report near-singularity, the pseudo-inverse is exact
		// for this case
		ext.PseudoInverse = true
		gramInv.CloneFrom(pseudoInverse(&gram))
	}

	// projection is the 3x2 matrix mapping an OD pixel to its concentrations
	var projection mat.Dense
	projection.Mul(s, &gramInv)

	conc := models.NewConcentrationMap(od.Width, od.Height)
	pixels := mat.NewDense(n, 3, od.Data)
	result := mat.NewDense(n, 2, conc.Data)
	result.Mul(pixels, &projection)

	for i, c := range conc.Data {
		if c < 0 || math.IsNaN(c) {
			conc.Data[i] = 0
		}
	}

	ext.Concentrations = conc
	return ext, nil
}

// Reconstruct maps concentrations back to optical density: OD = C · V.
func Reconstruct(conc *models.ConcentrationMap, vectors models.StainVectors) *models.ODImage {
	out := models.NewODImage(conc.Width, conc.Height)
	n := conc.NumPixels()
	if n == 0 {
		return out
	}

	v := mat.NewDense(2, 3, []float64{
		vectors[0][0], vectors[0][1], vectors[0][2],
		vectors[1][0], vectors[1][1], vectors[1][2],
	})
	c := mat.NewDense(n, 2, conc.Data)
	result := mat.NewDense(n, 3, out.Data)
	result.Mul(c, v)
	return out
}

// stainMatrix returns S = Vᵀ, the 3x2 matrix with one stain per column.
func stainMatrix(vectors models.StainVectors) *mat.Dense {
	s := mat.NewDense(3, 2, nil)
	for k := 0; k < 2; k++ {
		for c := 0; c < 3; c++ {
			s.Set(c, k, vectors[k][c])
		}
	}
	return s
}

// pseudoInverse computes the Moore-Penrose pseudo-inverse of a through its
// SVD, discarding singular values below pinvRCond times the largest one.
func pseudoInverse(a mat.Matrix) *mat.Dense {
	r, c := a.Dims()
	out := mat.NewDense(c, r, nil)

	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDThin); !ok {
		return out
	}

	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	values := svd.Values(nil)
	if len(values) == 0 {
		return out
	}

	cutoff := pinvRCond * values[0]
	inv := make([]float64, len(values))
	for i, sv := range values {
		if sv > cutoff {
			inv[i] = 1 / sv
		}
	}

	// pinv = V · diag(1/σ) · Uᵀ
	var vs mat.Dense
	vs.Mul(&v, mat.NewDiagDense(len(inv), inv))
	out.Mul(&vs, u.T())
	return out
}
