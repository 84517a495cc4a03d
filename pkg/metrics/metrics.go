// Package metrics summarizes a tissue mask into quality-control statistics
// and categorical flags.
package metrics

import (
	"encoding/json"

	"gonum.org/v1/gonum/floats"

	"tissuemask/internal/models"
)

// Flag is a categorical quality-control finding.
type Flag string

// Flags are always reported in the order they are declared here.
const (
	LowTissueArea      Flag = "LOW_TISSUE_AREA"
	LowODPoorStaining  Flag = "LOW_OD_POOR_STAINING"
	SaturationDetected Flag = "SATURATION_DETECTED"
)

const (
	// MinTissueAreaFraction is the tissue fraction below which a slide is
	// flagged as nearly empty.
	MinTissueAreaFraction = 0.01

	// MinMeanTotalOD is the mean tissue OD below which staining is
	// considered too weak.
	MinMeanTotalOD = 0.1

	// SaturationLevel is the 8-bit value at or above which a channel is
	// considered clipped.
	SaturationLevel = 250

	// MaxSaturationFraction is the clipped-pixel ratio above which the
	// capture is flagged.
	MaxSaturationFraction = 0.1
)

// QC holds the quality-control summary of one processed image.
type QC struct {
	// TissueAreaFraction is the share of mask pixels marked as tissue
	TissueAreaFraction float64 `json:"tissue_area_fraction"`

	// MeanTotalOD is the mean summed OD over tissue pixels. It is nil when
	// no OD image was supplied and 0 when the mask has no tissue.
	MeanTotalOD *float64 `json:"mean_total_od,omitempty"`

	// Flags lists every applicable finding
	Flags []Flag `json:"qc_flags"`
}

// HasFlag reports whether f was raised.
func (q *QC) HasFlag(f Flag) bool {
	for _, flag := range q.Flags {
		if flag == f {
			return true
		}
	}
	return false
}

// JSON renders the metrics record.
func (q *QC) JSON() ([]byte, error) {
	return json.MarshalIndent(q, "", "  ")
}

// Compute derives the metrics from the final mask, the RGB image the mask
// was computed from and, optionally, its OD image.
//
// Saturation is the number of pixels with any channel >= 250 divided by the
// number of pixels (width * height).
func Compute(rgb *models.RGBImage, mask *models.BinaryMask, od *models.ODImage) QC {
	q := QC{Flags: []Flag{}}

	tissue := 0
	for _, v := range mask.Pix {
		if v != models.Background {
			tissue++
		}
	}
	if len(mask.Pix) > 0 {
		q.TissueAreaFraction = float64(tissue) / float64(len(mask.Pix))
	}

	if od != nil {
		mean := meanTissueOD(mask, od, tissue)
		q.MeanTotalOD = &mean
	}

	if q.TissueAreaFraction < MinTissueAreaFraction {
		q.Flags = append(q.Flags, LowTissueArea)
	}
	if q.MeanTotalOD != nil && *q.MeanTotalOD < MinMeanTotalOD {
		q.Flags = append(q.Flags, LowODPoorStaining)
	}
	if saturationFraction(rgb) > MaxSaturationFraction {
		q.Flags = append(q.Flags, SaturationDetected)
	}

	return q
}

// meanTissueOD averages the channel-summed OD over tissue pixels.
func meanTissueOD(mask *models.BinaryMask, od *models.ODImage, tissue int) float64 {
	if tissue == 0 {
		return 0
	}
	totals := make([]float64, 0, tissue)
	for i, v := range mask.Pix {
		if v != models.Background {
			totals = append(totals, od.Data[i*3]+od.Data[i*3+1]+od.Data[i*3+2])
		}
	}
	return floats.Sum(totals) / float64(len(totals))
}

// saturationFraction is the share of pixels with any channel at or above SaturationLevel.
func saturationFraction(rgb *models.RGBImage) float64 {
	if rgb.NumPixels() == 0 {
		return 0
	}
	saturated := 0
	for i := 0; i+2 < len(rgb.Pix); i += 3 {
		if rgb.Pix[i] >= SaturationLevel || rgb.Pix[i+1] >= SaturationLevel || rgb.Pix[i+2] >= SaturationLevel {
			saturated++
		}
	}
	return float64(saturated) / float64(rgb.NumPixels())
}
