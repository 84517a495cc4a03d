// Package normalize rescales stain concentrations toward a reference
// distribution and aggregates reference profiles from good slides.
package normalize

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/stat"

	"tissuemask/internal/models"
	"tissuemask/pkg/profile"
)

// MinStd is the smallest current standard deviation that is rescaled. Flatter
// channels are left unchanged.
const MinStd = 1e-6

// ErrNoConcentrations is returned when a profile is requested from no data.
var ErrNoConcentrations = errors.New("normalize: no concentration pixels supplied")

// ChannelStats are the population statistics of one stain channel.
type ChannelStats struct {
	Mean float64
	Std  float64
}

// Report describes what Concentrations did to each channel.
type Report struct {
	// Current holds the statistics of the input channels
	Current [2]ChannelStats

	// Target holds the statistics the channels were mapped to
	Target [2]ChannelStats

	// Skipped marks channels whose std was below MinStd and were copied
	Skipped [2]bool
}

// Concentrations maps every stain channel onto the reference distribution:
//
//	x' = (x - mean_current) * (std_ref / std_current) + mean_ref
//
// Channels whose current std is below MinStd are left unchanged, and missing
// reference entries fall back to the channel's own statistics. The result is
// clamped to non-negative values. The input map is not modified.
func Concentrations(conc *models.ConcentrationMap, ref *profile.Reference) (*models.ConcentrationMap, Report) {
	out := conc.Clone()
	var report Report

	for i := 0; i < 2; i++ {
		channel := conc.Channel(i)
		current := channelStats(channel)
		report.Current[i] = current

		target := current
		if ref != nil {
			mean, std := ref.Channel(i)
			if mean != nil {
				target.Mean = *mean
			}
			if std != nil {
				target.Std = *std
			}
		}
		report.Target[i] = target

		if current.Std > MinStd {
			scale := target.Std / current.Std
			for p, x := range channel {
				out.Data[p*2+i] = (x-current.Mean)*scale + target.Mean
			}
		} else {
			report.Skipped[i] = true
		}

		for p := range channel {
			if v := out.Data[p*2+i]; v < 0 {
				out.Data[p*2+i] = 0
			}
		}
	}

	return out, report
}

// channelStats returns the population mean and standard deviation.
func channelStats(values []float64) ChannelStats {
	if len(values) == 0 {
		return ChannelStats{}
	}
	mean, std := stat.PopMeanStdDev(values, nil)
	if math.IsNaN(std) {
		std = 0
	}
	return ChannelStats{Mean: mean, Std: std}
}

// GenerateProfile computes a reference profile from concentration maps of
// well-stained images: the global population mean and standard deviation of
// each stain channel over all supplied pixels.
//
// This is an offline calibration step, it is not used during per-image
// processing.
func GenerateProfile(stainType profile.StainType, maps ...*models.ConcentrationMap) (*profile.Reference, error) {
	total := 0
	for _, m := range maps {
		total += m.NumPixels()
	}
	if total == 0 {
		return nil, ErrNoConcentrations
	}

	var stats [2]ChannelStats
	for i := 0; i < 2; i++ {
		all := make([]float64, 0, total)
		for _, m := range maps {
			for p := 0; p < m.NumPixels(); p++ {
				all = append(all, m.Data[p*2+i])
			}
		}
		stats[i] = channelStats(all)
	}

	return profile.NewReference(stainType, stats[0].Mean, stats[0].Std, stats[1].Mean, stats[1].Std), nil
}
