// Package pipeline wires the tissue-masking stages into a configurable
// end-to-end run.
//
// A run is a pure function of the input image, the pipeline Options, the
// snapshot of reference profiles served by the Provider and an optional
// flat-field capture. A Pipeline holds no mutable state, so Process may be
// called concurrently from several goroutines.
package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"tissuemask/internal/logger"
	"tissuemask/internal/models"
	"tissuemask/pkg/metrics"
	"tissuemask/pkg/morphology"
	"tissuemask/pkg/normalize"
	"tissuemask/pkg/od"
	"tissuemask/pkg/preprocess"
	"tissuemask/pkg/profile"
	"tissuemask/pkg/stain"
	"tissuemask/pkg/threshold"
)

const component = "pipeline"

var (
	// ErrDecode is returned for malformed input pixel buffers.
	ErrDecode = errors.New("malformed input image")

	// ErrAlgorithm is returned for unrecoverable numerical states. Every
	// known degeneracy has a fallback, so it is not expected in practice.
	ErrAlgorithm = errors.New("unrecoverable numerical state")

	// ErrInvalidConfig is returned by NewPipeline for invalid Options.
	ErrInvalidConfig = errors.New("invalid pipeline configuration")
)

// StainMethod selects how the thresholding input is derived.
type StainMethod string

const (
	// Macenko separates the two dominant stains and thresholds the
	// per-pixel maximum concentration.
	Macenko StainMethod = "macenko"

	// NoStain thresholds the stain-agnostic total OD.
	NoStain StainMethod = "none"
)

// StainMethods lists every supported stain method.
var StainMethods = []StainMethod{Macenko, NoStain}

// ParseStainMethod validates a stain method name.
func ParseStainMethod(name string) (StainMethod, error) {
	for _, m := range StainMethods {
		if strings.EqualFold(name, string(m)) {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown stain method %q (must be macenko or none)", name)
}

// Options configures a Pipeline. They are validated once by NewPipeline and
// never change afterwards.
type Options struct {
	// Normalize enables concentration normalization against the reference
	// profile of StainType. It only applies to the Macenko method.
	Normalize bool

	StainMethod     StainMethod
	ThresholdMethod threshold.Method
	StainType       profile.StainType

	// EstimateWhite derives a per-channel white reference from the image's
	// brightest pixels instead of using 255
	EstimateWhite bool

	Stain      stain.Params
	Threshold  threshold.Params
	Morphology morphology.Params
}

// DefaultOptions returns the standard configuration: Macenko separation,
// auto thresholding, H&E profile, no normalization.
func DefaultOptions() Options {
	return Options{
		Normalize:       false,
		StainMethod:     Macenko,
		ThresholdMethod: threshold.Auto,
		StainType:       profile.HE,
		Stain:           stain.DefaultParams(),
		Threshold:       threshold.DefaultParams(),
		Morphology:      morphology.DefaultParams(),
	}
}

// Validate checks every enum and parameter.
func (o Options) Validate() error {
	switch o.StainMethod {
	case Macenko, NoStain:
	default:
		return fmt.Errorf("%w: unknown stain method %q", ErrInvalidConfig, o.StainMethod)
	}
	if !o.ThresholdMethod.Valid() {
		return fmt.Errorf("%w: unknown threshold method %q", ErrInvalidConfig, o.ThresholdMethod)
	}
	if !o.StainType.Valid() {
		return fmt.Errorf("%w: unknown stain type %q", ErrInvalidConfig, o.StainType)
	}
	if o.Stain.Beta < 0 {
		return fmt.Errorf("%w: stain beta must be >= 0, got %f", ErrInvalidConfig, o.Stain.Beta)
	}
	if o.Stain.MinTissuePixels < 0 {
		return fmt.Errorf("%w: min tissue pixels must be >= 0, got %d", ErrInvalidConfig, o.Stain.MinTissuePixels)
	}
	if err := o.Threshold.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := o.Morphology.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// Pipeline runs the tissue-masking stages.
type Pipeline struct {
	opts     Options
	provider profile.Provider
	log      logger.Logger
}

// NewPipeline validates opts and creates a pipeline. The provider serves
// reference profiles for normalization and may be nil when normalization is
// disabled. A nil logger discards all output.
func NewPipeline(opts Options, provider profile.Provider, log logger.Logger) (*Pipeline, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Pipeline{opts: opts, provider: provider, log: log}, nil
}

// Options returns the pipeline configuration.
func (p *Pipeline) Options() Options {
	return p.opts
}

// Result bundles the outputs of one run.
type Result struct {
	// Mask is the refined binary tissue mask
	Mask *models.BinaryMask

	// OD is the optical density image of the (corrected) input
	OD *models.ODImage

	// Metrics is the quality-control summary
	Metrics metrics.QC

	// NormalizedRGB is a preview reconstructed from normalized
	// concentrations. It is nil unless normalization actually ran.
	NormalizedRGB *models.RGBImage

	// StainVectors are the estimated stain directions, nil for NoStain
	StainVectors *models.StainVectors

	// Threshold records which strategy produced the mask
	Threshold threshold.Decision

	// Normalization describes the rescaling, nil unless it ran
	Normalization *normalize.Report
}

// stainStage is the output of the stain-processing step.
type stainStage struct {
	input   *models.ScalarMap
	vectors *models.StainVectors

	// normalized is set only when normalization ran. It is the single
	// source of truth for whether a preview is produced.
	normalized *models.ConcentrationMap
	report     *normalize.Report
}

// Process runs the full pipeline on rgb. flatField is optional.
//
// The steps are:
// 1. Optional flat-field correction
// 2. RGB to optical density
// 3. Stain processing: Macenko separation with optional normalization, or
// total OD for the stain-agnostic method
// 4. Adaptive thresholding
// 5. Morphological cleanup
// 6. QC metrics
func (p *Pipeline) Process(rgb, flatField *models.RGBImage) (*Result, error) {
	if err := rgb.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	// Step 1: flat-field correction
	if flatField != nil {
		if err := flatField.Validate(); err != nil {
			return nil, fmt.Errorf("%w: flat field: %v", ErrDecode, err)
		}
		corrected, err := preprocess.FlatFieldCorrection(rgb, flatField)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		rgb = corrected
		p.log.Debug(component, "applied flat-field correction", nil)
	}

	// Step 2: optical density
	white := [3]float64{od.DefaultWhiteReference, od.DefaultWhiteReference, od.DefaultWhiteReference}
	if p.opts.EstimateWhite {
		white = od.EstimateWhiteReference(rgb, od.DefaultWhitePercentile)
		p.log.Debug(component, "estimated white reference", map[string]interface{}{
			"white": white,
		})
	}
	odImage := od.RGBToODPerChannel(rgb, white, od.DefaultEpsilon)

	// Step 3: stain processing
	var stage *stainStage
	var err error
	if p.opts.StainMethod == Macenko {
		stage, err = p.separateStains(odImage)
		if err != nil {
			return nil, err
		}
	} else {
		stage = &stainStage{input: od.ComputeTotalOD(odImage)}
	}

	// Step 4: thresholding
	mask, decision := threshold.Apply(stage.input, p.opts.ThresholdMethod, p.opts.Threshold)
	p.log.Debug(component, "thresholded", map[string]interface{}{
		"requested": string(decision.Requested),
		"method":    string(decision.Method),
		"threshold": decision.Threshold,
	})

	// Step 5: cleanup
	mask = morphology.Cleanup(mask, p.opts.Morphology)

	// Step 6: metrics
	qc := metrics.Compute(rgb, mask, odImage)

	result := &Result{
		Mask:          mask,
		OD:            odImage,
		Metrics:       qc,
		StainVectors:  stage.vectors,
		Threshold:     decision,
		Normalization: stage.report,
	}

	if stage.normalized != nil {
		previewOD := stain.Reconstruct(stage.normalized, *stage.vectors)
		result.NormalizedRGB = od.ODToRGBPerChannel(previewOD, white)
	}

	p.log.Debug(component, "processed image", map[string]interface{}{
		"width":                rgb.Width,
		"height":               rgb.Height,
		"tissue_area_fraction": qc.TissueAreaFraction,
		"qc_flags":             qc.Flags,
	})
	return result, nil
}

// separateStains estimates stain vectors, extracts and optionally normalizes
// concentrations, and derives the thresholding input.
func (p *Pipeline) separateStains(odImage *models.ODImage) (*stainStage, error) {
	est, err := stain.EstimateMacenko(odImage, p.opts.Stain)
	if err != nil {
		return nil, fmt.Errorf("%w: stain estimation: %v", ErrAlgorithm, err)
	}
	if est.UsedAllPixels {
		p.log.Debug(component, "too few tissue pixels, estimated stains from the whole image", map[string]interface{}{
			"tissue_pixels": est.TissuePixels,
		})
	}

	ext, err := stain.ExtractConcentrations(odImage, est.Vectors)
	if err != nil {
		return nil, fmt.Errorf("%w: concentration extraction: %v", ErrAlgorithm, err)
	}
	if ext.PseudoInverse {
		p.log.Warning(component, "ill-conditioned stain matrix, used pseudo-inverse", map[string]interface{}{
			"condition": ext.Condition,
		})
	}

	vectors := est.Vectors
	stage := &stainStage{vectors: &vectors}
	conc := ext.Concentrations

	if p.opts.Normalize {
		if ref := p.reference(); ref != nil {
			normalized, report := normalize.Concentrations(conc, ref)
			for i, skipped := range report.Skipped {
				if skipped {
					p.log.Debug(component, "flat stain channel left unnormalized", map[string]interface{}{
						"channel": i,
					})
				}
			}
			conc = normalized
			stage.normalized = normalized
			stage.report = &report
		}
	}

	stage.input = conc.MaxChannel()
	return stage, nil
}

// reference looks up the profile of the configured stain type. Missing
// profiles and provider failures both disable normalization for the run.
func (p *Pipeline) reference() *profile.Reference {
	if p.provider == nil {
		p.log.Debug(component, "no profile provider, skipping normalization", nil)
		return nil
	}

	ref, err := p.provider.Get(p.opts.StainType)
	if err != nil {
		p.log.Warning(component, "reference profile unavailable, skipping normalization", map[string]interface{}{
			"stain_type": string(p.opts.StainType),
			"error":      err.Error(),
		})
		return nil
	}
	if ref == nil {
		p.log.Debug(component, "no reference profile, skipping normalization", map[string]interface{}{
			"stain_type": string(p.opts.StainType),
		})
	}
	return ref
}
