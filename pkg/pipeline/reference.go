package pipeline

import (
	"errors"
	"fmt"
	"runtime"
	"sync"

	"tissuemask/internal/models"
	"tissuemask/pkg/normalize"
	"tissuemask/pkg/od"
	"tissuemask/pkg/profile"
	"tissuemask/pkg/stain"
	"tissuemask/pkg/threshold"
)

// ErrNoImages is returned when a reference profile is requested without any
// usable image.
var ErrNoImages = errors.New("no usable images for reference profile")

// GenerateReference builds a reference profile for the pipeline's stain type
// from a set of well-stained images.
//
// Each image is converted to OD, its stain vectors are estimated and its
// concentrations extracted. Images are processed on numCores goroutines,
// each handling a contiguous range. Images that fail are logged and skipped.
// The profile holds the global mean and standard deviation per stain channel.
func (p *Pipeline) GenerateReference(images []*models.RGBImage, numCores int) (*profile.Reference, error) {
	if numCores < 1 {
		numCores = runtime.NumCPU()
	}

	maps := make([]*models.ConcentrationMap, len(images))
	errs := make([]error, len(images))

	// Divide the images among the available cores
	perCore := (len(images) + numCores - 1) / numCores

	var wg sync.WaitGroup
	for c := 0; c < numCores; c++ {
		start := c * perCore
		end := min(start+perCore, len(images))
		if start >= end {
			break
		}

		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			for i := start; i < end; i++ {
				maps[i], errs[i] = p.concentrations(images[i])
			}
		}(start, end)
	}
	wg.Wait()

	// Collect in input order so the profile does not depend on scheduling
	usable := make([]*models.ConcentrationMap, 0, len(maps))
	for i, m := range maps {
		if errs[i] != nil {
			p.log.Warning(component, "skipping reference image", map[string]interface{}{
				"index": i,
				"error": errs[i].Error(),
			})
			continue
		}
		usable = append(usable, m)
	}
	if len(usable) == 0 {
		return nil, ErrNoImages
	}

	ref, err := normalize.GenerateProfile(p.opts.StainType, usable...)
	if err != nil {
		return nil, fmt.Errorf("error generating profile: %w", err)
	}

	p.log.Info(component, "generated reference profile", map[string]interface{}{
		"stain_type": string(ref.StainType),
		"images":     len(usable),
	})
	return ref, nil
}

// concentrations runs the OD and stain separation steps of one image.
func (p *Pipeline) concentrations(rgb *models.RGBImage) (*models.ConcentrationMap, error) {
	if err := rgb.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	odImage := od.RGBToOD(rgb, od.DefaultWhiteReference, od.DefaultEpsilon)
	est, err := stain.EstimateMacenko(odImage, p.opts.Stain)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAlgorithm, err)
	}
	ext, err := stain.ExtractConcentrations(odImage, est.Vectors)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAlgorithm, err)
	}
	return ext.Concentrations, nil
}

// Capabilities describes what a pipeline build supports.
type Capabilities struct {
	Service          string   `json:"service"`
	Version          string   `json:"version"`
	StainTypes       []string `json:"stain_types"`
	StainMethods     []string `json:"stain_methods"`
	ThresholdMethods []string `json:"threshold_methods"`
}

// Version of the pipeline algorithms.
const Version = "1.0.0"

// GetCapabilities lists the supported stain types and methods.
func GetCapabilities() Capabilities {
	caps := Capabilities{Service: "tissuemask", Version: Version}
	for _, st := range profile.StainTypes {
		caps.StainTypes = append(caps.StainTypes, string(st))
	}
	for _, m := range StainMethods {
		caps.StainMethods = append(caps.StainMethods, string(m))
	}
	for _, m := range threshold.Methods {
		caps.ThresholdMethods = append(caps.ThresholdMethods, string(m))
	}
	return caps
}
