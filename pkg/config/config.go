// Package config provides configuration loading and management for tissuemask.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"tissuemask/pkg/morphology"
	"tissuemask/pkg/pipeline"
	"tissuemask/pkg/profile"
	"tissuemask/pkg/stain"
	"tissuemask/pkg/threshold"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Pipeline branching
	Pipeline struct {
		// Normalize enables stain normalization against a reference profile
		Normalize bool `yaml:"normalize"`

		// StainMethod is "macenko" or "none"
		StainMethod string `yaml:"stainMethod"`

		// ThresholdMethod is "otsu", "sauvola", or "auto"
		ThresholdMethod string `yaml:"thresholdMethod"`

		// StainType selects the reference profile: "HE", "IHC", or "PAP"
		StainType string `yaml:"stainType"`

		// EstimateWhite derives the white reference from the image
		EstimateWhite bool `yaml:"estimateWhite"`
	} `yaml:"pipeline"`

	// Stain separation parameters
	Stain struct {
		// Beta is the total OD below which a pixel is background
		Beta float64 `yaml:"beta"`

		// MinTissuePixels is the minimum tissue sample before the whole
		// image is used
		MinTissuePixels int `yaml:"minTissuePixels"`
	} `yaml:"stain"`

	// Thresholding parameters
	Threshold struct {
		WindowSize     int     `yaml:"windowSize"`
		K              float64 `yaml:"k"`
		R              float64 `yaml:"r"`
		TrimPercentile float64 `yaml:"trimPercentile"`
		HistogramBins  int     `yaml:"histogramBins"`
		PeakFraction   float64 `yaml:"peakFraction"`
	} `yaml:"threshold"`

	// Mask cleanup parameters
	Morphology struct {
		// MinArea is the smallest connected component kept, in pixels
		MinArea int `yaml:"minArea"`

		// KernelSize is the side of the elliptical structuring element
		KernelSize int `yaml:"kernelSize"`
	} `yaml:"morphology"`

	// Reference profile storage
	Profiles struct {
		// Dir holds the <stain>_reference.json files
		Dir string `yaml:"dir"`
	} `yaml:"profiles"`

	// Processing parameters
	Processing struct {
		// NumCores specifies how many CPU cores to use for parallel processing
		NumCores int `yaml:"numCores"`
	} `yaml:"processing"`

	// Output parameters
	Output struct {
		// Dir is where masks, previews, and overlays are written
		Dir string `yaml:"dir"`

		// Overlay enables writing a mask overlay image
		Overlay bool `yaml:"overlay"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}
	opts := pipeline.DefaultOptions()

	// Set default pipeline parameters
	cfg.Pipeline.Normalize = opts.Normalize
	cfg.Pipeline.StainMethod = string(opts.StainMethod)
	cfg.Pipeline.ThresholdMethod = string(opts.ThresholdMethod)
	cfg.Pipeline.StainType = string(opts.StainType)
	cfg.Pipeline.EstimateWhite = opts.EstimateWhite

	// Set default algorithm parameters
	cfg.Stain.Beta = opts.Stain.Beta
	cfg.Stain.MinTissuePixels = opts.Stain.MinTissuePixels

	cfg.Threshold.WindowSize = opts.Threshold.WindowSize
	cfg.Threshold.K = opts.Threshold.K
	cfg.Threshold.R = opts.Threshold.R
	cfg.Threshold.TrimPercentile = opts.Threshold.TrimPercentile
	cfg.Threshold.HistogramBins = opts.Threshold.HistogramBins
	cfg.Threshold.PeakFraction = opts.Threshold.PeakFraction

	cfg.Morphology.MinArea = opts.Morphology.MinArea
	cfg.Morphology.KernelSize = opts.Morphology.KernelSize

	cfg.Profiles.Dir = "reference_stain_profiles"

	cfg.Processing.NumCores = runtime.NumCPU() // Use all available cores by default

	// Set default output parameters
	cfg.Output.Dir = "output"
	cfg.Output.Overlay = false

	return cfg
}

// Options converts the configuration into validated pipeline options.
// Enum names are matched case-insensitively.
func (c *Config) Options() (pipeline.Options, error) {
	stainMethod, err := pipeline.ParseStainMethod(c.Pipeline.StainMethod)
	if err != nil {
		return pipeline.Options{}, fmt.Errorf("%w: %v", pipeline.ErrInvalidConfig, err)
	}
	thresholdMethod, err := threshold.ParseMethod(c.Pipeline.ThresholdMethod)
	if err != nil {
		return pipeline.Options{}, fmt.Errorf("%w: %v", pipeline.ErrInvalidConfig, err)
	}
	stainType, err := profile.ParseStainType(c.Pipeline.StainType)
	if err != nil {
		return pipeline.Options{}, fmt.Errorf("%w: %v", pipeline.ErrInvalidConfig, err)
	}

	opts := pipeline.Options{
		Normalize:       c.Pipeline.Normalize,
		StainMethod:     stainMethod,
		ThresholdMethod: thresholdMethod,
		StainType:       stainType,
		EstimateWhite:   c.Pipeline.EstimateWhite,
		Stain: stain.Params{
			Beta:            c.Stain.Beta,
			MinTissuePixels: c.Stain.MinTissuePixels,
		},
		Threshold: threshold.Params{
			WindowSize:     c.Threshold.WindowSize,
			K:              c.Threshold.K,
			R:              c.Threshold.R,
			TrimPercentile: c.Threshold.TrimPercentile,
			HistogramBins:  c.Threshold.HistogramBins,
			PeakFraction:   c.Threshold.PeakFraction,
		},
		Morphology: morphology.Params{
			MinArea:    c.Morphology.MinArea,
			KernelSize: c.Morphology.KernelSize,
		},
	}

	if err := opts.Validate(); err != nil {
		return pipeline.Options{}, err
	}
	return opts, nil
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML over the defaults so partial files keep unspecified values
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
