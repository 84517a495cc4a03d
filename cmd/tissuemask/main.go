package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"tissuemask/internal/imageio"
	"tissuemask/internal/logger"
	"tissuemask/internal/models"
	"tissuemask/pkg/config"
	"tissuemask/pkg/metrics"
	"tissuemask/pkg/pipeline"
	"tissuemask/pkg/profile"
	"tissuemask/pkg/threshold"
	"tissuemask/pkg/visualization"
)

// report is the JSON document printed after a masking run
type report struct {
	RunID string `json:"run_id"`
	metrics.QC
	Threshold threshold.Decision `json:"threshold"`
	Outputs   []string           `json:"outputs"`
}

func main() {
	// Parse command line arguments
	input := flag.String("input", "", "Input RGB image (jpg, png, tif)")
	flatField := flag.String("flat-field", "", "Optional blank-slide flat-field image")
	configPath := flag.String("config", "tissuemask.yaml", "YAML configuration file")
	normalize := flag.Bool("normalize", false, "Normalize stain concentrations against the reference profile")
	stainMethod := flag.String("stain-method", "macenko", "Stain method: macenko or none")
	thresholdMethod := flag.String("threshold-method", "auto", "Threshold method: otsu, sauvola, or auto")
	stainType := flag.String("stain-type", "HE", "Stain type: HE, IHC, or PAP")
	outputDir := flag.String("output-dir", "output", "Directory for mask and preview images")
	overlay := flag.Bool("overlay", false, "Also write a green mask overlay")
	generateProfile := flag.Bool("generate-profile", false, "Generate a reference profile instead of masking")
	imageDir := flag.String("image-dir", "", "Directory of well-stained images for -generate-profile")
	profilesDir := flag.String("profiles-dir", "reference_stain_profiles", "Directory of reference profiles")
	numCores := flag.Int("cores", 0, "Number of CPU cores to use (default: from config, all available)")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn, error")
	initConfig := flag.Bool("init-config", false, "Write a default configuration file to -config and exit")
	showCapabilities := flag.Bool("capabilities", false, "Print supported stain types and methods and exit")
	flag.Parse()

	runID := uuid.New().String()
	log := logger.NewConsoleLogger(logger.ParseLevel(*logLevel)).With("run_id", runID)

	if *showCapabilities {
		printJSON(pipeline.GetCapabilities())
		return
	}

	if *initConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			fatal(log, err)
		}
		fmt.Fprintf(os.Stderr, "Default configuration written to: %s\n", *configPath)
		return
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fatal(log, err)
	}

	// Flags given on the command line override the configuration file
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "normalize":
			cfg.Pipeline.Normalize = *normalize
		case "stain-method":
			cfg.Pipeline.StainMethod = *stainMethod
		case "threshold-method":
			cfg.Pipeline.ThresholdMethod = *thresholdMethod
		case "stain-type":
			cfg.Pipeline.StainType = *stainType
		case "output-dir":
			cfg.Output.Dir = *outputDir
		case "overlay":
			cfg.Output.Overlay = *overlay
		case "profiles-dir":
			cfg.Profiles.Dir = *profilesDir
		case "cores":
			cfg.Processing.NumCores = *numCores
		}
	})

	opts, err := cfg.Options()
	if err != nil {
		fatal(log, err)
	}
	store := profile.NewFileStore(cfg.Profiles.Dir)

	p, err := pipeline.NewPipeline(opts, store, log)
	if err != nil {
		fatal(log, err)
	}

	fmt.Fprintln(os.Stderr, "================================")
	fmt.Fprintln(os.Stderr, "SCANNER-AGNOSTIC TISSUE MASKING")
	fmt.Fprintf(os.Stderr, "Run: %s\n", runID)
	fmt.Fprintln(os.Stderr, "================================")

	if *generateProfile {
		if *imageDir == "" {
			flag.Usage()
			os.Exit(1)
		}
		if err := runGenerateProfile(p, store, *imageDir, cfg.Processing.NumCores, log); err != nil {
			fatal(log, err)
		}
		return
	}

	if *input == "" {
		flag.Usage()
		os.Exit(1)
	}
	if err := runMask(p, *input, *flatField, cfg, runID, log); err != nil {
		fatal(log, err)
	}
}

// runMask processes one image and writes its outputs
func runMask(p *pipeline.Pipeline, input, flatFieldPath string, cfg *config.Config, runID string, log logger.Logger) error {
	rgb, err := imageio.LoadRGB(input)
	if err != nil {
		return err
	}

	var flat *models.RGBImage
	if flatFieldPath != "" {
		flat, err = imageio.LoadRGB(flatFieldPath)
		if err != nil {
			return err
		}
	}

	opts := p.Options()
	log.Info("cli", "processing image", map[string]interface{}{
		"input":            input,
		"width":            rgb.Width,
		"height":           rgb.Height,
		"stain_method":     string(opts.StainMethod),
		"threshold_method": string(opts.ThresholdMethod),
		"normalize":        opts.Normalize,
	})

	startTime := time.Now()
	result, err := p.Process(rgb, flat)
	if err != nil {
		return fmt.Errorf("processing failed: %w", err)
	}
	processingTime := time.Since(startTime)

	if opts.Normalize && result.NormalizedRGB == nil {
		log.Warning("cli", "normalization requested but no reference profile was applied", map[string]interface{}{
			"stain_type": string(opts.StainType),
		})
	}

	viewer := visualization.NewViewer(cfg.Output.Dir)
	written, err := viewer.SaveResult(rgb, result, cfg.Output.Overlay)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "Processing completed in %.2f seconds\n", processingTime.Seconds())
	fmt.Fprintf(os.Stderr, "Outputs saved to: %s\n", viewer.OutputDir())

	printJSON(report{
		RunID:     runID,
		QC:        result.Metrics,
		Threshold: result.Threshold,
		Outputs:   written,
	})
	return nil
}

// runGenerateProfile aggregates a reference profile from a directory of images
func runGenerateProfile(p *pipeline.Pipeline, store *profile.FileStore, imageDir string, numCores int, log logger.Logger) error {
	paths, err := imageio.ListImages(imageDir)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return fmt.Errorf("no images found in %s", imageDir)
	}

	images := make([]*models.RGBImage, 0, len(paths))
	for _, path := range paths {
		img, err := imageio.LoadRGB(path)
		if err != nil {
			log.Warning("cli", "skipping unreadable image", map[string]interface{}{
				"path":  path,
				"error": err.Error(),
			})
			continue
		}
		images = append(images, img)
		fmt.Fprintf(os.Stderr, "Loaded: %s\n", path)
	}

	stainType := p.Options().StainType
	fmt.Fprintf(os.Stderr, "Processing %d images for %s stain...\n", len(images), stainType)

	ref, err := p.GenerateReference(images, numCores)
	if err != nil {
		return err
	}
	if err := store.Put(ref); err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "\nReference profile saved to: %s\n", store.Path(stainType))
	fmt.Fprintln(os.Stderr, "\nProfile statistics:")
	fmt.Fprintf(os.Stderr, "  Stain 0 mean: %.4f\n", *ref.Stain0Mean)
	fmt.Fprintf(os.Stderr, "  Stain 0 std:  %.4f\n", *ref.Stain0Std)
	fmt.Fprintf(os.Stderr, "  Stain 1 mean: %.4f\n", *ref.Stain1Mean)
	fmt.Fprintf(os.Stderr, "  Stain 1 std:  %.4f\n", *ref.Stain1Std)
	return nil
}

func printJSON(v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error encoding output: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(data))
}

// fatal logs err and exits. Decode errors exit with status 2.
func fatal(log logger.Logger, err error) {
	log.Error("cli", err, nil)
	if errors.Is(err, pipeline.ErrDecode) {
		os.Exit(2)
	}
	os.Exit(1)
}
