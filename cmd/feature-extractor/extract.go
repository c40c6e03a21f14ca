package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	featureextractor "github.com/menta2k/feature-extractor"
	"github.com/menta2k/feature-extractor/internal/config"
	"github.com/menta2k/feature-extractor/internal/logging"
	"github.com/menta2k/feature-extractor/internal/utils"
	"github.com/menta2k/feature-extractor/pkg/pipeline"
	"github.com/menta2k/feature-extractor/pkg/publish"
)

const extractLongDesc string = `Extract features for every image matching --img-glob under --input-path,
or for the image files and http(s) URLs given as arguments.

Flags override values from the configuration file. Images that cannot be
decoded or written are reported at the end and do not stop the run; a
missing model or device aborts immediately.

Examples:
  feature-extractor extract --input-path /data/phototour --model patchnet.zip
  feature-extractor extract --input-path /data --img-glob '**/*.png' --num-kp 500 --suffix dog-500
  feature-extractor extract --config run.yaml --skip-existing --debug-dir /tmp/kp
  feature-extractor extract --model patchnet.zip --out-dir feats photo.jpg https://example.com/cat.png`

const extractShortDesc string = "Extract feature files for an image collection"

type extractCommander struct {
	configPath string

	inputPath     string
	imgGlob       string
	numKp         int
	suffix        string
	modelPath     string
	deviceName    string
	gpuID         int
	batchSize     int
	workers       int
	encodeWorkers int
	skipExisting  bool
	compress      bool
	debugDir      string
	backend       string
	boundary      string
	logLevel      string
	logFormat     string
	publishBucket string
	noColor       bool
	outDir        string
	sources       []string
}

func newExtractCmd() *cobra.Command {
	cmder := &extractCommander{}

	cmd := &cobra.Command{
		Use:   "extract [image|url]...",
		Short: extractShortDesc,
		Long:  extractLongDesc,
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmder.sources = args
			cfg, err := cmder.loadConfig(cmd)
			if err != nil {
				return err
			}
			return cmder.run(cmd.Context(), cfg)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&cmder.configPath, "config", "c", "", "YAML configuration file (default "+config.GetConfigPath()+" if present)")
	f.StringVarP(&cmder.inputPath, "input-path", "i", "", "Root directory of the image collection")
	f.StringVar(&cmder.imgGlob, "img-glob", "", "Image glob relative to the input path, ** allowed")
	f.IntVarP(&cmder.numKp, "num-kp", "k", 0, "Maximum keypoints per image")
	f.StringVar(&cmder.suffix, "suffix", "", "Output suffix, files are named <image>.<suffix>.npz")
	f.StringVarP(&cmder.modelPath, "model", "m", "", "Descriptor model artifact")
	f.StringVarP(&cmder.deviceName, "device", "d", "", "Compute device: auto, cpu or cuda")
	f.IntVar(&cmder.gpuID, "gpu-id", 0, "CUDA device index")
	f.IntVarP(&cmder.batchSize, "batch-size", "b", 0, "Patches per model forward pass")
	f.IntVarP(&cmder.workers, "workers", "w", 0, "Image decode and detection workers")
	f.IntVar(&cmder.encodeWorkers, "encode-workers", 0, "Concurrent encoder workers")
	f.BoolVar(&cmder.skipExisting, "skip-existing", false, "Skip images whose feature file already exists")
	f.BoolVar(&cmder.compress, "compress", false, "Deflate the datasets inside feature files")
	f.StringVar(&cmder.debugDir, "debug-dir", "", "Write keypoint overlay images to this directory")
	f.StringVar(&cmder.backend, "detector", "", "Keypoint detector backend: dog or sift")
	f.StringVar(&cmder.boundary, "boundary", "", "Crop windows leaving the image: zero, replicate or skip")
	f.StringVar(&cmder.logLevel, "log-level", "", "Log level: debug, info, warn or error")
	f.StringVar(&cmder.logFormat, "log-format", "", "Log format: console or json")
	f.StringVar(&cmder.publishBucket, "publish-bucket", "", "Upload feature files to this bucket (endpoint from config)")
	f.BoolVar(&cmder.noColor, "no-color", false, "Disable colors in the summary")
	f.StringVarP(&cmder.outDir, "out-dir", "o", "", "Output directory for images given as arguments (URLs default to the working directory)")

	return cmd
}

// loadConfig reads the configuration file and applies the flags that were set
func (c *extractCommander) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()
	path := c.configPath
	if path == "" && utils.FileExists(config.GetConfigPath()) {
		path = config.GetConfigPath()
	}
	if path != "" {
		loaded, err := config.LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	f := cmd.Flags()
	if f.Changed("input-path") {
		cfg.Pipeline.InputPath = c.inputPath
	}
	if f.Changed("img-glob") {
		cfg.Pipeline.ImageGlob = c.imgGlob
	}
	if f.Changed("num-kp") {
		cfg.Detector.MaxKeypoints = c.numKp
	}
	if f.Changed("suffix") {
		cfg.Output.Suffix = c.suffix
	}
	if f.Changed("model") {
		cfg.Encoder.ModelPath = c.modelPath
	}
	if f.Changed("device") {
		cfg.Encoder.Device = c.deviceName
	}
	if f.Changed("gpu-id") {
		cfg.Encoder.GPUID = c.gpuID
	}
	if f.Changed("batch-size") {
		cfg.Encoder.BatchSize = c.batchSize
	}
	if f.Changed("workers") {
		cfg.Pipeline.PrepareWorkers = c.workers
	}
	if f.Changed("encode-workers") {
		cfg.Pipeline.EncodeWorkers = c.encodeWorkers
	}
	if f.Changed("skip-existing") {
		cfg.Output.SkipExisting = c.skipExisting
	}
	if f.Changed("compress") {
		cfg.Output.Compress = c.compress
	}
	if f.Changed("debug-dir") {
		cfg.Output.DebugDir = c.debugDir
	}
	if f.Changed("detector") {
		cfg.Detector.Backend = c.backend
	}
	if f.Changed("boundary") {
		cfg.Sampler.Boundary = c.boundary
	}
	if f.Changed("log-level") {
		cfg.Log.Level = c.logLevel
	}
	if f.Changed("log-format") {
		cfg.Log.Format = c.logFormat
	}
	if f.Changed("publish-bucket") {
		cfg.Publish.Enabled = true
		cfg.Publish.Bucket = c.publishBucket
	}

	if len(c.sources) == 0 {
		if cfg.Pipeline.InputPath == "" {
			return nil, fmt.Errorf("--input-path or image arguments are required")
		}
		if !utils.DirExists(cfg.Pipeline.InputPath) {
			return nil, fmt.Errorf("input path %s is not a directory", cfg.Pipeline.InputPath)
		}
	}
	if cfg.Encoder.ModelPath == "" {
		return nil, fmt.Errorf("--model is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *extractCommander) run(ctx context.Context, cfg *config.Config) error {
	logger, err := logging.New(logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		App:    "feature-extractor",
	})
	if err != nil {
		return err
	}

	jobs, root, err := c.jobs(cfg)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		logger.Warn().Str("input_path", cfg.Pipeline.InputPath).Str("glob", cfg.Pipeline.ImageGlob).Msg("no images found")
		return nil
	}

	ex, err := featureextractor.Open(cfg, logger)
	if err != nil {
		return err
	}
	defer ex.Close()

	opts := pipeline.Options{
		PrepareWorkers: cfg.Pipeline.PrepareWorkers,
		EncodeWorkers:  cfg.Pipeline.EncodeWorkers,
		QueueSize:      cfg.Pipeline.QueueSize,
		SkipExisting:   cfg.Output.SkipExisting,
		Logger:         logger,
	}
	if cfg.Publish.Enabled {
		pub, err := publish.New(publish.Options{
			Endpoint:  cfg.Publish.Endpoint,
			Bucket:    cfg.Publish.Bucket,
			Prefix:    cfg.Publish.Prefix,
			Region:    cfg.Publish.Region,
			AccessKey: cfg.Publish.AccessKey,
			SecretKey: cfg.Publish.SecretKey,
			Secure:    cfg.Publish.Secure,
			Root:      root,
		})
		if err != nil {
			return err
		}
		if err := pub.EnsureBucket(ctx, cfg.Publish.Region); err != nil {
			return err
		}
		opts.Publisher = pub
	}

	sum, err := pipeline.New(ex, opts).Run(ctx, jobs)
	sum.Render(os.Stdout, !c.noColor && isTerminal(os.Stdout))
	if err != nil {
		return err
	}
	if sum.Failed > 0 {
		return fmt.Errorf("%d of %d images failed", sum.Failed, sum.Total)
	}
	return nil
}

// jobs lists the work for this run and the directory that published keys are
// relative to
func (c *extractCommander) jobs(cfg *config.Config) ([]pipeline.Job, string, error) {
	if len(c.sources) > 0 {
		return pipeline.SourceJobs(c.sources, c.outDir, cfg.Output.Suffix), c.outDir, nil
	}
	paths, err := utils.ListImageFiles(cfg.Pipeline.InputPath, cfg.Pipeline.ImageGlob)
	if err != nil {
		return nil, "", err
	}
	return pipeline.Jobs(paths, cfg.Output.Suffix), cfg.Pipeline.InputPath, nil
}
