// Package featureextractor extracts keypoints and learned patch descriptors from
// images and stores them as one feature file per image.
//
// Basic usage:
//
//	ex, err := featureextractor.Open(config.Default(), zerolog.Nop())
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer ex.Close()
//
//	rec, err := ex.ProcessImage(ctx, "photo.jpg", "photo.jpg.sift-2000.npz")
//	if err != nil {
//		log.Fatal(err)
//	}
//	fmt.Printf("%d keypoints, %d-d descriptors\n", rec.Len(), rec.Dim)
//
// The package wires four components:
//
// 1. Vision (pkg/vision): difference-of-Gaussians keypoint detection
// 2. Cropper (pkg/cropper): fixed-size normalized patches around keypoints
// 3. Encoder (pkg/encoder): batched descriptor model inference on a device
// 4. Feature files (pkg/featurefile): atomic .npz output
//
// For whole collections, pkg/pipeline schedules an Extractor over many images.
package featureextractor

import (
	"context"
	"fmt"
	"image"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/menta2k/feature-extractor/internal/config"
	"github.com/menta2k/feature-extractor/internal/utils"
	"github.com/menta2k/feature-extractor/pkg/cropper"
	"github.com/menta2k/feature-extractor/pkg/device"
	"github.com/menta2k/feature-extractor/pkg/encoder"
	"github.com/menta2k/feature-extractor/pkg/featurefile"
	"github.com/menta2k/feature-extractor/pkg/pipeline"
	"github.com/menta2k/feature-extractor/pkg/processing"
	"github.com/menta2k/feature-extractor/pkg/types"
	"github.com/menta2k/feature-extractor/pkg/vision"
)

// Version of the feature extractor library
const Version = "1.0.0"

const debugQuality = 90

// Extractor runs the per-image pipeline: detect, sample, encode, write.
// It is safe for concurrent use.
type Extractor struct {
	loader   *processing.Processor
	detector vision.Detector
	sampler  *cropper.PatchSampler
	encoder  *encoder.Encoder
	writer   *featurefile.Writer
	debugDir string
	logger   zerolog.Logger
	closer   func() error
}

// Option configures an Extractor
type Option func(*Extractor)

// WithDetector replaces the default DoG detector
func WithDetector(d vision.Detector) Option {
	return func(e *Extractor) { e.detector = d }
}

// WithSampler replaces the default patch sampler
func WithSampler(s *cropper.PatchSampler) Option {
	return func(e *Extractor) { e.sampler = s }
}

// WithWriter replaces the default feature file writer
func WithWriter(w *featurefile.Writer) Option {
	return func(e *Extractor) { e.writer = w }
}

// WithDebugDir saves a keypoint overlay per image into dir
func WithDebugDir(dir string) Option {
	return func(e *Extractor) { e.debugDir = dir }
}

// WithLogger sets the logger
func WithLogger(l zerolog.Logger) Option {
	return func(e *Extractor) { e.logger = l }
}

// New creates an Extractor around an encoder
func New(enc *encoder.Encoder, opts ...Option) *Extractor {
	e := &Extractor{
		loader:   processing.NewProcessor(),
		detector: vision.New(),
		sampler:  cropper.New(),
		encoder:  enc,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.writer == nil {
		e.writer = featurefile.NewWriter(featurefile.WithDim(enc.Dim()))
	}
	return e
}

// Open builds an Extractor from configuration, loading the model and acquiring
// the device. Call Close when done.
func Open(cfg *config.Config, logger zerolog.Logger) (*Extractor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	detector, err := vision.NewBackend(cfg.Detector.Backend, cfg.VisionConfig())
	if err != nil {
		return nil, err
	}

	kind, err := device.ParseKind(cfg.Encoder.Device)
	if err != nil {
		return nil, err
	}
	ectx, err := encoder.Open(encoder.Options{
		ModelPath:        cfg.Encoder.ModelPath,
		Device:           kind,
		GPUID:            cfg.Encoder.GPUID,
		MemoryLimitBytes: cfg.Encoder.MemoryLimitBytes,
		Logger:           logger,
	})
	if err != nil {
		return nil, err
	}
	if in, ps := ectx.Model().InputSize, cfg.Sampler.PatchSize; in != ps {
		ectx.Close()
		return nil, types.NewModelLoadError(cfg.Encoder.ModelPath,
			fmt.Errorf("model expects %dx%d patches, sampler produces %dx%d", in, in, ps, ps))
	}

	enc := encoder.New(ectx, cfg.Encoder.BatchSize)
	e := New(enc,
		WithDetector(detector),
		WithSampler(cropper.NewWithConfig(cfg.SamplerConfig())),
		WithWriter(featurefile.NewWriter(
			featurefile.WithDim(enc.Dim()),
			featurefile.WithCompression(cfg.Output.Compress),
		)),
		WithDebugDir(cfg.Output.DebugDir),
		WithLogger(logger),
	)
	e.closer = ectx.Close
	return e, nil
}

// Close releases the encoder context opened by Open
func (e *Extractor) Close() error {
	if e.closer == nil {
		return nil
	}
	return e.closer()
}

// Dim returns the descriptor length
func (e *Extractor) Dim() int {
	return e.encoder.Dim()
}

// Extract computes the feature record of a decoded image
func (e *Extractor) Extract(ctx context.Context, img image.Image) (*types.Record, error) {
	kps, patches, err := e.sample(img)
	if err != nil {
		return nil, err
	}
	return e.encode(ctx, kps, patches)
}

// ProcessImage loads imagePath (a file or an http(s) URL), extracts its features
// and writes them to outputPath
func (e *Extractor) ProcessImage(ctx context.Context, imagePath, outputPath string) (*types.Record, error) {
	img, err := e.loader.LoadImageSmart(ctx, imagePath)
	if err != nil {
		return nil, err
	}
	rec, err := e.Extract(ctx, img)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", imagePath, err)
	}
	if e.debugDir != "" {
		e.saveOverlay(img, imagePath, rec.Keypoints)
	}
	if err := e.writer.WriteRecord(outputPath, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Prepare runs the CPU stages for a pipeline job
func (e *Extractor) Prepare(ctx context.Context, job pipeline.Job) (*pipeline.Prepared, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img, err := e.loader.LoadImageSmart(ctx, job.Image)
	if err != nil {
		return nil, err
	}
	kps, patches, err := e.sample(img)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", job.Image, err)
	}
	if e.debugDir != "" {
		e.saveOverlay(img, job.Image, kps)
	}
	return &pipeline.Prepared{Job: job, Keypoints: kps, Patches: patches}, nil
}

// Complete encodes a prepared job and writes its feature file
func (e *Extractor) Complete(ctx context.Context, p *pipeline.Prepared) (pipeline.Result, error) {
	rec, err := e.encode(ctx, p.Keypoints, p.Patches)
	if err != nil {
		return pipeline.Result{}, fmt.Errorf("%s: %w", p.Job.Image, err)
	}
	if err := e.writer.WriteRecord(p.Job.Output, rec); err != nil {
		return pipeline.Result{}, err
	}
	return pipeline.Result{Keypoints: rec.Len(), Dim: rec.Dim}, nil
}

func (e *Extractor) sample(img image.Image) ([]types.Keypoint, []types.Patch, error) {
	kps, err := e.detector.Detect(img)
	if err != nil {
		return nil, nil, err
	}
	if e.sampler.Config().Boundary == cropper.BoundarySkip {
		kps = e.sampler.FilterInterior(img.Bounds(), kps)
	}
	patches, err := e.sampler.Sample(img, kps)
	if err != nil {
		return nil, nil, err
	}
	return kps, patches, nil
}

func (e *Extractor) encode(ctx context.Context, kps []types.Keypoint, patches []types.Patch) (*types.Record, error) {
	descs, err := e.encoder.Encode(ctx, patches)
	if err != nil {
		return nil, err
	}
	rec := &types.Record{Keypoints: kps, Descriptors: descs, Dim: e.encoder.Dim()}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return rec, nil
}

// saveOverlay writes the debug overlay; failures are logged and ignored
func (e *Extractor) saveOverlay(img image.Image, imagePath string, kps []types.Keypoint) {
	windows := make([]image.Rectangle, len(kps))
	for i, kp := range kps {
		windows[i] = e.sampler.Window(kp)
	}
	overlay := e.loader.CreateKeypointOverlay(img, kps, windows)

	path := filepath.Join(e.debugDir, utils.SourceName(imagePath)+".keypoints.jpg")
	if err := utils.EnsureDir(e.debugDir); err != nil {
		e.logger.Warn().Err(err).Str("dir", e.debugDir).Msg("cannot create debug directory")
		return
	}
	if err := e.loader.SaveImage(overlay, path, debugQuality); err != nil {
		e.logger.Warn().Err(err).Str("path", path).Msg("cannot save keypoint overlay")
	}
}

// GetVersion returns the library version
func GetVersion() string {
	return Version
}
