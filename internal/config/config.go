package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/menta2k/feature-extractor/pkg/cropper"
	"github.com/menta2k/feature-extractor/pkg/device"
	"github.com/menta2k/feature-extractor/pkg/pipeline"
	"github.com/menta2k/feature-extractor/pkg/vision"
)

// Config holds the application configuration
type Config struct {
	Detector DetectorConfig `yaml:"detector"`
	Sampler  SamplerConfig  `yaml:"sampler"`
	Encoder  EncoderConfig  `yaml:"encoder"`
	Output   OutputConfig   `yaml:"output"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Publish  PublishConfig  `yaml:"publish"`
	Log      LogConfig      `yaml:"log"`
}

// DetectorConfig holds configuration for keypoint detection
type DetectorConfig struct {
	Backend           string  `yaml:"backend"`
	MaxKeypoints      int     `yaml:"max_keypoints"`
	OctaveLayers      int     `yaml:"octave_layers"`
	ContrastThreshold float64 `yaml:"contrast_threshold"`
	EdgeThreshold     float64 `yaml:"edge_threshold"`
	Sigma             float64 `yaml:"sigma"`
	Upsample          bool    `yaml:"upsample"`
}

// SamplerConfig holds configuration for patch sampling
type SamplerConfig struct {
	HalfExtent int    `yaml:"half_extent"`
	PatchSize  int    `yaml:"patch_size"`
	Boundary   string `yaml:"boundary"`
}

// EncoderConfig holds configuration for the descriptor model
type EncoderConfig struct {
	ModelPath        string `yaml:"model_path"`
	Device           string `yaml:"device"`
	GPUID            int    `yaml:"gpu_id"`
	BatchSize        int    `yaml:"batch_size"`
	MemoryLimitBytes int64  `yaml:"memory_limit_bytes"`
}

// OutputConfig holds configuration for feature files
type OutputConfig struct {
	Suffix       string `yaml:"suffix"`
	Compress     bool   `yaml:"compress"`
	SkipExisting bool   `yaml:"skip_existing"`
	DebugDir     string `yaml:"debug_dir"`
}

// PipelineConfig holds configuration for the batch driver
type PipelineConfig struct {
	InputPath      string `yaml:"input_path"`
	ImageGlob      string `yaml:"image_glob"`
	PrepareWorkers int    `yaml:"prepare_workers"`
	EncodeWorkers  int    `yaml:"encode_workers"`
	QueueSize      int    `yaml:"queue_size"`
}

// PublishConfig holds configuration for uploading feature files
type PublishConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Secure    bool   `yaml:"secure"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration with default values
func Default() *Config {
	det := vision.DefaultConfig()
	smp := cropper.DefaultConfig()
	return &Config{
		Detector: DetectorConfig{
			Backend:           vision.BackendDoG,
			MaxKeypoints:      det.MaxKeypoints,
			OctaveLayers:      det.OctaveLayers,
			ContrastThreshold: det.ContrastThreshold,
			EdgeThreshold:     det.EdgeThreshold,
			Sigma:             det.Sigma,
			Upsample:          det.Upsample,
		},
		Sampler: SamplerConfig{
			HalfExtent: smp.HalfExtent,
			PatchSize:  smp.PatchSize,
			Boundary:   string(smp.Boundary),
		},
		Encoder: EncoderConfig{
			Device:    string(device.KindAuto),
			BatchSize: 1024,
		},
		Output: OutputConfig{
			Suffix: "sift-2000",
		},
		Pipeline: PipelineConfig{
			ImageGlob:      "*/*/images/*.jpg",
			PrepareWorkers: pipeline.DefaultPrepareWorkers(),
			EncodeWorkers:  1,
			QueueSize:      16,
		},
		Publish: PublishConfig{
			Secure: true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadFromFile loads configuration from a YAML file. Keys missing from the
// file keep their default values.
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Detector.Backend {
	case vision.BackendDoG, vision.BackendSIFT:
	default:
		return fmt.Errorf("detector.backend must be %q or %q", vision.BackendDoG, vision.BackendSIFT)
	}
	if err := c.VisionConfig().Validate(); err != nil {
		return fmt.Errorf("detector: %w", err)
	}

	if err := c.SamplerConfig().Validate(); err != nil {
		return fmt.Errorf("sampler: %w", err)
	}

	if _, err := device.ParseKind(c.Encoder.Device); err != nil {
		return fmt.Errorf("encoder.device: %w", err)
	}
	if c.Encoder.BatchSize < 1 {
		return fmt.Errorf("encoder.batch_size must be positive")
	}
	if c.Encoder.GPUID < 0 {
		return fmt.Errorf("encoder.gpu_id must be non-negative")
	}

	if c.Output.Suffix == "" || strings.ContainsAny(c.Output.Suffix, `/\`) {
		return fmt.Errorf("output.suffix must be a non-empty file name fragment")
	}

	if c.Pipeline.ImageGlob == "" {
		return fmt.Errorf("pipeline.image_glob cannot be empty")
	}
	if c.Pipeline.PrepareWorkers < 1 || c.Pipeline.EncodeWorkers < 1 {
		return fmt.Errorf("pipeline worker counts must be positive")
	}
	if c.Pipeline.QueueSize < 0 {
		return fmt.Errorf("pipeline.queue_size must be non-negative")
	}

	if c.Publish.Enabled && (c.Publish.Endpoint == "" || c.Publish.Bucket == "") {
		return fmt.Errorf("publish.endpoint and publish.bucket are required when publishing is enabled")
	}

	return nil
}

// VisionConfig converts the detector section
func (c *Config) VisionConfig() vision.DetectionConfig {
	return vision.DetectionConfig{
		MaxKeypoints:      c.Detector.MaxKeypoints,
		OctaveLayers:      c.Detector.OctaveLayers,
		ContrastThreshold: c.Detector.ContrastThreshold,
		EdgeThreshold:     c.Detector.EdgeThreshold,
		Sigma:             c.Detector.Sigma,
		Upsample:          c.Detector.Upsample,
	}
}

// SamplerConfig converts the sampler section
func (c *Config) SamplerConfig() cropper.SamplerConfig {
	return cropper.SamplerConfig{
		HalfExtent: c.Sampler.HalfExtent,
		PatchSize:  c.Sampler.PatchSize,
		Boundary:   cropper.Boundary(c.Sampler.Boundary),
	}
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.yaml"
	}
	return filepath.Join(home, ".config", "feature-extractor", "config.yaml")
}
