// Package vision detects scale and orientation invariant keypoints.
//
// The default backend is a pure Go difference-of-Gaussians detector in the
// style of SIFT. An OpenCV backend is available with the "gocv" build tag.
package vision

import (
	"fmt"
	"image"
	"math"
	"sort"

	"github.com/menta2k/feature-extractor/pkg/types"
)

// Detector locates keypoints in a single image
type Detector interface {
	// Detect returns at most the configured number of keypoints, strongest first,
	// each strictly inside the image bounds
	Detect(img image.Image) ([]types.Keypoint, error)
}

const (
	// BackendDoG is the built-in difference-of-Gaussians detector
	BackendDoG = "dog"
	// BackendSIFT is OpenCV's SIFT detector (requires the gocv build tag)
	BackendSIFT = "sift"
)

// DetectionConfig holds configuration for keypoint detection
type DetectionConfig struct {
	// MaxKeypoints caps the number of keypoints returned, 0 means unlimited
	MaxKeypoints int
	// OctaveLayers is the number of scale layers per octave
	OctaveLayers int
	// ContrastThreshold rejects weak extrema; permissive values keep almost everything
	ContrastThreshold float64
	// EdgeThreshold rejects edge-like extrema by their principal curvature ratio
	EdgeThreshold float64
	// Sigma is the blur of the first scale layer
	Sigma float64
	// Upsample doubles the image before building the scale space
	Upsample bool
}

// DefaultConfig returns the reference detector configuration
func DefaultConfig() DetectionConfig {
	return DetectionConfig{
		MaxKeypoints:      2000,
		OctaveLayers:      3,
		ContrastThreshold: 1e-5,
		EdgeThreshold:     10,
		Sigma:             1.6,
		Upsample:          true,
	}
}

// Validate checks the configuration
func (c DetectionConfig) Validate() error {
	if c.MaxKeypoints < 0 {
		return fmt.Errorf("max keypoints must be non-negative, got %d", c.MaxKeypoints)
	}
	if c.OctaveLayers < 1 {
		return fmt.Errorf("octave layers must be at least 1, got %d", c.OctaveLayers)
	}
	if c.ContrastThreshold < 0 {
		return fmt.Errorf("contrast threshold must be non-negative, got %g", c.ContrastThreshold)
	}
	if c.EdgeThreshold <= 0 {
		return fmt.Errorf("edge threshold must be positive, got %g", c.EdgeThreshold)
	}
	if c.Sigma <= 0 {
		return fmt.Errorf("sigma must be positive, got %g", c.Sigma)
	}
	return nil
}

// NewBackend creates the detector named by backend
func NewBackend(backend string, config DetectionConfig) (Detector, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	switch backend {
	case "", BackendDoG:
		return NewWithConfig(config), nil
	case BackendSIFT:
		return newSIFT(config)
	default:
		return nil, fmt.Errorf("unknown detector backend %q", backend)
	}
}

// KeypointDetector is the built-in difference-of-Gaussians detector.
// It holds only configuration and is safe for concurrent use.
type KeypointDetector struct {
	config DetectionConfig
}

// New creates a new KeypointDetector with default configuration
func New() *KeypointDetector {
	return &KeypointDetector{config: DefaultConfig()}
}

// NewWithConfig creates a new KeypointDetector with custom configuration
func NewWithConfig(config DetectionConfig) *KeypointDetector {
	return &KeypointDetector{config: config}
}

// Config returns the detector configuration
func (d *KeypointDetector) Config() DetectionConfig {
	return d.config
}

// Detect finds keypoints in img. An empty image is a *types.DecodeError; an image
// without features yields an empty slice.
func (d *KeypointDetector) Detect(img image.Image) ([]types.Keypoint, error) {
	if err := checkImage(img); err != nil {
		return nil, err
	}

	ss := newScaleSpace(toPlane(img), d.config)
	candidates := ss.findKeypoints(d.config)

	bounds := img.Bounds()
	return finalize(candidates, bounds.Dx(), bounds.Dy(), d.config.MaxKeypoints), nil
}

func checkImage(img image.Image) error {
	if img == nil || img.Bounds().Empty() {
		return types.NewDecodeError("", types.ErrEmptyImage)
	}
	return nil
}

// candidate is a keypoint with its detector response, in generation order
type candidate struct {
	kp       types.Keypoint
	response float64
}

// finalize drops keypoints outside [0,w)x[0,h), orders the rest by response
// (ties keep generation order), removes exact duplicates and applies the cap
func finalize(cands []candidate, w, h, limit int) []types.Keypoint {
	kept := cands[:0]
	for _, c := range cands {
		if c.kp.X >= 0 && c.kp.Y >= 0 && c.kp.X < float64(w) && c.kp.Y < float64(h) &&
			!math.IsNaN(c.kp.Scale) && !math.IsNaN(c.kp.Orientation) {
			kept = append(kept, c)
		}
	}

	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].response > kept[j].response
	})

	seen := make(map[types.Keypoint]struct{}, len(kept))
	out := make([]types.Keypoint, 0, len(kept))
	for _, c := range kept {
		if _, dup := seen[c.kp]; dup {
			continue
		}
		seen[c.kp] = struct{}{}
		out = append(out, c.kp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}
