// Package cropper carves fixed-size, normalized grayscale patches around keypoints.
package cropper

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"

	"github.com/menta2k/feature-extractor/pkg/types"
)

// Boundary selects how crop windows that leave the raster are handled
type Boundary string

const (
	// BoundaryZero reads pixels outside the raster as black
	BoundaryZero Boundary = "zero"
	// BoundaryReplicate reads pixels outside the raster as the nearest edge pixel
	BoundaryReplicate Boundary = "replicate"
	// BoundarySkip drops keypoints whose window leaves the raster, see FilterInterior
	BoundarySkip Boundary = "skip"
)

// SamplerConfig holds configuration for patch sampling
type SamplerConfig struct {
	// HalfExtent is half the side of the square source window
	HalfExtent int
	// PatchSize is the side of the output patch
	PatchSize int
	Boundary  Boundary
}

// DefaultConfig returns 64x64 source windows resized to 32x32 with zero padding
func DefaultConfig() SamplerConfig {
	return SamplerConfig{
		HalfExtent: 32,
		PatchSize:  32,
		Boundary:   BoundaryZero,
	}
}

// Validate checks the configuration
func (c SamplerConfig) Validate() error {
	if c.HalfExtent <= 0 {
		return fmt.Errorf("half extent must be positive, got %d", c.HalfExtent)
	}
	if c.PatchSize <= 0 {
		return fmt.Errorf("patch size must be positive, got %d", c.PatchSize)
	}
	switch c.Boundary {
	case BoundaryZero, BoundaryReplicate, BoundarySkip:
	default:
		return fmt.Errorf("unknown boundary policy %q", c.Boundary)
	}
	return nil
}

// PatchSampler extracts model input patches. It is safe for concurrent use.
type PatchSampler struct {
	config SamplerConfig
}

// New creates a new PatchSampler with default configuration
func New() *PatchSampler {
	return &PatchSampler{config: DefaultConfig()}
}

// NewWithConfig creates a new PatchSampler with custom configuration
func NewWithConfig(config SamplerConfig) *PatchSampler {
	return &PatchSampler{config: config}
}

// Config returns the sampler configuration
func (s *PatchSampler) Config() SamplerConfig {
	return s.config
}

// Window returns the source crop window for kp. The window is axis-aligned with a
// fixed side of 2*HalfExtent regardless of the keypoint's scale and orientation;
// its corner is rounded half to even.
func (s *PatchSampler) Window(kp types.Keypoint) image.Rectangle {
	side := 2 * s.config.HalfExtent
	x0 := int(math.RoundToEven(kp.X - float64(s.config.HalfExtent)))
	y0 := int(math.RoundToEven(kp.Y - float64(s.config.HalfExtent)))
	return image.Rect(x0, y0, x0+side, y0+side)
}

// FilterInterior returns the keypoints whose window lies entirely inside bounds,
// in their original order
func (s *PatchSampler) FilterInterior(bounds image.Rectangle, kps []types.Keypoint) []types.Keypoint {
	bounds = bounds.Sub(bounds.Min)
	out := make([]types.Keypoint, 0, len(kps))
	for _, kp := range kps {
		if s.Window(kp).In(bounds) {
			out = append(out, kp)
		}
	}
	return out
}

// Sample returns one patch per keypoint in keypoint order. Pixel values are
// luminance scaled to [0, 1]. With BoundarySkip every window must lie inside the
// image; callers drop the others with FilterInterior first.
func (s *PatchSampler) Sample(img image.Image, kps []types.Keypoint) ([]types.Patch, error) {
	if len(kps) == 0 {
		return []types.Patch{}, nil
	}
	if img == nil || img.Bounds().Empty() {
		return nil, types.NewDecodeError("", types.ErrEmptyImage)
	}

	gray := imaging.Grayscale(img)
	patches := make([]types.Patch, len(kps))
	for i, kp := range kps {
		win := s.Window(kp)

		var crop *image.NRGBA
		switch s.config.Boundary {
		case BoundaryReplicate:
			crop = cropReplicate(gray, win)
		case BoundarySkip:
			if !win.In(gray.Bounds()) {
				return nil, fmt.Errorf("keypoint %d at (%.1f, %.1f): window %v leaves the image", i, kp.X, kp.Y, win)
			}
			crop = imaging.Crop(gray, win)
		default:
			crop = cropZero(gray, win)
		}

		patches[i] = toPatch(imaging.Resize(crop, s.config.PatchSize, s.config.PatchSize, imaging.Linear))
	}
	return patches, nil
}

// cropZero copies the part of win inside src onto a black canvas
func cropZero(src *image.NRGBA, win image.Rectangle) *image.NRGBA {
	inter := win.Intersect(src.Bounds())
	if inter == win {
		return imaging.Crop(src, win)
	}
	canvas := imaging.New(win.Dx(), win.Dy(), color.Black)
	if inter.Empty() {
		return canvas
	}
	return imaging.Paste(canvas, imaging.Crop(src, inter), inter.Min.Sub(win.Min))
}

// cropReplicate samples win from src with coordinates clamped to the raster
func cropReplicate(src *image.NRGBA, win image.Rectangle) *image.NRGBA {
	b := src.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, win.Dx(), win.Dy()))
	for y := 0; y < win.Dy(); y++ {
		sy := clamp(win.Min.Y+y, b.Min.Y, b.Max.Y-1)
		for x := 0; x < win.Dx(); x++ {
			sx := clamp(win.Min.X+x, b.Min.X, b.Max.X-1)
			si := src.PixOffset(sx, sy)
			di := dst.PixOffset(x, y)
			copy(dst.Pix[di:di+4], src.Pix[si:si+4])
		}
	}
	return dst
}

func toPatch(img *image.NRGBA) types.Patch {
	size := img.Bounds().Dx()
	data := make([]float32, size*size)
	for y := 0; y < size; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < size; x++ {
			data[y*size+x] = float32(row[x*4]) / 255
		}
	}
	return types.Patch{Size: size, Data: data}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
