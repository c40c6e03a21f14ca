package vision

import (
	"image"
	"math"

	"github.com/disintegration/imaging"
)

// plane is a single-channel float32 raster with values in [0, 1]
type plane struct {
	w, h int
	pix  []float32
}

func newPlane(w, h int) *plane {
	return &plane{w: w, h: h, pix: make([]float32, w*h)}
}

func (p *plane) at(x, y int) float32 {
	return p.pix[y*p.w+x]
}

// toPlane converts img to luminance using the same weights as imaging.Grayscale
func toPlane(img image.Image) *plane {
	gray := imaging.Grayscale(img)
	b := gray.Bounds()
	p := newPlane(b.Dx(), b.Dy())
	for y := 0; y < p.h; y++ {
		row := gray.Pix[y*gray.Stride:]
		for x := 0; x < p.w; x++ {
			p.pix[y*p.w+x] = float32(row[x*4]) / 255
		}
	}
	return p
}

// upsample2x doubles p with bilinear interpolation, pixel centers aligned
func upsample2x(p *plane) *plane {
	out := newPlane(p.w*2, p.h*2)
	for y := 0; y < out.h; y++ {
		sy := (float64(y)+0.5)/2 - 0.5
		y0, fy := splitCoord(sy, p.h)
		y1 := min(y0+1, p.h-1)
		for x := 0; x < out.w; x++ {
			sx := (float64(x)+0.5)/2 - 0.5
			x0, fx := splitCoord(sx, p.w)
			x1 := min(x0+1, p.w-1)

			top := float64(p.at(x0, y0))*(1-fx) + float64(p.at(x1, y0))*fx
			bot := float64(p.at(x0, y1))*(1-fx) + float64(p.at(x1, y1))*fx
			out.pix[y*out.w+x] = float32(top*(1-fy) + bot*fy)
		}
	}
	return out
}

func splitCoord(s float64, n int) (int, float64) {
	if s <= 0 {
		return 0, 0
	}
	i := int(s)
	if i >= n-1 {
		return n - 1, 0
	}
	return i, s - float64(i)
}

// downsample2x keeps every second pixel
func downsample2x(p *plane) *plane {
	out := newPlane(p.w/2, p.h/2)
	for y := 0; y < out.h; y++ {
		for x := 0; x < out.w; x++ {
			out.pix[y*out.w+x] = p.at(2*x, 2*y)
		}
	}
	return out
}

// reflect101 maps i into [0, n) mirroring around the edge pixels (dcb|abcd|cba)
func reflect101(i, n int) int {
	if n == 1 {
		return 0
	}
	for i < 0 || i >= n {
		if i < 0 {
			i = -i
		}
		if i >= n {
			i = 2*n - 2 - i
		}
	}
	return i
}

func gaussianKernel(sigma float64) []float32 {
	radius := int(math.Round(sigma * 4))
	if radius < 1 {
		radius = 1
	}
	k := make([]float64, 2*radius+1)
	var sum float64
	for i := range k {
		d := float64(i - radius)
		k[i] = math.Exp(-d * d / (2 * sigma * sigma))
		sum += k[i]
	}
	out := make([]float32, len(k))
	for i := range k {
		out[i] = float32(k[i] / sum)
	}
	return out
}

// blur applies a separable Gaussian with reflect-101 borders. scratch holds the
// horizontal pass when it matches p's size.
func blur(p *plane, sigma float64, scratch *plane) *plane {
	k := gaussianKernel(sigma)
	r := len(k) / 2

	tmp := scratch
	if tmp == nil || tmp.w != p.w || tmp.h != p.h {
		tmp = newPlane(p.w, p.h)
	}
	for y := 0; y < p.h; y++ {
		row := p.pix[y*p.w : (y+1)*p.w]
		for x := 0; x < p.w; x++ {
			var s float32
			for i, kv := range k {
				s += kv * row[reflect101(x+i-r, p.w)]
			}
			tmp.pix[y*p.w+x] = s
		}
	}

	out := newPlane(p.w, p.h)
	for y := 0; y < p.h; y++ {
		for x := 0; x < p.w; x++ {
			var s float32
			for i, kv := range k {
				s += kv * tmp.pix[reflect101(y+i-r, p.h)*p.w+x]
			}
			out.pix[y*p.w+x] = s
		}
	}
	return out
}

func subtract(a, b *plane) *plane {
	out := newPlane(a.w, a.h)
	for i := range out.pix {
		out.pix[i] = a.pix[i] - b.pix[i]
	}
	return out
}

// scaleSpace holds the Gaussian and difference-of-Gaussians pyramids. Octaves
// are built one at a time by buildOctave, which releases the previous octave, so
// at most one octave is resident. gauss[o] has layers+3 images, dog[o] has layers+2.
type scaleSpace struct {
	gauss     [][]*plane
	dog       [][]*plane
	base      *plane
	blurs     []float64
	scratch   *plane
	layers    int
	sigma     float64
	upsampled bool
}

// minOctaveSide keeps octaves large enough to hold an extremum past the border
const minOctaveSide = 2*imageBorder + 3

// newScaleSpace prepares the blurred base image and the per-layer blur schedule
func newScaleSpace(src *plane, cfg DetectionConfig) *scaleSpace {
	nl := cfg.OctaveLayers
	ss := &scaleSpace{layers: nl, sigma: cfg.Sigma, upsampled: cfg.Upsample}

	base := src
	assumed := 0.5
	if cfg.Upsample {
		base = upsample2x(src)
		assumed = 1.0
	}
	ss.base = blur(base, math.Sqrt(math.Max(cfg.Sigma*cfg.Sigma-assumed*assumed, 0.01)), nil)

	octaves := int(math.Round(math.Log2(float64(min(ss.base.w, ss.base.h))))) - 2
	if octaves < 1 {
		octaves = 1
	}
	ss.gauss = make([][]*plane, octaves)
	ss.dog = make([][]*plane, octaves)

	// incremental blur between consecutive layers
	ss.blurs = make([]float64, nl+3)
	ss.blurs[0] = cfg.Sigma
	k := math.Pow(2, 1/float64(nl))
	for i := 1; i < nl+3; i++ {
		prev := math.Pow(k, float64(i-1)) * cfg.Sigma
		total := prev * k
		ss.blurs[i] = math.Sqrt(total*total - prev*prev)
	}
	return ss
}

// octaves is the number of octaves the image supports at most
func (ss *scaleSpace) octaves() int {
	return len(ss.gauss)
}

// buildOctave builds octave o from the base image or from octave o-1, then
// drops octave o-1. It reports false when the octave would be too small.
func (ss *scaleSpace) buildOctave(o int) bool {
	nl := ss.layers
	var first *plane
	if o == 0 {
		first = ss.base
		ss.base = nil
	} else {
		first = downsample2x(ss.gauss[o-1][nl])
		ss.gauss[o-1], ss.dog[o-1] = nil, nil
	}
	if first.w < minOctaveSide || first.h < minOctaveSide {
		return false
	}

	if ss.scratch == nil || ss.scratch.w != first.w || ss.scratch.h != first.h {
		ss.scratch = newPlane(first.w, first.h)
	}
	layers := make([]*plane, nl+3)
	layers[0] = first
	for i := 1; i < nl+3; i++ {
		layers[i] = blur(layers[i-1], ss.blurs[i], ss.scratch)
	}
	dogs := make([]*plane, nl+2)
	for i := range dogs {
		dogs[i] = subtract(layers[i+1], layers[i])
	}
	ss.gauss[o] = layers
	ss.dog[o] = dogs
	return true
}
