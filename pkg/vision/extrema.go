package vision

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/menta2k/feature-extractor/pkg/types"
)

const (
	imageBorder      = 5
	maxInterpSteps   = 5
	orientationBins  = 36
	orientationPeak  = 0.8
	orientationSigma = 1.5
	orientationScale = 3 * orientationSigma
)

// findKeypoints builds the octaves in turn and scans every DoG layer for refined,
// oriented extrema. Candidates come out in octave, layer, row, column order.
func (ss *scaleSpace) findKeypoints(cfg DetectionConfig) []candidate {
	nl := cfg.OctaveLayers
	threshold := float32(0.5 * cfg.ContrastThreshold / float64(nl))

	var out []candidate
	for o := 0; o < ss.octaves(); o++ {
		if !ss.buildOctave(o) {
			break
		}
		dogs := ss.dog[o]
		w, h := dogs[0].w, dogs[0].h
		for layer := 1; layer <= nl; layer++ {
			prev, cur, next := dogs[layer-1], dogs[layer], dogs[layer+1]
			for r := imageBorder; r < h-imageBorder; r++ {
				for c := imageBorder; c < w-imageBorder; c++ {
					v := cur.at(c, r)
					if abs32(v) <= threshold || !isExtremum(v, c, r, prev, cur, next) {
						continue
					}
					kp, ok := ss.refine(o, layer, c, r, cfg)
					if !ok {
						continue
					}
					out = append(out, ss.orient(kp)...)
				}
			}
		}
	}
	return out
}

func isExtremum(v float32, c, r int, planes ...*plane) bool {
	for _, p := range planes {
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				n := p.at(c+dx, r+dy)
				if v > 0 && n > v {
					return false
				}
				if v < 0 && n < v {
					return false
				}
			}
		}
	}
	return true
}

// located is a refined extremum in octave coordinates
type located struct {
	octave   int
	layer    int
	c, r     int
	xc, xr   float64
	xi       float64
	response float64
}

// refine fits a quadratic to the DoG around (c, r, layer), moving the sample
// point until the offset is below half a pixel, then applies contrast and edge tests
func (ss *scaleSpace) refine(o, layer, c, r int, cfg DetectionConfig) (located, bool) {
	nl := cfg.OctaveLayers
	dogs := ss.dog[o]
	w, h := dogs[0].w, dogs[0].h

	var xc, xr, xi float64
	converged := false
	for step := 0; step < maxInterpSteps; step++ {
		g, hess := derivatives(dogs, layer, c, r)
		if math.Abs(det3(hess)) < 1e-30 {
			return located{}, false
		}

		var x mat.VecDense
		if err := x.SolveVec(mat.NewDense(3, 3, hess[:]), mat.NewVecDense(3, g[:])); err != nil {
			return located{}, false
		}
		xc, xr, xi = -x.AtVec(0), -x.AtVec(1), -x.AtVec(2)

		if math.Abs(xc) < 0.5 && math.Abs(xr) < 0.5 && math.Abs(xi) < 0.5 {
			converged = true
			break
		}
		const limit = float64(math.MaxInt32 / 3)
		if math.Abs(xc) > limit || math.Abs(xr) > limit || math.Abs(xi) > limit {
			return located{}, false
		}

		c += int(math.Round(xc))
		r += int(math.Round(xr))
		layer += int(math.Round(xi))
		if layer < 1 || layer > nl || c < imageBorder || c >= w-imageBorder || r < imageBorder || r >= h-imageBorder {
			return located{}, false
		}
	}
	if !converged {
		return located{}, false
	}

	g, hess := derivatives(dogs, layer, c, r)
	t := g[0]*xc + g[1]*xr + g[2]*xi
	contr := float64(dogs[layer].at(c, r)) + 0.5*t
	if math.Abs(contr)*float64(nl) < cfg.ContrastThreshold {
		return located{}, false
	}

	dxx, dyy, dxy := hess[0], hess[4], hess[1]
	tr := dxx + dyy
	det := dxx*dyy - dxy*dxy
	edge := cfg.EdgeThreshold
	if det <= 0 || tr*tr*edge >= (edge+1)*(edge+1)*det {
		return located{}, false
	}

	return located{octave: o, layer: layer, c: c, r: r, xc: xc, xr: xr, xi: xi, response: math.Abs(contr)}, true
}

// derivatives returns the gradient (dx, dy, ds) and the row-major 3x3 Hessian
// of the DoG at (c, r, layer) by central differences
func derivatives(dogs []*plane, layer, c, r int) ([3]float64, [9]float64) {
	prev, cur, next := dogs[layer-1], dogs[layer], dogs[layer+1]
	at := func(p *plane, x, y int) float64 { return float64(p.at(x, y)) }

	v2 := 2 * at(cur, c, r)
	g := [3]float64{
		0.5 * (at(cur, c+1, r) - at(cur, c-1, r)),
		0.5 * (at(cur, c, r+1) - at(cur, c, r-1)),
		0.5 * (at(next, c, r) - at(prev, c, r)),
	}

	dxx := at(cur, c+1, r) + at(cur, c-1, r) - v2
	dyy := at(cur, c, r+1) + at(cur, c, r-1) - v2
	dss := at(next, c, r) + at(prev, c, r) - v2
	dxy := 0.25 * (at(cur, c+1, r+1) - at(cur, c-1, r+1) - at(cur, c+1, r-1) + at(cur, c-1, r-1))
	dxs := 0.25 * (at(next, c+1, r) - at(next, c-1, r) - at(prev, c+1, r) + at(prev, c-1, r))
	dys := 0.25 * (at(next, c, r+1) - at(next, c, r-1) - at(prev, c, r+1) + at(prev, c, r-1))

	return g, [9]float64{
		dxx, dxy, dxs,
		dxy, dyy, dys,
		dxs, dys, dss,
	}
}

// orient assigns one keypoint per dominant gradient direction around loc and
// converts it to input image coordinates
func (ss *scaleSpace) orient(loc located) []candidate {
	nl := float64(len(ss.dog[loc.octave]) - 2)
	octScale := math.Exp2(float64(loc.octave))

	x := (float64(loc.c) + loc.xc) * octScale
	y := (float64(loc.r) + loc.xr) * octScale
	size := ss.sigma * math.Exp2((float64(loc.layer)+loc.xi)/nl) * octScale * 2

	hist := orientationHistogram(ss.gauss[loc.octave][loc.layer], loc.c, loc.r, size*0.5/octScale)
	var maxv float64
	for _, v := range hist {
		maxv = math.Max(maxv, v)
	}

	if ss.upsampled {
		x, y, size = x*0.5, y*0.5, size*0.5
	}

	var out []candidate
	n := len(hist)
	for i := 0; i < n; i++ {
		l, r := hist[(i+n-1)%n], hist[(i+1)%n]
		if !(hist[i] > l && hist[i] > r && hist[i] >= orientationPeak*maxv) {
			continue
		}
		bin := float64(i) + 0.5*(l-r)/(l-2*hist[i]+r)
		if bin < 0 {
			bin += float64(n)
		} else if bin >= float64(n) {
			bin -= float64(n)
		}
		angle := 360 - 360/float64(n)*bin
		if math.Abs(angle-360) < 1e-6 {
			angle = 0
		}
		out = append(out, candidate{
			kp:       types.Keypoint{X: x, Y: y, Scale: size, Orientation: angle},
			response: loc.response,
		})
	}
	return out
}

// orientationHistogram accumulates a smoothed, Gaussian weighted histogram of
// gradient directions around (c, r) for a keypoint of octave scale scl
func orientationHistogram(img *plane, c, r int, scl float64) []float64 {
	n := orientationBins
	radius := int(math.Round(orientationScale * scl))
	weightSigma := orientationSigma * scl
	expScale := -1 / (2 * weightSigma * weightSigma)

	raw := make([]float64, n)
	for i := -radius; i <= radius; i++ {
		y := r + i
		if y <= 0 || y >= img.h-1 {
			continue
		}
		for j := -radius; j <= radius; j++ {
			x := c + j
			if x <= 0 || x >= img.w-1 {
				continue
			}
			dx := float64(img.at(x+1, y) - img.at(x-1, y))
			dy := float64(img.at(x, y-1) - img.at(x, y+1))

			weight := math.Exp(float64(i*i+j*j) * expScale)
			mag := math.Hypot(dx, dy)
			ori := math.Atan2(dy, dx) * 180 / math.Pi
			if ori < 0 {
				ori += 360
			}
			bin := int(math.Round(float64(n) / 360 * ori))
			if bin >= n {
				bin -= n
			}
			if bin < 0 {
				bin += n
			}
			raw[bin] += weight * mag
		}
	}

	hist := make([]float64, n)
	for i := 0; i < n; i++ {
		hist[i] = (raw[(i+n-2)%n]+raw[(i+2)%n])*(1.0/16) +
			(raw[(i+n-1)%n]+raw[(i+1)%n])*(4.0/16) +
			raw[i]*(6.0/16)
	}
	return hist
}

func det3(m [9]float64) float64 {
	return m[0]*(m[4]*m[8]-m[5]*m[7]) - m[1]*(m[3]*m[8]-m[5]*m[6]) + m[2]*(m[3]*m[7]-m[4]*m[6])
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}
