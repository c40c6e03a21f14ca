package model

import (
	"fmt"
	"math"

	"github.com/menta2k/feature-extractor/pkg/device"
)

const normEpsilon = 1e-8

// Forward runs batch flattened patches (row-major batch x InputLen) through the
// network on dev and returns the row-major batch x Dim descriptors in host memory.
// x is not modified and the model holds no state between calls.
func (m *Model) Forward(dev device.Device, x []float32, batch int) ([]float32, error) {
	in := m.InputLen()
	if len(x) != batch*in {
		return nil, fmt.Errorf("forward: input has %d values, expected %dx%d", len(x), batch, in)
	}
	if batch == 0 {
		return []float32{}, nil
	}

	h := make([]float32, len(x))
	copy(h, x)
	if m.InputNorm == NormStandardize {
		standardize(h, in)
	}

	for i, l := range m.Layers {
		out, err := dev.MatMulT(h, batch, l.In, l.Weight, l.Out)
		if err != nil {
			return nil, fmt.Errorf("forward layer %d on %s: %w", i, dev.Name(), err)
		}
		for r := 0; r < batch; r++ {
			row := out[r*l.Out : (r+1)*l.Out]
			for j := range row {
				v := row[j] + l.Bias[j]
				if l.Activation == ActivationReLU && v < 0 {
					v = 0
				}
				row[j] = v
			}
		}
		h = out
	}

	if m.L2Normalize {
		l2Normalize(h, m.Dim())
	}
	return h, nil
}

func standardize(x []float32, width int) {
	for off := 0; off < len(x); off += width {
		row := x[off : off+width]
		var sum float64
		for _, v := range row {
			sum += float64(v)
		}
		mean := sum / float64(width)
		var ss float64
		for _, v := range row {
			d := float64(v) - mean
			ss += d * d
		}
		inv := 1 / (math.Sqrt(ss/float64(width)) + normEpsilon)
		for i, v := range row {
			row[i] = float32((float64(v) - mean) * inv)
		}
	}
}

func l2Normalize(x []float32, width int) {
	for off := 0; off < len(x); off += width {
		row := x[off : off+width]
		var ss float64
		for _, v := range row {
			ss += float64(v) * float64(v)
		}
		if ss == 0 {
			continue
		}
		inv := 1 / math.Sqrt(ss)
		for i, v := range row {
			row[i] = float32(float64(v) * inv)
		}
	}
}
