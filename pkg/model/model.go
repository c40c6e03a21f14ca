// Package model defines the descriptor network artifact and its forward pass.
//
// A model is a stack of fully connected layers mapping a flattened
// InputSize x InputSize patch to a fixed-length descriptor. It is stored as a
// zip archive (readable with numpy.load) holding a model.json manifest and one
// weight/bias .npy pair per layer.
package model

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
)

// Version is the only manifest version this package reads and writes
const Version = "patchnet.v1"

// Activation is applied after a layer's affine transform
type Activation string

const (
	ActivationLinear Activation = "linear"
	ActivationReLU   Activation = "relu"
)

// InputNorm selects how patch pixels are normalized before the first layer
type InputNorm string

const (
	// NormUnit feeds the [0,1] pixel values unchanged
	NormUnit InputNorm = "unit"
	// NormStandardize subtracts the per-patch mean and divides by its standard deviation
	NormStandardize InputNorm = "standardize"
)

// ErrInvalidModel is wrapped by every validation failure
var ErrInvalidModel = errors.New("invalid model")

// LayerSpec describes one layer in the manifest
type LayerSpec struct {
	In         int        `json:"in"`
	Out        int        `json:"out"`
	Activation Activation `json:"activation"`
}

// Manifest is the model.json document
type Manifest struct {
	Version     string      `json:"version"`
	Name        string      `json:"name,omitempty"`
	InputSize   int         `json:"input_size"`
	InputNorm   InputNorm   `json:"input_norm"`
	L2Normalize bool        `json:"l2_normalize"`
	Layers      []LayerSpec `json:"layers"`
}

// Layer holds the parameters of one fully connected layer.
// Weight is row-major Out x In.
type Layer struct {
	LayerSpec
	Weight []float32
	Bias   []float32
}

// Model is an immutable descriptor network. It is safe for concurrent use.
type Model struct {
	Name        string
	InputSize   int
	InputNorm   InputNorm
	L2Normalize bool
	Layers      []Layer
}

// InputLen is the flattened length of one input patch
func (m *Model) InputLen() int { return m.InputSize * m.InputSize }

// Dim is the descriptor length
func (m *Model) Dim() int {
	if len(m.Layers) == 0 {
		return 0
	}
	return m.Layers[len(m.Layers)-1].Out
}

// ActivationBytes estimates the working memory of a forward pass over batch inputs
func (m *Model) ActivationBytes(batch int) int64 {
	floats := int64(m.InputLen())
	for _, l := range m.Layers {
		floats += int64(l.Out)
	}
	return 4 * int64(batch) * floats
}

// ParameterBytes is the size of all weights and biases
func (m *Model) ParameterBytes() int64 {
	var n int64
	for _, l := range m.Layers {
		n += int64(len(l.Weight) + len(l.Bias))
	}
	return 4 * n
}

// Manifest returns the manifest describing m
func (m *Model) Manifest() Manifest {
	specs := make([]LayerSpec, len(m.Layers))
	for i, l := range m.Layers {
		specs[i] = l.LayerSpec
	}
	return Manifest{
		Version:     Version,
		Name:        m.Name,
		InputSize:   m.InputSize,
		InputNorm:   m.InputNorm,
		L2Normalize: m.L2Normalize,
		Layers:      specs,
	}
}

// Validate checks that the layer dimensions chain from InputLen to Dim and
// that every parameter slice has the declared size
func (m *Model) Validate() error {
	if m.InputSize <= 0 {
		return fmt.Errorf("%w: input size %d", ErrInvalidModel, m.InputSize)
	}
	switch m.InputNorm {
	case NormUnit, NormStandardize:
	default:
		return fmt.Errorf("%w: unknown input norm %q", ErrInvalidModel, m.InputNorm)
	}
	if len(m.Layers) == 0 {
		return fmt.Errorf("%w: no layers", ErrInvalidModel)
	}

	in := m.InputLen()
	for i, l := range m.Layers {
		if l.In != in {
			return fmt.Errorf("%w: layer %d expects %d inputs, previous layer produces %d", ErrInvalidModel, i, l.In, in)
		}
		if l.Out <= 0 {
			return fmt.Errorf("%w: layer %d has %d outputs", ErrInvalidModel, i, l.Out)
		}
		if len(l.Weight) != l.In*l.Out {
			return fmt.Errorf("%w: layer %d weight has %d values, expected %dx%d", ErrInvalidModel, i, len(l.Weight), l.Out, l.In)
		}
		if len(l.Bias) != l.Out {
			return fmt.Errorf("%w: layer %d bias has %d values, expected %d", ErrInvalidModel, i, len(l.Bias), l.Out)
		}
		switch l.Activation {
		case ActivationLinear, ActivationReLU:
		default:
			return fmt.Errorf("%w: layer %d has unknown activation %q", ErrInvalidModel, i, l.Activation)
		}
		in = l.Out
	}
	return nil
}

// NewRandomProjection builds a deterministic single-layer projection from
// inputSize x inputSize patches to dim-length unit descriptors. Weights are
// Gaussian with variance 1/In, so descriptors of standardized patches behave like
// a random-features summary of patch appearance.
func NewRandomProjection(inputSize, dim int, seed int64) *Model {
	r := rand.New(rand.NewSource(seed))
	in := inputSize * inputSize
	scale := 1 / math.Sqrt(float64(in))

	w := make([]float32, dim*in)
	for i := range w {
		w[i] = float32(r.NormFloat64() * scale)
	}

	return &Model{
		Name:        fmt.Sprintf("random-projection-%d-seed%d", dim, seed),
		InputSize:   inputSize,
		InputNorm:   NormStandardize,
		L2Normalize: true,
		Layers: []Layer{{
			LayerSpec: LayerSpec{In: in, Out: dim, Activation: ActivationLinear},
			Weight:    w,
			Bias:      make([]float32, dim),
		}},
	}
}
