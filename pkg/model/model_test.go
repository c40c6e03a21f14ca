package model

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/feature-extractor/pkg/device"
	"github.com/menta2k/feature-extractor/pkg/types"
)

// tinyModel maps 2x2 patches through a 4->3 relu layer and a 3->2 linear layer
func tinyModel() *Model {
	return &Model{
		Name:      "tiny",
		InputSize: 2,
		InputNorm: NormUnit,
		Layers: []Layer{
			{
				LayerSpec: LayerSpec{In: 4, Out: 3, Activation: ActivationReLU},
				Weight: []float32{
					1, 0, 0, 0,
					0, 1, 0, 0,
					-1, -1, -1, -1,
				},
				Bias: []float32{0, 0.5, 0},
			},
			{
				LayerSpec: LayerSpec{In: 3, Out: 2, Activation: ActivationLinear},
				Weight: []float32{
					1, 1, 1,
					2, 0, -1,
				},
				Bias: []float32{0, 1},
			},
		},
	}
}

func TestForwardTiny(t *testing.T) {
	m := tinyModel()
	require.NoError(t, m.Validate())

	x := []float32{
		1, 2, 3, 4,
		0, 0, 0, 0,
	}
	out, err := m.Forward(device.NewCPU(), x, 2)
	require.NoError(t, err)

	// row 0: hidden = relu(1, 2.5, -10) = (1, 2.5, 0); out = (3.5, 3)
	// row 1: hidden = relu(0, 0.5, 0) = (0, 0.5, 0); out = (0.5, 1)
	want := []float32{3.5, 3, 0.5, 1}
	require.Len(t, out, len(want))
	for i := range want {
		assert.InDelta(t, want[i], out[i], 1e-6)
	}
	assert.Equal(t, []float32{1, 2, 3, 4, 0, 0, 0, 0}, x, "input must not be modified")
}

func TestForwardEmptyBatch(t *testing.T) {
	out, err := tinyModel().Forward(device.NewCPU(), nil, 0)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestForwardBadInput(t *testing.T) {
	_, err := tinyModel().Forward(device.NewCPU(), []float32{1, 2, 3}, 1)
	require.Error(t, err)
}

func TestRandomProjection(t *testing.T) {
	m := NewRandomProjection(32, 128, 1)
	require.NoError(t, m.Validate())
	assert.Equal(t, 128, m.Dim())
	assert.Equal(t, 1024, m.InputLen())

	again := NewRandomProjection(32, 128, 1)
	assert.Equal(t, m.Layers[0].Weight, again.Layers[0].Weight)

	other := NewRandomProjection(32, 128, 2)
	assert.NotEqual(t, m.Layers[0].Weight, other.Layers[0].Weight)

	x := make([]float32, 3*m.InputLen())
	for i := range x {
		x[i] = float32(i%37) / 37
	}
	out, err := m.Forward(device.NewCPU(), x, 3)
	require.NoError(t, err)
	require.Len(t, out, 3*128)
	for r := 0; r < 3; r++ {
		var ss float64
		for _, v := range out[r*128 : (r+1)*128] {
			ss += float64(v) * float64(v)
		}
		assert.InDelta(t, 1, math.Sqrt(ss), 1e-4)
	}
}

func TestStandardizeConstantPatch(t *testing.T) {
	m := NewRandomProjection(4, 8, 3)
	x := make([]float32, m.InputLen())
	for i := range x {
		x[i] = 0.5
	}
	out, err := m.Forward(device.NewCPU(), x, 1)
	require.NoError(t, err)
	for _, v := range out {
		assert.False(t, math.IsNaN(float64(v)))
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models", "tiny.npz")
	m := tinyModel()
	m.L2Normalize = true
	require.NoError(t, m.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, m.Name, loaded.Name)
	assert.Equal(t, m.InputSize, loaded.InputSize)
	assert.Equal(t, m.InputNorm, loaded.InputNorm)
	assert.True(t, loaded.L2Normalize)
	require.Len(t, loaded.Layers, 2)
	for i := range m.Layers {
		assert.Equal(t, m.Layers[i].LayerSpec, loaded.Layers[i].LayerSpec)
		assert.Equal(t, m.Layers[i].Weight, loaded.Layers[i].Weight)
		assert.Equal(t, m.Layers[i].Bias, loaded.Layers[i].Bias)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(m *Model){
		"input size":  func(m *Model) { m.InputSize = 0 },
		"input norm":  func(m *Model) { m.InputNorm = "zscore" },
		"no layers":   func(m *Model) { m.Layers = nil },
		"first in":    func(m *Model) { m.Layers[0].In = 5 },
		"chain":       func(m *Model) { m.Layers[1].In = 4 },
		"weight size": func(m *Model) { m.Layers[0].Weight = m.Layers[0].Weight[:3] },
		"bias size":   func(m *Model) { m.Layers[1].Bias = nil },
		"activation":  func(m *Model) { m.Layers[1].Activation = "tanh" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			m := tinyModel()
			mutate(m)
			assert.ErrorIs(t, m.Validate(), ErrInvalidModel)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.npz"))
	require.Error(t, err)

	var merr *types.ModelLoadError
	require.True(t, errors.As(err, &merr))
	assert.True(t, types.IsFatal(err))
}

func TestLoadRejectsBadVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.npz")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	entry, err := zw.Create(manifestName)
	require.NoError(t, err)
	_, err = entry.Write([]byte(`{"version": "patchnet.v0", "input_size": 2, "input_norm": "unit", "layers": []}`))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	_, err = Load(path)
	assert.ErrorIs(t, err, ErrInvalidModel)
	assert.Contains(t, err.Error(), "patchnet.v0")
}

func TestLoadRejectsMissingWeights(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial.npz")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	entry, err := zw.Create(manifestName)
	require.NoError(t, err)
	_, err = entry.Write([]byte(`{"version": "patchnet.v1", "input_size": 2, "input_norm": "unit",
		"layers": [{"in": 4, "out": 2, "activation": "linear"}]}`))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	_, err = Load(path)
	assert.ErrorIs(t, err, ErrInvalidModel)
	assert.Contains(t, err.Error(), "layers.0.weight.npy")
}
