package model

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zip"

	"github.com/menta2k/feature-extractor/pkg/npy"
	"github.com/menta2k/feature-extractor/pkg/types"
)

const manifestName = "model.json"

func weightName(i int) string { return fmt.Sprintf("layers.%d.weight.npy", i) }
func biasName(i int) string   { return fmt.Sprintf("layers.%d.bias.npy", i) }

// Load reads and validates a model artifact. Any failure is a *types.ModelLoadError.
func Load(path string) (*Model, error) {
	m, err := load(path)
	if err != nil {
		return nil, types.NewModelLoadError(path, err)
	}
	return m, nil
}

func load(path string) (*Model, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	entries := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		entries[f.Name] = f
	}

	mf, ok := entries[manifestName]
	if !ok {
		return nil, fmt.Errorf("%w: missing %s", ErrInvalidModel, manifestName)
	}
	var manifest Manifest
	if err := readEntry(mf, func(r io.Reader) error { return json.NewDecoder(r).Decode(&manifest) }); err != nil {
		return nil, fmt.Errorf("parse %s: %w", manifestName, err)
	}
	if manifest.Version != Version {
		return nil, fmt.Errorf("%w: version %q, expected %q", ErrInvalidModel, manifest.Version, Version)
	}

	m := &Model{
		Name:        manifest.Name,
		InputSize:   manifest.InputSize,
		InputNorm:   manifest.InputNorm,
		L2Normalize: manifest.L2Normalize,
		Layers:      make([]Layer, len(manifest.Layers)),
	}
	for i, spec := range manifest.Layers {
		w, err := readArray(entries, weightName(i), []int{spec.Out, spec.In})
		if err != nil {
			return nil, err
		}
		b, err := readArray(entries, biasName(i), []int{spec.Out})
		if err != nil {
			return nil, err
		}
		m.Layers[i] = Layer{LayerSpec: spec, Weight: w, Bias: b}
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func readEntry(f *zip.File, fn func(io.Reader) error) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	return fn(rc)
}

func readArray(entries map[string]*zip.File, name string, shape []int) ([]float32, error) {
	f, ok := entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: missing %s", ErrInvalidModel, name)
	}
	var arr *npy.Array
	err := readEntry(f, func(r io.Reader) (err error) {
		arr, err = npy.Read(r)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	if len(arr.Shape) != len(shape) {
		return nil, fmt.Errorf("%w: %s has shape %v, expected %v", ErrInvalidModel, name, arr.Shape, shape)
	}
	for i := range shape {
		if arr.Shape[i] != shape[i] {
			return nil, fmt.Errorf("%w: %s has shape %v, expected %v", ErrInvalidModel, name, arr.Shape, shape)
		}
	}
	return arr.Data, nil
}

// Save validates m and writes it as a model artifact at path
func (m *Model) Save(path string) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create model directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create model file: %w", err)
	}
	if err := m.encode(f); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}

func (m *Model) encode(w io.Writer) error {
	zw := zip.NewWriter(w)

	entry, err := zw.Create(manifestName)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(entry)
	enc.SetIndent("", "  ")
	if err := enc.Encode(m.Manifest()); err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}

	for i, l := range m.Layers {
		if err := writeArray(zw, weightName(i), []int{l.Out, l.In}, l.Weight); err != nil {
			return err
		}
		if err := writeArray(zw, biasName(i), []int{l.Out}, l.Bias); err != nil {
			return err
		}
	}
	return zw.Close()
}

func writeArray(zw *zip.Writer, name string, shape []int, data []float32) error {
	entry, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate})
	if err != nil {
		return err
	}
	if err := npy.Write(entry, shape, data); err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	return nil
}
