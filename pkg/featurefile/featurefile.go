// Package featurefile persists per-image feature records.
//
// A feature file is an .npz container (a zip archive of .npy arrays, loadable
// with numpy.load) holding exactly two datasets:
//
//	keypoints    N x 4  float32  columns x, y, scale, orientation
//	descriptors  N x D  float32  D fixed by the descriptor model
//
// N is identical in both datasets. Files are written to a temporary file in the
// destination directory and renamed into place, so readers never observe a
// partially written container.
package featurefile

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zip"

	"github.com/menta2k/feature-extractor/internal/fs"
	"github.com/menta2k/feature-extractor/pkg/npy"
	"github.com/menta2k/feature-extractor/pkg/types"
)

const (
	// KeypointsName is the dataset holding keypoint rows
	KeypointsName = "keypoints"
	// DescriptorsName is the dataset holding descriptor rows
	DescriptorsName = "descriptors"

	// Extension is appended to output paths
	Extension = ".npz"

	entrySuffix = ".npy"
)

// Writer writes feature files
type Writer struct {
	fs       fs.FileSystem
	compress bool
	dim      int
}

// Option configures a Writer
type Option func(*Writer)

// WithFileSystem swaps the filesystem used for writes
func WithFileSystem(f fs.FileSystem) Option {
	return func(w *Writer) { w.fs = f }
}

// WithCompression enables deflate compression of the datasets
func WithCompression(enabled bool) Option {
	return func(w *Writer) { w.compress = enabled }
}

// WithDim sets the descriptor dimension, used to shape empty descriptor datasets
// and to check every descriptor row
func WithDim(dim int) Option {
	return func(w *Writer) { w.dim = dim }
}

// NewWriter creates a Writer on the local filesystem
func NewWriter(opts ...Option) *Writer {
	w := &Writer{fs: fs.Default}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Write validates and atomically writes one feature file at path, replacing any
// existing file. A count mismatch returns *types.ShapeMismatchError and leaves
// nothing on disk; filesystem failures return *types.WriteError.
func (w *Writer) Write(path string, keypoints []types.Keypoint, descriptors []types.Descriptor) error {
	dim := w.dim
	if dim == 0 && len(descriptors) > 0 {
		dim = len(descriptors[0])
	}

	rec := &types.Record{Keypoints: keypoints, Descriptors: descriptors, Dim: dim}
	if err := rec.Validate(); err != nil {
		return err
	}
	return w.WriteRecord(path, rec)
}

// WriteRecord writes an already assembled record
func (w *Writer) WriteRecord(path string, rec *types.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := w.fs.MkdirAll(dir, 0o755); err != nil {
		return types.NewWriteError(path, fmt.Errorf("create directory: %w", err))
	}

	tmp, err := w.fs.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return types.NewWriteError(path, fmt.Errorf("create temp file: %w", err))
	}
	tmpName := tmp.Name()

	if err := w.encode(tmp, rec); err != nil {
		tmp.Close()
		w.fs.Remove(tmpName)
		return types.NewWriteError(path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		w.fs.Remove(tmpName)
		return types.NewWriteError(path, fmt.Errorf("sync: %w", err))
	}
	if err := tmp.Close(); err != nil {
		w.fs.Remove(tmpName)
		return types.NewWriteError(path, fmt.Errorf("close: %w", err))
	}
	if err := w.fs.Rename(tmpName, path); err != nil {
		w.fs.Remove(tmpName)
		return types.NewWriteError(path, fmt.Errorf("rename: %w", err))
	}
	return nil
}

func (w *Writer) encode(f fs.File, rec *types.Record) error {
	method := zip.Store
	if w.compress {
		method = zip.Deflate
	}

	zw := zip.NewWriter(f)
	datasets := []struct {
		name  string
		shape []int
		data  []float32
	}{
		{KeypointsName, []int{rec.Len(), types.KeypointColumns}, rec.KeypointMatrix()},
		{DescriptorsName, []int{rec.Len(), rec.Dim}, rec.DescriptorMatrix()},
	}
	for _, ds := range datasets {
		entry, err := zw.CreateHeader(&zip.FileHeader{Name: ds.name + entrySuffix, Method: method})
		if err != nil {
			return fmt.Errorf("create %s entry: %w", ds.name, err)
		}
		if err := npy.Write(entry, ds.shape, ds.data); err != nil {
			return fmt.Errorf("encode %s: %w", ds.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finish container: %w", err)
	}
	return nil
}

// Read loads a feature file written by Writer (or numpy.savez with the same datasets)
func Read(path string) (*types.Record, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open feature file: %w", err)
	}
	defer zr.Close()

	arrays := make(map[string]*npy.Array, 2)
	for _, f := range zr.File {
		name := f.Name
		if name != KeypointsName+entrySuffix && name != DescriptorsName+entrySuffix {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", name, err)
		}
		arr, err := npy.Read(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
		arrays[name[:len(name)-len(entrySuffix)]] = arr
	}

	kp, ok := arrays[KeypointsName]
	if !ok {
		return nil, fmt.Errorf("feature file %s has no %s dataset", path, KeypointsName)
	}
	desc, ok := arrays[DescriptorsName]
	if !ok {
		return nil, fmt.Errorf("feature file %s has no %s dataset", path, DescriptorsName)
	}
	if len(kp.Shape) != 2 || kp.Shape[1] != types.KeypointColumns {
		return nil, fmt.Errorf("feature file %s: keypoints shape %v, expected (N, %d)", path, kp.Shape, types.KeypointColumns)
	}
	if len(desc.Shape) != 2 {
		return nil, fmt.Errorf("feature file %s: descriptors shape %v, expected (N, D)", path, desc.Shape)
	}
	if kp.Shape[0] != desc.Shape[0] {
		return nil, &types.ShapeMismatchError{Keypoints: kp.Shape[0], Descriptors: desc.Shape[0], Dim: desc.Shape[1]}
	}

	return &types.Record{
		Keypoints:   types.KeypointsFromMatrix(kp.Data),
		Descriptors: types.DescriptorsFromMatrix(desc.Data, desc.Shape[1]),
		Dim:         desc.Shape[1],
	}, nil
}

// Exists reports whether a regular file exists at path
func Exists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
