package featurefile

import (
	"errors"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/feature-extractor/internal/fs"
	"github.com/menta2k/feature-extractor/pkg/npy"
	"github.com/menta2k/feature-extractor/pkg/types"
)

func randomRecord(n, dim int, seed int64) ([]types.Keypoint, []types.Descriptor) {
	r := rand.New(rand.NewSource(seed))
	kps := make([]types.Keypoint, n)
	descs := make([]types.Descriptor, n)
	for i := range kps {
		kps[i] = types.Keypoint{
			X:           float64(r.Float32() * 640),
			Y:           float64(r.Float32() * 480),
			Scale:       float64(r.Float32() * 20),
			Orientation: float64(r.Float32() * 360),
		}
		d := make(types.Descriptor, dim)
		for j := range d {
			d[j] = r.Float32()*2 - 1
		}
		descs[i] = d
	}
	return kps, descs
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestWriteReadRoundTrip(t *testing.T) {
	for _, compress := range []bool{false, true} {
		path := filepath.Join(t.TempDir(), "img.jpg.sift-2000.npz")
		kps, descs := randomRecord(37, 128, 7)

		w := NewWriter(WithCompression(compress), WithDim(128))
		require.NoError(t, w.Write(path, kps, descs))

		rec, err := Read(path)
		require.NoError(t, err)
		assert.Equal(t, 128, rec.Dim)
		require.Equal(t, len(kps), rec.Len())

		want := (&types.Record{Keypoints: kps, Descriptors: descs, Dim: 128})
		gotKp, wantKp := rec.KeypointMatrix(), want.KeypointMatrix()
		gotDesc, wantDesc := rec.DescriptorMatrix(), want.DescriptorMatrix()
		require.Equal(t, len(wantKp), len(gotKp))
		require.Equal(t, len(wantDesc), len(gotDesc))
		for i := range wantKp {
			require.Equal(t, math.Float32bits(wantKp[i]), math.Float32bits(gotKp[i]))
		}
		for i := range wantDesc {
			require.Equal(t, math.Float32bits(wantDesc[i]), math.Float32bits(gotDesc[i]))
		}
	}
}

func TestContainerLayout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.npz")
	kps, descs := randomRecord(5, 16, 1)
	require.NoError(t, NewWriter().Write(path, kps, descs))

	zr, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer zr.Close()

	require.Len(t, zr.File, 2)
	shapes := map[string][]int{}
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		arr, err := npy.Read(rc)
		rc.Close()
		require.NoError(t, err)
		shapes[f.Name] = arr.Shape
	}
	assert.Equal(t, []int{5, 4}, shapes["keypoints.npy"])
	assert.Equal(t, []int{5, 16}, shapes["descriptors.npy"])
}

func TestWriteEmptyRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.npz")
	require.NoError(t, NewWriter(WithDim(128)).Write(path, nil, nil))

	rec, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, 0, rec.Len())
	assert.Equal(t, 128, rec.Dim)
	assert.Empty(t, rec.Descriptors)
}

func TestWriteRejectsMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.npz")
	kps, descs := randomRecord(4, 8, 3)

	err := NewWriter().Write(path, kps, descs[:3])
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrShapeMismatch))
	assert.False(t, Exists(path))
	assert.Empty(t, listDir(t, dir))
}

func TestWriteRejectsWrongDim(t *testing.T) {
	dir := t.TempDir()
	kps, descs := randomRecord(2, 8, 3)

	err := NewWriter(WithDim(128)).Write(filepath.Join(dir, "bad.npz"), kps, descs)
	assert.ErrorIs(t, err, types.ErrShapeMismatch)
	assert.Empty(t, listDir(t, dir))
}

func TestWriteOverwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.npz")
	w := NewWriter()

	kps, descs := randomRecord(10, 4, 1)
	require.NoError(t, w.Write(path, kps, descs))
	kps, descs = randomRecord(3, 4, 2)
	require.NoError(t, w.Write(path, kps, descs))

	rec, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, 3, rec.Len())
}

func TestWriteErrorsLeaveNoFile(t *testing.T) {
	faults := map[string]fs.Fault{
		"create": {FailCreate: true, FailAfterBytes: -1},
		"write":  {FailAfterBytes: 16},
		"sync":   {FailOnSync: true, FailAfterBytes: -1},
		"close":  {FailOnClose: true, FailAfterBytes: -1},
		"rename": {FailOnRename: true, FailAfterBytes: -1},
	}

	for name, fault := range faults {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, "out.npz")

			ffs := fs.NewFaultyFS(nil)
			ffs.Arm(fault)
			w := NewWriter(WithFileSystem(ffs))

			kps, descs := randomRecord(50, 32, 9)
			err := w.Write(path, kps, descs)
			require.Error(t, err)

			var werr *types.WriteError
			require.True(t, errors.As(err, &werr))
			assert.Equal(t, path, werr.Path)
			assert.ErrorIs(t, err, fs.ErrInjected)
			assert.Empty(t, listDir(t, dir))
		})
	}
}

func TestWriteFailureKeepsPreviousFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.npz")
	kps, descs := randomRecord(6, 4, 5)
	require.NoError(t, NewWriter().Write(path, kps, descs))

	ffs := fs.NewFaultyFS(nil)
	ffs.Arm(fs.Fault{FailAfterBytes: 8})
	more, moreDescs := randomRecord(20, 4, 6)
	require.Error(t, NewWriter(WithFileSystem(ffs)).Write(path, more, moreDescs))

	rec, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, 6, rec.Len())
}

func TestReadMissingDataset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial.npz")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	entry, err := zw.Create("keypoints.npy")
	require.NoError(t, err)
	require.NoError(t, npy.Write(entry, []int{1, 4}, []float32{1, 2, 3, 4}))
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	_, err = Read(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no descriptors dataset")
}

func TestReadRejectsCountMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corrupt.npz")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	kp, err := zw.Create("keypoints.npy")
	require.NoError(t, err)
	require.NoError(t, npy.Write(kp, []int{2, 4}, make([]float32, 8)))
	desc, err := zw.Create("descriptors.npy")
	require.NoError(t, err)
	require.NoError(t, npy.Write(desc, []int{1, 3}, make([]float32, 3)))
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	_, err = Read(path)
	assert.ErrorIs(t, err, types.ErrShapeMismatch)
}
