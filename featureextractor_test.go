package featureextractor

import (
	"context"
	"errors"
	"image"
	"image/color"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/feature-extractor/internal/config"
	"github.com/menta2k/feature-extractor/internal/metrics"
	"github.com/menta2k/feature-extractor/pkg/cropper"
	"github.com/menta2k/feature-extractor/pkg/device"
	"github.com/menta2k/feature-extractor/pkg/encoder"
	"github.com/menta2k/feature-extractor/pkg/featurefile"
	"github.com/menta2k/feature-extractor/pkg/model"
	"github.com/menta2k/feature-extractor/pkg/pipeline"
	"github.com/menta2k/feature-extractor/pkg/processing"
	"github.com/menta2k/feature-extractor/pkg/types"
)

const testDim = 16

// createTestImage draws three bright squares on a dark background
func createTestImage(width, height int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, width, height))
	for i := range img.Pix {
		img.Pix[i] = 20
	}
	squares := []image.Rectangle{
		image.Rect(width/8, height/8, width/8+width/5, height/8+height/5),
		image.Rect(width/2, height/5, width/2+width/4, height/5+height/4),
		image.Rect(width/4, height*5/8, width/4+width/5, height*5/8+height/5),
	}
	for _, r := range squares {
		for y := r.Min.Y; y < r.Max.Y; y++ {
			for x := r.Min.X; x < r.Max.X; x++ {
				img.SetGray(x, y, color.Gray{Y: 235})
			}
		}
	}
	return img
}

type stubDetector struct {
	kps []types.Keypoint
}

func (d stubDetector) Detect(img image.Image) ([]types.Keypoint, error) {
	return append([]types.Keypoint(nil), d.kps...), nil
}

func newTestEncoder() *encoder.Encoder {
	m := model.NewRandomProjection(32, testDim, 1)
	return encoder.New(encoder.NewContext(m, device.NewCPU(), -1), 4)
}

func writeTestImage(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, processing.NewProcessor().SaveImage(createTestImage(128, 128), path, 90))
	return path
}

func writeTestModel(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "patchnet.zip")
	require.NoError(t, model.NewRandomProjection(32, testDim, 7).Save(path))
	return path
}

func TestNew(t *testing.T) {
	ex := New(newTestEncoder())
	require.NotNil(t, ex)
	assert.NotNil(t, ex.detector)
	assert.NotNil(t, ex.sampler)
	assert.NotNil(t, ex.writer)
	assert.Equal(t, testDim, ex.Dim())
	assert.NoError(t, ex.Close())
}

func TestExtractPreservesOrder(t *testing.T) {
	kps := []types.Keypoint{
		{X: 64, Y: 64, Scale: 4, Orientation: 10},
		{X: 0, Y: 0, Scale: 2, Orientation: 20},
		{X: 100, Y: 30, Scale: 8, Orientation: 30},
	}
	ex := New(newTestEncoder(), WithDetector(stubDetector{kps: kps}))

	rec, err := ex.Extract(context.Background(), createTestImage(128, 128))
	require.NoError(t, err)
	require.NoError(t, rec.Validate())
	assert.Equal(t, kps, rec.Keypoints)
	assert.Len(t, rec.Descriptors, 3)
	for _, d := range rec.Descriptors {
		assert.Len(t, d, testDim)
	}
}

func TestExtractSkipBoundaryDropsEdgeKeypoints(t *testing.T) {
	kps := []types.Keypoint{{X: 64, Y: 64}, {X: 0, Y: 0}, {X: 50, Y: 60}}
	cfg := cropper.DefaultConfig()
	cfg.Boundary = cropper.BoundarySkip
	ex := New(newTestEncoder(),
		WithDetector(stubDetector{kps: kps}),
		WithSampler(cropper.NewWithConfig(cfg)),
	)

	rec, err := ex.Extract(context.Background(), createTestImage(128, 128))
	require.NoError(t, err)
	assert.Equal(t, []types.Keypoint{{X: 64, Y: 64}, {X: 50, Y: 60}}, rec.Keypoints)
	assert.Len(t, rec.Descriptors, 2)
}

func TestProcessImageWithoutKeypoints(t *testing.T) {
	dir := t.TempDir()
	imgPath := writeTestImage(t, dir, "flat.png")
	out := imgPath + ".sift-2000.npz"

	ex := New(newTestEncoder(), WithDetector(stubDetector{}))
	rec, err := ex.ProcessImage(context.Background(), imgPath, out)
	require.NoError(t, err)
	assert.Zero(t, rec.Len())

	got, err := featurefile.Read(out)
	require.NoError(t, err)
	assert.Zero(t, got.Len())
	assert.Equal(t, testDim, got.Dim)
}

func TestProcessImageDecodeError(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "broken.jpg")
	require.NoError(t, os.WriteFile(bad, []byte("definitely not a jpeg"), 0o644))
	out := bad + ".sift-2000.npz"

	_, err := New(newTestEncoder()).ProcessImage(context.Background(), bad, out)
	require.Error(t, err)
	var derr *types.DecodeError
	assert.True(t, errors.As(err, &derr))
	assert.False(t, types.IsFatal(err))
	assert.NoFileExists(t, out)
}

func TestOpenEndToEnd(t *testing.T) {
	dir := t.TempDir()
	imgPath := writeTestImage(t, dir, "scene.png")
	out := imgPath + ".sift-2000.npz"

	cfg := config.Default()
	cfg.Encoder.ModelPath = writeTestModel(t, dir)
	cfg.Encoder.Device = string(device.KindCPU)

	ex, err := Open(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer ex.Close()

	rec, err := ex.ProcessImage(context.Background(), imgPath, out)
	require.NoError(t, err)

	got, err := featurefile.Read(out)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, got.Len(), 1)
	assert.LessOrEqual(t, got.Len(), cfg.Detector.MaxKeypoints)
	assert.Equal(t, rec.Len(), got.Len())
	assert.Equal(t, testDim, got.Dim)
	assert.Len(t, got.KeypointMatrix(), got.Len()*types.KeypointColumns)
	assert.Len(t, got.DescriptorMatrix(), got.Len()*testDim)
}

func TestOpenMissingModelIsFatal(t *testing.T) {
	cfg := config.Default()
	cfg.Encoder.ModelPath = filepath.Join(t.TempDir(), "missing.zip")
	cfg.Encoder.Device = string(device.KindCPU)

	_, err := Open(cfg, zerolog.Nop())
	require.Error(t, err)
	assert.True(t, types.IsFatal(err))
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Encoder.BatchSize = 0
	_, err := Open(cfg, zerolog.Nop())
	assert.Error(t, err)
}

func TestPipelineOverExtractor(t *testing.T) {
	dir := t.TempDir()
	paths := []string{
		writeTestImage(t, dir, "a.png"),
		filepath.Join(dir, "b.jpg"),
		writeTestImage(t, dir, "c.png"),
	}
	require.NoError(t, os.WriteFile(paths[1], []byte("garbage"), 0o644))

	debug := filepath.Join(dir, "debug")
	kps := []types.Keypoint{{X: 30, Y: 30, Scale: 3}, {X: 90, Y: 40, Scale: 5}}
	ex := New(newTestEncoder(), WithDetector(stubDetector{kps: kps}), WithDebugDir(debug))

	jobs := pipeline.Jobs(paths, "sift-2000")
	drv := pipeline.New(ex, pipeline.Options{
		PrepareWorkers: 2,
		EncodeWorkers:  1,
		QueueSize:      1,
		Logger:         zerolog.Nop(),
		Metrics:        metrics.NewRegistry(),
	})
	sum, err := drv.Run(context.Background(), jobs)
	require.NoError(t, err)

	assert.Equal(t, 2, sum.Processed)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, int64(4), sum.Keypoints)
	assert.NoFileExists(t, jobs[1].Output)

	for _, i := range []int{0, 2} {
		rec, err := featurefile.Read(jobs[i].Output)
		require.NoError(t, err)
		assert.Equal(t, kps, rec.Keypoints)
		assert.FileExists(t, filepath.Join(debug, filepath.Base(paths[i])+".keypoints.jpg"))
	}
}

func TestGetVersion(t *testing.T) {
	assert.Equal(t, Version, GetVersion())
}

func TestOpenRejectsPatchSizeMismatch(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Encoder.ModelPath = writeTestModel(t, dir)
	cfg.Encoder.Device = string(device.KindCPU)
	cfg.Sampler.PatchSize = 16

	_, err := Open(cfg, zerolog.Nop())
	require.Error(t, err)
	assert.True(t, types.IsFatal(err))
	assert.Contains(t, err.Error(), "32x32")
}

func TestPipelineOverURLSources(t *testing.T) {
	dir := t.TempDir()
	local := writeTestImage(t, dir, "local.png")
	data, err := os.ReadFile(local)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/photos/remote.png" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(data)
	}))
	defer srv.Close()

	outDir := filepath.Join(dir, "out")
	kps := []types.Keypoint{{X: 40, Y: 40, Scale: 3}}
	ex := New(newTestEncoder(), WithDetector(stubDetector{kps: kps}))

	jobs := pipeline.SourceJobs([]string{srv.URL + "/photos/remote.png", srv.URL + "/missing.png", local}, outDir, "dog-1")
	assert.Equal(t, filepath.Join(outDir, "remote.png.dog-1.npz"), jobs[0].Output)
	assert.Equal(t, filepath.Join(outDir, "local.png.dog-1.npz"), jobs[2].Output)

	sum, err := pipeline.New(ex, pipeline.Options{Logger: zerolog.Nop(), Metrics: metrics.NewRegistry()}).Run(context.Background(), jobs)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Processed)
	require.Equal(t, 1, sum.Failed)
	var derr *types.DecodeError
	assert.True(t, errors.As(sum.Failures[0].Err, &derr))

	rec, err := featurefile.Read(jobs[0].Output)
	require.NoError(t, err)
	assert.Equal(t, kps, rec.Keypoints)
}
