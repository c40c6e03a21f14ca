package vision

import (
	"errors"
	"image"
	"image/color"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/feature-extractor/pkg/types"
)

// createTestImage draws three bright squares on a dark background; each square
// contributes four high-contrast corners
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

func createNoiseImage(width, height int, seed int64) *image.RGBA {
	r := rand.New(rand.NewSource(seed))
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			v := uint8(r.Intn(256))
			img.Set(x, y, color.RGBA{v, uint8(255 - int(v)/2), v / 2, 255})
		}
	}
	return img
}

func TestNew(t *testing.T) {
	detector := New()
	require.NotNil(t, detector)
	assert.Equal(t, DefaultConfig(), detector.Config())
	assert.Equal(t, 2000, detector.Config().MaxKeypoints)
	assert.Equal(t, 1e-5, detector.Config().ContrastThreshold)
}

func TestDetectCorners(t *testing.T) {
	img := createTestImage(128, 128)

	kps, err := New().Detect(img)
	require.NoError(t, err)
	require.NotEmpty(t, kps)
	assert.LessOrEqual(t, len(kps), 2000)

	for _, kp := range kps {
		assert.GreaterOrEqual(t, kp.X, 0.0)
		assert.GreaterOrEqual(t, kp.Y, 0.0)
		assert.Less(t, kp.X, 128.0)
		assert.Less(t, kp.Y, 128.0)
		assert.Positive(t, kp.Scale)
		assert.GreaterOrEqual(t, kp.Orientation, 0.0)
		assert.Less(t, kp.Orientation, 360.0)
	}
}

func TestDetectRespectsMax(t *testing.T) {
	img := createNoiseImage(96, 96, 1)
	cfg := DefaultConfig()

	cfg.MaxKeypoints = 0
	all, err := NewWithConfig(cfg).Detect(img)
	require.NoError(t, err)
	require.Greater(t, len(all), 10)

	cfg.MaxKeypoints = 10
	capped, err := NewWithConfig(cfg).Detect(img)
	require.NoError(t, err)
	assert.Len(t, capped, 10)
	assert.Equal(t, all[:10], capped, "cap keeps the strongest keypoints in order")
}

func TestDetectNoDuplicates(t *testing.T) {
	kps, err := New().Detect(createNoiseImage(64, 64, 2))
	require.NoError(t, err)

	seen := map[types.Keypoint]bool{}
	for _, kp := range kps {
		assert.False(t, seen[kp], "duplicate keypoint %+v", kp)
		seen[kp] = true
	}
}

func TestDetectDeterministic(t *testing.T) {
	img := createTestImage(128, 128)
	a, err := New().Detect(img)
	require.NoError(t, err)
	b, err := New().Detect(img)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestDetectFlatImage(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 64, 64))
	for i := range img.Pix {
		img.Pix[i] = 128
	}

	kps, err := New().Detect(img)
	require.NoError(t, err)
	assert.NotNil(t, kps)
	assert.Empty(t, kps)
}

func TestDetectTinyImage(t *testing.T) {
	kps, err := New().Detect(image.NewGray(image.Rect(0, 0, 1, 1)))
	require.NoError(t, err)
	assert.Empty(t, kps)
}

func TestDetectEmptyImage(t *testing.T) {
	for _, img := range []image.Image{nil, image.NewGray(image.Rect(0, 0, 0, 10))} {
		_, err := New().Detect(img)
		var derr *types.DecodeError
		require.True(t, errors.As(err, &derr))
		assert.ErrorIs(t, err, types.ErrEmptyImage)
	}
}

func TestFinalize(t *testing.T) {
	cands := []candidate{
		{kp: types.Keypoint{X: 1, Y: 1, Scale: 2}, response: 0.1},
		{kp: types.Keypoint{X: 5, Y: 5, Scale: 2}, response: 0.9},
		{kp: types.Keypoint{X: 50, Y: 5, Scale: 2}, response: 1.0}, // outside
		{kp: types.Keypoint{X: 2, Y: 2, Scale: 2}, response: 0.1},
		{kp: types.Keypoint{X: 5, Y: 5, Scale: 2}, response: 0.9}, // duplicate
		{kp: types.Keypoint{X: 3, Y: 3, Scale: 2}, response: 0.5},
	}

	got := finalize(cands, 10, 10, 0)
	assert.Equal(t, []types.Keypoint{
		{X: 5, Y: 5, Scale: 2},
		{X: 3, Y: 3, Scale: 2},
		{X: 1, Y: 1, Scale: 2},
		{X: 2, Y: 2, Scale: 2},
	}, got)

	cands2 := []candidate{
		{kp: types.Keypoint{X: 1, Y: 1}, response: 0.1},
		{kp: types.Keypoint{X: 5, Y: 5}, response: 0.9},
		{kp: types.Keypoint{X: 3, Y: 3}, response: 0.5},
	}
	assert.Len(t, finalize(cands2, 10, 10, 2), 2)
}

func TestNewBackend(t *testing.T) {
	d, err := NewBackend(BackendDoG, DefaultConfig())
	require.NoError(t, err)
	assert.IsType(t, &KeypointDetector{}, d)

	_, err = NewBackend("surf", DefaultConfig())
	require.Error(t, err)

	bad := DefaultConfig()
	bad.OctaveLayers = 0
	_, err = NewBackend(BackendDoG, bad)
	require.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cases := []func(*DetectionConfig){
		func(c *DetectionConfig) { c.MaxKeypoints = -1 },
		func(c *DetectionConfig) { c.ContrastThreshold = -0.1 },
		func(c *DetectionConfig) { c.EdgeThreshold = 0 },
		func(c *DetectionConfig) { c.Sigma = 0 },
	}
	for i, mutate := range cases {
		cfg := DefaultConfig()
		mutate(&cfg)
		assert.Error(t, cfg.Validate(), "case %d", i)
	}
}

func TestReflect101(t *testing.T) {
	assert.Equal(t, 1, reflect101(-1, 5))
	assert.Equal(t, 2, reflect101(-2, 5))
	assert.Equal(t, 3, reflect101(5, 5))
	assert.Equal(t, 0, reflect101(8, 5))
	assert.Equal(t, 0, reflect101(3, 1))
}

func TestBlurPreservesConstant(t *testing.T) {
	p := newPlane(9, 7)
	for i := range p.pix {
		p.pix[i] = 0.25
	}
	out := blur(p, 1.6, nil)
	for _, v := range out.pix {
		assert.InDelta(t, 0.25, v, 1e-6)
	}
}

func TestBlurScratchMatchesFresh(t *testing.T) {
	p := toPlane(createNoiseImage(24, 17, 5))
	want := blur(p, 1.2, nil)
	got := blur(p, 1.2, newPlane(p.w, p.h))
	assert.Equal(t, want.pix, got.pix)

	// a scratch of the wrong size is ignored
	got = blur(p, 1.2, newPlane(3, 3))
	assert.Equal(t, want.pix, got.pix)
}

func TestScaleSpaceKeepsOneOctave(t *testing.T) {
	cfg := DefaultConfig()
	ss := newScaleSpace(toPlane(createTestImage(128, 128)), cfg)
	require.Greater(t, ss.octaves(), 2)

	ss.findKeypoints(cfg)

	resident := 0
	for o := range ss.gauss {
		if ss.gauss[o] != nil {
			resident++
			assert.Len(t, ss.gauss[o], cfg.OctaveLayers+3)
			assert.Len(t, ss.dog[o], cfg.OctaveLayers+2)
		}
		if ss.gauss[o] == nil {
			assert.Nil(t, ss.dog[o])
		}
	}
	assert.LessOrEqual(t, resident, 1)
	assert.Nil(t, ss.base)
}
