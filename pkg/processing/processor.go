// Package processing loads input rasters and renders keypoint debug overlays.
package processing

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/menta2k/feature-extractor/internal/utils"
	"github.com/menta2k/feature-extractor/pkg/types"
)

const (
	downloadTimeout = 30 * time.Second
	userAgent       = "feature-extractor/1.0"
)

// Processor handles image loading and saving
type Processor struct {
	client *http.Client
}

// NewProcessor creates a new image processor
func NewProcessor() *Processor {
	return &Processor{client: &http.Client{Timeout: downloadTimeout}}
}

// LoadImage decodes the image at path. Unreadable, unknown or empty images are
// reported as *types.DecodeError.
func (p *Processor) LoadImage(path string) (image.Image, error) {
	img, err := p.loadFile(path)
	if err != nil {
		return nil, types.NewDecodeError(path, err)
	}
	return checkDecoded(path, img)
}

func (p *Processor) loadFile(path string) (image.Image, error) {
	// registered decoders first, EXIF orientation applied
	if img, err := imaging.Open(path, imaging.AutoOrientation(true)); err == nil {
		return img, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if strings.EqualFold(filepath.Ext(path), ".webp") {
		if img, err := webp.Decode(f); err == nil {
			return img, nil
		}
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}
	}
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("unknown or corrupt format: %w", err)
	}
	return img, nil
}

// LoadImageFromURL downloads and decodes an image over http(s)
func (p *Processor) LoadImageFromURL(ctx context.Context, imageURL string) (image.Image, error) {
	img, err := p.download(ctx, imageURL)
	if err != nil {
		return nil, types.NewDecodeError(imageURL, err)
	}
	return checkDecoded(imageURL, img)
}

func (p *Processor) download(ctx context.Context, imageURL string) (image.Image, error) {
	parsedURL, err := url.Parse(imageURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return nil, fmt.Errorf("unsupported URL scheme: %s (only http and https are supported)", parsedURL.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download image: HTTP %s", resp.Status)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "image/") {
		return nil, fmt.Errorf("URL does not point to an image (Content-Type: %s)", ct)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read image data: %w", err)
	}
	return decodeBytes(data)
}

// LoadImageSmart loads an image from either a file path or URL
func (p *Processor) LoadImageSmart(ctx context.Context, source string) (image.Image, error) {
	if utils.IsURL(source) {
		return p.LoadImageFromURL(ctx, source)
	}
	return p.LoadImage(source)
}

func decodeBytes(data []byte) (image.Image, error) {
	if img, _, err := image.Decode(bytes.NewReader(data)); err == nil {
		return img, nil
	}
	if img, err := webp.Decode(bytes.NewReader(data)); err == nil {
		return img, nil
	}
	return nil, fmt.Errorf("unknown or unsupported format")
}

func checkDecoded(source string, img image.Image) (image.Image, error) {
	if img.Bounds().Empty() {
		return nil, types.NewDecodeError(source, types.ErrEmptyImage)
	}
	return img, nil
}

// SaveImage writes img to path. The format is taken from the extension
// (jpg, png or webp); quality applies to jpg and lossy webp.
func (p *Processor) SaveImage(img image.Image, path string, quality int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".webp":
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		if err := webp.Encode(f, img, &webp.Options{Quality: float32(quality)}); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	case ".png":
		return imaging.Save(img, path)
	default:
		return imaging.Save(img, path, imaging.JPEGQuality(quality))
	}
}

// Overlay colors
var (
	markerColor = color.NRGBA{255, 0, 0, 255}
	scaleColor  = color.NRGBA{0, 255, 0, 255}
	windowColor = color.NRGBA{255, 204, 0, 255}
)

// CreateKeypointOverlay draws a cross at every keypoint, a green tick along its
// orientation scaled by its size, and, when given, the crop window of each keypoint
func (p *Processor) CreateKeypointOverlay(img image.Image, kps []types.Keypoint, windows []image.Rectangle) image.Image {
	nrgba := imaging.Clone(img)
	w, h := nrgba.Bounds().Dx(), nrgba.Bounds().Dy()
	cross := int(math.Max(2, 0.006*float64(min(w, h))))

	for _, r := range windows {
		drawRect(nrgba, r, windowColor)
	}
	for _, kp := range kps {
		px, py := int(math.Round(kp.X)), int(math.Round(kp.Y))
		drawHLine(nrgba, py, px-cross, px+cross+1, markerColor)
		drawVLine(nrgba, px, py-cross, py+cross+1, markerColor)

		// image y grows downward; detector angles are counter clockwise
		rad := kp.Orientation * math.Pi / 180
		length := math.Max(kp.Scale/2, float64(cross))
		drawLine(nrgba, kp.X, kp.Y, kp.X+length*math.Cos(rad), kp.Y-length*math.Sin(rad), scaleColor)
	}
	return nrgba
}

func drawRect(img *image.NRGBA, r image.Rectangle, c color.NRGBA) {
	if r.Empty() {
		return
	}
	drawHLine(img, r.Min.Y, r.Min.X, r.Max.X, c)
	drawHLine(img, r.Max.Y-1, r.Min.X, r.Max.X, c)
	drawVLine(img, r.Min.X, r.Min.Y, r.Max.Y, c)
	drawVLine(img, r.Max.X-1, r.Min.Y, r.Max.Y, c)
}

func drawLine(img *image.NRGBA, x0, y0, x1, y1 float64, c color.NRGBA) {
	steps := int(math.Ceil(math.Max(math.Abs(x1-x0), math.Abs(y1-y0))))
	if steps == 0 {
		setPixel(img, int(math.Round(x0)), int(math.Round(y0)), c)
		return
	}
	for i := 0; i <= steps; i++ {
		t := float64(i) / float64(steps)
		setPixel(img, int(math.Round(x0+t*(x1-x0))), int(math.Round(y0+t*(y1-y0))), c)
	}
}

func setPixel(img *image.NRGBA, x, y int, c color.NRGBA) {
	if x < 0 || y < 0 || x >= img.Bounds().Dx() || y >= img.Bounds().Dy() {
		return
	}
	i := y*img.Stride + x*4
	img.Pix[i+0] = c.R
	img.Pix[i+1] = c.G
	img.Pix[i+2] = c.B
	img.Pix[i+3] = c.A
}

func drawHLine(img *image.NRGBA, y, x0, x1 int, c color.NRGBA) {
	if y < 0 || y >= img.Bounds().Dy() {
		return
	}
	if x0 > x1 {
		x0, x1 = x1, x0
	}
	x0 = max(x0, 0)
	x1 = min(x1, img.Bounds().Dx())
	for x := x0; x < x1; x++ {
		setPixel(img, x, y, c)
	}
}

func drawVLine(img *image.NRGBA, x, y0, y1 int, c color.NRGBA) {
	if x < 0 || x >= img.Bounds().Dx() {
		return
	}
	if y0 > y1 {
		y0, y1 = y1, y0
	}
	y0 = max(y0, 0)
	y1 = min(y1, img.Bounds().Dy())
	for y := y0; y < y1; y++ {
		setPixel(img, x, y, c)
	}
}
