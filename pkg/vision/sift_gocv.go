//go:build gocv

package vision

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"github.com/menta2k/feature-extractor/pkg/types"
)

// SIFTDetector runs OpenCV's SIFT detector. Response ranking, bounds filtering
// and the keypoint cap are applied the same way as the built-in detector.
type SIFTDetector struct {
	config DetectionConfig
}

func newSIFT(config DetectionConfig) (Detector, error) {
	return &SIFTDetector{config: config}, nil
}

// Detect finds keypoints in img with OpenCV
func (d *SIFTDetector) Detect(img image.Image) ([]types.Keypoint, error) {
	if err := checkImage(img); err != nil {
		return nil, err
	}

	rgb, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return nil, types.NewDecodeError("", fmt.Errorf("convert to mat: %w", err))
	}
	defer rgb.Close()

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(rgb, &gray, gocv.ColorRGBToGray)

	sift := d.newSIFT()
	defer sift.Close()

	kps := sift.Detect(gray)
	cands := make([]candidate, len(kps))
	for i, kp := range kps {
		cands[i] = candidate{
			kp:       types.Keypoint{X: kp.X, Y: kp.Y, Scale: kp.Size, Orientation: kp.Angle},
			response: kp.Response,
		}
	}

	b := img.Bounds()
	return finalize(cands, b.Dx(), b.Dy(), d.config.MaxKeypoints), nil
}

// newSIFT builds an OpenCV SIFT detector from the detection config. OpenCV keeps
// the nfeatures strongest points itself; finalize still applies the cap.
func (d *SIFTDetector) newSIFT() gocv.SIFT {
	cfg := d.config
	return gocv.NewSIFTWithParams(&cfg.MaxKeypoints, &cfg.OctaveLayers, &cfg.ContrastThreshold, &cfg.EdgeThreshold, &cfg.Sigma)
}
