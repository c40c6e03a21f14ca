//go:build !gocv

package vision

import "errors"

// ErrSIFTUnavailable is returned when the binary was built without OpenCV support
var ErrSIFTUnavailable = errors.New("sift backend requires building with -tags gocv")

func newSIFT(DetectionConfig) (Detector, error) {
	return nil, ErrSIFTUnavailable
}
