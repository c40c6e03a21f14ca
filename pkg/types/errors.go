package types

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyImage is returned for images with zero width or height
	ErrEmptyImage = errors.New("image has no pixels")
	// ErrNoDevice is returned when no compute device of the requested kind exists
	ErrNoDevice = errors.New("no usable compute device")
	// ErrShapeMismatch is matched by every ShapeMismatchError
	ErrShapeMismatch = errors.New("keypoint/descriptor shape mismatch")
)

// DecodeError indicates an unreadable, corrupt or empty input image.
// The image is skipped and the run continues.
type DecodeError struct {
	Path  string
	cause error
}

// NewDecodeError wraps cause as a DecodeError for path
func NewDecodeError(path string, cause error) *DecodeError {
	return &DecodeError{Path: path, cause: cause}
}

func (e *DecodeError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("decode image: %v", e.cause)
	}
	return fmt.Sprintf("decode image %s: %v", e.Path, e.cause)
}

func (e *DecodeError) Unwrap() error { return e.cause }

// DeviceInitError indicates that no compute device could be acquired.
// It is always fatal for the run.
type DeviceInitError struct {
	Kind  string
	cause error
}

// NewDeviceInitError wraps cause as a DeviceInitError for the device kind
func NewDeviceInitError(kind string, cause error) *DeviceInitError {
	return &DeviceInitError{Kind: kind, cause: cause}
}

func (e *DeviceInitError) Error() string {
	return fmt.Sprintf("init %s device: %v", e.Kind, e.cause)
}

func (e *DeviceInitError) Unwrap() error { return e.cause }

// ModelLoadError indicates a missing or invalid descriptor model artifact.
// It is always fatal for the run.
type ModelLoadError struct {
	Path  string
	cause error
}

// NewModelLoadError wraps cause as a ModelLoadError for path
func NewModelLoadError(path string, cause error) *ModelLoadError {
	return &ModelLoadError{Path: path, cause: cause}
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("load model %s: %v", e.Path, e.cause)
}

func (e *ModelLoadError) Unwrap() error { return e.cause }

// ShapeMismatchError indicates that keypoints and descriptors disagree in count,
// or that a descriptor or patch has the wrong length. Nothing is written.
type ShapeMismatchError struct {
	Keypoints   int
	Descriptors int
	Dim         int
	// Row and RowLen identify the offending row when counts match but a row is malformed
	Row    int
	RowLen int
}

func (e *ShapeMismatchError) Error() string {
	if e.Keypoints == e.Descriptors && e.RowLen != e.Dim {
		return fmt.Sprintf("shape mismatch: row %d has length %d, expected %d", e.Row, e.RowLen, e.Dim)
	}
	return fmt.Sprintf("shape mismatch: %d keypoints, %d descriptors", e.Keypoints, e.Descriptors)
}

func (e *ShapeMismatchError) Is(target error) bool { return target == ErrShapeMismatch }

// WriteError indicates a filesystem or upload failure while persisting a record.
// The image is skipped and the run continues.
type WriteError struct {
	Path  string
	cause error
}

// NewWriteError wraps cause as a WriteError for path
func NewWriteError(path string, cause error) *WriteError {
	return &WriteError{Path: path, cause: cause}
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write %s: %v", e.Path, e.cause)
}

func (e *WriteError) Unwrap() error { return e.cause }

// IsFatal reports whether err must abort the whole run rather than a single image
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var dev *DeviceInitError
	if errors.As(err, &dev) {
		return true
	}
	var mdl *ModelLoadError
	return errors.As(err, &mdl)
}
