// Package device provides the compute devices the descriptor model runs on.
//
// The CPU device is always available and runs SGEMM through gonum. A CUDA
// device backed by cuBLAS is compiled in with the "cublas" build tag.
package device

import (
	"errors"
	"fmt"
	"strings"

	"github.com/menta2k/feature-extractor/pkg/types"
)

// Kind names a device family
type Kind string

const (
	// KindAuto picks CUDA when it is compiled in and a GPU is present, else CPU
	KindAuto Kind = "auto"
	// KindCPU runs on the host
	KindCPU Kind = "cpu"
	// KindCUDA runs on an NVIDIA GPU through cuBLAS
	KindCUDA Kind = "cuda"
)

var (
	// ErrInvalidDeviceID is returned when the requested GPU index does not exist
	ErrInvalidDeviceID = errors.New("invalid device id")
	// ErrCUDADisabled is returned when the binary was built without the cublas tag
	ErrCUDADisabled = errors.New("cuda support not compiled in (build with -tags cublas)")
)

// Device runs the dense algebra of a forward pass
type Device interface {
	// Name is a human readable device description
	Name() string
	// Kind is the device family
	Kind() Kind
	// MemoryBytes is the total memory of the device
	MemoryBytes() uint64
	// MatMulT returns the row-major m x n product A * B^T where A is m x k and B is n x k,
	// both row-major. The result lives in host memory.
	MatMulT(a []float32, m, k int, b []float32, n int) ([]float32, error)
	// Close releases device resources
	Close() error
}

// Options selects a concrete device
type Options struct {
	// GPUID is the CUDA device index
	GPUID int
}

// ParseKind converts a configuration string into a Kind
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindAuto, KindCPU, KindCUDA:
		return k, nil
	case "":
		return KindAuto, nil
	case "gpu":
		return KindCUDA, nil
	default:
		return "", fmt.Errorf("unknown device kind %q (use auto, cpu or cuda)", s)
	}
}

// Open acquires a device of the requested kind. Any failure is a *types.DeviceInitError.
func Open(kind Kind, opts Options) (Device, error) {
	switch kind {
	case KindCPU:
		return NewCPU(), nil
	case KindCUDA:
		dev, err := openCUDA(opts)
		if err != nil {
			return nil, types.NewDeviceInitError(string(KindCUDA), err)
		}
		return dev, nil
	case KindAuto, "":
		if dev, err := openCUDA(opts); err == nil {
			return dev, nil
		}
		return NewCPU(), nil
	default:
		return nil, types.NewDeviceInitError(string(kind), fmt.Errorf("%w: unknown kind", types.ErrNoDevice))
	}
}

func checkMatMul(a []float32, m, k int, b []float32, n int) error {
	if m < 0 || n < 0 || k < 0 {
		return fmt.Errorf("matmul: negative dimension m=%d n=%d k=%d", m, n, k)
	}
	if len(a) != m*k {
		return fmt.Errorf("matmul: A has %d values, expected %dx%d", len(a), m, k)
	}
	if len(b) != n*k {
		return fmt.Errorf("matmul: B has %d values, expected %dx%d", len(b), n, k)
	}
	return nil
}
