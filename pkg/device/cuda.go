//go:build cublas

package device

import (
	"errors"
	"fmt"

	"github.com/unixpickle/cuda"
	"github.com/unixpickle/cuda/cublas"
)

// CUDA runs matrix products with cuBLAS. All device work is funneled through
// the CUDA context's goroutine, so concurrent callers are serialized there.
type CUDA struct {
	ctx       *cuda.Context
	allocator cuda.Allocator
	handle    *cublas.Handle
	name      string
	total     uint64
}

var _ Device = (*CUDA)(nil)

func openCUDA(opts Options) (Device, error) {
	devices, err := cuda.AllDevices()
	if err != nil {
		return nil, fmt.Errorf("list cuda devices: %w", err)
	}
	if len(devices) == 0 {
		return nil, errors.New("no cuda devices found")
	}
	if opts.GPUID < 0 || opts.GPUID >= len(devices) {
		return nil, fmt.Errorf("%w: %d (found %d)", ErrInvalidDeviceID, opts.GPUID, len(devices))
	}
	dev := devices[opts.GPUID]

	ctx, err := cuda.NewContext(dev, 100)
	if err != nil {
		return nil, fmt.Errorf("create cuda context: %w", err)
	}

	total, err := dev.TotalMem()
	if err != nil {
		return nil, fmt.Errorf("query memory of gpu %d: %w", opts.GPUID, err)
	}
	name, err := dev.Name()
	if err != nil {
		name = fmt.Sprintf("gpu %d", opts.GPUID)
	}

	handle, err := cublas.NewHandle(ctx)
	if err != nil {
		return nil, fmt.Errorf("create cublas handle: %w", err)
	}

	return &CUDA{
		ctx:       ctx,
		allocator: cuda.GCAllocator(cuda.NativeAllocator(ctx), 0),
		handle:    handle,
		name:      name,
		total:     total,
	}, nil
}

func (c *CUDA) Name() string { return fmt.Sprintf("cuda %s", c.name) }

func (c *CUDA) Kind() Kind { return KindCUDA }

func (c *CUDA) MemoryBytes() uint64 { return c.total }

// MatMulT computes row-major C = A * B^T. In cuBLAS column-major terms this is
// C^T (n x m) = B (n x k, stored as k x n) transposed times A^T (k x m).
func (c *CUDA) MatMulT(a []float32, m, k int, b []float32, n int) ([]float32, error) {
	if err := checkMatMul(a, m, k, b, n); err != nil {
		return nil, err
	}
	out := make([]float32, m*n)
	if m == 0 || n == 0 || k == 0 {
		return out, nil
	}

	err := <-c.ctx.Run(func() (e error) {
		bufA, e := cuda.AllocBuffer(c.allocator, uintptr(4*len(a)))
		if e != nil {
			return fmt.Errorf("allocate input buffer: %w", e)
		}
		bufB, e := cuda.AllocBuffer(c.allocator, uintptr(4*len(b)))
		if e != nil {
			return fmt.Errorf("allocate weight buffer: %w", e)
		}
		bufC, e := cuda.AllocBuffer(c.allocator, uintptr(4*len(out)))
		if e != nil {
			return fmt.Errorf("allocate output buffer: %w", e)
		}
		if e = cuda.WriteBuffer(bufA, a); e != nil {
			return fmt.Errorf("write input buffer: %w", e)
		}
		if e = cuda.WriteBuffer(bufB, b); e != nil {
			return fmt.Errorf("write weight buffer: %w", e)
		}

		var alpha, beta float32 = 1, 0
		e = c.handle.Sgemm(
			cublas.Trans,
			cublas.NoTrans,
			n,
			m,
			k,
			&alpha,
			bufB,
			k,
			bufA,
			k,
			&beta,
			bufC,
			n,
		)
		if e != nil {
			return fmt.Errorf("sgemm: %w", e)
		}
		return cuda.ReadBuffer(out, bufC)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *CUDA) Close() error { return nil }
