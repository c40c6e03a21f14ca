package device

import (
	"fmt"
	"runtime"

	"github.com/shirou/gopsutil/mem"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// CPU runs matrix products on the host with gonum's BLAS implementation.
// It holds no mutable state and is safe for concurrent use.
type CPU struct {
	total uint64
}

var _ Device = (*CPU)(nil)

// NewCPU creates a host device
func NewCPU() *CPU {
	c := &CPU{}
	if vm, err := mem.VirtualMemory(); err == nil {
		c.total = vm.Total
	}
	return c
}

func (c *CPU) Name() string {
	return fmt.Sprintf("cpu (%d threads, %s/%s)", runtime.GOMAXPROCS(0), runtime.GOOS, runtime.GOARCH)
}

func (c *CPU) Kind() Kind { return KindCPU }

func (c *CPU) MemoryBytes() uint64 { return c.total }

func (c *CPU) MatMulT(a []float32, m, k int, b []float32, n int) ([]float32, error) {
	if err := checkMatMul(a, m, k, b, n); err != nil {
		return nil, err
	}
	out := make([]float32, m*n)
	if m == 0 || n == 0 || k == 0 {
		return out, nil
	}

	blas32.Gemm(blas.NoTrans, blas.Trans, 1,
		blas32.General{Rows: m, Cols: k, Stride: k, Data: a},
		blas32.General{Rows: n, Cols: k, Stride: k, Data: b},
		0,
		blas32.General{Rows: m, Cols: n, Stride: n, Data: out},
	)
	return out, nil
}

func (c *CPU) Close() error { return nil }
