//go:build !cublas

package device

func openCUDA(Options) (Device, error) {
	return nil, ErrCUDADisabled
}
