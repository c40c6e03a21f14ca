// Package encoder turns patches into descriptors by running the descriptor model
// over bounded batches on a compute device.
package encoder

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/menta2k/feature-extractor/pkg/device"
	"github.com/menta2k/feature-extractor/pkg/model"
)

// Options configures how a Context is opened
type Options struct {
	// ModelPath is the model artifact to load
	ModelPath string
	// Device selects the compute device
	Device device.Kind
	// GPUID is the CUDA device index
	GPUID int
	// MemoryLimitBytes caps the working memory of concurrent batches.
	// Zero uses half of the device memory; negative disables the cap.
	MemoryLimitBytes int64
	Logger           zerolog.Logger
}

// Context owns the process-wide inference state: one loaded model on one device.
// It is created once, shared read-only by every Encoder and closed at shutdown.
type Context struct {
	model  *model.Model
	dev    device.Device
	mem    *semaphore.Weighted
	limit  int64
	logger zerolog.Logger
}

// Open loads the model and acquires the device. Failures are fatal for a run:
// *types.ModelLoadError or *types.DeviceInitError.
func Open(opts Options) (*Context, error) {
	m, err := model.Load(opts.ModelPath)
	if err != nil {
		return nil, err
	}

	dev, err := device.Open(opts.Device, device.Options{GPUID: opts.GPUID})
	if err != nil {
		return nil, err
	}

	c := NewContext(m, dev, opts.MemoryLimitBytes)
	c.logger = opts.Logger
	c.logger.Info().
		Str("model", m.Name).
		Int("input_size", m.InputSize).
		Int("dim", m.Dim()).
		Str("device", dev.Name()).
		Int64("memory_limit", c.limit).
		Msg("descriptor model ready")
	return c, nil
}

// NewContext wraps an already loaded model and an open device. The Context takes
// ownership of dev.
func NewContext(m *model.Model, dev device.Device, memoryLimit int64) *Context {
	if memoryLimit == 0 {
		memoryLimit = int64(dev.MemoryBytes() / 2)
	}

	c := &Context{model: m, dev: dev, logger: zerolog.Nop()}
	if memoryLimit > 0 {
		c.limit = memoryLimit
		c.mem = semaphore.NewWeighted(memoryLimit)
	}
	return c
}

// Model returns the loaded model
func (c *Context) Model() *model.Model { return c.model }

// Device returns the compute device
func (c *Context) Device() device.Device { return c.dev }

// MemoryLimit is the working memory cap in bytes, 0 when uncapped
func (c *Context) MemoryLimit() int64 { return c.limit }

// Close releases the device
func (c *Context) Close() error {
	if err := c.dev.Close(); err != nil {
		return fmt.Errorf("close device: %w", err)
	}
	return nil
}

// acquire reserves n bytes of device memory and returns the release func.
// Requests larger than the whole budget wait for exclusive use of it.
func (c *Context) acquire(ctx context.Context, n int64) (func(), error) {
	if c.mem == nil {
		return func() {}, nil
	}
	if n > c.limit {
		n = c.limit
	}
	if err := c.mem.Acquire(ctx, n); err != nil {
		return nil, err
	}
	return func() { c.mem.Release(n) }, nil
}
