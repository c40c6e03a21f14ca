package encoder

import (
	"context"
	"fmt"

	"github.com/menta2k/feature-extractor/pkg/types"
)

// DefaultBatchSize bounds the number of patches per forward pass
const DefaultBatchSize = 1024

// Encoder batches patches through the model held by a Context.
// It is stateless and safe for concurrent use.
type Encoder struct {
	ctx       *Context
	batchSize int
}

// New creates an Encoder. A non-positive batchSize uses DefaultBatchSize.
func New(c *Context, batchSize int) *Encoder {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Encoder{ctx: c, batchSize: batchSize}
}

// BatchSize returns the configured batch size
func (e *Encoder) BatchSize() int { return e.batchSize }

// Dim is the descriptor length produced by Encode
func (e *Encoder) Dim() int { return e.ctx.model.Dim() }

// Encode returns one descriptor per patch in patch order. Zero patches return an
// empty result without running the model. A patch whose size differs from the
// model input returns *types.ShapeMismatchError.
func (e *Encoder) Encode(ctx context.Context, patches []types.Patch) ([]types.Descriptor, error) {
	if len(patches) == 0 {
		return []types.Descriptor{}, nil
	}

	m := e.ctx.model
	in := m.InputLen()
	for i, p := range patches {
		if p.Size != m.InputSize || len(p.Data) != in {
			return nil, &types.ShapeMismatchError{
				Keypoints:   len(patches),
				Descriptors: len(patches),
				Dim:         in,
				Row:         i,
				RowLen:      len(p.Data),
			}
		}
	}

	dim := m.Dim()
	out := make([]types.Descriptor, 0, len(patches))
	for _, r := range Batches(len(patches), e.batchSize) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		x := make([]float32, r.Len()*in)
		for i, p := range patches[r.Start:r.End] {
			copy(x[i*in:], p.Data)
		}

		release, err := e.ctx.acquire(ctx, m.ActivationBytes(r.Len()))
		if err != nil {
			return nil, err
		}
		y, err := m.Forward(e.ctx.dev, x, r.Len())
		release()
		if err != nil {
			return nil, fmt.Errorf("encode batch [%d:%d]: %w", r.Start, r.End, err)
		}

		for i := 0; i < r.Len(); i++ {
			d := make(types.Descriptor, dim)
			copy(d, y[i*dim:(i+1)*dim])
			out = append(out, d)
		}
	}
	return out, nil
}
