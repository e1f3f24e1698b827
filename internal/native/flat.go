package native

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"math/bits"
	"unsafe"

	"github.com/23skdu/arrowhead/internal/core"
	"github.com/23skdu/arrowhead/internal/memory"
	"github.com/23skdu/arrowhead/internal/simd"
)

// flatIndex is an exhaustive scan over vectors held in a native region.
// Payload: count little-endian int64 ids followed by the packed vectors.
type flatIndex struct {
	ids     []int64
	vectors *memory.Region
	dim     int
	dtype   core.DataType
	space   core.SpaceType
	stride  int
}

func flatPayloadLen(count, dim int, dt core.DataType) int64 {
	return int64(count) * (8 + int64(dt.BytesPerVector(dim)))
}

// writeFlat streams the buffer contents without building anything.
func writeFlat(ctx context.Context, w io.Writer, buf *memory.VectorBuffer) error {
	idBytes := make([]byte, 8*buf.Count())
	for i, id := range buf.IDs() {
		binary.LittleEndian.PutUint64(idBytes[i*8:], uint64(id))
	}
	if _, err := w.Write(idBytes); err != nil {
		return fmt.Errorf("write ids: %w", err)
	}
	raw := buf.Bytes()
	const chunk = 1 << 20
	for off := 0; off < len(raw); off += chunk {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(off+chunk, len(raw))
		if _, err := w.Write(raw[off:end]); err != nil {
			return fmt.Errorf("write vectors: %w", err)
		}
	}
	return nil
}

// idChunk bounds how many ids loadFlat decodes per read, so memory grows
// with the bytes actually received rather than with the declared count.
const idChunk = 1 << 16

// loadFlat reads the payload into a fresh region. The region is released
// on any error.
func loadFlat(r io.Reader, h header) (*flatIndex, error) {
	stride := h.DataType.BytesPerVector(h.Dimension)
	hi, size := bits.Mul64(uint64(h.Count), uint64(stride))
	if hi != 0 || size > math.MaxInt {
		return nil, fmt.Errorf("%d vectors of %d bytes overflow", h.Count, stride)
	}

	ids := make([]int64, 0, min(h.Count, idChunk))
	chunk := make([]byte, 8*min(h.Count, idChunk))
	for len(ids) < h.Count {
		n := min(h.Count-len(ids), idChunk)
		if _, err := io.ReadFull(r, chunk[:8*n]); err != nil {
			return nil, fmt.Errorf("read ids: %w", err)
		}
		for i := 0; i < n; i++ {
			ids = append(ids, int64(binary.LittleEndian.Uint64(chunk[i*8:])))
		}
	}

	// the mapping is lazy, pages are only touched as vector bytes arrive
	region, err := memory.Allocate(int(size))
	if err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(r, region.Bytes()); err != nil {
		_ = region.Release()
		return nil, fmt.Errorf("read vectors: %w", err)
	}
	return &flatIndex{
		ids:     ids,
		vectors: region,
		dim:     h.Dimension,
		dtype:   h.DataType,
		space:   h.Space,
		stride:  stride,
	}, nil
}

// scanBlock is the number of vectors scored per batch kernel call.
const scanBlock = 1024

func (f *flatIndex) search(ctx context.Context, query []float32, k int) (core.QueryResult, error) {
	top := newTopK(k)
	raw := f.vectors.Bytes()
	if raw == nil {
		return nil, memory.ErrReleased
	}

	var score func(lo, hi int, out []float32) error
	switch f.dtype {
	case core.DataTypeFloat:
		dist := floatDistance(f.space)
		all := f.vectors.Float32s()
		score = func(lo, hi int, out []float32) error {
			return simd.BatchFlat(dist, query, all[lo*f.dim:hi*f.dim], f.dim, out)
		}
	case core.DataTypeByte:
		dist := int8Distance(f.space)
		q := quantizeInt8(query)
		all := unsafe.Slice((*int8)(unsafe.Pointer(&raw[0])), len(raw))
		score = func(lo, hi int, out []float32) error {
			return simd.Int8BatchFlat(dist, q, all[lo*f.dim:hi*f.dim], f.dim, out)
		}
	case core.DataTypeBinary:
		q := packBits(query)
		score = func(lo, hi int, out []float32) error {
			return simd.HammingBatchFlat(q, raw[lo*f.stride:hi*f.stride], f.stride, out)
		}
	default:
		return nil, fmt.Errorf("unsupported data type %q", f.dtype)
	}

	dists := make([]float32, min(scanBlock, len(f.ids)))
	for lo := 0; lo < len(f.ids); lo += scanBlock {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		hi := min(lo+scanBlock, len(f.ids))
		out := dists[:hi-lo]
		if err := score(lo, hi, out); err != nil {
			return nil, err
		}
		for i, d := range out {
			top.push(f.ids[lo+i], d)
		}
	}
	return top.result(), nil
}

func (f *flatIndex) free() error {
	return f.vectors.Release()
}
