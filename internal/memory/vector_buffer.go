package memory

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/23skdu/arrowhead/internal/core"
)

// VectorBuffer holds the input of an index build: ids plus their vectors
// packed contiguously in a native Region.
//
// A buffer has exactly one owner. Passing it to a consumer that documents
// it takes ownership (native.Service.Create) moves it: the consumer releases
// it on every exit path and the caller must not touch it afterwards. Release
// is safe to call more than once; only the first call frees the region.
type VectorBuffer struct {
	noCopy    noCopy
	ids       []int64
	region    *Region
	dimension int
	dataType  core.DataType

	released  atomic.Bool
	releases  atomic.Int32
	onRelease func()
}

// NewVectorBuffer allocates a zeroed buffer for len(ids) vectors.
func NewVectorBuffer(ids []int64, dimension int, dataType core.DataType) (*VectorBuffer, error) {
	if len(ids) == 0 {
		return nil, core.NewInvalidArgumentError("ids", "must not be empty")
	}
	if err := dataType.ValidateDimension(dimension); err != nil {
		return nil, err
	}
	region, err := Allocate(len(ids) * dataType.BytesPerVector(dimension))
	if err != nil {
		return nil, err
	}
	return &VectorBuffer{ids: ids, region: region, dimension: dimension, dataType: dataType}, nil
}

// WrapRegion takes ownership of an already filled region. The region is
// released if validation fails.
func WrapRegion(ids []int64, region *Region, dimension int, dataType core.DataType) (*VectorBuffer, error) {
	b := &VectorBuffer{ids: ids, region: region, dimension: dimension, dataType: dataType}
	if err := b.Validate(); err != nil {
		b.Release()
		return nil, err
	}
	return b, nil
}

// FromFloat32s copies float vectors into a new native buffer.
func FromFloat32s(ids []int64, vectors [][]float32) (*VectorBuffer, error) {
	if len(ids) != len(vectors) {
		return nil, core.NewInvalidArgumentError("vectors", fmt.Sprintf("%d ids for %d vectors", len(ids), len(vectors)))
	}
	if len(vectors) == 0 {
		return nil, core.NewInvalidArgumentError("ids", "must not be empty")
	}
	b, err := NewVectorBuffer(ids, len(vectors[0]), core.DataTypeFloat)
	if err != nil {
		return nil, err
	}
	for i, v := range vectors {
		if err := b.SetFloat32(i, v); err != nil {
			b.Release()
			return nil, err
		}
	}
	return b, nil
}

// Validate checks the byte-length invariant
// len(ids) * bytesPerVector(dimension) == region length.
func (b *VectorBuffer) Validate() error {
	if b.released.Load() {
		return ErrReleased
	}
	if len(b.ids) == 0 {
		return core.NewInvalidArgumentError("ids", "must not be empty")
	}
	if err := b.dataType.ValidateDimension(b.dimension); err != nil {
		return err
	}
	want := len(b.ids) * b.dataType.BytesPerVector(b.dimension)
	if b.region == nil || b.region.Len() != want {
		return core.NewInvalidArgumentError("vectors",
			fmt.Sprintf("expected %d bytes for %d %s vectors of dimension %d, got %d",
				want, len(b.ids), b.dataType, b.dimension, b.region.Len()))
	}
	return nil
}

// SetFloat32 writes vector i of a float buffer.
func (b *VectorBuffer) SetFloat32(i int, v []float32) error {
	if b.dataType != core.DataTypeFloat {
		return core.NewInvalidArgumentError("data_type", fmt.Sprintf("buffer holds %s vectors", b.dataType))
	}
	if len(v) != b.dimension {
		return core.NewInvalidArgumentError("vector", fmt.Sprintf("dimension %d, want %d", len(v), b.dimension))
	}
	dst := b.Float32s()
	if dst == nil {
		return ErrReleased
	}
	copy(dst[i*b.dimension:(i+1)*b.dimension], v)
	return nil
}

// SetRaw writes the encoded bytes of vector i.
func (b *VectorBuffer) SetRaw(i int, raw []byte) error {
	size := b.dataType.BytesPerVector(b.dimension)
	if len(raw) != size {
		return core.NewInvalidArgumentError("vector", fmt.Sprintf("%d bytes, want %d", len(raw), size))
	}
	dst := b.region.Bytes()
	if dst == nil || b.released.Load() {
		return ErrReleased
	}
	copy(dst[i*size:(i+1)*size], raw)
	return nil
}

// Bytes returns the packed vector bytes, or nil once released.
func (b *VectorBuffer) Bytes() []byte {
	if b.released.Load() {
		return nil
	}
	return b.region.Bytes()
}

// Float32s views a float buffer as one flat slice, or nil once released.
func (b *VectorBuffer) Float32s() []float32 {
	if b.released.Load() || b.dataType != core.DataTypeFloat {
		return nil
	}
	return b.region.Float32s()
}

// Int8s views a byte buffer as signed values, or nil once released.
func (b *VectorBuffer) Int8s() []int8 {
	raw := b.Bytes()
	if len(raw) == 0 || b.dataType != core.DataTypeByte {
		return nil
	}
	return unsafe.Slice((*int8)(unsafe.Pointer(&raw[0])), len(raw))
}

func (b *VectorBuffer) IDs() []int64            { return b.ids }
func (b *VectorBuffer) Count() int              { return len(b.ids) }
func (b *VectorBuffer) Dimension() int          { return b.dimension }
func (b *VectorBuffer) DataType() core.DataType { return b.dataType }

// ByteLen returns the size of the native region.
func (b *VectorBuffer) ByteLen() int { return b.region.Len() }

// OnRelease registers a hook run once, after the region is freed.
func (b *VectorBuffer) OnRelease(fn func()) { b.onRelease = fn }

// Releases reports how many times Release was called.
func (b *VectorBuffer) Releases() int32 { return b.releases.Load() }

// Released reports whether the native memory has been freed.
func (b *VectorBuffer) Released() bool { return b.released.Load() }

// Release frees the native region. Calls after the first only count.
func (b *VectorBuffer) Release() {
	b.releases.Add(1)
	if !b.released.CompareAndSwap(false, true) {
		return
	}
	if b.region != nil {
		_ = b.region.Release()
	}
	if b.onRelease != nil {
		b.onRelease()
	}
}
