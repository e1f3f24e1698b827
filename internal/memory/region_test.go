package memory

import (
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/arrowhead/internal/metrics"
)

func TestRegion_AllocateRelease(t *testing.T) {
	activeBefore := testutil.ToFloat64(metrics.NativeRegionsActive)

	r, err := Allocate(4096)
	require.NoError(t, err)
	assert.Equal(t, 4096, r.Len())
	assert.Equal(t, activeBefore+1, testutil.ToFloat64(metrics.NativeRegionsActive))

	b := r.Bytes()
	require.Len(t, b, 4096)
	assert.Equal(t, byte(0), b[4095], "mapping is zero filled")
	b[0] = 7

	f := r.Float32s()
	assert.Len(t, f, 1024)

	require.NoError(t, r.Release())
	assert.True(t, r.Released())
	assert.Nil(t, r.Bytes())
	assert.Nil(t, r.Float32s())
	assert.Equal(t, activeBefore, testutil.ToFloat64(metrics.NativeRegionsActive))

	// second release is reported, not repeated
	assert.ErrorIs(t, r.Release(), ErrReleased)
	assert.Equal(t, activeBefore, testutil.ToFloat64(metrics.NativeRegionsActive))
}

func TestRegion_InvalidSize(t *testing.T) {
	_, err := Allocate(0)
	assert.ErrorIs(t, err, ErrInvalidSize)
	_, err = Allocate(-5)
	assert.ErrorIs(t, err, ErrInvalidSize)
}

func TestNativeAllocator(t *testing.T) {
	alloc := NewNativeAllocator()

	buf := alloc.Allocate(1024)
	assert.Equal(t, 1024, len(buf))
	buf[0] = 1
	buf[1023] = 2

	buf2 := alloc.Allocate(512)
	assert.NotEqual(t, &buf[0], &buf2[0])
	assert.Equal(t, 2, alloc.Outstanding())

	buf3 := alloc.Reallocate(2048, buf)
	assert.Equal(t, 2048, len(buf3))
	assert.Equal(t, byte(1), buf3[0])
	assert.Equal(t, byte(2), buf3[1023])
	assert.Equal(t, 2, alloc.Outstanding(), "old region freed by reallocate")

	alloc.Free(buf2)
	alloc.Free(buf3)
	assert.Equal(t, 0, alloc.Outstanding())
	assert.Equal(t, int64(0), alloc.Allocated())

	assert.Len(t, alloc.Allocate(0), 0)
	alloc.Free(nil)
	alloc.Free(make([]byte, 8)) // not ours
	assert.Equal(t, 0, alloc.Outstanding())
}

func TestNativeAllocator_ArrowBuilder(t *testing.T) {
	alloc := NewNativeAllocator()

	bldr := array.NewFixedSizeListBuilder(alloc, 4, arrow.PrimitiveTypes.Float32)
	vb := bldr.ValueBuilder().(*array.Float32Builder)
	for i := 0; i < 16; i++ {
		bldr.Append(true)
		vb.AppendValues([]float32{float32(i), 1, 2, 3}, nil)
	}
	arr := bldr.NewArray()
	bldr.Release()
	assert.Greater(t, alloc.Outstanding(), 0)

	list := arr.(*array.FixedSizeList)
	vals := list.ListValues().(*array.Float32)
	assert.Equal(t, float32(15), vals.Value(60))

	arr.Release()
	assert.Equal(t, 0, alloc.Outstanding())
}
