package vectors

import (
	"bytes"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	arrowmem "github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/arrowhead/internal/core"
)

func buildRecord(t *testing.T, mem arrowmem.Allocator, elem arrow.DataType, ids []int64, vecs [][]float32) arrow.Record {
	t.Helper()
	dim := int32(len(vecs[0]))
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64},
		{Name: "vector", Type: arrow.FixedSizeListOf(dim, elem)},
	}, nil)
	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()

	idb := b.Field(0).(*array.Int64Builder)
	lb := b.Field(1).(*array.FixedSizeListBuilder)
	for i, v := range vecs {
		idb.Append(ids[i])
		lb.Append(true)
		switch vb := lb.ValueBuilder().(type) {
		case *array.Float32Builder:
			vb.AppendValues(v, nil)
		case *array.Float64Builder:
			for _, x := range v {
				vb.Append(float64(x))
			}
		case *array.Int8Builder:
			for _, x := range v {
				vb.Append(int8(x))
			}
		default:
			t.Fatalf("unexpected builder %T", vb)
		}
	}
	return b.NewRecord()
}

func TestFromRecords(t *testing.T) {
	mem := arrowmem.NewCheckedAllocator(arrowmem.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	r1 := buildRecord(t, mem, arrow.PrimitiveTypes.Float32, []int64{1, 2}, [][]float32{{1, 2, 3}, {4, 5, 6}})
	defer r1.Release()
	r2 := buildRecord(t, mem, arrow.PrimitiveTypes.Float64, []int64{3}, [][]float32{{7, 8, 9}})
	defer r2.Release()

	buf, err := FromRecords(DefaultColumns, r1, r2)
	require.NoError(t, err)
	defer buf.Release()

	assert.Equal(t, []int64{1, 2, 3}, buf.IDs())
	assert.Equal(t, 3, buf.Dimension())
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6, 7, 8, 9}, buf.Float32s())
	require.NoError(t, buf.Validate())
}

func TestFromRecords_Int8AndSlices(t *testing.T) {
	mem := arrowmem.NewGoAllocator()
	rec := buildRecord(t, mem, arrow.PrimitiveTypes.Int8, []int64{5, 6, 7}, [][]float32{{1, -1}, {2, -2}, {3, -3}})
	defer rec.Release()

	sliced := rec.NewSlice(1, 3)
	defer sliced.Release()

	buf, err := FromRecords(DefaultColumns, sliced)
	require.NoError(t, err)
	defer buf.Release()
	assert.Equal(t, core.DataTypeByte, buf.DataType())
	assert.Equal(t, []int64{6, 7}, buf.IDs())
	assert.Equal(t, []int8{2, -2, 3, -3}, buf.Int8s())
}

func TestFromRecords_Errors(t *testing.T) {
	mem := arrowmem.NewGoAllocator()
	a := buildRecord(t, mem, arrow.PrimitiveTypes.Float32, []int64{1}, [][]float32{{1, 2}})
	defer a.Release()
	b := buildRecord(t, mem, arrow.PrimitiveTypes.Float32, []int64{2}, [][]float32{{1, 2, 3}})
	defer b.Release()

	_, err := FromRecords(DefaultColumns, a, b)
	assert.Error(t, err, "dimension mismatch across records")

	_, err = FromRecords(Columns{ID: "key", Vector: "vector"}, a)
	assert.Error(t, err)

	_, err = FromRecords(DefaultColumns)
	assert.ErrorIs(t, err, ErrNoRows)
}

func TestReadIPC(t *testing.T) {
	mem := arrowmem.NewGoAllocator()
	rec := buildRecord(t, mem, arrow.PrimitiveTypes.Float32, []int64{10, 11, 12}, [][]float32{{1, 0}, {0, 1}, {1, 1}})
	defer rec.Release()

	var stream bytes.Buffer
	w := ipc.NewWriter(&stream, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(mem))
	require.NoError(t, w.Write(rec))
	require.NoError(t, w.Write(rec))
	require.NoError(t, w.Close())

	buf, err := ReadIPC(&stream, DefaultColumns)
	require.NoError(t, err)
	defer buf.Release()
	assert.Equal(t, []int64{10, 11, 12, 10, 11, 12}, buf.IDs())
	assert.Equal(t, []float32{1, 0, 0, 1, 1, 1, 1, 0, 0, 1, 1, 1}, buf.Float32s())
}

func TestParquetRoundTrip(t *testing.T) {
	ids := make([]int64, 3000)
	vecs := make([][]float32, len(ids))
	for i := range ids {
		ids[i] = int64(i) * 3
		vecs[i] = []float32{float32(i), float32(-i), 0.5}
	}

	var file bytes.Buffer
	require.NoError(t, WriteParquet(&file, ids, vecs))

	buf, err := ReadParquet(bytes.NewReader(file.Bytes()), int64(file.Len()))
	require.NoError(t, err)
	defer buf.Release()

	assert.Equal(t, ids, buf.IDs())
	assert.Equal(t, 3, buf.Dimension())
	got := buf.Float32s()
	assert.Equal(t, float32(2999), got[2999*3])
	assert.Equal(t, float32(-2999), got[2999*3+1])

	assert.Error(t, WriteParquet(&file, ids, vecs[:1]))
}

func TestReadParquet_Empty(t *testing.T) {
	var file bytes.Buffer
	require.NoError(t, WriteParquet(&file, nil, nil))
	_, err := ReadParquet(bytes.NewReader(file.Bytes()), int64(file.Len()))
	assert.ErrorIs(t, err, ErrNoRows)
}
