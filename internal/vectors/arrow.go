// Package vectors turns columnar sources (Arrow records, Arrow IPC streams,
// Parquet files) into native vector buffers ready for an index build.
package vectors

import (
	"errors"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"

	"github.com/23skdu/arrowhead/internal/core"
	"github.com/23skdu/arrowhead/internal/memory"
)

// ErrNoRows is returned when a source holds no vectors.
var ErrNoRows = errors.New("source contains no rows")

// Columns names the id and vector columns of a record.
type Columns struct {
	ID     string
	Vector string
}

// DefaultColumns matches the schema exported datasets use.
var DefaultColumns = Columns{ID: "id", Vector: "vector"}

func columnIndex(schema *arrow.Schema, name string) (int, error) {
	idx := schema.FieldIndices(name)
	if len(idx) == 0 {
		return -1, fmt.Errorf("column %q not found in schema %s", name, schema)
	}
	return idx[0], nil
}

// recordLayout inspects the vector column once per record.
type recordLayout struct {
	idCol    arrow.Array
	vecCol   *array.FixedSizeList
	dim      int
	dataType core.DataType
}

func inspect(rec arrow.Record, cols Columns) (recordLayout, error) {
	var l recordLayout
	idIdx, err := columnIndex(rec.Schema(), cols.ID)
	if err != nil {
		return l, err
	}
	vecIdx, err := columnIndex(rec.Schema(), cols.Vector)
	if err != nil {
		return l, err
	}
	vecCol, ok := rec.Column(vecIdx).(*array.FixedSizeList)
	if !ok {
		return l, fmt.Errorf("column %q is %s, want fixed_size_list", cols.Vector, rec.Column(vecIdx).DataType())
	}
	fsl := vecCol.DataType().(*arrow.FixedSizeListType)
	l.idCol = rec.Column(idIdx)
	l.vecCol = vecCol
	l.dim = int(fsl.Len())
	switch fsl.Elem().ID() {
	case arrow.FLOAT16, arrow.FLOAT32, arrow.FLOAT64:
		l.dataType = core.DataTypeFloat
	case arrow.INT8:
		l.dataType = core.DataTypeByte
	default:
		return l, fmt.Errorf("unsupported vector element type %s", fsl.Elem())
	}
	return l, nil
}

func idAt(col arrow.Array, i int) (int64, error) {
	if col.IsNull(i) {
		return 0, fmt.Errorf("null id at row %d", i)
	}
	switch c := col.(type) {
	case *array.Int64:
		return c.Value(i), nil
	case *array.Int32:
		return int64(c.Value(i)), nil
	case *array.Uint32:
		return int64(c.Value(i)), nil
	case *array.Uint64:
		return int64(c.Value(i)), nil
	default:
		return 0, fmt.Errorf("unsupported id type %s", col.DataType())
	}
}

// copyRows appends the rows of rec into buf starting at row offset.
func copyRows(buf *memory.VectorBuffer, ids []int64, offset int, l recordLayout) error {
	n := l.vecCol.Len()
	start := l.vecCol.Offset() * l.dim
	for i := 0; i < n; i++ {
		id, err := idAt(l.idCol, i)
		if err != nil {
			return err
		}
		if l.vecCol.IsNull(i) {
			return fmt.Errorf("null vector at row %d", i)
		}
		ids[offset+i] = id
		lo, hi := start+i*l.dim, start+(i+1)*l.dim
		switch vals := l.vecCol.ListValues().(type) {
		case *array.Float32:
			err = buf.SetFloat32(offset+i, vals.Float32Values()[lo:hi])
		case *array.Float64:
			v := make([]float32, l.dim)
			for k, x := range vals.Float64Values()[lo:hi] {
				v[k] = float32(x)
			}
			err = buf.SetFloat32(offset+i, v)
		case *array.Float16:
			v := make([]float32, l.dim)
			for k, x := range vals.Values()[lo:hi] {
				v[k] = x.Float32()
			}
			err = buf.SetFloat32(offset+i, v)
		case *array.Int8:
			raw := make([]byte, l.dim)
			for k, x := range vals.Int8Values()[lo:hi] {
				raw[k] = byte(x)
			}
			err = buf.SetRaw(offset+i, raw)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// FromRecords copies the vectors of one or more records sharing a schema
// into a new native buffer. The records are not released.
func FromRecords(cols Columns, recs ...arrow.Record) (*memory.VectorBuffer, error) {
	layouts := make([]recordLayout, 0, len(recs))
	total := 0
	for _, rec := range recs {
		if rec.NumRows() == 0 {
			continue
		}
		l, err := inspect(rec, cols)
		if err != nil {
			return nil, err
		}
		if len(layouts) > 0 && (l.dim != layouts[0].dim || l.dataType != layouts[0].dataType) {
			return nil, fmt.Errorf("record has %d-dim %s vectors, first record has %d-dim %s",
				l.dim, l.dataType, layouts[0].dim, layouts[0].dataType)
		}
		layouts = append(layouts, l)
		total += int(rec.NumRows())
	}
	if total == 0 {
		return nil, ErrNoRows
	}

	ids := make([]int64, total)
	buf, err := memory.NewVectorBuffer(ids, layouts[0].dim, layouts[0].dataType)
	if err != nil {
		return nil, err
	}
	offset := 0
	for _, l := range layouts {
		if err := copyRows(buf, ids, offset, l); err != nil {
			buf.Release()
			return nil, err
		}
		offset += l.vecCol.Len()
	}
	return buf, nil
}

// ReadIPC reads an Arrow IPC stream with a NativeAllocator so decoded
// columns stay off the Go heap, then copies them into one vector buffer.
func ReadIPC(r io.Reader, cols Columns) (*memory.VectorBuffer, error) {
	alloc := memory.NewNativeAllocator()
	rdr, err := ipc.NewReader(r, ipc.WithAllocator(alloc))
	if err != nil {
		return nil, fmt.Errorf("open ipc stream: %w", err)
	}
	defer rdr.Release()

	var recs []arrow.Record
	defer func() {
		for _, rec := range recs {
			rec.Release()
		}
	}()
	for rdr.Next() {
		rec := rdr.Record()
		rec.Retain()
		recs = append(recs, rec)
	}
	if err := rdr.Err(); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read ipc stream: %w", err)
	}
	return FromRecords(cols, recs...)
}
