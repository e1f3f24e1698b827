package vectors

import (
	"errors"
	"fmt"
	"io"

	"github.com/parquet-go/parquet-go"

	"github.com/23skdu/arrowhead/internal/core"
	"github.com/23skdu/arrowhead/internal/memory"
)

// Row is the Parquet row layout for vector datasets.
type Row struct {
	ID     int64     `parquet:"id"`
	Vector []float32 `parquet:"vector"`
}

const parquetBatch = 1024

// ReadParquet loads every row of a Parquet file into a float vector
// buffer. All vectors must share one dimension.
func ReadParquet(r io.ReaderAt, size int64) (*memory.VectorBuffer, error) {
	pf, err := parquet.OpenFile(r, size)
	if err != nil {
		return nil, fmt.Errorf("open parquet: %w", err)
	}
	pr := parquet.NewGenericReader[Row](pf)
	defer pr.Close()

	total := int(pr.NumRows())
	if total == 0 {
		return nil, ErrNoRows
	}

	ids := make([]int64, total)
	var buf *memory.VectorBuffer
	rows := make([]Row, parquetBatch)
	offset := 0
	for offset < total {
		n, err := pr.Read(rows)
		for i := 0; i < n; i++ {
			row := rows[i]
			if buf == nil {
				var berr error
				buf, berr = memory.NewVectorBuffer(ids, len(row.Vector), core.DataTypeFloat)
				if berr != nil {
					return nil, berr
				}
			}
			if serr := buf.SetFloat32(offset, row.Vector); serr != nil {
				buf.Release()
				return nil, fmt.Errorf("row %d: %w", offset, serr)
			}
			ids[offset] = row.ID
			offset++
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if buf != nil {
				buf.Release()
			}
			return nil, fmt.Errorf("read parquet: %w", err)
		}
	}
	if offset != total {
		buf.Release()
		return nil, fmt.Errorf("read %d of %d rows", offset, total)
	}
	return buf, nil
}

// WriteParquet writes ids and vectors as Parquet rows, zstd compressed.
func WriteParquet(w io.Writer, ids []int64, vecs [][]float32) error {
	if len(ids) != len(vecs) {
		return fmt.Errorf("%d ids for %d vectors", len(ids), len(vecs))
	}
	pw := parquet.NewGenericWriter[Row](w, parquet.Compression(&parquet.Zstd))
	rows := make([]Row, len(ids))
	for i := range ids {
		rows[i] = Row{ID: ids[i], Vector: vecs[i]}
	}
	if _, err := pw.Write(rows); err != nil {
		_ = pw.Close()
		return err
	}
	return pw.Close()
}
