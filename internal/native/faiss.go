//go:build faiss && cgo

package native

/*
#cgo LDFLAGS: -lfaiss_c
#include <stdlib.h>
#include <faiss/c_api/faiss_c.h>
#include <faiss/c_api/Index_c.h>
#include <faiss/c_api/index_factory_c.h>
#include <faiss/c_api/index_io_c.h>
#include <faiss/c_api/error_c.h>
*/
import "C"

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"unsafe"

	"github.com/23skdu/arrowhead/internal/core"
	"github.com/23skdu/arrowhead/internal/memory"
)

const defaultFaissDescription = "Flat"

func faissInit() error { return nil }

func faissLastError(op string, code C.int) error {
	msg := C.GoString(C.faiss_get_last_error())
	return fmt.Errorf("faiss %s failed (%d): %s", op, int(code), msg)
}

func faissMetric(space core.SpaceType) (C.FaissMetricType, error) {
	switch space {
	case core.SpaceL2:
		return C.METRIC_L2, nil
	case core.SpaceInnerProduct, core.SpaceCosine:
		return C.METRIC_INNER_PRODUCT, nil
	default:
		return 0, core.NewInvalidArgumentError(core.ParamSpaceType, fmt.Sprintf("faiss does not support %s", space))
	}
}

func normalize(v []float32) {
	var n float64
	for _, x := range v {
		n += float64(x) * float64(x)
	}
	if n == 0 {
		return
	}
	inv := float32(1 / math.Sqrt(n))
	for i := range v {
		v[i] *= inv
	}
}

// faissIndex owns a FaissIndex allocated by the C library.
type faissIndex struct {
	mu    sync.RWMutex
	ptr   *C.FaissIndex
	dim   int
	space core.SpaceType
}

// buildFAISS creates an IDMap-wrapped index from the buffer and serializes
// it to a temp file, returning the path. The C index is freed before return.
func buildFAISS(ctx context.Context, buf *memory.VectorBuffer, space core.SpaceType, params core.Parameters) (string, error) {
	if buf.DataType() != core.DataTypeFloat {
		return "", core.NewInvalidArgumentError(core.ParamDataType, "faiss supports float vectors only")
	}
	metric, err := faissMetric(space)
	if err != nil {
		return "", err
	}
	desc, err := params.String(core.ParamIndexDescription, defaultFaissDescription)
	if err != nil {
		return "", err
	}
	cdesc := C.CString("IDMap," + desc)
	defer C.free(unsafe.Pointer(cdesc))

	var idx *C.FaissIndex
	if rc := C.faiss_index_factory(&idx, C.int(buf.Dimension()), cdesc, metric); rc != 0 {
		return "", faissLastError("index_factory", rc)
	}
	defer C.faiss_Index_free(idx)

	if err := ctx.Err(); err != nil {
		return "", err
	}

	vectors := buf.Float32s()
	if space == core.SpaceCosine {
		vectors = append([]float32(nil), vectors...)
		for i := 0; i < buf.Count(); i++ {
			normalize(vectors[i*buf.Dimension() : (i+1)*buf.Dimension()])
		}
	}
	ids := buf.IDs()
	if rc := C.faiss_Index_add_with_ids(idx, C.idx_t(len(ids)),
		(*C.float)(unsafe.Pointer(&vectors[0])),
		(*C.idx_t)(unsafe.Pointer(&ids[0]))); rc != 0 {
		return "", faissLastError("add_with_ids", rc)
	}

	f, err := os.CreateTemp("", "arrowhead-faiss-*.index")
	if err != nil {
		return "", err
	}
	path := f.Name()
	_ = f.Close()

	cpath := C.CString(path)
	defer C.free(unsafe.Pointer(cpath))
	if rc := C.faiss_write_index_fname(idx, cpath); rc != 0 {
		_ = os.Remove(path)
		return "", faissLastError("write_index", rc)
	}
	return path, nil
}

func loadFAISS(r io.Reader, h header) (*faissIndex, error) {
	if h.DataType != core.DataTypeFloat {
		return nil, fmt.Errorf("faiss index with %s vectors", h.DataType)
	}
	f, err := os.CreateTemp("", "arrowhead-faiss-*.index")
	if err != nil {
		return nil, err
	}
	defer os.Remove(f.Name())
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("spool faiss payload: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, err
	}

	cpath := C.CString(f.Name())
	defer C.free(unsafe.Pointer(cpath))
	var idx *C.FaissIndex
	if rc := C.faiss_read_index_fname(cpath, 0, &idx); rc != 0 {
		return nil, faissLastError("read_index", rc)
	}
	if int(C.faiss_Index_d(idx)) != h.Dimension || int(C.faiss_Index_ntotal(idx)) != h.Count {
		C.faiss_Index_free(idx)
		return nil, fmt.Errorf("faiss index shape does not match header")
	}
	return &faissIndex{ptr: idx, dim: h.Dimension, space: h.Space}, nil
}

func (x *faissIndex) search(query []float32, k int) (core.QueryResult, error) {
	q := query
	if x.space == core.SpaceCosine {
		q = append([]float32(nil), query...)
		normalize(q)
	}
	distances := make([]float32, k)
	labels := make([]int64, k)

	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.ptr == nil {
		return nil, memory.ErrReleased
	}
	if rc := C.faiss_Index_search(x.ptr, 1, (*C.float)(unsafe.Pointer(&q[0])), C.idx_t(k),
		(*C.float)(unsafe.Pointer(&distances[0])),
		(*C.idx_t)(unsafe.Pointer(&labels[0]))); rc != 0 {
		return nil, faissLastError("search", rc)
	}

	top := newTopK(k)
	for i, id := range labels {
		if id < 0 {
			break
		}
		d := distances[i]
		switch x.space {
		case core.SpaceInnerProduct:
			d = -d
		case core.SpaceCosine:
			d = 1 - d
		}
		top.push(id, d)
	}
	return top.result(), nil
}

func (x *faissIndex) free() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.ptr == nil {
		return memory.ErrReleased
	}
	C.faiss_Index_free(x.ptr)
	x.ptr = nil
	return nil
}
