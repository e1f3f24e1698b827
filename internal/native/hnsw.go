package native

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/coder/hnsw"

	"github.com/23skdu/arrowhead/internal/core"
	"github.com/23skdu/arrowhead/internal/memory"
)

const (
	defaultM              = 16
	defaultEfConstruction = 100
	defaultEfSearch       = 100
)

// Names persisted in exported graphs; Import resolves them through the
// hnsw registry.
func registerHNSWDistances() {
	hnsw.RegisterDistanceFunc("euclidean", hnsw.EuclideanDistance)
	hnsw.RegisterDistanceFunc("cosine", hnsw.CosineDistance)
	hnsw.RegisterDistanceFunc("innerproduct", negativeDot)
}

func hnswGraphDistance(space core.SpaceType) hnsw.DistanceFunc {
	switch space {
	case core.SpaceCosine:
		return hnsw.CosineDistance
	case core.SpaceInnerProduct:
		return negativeDot
	default:
		return hnsw.EuclideanDistance
	}
}

// hnswIndex wraps a coder/hnsw graph. Byte vectors are widened to float32
// on the way in; binary vectors are not supported.
type hnswIndex struct {
	// Search reads graph.EfSearch; a query overriding it holds mu exclusively.
	mu       sync.RWMutex
	graph    *hnsw.Graph[int64]
	dim      int
	dtype    core.DataType
	space    core.SpaceType
	efSearch int
}

func buildHNSW(ctx context.Context, buf *memory.VectorBuffer, space core.SpaceType, params core.Parameters) (*hnsw.Graph[int64], error) {
	if buf.DataType() == core.DataTypeBinary {
		return nil, core.NewInvalidArgumentError(core.ParamDataType, "hnsw does not support binary vectors")
	}
	m, err := params.Int(core.ParamM, defaultM)
	if err != nil {
		return nil, err
	}
	efC, err := params.Int(core.ParamEfConstruction, defaultEfConstruction)
	if err != nil {
		return nil, err
	}
	if m < 2 || efC < 1 {
		return nil, core.NewInvalidArgumentError(core.ParamM, fmt.Sprintf("m=%d ef_construction=%d out of range", m, efC))
	}

	g := hnsw.NewGraph[int64]()
	g.M = m
	g.EfSearch = efC
	g.Distance = hnswGraphDistance(space)

	dim := buf.Dimension()
	floats := buf.Float32s()
	bytesView := buf.Int8s()
	for i, id := range buf.IDs() {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		var vec []float32
		if buf.DataType() == core.DataTypeByte {
			vec = widenInt8(bytesView[i*dim : (i+1)*dim])
		} else {
			// the graph keeps the slice, so copy off the native region
			vec = make([]float32, dim)
			copy(vec, floats[i*dim:(i+1)*dim])
		}
		g.Add(hnsw.MakeNode(id, vec))
	}
	return g, nil
}

func exportHNSW(g *hnsw.Graph[int64]) (*bytes.Buffer, error) {
	var b bytes.Buffer
	if err := g.Export(&b); err != nil {
		return nil, fmt.Errorf("export graph: %w", err)
	}
	return &b, nil
}

func loadHNSW(r io.Reader, h header, params core.Parameters) (*hnswIndex, error) {
	ef, err := params.Int(core.ParamEfSearch, defaultEfSearch)
	if err != nil {
		return nil, err
	}
	g := hnsw.NewGraph[int64]()
	if err := g.Import(r); err != nil {
		return nil, fmt.Errorf("import graph: %w", err)
	}
	if g.Len() != h.Count {
		return nil, fmt.Errorf("graph holds %d nodes, header declares %d", g.Len(), h.Count)
	}
	g.EfSearch = ef
	return &hnswIndex{graph: g, dim: h.Dimension, dtype: h.DataType, space: h.Space, efSearch: ef}, nil
}

func (x *hnswIndex) search(query []float32, k, ef int) (core.QueryResult, error) {
	q := query
	if x.dtype == core.DataTypeByte {
		q = widenInt8(quantizeInt8(query))
	}

	var nodes []hnsw.Node[int64]
	if ef > 0 && ef != x.efSearch {
		x.mu.Lock()
		if x.graph == nil {
			x.mu.Unlock()
			return nil, memory.ErrReleased
		}
		x.graph.EfSearch = ef
		nodes = x.graph.Search(q, k)
		x.graph.EfSearch = x.efSearch
		x.mu.Unlock()
	} else {
		x.mu.RLock()
		if x.graph == nil {
			x.mu.RUnlock()
			return nil, memory.ErrReleased
		}
		nodes = x.graph.Search(q, k)
		x.mu.RUnlock()
	}

	dist := floatDistance(x.space)
	top := newTopK(k)
	for _, n := range nodes {
		top.push(n.Key, dist(q, n.Value))
	}
	return top.result(), nil
}

func (x *hnswIndex) free() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.graph == nil {
		return memory.ErrReleased
	}
	x.graph = nil
	return nil
}
