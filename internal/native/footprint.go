package native

import (
	"github.com/23skdu/arrowhead/internal/core"
	"github.com/23skdu/arrowhead/internal/memory"
)

// hnswEdgeBytes approximates one neighbor link in a coder/hnsw layer,
// map entry and node pointer included.
const hnswEdgeBytes = 48

// BuildFootprint estimates the bytes a Create over buf holds at its peak:
// the buffer itself plus whatever the engine allocates while building and
// serializing. Parameters that fail to parse fall back to their defaults;
// Create reports them.
func (s *Service) BuildFootprint(buf *memory.VectorBuffer, params core.Parameters) int64 {
	if buf == nil {
		return 0
	}
	count := int64(buf.Count())
	dim := int64(buf.Dimension())
	total := int64(buf.ByteLen()) + 8*count

	switch s.engine.kind {
	case core.EngineFlat:
		// serialized ids
		total += 8 * count
	case core.EngineHNSW:
		m, err := params.Int(core.ParamM, defaultM)
		if err != nil || m < 2 {
			m = defaultM
		}
		// widened node vectors, twice: graph and export buffer
		total += count * (2*4*dim + 2*int64(m)*hnswEdgeBytes)
	case core.EngineFAISS:
		total += count*4*dim + 8*count
	}
	return total
}
