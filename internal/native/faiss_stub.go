//go:build !faiss || !cgo

package native

import (
	"context"
	"io"

	"github.com/23skdu/arrowhead/internal/core"
	"github.com/23skdu/arrowhead/internal/memory"
)

func faissInit() error { return ErrEngineUnavailable }

type faissIndex struct{}

func buildFAISS(context.Context, *memory.VectorBuffer, core.SpaceType, core.Parameters) (string, error) {
	return "", ErrEngineUnavailable
}

func loadFAISS(io.Reader, header) (*faissIndex, error) {
	return nil, ErrEngineUnavailable
}

func (*faissIndex) search([]float32, int) (core.QueryResult, error) {
	return nil, ErrEngineUnavailable
}

func (*faissIndex) free() error { return nil }
