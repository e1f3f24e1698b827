//go:build !faiss || !cgo

package native

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/23skdu/arrowhead/internal/core"
)

func TestInit_FAISSUnavailable(t *testing.T) {
	e, err := Init(core.EngineFAISS)
	assert.Nil(t, e)
	assert.ErrorIs(t, err, ErrEngineUnavailable)

	// cached, not retried
	_, err = Init(core.EngineFAISS)
	assert.ErrorIs(t, err, ErrEngineUnavailable)
}
