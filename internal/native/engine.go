// Package native is the facade over native ANN engines: it builds indexes
// from off-heap vector buffers, persists them through index ports, loads
// them into native memory behind handles, queries them and frees them.
package native

import (
	"errors"
	"sync"

	"github.com/23skdu/arrowhead/internal/core"
)

var (
	// ErrEngineUnavailable is returned when an engine is not compiled in.
	ErrEngineUnavailable = errors.New("engine not available in this build")
	// ErrHandleFreed is returned when a handle is used after Free.
	ErrHandleFreed = errors.New("index handle already freed")
	// ErrUnknownHandle is returned for handles this service did not issue.
	ErrUnknownHandle = errors.New("unknown index handle")
)

// Engine is an initialised backend. Obtain it through Init.
type Engine struct {
	kind core.EngineKind
}

// Kind returns the backend tag.
func (e *Engine) Kind() core.EngineKind { return e.kind }

type engineInit struct {
	once   sync.Once
	engine *Engine
	err    error
}

// one entry per kind, never mutated after package init
var engines = map[core.EngineKind]*engineInit{
	core.EngineFlat:  {},
	core.EngineHNSW:  {},
	core.EngineFAISS: {},
}

// Init performs the process-wide setup for kind exactly once and returns
// the same Engine (or error) on every call.
func Init(kind core.EngineKind) (*Engine, error) {
	ei, ok := engines[kind]
	if !ok {
		return nil, core.NewInvalidArgumentError("engine", "unknown engine "+string(kind))
	}
	ei.once.Do(func() {
		switch kind {
		case core.EngineHNSW:
			registerHNSWDistances()
		case core.EngineFAISS:
			if err := faissInit(); err != nil {
				ei.err = err
				return
			}
		}
		ei.engine = &Engine{kind: kind}
	})
	return ei.engine, ei.err
}
