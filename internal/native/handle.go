package native

import (
	"sync"
	"sync/atomic"

	"github.com/23skdu/arrowhead/internal/core"
)

// noCopy is flagged by go vet's copylocks check when a Handle is copied.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// Handle is the single owner of a loaded index. It is issued by Load and
// consumed by Free; after Free every use is rejected with ErrHandleFreed.
// Pass it by pointer only.
type Handle struct {
	noCopy noCopy
	slot   uintptr
	kind   core.EngineKind
	freed  atomic.Bool
}

// Pointer is the opaque slot id the index lives under.
func (h *Handle) Pointer() uintptr { return h.slot }

// Kind is the engine that owns the index.
func (h *Handle) Kind() core.EngineKind { return h.kind }

// Freed reports whether Free has been called.
func (h *Handle) Freed() bool { return h.freed.Load() }

// loadedIndex is the tagged variant behind a handle: exactly one of the
// engine fields is set, selected by kind.
type loadedIndex struct {
	// queries hold mu for reading; Free takes it exclusively so memory is
	// never released under a running query
	mu       sync.RWMutex
	hdr      header
	kind     core.EngineKind
	searches atomic.Int64

	flat  *flatIndex
	hnsw  *hnswIndex
	faiss *faissIndex
}

func (li *loadedIndex) free() error {
	switch li.kind {
	case core.EngineFlat:
		return li.flat.free()
	case core.EngineHNSW:
		return li.hnsw.free()
	case core.EngineFAISS:
		return li.faiss.free()
	}
	return nil
}

// handleTable maps slots to loaded indexes.
type handleTable struct {
	mu    sync.Mutex
	next  uintptr
	slots map[uintptr]*loadedIndex
}

func newHandleTable() *handleTable {
	return &handleTable{slots: make(map[uintptr]*loadedIndex)}
}

func (t *handleTable) insert(li *loadedIndex) *Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	t.slots[t.next] = li
	return &Handle{slot: t.next, kind: li.kind}
}

func (t *handleTable) get(slot uintptr) (*loadedIndex, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	li, ok := t.slots[slot]
	return li, ok
}

func (t *handleTable) remove(slot uintptr) (*loadedIndex, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	li, ok := t.slots[slot]
	delete(t.slots, slot)
	return li, ok
}

func (t *handleTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots)
}
