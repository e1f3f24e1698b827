package memory

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/apache/arrow-go/v18/arrow/memory"
)

// NativeAllocator implements arrow's memory.Allocator on top of native
// regions so Arrow buffers decoded from IPC or Parquet never touch the Go
// heap. Every Allocate maps its own region; Free unmaps it.
type NativeAllocator struct {
	mu      sync.Mutex
	regions map[uintptr]*Region

	// Exposed for tests and leak checks
	BytesAllocated atomic.Int64
	BytesFreed     atomic.Int64
}

// NewNativeAllocator creates an empty allocator.
func NewNativeAllocator() *NativeAllocator {
	return &NativeAllocator{regions: make(map[uintptr]*Region)}
}

func addr(b []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}

// Allocate maps a region of at least size bytes. Zero-size requests return
// an empty slice that owns nothing.
func (a *NativeAllocator) Allocate(size int) []byte {
	if size <= 0 {
		return []byte{}
	}
	r, err := Allocate(size)
	if err != nil {
		// memory.Allocator has no error return; arrow treats a panic here as OOM.
		panic(err)
	}
	b := r.Bytes()
	a.mu.Lock()
	a.regions[addr(b)] = r
	a.mu.Unlock()
	a.BytesAllocated.Add(int64(size))
	return b
}

// Reallocate copies into a new region and frees the old one.
func (a *NativeAllocator) Reallocate(size int, b []byte) []byte {
	if size == len(b) {
		return b
	}
	nb := a.Allocate(size)
	copy(nb, b)
	a.Free(b)
	return nb
}

// Free releases the region backing b. Unknown slices are ignored.
func (a *NativeAllocator) Free(b []byte) {
	if len(b) == 0 {
		return
	}
	a.mu.Lock()
	r, ok := a.regions[addr(b)]
	delete(a.regions, addr(b))
	a.mu.Unlock()
	if !ok {
		return
	}
	a.BytesFreed.Add(int64(r.Len()))
	_ = r.Release()
}

// Allocated returns bytes currently held.
func (a *NativeAllocator) Allocated() int64 {
	return a.BytesAllocated.Load() - a.BytesFreed.Load()
}

// Outstanding returns the number of regions not yet freed.
func (a *NativeAllocator) Outstanding() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.regions)
}

// Ensure interface satisfaction
var _ memory.Allocator = (*NativeAllocator)(nil)
