package memory

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/23skdu/arrowhead/internal/metrics"
)

// Common errors
var (
	ErrReleased    = errors.New("native region already released")
	ErrInvalidSize = errors.New("native region size must be positive")
)

// noCopy is flagged by go vet's copylocks check when a value containing it
// is copied. Regions and buffers must only move by pointer.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// Region is a block of memory that lives outside the Go heap. The garbage
// collector neither scans nor frees it; Release is the only way back to the OS.
type Region struct {
	noCopy   noCopy
	data     []byte
	released atomic.Bool
}

// Allocate maps size bytes of zeroed native memory.
func Allocate(size int) (*Region, error) {
	if size <= 0 {
		return nil, ErrInvalidSize
	}
	data, err := mapRegion(size)
	if err != nil {
		return nil, fmt.Errorf("map %d bytes: %w", size, err)
	}
	metrics.NativeBytesAllocatedTotal.Add(float64(size))
	metrics.NativeRegionsActive.Inc()
	return &Region{data: data}, nil
}

// Bytes returns the mapped memory. The slice is invalid after Release and
// must not be retained past it.
func (r *Region) Bytes() []byte {
	if r == nil || r.released.Load() {
		return nil
	}
	return r.data
}

// Float32s views the region as float32 values. Mappings are page aligned.
func (r *Region) Float32s() []float32 {
	b := r.Bytes()
	if len(b) < 4 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), len(b)/4)
}

// Len returns the mapped size in bytes.
func (r *Region) Len() int {
	if r == nil {
		return 0
	}
	return len(r.data)
}

// Released reports whether Release has run.
func (r *Region) Released() bool {
	return r.released.Load()
}

// Release unmaps the region. Only the first call frees memory; later calls
// return ErrReleased.
func (r *Region) Release() error {
	if !r.released.CompareAndSwap(false, true) {
		return ErrReleased
	}
	size := len(r.data)
	err := unmapRegion(r.data)
	r.data = nil
	metrics.NativeBytesFreedTotal.Add(float64(size))
	metrics.NativeRegionsActive.Dec()
	return err
}
