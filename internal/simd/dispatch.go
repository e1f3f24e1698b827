// Package simd holds the distance kernels the flat and graph engines score
// vectors with. Float kernels run on vek's AVX2 paths when the CPU has them
// and on portable unrolled loops otherwise; the choice is made once at
// init and can be overridden for tests.
package simd

import (
	"fmt"
	"sync/atomic"

	"github.com/viterin/vek"
)

type distanceFunc func(a, b []float32) float32

// Kernels is one complete set of float distance functions.
type Kernels struct {
	Name           string
	L2Squared      distanceFunc
	Dot            distanceFunc
	CosineDistance distanceFunc
}

var dispatchTable = map[string]Kernels{
	"avx2": {
		Name:           "avx2",
		L2Squared:      l2SquaredVek,
		Dot:            dotVek,
		CosineDistance: cosineVek,
	},
	"generic": {
		Name:           "generic",
		L2Squared:      l2SquaredGeneric,
		Dot:            dotGeneric,
		CosineDistance: cosineGeneric,
	},
}

var current atomic.Pointer[Kernels]

func init() {
	name := "generic"
	if vek.Info().Acceleration {
		name = "avx2"
	}
	k := dispatchTable[name]
	current.Store(&k)
}

// Implementation names the active kernel set.
func Implementation() string { return current.Load().Name }

// Use switches the active kernel set and returns the previous name.
func Use(name string) (string, error) {
	k, ok := dispatchTable[name]
	if !ok {
		return "", fmt.Errorf("simd: unknown implementation %q", name)
	}
	prev := current.Swap(&k)
	return prev.Name, nil
}

// L2Squared returns the squared Euclidean distance.
func L2Squared(a, b []float32) float32 { return current.Load().L2Squared(a, b) }

// Dot returns the inner product.
func Dot(a, b []float32) float32 { return current.Load().Dot(a, b) }

// CosineDistance returns 1 - cosine similarity, or 1 when either vector
// has zero length.
func CosineDistance(a, b []float32) float32 { return current.Load().CosineDistance(a, b) }
