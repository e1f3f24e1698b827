package simd

import (
	"math"
	"math/bits"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomFloats(rng *rand.Rand, n int) []float32 {
	v := make([]float32, n)
	for i := range v {
		v[i] = rng.Float32()*2 - 1
	}
	return v
}

func refL2(a, b []float32) float64 {
	var s float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		s += d * d
	}
	return s
}

func refDot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

func TestKernelsAgreeWithReference(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for name, k := range dispatchTable {
		for _, dim := range []int{1, 3, 8, 17, 128, 384} {
			a, b := randomFloats(rng, dim), randomFloats(rng, dim)
			tol := 1e-4 * float64(dim)
			assert.InDelta(t, refL2(a, b), float64(k.L2Squared(a, b)), tol, "%s l2 dim %d", name, dim)
			assert.InDelta(t, refDot(a, b), float64(k.Dot(a, b)), tol, "%s dot dim %d", name, dim)
			cos := 1 - refDot(a, b)/math.Sqrt(refDot(a, a)*refDot(b, b))
			assert.InDelta(t, cos, float64(k.CosineDistance(a, b)), 1e-4, "%s cosine dim %d", name, dim)
			assert.Zero(t, k.L2Squared(a, a), "%s self distance", name)
		}
	}
}

func TestCosineZeroVector(t *testing.T) {
	for name, k := range dispatchTable {
		assert.Equal(t, float32(1), k.CosineDistance([]float32{0, 0, 0}, []float32{1, 2, 3}), name)
	}
}

func TestUse(t *testing.T) {
	prev, err := Use("generic")
	require.NoError(t, err)
	t.Cleanup(func() { _, _ = Use(prev) })
	assert.Equal(t, "generic", Implementation())
	assert.Equal(t, float32(25), L2Squared([]float32{0, 0}, []float32{3, 4}))

	_, err = Use("avx512")
	assert.Error(t, err)
	assert.Equal(t, "generic", Implementation())
}

func TestBatchFlat(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	const n, dim = 10, 5
	flat := randomFloats(rng, n*dim)
	q := randomFloats(rng, dim)
	out := make([]float32, n)
	require.NoError(t, L2SquaredBatchFlat(q, flat, dim, out))
	for i := range out {
		assert.Equal(t, L2Squared(q, flat[i*dim:(i+1)*dim]), out[i])
	}

	assert.Error(t, L2SquaredBatchFlat(q, flat[:n*dim-1], dim, out))
	assert.Error(t, BatchFlat(Dot, q[:2], flat, dim, out))
}

func TestHamming(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	for _, n := range []int{1, 7, 8, 9, 32, 33} {
		a, b := make([]byte, n), make([]byte, n)
		rng.Read(a)
		rng.Read(b)
		want := 0
		for i := range a {
			want += bits.OnesCount8(a[i] ^ b[i])
		}
		assert.Equal(t, want, Hamming(a, b), "len %d", n)
	}

	out := make([]float32, 2)
	require.NoError(t, HammingBatchFlat([]byte{0xff}, []byte{0xff, 0x0f}, 1, out))
	assert.Equal(t, []float32{0, 4}, out)
}

func TestInt8Kernels(t *testing.T) {
	a := []int8{1, -2, 3}
	b := []int8{-1, 2, 0}
	assert.Equal(t, float32(4+16+9), L2SquaredInt8(a, b))
	assert.Equal(t, float32(-1-4), DotInt8(a, b))
	assert.Equal(t, float32(1), CosineDistanceInt8([]int8{0, 0}, []int8{1, 1}))
	assert.InDelta(t, 0, CosineDistanceInt8([]int8{1, 1}, []int8{3, 3}), 1e-6)

	out := make([]float32, 2)
	require.NoError(t, Int8BatchFlat(L2SquaredInt8, []int8{0, 0}, []int8{1, 1, 2, 2}, 2, out))
	assert.Equal(t, []float32{2, 8}, out)
}
