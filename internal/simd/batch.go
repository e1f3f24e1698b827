package simd

import (
	"encoding/binary"
	"errors"
	"math"
	"math/bits"
)

var errBatchShape = errors.New("simd: flat vectors, dims and results do not agree")

// BatchFlat scores query against len(results) vectors stored contiguously in
// flat ([v0[0..dims], v1[0..dims], ...]) with fn, writing one distance per
// vector into results.
func BatchFlat(fn func(a, b []float32) float32, query, flat []float32, dims int, results []float32) error {
	if dims <= 0 || len(query) != dims || len(flat) != len(results)*dims {
		return errBatchShape
	}
	for i := range results {
		off := i * dims
		results[i] = fn(query, flat[off:off+dims])
	}
	return nil
}

// L2SquaredBatchFlat is BatchFlat with the active L2Squared kernel.
func L2SquaredBatchFlat(query, flat []float32, dims int, results []float32) error {
	return BatchFlat(current.Load().L2Squared, query, flat, dims, results)
}

// Int8BatchFlat scores byte vectors stored contiguously.
func Int8BatchFlat(fn func(a, b []int8) float32, query, flat []int8, dims int, results []float32) error {
	if dims <= 0 || len(query) != dims || len(flat) != len(results)*dims {
		return errBatchShape
	}
	for i := range results {
		off := i * dims
		results[i] = fn(query, flat[off:off+dims])
	}
	return nil
}

// HammingBatchFlat scores packed binary vectors of stride bytes each.
func HammingBatchFlat(query, flat []byte, stride int, results []float32) error {
	if stride <= 0 || len(query) != stride || len(flat) != len(results)*stride {
		return errBatchShape
	}
	for i := range results {
		off := i * stride
		results[i] = float32(Hamming(query, flat[off:off+stride]))
	}
	return nil
}

// Hamming counts differing bits between two packed bit vectors of equal
// length, eight bytes at a time.
func Hamming(a, b []byte) int {
	n := 0
	i := 0
	for ; i <= len(a)-8; i += 8 {
		n += bits.OnesCount64(binary.LittleEndian.Uint64(a[i:]) ^ binary.LittleEndian.Uint64(b[i:]))
	}
	for ; i < len(a); i++ {
		n += bits.OnesCount8(a[i] ^ b[i])
	}
	return n
}

// L2SquaredInt8 is exact: it accumulates in int32.
func L2SquaredInt8(a, b []int8) float32 {
	var s0, s1 int32
	i := 0
	for ; i <= len(a)-2; i += 2 {
		d0 := int32(a[i]) - int32(b[i])
		d1 := int32(a[i+1]) - int32(b[i+1])
		s0 += d0 * d0
		s1 += d1 * d1
	}
	if i < len(a) {
		d := int32(a[i]) - int32(b[i])
		s0 += d * d
	}
	return float32(s0 + s1)
}

func DotInt8(a, b []int8) float32 {
	var s0, s1 int32
	i := 0
	for ; i <= len(a)-2; i += 2 {
		s0 += int32(a[i]) * int32(b[i])
		s1 += int32(a[i+1]) * int32(b[i+1])
	}
	if i < len(a) {
		s0 += int32(a[i]) * int32(b[i])
	}
	return float32(s0 + s1)
}

// CosineDistanceInt8 returns 1 - cosine similarity, or 1 for a zero vector.
func CosineDistanceInt8(a, b []int8) float32 {
	var ab, aa, bb int64
	for i := range a {
		x, y := int64(a[i]), int64(b[i])
		ab += x * y
		aa += x * x
		bb += y * y
	}
	if aa == 0 || bb == 0 {
		return 1
	}
	return 1 - float32(float64(ab)/(math.Sqrt(float64(aa))*math.Sqrt(float64(bb))))
}
