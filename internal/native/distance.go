package native

import (
	"math"

	"github.com/23skdu/arrowhead/internal/core"
	"github.com/23skdu/arrowhead/internal/simd"
)

// Distances are reported the same way by every engine: lower is closer.
// The kernels themselves live in internal/simd.

func l2Squared(a, b []float32) float32 { return simd.L2Squared(a, b) }

func negativeDot(a, b []float32) float32 { return -simd.Dot(a, b) }

func floatDistance(space core.SpaceType) func(a, b []float32) float32 {
	switch space {
	case core.SpaceCosine:
		return simd.CosineDistance
	case core.SpaceInnerProduct:
		return negativeDot
	default:
		return l2Squared
	}
}

func int8Distance(space core.SpaceType) func(a, b []int8) float32 {
	switch space {
	case core.SpaceCosine:
		return simd.CosineDistanceInt8
	case core.SpaceInnerProduct:
		return func(a, b []int8) float32 { return -simd.DotInt8(a, b) }
	default:
		return simd.L2SquaredInt8
	}
}

// quantizeInt8 rounds and clamps query values for byte indexes.
func quantizeInt8(v []float32) []int8 {
	out := make([]int8, len(v))
	for i, x := range v {
		r := math.Round(float64(x))
		switch {
		case r > math.MaxInt8:
			r = math.MaxInt8
		case r < math.MinInt8:
			r = math.MinInt8
		}
		out[i] = int8(r)
	}
	return out
}

// packBits turns one value per dimension into a bit-packed binary vector,
// most significant bit first. Non-zero means set.
func packBits(v []float32) []byte {
	out := make([]byte, len(v)/8)
	for i, x := range v {
		if x != 0 {
			out[i/8] |= 0x80 >> (i % 8)
		}
	}
	return out
}

// widenInt8 converts byte vectors for engines that only store floats.
func widenInt8(v []int8) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}

func validSpace(dt core.DataType, space core.SpaceType) bool {
	if dt == core.DataTypeBinary {
		return space == core.SpaceHamming
	}
	return space != core.SpaceHamming
}
