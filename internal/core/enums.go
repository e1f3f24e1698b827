package core

import "fmt"

// EngineKind tags which native backend owns an index.
type EngineKind string

const (
	// EngineFlat is an exhaustive scan over vectors held in an off-heap region.
	EngineFlat EngineKind = "flat"
	// EngineHNSW is a graph index built with github.com/coder/hnsw.
	EngineHNSW EngineKind = "hnsw"
	// EngineFAISS is the cgo FAISS backend (requires the faiss build tag).
	EngineFAISS EngineKind = "faiss"
)

// ParseEngineKind validates an engine name from configuration.
func ParseEngineKind(s string) (EngineKind, error) {
	switch EngineKind(s) {
	case EngineFlat, EngineHNSW, EngineFAISS:
		return EngineKind(s), nil
	default:
		return "", NewInvalidArgumentError("engine", fmt.Sprintf("unknown engine %q", s))
	}
}

// SpaceType is the distance function an index is built with.
type SpaceType string

const (
	// SpaceL2 is squared Euclidean distance (lower is closer).
	SpaceL2 SpaceType = "l2"
	// SpaceCosine is 1 - cosine similarity.
	SpaceCosine SpaceType = "cosinesimil"
	// SpaceInnerProduct is the negated inner product so that lower is closer.
	SpaceInnerProduct SpaceType = "innerproduct"
	// SpaceHamming counts differing bits; binary vectors only.
	SpaceHamming SpaceType = "hamming"
)

// ParseSpaceType validates a space type parameter.
func ParseSpaceType(s string) (SpaceType, error) {
	switch SpaceType(s) {
	case SpaceL2, SpaceCosine, SpaceInnerProduct, SpaceHamming:
		return SpaceType(s), nil
	default:
		return "", NewInvalidArgumentError(ParamSpaceType, fmt.Sprintf("unknown space type %q", s))
	}
}

// DataType is the element encoding of stored vectors.
type DataType string

const (
	DataTypeFloat  DataType = "float"
	DataTypeByte   DataType = "byte"
	DataTypeBinary DataType = "binary"
)

// ParseDataType validates a data type parameter.
func ParseDataType(s string) (DataType, error) {
	switch DataType(s) {
	case DataTypeFloat, DataTypeByte, DataTypeBinary:
		return DataType(s), nil
	default:
		return "", NewInvalidArgumentError(ParamDataType, fmt.Sprintf("unknown data type %q", s))
	}
}

// ValidateDimension checks that dim is usable for the data type.
// Binary vectors are packed eight dimensions per byte.
func (d DataType) ValidateDimension(dim int) error {
	if dim <= 0 {
		return NewInvalidArgumentError("dimension", fmt.Sprintf("must be positive, got %d", dim))
	}
	if d == DataTypeBinary && dim%8 != 0 {
		return NewInvalidArgumentError("dimension", fmt.Sprintf("binary dimension must be a multiple of 8, got %d", dim))
	}
	return nil
}

// BytesPerVector returns the encoded size of one vector of the given dimension.
func (d DataType) BytesPerVector(dim int) int {
	switch d {
	case DataTypeByte:
		return dim
	case DataTypeBinary:
		return dim / 8
	default:
		return dim * 4
	}
}

// DefaultSpace returns the space type used when none is configured.
func (d DataType) DefaultSpace() SpaceType {
	if d == DataTypeBinary {
		return SpaceHamming
	}
	return SpaceL2
}
