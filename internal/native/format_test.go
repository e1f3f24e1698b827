package native

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/arrowhead/internal/core"
)

func TestHeader_EncodeDecode(t *testing.T) {
	h := header{
		Engine:     core.EngineHNSW,
		DataType:   core.DataTypeByte,
		Space:      core.SpaceInnerProduct,
		Dimension:  96,
		Count:      1234,
		PayloadLen: 1 << 33,
	}
	b := h.encode()
	require.Len(t, b, headerSize)

	got, err := decodeHeader(b)
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestHeader_Rejects(t *testing.T) {
	good := header{Engine: core.EngineFlat, DataType: core.DataTypeBinary, Space: core.SpaceHamming, Dimension: 64, Count: 1}

	tests := []struct {
		name   string
		mutate func([]byte)
	}{
		{"magic", func(b []byte) { b[0] = 'X' }},
		{"version", func(b []byte) { b[4] = 9 }},
		{"engine", func(b []byte) { b[6] = 42 }},
		{"data type", func(b []byte) { b[7] = 0 }},
		{"space", func(b []byte) { b[8] = 99 }},
		{"binary dimension", func(b []byte) { b[12] = 63 }},
		{"zero count", func(b []byte) { b[16] = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := good.encode()
			tt.mutate(b)
			_, err := decodeHeader(b)
			assert.Error(t, err)
		})
	}
}
