package native

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/23skdu/arrowhead/internal/core"
	"github.com/23skdu/arrowhead/internal/indexio"
)

// On-disk layout, little endian:
//
//	magic[4] version u16 engine u8 dtype u8 space u8 pad[3]
//	dimension u32 count u64 payloadLen u64
//	payload[payloadLen]
//	xxhash64 u64 over every preceding byte
const (
	formatVersion uint16 = 1
	headerSize           = 32
	footerSize           = 8

	maxCount     = 1 << 31
	maxDimension = 1 << 20
)

var formatMagic = [4]byte{'A', 'H', 'I', 'X'}

type header struct {
	Engine     core.EngineKind
	DataType   core.DataType
	Space      core.SpaceType
	Dimension  int
	Count      int
	PayloadLen int64
}

var (
	engineCodes = map[core.EngineKind]uint8{core.EngineFlat: 1, core.EngineHNSW: 2, core.EngineFAISS: 3}
	dtypeCodes  = map[core.DataType]uint8{core.DataTypeFloat: 1, core.DataTypeByte: 2, core.DataTypeBinary: 3}
	spaceCodes  = map[core.SpaceType]uint8{core.SpaceL2: 1, core.SpaceCosine: 2, core.SpaceInnerProduct: 3, core.SpaceHamming: 4}
)

func decodeCode[T comparable](codes map[T]uint8, c uint8, what string) (T, error) {
	for k, v := range codes {
		if v == c {
			return k, nil
		}
	}
	var zero T
	return zero, fmt.Errorf("unknown %s code %d", what, c)
}

func (h header) encode() []byte {
	b := make([]byte, headerSize)
	copy(b[0:4], formatMagic[:])
	binary.LittleEndian.PutUint16(b[4:6], formatVersion)
	b[6] = engineCodes[h.Engine]
	b[7] = dtypeCodes[h.DataType]
	b[8] = spaceCodes[h.Space]
	binary.LittleEndian.PutUint32(b[12:16], uint32(h.Dimension))
	binary.LittleEndian.PutUint64(b[16:24], uint64(h.Count))
	binary.LittleEndian.PutUint64(b[24:32], uint64(h.PayloadLen))
	return b
}

func decodeHeader(b []byte) (header, error) {
	var h header
	if [4]byte(b[0:4]) != formatMagic {
		return h, fmt.Errorf("bad magic %q", b[0:4])
	}
	if v := binary.LittleEndian.Uint16(b[4:6]); v != formatVersion {
		return h, fmt.Errorf("unsupported format version %d (want %d)", v, formatVersion)
	}
	var err error
	if h.Engine, err = decodeCode(engineCodes, b[6], "engine"); err != nil {
		return h, err
	}
	if h.DataType, err = decodeCode(dtypeCodes, b[7], "data type"); err != nil {
		return h, err
	}
	if h.Space, err = decodeCode(spaceCodes, b[8], "space type"); err != nil {
		return h, err
	}
	h.Dimension = int(binary.LittleEndian.Uint32(b[12:16]))
	h.Count = int(binary.LittleEndian.Uint64(b[16:24]))
	h.PayloadLen = int64(binary.LittleEndian.Uint64(b[24:32]))
	if err := h.DataType.ValidateDimension(h.Dimension); err != nil {
		return h, err
	}
	if h.Dimension > maxDimension {
		return h, fmt.Errorf("dimension %d exceeds %d", h.Dimension, maxDimension)
	}
	if h.Count <= 0 || h.Count > maxCount || h.PayloadLen < 0 {
		return h, fmt.Errorf("invalid count %d or payload length %d", h.Count, h.PayloadLen)
	}
	return h, nil
}

// writeEnvelope writes header, payload and checksum footer, then flushes.
func writeEnvelope(out indexio.Output, h header, payload func(io.Writer) error) error {
	if _, err := out.Write(h.encode()); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	cw := &countingWriter{w: out}
	if err := payload(cw); err != nil {
		return err
	}
	if cw.n != h.PayloadLen {
		return fmt.Errorf("payload wrote %d bytes, header declares %d", cw.n, h.PayloadLen)
	}
	var footer [footerSize]byte
	binary.LittleEndian.PutUint64(footer[:], out.Sum64())
	if _, err := out.Write(footer[:]); err != nil {
		return fmt.Errorf("write footer: %w", err)
	}
	return out.Flush()
}

// readHeader consumes and validates the fixed header.
func readHeader(in indexio.Input) (header, error) {
	b := make([]byte, headerSize)
	if _, err := io.ReadFull(in, b); err != nil {
		return header{}, fmt.Errorf("read header: %w", err)
	}
	return decodeHeader(b)
}

// readPayload hands decode exactly PayloadLen bytes and then checks the
// footer. decode must consume the whole payload.
func readPayload(in indexio.Input, h header, decode func(io.Reader) error) error {
	lr := &io.LimitedReader{R: in, N: h.PayloadLen}
	if err := decode(lr); err != nil {
		return err
	}
	if lr.N != 0 {
		return fmt.Errorf("payload has %d trailing bytes", lr.N)
	}
	want := in.Sum64()
	var footer [footerSize]byte
	if _, err := io.ReadFull(in, footer[:]); err != nil {
		return fmt.Errorf("read footer: %w", err)
	}
	if got := binary.LittleEndian.Uint64(footer[:]); got != want {
		return fmt.Errorf("%w: footer %016x, computed %016x", indexio.ErrChecksumMismatch, got, want)
	}
	return nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
