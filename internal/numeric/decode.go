package numeric

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/x448/float16"

	"github.com/23skdu/longbow-scalpel/internal/safetensors"
)

// Decode widens raw little-endian tensor bytes of the given dtype into
// float64 values, the common representation the diff engine works over.
//
// The two 8-bit float variants (F8_E4M3, F8_E5M2) are accepted but decode to
// zero: they are placeholder encodings without a bit-accurate decode here.
// That is a known approximation, not an oversight.
func Decode(dtype safetensors.Dtype, raw []byte) ([]float64, error) {
	width := dtype.Size()
	if width == 0 {
		return nil, fmt.Errorf("%w: %q", safetensors.ErrInvalidDtype, dtype)
	}
	if int64(len(raw))%width != 0 {
		return nil, fmt.Errorf("%d bytes is not a whole number of %s elements", len(raw), dtype)
	}
	n := int64(len(raw)) / width
	out := make([]float64, n)

	switch dtype {
	case safetensors.F64:
		for i := range out {
			out[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:]))
		}
	case safetensors.F32:
		for i := range out {
			out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:])))
		}
	case safetensors.F16:
		for i := range out {
			out[i] = float64(float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32())
		}
	case safetensors.BF16:
		// BF16 is truncated float32: shifting into the high half is exact.
		for i := range out {
			bits := uint32(binary.LittleEndian.Uint16(raw[i*2:])) << 16
			out[i] = float64(math.Float32frombits(bits))
		}
	case safetensors.I64:
		for i := range out {
			out[i] = float64(int64(binary.LittleEndian.Uint64(raw[i*8:])))
		}
	case safetensors.I32:
		for i := range out {
			out[i] = float64(int32(binary.LittleEndian.Uint32(raw[i*4:])))
		}
	case safetensors.I16:
		for i := range out {
			out[i] = float64(int16(binary.LittleEndian.Uint16(raw[i*2:])))
		}
	case safetensors.I8:
		for i := range out {
			out[i] = float64(int8(raw[i]))
		}
	case safetensors.U8:
		for i := range out {
			out[i] = float64(raw[i])
		}
	case safetensors.Bool:
		for i := range out {
			if raw[i] != 0 {
				out[i] = 1
			}
		}
	case safetensors.F8E4M3, safetensors.F8E5M2:
		// Left as zeros; see note above.
	default:
		return nil, fmt.Errorf("%w: %q", safetensors.ErrInvalidDtype, dtype)
	}
	return out, nil
}
