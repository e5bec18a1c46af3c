package safetensors

import "fmt"

// Dtype is a tensor element type token as it appears in the container header.
type Dtype string

const (
	F64     Dtype = "F64"
	F32     Dtype = "F32"
	F16     Dtype = "F16"
	BF16    Dtype = "BF16"
	I64     Dtype = "I64"
	I32     Dtype = "I32"
	I16     Dtype = "I16"
	I8      Dtype = "I8"
	U8      Dtype = "U8"
	Bool    Dtype = "BOOL"
	F8E4M3  Dtype = "F8_E4M3"
	F8E5M2  Dtype = "F8_E5M2"
)

var dtypeSizes = map[Dtype]int64{
	F64:    8,
	F32:    4,
	F16:    2,
	BF16:   2,
	I64:    8,
	I32:    4,
	I16:    2,
	I8:     1,
	U8:     1,
	Bool:   1,
	F8E4M3: 1,
	F8E5M2: 1,
}

// Size returns the byte width of one element.
func (d Dtype) Size() int64 {
	return dtypeSizes[d]
}

// Valid reports whether d is one of the twelve recognized tokens.
func (d Dtype) Valid() bool {
	_, ok := dtypeSizes[d]
	return ok
}

// ParseDtype validates a raw header token.
func ParseDtype(s string) (Dtype, error) {
	d := Dtype(s)
	if !d.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidDtype, s)
	}
	return d, nil
}
