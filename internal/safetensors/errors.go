package safetensors

import "errors"

// Parsing and reading failures. Callers match with errors.Is; every returned
// error also carries the offending path or tensor name in its message.
var (
	ErrCorruptContainer  = errors.New("corrupt container")
	ErrHeaderTooLarge    = errors.New("header exceeds size guard")
	ErrInvalidHeaderJSON = errors.New("invalid header JSON")
	ErrInvalidDtype      = errors.New("invalid dtype")
	ErrInvalidShape      = errors.New("invalid shape")
	ErrInvalidOffsets    = errors.New("invalid data_offsets")
	ErrTensorNotFound    = errors.New("tensor not found")
	ErrShortRead         = errors.New("short read")
)
