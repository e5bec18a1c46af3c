package safetensors

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-json"
)

// MaxHeaderBytes guards against hostile files claiming absurd header lengths.
const MaxHeaderBytes = 100 * 1024 * 1024

// TensorRecord describes one tensor entry in a container header.
// Offsets are relative to the start of the data region.
type TensorRecord struct {
	Dtype   Dtype
	Shape   []int64
	Offsets [2]int64
}

// NumElements returns the product of the shape dimensions.
func (r TensorRecord) NumElements() int64 {
	n := int64(1)
	for _, d := range r.Shape {
		n *= d
	}
	return n
}

// ByteLength returns the length of the tensor's data segment.
func (r TensorRecord) ByteLength() int64 {
	return r.Offsets[1] - r.Offsets[0]
}

// Header is the decoded JSON header of a single container file. Order holds
// tensor names in header declaration order, which for checkpoints written by
// the reference ecosystem is module-registration order.
type Header struct {
	Metadata  map[string]string
	Tensors   map[string]TensorRecord
	Order     []string
	HeaderLen uint64
}

// ParseHeader reads and validates the header of the container file at path.
// It reads exactly 8 + headerLen bytes and never touches tensor data.
func ParseHeader(path string) (*Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var lenBuf [8]byte
	if _, err := io.ReadFull(f, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("%w: %s: reading header length: %v", ErrCorruptContainer, path, err)
	}
	headerLen := binary.LittleEndian.Uint64(lenBuf[:])
	if headerLen == 0 {
		return nil, fmt.Errorf("%w: %s: zero header length", ErrCorruptContainer, path)
	}
	if headerLen > MaxHeaderBytes {
		return nil, fmt.Errorf("%w: %s: claimed %d bytes", ErrHeaderTooLarge, path, headerLen)
	}

	raw := make([]byte, headerLen)
	if _, err := io.ReadFull(f, raw); err != nil {
		return nil, fmt.Errorf("%w: %s: truncated header: %v", ErrCorruptContainer, path, err)
	}

	return parseHeaderJSON(raw, headerLen, path)
}

func parseHeaderJSON(raw []byte, headerLen uint64, path string) (*Header, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidHeaderJSON, path, err)
	}

	h := &Header{
		Metadata:  make(map[string]string),
		Tensors:   make(map[string]TensorRecord, len(top)),
		HeaderLen: headerLen,
	}

	for name, entry := range top {
		if name == "__metadata__" {
			var meta map[string]any
			if err := json.Unmarshal(entry, &meta); err != nil {
				return nil, fmt.Errorf("%w: %s: __metadata__: %v", ErrInvalidHeaderJSON, path, err)
			}
			for k, v := range meta {
				if s, ok := v.(string); ok {
					h.Metadata[k] = s
				} else {
					h.Metadata[k] = fmt.Sprintf("%v", v)
				}
			}
			continue
		}

		rec, err := parseTensorEntry(name, entry)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		h.Tensors[name] = rec
	}

	h.Order = headerKeyOrder(raw)
	return h, nil
}

// headerKeyOrder extracts tensor names in JSON declaration order. The map
// decode above loses it, and sibling ordering in the architecture tree
// depends on first-seen order.
func headerKeyOrder(raw []byte) []string {
	dec := json.NewDecoder(bytes.NewReader(raw))
	if _, err := dec.Token(); err != nil {
		return nil
	}
	var names []string
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return names
		}
		key, ok := tok.(string)
		if !ok {
			return names
		}
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return names
		}
		if key != "__metadata__" {
			names = append(names, key)
		}
	}
	return names
}

func parseTensorEntry(name string, entry json.RawMessage) (TensorRecord, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(entry, &fields); err != nil {
		return TensorRecord{}, fmt.Errorf("%w: tensor %q is not an object", ErrInvalidHeaderJSON, name)
	}

	var dtypeStr string
	if err := json.Unmarshal(fields["dtype"], &dtypeStr); err != nil {
		return TensorRecord{}, fmt.Errorf("%w: tensor %q", ErrInvalidDtype, name)
	}
	dtype, err := ParseDtype(dtypeStr)
	if err != nil {
		return TensorRecord{}, fmt.Errorf("tensor %q: %w", name, err)
	}

	var shape []int64
	if err := json.Unmarshal(fields["shape"], &shape); err != nil {
		return TensorRecord{}, fmt.Errorf("%w: tensor %q", ErrInvalidShape, name)
	}
	for _, d := range shape {
		if d < 0 {
			return TensorRecord{}, fmt.Errorf("%w: tensor %q: negative dimension %d", ErrInvalidShape, name, d)
		}
	}

	var offsets []int64
	if err := json.Unmarshal(fields["data_offsets"], &offsets); err != nil || len(offsets) != 2 {
		return TensorRecord{}, fmt.Errorf("%w: tensor %q", ErrInvalidOffsets, name)
	}
	if offsets[0] < 0 || offsets[1] < offsets[0] {
		return TensorRecord{}, fmt.Errorf("%w: tensor %q: [%d, %d)", ErrInvalidOffsets, name, offsets[0], offsets[1])
	}

	rec := TensorRecord{Dtype: dtype, Shape: shape, Offsets: [2]int64{offsets[0], offsets[1]}}
	if want := rec.NumElements() * dtype.Size(); want != rec.ByteLength() {
		return TensorRecord{}, fmt.Errorf("%w: tensor %q: shape needs %d bytes, offsets span %d",
			ErrInvalidOffsets, name, want, rec.ByteLength())
	}
	return rec, nil
}
