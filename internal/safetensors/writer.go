package safetensors

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"sort"

	"github.com/goccy/go-json"
)

// TensorData is one tensor to serialize. Either Data holds the bytes directly
// or Provider fetches them when the writer reaches this tensor (used when the
// source bytes live in a different file, e.g. after a cross-model replace).
// Length must be set when Provider is used.
type TensorData struct {
	Dtype    Dtype
	Shape    []int64
	Data     []byte
	Provider func(ctx context.Context) ([]byte, error)
	Length   int64
}

func (t TensorData) byteLength() int64 {
	if t.Data != nil {
		return int64(len(t.Data))
	}
	return t.Length
}

type headerEntry struct {
	Dtype       Dtype    `json:"dtype"`
	Shape       []int64  `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// Write serializes metadata and tensors to a container file at path.
// Tensor names are ordered lexicographically and data offsets are contiguous,
// matching the reference ecosystem convention. The header is padded with
// spaces so the data region starts on an 8-byte boundary. progress, if
// non-nil, receives the fraction of tensor bytes written after each tensor.
func Write(ctx context.Context, path string, metadata map[string]string, tensors map[string]TensorData, progress func(float64)) error {
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	entries := make(map[string]any, len(tensors)+1)
	if len(metadata) > 0 {
		entries["__metadata__"] = metadata
	}

	var offset, total int64
	for _, name := range names {
		t := tensors[name]
		n := t.byteLength()
		shape := t.Shape
		if shape == nil {
			shape = []int64{}
		}
		entries[name] = headerEntry{
			Dtype:       t.Dtype,
			Shape:       shape,
			DataOffsets: [2]int64{offset, offset + n},
		}
		offset += n
		total += n
	}

	headerJSON, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encoding header: %w", err)
	}
	// Pad so that 8 + len(header) is a multiple of 8.
	for (8+len(headerJSON))%8 != 0 {
		headerJSON = append(headerJSON, ' ')
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	w := bufio.NewWriterSize(f, 1<<20)
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerJSON)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("writing header length: %w", err)
	}
	if _, err := w.Write(headerJSON); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}

	var written int64
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		t := tensors[name]
		data := t.Data
		if data == nil {
			if t.Provider == nil {
				return fmt.Errorf("tensor %q: no data and no provider", name)
			}
			data, err = t.Provider(ctx)
			if err != nil {
				return fmt.Errorf("fetching tensor %q: %w", name, err)
			}
		}
		if int64(len(data)) != t.byteLength() {
			return fmt.Errorf("tensor %q: provider returned %d bytes, header claims %d",
				name, len(data), t.byteLength())
		}
		if _, err := w.Write(data); err != nil {
			return fmt.Errorf("writing tensor %q: %w", name, err)
		}
		written += int64(len(data))
		if progress != nil && total > 0 {
			progress(float64(written) / float64(total))
		}
	}

	if err := w.Flush(); err != nil {
		return fmt.Errorf("flushing %s: %w", path, err)
	}
	return f.Sync()
}
