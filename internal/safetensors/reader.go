package safetensors

import (
	"fmt"
	"os"
)

// ReadTensorData reads exactly end-start bytes from the data region of the
// container at path. headerLen is the parsed header's byte length; the
// absolute file offset is 8 + headerLen + start. Uses a positioned read so
// multi-gigabyte files are never pulled into memory.
func ReadTensorData(path string, headerLen uint64, start, end int64) ([]byte, error) {
	if end < start {
		return nil, fmt.Errorf("%w: range [%d, %d)", ErrInvalidOffsets, start, end)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	buf := make([]byte, end-start)
	n, err := f.ReadAt(buf, 8+int64(headerLen)+start)
	if int64(n) < end-start {
		return nil, fmt.Errorf("%w: %s: wanted %d bytes at offset %d, got %d (%v)",
			ErrShortRead, path, end-start, start, n, err)
	}
	return buf, nil
}

// ShardFile keeps a container open for a batch of positioned reads, so a
// shard is opened at most once per batch instead of once per tensor.
type ShardFile struct {
	f         *os.File
	headerLen uint64
	path      string
}

// OpenShard opens path for repeated range reads against its data region.
func OpenShard(path string, headerLen uint64) (*ShardFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &ShardFile{f: f, headerLen: headerLen, path: path}, nil
}

// ReadRange reads the data-region byte range [start, end).
func (s *ShardFile) ReadRange(start, end int64) ([]byte, error) {
	if end < start {
		return nil, fmt.Errorf("%w: range [%d, %d)", ErrInvalidOffsets, start, end)
	}
	buf := make([]byte, end-start)
	n, err := s.f.ReadAt(buf, 8+int64(s.headerLen)+start)
	if int64(n) < end-start {
		return nil, fmt.Errorf("%w: %s: wanted %d bytes at offset %d, got %d (%v)",
			ErrShortRead, s.path, end-start, start, n, err)
	}
	return buf, nil
}

func (s *ShardFile) Close() error {
	return s.f.Close()
}

// ReadTensorByName looks up name in h and reads its bytes from path.
func ReadTensorByName(path string, h *Header, name string) ([]byte, error) {
	rec, ok := h.Tensors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q in %s", ErrTensorNotFound, name, path)
	}
	return ReadTensorData(path, h.HeaderLen, rec.Offsets[0], rec.Offsets[1])
}
