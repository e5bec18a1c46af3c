package engine

import (
	"context"

	"github.com/23skdu/longbow-scalpel/internal/safetensors"
)

// Save serializes the current surgery state to a single container file.
// Tensor bytes are pulled lazily from whichever shard holds them, including
// shards of another model after a cross-model replace. progress, if non-nil,
// receives fractional completion after each tensor.
func (s *Session) Save(ctx context.Context, outputPath string, progress func(float64)) error {
	if s.modelA == nil {
		return ErrNoActiveSession
	}

	m := s.currentMap()
	tensors := make(map[string]safetensors.TensorData, len(m.Tensors))
	for name, entry := range m.Tensors {
		shardPath := m.ShardPath(entry.Shard)
		headerLen := m.ShardHeaderLengths[entry.Shard]
		start, end := entry.Offsets[0], entry.Offsets[1]
		tensors[name] = safetensors.TensorData{
			Dtype:  entry.Dtype,
			Shape:  entry.Shape,
			Length: entry.ByteLength(),
			Provider: func(ctx context.Context) ([]byte, error) {
				raw, err := safetensors.ReadTensorData(shardPath, headerLen, start, end)
				if err == nil {
					tensorBytesRead.Add(float64(len(raw)))
				}
				return raw, err
			},
		}
	}

	return safetensors.Write(ctx, outputPath, m.Metadata, tensors, progress)
}
