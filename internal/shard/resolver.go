package shard

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-scalpel/internal/safetensors"
)

// IndexFileName is the canonical index filename for sharded models.
const IndexFileName = "model.safetensors.index.json"

var (
	ErrMissingWeightMap = errors.New("index has no weight_map")
	ErrTensorNotInShard = errors.New("tensor missing from its shard header")
)

// MissingShardFilesError reports every referenced shard file absent from disk,
// not just the first one found.
type MissingShardFilesError struct {
	Files []string
}

func (e *MissingShardFilesError) Error() string {
	return fmt.Sprintf("missing shard files: %s", strings.Join(e.Files, ", "))
}

// Entry is a tensor record plus the shard file (basename) holding its bytes.
type Entry struct {
	safetensors.TensorRecord
	Shard string
}

// UnifiedTensorMap presents an N-shard model as one tensor namespace. A
// single-file model is the degenerate case with one shard. Values are
// immutable once built; surgery produces new maps.
type UnifiedTensorMap struct {
	Dir                string
	Metadata           map[string]string
	Tensors            map[string]Entry
	ShardHeaderLengths map[string]uint64
	// Order lists tensor names in declaration order, shard by shard. It
	// drives sibling ordering when the architecture tree is built.
	Order []string
}

// ShardPath resolves a shard identifier against the model directory.
// Absolute identifiers (entries grafted in from another model) pass through.
func (m *UnifiedTensorMap) ShardPath(shard string) string {
	if filepath.IsAbs(shard) {
		return shard
	}
	return filepath.Join(m.Dir, shard)
}

// ReadTensor reads the raw bytes of one tensor from its shard.
func (m *UnifiedTensorMap) ReadTensor(name string) ([]byte, error) {
	e, ok := m.Tensors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", safetensors.ErrTensorNotFound, name)
	}
	return safetensors.ReadTensorData(m.ShardPath(e.Shard), m.ShardHeaderLengths[e.Shard], e.Offsets[0], e.Offsets[1])
}

type indexFile struct {
	Metadata  map[string]string `json:"metadata"`
	WeightMap map[string]string `json:"weight_map"`
}

// Resolve opens a model given either its index file, any shard file, or a
// standalone single container file. Detection is symmetric: naming a shard
// finds the sibling index, and naming the index works directly.
func Resolve(ctx context.Context, path string) (*UnifiedTensorMap, error) {
	dir := filepath.Dir(path)

	indexPath := ""
	if filepath.Base(path) == IndexFileName {
		indexPath = path
	} else if candidate := filepath.Join(dir, IndexFileName); fileExists(candidate) {
		indexPath = candidate
	}

	if indexPath == "" {
		return resolveSingle(path)
	}
	return resolveIndex(ctx, indexPath)
}

func resolveSingle(path string) (*UnifiedTensorMap, error) {
	h, err := safetensors.ParseHeader(path)
	if err != nil {
		return nil, err
	}
	shard := filepath.Base(path)
	tensors := make(map[string]Entry, len(h.Tensors))
	for name, rec := range h.Tensors {
		tensors[name] = Entry{TensorRecord: rec, Shard: shard}
	}
	return &UnifiedTensorMap{
		Dir:                filepath.Dir(path),
		Metadata:           h.Metadata,
		Tensors:            tensors,
		ShardHeaderLengths: map[string]uint64{shard: h.HeaderLen},
		Order:              h.Order,
	}, nil
}

func resolveIndex(ctx context.Context, indexPath string) (*UnifiedTensorMap, error) {
	raw, err := os.ReadFile(indexPath)
	if err != nil {
		return nil, fmt.Errorf("reading index %s: %w", indexPath, err)
	}
	var idx indexFile
	if err := json.Unmarshal(raw, &idx); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", safetensors.ErrInvalidHeaderJSON, indexPath, err)
	}
	if idx.WeightMap == nil {
		return nil, fmt.Errorf("%w: %s", ErrMissingWeightMap, indexPath)
	}

	dir := filepath.Dir(indexPath)
	shards := make([]string, 0)
	seen := make(map[string]bool)
	for _, shard := range idx.WeightMap {
		if !seen[shard] {
			seen[shard] = true
			shards = append(shards, shard)
		}
	}
	sort.Strings(shards)

	var missing []string
	for _, shard := range shards {
		if !fileExists(filepath.Join(dir, shard)) {
			missing = append(missing, shard)
		}
	}
	if len(missing) > 0 {
		return nil, &MissingShardFilesError{Files: missing}
	}

	// One independent header read per shard; all joined before merging.
	headers := make(map[string]*safetensors.Header, len(shards))
	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	for _, shard := range shards {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			h, err := safetensors.ParseHeader(filepath.Join(dir, shard))
			if err != nil {
				return err
			}
			mu.Lock()
			headers[shard] = h
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	metadata := make(map[string]string)
	for k, v := range idx.Metadata {
		metadata[k] = v
	}
	headerLens := make(map[string]uint64, len(shards))
	for _, shard := range shards {
		h := headers[shard]
		headerLens[shard] = h.HeaderLen
		for k, v := range h.Metadata {
			metadata[k] = v
		}
	}

	tensors := make(map[string]Entry, len(idx.WeightMap))
	for name, shard := range idx.WeightMap {
		rec, ok := headers[shard].Tensors[name]
		if !ok {
			return nil, fmt.Errorf("%w: %q mapped to %s", ErrTensorNotInShard, name, shard)
		}
		tensors[name] = Entry{TensorRecord: rec, Shard: shard}
	}

	order := make([]string, 0, len(tensors))
	for _, shard := range shards {
		for _, name := range headers[shard].Order {
			if e, ok := tensors[name]; ok && e.Shard == shard {
				order = append(order, name)
			}
		}
	}

	return &UnifiedTensorMap{
		Dir:                dir,
		Metadata:           metadata,
		Tensors:            tensors,
		ShardHeaderLengths: headerLens,
		Order:              order,
	}, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
