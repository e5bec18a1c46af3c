package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-scalpel/internal/arch"
	"github.com/23skdu/longbow-scalpel/internal/numeric"
	"github.com/23skdu/longbow-scalpel/internal/safetensors"
	"github.com/23skdu/longbow-scalpel/internal/shard"
)

// PreviewLength is how many leading decoded values a tensor diff returns for
// display.
const PreviewLength = 20

// gatherDecoded reads and decodes the named tensors, grouped so each shard
// file is opened once. Shards are read concurrently (bounded by
// maxConcurrent), sequentially within one file in offset order. The decoded
// cache is consulted first.
func (s *Session) gatherDecoded(ctx context.Context, m *shard.UnifiedTensorMap, names []string) (map[string][]float64, error) {
	byShard := make(map[string][]string)
	for _, name := range names {
		entry, ok := m.Tensors[name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", safetensors.ErrTensorNotFound, name)
		}
		byShard[entry.Shard] = append(byShard[entry.Shard], name)
	}

	out := make(map[string][]float64, len(names))
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(int(s.maxConcurrent))
	for _, shardTensors := range byShard {
		g.Go(func() error {
			sort.Slice(shardTensors, func(i, j int) bool {
				return m.Tensors[shardTensors[i]].Offsets[0] < m.Tensors[shardTensors[j]].Offsets[0]
			})

			var sf *safetensors.ShardFile
			defer func() {
				if sf != nil {
					_ = sf.Close()
				}
			}()

			for _, name := range shardTensors {
				if err := ctx.Err(); err != nil {
					return err
				}
				entry := m.Tensors[name]
				key := m.ShardPath(entry.Shard) + "#" + name
				if vals, ok := s.decoded.Get(key); ok {
					cacheHits.Inc()
					mu.Lock()
					out[name] = vals
					mu.Unlock()
					continue
				}
				cacheMisses.Inc()

				if sf == nil {
					var err error
					sf, err = safetensors.OpenShard(m.ShardPath(entry.Shard), m.ShardHeaderLengths[entry.Shard])
					if err != nil {
						return err
					}
				}
				raw, err := sf.ReadRange(entry.Offsets[0], entry.Offsets[1])
				if err != nil {
					return err
				}
				tensorBytesRead.Add(float64(len(raw)))

				vals, err := numeric.Decode(entry.Dtype, raw)
				if err != nil {
					return fmt.Errorf("tensor %q: %w", name, err)
				}
				s.decoded.Put(key, vals)
				mu.Lock()
				out[name] = vals
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// eagerDiff fills metrics for matched, shape-compatible parameter pairs whose
// element count is under the ceiling. Larger tensors stay nil: not yet
// computed, not failed.
func (s *Session) eagerDiff(ctx context.Context, aligned []arch.AlignedComponent, entries []CompareEntry) error {
	var namesA, namesB []string
	candidates := make([]int, 0)
	for i, c := range aligned {
		if c.Status != arch.StatusMatched || c.ShapeMismatch {
			continue
		}
		if c.NodeA.Kind != arch.KindParameter || c.NodeB.Kind != arch.KindParameter {
			continue
		}
		if elemCount(c.NodeA.TensorInfo.Shape) >= s.maxDiffElements {
			continue
		}
		candidates = append(candidates, i)
		namesA = append(namesA, c.NodeA.FullPath)
		namesB = append(namesB, c.NodeB.FullPath)
	}
	if len(candidates) == 0 {
		return nil
	}

	decodedA, err := s.gatherDecoded(ctx, s.currentMap(), namesA)
	if err != nil {
		return err
	}
	decodedB, err := s.gatherDecoded(ctx, s.modelB.Map, namesB)
	if err != nil {
		return err
	}

	for j, i := range candidates {
		start := time.Now()
		m := numeric.Diff(decodedA[namesA[j]], decodedB[namesB[j]])
		entries[i].Metrics = &m
		tensorsDiffed.Inc()
		diffDuration.Observe(time.Since(start).Seconds())
	}
	return nil
}

func elemCount(shape []int64) int64 {
	n := int64(1)
	for _, d := range shape {
		n *= d
	}
	return n
}

// TensorDiff is the per-tensor comparison a host shows in a detail panel.
type TensorDiff struct {
	Metrics  numeric.DiffMetrics `json:"metrics"`
	PreviewA []float64           `json:"preview_a"`
	PreviewB []float64           `json:"preview_b"`
	Shape    []int64             `json:"shape"`
}

// findParameter resolves a canonical path in a tree, tolerating the PEFT
// wrapper prefix on either side.
func findParameter(tree *arch.Node, path string) *arch.Node {
	if n := tree.Find(path); n != nil {
		return n
	}
	return tree.Find("base_model.model." + path)
}

// RequestTensorDiff computes metrics for one parameter present in both
// models, regardless of the eager size ceiling. Shape-mismatched pairs are
// compared over the overlapping prefix.
func (s *Session) RequestTensorDiff(ctx context.Context, path string) (*TensorDiff, error) {
	if s.modelA == nil {
		return nil, ErrNoActiveSession
	}
	if s.modelB == nil {
		return nil, ErrSourceModelUnavailable
	}

	nodeA := findParameter(s.currentTree(), path)
	nodeB := findParameter(s.modelB.Tree, path)
	if nodeA == nil || nodeB == nil || nodeA.Kind != arch.KindParameter || nodeB.Kind != arch.KindParameter {
		return nil, fmt.Errorf("%w: %q", ErrComponentNotFound, path)
	}

	start := time.Now()
	decodedA, err := s.gatherDecoded(ctx, s.currentMap(), []string{nodeA.FullPath})
	if err != nil {
		return nil, err
	}
	decodedB, err := s.gatherDecoded(ctx, s.modelB.Map, []string{nodeB.FullPath})
	if err != nil {
		return nil, err
	}
	a, b := decodedA[nodeA.FullPath], decodedB[nodeB.FullPath]

	d := &TensorDiff{
		Metrics:  numeric.Diff(a, b),
		PreviewA: preview(a),
		PreviewB: preview(b),
		Shape:    nodeA.TensorInfo.Shape,
	}
	tensorsDiffed.Inc()
	diffDuration.Observe(time.Since(start).Seconds())
	return d, nil
}

func preview(vals []float64) []float64 {
	if len(vals) > PreviewLength {
		vals = vals[:PreviewLength]
	}
	out := make([]float64, len(vals))
	copy(out, vals)
	return out
}

// ModuleDiffResult carries per-path success or failure; one bad path never
// sinks the batch.
type ModuleDiffResult struct {
	Path    string               `json:"path"`
	Metrics *numeric.DiffMetrics `json:"metrics,omitempty"`
	Err     string               `json:"error,omitempty"`
}

// RequestModuleDiff aggregates every matched parameter under each requested
// module path into one metric set per path.
func (s *Session) RequestModuleDiff(ctx context.Context, paths []string) ([]ModuleDiffResult, error) {
	if s.modelA == nil {
		return nil, ErrNoActiveSession
	}
	if s.modelB == nil {
		return nil, ErrSourceModelUnavailable
	}

	results := make([]ModuleDiffResult, len(paths))
	for i, path := range paths {
		results[i] = ModuleDiffResult{Path: path}
		if err := ctx.Err(); err != nil {
			results[i].Err = err.Error()
			continue
		}
		m, err := s.moduleDiff(ctx, path)
		if err != nil {
			results[i].Err = err.Error()
			continue
		}
		results[i].Metrics = m
	}
	return results, nil
}

func (s *Session) moduleDiff(ctx context.Context, path string) (*numeric.DiffMetrics, error) {
	nodeA := findParameter(s.currentTree(), path)
	nodeB := findParameter(s.modelB.Tree, path)
	if nodeA == nil || nodeB == nil {
		return nil, fmt.Errorf("%w: %q", ErrComponentNotFound, path)
	}

	// Pair parameter leaves by canonical relative path.
	paramsA := parameterLeaves(nodeA)
	paramsB := parameterLeaves(nodeB)

	var namesA, namesB []string
	relPaths := make([]string, 0, len(paramsA))
	for rel := range paramsA {
		if _, ok := paramsB[rel]; ok {
			relPaths = append(relPaths, rel)
		}
	}
	if len(relPaths) == 0 {
		return nil, fmt.Errorf("%w: no matched parameters under %q", ErrComponentNotFound, path)
	}
	sort.Strings(relPaths)
	for _, rel := range relPaths {
		namesA = append(namesA, paramsA[rel])
		namesB = append(namesB, paramsB[rel])
	}

	decodedA, err := s.gatherDecoded(ctx, s.currentMap(), namesA)
	if err != nil {
		return nil, err
	}
	decodedB, err := s.gatherDecoded(ctx, s.modelB.Map, namesB)
	if err != nil {
		return nil, err
	}

	var flatA, flatB []float64
	for i := range namesA {
		a, b := decodedA[namesA[i]], decodedB[namesB[i]]
		n := min(len(a), len(b))
		flatA = append(flatA, a[:n]...)
		flatB = append(flatB, b[:n]...)
	}
	m := numeric.Diff(flatA, flatB)
	tensorsDiffed.Add(float64(len(namesA)))
	return &m, nil
}

// parameterLeaves maps each parameter's path relative to n onto its absolute
// tensor name.
func parameterLeaves(n *arch.Node) map[string]string {
	out := make(map[string]string)
	var walk func(node *arch.Node, rel string)
	walk = func(node *arch.Node, rel string) {
		if node.Kind == arch.KindParameter {
			out[rel] = node.FullPath
			return
		}
		for _, c := range node.Children {
			childRel := c.Name
			if rel != "" {
				childRel = rel + "." + c.Name
			}
			walk(c, childRel)
		}
	}
	walk(n, "")
	return out
}
