package engine

import (
	"context"
	"fmt"

	"github.com/23skdu/longbow-scalpel/internal/arch"
	"github.com/23skdu/longbow-scalpel/internal/cache"
	"github.com/23skdu/longbow-scalpel/internal/lora"
	"github.com/23skdu/longbow-scalpel/internal/numeric"
	"github.com/23skdu/longbow-scalpel/internal/shard"
	"github.com/23skdu/longbow-scalpel/internal/surgery"
)

// ProtocolVersion is bumped whenever the operation surface changes shape.
// Hosts send it with every request; a mismatch is rejected outright.
const ProtocolVersion = 2

// CheckProtocol rejects stale callers.
func CheckProtocol(v int) error {
	if v != ProtocolVersion {
		return fmt.Errorf("%w: got %d, want %d", ErrProtocolMismatch, v, ProtocolVersion)
	}
	return nil
}

// DefaultMaxDiffElements bounds eager whole-model comparison. Tensors above
// this element count are skipped (reported as not yet computed) to keep
// interactive latency sane; an explicit per-tensor request still computes them.
const DefaultMaxDiffElements = 1_000_000

// Options tune a Session. Zero values pick defaults.
type Options struct {
	MaxDiffElements int64
	MaxConcurrent   int64
	Cache           cache.TensorCache
}

// Model bundles everything derived from one opened container. cfg is kept so
// adapter detection can rerun after surgery rewrites tensor names.
type Model struct {
	Map      *shard.UnifiedTensorMap
	Tree     *arch.Node
	Adapters lora.AdapterMap
	cfg      *lora.AdapterConfig
}

// Session owns one primary model (A), optionally a comparison model (B), and
// the surgery history over A. It is caller-held state, not a process
// singleton; independent sessions coexist freely. The surgery history is not
// safe for concurrent mutation from multiple callers.
type Session struct {
	modelA  *Model
	modelB  *Model
	history *surgery.Session

	maxDiffElements int64
	maxConcurrent   int64
	decoded         cache.TensorCache
}

// NewSession creates an empty session.
func NewSession(opts Options) *Session {
	if opts.MaxDiffElements <= 0 {
		opts.MaxDiffElements = DefaultMaxDiffElements
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	if opts.Cache == nil {
		opts.Cache = cache.NewMapCache()
	}
	return &Session{
		maxDiffElements: opts.MaxDiffElements,
		maxConcurrent:   opts.MaxConcurrent,
		decoded:         opts.Cache,
	}
}

// OpenResult is what the host needs to render a freshly opened model.
type OpenResult struct {
	Tree        *arch.Node
	Adapters    lora.AdapterMap
	TensorCount int
}

func loadModel(ctx context.Context, path string) (*Model, error) {
	m, err := shard.Resolve(ctx, path)
	if err != nil {
		return nil, err
	}
	cfg, err := lora.LoadAdapterConfig(m.Dir)
	if err != nil {
		return nil, err
	}
	adapters := lora.Detect(m.Tensors, cfg)
	return &Model{
		Map:      m,
		Tree:     arch.Build(m, adapters),
		Adapters: adapters,
		cfg:      cfg,
	}, nil
}

// Open loads the primary model and resets the surgery history.
func (s *Session) Open(ctx context.Context, path string) (*OpenResult, error) {
	model, err := loadModel(ctx, path)
	if err != nil {
		return nil, err
	}
	s.modelA = model
	s.modelB = nil
	s.history = surgery.NewSession(model.Map)
	modelsOpened.Inc()
	return &OpenResult{
		Tree:        model.Tree,
		Adapters:    model.Adapters,
		TensorCount: len(model.Map.Tensors),
	}, nil
}

// CompareEntry is one aligned component plus its eager metrics, when
// computed. Nil Metrics on a matched parameter means "not yet computed"
// (too large for the eager pass), not an error.
type CompareEntry struct {
	Path          string               `json:"path"`
	Status        arch.AlignStatus     `json:"status"`
	ShapeMismatch bool                 `json:"shape_mismatch,omitempty"`
	Metrics       *numeric.DiffMetrics `json:"metrics,omitempty"`
}

// ComparisonResult is the full alignment of models A and B.
type ComparisonResult struct {
	Components []CompareEntry
	TreeB      *arch.Node
	AdaptersB  lora.AdapterMap
}

// OpenComparison loads a second model and aligns it against the primary.
// Eager diffs cover matched, shape-compatible parameter pairs under the
// element ceiling.
func (s *Session) OpenComparison(ctx context.Context, pathB string) (*ComparisonResult, error) {
	if s.modelA == nil {
		return nil, ErrNoActiveSession
	}
	model, err := loadModel(ctx, pathB)
	if err != nil {
		return nil, err
	}
	s.modelB = model
	modelsOpened.Inc()

	aligned := arch.Align(s.currentTree(), model.Tree)
	entries := make([]CompareEntry, len(aligned))
	for i, c := range aligned {
		entries[i] = CompareEntry{Path: c.Path, Status: c.Status, ShapeMismatch: c.ShapeMismatch}
	}

	if err := s.eagerDiff(ctx, aligned, entries); err != nil {
		return nil, err
	}

	return &ComparisonResult{
		Components: entries,
		TreeB:      model.Tree,
		AdaptersB:  model.Adapters,
	}, nil
}

// currentTree returns model A's tree as of the latest surgery state.
func (s *Session) currentTree() *arch.Node {
	return s.modelA.Tree
}

// currentMap returns model A's tensor map as of the latest surgery state.
func (s *Session) currentMap() *shard.UnifiedTensorMap {
	if s.history != nil {
		return s.history.Current().TensorMap()
	}
	return s.modelA.Map
}
