package engine

import (
	"context"
	"encoding/binary"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-scalpel/internal/arch"
	"github.com/23skdu/longbow-scalpel/internal/safetensors"
)

func f32bytes(vals ...float32) []byte {
	out := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

// writeModel serializes a single-file model whose tensors are F32 vectors.
func writeModel(t *testing.T, dir, file string, tensors map[string][]float32) string {
	t.Helper()
	td := make(map[string]safetensors.TensorData, len(tensors))
	for name, vals := range tensors {
		td[name] = safetensors.TensorData{
			Dtype: safetensors.F32,
			Shape: []int64{int64(len(vals))},
			Data:  f32bytes(vals...),
		}
	}
	path := filepath.Join(dir, file)
	require.NoError(t, safetensors.Write(context.Background(), path, nil, td, nil))
	return path
}

func TestCheckProtocol(t *testing.T) {
	assert.NoError(t, CheckProtocol(ProtocolVersion))
	assert.ErrorIs(t, CheckProtocol(ProtocolVersion-1), ErrProtocolMismatch)
}

func TestSession_Open(t *testing.T) {
	path := writeModel(t, t.TempDir(), "model.safetensors", map[string][]float32{
		"embed.weight":    {1, 2},
		"layers.0.weight": {3, 4},
		"norm.weight":     {5, 6},
	})

	s := NewSession(Options{})
	res, err := s.Open(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 3, res.TensorCount)
	assert.NotNil(t, res.Tree.Find("layers.0.weight"))
	assert.Zero(t, s.PendingChanges())
}

func TestSession_OperationsNeedAModel(t *testing.T) {
	s := NewSession(Options{})
	_, err := s.OpenComparison(context.Background(), "whatever")
	assert.ErrorIs(t, err, ErrNoActiveSession)
	_, err = s.PerformSurgery(RemoveTensor{TargetPath: "x"})
	assert.ErrorIs(t, err, ErrNoActiveSession)
	_, err = s.RequestTensorDiff(context.Background(), "x")
	assert.ErrorIs(t, err, ErrNoActiveSession)
	assert.ErrorIs(t, s.Save(context.Background(), "out", nil), ErrNoActiveSession)
}

func TestSession_OpenComparisonEagerDiff(t *testing.T) {
	dirA, dirB := t.TempDir(), t.TempDir()
	pathA := writeModel(t, dirA, "model.safetensors", map[string][]float32{
		"shared.weight": {1, 2},
		"only_a.weight": {9},
	})
	pathB := writeModel(t, dirB, "model.safetensors", map[string][]float32{
		"shared.weight": {3, 4},
		"only_b.weight": {8},
	})

	s := NewSession(Options{})
	_, err := s.Open(context.Background(), pathA)
	require.NoError(t, err)

	res, err := s.OpenComparison(context.Background(), pathB)
	require.NoError(t, err)

	byPath := make(map[string]CompareEntry)
	for _, c := range res.Components {
		byPath[c.Path] = c
	}
	shared := byPath["shared.weight"]
	assert.Equal(t, arch.StatusMatched, shared.Status)
	require.NotNil(t, shared.Metrics, "small matched pair gets eager metrics")
	assert.InDelta(t, 0.98387, shared.Metrics.CosineSimilarity, 1e-4)
	assert.Equal(t, 2.0, shared.Metrics.MaxAbsDiff)

	assert.Equal(t, arch.StatusOnlyA, byPath["only_a.weight"].Status)
	assert.Equal(t, arch.StatusOnlyB, byPath["only_b.weight"].Status)
	// Intermediate component nodes match without metrics.
	assert.Nil(t, byPath["shared"].Metrics)
}

func TestSession_EagerDiffSkipsLargeTensors(t *testing.T) {
	dirA, dirB := t.TempDir(), t.TempDir()
	big := make([]float32, 16)
	pathA := writeModel(t, dirA, "model.safetensors", map[string][]float32{"w.weight": big})
	pathB := writeModel(t, dirB, "model.safetensors", map[string][]float32{"w.weight": big})

	s := NewSession(Options{MaxDiffElements: 8})
	_, err := s.Open(context.Background(), pathA)
	require.NoError(t, err)
	res, err := s.OpenComparison(context.Background(), pathB)
	require.NoError(t, err)

	for _, c := range res.Components {
		if c.Path == "w.weight" {
			assert.Equal(t, arch.StatusMatched, c.Status)
			assert.Nil(t, c.Metrics, "above the ceiling means not yet computed")
		}
	}
}

func TestSession_RequestTensorDiff(t *testing.T) {
	dirA, dirB := t.TempDir(), t.TempDir()
	pathA := writeModel(t, dirA, "model.safetensors", map[string][]float32{"w.weight": {1, 2}})
	pathB := writeModel(t, dirB, "model.safetensors", map[string][]float32{"w.weight": {3, 4}})

	s := NewSession(Options{})
	_, err := s.Open(context.Background(), pathA)
	require.NoError(t, err)

	_, err = s.RequestTensorDiff(context.Background(), "w.weight")
	assert.ErrorIs(t, err, ErrSourceModelUnavailable, "needs a comparison model")

	_, err = s.OpenComparison(context.Background(), pathB)
	require.NoError(t, err)

	d, err := s.RequestTensorDiff(context.Background(), "w.weight")
	require.NoError(t, err)
	assert.InDelta(t, 2.8284, d.Metrics.L2NormDiff, 1e-4)
	assert.Equal(t, []float64{1, 2}, d.PreviewA)
	assert.Equal(t, []float64{3, 4}, d.PreviewB)
	assert.Equal(t, []int64{2}, d.Shape)

	_, err = s.RequestTensorDiff(context.Background(), "ghost.weight")
	assert.ErrorIs(t, err, ErrComponentNotFound)
}

func TestSession_RequestModuleDiff(t *testing.T) {
	dirA, dirB := t.TempDir(), t.TempDir()
	pathA := writeModel(t, dirA, "model.safetensors", map[string][]float32{
		"blk.q.weight": {1, 0},
		"blk.k.weight": {0, 1},
	})
	pathB := writeModel(t, dirB, "model.safetensors", map[string][]float32{
		"blk.q.weight": {1, 0},
		"blk.k.weight": {0, 1},
	})

	s := NewSession(Options{})
	_, err := s.Open(context.Background(), pathA)
	require.NoError(t, err)
	_, err = s.OpenComparison(context.Background(), pathB)
	require.NoError(t, err)

	results, err := s.RequestModuleDiff(context.Background(), []string{"blk", "missing"})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Empty(t, results[0].Err)
	require.NotNil(t, results[0].Metrics)
	assert.InDelta(t, 1.0, results[0].Metrics.CosineSimilarity, 1e-12)

	assert.Nil(t, results[1].Metrics)
	assert.NotEmpty(t, results[1].Err, "per-item failure, not a batch failure")
}

func TestSession_SurgeryUndoRedoSave(t *testing.T) {
	dir := t.TempDir()
	path := writeModel(t, dir, "model.safetensors", map[string][]float32{
		"keep.weight": {1, 2, 3},
		"drop.weight": {4, 5, 6},
	})

	s := NewSession(Options{})
	_, err := s.Open(context.Background(), path)
	require.NoError(t, err)

	res, err := s.PerformSurgery(RemoveTensor{TargetPath: "drop.weight"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.PendingChanges)
	assert.Nil(t, res.Tree.Find("drop.weight"))
	assert.NotNil(t, res.Tree.Find("keep.weight"))

	res, moved, err := s.Undo()
	require.NoError(t, err)
	assert.True(t, moved)
	assert.Zero(t, res.PendingChanges)
	assert.NotNil(t, res.Tree.Find("drop.weight"))

	_, moved, err = s.Redo()
	require.NoError(t, err)
	assert.True(t, moved)

	// Fresh edit after an undo discards the redo branch.
	_, moved, err = s.Undo()
	require.NoError(t, err)
	require.True(t, moved)
	_, err = s.PerformSurgery(RenameComponent{TargetPath: "keep.weight", NewName: "held"})
	require.NoError(t, err)
	_, moved, err = s.Redo()
	require.NoError(t, err)
	assert.False(t, moved)

	out := filepath.Join(dir, "out.safetensors")
	require.NoError(t, s.Save(context.Background(), out, nil))

	h, err := safetensors.ParseHeader(out)
	require.NoError(t, err)
	assert.Contains(t, h.Tensors, "keep.held")
	assert.Contains(t, h.Tensors, "drop.weight")
	assert.NotContains(t, h.Tensors, "keep.weight")

	raw, err := safetensors.ReadTensorByName(out, h, "keep.held")
	require.NoError(t, err)
	assert.Equal(t, f32bytes(1, 2, 3), raw, "bytes survive rename and re-serialization")
}

func TestSession_ReplaceComponentNeedsModelB(t *testing.T) {
	path := writeModel(t, t.TempDir(), "model.safetensors", map[string][]float32{"a.weight": {1}})
	s := NewSession(Options{})
	_, err := s.Open(context.Background(), path)
	require.NoError(t, err)

	_, err = s.PerformSurgery(ReplaceComponent{TargetPath: "a"})
	assert.ErrorIs(t, err, ErrSourceModelUnavailable)
}

func TestSession_ReplaceComponentCrossModelSave(t *testing.T) {
	dirA, dirB := t.TempDir(), t.TempDir()
	pathA := writeModel(t, dirA, "model.safetensors", map[string][]float32{
		"blk.weight":  {1, 1},
		"norm.weight": {2, 2},
	})
	pathB := writeModel(t, dirB, "model.safetensors", map[string][]float32{
		"blk.weight": {7, 7},
	})

	s := NewSession(Options{})
	_, err := s.Open(context.Background(), pathA)
	require.NoError(t, err)
	_, err = s.OpenComparison(context.Background(), pathB)
	require.NoError(t, err)

	_, err = s.PerformSurgery(ReplaceComponent{TargetPath: "blk"})
	require.NoError(t, err)

	out := filepath.Join(dirA, "merged.safetensors")
	require.NoError(t, s.Save(context.Background(), out, nil))

	h, err := safetensors.ParseHeader(out)
	require.NoError(t, err)
	raw, err := safetensors.ReadTensorByName(out, h, "blk.weight")
	require.NoError(t, err)
	assert.Equal(t, f32bytes(7, 7), raw, "replaced subtree carries model B's bytes")
	raw, err = safetensors.ReadTensorByName(out, h, "norm.weight")
	require.NoError(t, err)
	assert.Equal(t, f32bytes(2, 2), raw)
}
