package surgery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenameComponent_Subtree(t *testing.T) {
	s := NewSession(modelOf(
		"layers.0.attn.weight",
		"layers.0.mlp.weight",
		"layers.1.attn.weight",
	))

	st, err := s.RenameComponent("layers.0", "block_a")
	require.NoError(t, err)
	assert.Contains(t, st.Tensors, "layers.block_a.attn.weight")
	assert.Contains(t, st.Tensors, "layers.block_a.mlp.weight")
	assert.Contains(t, st.Tensors, "layers.1.attn.weight", "non-matching keys pass through")
	assert.NotContains(t, st.Tensors, "layers.0.attn.weight")
	assert.Equal(t, []string{
		"layers.block_a.attn.weight",
		"layers.block_a.mlp.weight",
		"layers.1.attn.weight",
	}, st.Order, "declaration order survives the rename")
}

func TestRenameComponent_SingleLeaf(t *testing.T) {
	s := NewSession(modelOf("norm.weight", "norm.bias"))
	st, err := s.RenameComponent("norm.weight", "gamma")
	require.NoError(t, err)
	assert.Contains(t, st.Tensors, "norm.gamma")
	assert.Contains(t, st.Tensors, "norm.bias")
}

func TestRenameComponent_TopLevel(t *testing.T) {
	s := NewSession(modelOf("encoder.weight"))
	st, err := s.RenameComponent("encoder", "decoder")
	require.NoError(t, err)
	assert.Contains(t, st.Tensors, "decoder.weight")
}

func TestRenameComponent_Validation(t *testing.T) {
	s := NewSession(modelOf("a.weight"))
	_, err := s.RenameComponent("a.weight", "")
	assert.ErrorIs(t, err, ErrInvalidOperation)
	_, err = s.RenameComponent("a.weight", "x.y")
	assert.ErrorIs(t, err, ErrInvalidOperation)
	assert.Zero(t, s.PendingChanges(), "validation failures push nothing")
}

func TestRemoveTensor_Subtree(t *testing.T) {
	s := NewSession(modelOf("layers.0.weight", "layers.0.bias", "layers.01.weight"))
	st, err := s.RemoveTensor("layers.0")
	require.NoError(t, err)
	assert.NotContains(t, st.Tensors, "layers.0.weight")
	assert.NotContains(t, st.Tensors, "layers.0.bias")
	assert.Contains(t, st.Tensors, "layers.01.weight", "prefix match is segment-exact")
}

func TestRemoveAdapter_KeepsBaseWeight(t *testing.T) {
	s := NewSession(modelOf(
		"layers.0.q_proj.weight",
		"layers.0.q_proj.lora_A.weight",
		"layers.0.q_proj.lora_B.weight",
	))
	st, err := s.RemoveAdapter("layers.0.q_proj")
	require.NoError(t, err)
	assert.Contains(t, st.Tensors, "layers.0.q_proj.weight")
	assert.NotContains(t, st.Tensors, "layers.0.q_proj.lora_A.weight")
	assert.NotContains(t, st.Tensors, "layers.0.q_proj.lora_B.weight")
}

func TestRenameAdapter_OnlyMarkerKeys(t *testing.T) {
	s := NewSession(modelOf(
		"layers.0.q_proj.weight",
		"layers.0.q_proj.lora_A.weight",
		"layers.0.q_proj.lora_B.weight",
	))
	st, err := s.RenameAdapter("layers.0.q_proj", "layers.0.k_proj")
	require.NoError(t, err)
	assert.Contains(t, st.Tensors, "layers.0.k_proj.lora_A.weight")
	assert.Contains(t, st.Tensors, "layers.0.k_proj.lora_B.weight")
	assert.Contains(t, st.Tensors, "layers.0.q_proj.weight", "base weight keeps its name")
}

func TestReplaceComponent_CrossModel(t *testing.T) {
	s := NewSession(modelOf("layers.0.weight", "norm.weight"))

	source := modelOf("layers.0.weight", "layers.0.bias")
	source.Dir = "/models/b"
	source.ShardHeaderLengths = map[string]uint64{"model.safetensors": 256}

	st, err := s.ReplaceComponent("layers.0", source)
	require.NoError(t, err)
	assert.Contains(t, st.Tensors, "layers.0.weight")
	assert.Contains(t, st.Tensors, "layers.0.bias")
	assert.Contains(t, st.Tensors, "norm.weight")

	grafted := st.Tensors["layers.0.weight"]
	assert.Equal(t, "/models/b/model.safetensors", grafted.Shard, "grafted entries carry absolute shard paths")
	assert.Equal(t, uint64(256), st.ShardHeaderLengths["/models/b/model.safetensors"],
		"source header lengths merged so grafted bytes stay resolvable")
	assert.Equal(t, uint64(128), st.ShardHeaderLengths["model.safetensors"])
}

func TestReplaceComponent_NeedsSource(t *testing.T) {
	s := NewSession(modelOf("a.weight"))
	_, err := s.ReplaceComponent("a", nil)
	assert.ErrorIs(t, err, ErrInvalidOperation)
}
