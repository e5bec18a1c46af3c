package lora

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-scalpel/internal/safetensors"
	"github.com/23skdu/longbow-scalpel/internal/shard"
)

func entry(shape ...int64) shard.Entry {
	return shard.Entry{
		TensorRecord: safetensors.TensorRecord{Dtype: safetensors.F32, Shape: shape},
		Shard:        "model.safetensors",
	}
}

func TestDetect_PairedDefaultAdapter(t *testing.T) {
	tensors := map[string]shard.Entry{
		"base_model.model.layers.0.q_proj.lora_A.weight": entry(16, 512),
		"base_model.model.layers.0.q_proj.lora_B.weight": entry(512, 16),
	}

	m := Detect(tensors, nil)
	require.Len(t, m, 1)
	pairs := m["base_model.model.layers.0.q_proj"]
	require.Len(t, pairs, 1)
	p := pairs[0]
	assert.Equal(t, DefaultAdapterName, p.AdapterName)
	assert.Equal(t, 16, p.Rank, "rank inferred from [rank,in]/[out,rank] shapes")
	assert.False(t, p.HasAlpha)
	assert.Equal(t, "layers.0.q_proj.weight", p.BaseTensorName, "wrapper prefix stripped")
}

func TestDetect_UnpairedHalfDropped(t *testing.T) {
	tensors := map[string]shard.Entry{
		"layers.0.q_proj.lora_A.weight": entry(8, 64),
	}
	assert.Empty(t, Detect(tensors, nil))
}

func TestDetect_NamedAdapters(t *testing.T) {
	tensors := map[string]shard.Entry{
		"layers.0.q_proj.lora_A.task1.weight": entry(8, 64),
		"layers.0.q_proj.lora_B.task1.weight": entry(64, 8),
		"layers.0.q_proj.lora_A.task0.weight": entry(4, 64),
		"layers.0.q_proj.lora_B.task0.weight": entry(64, 4),
	}

	m := Detect(tensors, nil)
	pairs := m["layers.0.q_proj"]
	require.Len(t, pairs, 2)
	assert.Equal(t, "task0", pairs[0].AdapterName)
	assert.Equal(t, "task1", pairs[1].AdapterName)
	assert.Equal(t, 4, pairs[0].Rank)
	assert.Equal(t, 8, pairs[1].Rank)
}

func TestDetect_ConfigOverridesShapeRank(t *testing.T) {
	tensors := map[string]shard.Entry{
		"layers.0.q_proj.lora_A.weight": entry(16, 512),
		"layers.0.q_proj.lora_B.weight": entry(512, 16),
	}
	cfg := &AdapterConfig{R: 32, LoraAlpha: 64}

	pairs := Detect(tensors, cfg)["layers.0.q_proj"]
	require.Len(t, pairs, 1)
	assert.Equal(t, 32, pairs[0].Rank, "config r wins over shape-inferred rank")
	assert.True(t, pairs[0].HasAlpha)
	assert.Equal(t, 64.0, pairs[0].Alpha)
}

func TestDetect_RankUnknownOnShapeMismatch(t *testing.T) {
	tensors := map[string]shard.Entry{
		"layers.0.q_proj.lora_A.weight": entry(16, 512),
		"layers.0.q_proj.lora_B.weight": entry(512, 24),
	}
	pairs := Detect(tensors, nil)["layers.0.q_proj"]
	require.Len(t, pairs, 1)
	assert.Equal(t, RankUnknown, pairs[0].Rank)
}

func TestDetect_BaseLayerWrapper(t *testing.T) {
	tensors := map[string]shard.Entry{
		"layers.0.q_proj.base_layer.weight": entry(512, 512),
		"layers.0.q_proj.lora_A.weight":     entry(16, 512),
		"layers.0.q_proj.lora_B.weight":     entry(512, 16),
	}
	pairs := Detect(tensors, nil)["layers.0.q_proj"]
	require.Len(t, pairs, 1)
	assert.Equal(t, "layers.0.q_proj.base_layer.weight", pairs[0].BaseTensorName)
}

func TestIsAdapterTensor(t *testing.T) {
	assert.True(t, IsAdapterTensor("m.lora_A.weight"))
	assert.True(t, IsAdapterTensor("m.lora_B.extra.weight"))
	assert.False(t, IsAdapterTensor("m.weight"))
	assert.False(t, IsAdapterTensor("m.lora_A.bias"))
	assert.False(t, IsAdapterTensor("lora_A.weight"), "marker needs a module path before it")
}

func TestLoadAdapterConfig(t *testing.T) {
	dir := t.TempDir()
	cfgJSON := `{"r":32,"lora_alpha":64,"target_modules":["q_proj","v_proj"],"lora_dropout":0.05,"peft_type":"LORA"}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(cfgJSON), 0o644))

	cfg, err := LoadAdapterConfig(dir)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, 32, cfg.R)
	assert.Equal(t, 64.0, cfg.LoraAlpha)
	assert.Equal(t, []string{"q_proj", "v_proj"}, cfg.TargetModules)
	assert.Equal(t, 0.05, cfg.LoraDropout)
	assert.Contains(t, cfg.Extra, "peft_type", "unknown fields preserved verbatim")
}

func TestLoadAdapterConfig_AbsentIsNotAnError(t *testing.T) {
	cfg, err := LoadAdapterConfig(t.TempDir())
	assert.NoError(t, err)
	assert.Nil(t, cfg)
}

func TestLoadAdapterConfig_Unparsable(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName), []byte("{broken"), 0o644))
	cfg, err := LoadAdapterConfig(dir)
	assert.NoError(t, err)
	assert.Nil(t, cfg)
}
