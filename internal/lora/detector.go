package lora

import (
	"sort"
	"strings"

	"github.com/23skdu/longbow-scalpel/internal/shard"
)

// PEFT wrapper prefix stripped when deriving base tensor names and when
// aligning trees across models.
const WrapperPrefix = "base_model.model."

// DefaultAdapterName is used when a tensor name carries no named-adapter segment.
const DefaultAdapterName = "default"

// RankUnknown marks a pair whose rank could not be read from config or
// inferred from shapes. Callers decide whether that blocks anything; the
// detector never guesses.
const RankUnknown = -1

// AdapterPair is a matched lora_A/lora_B tensor pair attached to one module.
type AdapterPair struct {
	BaseTensorName string
	AdapterName    string
	LoraAName      string
	LoraBName      string
	Rank           int
	Alpha          float64
	HasAlpha       bool
	AShape         []int64
	BShape         []int64
}

// AdapterMap groups adapter pairs by module path. A module can carry several
// named adapters; pairs are ordered by adapter name.
type AdapterMap map[string][]*AdapterPair

// parsedName is the decomposition of a tensor name that matched the adapter
// pattern `<module>.lora_{A,B}[.<adapter>].weight`.
type parsedName struct {
	module  string
	adapter string
	isA     bool
}

func parseAdapterName(name string) (parsedName, bool) {
	segs := strings.Split(name, ".")
	if len(segs) < 3 || segs[len(segs)-1] != "weight" {
		return parsedName{}, false
	}
	// marker directly before "weight" (default adapter) or one further back
	// (named adapter).
	for _, i := range []int{len(segs) - 2, len(segs) - 3} {
		if i < 1 {
			continue
		}
		if segs[i] == "lora_A" || segs[i] == "lora_B" {
			p := parsedName{
				module:  strings.Join(segs[:i], "."),
				adapter: DefaultAdapterName,
				isA:     segs[i] == "lora_A",
			}
			if i == len(segs)-3 {
				p.adapter = segs[len(segs)-2]
			}
			return p, true
		}
	}
	return parsedName{}, false
}

// IsAdapterTensor reports whether name is a lora_A/lora_B weight tensor. The
// tree builder uses this to keep adapter tensors out of the parameter tree.
func IsAdapterTensor(name string) bool {
	_, ok := parseAdapterName(name)
	return ok
}

// Detect scans a tensor map for adapter pairs. A pair exists only when both
// the A and B halves are present for the same (module, adapter) key;
// unmatched halves are dropped silently. cfg may be nil.
func Detect(tensors map[string]shard.Entry, cfg *AdapterConfig) AdapterMap {
	type half struct {
		name  string
		shape []int64
	}
	type key struct{ module, adapter string }
	aSide := make(map[key]half)
	bSide := make(map[key]half)

	for name, entry := range tensors {
		p, ok := parseAdapterName(name)
		if !ok {
			continue
		}
		k := key{p.module, p.adapter}
		if p.isA {
			aSide[k] = half{name, entry.Shape}
		} else {
			bSide[k] = half{name, entry.Shape}
		}
	}

	result := make(AdapterMap)
	for k, a := range aSide {
		b, ok := bSide[k]
		if !ok {
			continue
		}
		pair := &AdapterPair{
			BaseTensorName: resolveBaseTensor(k.module, tensors),
			AdapterName:    k.adapter,
			LoraAName:      a.name,
			LoraBName:      b.name,
			Rank:           resolveRank(cfg, a.shape, b.shape),
			AShape:         a.shape,
			BShape:         b.shape,
		}
		if cfg != nil {
			pair.Alpha = cfg.LoraAlpha
			pair.HasAlpha = true
		}
		result[k.module] = append(result[k.module], pair)
	}

	for module := range result {
		pairs := result[module]
		sort.Slice(pairs, func(i, j int) bool { return pairs[i].AdapterName < pairs[j].AdapterName })
	}
	return result
}

func resolveBaseTensor(module string, tensors map[string]shard.Entry) string {
	if wrapped := module + ".base_layer.weight"; tensors != nil {
		if _, ok := tensors[wrapped]; ok {
			return wrapped
		}
	}
	return strings.TrimPrefix(module, WrapperPrefix) + ".weight"
}

// resolveRank prefers the config's r, then the [rank, in] / [out, rank]
// shape convention. Mismatched shapes report RankUnknown rather than a guess.
func resolveRank(cfg *AdapterConfig, aShape, bShape []int64) int {
	if cfg != nil && cfg.R > 0 {
		return cfg.R
	}
	if len(aShape) > 0 && len(bShape) > 0 && aShape[0] == bShape[len(bShape)-1] {
		return int(aShape[0])
	}
	return RankUnknown
}
