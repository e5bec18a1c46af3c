package arch

import (
	"sort"
	"strings"

	"github.com/23skdu/longbow-scalpel/internal/lora"
	"github.com/23skdu/longbow-scalpel/internal/safetensors"
	"github.com/23skdu/longbow-scalpel/internal/shard"
)

// Kind classifies a tree node.
type Kind int

const (
	KindRoot Kind = iota
	KindBlock
	KindComponent
	KindParameter
)

func (k Kind) String() string {
	switch k {
	case KindRoot:
		return "root"
	case KindBlock:
		return "block"
	case KindComponent:
		return "component"
	case KindParameter:
		return "parameter"
	default:
		return "unknown"
	}
}

// TensorInfo is the dtype/shape carried by parameter leaves.
type TensorInfo struct {
	Dtype safetensors.Dtype
	Shape []int64
}

// Node is one entity in the architecture tree. Trees are built fresh from a
// tensor map and never mutated afterwards; surgery rebuilds the whole tree.
type Node struct {
	Name           string
	FullPath       string
	Kind           Kind
	Children       []*Node
	TensorInfo     *TensorInfo
	Adapters       map[string]*lora.AdapterPair
	BlockIndex     int
	InsertionOrder int
}

// Child returns the direct child with the given name segment, or nil.
func (n *Node) Child(name string) *Node {
	for _, c := range n.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// Find walks the tree by dotted path. Empty path returns n itself.
func (n *Node) Find(path string) *Node {
	if path == "" {
		return n
	}
	cur := n
	for _, seg := range strings.Split(path, ".") {
		cur = cur.Child(seg)
		if cur == nil {
			return nil
		}
	}
	return cur
}

// CountParameters returns the number of parameter leaves under n.
func (n *Node) CountParameters() int {
	count := 0
	if n.Kind == KindParameter {
		count++
	}
	for _, c := range n.Children {
		count += c.CountParameters()
	}
	return count
}

// Build constructs the architecture tree for a unified tensor map. LoRA A/B
// tensors stay out of the parameter tree; their pairs are attached to the
// module nodes they decorate. Sibling order follows first appearance in the
// map's declaration order, with numeric block segments sorted by index.
func Build(m *shard.UnifiedTensorMap, adapters lora.AdapterMap) *Node {
	root := &Node{Kind: KindRoot, BlockIndex: -1}

	counter := 0
	for _, name := range tensorOrder(m) {
		entry := m.Tensors[name]
		if lora.IsAdapterTensor(name) {
			continue
		}
		insertTensor(root, name, entry.TensorRecord, counter)
		counter++
	}

	for module, pairs := range adapters {
		node := root.Find(module)
		if node == nil {
			// Adapters shipped without their base model resolve nowhere.
			// That is fine; they just don't get attached.
			continue
		}
		if node.Adapters == nil {
			node.Adapters = make(map[string]*lora.AdapterPair, len(pairs))
		}
		for _, p := range pairs {
			node.Adapters[p.AdapterName] = p
		}
	}

	sortChildren(root)
	return root
}

func tensorOrder(m *shard.UnifiedTensorMap) []string {
	if len(m.Order) == len(m.Tensors) {
		return m.Order
	}
	// Declaration order is unavailable or stale; fall back to sorted names.
	names := make([]string, 0, len(m.Tensors))
	for name := range m.Tensors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func insertTensor(root *Node, name string, rec safetensors.TensorRecord, order int) {
	segs := strings.Split(name, ".")
	cur := root
	for i, seg := range segs {
		next := cur.Child(seg)
		if next == nil {
			next = newNode(cur, seg, i == len(segs)-1, order)
			cur.Children = append(cur.Children, next)
		}
		cur = next
	}
	cur.TensorInfo = &TensorInfo{Dtype: rec.Dtype, Shape: rec.Shape}
}

func newNode(parent *Node, seg string, leaf bool, order int) *Node {
	n := &Node{
		Name:           seg,
		FullPath:       joinPath(parent.FullPath, seg),
		Kind:           KindComponent,
		BlockIndex:     -1,
		InsertionOrder: order,
	}
	if leaf {
		n.Kind = KindParameter
	} else if idx, ok := parseBlockIndex(seg); ok {
		n.Kind = KindBlock
		n.BlockIndex = idx
	}
	return n
}

func joinPath(parent, seg string) string {
	if parent == "" {
		return seg
	}
	return parent + "." + seg
}

// parseBlockIndex accepts purely-numeric segments ("0", "17").
func parseBlockIndex(seg string) (int, bool) {
	if seg == "" {
		return 0, false
	}
	idx := 0
	for _, r := range seg {
		if r < '0' || r > '9' {
			return 0, false
		}
		idx = idx*10 + int(r-'0')
	}
	return idx, true
}

// sortChildren orders blocks numerically ahead of named nodes, and named
// siblings by first appearance in the source tensor list. Registration order
// is what a human inspecting a forward pass expects, not the alphabet.
func sortChildren(n *Node) {
	sort.SliceStable(n.Children, func(i, j int) bool {
		a, b := n.Children[i], n.Children[j]
		aBlock := a.BlockIndex >= 0
		bBlock := b.BlockIndex >= 0
		switch {
		case aBlock && bBlock:
			return a.BlockIndex < b.BlockIndex
		case aBlock != bBlock:
			return aBlock
		default:
			return a.InsertionOrder < b.InsertionOrder
		}
	})
	for _, c := range n.Children {
		sortChildren(c)
	}
}
