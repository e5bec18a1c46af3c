package arch

import (
	"sort"
	"strings"

	"github.com/23skdu/longbow-scalpel/internal/lora"
)

// AlignStatus tells which side(s) of a comparison a canonical path exists on.
type AlignStatus string

const (
	StatusMatched AlignStatus = "matched"
	StatusOnlyA   AlignStatus = "only_a"
	StatusOnlyB   AlignStatus = "only_b"
)

// AlignedComponent is one canonical path in the union of two trees.
type AlignedComponent struct {
	Path          string
	Status        AlignStatus
	ShapeMismatch bool
	NodeA         *Node
	NodeB         *Node
}

// CanonicalPath strips the PEFT wrapper prefix so a wrapped fine-tune lines
// up with its unwrapped base model.
func CanonicalPath(fullPath string) string {
	return strings.TrimPrefix(fullPath, lora.WrapperPrefix)
}

func canonicalMap(root *Node) map[string]*Node {
	m := make(map[string]*Node)
	var walk func(n *Node)
	walk = func(n *Node) {
		if n.Kind != KindRoot {
			m[CanonicalPath(n.FullPath)] = n
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(root)
	return m
}

// Align matches two trees by canonical path. Every non-root node on either
// side yields exactly one entry. Shape mismatches are only checked when both
// sides are parameters; dtype differences are not a mismatch. The returned
// order is sorted by path for determinism, though callers re-sort for display.
func Align(a, b *Node) []AlignedComponent {
	mapA := canonicalMap(a)
	mapB := canonicalMap(b)

	paths := make([]string, 0, len(mapA)+len(mapB))
	seen := make(map[string]bool, len(mapA)+len(mapB))
	for p := range mapA {
		paths = append(paths, p)
		seen[p] = true
	}
	for p := range mapB {
		if !seen[p] {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)

	out := make([]AlignedComponent, 0, len(paths))
	for _, p := range paths {
		na, okA := mapA[p]
		nb, okB := mapB[p]
		c := AlignedComponent{Path: p, NodeA: na, NodeB: nb}
		switch {
		case okA && okB:
			c.Status = StatusMatched
			if na.Kind == KindParameter && nb.Kind == KindParameter {
				c.ShapeMismatch = !shapesEqual(na.TensorInfo, nb.TensorInfo)
			}
		case okA:
			c.Status = StatusOnlyA
		default:
			c.Status = StatusOnlyB
		}
		out = append(out, c)
	}
	return out
}

func shapesEqual(a, b *TensorInfo) bool {
	if a == nil || b == nil {
		return a == b
	}
	if len(a.Shape) != len(b.Shape) {
		return false
	}
	for i := range a.Shape {
		if a.Shape[i] != b.Shape[i] {
			return false
		}
	}
	return true
}
