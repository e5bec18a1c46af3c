package surgery

import (
	"errors"
	"fmt"
	"strings"

	"github.com/23skdu/longbow-scalpel/internal/shard"
)

// ErrInvalidOperation covers malformed surgery requests: a rename with no new
// name, an unrecognized operation kind, and the like. Validation failures
// abort before any state is pushed.
var ErrInvalidOperation = errors.New("invalid surgery operation")

// underPath reports whether key equals path or lives beneath it.
func underPath(key, path string) bool {
	return key == path || strings.HasPrefix(key, path+".")
}

// hasAdapterMarker reports whether any dot-segment of key is a lora_A/lora_B
// marker.
func hasAdapterMarker(key string) bool {
	for _, seg := range strings.Split(key, ".") {
		if seg == "lora_A" || seg == "lora_B" {
			return true
		}
	}
	return false
}

// transform builds the successor state by mapping every tensor key through
// fn. fn returns the new key ("" drops the tensor) and may not be called in
// any particular order. Declaration order survives renames and removals.
func (s *Session) transform(fn func(key string) string) *State {
	cur := s.Current()
	next := &State{
		Dir:                cur.Dir,
		Metadata:           cur.Metadata,
		Tensors:            make(map[string]shard.Entry, len(cur.Tensors)),
		ShardHeaderLengths: cur.ShardHeaderLengths,
		Order:              make([]string, 0, len(cur.Order)),
	}
	for key, entry := range cur.Tensors {
		if newKey := fn(key); newKey != "" {
			next.Tensors[newKey] = entry
		}
	}
	for _, key := range cur.Order {
		if newKey := fn(key); newKey != "" {
			next.Order = append(next.Order, newKey)
		}
	}
	return next
}

// RenameComponent replaces the last segment of targetPath with newName and
// rewrites every key at or under the old path. Works the same whether the
// path names a single leaf tensor or a whole subtree. A path matching
// nothing is a no-op transition, not an error.
func (s *Session) RenameComponent(targetPath, newName string) (*State, error) {
	if targetPath == "" || newName == "" {
		return nil, fmt.Errorf("%w: rename needs a target path and a new name", ErrInvalidOperation)
	}
	if strings.Contains(newName, ".") {
		return nil, fmt.Errorf("%w: new name %q must be a single segment", ErrInvalidOperation, newName)
	}

	newBase := newName
	if i := strings.LastIndex(targetPath, "."); i >= 0 {
		newBase = targetPath[:i+1] + newName
	}

	next := s.transform(func(key string) string {
		if !underPath(key, targetPath) {
			return key
		}
		return newBase + key[len(targetPath):]
	})
	s.push(next)
	return next, nil
}

// RemoveTensor deletes the key equal to targetPath and everything beneath it.
func (s *Session) RemoveTensor(targetPath string) (*State, error) {
	if targetPath == "" {
		return nil, fmt.Errorf("%w: remove needs a target path", ErrInvalidOperation)
	}
	next := s.transform(func(key string) string {
		if underPath(key, targetPath) {
			return ""
		}
		return key
	})
	s.push(next)
	return next, nil
}

// RemoveAdapter deletes the lora_A/lora_B tensors under targetPath. The base
// weight tensor stays.
func (s *Session) RemoveAdapter(targetPath string) (*State, error) {
	if targetPath == "" {
		return nil, fmt.Errorf("%w: remove adapter needs a target path", ErrInvalidOperation)
	}
	next := s.transform(func(key string) string {
		if underPath(key, targetPath) && hasAdapterMarker(key) {
			return ""
		}
		return key
	})
	s.push(next)
	return next, nil
}

// RenameAdapter rewrites the targetPath prefix of every adapter-marker key
// under targetPath to newPrefix. Non-adapter keys under the same path (the
// base weight) keep their names.
func (s *Session) RenameAdapter(targetPath, newPrefix string) (*State, error) {
	if targetPath == "" || newPrefix == "" {
		return nil, fmt.Errorf("%w: rename adapter needs a target path and a new prefix", ErrInvalidOperation)
	}
	next := s.transform(func(key string) string {
		if underPath(key, targetPath) && hasAdapterMarker(key) {
			return newPrefix + key[len(targetPath):]
		}
		return key
	})
	s.push(next)
	return next, nil
}

// ReplaceComponent swaps the subtree at targetPath for the same subtree from
// another model. Grafted entries keep absolute shard paths and the source's
// header lengths are merged in so their bytes stay resolvable at save time.
func (s *Session) ReplaceComponent(targetPath string, source *shard.UnifiedTensorMap) (*State, error) {
	if targetPath == "" {
		return nil, fmt.Errorf("%w: replace needs a target path", ErrInvalidOperation)
	}
	if source == nil {
		return nil, fmt.Errorf("%w: replace needs a source model", ErrInvalidOperation)
	}

	next := s.transform(func(key string) string {
		if underPath(key, targetPath) {
			return ""
		}
		return key
	})

	headerLens := make(map[string]uint64, len(next.ShardHeaderLengths))
	for k, v := range next.ShardHeaderLengths {
		headerLens[k] = v
	}
	next.ShardHeaderLengths = headerLens

	copied := make(map[string]bool)
	for key, entry := range source.Tensors {
		if !underPath(key, targetPath) {
			continue
		}
		abs := source.ShardPath(entry.Shard)
		headerLens[abs] = source.ShardHeaderLengths[entry.Shard]
		entry.Shard = abs
		next.Tensors[key] = entry
		copied[key] = true
	}
	for _, key := range source.Order {
		if copied[key] {
			next.Order = append(next.Order, key)
		}
	}

	s.push(next)
	return next, nil
}
