package engine

import (
	"github.com/23skdu/longbow-scalpel/internal/arch"
	"github.com/23skdu/longbow-scalpel/internal/lora"
	"github.com/23skdu/longbow-scalpel/internal/surgery"
)

// Operation is the closed set of surgery requests. The host boundary decodes
// its wire envelope into one of these concrete types; the engine never sees
// an untyped payload.
type Operation interface {
	kind() string
}

// RenameComponent renames the last path segment of a tensor or a whole subtree.
type RenameComponent struct {
	TargetPath string `json:"target_path"`
	NewName    string `json:"new_name"`
}

// RemoveTensor deletes a tensor or subtree.
type RemoveTensor struct {
	TargetPath string `json:"target_path"`
}

// RemoveAdapter strips the lora_A/lora_B tensors under a module, keeping the
// base weight.
type RemoveAdapter struct {
	TargetPath string `json:"target_path"`
}

// RenameAdapter moves adapter tensors under a module to a new prefix.
type RenameAdapter struct {
	TargetPath string `json:"target_path"`
	NewPrefix  string `json:"new_prefix"`
}

// ReplaceComponent grafts the subtree at TargetPath from the loaded
// comparison model into the primary model.
type ReplaceComponent struct {
	TargetPath string `json:"target_path"`
}

func (RenameComponent) kind() string  { return "rename_component" }
func (RemoveTensor) kind() string     { return "remove_tensor" }
func (RemoveAdapter) kind() string    { return "remove_adapter" }
func (RenameAdapter) kind() string    { return "rename_adapter" }
func (ReplaceComponent) kind() string { return "replace_component" }

// SurgeryResult is the host's view after a mutation: the rebuilt tree and
// the pending-edit count.
type SurgeryResult struct {
	Tree           *arch.Node
	Adapters       lora.AdapterMap
	PendingChanges int
}

// PerformSurgery applies one operation to the primary model. The operation
// is atomic: a state is either fully computed and pushed, or nothing
// changes. The tree is rebuilt from the new state.
func (s *Session) PerformSurgery(op Operation) (*SurgeryResult, error) {
	if s.modelA == nil || s.history == nil {
		return nil, ErrNoActiveSession
	}

	var err error
	switch o := op.(type) {
	case RenameComponent:
		_, err = s.history.RenameComponent(o.TargetPath, o.NewName)
	case RemoveTensor:
		_, err = s.history.RemoveTensor(o.TargetPath)
	case RemoveAdapter:
		_, err = s.history.RemoveAdapter(o.TargetPath)
	case RenameAdapter:
		_, err = s.history.RenameAdapter(o.TargetPath, o.NewPrefix)
	case ReplaceComponent:
		if s.modelB == nil {
			return nil, ErrSourceModelUnavailable
		}
		_, err = s.history.ReplaceComponent(o.TargetPath, s.modelB.Map)
	default:
		return nil, surgery.ErrInvalidOperation
	}
	if err != nil {
		return nil, err
	}

	surgeryOps.WithLabelValues(op.kind()).Inc()
	s.rebuild()
	return s.surgeryResult(), nil
}

// Undo steps the history back and rebuilds. moved is false at state zero.
func (s *Session) Undo() (*SurgeryResult, bool, error) {
	if s.modelA == nil || s.history == nil {
		return nil, false, ErrNoActiveSession
	}
	moved := s.history.Undo()
	if moved {
		s.rebuild()
	}
	return s.surgeryResult(), moved, nil
}

// Redo steps the history forward and rebuilds. moved is false at the newest
// state.
func (s *Session) Redo() (*SurgeryResult, bool, error) {
	if s.modelA == nil || s.history == nil {
		return nil, false, ErrNoActiveSession
	}
	moved := s.history.Redo()
	if moved {
		s.rebuild()
	}
	return s.surgeryResult(), moved, nil
}

// PendingChanges reports how many edits separate the cursor from the opened
// model.
func (s *Session) PendingChanges() int {
	if s.history == nil {
		return 0
	}
	return s.history.PendingChanges()
}

// rebuild re-derives model A's map, adapters, and tree from the current
// surgery state. Trees are never patched in place.
func (s *Session) rebuild() {
	m := s.history.Current().TensorMap()
	adapters := lora.Detect(m.Tensors, s.modelA.cfg)
	s.modelA.Map = m
	s.modelA.Adapters = adapters
	s.modelA.Tree = arch.Build(m, adapters)
}

func (s *Session) surgeryResult() *SurgeryResult {
	return &SurgeryResult{
		Tree:           s.modelA.Tree,
		Adapters:       s.modelA.Adapters,
		PendingChanges: s.history.PendingChanges(),
	}
}
