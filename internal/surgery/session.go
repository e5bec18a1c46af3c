package surgery

import (
	"github.com/23skdu/longbow-scalpel/internal/shard"
)

// State is one immutable snapshot in the undo history. Operations build a
// new State from the current one; history entries are never mutated.
type State struct {
	Dir                string
	Metadata           map[string]string
	Tensors            map[string]shard.Entry
	ShardHeaderLengths map[string]uint64
	Order              []string
}

// TensorMap converts the snapshot back to the map form the tree builder and
// readers consume.
func (st *State) TensorMap() *shard.UnifiedTensorMap {
	return &shard.UnifiedTensorMap{
		Dir:                st.Dir,
		Metadata:           st.Metadata,
		Tensors:            st.Tensors,
		ShardHeaderLengths: st.ShardHeaderLengths,
		Order:              st.Order,
	}
}

func stateFromMap(m *shard.UnifiedTensorMap) *State {
	return &State{
		Dir:                m.Dir,
		Metadata:           m.Metadata,
		Tensors:            m.Tensors,
		ShardHeaderLengths: m.ShardHeaderLengths,
		Order:              m.Order,
	}
}

// Session is an undo/redo mutation log over a loaded model. It is owned by
// exactly one caller; concurrent mutation is the caller's problem to
// serialize.
type Session struct {
	states []*State
	cursor int
}

// NewSession starts a history with the loaded model as state zero.
func NewSession(m *shard.UnifiedTensorMap) *Session {
	return &Session{states: []*State{stateFromMap(m)}}
}

// Current returns the snapshot at the cursor.
func (s *Session) Current() *State {
	return s.states[s.cursor]
}

// Undo steps the cursor back one state. Returns false at the initial state.
func (s *Session) Undo() bool {
	if s.cursor == 0 {
		return false
	}
	s.cursor--
	return true
}

// Redo steps the cursor forward one state. Returns false at the newest state.
func (s *Session) Redo() bool {
	if s.cursor == len(s.states)-1 {
		return false
	}
	s.cursor++
	return true
}

// PendingChanges is the cursor's distance from the initial state.
func (s *Session) PendingChanges() int {
	return s.cursor
}

// push discards any redo branch beyond the cursor and appends st. A fresh
// edit after an undo abandons the undone future.
func (s *Session) push(st *State) {
	s.states = append(s.states[:s.cursor+1], st)
	s.cursor = len(s.states) - 1
}
