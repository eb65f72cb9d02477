package websocket

import "tripsync-server/internal/crdt"

// UndoManager holds one client's personal edit history: two bounded
// stacks of inverses. It never sees other collaborators' operations, so
// undo can only revert the owning client's own edits.
type UndoManager struct {
	limit int
	undo  []crdt.Inverse
	redo  []crdt.Inverse
}

func NewUndoManager(limit int) *UndoManager {
	return &UndoManager{limit: limit}
}

// Record pushes the inverse of a fresh local mutation and clears the redo
// stack, as any new edit invalidates the redo history.
func (m *UndoManager) Record(inv crdt.Inverse) {
	m.undo = push(m.undo, inv, m.limit)
	m.redo = m.redo[:0]
}

// PushUndo re-enters an inverse produced by a redo without clearing the
// redo stack.
func (m *UndoManager) PushUndo(inv crdt.Inverse) {
	m.undo = push(m.undo, inv, m.limit)
}

func (m *UndoManager) PushRedo(inv crdt.Inverse) {
	m.redo = push(m.redo, inv, m.limit)
}

func (m *UndoManager) PopUndo() (crdt.Inverse, bool) {
	return pop(&m.undo)
}

func (m *UndoManager) PopRedo() (crdt.Inverse, bool) {
	return pop(&m.redo)
}

func (m *UndoManager) CanUndo() bool { return len(m.undo) > 0 }
func (m *UndoManager) CanRedo() bool { return len(m.redo) > 0 }

func push(stack []crdt.Inverse, inv crdt.Inverse, limit int) []crdt.Inverse {
	stack = append(stack, inv)
	if limit > 0 && len(stack) > limit {
		stack = stack[len(stack)-limit:]
	}
	return stack
}

func pop(stack *[]crdt.Inverse) (crdt.Inverse, bool) {
	s := *stack
	if len(s) == 0 {
		return crdt.Inverse{}, false
	}
	inv := s[len(s)-1]
	*stack = s[:len(s)-1]
	return inv, true
}
