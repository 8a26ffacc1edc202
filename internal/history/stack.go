// Package history implements a linear undo/redo stack over immutable
// settings snapshots.
//
// A Stack is a value. Push, Undo and Redo return a new Stack and never
// modify the receiver's visible state, so a container holding a Stack can
// be handed to the autosave coordinator while the UI keeps editing.
package history

// Stack is a linear history with a cursor. The zero value is an empty stack
// that becomes initialized on its first Push.
type Stack[T any] struct {
	snapshots []T
	index     int
}

// New returns a stack holding initial at index 0.
func New[T any](initial T) Stack[T] {
	return Stack[T]{snapshots: []T{initial}}
}

// Restore rebuilds a stack from persisted parts. An out of range index is
// clamped into [0, len(snapshots)-1]; clamped reports whether that happened.
// An empty snapshot list yields the zero Stack.
func Restore[T any](snapshots []T, index int) (s Stack[T], clamped bool) {
	if len(snapshots) == 0 {
		return Stack[T]{}, index != 0
	}
	cp := make([]T, len(snapshots))
	copy(cp, snapshots)
	switch {
	case index < 0:
		index, clamped = 0, true
	case index > len(cp)-1:
		index, clamped = len(cp)-1, true
	}
	return Stack[T]{snapshots: cp, index: index}, clamped
}

// Push drops every snapshot after the cursor, appends next and moves the
// cursor onto it. Values equal to Current are still recorded.
func (s Stack[T]) Push(next T) Stack[T] {
	if len(s.snapshots) == 0 {
		return New(next)
	}
	// Full slice expression forces a fresh backing array so the receiver's
	// redo tail is never overwritten in place.
	kept := s.snapshots[: s.index+1 : s.index+1]
	return Stack[T]{
		snapshots: append(kept, next),
		index:     s.index + 1,
	}
}

// Undo moves the cursor back one step. At index 0 it is a no-op.
func (s Stack[T]) Undo() Stack[T] {
	if s.index > 0 {
		s.index--
	}
	return s
}

// Redo moves the cursor forward one step. At the newest snapshot it is a no-op.
func (s Stack[T]) Redo() Stack[T] {
	if s.index < len(s.snapshots)-1 {
		s.index++
	}
	return s
}

// Current returns the snapshot under the cursor, or the zero value for an
// empty stack.
func (s Stack[T]) Current() T {
	if len(s.snapshots) == 0 {
		var zero T
		return zero
	}
	return s.snapshots[s.index]
}

func (s Stack[T]) CanUndo() bool { return s.index > 0 }

func (s Stack[T]) CanRedo() bool { return s.index < len(s.snapshots)-1 }

func (s Stack[T]) Empty() bool { return len(s.snapshots) == 0 }

func (s Stack[T]) Len() int { return len(s.snapshots) }

func (s Stack[T]) Index() int { return s.index }

// Snapshots returns a copy of the full history, oldest first.
func (s Stack[T]) Snapshots() []T {
	out := make([]T, len(s.snapshots))
	copy(out, s.snapshots)
	return out
}
