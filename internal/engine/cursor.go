package engine

import (
	"slices"

	"github.com/agentic-research/thoughtspace/internal/graph"
)

// RepairCursor returns a valid cursor for ix. A cursor whose thought still
// exists follows it to its canonical path. Otherwise the cursor is cut back to
// the longest prefix whose thoughts exist and are still linked to each other,
// or nil when even the first element is gone.
func RepairCursor(ix graph.Indices, cursor graph.Path) graph.Path {
	if len(cursor) == 0 {
		return cursor
	}

	if _, ok := graph.PathToThought(ix, cursor); ok {
		if canonical := graph.ThoughtToPath(ix, cursor.Head()); canonical != nil {
			if graph.Equal(canonical, cursor) {
				return cursor
			}
			return canonical
		}
	}

	for i := range cursor {
		prefix := cursor[:i+1]
		if i == 0 && graph.IsRoot(prefix[0]) {
			if _, ok := graph.ThoughtByID(ix, prefix[0]); ok {
				continue
			}
			return nil
		}
		t, ok := graph.PathToThought(ix, prefix)
		if !ok || t.ParentID != graph.RootedParentOf(prefix).Head() {
			if i == 0 {
				return nil
			}
			return slices.Clone(cursor[:i])
		}
	}
	return cursor
}

// SetCursor moves the cursor and recomputes expansion. Navigation does not
// touch the jump history, which records edit locations only.
func SetCursor(s *State, cursor graph.Path) *State {
	if graph.Equal(s.Cursor, cursor) {
		return s
	}
	next := s.clone()
	next.Cursor = cursor
	next.Expanded = Expand(next.Thoughts, cursor)
	return next
}
