package engine

import (
	"github.com/agentic-research/thoughtspace/internal/graph"
)

// updateJumpHistory records cursor at the head of history unless it is
// already there. A cursor adjacent to the head (its parent, child or sibling)
// replaces the head so that a run of nearby edits leaves one jump point.
func updateJumpHistory(history []graph.Path, cursor graph.Path) ([]graph.Path, bool) {
	if len(history) > 0 && graph.Equal(history[0], cursor) {
		return history, false
	}
	rest := history
	if len(history) > 0 && adjacent(history[0], cursor) {
		rest = history[1:]
	}
	if len(rest) > MaxJumps-1 {
		rest = rest[:MaxJumps-1]
	}
	out := make([]graph.Path, 0, len(rest)+1)
	out = append(out, cursor)
	return append(out, rest...), true
}

func adjacent(last, cursor graph.Path) bool {
	if len(last) == 0 || len(cursor) == 0 {
		return false
	}
	lastParent, cursorParent := last.ParentOf(), cursor.ParentOf()
	return graph.Equal(lastParent, cursor) ||
		graph.Equal(last, cursorParent) ||
		graph.Equal(lastParent, cursorParent)
}

// Jump moves the cursor through the jump history. Positive steps go back to
// older edit points, negative steps forward again. The first step back from a
// cursor that has left the latest edit point returns to that point.
func Jump(s *State, steps int) *State {
	if steps == 0 || len(s.JumpHistory) == 0 {
		return s
	}
	target := s.JumpIndex + steps
	if steps > 0 && s.JumpIndex == 0 && !graph.Equal(s.Cursor, s.JumpHistory[0]) {
		target--
	}
	target = max(0, min(target, len(s.JumpHistory)-1))
	if target == s.JumpIndex && graph.Equal(s.Cursor, s.JumpHistory[target]) {
		return s
	}

	next := SetCursor(s, RepairCursor(s.Thoughts, s.JumpHistory[target]))
	if next == s {
		next = s.clone()
	}
	next.JumpIndex = target
	return next
}
