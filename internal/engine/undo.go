package engine

import (
	"maps"
	"slices"

	"github.com/agentic-research/thoughtspace/internal/graph"
)

// UndoEntry holds the forward and inverse patches of one undoable update.
type UndoEntry struct {
	Action string
	Group  string

	Thoughts graph.ThoughtPatch
	Lexemes  graph.LexemePatch

	InverseThoughts graph.ThoughtPatch
	InverseLexemes  graph.LexemePatch

	CursorBefore graph.Path
	CursorAfter  graph.Path
}

func newUndoEntry(prev, next *State, in Update) UndoEntry {
	e := UndoEntry{
		Action:          in.Action,
		Group:           in.Group,
		Thoughts:        in.Thoughts,
		Lexemes:         in.Lexemes,
		InverseThoughts: make(graph.ThoughtPatch, len(in.Thoughts)),
		InverseLexemes:  make(graph.LexemePatch, len(in.Lexemes)),
		CursorBefore:    prev.Cursor,
		CursorAfter:     next.Cursor,
	}
	for id := range in.Thoughts {
		e.InverseThoughts[id] = prev.Thoughts.Thoughts[id]
	}
	for key := range in.Lexemes {
		e.InverseLexemes[key] = prev.Thoughts.Lexemes[key]
	}
	return e
}

func pushUndo(history []UndoEntry, e UndoEntry) []UndoEntry {
	out := append(slices.Clip(history), e)
	if len(out) > MaxUndo {
		// never keep half of a group
		cut := len(out) - MaxUndo
		for cut < len(out) && out[cut].Group != "" && out[cut].Group == out[cut-1].Group {
			cut++
		}
		out = out[cut:]
	}
	return out
}

// groupStart returns the index of the first entry of the trailing group.
func groupStart(entries []UndoEntry) int {
	i := len(entries) - 1
	group := entries[i].Group
	if group == "" {
		return i
	}
	for i > 0 && entries[i-1].Group == group {
		i--
	}
	return i
}

// Undo reverts the most recent undoable update, or group of updates, and
// queues the reverting patch for persistence.
func Undo(s *State) (*State, error) {
	if len(s.UndoHistory) == 0 {
		return s, nil
	}
	start := groupStart(s.UndoHistory)
	entries := s.UndoHistory[start:]

	// Later entries are reverted first, so earlier inverses win.
	thoughts, lexemes := graph.ThoughtPatch{}, graph.LexemePatch{}
	for i := len(entries) - 1; i >= 0; i-- {
		maps.Copy(thoughts, entries[i].InverseThoughts)
		maps.Copy(lexemes, entries[i].InverseLexemes)
	}

	next, err := Apply(s, Update{
		Thoughts:   thoughts,
		Lexemes:    lexemes,
		Local:      true,
		Remote:     true,
		MoveCursor: true,
		Cursor:     entries[0].CursorBefore,
	})
	if err != nil {
		return s, err
	}
	if next == s {
		next = s.clone()
	}
	next.UndoHistory = s.UndoHistory[:start:start]
	next.RedoHistory = append(slices.Clip(s.RedoHistory), entries...)
	return next, nil
}

// Redo re-applies the most recently undone update or group.
func Redo(s *State) (*State, error) {
	if len(s.RedoHistory) == 0 {
		return s, nil
	}
	start := groupStart(s.RedoHistory)
	entries := s.RedoHistory[start:]

	thoughts, lexemes := graph.ThoughtPatch{}, graph.LexemePatch{}
	for _, e := range entries {
		maps.Copy(thoughts, e.Thoughts)
		maps.Copy(lexemes, e.Lexemes)
	}

	next, err := Apply(s, Update{
		Thoughts:   thoughts,
		Lexemes:    lexemes,
		Local:      true,
		Remote:     true,
		MoveCursor: true,
		Cursor:     entries[len(entries)-1].CursorAfter,
	})
	if err != nil {
		return s, err
	}
	if next == s {
		next = s.clone()
	}
	next.RedoHistory = s.RedoHistory[:start:start]
	next.UndoHistory = append(slices.Clip(s.UndoHistory), entries...)
	return next, nil
}
