package engine

import (
	"slices"

	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"

	"github.com/agentic-research/thoughtspace/internal/graph"
)

// Update is one transaction: index patches plus the flags that control how
// the engine re-derives state and whether the change is persisted.
type Update struct {
	Thoughts graph.ThoughtPatch
	Lexemes  graph.LexemePatch

	// RecentlyEdited replaces the recently edited tree when non-nil.
	RecentlyEdited *RecentlyEdited
	PendingDeletes []PendingDelete
	PendingLexemes map[string]bool

	// Local persists the batch to the local store, Remote pushes it to the
	// remote provider. A batch is queued when either is set.
	Local  bool
	Remote bool

	// RepairCursor moves a stale cursor to the thought's new location or its
	// closest surviving ancestor. Only set it for changes from another device;
	// local producers place the cursor themselves through MoveCursor.
	RepairCursor bool

	// MoveCursor sets the cursor to Cursor before expansion and jump history
	// are recomputed.
	MoveCursor bool
	Cursor     graph.Path

	PreventExpand bool

	// IsLoading forces the loading flag. It can only keep loading on or turn
	// it off; a state that finished loading never starts again.
	IsLoading *bool

	// DeleteInProgress suspends the parent check for the second half of a
	// two-phase delete, where descendants briefly reference a removed parent.
	DeleteInProgress bool

	// Action names the user operation for the undo history. Updates without
	// an action are not undoable.
	Action string
	// Group ties consecutive undo entries together so they undo as one.
	Group string
}

func (u Update) empty() bool {
	return len(u.Thoughts) == 0 && len(u.Lexemes) == 0
}

// Apply merges the update into s and returns the resulting state. An update
// with empty patches returns s itself.
//
// The steps run in a fixed order: merge, loading flag, sync batch, cursor,
// expansion, jump history, integrity check. When the integrity check fails
// Apply returns s together with an *IntegrityError and nothing is queued.
func Apply(s *State, in Update) (*State, error) {
	if in.empty() {
		return s, nil
	}

	next := s.clone()
	next.Thoughts = graph.Merge(s.Thoughts, in.Thoughts, in.Lexemes)
	next.IsLoading = s.IsLoading && stillLoading(next.Thoughts, in.IsLoading)
	if in.RecentlyEdited != nil {
		next.RecentlyEdited = in.RecentlyEdited
	}

	if in.Local || in.Remote {
		next.PushQueue = append(slices.Clip(s.PushQueue), SyncBatch{
			ID:             ulid.Make().String(),
			Thoughts:       in.Thoughts,
			Lexemes:        in.Lexemes,
			Local:          in.Local,
			Remote:         in.Remote,
			PendingDeletes: in.PendingDeletes,
			PendingLexemes: pendingLexemes(s.Thoughts, in),
			RecentlyEdited: next.RecentlyEdited,
		})
	}

	if in.MoveCursor {
		next.Cursor = in.Cursor
	}
	if in.RepairCursor {
		next.Cursor = RepairCursor(next.Thoughts, next.Cursor)
	}
	if !in.PreventExpand {
		next.Expanded = Expand(next.Thoughts, next.Cursor)
	}
	if history, changed := updateJumpHistory(s.JumpHistory, next.Cursor); changed {
		next.JumpHistory = history
		next.JumpIndex = 0
	}
	if in.Action != "" {
		next.UndoHistory = pushUndo(s.UndoHistory, newUndoEntry(s, next, in))
		next.RedoHistory = nil
	}

	if err := Check(next.Thoughts, in.Thoughts, in.DeleteInProgress); err != nil {
		glog.Errorf("apply %s: %v", actionName(in), err)
		return s, err
	}
	return next, nil
}

// stillLoading reports whether the home root is still unavailable: missing,
// pending, or declaring children of which none has been loaded.
func stillLoading(ix graph.Indices, force *bool) bool {
	if force != nil {
		return *force
	}
	root, ok := graph.ThoughtByID(ix, graph.HomeToken)
	if !ok || root.Pending {
		return true
	}
	if len(root.ChildrenMap) == 0 {
		return false
	}
	for _, childID := range root.ChildrenMap {
		if _, ok := graph.ThoughtByID(ix, childID); ok {
			return false
		}
	}
	return true
}

func actionName(in Update) string {
	if in.Action == "" {
		return "update"
	}
	return in.Action
}
