package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentic-research/thoughtspace/internal/graph"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// add returns an update inserting a child under parentID with consistent
// parent and lexeme entries.
func add(s *State, parentID, id, value string, rank float64) Update {
	t := &graph.Thought{ID: id, Value: value, ParentID: parentID, Rank: rank, ChildrenMap: map[string]string{}, LastUpdated: epoch}
	parent := s.Thoughts.Thoughts[parentID].Clone()
	parent.ChildrenMap[id] = id
	key := graph.LexemeKey(value)
	return Update{
		Thoughts: graph.ThoughtPatch{id: t, parentID: parent},
		Lexemes:  graph.LexemePatch{key: graph.AddContext(s.Thoughts.Lexemes[key], value, id, epoch, "")},
	}
}

func mustApply(t *testing.T, s *State, in Update) *State {
	t.Helper()
	next, err := Apply(s, in)
	require.NoError(t, err)
	return next
}

// seeded builds:
//
//	a
//	  b
//	  c
//	d
func seeded(t *testing.T) *State {
	t.Helper()
	s := mustApply(t, NewState(), Update{Thoughts: Roots(epoch)})
	s = mustApply(t, s, add(s, graph.HomeToken, "a", "Alpha", 0))
	s = mustApply(t, s, add(s, "a", "b", "Beta", 0))
	s = mustApply(t, s, add(s, "a", "c", "Gamma", 1))
	s = mustApply(t, s, add(s, graph.HomeToken, "d", "Delta", 1))
	return s
}

func TestApply_EmptyPatchReturnsSameState(t *testing.T) {
	s := seeded(t)
	for _, in := range []Update{
		{},
		{Local: true, Remote: true},
		{Thoughts: graph.ThoughtPatch{}, Lexemes: graph.LexemePatch{}, RepairCursor: true},
		{MoveCursor: true, Cursor: graph.Path{"a"}, Action: "noop"},
	} {
		next, err := Apply(s, in)
		require.NoError(t, err)
		assert.Same(t, s, next)
	}
}

func TestApply_DoesNotMutateInput(t *testing.T) {
	s := seeded(t)
	before := len(s.Thoughts.Thoughts)
	next := mustApply(t, s, add(s, "d", "e", "Echo", 0))
	assert.Len(t, s.Thoughts.Thoughts, before)
	assert.Len(t, next.Thoughts.Thoughts, before+1)
	assert.Empty(t, s.Thoughts.Thoughts["d"].ChildrenMap)
}

func TestApply_QueuesSyncBatch(t *testing.T) {
	s := seeded(t)

	in := add(s, "d", "e", "Echo", 0)
	in.Local, in.Remote = true, true
	next := mustApply(t, s, in)
	require.Len(t, next.PushQueue, 1)
	batch := next.PushQueue[0]
	assert.NotEmpty(t, batch.ID)
	assert.True(t, batch.Local)
	assert.True(t, batch.Remote)
	assert.Equal(t, map[string]bool{"echo": true}, batch.PendingLexemes, "new lexeme keys are pending for user edits")
	assert.Empty(t, s.PushQueue)

	in = add(s, "d", "e", "Echo", 0)
	in.Local = true
	next = mustApply(t, s, in)
	require.Len(t, next.PushQueue, 1)
	assert.Nil(t, next.PushQueue[0].PendingLexemes, "local-only batches carry no pending lexemes")

	next = mustApply(t, s, add(s, "d", "e", "Echo", 0))
	assert.Empty(t, next.PushQueue)

	in = add(s, "d", "e", "Echo", 0)
	in.Remote = true
	in.PendingLexemes = map[string]bool{"other": true}
	in.PendingDeletes = []PendingDelete{{ID: "gone", Path: graph.Path{"gone"}}}
	next = mustApply(t, s, in)
	assert.Equal(t, map[string]bool{"other": true}, next.PushQueue[0].PendingLexemes)
	assert.Equal(t, in.PendingDeletes, next.PushQueue[0].PendingDeletes)
}

func TestApply_QueueOrderIsFIFO(t *testing.T) {
	s := seeded(t)
	var ids []string
	for _, id := range []string{"e", "f", "g"} {
		in := add(s, "d", id, id, 0)
		in.Local = true
		s = mustApply(t, s, in)
		ids = append(ids, s.PushQueue[len(s.PushQueue)-1].ID)
	}
	require.Len(t, s.PushQueue, 3)
	for i, b := range s.PushQueue {
		assert.Equal(t, ids[i], b.ID)
		_, ok := b.Thoughts[[]string{"e", "f", "g"}[i]]
		assert.True(t, ok)
	}
}

func TestApply_LoadingFlag(t *testing.T) {
	s := NewState()
	require.True(t, s.IsLoading)

	root := &graph.Thought{ID: graph.HomeToken, Value: graph.HomeToken, ChildrenMap: map[string]string{"x": "x"}}
	s = mustApply(t, s, Update{Thoughts: graph.ThoughtPatch{graph.HomeToken: root}})
	assert.True(t, s.IsLoading, "root declares a child that is not loaded yet")

	x := &graph.Thought{ID: "x", Value: "X", ParentID: graph.HomeToken, ChildrenMap: map[string]string{}}
	s = mustApply(t, s, Update{
		Thoughts: graph.ThoughtPatch{"x": x},
		Lexemes:  graph.LexemePatch{"x": graph.AddContext(nil, "X", "x", epoch, "")},
	})
	assert.False(t, s.IsLoading)

	// loading never turns back on
	keep := true
	s = mustApply(t, s, Update{Thoughts: graph.ThoughtPatch{graph.HomeToken: root}, IsLoading: &keep})
	assert.False(t, s.IsLoading)
}

func TestApply_LoadingFlag_PendingRoot(t *testing.T) {
	root := &graph.Thought{ID: graph.HomeToken, Value: graph.HomeToken, ChildrenMap: map[string]string{}, Pending: true}
	s := mustApply(t, NewState(), Update{Thoughts: graph.ThoughtPatch{graph.HomeToken: root}})
	assert.True(t, s.IsLoading)

	loaded := root.Clone()
	loaded.Pending = false
	s = mustApply(t, s, Update{Thoughts: graph.ThoughtPatch{graph.HomeToken: loaded}})
	assert.False(t, s.IsLoading, "a loaded root without children ends loading")

	done := false
	s = mustApply(t, NewState(), Update{Thoughts: graph.ThoughtPatch{graph.HomeToken: root}, IsLoading: &done})
	assert.False(t, s.IsLoading)
}

func TestApply_IntegrityViolations(t *testing.T) {
	s := seeded(t)
	bClone := func(mut func(*graph.Thought)) *graph.Thought {
		c := s.Thoughts.Thoughts["b"].Clone()
		mut(c)
		return c
	}

	tests := []struct {
		name    string
		in      Update
		kind    string
		related string
	}{
		{
			name:    "malformed id",
			in:      Update{Thoughts: graph.ThoughtPatch{"b": bClone(func(t *graph.Thought) { t.ID = "z" })}},
			kind:    KindMalformed,
			related: "z",
		},
		{
			name: "inline children",
			in: Update{Thoughts: graph.ThoughtPatch{"b": bClone(func(t *graph.Thought) {
				t.Children = []*graph.Thought{{ID: "q"}}
			})}},
			kind: KindInlineChildren,
		},
		{
			name:    "missing parent",
			in:      Update{Thoughts: graph.ThoughtPatch{"b": bClone(func(t *graph.Thought) { t.ParentID = "nope" })}},
			kind:    KindMissingParent,
			related: "nope",
		},
		{
			name: "child points elsewhere",
			in: Update{Thoughts: graph.ThoughtPatch{"d": func() *graph.Thought {
				c := s.Thoughts.Thoughts["d"].Clone()
				c.ChildrenMap["b"] = "b"
				return c
			}()}},
			kind:    KindChildMismatch,
			related: "b",
		},
		{
			name:    "missing lexeme",
			in:      Update{Thoughts: graph.ThoughtPatch{"b": bClone(func(t *graph.Thought) { t.Value = "Brand new" })}},
			kind:    KindMissingLexeme,
			related: "brand new",
		},
		{
			name: "missing lexeme context",
			in: Update{
				Thoughts: graph.ThoughtPatch{"b": bClone(func(t *graph.Thought) { t.Value = "Delta" })},
			},
			kind:    KindMissingContext,
			related: "delta",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := tt.in
			in.Local, in.Remote = true, true
			next, err := Apply(s, in)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrIntegrity))
			var ie *IntegrityError
			require.True(t, errors.As(err, &ie))
			assert.Equal(t, tt.kind, ie.Kind)
			assert.Equal(t, tt.related, ie.Related)
			assert.Same(t, s, next, "a rejected update leaves the state unchanged")
		})
	}
}

func TestApply_DeleteInProgressSkipsParentCheck(t *testing.T) {
	s := seeded(t)
	orphan := s.Thoughts.Thoughts["b"].Clone()
	orphan.ParentID = "deleted"
	in := Update{Thoughts: graph.ThoughtPatch{"b": orphan}}

	_, err := Apply(s, in)
	require.ErrorIs(t, err, ErrIntegrity)

	in.DeleteInProgress = true
	_, err = Apply(s, in)
	assert.NoError(t, err)
}

func TestApply_RootsAreExemptFromLexemes(t *testing.T) {
	s := mustApply(t, NewState(), Update{Thoughts: Roots(epoch)})
	assert.Empty(t, s.Thoughts.Lexemes)
	assert.NoError(t, CheckAll(s.Thoughts))
}

func TestCheckAll(t *testing.T) {
	s := seeded(t)
	require.NoError(t, CheckAll(s.Thoughts))

	broken := graph.Merge(s.Thoughts, graph.ThoughtPatch{"a": nil}, nil)
	err := CheckAll(broken)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIntegrity)
	assert.Contains(t, err.Error(), "missing parent: b (a)")
	assert.Contains(t, err.Error(), "missing parent: c (a)")
}

func TestRepairCursor(t *testing.T) {
	s := seeded(t)

	// move c from a to d
	c := s.Thoughts.Thoughts["c"].Clone()
	c.ParentID = "d"
	a := s.Thoughts.Thoughts["a"].Clone()
	delete(a.ChildrenMap, "c")
	d := s.Thoughts.Thoughts["d"].Clone()
	d.ChildrenMap["c"] = "c"
	moved := graph.Merge(s.Thoughts, graph.ThoughtPatch{"a": a, "c": c, "d": d}, nil)

	// delete b
	deleted := graph.Merge(s.Thoughts, graph.ThoughtPatch{"b": nil}, nil)

	tests := []struct {
		name   string
		ix     graph.Indices
		cursor graph.Path
		want   graph.Path
	}{
		{"nil cursor", s.Thoughts, nil, nil},
		{"valid cursor", s.Thoughts, graph.Path{"a", "b"}, graph.Path{"a", "b"}},
		{"moved thought", moved, graph.Path{"a", "c"}, graph.Path{"d", "c"}},
		{"deleted thought", deleted, graph.Path{"a", "b"}, graph.Path{"a"}},
		{"deleted ancestor", graph.Merge(s.Thoughts, graph.ThoughtPatch{"a": nil, "b": nil}, nil), graph.Path{"a", "b"}, nil},
		{"stale link", moved, graph.Path{"a", "c", "zz"}, graph.Path{"a"}},
		{"unknown meta child", s.Thoughts, graph.Path{graph.EMToken, "zz"}, graph.Path{graph.EMToken}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RepairCursor(tt.ix, tt.cursor)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("RepairCursor mismatch (-want +got):\n%s", diff)
			}
			// determinism
			assert.Equal(t, got, RepairCursor(tt.ix, tt.cursor))
		})
	}
}

func TestApply_RepairCursorOnlyWhenAsked(t *testing.T) {
	s := seeded(t)
	s = SetCursor(s, graph.Path{"a", "b"})
	a := s.Thoughts.Thoughts["a"].Clone()
	delete(a.ChildrenMap, "b")
	lex := graph.RemoveContext(s.Thoughts.Lexemes["beta"], "b", epoch, "")
	in := Update{Thoughts: graph.ThoughtPatch{"a": a, "b": nil}, Lexemes: graph.LexemePatch{"beta": lex}}

	next := mustApply(t, s, in)
	assert.Equal(t, graph.Path{"a", "b"}, next.Cursor, "local updates leave the cursor to the caller")

	in.RepairCursor = true
	next = mustApply(t, s, in)
	assert.Equal(t, graph.Path{"a"}, next.Cursor)
	assert.True(t, next.IsExpanded(graph.Path{"a"}))
}

func TestJumpHistory_AdjacencyCollapses(t *testing.T) {
	history := []graph.Path{{"a"}}
	got, changed := updateJumpHistory(history, graph.Path{"a", "b"})
	assert.True(t, changed)
	assert.Equal(t, []graph.Path{{"a", "b"}}, got, "child replaces its parent")

	got, _ = updateJumpHistory([]graph.Path{{"a", "b"}}, graph.Path{"a", "c"})
	assert.Equal(t, []graph.Path{{"a", "c"}}, got, "sibling replaces")

	got, _ = updateJumpHistory([]graph.Path{{"a", "b"}}, graph.Path{"a"})
	assert.Equal(t, []graph.Path{{"a"}}, got, "parent replaces")

	got, _ = updateJumpHistory([]graph.Path{{"a", "b"}}, graph.Path{"d", "e"})
	assert.Equal(t, []graph.Path{{"d", "e"}, {"a", "b"}}, got)

	got, _ = updateJumpHistory([]graph.Path{{"a"}}, nil)
	assert.Equal(t, []graph.Path{nil, {"a"}}, got, "no selection is recorded and never adjacent")

	_, changed = updateJumpHistory([]graph.Path{{"a"}}, graph.Path{"a"})
	assert.False(t, changed)
}

func TestJumpHistory_Bounded(t *testing.T) {
	var history []graph.Path
	for i := 0; i < 3*MaxJumps; i++ {
		// parent and grandparent differ every step, so nothing is adjacent
		cursor := graph.Path{string(rune('A' + i%26)), string(rune('a' + i%7)), "x"}
		history, _ = updateJumpHistory(history, cursor)
		require.LessOrEqual(t, len(history), MaxJumps)
	}
	assert.Len(t, history, MaxJumps)
}

func TestApply_JumpHistoryFollowsEdits(t *testing.T) {
	s := seeded(t)
	in := add(s, "a", "e", "Echo", 2)
	in.MoveCursor, in.Cursor = true, graph.Path{"a"}
	s = mustApply(t, s, in)
	require.Equal(t, []graph.Path{{"a"}}, s.JumpHistory[:1])

	in = add(s, "a", "f", "Foxtrot", 3)
	in.MoveCursor, in.Cursor = true, graph.Path{"a", "f"}
	s = mustApply(t, s, in)
	assert.Equal(t, graph.Path{"a", "f"}, s.JumpHistory[0])
	assert.NotContains(t, s.JumpHistory, graph.Path{"a"}, "child edit collapses the parent jump point")
	assert.Equal(t, 0, s.JumpIndex)
}

func TestJump(t *testing.T) {
	s := seeded(t)
	s.JumpHistory = []graph.Path{{"d"}, {"a", "c"}, {"a", "b"}}
	s.Cursor = graph.Path{"d"}

	back := Jump(s, 1)
	assert.Equal(t, graph.Path{"a", "c"}, back.Cursor)
	assert.Equal(t, 1, back.JumpIndex)

	back = Jump(back, 5)
	assert.Equal(t, graph.Path{"a", "b"}, back.Cursor)
	assert.Equal(t, 2, back.JumpIndex)

	fwd := Jump(back, -2)
	assert.Equal(t, graph.Path{"d"}, fwd.Cursor)
	assert.Equal(t, 0, fwd.JumpIndex)

	// leaving the latest edit point, the first jump returns to it
	s.Cursor = graph.Path{"a"}
	back = Jump(s, 1)
	assert.Equal(t, graph.Path{"d"}, back.Cursor)
	assert.Equal(t, 0, back.JumpIndex)

	assert.Same(t, s, Jump(s, 0))
}

func TestExpand(t *testing.T) {
	s := seeded(t)
	// only child chain: d -> e -> f
	s = mustApply(t, s, add(s, "d", "e", "Echo", 0))
	s = mustApply(t, s, add(s, "e", "f", "Foxtrot", 0))

	expanded := Expand(s.Thoughts, graph.Path{"a", "b"})
	_, root := expanded[""]
	assert.True(t, root)
	assert.Contains(t, expanded, graph.Path{"a"}.Hash())
	assert.Contains(t, expanded, graph.Path{"a", "b"}.Hash())
	assert.NotContains(t, expanded, graph.Path{"a", "c"}.Hash())
	assert.NotContains(t, expanded, graph.Path{"d"}.Hash(), "d has a sibling")

	expanded = Expand(s.Thoughts, graph.Path{"d"})
	assert.Contains(t, expanded, graph.Path{"d", "e"}.Hash(), "only children expand")
	assert.Contains(t, expanded, graph.Path{"d", "e", "f"}.Hash())
}

func TestExpand_Pinned(t *testing.T) {
	s := seeded(t)
	s = mustApply(t, s, add(s, "a", "pin", graph.AttrPin, 5))
	expanded := Expand(s.Thoughts, nil)
	assert.Contains(t, expanded, graph.Path{"a"}.Hash())

	assert.NotContains(t, expanded, graph.Path{"d"}.Hash())

	s = mustApply(t, s, add(s, graph.HomeToken, "pc", graph.AttrPinChildren, 3))
	expanded = Expand(s.Thoughts, nil)
	assert.Contains(t, expanded, graph.Path{"d"}.Hash())
	assert.NotContains(t, expanded, graph.Path{"pc"}.Hash(), "meta attributes stay hidden")
}

func TestUndoRedo(t *testing.T) {
	s := seeded(t)
	in := add(s, "d", "e", "Echo", 0)
	in.Action, in.MoveCursor, in.Cursor = "createThought", true, graph.Path{"d", "e"}
	s1 := mustApply(t, s, in)
	require.Len(t, s1.UndoHistory, 1)

	undone, err := Undo(s1)
	require.NoError(t, err)
	_, ok := graph.ThoughtByID(undone.Thoughts, "e")
	assert.False(t, ok)
	_, ok = graph.LexemeByValue(undone.Thoughts, "Echo")
	assert.False(t, ok)
	assert.Empty(t, undone.Thoughts.Thoughts["d"].ChildrenMap)
	assert.Nil(t, undone.Cursor)
	assert.Empty(t, undone.UndoHistory)
	assert.Len(t, undone.RedoHistory, 1)
	assert.NotEmpty(t, undone.PushQueue, "undo is persisted like any edit")

	redone, err := Redo(undone)
	require.NoError(t, err)
	_, ok = graph.ThoughtByID(redone.Thoughts, "e")
	assert.True(t, ok)
	assert.Equal(t, graph.Path{"d", "e"}, redone.Cursor)
	assert.Len(t, redone.UndoHistory, 1)
	assert.Empty(t, redone.RedoHistory)

	same, err := Redo(redone)
	require.NoError(t, err)
	assert.Same(t, redone, same)
}

func TestUndo_Group(t *testing.T) {
	s := seeded(t)
	first := add(s, "d", "e", "Echo", 0)
	first.Action, first.Group = "createThought", "g1"
	s = mustApply(t, s, first)
	second := add(s, "e", "f", "Foxtrot", 0)
	second.Action, second.Group = "createThought", "g1"
	s = mustApply(t, s, second)
	third := add(s, "a", "h", "Hotel", 5)
	third.Action = "createThought"
	s = mustApply(t, s, third)

	s, err := Undo(s)
	require.NoError(t, err)
	_, ok := graph.ThoughtByID(s.Thoughts, "h")
	assert.False(t, ok)
	_, ok = graph.ThoughtByID(s.Thoughts, "f")
	assert.True(t, ok)

	s, err = Undo(s)
	require.NoError(t, err)
	for _, id := range []string{"e", "f"} {
		_, ok := graph.ThoughtByID(s.Thoughts, id)
		assert.False(t, ok, id)
	}
	assert.Empty(t, s.UndoHistory)
	assert.NoError(t, CheckAll(s.Thoughts))

	s, err = Redo(s)
	require.NoError(t, err)
	_, ok = graph.ThoughtByID(s.Thoughts, "f")
	assert.True(t, ok)
	assert.NoError(t, CheckAll(s.Thoughts))
}

func TestUndo_NewActionClearsRedo(t *testing.T) {
	s := seeded(t)
	in := add(s, "d", "e", "Echo", 0)
	in.Action = "createThought"
	s = mustApply(t, s, in)
	s, err := Undo(s)
	require.NoError(t, err)
	require.Len(t, s.RedoHistory, 1)

	in = add(s, "d", "f", "Foxtrot", 0)
	in.Action = "createThought"
	s = mustApply(t, s, in)
	assert.Empty(t, s.RedoHistory)
}

func TestRecentlyEdited(t *testing.T) {
	var r *RecentlyEdited
	r = r.Touch(graph.Path{"a", "b"}, epoch)
	r2 := r.Touch(graph.Path{"d"}, epoch.Add(time.Hour))

	assert.True(t, r.Contains(graph.Path{"a", "b"}))
	assert.False(t, r.Contains(graph.Path{"d"}), "Touch is copy-on-write")
	assert.True(t, r2.Contains(graph.Path{"d"}))
	assert.True(t, r2.Contains(graph.Path{"a"}))

	pruned := r2.Prune(epoch.Add(time.Minute))
	assert.True(t, pruned.Contains(graph.Path{"d"}))
	assert.False(t, pruned.Contains(graph.Path{"a"}))
}
