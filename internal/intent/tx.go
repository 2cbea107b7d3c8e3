package intent

import (
	"time"

	"github.com/agentic-research/thoughtspace/internal/graph"
)

// tx accumulates patches over a base index. Reads see earlier writes.
type tx struct {
	ix       graph.Indices
	thoughts graph.ThoughtPatch
	lexemes  graph.LexemePatch
	now      time.Time
	by       string
}

func newTx(ix graph.Indices, now time.Time, by string) *tx {
	return &tx{ix: ix, thoughts: graph.ThoughtPatch{}, lexemes: graph.LexemePatch{}, now: now, by: by}
}

func (t *tx) thought(id string) (*graph.Thought, bool) {
	if th, ok := t.thoughts[id]; ok {
		return th, th != nil
	}
	return graph.ThoughtByID(t.ix, id)
}

// edit returns a writable copy of id that is already part of the patch.
func (t *tx) edit(id string) (*graph.Thought, bool) {
	th, ok := t.thought(id)
	if !ok {
		return nil, false
	}
	if staged, ok := t.thoughts[id]; ok && staged == th {
		return th, true
	}
	c := th.Clone()
	c.LastUpdated = t.now
	c.UpdatedBy = t.by
	t.thoughts[id] = c
	return c, true
}

func (t *tx) put(th *graph.Thought) {
	t.thoughts[th.ID] = th
}

func (t *tx) remove(id string) {
	t.thoughts[id] = nil
}

func (t *tx) lexeme(key string) *graph.Lexeme {
	if l, ok := t.lexemes[key]; ok {
		return l
	}
	return t.ix.Lexemes[key]
}

func (t *tx) addContext(value, id string) {
	key := graph.LexemeKey(value)
	t.lexemes[key] = graph.AddContext(t.lexeme(key), value, id, t.now, t.by)
}

func (t *tx) removeContext(value, id string) {
	key := graph.LexemeKey(value)
	if l := t.lexeme(key); l != nil {
		t.lexemes[key] = graph.RemoveContext(l, id, t.now, t.by)
	}
}

// create stages a new child of parentID and links it into the parent.
func (t *tx) create(parentID, value string, rank float64) *graph.Thought {
	th := &graph.Thought{
		ID:          graph.NewID(),
		Value:       value,
		Rank:        rank,
		ParentID:    parentID,
		ChildrenMap: map[string]string{},
		LastUpdated: t.now,
		UpdatedBy:   t.by,
	}
	t.put(th)
	if parent, ok := t.edit(parentID); ok {
		parent.ChildrenMap[th.ID] = th.ID
	}
	t.addContext(value, th.ID)
	return th
}

// indices returns the base index with the staged patches applied.
func (t *tx) indices() graph.Indices {
	return graph.Merge(t.ix, t.thoughts, t.lexemes)
}
