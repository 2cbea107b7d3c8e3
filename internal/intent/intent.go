// Package intent turns user operations into engine updates.
//
// Producers read a state snapshot and return updates whose patches keep the
// graph consistent; they never apply anything themselves.
package intent

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/agentic-research/thoughtspace/internal/engine"
	"github.com/agentic-research/thoughtspace/internal/graph"
)

var (
	ErrRoot  = errors.New("cannot modify a root thought")
	ErrCycle = errors.New("cannot move a thought into itself or its descendants")
)

// Action names recorded in the undo history.
const (
	ActionCreate       = "createThought"
	ActionEdit         = "editThought"
	ActionMove         = "moveThought"
	ActionDelete       = "deleteThought"
	ActionSetAttribute = "setAttribute"
)

// Producer builds updates on behalf of one device.
type Producer struct {
	// By is recorded in UpdatedBy.
	By string
	// Clock defaults to time.Now.
	Clock func() time.Time
}

func (p *Producer) now() time.Time {
	if p.Clock != nil {
		return p.Clock()
	}
	return time.Now()
}

func (p *Producer) tx(s *engine.State) *tx {
	return newTx(s.Thoughts, p.now(), p.By)
}

func (p *Producer) update(t *tx, action string, cursor graph.Path) engine.Update {
	return engine.Update{
		Thoughts:   t.thoughts,
		Lexemes:    t.lexemes,
		Local:      true,
		Remote:     true,
		MoveCursor: true,
		Cursor:     cursor,
		Action:     action,
	}
}

func resolve(s *engine.State, p graph.Path) (*graph.Thought, error) {
	if len(p) == 0 {
		t, ok := graph.ThoughtByID(s.Thoughts, graph.HomeToken)
		if !ok {
			return nil, fmt.Errorf("%w: %s", graph.ErrNotFound, graph.HomeToken)
		}
		return t, nil
	}
	t, ok := graph.PathToThought(s.Thoughts, p)
	if !ok {
		return nil, fmt.Errorf("%w: %s", graph.ErrNotFound, p.Head())
	}
	return t, nil
}

// Create appends a new thought as the last child of parent (nil for the home
// root) and moves the cursor onto it.
func (p *Producer) Create(s *engine.State, parent graph.Path, value string) (engine.Update, string, error) {
	pt, err := resolve(s, parent)
	if err != nil {
		return engine.Update{}, "", err
	}
	return p.CreateAt(s, parent, value, graph.NextRank(s.Thoughts, pt.ID))
}

// CreateAt creates a thought under parent with an explicit rank.
func (p *Producer) CreateAt(s *engine.State, parent graph.Path, value string, rank float64) (engine.Update, string, error) {
	pt, err := resolve(s, parent)
	if err != nil {
		return engine.Update{}, "", err
	}
	t := p.tx(s)
	th := t.create(pt.ID, value, rank)
	cursor := parent.Append(th.ID)
	up := p.update(t, ActionCreate, cursor)
	up.RecentlyEdited = s.RecentlyEdited.Touch(cursor, t.now)
	return up, th.ID, nil
}

// Edit changes the value of the thought at path and moves its lexeme
// context from the old value to the new one.
func (p *Producer) Edit(s *engine.State, path graph.Path, value string) (engine.Update, error) {
	th, err := resolve(s, path)
	if err != nil {
		return engine.Update{}, err
	}
	if graph.IsRoot(th.ID) {
		return engine.Update{}, ErrRoot
	}
	if th.Value == value {
		return engine.Update{}, nil
	}

	t := p.tx(s)
	c, _ := t.edit(th.ID)
	c.Value = value
	// an emptied thought keeps its sort position
	c.SortValue = ""
	if value == "" {
		c.SortValue = th.Value
	}
	if graph.LexemeKey(th.Value) != graph.LexemeKey(value) {
		t.removeContext(th.Value, th.ID)
	}
	t.addContext(value, th.ID)

	up := p.update(t, ActionEdit, path)
	up.RecentlyEdited = s.RecentlyEdited.Touch(path, t.now)
	return up, nil
}

// Move re-parents the thought at from under newParent (nil for the home
// root) with the given rank.
func (p *Producer) Move(s *engine.State, from, newParent graph.Path, rank float64) (engine.Update, error) {
	th, err := resolve(s, from)
	if err != nil {
		return engine.Update{}, err
	}
	if graph.IsRoot(th.ID) {
		return engine.Update{}, ErrRoot
	}
	np, err := resolve(s, newParent)
	if err != nil {
		return engine.Update{}, err
	}
	if np.ID == th.ID || slices.Contains(graph.Descendants(s.Thoughts, th.ID), np.ID) {
		return engine.Update{}, fmt.Errorf("%w: %s under %s", ErrCycle, th.ID, np.ID)
	}

	t := p.tx(s)
	c, _ := t.edit(th.ID)
	c.Rank = rank
	if th.ParentID != np.ID {
		c.ParentID = np.ID
		if old, ok := t.edit(th.ParentID); ok {
			delete(old.ChildrenMap, th.ID)
		}
		parent, _ := t.edit(np.ID)
		parent.ChildrenMap[th.ID] = th.ID
	}

	cursor := graph.ThoughtToPath(s.Thoughts, np.ID).Append(th.ID)
	up := p.update(t, ActionMove, cursor)
	up.RecentlyEdited = s.RecentlyEdited.Touch(cursor, t.now)
	return up, nil
}

// Delete removes the thought at path and everything below it in two
// updates. The first unlinks and removes the thought itself and records a
// pending delete so descendants that were never loaded are removed remotely.
// The second removes the loaded descendants, which at that point reference a
// parent that no longer exists. Both share an undo group.
func (p *Producer) Delete(s *engine.State, path graph.Path) ([]engine.Update, error) {
	th, err := resolve(s, path)
	if err != nil {
		return nil, err
	}
	if graph.IsRoot(th.ID) {
		return nil, ErrRoot
	}
	group := ulid.Make().String()

	t := p.tx(s)
	if parent, ok := t.edit(th.ParentID); ok {
		delete(parent.ChildrenMap, th.ID)
	}
	t.remove(th.ID)
	t.removeContext(th.Value, th.ID)

	first := p.update(t, ActionDelete, cursorAfterDelete(s.Thoughts, path, th))
	first.Group = group
	first.PendingDeletes = []engine.PendingDelete{{ID: th.ID, Path: path}}
	updates := []engine.Update{first}

	descendants := graph.Descendants(s.Thoughts, th.ID)
	if len(descendants) == 0 {
		return updates, nil
	}
	t2 := newTx(t.indices(), t.now, t.by)
	for _, id := range descendants {
		d, _ := t2.thought(id)
		t2.remove(id)
		t2.removeContext(d.Value, id)
	}
	updates = append(updates, engine.Update{
		Thoughts:         t2.thoughts,
		Lexemes:          t2.lexemes,
		Local:            true,
		Remote:           true,
		DeleteInProgress: true,
		Action:           ActionDelete,
		Group:            group,
	})
	return updates, nil
}

// cursorAfterDelete picks the previous sibling, else the next sibling, else
// the parent.
func cursorAfterDelete(ix graph.Indices, path graph.Path, th *graph.Thought) graph.Path {
	siblings := graph.VisibleChildren(ix, th.ParentID)
	i := slices.IndexFunc(siblings, func(c *graph.Thought) bool { return c.ID == th.ID })
	parent := path.ParentOf()
	switch {
	case i > 0:
		return parent.Append(siblings[i-1].ID)
	case i >= 0 && i+1 < len(siblings):
		return parent.Append(siblings[i+1].ID)
	case len(parent) == 0:
		return nil
	}
	return parent
}

// SetAttribute sets the meta attribute name (e.g. "=sort") of the thought at
// path to value, creating the attribute thought and its value child as
// needed. The cursor is left where it is.
func (p *Producer) SetAttribute(s *engine.State, path graph.Path, name, value string) (engine.Update, error) {
	th, err := resolve(s, path)
	if err != nil {
		return engine.Update{}, err
	}
	t := p.tx(s)

	var attrID string
	for _, child := range graph.ChildrenRanked(s.Thoughts, th.ID) {
		if child.Value == name {
			attrID = child.ID
			break
		}
	}
	if attrID == "" {
		attrID = t.create(th.ID, name, graph.NextRank(s.Thoughts, th.ID)).ID
	}

	ranked := graph.ChildrenRanked(s.Thoughts, attrID)
	switch {
	case len(ranked) == 0:
		t.create(attrID, value, 0)
	case ranked[0].Value != value:
		c, _ := t.edit(ranked[0].ID)
		t.removeContext(c.Value, c.ID)
		c.Value = value
		t.addContext(value, c.ID)
	default:
		return engine.Update{}, nil
	}

	return p.update(t, ActionSetAttribute, s.Cursor), nil
}

// Commit builds updates against the current state of store and applies them
// in order as one write. Nothing is published when any of them fails.
func Commit(store *engine.Store, build func(*engine.State) ([]engine.Update, error)) (*engine.State, error) {
	return store.Do(func(s *engine.State) (*engine.State, error) {
		updates, err := build(s)
		if err != nil {
			return nil, err
		}
		for _, up := range updates {
			if s, err = engine.Apply(s, up); err != nil {
				return nil, err
			}
		}
		return s, nil
	})
}
