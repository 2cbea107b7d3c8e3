package syncq

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/golang/glog"

	"github.com/agentic-research/thoughtspace/internal/engine"
	"github.com/agentic-research/thoughtspace/internal/graph"
	"github.com/agentic-research/thoughtspace/internal/remote"
)

// maxResolve bounds the missing-record fetches for one change.
const maxResolve = 64

// Puller applies changes from other devices to the engine. Changes are
// persisted locally but never pushed back, and the cursor is repaired
// because its target may have moved or disappeared.
type Puller struct {
	store    *engine.Store
	provider remote.Provider

	// OnSnapshot, when set, is called after each full snapshot is applied.
	OnSnapshot func()

	// Deleting, when set, returns the thoughts deleted locally but not yet
	// pushed. Remote records at or below them are dropped so the remote copy
	// cannot bring them back before the delete arrives there.
	Deleting func() map[string]bool
}

func NewPuller(store *engine.Store, provider remote.Provider) *Puller {
	return &Puller{store: store, provider: provider}
}

// Run absorbs changes until ctx is done or the provider closes its stream.
func (p *Puller) Run(ctx context.Context) error {
	changes := p.provider.Changes()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c, ok := <-changes:
			if !ok {
				return nil
			}
			if err := p.Absorb(ctx, c); err != nil {
				glog.Errorf("[syncq]absorb: %v", err)
			}
		}
	}
}

// Absorb applies one change. Records older than the local copy are skipped
// so that edits not yet pushed survive a reconnect snapshot. When the change
// references records this device has never loaded, they are fetched from the
// provider and applied together with the change.
func (p *Puller) Absorb(ctx context.Context, c remote.Change) error {
	s := p.store.Snapshot()
	thoughts, lexemes := newer(s.Thoughts, c)
	var deleting map[string]bool
	if p.Deleting != nil {
		deleting = p.Deleting()
		dropDeleted(s.Thoughts, thoughts, lexemes, deleting)
	}
	if len(thoughts) == 0 && len(lexemes) == 0 {
		if c.Snapshot && p.OnSnapshot != nil {
			p.OnSnapshot()
		}
		return nil
	}

	for range maxResolve {
		_, err := p.store.Apply(engine.Update{
			Thoughts:     thoughts,
			Lexemes:      lexemes,
			Local:        true,
			RepairCursor: true,
		})
		var ierr *engine.IntegrityError
		if !errors.As(err, &ierr) {
			if err == nil && c.Snapshot && p.OnSnapshot != nil {
				p.OnSnapshot()
			}
			return err
		}
		if err := p.resolve(ctx, ierr, thoughts, lexemes, deleting); err != nil {
			return fmt.Errorf("%w (resolving: %v)", ierr, err)
		}
	}
	return fmt.Errorf("absorb: too many missing records")
}

// resolve fetches the record an integrity error names into the patches.
func (p *Puller) resolve(ctx context.Context, ierr *engine.IntegrityError, thoughts graph.ThoughtPatch, lexemes graph.LexemePatch, deleting map[string]bool) error {
	if deleting[ierr.Related] {
		return errors.New("deleted locally")
	}
	switch ierr.Kind {
	case engine.KindMissingParent:
		if _, ok := thoughts[ierr.Related]; ok {
			return errors.New("parent deleted in the same change")
		}
		t, err := p.provider.GetThought(ctx, ierr.Related)
		if err != nil {
			return err
		}
		thoughts[t.ID] = t
	case engine.KindMissingLexeme, engine.KindMissingContext:
		t := thoughts[ierr.ThoughtID]
		key := graph.LexemeKey(t.Value)
		l, err := p.provider.GetLexeme(ctx, key)
		if err != nil {
			return err
		}
		if !l.HasContext(t.ID) {
			return fmt.Errorf("remote lexeme %q does not list %s", key, t.ID)
		}
		lexemes[key] = l
	case engine.KindChildMismatch:
		child, err := p.provider.GetThought(ctx, ierr.Related)
		if err != nil {
			return err
		}
		thoughts[child.ID] = child
	default:
		return errors.New("not resolvable")
	}
	glog.V(1).Infof("[syncq]fetched %s for %s", ierr.Related, ierr.ThoughtID)
	return nil
}

// newer filters c down to the records that are not older than the local copy.
func newer(ix graph.Indices, c remote.Change) (graph.ThoughtPatch, graph.LexemePatch) {
	thoughts := graph.ThoughtPatch{}
	for id, t := range c.Thoughts {
		if cur, ok := ix.Thoughts[id]; ok && t != nil && cur.LastUpdated.After(t.LastUpdated) {
			continue
		}
		if _, ok := ix.Thoughts[id]; !ok && t == nil {
			continue
		}
		thoughts[id] = t
	}
	lexemes := graph.LexemePatch{}
	for key, l := range c.Lexemes {
		if cur, ok := ix.Lexemes[key]; ok && l != nil && cur.LastUpdated.After(l.LastUpdated) {
			continue
		}
		if _, ok := ix.Lexemes[key]; !ok && l == nil {
			continue
		}
		lexemes[key] = l
	}
	return thoughts, lexemes
}

// dropDeleted removes from the patches every thought that is in deleting or
// has an ancestor in it, and strips deleted ids from the child maps and
// lexeme contexts of the records that remain.
func dropDeleted(ix graph.Indices, thoughts graph.ThoughtPatch, lexemes graph.LexemePatch, deleting map[string]bool) {
	if len(deleting) == 0 {
		return
	}
	lookup := func(id string) (*graph.Thought, bool) {
		if t, ok := thoughts[id]; ok {
			return t, t != nil
		}
		return graph.ThoughtByID(ix, id)
	}
	under := func(id string) bool {
		seen := map[string]bool{}
		for id != "" && !seen[id] {
			if deleting[id] {
				return true
			}
			seen[id] = true
			t, ok := lookup(id)
			if !ok || graph.IsRoot(id) {
				return false
			}
			id = t.ParentID
		}
		return false
	}

	var drop []string
	for id, t := range thoughts {
		if t != nil && under(id) {
			drop = append(drop, id)
		}
	}
	for _, id := range drop {
		delete(thoughts, id)
	}
	if len(drop) > 0 {
		glog.V(1).Infof("[syncq]dropped %d remote records below local deletes", len(drop))
	}

	for id, t := range thoughts {
		if t == nil || !hasAny(t.ChildrenMap, deleting) {
			continue
		}
		out := t.Clone()
		maps.DeleteFunc(out.ChildrenMap, func(childID, _ string) bool { return deleting[childID] })
		thoughts[id] = out
	}
	for key, l := range lexemes {
		if l == nil || !slices.ContainsFunc(l.Contexts, func(cx string) bool { return deleting[cx] }) {
			continue
		}
		out := l.Clone()
		out.Contexts = slices.DeleteFunc(out.Contexts, func(cx string) bool { return deleting[cx] })
		if len(out.Contexts) == 0 {
			// keep whatever this device has
			delete(lexemes, key)
			continue
		}
		lexemes[key] = out
	}
}

func hasAny(children map[string]string, ids map[string]bool) bool {
	for id := range children {
		if ids[id] {
			return true
		}
	}
	return false
}
