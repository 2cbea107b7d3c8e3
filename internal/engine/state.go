// Package engine owns the thought graph and applies every mutation to it.
//
// All writes go through Apply, which merges index patches and re-derives the
// cursor, expansion, jump history and sync queue in one step. A *State is an
// immutable snapshot: Apply returns a new value and never modifies its input.
package engine

import (
	"maps"
	"time"

	"github.com/agentic-research/thoughtspace/internal/graph"
)

const (
	// MaxJumps bounds the length of State.JumpHistory.
	MaxJumps = 100
	// MaxUndo bounds the length of State.UndoHistory.
	MaxUndo = 100
)

// State is one immutable snapshot of the engine.
type State struct {
	Thoughts graph.Indices

	// Cursor is the focused path, or nil for no selection.
	Cursor graph.Path
	// Expanded is keyed by Path.Hash.
	Expanded map[string]graph.Path

	// JumpHistory holds previous edit locations, most recent first. Entries
	// may be nil ("no selection").
	JumpHistory []graph.Path
	JumpIndex   int

	IsLoading bool

	// PushQueue holds batches that have not yet been handed to the sync
	// dispatcher, oldest first.
	PushQueue []SyncBatch

	RecentlyEdited *RecentlyEdited

	UndoHistory []UndoEntry
	RedoHistory []UndoEntry
}

// NewState returns an empty, loading state.
func NewState() *State {
	return &State{
		Thoughts:  graph.NewIndices(),
		Expanded:  map[string]graph.Path{},
		IsLoading: true,
	}
}

// clone returns a shallow copy. Slices and maps are shared; callers replace
// rather than mutate them.
func (s *State) clone() *State {
	c := *s
	return &c
}

// IsExpanded reports whether the path is currently expanded.
func (s *State) IsExpanded(p graph.Path) bool {
	_, ok := s.Expanded[p.Hash()]
	return ok
}

// Roots returns a patch creating the three fixed root thoughts. Seeding a new
// space applies it once.
func Roots(now time.Time) graph.ThoughtPatch {
	patch := graph.ThoughtPatch{}
	for _, id := range []string{graph.HomeToken, graph.EMToken, graph.AbsoluteToken} {
		patch[id] = &graph.Thought{
			ID:          id,
			Value:       id,
			ChildrenMap: map[string]string{},
			LastUpdated: now,
		}
	}
	return patch
}

// PendingDelete marks a thought removed locally whose removal has not yet been
// confirmed remotely.
type PendingDelete struct {
	ID   string     `json:"id"`
	Path graph.Path `json:"path"`
}

// SyncBatch is the record of one transaction queued for persistence. It is
// never modified after it is queued.
type SyncBatch struct {
	ID             string             `json:"id"`
	Thoughts       graph.ThoughtPatch `json:"thoughts,omitempty"`
	Lexemes        graph.LexemePatch  `json:"lexemes,omitempty"`
	Local          bool               `json:"local"`
	Remote         bool               `json:"remote"`
	PendingDeletes []PendingDelete    `json:"pendingDeletes,omitempty"`
	PendingLexemes map[string]bool    `json:"pendingLexemes,omitempty"`
	RecentlyEdited *RecentlyEdited    `json:"-"`
}

// pendingLexemes merges explicit pending lexemes with the keys of the lexeme
// patch that were not present before this transaction. New keys only count
// for user edits (local and remote); a pull already carries full lexemes.
func pendingLexemes(prev graph.Indices, in Update) map[string]bool {
	out := map[string]bool{}
	if in.Local && in.Remote {
		for key := range in.Lexemes {
			if _, ok := prev.Lexemes[key]; !ok {
				out[key] = true
			}
		}
	}
	maps.Copy(out, in.PendingLexemes)
	if len(out) == 0 {
		return nil
	}
	return out
}
