package graph

import (
	"errors"
	"maps"
	"slices"
	"time"
)

var ErrNotFound = errors.New("thought not found")

// Fixed root identifiers. They never have a parent and are exempt from
// lexeme bookkeeping.
const (
	HomeToken     = "__ROOT__"
	EMToken       = "__EM__"
	AbsoluteToken = "__ABSOLUTE__"
)

// IsRoot reports whether id is one of the three fixed roots.
func IsRoot(id string) bool {
	return id == HomeToken || id == EMToken || id == AbsoluteToken
}

// Thought is a node in the outline graph.
//
// Thoughts held by an Indices value are shared between snapshots and must
// never be mutated in place; use Clone and write the copy through a patch.
type Thought struct {
	ID          string            `json:"id" yaml:"id"`
	Value       string            `json:"value" yaml:"value"`
	SortValue   string            `json:"sortValue,omitempty" yaml:"sortValue,omitempty"`
	Rank        float64           `json:"rank" yaml:"rank"`
	ParentID    string            `json:"parentId" yaml:"parentId"`
	ChildrenMap map[string]string `json:"childrenMap" yaml:"childrenMap"`
	Pending     bool              `json:"pending,omitempty" yaml:"pending,omitempty"`
	Archived    bool              `json:"archived,omitempty" yaml:"archived,omitempty"`
	LastUpdated time.Time         `json:"lastUpdated" yaml:"lastUpdated"`
	UpdatedBy   string            `json:"updatedBy,omitempty" yaml:"updatedBy,omitempty"`

	// Children is the inline form used by exports. It must be empty for any
	// thought stored in an index; edges are resolved through ChildrenMap only.
	Children []*Thought `json:"children,omitempty" yaml:"children,omitempty"`
}

// Clone returns a copy that owns its ChildrenMap.
func (t *Thought) Clone() *Thought {
	c := *t
	c.ChildrenMap = maps.Clone(t.ChildrenMap)
	if c.ChildrenMap == nil {
		c.ChildrenMap = map[string]string{}
	}
	c.Children = nil
	return &c
}

// Lexeme is the reverse index entry for one normalized value.
type Lexeme struct {
	Value       string    `json:"value" yaml:"value"`
	Contexts    []string  `json:"contexts" yaml:"contexts"`
	Created     time.Time `json:"created" yaml:"created"`
	LastUpdated time.Time `json:"lastUpdated" yaml:"lastUpdated"`
	UpdatedBy   string    `json:"updatedBy,omitempty" yaml:"updatedBy,omitempty"`
}

// Clone returns a copy that owns its Contexts slice.
func (l *Lexeme) Clone() *Lexeme {
	c := *l
	c.Contexts = slices.Clone(l.Contexts)
	return &c
}

// HasContext reports whether id is listed in the lexeme's contexts.
func (l *Lexeme) HasContext(id string) bool {
	return slices.Contains(l.Contexts, id)
}

// ThoughtPatch maps thought ids to new values. A nil value deletes the key.
type ThoughtPatch map[string]*Thought

// LexemePatch maps lexeme keys to new values. A nil value deletes the key.
type LexemePatch map[string]*Lexeme

// Indices is the normalized graph: thoughts by id and lexemes by key.
type Indices struct {
	Thoughts map[string]*Thought
	Lexemes  map[string]*Lexeme
}

// NewIndices returns empty indices.
func NewIndices() Indices {
	return Indices{
		Thoughts: map[string]*Thought{},
		Lexemes:  map[string]*Lexeme{},
	}
}

// Merge overlays the patches onto ix and returns the new indices. It is a
// shallow last-writer-wins overlay: it never inspects cross-references and
// never mutates ix or the patches.
func Merge(ix Indices, thoughts ThoughtPatch, lexemes LexemePatch) Indices {
	return Indices{
		Thoughts: mergeMap(ix.Thoughts, map[string]*Thought(thoughts)),
		Lexemes:  mergeMap(ix.Lexemes, map[string]*Lexeme(lexemes)),
	}
}

func mergeMap[V any](base map[string]*V, patch map[string]*V) map[string]*V {
	if len(patch) == 0 {
		return base
	}
	out := make(map[string]*V, len(base)+len(patch))
	maps.Copy(out, base)
	for k, v := range patch {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

// ThoughtByID returns the thought with the given id.
func ThoughtByID(ix Indices, id string) (*Thought, bool) {
	t, ok := ix.Thoughts[id]
	return t, ok && t != nil
}

// LexemeByValue returns the lexeme for a display value.
func LexemeByValue(ix Indices, value string) (*Lexeme, bool) {
	l, ok := ix.Lexemes[LexemeKey(value)]
	return l, ok && l != nil
}

// Reader is the read-only selector surface over a snapshot.
type Reader interface {
	ThoughtByID(id string) (*Thought, bool)
	LexemeByValue(value string) (*Lexeme, bool)
}

// ThoughtByID implements Reader.
func (ix Indices) ThoughtByID(id string) (*Thought, bool) { return ThoughtByID(ix, id) }

// LexemeByValue implements Reader.
func (ix Indices) LexemeByValue(value string) (*Lexeme, bool) { return LexemeByValue(ix, value) }

var _ Reader = Indices{}
