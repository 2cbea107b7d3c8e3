package engine

import (
	"maps"
	"time"

	"github.com/agentic-research/thoughtspace/internal/graph"
)

// RecentlyEdited is a sparse tree of recently touched paths used for
// highlighting. It is copy-on-write and never consulted for correctness.
type RecentlyEdited struct {
	Children map[string]*RecentlyEdited
	Updated  time.Time
}

// Touch returns a tree that records p as edited at now. A nil receiver is an
// empty tree.
func (r *RecentlyEdited) Touch(p graph.Path, now time.Time) *RecentlyEdited {
	var out RecentlyEdited
	if r != nil {
		out = *r
	}
	out.Updated = now
	if len(p) == 0 {
		return &out
	}
	out.Children = maps.Clone(out.Children)
	if out.Children == nil {
		out.Children = map[string]*RecentlyEdited{}
	}
	out.Children[p[0]] = out.Children[p[0]].Touch(p[1:], now)
	return &out
}

// Contains reports whether p was touched.
func (r *RecentlyEdited) Contains(p graph.Path) bool {
	node := r
	for _, id := range p {
		if node == nil {
			return false
		}
		node = node.Children[id]
	}
	return node != nil
}

// Prune returns a tree without branches last updated before cutoff.
func (r *RecentlyEdited) Prune(cutoff time.Time) *RecentlyEdited {
	if r == nil || r.Updated.Before(cutoff) {
		return nil
	}
	out := &RecentlyEdited{Updated: r.Updated}
	for id, child := range r.Children {
		if pruned := child.Prune(cutoff); pruned != nil {
			if out.Children == nil {
				out.Children = map[string]*RecentlyEdited{}
			}
			out.Children[id] = pruned
		}
	}
	return out
}
