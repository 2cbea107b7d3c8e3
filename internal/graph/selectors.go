package graph

import (
	"slices"
	"sort"

	"github.com/agentic-research/thoughtspace/internal/compare"
)

// Meta attributes understood by the selectors.
const (
	AttrSort         = "=sort"
	AttrPin          = "=pin"
	AttrPinChildren  = "=pinChildren"
	SortAlphabetical = "Alphabetical"
	SortDescending   = "Desc"
)

// PathToThought returns the thought at the head of the path.
func PathToThought(ix Indices, p Path) (*Thought, bool) {
	if len(p) == 0 {
		return nil, false
	}
	return ThoughtByID(ix, p.Head())
}

// ThoughtToPath resolves the canonical path of a thought by following parent
// links up to a root. It returns nil for the home root, or when the chain is
// broken or cyclic.
func ThoughtToPath(ix Indices, id string) Path {
	if id == HomeToken {
		return nil
	}
	if id == EMToken || id == AbsoluteToken {
		return Path{id}
	}

	var rev Path
	seen := map[string]struct{}{}
	cur := id
	for {
		t, ok := ThoughtByID(ix, cur)
		if !ok {
			return nil
		}
		if _, loop := seen[cur]; loop {
			return nil
		}
		seen[cur] = struct{}{}
		rev = append(rev, cur)

		switch t.ParentID {
		case HomeToken:
			slices.Reverse(rev)
			return rev
		case EMToken, AbsoluteToken:
			rev = append(rev, t.ParentID)
			slices.Reverse(rev)
			return rev
		}
		cur = t.ParentID
	}
}

// ChildIDs returns the declared child ids of a thought, sorted for stable
// iteration. Pending children that are not in the index are included.
func ChildIDs(ix Indices, id string) []string {
	t, ok := ThoughtByID(ix, id)
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(t.ChildrenMap))
	for _, child := range t.ChildrenMap {
		ids = append(ids, child)
	}
	sort.Strings(ids)
	return ids
}

// Children returns the resolvable children of a thought in unspecified order.
func Children(ix Indices, id string) []*Thought {
	var out []*Thought
	for _, childID := range ChildIDs(ix, id) {
		if child, ok := ThoughtByID(ix, childID); ok {
			out = append(out, child)
		}
	}
	return out
}

// ChildrenRanked returns the resolvable children ordered by rank, then id.
func ChildrenRanked(ix Indices, id string) []*Thought {
	children := Children(ix, id)
	sort.SliceStable(children, func(i, j int) bool {
		if children[i].Rank != children[j].Rank {
			return children[i].Rank < children[j].Rank
		}
		return children[i].ID < children[j].ID
	})
	return children
}

// ChildrenSorted returns the resolvable children ordered by cmp over their
// sort values, falling back to rank order for ties.
func ChildrenSorted(ix Indices, id string, cmp compare.Func) []*Thought {
	children := ChildrenRanked(ix, id)
	sort.SliceStable(children, func(i, j int) bool {
		return cmp(sortKey(children[i]), sortKey(children[j])) < 0
	})
	return children
}

// ChildrenOrdered applies the parent's =sort attribute: alphabetical order when
// it is set to Alphabetical (reversed with a Desc child), rank order otherwise.
func ChildrenOrdered(ix Indices, id string) []*Thought {
	sortID, ok := attributeThought(ix, id, AttrSort)
	if !ok {
		return ChildrenRanked(ix, id)
	}
	ranked := ChildrenRanked(ix, sortID)
	if len(ranked) == 0 || ranked[0].Value != SortAlphabetical {
		return ChildrenRanked(ix, id)
	}
	cmp := compare.Reasonable
	if dir := ChildrenRanked(ix, ranked[0].ID); len(dir) > 0 && dir[0].Value == SortDescending {
		cmp = compare.Reverse(compare.Reasonable)
	}
	return ChildrenSorted(ix, id, cmp)
}

// VisibleChildren returns ordered children, hiding meta attributes.
func VisibleChildren(ix Indices, id string) []*Thought {
	return slices.DeleteFunc(ChildrenOrdered(ix, id), func(t *Thought) bool {
		return compare.IsMetaAttribute(t.Value)
	})
}

// Attribute returns the value of the first ranked child of the attribute
// thought named name (e.g. "=sort" -> "Alphabetical").
func Attribute(ix Indices, id, name string) (string, bool) {
	attrID, ok := attributeThought(ix, id, name)
	if !ok {
		return "", false
	}
	ranked := ChildrenRanked(ix, attrID)
	if len(ranked) == 0 {
		return "", true
	}
	return ranked[0].Value, true
}

// HasAttribute reports whether the thought has a child named name.
func HasAttribute(ix Indices, id, name string) bool {
	_, ok := attributeThought(ix, id, name)
	return ok
}

func attributeThought(ix Indices, id, name string) (string, bool) {
	for _, child := range ChildrenRanked(ix, id) {
		if child.Value == name {
			return child.ID, true
		}
	}
	return "", false
}

// Descendants returns the ids of every resolvable descendant of id in
// breadth-first order, excluding id itself.
func Descendants(ix Indices, id string) []string {
	var out []string
	seen := map[string]struct{}{id: {}}
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, child := range ChildrenRanked(ix, cur) {
			if _, dup := seen[child.ID]; dup {
				continue
			}
			seen[child.ID] = struct{}{}
			out = append(out, child.ID)
			queue = append(queue, child.ID)
		}
	}
	return out
}

// CompareThoughts compares two thoughts by sort value, preferring SortValue
// over Value so that a thought edited to empty keeps its place.
func CompareThoughts(a, b *Thought) int {
	return compare.Reasonable(sortKey(a), sortKey(b))
}

func sortKey(t *Thought) string {
	if t.SortValue != "" {
		return t.SortValue
	}
	return t.Value
}
