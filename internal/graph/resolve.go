package graph

import (
	"fmt"
	"strings"
)

// Resolve turns a slash separated outline address into a path. Segments match
// child values by lexeme key, so "Fruit/apple" finds "fruit" then "Apple".
// A segment of the form "#id" matches a child by id, and an address that is
// only "#id" resolves to the canonical path of that thought. The empty
// address and "/" resolve to the home root (a nil path).
func Resolve(ix Indices, addr string) (Path, error) {
	addr = strings.Trim(strings.TrimSpace(addr), "/")
	if addr == "" {
		return nil, nil
	}
	if id, ok := strings.CutPrefix(addr, "#"); ok && !strings.Contains(id, "/") {
		if _, found := ThoughtByID(ix, id); !found {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		p := ThoughtToPath(ix, id)
		if p == nil && id != HomeToken {
			return nil, fmt.Errorf("thought %s is not reachable from a root", id)
		}
		return p, nil
	}

	var p Path
	parent := HomeToken
	for _, seg := range strings.Split(addr, "/") {
		child, ok := childBySegment(ix, parent, seg)
		if !ok {
			return nil, fmt.Errorf("%w: %q under %q", ErrNotFound, seg, strings.Join(values(ix, p), "/"))
		}
		p = p.Append(child.ID)
		parent = child.ID
	}
	return p, nil
}

func childBySegment(ix Indices, parent, seg string) (*Thought, bool) {
	if id, ok := strings.CutPrefix(seg, "#"); ok {
		t, found := ThoughtByID(ix, id)
		return t, found && t.ParentID == parent
	}
	key := LexemeKey(seg)
	for _, c := range ChildrenOrdered(ix, parent) {
		if LexemeKey(c.Value) == key {
			return c, true
		}
	}
	return nil, false
}

// values returns the display values along p.
func values(ix Indices, p Path) []string {
	out := make([]string, 0, len(p))
	for _, id := range p {
		if t, ok := ThoughtByID(ix, id); ok {
			out = append(out, t.Value)
		} else {
			out = append(out, "#"+id)
		}
	}
	return out
}

// Address formats p in the form Resolve accepts.
func Address(ix Indices, p Path) string {
	return strings.Join(values(ix, p), "/")
}
