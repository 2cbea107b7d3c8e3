package graph

import (
	"slices"
	"strings"
)

// Path is the sequence of thought ids from the home root (exclusive) to a
// target. Thoughts under the metadata or absolute root carry that root id as
// the first element. A nil Path means no selection.
type Path []string

// Head returns the last id of the path, or "" for an empty path.
func (p Path) Head() string {
	if len(p) == 0 {
		return ""
	}
	return p[len(p)-1]
}

// ParentOf returns the path without its last element.
func (p Path) ParentOf() Path {
	if len(p) == 0 {
		return nil
	}
	return p[:len(p)-1:len(p)-1]
}

// Append returns a new path with id appended; p is left untouched.
func (p Path) Append(id string) Path {
	out := make(Path, len(p), len(p)+1)
	copy(out, p)
	return append(out, id)
}

// Hash returns a map key for the path.
func (p Path) Hash() string {
	return strings.Join(p, "/")
}

// IsSimple reports whether no id repeats, i.e. the path names one concrete
// location in the tree.
func (p Path) IsSimple() bool {
	seen := make(map[string]struct{}, len(p))
	for _, id := range p {
		if _, dup := seen[id]; dup {
			return false
		}
		seen[id] = struct{}{}
	}
	return true
}

// Equal compares two paths by value. Nil and empty paths are equal.
func Equal(a, b Path) bool {
	return slices.Equal(a, b)
}

// RootedParentOf returns the parent path, substituting the home root when the
// path has a single element.
func RootedParentOf(p Path) Path {
	if len(p) <= 1 {
		return Path{HomeToken}
	}
	return p.ParentOf()
}
