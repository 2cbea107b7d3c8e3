package engine

import (
	"github.com/agentic-research/thoughtspace/internal/graph"
)

// Expand computes the expanded paths for a cursor. The home root is always
// expanded. Below it a child is expanded when it lies on the cursor path, is
// its parent's only visible child, is pinned with =pin, or its parent pins
// all children with =pinChildren.
func Expand(ix graph.Indices, cursor graph.Path) map[string]graph.Path {
	expanded := map[string]graph.Path{"": {}}

	var walk func(p graph.Path, id string)
	walk = func(p graph.Path, id string) {
		children := graph.VisibleChildren(ix, id)
		pinChildren := attrEnabled(ix, id, graph.AttrPinChildren)
		for _, child := range children {
			cp := p.Append(child.ID)
			key := cp.Hash()
			if _, seen := expanded[key]; seen || !cp.IsSimple() {
				continue
			}
			if len(children) == 1 || pinChildren || attrEnabled(ix, child.ID, graph.AttrPin) || isPrefix(cp, cursor) {
				expanded[key] = cp
				walk(cp, child.ID)
			}
		}
	}

	walk(nil, graph.HomeToken)
	if len(cursor) > 0 && graph.IsRoot(cursor[0]) {
		root := graph.Path{cursor[0]}
		expanded[root.Hash()] = root
		walk(root, cursor[0])
	}
	return expanded
}

// attrEnabled reports whether id carries the attribute with any value other
// than "false".
func attrEnabled(ix graph.Indices, id, name string) bool {
	v, ok := graph.Attribute(ix, id, name)
	return ok && v != "false"
}

func isPrefix(p, of graph.Path) bool {
	return len(p) <= len(of) && graph.Equal(p, of[:len(p)])
}
