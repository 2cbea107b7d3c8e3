// Package export renders a subtree of the graph as nested JSON, YAML or a
// plain text outline, optionally filtered with a JSONPath expression.
package export

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"
	"gopkg.in/yaml.v3"

	"github.com/agentic-research/thoughtspace/internal/compare"
	"github.com/agentic-research/thoughtspace/internal/graph"
)

type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseFormat accepts text, json, yaml and yml.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "text", "txt":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	}
	return "", fmt.Errorf("unknown format %q", s)
}

// Node is one exported thought with its children inlined.
type Node struct {
	ID       string  `json:"id" yaml:"id"`
	Value    string  `json:"value" yaml:"value"`
	Pending  bool    `json:"pending,omitempty" yaml:"pending,omitempty"`
	Children []*Node `json:"children,omitempty" yaml:"children,omitempty"`
}

type Options struct {
	// Depth limits the levels below the root; negative means unlimited.
	Depth int
	// Meta includes meta attributes such as =sort.
	Meta bool
}

// Tree builds the subtree rooted at id in display order. Children that are
// declared but not loaded are exported as pending leaves.
func Tree(ix graph.Indices, id string, opts Options) (*Node, error) {
	t, ok := graph.ThoughtByID(ix, id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", graph.ErrNotFound, id)
	}
	return tree(ix, t, opts.Depth, opts, map[string]bool{}), nil
}

func tree(ix graph.Indices, t *graph.Thought, depth int, opts Options, seen map[string]bool) *Node {
	n := &Node{ID: t.ID, Value: t.Value, Pending: t.Pending}
	if depth == 0 || seen[t.ID] {
		return n
	}
	seen[t.ID] = true
	defer delete(seen, t.ID)

	for _, c := range graph.ChildrenOrdered(ix, t.ID) {
		if !opts.Meta && compare.IsMetaAttribute(c.Value) {
			continue
		}
		n.Children = append(n.Children, tree(ix, c, depth-1, opts, seen))
	}
	for _, childID := range graph.ChildIDs(ix, t.ID) {
		if _, ok := graph.ThoughtByID(ix, childID); !ok {
			n.Children = append(n.Children, &Node{ID: childID, Pending: true})
		}
	}
	return n
}

// Write renders n in format f.
func Write(w io.Writer, n *Node, f Format) error {
	switch f {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(n)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(n); err != nil {
			return err
		}
		return enc.Close()
	case FormatText:
		if !graph.IsRoot(n.ID) {
			return writeText(w, n, 0)
		}
		for _, c := range n.Children {
			if err := writeText(w, c, 0); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("unknown format %q", f)
}

func writeText(w io.Writer, n *Node, indent int) error {
	value := n.Value
	if n.Pending && value == "" {
		value = "(pending)"
	}
	if _, err := fmt.Fprintf(w, "%s- %s\n", strings.Repeat("  ", indent), value); err != nil {
		return err
	}
	for _, c := range n.Children {
		if err := writeText(w, c, indent+1); err != nil {
			return err
		}
	}
	return nil
}

// Query evaluates a JSONPath expression against the JSON form of n.
func Query(n *Node, expr string) ([]any, error) {
	x, err := jp.ParseString(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid jsonpath '%s': %w", expr, err)
	}
	b, err := json.Marshal(n)
	if err != nil {
		return nil, err
	}
	data, err := oj.Parse(b)
	if err != nil {
		return nil, err
	}
	return x.Get(data), nil
}

// WriteValues renders query results, one per line for text and as a list
// otherwise.
func WriteValues(w io.Writer, values []any, f Format) error {
	switch f {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(values)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		if err := enc.Encode(values); err != nil {
			return err
		}
		return enc.Close()
	}
	for _, v := range values {
		if _, err := fmt.Fprintln(w, oj.JSON(v)); err != nil {
			return err
		}
	}
	return nil
}
