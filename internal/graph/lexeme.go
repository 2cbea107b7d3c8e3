package graph

import (
	"slices"
	"strings"
	"time"

	"github.com/agentic-research/thoughtspace/internal/compare"
)

// LexemeKey normalizes a display value into the key of its lexeme. Values
// that differ only by case, diacritics or whitespace share a lexeme.
func LexemeKey(value string) string {
	key := strings.Join(strings.Fields(strings.ToLower(compare.RemoveDiacritics(value))), " ")
	if key == "" {
		return value
	}
	return key
}

// AddContext returns a copy of l (or a new lexeme when l is nil) that lists id.
func AddContext(l *Lexeme, value, id string, now time.Time, by string) *Lexeme {
	var out *Lexeme
	if l == nil {
		out = &Lexeme{Value: value, Created: now}
	} else {
		out = l.Clone()
	}
	if !out.HasContext(id) {
		out.Contexts = append(out.Contexts, id)
	}
	out.LastUpdated = now
	out.UpdatedBy = by
	return out
}

// RemoveContext returns a copy of l without id, or nil when no contexts remain
// so that the patch deletes the lexeme.
func RemoveContext(l *Lexeme, id string, now time.Time, by string) *Lexeme {
	if l == nil {
		return nil
	}
	out := l.Clone()
	out.Contexts = slices.DeleteFunc(out.Contexts, func(cx string) bool { return cx == id })
	if len(out.Contexts) == 0 {
		return nil
	}
	out.LastUpdated = now
	out.UpdatedBy = by
	return out
}
