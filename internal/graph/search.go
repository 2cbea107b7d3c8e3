package graph

import (
	"sort"

	"github.com/sahilm/fuzzy"
)

// SearchResult is one lexeme matched by SearchLexemes.
type SearchResult struct {
	Key      string
	Value    string
	Contexts []string
	Score    int
}

// lexemeSource adapts a sorted key list to fuzzy.Source.
type lexemeSource struct {
	keys    []string
	lexemes map[string]*Lexeme
}

func (s lexemeSource) String(i int) string {
	if l := s.lexemes[s.keys[i]]; l != nil && l.Value != "" {
		return l.Value
	}
	return s.keys[i]
}

func (s lexemeSource) Len() int { return len(s.keys) }

// SearchLexemes fuzzy-matches query against lexeme values and returns the best
// matches first. A limit <= 0 returns every match.
func SearchLexemes(ix Indices, query string, limit int) []SearchResult {
	if query == "" {
		return nil
	}
	keys := make([]string, 0, len(ix.Lexemes))
	for k := range ix.Lexemes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	src := lexemeSource{keys: keys, lexemes: ix.Lexemes}

	matches := fuzzy.FindFrom(query, src)
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	out := make([]SearchResult, 0, len(matches))
	for _, m := range matches {
		key := keys[m.Index]
		l := ix.Lexemes[key]
		out = append(out, SearchResult{
			Key:      key,
			Value:    m.Str,
			Contexts: append([]string(nil), l.Contexts...),
			Score:    m.Score,
		})
	}
	return out
}
