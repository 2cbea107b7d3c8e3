package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/RoaringBitmap/roaring"
)

// AuditReport summarizes a whole-graph consistency scan.
type AuditReport struct {
	Thoughts  int
	Reachable int

	// Orphans are thoughts that cannot be reached from any root.
	Orphans []string
	// Unresolved maps a parent id to declared children missing from the index.
	// These are normally pending thoughts and do not fail the audit.
	Unresolved map[string][]string
	// Mismatched lists "parent->child" edges whose back-reference disagrees.
	Mismatched []string
	// MissingLexemes lists thoughts whose lexeme is absent or does not list them.
	MissingLexemes []string
	// StaleContexts lists "key:id" lexeme contexts that no longer resolve to a
	// thought with that value.
	StaleContexts []string
}

// OK reports whether the audit found no structural problems.
func (r *AuditReport) OK() bool {
	return len(r.Orphans) == 0 && len(r.Mismatched) == 0 && len(r.MissingLexemes) == 0 && len(r.StaleContexts) == 0
}

func (r *AuditReport) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "thoughts=%d reachable=%d", r.Thoughts, r.Reachable)
	fmt.Fprintf(&sb, " orphans=%d mismatched=%d missing_lexemes=%d stale_contexts=%d unresolved_parents=%d",
		len(r.Orphans), len(r.Mismatched), len(r.MissingLexemes), len(r.StaleContexts), len(r.Unresolved))
	return sb.String()
}

// Audit scans every thought and lexeme. Thought ids are interned to uint32 so
// reachability can be computed with roaring bitmaps.
func Audit(ix Indices) *AuditReport {
	ids := make([]string, 0, len(ix.Thoughts))
	for id := range ix.Thoughts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	intID := make(map[string]uint32, len(ids))
	for i, id := range ids {
		intID[id] = uint32(i)
	}

	report := &AuditReport{
		Thoughts:   len(ids),
		Unresolved: map[string][]string{},
	}

	all := roaring.New()
	all.AddRange(0, uint64(len(ids)))

	reachable := roaring.New()
	var queue []string
	for _, root := range []string{HomeToken, EMToken, AbsoluteToken} {
		if n, ok := intID[root]; ok {
			reachable.Add(n)
			queue = append(queue, root)
		}
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, childID := range ChildIDs(ix, cur) {
			n, ok := intID[childID]
			if !ok {
				report.Unresolved[cur] = append(report.Unresolved[cur], childID)
				continue
			}
			child := ix.Thoughts[childID]
			if child.ParentID != cur {
				report.Mismatched = append(report.Mismatched, cur+"->"+childID)
				continue
			}
			if reachable.CheckedAdd(n) {
				queue = append(queue, childID)
			}
		}
	}
	report.Reachable = int(reachable.GetCardinality())

	orphans := roaring.AndNot(all, reachable)
	it := orphans.Iterator()
	for it.HasNext() {
		report.Orphans = append(report.Orphans, ids[it.Next()])
	}

	for _, id := range ids {
		if IsRoot(id) {
			continue
		}
		t := ix.Thoughts[id]
		if l, ok := LexemeByValue(ix, t.Value); !ok || !l.HasContext(id) {
			report.MissingLexemes = append(report.MissingLexemes, id)
		}
	}

	keys := make([]string, 0, len(ix.Lexemes))
	for k := range ix.Lexemes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		for _, cx := range ix.Lexemes[key].Contexts {
			// contexts may reference thoughts that are not loaded yet
			t, ok := ThoughtByID(ix, cx)
			if !ok || LexemeKey(t.Value) == key {
				continue
			}
			report.StaleContexts = append(report.StaleContexts, key+":"+cx)
		}
	}
	return report
}
