package engine

import (
	"errors"
	"fmt"
	"sort"

	"github.com/agentic-research/thoughtspace/internal/graph"
)

// ErrIntegrity is wrapped by every *IntegrityError.
var ErrIntegrity = errors.New("data integrity violation")

// Integrity violation kinds.
const (
	KindMalformed      = "malformed thought"
	KindInlineChildren = "inline children"
	KindMissingParent  = "missing parent"
	KindChildMismatch  = "child parent mismatch"
	KindMissingLexeme  = "missing lexeme"
	KindMissingContext = "missing lexeme context"
)

// IntegrityError reports a broken structural invariant. It means the
// producer of the update was wrong; the transaction is rejected.
type IntegrityError struct {
	Kind      string
	ThoughtID string
	// Related is the other id involved: the parent, the child or the lexeme key.
	Related string
}

func (e *IntegrityError) Error() string {
	if e.Related == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.ThoughtID)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Kind, e.ThoughtID, e.Related)
}

func (e *IntegrityError) Unwrap() error { return ErrIntegrity }

// Check validates every thought written by patch against ix, the indices
// after the merge. Deleted entries are skipped. Thoughts are checked in id
// order and the first violation is returned.
func Check(ix graph.Indices, patch graph.ThoughtPatch, deleteInProgress bool) error {
	ids := make([]string, 0, len(patch))
	for id, t := range patch {
		if t != nil {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := checkThought(ix, id, patch[id], deleteInProgress); err != nil {
			return err
		}
	}
	return nil
}

// CheckAll validates every thought in ix and joins all violations.
func CheckAll(ix graph.Indices) error {
	ids := make([]string, 0, len(ix.Thoughts))
	for id := range ix.Thoughts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var errs []error
	for _, id := range ids {
		if t := ix.Thoughts[id]; t != nil {
			if err := checkThought(ix, id, t, false); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func checkThought(ix graph.Indices, id string, t *graph.Thought, deleteInProgress bool) error {
	if t.ID != id {
		return &IntegrityError{Kind: KindMalformed, ThoughtID: id, Related: t.ID}
	}
	if len(t.Children) > 0 {
		return &IntegrityError{Kind: KindInlineChildren, ThoughtID: id}
	}
	root := graph.IsRoot(id)
	if !root && !deleteInProgress {
		if _, ok := graph.ThoughtByID(ix, t.ParentID); !ok {
			return &IntegrityError{Kind: KindMissingParent, ThoughtID: id, Related: t.ParentID}
		}
	}
	for _, childID := range graph.ChildIDs(ix, id) {
		child, ok := graph.ThoughtByID(ix, childID)
		if !ok {
			// pending
			continue
		}
		if child.ParentID != id {
			return &IntegrityError{Kind: KindChildMismatch, ThoughtID: id, Related: childID}
		}
	}
	if root {
		return nil
	}
	lexeme, ok := graph.LexemeByValue(ix, t.Value)
	if !ok {
		return &IntegrityError{Kind: KindMissingLexeme, ThoughtID: id, Related: graph.LexemeKey(t.Value)}
	}
	if !lexeme.HasContext(id) {
		return &IntegrityError{Kind: KindMissingContext, ThoughtID: id, Related: graph.LexemeKey(t.Value)}
	}
	return nil
}
