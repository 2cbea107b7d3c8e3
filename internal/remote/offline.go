package remote

import (
	"context"

	"github.com/agentic-research/thoughtspace/internal/graph"
)

// Offline is a provider for processes that never connect. Reads and pushes
// fail with ErrOffline, so a dispatcher keeps every batch queued.
type Offline struct{}

var _ Provider = Offline{}

func (Offline) Events() <-chan Event { return nil }
func (Offline) Changes() <-chan Change { return nil }

func (Offline) GetThought(context.Context, string) (*graph.Thought, error) { return nil, ErrOffline }
func (Offline) GetLexeme(context.Context, string) (*graph.Lexeme, error) { return nil, ErrOffline }

func (Offline) Push(context.Context, graph.ThoughtPatch, graph.LexemePatch) error {
	return ErrOffline
}

func (Offline) Close() error { return nil }
