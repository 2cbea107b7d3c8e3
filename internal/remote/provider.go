// Package remote connects the engine to a multi-device sync provider.
//
// The engine sees a provider as a stream of connection status events, a
// stream of records changed by other devices, and a keyed record store. How
// the provider resolves concurrent writes is its own business; both
// implementations here keep the last write.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/agentic-research/thoughtspace/api"
	"github.com/agentic-research/thoughtspace/internal/graph"
)

var (
	ErrClosed  = errors.New("provider closed")
	ErrOffline = errors.New("provider offline")
)

// Status is a raw connection status reported by a provider.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	// StatusSynced follows the initial snapshot after a connection.
	StatusSynced Status = "synced"
)

// Event is one status change.
type Event struct {
	Status Status
	Err    error
}

// Change is a set of records written by another device. Nil values delete.
type Change struct {
	Thoughts graph.ThoughtPatch
	Lexemes  graph.LexemePatch
	// Snapshot is set for the full state sent after (re)connecting.
	Snapshot bool
}

func (c Change) empty() bool {
	return len(c.Thoughts) == 0 && len(c.Lexemes) == 0
}

// Provider is a remote record store shared by the devices of a space.
type Provider interface {
	Events() <-chan Event
	Changes() <-chan Change
	// GetThought and GetLexeme return graph.ErrNotFound for missing keys.
	GetThought(ctx context.Context, id string) (*graph.Thought, error)
	GetLexeme(ctx context.Context, key string) (*graph.Lexeme, error)
	Push(ctx context.Context, thoughts graph.ThoughtPatch, lexemes graph.LexemePatch) error
	Close() error
}

// EncodeRecords converts patches to wire records.
func EncodeRecords(thoughts graph.ThoughtPatch, lexemes graph.LexemePatch) ([]api.Record, error) {
	records := make([]api.Record, 0, len(thoughts)+len(lexemes))
	for id, t := range thoughts {
		r, err := encodeRecord(api.KindThought, id, t)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	for key, l := range lexemes {
		r, err := encodeRecord(api.KindLexeme, key, l)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, nil
}

func encodeRecord[V any](kind, key string, v *V) (api.Record, error) {
	if v == nil {
		return api.Record{Kind: kind, Key: key, Value: json.RawMessage("null")}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return api.Record{}, fmt.Errorf("encode %s %s: %w", kind, key, err)
	}
	return api.Record{Kind: kind, Key: key, Value: b}, nil
}

// DecodeRecords converts wire records back to patches. Unknown kinds are
// skipped.
func DecodeRecords(records []api.Record) (graph.ThoughtPatch, graph.LexemePatch, error) {
	thoughts, lexemes := graph.ThoughtPatch{}, graph.LexemePatch{}
	for _, r := range records {
		switch r.Kind {
		case api.KindThought:
			t, err := decodeRecord[graph.Thought](r)
			if err != nil {
				return nil, nil, err
			}
			thoughts[r.Key] = t
		case api.KindLexeme:
			l, err := decodeRecord[graph.Lexeme](r)
			if err != nil {
				return nil, nil, err
			}
			lexemes[r.Key] = l
		}
	}
	return thoughts, lexemes, nil
}

func decodeRecord[V any](r api.Record) (*V, error) {
	if r.Deleted() {
		return nil, nil
	}
	v := new(V)
	if err := json.Unmarshal(r.Value, v); err != nil {
		return nil, fmt.Errorf("decode %s %s: %w", r.Kind, r.Key, err)
	}
	return v, nil
}
