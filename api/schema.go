package api

import "encoding/json"

// Message types exchanged between remote.Client and remote.Relay.
const (
	// TypeHello is the first message a client sends after connecting.
	TypeHello = "hello"
	// TypeSnapshot carries every record of the space, sent once after hello.
	TypeSnapshot = "snapshot"
	// TypeSynced follows the snapshot; the client is now up to date.
	TypeSynced = "synced"
	// TypePush writes records. The relay answers with TypeAck.
	TypePush = "push"
	TypeAck  = "ack"
	// TypeChange forwards another device's push.
	TypeChange = "change"
	// TypeGet asks for single records. The relay answers with TypeRecord.
	TypeGet    = "get"
	TypeRecord = "record"
	TypeError  = "error"
)

// Error codes carried in Message.Error.
const (
	ErrorNotFound     = "not_found"
	ErrorUnauthorized = "unauthorized"
	ErrorBadRequest   = "bad_request"
	// ErrorUnavailable means the relay could not read or write its store.
	ErrorUnavailable = "unavailable"
)

// Record kinds.
const (
	KindThought = "thought"
	KindLexeme  = "lexeme"
)

// Message is one websocket text frame.
type Message struct {
	Type string `json:"type"`
	// ID correlates requests (push, get) with their responses.
	ID      string   `json:"id,omitempty"`
	Space   string   `json:"space,omitempty"`
	Device  string   `json:"device,omitempty"`
	Records []Record `json:"records,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// Record is one keyed thought or lexeme. A null Value deletes the key.
type Record struct {
	Kind  string          `json:"kind"`
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value,omitempty"`
}

// Deleted reports whether the record is a tombstone.
func (r Record) Deleted() bool {
	return len(r.Value) == 0 || string(r.Value) == "null"
}
