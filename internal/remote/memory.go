package remote

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/golang/glog"

	"github.com/agentic-research/thoughtspace/internal/graph"
)

// Hub is an in-process provider backend shared by several MemoryProviders,
// one per simulated device. Writes are last-writer-wins per key.
type Hub struct {
	mu       sync.Mutex
	thoughts map[string]*graph.Thought
	lexemes  map[string]*graph.Lexeme
	peers    map[*MemoryProvider]struct{}
}

func NewHub() *Hub {
	return &Hub{
		thoughts: map[string]*graph.Thought{},
		lexemes:  map[string]*graph.Lexeme{},
		peers:    map[*MemoryProvider]struct{}{},
	}
}

// Connect attaches a new device. Its event stream reports connecting,
// connected and, after the snapshot change, synced.
func (h *Hub) Connect(device string) *MemoryProvider {
	p := &MemoryProvider{
		hub:     h,
		device:  device,
		events:  make(chan Event, 16),
		changes: make(chan Change),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go p.pump()
	p.Reconnect()
	return p
}

func (h *Hub) snapshot() Change {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Change{
		Thoughts: maps.Clone(graph.ThoughtPatch(h.thoughts)),
		Lexemes:  maps.Clone(graph.LexemePatch(h.lexemes)),
		Snapshot: true,
	}
}

func (h *Hub) write(from *MemoryProvider, c Change) {
	h.mu.Lock()
	for id, t := range c.Thoughts {
		if t == nil {
			delete(h.thoughts, id)
		} else {
			h.thoughts[id] = t
		}
	}
	for key, l := range c.Lexemes {
		if l == nil {
			delete(h.lexemes, key)
		} else {
			h.lexemes[key] = l
		}
	}
	var peers []*MemoryProvider
	for p := range h.peers {
		if p != from {
			peers = append(peers, p)
		}
	}
	h.mu.Unlock()

	for _, p := range peers {
		p.deliver(c)
	}
}

// MemoryProvider is one device's view of a Hub.
type MemoryProvider struct {
	hub    *Hub
	device string

	events  chan Event
	changes chan Change

	mu     sync.Mutex
	outbox []Change
	online bool
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

var _ Provider = (*MemoryProvider)(nil)

func (p *MemoryProvider) Events() <-chan Event { return p.events }
func (p *MemoryProvider) Changes() <-chan Change { return p.changes }

func (p *MemoryProvider) emit(s Status) {
	select {
	case p.events <- Event{Status: s}:
	default:
		glog.Warningf("memory provider %s: dropped %s event", p.device, s)
	}
}

// Disconnect simulates losing the connection. Pushes and reads fail with
// ErrOffline until Reconnect.
func (p *MemoryProvider) Disconnect() {
	p.hub.mu.Lock()
	delete(p.hub.peers, p)
	p.hub.mu.Unlock()

	p.mu.Lock()
	p.online = false
	p.mu.Unlock()
	p.emit(StatusDisconnected)
}

// Reconnect rejoins the hub and replays its full state.
func (p *MemoryProvider) Reconnect() {
	p.emit(StatusConnecting)
	p.hub.mu.Lock()
	p.hub.peers[p] = struct{}{}
	p.hub.mu.Unlock()

	p.mu.Lock()
	p.online = true
	p.mu.Unlock()
	p.emit(StatusConnected)

	p.deliver(p.hub.snapshot())
	p.emit(StatusSynced)
}

func (p *MemoryProvider) deliver(c Change) {
	if c.empty() && !c.Snapshot {
		return
	}
	p.mu.Lock()
	p.outbox = append(p.outbox, c)
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// pump forwards queued changes so that a slow reader never blocks writers on
// other devices.
func (p *MemoryProvider) pump() {
	for {
		p.mu.Lock()
		var next *Change
		if len(p.outbox) > 0 {
			c := p.outbox[0]
			next = &c
			p.outbox = p.outbox[1:]
		}
		p.mu.Unlock()

		if next == nil {
			select {
			case <-p.wake:
				continue
			case <-p.done:
				return
			}
		}
		select {
		case p.changes <- *next:
		case <-p.done:
			return
		}
	}
}

func (p *MemoryProvider) check() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if !p.online {
		return ErrOffline
	}
	return nil
}

func (p *MemoryProvider) GetThought(ctx context.Context, id string) (*graph.Thought, error) {
	if err := p.check(); err != nil {
		return nil, err
	}
	p.hub.mu.Lock()
	defer p.hub.mu.Unlock()
	t, ok := p.hub.thoughts[id]
	if !ok {
		return nil, fmt.Errorf("%w: thought %s", graph.ErrNotFound, id)
	}
	return t, nil
}

func (p *MemoryProvider) GetLexeme(ctx context.Context, key string) (*graph.Lexeme, error) {
	if err := p.check(); err != nil {
		return nil, err
	}
	p.hub.mu.Lock()
	defer p.hub.mu.Unlock()
	l, ok := p.hub.lexemes[key]
	if !ok {
		return nil, fmt.Errorf("%w: lexeme %s", graph.ErrNotFound, key)
	}
	return l, nil
}

func (p *MemoryProvider) Push(ctx context.Context, thoughts graph.ThoughtPatch, lexemes graph.LexemePatch) error {
	if err := p.check(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	p.hub.write(p, Change{Thoughts: thoughts, Lexemes: lexemes})
	return nil
}

func (p *MemoryProvider) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.online = false
	p.mu.Unlock()

	p.hub.mu.Lock()
	delete(p.hub.peers, p)
	p.hub.mu.Unlock()
	close(p.done)
	return nil
}
