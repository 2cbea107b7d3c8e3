// Package syncq drains the engine's sync queue into the local store and the
// remote provider, and feeds remote changes back into the engine.
package syncq

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/agentic-research/thoughtspace/internal/engine"
	"github.com/agentic-research/thoughtspace/internal/graph"
	"github.com/agentic-research/thoughtspace/internal/remote"
)

// LocalStore is the durable sink for batches with Local set.
type LocalStore interface {
	WriteBatch(ctx context.Context, thoughts graph.ThoughtPatch, lexemes graph.LexemePatch) error
}

// Dispatcher flushes queued batches in order. Each batch is written locally
// before it is pushed; a batch that fails stays at the head of the queue
// together with everything behind it and is retried on the next flush.
type Dispatcher struct {
	store  *engine.Store
	local  LocalStore
	remote remote.Provider

	unsubscribe func()
	flushMu     sync.Mutex

	// inflight holds the batches taken by the running flush. It is set
	// under inflightMu together with the take so Deleting never misses a
	// batch between the queue and the flush.
	inflightMu sync.Mutex
	inflight   []engine.SyncBatch

	// Coalescing state
	mu       sync.Mutex
	dirty    bool
	flushErr error
	tick     *time.Ticker
	stopCh   chan struct{}
	stopped  bool
}

// NewDispatcher returns a dispatcher for store. Either sink may be nil, in
// which case batches skip it. Call Start to flush in the background and
// Close to stop and flush what is left.
func NewDispatcher(store *engine.Store, local LocalStore, provider remote.Provider) *Dispatcher {
	d := &Dispatcher{
		store:  store,
		local:  local,
		remote: provider,
		stopCh: make(chan struct{}),
	}
	d.unsubscribe = store.Subscribe(func(s *engine.State) {
		if len(s.PushQueue) > 0 {
			d.RequestFlush()
		}
	})
	return d
}

// Start begins the coalescing goroutine that flushes at most once per
// interval when dirty. Safe to call multiple times.
func (d *Dispatcher) Start(interval time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.tick != nil || d.stopped {
		return
	}
	d.tick = time.NewTicker(interval)
	go d.coalesceLoop()
}

func (d *Dispatcher) coalesceLoop() {
	for {
		select {
		case <-d.tick.C:
			d.mu.Lock()
			dirty := d.dirty
			d.dirty = false
			d.mu.Unlock()
			if dirty {
				d.flushAndRecord()
			}
		case <-d.stopCh:
			return
		}
	}
}

func (d *Dispatcher) flushAndRecord() {
	err := d.flush(context.Background())
	d.mu.Lock()
	d.flushErr = err
	if err != nil {
		// retry on the next tick
		d.dirty = true
	}
	d.mu.Unlock()
	if err != nil {
		if errors.Is(err, remote.ErrOffline) {
			glog.V(1).Infof("[syncq]flush: %v", err)
		} else {
			glog.Errorf("[syncq]flush: %v", err)
		}
	}
}

// RequestFlush marks the dispatcher dirty; the next tick flushes.
func (d *Dispatcher) RequestFlush() {
	d.mu.Lock()
	d.dirty = true
	d.mu.Unlock()
}

// FlushNow flushes synchronously.
func (d *Dispatcher) FlushNow(ctx context.Context) error {
	d.mu.Lock()
	d.dirty = false
	d.mu.Unlock()
	err := d.flush(ctx)
	d.mu.Lock()
	d.flushErr = err
	if err != nil {
		d.dirty = true
	}
	d.mu.Unlock()
	return err
}

// LastError returns the result of the most recent flush.
func (d *Dispatcher) LastError() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flushErr
}

// Close stops the coalescing goroutine and flushes once more if dirty.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	wasDirty := d.dirty
	d.dirty = false
	if d.tick != nil {
		d.tick.Stop()
	}
	close(d.stopCh)
	d.mu.Unlock()
	d.unsubscribe()

	if wasDirty {
		return d.flush(ctx)
	}
	return nil
}

func (d *Dispatcher) flush(ctx context.Context) error {
	d.flushMu.Lock()
	defer d.flushMu.Unlock()

	defer d.done()

	// pushing can queue follow-up batches, so drain until empty
	for {
		batches := d.take()
		if len(batches) == 0 {
			return nil
		}
		for i, b := range batches {
			if b.Local && d.local != nil {
				if err := d.local.WriteBatch(ctx, b.Thoughts, b.Lexemes); err != nil {
					d.store.Requeue(batches[i:])
					return fmt.Errorf("local write %s: %w", b.ID, err)
				}
			}
			if b.Remote && d.remote != nil {
				if err := d.push(ctx, b); err != nil {
					// the local write is done; only the push is retried
					retry := b
					retry.Local = false
					d.store.Requeue(append([]engine.SyncBatch{retry}, batches[i+1:]...))
					return fmt.Errorf("push %s: %w", b.ID, err)
				}
			}
			glog.V(2).Infof("[syncq]flushed %s (%d thoughts, %d lexemes)", b.ID, len(b.Thoughts), len(b.Lexemes))
		}
	}
}

// FlushLocal writes every queued batch to the local store without pushing.
// Batches that still need a push are requeued in order with Local cleared,
// so a process that never connects can hand them to an outbox.
func (d *Dispatcher) FlushLocal(ctx context.Context) error {
	d.flushMu.Lock()
	defer d.flushMu.Unlock()
	defer d.done()

	batches := d.take()
	var remoteOnly []engine.SyncBatch
	for i, b := range batches {
		if b.Local && d.local != nil {
			if err := d.local.WriteBatch(ctx, b.Thoughts, b.Lexemes); err != nil {
				d.store.Requeue(append(remoteOnly, batches[i:]...))
				return fmt.Errorf("local write %s: %w", b.ID, err)
			}
		}
		if b.Remote {
			b.Local = false
			remoteOnly = append(remoteOnly, b)
		}
	}
	d.store.Requeue(remoteOnly)
	return nil
}

func (d *Dispatcher) take() []engine.SyncBatch {
	d.inflightMu.Lock()
	defer d.inflightMu.Unlock()
	d.inflight = d.store.TakeQueue()
	return d.inflight
}

func (d *Dispatcher) done() {
	d.inflightMu.Lock()
	defer d.inflightMu.Unlock()
	d.inflight = nil
}

// Deleting returns the ids of thoughts deleted locally whose deletion has
// not been pushed yet: every thought removed by a queued or in-flight batch
// that still needs a push.
func (d *Dispatcher) Deleting() map[string]bool {
	d.inflightMu.Lock()
	defer d.inflightMu.Unlock()
	out := map[string]bool{}
	for _, batches := range [][]engine.SyncBatch{d.inflight, d.store.Snapshot().PushQueue} {
		for _, b := range batches {
			if !b.Remote {
				continue
			}
			for _, pd := range b.PendingDeletes {
				out[pd.ID] = true
			}
			for id, t := range b.Thoughts {
				if t == nil {
					out[id] = true
				}
			}
		}
	}
	return out
}

// push sends one batch. New lexemes are merged with their remote versions
// first so that contexts written by other devices survive, and deletes are
// extended to descendants that only exist remotely.
func (d *Dispatcher) push(ctx context.Context, b engine.SyncBatch) error {
	thoughts, lexemes := b.Thoughts, b.Lexemes

	if len(b.PendingLexemes) > 0 {
		merged, err := d.mergeRemoteLexemes(ctx, b)
		if err != nil {
			return err
		}
		if len(merged) > 0 {
			lexemes = cloneLexemes(lexemes)
			maps.Copy(lexemes, merged)
		}
	}

	if len(b.PendingDeletes) > 0 {
		extra, extraLexemes, err := d.remoteOnlyDescendants(ctx, b)
		if err != nil {
			return err
		}
		if len(extra) > 0 {
			thoughts = maps.Clone(thoughts)
			if thoughts == nil {
				thoughts = graph.ThoughtPatch{}
			}
			maps.Copy(thoughts, extra)
			lexemes = cloneLexemes(lexemes)
			for key, l := range extraLexemes {
				if _, ok := lexemes[key]; !ok {
					lexemes[key] = l
				}
			}
		}
	}

	return d.remote.Push(ctx, thoughts, lexemes)
}

func cloneLexemes(p graph.LexemePatch) graph.LexemePatch {
	if p == nil {
		return graph.LexemePatch{}
	}
	return maps.Clone(p)
}

// mergeRemoteLexemes fetches every pending lexeme and unions its contexts
// with the local one. The merged lexemes are applied locally and returned
// for the push.
func (d *Dispatcher) mergeRemoteLexemes(ctx context.Context, b engine.SyncBatch) (graph.LexemePatch, error) {
	fetched := map[string]*graph.Lexeme{}
	for _, key := range slices.Sorted(maps.Keys(b.PendingLexemes)) {
		l, err := d.remote.GetLexeme(ctx, key)
		if errors.Is(err, graph.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("fetch lexeme %s: %w", key, err)
		}
		fetched[key] = l
	}
	if len(fetched) == 0 {
		return nil, nil
	}

	merged := graph.LexemePatch{}
	_, err := d.store.Do(func(s *engine.State) (*engine.State, error) {
		for key, rl := range fetched {
			cur, ok := s.Thoughts.Lexemes[key]
			if !ok {
				continue
			}
			out := cur.Clone()
			for _, cx := range rl.Contexts {
				if !out.HasContext(cx) {
					out.Contexts = append(out.Contexts, cx)
				}
			}
			if rl.Created.Before(out.Created) && !rl.Created.IsZero() {
				out.Created = rl.Created
			}
			if len(out.Contexts) != len(cur.Contexts) {
				merged[key] = out
			}
		}
		return engine.Apply(s, engine.Update{Lexemes: merged, Local: true, PreventExpand: true})
	})
	if err != nil {
		return nil, err
	}
	glog.V(1).Infof("[syncq]merged %d remote lexemes", len(merged))
	return merged, nil
}

// remoteOnlyDescendants walks the remote copy of every pending delete and
// returns tombstones for descendants that are not in the local index, along
// with their lexemes minus the deleted contexts.
func (d *Dispatcher) remoteOnlyDescendants(ctx context.Context, b engine.SyncBatch) (graph.ThoughtPatch, graph.LexemePatch, error) {
	ix := d.store.Snapshot().Thoughts
	thoughts := graph.ThoughtPatch{}
	removed := map[string][]string{}

	var walk func(id string) error
	walk = func(id string) error {
		t, err := d.remote.GetThought(ctx, id)
		if errors.Is(err, graph.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("fetch thought %s: %w", id, err)
		}
		for _, childID := range t.ChildrenMap {
			if _, local := graph.ThoughtByID(ix, childID); local {
				continue
			}
			if _, seen := thoughts[childID]; seen {
				continue
			}
			child, err := d.remote.GetThought(ctx, childID)
			if errors.Is(err, graph.ErrNotFound) {
				continue
			}
			if err != nil {
				return fmt.Errorf("fetch thought %s: %w", childID, err)
			}
			thoughts[childID] = nil
			key := graph.LexemeKey(child.Value)
			removed[key] = append(removed[key], childID)
			if err := walk(childID); err != nil {
				return err
			}
		}
		return nil
	}
	for _, pd := range b.PendingDeletes {
		if err := walk(pd.ID); err != nil {
			return nil, nil, err
		}
	}

	lexemes := graph.LexemePatch{}
	now := time.Now()
	for key, ids := range removed {
		l, err := d.remote.GetLexeme(ctx, key)
		if errors.Is(err, graph.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("fetch lexeme %s: %w", key, err)
		}
		for _, id := range ids {
			l = graph.RemoveContext(l, id, now, "")
		}
		lexemes[key] = l
	}
	if len(thoughts) > 0 {
		glog.V(1).Infof("[syncq]deleting %d remote-only descendants", len(thoughts))
	}
	return thoughts, lexemes, nil
}
