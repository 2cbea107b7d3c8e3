package syncq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentic-research/thoughtspace/internal/engine"
	"github.com/agentic-research/thoughtspace/internal/graph"
	"github.com/agentic-research/thoughtspace/internal/intent"
	"github.com/agentic-research/thoughtspace/internal/remote"
)

var errBoom = errors.New("boom")

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, s)
}

func (l *callLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type memLocal struct {
	log  *callLog
	mu   sync.Mutex
	fail error
	ix   graph.Indices
}

func newMemLocal(log *callLog) *memLocal {
	return &memLocal{log: log, ix: graph.NewIndices()}
}

func (m *memLocal) WriteBatch(ctx context.Context, thoughts graph.ThoughtPatch, lexemes graph.LexemePatch) error {
	if m.log != nil {
		m.log.add("local")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.ix = graph.Merge(m.ix, thoughts, lexemes)
	return nil
}

func (m *memLocal) lexeme(key string) *graph.Lexeme {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ix.Lexemes[key]
}

type recordingProvider struct {
	remote.Provider
	log  *callLog
	mu   sync.Mutex
	fail error
}

func (r *recordingProvider) Push(ctx context.Context, thoughts graph.ThoughtPatch, lexemes graph.LexemePatch) error {
	r.log.add("push")
	r.mu.Lock()
	fail := r.fail
	r.mu.Unlock()
	if fail != nil {
		return fail
	}
	return r.Provider.Push(ctx, thoughts, lexemes)
}

type device struct {
	store    *engine.Store
	provider *remote.MemoryProvider
	local    *memLocal
	disp     *Dispatcher
	producer *intent.Producer
}

func newDevice(t *testing.T, hub *remote.Hub, name string) *device {
	t.Helper()
	s, err := engine.Apply(engine.NewState(), engine.Update{Thoughts: engine.Roots(epoch)})
	require.NoError(t, err)
	store := engine.NewStore(s)
	p := hub.Connect(name)
	local := newMemLocal(nil)
	d := &device{
		store:    store,
		provider: p,
		local:    local,
		disp:     NewDispatcher(store, local, p),
		producer: &intent.Producer{By: name},
	}
	t.Cleanup(func() {
		_ = d.disp.Close(context.Background())
		_ = p.Close()
	})
	return d
}

func (d *device) pull(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = NewPuller(d.store, d.provider).Run(ctx) }()
}

func (d *device) create(t *testing.T, parent graph.Path, value string) graph.Path {
	t.Helper()
	up, id, err := d.producer.Create(d.store.Snapshot(), parent, value)
	require.NoError(t, err)
	_, err = d.store.Apply(up)
	require.NoError(t, err)
	return parent.Append(id)
}

func assertConsistent(t *testing.T, s *engine.State) {
	t.Helper()
	require.NoError(t, engine.CheckAll(s.Thoughts))
}

func TestDispatcher_OrderAndRetry(t *testing.T) {
	ctx := context.Background()
	log := &callLog{}
	hub := remote.NewHub()
	mp := hub.Connect("a")
	defer mp.Close()
	provider := &recordingProvider{Provider: mp, log: log}
	local := newMemLocal(log)

	s, err := engine.Apply(engine.NewState(), engine.Update{Thoughts: engine.Roots(epoch)})
	require.NoError(t, err)
	store := engine.NewStore(s)
	d := NewDispatcher(store, local, provider)
	defer d.Close(ctx)

	p := &intent.Producer{By: "a"}
	for _, v := range []string{"one", "two"} {
		up, _, err := p.Create(store.Snapshot(), nil, v)
		require.NoError(t, err)
		_, err = store.Apply(up)
		require.NoError(t, err)
	}
	require.Len(t, store.Snapshot().PushQueue, 2)

	local.fail = errBoom
	assert.ErrorIs(t, d.FlushNow(ctx), errBoom)
	assert.ErrorIs(t, d.LastError(), errBoom)
	assert.Len(t, store.Snapshot().PushQueue, 2)

	local.fail = nil
	provider.fail = remote.ErrOffline
	assert.ErrorIs(t, d.FlushNow(ctx), remote.ErrOffline)
	queue := store.Snapshot().PushQueue
	require.Len(t, queue, 2)
	assert.False(t, queue[0].Local, "a written batch is only pushed on retry")
	assert.True(t, queue[1].Local)

	provider.fail = nil
	require.NoError(t, d.FlushNow(ctx))
	assert.NoError(t, d.LastError())
	assert.Empty(t, store.Snapshot().PushQueue)
	assert.Equal(t, []string{"local", "local", "push", "push", "local", "push"}, log.get())

	for id := range store.Snapshot().Thoughts.Thoughts {
		if graph.IsRoot(id) {
			continue
		}
		_, err := mp.GetThought(ctx, id)
		assert.NoError(t, err, id)
	}
}

func TestDispatcher_BackgroundFlush(t *testing.T) {
	hub := remote.NewHub()
	a := newDevice(t, hub, "a")
	a.disp.Start(5 * time.Millisecond)
	a.create(t, nil, "background")

	require.Eventually(t, func() bool {
		return len(a.store.Snapshot().PushQueue) == 0
	}, time.Second, 5*time.Millisecond)
	_, err := a.provider.GetLexeme(context.Background(), "background")
	assert.NoError(t, err)
}

func TestDevicesConverge(t *testing.T) {
	ctx := context.Background()
	hub := remote.NewHub()
	a, b := newDevice(t, hub, "a"), newDevice(t, hub, "b")
	b.pull(t)

	alpha := a.create(t, nil, "alpha")
	a.create(t, alpha, "beta")
	require.NoError(t, a.disp.FlushNow(ctx))

	require.Eventually(t, func() bool {
		_, ok := graph.ThoughtByID(b.store.Snapshot().Thoughts, alpha.Head())
		return ok && len(graph.ChildIDs(b.store.Snapshot().Thoughts, alpha.Head())) == 1
	}, time.Second, 5*time.Millisecond)
	assertConsistent(t, b.store.Snapshot())
	assert.False(t, b.store.Snapshot().IsLoading)

	// remote changes are cached locally and never pushed back
	for _, batch := range b.store.Snapshot().PushQueue {
		assert.True(t, batch.Local)
		assert.False(t, batch.Remote)
	}
	require.NoError(t, b.disp.FlushNow(ctx))
	_, ok := b.local.ix.Thoughts[alpha.Head()]
	assert.True(t, ok)

	a.pull(t)
	up, err := b.producer.Edit(b.store.Snapshot(), alpha, "gamma")
	require.NoError(t, err)
	_, err = b.store.Apply(up)
	require.NoError(t, err)
	require.NoError(t, b.disp.FlushNow(ctx))

	require.Eventually(t, func() bool {
		th, ok := graph.ThoughtByID(a.store.Snapshot().Thoughts, alpha.Head())
		return ok && th.Value == "gamma"
	}, time.Second, 5*time.Millisecond)
	assertConsistent(t, a.store.Snapshot())
}

func TestDispatcher_MergesRemoteLexemes(t *testing.T) {
	ctx := context.Background()
	hub := remote.NewHub()
	a, b := newDevice(t, hub, "a"), newDevice(t, hub, "b")

	pa := a.create(t, nil, "same")
	require.NoError(t, a.disp.FlushNow(ctx))

	pb := b.create(t, nil, "Same")
	batch := b.store.Snapshot().PushQueue[0]
	assert.Equal(t, map[string]bool{"same": true}, batch.PendingLexemes)
	require.NoError(t, b.disp.FlushNow(ctx))

	remoteLex, err := b.provider.GetLexeme(ctx, "same")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{pa.Head(), pb.Head()}, remoteLex.Contexts)

	localLex, ok := b.store.Snapshot().Thoughts.Lexemes["same"]
	require.True(t, ok)
	assert.ElementsMatch(t, []string{pa.Head(), pb.Head()}, localLex.Contexts)
	assert.ElementsMatch(t, []string{pa.Head(), pb.Head()}, b.local.lexeme("same").Contexts)
	assert.Empty(t, b.store.Snapshot().PushQueue)
}

func TestDispatcher_DeletesRemoteOnlyDescendants(t *testing.T) {
	ctx := context.Background()
	hub := remote.NewHub()
	a, b := newDevice(t, hub, "a"), newDevice(t, hub, "b")

	p := a.create(t, nil, "parent")
	c := a.create(t, p, "child")
	require.NoError(t, a.disp.FlushNow(ctx))

	// b has loaded the parent but not its child
	home, err := b.provider.GetThought(ctx, graph.HomeToken)
	require.NoError(t, err)
	parent, err := b.provider.GetThought(ctx, p.Head())
	require.NoError(t, err)
	lex, err := b.provider.GetLexeme(ctx, "parent")
	require.NoError(t, err)
	puller := NewPuller(b.store, b.provider)
	require.NoError(t, puller.Absorb(ctx, remote.Change{
		Thoughts: graph.ThoughtPatch{graph.HomeToken: home, p.Head(): parent},
		Lexemes:  graph.LexemePatch{"parent": lex},
	}))
	_, loaded := graph.ThoughtByID(b.store.Snapshot().Thoughts, c.Head())
	require.False(t, loaded)

	updates, err := b.producer.Delete(b.store.Snapshot(), p)
	require.NoError(t, err)
	require.Len(t, updates, 1)
	_, err = b.store.Apply(updates[0])
	require.NoError(t, err)
	require.NoError(t, b.disp.FlushNow(ctx))

	_, err = b.provider.GetThought(ctx, p.Head())
	assert.ErrorIs(t, err, graph.ErrNotFound)
	_, err = b.provider.GetThought(ctx, c.Head())
	assert.ErrorIs(t, err, graph.ErrNotFound)
	_, err = b.provider.GetLexeme(ctx, "child")
	assert.ErrorIs(t, err, graph.ErrNotFound)
}

func TestPuller_FetchesMissingRecords(t *testing.T) {
	ctx := context.Background()
	hub := remote.NewHub()
	a, b := newDevice(t, hub, "a"), newDevice(t, hub, "b")

	p := a.create(t, nil, "parent")
	c := a.create(t, p, "child")
	require.NoError(t, a.disp.FlushNow(ctx))

	child, err := b.provider.GetThought(ctx, c.Head())
	require.NoError(t, err)
	require.NoError(t, NewPuller(b.store, b.provider).Absorb(ctx, remote.Change{
		Thoughts: graph.ThoughtPatch{c.Head(): child},
	}))

	ix := b.store.Snapshot().Thoughts
	_, ok := graph.ThoughtByID(ix, p.Head())
	assert.True(t, ok, "parent fetched")
	_, ok = graph.LexemeByValue(ix, "parent")
	assert.True(t, ok, "parent lexeme fetched")
	_, ok = graph.LexemeByValue(ix, "child")
	assert.True(t, ok, "child lexeme fetched")
	assertConsistent(t, b.store.Snapshot())
}

func TestPuller_SkipsOlderRecordsAndRepairsCursor(t *testing.T) {
	ctx := context.Background()
	hub := remote.NewHub()
	b := newDevice(t, hub, "b")
	b.producer.Clock = func() time.Time { return epoch.Add(time.Hour) }

	p := b.create(t, nil, "parent")
	c := b.create(t, p, "child")
	require.Equal(t, c, b.store.Snapshot().Cursor)
	puller := NewPuller(b.store, b.provider)

	ix := b.store.Snapshot().Thoughts
	stale := ix.Thoughts[c.Head()].Clone()
	stale.Value = "stale"
	stale.LastUpdated = epoch
	require.NoError(t, puller.Absorb(ctx, remote.Change{Thoughts: graph.ThoughtPatch{c.Head(): stale}}))
	th, _ := graph.ThoughtByID(b.store.Snapshot().Thoughts, c.Head())
	assert.Equal(t, "child", th.Value)

	// another device deletes the child under the cursor
	parent := ix.Thoughts[p.Head()].Clone()
	delete(parent.ChildrenMap, c.Head())
	parent.LastUpdated = epoch.Add(2 * time.Hour)
	require.NoError(t, puller.Absorb(ctx, remote.Change{
		Thoughts: graph.ThoughtPatch{p.Head(): parent, c.Head(): nil},
		Lexemes:  graph.LexemePatch{"child": nil},
	}))
	s := b.store.Snapshot()
	assert.Equal(t, p, s.Cursor)
	assertConsistent(t, s)

	// tombstones for records this device never had are ignored
	before := b.store.Snapshot()
	require.NoError(t, puller.Absorb(ctx, remote.Change{Thoughts: graph.ThoughtPatch{"unknown": nil}}))
	assert.Same(t, before, b.store.Snapshot())
}

func TestPuller_OnSnapshot(t *testing.T) {
	hub := remote.NewHub()
	b := newDevice(t, hub, "b")
	puller := NewPuller(b.store, b.provider)
	called := make(chan struct{}, 1)
	puller.OnSnapshot = func() { called <- struct{}{} }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = puller.Run(ctx) }()

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("snapshot not reported")
	}
}

func TestDispatcher_FlushLocal(t *testing.T) {
	ctx := context.Background()
	log := &callLog{}
	local := newMemLocal(log)
	s, err := engine.Apply(engine.NewState(), engine.Update{Thoughts: engine.Roots(epoch)})
	require.NoError(t, err)
	store := engine.NewStore(s)
	d := NewDispatcher(store, local, nil)
	defer d.Close(ctx)

	p := &intent.Producer{By: "a"}
	up, id, err := p.Create(store.Snapshot(), nil, "offline")
	require.NoError(t, err)
	_, err = store.Apply(up)
	require.NoError(t, err)
	_, err = store.Apply(engine.Update{Thoughts: graph.ThoughtPatch{"x": nil}, Local: true})
	require.NoError(t, err)

	require.NoError(t, d.FlushLocal(ctx))
	assert.Equal(t, []string{"local", "local"}, log.get())
	assert.NotNil(t, local.lexeme("offline"))

	queue := store.TakeQueue()
	require.Len(t, queue, 1, "local-only batches are done")
	assert.False(t, queue[0].Local)
	assert.True(t, queue[0].Remote)
	assert.Contains(t, queue[0].Thoughts, id)
}

func TestPuller_DropsRecordsBelowUnpushedDeletes(t *testing.T) {
	ctx := context.Background()
	hub := remote.NewHub()
	a := newDevice(t, hub, "a")

	x := a.create(t, nil, "x")
	y := a.create(t, x, "y")
	require.NoError(t, a.disp.FlushNow(ctx))

	// the remote still has x and y until the delete is pushed
	remoteHome, err := a.provider.GetThought(ctx, graph.HomeToken)
	require.NoError(t, err)
	remoteX, err := a.provider.GetThought(ctx, x.Head())
	require.NoError(t, err)
	remoteY, err := a.provider.GetThought(ctx, y.Head())
	require.NoError(t, err)
	remoteLexX, err := a.provider.GetLexeme(ctx, "x")
	require.NoError(t, err)

	_, err = intent.Commit(a.store, func(s *engine.State) ([]engine.Update, error) {
		return a.producer.Delete(s, x)
	})
	require.NoError(t, err)
	deleting := a.disp.Deleting()
	assert.True(t, deleting[x.Head()])
	assert.True(t, deleting[y.Head()])

	later := time.Now().Add(time.Hour)
	edited := remoteY.Clone()
	edited.Value = "y edited"
	edited.LastUpdated = later
	home := remoteHome.Clone()
	home.LastUpdated = later
	puller := NewPuller(a.store, a.provider)
	puller.Deleting = a.disp.Deleting

	require.NoError(t, puller.Absorb(ctx, remote.Change{
		Thoughts: graph.ThoughtPatch{y.Head(): edited}, // parent x is gone locally
	}))
	require.NoError(t, puller.Absorb(ctx, remote.Change{
		Thoughts: graph.ThoughtPatch{graph.HomeToken: home, x.Head(): remoteX, y.Head(): edited},
		Lexemes:  graph.LexemePatch{"x": remoteLexX},
		Snapshot: true,
	}))

	s := a.store.Snapshot()
	for _, id := range []string{x.Head(), y.Head()} {
		_, ok := graph.ThoughtByID(s.Thoughts, id)
		assert.False(t, ok, "%s came back", id)
	}
	assert.NotContains(t, graph.ChildIDs(s.Thoughts, graph.HomeToken), x.Head())
	_, ok := graph.LexemeByValue(s.Thoughts, "x")
	assert.False(t, ok)
	report := graph.Audit(s.Thoughts)
	assert.True(t, report.OK(), report.String())
	assertConsistent(t, s)

	require.NoError(t, a.disp.FlushNow(ctx))
	assert.Empty(t, a.disp.Deleting(), "pushed deletes are no longer pending")
	_, err = a.provider.GetThought(ctx, x.Head())
	assert.ErrorIs(t, err, graph.ErrNotFound)
	a.local.mu.Lock()
	_, ok = a.local.ix.Thoughts[x.Head()]
	a.local.mu.Unlock()
	assert.False(t, ok, "x is not written back locally")
}
