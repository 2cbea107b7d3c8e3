package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"

	"github.com/agentic-research/thoughtspace/internal/config"
	"github.com/agentic-research/thoughtspace/internal/engine"
	"github.com/agentic-research/thoughtspace/internal/graph"
	"github.com/agentic-research/thoughtspace/internal/intent"
	"github.com/agentic-research/thoughtspace/internal/remote"
	"github.com/agentic-research/thoughtspace/internal/storage"
	"github.com/agentic-research/thoughtspace/internal/syncq"
)

var errNotInitialized = errors.New("space is not initialized; run thoughtspace init")

const metaDevice = "device"

// app is one open space: the local store, the engine state loaded from it
// and the dispatcher that persists every change.
type app struct {
	cfg        *config.Config
	local      *storage.Store
	store      *engine.Store
	producer   *intent.Producer
	dispatcher *syncq.Dispatcher
}

// openApp opens the configured space for writing and loads it. Batches left
// in the outbox by earlier runs are queued again ahead of new changes. With a
// nil provider nothing is pushed and pushes wait in the outbox.
func openApp(ctx context.Context, cfg *config.Config, provider remote.Provider) (*app, error) {
	if provider == nil {
		provider = remote.Offline{}
	}
	if _, err := os.Stat(cfg.StoreDir()); errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", cfg.Space, errNotInitialized)
	}
	local, err := storage.Open(cfg.StoreDir())
	if err != nil {
		return nil, fmt.Errorf("open space %s: %w", cfg.Space, err)
	}
	a := &app{cfg: cfg, local: local}
	if err := a.load(ctx); err != nil {
		_ = local.Close()
		return nil, err
	}
	a.dispatcher = syncq.NewDispatcher(a.store, local, provider)
	return a, nil
}

func (a *app) load(ctx context.Context) error {
	ix, err := a.local.Load(ctx)
	if err != nil {
		return err
	}
	if _, ok := ix.Thoughts[graph.HomeToken]; !ok {
		return fmt.Errorf("%s: %w", a.cfg.Space, errNotInitialized)
	}
	loaded := false
	s, err := engine.Apply(engine.NewState(), engine.Update{
		Thoughts:      graph.ThoughtPatch(ix.Thoughts),
		Lexemes:       graph.LexemePatch(ix.Lexemes),
		PreventExpand: true,
		IsLoading:     &loaded,
	})
	if err != nil {
		return fmt.Errorf("load %s: %w", a.cfg.Space, err)
	}
	a.store = engine.NewStore(s)

	outbox, err := a.local.Outbox(ctx)
	if err != nil {
		return err
	}
	a.store.Requeue(outbox)

	device, err := a.device(ctx)
	if err != nil {
		return err
	}
	a.producer = &intent.Producer{By: device}
	return nil
}

// device prefers the configured id, then the one recorded in the store, and
// records a fresh one on first use.
func (a *app) device(ctx context.Context) (string, error) {
	if a.cfg.Device != "" {
		return a.cfg.Device, nil
	}
	device, err := a.local.Meta(ctx, metaDevice)
	if err != nil || device != "" {
		return device, err
	}
	device = uuid.NewString()
	return device, a.local.SetMeta(ctx, metaDevice, device)
}

// commit applies the built updates and writes them to the local store.
func (a *app) commit(ctx context.Context, build func(*engine.State) ([]engine.Update, error)) (*engine.State, error) {
	s, err := intent.Commit(a.store, build)
	if err != nil {
		return nil, err
	}
	return s, a.dispatcher.FlushLocal(ctx)
}

// close stops the dispatcher, saves batches that were not pushed and
// releases the store.
func (a *app) close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	localErr := a.dispatcher.FlushLocal(ctx)
	if err := a.dispatcher.Close(ctx); err != nil {
		glog.V(1).Infof("final push: %v", err)
	}
	outboxErr := a.local.ReplaceOutbox(ctx, a.store.TakeQueue())
	_ = a.store.Close()
	return errors.Join(localErr, outboxErr, a.local.Close())
}

// seed creates the fixed roots of a new space. It is a no-op for a space
// that already has them. The roots carry the zero time so that the first
// sync takes the roots of devices that already have content.
func seed(ctx context.Context, local *storage.Store) (bool, error) {
	ix, err := local.Load(ctx)
	if err != nil {
		return false, err
	}
	if _, ok := ix.Thoughts[graph.HomeToken]; ok {
		return false, nil
	}
	return true, local.WriteBatch(ctx, engine.Roots(time.Time{}), nil)
}
