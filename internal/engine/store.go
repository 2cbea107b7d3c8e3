package engine

import (
	"errors"
	"slices"
	"sync"

	"github.com/golang/glog"
)

// ErrClosed is returned by writes to a closed Store.
var ErrClosed = errors.New("store closed")

// Store is the process-wide owner of the current State. Writers are
// serialized; readers get immutable snapshots and never observe a partially
// applied update.
type Store struct {
	mu     sync.RWMutex
	state  *State
	closed bool

	nextSub int
	subs    map[int]func(*State)
}

// NewStore returns a store holding initial, or an empty state when nil.
func NewStore(initial *State) *Store {
	if initial == nil {
		initial = NewState()
	}
	return &Store{state: initial, subs: map[int]func(*State){}}
}

// Snapshot returns the current state.
func (s *Store) Snapshot() *State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Apply runs Apply against the current state and publishes the result.
func (s *Store) Apply(in Update) (*State, error) {
	return s.Do(func(st *State) (*State, error) { return Apply(st, in) })
}

// Do runs fn with the current state under the write lock. The returned state
// replaces the current one unless fn fails. Subscribers are called before Do
// returns and must not call back into the Store.
func (s *Store) Do(fn func(*State) (*State, error)) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s.state, ErrClosed
	}
	next, err := fn(s.state)
	if err != nil {
		return s.state, err
	}
	s.swap(next)
	return next, nil
}

func (s *Store) swap(next *State) {
	if next == s.state {
		return
	}
	s.state = next
	for _, fn := range s.subs {
		fn(next)
	}
}

// TakeQueue removes and returns every queued sync batch, oldest first.
// Subscribers see the drained state, as they do for Requeue.
func (s *Store) TakeQueue() []SyncBatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	queue := s.state.PushQueue
	if len(queue) == 0 {
		return nil
	}
	next := s.state.clone()
	next.PushQueue = nil
	s.swap(next)
	return queue
}

// Requeue puts batches that could not be flushed back at the head of the
// queue, ahead of anything queued since they were taken.
func (s *Store) Requeue(batches []SyncBatch) {
	if len(batches) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	glog.V(1).Infof("requeue %d batches", len(batches))
	next := s.state.clone()
	next.PushQueue = append(slices.Clone(batches), s.state.PushQueue...)
	s.swap(next)
}

// Subscribe registers fn to be called with every new state. The returned
// function removes the subscription.
func (s *Store) Subscribe(fn func(*State)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

// Close rejects further writes. Snapshots stay readable.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.closed = true
	s.subs = map[int]func(*State){}
	return nil
}
