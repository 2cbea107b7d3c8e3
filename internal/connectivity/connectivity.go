// Package connectivity derives a user-facing connection state from the raw
// status events of a remote provider.
//
// The raw stream only knows connecting, connected and disconnected. The
// derived state adds the first connection attempt (preconnecting,
// connecting) and a delayed offline state, so that a short network blip
// shows as reconnecting rather than offline.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/agentic-research/thoughtspace/internal/remote"
)

type State string

const (
	Preconnecting State = "preconnecting"
	Connecting    State = "connecting"
	Connected     State = "connected"
	Reconnecting  State = "reconnecting"
	Offline       State = "offline"
)

const (
	DefaultOfflineAfter = 8 * time.Second
	// DefaultGrace is how long Start waits before showing the first
	// connection attempt.
	DefaultGrace = 500 * time.Millisecond
)

// Machine is safe for concurrent use. Subscribers are called outside the
// state lock, in transition order, and may call back into the machine.
type Machine struct {
	offlineAfter time.Duration

	mu      sync.Mutex
	state   State
	timer   *time.Timer
	seq     uint64
	nextSub int
	subs    map[int]func(State)
	closed  bool

	queue      []State
	delivering bool
}

// New returns a machine that starts in Connected when the provider is
// already connected, else in Preconnecting.
func New(connected bool, offlineAfter time.Duration) *Machine {
	if offlineAfter <= 0 {
		offlineAfter = DefaultOfflineAfter
	}
	state := Preconnecting
	if connected {
		state = Connected
	}
	return &Machine{
		offlineAfter: offlineAfter,
		state:        state,
		subs:         map[int]func(State){},
	}
}

func (m *Machine) Status() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe registers fn for every state change and returns a function that
// removes it.
func (m *Machine) Subscribe(fn func(State)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// update runs fn under the lock and publishes the result if it changed.
// Notifications are queued and delivered by one caller at a time, so a
// subscriber may call back into the machine; its change is published after
// the current one.
func (m *Machine) update(reason string, fn func(old State) State) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	old := m.state
	next := fn(old)
	m.state = next
	if next != old {
		glog.V(1).Infof("[connectivity]%s: %s -> %s", reason, old, next)
		m.queue = append(m.queue, next)
	}
	if m.delivering || len(m.queue) == 0 {
		m.mu.Unlock()
		return
	}
	m.delivering = true
	for len(m.queue) > 0 {
		state := m.queue[0]
		m.queue = m.queue[1:]
		subs := make([]func(State), 0, len(m.subs))
		for _, fn := range m.subs {
			subs = append(subs, fn)
		}
		m.mu.Unlock()
		for _, fn := range subs {
			fn(state)
		}
		m.mu.Lock()
	}
	m.delivering = false
	m.mu.Unlock()
}

// startTimer must be called with m.mu held.
func (m *Machine) startTimer() {
	m.stopTimer()
	m.seq++
	seq := m.seq
	m.timer = time.AfterFunc(m.offlineAfter, func() {
		m.update("offline timeout", func(old State) State {
			if seq != m.seq {
				return old
			}
			m.timer = nil
			return Offline
		})
	})
}

// stopTimer must be called with m.mu held.
func (m *Machine) stopTimer() {
	// a callback that already fired sees a stale seq and does nothing
	m.seq++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// Start begins the first connection attempt after grace: Preconnecting
// becomes Connecting and the offline timer starts. It does nothing if the
// machine has left Preconnecting by then.
func (m *Machine) Start(grace time.Duration) {
	time.AfterFunc(grace, func() {
		m.update("start", func(old State) State {
			if old != Preconnecting {
				return old
			}
			m.startTimer()
			return Connecting
		})
	})
}

// HandleStatus applies one raw provider status.
func (m *Machine) HandleStatus(s remote.Status) {
	switch s {
	case remote.StatusConnecting:
		m.update(string(s), func(old State) State {
			switch old {
			case Preconnecting, Connecting, Offline:
				return old
			}
			m.stopTimer()
			return Reconnecting
		})
	case remote.StatusConnected:
		m.update(string(s), func(old State) State {
			if old == Preconnecting {
				return old
			}
			m.stopTimer()
			return Connected
		})
	case remote.StatusDisconnected:
		m.update(string(s), func(State) State {
			m.startTimer()
			return Reconnecting
		})
	case remote.StatusSynced:
		m.Synced()
	default:
		glog.Warningf("[connectivity]unknown status %q", s)
	}
}

// Synced reports that the provider finished its initial sync. It releases a
// Preconnecting or Connecting machine into Connected.
func (m *Machine) Synced() {
	m.update("synced", func(old State) State {
		if old != Preconnecting && old != Connecting {
			return old
		}
		m.stopTimer()
		return Connected
	})
}

// LocalCacheReady reports that the local store finished loading. With
// content under the home root, a first connection attempt is shown as
// Reconnecting so the cached thoughts are usable.
func (m *Machine) LocalCacheReady(hasContent bool) {
	if !hasContent {
		return
	}
	m.update("local cache", func(old State) State {
		if old == Preconnecting || old == Connecting {
			return Reconnecting
		}
		return old
	})
}

// Run feeds provider events into the machine until ctx is done or events is
// closed.
func (m *Machine) Run(ctx context.Context, events <-chan remote.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if e.Err != nil {
				glog.V(1).Infof("[connectivity]%s: %v", e.Status, e.Err)
			}
			m.HandleStatus(e.Status)
		}
	}
}

// Close cancels the offline timer. The state is frozen afterwards.
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.stopTimer()
}
