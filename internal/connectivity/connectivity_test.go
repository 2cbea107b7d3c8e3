package connectivity

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentic-research/thoughtspace/internal/remote"
)

func TestNew_InitialState(t *testing.T) {
	assert.Equal(t, Connected, New(true, time.Second).Status())
	assert.Equal(t, Preconnecting, New(false, time.Second).Status())
}

func TestHandleStatus_Transitions(t *testing.T) {
	tests := []struct {
		from State
		in   remote.Status
		want State
	}{
		{Preconnecting, remote.StatusConnecting, Preconnecting},
		{Connecting, remote.StatusConnecting, Connecting},
		{Offline, remote.StatusConnecting, Offline},
		{Connected, remote.StatusConnecting, Reconnecting},
		{Reconnecting, remote.StatusConnecting, Reconnecting},
		{Preconnecting, remote.StatusConnected, Preconnecting},
		{Connecting, remote.StatusConnected, Connected},
		{Reconnecting, remote.StatusConnected, Connected},
		{Offline, remote.StatusConnected, Connected},
		{Preconnecting, remote.StatusDisconnected, Reconnecting},
		{Connected, remote.StatusDisconnected, Reconnecting},
		{Offline, remote.StatusDisconnected, Reconnecting},
		{Preconnecting, remote.StatusSynced, Connected},
		{Connecting, remote.StatusSynced, Connected},
		{Reconnecting, remote.StatusSynced, Reconnecting},
		{Offline, remote.StatusSynced, Offline},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"+"+string(tt.in), func(t *testing.T) {
			m := New(false, time.Hour)
			defer m.Close()
			m.state = tt.from
			m.HandleStatus(tt.in)
			assert.Equal(t, tt.want, m.Status())
		})
	}
}

func TestOfflineScenario(t *testing.T) {
	m := New(false, 30*time.Millisecond)
	defer m.Close()

	m.HandleStatus(remote.StatusDisconnected)
	assert.Equal(t, Reconnecting, m.Status())
	require.Eventually(t, func() bool { return m.Status() == Offline }, time.Second, 5*time.Millisecond)

	m.HandleStatus(remote.StatusConnected)
	assert.Equal(t, Connected, m.Status())
}

func TestConnectedCancelsOfflineTimer(t *testing.T) {
	m := New(false, 30*time.Millisecond)
	defer m.Close()

	m.HandleStatus(remote.StatusDisconnected)
	m.HandleStatus(remote.StatusConnected)
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, Connected, m.Status())
}

func TestDisconnectedRestartsTimer(t *testing.T) {
	m := New(true, 60*time.Millisecond)
	defer m.Close()

	m.HandleStatus(remote.StatusDisconnected)
	time.Sleep(40 * time.Millisecond)
	m.HandleStatus(remote.StatusDisconnected)
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, Reconnecting, m.Status(), "the first timer was replaced")
	require.Eventually(t, func() bool { return m.Status() == Offline }, time.Second, 5*time.Millisecond)
}

func TestLocalCacheReady(t *testing.T) {
	m := New(false, time.Hour)
	defer m.Close()
	m.LocalCacheReady(false)
	assert.Equal(t, Preconnecting, m.Status())
	m.LocalCacheReady(true)
	assert.Equal(t, Reconnecting, m.Status())

	c := New(true, time.Hour)
	c.LocalCacheReady(true)
	assert.Equal(t, Connected, c.Status())
}

func TestStart(t *testing.T) {
	m := New(false, 40*time.Millisecond)
	defer m.Close()
	m.Start(time.Millisecond)
	require.Eventually(t, func() bool { return m.Status() == Connecting }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return m.Status() == Offline }, time.Second, 5*time.Millisecond)

	s := New(true, time.Hour)
	s.Start(time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, Connected, s.Status())
}

func TestClose_FreezesState(t *testing.T) {
	m := New(false, time.Millisecond)
	m.Start(time.Millisecond)
	m.Close()
	m.HandleStatus(remote.StatusConnected)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, Preconnecting, m.Status())
}

func TestSubscribeAndRun(t *testing.T) {
	m := New(false, time.Hour)
	defer m.Close()

	var mu sync.Mutex
	var seen []State
	unsubscribe := m.Subscribe(func(s State) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, s)
	})

	events := make(chan remote.Event)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx, events)
		close(done)
	}()

	events <- remote.Event{Status: remote.StatusConnecting}
	events <- remote.Event{Status: remote.StatusConnected}
	events <- remote.Event{Status: remote.StatusSynced}
	events <- remote.Event{Status: remote.StatusDisconnected}
	cancel()
	<-done

	mu.Lock()
	assert.Equal(t, []State{Connected, Reconnecting}, seen)
	mu.Unlock()

	unsubscribe()
	m.HandleStatus(remote.StatusConnected)
	mu.Lock()
	assert.Len(t, seen, 2)
	mu.Unlock()
}

func TestSubscribe_CallbackMayUpdate(t *testing.T) {
	m := New(false, time.Hour)
	defer m.Close()

	var seen []State
	m.Subscribe(func(s State) {
		seen = append(seen, s)
		if s == Reconnecting {
			m.HandleStatus(remote.StatusConnected)
		}
	})

	done := make(chan struct{})
	go func() {
		m.HandleStatus(remote.StatusDisconnected)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("subscriber calling back into the machine deadlocked")
	}
	assert.Equal(t, []State{Reconnecting, Connected}, seen)
	assert.Equal(t, Connected, m.Status())
}

func TestRun_ProviderEvents(t *testing.T) {
	hub := remote.NewHub()
	p := hub.Connect("a")
	defer p.Close()

	m := New(false, time.Hour)
	defer m.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx, p.Events())

	require.Eventually(t, func() bool { return m.Status() == Connected }, time.Second, time.Millisecond)
	p.Disconnect()
	require.Eventually(t, func() bool { return m.Status() == Reconnecting }, time.Second, time.Millisecond)
}

func TestRun_UnreachableRelayGoesOffline(t *testing.T) {
	settings := remote.DefaultClientSettings()
	settings.ReconnectTimeout = 20 * time.Millisecond
	settings.HandshakeTimeout = 100 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c, err := remote.NewClient(ctx, "ws://127.0.0.1:1/sync", &remote.ClientAuth{SpaceName: "s"}, settings)
	require.NoError(t, err)
	defer c.Close()

	// retries come faster than the offline timeout
	m := New(false, 150*time.Millisecond)
	defer m.Close()
	go m.Run(ctx, c.Events())

	require.Eventually(t, func() bool { return m.Status() == Offline }, 3*time.Second, 5*time.Millisecond)
}
