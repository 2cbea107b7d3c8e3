package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/oklog/ulid/v2"

	"github.com/agentic-research/thoughtspace/api"
	"github.com/agentic-research/thoughtspace/internal/graph"
)

type ClientSettings struct {
	HandshakeTimeout time.Duration
	ReconnectTimeout time.Duration
	PingTimeout      time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	RequestTimeout   time.Duration
	// CacheSize bounds each of the thought and lexeme read caches.
	CacheSize int
}

func DefaultClientSettings() *ClientSettings {
	return &ClientSettings{
		HandshakeTimeout: 2 * time.Second,
		ReconnectTimeout: 5 * time.Second,
		PingTimeout:      5 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadTimeout:      15 * time.Second,
		RequestTimeout:   10 * time.Second,
		CacheSize:        4096,
	}
}

// Client is a Provider backed by a Relay over a websocket. It reconnects on
// its own until closed; every (re)connection replays the space snapshot.
type Client struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	url      string
	auth     *ClientAuth
	settings *ClientSettings

	events  chan Event
	changes chan Change

	mu      sync.Mutex
	send    chan api.Message
	pending map[string]chan api.Message

	thoughts *lru.Cache[string, *graph.Thought]
	lexemes  *lru.Cache[string, *graph.Lexeme]
}

var _ Provider = (*Client)(nil)

func NewClientWithDefaults(ctx context.Context, url string, auth *ClientAuth) (*Client, error) {
	return NewClient(ctx, url, auth, DefaultClientSettings())
}

func NewClient(ctx context.Context, url string, auth *ClientAuth, settings *ClientSettings) (*Client, error) {
	thoughts, err := lru.New[string, *graph.Thought](settings.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("thought cache: %w", err)
	}
	lexemes, err := lru.New[string, *graph.Lexeme](settings.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("lexeme cache: %w", err)
	}
	cancelCtx, cancel := context.WithCancel(ctx)
	c := &Client{
		ctx:      cancelCtx,
		cancel:   cancel,
		done:     make(chan struct{}),
		url:      url,
		auth:     auth,
		settings: settings,
		events:   make(chan Event, 16),
		changes:  make(chan Change, 16),
		pending:  map[string]chan api.Message{},
		thoughts: thoughts,
		lexemes:  lexemes,
	}
	go c.run()
	return c, nil
}

func (c *Client) Events() <-chan Event { return c.events }

func (c *Client) Changes() <-chan Change { return c.changes }

func (c *Client) emit(e Event) {
	select {
	case c.events <- e:
	case <-c.ctx.Done():
	}
}

func (c *Client) run() {
	defer close(c.done)

	space, err := c.auth.Space()
	if err != nil {
		glog.Errorf("[remote]%v", err)
		c.emit(Event{Status: StatusDisconnected, Err: err})
		return
	}

	// Events report transitions, not attempts: retries during an outage are
	// silent so the offline timer started by the first disconnect can fire.
	down := false
	for {
		if !down {
			c.emit(Event{Status: StatusConnecting})
		}
		ws, err := c.connect(space)
		if err != nil {
			glog.Infof("[remote]connect %s: %v", c.url, err)
			if !down {
				c.emit(Event{Status: StatusDisconnected, Err: err})
			}
		} else {
			c.emit(Event{Status: StatusConnected})
			err = c.serve(ws)
			c.failPending()
			c.emit(Event{Status: StatusDisconnected, Err: err})
		}
		down = true

		select {
		case <-c.ctx.Done():
			return
		case <-time.After(c.settings.ReconnectTimeout):
		}
	}
}

func (c *Client) connect(space string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.settings.HandshakeTimeout}
	ws, _, err := dialer.DialContext(c.ctx, c.url, c.auth.header())
	if err != nil {
		return nil, err
	}
	ws.SetWriteDeadline(time.Now().Add(c.settings.WriteTimeout))
	hello := api.Message{Type: api.TypeHello, Space: space, Device: c.auth.Device}
	if err := ws.WriteJSON(hello); err != nil {
		ws.Close()
		return nil, err
	}
	return ws, nil
}

// serve runs one connection until it fails or the client closes.
func (c *Client) serve(ws *websocket.Conn) error {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(c.ctx)
	defer handleCancel()

	send := make(chan api.Message, 16)
	c.mu.Lock()
	c.send = send
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.send = nil
		c.mu.Unlock()
	}()

	go func() {
		defer handleCancel()
		for {
			select {
			case <-handleCtx.Done():
				return
			case msg := <-send:
				ws.SetWriteDeadline(time.Now().Add(c.settings.WriteTimeout))
				if err := ws.WriteJSON(msg); err != nil {
					glog.Infof("[remote]-> %s error = %v", msg.Type, err)
					return
				}
				glog.V(2).Infof("[remote]-> %s %s", msg.Type, msg.ID)
			case <-time.After(c.settings.PingTimeout):
				if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.settings.WriteTimeout)); err != nil {
					return
				}
			}
		}
	}()

	readErr := make(chan error, 1)
	go func() {
		defer handleCancel()
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(c.settings.ReadTimeout))
		})
		for {
			ws.SetReadDeadline(time.Now().Add(c.settings.ReadTimeout))
			var msg api.Message
			if err := ws.ReadJSON(&msg); err != nil {
				readErr <- err
				return
			}
			if err := c.handle(handleCtx, msg); err != nil {
				readErr <- err
				return
			}
		}
	}()

	<-handleCtx.Done()
	select {
	case err := <-readErr:
		return err
	default:
		return handleCtx.Err()
	}
}

func (c *Client) handle(ctx context.Context, msg api.Message) error {
	glog.V(2).Infof("[remote]<- %s %s", msg.Type, msg.ID)
	switch msg.Type {
	case api.TypeSnapshot, api.TypeChange:
		thoughts, lexemes, err := DecodeRecords(msg.Records)
		if err != nil {
			return err
		}
		c.cache(thoughts, lexemes)
		change := Change{Thoughts: thoughts, Lexemes: lexemes, Snapshot: msg.Type == api.TypeSnapshot}
		select {
		case c.changes <- change:
		case <-ctx.Done():
			return ctx.Err()
		}
	case api.TypeSynced:
		c.emit(Event{Status: StatusSynced})
	case api.TypeError:
		if msg.ID == "" {
			return fmt.Errorf("relay: %s", msg.Error)
		}
		c.resolve(msg)
	default:
		c.resolve(msg)
	}
	return nil
}

func (c *Client) resolve(msg api.Message) {
	c.mu.Lock()
	ch, ok := c.pending[msg.ID]
	delete(c.pending, msg.ID)
	c.mu.Unlock()
	if ok {
		ch <- msg
	}
}

func (c *Client) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		ch <- api.Message{Type: api.TypeError, ID: id, Error: ErrOffline.Error()}
		delete(c.pending, id)
	}
}

func (c *Client) cache(thoughts graph.ThoughtPatch, lexemes graph.LexemePatch) {
	for id, t := range thoughts {
		if t == nil {
			c.thoughts.Remove(id)
		} else {
			c.thoughts.Add(id, t)
		}
	}
	for key, l := range lexemes {
		if l == nil {
			c.lexemes.Remove(key)
		} else {
			c.lexemes.Add(key, l)
		}
	}
}

// request sends msg and waits for the response with the same id.
func (c *Client) request(ctx context.Context, msg api.Message) (api.Message, error) {
	msg.ID = ulid.Make().String()
	ch := make(chan api.Message, 1)

	c.mu.Lock()
	send := c.send
	if send == nil {
		c.mu.Unlock()
		return api.Message{}, ErrOffline
	}
	c.pending[msg.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, msg.ID)
		c.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, c.settings.RequestTimeout)
	defer cancel()
	select {
	case send <- msg:
	case <-ctx.Done():
		return api.Message{}, ctx.Err()
	}
	select {
	case resp := <-ch:
		if resp.Type == api.TypeError {
			return resp, wireError(resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		return api.Message{}, ctx.Err()
	}
}

func wireError(code string) error {
	switch code {
	case api.ErrorNotFound:
		return graph.ErrNotFound
	case api.ErrorUnauthorized:
		return ErrUnauthorized
	case ErrOffline.Error():
		return ErrOffline
	}
	return errors.New(code)
}

func (c *Client) get(ctx context.Context, kind, key string) (api.Record, error) {
	resp, err := c.request(ctx, api.Message{Type: api.TypeGet, Records: []api.Record{{Kind: kind, Key: key}}})
	if err != nil {
		return api.Record{}, fmt.Errorf("get %s %s: %w", kind, key, err)
	}
	if len(resp.Records) == 0 || resp.Records[0].Deleted() {
		return api.Record{}, fmt.Errorf("get %s %s: %w", kind, key, graph.ErrNotFound)
	}
	return resp.Records[0], nil
}

func (c *Client) GetThought(ctx context.Context, id string) (*graph.Thought, error) {
	if t, ok := c.thoughts.Get(id); ok {
		return t, nil
	}
	r, err := c.get(ctx, api.KindThought, id)
	if err != nil {
		return nil, err
	}
	t, err := decodeRecord[graph.Thought](r)
	if err != nil {
		return nil, err
	}
	c.thoughts.Add(id, t)
	return t, nil
}

func (c *Client) GetLexeme(ctx context.Context, key string) (*graph.Lexeme, error) {
	if l, ok := c.lexemes.Get(key); ok {
		return l, nil
	}
	r, err := c.get(ctx, api.KindLexeme, key)
	if err != nil {
		return nil, err
	}
	l, err := decodeRecord[graph.Lexeme](r)
	if err != nil {
		return nil, err
	}
	c.lexemes.Add(key, l)
	return l, nil
}

func (c *Client) Push(ctx context.Context, thoughts graph.ThoughtPatch, lexemes graph.LexemePatch) error {
	records, err := EncodeRecords(thoughts, lexemes)
	if err != nil {
		return err
	}
	if _, err := c.request(ctx, api.Message{Type: api.TypePush, Records: records}); err != nil {
		return fmt.Errorf("push: %w", err)
	}
	c.cache(thoughts, lexemes)
	return nil
}

func (c *Client) Close() error {
	c.cancel()
	<-c.done
	return nil
}
