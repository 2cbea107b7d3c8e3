package remote

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/agentic-research/thoughtspace/api"
	"github.com/agentic-research/thoughtspace/internal/graph"
)

type RelaySettings struct {
	HelloTimeout time.Duration
	PingTimeout  time.Duration
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	// SendBuffer is the number of messages queued per peer. A peer that falls
	// further behind is dropped and must reconnect.
	SendBuffer int
}

func DefaultRelaySettings() *RelaySettings {
	return &RelaySettings{
		HelloTimeout: 5 * time.Second,
		PingTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		ReadTimeout:  15 * time.Second,
		SendBuffer:   256,
	}
}

// Relay is the server side of Client. It holds the records of every space in
// memory and fans out pushes to the other peers of the same space.
type Relay struct {
	secret   []byte
	settings *RelaySettings
	upgrader websocket.Upgrader

	// Open, when set, returns the durable store of a space. It is called
	// once per space, when its first peer joins.
	Open func(space string) (RelayStore, error)

	mu     sync.Mutex
	spaces map[string]*relaySpace
}

// RelayStore persists the records of one space across relay restarts.
type RelayStore interface {
	Load(ctx context.Context) (graph.Indices, error)
	WriteBatch(ctx context.Context, thoughts graph.ThoughtPatch, lexemes graph.LexemePatch) error
	Close() error
}

type relaySpace struct {
	records map[string]api.Record
	peers   map[*relayPeer]struct{}
	store   RelayStore
}

type relayPeer struct {
	device string
	send   chan api.Message
	cancel context.CancelFunc
}

// NewRelay returns a relay that verifies tokens against secret. With an
// empty secret every client may join the space it names in its hello.
func NewRelay(secret []byte, settings *RelaySettings) *Relay {
	return &Relay{
		secret:   secret,
		settings: settings,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		spaces: map[string]*relaySpace{},
	}
}

func recordKey(r api.Record) string {
	return r.Kind + "/" + r.Key
}

func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		glog.Infof("[relay]upgrade: %v", err)
		return
	}
	defer ws.Close()

	ws.SetReadDeadline(time.Now().Add(r.settings.HelloTimeout))
	var hello api.Message
	if err := ws.ReadJSON(&hello); err != nil || hello.Type != api.TypeHello {
		glog.Infof("[relay]bad hello: %v", err)
		return
	}
	space, err := r.authorize(req, hello)
	if err != nil {
		glog.Infof("[relay]%s: %v", hello.Device, err)
		ws.SetWriteDeadline(time.Now().Add(r.settings.WriteTimeout))
		ws.WriteJSON(api.Message{Type: api.TypeError, Error: api.ErrorUnauthorized})
		return
	}

	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()
	peer := &relayPeer{
		device: hello.Device,
		send:   make(chan api.Message, r.settings.SendBuffer),
		cancel: cancel,
	}
	if err := r.join(ctx, space, peer); err != nil {
		glog.Errorf("[relay]open %s: %v", space, err)
		ws.SetWriteDeadline(time.Now().Add(r.settings.WriteTimeout))
		ws.WriteJSON(api.Message{Type: api.TypeError, Error: api.ErrorUnavailable})
		return
	}
	defer r.leave(space, peer)
	glog.V(1).Infof("[relay]%s joined %s", peer.device, space)

	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-peer.send:
				ws.SetWriteDeadline(time.Now().Add(r.settings.WriteTimeout))
				if err := ws.WriteJSON(msg); err != nil {
					return
				}
			case <-time.After(r.settings.PingTimeout):
				if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(r.settings.WriteTimeout)); err != nil {
					return
				}
			}
		}
	}()

	go func() {
		defer cancel()
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(r.settings.ReadTimeout))
		})
		for {
			ws.SetReadDeadline(time.Now().Add(r.settings.ReadTimeout))
			var msg api.Message
			if err := ws.ReadJSON(&msg); err != nil {
				return
			}
			r.handle(space, peer, msg)
		}
	}()

	<-ctx.Done()
	glog.V(1).Infof("[relay]%s left %s", peer.device, space)
}

func (r *Relay) authorize(req *http.Request, hello api.Message) (string, error) {
	if len(r.secret) == 0 {
		if hello.Space == "" {
			return "default", nil
		}
		return hello.Space, nil
	}
	claims, err := VerifyToken(r.secret, bearerToken(req))
	if err != nil {
		return "", err
	}
	if hello.Space != "" && hello.Space != claims.Space {
		return "", ErrUnauthorized
	}
	return claims.Space, nil
}

// join registers peer and queues the snapshot under the same lock as
// pushes, so the peer sees every write exactly once.
func (r *Relay) join(ctx context.Context, space string, peer *relayPeer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.spaces[space]
	if !ok {
		var err error
		if s, err = r.openSpace(ctx, space); err != nil {
			return err
		}
		r.spaces[space] = s
	}
	s.peers[peer] = struct{}{}

	records := make([]api.Record, 0, len(s.records))
	for _, rec := range s.records {
		records = append(records, rec)
	}
	r.enqueue(peer, api.Message{Type: api.TypeSnapshot, Records: records})
	r.enqueue(peer, api.Message{Type: api.TypeSynced})
	return nil
}

func (r *Relay) openSpace(ctx context.Context, space string) (*relaySpace, error) {
	s := &relaySpace{records: map[string]api.Record{}, peers: map[*relayPeer]struct{}{}}
	if r.Open == nil {
		return s, nil
	}
	store, err := r.Open(space)
	if err != nil {
		return nil, err
	}
	ix, err := store.Load(ctx)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	records, err := EncodeRecords(graph.ThoughtPatch(ix.Thoughts), graph.LexemePatch(ix.Lexemes))
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	for _, rec := range records {
		s.records[recordKey(rec)] = rec
	}
	s.store = store
	glog.Infof("[relay]loaded %d records for %s", len(records), space)
	return s, nil
}

// Close releases the durable stores of every space.
func (r *Relay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for _, s := range r.spaces {
		if s.store != nil {
			errs = append(errs, s.store.Close())
		}
	}
	r.spaces = map[string]*relaySpace{}
	return errors.Join(errs...)
}

func (r *Relay) leave(space string, peer *relayPeer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.spaces[space]; ok {
		delete(s.peers, peer)
	}
}

// enqueue must be called with r.mu held.
func (r *Relay) enqueue(peer *relayPeer, msg api.Message) {
	select {
	case peer.send <- msg:
	default:
		glog.Warningf("[relay]%s send buffer full, dropping peer", peer.device)
		peer.cancel()
	}
}

func (r *Relay) handle(space string, peer *relayPeer, msg api.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.spaces[space]

	switch msg.Type {
	case api.TypePush:
		if err := r.persist(s, msg.Records); err != nil {
			glog.Errorf("[relay]persist %s: %v", space, err)
			r.enqueue(peer, api.Message{Type: api.TypeError, ID: msg.ID, Error: api.ErrorUnavailable})
			return
		}
		for _, rec := range msg.Records {
			if rec.Deleted() {
				delete(s.records, recordKey(rec))
			} else {
				s.records[recordKey(rec)] = rec
			}
		}
		r.enqueue(peer, api.Message{Type: api.TypeAck, ID: msg.ID})
		change := api.Message{Type: api.TypeChange, Records: msg.Records}
		for p := range s.peers {
			if p != peer {
				r.enqueue(p, change)
			}
		}
	case api.TypeGet:
		if len(msg.Records) != 1 {
			r.enqueue(peer, api.Message{Type: api.TypeError, ID: msg.ID, Error: api.ErrorBadRequest})
			return
		}
		rec, ok := s.records[recordKey(msg.Records[0])]
		if !ok {
			r.enqueue(peer, api.Message{Type: api.TypeError, ID: msg.ID, Error: api.ErrorNotFound})
			return
		}
		r.enqueue(peer, api.Message{Type: api.TypeRecord, ID: msg.ID, Records: []api.Record{rec}})
	default:
		r.enqueue(peer, api.Message{Type: api.TypeError, ID: msg.ID, Error: api.ErrorBadRequest})
	}
}

func (r *Relay) persist(s *relaySpace, records []api.Record) error {
	if s.store == nil {
		return nil
	}
	thoughts, lexemes, err := DecodeRecords(records)
	if err != nil {
		return err
	}
	return s.store.WriteBatch(context.Background(), thoughts, lexemes)
}
