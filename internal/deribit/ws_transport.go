package deribit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// WSTransport sends JSON-RPC 2.0 requests over a single websocket connection.
// Requests are multiplexed: writes are serialized, and one read loop per
// connection hands each response to the request with the matching id.
// The connection is dialed lazily and redialed after it breaks.
type WSTransport struct {
	endpoint     string
	dialer       websocket.Dialer
	writeTimeout time.Duration

	mu        sync.Mutex // guards session, serializes writes
	session   *wsSession
	requestID atomic.Uint64
}

// wsSession is one connection and the requests waiting on it.
type wsSession struct {
	conn *websocket.Conn
	done chan struct{} // closed when the read loop exits
	err  error         // read error, set before done is closed

	mu      sync.Mutex
	pending map[uint64]chan []byte
}

// NewWSTransport creates a websocket transport for endpoint.
func NewWSTransport(endpoint string) *WSTransport {
	if endpoint == "" {
		endpoint = DefaultWSURL
	}
	return &WSTransport{
		endpoint:     endpoint,
		dialer:       websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		writeTimeout: 10 * time.Second,
	}
}

type wsRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  Params `json:"params,omitempty"`
}

// Do implements Transport. The returned body is the full JSON-RPC response.
// A request that times out is abandoned; the connection stays up for others.
func (t *WSTransport) Do(ctx context.Context, method string, params Params) ([]byte, error) {
	reqID := t.requestID.Add(1)
	respCh := make(chan []byte, 1)

	t.mu.Lock()
	s, err := t.sessionLocked(ctx)
	if err != nil {
		t.mu.Unlock()
		return nil, err
	}
	s.register(reqID, respCh)

	req := wsRequest{JSONRPC: "2.0", ID: reqID, Method: method, Params: params}
	_ = s.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	err = s.conn.WriteJSON(req)
	if err != nil {
		t.dropLocked(s)
	}
	t.mu.Unlock()

	if err != nil {
		s.unregister(reqID)
		return nil, fmt.Errorf("write request: %w", err)
	}

	select {
	case msg := <-respCh:
		return msg, nil
	case <-s.done:
		s.unregister(reqID)
		select {
		case msg := <-respCh:
			return msg, nil
		default:
		}
		return nil, fmt.Errorf("read response: %w", s.err)
	case <-ctx.Done():
		s.unregister(reqID)
		return nil, ctx.Err()
	}
}

// Close closes the underlying connection, if any.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.session == nil {
		return nil
	}
	err := t.session.conn.Close()
	t.session = nil
	return err
}

func (t *WSTransport) sessionLocked(ctx context.Context) (*wsSession, error) {
	if t.session != nil {
		return t.session, nil
	}
	conn, _, err := t.dialer.DialContext(ctx, t.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	s := &wsSession{
		conn:    conn,
		done:    make(chan struct{}),
		pending: make(map[uint64]chan []byte),
	}
	t.session = s
	go t.readLoop(s)
	return s, nil
}

// dropLocked forgets s and closes its connection; the read loop then exits.
func (t *WSTransport) dropLocked(s *wsSession) {
	if t.session == s {
		t.session = nil
	}
	_ = s.conn.Close()
}

// readLoop dispatches responses by id until the connection fails.
func (t *WSTransport) readLoop(s *wsSession) {
	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			t.dropLocked(s)
			t.mu.Unlock()

			s.err = err
			close(s.done)
			return
		}

		var hdr struct {
			ID *uint64 `json:"id"`
		}
		// Notifications carry no id; stale responses have no waiter.
		if err := json.Unmarshal(msg, &hdr); err != nil || hdr.ID == nil {
			continue
		}
		if ch, ok := s.take(*hdr.ID); ok {
			ch <- msg
		}
	}
}

func (s *wsSession) register(id uint64, ch chan []byte) {
	s.mu.Lock()
	s.pending[id] = ch
	s.mu.Unlock()
}

func (s *wsSession) unregister(id uint64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func (s *wsSession) take(id uint64) (chan []byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.pending[id]
	delete(s.pending, id)
	return ch, ok
}
