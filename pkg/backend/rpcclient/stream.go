package rpcclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/harun/parley/pkg/backend"
)

// OpenStream dials the websocket named by the handle
func (c *Client) OpenStream(ctx context.Context, handle backend.StreamHandle) (backend.Stream, error) {
	target, err := c.streamURL(handle)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	for k, v := range handle.Headers {
		header.Set(k, v)
	}
	if c.secret != "" && header.Get(SecretHeader) == "" {
		header.Set(SecretHeader, c.secret)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial stream: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial stream: %w", err)
	}

	s := &wsStream{
		conn:   conn,
		events: make(chan streamItem, 64),
		done:   make(chan struct{}),
	}
	go s.readLoop()

	c.logger.Debug().Str("session_id", handle.SessionID).Msg("Stream opened")
	return s, nil
}

// streamURL resolves the handle endpoint against the client base and adds
// the token.
func (c *Client) streamURL(handle backend.StreamHandle) (string, error) {
	endpoint := handle.Endpoint
	if endpoint == "" {
		endpoint = "/stream"
	}
	ref, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid stream endpoint: %w", err)
	}
	u := c.base.ResolveReference(ref)
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported stream scheme %q", u.Scheme)
	}

	q := u.Query()
	if handle.Token != "" {
		q.Set("token", handle.Token)
	}
	u.RawQuery = q.Encode()
	return strings.TrimSuffix(u.String(), "?"), nil
}

type streamItem struct {
	event backend.StreamEvent
	err   error
}

type wsStream struct {
	conn   *websocket.Conn
	events chan streamItem
	done   chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	finished  bool
}

func (s *wsStream) readLoop() {
	defer close(s.events)
	for {
		var evt backend.StreamEvent
		if err := s.conn.ReadJSON(&evt); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				err = io.EOF
			}
			select {
			case s.events <- streamItem{err: err}:
			case <-s.done:
			}
			return
		}
		select {
		case s.events <- streamItem{event: evt}:
		case <-s.done:
			return
		}
		if evt.Terminal() {
			return
		}
	}
}

// Recv returns the next event. After a terminal event it returns io.EOF.
func (s *wsStream) Recv(ctx context.Context) (backend.StreamEvent, error) {
	s.mu.Lock()
	finished := s.finished
	s.mu.Unlock()
	if finished {
		return backend.StreamEvent{}, io.EOF
	}

	select {
	case item, ok := <-s.events:
		if !ok {
			return backend.StreamEvent{}, io.EOF
		}
		if item.err != nil {
			return backend.StreamEvent{}, item.err
		}
		if item.event.Terminal() {
			s.mu.Lock()
			s.finished = true
			s.mu.Unlock()
		}
		return item.event, nil
	case <-s.done:
		return backend.StreamEvent{}, io.EOF
	case <-ctx.Done():
		return backend.StreamEvent{}, ctx.Err()
	}
}

// Close closes the connection. It is safe to call more than once.
func (s *wsStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		err = s.conn.Close()
	})
	return err
}
