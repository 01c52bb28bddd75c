package rpcclient

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/parley/pkg/backend"
	"github.com/harun/parley/pkg/chat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorded struct {
	mu       sync.Mutex
	requests []backend.RPCRequest
	secrets  []string
}

func (r *recorded) add(req backend.RPCRequest, secret string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req)
	r.secrets = append(r.secrets, secret)
	return len(r.requests)
}

func writeResult(t *testing.T, w http.ResponseWriter, id string, result interface{}) {
	raw, err := json.Marshal(result)
	require.NoError(t, err)
	_ = json.NewEncoder(w).Encode(backend.RPCResponse{ID: id, JSONRPC: "2.0", Result: raw})
}

func newClient(t *testing.T, url string) *Client {
	t.Helper()
	c, err := New(Config{Endpoint: url, Secret: "s3cret", RetryBackoff: time.Millisecond})
	require.NoError(t, err)
	return c
}

func TestNew(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	_, err = New(Config{Endpoint: "ftp://example.com"})
	assert.Error(t, err)

	c, err := New(Config{Endpoint: "http://localhost:7420/"})
	require.NoError(t, err)
	assert.Equal(t, 3, c.maxRetries)
}

func TestClient_StartSession(t *testing.T) {
	rec := &recorded{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req backend.RPCRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		rec.add(req, r.Header.Get(SecretHeader))

		var params backend.StartSessionRequest
		require.NoError(t, json.Unmarshal(req.Params, &params))
		writeResult(t, w, req.ID, backend.SessionInfo{ID: "s1", ToolApprovalMode: chat.ApprovalPrompt, Macros: params.Macros})
	}))
	defer srv.Close()

	c := newClient(t, srv.URL)
	info, err := c.StartSession(context.Background(), backend.StartSessionRequest{
		PersonaID: "p1",
		Macros:    []chat.MacroSpec{{NameSpace: "core", Name: "echo", Version: "1.0.0"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "s1", info.ID)
	assert.Len(t, info.Macros, 1)

	require.Len(t, rec.requests, 1)
	assert.Equal(t, backend.MethodStart, rec.requests[0].Method)
	assert.Equal(t, "2.0", rec.requests[0].JSONRPC)
	assert.NotEmpty(t, rec.requests[0].IdempotencyKey)
	assert.Equal(t, "s3cret", rec.secrets[0])
}

func TestClient_RetriesTransientFailures(t *testing.T) {
	rec := &recorded{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req backend.RPCRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if rec.add(req, "") < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeResult(t, w, req.ID, backend.DeleteResult{Deleted: true})
	}))
	defer srv.Close()

	c := newClient(t, srv.URL)
	ok, err := c.DeleteSession(context.Background(), backend.DeleteAll())
	require.NoError(t, err)
	assert.True(t, ok)

	require.Len(t, rec.requests, 3)
	key := rec.requests[0].IdempotencyKey
	for _, req := range rec.requests {
		assert.Equal(t, key, req.IdempotencyKey, "same key across attempts")
	}
	assert.JSONEq(t, `{"target":"*"}`, string(rec.requests[0].Params))
}

func TestClient_GivesUpAfterMaxRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newClient(t, srv.URL)
	_, err := c.ListSessions(context.Background(), backend.Filter{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max retries (3) exceeded")
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestClient_ErrorRecords(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		var req backend.RPCRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		_ = json.NewEncoder(w).Encode(backend.RPCResponse{
			ID:      req.ID,
			JSONRPC: "2.0",
			Error: &backend.RPCError{
				Code:    backend.BackendError,
				Message: "session s1 not found",
				Data:    backend.NotFound("session %s not found", "s1"),
			},
		})
	}))
	defer srv.Close()

	c := newClient(t, srv.URL)
	_, err := c.LoadSession(context.Background(), "s1")
	require.Error(t, err)
	assert.True(t, backend.IsNotFound(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "RPC errors are not retried")
}

func TestClient_Unauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newClient(t, srv.URL)
	_, err := c.SetApprovalMode(context.Background(), chat.ApprovalAuto, "s1")
	rec, ok := backend.AsErrorRecord(err)
	require.True(t, ok)
	assert.Equal(t, "unauthorized", rec.Code)
}

func TestClient_StreamURL(t *testing.T) {
	c := newClient(t, "https://gw.example.com:8443/base")

	u, err := c.streamURL(backend.StreamHandle{Endpoint: "/stream", Token: "abc"})
	require.NoError(t, err)
	assert.Equal(t, "wss://gw.example.com:8443/stream?token=abc", u)

	u, err = c.streamURL(backend.StreamHandle{Endpoint: "ws://other:1/s", Token: "t"})
	require.NoError(t, err)
	assert.Equal(t, "ws://other:1/s?token=t", u)
}

func TestClient_OpenStream(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var gotToken, gotSecret string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.URL.Query().Get("token")
		gotSecret = r.Header.Get(SecretHeader)
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		for _, evt := range []backend.StreamEvent{
			backend.TokenEvent("Hello "),
			backend.TokenEvent("world"),
			backend.CompleteEvent("m1", nil),
		} {
			require.NoError(t, conn.WriteJSON(evt))
		}
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	c := newClient(t, srv.URL)
	stream, err := c.OpenStream(context.Background(), backend.StreamHandle{Endpoint: "/stream", Token: "tok1"})
	require.NoError(t, err)
	defer stream.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var tokens []string
	for {
		evt, err := stream.Recv(ctx)
		require.NoError(t, err)
		if evt.Type == backend.EventComplete {
			done, err := evt.Complete()
			require.NoError(t, err)
			assert.Equal(t, "m1", done.MessageID)
			break
		}
		token, err := evt.Token()
		require.NoError(t, err)
		tokens = append(tokens, token)
	}

	assert.Equal(t, []string{"Hello ", "world"}, tokens)
	_, err = stream.Recv(ctx)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, "tok1", gotToken)
	assert.Equal(t, "s3cret", gotSecret)

	assert.NoError(t, stream.Close())
	assert.NoError(t, stream.Close())
}
