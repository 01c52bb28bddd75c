package gateway

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/harun/parley/pkg/backend"
	"github.com/harun/parley/pkg/backend/rpcclient"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, secret string) (*httptest.Server, *Service) {
	t.Helper()
	svc := newTestService(t, echoRunner(t))
	svc.auth = NewAuthHandler(secret)

	srv, err := NewServer(Config{Service: svc, Auth: svc.auth, Logger: zerolog.Nop()})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, svc
}

func newTestClient(t *testing.T, endpoint, secret string) *rpcclient.Client {
	t.Helper()
	logger := zerolog.Nop()
	c, err := rpcclient.New(rpcclient.Config{
		Endpoint:     endpoint,
		Secret:       secret,
		MaxRetries:   1,
		RetryBackoff: time.Millisecond,
		Logger:       &logger,
	})
	require.NoError(t, err)
	return c
}

func TestNewServer(t *testing.T) {
	_, err := NewServer(Config{})
	assert.Error(t, err)

	svc := newTestService(t, echoRunner(t))
	_, err = NewServer(Config{Service: svc})
	assert.Error(t, err, "auth handler is required")

	_, err = NewServer(Config{Service: svc, Auth: svc.auth, Port: -1})
	assert.Error(t, err)
}

func TestServer_RPCRoundTrip(t *testing.T) {
	ts, _ := newTestServer(t, "s3cret")
	client := newTestClient(t, ts.URL, "s3cret")
	ctx := context.Background()

	info, err := client.StartSession(ctx, backend.StartSessionRequest{PersonaID: "plain"})
	require.NoError(t, err)

	res, err := client.SendMessage(ctx, backend.SendMessageRequest{ChatSessionID: info.ID, Message: "hello"})
	require.NoError(t, err)
	require.NotNil(t, res.Message)
	assert.Equal(t, "Echo: hello", res.Message.Content)

	list, err := client.ListSessions(ctx, backend.Filter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "hello", list[0].Title)

	deleted, err := client.DeleteSession(ctx, backend.DeleteOne(info.ID))
	require.NoError(t, err)
	assert.True(t, deleted)

	_, err = client.LoadSession(ctx, info.ID)
	require.Error(t, err)
	assert.True(t, backend.IsNotFound(err), "not_found survives the wire")
}

func TestServer_RejectsWrongSecret(t *testing.T) {
	ts, _ := newTestServer(t, "s3cret")
	client := newTestClient(t, ts.URL, "wrong")

	_, err := client.StartSession(context.Background(), backend.StartSessionRequest{PersonaID: "plain"})
	require.Error(t, err)
	rec, ok := backend.AsErrorRecord(err)
	require.True(t, ok)
	assert.Equal(t, "unauthorized", rec.Code)
}

func TestServer_RPCTransportErrors(t *testing.T) {
	ts, _ := newTestServer(t, "")

	t.Run("should reject GET", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/rpc")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})

	t.Run("should answer parse errors", func(t *testing.T) {
		resp, err := http.Post(ts.URL+"/rpc", "application/json", bytes.NewBufferString(`{"id":`))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

		body, _ := io.ReadAll(resp.Body)
		assert.Contains(t, string(body), "-32700")
	})

	t.Run("should serve health", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/healthz")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestServer_StreamedReply(t *testing.T) {
	ts, _ := newTestServer(t, "s3cret")
	client := newTestClient(t, ts.URL, "s3cret")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	info, err := client.StartSession(ctx, backend.StartSessionRequest{PersonaID: "plain"})
	require.NoError(t, err)

	res, err := client.SendMessage(ctx, backend.SendMessageRequest{
		ChatSessionID: info.ID,
		Message:       "one two three",
		Stream:        true,
	})
	require.NoError(t, err)
	require.NotNil(t, res.Stream)

	stream, err := client.OpenStream(ctx, *res.Stream)
	require.NoError(t, err)
	defer stream.Close()

	var (
		text  string
		types []backend.EventType
	)
	for {
		evt, err := stream.Recv(ctx)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		types = append(types, evt.Type)
		if evt.Type == backend.EventToken {
			tok, err := evt.Token()
			require.NoError(t, err)
			text += tok
		}
	}

	assert.Equal(t, "Echo: one two three", text)
	require.NotEmpty(t, types)
	assert.Equal(t, backend.EventComplete, types[len(types)-1])

	t.Run("should not replay a claimed token", func(t *testing.T) {
		_, err := client.OpenStream(ctx, *res.Stream)
		assert.Error(t, err)
	})
}

func TestServer_StreamToolCalls(t *testing.T) {
	ts, _ := newTestServer(t, "")
	client := newTestClient(t, ts.URL, "")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	info, err := client.StartSession(ctx, backend.StartSessionRequest{PersonaID: "plain"})
	require.NoError(t, err)
	res, err := client.SendMessage(ctx, backend.SendMessageRequest{
		ChatSessionID: info.ID,
		Message:       `call:echo {"text":"hi"}`,
		Stream:        true,
	})
	require.NoError(t, err)

	stream, err := client.OpenStream(ctx, *res.Stream)
	require.NoError(t, err)
	defer stream.Close()

	evt, err := stream.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, backend.EventToolCall, evt.Type)
	call, err := evt.ToolCall()
	require.NoError(t, err)
	assert.Equal(t, "echo", call.Function.Name)

	evt, err = stream.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, backend.EventComplete, evt.Type)
}

func TestServer_StreamRejectsUnknownToken(t *testing.T) {
	ts, _ := newTestServer(t, "")
	client := newTestClient(t, ts.URL, "")

	_, err := client.OpenStream(context.Background(), backend.StreamHandle{Endpoint: "/stream", Token: "nope"})
	assert.Error(t, err)
}

func TestChunkTokens(t *testing.T) {
	tests := []struct {
		text string
		want []string
	}{
		{"", nil},
		{"hello", []string{"hello"}},
		{"one two  three", []string{"one ", "two  ", "three"}},
		{"  lead", []string{"  ", "lead"}},
		{"line\nbreak ", []string{"line\n", "break "}},
	}
	for _, tt := range tests {
		got := chunkTokens(tt.text)
		assert.Equal(t, tt.want, got, tt.text)

		joined := ""
		for _, tok := range got {
			joined += tok
		}
		assert.Equal(t, tt.text, joined)
	}
}
