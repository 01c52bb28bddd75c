// Package rpcclient implements backend.Backend and backend.Streamer against
// a JSON-RPC gateway over HTTP, with websocket streams.
package rpcclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/harun/parley/internal/tracing"
	"github.com/harun/parley/pkg/backend"
	"github.com/harun/parley/pkg/chat"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SecretHeader carries the gateway shared secret
const SecretHeader = "X-Parley-Secret"

// TraceHeader carries the trace id of the calling context
const TraceHeader = "X-Trace-Id"

// Config configures a Client
type Config struct {
	Endpoint     string // base URL, e.g. http://127.0.0.1:7420
	Secret       string
	HTTPClient   *http.Client
	MaxRetries   int           // attempts per call, default 3
	RetryBackoff time.Duration // first retry delay, doubled each attempt
	Logger       *zerolog.Logger
}

// Client talks to a parley gateway
type Client struct {
	base       *url.URL
	secret     string
	httpClient *http.Client
	maxRetries int
	backoff    time.Duration
	logger     zerolog.Logger
}

var _ backend.Backend = (*Client)(nil)
var _ backend.Streamer = (*Client)(nil)

// New creates a client for the gateway at cfg.Endpoint
func New(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.Endpoint, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("endpoint must be http or https, got %q", base.Scheme)
	}

	c := &Client{
		base:       base,
		secret:     cfg.Secret,
		httpClient: cfg.HTTPClient,
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.RetryBackoff,
		logger:     log.With().Str("component", "rpcclient").Logger(),
	}
	if cfg.Logger != nil {
		c.logger = cfg.Logger.With().Str("component", "rpcclient").Logger()
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 5 * time.Minute}
	}
	if c.maxRetries <= 0 {
		c.maxRetries = 3
	}
	if c.backoff <= 0 {
		c.backoff = 250 * time.Millisecond
	}
	return c, nil
}

func (c *Client) StartSession(ctx context.Context, req backend.StartSessionRequest) (*backend.SessionInfo, error) {
	var info backend.SessionInfo
	if err := c.call(ctx, backend.MethodStart, req, &info, true); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) SendMessage(ctx context.Context, req backend.SendMessageRequest) (*backend.SendResult, error) {
	var res backend.SendResult
	if err := c.call(ctx, backend.MethodSend, req, &res, true); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) LoadSession(ctx context.Context, id string) (*backend.SessionSnapshot, error) {
	var snap backend.SessionSnapshot
	if err := c.call(ctx, backend.MethodLoad, backend.LoadParams{ID: id}, &snap, false); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (c *Client) ListSessions(ctx context.Context, filter backend.Filter) ([]chat.SessionSummary, error) {
	var list []chat.SessionSummary
	if err := c.call(ctx, backend.MethodList, filter, &list, false); err != nil {
		return nil, err
	}
	return list, nil
}

func (c *Client) DeleteSession(ctx context.Context, target backend.DeleteTarget) (bool, error) {
	var res backend.DeleteResult
	if err := c.call(ctx, backend.MethodDelete, backend.DeleteParams{Target: target}, &res, true); err != nil {
		return false, err
	}
	return res.Deleted, nil
}

func (c *Client) SetApprovalMode(ctx context.Context, mode chat.ApprovalMode, sessionID string) (*backend.ApprovalModeResult, error) {
	var res backend.ApprovalModeResult
	params := backend.ApprovalModeParams{SessionID: sessionID, Mode: string(mode)}
	if err := c.call(ctx, backend.MethodApprovalMode, params, &res, true); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) AttachFile(ctx context.Context, file backend.File, sessionID string) (*chat.Message, error) {
	var msg chat.Message
	params := backend.AttachFileParams{SessionID: sessionID, File: file}
	if err := c.call(ctx, backend.MethodAttachFile, params, &msg, true); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (c *Client) AttachAudio(ctx context.Context, audio backend.Audio, sessionID string) (*chat.Message, error) {
	var msg chat.Message
	params := backend.AttachAudioParams{SessionID: sessionID, Audio: audio}
	if err := c.call(ctx, backend.MethodAttachAudio, params, &msg, true); err != nil {
		return nil, err
	}
	return &msg, nil
}

// errRetryable marks failures worth another attempt
type errRetryable struct{ err error }

func (e errRetryable) Error() string { return e.err.Error() }
func (e errRetryable) Unwrap() error { return e.err }

// call performs one RPC with retries on transport failures. Mutating calls
// carry an idempotency key that stays the same across attempts.
func (c *Client) call(ctx context.Context, method string, params, result interface{}, mutating bool) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode %s params: %w", method, err)
	}

	req := backend.RPCRequest{
		ID:      gonanoid.Must(),
		Method:  method,
		Params:  raw,
		JSONRPC: "2.0",
	}
	if mutating {
		req.IdempotencyKey = gonanoid.Must()
	}

	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		resp, err := c.post(ctx, req)
		if err == nil {
			return decodeResult(method, resp, result)
		}
		lastErr = err

		var retryable errRetryable
		if !errors.As(err, &retryable) {
			return err
		}
		if attempt == c.maxRetries-1 {
			break
		}

		delay := c.backoff * time.Duration(1<<attempt)
		c.logger.Info().
			Str("method", method).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Err(err).
			Msg("Retrying RPC call")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return fmt.Errorf("%s: max retries (%d) exceeded: %w", method, c.maxRetries, lastErr)
}

func (c *Client) post(ctx context.Context, req backend.RPCRequest) (*backend.RPCResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base.String()+"/rpc", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.secret != "" {
		httpReq.Header.Set(SecretHeader, c.secret)
	}
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		httpReq.Header.Set(TraceHeader, traceID)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errRetryable{err: fmt.Errorf("%s: %w", req.Method, err)}
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, errRetryable{err: fmt.Errorf("%s: read response: %w", req.Method, err)}
	}

	switch {
	case httpResp.StatusCode == http.StatusUnauthorized:
		return nil, &backend.ErrorRecord{Message: "gateway rejected the shared secret", Type: "auth", Code: "unauthorized"}
	case httpResp.StatusCode == http.StatusTooManyRequests || httpResp.StatusCode >= 500:
		return nil, errRetryable{err: fmt.Errorf("%s: gateway returned %d", req.Method, httpResp.StatusCode)}
	}

	var resp backend.RPCResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("%s: decode response (status %d): %w", req.Method, httpResp.StatusCode, err)
	}
	return &resp, nil
}

func decodeResult(method string, resp *backend.RPCResponse, result interface{}) error {
	if resp.Error != nil {
		return resp.Error
	}
	if result == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Result, result); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}
