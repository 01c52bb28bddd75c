package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/parley/internal/observability"
	"github.com/harun/parley/internal/tracing"
	"github.com/harun/parley/pkg/backend"
	"github.com/harun/parley/pkg/backend/rpcclient"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// maxRequestBody bounds one RPC request; attachments travel base64 encoded
const maxRequestBody = 32 << 20

// Server is the HTTP front of the reference backend
type Server struct {
	addr          string
	sweepInterval time.Duration
	server        *http.Server
	listener      net.Listener
	upgrader      websocket.Upgrader
	router        *RPCRouter
	auth          *AuthHandler
	service       *Service
	limiter       *RateLimiter
	logger        zerolog.Logger

	shutdownMu     sync.RWMutex
	isShuttingDown bool
	inFlightReqs   sync.WaitGroup
	sweepCancel    context.CancelFunc
	sweepWG        sync.WaitGroup
}

// Config holds server configuration
type Config struct {
	Host    string
	Port    int
	Service *Service
	Auth    *AuthHandler

	RequestsPerMinute int
	MaxConcurrent     int
	// SweepInterval is how often expired stream tokens and idle rate limiters are dropped
	SweepInterval time.Duration
	Logger        zerolog.Logger
}

// NewServer creates a new gateway server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port < 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Service == nil {
		return nil, fmt.Errorf("service is required")
	}
	if cfg.Auth == nil {
		return nil, fmt.Errorf("auth handler is required")
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	observability.EnsureRegistered()

	s := &Server{
		addr:          net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port)),
		sweepInterval: cfg.SweepInterval,
		router:        NewRPCRouter(),
		auth:          cfg.Auth,
		service:       cfg.Service,
		limiter:       NewRateLimiter(cfg.RequestsPerMinute, cfg.MaxConcurrent),
		logger:        cfg.Logger.With().Str("component", "gateway").Logger(),
		upgrader: websocket.Upgrader{
			// Stream tokens are the credential, not the origin
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	registerBackendMethods(s.router, cfg.Service)
	return s, nil
}

// Router returns the RPC router, for registering extra methods
func (s *Server) Router() *RPCRouter {
	return s.router
}

// Handler returns the HTTP handler of the server
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.HandleFunc(s.service.endpoint, s.handleStream)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

// Start listens and serves in the background
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting gateway server")

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()

	s.startSweeper()
	return nil
}

// Addr returns the address the server listens on
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down gateway server")
	s.stopSweeper()
	s.service.Streams().AbandonAll()

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("All in-flight requests completed")
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.logger.Info().Msg("Gateway server stopped")
	return nil
}

func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShuttingDown
}

func (s *Server) startSweeper() {
	ctx, cancel := context.WithCancel(context.Background())
	s.sweepCancel = cancel
	s.sweepWG.Add(1)

	go func() {
		defer s.sweepWG.Done()

		ticker := time.NewTicker(s.sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				streams := s.service.Streams().Sweep(now)
				clients := s.limiter.Evict(10 * time.Minute)
				if streams > 0 || clients > 0 {
					s.logger.Debug().
						Int("streams", streams).
						Int("clients", clients).
						Msg("Swept expired gateway state")
				}
			}
		}
	}()
}

func (s *Server) stopSweeper() {
	if s.sweepCancel != nil {
		s.sweepCancel()
		s.sweepCancel = nil
	}
	s.sweepWG.Wait()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status, code := "ok", http.StatusOK
	if s.shuttingDown() {
		status, code = "shutting_down", http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  status,
		"streams": s.service.Streams().Count(),
	})
}

// handleRPC serves single-shot HTTP JSON-RPC requests
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.shuttingDown() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	if !s.auth.VerifySecret(r.Header.Get(rpcclient.SecretHeader)) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ip := remoteIP(r)
	limiter := s.limiter.For(ip)
	if allowed, reason := limiter.Acquire(); !allowed {
		code := RateLimitExceeded
		if reason == "too many concurrent requests" {
			code = TooManyConcurrent
		}
		s.writeResponse(w, http.StatusTooManyRequests, rpcError("", code, reason, nil))
		return
	}
	defer limiter.Release()

	s.inFlightReqs.Add(1)
	defer s.inFlightReqs.Done()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	req, err := s.router.ParseRequest(body)
	if err != nil {
		rpcErr, ok := err.(*backend.RPCError)
		if !ok {
			rpcErr = &backend.RPCError{Code: backend.ParseError, Message: err.Error()}
		}
		s.writeResponse(w, http.StatusBadRequest, &backend.RPCResponse{JSONRPC: "2.0", Error: rpcErr})
		return
	}

	traceID := r.Header.Get(rpcclient.TraceHeader)
	if traceID == "" {
		traceID = tracing.NewTraceID()
	}
	ctx := tracing.WithTraceID(r.Context(), traceID)
	ctx = tracing.WithRequestID(ctx, req.ID)
	ctx = withClientAddr(ctx, ip)

	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Debug().
		Str("method", req.Method).
		Str("ip", ip).
		Msg("Gateway received RPC request")

	resp := s.router.RouteRequest(ctx, req)
	if resp.Error != nil {
		logger.Info().
			Str("method", req.Method).
			Int("code", resp.Error.Code).
			Str("error", resp.Error.Message).
			Msg("RPC request failed")
	}
	s.writeResponse(w, http.StatusOK, resp)
}

func (s *Server) writeResponse(w http.ResponseWriter, status int, resp *backend.RPCResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode RPC response")
	}
}

// handleStream upgrades to a websocket and relays the events of one reply,
// one JSON event per frame, closing after the terminal event.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	streams := s.service.Streams()
	token := r.URL.Query().Get("token")
	sessionID, ok := streams.SessionFor(token)
	if !ok {
		http.Error(w, "unknown stream token", http.StatusNotFound)
		return
	}
	if err := s.auth.VerifyStreamToken(sessionID, token); err != nil {
		streams.Remove(token)
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	clientID, _ := gonanoid.New()
	ps, ok := streams.Claim(token, ClientInfo{
		ID:          clientID,
		ConnectedAt: time.Now(),
		IPAddress:   remoteIP(r),
	})
	if !ok {
		http.Error(w, "stream already claimed", http.StatusConflict)
		return
	}
	defer streams.Remove(token)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade stream connection")
		return
	}
	defer conn.Close()

	observability.StreamOpened()
	defer observability.StreamClosed()

	logger := s.logger.With().
		Str("session_id", sessionID).
		Str("client_id", clientID).
		Logger()
	logger.Debug().Msg("Stream client connected")

	// Control frames are only processed while someone reads
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case evt, open := <-ps.events:
			if !open {
				logger.Warn().Msg("Stream ended without a terminal event")
				s.closeStream(conn)
				return
			}
			if err := conn.WriteJSON(evt); err != nil {
				logger.Warn().Err(err).Msg("Failed to write stream event")
				return
			}
			if evt.Terminal() {
				s.closeStream(conn)
				logger.Debug().Str("type", string(evt.Type)).Msg("Stream completed")
				return
			}
		case <-gone:
			logger.Info().Msg("Stream client went away")
			return
		case <-ps.abandoned:
			s.closeStream(conn)
			return
		}
	}
}

func (s *Server) closeStream(conn *websocket.Conn) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
