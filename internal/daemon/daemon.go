package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/harun/parley/internal/config"
	"github.com/harun/parley/internal/logger"
	"github.com/harun/parley/internal/observability"
	"github.com/harun/parley/internal/tracing"
	"github.com/harun/parley/pkg/agent"
	"github.com/harun/parley/pkg/chat"
	"github.com/harun/parley/pkg/gateway"
	"github.com/harun/parley/pkg/store"
)

const shutdownTimeout = 10 * time.Second

// Daemon runs the reference gateway: session store, agent runner and the
// RPC/stream server, plus the maintenance around them.
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	store   *store.Store
	runner  *agent.Runner
	service *gateway.Service
	server  *gateway.Server
	janitor *store.Janitor

	eventLoop *EventLoop
	lifecycle *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// Status is a point-in-time view of the daemon
type Status struct {
	Running   bool
	Uptime    time.Duration
	StartTime time.Time
	Addr      string
}

// Option customizes daemon construction
type Option func(*options)

type options struct {
	providerFactory agent.ProviderCreator
	maintenance     time.Duration
}

// WithProviderFactory replaces the SDK-backed provider factory
func WithProviderFactory(f agent.ProviderCreator) Option {
	return func(o *options) { o.providerFactory = f }
}

// WithMaintenanceInterval sets how often the event loop runs its tasks
func WithMaintenanceInterval(d time.Duration) Option {
	return func(o *options) { o.maintenance = d }
}

// New wires the daemon from configuration
func New(cfg *config.Config, log *logger.Logger, opts ...Option) (*Daemon, error) {
	if err := cfg.ValidateServe(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	o := options{maintenance: defaultMaintenanceInterval}
	for _, opt := range opts {
		opt(&o)
	}

	zl := log.GetZerolog()
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		config: cfg,
		logger: log,
		ctx:    ctx,
		cancel: cancel,
	}

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	auditPath := cfg.Logging.AuditFile
	if auditPath == "" {
		auditPath = filepath.Join(cfg.DataDir, "audit.log")
	}
	if err := observability.InitAuditLogger(auditPath); err != nil {
		zl.Warn().Err(err).Msg("Failed to initialize audit logger, using default stderr")
	} else {
		zl.Info().Str("path", auditPath).Msg("Audit logger initialized")
	}

	if err := tracing.InitOpenTelemetry("parley-gateway"); err != nil {
		zl.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
	} else {
		d.tracingEnabled = true
	}

	if err := d.initialize(o); err != nil {
		d.release()
		return nil, err
	}

	d.eventLoop = NewEventLoop(d, o.maintenance)
	d.lifecycle = NewLifecycleManager(d)

	return d, nil
}

func (d *Daemon) initialize(o options) error {
	cfg := d.config
	zl := d.logger.GetZerolog()

	st, err := store.Open(store.Config{
		DBPath: filepath.Join(cfg.DataDir, "parley.db"),
		Logger: zl,
	})
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	d.store = st
	zl.Info().Msg("Session store opened")

	runner, err := agent.NewRunner(agent.Config{
		Logger:          zl,
		AuthProfiles:    cfg.Providers,
		ProviderFactory: o.providerFactory,
	})
	if err != nil {
		return fmt.Errorf("failed to create agent runner: %w", err)
	}
	d.runner = runner
	zl.Info().Int("providers", len(cfg.Providers)).Msg("Agent runner initialized")

	agentCfg := agent.DefaultConfig()
	if cfg.Gateway.Temperature > 0 {
		agentCfg.Temperature = cfg.Gateway.Temperature
	}
	if cfg.Gateway.MaxOutputTokens > 0 {
		agentCfg.MaxTokens = cfg.Gateway.MaxOutputTokens
	}

	auth := gateway.NewAuthHandler(cfg.Gateway.SharedSecret)
	service, err := gateway.NewService(gateway.ServiceConfig{
		Store:               st,
		Runner:              runner,
		Auth:                auth,
		Personas:            cfg.Personas,
		DefaultApprovalMode: chat.ApprovalMode(cfg.Gateway.DefaultApprovalMode),
		Agent:               agentCfg,
		StreamTTL:           cfg.Gateway.StreamTokenTTL,
		Logger:              zl,
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway service: %w", err)
	}
	d.service = service

	server, err := gateway.NewServer(gateway.Config{
		Host:              cfg.Gateway.Host,
		Port:              cfg.Gateway.Port,
		Service:           service,
		Auth:              auth,
		RequestsPerMinute: cfg.Gateway.RequestsPerMinute,
		MaxConcurrent:     cfg.Gateway.MaxConcurrent,
		Logger:            zl,
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway server: %w", err)
	}
	d.server = server

	if cfg.Retention > 0 {
		d.janitor = store.NewJanitor(st, cfg.Retention, 0)
	}

	if cfg.Gateway.SharedSecret == "" {
		zl.Warn().Msg("Gateway has no shared secret; any local process can call it")
	}
	return nil
}

// Start brings the gateway up
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	logger := d.logger.GetZerolog().With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Starting parley gateway")

	if err := d.lifecycle.Start(); err != nil {
		d.setStopped()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if err := d.server.Start(); err != nil {
		_ = d.lifecycle.Stop()
		d.setStopped()
		return fmt.Errorf("failed to start gateway server: %w", err)
	}
	logger.Info().Str("addr", d.server.Addr()).Msg("Gateway server started")

	if d.janitor != nil {
		if err := d.janitor.Start(); err != nil {
			logger.Warn().Err(err).Msg("Failed to start session janitor")
		} else {
			logger.Info().Dur("retention", d.config.Retention).Msg("Session janitor started")
		}
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.eventLoop.Run(d.ctx)
	}()

	logger.Info().Msg("Gateway ready")
	return nil
}

func (d *Daemon) setStopped() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

// Stop shuts the gateway down and releases every resource
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	logger := d.logger.GetZerolog().With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Stopping parley gateway")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := d.server.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Failed to stop gateway server")
	}
	d.service.Close()

	if d.janitor != nil && d.janitor.IsRunning() {
		if err := d.janitor.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop session janitor")
		}
	}

	d.cancel()
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.Warn().Msg("Timeout waiting for goroutines to stop")
	}

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	d.release()
	logger.Info().Msg("Gateway stopped")
	return nil
}

// release closes what New opened, in reverse order
func (d *Daemon) release() {
	zl := d.logger.GetZerolog()
	d.cancel()

	if d.store != nil {
		if err := d.store.Close(); err != nil {
			zl.Error().Err(err).Msg("Failed to close session store")
		}
		d.store = nil
	}

	if d.tracingEnabled {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
			zl.Error().Err(err).Msg("Failed to shutdown tracing")
		}
		cancel()
		d.tracingEnabled = false
	}

	if err := observability.GetAuditLogger().Close(); err != nil {
		zl.Error().Err(err).Msg("Failed to close audit logger")
	}
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{Running: d.running}
	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
		status.Addr = d.server.Addr()
	}
	return status
}

// Wait blocks until SIGINT or SIGTERM, then stops the daemon
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	zl := d.logger.GetZerolog()
	sig := <-sigChan
	zl.Info().Str("signal", sig.String()).Msg("Received signal")

	if err := d.Stop(); err != nil {
		zl.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// Service returns the in-process backend
func (d *Daemon) Service() *gateway.Service {
	return d.service
}

// Server returns the gateway server
func (d *Daemon) Server() *gateway.Server {
	return d.server
}
