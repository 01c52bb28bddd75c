package daemon

import (
	"context"
	"time"

	"github.com/harun/parley/internal/observability"
)

const defaultMaintenanceInterval = 30 * time.Second

// EventLoop runs periodic maintenance while the daemon is up
type EventLoop struct {
	daemon   *Daemon
	interval time.Duration
}

// NewEventLoop creates a new event loop
func NewEventLoop(d *Daemon, interval time.Duration) *EventLoop {
	if interval <= 0 {
		interval = defaultMaintenanceInterval
	}
	return &EventLoop{
		daemon:   d,
		interval: interval,
	}
}

// Run ticks until ctx is cancelled
func (e *EventLoop) Run(ctx context.Context) {
	logger := e.daemon.logger.GetZerolog()
	logger.Debug().Dur("interval", e.interval).Msg("Event loop started")

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("Event loop stopping")
			return
		case <-ticker.C:
			e.processTasks(ctx)
		}
	}
}

// processTasks keeps the session gauge honest after janitor sweeps and
// reports streams still waiting to be claimed.
func (e *EventLoop) processTasks(ctx context.Context) {
	logger := e.daemon.logger.GetZerolog()

	count, err := e.daemon.store.CountSessions(ctx)
	if err != nil {
		if ctx.Err() == nil {
			logger.Warn().Err(err).Msg("Failed to count sessions")
		}
		return
	}
	observability.SetActiveSessions(count)

	if pending := e.daemon.service.Streams().Count(); pending > 0 {
		logger.Debug().Int("sessions", count).Int("streams", pending).Msg("Gateway stats")
	}
}
