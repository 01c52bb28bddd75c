package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultRetention     = 30 * 24 * time.Hour
	DefaultSweepInterval = time.Hour
)

// Janitor deletes sessions that have been idle longer than the retention
type Janitor struct {
	store     *Store
	retention time.Duration
	interval  time.Duration

	mu      sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// NewJanitor creates a janitor. Zero durations use the defaults.
func NewJanitor(store *Store, retention, interval time.Duration) *Janitor {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Janitor{store: store, retention: retention, interval: interval}
}

// Start runs a sweep immediately and then every interval
func (j *Janitor) Start() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return fmt.Errorf("janitor is already running")
	}

	j.running = true
	j.stopCh = make(chan struct{})
	j.doneCh = make(chan struct{})
	go j.run(j.stopCh, j.doneCh)

	log.Info().Dur("retention", j.retention).Dur("interval", j.interval).Msg("Session janitor started")
	return nil
}

// Stop stops the sweep loop and waits for it to exit
func (j *Janitor) Stop() error {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return fmt.Errorf("janitor is not running")
	}
	close(j.stopCh)
	done := j.doneCh
	j.running = false
	j.mu.Unlock()

	<-done
	log.Info().Msg("Session janitor stopped")
	return nil
}

// IsRunning reports whether the sweep loop is active
func (j *Janitor) IsRunning() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.running
}

// SweepNow deletes idle sessions once and returns how many went
func (j *Janitor) SweepNow(ctx context.Context) (int, error) {
	n, err := j.store.DeleteIdleSince(ctx, time.Now().Add(-j.retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Info().Int("deleted", n).Msg("Deleted idle sessions")
	}
	return n, nil
}

func (j *Janitor) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	if _, err := j.SweepNow(context.Background()); err != nil {
		log.Error().Err(err).Msg("Failed to sweep idle sessions")
	}

	for {
		select {
		case <-ticker.C:
			if _, err := j.SweepNow(context.Background()); err != nil {
				log.Error().Err(err).Msg("Failed to sweep idle sessions")
			}
		case <-stop:
			return
		}
	}
}
