package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/parley/internal/observability"
	"github.com/harun/parley/internal/tracing"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ErrClosed is returned for tasks submitted after Close
var ErrClosed = errors.New("command queue is closed")

// Task is one unit of work in a lane
type Task func(ctx context.Context) error

// Option configures a Queue
type Option func(*Queue)

// WithWarnAfter logs a warning for tasks still waiting after d
func WithWarnAfter(d time.Duration) Option {
	return func(q *Queue) { q.warnAfter = d }
}

// WithLogger sets the queue logger
func WithLogger(logger zerolog.Logger) Option {
	return func(q *Queue) { q.logger = logger }
}

type record struct {
	id         string
	ctx        context.Context
	task       Task
	enqueuedAt time.Time
	started    atomic.Bool
	done       chan error
}

type lane struct {
	pending []*record
}

// Queue serializes tasks per lane. Lanes exist only while they have work.
type Queue struct {
	mu     sync.Mutex
	lanes  map[string]*lane
	seq    uint64
	closed bool
	wg     sync.WaitGroup

	warnAfter time.Duration
	logger    zerolog.Logger
}

// New creates a queue
func New(opts ...Option) *Queue {
	observability.EnsureRegistered()

	q := &Queue{
		lanes:  make(map[string]*lane),
		logger: log.Logger,
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.With().Str("component", "commandqueue").Logger()
	return q
}

// Submit queues task on a lane and returns a channel that receives its
// result. A task whose context is cancelled before it starts is skipped
// and reports the context error.
func (q *Queue) Submit(ctx context.Context, laneKey string, task Task) <-chan error {
	if ctx == nil {
		ctx = context.Background()
	}

	rec := &record{
		ctx:        ctx,
		task:       task,
		enqueuedAt: time.Now(),
		done:       make(chan error, 1),
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		rec.done <- ErrClosed
		return rec.done
	}
	q.seq++
	rec.id = fmt.Sprintf("%s-%d", laneKey, q.seq)

	l, running := q.lanes[laneKey]
	if !running {
		l = &lane{}
		q.lanes[laneKey] = l
	}
	l.pending = append(l.pending, rec)
	depth := len(l.pending)
	if !running {
		q.wg.Add(1)
		go q.drain(laneKey, l)
	}
	q.mu.Unlock()

	observability.RecordQueueEnqueue()
	q.logger.Debug().
		Str("lane", laneKey).
		Str("task_id", rec.id).
		Int("queue_size", depth).
		Msg("Task enqueued")

	if q.warnAfter > 0 {
		time.AfterFunc(q.warnAfter, func() {
			if !rec.started.Load() {
				q.logger.Warn().
					Str("lane", laneKey).
					Str("task_id", rec.id).
					Dur("waited", time.Since(rec.enqueuedAt)).
					Msg("Task waiting longer than expected")
			}
		})
	}

	return rec.done
}

// Do queues task and waits for it. Cancelling ctx stops the wait; a task
// that has not started yet is then skipped.
func (q *Queue) Do(ctx context.Context, laneKey string, task Task) error {
	if ctx == nil {
		ctx = context.Background()
	}
	done := q.Submit(ctx, laneKey, task)
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drain runs the lane until it is empty, then removes it
func (q *Queue) drain(laneKey string, l *lane) {
	defer q.wg.Done()

	for {
		q.mu.Lock()
		if len(l.pending) == 0 {
			delete(q.lanes, laneKey)
			q.mu.Unlock()
			return
		}
		rec := l.pending[0]
		l.pending = l.pending[1:]
		q.mu.Unlock()

		rec.started.Store(true)
		observability.RecordQueueStart(time.Since(rec.enqueuedAt))

		if err := rec.ctx.Err(); err != nil {
			rec.done <- err
			continue
		}
		rec.done <- q.execute(laneKey, rec)
	}
}

func (q *Queue) execute(laneKey string, rec *record) (err error) {
	ctx, span := tracing.StartSpan(rec.ctx, "commandqueue.execute",
		attribute.String("lane", laneKey),
		attribute.String("task_id", rec.id),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		q.logger.Debug().
			Str("lane", laneKey).
			Str("task_id", rec.id).
			Dur("duration", time.Since(start)).
			Bool("success", err == nil).
			Msg("Task finished")
	}()

	return rec.task(ctx)
}

// Pending returns the number of tasks of a lane not yet started
func (q *Queue) Pending(laneKey string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if l, ok := q.lanes[laneKey]; ok {
		return len(l.pending)
	}
	return 0
}

// Lanes returns the number of lanes with work
func (q *Queue) Lanes() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.lanes)
}

// Close refuses new tasks and waits for queued ones to finish
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	q.wg.Wait()
}
