package durable

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/petal-labs/flowforge/core"
)

// ErrQueueClosed is returned by Send after Close.
var ErrQueueClosed = errors.New("durable: queue closed")

const (
	DefaultWorkers   = 4
	DefaultQueueSize = 256
)

// QueueConfig configures a Queue.
type QueueConfig struct {
	Workers int
	Size    int
	Logger  *slog.Logger
}

// Queue buffers events and runs them on a fixed pool of workers.
type Queue struct {
	engine  *Engine
	events  chan core.Event
	workers int
	logger  *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// NewQueue creates a queue feeding engine.
func NewQueue(engine *Engine, cfg QueueConfig) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Size <= 0 {
		cfg.Size = DefaultQueueSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		engine:  engine,
		events:  make(chan core.Event, cfg.Size),
		workers: cfg.Workers,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Send enqueues evt, assigning an id and the execute event name when they
// are empty. It blocks while the buffer is full.
func (q *Queue) Send(ctx context.Context, evt core.Event) (core.Event, error) {
	if strings.TrimSpace(evt.ID) == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Name == "" {
		evt.Name = core.ExecuteEventName
	}

	select {
	case <-q.done:
		return evt, ErrQueueClosed
	default:
	}
	select {
	case q.events <- evt:
		q.logger.Debug("event queued", "event_id", evt.ID, "workflow_id", evt.Data.WorkflowID)
		return evt, nil
	case <-q.done:
		return evt, ErrQueueClosed
	case <-ctx.Done():
		return evt, ctx.Err()
	}
}

// Run starts the workers and blocks until ctx is cancelled or Close is
// called. After Close, events already buffered are still processed.
func (q *Queue) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < q.workers; i++ {
		worker := i
		g.Go(func() error {
			q.work(gctx, worker)
			return nil
		})
	}
	return g.Wait()
}

func (q *Queue) work(ctx context.Context, worker int) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-q.events:
			q.dispatch(ctx, worker, evt)
		case <-q.done:
			for {
				select {
				case evt := <-q.events:
					q.dispatch(ctx, worker, evt)
				default:
					return
				}
			}
		}
	}
}

func (q *Queue) dispatch(ctx context.Context, worker int, evt core.Event) {
	q.logger.Debug("event dispatched", "event_id", evt.ID, "worker", worker)
	// Errors are reported through the engine's failure handler.
	_ = q.engine.Execute(ctx, evt)
}

// Close stops accepting events. Run returns once the buffer is drained.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}

// Pending returns the number of buffered events not yet picked up.
func (q *Queue) Pending() int {
	return len(q.events)
}
