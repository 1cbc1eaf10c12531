package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/petal-labs/flowforge/core"
	"github.com/petal-labs/flowforge/store"
)

const (
	defaultWorkflowSchedulePollInterval = 5 * time.Second
	defaultWorkflowScheduleBatchLimit   = 100
)

// WorkflowSchedulerConfig configures the background workflow schedule runner.
type WorkflowSchedulerConfig struct {
	Queue        Enqueuer
	Store        store.ScheduleStore
	PollInterval time.Duration
	BatchLimit   int
	Now          func() time.Time
	Logger       *slog.Logger
}

// WorkflowScheduler periodically enqueues the execute event of due schedules.
// A schedule that was missed several times fires once and moves to its next
// slot after now.
type WorkflowScheduler struct {
	queue        Enqueuer
	store        store.ScheduleStore
	pollInterval time.Duration
	batchLimit   int
	now          func() time.Time
	logger       *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWorkflowScheduler creates a workflow scheduler instance.
func NewWorkflowScheduler(cfg WorkflowSchedulerConfig) (*WorkflowScheduler, error) {
	if cfg.Queue == nil {
		return nil, errors.New("workflow scheduler queue is nil")
	}
	if cfg.Store == nil {
		return nil, errors.New("workflow scheduler store is nil")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultWorkflowSchedulePollInterval
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = defaultWorkflowScheduleBatchLimit
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &WorkflowScheduler{
		queue:        cfg.Queue,
		store:        cfg.Store,
		pollInterval: cfg.PollInterval,
		batchLimit:   cfg.BatchLimit,
		now:          cfg.Now,
		logger:       cfg.Logger,
	}, nil
}

// Start starts background polling. It returns immediately; polling stops on
// Stop or when ctx is cancelled.
func (s *WorkflowScheduler) Start(ctx context.Context) error {
	if s == nil {
		return errors.New("workflow scheduler is nil")
	}

	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.runLogged(loopCtx)
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				s.runLogged(loopCtx)
			}
		}
	}()
	return nil
}

func (s *WorkflowScheduler) runLogged(ctx context.Context) {
	if err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("workflow scheduler pass failed", "error", err)
	}
}

// Stop stops background polling.
func (s *WorkflowScheduler) Stop(ctx context.Context) error {
	if s == nil {
		return nil
	}

	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce executes a single scheduler pass.
func (s *WorkflowScheduler) RunOnce(ctx context.Context) error {
	if s == nil || s.store == nil || s.queue == nil {
		return errors.New("workflow scheduler is not configured")
	}

	now := s.now().UTC()
	dueSchedules, err := s.store.ListDueSchedules(ctx, now, s.batchLimit)
	if err != nil {
		return err
	}

	for _, schedule := range dueSchedules {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.fire(ctx, schedule, now)
	}
	return nil
}

// fire enqueues one due schedule and records the outcome on it.
func (s *WorkflowScheduler) fire(ctx context.Context, schedule store.Schedule, now time.Time) {
	if !schedule.Enabled {
		return
	}
	log := s.logger.With("schedule_id", schedule.ID, "workflow_id", schedule.WorkflowID)

	nextRunAt, err := nextCronRunUTC(schedule.Cron, now)
	if err != nil {
		// An unparsable schedule can never fire again.
		schedule.Enabled = false
		schedule.LastError = scheduleRunError(schedule.ID, err)
		if err := s.store.UpdateSchedule(ctx, schedule); err != nil {
			log.Error("persist schedule failure", "error", err)
		}
		return
	}

	scheduledAt := schedule.NextRunAt.UTC()
	evt, sendErr := s.queue.Send(ctx, core.Event{
		Name: core.ExecuteEventName,
		Data: core.EventData{
			WorkflowID:  schedule.WorkflowID,
			InitialData: scheduledInitialData(schedule, scheduledAt),
		},
	})

	schedule.NextRunAt = nextRunAt
	schedule.LastRunAt = &now
	if sendErr != nil {
		schedule.LastError = scheduleRunError(schedule.ID, sendErr)
		log.Error("enqueue scheduled run", "error", sendErr)
	} else {
		schedule.LastError = ""
		schedule.LastEventID = evt.ID
		log.Info("scheduled run enqueued", "event_id", evt.ID, "scheduled_at", scheduledAt)
	}
	if err := s.store.UpdateSchedule(ctx, schedule); err != nil {
		log.Error("persist schedule run result", "error", err)
	}
}

// scheduledInitialData merges the schedule's own data with the schedule
// descriptor, which always wins.
func scheduledInitialData(schedule store.Schedule, scheduledAt time.Time) map[string]any {
	out := make(map[string]any, len(schedule.InitialData)+1)
	for key, value := range schedule.InitialData {
		out[key] = value
	}
	out["schedule"] = map[string]any{
		"id":          schedule.ID,
		"scheduledAt": scheduledAt.Format(time.RFC3339),
	}
	return out
}
