package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/petal-labs/flowforge/core"
	"github.com/petal-labs/flowforge/store"
)

func newTestScheduler(t *testing.T, s store.ScheduleStore, q Enqueuer, now time.Time) *WorkflowScheduler {
	t.Helper()
	scheduler, err := NewWorkflowScheduler(WorkflowSchedulerConfig{
		Queue: q,
		Store: s,
		Now:   func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("NewWorkflowScheduler: %v", err)
	}
	return scheduler
}

func TestNewWorkflowScheduler_RequiresDependencies(t *testing.T) {
	if _, err := NewWorkflowScheduler(WorkflowSchedulerConfig{Store: newTestSQLiteStore(t)}); err == nil {
		t.Fatal("expected error without queue")
	}
	if _, err := NewWorkflowScheduler(WorkflowSchedulerConfig{Queue: &fakeQueue{}}); err == nil {
		t.Fatal("expected error without store")
	}
}

func TestWorkflowScheduler_RunOnceFiresDueSchedules(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	wf, err := s.CreateWorkflow(ctx, "user-1", "hourly")
	if err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}

	now := time.Date(2026, 2, 16, 12, 30, 0, 0, time.UTC)
	due := time.Date(2026, 2, 16, 9, 0, 0, 0, time.UTC)
	schedule, err := s.CreateSchedule(ctx, store.Schedule{
		WorkflowID:  wf.ID,
		Cron:        "0 * * * *",
		Enabled:     true,
		InitialData: map[string]any{"region": "eu"},
		NextRunAt:   due,
	})
	if err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}
	future, err := s.CreateSchedule(ctx, store.Schedule{
		WorkflowID: wf.ID,
		Cron:       "0 * * * *",
		Enabled:    true,
		NextRunAt:  now.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}

	q := &fakeQueue{}
	if err := newTestScheduler(t, s, q, now).RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	sent := q.sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d events, want 1 (missed runs collapse)", len(sent))
	}
	evt := sent[0]
	if evt.Name != core.ExecuteEventName || evt.Data.WorkflowID != wf.ID {
		t.Fatalf("event = %+v", evt)
	}
	if evt.Data.InitialData["region"] != "eu" {
		t.Fatalf("initial data = %v", evt.Data.InitialData)
	}
	desc, ok := evt.Data.InitialData["schedule"].(map[string]any)
	if !ok || desc["id"] != schedule.ID || desc["scheduledAt"] != "2026-02-16T09:00:00Z" {
		t.Fatalf("schedule descriptor = %v", evt.Data.InitialData["schedule"])
	}

	updated, err := s.GetSchedule(ctx, wf.ID, schedule.ID)
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	if want := time.Date(2026, 2, 16, 13, 0, 0, 0, time.UTC); !updated.NextRunAt.Equal(want) {
		t.Fatalf("next run = %s, want %s", updated.NextRunAt, want)
	}
	if updated.LastRunAt == nil || !updated.LastRunAt.Equal(now) {
		t.Fatalf("last run = %v", updated.LastRunAt)
	}
	if updated.LastEventID != evt.ID || updated.LastError != "" {
		t.Fatalf("updated = %+v", updated)
	}

	untouched, err := s.GetSchedule(ctx, wf.ID, future.ID)
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	if untouched.LastRunAt != nil {
		t.Fatal("future schedule should not have fired")
	}

	// A second pass finds nothing due.
	if err := newTestScheduler(t, s, q, now).RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n := len(q.sent()); n != 1 {
		t.Fatalf("sent %d events after second pass", n)
	}
}

func TestWorkflowScheduler_InvalidCronDisables(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	wf, err := s.CreateWorkflow(ctx, "user-1", "broken")
	if err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}
	now := time.Date(2026, 2, 16, 12, 0, 0, 0, time.UTC)
	schedule, err := s.CreateSchedule(ctx, store.Schedule{
		WorkflowID: wf.ID,
		Cron:       "not a cron",
		Enabled:    true,
		NextRunAt:  now.Add(-time.Minute),
	})
	if err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}

	q := &fakeQueue{}
	if err := newTestScheduler(t, s, q, now).RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n := len(q.sent()); n != 0 {
		t.Fatalf("sent %d events", n)
	}
	got, err := s.GetSchedule(ctx, wf.ID, schedule.ID)
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	if got.Enabled || got.LastError == "" {
		t.Fatalf("schedule = %+v, want disabled with error", got)
	}
}

func TestWorkflowScheduler_RecordsEnqueueFailure(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	wf, err := s.CreateWorkflow(ctx, "user-1", "flaky")
	if err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}
	now := time.Date(2026, 2, 16, 12, 0, 0, 0, time.UTC)
	schedule, err := s.CreateSchedule(ctx, store.Schedule{
		WorkflowID: wf.ID,
		Cron:       "*/5 * * * *",
		Enabled:    true,
		NextRunAt:  now,
	})
	if err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}

	q := &fakeQueue{err: errors.New("queue closed")}
	if err := newTestScheduler(t, s, q, now).RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	got, err := s.GetSchedule(ctx, wf.ID, schedule.ID)
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	if !got.Enabled || got.LastError == "" || got.LastEventID != "" {
		t.Fatalf("schedule = %+v", got)
	}
	if want := now.Add(5 * time.Minute); !got.NextRunAt.Equal(want) {
		t.Fatalf("next run = %s, want %s", got.NextRunAt, want)
	}
}

func TestWorkflowScheduler_StartStop(t *testing.T) {
	s := newTestSQLiteStore(t)
	scheduler, err := NewWorkflowScheduler(WorkflowSchedulerConfig{
		Queue:        &fakeQueue{},
		Store:        s,
		PollInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewWorkflowScheduler: %v", err)
	}
	if err := scheduler.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Starting twice is a no-op.
	if err := scheduler.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := scheduler.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := scheduler.Stop(stopCtx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestScheduledInitialData_DescriptorWins(t *testing.T) {
	got := scheduledInitialData(store.Schedule{
		ID:          "sched-1",
		InitialData: map[string]any{"schedule": "user value", "k": 1},
	}, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	desc, ok := got["schedule"].(map[string]any)
	if !ok || desc["id"] != "sched-1" || desc["scheduledAt"] != "2026-01-01T00:00:00Z" {
		t.Fatalf("schedule = %v", got["schedule"])
	}
	if got["k"] != 1 {
		t.Fatalf("k = %v", got["k"])
	}
}
