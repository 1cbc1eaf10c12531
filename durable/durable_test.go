package durable

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/petal-labs/flowforge/core"
)

func TestStepRunner_RecordsAndReplays(t *testing.T) {
	store := NewMemoryStepStore()
	ctx := context.Background()
	calls := 0
	fn := func(context.Context) (any, error) {
		calls++
		return map[string]int{"n": calls}, nil
	}

	first := NewStepRunner(store, "evt-1", nil)
	out, err := first.Run(ctx, "create-execution", fn)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if string(out) != `{"n":1}` {
		t.Fatalf("out = %s", out)
	}

	// A fresh runner for the same event is a retry: the step is replayed.
	retry := NewStepRunner(store, "evt-1", nil)
	out, err = retry.Run(ctx, "create-execution", fn)
	if err != nil {
		t.Fatalf("Run replay: %v", err)
	}
	if string(out) != `{"n":1}` || calls != 1 {
		t.Fatalf("replay out = %s, calls = %d", out, calls)
	}

	// Another event does not share the log.
	other := NewStepRunner(store, "evt-2", nil)
	if _, err := other.Run(ctx, "create-execution", fn); err != nil {
		t.Fatalf("Run other event: %v", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

func TestStepRunner_RepeatedLabelsAreDistinct(t *testing.T) {
	store := NewMemoryStepStore()
	ctx := context.Background()
	r := NewStepRunner(store, "evt", nil)

	a, err := core.RunStep(ctx, r, "http-request", func(context.Context) (string, error) { return "first", nil })
	if err != nil {
		t.Fatalf("RunStep: %v", err)
	}
	b, err := core.RunStep(ctx, r, "http-request", func(context.Context) (string, error) { return "second", nil })
	if err != nil {
		t.Fatalf("RunStep: %v", err)
	}
	if a != "first" || b != "second" {
		t.Fatalf("results = %q, %q", a, b)
	}
	if _, ok, _ := store.LoadStep(ctx, "evt", "http-request:2"); !ok {
		t.Fatal("second occurrence not recorded under http-request:2")
	}
}

func TestStepRunner_FailedStepIsNotRecorded(t *testing.T) {
	store := NewMemoryStepStore()
	r := NewStepRunner(store, "evt", nil)
	boom := errors.New("boom")

	_, err := r.Run(context.Background(), "slack-webhook", func(context.Context) (any, error) { return nil, boom })
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if store.Len() != 0 {
		t.Fatalf("store has %d steps", store.Len())
	}
}

func TestStepRunner_UnencodableResultIsNonRetriable(t *testing.T) {
	r := NewStepRunner(NewMemoryStepStore(), "evt", nil)
	_, err := r.Run(context.Background(), "bad", func(context.Context) (any, error) {
		return make(chan int), nil
	})
	if !core.IsNonRetriable(err) {
		t.Fatalf("err = %v, want non-retriable", err)
	}
}

func fastConfig(onFailure FailureHandler) EngineConfig {
	return EngineConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		OnFailure:      onFailure,
	}
}

func TestEngine_RetriesTransientAndReplaysSteps(t *testing.T) {
	var sideEffects, attempts int
	fn := func(ctx context.Context, evt core.Event, step core.StepRunner) error {
		attempts++
		if _, err := step.Run(ctx, "create-execution", func(context.Context) (any, error) {
			sideEffects++
			return "exec-1", nil
		}); err != nil {
			return err
		}
		if attempts < 2 {
			return errors.New("temporary outage")
		}
		return nil
	}

	failed := false
	engine, err := NewEngine(fn, fastConfig(func(context.Context, core.Event, error) { failed = true }))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if err := engine.Execute(context.Background(), core.Event{ID: "evt"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if attempts != 2 || sideEffects != 1 {
		t.Fatalf("attempts = %d, side effects = %d", attempts, sideEffects)
	}
	if failed {
		t.Fatal("failure handler called on success")
	}
}

func TestEngine_NonRetriableStopsImmediately(t *testing.T) {
	attempts := 0
	fn := func(context.Context, core.Event, core.StepRunner) error {
		attempts++
		return &core.CyclicGraphError{}
	}

	var handled []error
	engine, err := NewEngine(fn, fastConfig(func(_ context.Context, _ core.Event, err error) {
		handled = append(handled, err)
	}))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	err = engine.Execute(context.Background(), core.Event{ID: "evt"})
	var cyclic *core.CyclicGraphError
	if !errors.As(err, &cyclic) {
		t.Fatalf("err = %v, want CyclicGraphError", err)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1", attempts)
	}
	if len(handled) != 1 || handled[0].Error() != "Workflow contains a cycle" {
		t.Fatalf("handled = %v", handled)
	}
}

func TestEngine_ExhaustsAttempts(t *testing.T) {
	attempts := 0
	fn := func(context.Context, core.Event, core.StepRunner) error {
		attempts++
		return errors.New("still down")
	}

	handled := 0
	engine, err := NewEngine(fn, fastConfig(func(context.Context, core.Event, error) { handled++ }))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if err := engine.Execute(context.Background(), core.Event{ID: "evt"}); err == nil || err.Error() != "still down" {
		t.Fatalf("err = %v", err)
	}
	if attempts != 3 || handled != 1 {
		t.Fatalf("attempts = %d, handled = %d", attempts, handled)
	}
}

func TestNewEngine_RequiresFunction(t *testing.T) {
	if _, err := NewEngine(nil, EngineConfig{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestQueue_DispatchesEvents(t *testing.T) {
	var (
		mu   sync.Mutex
		seen = map[string]bool{}
		wg   sync.WaitGroup
	)
	fn := func(_ context.Context, evt core.Event, _ core.StepRunner) error {
		defer wg.Done()
		mu.Lock()
		seen[evt.ID] = true
		mu.Unlock()
		return nil
	}
	engine, err := NewEngine(fn, fastConfig(nil))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	q := NewQueue(engine, QueueConfig{Workers: 2, Size: 8})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- q.Run(ctx) }()

	const n = 5
	wg.Add(n)
	var ids []string
	for i := 0; i < n; i++ {
		evt, err := q.Send(ctx, core.Event{Data: core.EventData{WorkflowID: "wf"}})
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
		if evt.ID == "" || evt.Name != core.ExecuteEventName {
			t.Fatalf("event = %+v", evt)
		}
		ids = append(ids, evt.ID)
	}
	wg.Wait()

	mu.Lock()
	for _, id := range ids {
		if !seen[id] {
			t.Errorf("event %s not dispatched", id)
		}
	}
	mu.Unlock()

	q.Close()
	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}
	if _, err := q.Send(context.Background(), core.Event{}); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("Send after Close err = %v", err)
	}
}

func TestQueue_SendKeepsExplicitID(t *testing.T) {
	engine, _ := NewEngine(func(context.Context, core.Event, core.StepRunner) error { return nil }, EngineConfig{})
	q := NewQueue(engine, QueueConfig{Size: 1})
	evt, err := q.Send(context.Background(), core.Event{ID: "evt-fixed", Name: "custom"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if evt.ID != "evt-fixed" || evt.Name != "custom" || q.Pending() != 1 {
		t.Fatalf("event = %+v, pending = %d", evt, q.Pending())
	}

	// Buffer is full and nothing drains it.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := q.Send(ctx, core.Event{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Send on full queue err = %v", err)
	}
}

func TestEngine_FailureHandlerSeesUncancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var handlerCtxErr atomic.Value
	fn := func(context.Context, core.Event, core.StepRunner) error {
		cancel()
		return errors.New("transient")
	}
	engine, _ := NewEngine(fn, EngineConfig{
		MaxAttempts:    5,
		InitialBackoff: time.Hour,
		OnFailure: func(ctx context.Context, _ core.Event, _ error) {
			handlerCtxErr.Store(ctx.Err() == nil)
		},
	})
	if err := engine.Execute(ctx, core.Event{ID: "evt"}); err == nil {
		t.Fatal("expected error")
	}
	if ok, _ := handlerCtxErr.Load().(bool); !ok {
		t.Fatal("failure handler context was cancelled")
	}
}
