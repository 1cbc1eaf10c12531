// Package durable runs workflow functions with memoized steps and retries.
//
// A function receives a core.StepRunner scoped to its event. Every side
// effect runs inside a labeled step whose result is written to a StepStore;
// when the function is retried for the same event, recorded steps return
// their stored result instead of running again.
package durable

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/petal-labs/flowforge/core"
)

// StepStore records step results keyed by event id and step key.
type StepStore interface {
	LoadStep(ctx context.Context, eventID, label string) (json.RawMessage, bool, error)
	SaveStep(ctx context.Context, eventID, label string, output json.RawMessage) error
}

type stepKey struct {
	eventID string
	label   string
}

// MemoryStepStore is an in-process StepStore.
type MemoryStepStore struct {
	mu    sync.RWMutex
	steps map[stepKey]json.RawMessage
}

// NewMemoryStepStore creates an empty MemoryStepStore.
func NewMemoryStepStore() *MemoryStepStore {
	return &MemoryStepStore{steps: make(map[stepKey]json.RawMessage)}
}

// LoadStep implements StepStore.
func (s *MemoryStepStore) LoadStep(_ context.Context, eventID, label string) (json.RawMessage, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out, ok := s.steps[stepKey{eventID, label}]
	if !ok {
		return nil, false, nil
	}
	return append(json.RawMessage(nil), out...), true, nil
}

// SaveStep implements StepStore. The first recorded result wins.
func (s *MemoryStepStore) SaveStep(_ context.Context, eventID, label string, output json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := stepKey{eventID, label}
	if _, exists := s.steps[key]; exists {
		return nil
	}
	s.steps[key] = append(json.RawMessage(nil), output...)
	return nil
}

// Len returns the number of recorded steps.
func (s *MemoryStepStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.steps)
}

// StepRunner implements core.StepRunner for one attempt of one event.
//
// Labels repeated within an attempt are keyed by occurrence: the second
// "http-request" step is recorded as "http-request:2". Since a workflow runs
// its nodes in a deterministic order, the same occurrence maps to the same
// node on every attempt.
type StepRunner struct {
	store   StepStore
	eventID string
	logger  *slog.Logger

	mu   sync.Mutex
	seen map[string]int
}

var _ core.StepRunner = (*StepRunner)(nil)

// NewStepRunner creates a runner for one attempt of eventID.
func NewStepRunner(store StepStore, eventID string, logger *slog.Logger) *StepRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &StepRunner{
		store:   store,
		eventID: eventID,
		logger:  logger,
		seen:    make(map[string]int),
	}
}

// Run implements core.StepRunner.
func (r *StepRunner) Run(ctx context.Context, label string, fn core.StepFunc) (json.RawMessage, error) {
	key := r.nextKey(label)

	recorded, ok, err := r.store.LoadStep(ctx, r.eventID, key)
	if err != nil {
		return nil, fmt.Errorf("load step %q: %w", key, err)
	}
	if ok {
		r.logger.Debug("step replayed", "event_id", r.eventID, "step", key)
		return recorded, nil
	}

	result, err := fn(ctx)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(result)
	if err != nil {
		return nil, &core.NonRetriableError{Message: fmt.Sprintf("encode step %q result", key), Cause: err}
	}
	if err := r.store.SaveStep(ctx, r.eventID, key, out); err != nil {
		return nil, fmt.Errorf("save step %q: %w", key, err)
	}
	r.logger.Debug("step recorded", "event_id", r.eventID, "step", key)
	return out, nil
}

func (r *StepRunner) nextKey(label string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen[label]++
	if n := r.seen[label]; n > 1 {
		return label + ":" + strconv.Itoa(n)
	}
	return label
}
