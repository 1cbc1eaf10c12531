package durable

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/petal-labs/flowforge/core"
)

// Function is the body run for each event.
type Function func(ctx context.Context, evt core.Event, step core.StepRunner) error

// FailureHandler is called once when an event has failed for good.
type FailureHandler func(ctx context.Context, evt core.Event, err error)

const (
	DefaultMaxAttempts    = 4
	DefaultInitialBackoff = time.Second
	DefaultMaxBackoff     = 30 * time.Second
)

// EngineConfig configures an Engine.
type EngineConfig struct {
	Steps StepStore
	// MaxAttempts bounds the total attempts per event, the first included.
	MaxAttempts    uint
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// MaxElapsed bounds the total retry time. Zero means no bound.
	MaxElapsed time.Duration
	OnFailure  FailureHandler
	Logger     *slog.Logger
}

// Engine runs a Function for events with bounded exponential backoff.
type Engine struct {
	fn     Function
	steps  StepStore
	cfg    EngineConfig
	logger *slog.Logger
}

// NewEngine creates an Engine. A nil step store defaults to memory.
func NewEngine(fn Function, cfg EngineConfig) (*Engine, error) {
	if fn == nil {
		return nil, errors.New("durable: function is required")
	}
	if cfg.Steps == nil {
		cfg.Steps = NewMemoryStepStore()
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{fn: fn, steps: cfg.Steps, cfg: cfg, logger: logger}, nil
}

// Execute runs the function for evt until it succeeds, fails with a
// non-retriable error, or exhausts its attempts. In the last two cases the
// failure handler runs once and the final error is returned.
func (e *Engine) Execute(ctx context.Context, evt core.Event) error {
	attempt := 0
	operation := func() (struct{}, error) {
		attempt++
		step := NewStepRunner(e.steps, evt.ID, e.logger)
		err := e.fn(ctx, evt, step)
		if err == nil {
			return struct{}{}, nil
		}
		if core.IsNonRetriable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		e.logger.Warn("event attempt failed",
			"event_id", evt.ID,
			"attempt", attempt,
			"max_attempts", e.cfg.MaxAttempts,
			"error", err,
		)
		return struct{}{}, err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = e.cfg.InitialBackoff
	policy.MaxInterval = e.cfg.MaxBackoff

	opts := []backoff.RetryOption{
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(e.cfg.MaxAttempts),
		backoff.WithMaxElapsedTime(e.cfg.MaxElapsed),
	}
	_, err := backoff.Retry(ctx, operation, opts...)
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Unwrap()
	}
	if err == nil {
		e.logger.Debug("event completed", "event_id", evt.ID, "attempts", attempt)
		return nil
	}

	e.logger.Error("event failed",
		"event_id", evt.ID,
		"attempts", attempt,
		"non_retriable", core.IsNonRetriable(err),
		"error", err,
	)
	if e.cfg.OnFailure != nil {
		// The failure must be recorded even when ctx was cancelled mid-retry.
		e.cfg.OnFailure(context.WithoutCancel(ctx), evt, err)
	}
	return err
}
