package bus

import (
	"context"
	"log/slog"

	"github.com/petal-labs/flowforge/core"
)

// Recorder is a Publisher that writes messages to an EventStore. Combine it
// with a live bus through MultiPublisher.
type Recorder struct {
	store  EventStore
	logger *slog.Logger
}

// NewRecorder creates a Recorder.
func NewRecorder(store EventStore, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:  store,
		logger: logger,
	}
}

// Publish persists msg. Messages without an execution id are not stored.
func (r *Recorder) Publish(ctx context.Context, msg core.StatusMessage) error {
	if msg.ExecutionID == "" {
		return nil
	}
	if err := r.store.Append(ctx, msg); err != nil {
		r.logger.Error("failed to persist status message",
			"execution_id", msg.ExecutionID,
			"node_id", msg.NodeID,
			"seq", msg.Seq,
			"error", err,
		)
		return err
	}
	return nil
}

// Drain persists every message of sub until it is closed or ctx is done.
func (r *Recorder) Drain(ctx context.Context, sub Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			_ = r.Publish(ctx, msg)
		}
	}
}

var _ Publisher = (*Recorder)(nil)
