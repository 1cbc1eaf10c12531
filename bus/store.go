package bus

import (
	"context"

	"github.com/petal-labs/flowforge/core"
)

// EventStore persists status messages for replay.
type EventStore interface {
	// Append stores a message.
	Append(ctx context.Context, msg core.StatusMessage) error

	// List returns the messages of an execution in Seq order.
	// afterSeq: return messages with Seq > afterSeq (0 means all)
	// limit: max messages to return (0 means no limit)
	List(ctx context.Context, executionID string, afterSeq uint64, limit int) ([]core.StatusMessage, error)

	// LatestSeq returns the highest Seq for an execution (0 if none).
	LatestSeq(ctx context.Context, executionID string) (uint64, error)
}
