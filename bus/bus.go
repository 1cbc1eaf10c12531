// Package bus distributes node status messages from running executions to
// subscribers such as the realtime endpoints, and persists them for replay.
package bus

import (
	"context"
	"errors"

	"github.com/petal-labs/flowforge/core"
)

// Publisher sends status messages.
type Publisher interface {
	Publish(ctx context.Context, msg core.StatusMessage) error
}

// Filter selects the messages a subscription receives. Empty fields match
// everything.
type Filter struct {
	Channel     string
	Topic       string
	ExecutionID string
}

// Match reports whether msg passes the filter.
func (f Filter) Match(msg core.StatusMessage) bool {
	if f.Channel != "" && f.Channel != msg.Channel {
		return false
	}
	if f.Topic != "" && f.Topic != msg.Topic {
		return false
	}
	if f.ExecutionID != "" && f.ExecutionID != msg.ExecutionID {
		return false
	}
	return true
}

// Bus is a Publisher with subscriptions.
type Bus interface {
	Publisher

	// Subscribe registers a subscriber. The Subscription must be closed
	// when done.
	Subscribe(ctx context.Context, filter Filter) (Subscription, error)

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// Subscription receives messages.
type Subscription interface {
	// Messages returns the channel of matching messages. It is closed when
	// the subscription or the bus is closed.
	Messages() <-chan core.StatusMessage

	// Close unsubscribes and releases resources.
	Close() error
}

// MultiPublisher publishes every message to all of its publishers.
type MultiPublisher []Publisher

// Publish implements Publisher. Every publisher is attempted; the errors
// are joined.
func (m MultiPublisher) Publish(ctx context.Context, msg core.StatusMessage) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, msg core.StatusMessage) error

// Publish calls f.
func (f PublisherFunc) Publish(ctx context.Context, msg core.StatusMessage) error {
	return f(ctx, msg)
}
