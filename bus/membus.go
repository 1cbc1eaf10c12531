package bus

import (
	"context"
	"sync"

	"github.com/petal-labs/flowforge/core"
)

// MemBusConfig configures an in-memory bus.
type MemBusConfig struct {
	// SubscriberBufferSize is the channel buffer size per subscriber (default: 256).
	SubscriberBufferSize int
}

// MemBus is an in-process Bus.
type MemBus struct {
	mu         sync.RWMutex
	subs       map[string][]*memSub // channel -> subscribers
	globalSubs []*memSub            // subscribers for every channel
	bufSize    int
	closed     bool
}

// NewMemBus creates an in-memory bus.
func NewMemBus(config MemBusConfig) *MemBus {
	bufSize := config.SubscriberBufferSize
	if bufSize <= 0 {
		bufSize = 256
	}
	return &MemBus{
		subs:    make(map[string][]*memSub),
		bufSize: bufSize,
	}
}

// Publish delivers msg to every matching subscriber. Slow subscribers drop
// messages rather than block the publisher. Publishing on a closed bus is a
// no-op.
func (b *MemBus) Publish(_ context.Context, msg core.StatusMessage) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil
	}
	for _, sub := range b.subs[msg.Channel] {
		sub.send(msg)
	}
	for _, sub := range b.globalSubs {
		sub.send(msg)
	}
	return nil
}

// Subscribe implements Bus.
func (b *MemBus) Subscribe(_ context.Context, filter Filter) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := newMemSub(b.bufSize, filter)
	if b.closed {
		sub.close()
		return sub, nil
	}
	sub.detach = func() { b.remove(sub) }
	if filter.Channel == "" {
		b.globalSubs = append(b.globalSubs, sub)
	} else {
		b.subs[filter.Channel] = append(b.subs[filter.Channel], sub)
	}
	return sub, nil
}

func (b *MemBus) remove(sub *memSub) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub.filter.Channel == "" {
		b.globalSubs = without(b.globalSubs, sub)
		return
	}
	rest := without(b.subs[sub.filter.Channel], sub)
	if len(rest) == 0 {
		delete(b.subs, sub.filter.Channel)
		return
	}
	b.subs[sub.filter.Channel] = rest
}

func without(subs []*memSub, target *memSub) []*memSub {
	out := subs[:0:0]
	for _, s := range subs {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}

// Close shuts down the bus and all active subscriptions.
func (b *MemBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.close()
		}
	}
	for _, sub := range b.globalSubs {
		sub.close()
	}
	b.subs = make(map[string][]*memSub)
	b.globalSubs = nil
	return nil
}

// memSub is a buffered subscription shared by MemBus and RedisBus.
type memSub struct {
	ch     chan core.StatusMessage
	filter Filter
	detach func()

	mu     sync.Mutex
	closed bool
}

func newMemSub(bufSize int, filter Filter) *memSub {
	return &memSub{
		ch:     make(chan core.StatusMessage, bufSize),
		filter: filter,
	}
}

func (s *memSub) Messages() <-chan core.StatusMessage {
	return s.ch
}

func (s *memSub) Close() error {
	if s.detach != nil {
		s.detach()
	}
	s.close()
	return nil
}

// close performs the channel close, guarded against double-close.
func (s *memSub) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// send delivers a message if it matches. A full buffer drops it.
func (s *memSub) send(msg core.StatusMessage) {
	if !s.filter.Match(msg) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	select {
	case s.ch <- msg:
	default:
	}
}

var _ Bus = (*MemBus)(nil)
var _ Subscription = (*memSub)(nil)
