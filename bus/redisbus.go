package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petal-labs/flowforge/core"
)

const redisChannelPrefix = "flowforge"

// RedisBusConfig configures a Redis-backed bus.
type RedisBusConfig struct {
	Addr     string
	Password string
	DB       int

	// SubscriberBufferSize is the channel buffer size per subscriber (default: 256).
	SubscriberBufferSize int
	Logger               *slog.Logger
}

// RedisBus publishes status messages as JSON over Redis PUBLISH so that
// executions in one process reach subscribers in another.
type RedisBus struct {
	client  *redis.Client
	bufSize int
	logger  *slog.Logger

	mu     sync.Mutex
	subs   map[*redisSub]struct{}
	closed bool
}

// NewRedisBus connects to Redis and verifies the connection.
func NewRedisBus(cfg RedisBusConfig) (*RedisBus, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, errors.New("redis bus: addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis bus: connect: %w", err)
	}

	bufSize := cfg.SubscriberBufferSize
	if bufSize <= 0 {
		bufSize = 256
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBus{
		client:  client,
		bufSize: bufSize,
		logger:  logger,
		subs:    make(map[*redisSub]struct{}),
	}, nil
}

// RedisChannel returns the Redis channel name for a status channel and topic.
func RedisChannel(channel, topic string) string {
	return redisChannelPrefix + ":" + channel + ":" + topic
}

// Publish implements Publisher.
func (b *RedisBus) Publish(ctx context.Context, msg core.StatusMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("redis bus: marshal: %w", err)
	}
	if err := b.client.Publish(ctx, RedisChannel(msg.Channel, msg.Topic), payload).Err(); err != nil {
		return fmt.Errorf("redis bus: publish: %w", err)
	}
	return nil
}

// Subscribe implements Bus. It returns once Redis has confirmed the
// subscription, so messages published afterwards are not missed.
func (b *RedisBus) Subscribe(ctx context.Context, filter Filter) (Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, errors.New("redis bus: closed")
	}
	b.mu.Unlock()

	var pubsub *redis.PubSub
	if filter.Channel != "" && filter.Topic != "" {
		pubsub = b.client.Subscribe(ctx, RedisChannel(filter.Channel, filter.Topic))
	} else {
		pubsub = b.client.PSubscribe(ctx, RedisChannel(orWildcard(filter.Channel), orWildcard(filter.Topic)))
	}
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis bus: subscribe: %w", err)
	}

	sub := &redisSub{
		memSub: newMemSub(b.bufSize, filter),
		pubsub: pubsub,
		done:   make(chan struct{}),
	}
	sub.detach = func() { b.forget(sub) }

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go b.pump(sub)
	return sub, nil
}

func (b *RedisBus) pump(sub *redisSub) {
	defer close(sub.done)
	defer sub.memSub.close()

	for m := range sub.pubsub.Channel() {
		var msg core.StatusMessage
		if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
			b.logger.Warn("redis bus: dropping malformed message", "channel", m.Channel, "error", err)
			continue
		}
		sub.send(msg)
	}
}

func (b *RedisBus) forget(sub *redisSub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, sub)
}

// Close closes every subscription and the Redis client.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*redisSub, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = map[*redisSub]struct{}{}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.shutdown()
	}
	return b.client.Close()
}

func orWildcard(s string) string {
	if s == "" {
		return "*"
	}
	return s
}

type redisSub struct {
	*memSub
	pubsub *redis.PubSub
	done   chan struct{}
	once   sync.Once
}

func (s *redisSub) Close() error {
	if s.detach != nil {
		s.detach()
	}
	s.shutdown()
	return nil
}

// shutdown closes the Redis subscription and waits for the pump to exit,
// which closes the message channel.
func (s *redisSub) shutdown() {
	s.once.Do(func() {
		_ = s.pubsub.Close()
		<-s.done
	})
}

var _ Bus = (*RedisBus)(nil)
