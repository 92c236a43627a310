package events

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisBackplane carries event notifications over Redis pub/sub.
// Publishing happens after the event transaction commits; a crash in
// between loses only the notification, never the event, and the
// subscriber's store polling covers the gap.
type RedisBackplane struct {
	client  *redis.Client
	handler Handler

	mu       sync.Mutex
	pubsub   *redis.PubSub
	channels map[string]bool
	done     chan struct{}
}

// NewRedisBackplane creates a backplane over an existing Redis client.
// The backplane owns the client and closes it on Stop.
func NewRedisBackplane(client *redis.Client) *RedisBackplane {
	return &RedisBackplane{
		client:   client,
		channels: make(map[string]bool),
	}
}

// SetHandler installs the receive callback. Must be called before
// Start.
func (b *RedisBackplane) SetHandler(h Handler) {
	b.handler = h
}

// Start opens the pub/sub connection and begins dispatching messages.
func (b *RedisBackplane) Start(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}

	b.mu.Lock()
	b.pubsub = b.client.Subscribe(ctx)
	b.done = make(chan struct{})
	ch := b.pubsub.Channel()
	b.mu.Unlock()

	go func() {
		defer close(b.done)
		for msg := range ch {
			if b.handler != nil {
				b.handler(msg.Channel, []byte(msg.Payload))
			}
		}
	}()

	slog.Info("Redis backplane started")
	return nil
}

// NotifyTx is a no-op: Redis has no transactional publish tied to the
// database commit.
func (b *RedisBackplane) NotifyTx(context.Context, *sql.Tx, string, []byte) error {
	return nil
}

// PublishCommitted publishes a payload to a channel.
func (b *RedisBackplane) PublishCommitted(ctx context.Context, channel string, payload []byte) error {
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish failed: %w", err)
	}
	return nil
}

// Subscribe adds a channel to the pub/sub connection.
func (b *RedisBackplane) Subscribe(ctx context.Context, channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pubsub == nil {
		return fmt.Errorf("redis backplane not started")
	}
	if b.channels[channel] {
		return nil
	}
	if err := b.pubsub.Subscribe(ctx, channel); err != nil {
		return fmt.Errorf("redis subscribe %s failed: %w", channel, err)
	}
	b.channels[channel] = true
	return nil
}

// Unsubscribe removes a channel from the pub/sub connection.
func (b *RedisBackplane) Unsubscribe(ctx context.Context, channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pubsub == nil || !b.channels[channel] {
		return nil
	}
	if err := b.pubsub.Unsubscribe(ctx, channel); err != nil {
		return fmt.Errorf("redis unsubscribe %s failed: %w", channel, err)
	}
	delete(b.channels, channel)
	return nil
}

// Stop closes the pub/sub connection and the client.
func (b *RedisBackplane) Stop(context.Context) {
	b.mu.Lock()
	pubsub := b.pubsub
	done := b.done
	b.pubsub = nil
	b.mu.Unlock()

	if pubsub != nil {
		_ = pubsub.Close()
		<-done
	}
	_ = b.client.Close()
}
