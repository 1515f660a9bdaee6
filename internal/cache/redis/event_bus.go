package redis

import (
	"context"
	"fmt"

	"github.com/alanyoungcy/arbitrageur/internal/domain"
)

// EventBus implements domain.EventBus over Redis Pub/Sub. Channel names are
// namespaced by the client's key prefix.
type EventBus struct {
	c *Client
}

// NewEventBus creates an EventBus.
func NewEventBus(c *Client) *EventBus {
	return &EventBus{c: c}
}

// Publish sends payload to channel.
func (b *EventBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.c.rdb.Publish(ctx, b.c.key(channel), payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// Message is one event received by Subscribe.
type Message struct {
	Channel string
	Payload []byte
}

// Subscribe listens on the given channels until ctx is done. The returned
// channel is closed when the subscription ends.
func (b *EventBus) Subscribe(ctx context.Context, channels ...string) (<-chan Message, error) {
	names := make([]string, len(channels))
	byName := make(map[string]string, len(channels))
	for i, ch := range channels {
		names[i] = b.c.key(ch)
		byName[names[i]] = ch
	}

	pubsub := b.c.rdb.Subscribe(ctx, names...)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe %v: %w", channels, err)
	}

	out := make(chan Message, 128)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- Message{Channel: byName[msg.Channel], Payload: []byte(msg.Payload)}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

var _ domain.EventBus = (*EventBus)(nil)
