package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Publisher publishes JSON events on Redis Pub/Sub channels.
type Publisher struct {
	client redis.UniversalClient
}

func NewPublisher(client redis.UniversalClient) *Publisher {
	return &Publisher{client: client}
}

// Publish marshals payload and publishes it on channel.
func (p *Publisher) Publish(ctx context.Context, channel string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event for %s: %w", channel, err)
	}
	if err := p.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	return nil
}

// Message is one received Pub/Sub message.
type Message struct {
	Channel string
	Payload []byte
}

// Subscriber wraps a single Redis Pub/Sub connection whose channel set can grow
// and shrink while it is being listened to.
type Subscriber struct {
	mu     sync.Mutex
	pubsub *redis.PubSub
}

// NewSubscriber subscribes to the initial channels and waits for Redis to
// confirm the subscription.
func NewSubscriber(ctx context.Context, client redis.UniversalClient, channels ...string) (*Subscriber, error) {
	ps := client.Subscribe(ctx, channels...)
	if len(channels) > 0 {
		if _, err := ps.Receive(ctx); err != nil {
			ps.Close()
			return nil, fmt.Errorf("failed to subscribe to %v: %w", channels, err)
		}
	}
	return &Subscriber{pubsub: ps}, nil
}

// Subscribe adds channels to the live subscription.
func (s *Subscriber) Subscribe(ctx context.Context, channels ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pubsub.Subscribe(ctx, channels...)
}

// Unsubscribe removes channels from the live subscription.
func (s *Subscriber) Unsubscribe(ctx context.Context, channels ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pubsub.Unsubscribe(ctx, channels...)
}

// Listen delivers messages to handle until ctx is cancelled or the subscription
// is closed. This is a blocking operation - run in a goroutine.
func (s *Subscriber) Listen(ctx context.Context, handle func(Message)) error {
	ch := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			handle(Message{Channel: msg.Channel, Payload: []byte(msg.Payload)})
		}
	}
}

// Close closes the subscription.
func (s *Subscriber) Close() error {
	return s.pubsub.Close()
}
