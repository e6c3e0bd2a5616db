package rabbitmq

import (
	"context"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// fakeChannel routes publishes the way the broker does for direct bindings and
// hands mandatory messages without a route back on returns.
type fakeChannel struct {
	queues    map[string]amqp.Table
	bindings  map[string][]string
	declares  map[string]int
	delivered map[string]int
	returns   chan amqp.Return
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		queues:    make(map[string]amqp.Table),
		bindings:  make(map[string][]string),
		declares:  make(map[string]int),
		delivered: make(map[string]int),
		returns:   make(chan amqp.Return, 16),
	}
}

func (c *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return nil
}

func (c *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	c.declares[name]++
	if _, ok := c.queues[name]; !ok {
		c.queues[name] = args
	}
	return amqp.Queue{Name: name}, nil
}

func (c *fakeChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	c.bindings[exchange+"|"+key] = append(c.bindings[exchange+"|"+key], name)
	return nil
}

func (c *fakeChannel) PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error) {
	var targets []string
	if exchange == "" {
		if _, ok := c.queues[key]; ok {
			targets = []string{key}
		}
	} else {
		for _, q := range c.bindings[exchange+"|"+key] {
			if _, ok := c.queues[q]; ok {
				targets = append(targets, q)
			}
		}
	}
	if len(targets) == 0 && mandatory {
		c.returns <- amqp.Return{MessageId: msg.MessageId, Exchange: exchange, RoutingKey: key, ReplyCode: 312, ReplyText: "NO_ROUTE"}
	}
	for _, q := range targets {
		c.delivered[q]++
	}
	return nil, nil
}

func (c *fakeChannel) Close() error { return nil }

// expire drops a queue the way x-expires does once it has been idle.
func (c *fakeChannel) expire(name string) {
	delete(c.queues, name)
}

func newTestProducer(ch *fakeChannel) *EventProducer {
	return &EventProducer{
		channel:   ch,
		returns:   ch.returns,
		exchanges: make(map[string]struct{}),
		logger:    zap.NewNop(),
	}
}

func TestPublishDelayedRecreatesExpiredDelayQueue(t *testing.T) {
	ch := newFakeChannel()
	p := newTestProducer(ch)
	ctx := context.Background()
	queue := DelayQueueName("settlement", "settlement.place_bid", 2*time.Second)

	if err := p.PublishDelayed(ctx, "settlement", "settlement.place_bid", map[string]int{"attempt": 1}, 2*time.Second); err != nil {
		t.Fatalf("first delayed publish failed: %v", err)
	}
	ch.expire(queue)

	if err := p.PublishDelayed(ctx, "settlement", "settlement.place_bid", map[string]int{"attempt": 2}, 2*time.Second); err != nil {
		t.Fatalf("delayed publish after expiry failed: %v", err)
	}
	if ch.declares[queue] != 2 {
		t.Fatalf("expected the delay queue to be declared on each publish, got %d declares", ch.declares[queue])
	}
	if ch.delivered[queue] != 2 {
		t.Fatalf("expected both messages parked in %s, got %d", queue, ch.delivered[queue])
	}
}

func TestDelayQueueArgsDeadLetterIntoExchange(t *testing.T) {
	args := DelayQueueArgs("settlement", "lifecycle.end_auction", 5*time.Second)
	if args["x-message-ttl"] != int64(5000) {
		t.Fatalf("unexpected ttl %v", args["x-message-ttl"])
	}
	if args["x-dead-letter-exchange"] != "settlement" || args["x-dead-letter-routing-key"] != "lifecycle.end_auction" {
		t.Fatalf("unexpected dead-letter target %v", args)
	}
	if expires, _ := args["x-expires"].(int64); expires <= 5000 {
		t.Fatalf("expected idle expiry beyond the ttl, got %v", args["x-expires"])
	}
}

func TestPublishWithoutBoundQueueIsUnroutable(t *testing.T) {
	ch := newFakeChannel()
	p := newTestProducer(ch)
	ctx := context.Background()

	err := p.Publish(ctx, "settlement", "settlement.place_bid", map[string]int{"auctionId": 1})
	if !errors.Is(err, ErrUnroutable) {
		t.Fatalf("expected ErrUnroutable, got %v", err)
	}

	if err := p.DeclareQueue("settlement", "settlement.jobs", []string{"settlement.place_bid"}); err != nil {
		t.Fatalf("DeclareQueue returned error: %v", err)
	}
	if err := p.Publish(ctx, "settlement", "settlement.place_bid", map[string]int{"auctionId": 1}); err != nil {
		t.Fatalf("publish after binding failed: %v", err)
	}
	if ch.delivered["settlement.jobs"] != 1 {
		t.Fatalf("expected one delivery, got %d", ch.delivered["settlement.jobs"])
	}
}

func TestStaleReturnDoesNotFailLaterPublish(t *testing.T) {
	ch := newFakeChannel()
	p := newTestProducer(ch)
	if err := p.DeclareQueue("settlement", "settlement.jobs", []string{"settlement.place_bid"}); err != nil {
		t.Fatalf("DeclareQueue returned error: %v", err)
	}
	ch.returns <- amqp.Return{MessageId: "earlier-message", ReplyCode: 312, ReplyText: "NO_ROUTE"}

	if err := p.Publish(context.Background(), "settlement", "settlement.place_bid", map[string]int{"auctionId": 1}); err != nil {
		t.Fatalf("expected unrelated return to be ignored, got %v", err)
	}
}
