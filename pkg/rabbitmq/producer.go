/**
 * @description
 * This package provides the RabbitMQ plumbing for the settlement queue: a
 * confirming producer that can publish immediately or after a delay, and a
 * manual-ack consumer bound to a topic exchange.
 *
 * @dependencies
 * - github.com/rabbitmq/amqp091-go: The RabbitMQ client library.
 * - go.uber.org/zap: Structured logging.
 */
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// MaxDelay caps a single delayed publish. Longer waits are reached by the
// consumer re-publishing the remaining delay when a message arrives early.
const MaxDelay = 24 * time.Hour

// ErrPublishNacked is returned when the broker refuses a confirmed publish.
var ErrPublishNacked = errors.New("rabbitmq: publish not confirmed by broker")

// ErrUnroutable is returned when the broker hands a mandatory publish back
// because no queue is bound for it.
var ErrUnroutable = errors.New("rabbitmq: message unroutable")

// Publisher is the interface implemented by types that can publish messages.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
	PublishDelayed(ctx context.Context, exchange, routingKey string, body interface{}, delay time.Duration) error
	Close()
}

// amqpChannel is the part of *amqp.Channel the producer drives.
type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error)
	Close() error
}

// EventProducer holds the RabbitMQ connection and a confirm-mode channel.
// Every publish is mandatory: a message no queue would receive comes back on
// returns and is reported as ErrUnroutable.
type EventProducer struct {
	mu        sync.Mutex
	conn      *amqp.Connection
	channel   amqpChannel
	returns   chan amqp.Return
	exchanges map[string]struct{}
	logger    *zap.Logger
}

// NewEventProducer dials RabbitMQ with a bounded timeout and opens a channel in
// publisher confirm mode.
func NewEventProducer(amqpURL string, logger *zap.Logger) (*EventProducer, error) {
	cleanURL, err := sanitizeURL(amqpURL)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	conn, err := amqp.DialConfig(cleanURL, amqp.Config{Dial: amqp.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}

	p := &EventProducer{
		conn:      conn,
		exchanges: make(map[string]struct{}),
		logger:    logger.With(zap.String("component", "rabbitmq_producer")),
	}
	if err := p.reopenChannel(); err != nil {
		conn.Close()
		return nil, err
	}
	return p, nil
}

func (p *EventProducer) reopenChannel() error {
	if p.conn == nil {
		return amqp.ErrClosed
	}
	ch, err := p.conn.Channel()
	if err != nil {
		return err
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return fmt.Errorf("enable publisher confirms: %w", err)
	}
	if p.channel != nil {
		p.channel.Close()
	}
	p.channel = ch
	p.returns = ch.NotifyReturn(make(chan amqp.Return, 16))
	p.exchanges = make(map[string]struct{})
	return nil
}

func (p *EventProducer) declareExchange(exchange string) error {
	if _, ok := p.exchanges[exchange]; ok {
		return nil
	}
	if err := p.channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}
	p.exchanges[exchange] = struct{}{}
	return nil
}

// DeclareQueue declares a durable queue bound to exchange for each routing key,
// with the same arguments the consumer uses. Publishers call it at startup so
// jobs route before any consumer has attached.
func (p *EventProducer) DeclareQueue(exchange, queue string, routingKeys []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.declareExchange(exchange); err != nil {
		return err
	}
	if _, err := p.channel.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}
	for _, key := range routingKeys {
		if err := p.channel.QueueBind(queue, key, exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s to %s: %w", queue, key, err)
		}
	}
	return nil
}

// Publish sends a persistent JSON message and waits for the broker confirm.
// On a channel error the channel is reopened and the publish retried once.
func (p *EventProducer) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		p.logger.Error("json marshal failed", zap.String("exchange", exchange), zap.String("routing_key", routingKey), zap.Error(err))
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	return p.withRetry(ctx, "publish", func() error {
		if err := p.declareExchange(exchange); err != nil {
			return err
		}
		return p.publishConfirmed(ctx, exchange, routingKey, payload)
	}, zap.String("exchange", exchange), zap.String("routing_key", routingKey))
}

// PublishDelayed parks the message in a per-delay TTL queue that dead-letters it
// back into exchange with routingKey once the delay has elapsed. The delay queue
// is declared on every publish: the declare is idempotent and resets the idle
// expiry, so a bucket unused for longer than x-expires is recreated.
func (p *EventProducer) PublishDelayed(ctx context.Context, exchange, routingKey string, body interface{}, delay time.Duration) error {
	if delay <= 0 {
		return p.Publish(ctx, exchange, routingKey, body)
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	bucket := DelayBucket(delay)
	queue := DelayQueueName(exchange, routingKey, bucket)

	p.mu.Lock()
	defer p.mu.Unlock()

	return p.withRetry(ctx, "delayed publish", func() error {
		if err := p.declareExchange(exchange); err != nil {
			return err
		}
		if _, err := p.channel.QueueDeclare(queue, true, false, false, false, DelayQueueArgs(exchange, routingKey, bucket)); err != nil {
			return err
		}
		// The default exchange routes by queue name.
		return p.publishConfirmed(ctx, "", queue, payload)
	}, zap.String("queue", queue))
}

func (p *EventProducer) withRetry(ctx context.Context, op string, publish func() error, fields ...zap.Field) error {
	err := publish()
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrPublishNacked) || errors.Is(err, ErrUnroutable) || ctx.Err() != nil {
		return err
	}
	p.logger.Warn(op+" failed; reopening channel", append(fields, zap.Error(err))...)
	if chErr := p.reopenChannel(); chErr != nil {
		return fmt.Errorf("%s failed: %v; reopen channel: %w", op, err, chErr)
	}
	return publish()
}

func (p *EventProducer) publishConfirmed(ctx context.Context, exchange, routingKey string, payload []byte) error {
	messageID := uuid.NewString()
	confirm, err := p.channel.PublishWithDeferredConfirmWithContext(ctx,
		exchange,
		routingKey,
		true,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    messageID,
			Timestamp:    time.Now(),
			Body:         payload,
		},
	)
	if err != nil {
		return err
	}
	if confirm != nil {
		acked, err := confirm.WaitContext(ctx)
		if err != nil {
			return err
		}
		if !acked {
			return ErrPublishNacked
		}
	}
	// The broker sends basic.return before the ack for the same message, so a
	// return for messageID is already buffered once the confirm has resolved.
	return p.checkReturned(messageID)
}

func (p *EventProducer) checkReturned(messageID string) error {
	for {
		select {
		case r, ok := <-p.returns:
			if !ok {
				return nil
			}
			if r.MessageId != messageID {
				continue
			}
			return fmt.Errorf("%w: exchange=%q routing_key=%q: %d %s", ErrUnroutable, r.Exchange, r.RoutingKey, r.ReplyCode, r.ReplyText)
		default:
			return nil
		}
	}
}

// Close gracefully closes the channel and connection to RabbitMQ.
func (p *EventProducer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}

// DelayBucket normalizes a delay so nearby delays share a queue: sub-minute delays
// keep 100ms precision, longer ones are rounded up to the second. The result is
// capped at MaxDelay.
func DelayBucket(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}
	if delay > MaxDelay {
		return MaxDelay
	}
	step := 100 * time.Millisecond
	if delay >= time.Minute {
		step = time.Second
	}
	return time.Duration(math.Ceil(float64(delay)/float64(step))) * step
}

// DelayQueueArgs are the arguments of a delay queue: a per-queue TTL that
// dead-letters into exchange with routingKey, and an idle expiry an hour past
// the TTL so unused buckets are removed.
func DelayQueueArgs(exchange, routingKey string, bucket time.Duration) amqp.Table {
	ttl := bucket.Milliseconds()
	return amqp.Table{
		"x-message-ttl":             ttl,
		"x-dead-letter-exchange":    exchange,
		"x-dead-letter-routing-key": routingKey,
		"x-expires":                 ttl + time.Hour.Milliseconds(),
	}
}

// DelayQueueName is the TTL queue used for one routing key and delay bucket.
func DelayQueueName(exchange, routingKey string, bucket time.Duration) string {
	return fmt.Sprintf("%s.delay.%s.%d", exchange, routingKey, bucket.Milliseconds())
}

// ErrUnavailable is returned by UnavailablePublisher.
var ErrUnavailable = errors.New("rabbitmq: broker unavailable")

// UnavailablePublisher stands in when RabbitMQ could not be reached at startup.
// Every publish fails so callers surface the outage instead of dropping work.
type UnavailablePublisher struct {
	Logger *zap.Logger
}

func (p *UnavailablePublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	if p.Logger != nil {
		p.Logger.Warn("publish rejected; broker unavailable", zap.String("component", "rabbitmq_producer"), zap.String("mode", "fallback"), zap.String("exchange", exchange), zap.String("routing_key", routingKey))
	}
	return ErrUnavailable
}

func (p *UnavailablePublisher) PublishDelayed(ctx context.Context, exchange, routingKey string, body interface{}, delay time.Duration) error {
	return p.Publish(ctx, exchange, routingKey, body)
}

func (p *UnavailablePublisher) Close() {}
