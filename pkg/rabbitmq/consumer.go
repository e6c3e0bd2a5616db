package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Handler processes one delivery body. Returning true acknowledges the message;
// false negatively acknowledges it with requeue.
type Handler func(body []byte) bool

// Consumer consumes one durable queue with manual acknowledgements.
type Consumer struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	logger *zap.Logger

	mu   sync.Mutex
	tags []string
	wg   sync.WaitGroup
}

// NewConsumer dials RabbitMQ and opens the consuming channel.
func NewConsumer(amqpURL string, logger *zap.Logger) (*Consumer, error) {
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

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &Consumer{conn: conn, ch: ch, logger: logger.With(zap.String("component", "rabbitmq_consumer"))}, nil
}

// SetPrefetch bounds the number of unacknowledged deliveries per consumer.
func (c *Consumer) SetPrefetch(count int) error {
	if count <= 0 {
		return nil
	}
	return c.ch.Qos(count, 0, false)
}

// ConsumeWithBindings declares exchange and queueName, binds one routing key per
// handler and dispatches deliveries to the matching handler. Deliveries whose
// routing key has no handler are acknowledged and dropped.
func (c *Consumer) ConsumeWithBindings(exchange, queueName string, bindings map[string]Handler) error {
	if len(bindings) == 0 {
		return fmt.Errorf("no bindings provided")
	}

	if err := c.ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}

	q, err := c.ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return err
	}

	handlers := make(map[string]Handler)
	for routingKey, handler := range bindings {
		if handler == nil {
			continue
		}
		handlers[routingKey] = handler
		if err := c.ch.QueueBind(q.Name, routingKey, exchange, false, nil); err != nil {
			return err
		}
	}

	tag := fmt.Sprintf("%s-%s", queueName, uuid.NewString())
	msgs, err := c.ch.Consume(q.Name, tag, false, false, false, false, nil)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.tags = append(c.tags, tag)
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for d := range msgs {
			handler, ok := handlers[d.RoutingKey]
			if !ok {
				c.logger.Warn("no handler for routing key; acknowledging to drop", zap.String("routing_key", d.RoutingKey))
				_ = d.Ack(false)
				continue
			}
			if handler(d.Body) {
				if err := d.Ack(false); err != nil {
					c.logger.Error("ack failed", zap.String("routing_key", d.RoutingKey), zap.Error(err))
				}
			} else {
				c.logger.Warn("handler failed; re-queuing", zap.String("routing_key", d.RoutingKey))
				if err := d.Nack(false, true); err != nil {
					c.logger.Error("nack failed", zap.String("routing_key", d.RoutingKey), zap.Error(err))
				}
			}
		}
	}()

	return nil
}

// NotifyClose reports when the broker connection goes away. The worker process
// exits on it and relies on its supervisor to restart; unacked jobs are redelivered.
func (c *Consumer) NotifyClose() <-chan *amqp.Error {
	return c.conn.NotifyClose(make(chan *amqp.Error, 1))
}

// Shutdown stops new deliveries, waits for in-flight handlers to finish (or ctx
// to expire) and closes the connection.
func (c *Consumer) Shutdown(ctx context.Context) {
	c.mu.Lock()
	for _, tag := range c.tags {
		if err := c.ch.Cancel(tag, false); err != nil {
			c.logger.Warn("consumer cancel failed", zap.String("tag", tag), zap.Error(err))
		}
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		c.logger.Warn("shutdown deadline reached with handlers in flight")
	}
	c.Close()
}

// Close closes the channel and connection immediately.
func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
