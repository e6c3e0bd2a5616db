/**
 * @description
 * Collaborator contracts for the app layer. Concrete implementations live in pkg/
 * (Redis pub/sub, JetStream mirror, Stripe client, RabbitMQ queue) and are wired
 * in cmd/settlementd; tests substitute stubs.
 */

package app

import (
	"context"
	"time"

	"github.com/programming-warrior/vehiclevista-sub000/internal/domain"
	"github.com/programming-warrior/vehiclevista-sub000/pkg/paymentclient"
)

// EventPublisher publishes a JSON event on a pub/sub channel.
type EventPublisher interface {
	Publish(ctx context.Context, channel string, payload interface{}) error
}

// AuditSink mirrors settlement and lifecycle outcomes to a durable stream.
type AuditSink interface {
	Record(ctx context.Context, kind, msgID string, payload interface{}) error
}

// DiscardAudit is used when no audit stream is configured.
type DiscardAudit struct{}

func (DiscardAudit) Record(context.Context, string, string, interface{}) error { return nil }

// PaymentGateway is the payment processor.
type PaymentGateway interface {
	RefundPaymentIntent(ctx context.Context, paymentIntentID, reason, idempotencyKey string) (*paymentclient.Refund, error)
	GetRefund(ctx context.Context, refundID string) (*paymentclient.Refund, error)
	GetPaymentIntent(ctx context.Context, paymentIntentID string) (*paymentclient.PaymentIntent, error)
}

// JobPublisher puts jobs on the settlement queue.
type JobPublisher interface {
	Enqueue(ctx context.Context, job domain.Job) (domain.JobEnvelope, error)
	EnqueueAfter(ctx context.Context, job domain.Job, delay time.Duration) (domain.JobEnvelope, error)
	Requeue(ctx context.Context, env domain.JobEnvelope, delay time.Duration) error
}

// IntakeKey identifies one user's submissions against one auction or raffle.
type IntakeKey struct {
	UserID int64
	Kind   domain.ItemKind
	ItemID int64
}

// RateDecision is the outcome of one counted submission.
type RateDecision struct {
	Allowed    bool
	Attempts   int
	RetryAfter time.Duration
}

// RateLimiter counts submissions per IntakeKey in a fixed window.
type RateLimiter interface {
	Take(ctx context.Context, key IntakeKey, limit int, window time.Duration) (RateDecision, error)
}

// CountdownLease grants one instance the right to tick an item's countdown.
type CountdownLease interface {
	AcquireLease(ctx context.Context, key string, ttl time.Duration) (bool, error)
	RenewLease(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, key string) error
}

// ScheduleMarker remembers which delayed Start jobs are already on the queue.
type ScheduleMarker interface {
	MarkScheduled(ctx context.Context, key string, ttl time.Duration) (bool, error)
}
