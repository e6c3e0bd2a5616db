package app

import (
	"context"
	"fmt"
	"time"

	"github.com/programming-warrior/vehiclevista-sub000/internal/domain"
	"github.com/programming-warrior/vehiclevista-sub000/pkg/rabbitmq"
)

// Routing keys on the settlement exchange. Settlement jobs and lifecycle jobs
// are bound to separate queues.
const (
	RoutingPlaceBid       = "settlement.place_bid"
	RoutingPurchaseTicket = "settlement.purchase_ticket"
	RoutingStartAuction   = "lifecycle.start_auction"
	RoutingEndAuction     = "lifecycle.end_auction"
	RoutingStartRaffle    = "lifecycle.start_raffle"
	RoutingEndRaffle      = "lifecycle.end_raffle"
)

const maxRetryDelay = 5 * time.Minute

// RoutingKey returns the routing key a job type is published with.
func RoutingKey(t domain.JobType) (string, error) {
	switch t {
	case domain.JobPlaceBid:
		return RoutingPlaceBid, nil
	case domain.JobPurchaseTicket:
		return RoutingPurchaseTicket, nil
	case domain.JobStartAuction:
		return RoutingStartAuction, nil
	case domain.JobEndAuction:
		return RoutingEndAuction, nil
	case domain.JobStartRaffle:
		return RoutingStartRaffle, nil
	case domain.JobEndRaffle:
		return RoutingEndRaffle, nil
	default:
		return "", fmt.Errorf("%w: %q", domain.ErrUnknownJobType, t)
	}
}

// SettlementRoutingKeys are bound to the settlement queue.
func SettlementRoutingKeys() []string {
	return []string{RoutingPlaceBid, RoutingPurchaseTicket}
}

// LifecycleRoutingKeys are bound to the lifecycle queue.
func LifecycleRoutingKeys() []string {
	return []string{RoutingStartAuction, RoutingEndAuction, RoutingStartRaffle, RoutingEndRaffle}
}

// JobQueue publishes job envelopes to the settlement exchange.
type JobQueue struct {
	publisher rabbitmq.Publisher
	exchange  string
}

func NewJobQueue(publisher rabbitmq.Publisher, exchange string) *JobQueue {
	return &JobQueue{publisher: publisher, exchange: exchange}
}

// Enqueue publishes job for immediate delivery.
func (q *JobQueue) Enqueue(ctx context.Context, job domain.Job) (domain.JobEnvelope, error) {
	return q.EnqueueAfter(ctx, job, 0)
}

// EnqueueAfter publishes job for delivery after delay. Delays beyond the broker
// maximum are capped; lifecycle handlers re-publish jobs that arrive early.
func (q *JobQueue) EnqueueAfter(ctx context.Context, job domain.Job, delay time.Duration) (domain.JobEnvelope, error) {
	if err := job.Validate(); err != nil {
		return domain.JobEnvelope{}, fmt.Errorf("invalid %s job: %w", job.Type(), err)
	}
	env, err := domain.NewEnvelope(job)
	if err != nil {
		return domain.JobEnvelope{}, err
	}
	if err := q.Requeue(ctx, env, delay); err != nil {
		return domain.JobEnvelope{}, err
	}
	return env, nil
}

// Requeue publishes an existing envelope, keeping its id and attempt count.
func (q *JobQueue) Requeue(ctx context.Context, env domain.JobEnvelope, delay time.Duration) error {
	key, err := RoutingKey(env.Type)
	if err != nil {
		return err
	}
	if delay > rabbitmq.MaxDelay {
		delay = rabbitmq.MaxDelay
	}
	if delay > 0 {
		err = q.publisher.PublishDelayed(ctx, q.exchange, key, env, delay)
	} else {
		err = q.publisher.Publish(ctx, q.exchange, key, env)
	}
	if err != nil {
		return domain.Transient("publish "+string(env.Type), err)
	}
	return nil
}

// retryDelay is the exponential backoff before retry number attempt+1.
func retryDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if attempt < 0 {
		attempt = 0
	}
	delay := base << minInt(attempt, 10)
	if delay > maxRetryDelay {
		return maxRetryDelay
	}
	return delay
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
