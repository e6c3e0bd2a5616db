package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/programming-warrior/vehiclevista-sub000/internal/domain"
	"go.uber.org/zap"
)

// ErrNoHandler is returned when a job reaches a process that does not run its handler.
var ErrNoHandler = errors.New("no handler for job type in this process")

// SettlementHandler processes money-moving jobs.
type SettlementHandler interface {
	ProcessBid(ctx context.Context, env domain.JobEnvelope, job domain.PlaceBid) error
	ProcessTicketPurchase(ctx context.Context, env domain.JobEnvelope, job domain.PurchaseTicket) error
}

// LifecycleHandler processes lifecycle transitions.
type LifecycleHandler interface {
	StartAuction(ctx context.Context, env domain.JobEnvelope, job domain.StartAuction) error
	EndAuction(ctx context.Context, env domain.JobEnvelope, job domain.EndAuction) error
	StartRaffle(ctx context.Context, env domain.JobEnvelope, job domain.StartRaffle) error
	EndRaffle(ctx context.Context, env domain.JobEnvelope, job domain.EndRaffle) error
}

// Dispatcher decodes queue deliveries and routes them to their handler.
type Dispatcher struct {
	settlement SettlementHandler
	lifecycle  LifecycleHandler
	timeout    time.Duration
	logger     *zap.Logger
}

// NewDispatcher builds a dispatcher. Either handler may be nil when the process
// does not consume that queue.
func NewDispatcher(settlement SettlementHandler, lifecycle LifecycleHandler, timeout time.Duration, logger *zap.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Dispatcher{settlement: settlement, lifecycle: lifecycle, timeout: timeout, logger: logger}
}

// HandleMessage is the queue callback. It returns true to acknowledge and false
// to have the broker redeliver. Undecodable messages and invalid lifecycle jobs
// are acknowledged and dropped since redelivery cannot fix them.
func (d *Dispatcher) HandleMessage(body []byte) bool {
	var env domain.JobEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		d.logger.Error("dropping undecodable job envelope", zap.Error(err), zap.ByteString("body", truncate(body, 512)))
		return true
	}

	job, err := env.Decode()
	if err != nil {
		d.logger.Error("dropping undecodable job", zap.String("job_id", env.ID), zap.String("job_type", string(env.Type)), zap.Error(err))
		return true
	}
	// A settlement job is always backed by a captured payment, so an invalid
	// one still goes to its handler to be compensated.
	if err := job.Validate(); err != nil && !domain.IsSettlement(env.Type) {
		d.logger.Error("dropping invalid job", zap.String("job_id", env.ID), zap.String("job_type", string(env.Type)), zap.Error(err))
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	if err := d.Dispatch(ctx, env, job); err != nil {
		d.logger.Warn("job processing failed; requesting redelivery", zap.String("job_id", env.ID), zap.String("job_type", string(env.Type)), zap.Error(err))
		return false
	}
	return true
}

// Dispatch routes one decoded job.
func (d *Dispatcher) Dispatch(ctx context.Context, env domain.JobEnvelope, job domain.Job) error {
	switch j := job.(type) {
	case domain.PlaceBid:
		if d.settlement == nil {
			return fmt.Errorf("%w: %s", ErrNoHandler, j.Type())
		}
		return d.settlement.ProcessBid(ctx, env, j)
	case domain.PurchaseTicket:
		if d.settlement == nil {
			return fmt.Errorf("%w: %s", ErrNoHandler, j.Type())
		}
		return d.settlement.ProcessTicketPurchase(ctx, env, j)
	case domain.StartAuction:
		if d.lifecycle == nil {
			return fmt.Errorf("%w: %s", ErrNoHandler, j.Type())
		}
		return d.lifecycle.StartAuction(ctx, env, j)
	case domain.EndAuction:
		if d.lifecycle == nil {
			return fmt.Errorf("%w: %s", ErrNoHandler, j.Type())
		}
		return d.lifecycle.EndAuction(ctx, env, j)
	case domain.StartRaffle:
		if d.lifecycle == nil {
			return fmt.Errorf("%w: %s", ErrNoHandler, j.Type())
		}
		return d.lifecycle.StartRaffle(ctx, env, j)
	case domain.EndRaffle:
		if d.lifecycle == nil {
			return fmt.Errorf("%w: %s", ErrNoHandler, j.Type())
		}
		return d.lifecycle.EndRaffle(ctx, env, j)
	default:
		return fmt.Errorf("%w: %T", domain.ErrUnknownJobType, job)
	}
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
