/**
 * @description
 * The settlement worker. It runs the locked read-validate-write transaction for
 * bid and ticket jobs, publishes outcome events only after commit, and routes
 * failures to retry (transient) or to compensation (everything else).
 *
 * @dependencies
 * - internal/store: SettleBid / SettleTicketPurchase own the row locks.
 * - Compensator: refund + failure reporting.
 */

package app

import (
	"context"
	"fmt"
	"time"

	"github.com/programming-warrior/vehiclevista-sub000/internal/domain"
	"github.com/programming-warrior/vehiclevista-sub000/internal/store"
	"go.uber.org/zap"
)

const compensationTimeout = 30 * time.Second

// WorkerConfig bounds the retry policy for settlement jobs.
type WorkerConfig struct {
	MaxAttempts    int
	RetryBaseDelay time.Duration
}

// SettlementWorker processes PlaceBid and PurchaseTicket jobs.
type SettlementWorker struct {
	repo        store.SettlementRepository
	queue       JobPublisher
	events      EventPublisher
	audit       AuditSink
	inbox       *Inbox
	compensator *Compensator
	logger      *zap.Logger
	cfg         WorkerConfig
	now         func() time.Time
}

func NewSettlementWorker(
	repo store.SettlementRepository,
	queue JobPublisher,
	events EventPublisher,
	audit AuditSink,
	inbox *Inbox,
	compensator *Compensator,
	logger *zap.Logger,
	cfg WorkerConfig,
) *SettlementWorker {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if audit == nil {
		audit = DiscardAudit{}
	}
	return &SettlementWorker{
		repo:        repo,
		queue:       queue,
		events:      events,
		audit:       audit,
		inbox:       inbox,
		compensator: compensator,
		logger:      logger,
		cfg:         cfg,
		now:         time.Now,
	}
}

// ProcessBid settles one bid. A returned error means the delivery must be
// redelivered by the broker; every other outcome has been fully handled.
func (w *SettlementWorker) ProcessBid(ctx context.Context, env domain.JobEnvelope, job domain.PlaceBid) error {
	if err := job.Validate(); err != nil {
		return w.handleFailure(ctx, env, job, domain.InvalidPayloadError(job, err))
	}
	result, err := w.repo.SettleBid(ctx, store.SettleBidParams{
		AuctionID:       job.AuctionID,
		UserID:          job.UserID,
		BidAmount:       job.BidAmount,
		PaymentIntentID: job.PaymentIntentID,
		Now:             w.now(),
	})
	if err != nil {
		return w.handleFailure(ctx, env, job, err)
	}

	w.logger.Info("bid settled",
		zap.String("job_id", env.ID),
		zap.Int64("auction_id", job.AuctionID),
		zap.Int64("user_id", job.UserID),
		zap.Int64("bid_id", result.Bid.ID),
		zap.Float64("current_bid", result.Auction.CurrentBid),
		zap.Int("total_bids", result.Auction.TotalBids),
	)

	event := domain.BidPlacedEvent{
		AuctionID: job.AuctionID,
		UserID:    job.UserID,
		BidID:     result.Bid.ID,
		BidAmount: result.Bid.BidAmount,
		TotalBids: result.Auction.TotalBids,
		CreatedAt: result.Bid.CreatedAt,
	}
	w.announce(ctx, domain.ChannelBidPlaced, "bid_placed", job.PaymentIntentID, event)
	w.inbox.Deliver(ctx, job.UserID, domain.NotificationTypeBid,
		"Bid placed",
		fmt.Sprintf("Your bid of %s on auction #%d was accepted.", domain.Money(job.BidAmount).StringFixed(2), job.AuctionID),
		event, "bid:"+job.PaymentIntentID)
	return nil
}

// ProcessTicketPurchase settles one raffle ticket purchase.
func (w *SettlementWorker) ProcessTicketPurchase(ctx context.Context, env domain.JobEnvelope, job domain.PurchaseTicket) error {
	if err := job.Validate(); err != nil {
		return w.handleFailure(ctx, env, job, domain.InvalidPayloadError(job, err))
	}
	result, err := w.repo.SettleTicketPurchase(ctx, store.SettleTicketParams{
		RaffleID:        job.RaffleID,
		UserID:          job.UserID,
		TicketQuantity:  job.TicketQuantity,
		PaymentIntentID: job.PaymentIntentID,
		Now:             w.now(),
	})
	if err != nil {
		return w.handleFailure(ctx, env, job, err)
	}

	w.logger.Info("ticket purchase settled",
		zap.String("job_id", env.ID),
		zap.Int64("raffle_id", job.RaffleID),
		zap.Int64("user_id", job.UserID),
		zap.Int("quantity", job.TicketQuantity),
		zap.Int("sold_ticket", result.Raffle.SoldTicket),
	)

	event := domain.TicketPurchasedEvent{
		RaffleID:       job.RaffleID,
		UserID:         job.UserID,
		TicketSaleID:   result.Sale.ID,
		TicketQuantity: result.Sale.TicketQty,
		SoldTicket:     result.Raffle.SoldTicket,
		CreatedAt:      result.Sale.CreatedAt,
	}
	w.announce(ctx, domain.ChannelTicketPurchased, "ticket_purchased", job.PaymentIntentID, event)
	w.inbox.Deliver(ctx, job.UserID, domain.NotificationTypeTicket,
		"Tickets purchased",
		fmt.Sprintf("You bought %d ticket(s) for raffle #%d.", job.TicketQuantity, job.RaffleID),
		event, "ticket:"+job.PaymentIntentID)
	return nil
}

// announce publishes a committed outcome. The ledger row is already durable, so
// publish failures are logged and the job is still acknowledged.
func (w *SettlementWorker) announce(ctx context.Context, channel, kind, paymentIntentID string, event interface{}) {
	if err := w.events.Publish(ctx, channel, event); err != nil {
		w.logger.Warn("outcome publish failed", zap.String("channel", channel), zap.String("payment_intent_id", paymentIntentID), zap.Error(err))
	}
	if err := w.audit.Record(ctx, kind, kind+":"+paymentIntentID, event); err != nil {
		w.logger.Warn("audit record failed", zap.String("kind", kind), zap.Error(err))
	}
}

// handleFailure applies the failure policy:
//   - duplicate delivery of a settled job: acknowledge, nothing else
//   - transient failure with attempts left: re-publish with backoff
//   - anything else: compensate (see Compensator.Compensate for what that may
//     do to the payment)
func (w *SettlementWorker) handleFailure(ctx context.Context, env domain.JobEnvelope, job domain.Job, cause error) error {
	kind := domain.Classify(cause)
	logger := w.logger.With(
		zap.String("job_id", env.ID),
		zap.String("job_type", string(env.Type)),
		zap.Int("attempt", env.Attempt),
		zap.String("failure", kind.String()),
		zap.Error(cause),
	)

	if kind == domain.FailureDuplicate {
		logger.Info("duplicate delivery acknowledged")
		return nil
	}

	if kind.Retryable() && env.Attempt+1 < w.cfg.MaxAttempts {
		delay := retryDelay(w.cfg.RetryBaseDelay, env.Attempt)
		if err := w.queue.Requeue(ctx, env.Retry(), delay); err != nil {
			logger.Error("retry publish failed; leaving delivery to the broker", zap.NamedError("publish_error", err))
			return fmt.Errorf("requeue job %s: %w", env.ID, err)
		}
		logger.Warn("settlement failed transiently; retry scheduled", zap.Duration("delay", delay))
		return nil
	}

	if kind.Retryable() {
		logger.Error("settlement retries exhausted; compensating")
	} else {
		logger.Info("settlement rejected; compensating")
	}

	// The job context may already be done (lock wait or job timeout); compensation
	// gets its own budget.
	compCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()
	w.compensator.Compensate(compCtx, job, cause)
	return nil
}
