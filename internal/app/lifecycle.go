package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/programming-warrior/vehiclevista-sub000/internal/domain"
	"go.uber.org/zap"
)

// StartAuction handles a StartAuction job. Duplicate deliveries find the
// auction RUNNING or ENDED and only make sure a running countdown exists.
func (s *Scheduler) StartAuction(ctx context.Context, env domain.JobEnvelope, job domain.StartAuction) error {
	auction, started, err := s.repo.StartAuction(ctx, job.AuctionID, s.now())
	if err != nil {
		if errors.Is(err, domain.ErrNotDue) && auction != nil {
			return s.rescheduleEarly(ctx, env, auction.StartDate)
		}
		return s.lifecycleFailure(ctx, env, err)
	}

	if auction.Status == domain.StatusRunning {
		s.EnsureCountdown(domain.KindAuction, auction.ID, auction.EndDate)
	}
	if started {
		s.logger.Info("auction started", zap.Int64("auction_id", auction.ID), zap.Time("end_date", auction.EndDate))
		s.record(ctx, "auction_started", env, auction)
	}
	return nil
}

// EndAuction handles an EndAuction job: it records the winner, stops the
// countdown and notifies the winner. Repeated deliveries are no-ops.
func (s *Scheduler) EndAuction(ctx context.Context, env domain.JobEnvelope, job domain.EndAuction) error {
	result, err := s.repo.EndAuction(ctx, job.AuctionID, s.now())
	if err != nil {
		if errors.Is(err, domain.ErrNotDue) && result != nil {
			return s.rescheduleEarly(ctx, env, result.Auction.EndDate)
		}
		return s.lifecycleFailure(ctx, env, err)
	}

	s.StopCountdown(domain.KindAuction, job.AuctionID)
	if !result.Changed {
		return nil
	}

	fields := []zap.Field{zap.Int64("auction_id", job.AuctionID), zap.Int("total_bids", result.Auction.TotalBids)}
	if result.Winner != nil {
		fields = append(fields, zap.Int64("winner_user_id", result.Winner.UserID), zap.Float64("amount", result.Winner.Amount))
		s.inbox.Deliver(ctx, result.Winner.UserID, domain.NotificationTypeAuctionWon,
			"You won the auction",
			fmt.Sprintf("Your bid of %s won auction #%d.", domain.Money(result.Winner.Amount).StringFixed(2), job.AuctionID),
			result.Winner, fmt.Sprintf("auction_won:%d", job.AuctionID))
	}
	s.logger.Info("auction ended", fields...)
	s.record(ctx, "auction_ended", env, result)
	return nil
}

// StartRaffle handles a StartRaffle job. A raffle blocked by another running
// raffle stays UPCOMING; reconciliation publishes its Start again.
func (s *Scheduler) StartRaffle(ctx context.Context, env domain.JobEnvelope, job domain.StartRaffle) error {
	raffle, started, err := s.repo.StartRaffle(ctx, job.RaffleID, s.now())
	if err != nil {
		if errors.Is(err, domain.ErrNotDue) && raffle != nil {
			return s.rescheduleEarly(ctx, env, raffle.StartDate)
		}
		if errors.Is(err, domain.ErrAnotherRaffleRunning) {
			s.logger.Info("raffle start deferred; another raffle is running", zap.Int64("raffle_id", job.RaffleID))
			return nil
		}
		return s.lifecycleFailure(ctx, env, err)
	}

	if raffle.Status == domain.StatusRunning {
		s.EnsureCountdown(domain.KindRaffle, raffle.ID, raffle.EndDate)
	}
	if started {
		s.logger.Info("raffle started", zap.Int64("raffle_id", raffle.ID), zap.Time("end_date", raffle.EndDate))
		s.record(ctx, "raffle_started", env, raffle)
	}
	return nil
}

// EndRaffle handles an EndRaffle job.
func (s *Scheduler) EndRaffle(ctx context.Context, env domain.JobEnvelope, job domain.EndRaffle) error {
	raffle, ended, err := s.repo.EndRaffle(ctx, job.RaffleID, s.now())
	if err != nil {
		if errors.Is(err, domain.ErrNotDue) && raffle != nil {
			return s.rescheduleEarly(ctx, env, raffle.EndDate)
		}
		return s.lifecycleFailure(ctx, env, err)
	}

	s.StopCountdown(domain.KindRaffle, job.RaffleID)
	if ended {
		s.logger.Info("raffle ended", zap.Int64("raffle_id", raffle.ID), zap.Int("sold_ticket", raffle.SoldTicket))
		s.record(ctx, "raffle_ended", env, raffle)
	}
	return nil
}

// rescheduleEarly re-publishes a job that arrived before its due time, which
// happens when the requested delay exceeded the broker maximum.
func (s *Scheduler) rescheduleEarly(ctx context.Context, env domain.JobEnvelope, due time.Time) error {
	delay := due.Sub(s.now())
	if delay < time.Second {
		delay = time.Second
	}
	if err := s.queue.Requeue(ctx, env, delay); err != nil {
		return fmt.Errorf("reschedule early %s: %w", env.Type, err)
	}
	s.logger.Info("lifecycle job arrived early; rescheduled", zap.String("job_id", env.ID), zap.String("job_type", string(env.Type)), zap.Duration("delay", delay))
	return nil
}

// lifecycleFailure retries transient failures and lock timeouts with backoff up
// to the attempt limit. Invalid transitions and missing items are dropped.
func (s *Scheduler) lifecycleFailure(ctx context.Context, env domain.JobEnvelope, cause error) error {
	kind := domain.Classify(cause)
	logger := s.logger.With(
		zap.String("job_id", env.ID),
		zap.String("job_type", string(env.Type)),
		zap.Int("attempt", env.Attempt),
		zap.String("failure", kind.String()),
		zap.Error(cause),
	)

	retryable := kind.Retryable() || kind == domain.FailureLockTimeout
	if !retryable {
		logger.Warn("lifecycle job dropped")
		return nil
	}
	if env.Attempt+1 >= s.cfg.MaxAttempts {
		logger.Error("lifecycle job retries exhausted; reconciliation will pick the item up", zap.Bool("alert", true))
		return nil
	}

	delay := retryDelay(s.cfg.RetryBaseDelay, env.Attempt)
	if err := s.queue.Requeue(ctx, env.Retry(), delay); err != nil {
		logger.Error("lifecycle retry publish failed", zap.NamedError("publish_error", err))
		return fmt.Errorf("requeue job %s: %w", env.ID, err)
	}
	logger.Warn("lifecycle job failed; retry scheduled", zap.Duration("delay", delay))
	return nil
}

func (s *Scheduler) record(ctx context.Context, kind string, env domain.JobEnvelope, payload interface{}) {
	if err := s.audit.Record(ctx, kind, kind+":"+env.ID, payload); err != nil {
		s.logger.Warn("audit record failed", zap.String("kind", kind), zap.Error(err))
	}
}
