/**
 * @description
 * Request intake for bids and ticket purchases. It checks the caller, the
 * request shape and the payment session, then enqueues the settlement job.
 * Business rules that depend on the item row are left to the worker, which
 * refunds the captured payment when they fail.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/programming-warrior/vehiclevista-sub000/internal/domain"
	"github.com/programming-warrior/vehiclevista-sub000/internal/store"
	"go.uber.org/zap"
)

var (
	ErrCardNotVerified     = errors.New("card verification required")
	ErrInvalidRequest      = errors.New("invalid request")
	ErrPaymentAlreadyUsed  = errors.New("payment has already been used")
	ErrPaymentSessionStale = errors.New("payment session has expired")
)

// RateLimitError is returned when the caller exceeded the intake rate limit.
type RateLimitError struct {
	RetryAfterSeconds int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("too many requests; retry after %ds", e.RetryAfterSeconds)
}

// Actor is the authenticated caller.
type Actor struct {
	UserID       int64
	CardVerified bool
}

// BidRequest is the intake body for a bid.
type BidRequest struct {
	AuctionID       int64
	BidAmount       float64
	PaymentIntentID string
}

// TicketRequest is the intake body for a ticket purchase.
type TicketRequest struct {
	RaffleID        int64
	TicketQuantity  int
	PaymentIntentID string
}

// IntakeConfig tunes intake checks.
type IntakeConfig struct {
	RateLimitPerMinute int
	VerifyWithProvider bool
}

// Intake validates requests and enqueues settlement jobs.
type Intake struct {
	sessions store.SettlementRepository
	gateway  PaymentGateway
	queue    JobPublisher
	limiter  RateLimiter
	logger   *zap.Logger
	cfg      IntakeConfig
	now      func() time.Time
}

// NewIntake builds the intake service. gateway and limiter may be nil.
func NewIntake(sessions store.SettlementRepository, gateway PaymentGateway, queue JobPublisher, limiter RateLimiter, logger *zap.Logger, cfg IntakeConfig) *Intake {
	return &Intake{
		sessions: sessions,
		gateway:  gateway,
		queue:    queue,
		limiter:  limiter,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
	}
}

// SubmitBid enqueues a PlaceBid job for the caller.
func (s *Intake) SubmitBid(ctx context.Context, actor Actor, req BidRequest) (domain.JobEnvelope, error) {
	job := domain.PlaceBid{
		AuctionID:       req.AuctionID,
		UserID:          actor.UserID,
		BidAmount:       req.BidAmount,
		PaymentIntentID: strings.TrimSpace(req.PaymentIntentID),
	}
	return s.submit(ctx, actor, job, IntakeKey{UserID: actor.UserID, Kind: domain.KindAuction, ItemID: req.AuctionID}, job.PaymentIntentID)
}

// SubmitTicketPurchase enqueues a PurchaseTicket job for the caller.
func (s *Intake) SubmitTicketPurchase(ctx context.Context, actor Actor, req TicketRequest) (domain.JobEnvelope, error) {
	job := domain.PurchaseTicket{
		RaffleID:        req.RaffleID,
		UserID:          actor.UserID,
		TicketQuantity:  req.TicketQuantity,
		PaymentIntentID: strings.TrimSpace(req.PaymentIntentID),
	}
	return s.submit(ctx, actor, job, IntakeKey{UserID: actor.UserID, Kind: domain.KindRaffle, ItemID: req.RaffleID}, job.PaymentIntentID)
}

func (s *Intake) submit(ctx context.Context, actor Actor, job domain.Job, key IntakeKey, paymentIntentID string) (domain.JobEnvelope, error) {
	if !actor.CardVerified {
		return domain.JobEnvelope{}, ErrCardNotVerified
	}
	if err := job.Validate(); err != nil {
		return domain.JobEnvelope{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := s.checkRateLimit(ctx, key); err != nil {
		return domain.JobEnvelope{}, err
	}
	if err := s.verifySession(ctx, actor.UserID, paymentIntentID); err != nil {
		return domain.JobEnvelope{}, err
	}

	env, err := s.queue.Enqueue(ctx, job)
	if err != nil {
		return domain.JobEnvelope{}, fmt.Errorf("enqueue %s: %w", job.Type(), err)
	}
	s.logger.Info("settlement job queued",
		zap.String("job_id", env.ID),
		zap.String("job_type", string(env.Type)),
		zap.Int64("user_id", actor.UserID),
		zap.String("payment_intent_id", paymentIntentID),
	)
	return env, nil
}

func (s *Intake) checkRateLimit(ctx context.Context, key IntakeKey) error {
	if s.limiter == nil || s.cfg.RateLimitPerMinute <= 0 {
		return nil
	}
	decision, err := s.limiter.Take(ctx, key, s.cfg.RateLimitPerMinute, time.Minute)
	if err != nil {
		s.logger.Warn("rate limiter unavailable; allowing request",
			zap.Int64("user_id", key.UserID), zap.String("item_kind", string(key.Kind)), zap.Int64("item_id", key.ItemID), zap.Error(err))
		return nil
	}
	if !decision.Allowed {
		return &RateLimitError{RetryAfterSeconds: retryAfterSeconds(decision.RetryAfter)}
	}
	return nil
}

func retryAfterSeconds(d time.Duration) int {
	seconds := int(math.Ceil(d.Seconds()))
	if seconds < 1 {
		return 1
	}
	return seconds
}

// verifySession rejects jobs whose payment was never captured, belongs to
// someone else or was already settled. A PENDING session is confirmed with the
// payment provider when configured.
func (s *Intake) verifySession(ctx context.Context, userID int64, paymentIntentID string) error {
	session, err := s.sessions.FindPaymentSession(ctx, paymentIntentID)
	if err != nil {
		return err
	}
	if session.UserID != userID {
		return domain.ErrPaymentOwnerMismatch
	}
	switch session.Status {
	case domain.PaymentSessionSucceeded:
		return nil
	case domain.PaymentSessionCompleted, domain.PaymentSessionFailed:
		return ErrPaymentAlreadyUsed
	}

	if session.Expired(s.now()) {
		return ErrPaymentSessionStale
	}
	if !s.cfg.VerifyWithProvider || s.gateway == nil {
		return domain.ErrPaymentNotCaptured
	}

	intent, err := s.gateway.GetPaymentIntent(ctx, paymentIntentID)
	if err != nil {
		return domain.Transient("confirm payment intent", err)
	}
	if !intent.Succeeded {
		return domain.ErrPaymentNotCaptured
	}
	if intent.AmountCents != domain.Cents(session.Amount) {
		return domain.ErrPaymentAmountMismatch
	}
	if err := s.sessions.MarkPaymentSessionSucceeded(ctx, paymentIntentID); err != nil {
		return fmt.Errorf("mark payment session succeeded: %w", err)
	}
	return nil
}
