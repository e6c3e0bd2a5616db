/**
 * @description
 * Compensation for settlement jobs that fail after the payment was captured, and
 * the follow-up that drives every refund row to COMPLETED or FAILED.
 *
 * @notes
 * - Refund issuance is idempotent per payment intent: one refunds row per intent
 *   and a provider idempotency key derived from the intent.
 * - A failed issuance never blocks the rest of the failure handling. The row stays
 *   PENDING with its attempt count and the sweep retries it.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/programming-warrior/vehiclevista-sub000/internal/domain"
	"github.com/programming-warrior/vehiclevista-sub000/internal/store"
	"github.com/programming-warrior/vehiclevista-sub000/pkg/paymentclient"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const refundSweepBatch = 100

// RefundIdempotencyKey is the provider idempotency key for an intent's refund.
func RefundIdempotencyKey(paymentIntentID string) string {
	return "refund:" + paymentIntentID
}

// SessionStore is the slice of the settlement repository compensation needs.
type SessionStore interface {
	FindPaymentSession(ctx context.Context, paymentIntentID string) (*domain.PaymentSession, error)
	MarkPaymentSessionFailed(ctx context.Context, paymentIntentID string, userID int64) error
}

// Compensator refunds captured payments and reports failed jobs to the user.
type Compensator struct {
	refunds     store.RefundRepository
	sessions    SessionStore
	gateway     PaymentGateway
	events      EventPublisher
	inbox       *Inbox
	audit       AuditSink
	logger      *zap.Logger
	maxAttempts int
	now         func() time.Time
}

func NewCompensator(
	refunds store.RefundRepository,
	sessions SessionStore,
	gateway PaymentGateway,
	events EventPublisher,
	inbox *Inbox,
	audit AuditSink,
	logger *zap.Logger,
	maxAttempts int,
) *Compensator {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if audit == nil {
		audit = DiscardAudit{}
	}
	return &Compensator{
		refunds:     refunds,
		sessions:    sessions,
		gateway:     gateway,
		events:      events,
		inbox:       inbox,
		audit:       audit,
		logger:      logger,
		maxAttempts: maxAttempts,
		now:         time.Now,
	}
}

// compensation is what a failed job may do to the payment behind it.
type compensation int

const (
	// compensateRefund refunds the payment, fails the session and reports.
	compensateRefund compensation = iota
	// compensateReportOnly reports the failure and leaves the payment alone.
	compensateReportOnly
	// compensateSettled does nothing: the payment already paid for an accepted
	// bid or ticket sale.
	compensateSettled
)

// compensationFor decides from the session as it stands now. Only the acting
// user's own captured payment is ever refunded.
func compensationFor(session *domain.PaymentSession, userID int64, cause error) compensation {
	if session == nil || session.UserID != userID || domain.IsPaymentRejection(cause) {
		return compensateReportOnly
	}
	switch session.Status {
	case domain.PaymentSessionCompleted:
		return compensateSettled
	case domain.PaymentSessionSucceeded, domain.PaymentSessionFailed:
		return compensateRefund
	default:
		return compensateReportOnly
	}
}

// Compensate runs the failure path for a settlement job. When the job's own
// captured payment is at stake it is refunded and its session marked FAILED;
// the failure is then published on BID_PLACED_ERROR and written to the inbox.
// A session that is missing, uncaptured or owned by another user is never
// touched, and a session already COMPLETED means the job was in fact settled.
func (c *Compensator) Compensate(ctx context.Context, job domain.Job, cause error) {
	failure := domain.FailurePayloadFor(job)
	logger := c.logger.With(
		zap.String("flow", "compensation"),
		zap.String("job_type", string(job.Type())),
		zap.String("payment_intent_id", failure.PaymentIntentID),
		zap.Int64("user_id", failure.UserID),
	)

	session, err := c.sessions.FindPaymentSession(ctx, failure.PaymentIntentID)
	if err != nil && !errors.Is(err, domain.ErrPaymentSessionNotFound) {
		logger.Error("payment session lookup failed; refund not issued", zap.Bool("alert", true), zap.Error(err))
		session = nil
	}

	switch compensationFor(session, failure.UserID, cause) {
	case compensateSettled:
		logger.Warn("payment session already completed; job was settled, nothing to compensate", zap.NamedError("cause", cause))
		return
	case compensateReportOnly:
		logger.Warn("payment not refundable for this job; reporting only", zap.NamedError("cause", cause))
	case compensateRefund:
		refund, err := c.IssueRefund(ctx, failure.UserID, failure.PaymentIntentID, session.Amount)
		if err != nil {
			logger.Error("refund issuance failed", zap.Bool("alert", true), zap.Error(err))
		} else {
			logger.Info("refund issued", zap.Int64("refund_id", refund.ID), zap.String("refund_status", string(refund.Status)))
		}
		if err := c.sessions.MarkPaymentSessionFailed(ctx, failure.PaymentIntentID, failure.UserID); err != nil {
			logger.Error("failed to mark payment session failed", zap.Error(err))
		}
	}

	c.report(ctx, logger, job, failure, domain.UserMessage(cause))
}

// report tells the acting user the job failed.
func (c *Compensator) report(ctx context.Context, logger *zap.Logger, job domain.Job, failure domain.FailurePayload, message string) {
	event := domain.SettlementFailedEvent{Error: message, Payload: failure}
	key := fmt.Sprintf("%d:%s", failure.UserID, failure.PaymentIntentID)
	if err := c.events.Publish(ctx, domain.ChannelBidPlacedError, event); err != nil {
		logger.Warn("failure event publish failed", zap.Error(err))
	}

	if failure.UserID > 0 && failure.PaymentIntentID != "" {
		c.inbox.Deliver(ctx, failure.UserID, domain.NotificationTypeFailure,
			failureTitle(job), message, event, "failed:"+key)
	}

	if err := c.audit.Record(ctx, "settlement_failed", "settlement_failed:"+key, event); err != nil {
		logger.Warn("audit record failed", zap.Error(err))
	}
}

func failureTitle(job domain.Job) string {
	if job.Type() == domain.JobPurchaseTicket {
		return "Ticket purchase failed"
	}
	return "Bid failed"
}

// IssueRefund records a PENDING refund for the intent and asks the provider to
// refund it. A refund already issued for the intent is returned unchanged.
func (c *Compensator) IssueRefund(ctx context.Context, userID int64, paymentIntentID string, amount float64) (*domain.Refund, error) {
	refund, err := c.refunds.CreateRefund(ctx, domain.Refund{
		UserID:          userID,
		PaymentIntentID: paymentIntentID,
		Amount:          amount,
		Reason:          domain.RefundReasonRequestedByCustomer,
		Status:          domain.RefundPending,
	})
	if err != nil {
		return nil, fmt.Errorf("create refund record: %w", err)
	}
	if refund.Status != domain.RefundPending || refund.StripeRefundID != nil {
		return refund, nil
	}
	if err := c.issue(ctx, refund); err != nil {
		return refund, err
	}
	return refund, nil
}

// issue calls the provider for a PENDING refund without a provider id and
// records the outcome on the row.
func (c *Compensator) issue(ctx context.Context, refund *domain.Refund) error {
	result, err := c.gateway.RefundPaymentIntent(ctx, refund.PaymentIntentID, refund.Reason, RefundIdempotencyKey(refund.PaymentIntentID))
	if err != nil {
		issueErr := &domain.RefundIssuanceError{PaymentIntentID: refund.PaymentIntentID, Err: err}
		updated, recErr := c.refunds.RecordRefundAttemptFailed(ctx, refund.ID, err.Error())
		if recErr != nil {
			c.logger.Error("failed to record refund attempt", zap.Int64("refund_id", refund.ID), zap.Error(recErr))
			return issueErr
		}
		*refund = *updated
		if refund.Attempts >= c.maxAttempts {
			c.giveUp(ctx, refund, err.Error())
		}
		return issueErr
	}

	status := refundStatusFor(result.Status)
	if err := c.refunds.RecordRefundIssued(ctx, refund.ID, result.ID, status); err != nil {
		return fmt.Errorf("record refund issued: %w", err)
	}
	refund.Status = status
	refund.Attempts++
	if result.ID != "" {
		id := result.ID
		refund.StripeRefundID = &id
	}
	return nil
}

func (c *Compensator) giveUp(ctx context.Context, refund *domain.Refund, reason string) {
	msg := fmt.Sprintf("refund abandoned after %d attempts: %s", refund.Attempts, reason)
	if err := c.refunds.UpdateRefundStatus(ctx, refund.ID, domain.RefundFailed, &msg); err != nil {
		c.logger.Error("failed to mark refund failed", zap.Int64("refund_id", refund.ID), zap.Error(err))
		return
	}
	refund.Status = domain.RefundFailed
	c.logger.Error("refund marked failed",
		zap.Bool("alert", true),
		zap.Int64("refund_id", refund.ID),
		zap.String("payment_intent_id", refund.PaymentIntentID),
		zap.Int("attempts", refund.Attempts),
	)
}

func refundStatusFor(state paymentclient.RefundState) domain.RefundStatus {
	switch state {
	case paymentclient.RefundStateSucceeded:
		return domain.RefundCompleted
	case paymentclient.RefundStateFailed:
		return domain.RefundFailed
	default:
		return domain.RefundPending
	}
}

// RefundSweepResult summarises one sweep run.
type RefundSweepResult struct {
	Scanned   int
	Reissued  int
	Completed int
	Failed    int
}

// SweepPendingRefunds drives stale PENDING refunds forward: rows without a
// provider id are re-issued (or failed once attempts are exhausted); rows with
// one are polled.
func (c *Compensator) SweepPendingRefunds(ctx context.Context, staleAfter time.Duration) (RefundSweepResult, error) {
	var result RefundSweepResult
	pending, err := c.refunds.ListPendingRefunds(ctx, c.now().Add(-staleAfter), refundSweepBatch)
	if err != nil {
		return result, fmt.Errorf("list pending refunds: %w", err)
	}
	result.Scanned = len(pending)

	for i := range pending {
		refund := &pending[i]
		logger := c.logger.With(zap.String("flow", "refund_sweep"), zap.Int64("refund_id", refund.ID), zap.String("payment_intent_id", refund.PaymentIntentID))

		if refund.StripeRefundID == nil || *refund.StripeRefundID == "" {
			if refund.Attempts >= c.maxAttempts {
				c.giveUp(ctx, refund, stringValue(refund.ErrorMessage))
				result.Failed++
				continue
			}
			if err := c.issue(ctx, refund); err != nil {
				logger.Warn("refund re-issue failed", zap.Int("attempts", refund.Attempts), zap.Error(err))
				if refund.Status == domain.RefundFailed {
					result.Failed++
				}
				continue
			}
			result.Reissued++
			switch refund.Status {
			case domain.RefundCompleted:
				result.Completed++
			case domain.RefundFailed:
				result.Failed++
			}
			continue
		}

		remote, err := c.gateway.GetRefund(ctx, *refund.StripeRefundID)
		if err != nil {
			logger.Warn("refund status poll failed", zap.Error(err))
			continue
		}
		status := refundStatusFor(remote.Status)
		if status == domain.RefundPending {
			continue
		}
		var errMsg *string
		if remote.FailureReason != "" {
			errMsg = &remote.FailureReason
		}
		if err := c.refunds.UpdateRefundStatus(ctx, refund.ID, status, errMsg); err != nil {
			logger.Error("failed to update refund status", zap.Error(err))
			continue
		}
		if status == domain.RefundCompleted {
			result.Completed++
		} else {
			result.Failed++
			logger.Error("refund failed at provider", zap.Bool("alert", true), zap.String("reason", remote.FailureReason))
		}
	}
	return result, nil
}

// ApplyProviderUpdate applies a verified webhook refund update. It reports
// whether a PENDING refund row matched.
func (c *Compensator) ApplyProviderUpdate(ctx context.Context, update *paymentclient.Refund) (bool, error) {
	if update == nil || update.ID == "" {
		return false, errors.New("refund update has no provider id")
	}
	status := refundStatusFor(update.Status)
	if status == domain.RefundPending {
		return false, nil
	}
	var errMsg *string
	if update.FailureReason != "" {
		errMsg = &update.FailureReason
	}
	matched, err := c.refunds.UpdateRefundStatusByStripeID(ctx, update.ID, status, errMsg)
	if err != nil {
		return false, fmt.Errorf("apply refund update: %w", err)
	}
	if matched {
		if err := c.audit.Record(ctx, "refund_updated", "refund_updated:"+update.ID+":"+string(status), update); err != nil {
			c.logger.Warn("audit record failed", zap.Error(err))
		}
		if status == domain.RefundFailed {
			c.logger.Error("refund failed at provider", zap.Bool("alert", true), zap.String("stripe_refund_id", update.ID), zap.String("reason", update.FailureReason))
		}
	}
	return matched, nil
}

func stringValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// RunSweeper runs SweepPendingRefunds on schedule until ctx is cancelled.
func (c *Compensator) RunSweeper(ctx context.Context, schedule string, staleAfter time.Duration) error {
	sweeper := cron.New(cron.WithChain(
		cron.Recover(cronLogger{c.logger}),
		cron.SkipIfStillRunning(cronLogger{c.logger}),
	))
	if _, err := sweeper.AddFunc(schedule, func() {
		result, err := c.SweepPendingRefunds(ctx, staleAfter)
		if err != nil {
			c.logger.Error("refund sweep failed", zap.Error(err))
			return
		}
		if result.Scanned > 0 {
			c.logger.Info("refund sweep finished",
				zap.Int("scanned", result.Scanned),
				zap.Int("reissued", result.Reissued),
				zap.Int("completed", result.Completed),
				zap.Int("failed", result.Failed),
			)
		}
	}); err != nil {
		return fmt.Errorf("invalid refund sweep schedule %q: %w", schedule, err)
	}
	sweeper.Start()

	<-ctx.Done()
	<-sweeper.Stop().Done()
	return nil
}
