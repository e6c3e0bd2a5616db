package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/programming-warrior/vehiclevista-sub000/internal/domain"
)

const refundColumns = `id, user_id, payment_intent_id, amount, reason, status, stripe_refund_id, error_message, attempts, created_at, updated_at`

func scanRefund(row pgx.Row) (*domain.Refund, error) {
	var rf domain.Refund
	if err := row.Scan(
		&rf.ID,
		&rf.UserID,
		&rf.PaymentIntentID,
		&rf.Amount,
		&rf.Reason,
		&rf.Status,
		&rf.StripeRefundID,
		&rf.ErrorMessage,
		&rf.Attempts,
		&rf.CreatedAt,
		&rf.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &rf, nil
}

// CreateRefund records a PENDING refund for a payment intent. If one already
// exists (the job was redelivered mid-compensation) the existing row is returned.
func (r *PostgresRepository) CreateRefund(ctx context.Context, refund domain.Refund) (*domain.Refund, error) {
	insert := `
		INSERT INTO refunds (user_id, payment_intent_id, amount, reason, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (payment_intent_id) DO NOTHING
		RETURNING ` + refundColumns
	created, err := scanRefund(r.db.QueryRow(ctx, insert,
		refund.UserID,
		refund.PaymentIntentID,
		refund.Amount,
		refund.Reason,
		domain.RefundPending,
	))
	if err == nil {
		return created, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, translateError("create refund", err)
	}

	existing, err := scanRefund(r.db.QueryRow(ctx, `SELECT `+refundColumns+` FROM refunds WHERE payment_intent_id = $1`, refund.PaymentIntentID))
	if err != nil {
		return nil, translateError("load existing refund", err)
	}
	return existing, nil
}

// RecordRefundIssued stores the provider refund id after a successful issuance.
func (r *PostgresRepository) RecordRefundIssued(ctx context.Context, refundID int64, stripeRefundID string, status domain.RefundStatus) error {
	query := `
		UPDATE refunds
		SET stripe_refund_id = NULLIF($2, ''), status = $3, attempts = attempts + 1, error_message = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $4
	`
	tag, err := r.db.Exec(ctx, query, refundID, stripeRefundID, status, domain.RefundPending)
	if err != nil {
		return translateError("record refund issued", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRefundNotFound
	}
	return nil
}

// RecordRefundAttemptFailed bumps the attempt counter and keeps the refund PENDING
// so the refund sweep retries it.
func (r *PostgresRepository) RecordRefundAttemptFailed(ctx context.Context, refundID int64, errMsg string) (*domain.Refund, error) {
	query := `
		UPDATE refunds
		SET attempts = attempts + 1, error_message = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + refundColumns
	refund, err := scanRefund(r.db.QueryRow(ctx, query, refundID, errMsg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRefundNotFound
		}
		return nil, translateError("record refund attempt", err)
	}
	return refund, nil
}

// UpdateRefundStatus moves a PENDING refund to its terminal state.
func (r *PostgresRepository) UpdateRefundStatus(ctx context.Context, refundID int64, status domain.RefundStatus, errMsg *string) error {
	query := `
		UPDATE refunds
		SET status = $2, error_message = COALESCE($3, error_message), updated_at = NOW()
		WHERE id = $1 AND status = $4
	`
	_, err := r.db.Exec(ctx, query, refundID, status, errMsg, domain.RefundPending)
	return translateError("update refund status", err)
}

// UpdateRefundStatusByStripeID applies a provider webhook update. It reports
// whether a PENDING refund matched.
func (r *PostgresRepository) UpdateRefundStatusByStripeID(ctx context.Context, stripeRefundID string, status domain.RefundStatus, errMsg *string) (bool, error) {
	query := `
		UPDATE refunds
		SET status = $2, error_message = COALESCE($3, error_message), updated_at = NOW()
		WHERE stripe_refund_id = $1 AND status = $4
	`
	tag, err := r.db.Exec(ctx, query, stripeRefundID, status, errMsg, domain.RefundPending)
	if err != nil {
		return false, translateError("update refund by provider id", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListPendingRefunds returns PENDING refunds not touched since updatedBefore,
// oldest first.
func (r *PostgresRepository) ListPendingRefunds(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.Refund, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT ` + refundColumns + `
		FROM refunds
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3
	`
	rows, err := r.db.Query(ctx, query, domain.RefundPending, updatedBefore, limit)
	if err != nil {
		return nil, translateError("list pending refunds", err)
	}
	defer rows.Close()

	var refunds []domain.Refund
	for rows.Next() {
		refund, err := scanRefund(rows)
		if err != nil {
			return nil, translateError("scan refund", err)
		}
		refunds = append(refunds, *refund)
	}
	if err := rows.Err(); err != nil {
		return nil, translateError("iterate refunds", err)
	}
	return refunds, nil
}
