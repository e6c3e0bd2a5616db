/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface:
 * connection handling, driver error translation and the payment session queries.
 * The settlement, lifecycle, refund and notification queries live in sibling files.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - github.com/jackc/pgerrcode: Named SQLSTATE codes.
 * - internal/domain: Contains the domain models and error taxonomy.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/programming-warrior/vehiclevista-sub000/internal/domain"
)

var (
	ErrNotificationNotFound = errors.New("notification not found")
	ErrRefundNotFound       = errors.New("refund not found")
)

const defaultLockTimeout = 5 * time.Second

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db          *pgxpool.Pool
	lockTimeout time.Duration
}

// NewPostgresRepository creates a new instance of PostgresRepository. lockTimeout
// bounds how long a settlement or lifecycle transaction waits for an item row lock.
func NewPostgresRepository(db *pgxpool.Pool, lockTimeout time.Duration) *PostgresRepository {
	if lockTimeout <= 0 {
		lockTimeout = defaultLockTimeout
	}
	return &PostgresRepository{db: db, lockTimeout: lockTimeout}
}

// beginLocked opens a transaction whose row lock waits are bounded by the
// repository lock timeout. Callers must defer tx.Rollback.
func (r *PostgresRepository) beginLocked(ctx context.Context) (pgx.Tx, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, translateError("begin transaction", err)
	}
	timeout := fmt.Sprintf("%dms", r.lockTimeout.Milliseconds())
	if _, err := tx.Exec(ctx, "SELECT set_config('lock_timeout', $1, true)", timeout); err != nil {
		_ = tx.Rollback(ctx)
		return nil, translateError("set lock timeout", err)
	}
	return tx, nil
}

// translateError maps driver failures onto the domain error taxonomy: lock waits
// that hit lock_timeout become ErrLockTimeout, connection-level failures become
// TransientError, everything else is wrapped unchanged.
func translateError(op string, err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == pgerrcode.LockNotAvailable:
			return fmt.Errorf("%s: %w", op, domain.ErrLockTimeout)
		case pgErr.Code == pgerrcode.SerializationFailure,
			pgErr.Code == pgerrcode.DeadlockDetected,
			pgErr.Code == pgerrcode.AdminShutdown,
			pgErr.Code == pgerrcode.CannotConnectNow,
			pgerrcode.IsConnectionException(pgErr.Code),
			pgerrcode.IsInsufficientResources(pgErr.Code):
			return domain.Transient(op, err)
		}
		return fmt.Errorf("failed to %s: %w", op, err)
	}

	var netErr net.Error
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) || errors.As(err, &netErr) {
		return domain.Transient(op, err)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgerrcode.UniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

const paymentSessionColumns = `id, user_id, payment_intent_id, amount, status, listing_id, expires_at, created_at, updated_at`

func scanPaymentSession(row pgx.Row) (*domain.PaymentSession, error) {
	var s domain.PaymentSession
	if err := row.Scan(
		&s.ID,
		&s.UserID,
		&s.PaymentIntentID,
		&s.Amount,
		&s.Status,
		&s.ListingID,
		&s.ExpiresAt,
		&s.CreatedAt,
		&s.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &s, nil
}

// FindPaymentSession retrieves a payment session by its provider intent id.
func (r *PostgresRepository) FindPaymentSession(ctx context.Context, paymentIntentID string) (*domain.PaymentSession, error) {
	query := `SELECT ` + paymentSessionColumns + ` FROM payment_sessions WHERE payment_intent_id = $1`
	session, err := scanPaymentSession(r.db.QueryRow(ctx, query, paymentIntentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrPaymentSessionNotFound
		}
		return nil, translateError("find payment session", err)
	}
	return session, nil
}

// MarkPaymentSessionSucceeded promotes a PENDING session once the provider has
// confirmed capture. Sessions in any other state are left untouched.
func (r *PostgresRepository) MarkPaymentSessionSucceeded(ctx context.Context, paymentIntentID string) error {
	query := `
		UPDATE payment_sessions
		SET status = $2, updated_at = NOW()
		WHERE payment_intent_id = $1 AND status = $3
	`
	_, err := r.db.Exec(ctx, query, paymentIntentID, domain.PaymentSessionSucceeded, domain.PaymentSessionPending)
	return translateError("mark payment session succeeded", err)
}

// MarkPaymentSessionFailed records that userID's captured payment was refunded
// after its job failed. Only a SUCCEEDED session owned by userID moves; any
// other row is left as it is.
func (r *PostgresRepository) MarkPaymentSessionFailed(ctx context.Context, paymentIntentID string, userID int64) error {
	query := `
		UPDATE payment_sessions
		SET status = $2, updated_at = NOW()
		WHERE payment_intent_id = $1 AND user_id = $3 AND status = $4
	`
	_, err := r.db.Exec(ctx, query, paymentIntentID, domain.PaymentSessionFailed, userID, domain.PaymentSessionSucceeded)
	return translateError("mark payment session failed", err)
}

// lockPaymentSession reads the session row under FOR UPDATE inside tx. A missing
// row yields a nil session so the caller can fail closed.
func lockPaymentSession(ctx context.Context, tx pgx.Tx, paymentIntentID string) (*domain.PaymentSession, error) {
	query := `SELECT ` + paymentSessionColumns + ` FROM payment_sessions WHERE payment_intent_id = $1 FOR UPDATE`
	session, err := scanPaymentSession(tx.QueryRow(ctx, query, paymentIntentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, translateError("lock payment session", err)
	}
	return session, nil
}

func completePaymentSession(ctx context.Context, tx pgx.Tx, paymentIntentID string) error {
	query := `UPDATE payment_sessions SET status = $2, updated_at = NOW() WHERE payment_intent_id = $1`
	_, err := tx.Exec(ctx, query, paymentIntentID, domain.PaymentSessionCompleted)
	return translateError("complete payment session", err)
}
