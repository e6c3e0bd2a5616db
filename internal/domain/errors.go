package domain

import (
	"context"
	"errors"
	"fmt"
)

// Validation failures. Their messages are user facing and are carried verbatim in
// BID_PLACED_ERROR events.
var (
	ErrBidTooLow              = errors.New("bid too low")
	ErrAuctionNotRunning      = errors.New("auction is not running")
	ErrAuctionClosed          = errors.New("auction has ended")
	ErrRaffleNotRunning       = errors.New("raffle not running")
	ErrRaffleOutsideWindow    = errors.New("raffle is not open for purchases")
	ErrInvalidTicketQuantity  = errors.New("ticket quantity must be positive")
	ErrTicketsExhausted       = errors.New("ticket quantity exceeds remaining")
	ErrPaymentNotCaptured     = errors.New("payment not confirmed")
	ErrPaymentAmountMismatch  = errors.New("payment amount does not match")
	ErrPaymentOwnerMismatch   = errors.New("payment belongs to another user")
	ErrInvalidTransition      = errors.New("invalid lifecycle transition")
	ErrAnotherRaffleRunning   = errors.New("another raffle is already running")
	ErrUnknownJobType         = errors.New("unknown job type")
	ErrAuctionNotFound        = errors.New("auction not found")
	ErrRaffleNotFound         = errors.New("raffle not found")
	ErrPaymentSessionNotFound = errors.New("payment session not found")
	ErrLockTimeout            = errors.New("timed out waiting for item lock")
	ErrDuplicateJob           = errors.New("payment session already settled")
	ErrNotDue                 = errors.New("lifecycle job fired before its due time")
	ErrInvalidJobPayload      = errors.New("invalid settlement request")
)

// FailureKind classifies an error for the worker's retry/compensation policy.
type FailureKind int

const (
	FailureUnknown FailureKind = iota
	FailureValidation
	FailureNotFound
	FailureLockTimeout
	FailureTransient
	FailureRefundIssuance
	FailureDuplicate
)

func (k FailureKind) String() string {
	switch k {
	case FailureValidation:
		return "validation"
	case FailureNotFound:
		return "not_found"
	case FailureLockTimeout:
		return "lock_timeout"
	case FailureTransient:
		return "transient"
	case FailureRefundIssuance:
		return "refund_issuance"
	case FailureDuplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// Retryable reports whether a job failing with this kind should be re-attempted.
func (k FailureKind) Retryable() bool {
	return k == FailureTransient || k == FailureUnknown
}

// TransientError marks an infrastructure failure (db connection loss, broker
// unavailable) that is worth retrying with backoff.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError. A nil err stays nil.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// RefundIssuanceError is returned when the payment provider rejects or cannot be
// reached for a compensating refund.
type RefundIssuanceError struct {
	PaymentIntentID string
	Err             error
}

func (e *RefundIssuanceError) Error() string {
	return fmt.Sprintf("refund issuance failed for %s: %v", e.PaymentIntentID, e.Err)
}

func (e *RefundIssuanceError) Unwrap() error { return e.Err }

// Classify maps an error to its FailureKind. Store implementations translate
// driver errors into the sentinels above or into TransientError before they
// reach this point.
func Classify(err error) FailureKind {
	if err == nil {
		return FailureUnknown
	}

	var transient *TransientError
	var refundErr *RefundIssuanceError

	switch {
	case errors.Is(err, ErrDuplicateJob):
		return FailureDuplicate
	case errors.Is(err, ErrLockTimeout):
		return FailureLockTimeout
	case errors.Is(err, ErrAuctionNotFound),
		errors.Is(err, ErrRaffleNotFound),
		errors.Is(err, ErrPaymentSessionNotFound):
		return FailureNotFound
	case errors.Is(err, ErrBidTooLow),
		errors.Is(err, ErrAuctionNotRunning),
		errors.Is(err, ErrAuctionClosed),
		errors.Is(err, ErrRaffleNotRunning),
		errors.Is(err, ErrRaffleOutsideWindow),
		errors.Is(err, ErrInvalidTicketQuantity),
		errors.Is(err, ErrTicketsExhausted),
		errors.Is(err, ErrPaymentNotCaptured),
		errors.Is(err, ErrPaymentAmountMismatch),
		errors.Is(err, ErrPaymentOwnerMismatch),
		errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrAnotherRaffleRunning),
		errors.Is(err, ErrInvalidJobPayload):
		return FailureValidation
	case errors.As(err, &refundErr):
		return FailureRefundIssuance
	case errors.As(err, &transient),
		errors.Is(err, context.DeadlineExceeded):
		return FailureTransient
	default:
		return FailureUnknown
	}
}

// IsPaymentRejection reports whether err means the payment named by a job was
// never usable by the acting user: missing, not captured or owned by someone
// else. Such jobs are reported but the payment is left untouched.
func IsPaymentRejection(err error) bool {
	return errors.Is(err, ErrPaymentSessionNotFound) ||
		errors.Is(err, ErrPaymentNotCaptured) ||
		errors.Is(err, ErrPaymentOwnerMismatch)
}

// UserMessage returns the message surfaced to the acting user for a failed job.
// Internal failures are not leaked.
func UserMessage(err error) string {
	switch Classify(err) {
	case FailureValidation, FailureNotFound:
		for _, sentinel := range []error{
			ErrBidTooLow, ErrAuctionNotRunning, ErrAuctionClosed, ErrRaffleNotRunning,
			ErrRaffleOutsideWindow, ErrInvalidTicketQuantity, ErrTicketsExhausted,
			ErrPaymentNotCaptured, ErrPaymentAmountMismatch, ErrPaymentOwnerMismatch,
			ErrAuctionNotFound, ErrRaffleNotFound, ErrPaymentSessionNotFound,
			ErrInvalidJobPayload,
		} {
			if errors.Is(err, sentinel) {
				return sentinel.Error()
			}
		}
		return err.Error()
	case FailureLockTimeout:
		return "item is busy, please try again"
	default:
		return "could not process your request"
	}
}
