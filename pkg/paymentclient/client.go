/**
 * @description
 * Thin client over the Stripe API covering what settlement needs: compensating
 * refunds (idempotent per payment intent), refund status polling, PaymentIntent
 * confirmation at intake, and webhook verification for refund updates.
 *
 * @dependencies
 * - github.com/stripe/stripe-go/v72: Stripe API bindings.
 */
package paymentclient

import (
	"context"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/client"
)

// RefundState is the provider-agnostic refund status.
type RefundState string

const (
	RefundStatePending   RefundState = "pending"
	RefundStateSucceeded RefundState = "succeeded"
	RefundStateFailed    RefundState = "failed"
)

// Refund is the subset of a provider refund settlement tracks.
type Refund struct {
	ID              string
	PaymentIntentID string
	Status          RefundState
	FailureReason   string
	AlreadyRefunded bool
}

// PaymentIntent is the subset of a provider payment intent intake checks.
type PaymentIntent struct {
	ID          string
	Status      string
	AmountCents int64
	Currency    string
	Succeeded   bool
}

// Client talks to Stripe.
type Client struct {
	api *client.API
}

// New builds a client. backends may be nil to use Stripe's default endpoints.
func New(secretKey string, backends *stripe.Backends) *Client {
	return &Client{api: client.New(secretKey, backends)}
}

// RefundPaymentIntent issues a full refund of paymentIntentID. The idempotency
// key makes repeated issuance for the same intent return the original refund.
// A payment that was already refunded is reported as succeeded.
func (c *Client) RefundPaymentIntent(ctx context.Context, paymentIntentID, reason, idempotencyKey string) (*Refund, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(paymentIntentID),
		Reason:        stripe.String(reason),
	}
	params.Context = ctx
	if idempotencyKey != "" {
		params.SetIdempotencyKey(idempotencyKey)
	}

	r, err := c.api.Refunds.New(params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.Code == stripe.ErrorCodeChargeAlreadyRefunded {
			return &Refund{PaymentIntentID: paymentIntentID, Status: RefundStateSucceeded, AlreadyRefunded: true}, nil
		}
		return nil, fmt.Errorf("create refund for %s: %w", paymentIntentID, err)
	}
	return toRefund(r, paymentIntentID), nil
}

// GetRefund fetches the current state of a refund.
func (c *Client) GetRefund(ctx context.Context, refundID string) (*Refund, error) {
	params := &stripe.RefundParams{}
	params.Context = ctx
	r, err := c.api.Refunds.Get(refundID, params)
	if err != nil {
		return nil, fmt.Errorf("get refund %s: %w", refundID, err)
	}
	return toRefund(r, ""), nil
}

// GetPaymentIntent fetches a payment intent.
func (c *Client) GetPaymentIntent(ctx context.Context, paymentIntentID string) (*PaymentIntent, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := c.api.PaymentIntents.Get(paymentIntentID, params)
	if err != nil {
		return nil, fmt.Errorf("get payment intent %s: %w", paymentIntentID, err)
	}
	return &PaymentIntent{
		ID:          pi.ID,
		Status:      string(pi.Status),
		AmountCents: pi.Amount,
		Currency:    string(pi.Currency),
		Succeeded:   pi.Status == stripe.PaymentIntentStatusSucceeded,
	}, nil
}

func toRefund(r *stripe.Refund, paymentIntentID string) *Refund {
	out := &Refund{
		ID:              r.ID,
		PaymentIntentID: paymentIntentID,
		Status:          MapRefundStatus(string(r.Status)),
		FailureReason:   string(r.FailureReason),
	}
	if r.PaymentIntent != nil && r.PaymentIntent.ID != "" {
		out.PaymentIntentID = r.PaymentIntent.ID
	}
	return out
}

// MapRefundStatus collapses Stripe refund statuses into RefundState.
func MapRefundStatus(status string) RefundState {
	switch status {
	case "succeeded":
		return RefundStateSucceeded
	case "failed", "canceled":
		return RefundStateFailed
	default:
		return RefundStatePending
	}
}
