package domain

import "time"

// PaymentSessionStatus tracks a captured payment from intake to settlement.
type PaymentSessionStatus string

const (
	PaymentSessionPending   PaymentSessionStatus = "PENDING"
	PaymentSessionSucceeded PaymentSessionStatus = "SUCCEEDED"
	PaymentSessionFailed    PaymentSessionStatus = "FAILED"
	PaymentSessionCompleted PaymentSessionStatus = "COMPLETED"
)

// IsTerminal reports whether the session has already been settled one way or the other.
func (s PaymentSessionStatus) IsTerminal() bool {
	return s == PaymentSessionCompleted || s == PaymentSessionFailed
}

// PaymentSession maps to the `payment_sessions` table.
type PaymentSession struct {
	ID              int64                `json:"id"`
	UserID          int64                `json:"userId"`
	PaymentIntentID string               `json:"paymentIntentId"`
	Amount          float64              `json:"amount"`
	Status          PaymentSessionStatus `json:"status"`
	ListingID       *int64               `json:"listingId,omitempty"`
	ExpiresAt       *time.Time           `json:"expiresAt,omitempty"`
	CreatedAt       time.Time            `json:"createdAt"`
	UpdatedAt       time.Time            `json:"updatedAt"`
}

// Expired reports whether an unsettled session is past its expiry.
func (s PaymentSession) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && now.After(*s.ExpiresAt)
}

// RefundStatus is the lifecycle of a compensating refund.
type RefundStatus string

const (
	RefundPending   RefundStatus = "PENDING"
	RefundCompleted RefundStatus = "COMPLETED"
	RefundFailed    RefundStatus = "FAILED"
)

// RefundReasonRequestedByCustomer is the reason sent to the payment provider for
// every compensating refund.
const RefundReasonRequestedByCustomer = "requested_by_customer"

// Refund maps to the `refunds` table. One row per payment intent.
type Refund struct {
	ID              int64        `json:"id"`
	UserID          int64        `json:"userId"`
	PaymentIntentID string       `json:"paymentIntentId"`
	Amount          float64      `json:"amount"`
	Reason          string       `json:"reason"`
	Status          RefundStatus `json:"status"`
	StripeRefundID  *string      `json:"stripeRefundId,omitempty"`
	ErrorMessage    *string      `json:"errorMessage,omitempty"`
	Attempts        int          `json:"attempts"`
	CreatedAt       time.Time    `json:"createdAt"`
	UpdatedAt       time.Time    `json:"updatedAt"`
}
