package paymentclient

import (
	"encoding/json"
	"fmt"

	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/webhook"
)

// RefundEventTypes are the webhook events carrying a refund object.
var RefundEventTypes = map[string]bool{
	"charge.refund.updated": true,
	"refund.updated":        true,
	"refund.created":        true,
	"refund.failed":         true,
}

// ParseRefundWebhook verifies the Stripe-Signature header and extracts the refund
// carried by a refund event. ok is false for verified events of other types.
func ParseRefundWebhook(payload []byte, signatureHeader, secret string) (refund *Refund, ok bool, err error) {
	event, err := webhook.ConstructEvent(payload, signatureHeader, secret)
	if err != nil {
		return nil, false, fmt.Errorf("verify webhook: %w", err)
	}
	if !RefundEventTypes[event.Type] || event.Data == nil {
		return nil, false, nil
	}

	var r stripe.Refund
	if err := json.Unmarshal(event.Data.Raw, &r); err != nil {
		return nil, false, fmt.Errorf("decode refund object: %w", err)
	}
	if r.ID == "" {
		return nil, false, fmt.Errorf("refund event %s has no refund id", event.ID)
	}
	return toRefund(&r, ""), true, nil
}
