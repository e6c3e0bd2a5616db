package api

import (
	"context"
	"io"
	"net/http"

	"github.com/programming-warrior/vehiclevista-sub000/pkg/paymentclient"
	"go.uber.org/zap"
)

const maxWebhookBody = 64 << 10

// RefundUpdater applies provider-side refund status changes.
type RefundUpdater interface {
	ApplyProviderUpdate(ctx context.Context, update *paymentclient.Refund) (bool, error)
}

// StripeWebhookHandler receives refund status events. Unknown event types are
// acknowledged so the provider stops retrying them.
func (h *Handlers) StripeWebhookHandler(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Unable to read body")
		return
	}

	refund, ok, err := paymentclient.ParseRefundWebhook(payload, r.Header.Get("Stripe-Signature"), h.webhookSecret)
	if err != nil {
		h.logger.Warn("stripe webhook rejected", zap.Error(err))
		writeError(w, http.StatusBadRequest, "Invalid webhook")
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, map[string]bool{"received": true})
		return
	}

	updated, err := h.refunds.ApplyProviderUpdate(r.Context(), refund)
	if err != nil {
		h.logger.Error("refund webhook update failed",
			zap.String("stripe_refund_id", refund.ID),
			zap.String("payment_intent_id", refund.PaymentIntentID),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "Unable to apply refund update")
		return
	}
	h.logger.Info("refund webhook applied",
		zap.String("stripe_refund_id", refund.ID),
		zap.String("status", string(refund.Status)),
		zap.Bool("updated", updated),
	)
	writeJSON(w, http.StatusOK, map[string]bool{"received": true, "updated": updated})
}
