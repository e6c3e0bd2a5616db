package paymentclient

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v72"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:           stripe.String(server.URL),
		LeveledLogger: &stripe.LeveledLogger{Level: stripe.LevelNull},
	})
	return New("sk_test_123", &stripe.Backends{API: backend, Connect: backend, Uploads: backend})
}

func TestRefundPaymentIntentSendsReasonAndIdempotencyKey(t *testing.T) {
	var gotKey, gotBody string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/refunds" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotKey = r.Header.Get("Idempotency-Key")
		_ = r.ParseForm()
		gotBody = r.Form.Encode()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"re_123","object":"refund","status":"pending"}`)
	})

	refund, err := c.RefundPaymentIntent(context.Background(), "pi_abc", "requested_by_customer", "refund:pi_abc")
	if err != nil {
		t.Fatalf("RefundPaymentIntent returned error: %v", err)
	}
	if refund.ID != "re_123" || refund.Status != RefundStatePending || refund.PaymentIntentID != "pi_abc" {
		t.Fatalf("unexpected refund %+v", refund)
	}
	if gotKey != "refund:pi_abc" {
		t.Fatalf("expected idempotency key to be forwarded, got %q", gotKey)
	}
	if !strings.Contains(gotBody, "payment_intent=pi_abc") || !strings.Contains(gotBody, "reason=requested_by_customer") {
		t.Fatalf("unexpected form body %q", gotBody)
	}
}

func TestRefundPaymentIntentTreatsAlreadyRefundedAsSuccess(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"type":"invalid_request_error","code":"charge_already_refunded","message":"already refunded"}}`)
	})

	refund, err := c.RefundPaymentIntent(context.Background(), "pi_done", "requested_by_customer", "")
	if err != nil {
		t.Fatalf("expected already refunded to succeed, got %v", err)
	}
	if !refund.AlreadyRefunded || refund.Status != RefundStateSucceeded {
		t.Fatalf("unexpected refund %+v", refund)
	}
}

func TestRefundPaymentIntentSurfacesOtherErrors(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"type":"invalid_request_error","code":"resource_missing","message":"No such payment_intent"}}`)
	})

	if _, err := c.RefundPaymentIntent(context.Background(), "pi_missing", "requested_by_customer", ""); err == nil {
		t.Fatal("expected error")
	}
}

func TestGetPaymentIntent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/payment_intents/pi_ok" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"pi_ok","object":"payment_intent","status":"succeeded","amount":15000,"currency":"usd"}`)
	})

	pi, err := c.GetPaymentIntent(context.Background(), "pi_ok")
	if err != nil {
		t.Fatalf("GetPaymentIntent returned error: %v", err)
	}
	if !pi.Succeeded || pi.AmountCents != 15000 {
		t.Fatalf("unexpected payment intent %+v", pi)
	}
}

func TestMapRefundStatus(t *testing.T) {
	cases := map[string]RefundState{
		"succeeded":       RefundStateSucceeded,
		"failed":          RefundStateFailed,
		"canceled":        RefundStateFailed,
		"pending":         RefundStatePending,
		"requires_action": RefundStatePending,
	}
	for in, want := range cases {
		if got := MapRefundStatus(in); got != want {
			t.Fatalf("MapRefundStatus(%q) = %s, want %s", in, got, want)
		}
	}
}

func signPayload(t *testing.T, payload []byte, secret string, ts time.Time) string {
	t.Helper()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts.Unix(), payload)
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func TestParseRefundWebhook(t *testing.T) {
	payload := []byte(`{"id":"evt_1","object":"event","type":"charge.refund.updated","data":{"object":{"id":"re_9","object":"refund","status":"succeeded","payment_intent":"pi_9"}}}`)
	header := signPayload(t, payload, "whsec_test", time.Now())

	refund, ok, err := ParseRefundWebhook(payload, header, "whsec_test")
	if err != nil {
		t.Fatalf("ParseRefundWebhook returned error: %v", err)
	}
	if !ok || refund.ID != "re_9" || refund.Status != RefundStateSucceeded || refund.PaymentIntentID != "pi_9" {
		t.Fatalf("unexpected result ok=%v refund=%+v", ok, refund)
	}

	if _, _, err := ParseRefundWebhook(payload, header, "whsec_other"); err == nil {
		t.Fatal("expected signature mismatch")
	}

	other := []byte(`{"id":"evt_2","object":"event","type":"customer.created","data":{"object":{"id":"cus_1"}}}`)
	_, ok, err = ParseRefundWebhook(other, signPayload(t, other, "whsec_test", time.Now()), "whsec_test")
	if err != nil || ok {
		t.Fatalf("expected unrelated event to be ignored, ok=%v err=%v", ok, err)
	}
}
