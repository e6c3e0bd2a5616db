package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/programming-warrior/vehiclevista-sub000/internal/domain"
	"github.com/programming-warrior/vehiclevista-sub000/pkg/paymentclient"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type limiterStub struct {
	counts map[IntakeKey]int
	err    error
}

func (l *limiterStub) Take(ctx context.Context, key IntakeKey, limit int, window time.Duration) (RateDecision, error) {
	if l.err != nil {
		return RateDecision{}, l.err
	}
	if l.counts == nil {
		l.counts = make(map[IntakeKey]int)
	}
	l.counts[key]++
	return RateDecision{Allowed: l.counts[key] <= limit, Attempts: l.counts[key], RetryAfter: 41500 * time.Millisecond}, nil
}

type intakeHarness struct {
	repo    *memoryRepo
	queue   *recordingQueue
	gateway *stubGateway
	limiter *limiterStub
	intake  *Intake
}

func newIntakeHarness(cfg IntakeConfig) *intakeHarness {
	h := &intakeHarness{
		repo:    newMemoryRepo(),
		queue:   &recordingQueue{},
		gateway: &stubGateway{intents: map[string]*paymentclient.PaymentIntent{}},
		limiter: &limiterStub{},
	}
	h.intake = NewIntake(h.repo, h.gateway, h.queue, h.limiter, zap.NewNop(), cfg)
	return h
}

var verifiedActor = Actor{UserID: 7, CardVerified: true}

func TestSubmitBid_EnqueuesForCapturedPayment(t *testing.T) {
	h := newIntakeHarness(IntakeConfig{RateLimitPerMinute: 5})
	h.repo.addSession("pi_ok", 7, 150, domain.PaymentSessionSucceeded)

	env, err := h.intake.SubmitBid(context.Background(), verifiedActor, BidRequest{AuctionID: 1, BidAmount: 150, PaymentIntentID: " pi_ok "})
	require.NoError(t, err)
	require.Equal(t, domain.JobPlaceBid, env.Type)

	jobs := h.queue.jobs()
	require.Len(t, jobs, 1)
	bid := jobs[0].Job.(domain.PlaceBid)
	require.Equal(t, int64(7), bid.UserID)
	require.Equal(t, "pi_ok", bid.PaymentIntentID)
}

func TestSubmitBid_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		actor   Actor
		req     BidRequest
		seed    func(h *intakeHarness)
		wantErr error
	}{
		{
			name:    "card not verified",
			actor:   Actor{UserID: 7},
			req:     BidRequest{AuctionID: 1, BidAmount: 10, PaymentIntentID: "pi"},
			wantErr: ErrCardNotVerified,
		},
		{
			name:    "invalid amount",
			actor:   verifiedActor,
			req:     BidRequest{AuctionID: 1, BidAmount: -1, PaymentIntentID: "pi"},
			wantErr: ErrInvalidRequest,
		},
		{
			name:    "unknown session",
			actor:   verifiedActor,
			req:     BidRequest{AuctionID: 1, BidAmount: 10, PaymentIntentID: "pi_missing"},
			wantErr: domain.ErrPaymentSessionNotFound,
		},
		{
			name:  "session owned by someone else",
			actor: verifiedActor,
			req:   BidRequest{AuctionID: 1, BidAmount: 10, PaymentIntentID: "pi_other"},
			seed: func(h *intakeHarness) {
				h.repo.addSession("pi_other", 99, 10, domain.PaymentSessionSucceeded)
			},
			wantErr: domain.ErrPaymentOwnerMismatch,
		},
		{
			name:  "session already settled",
			actor: verifiedActor,
			req:   BidRequest{AuctionID: 1, BidAmount: 10, PaymentIntentID: "pi_used"},
			seed: func(h *intakeHarness) {
				h.repo.addSession("pi_used", 7, 10, domain.PaymentSessionCompleted)
			},
			wantErr: ErrPaymentAlreadyUsed,
		},
		{
			name:  "pending session without provider confirmation",
			actor: verifiedActor,
			req:   BidRequest{AuctionID: 1, BidAmount: 10, PaymentIntentID: "pi_pending"},
			seed: func(h *intakeHarness) {
				h.repo.addSession("pi_pending", 7, 10, domain.PaymentSessionPending)
			},
			wantErr: domain.ErrPaymentNotCaptured,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newIntakeHarness(IntakeConfig{})
			if tt.seed != nil {
				tt.seed(h)
			}
			_, err := h.intake.SubmitBid(context.Background(), tt.actor, tt.req)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if len(h.queue.jobs()) != 0 {
				t.Fatalf("expected nothing to be enqueued")
			}
		})
	}
}

func TestSubmitBid_RateLimited(t *testing.T) {
	h := newIntakeHarness(IntakeConfig{RateLimitPerMinute: 1})
	h.repo.addSession("pi_1", 7, 10, domain.PaymentSessionSucceeded)
	h.repo.addSession("pi_2", 7, 11, domain.PaymentSessionSucceeded)

	_, err := h.intake.SubmitBid(context.Background(), verifiedActor, BidRequest{AuctionID: 1, BidAmount: 10, PaymentIntentID: "pi_1"})
	require.NoError(t, err)

	_, err = h.intake.SubmitBid(context.Background(), verifiedActor, BidRequest{AuctionID: 1, BidAmount: 11, PaymentIntentID: "pi_2"})
	var limited *RateLimitError
	require.ErrorAs(t, err, &limited)
	require.Equal(t, 42, limited.RetryAfterSeconds)
	require.Len(t, h.queue.jobs(), 1)
}

func TestSubmitBid_RateLimitIsPerItem(t *testing.T) {
	h := newIntakeHarness(IntakeConfig{RateLimitPerMinute: 1})
	h.repo.addSession("pi_1", 7, 10, domain.PaymentSessionSucceeded)
	h.repo.addSession("pi_2", 7, 11, domain.PaymentSessionSucceeded)
	h.repo.addSession("pi_3", 7, 3, domain.PaymentSessionSucceeded)

	_, err := h.intake.SubmitBid(context.Background(), verifiedActor, BidRequest{AuctionID: 1, BidAmount: 10, PaymentIntentID: "pi_1"})
	require.NoError(t, err)
	_, err = h.intake.SubmitBid(context.Background(), verifiedActor, BidRequest{AuctionID: 2, BidAmount: 11, PaymentIntentID: "pi_2"})
	require.NoError(t, err)
	_, err = h.intake.SubmitTicketPurchase(context.Background(), verifiedActor, TicketRequest{RaffleID: 1, TicketQuantity: 1, PaymentIntentID: "pi_3"})
	require.NoError(t, err)

	require.Equal(t, 1, h.limiter.counts[IntakeKey{UserID: 7, Kind: domain.KindAuction, ItemID: 1}])
	require.Equal(t, 1, h.limiter.counts[IntakeKey{UserID: 7, Kind: domain.KindAuction, ItemID: 2}])
	require.Equal(t, 1, h.limiter.counts[IntakeKey{UserID: 7, Kind: domain.KindRaffle, ItemID: 1}])
	require.Len(t, h.queue.jobs(), 3)
}

func TestSubmitBid_LimiterOutageFailsOpen(t *testing.T) {
	h := newIntakeHarness(IntakeConfig{RateLimitPerMinute: 1})
	h.limiter.err = errors.New("redis down")
	h.repo.addSession("pi_1", 7, 10, domain.PaymentSessionSucceeded)

	_, err := h.intake.SubmitBid(context.Background(), verifiedActor, BidRequest{AuctionID: 1, BidAmount: 10, PaymentIntentID: "pi_1"})
	require.NoError(t, err)
}

func TestSubmitTicketPurchase_ConfirmsPendingSessionWithProvider(t *testing.T) {
	h := newIntakeHarness(IntakeConfig{VerifyWithProvider: true})
	h.repo.addSession("pi_p", 7, 30, domain.PaymentSessionPending)
	h.gateway.intents["pi_p"] = &paymentclient.PaymentIntent{ID: "pi_p", Succeeded: true, AmountCents: 3000}

	_, err := h.intake.SubmitTicketPurchase(context.Background(), verifiedActor, TicketRequest{RaffleID: 2, TicketQuantity: 3, PaymentIntentID: "pi_p"})
	require.NoError(t, err)
	require.Equal(t, domain.PaymentSessionSucceeded, h.repo.sessionStatus("pi_p"))
	require.Len(t, h.queue.jobs(), 1)
}

func TestSubmitTicketPurchase_ProviderAmountMismatch(t *testing.T) {
	h := newIntakeHarness(IntakeConfig{VerifyWithProvider: true})
	h.repo.addSession("pi_p", 7, 30, domain.PaymentSessionPending)
	h.gateway.intents["pi_p"] = &paymentclient.PaymentIntent{ID: "pi_p", Succeeded: true, AmountCents: 2999}

	_, err := h.intake.SubmitTicketPurchase(context.Background(), verifiedActor, TicketRequest{RaffleID: 2, TicketQuantity: 3, PaymentIntentID: "pi_p"})
	require.ErrorIs(t, err, domain.ErrPaymentAmountMismatch)
	require.Equal(t, domain.PaymentSessionPending, h.repo.sessionStatus("pi_p"))
}

func TestSubmitTicketPurchase_ExpiredPendingSession(t *testing.T) {
	h := newIntakeHarness(IntakeConfig{VerifyWithProvider: true})
	h.repo.addSession("pi_old", 7, 30, domain.PaymentSessionPending)
	expired := time.Now().Add(-time.Minute)
	h.repo.sessions["pi_old"].ExpiresAt = &expired

	_, err := h.intake.SubmitTicketPurchase(context.Background(), verifiedActor, TicketRequest{RaffleID: 2, TicketQuantity: 3, PaymentIntentID: "pi_old"})
	require.ErrorIs(t, err, ErrPaymentSessionStale)
}
