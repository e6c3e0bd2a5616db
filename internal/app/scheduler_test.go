package app

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/programming-warrior/vehiclevista-sub000/internal/domain"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type markerStub struct {
	mu   sync.Mutex
	keys map[string]bool
}

func (m *markerStub) MarkScheduled(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keys == nil {
		m.keys = map[string]bool{}
	}
	if m.keys[key] {
		return false, nil
	}
	m.keys[key] = true
	return true, nil
}

type leaseStub struct {
	grant bool
}

func (l *leaseStub) AcquireLease(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return l.grant, nil
}

func (l *leaseStub) RenewLease(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return l.grant, nil
}

func (l *leaseStub) ReleaseLease(ctx context.Context, key string) error { return nil }

type schedulerHarness struct {
	repo   *memoryRepo
	events *recordingPublisher
	queue  *recordingQueue
	audit  *recordingAudit
	s      *Scheduler
}

func newSchedulerHarness(t *testing.T, tick time.Duration) *schedulerHarness {
	t.Helper()
	h := &schedulerHarness{
		repo:   newMemoryRepo(),
		events: &recordingPublisher{},
		queue:  &recordingQueue{},
		audit:  &recordingAudit{},
	}
	logger := zap.NewNop()
	h.s = NewScheduler(h.repo, h.queue, h.events, h.audit, NewInbox(h.repo, logger), logger, SchedulerConfig{
		Tick:           tick,
		MaxAttempts:    3,
		RetryBaseDelay: 50 * time.Millisecond,
	})
	t.Cleanup(h.s.StopAll)
	return h
}

func (h *schedulerHarness) jobsOfType(jt domain.JobType) []queuedJob {
	var out []queuedJob
	for _, j := range h.queue.jobs() {
		if j.Env.Type == jt {
			out = append(out, j)
		}
	}
	return out
}

func TestEnsureCountdown_RegistersOnce(t *testing.T) {
	h := newSchedulerHarness(t, time.Hour)
	end := time.Now().Add(time.Hour)

	require.True(t, h.s.EnsureCountdown(domain.KindAuction, 1, end))
	require.False(t, h.s.EnsureCountdown(domain.KindAuction, 1, end))
	require.True(t, h.s.HasCountdown(domain.KindAuction, 1))
	require.False(t, h.s.HasCountdown(domain.KindRaffle, 1))

	h.s.StopCountdown(domain.KindAuction, 1)
	require.False(t, h.s.HasCountdown(domain.KindAuction, 1))
	require.True(t, h.s.EnsureCountdown(domain.KindAuction, 1, end))
}

func TestEnsureCountdown_RespectsForeignLease(t *testing.T) {
	h := newSchedulerHarness(t, time.Hour)
	h.s.WithCoordination(&leaseStub{grant: false}, nil)

	require.False(t, h.s.EnsureCountdown(domain.KindRaffle, 2, time.Now().Add(time.Hour)))
	require.False(t, h.s.HasCountdown(domain.KindRaffle, 2))
}

func TestCountdown_TicksThenEnqueuesEnd(t *testing.T) {
	h := newSchedulerHarness(t, 10*time.Millisecond)
	end := time.Now().Add(80 * time.Millisecond)

	require.True(t, h.s.EnsureCountdown(domain.KindAuction, 5, end))
	require.Eventually(t, func() bool {
		return len(h.jobsOfType(domain.JobEndAuction)) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return !h.s.HasCountdown(domain.KindAuction, 5)
	}, time.Second, 5*time.Millisecond)

	ticks := h.events.on(domain.TimerChannel(domain.KindAuction, 5))
	require.GreaterOrEqual(t, len(ticks), 2)
	var first, last domain.TimerTick
	require.NoError(t, json.Unmarshal(ticks[0].Payload, &first))
	require.NoError(t, json.Unmarshal(ticks[len(ticks)-1].Payload, &last))
	require.NotNil(t, first.AuctionID)
	require.Equal(t, int64(5), *first.AuctionID)
	require.Greater(t, first.RemainingTime, int64(0))
	require.Equal(t, int64(0), last.RemainingTime)

	endJob := h.jobsOfType(domain.JobEndAuction)[0].Job.(domain.EndAuction)
	require.Equal(t, int64(5), endJob.AuctionID)
	require.NotNil(t, endJob.EndTime)
}

func TestStartAuction_TransitionsAndStartsCountdownOnce(t *testing.T) {
	ctx := context.Background()
	h := newSchedulerHarness(t, time.Hour)
	now := time.Now()
	h.repo.auctions[1] = &domain.AuctionItem{ID: 1, Status: domain.StatusUpcoming, StartDate: now.Add(-time.Second), EndDate: now.Add(time.Hour)}

	job := domain.StartAuction{AuctionID: 1}
	require.NoError(t, h.s.StartAuction(ctx, envelopeFor(job), job))
	require.NoError(t, h.s.StartAuction(ctx, envelopeFor(job), job))

	require.Equal(t, domain.StatusRunning, h.repo.auctions[1].Status)
	require.True(t, h.s.HasCountdown(domain.KindAuction, 1))
	require.Equal(t, []string{"auction_started"}, h.audit.kinds)
}

func TestStartAuction_EarlyDeliveryIsRescheduled(t *testing.T) {
	ctx := context.Background()
	h := newSchedulerHarness(t, time.Hour)
	h.repo.auctions[1] = &domain.AuctionItem{ID: 1, Status: domain.StatusUpcoming, StartDate: time.Now().Add(2 * time.Hour), EndDate: time.Now().Add(3 * time.Hour)}

	job := domain.StartAuction{AuctionID: 1}
	env := envelopeFor(job)
	require.NoError(t, h.s.StartAuction(ctx, env, job))

	require.Equal(t, domain.StatusUpcoming, h.repo.auctions[1].Status)
	requeued := h.queue.jobs()
	require.Len(t, requeued, 1)
	require.Equal(t, env.ID, requeued[0].Env.ID)
	require.Equal(t, 0, requeued[0].Env.Attempt)
	require.Greater(t, requeued[0].Delay, 119*time.Minute)
}

func TestEndAuction_RecordsWinnerOnce(t *testing.T) {
	ctx := context.Background()
	h := newSchedulerHarness(t, time.Hour)
	now := time.Now()
	h.repo.auctions[1] = &domain.AuctionItem{ID: 1, Status: domain.StatusRunning, StartDate: now.Add(-2 * time.Hour), EndDate: now.Add(-time.Second), CurrentBid: 300, TotalBids: 3}
	h.repo.bids = []domain.Bid{
		{ID: 10, AuctionID: 1, UserID: 1, BidAmount: 200, CreatedAt: now.Add(-90 * time.Minute)},
		{ID: 11, AuctionID: 1, UserID: 2, BidAmount: 300, CreatedAt: now.Add(-60 * time.Minute)},
		{ID: 12, AuctionID: 1, UserID: 3, BidAmount: 300, CreatedAt: now.Add(-30 * time.Minute)},
	}
	h.s.EnsureCountdown(domain.KindAuction, 1, now.Add(time.Hour))

	job := domain.EndAuction{AuctionID: 1}
	require.NoError(t, h.s.EndAuction(ctx, envelopeFor(job), job))
	require.NoError(t, h.s.EndAuction(ctx, envelopeFor(job), job))

	require.Equal(t, domain.StatusEnded, h.repo.auctions[1].Status)
	require.Len(t, h.repo.winners, 1)
	require.Equal(t, int64(2), h.repo.winners[1].UserID)
	require.False(t, h.s.HasCountdown(domain.KindAuction, 1))

	inbox := h.repo.notificationsFor(2)
	require.Len(t, inbox, 1)
	require.Equal(t, domain.NotificationTypeAuctionWon, inbox[0].Type)
	require.Equal(t, []string{"auction_ended"}, h.audit.kinds)
}

func TestEndAuction_UpcomingAuctionIsDropped(t *testing.T) {
	ctx := context.Background()
	h := newSchedulerHarness(t, time.Hour)
	h.repo.auctions[1] = &domain.AuctionItem{ID: 1, Status: domain.StatusUpcoming, StartDate: time.Now().Add(time.Hour), EndDate: time.Now().Add(2 * time.Hour)}

	job := domain.EndAuction{AuctionID: 1}
	require.NoError(t, h.s.EndAuction(ctx, envelopeFor(job), job))
	require.Equal(t, domain.StatusUpcoming, h.repo.auctions[1].Status)
	require.Empty(t, h.queue.jobs())
}

func TestStartRaffle_DeferredWhileAnotherRuns(t *testing.T) {
	ctx := context.Background()
	h := newSchedulerHarness(t, time.Hour)
	now := time.Now()
	h.repo.raffles[1] = &domain.RaffleItem{ID: 1, Status: domain.StatusRunning, StartDate: now.Add(-time.Hour), EndDate: now.Add(time.Hour)}
	h.repo.raffles[2] = &domain.RaffleItem{ID: 2, Status: domain.StatusUpcoming, StartDate: now.Add(-time.Minute), EndDate: now.Add(2 * time.Hour)}

	job := domain.StartRaffle{RaffleID: 2}
	require.NoError(t, h.s.StartRaffle(ctx, envelopeFor(job), job))
	require.Equal(t, domain.StatusUpcoming, h.repo.raffles[2].Status)
	require.False(t, h.s.HasCountdown(domain.KindRaffle, 2))
	require.Empty(t, h.queue.jobs())
}

func TestEndRaffle_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newSchedulerHarness(t, time.Hour)
	now := time.Now()
	h.repo.raffles[1] = &domain.RaffleItem{ID: 1, Status: domain.StatusRunning, StartDate: now.Add(-time.Hour), EndDate: now.Add(-time.Second), TicketQuantity: 10, SoldTicket: 4}

	job := domain.EndRaffle{RaffleID: 1}
	require.NoError(t, h.s.EndRaffle(ctx, envelopeFor(job), job))
	require.NoError(t, h.s.EndRaffle(ctx, envelopeFor(job), job))
	require.Equal(t, domain.StatusEnded, h.repo.raffles[1].Status)
	require.Equal(t, []string{"raffle_ended"}, h.audit.kinds)
}

func TestLifecycleFailure_RetriesThenGivesUp(t *testing.T) {
	ctx := context.Background()
	h := newSchedulerHarness(t, time.Hour)
	h.repo.raffles[1] = &domain.RaffleItem{ID: 1, Status: domain.StatusRunning, EndDate: time.Now().Add(-time.Second)}

	job := domain.EndRaffle{RaffleID: 1}
	env := envelopeFor(job)
	h.repo.lifecycleErr = domain.Transient("begin", errors.New("connection refused"))
	require.NoError(t, h.s.EndRaffle(ctx, env, job))

	requeued := h.queue.jobs()
	require.Len(t, requeued, 1)
	require.Equal(t, 1, requeued[0].Env.Attempt)
	require.Equal(t, 50*time.Millisecond, requeued[0].Delay)

	last := env
	last.Attempt = 2
	h.repo.lifecycleErr = domain.ErrLockTimeout
	require.NoError(t, h.s.EndRaffle(ctx, last, job))
	require.Len(t, h.queue.jobs(), 1)
	require.Equal(t, domain.StatusRunning, h.repo.raffles[1].Status)
}

func TestReconcile_RestoresLifecycleAfterRestart(t *testing.T) {
	ctx := context.Background()
	h := newSchedulerHarness(t, time.Hour)
	h.s.WithCoordination(nil, &markerStub{})
	now := time.Now()

	h.repo.auctions[1] = &domain.AuctionItem{ID: 1, Status: domain.StatusRunning, StartDate: now.Add(-2 * time.Hour), EndDate: now.Add(-time.Minute)}
	h.repo.auctions[2] = &domain.AuctionItem{ID: 2, Status: domain.StatusRunning, StartDate: now.Add(-time.Hour), EndDate: now.Add(time.Hour)}
	h.repo.auctions[3] = &domain.AuctionItem{ID: 3, Status: domain.StatusUpcoming, StartDate: now.Add(time.Hour), EndDate: now.Add(2 * time.Hour)}
	h.repo.raffles[4] = &domain.RaffleItem{ID: 4, Status: domain.StatusUpcoming, StartDate: now.Add(-time.Minute), EndDate: now.Add(time.Hour)}

	require.NoError(t, h.s.Reconcile(ctx))

	ends := h.jobsOfType(domain.JobEndAuction)
	require.Len(t, ends, 1)
	require.Equal(t, int64(1), ends[0].Job.(domain.EndAuction).AuctionID)

	require.True(t, h.s.HasCountdown(domain.KindAuction, 2))

	starts := h.jobsOfType(domain.JobStartAuction)
	require.Len(t, starts, 1)
	require.Equal(t, int64(3), starts[0].Job.(domain.StartAuction).AuctionID)
	require.Greater(t, starts[0].Delay, 59*time.Minute)

	raffleStarts := h.jobsOfType(domain.JobStartRaffle)
	require.Len(t, raffleStarts, 1)
	require.Equal(t, time.Duration(0), raffleStarts[0].Delay)

	// A second pass keeps the delayed start deduplicated but retries the overdue raffle.
	require.NoError(t, h.s.Reconcile(ctx))
	require.Len(t, h.jobsOfType(domain.JobStartAuction), 1)
	require.Len(t, h.jobsOfType(domain.JobStartRaffle), 2)
}

func TestScheduleAuction_RejectsNonUpcoming(t *testing.T) {
	h := newSchedulerHarness(t, time.Hour)
	err := h.s.ScheduleAuction(context.Background(), domain.AuctionItem{ID: 1, Status: domain.StatusEnded})
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
}
