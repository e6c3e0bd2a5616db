package app

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/programming-warrior/vehiclevista-sub000/internal/domain"
	"github.com/programming-warrior/vehiclevista-sub000/internal/store"
	"github.com/programming-warrior/vehiclevista-sub000/pkg/paymentclient"
	"go.uber.org/zap"
)

// memoryRepo is an in-memory store.Repository. A single mutex stands in for the
// row lock, so settlement calls are serialized the way FOR UPDATE serializes them.
type memoryRepo struct {
	store.Repository

	mu            sync.Mutex
	auctions      map[int64]*domain.AuctionItem
	raffles       map[int64]*domain.RaffleItem
	sessions      map[string]*domain.PaymentSession
	bids          []domain.Bid
	sales         []domain.TicketSale
	winners       map[int64]domain.AuctionWinner
	refunds       map[string]*domain.Refund
	notifications []domain.Notification

	// settleErrs are returned, in order, by the next settlement calls.
	settleErrs []error
	// lifecycleErr is returned by the next lifecycle transition.
	lifecycleErr error

	nextID int64
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		auctions: make(map[int64]*domain.AuctionItem),
		raffles:  make(map[int64]*domain.RaffleItem),
		sessions: make(map[string]*domain.PaymentSession),
		winners:  make(map[int64]domain.AuctionWinner),
		refunds:  make(map[string]*domain.Refund),
	}
}

func (r *memoryRepo) id() int64 {
	r.nextID++
	return r.nextID
}

func (r *memoryRepo) addSession(intent string, userID int64, amount float64, status domain.PaymentSessionStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[intent] = &domain.PaymentSession{ID: r.id(), UserID: userID, PaymentIntentID: intent, Amount: amount, Status: status}
}

func (r *memoryRepo) popSettleErr() error {
	if len(r.settleErrs) == 0 {
		return nil
	}
	err := r.settleErrs[0]
	r.settleErrs = r.settleErrs[1:]
	return err
}

func (r *memoryRepo) SettleBid(ctx context.Context, p store.SettleBidParams) (*store.BidSettlement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.popSettleErr(); err != nil {
		return nil, err
	}
	auction, ok := r.auctions[p.AuctionID]
	if !ok {
		return nil, domain.ErrAuctionNotFound
	}
	if err := domain.CheckPaymentSession(r.sessions[p.PaymentIntentID], p.UserID, p.BidAmount); err != nil {
		return nil, err
	}
	if err := domain.ValidateBid(*auction, p.BidAmount, p.Now); err != nil {
		return nil, err
	}
	bid := domain.Bid{ID: r.id(), AuctionID: p.AuctionID, UserID: p.UserID, BidAmount: p.BidAmount, PaymentIntentID: p.PaymentIntentID, CreatedAt: p.Now}
	r.bids = append(r.bids, bid)
	r.sessions[p.PaymentIntentID].Status = domain.PaymentSessionCompleted
	auction.CurrentBid = p.BidAmount
	auction.TotalBids++
	return &store.BidSettlement{Bid: bid, Auction: *auction}, nil
}

func (r *memoryRepo) SettleTicketPurchase(ctx context.Context, p store.SettleTicketParams) (*store.TicketSettlement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.popSettleErr(); err != nil {
		return nil, err
	}
	raffle, ok := r.raffles[p.RaffleID]
	if !ok {
		return nil, domain.ErrRaffleNotFound
	}
	total, _ := domain.TicketTotal(raffle.TicketPrice, p.TicketQuantity).Float64()
	if err := domain.CheckPaymentSession(r.sessions[p.PaymentIntentID], p.UserID, total); err != nil {
		return nil, err
	}
	if err := domain.ValidateTicketPurchase(*raffle, p.TicketQuantity, p.Now); err != nil {
		return nil, err
	}
	sale := domain.TicketSale{ID: r.id(), RaffleID: p.RaffleID, UserID: p.UserID, TicketQty: p.TicketQuantity, PaymentIntentID: p.PaymentIntentID, CreatedAt: p.Now}
	r.sales = append(r.sales, sale)
	r.sessions[p.PaymentIntentID].Status = domain.PaymentSessionCompleted
	raffle.SoldTicket += p.TicketQuantity
	return &store.TicketSettlement{Sale: sale, Raffle: *raffle}, nil
}

func (r *memoryRepo) FindPaymentSession(ctx context.Context, intent string) (*domain.PaymentSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[intent]
	if !ok {
		return nil, domain.ErrPaymentSessionNotFound
	}
	snapshot := *s
	return &snapshot, nil
}

func (r *memoryRepo) MarkPaymentSessionSucceeded(ctx context.Context, intent string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[intent]; ok && s.Status == domain.PaymentSessionPending {
		s.Status = domain.PaymentSessionSucceeded
	}
	return nil
}

func (r *memoryRepo) MarkPaymentSessionFailed(ctx context.Context, intent string, userID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[intent]; ok && s.UserID == userID && s.Status == domain.PaymentSessionSucceeded {
		s.Status = domain.PaymentSessionFailed
	}
	return nil
}

func (r *memoryRepo) sessionStatus(intent string) domain.PaymentSessionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[intent].Status
}

// Lifecycle

func (r *memoryRepo) FindAuction(ctx context.Context, id int64) (*domain.AuctionItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.auctions[id]
	if !ok {
		return nil, domain.ErrAuctionNotFound
	}
	snapshot := *a
	return &snapshot, nil
}

func (r *memoryRepo) FindRaffle(ctx context.Context, id int64) (*domain.RaffleItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rf, ok := r.raffles[id]
	if !ok {
		return nil, domain.ErrRaffleNotFound
	}
	snapshot := *rf
	return &snapshot, nil
}

func (r *memoryRepo) ListAuctionsByStatus(ctx context.Context, status domain.ItemStatus) ([]domain.AuctionItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.AuctionItem
	for _, a := range r.auctions {
		if a.Status == status {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memoryRepo) ListRafflesByStatus(ctx context.Context, status domain.ItemStatus) ([]domain.RaffleItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.RaffleItem
	for _, rf := range r.raffles {
		if rf.Status == status {
			out = append(out, *rf)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memoryRepo) takeLifecycleErr() error {
	err := r.lifecycleErr
	r.lifecycleErr = nil
	return err
}

func (r *memoryRepo) StartAuction(ctx context.Context, id int64, now time.Time) (*domain.AuctionItem, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.takeLifecycleErr(); err != nil {
		return nil, false, err
	}
	a, ok := r.auctions[id]
	if !ok {
		return nil, false, domain.ErrAuctionNotFound
	}
	if a.Status != domain.StatusUpcoming {
		snapshot := *a
		return &snapshot, false, nil
	}
	if now.Before(a.StartDate) {
		snapshot := *a
		return &snapshot, false, domain.ErrNotDue
	}
	a.Status = domain.StatusRunning
	snapshot := *a
	return &snapshot, true, nil
}

func (r *memoryRepo) EndAuction(ctx context.Context, id int64, now time.Time) (*store.AuctionEndResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.takeLifecycleErr(); err != nil {
		return nil, err
	}
	a, ok := r.auctions[id]
	if !ok {
		return nil, domain.ErrAuctionNotFound
	}
	switch a.Status {
	case domain.StatusEnded:
		return &store.AuctionEndResult{Auction: *a}, nil
	case domain.StatusUpcoming:
		return nil, domain.ErrInvalidTransition
	}
	if now.Before(a.EndDate) {
		return &store.AuctionEndResult{Auction: *a}, domain.ErrNotDue
	}
	var winner *domain.AuctionWinner
	var top *domain.Bid
	for i := range r.bids {
		b := &r.bids[i]
		if b.AuctionID != id {
			continue
		}
		if top == nil || b.BidAmount > top.BidAmount || (b.BidAmount == top.BidAmount && b.CreatedAt.Before(top.CreatedAt)) {
			top = b
		}
	}
	if top != nil {
		if _, exists := r.winners[id]; !exists {
			w := domain.AuctionWinner{ID: r.id(), AuctionID: id, BidID: top.ID, UserID: top.UserID, Amount: top.BidAmount, CreatedAt: now}
			r.winners[id] = w
			winner = &w
		}
	}
	a.Status = domain.StatusEnded
	return &store.AuctionEndResult{Auction: *a, Winner: winner, Changed: true}, nil
}

func (r *memoryRepo) StartRaffle(ctx context.Context, id int64, now time.Time) (*domain.RaffleItem, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.takeLifecycleErr(); err != nil {
		return nil, false, err
	}
	rf, ok := r.raffles[id]
	if !ok {
		return nil, false, domain.ErrRaffleNotFound
	}
	if rf.Status != domain.StatusUpcoming {
		snapshot := *rf
		return &snapshot, false, nil
	}
	if now.Before(rf.StartDate) {
		snapshot := *rf
		return &snapshot, false, domain.ErrNotDue
	}
	for _, other := range r.raffles {
		if other.ID != id && other.Status == domain.StatusRunning {
			snapshot := *rf
			return &snapshot, false, domain.ErrAnotherRaffleRunning
		}
	}
	rf.Status = domain.StatusRunning
	snapshot := *rf
	return &snapshot, true, nil
}

func (r *memoryRepo) EndRaffle(ctx context.Context, id int64, now time.Time) (*domain.RaffleItem, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.takeLifecycleErr(); err != nil {
		return nil, false, err
	}
	rf, ok := r.raffles[id]
	if !ok {
		return nil, false, domain.ErrRaffleNotFound
	}
	switch rf.Status {
	case domain.StatusEnded:
		snapshot := *rf
		return &snapshot, false, nil
	case domain.StatusUpcoming:
		return nil, false, domain.ErrInvalidTransition
	}
	if now.Before(rf.EndDate) {
		snapshot := *rf
		return &snapshot, false, domain.ErrNotDue
	}
	rf.Status = domain.StatusEnded
	snapshot := *rf
	return &snapshot, true, nil
}

// Refunds

func (r *memoryRepo) CreateRefund(ctx context.Context, refund domain.Refund) (*domain.Refund, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.refunds[refund.PaymentIntentID]; ok {
		snapshot := *existing
		return &snapshot, nil
	}
	refund.ID = r.id()
	refund.Status = domain.RefundPending
	refund.CreatedAt = time.Now()
	refund.UpdatedAt = refund.CreatedAt
	r.refunds[refund.PaymentIntentID] = &refund
	snapshot := refund
	return &snapshot, nil
}

func (r *memoryRepo) refundByID(id int64) *domain.Refund {
	for _, rf := range r.refunds {
		if rf.ID == id {
			return rf
		}
	}
	return nil
}

func (r *memoryRepo) RecordRefundIssued(ctx context.Context, id int64, stripeID string, status domain.RefundStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rf := r.refundByID(id)
	if rf == nil || rf.Status != domain.RefundPending {
		return store.ErrRefundNotFound
	}
	if stripeID != "" {
		rf.StripeRefundID = &stripeID
	}
	rf.Status = status
	rf.Attempts++
	rf.ErrorMessage = nil
	return nil
}

func (r *memoryRepo) RecordRefundAttemptFailed(ctx context.Context, id int64, msg string) (*domain.Refund, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rf := r.refundByID(id)
	if rf == nil {
		return nil, store.ErrRefundNotFound
	}
	rf.Attempts++
	rf.ErrorMessage = &msg
	snapshot := *rf
	return &snapshot, nil
}

func (r *memoryRepo) UpdateRefundStatus(ctx context.Context, id int64, status domain.RefundStatus, msg *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rf := r.refundByID(id)
	if rf != nil && rf.Status == domain.RefundPending {
		rf.Status = status
		if msg != nil {
			rf.ErrorMessage = msg
		}
	}
	return nil
}

func (r *memoryRepo) UpdateRefundStatusByStripeID(ctx context.Context, stripeID string, status domain.RefundStatus, msg *string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rf := range r.refunds {
		if rf.StripeRefundID != nil && *rf.StripeRefundID == stripeID && rf.Status == domain.RefundPending {
			rf.Status = status
			if msg != nil {
				rf.ErrorMessage = msg
			}
			return true, nil
		}
	}
	return false, nil
}

func (r *memoryRepo) ListPendingRefunds(ctx context.Context, before time.Time, limit int) ([]domain.Refund, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Refund
	for _, rf := range r.refunds {
		if rf.Status == domain.RefundPending && rf.UpdatedAt.Before(before) {
			out = append(out, *rf)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memoryRepo) refund(intent string) *domain.Refund {
	r.mu.Lock()
	defer r.mu.Unlock()
	rf, ok := r.refunds[intent]
	if !ok {
		return nil
	}
	snapshot := *rf
	return &snapshot
}

// Notifications

func (r *memoryRepo) CreateNotification(ctx context.Context, item domain.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if item.DedupeKey != nil {
		for _, n := range r.notifications {
			if n.DedupeKey != nil && *n.DedupeKey == *item.DedupeKey {
				return nil
			}
		}
	}
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	r.notifications = append(r.notifications, item)
	return nil
}

func (r *memoryRepo) notificationsFor(userID int64) []domain.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Notification
	for _, n := range r.notifications {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	return out
}

// recordingPublisher captures pub/sub events.
type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
	err    error
}

type publishedEvent struct {
	Channel string
	Payload []byte
}

func (p *recordingPublisher) Publish(ctx context.Context, channel string, payload interface{}) error {
	if p.err != nil {
		return p.err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.events = append(p.events, publishedEvent{Channel: channel, Payload: raw})
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) on(channel string) []publishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []publishedEvent
	for _, e := range p.events {
		if e.Channel == channel {
			out = append(out, e)
		}
	}
	return out
}

// recordingQueue captures enqueued and re-published jobs.
type recordingQueue struct {
	mu       sync.Mutex
	enqueued []queuedJob
	err      error
}

type queuedJob struct {
	Env   domain.JobEnvelope
	Job   domain.Job
	Delay time.Duration
}

func (q *recordingQueue) Enqueue(ctx context.Context, job domain.Job) (domain.JobEnvelope, error) {
	return q.EnqueueAfter(ctx, job, 0)
}

func (q *recordingQueue) EnqueueAfter(ctx context.Context, job domain.Job, delay time.Duration) (domain.JobEnvelope, error) {
	if q.err != nil {
		return domain.JobEnvelope{}, q.err
	}
	env, err := domain.NewEnvelope(job)
	if err != nil {
		return domain.JobEnvelope{}, err
	}
	q.mu.Lock()
	q.enqueued = append(q.enqueued, queuedJob{Env: env, Job: job, Delay: delay})
	q.mu.Unlock()
	return env, nil
}

func (q *recordingQueue) Requeue(ctx context.Context, env domain.JobEnvelope, delay time.Duration) error {
	if q.err != nil {
		return q.err
	}
	job, err := env.Decode()
	if err != nil {
		return err
	}
	q.mu.Lock()
	q.enqueued = append(q.enqueued, queuedJob{Env: env, Job: job, Delay: delay})
	q.mu.Unlock()
	return nil
}

func (q *recordingQueue) jobs() []queuedJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]queuedJob(nil), q.enqueued...)
}

// stubGateway is a scripted payment provider.
type stubGateway struct {
	mu          sync.Mutex
	refundErr   error
	refundState paymentclient.RefundState
	refundCalls []string
	keys        []string
	remote      map[string]*paymentclient.Refund
	intents     map[string]*paymentclient.PaymentIntent
}

func (g *stubGateway) RefundPaymentIntent(ctx context.Context, intent, reason, key string) (*paymentclient.Refund, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refundCalls = append(g.refundCalls, intent)
	g.keys = append(g.keys, key)
	if g.refundErr != nil {
		return nil, g.refundErr
	}
	state := g.refundState
	if state == "" {
		state = paymentclient.RefundStatePending
	}
	return &paymentclient.Refund{ID: "re_" + intent, PaymentIntentID: intent, Status: state}, nil
}

func (g *stubGateway) GetRefund(ctx context.Context, id string) (*paymentclient.Refund, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if r, ok := g.remote[id]; ok {
		return r, nil
	}
	return nil, errors.New("no such refund")
}

func (g *stubGateway) GetPaymentIntent(ctx context.Context, id string) (*paymentclient.PaymentIntent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if pi, ok := g.intents[id]; ok {
		return pi, nil
	}
	return nil, errors.New("no such payment intent")
}

func (g *stubGateway) calls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.refundCalls...)
}

// recordingAudit captures audit records.
type recordingAudit struct {
	mu    sync.Mutex
	kinds []string
}

func (a *recordingAudit) Record(ctx context.Context, kind, msgID string, payload interface{}) error {
	a.mu.Lock()
	a.kinds = append(a.kinds, kind)
	a.mu.Unlock()
	return nil
}

type workerHarness struct {
	repo    *memoryRepo
	events  *recordingPublisher
	queue   *recordingQueue
	gateway *stubGateway
	audit   *recordingAudit
	worker  *SettlementWorker
	comp    *Compensator
}

func newWorkerHarness(maxAttempts int) *workerHarness {
	h := &workerHarness{
		repo:    newMemoryRepo(),
		events:  &recordingPublisher{},
		queue:   &recordingQueue{},
		gateway: &stubGateway{},
		audit:   &recordingAudit{},
	}
	logger := zap.NewNop()
	inbox := NewInbox(h.repo, logger)
	h.comp = NewCompensator(h.repo, h.repo, h.gateway, h.events, inbox, h.audit, logger, 3)
	h.worker = NewSettlementWorker(h.repo, h.queue, h.events, h.audit, inbox, h.comp, logger, WorkerConfig{
		MaxAttempts:    maxAttempts,
		RetryBaseDelay: 100 * time.Millisecond,
	})
	return h
}

func envelopeFor(job domain.Job) domain.JobEnvelope {
	env, err := domain.NewEnvelope(job)
	if err != nil {
		panic(err)
	}
	return env
}
