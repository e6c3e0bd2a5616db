/**
 * @description
 * The lifecycle scheduler. It owns the process-local countdown registry, puts
 * delayed Start jobs on the queue, and reconciles queue and countdown state with
 * the database after a restart and on a cron schedule.
 *
 * @notes
 * - A countdown is started only if none is registered for the item. Across
 *   instances a Redis lease picks a single ticker; without a lease every
 *   instance ticks (duplicate ticks are harmless to display consumers).
 * - Countdown goroutines are children of the context passed to Run.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/programming-warrior/vehiclevista-sub000/internal/domain"
	"github.com/programming-warrior/vehiclevista-sub000/internal/store"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// SchedulerConfig tunes countdowns and lifecycle retries.
type SchedulerConfig struct {
	Tick              time.Duration
	LeaseTTL          time.Duration
	MaxAttempts       int
	RetryBaseDelay    time.Duration
	ReconcileSchedule string
}

// Scheduler drives the UPCOMING -> RUNNING -> ENDED lifecycle.
type Scheduler struct {
	repo    store.LifecycleRepository
	queue   JobPublisher
	events  EventPublisher
	audit   AuditSink
	inbox   *Inbox
	lease   CountdownLease
	markers ScheduleMarker
	logger  *zap.Logger
	cfg     SchedulerConfig
	now     func() time.Time

	mu         sync.Mutex
	countdowns map[string]*countdown
	baseCtx    context.Context
	wg         sync.WaitGroup
}

func NewScheduler(
	repo store.LifecycleRepository,
	queue JobPublisher,
	events EventPublisher,
	audit AuditSink,
	inbox *Inbox,
	logger *zap.Logger,
	cfg SchedulerConfig,
) *Scheduler {
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 5 * cfg.Tick
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.ReconcileSchedule == "" {
		cfg.ReconcileSchedule = "@every 30s"
	}
	if audit == nil {
		audit = DiscardAudit{}
	}
	return &Scheduler{
		repo:       repo,
		queue:      queue,
		events:     events,
		audit:      audit,
		inbox:      inbox,
		logger:     logger,
		cfg:        cfg,
		now:        time.Now,
		countdowns: make(map[string]*countdown),
		baseCtx:    context.Background(),
	}
}

// WithCoordination enables the Redis countdown lease and schedule markers.
func (s *Scheduler) WithCoordination(lease CountdownLease, markers ScheduleMarker) *Scheduler {
	s.lease = lease
	s.markers = markers
	return s
}

// Run reconciles once, then on the cron schedule, until ctx is cancelled. It
// stops every countdown before returning.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	if err := s.Reconcile(ctx); err != nil {
		s.logger.Error("startup reconciliation failed", zap.Error(err))
	}

	c := cron.New(cron.WithChain(cron.Recover(cronLogger{s.logger})))
	if _, err := c.AddFunc(s.cfg.ReconcileSchedule, func() {
		if err := s.Reconcile(ctx); err != nil {
			s.logger.Error("scheduled reconciliation failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("invalid reconcile schedule %q: %w", s.cfg.ReconcileSchedule, err)
	}
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
	s.StopAll()
	return nil
}

// ScheduleAuction puts the StartAuction job on the queue with delay
// startDate - now. Repeated calls for the same start date publish once while
// the marker lives.
func (s *Scheduler) ScheduleAuction(ctx context.Context, auction domain.AuctionItem) error {
	if auction.Status != domain.StatusUpcoming {
		return fmt.Errorf("%w: auction %d is %s", domain.ErrInvalidTransition, auction.ID, auction.Status)
	}
	end := auction.EndDate
	return s.scheduleStart(ctx, domain.KindAuction, auction.ID, auction.StartDate,
		domain.StartAuction{AuctionID: auction.ID, EndTime: &end})
}

// ScheduleRaffle is ScheduleAuction for raffles.
func (s *Scheduler) ScheduleRaffle(ctx context.Context, raffle domain.RaffleItem) error {
	if raffle.Status != domain.StatusUpcoming {
		return fmt.Errorf("%w: raffle %d is %s", domain.ErrInvalidTransition, raffle.ID, raffle.Status)
	}
	end := raffle.EndDate
	return s.scheduleStart(ctx, domain.KindRaffle, raffle.ID, raffle.StartDate,
		domain.StartRaffle{RaffleID: raffle.ID, EndTime: &end})
}

func (s *Scheduler) scheduleStart(ctx context.Context, kind domain.ItemKind, id int64, startDate time.Time, job domain.Job) error {
	delay := startDate.Sub(s.now())
	if delay <= 0 {
		// Overdue starts are always published: Start is idempotent and a raffle
		// blocked by another running raffle is retried this way.
		_, err := s.queue.Enqueue(ctx, job)
		return err
	}

	if s.markers != nil {
		key := fmt.Sprintf("start:%s:%d", domain.ItemKey(kind, id), startDate.Unix())
		fresh, err := s.markers.MarkScheduled(ctx, key, delay+time.Hour)
		if err != nil {
			s.logger.Warn("schedule marker unavailable; publishing anyway", zap.String("item", domain.ItemKey(kind, id)), zap.Error(err))
		} else if !fresh {
			return nil
		}
	}

	if _, err := s.queue.EnqueueAfter(ctx, job, delay); err != nil {
		return err
	}
	s.logger.Info("start scheduled", zap.String("item", domain.ItemKey(kind, id)), zap.Duration("delay", delay))
	return nil
}

// Reconcile restores lifecycle progress from the database: RUNNING items get
// their countdown (or their End job if already past endDate) and UPCOMING items
// get their Start job.
func (s *Scheduler) Reconcile(ctx context.Context) error {
	now := s.now()
	var errs []error

	running, err := s.repo.ListAuctionsByStatus(ctx, domain.StatusRunning)
	if err != nil {
		errs = append(errs, fmt.Errorf("list running auctions: %w", err))
	}
	for _, a := range running {
		if !now.Before(a.EndDate) {
			end := a.EndDate
			if _, err := s.queue.Enqueue(ctx, domain.EndAuction{AuctionID: a.ID, EndTime: &end}); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		s.EnsureCountdown(domain.KindAuction, a.ID, a.EndDate)
	}

	upcoming, err := s.repo.ListAuctionsByStatus(ctx, domain.StatusUpcoming)
	if err != nil {
		errs = append(errs, fmt.Errorf("list upcoming auctions: %w", err))
	}
	for _, a := range upcoming {
		if err := s.ScheduleAuction(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}

	runningRaffles, err := s.repo.ListRafflesByStatus(ctx, domain.StatusRunning)
	if err != nil {
		errs = append(errs, fmt.Errorf("list running raffles: %w", err))
	}
	for _, r := range runningRaffles {
		if !now.Before(r.EndDate) {
			end := r.EndDate
			if _, err := s.queue.Enqueue(ctx, domain.EndRaffle{RaffleID: r.ID, EndTime: &end}); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		s.EnsureCountdown(domain.KindRaffle, r.ID, r.EndDate)
	}

	upcomingRaffles, err := s.repo.ListRafflesByStatus(ctx, domain.StatusUpcoming)
	if err != nil {
		errs = append(errs, fmt.Errorf("list upcoming raffles: %w", err))
	}
	for _, r := range upcomingRaffles {
		if err := s.ScheduleRaffle(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}

	s.logger.Debug("reconciliation pass complete",
		zap.Int("running_auctions", len(running)),
		zap.Int("upcoming_auctions", len(upcoming)),
		zap.Int("running_raffles", len(runningRaffles)),
		zap.Int("upcoming_raffles", len(upcomingRaffles)),
		zap.Int("errors", len(errs)),
	)
	return errors.Join(errs...)
}

// EnsureCountdown starts the countdown for an item unless one is registered in
// this process or another instance holds its lease.
func (s *Scheduler) EnsureCountdown(kind domain.ItemKind, id int64, endDate time.Time) bool {
	key := domain.ItemKey(kind, id)

	s.mu.Lock()
	if _, ok := s.countdowns[key]; ok {
		s.mu.Unlock()
		return false
	}
	parent := s.baseCtx
	s.mu.Unlock()

	if s.lease != nil {
		acquired, err := s.lease.AcquireLease(parent, key, s.cfg.LeaseTTL)
		if err != nil {
			s.logger.Warn("countdown lease unavailable; ticking without it", zap.String("item", key), zap.Error(err))
		} else if !acquired {
			return false
		}
	}

	s.mu.Lock()
	if _, ok := s.countdowns[key]; ok {
		s.mu.Unlock()
		return false
	}
	ctx, cancel := context.WithCancel(parent)
	entry := &countdown{cancel: cancel}
	s.countdowns[key] = entry
	s.wg.Add(1)
	s.mu.Unlock()

	go s.runCountdown(ctx, entry, kind, id, endDate)
	s.logger.Info("countdown started", zap.String("item", key), zap.Time("end_date", endDate))
	return true
}

// HasCountdown reports whether this process ticks the item.
func (s *Scheduler) HasCountdown(kind domain.ItemKind, id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.countdowns[domain.ItemKey(kind, id)]
	return ok
}

// StopCountdown cancels the item's countdown if this process runs it.
func (s *Scheduler) StopCountdown(kind domain.ItemKind, id int64) {
	key := domain.ItemKey(kind, id)
	s.mu.Lock()
	entry, ok := s.countdowns[key]
	delete(s.countdowns, key)
	s.mu.Unlock()
	if ok {
		entry.cancel()
	}
}

// StopAll cancels every countdown and waits for them to exit.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	for key, entry := range s.countdowns {
		entry.cancel()
		delete(s.countdowns, key)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

type countdown struct {
	cancel context.CancelFunc
}

func (s *Scheduler) runCountdown(ctx context.Context, entry *countdown, kind domain.ItemKind, id int64, endDate time.Time) {
	defer s.wg.Done()
	key := domain.ItemKey(kind, id)
	channel := domain.TimerChannel(kind, id)
	defer func() {
		entry.cancel()
		s.mu.Lock()
		if s.countdowns[key] == entry {
			delete(s.countdowns, key)
		}
		s.mu.Unlock()
		if s.lease != nil {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := s.lease.ReleaseLease(releaseCtx, key); err != nil {
				s.logger.Debug("countdown lease release failed", zap.String("item", key), zap.Error(err))
			}
		}
	}()

	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	for {
		remaining := endDate.Sub(s.now())
		if remaining <= 0 {
			s.publishTick(ctx, channel, domain.NewTimerTick(kind, id, 0))
			s.enqueueEnd(ctx, kind, id, endDate)
			return
		}
		s.publishTick(ctx, channel, domain.NewTimerTick(kind, id, remaining))

		if s.lease != nil {
			held, err := s.lease.RenewLease(ctx, key, s.cfg.LeaseTTL)
			if err == nil && !held {
				s.logger.Warn("countdown lease lost; stopping", zap.String("item", key))
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) publishTick(ctx context.Context, channel string, tick domain.TimerTick) {
	if err := s.events.Publish(ctx, channel, tick); err != nil && ctx.Err() == nil {
		s.logger.Debug("timer tick publish failed", zap.String("channel", channel), zap.Error(err))
	}
}

func (s *Scheduler) enqueueEnd(ctx context.Context, kind domain.ItemKind, id int64, endDate time.Time) {
	var job domain.Job
	end := endDate
	if kind == domain.KindRaffle {
		job = domain.EndRaffle{RaffleID: id, EndTime: &end}
	} else {
		job = domain.EndAuction{AuctionID: id, EndTime: &end}
	}
	if _, err := s.queue.Enqueue(ctx, job); err != nil {
		// Reconciliation enqueues End for RUNNING items past endDate.
		s.logger.Error("failed to enqueue end job", zap.String("item", domain.ItemKey(kind, id)), zap.Error(err))
		return
	}
	s.logger.Info("countdown finished; end enqueued", zap.String("item", domain.ItemKey(kind, id)))
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
