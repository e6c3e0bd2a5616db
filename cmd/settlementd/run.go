package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/programming-warrior/vehiclevista-sub000/internal/api"
	"github.com/programming-warrior/vehiclevista-sub000/internal/app"
	"github.com/programming-warrior/vehiclevista-sub000/internal/config"
	"github.com/programming-warrior/vehiclevista-sub000/internal/logging"
	"github.com/programming-warrior/vehiclevista-sub000/internal/notify"
	"github.com/programming-warrior/vehiclevista-sub000/internal/store"
	"github.com/programming-warrior/vehiclevista-sub000/pkg/paymentclient"
	"github.com/programming-warrior/vehiclevista-sub000/pkg/pubsub"
	"github.com/programming-warrior/vehiclevista-sub000/pkg/rabbitmq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

type roles struct {
	api       bool
	worker    bool
	scheduler bool
}

// services is the wired application layer shared by every role.
type services struct {
	repo        *store.PostgresRepository
	queue       *app.JobQueue
	compensator *app.Compensator
	scheduler   *app.Scheduler
	intake      *app.Intake
	dispatcher  *app.Dispatcher
}

func newServices(cfg config.Config, root *zap.Logger, dbpool *pgxpool.Pool, redisClient redis.UniversalClient, publisher rabbitmq.Publisher, audit app.AuditSink) *services {
	repo := store.NewPostgresRepository(dbpool, cfg.LockTimeout())
	queue := app.NewJobQueue(publisher, cfg.SettlementExchange)
	events := pubsub.NewPublisher(redisClient)
	gateway := paymentclient.New(cfg.StripeSecretKey, nil)
	coordinator := app.NewRedisCoordinator(redisClient, cfg.RedisKeyPrefix)
	inbox := app.NewInbox(repo, logging.Component(root, "inbox"))

	compensator := app.NewCompensator(repo, repo, gateway, events, inbox, audit,
		logging.Component(root, "refunds"), cfg.RefundMaxAttempts)

	worker := app.NewSettlementWorker(repo, queue, events, audit, inbox, compensator,
		logging.Component(root, "worker"), app.WorkerConfig{
			MaxAttempts:    cfg.SettlementMaxAttempts,
			RetryBaseDelay: cfg.RetryBaseDelay(),
		})

	scheduler := app.NewScheduler(repo, queue, events, audit, inbox,
		logging.Component(root, "scheduler"), app.SchedulerConfig{
			Tick:              cfg.CountdownTick(),
			MaxAttempts:       cfg.LifecycleMaxAttempts,
			RetryBaseDelay:    cfg.RetryBaseDelay(),
			ReconcileSchedule: cfg.ReconcileSchedule,
		}).WithCoordination(coordinator, coordinator)

	intake := app.NewIntake(repo, gateway, queue,
		app.NewRedisRateLimiter(redisClient, cfg.RedisKeyPrefix),
		logging.Component(root, "intake"), app.IntakeConfig{
			RateLimitPerMinute: cfg.BidRateLimitPerMinute,
			VerifyWithProvider: cfg.VerifyIntentWithProvider,
		})

	return &services{
		repo:        repo,
		queue:       queue,
		compensator: compensator,
		scheduler:   scheduler,
		intake:      intake,
		dispatcher:  app.NewDispatcher(worker, scheduler, cfg.JobTimeout(), logging.Component(root, "dispatcher")),
	}
}

func run(opts *options, r roles) error {
	ctx, stop := signalContext()
	defer stop()

	cfg := opts.cfg
	logger := logging.Component(opts.logger, "bootstrap")

	if r.api && strings.TrimSpace(cfg.JWTSecret) == "" {
		return errors.New("JWT_SECRET must be configured for the api role")
	}
	if r.api && cfg.IsProduction() && strings.TrimSpace(cfg.InternalAPIKey) == "" {
		return errors.New("INTERNAL_API_KEY must be configured in production")
	}
	if strings.TrimSpace(cfg.StripeSecretKey) == "" {
		logger.Warn("stripe secret key missing; refunds and intent confirmation will fail", zap.String("env", "STRIPE_SECRET_KEY"))
	}

	dbpool, err := openDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer dbpool.Close()

	redisClient, err := openRedis(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	publisher := openProducer(cfg, logger)
	defer publisher.Close()

	audit, closeAudit := openAudit(ctx, cfg, logger)
	defer closeAudit()

	svc := newServices(cfg, opts.logger, dbpool, redisClient, publisher, audit)

	g, gctx := errgroup.WithContext(ctx)
	if r.api {
		g.Go(func() error {
			return serveAPI(gctx, cfg, opts.logger, svc, redisClient)
		})
	}
	if r.worker {
		g.Go(func() error {
			return consume(gctx, cfg, logging.Component(opts.logger, "settlement_consumer"),
				cfg.SettlementQueue, app.SettlementRoutingKeys(), svc.dispatcher.HandleMessage)
		})
	}
	if r.scheduler {
		g.Go(func() error {
			return consume(gctx, cfg, logging.Component(opts.logger, "lifecycle_consumer"),
				cfg.LifecycleQueue, app.LifecycleRoutingKeys(), svc.dispatcher.HandleMessage)
		})
		g.Go(func() error {
			return svc.scheduler.Run(gctx)
		})
		g.Go(func() error {
			return svc.compensator.RunSweeper(gctx, cfg.RefundSweepSchedule, cfg.RefundStaleAfter())
		})
	}

	logger.Info("settlementd started",
		zap.Bool("api", r.api),
		zap.Bool("worker", r.worker),
		zap.Bool("scheduler", r.scheduler),
		zap.String("env", cfg.AppEnv),
	)
	err = g.Wait()
	if err != nil {
		logger.Error("settlementd stopped with error", zap.Error(err))
		return err
	}
	logger.Info("settlementd stopped")
	return nil
}

// consume binds queue to the exchange for keys and delivers to handler until
// ctx is cancelled or the broker connection drops.
func consume(ctx context.Context, cfg config.Config, logger *zap.Logger, queue string, keys []string, handler rabbitmq.Handler) error {
	consumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL, logger)
	if err != nil {
		return fmt.Errorf("rabbitmq consumer init failed: %w", err)
	}
	closed := consumer.NotifyClose()

	if err := consumer.SetPrefetch(cfg.WorkerPrefetch); err != nil {
		consumer.Close()
		return fmt.Errorf("set prefetch: %w", err)
	}
	bindings := make(map[string]rabbitmq.Handler, len(keys))
	for _, key := range keys {
		bindings[key] = handler
	}
	if err := consumer.ConsumeWithBindings(cfg.SettlementExchange, queue, bindings); err != nil {
		consumer.Close()
		return fmt.Errorf("consumer start failed for %s: %w", queue, err)
	}
	logger.Info("consuming", zap.String("queue", queue), zap.Strings("routing_keys", keys))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		consumer.Shutdown(shutdownCtx)
		return nil
	case amqpErr := <-closed:
		consumer.Close()
		return fmt.Errorf("rabbitmq connection closed for %s: %v", queue, amqpErr)
	}
}

func serveAPI(ctx context.Context, cfg config.Config, root *zap.Logger, svc *services, redisClient redis.UniversalClient) error {
	logger := logging.Component(root, "http")

	sub, err := pubsub.NewSubscriber(ctx, redisClient, notify.EventChannels...)
	if err != nil {
		return err
	}
	defer sub.Close()

	hub := notify.NewHub(sub, logging.Component(root, "notify"))
	hubDone := make(chan error, 1)
	go func() { hubDone <- hub.Run(ctx) }()

	verifier := api.NewTokenVerifier(cfg.JWTSecret)
	handlers := api.NewHandlers(api.Dependencies{
		Intake:        svc.intake,
		Items:         svc.repo,
		Scheduler:     svc.scheduler,
		Inbox:         svc.repo,
		Refunds:       svc.compensator,
		WebhookSecret: cfg.StripeWebhookSecret,
		Logger:        logging.Component(root, "api"),
	})
	router := api.NewRouter(handlers, api.RouterConfig{
		Verifier:       verifier,
		InternalAPIKey: cfg.InternalAPIKey,
		AllowedOrigins: cfg.AllowedOrigins(),
		WebSocket:      notify.NewHandler(hub, verifier, cfg.AllowedOrigins(), logging.Component(root, "websocket")),
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		runErr = fmt.Errorf("http server failed: %w", err)
	case err := <-hubDone:
		if ctx.Err() == nil {
			runErr = fmt.Errorf("notification hub stopped: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown incomplete", zap.Error(err))
	}
	hub.CloseAll(shutdownCtx)
	logger.Info("server stopped")
	return runErr
}
