package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/programming-warrior/vehiclevista-sub000/internal/app"
	"github.com/programming-warrior/vehiclevista-sub000/internal/config"
	"github.com/programming-warrior/vehiclevista-sub000/internal/store"
	"github.com/programming-warrior/vehiclevista-sub000/pkg/eventstream"
	"github.com/programming-warrior/vehiclevista-sub000/pkg/rabbitmq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func openDatabase(ctx context.Context, cfg config.Config, logger *zap.Logger) (*pgxpool.Pool, error) {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL must be configured")
	}
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("database url parse failed: %w", err)
	}

	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	// Disable prepared statement caching to prevent conflicts behind poolers.
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := dbpool.Ping(pingCtx); err != nil {
		dbpool.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	logger.Info("database connected")
	return dbpool, nil
}

func openRedis(ctx context.Context, cfg config.Config, logger *zap.Logger) (*redis.Client, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL must be configured")
	}
	redisOptions, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("redis url parse failed: %w", err)
	}
	client := redis.NewClient(redisOptions)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	logger.Info("redis connected")
	return client, nil
}

// openProducer connects the job publisher. Intake keeps serving without a
// broker and answers 503 until one is reachable after a restart.
func openProducer(cfg config.Config, logger *zap.Logger) rabbitmq.Publisher {
	producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL, logger)
	if err != nil {
		logger.Warn("rabbitmq producer unavailable; using fallback", zap.Error(err))
		return &rabbitmq.UnavailablePublisher{Logger: logger}
	}
	queues := map[string][]string{
		cfg.SettlementQueue: app.SettlementRoutingKeys(),
		cfg.LifecycleQueue:  app.LifecycleRoutingKeys(),
	}
	for queue, keys := range queues {
		if err := producer.DeclareQueue(cfg.SettlementExchange, queue, keys); err != nil {
			logger.Warn("job queue declare failed; publishes will fail until a consumer binds it", zap.String("queue", queue), zap.Error(err))
		}
	}
	logger.Info("rabbitmq producer connected")
	return producer
}

// openAudit connects the optional JetStream mirror.
func openAudit(ctx context.Context, cfg config.Config, logger *zap.Logger) (app.AuditSink, func()) {
	if strings.TrimSpace(cfg.NATSURL) == "" {
		logger.Info("nats url not set; settlement audit mirror disabled")
		return app.DiscardAudit{}, func() {}
	}
	mirror, err := eventstream.Connect(ctx, cfg.NATSURL, cfg.NATSStream)
	if err != nil {
		logger.Warn("jetstream unavailable; settlement audit mirror disabled", zap.Error(err))
		return app.DiscardAudit{}, func() {}
	}
	logger.Info("jetstream audit mirror connected", zap.String("stream", cfg.NATSStream))
	return mirror, mirror.Close
}

func migrate(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	dbpool, err := openDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer dbpool.Close()

	if err := store.ApplySchema(ctx, dbpool); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	logger.Info("schema applied")
	return nil
}
