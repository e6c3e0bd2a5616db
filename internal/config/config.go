/**
 * @description
 * This package handles the configuration management for the settlement service.
 * It uses the Viper library to read configuration from an optional .env file and
 * environment variables, with defaults for every tunable of the worker, the
 * lifecycle scheduler and the intake API.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the settlement service.
type Config struct {
	AppEnv                   string `mapstructure:"APP_ENV"`
	LogLevel                 string `mapstructure:"LOG_LEVEL"`
	ServerPort               string `mapstructure:"SERVER_PORT"`
	DatabaseURL              string `mapstructure:"DATABASE_URL"`
	RedisURL                 string `mapstructure:"REDIS_URL"`
	RedisKeyPrefix           string `mapstructure:"REDIS_KEY_PREFIX"`
	RabbitMQURL              string `mapstructure:"RABBITMQ_URL"`
	SettlementExchange       string `mapstructure:"SETTLEMENT_EXCHANGE"`
	SettlementQueue          string `mapstructure:"SETTLEMENT_QUEUE"`
	LifecycleQueue           string `mapstructure:"LIFECYCLE_QUEUE"`
	WorkerPrefetch           int    `mapstructure:"WORKER_PREFETCH"`
	NATSURL                  string `mapstructure:"NATS_URL"`
	NATSStream               string `mapstructure:"NATS_STREAM"`
	StripeSecretKey          string `mapstructure:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret      string `mapstructure:"STRIPE_WEBHOOK_SECRET"`
	JWTSecret                string `mapstructure:"JWT_SECRET"`
	InternalAPIKey           string `mapstructure:"INTERNAL_API_KEY"`
	CORSAllowedOrigins       string `mapstructure:"CORS_ALLOWED_ORIGINS"`
	LockTimeoutMS            int    `mapstructure:"LOCK_TIMEOUT_MS"`
	JobTimeoutMS             int    `mapstructure:"JOB_TIMEOUT_MS"`
	SettlementMaxAttempts    int    `mapstructure:"SETTLEMENT_MAX_ATTEMPTS"`
	LifecycleMaxAttempts     int    `mapstructure:"LIFECYCLE_MAX_ATTEMPTS"`
	RetryBaseDelayMS         int    `mapstructure:"RETRY_BASE_DELAY_MS"`
	CountdownTickMS          int    `mapstructure:"COUNTDOWN_TICK_MS"`
	ReconcileSchedule        string `mapstructure:"RECONCILE_SCHEDULE"`
	RefundSweepSchedule      string `mapstructure:"REFUND_SWEEP_SCHEDULE"`
	RefundStaleAfterMinutes  int    `mapstructure:"REFUND_STALE_AFTER_MINUTES"`
	RefundMaxAttempts        int    `mapstructure:"REFUND_MAX_ATTEMPTS"`
	BidRateLimitPerMinute    int    `mapstructure:"BID_RATE_LIMIT_PER_MINUTE"`
	VerifyIntentWithProvider bool   `mapstructure:"VERIFY_INTENT_WITH_PROVIDER"`
}

// LoadConfig reads configuration from environment variables and an optional
// .env file located in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("APP_ENV", "development")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("REDIS_KEY_PREFIX", "vehiclevista")
	viper.SetDefault("SETTLEMENT_EXCHANGE", "settlement")
	viper.SetDefault("SETTLEMENT_QUEUE", "settlement.jobs")
	viper.SetDefault("LIFECYCLE_QUEUE", "settlement.lifecycle")
	viper.SetDefault("WORKER_PREFETCH", 10)
	viper.SetDefault("NATS_STREAM", "SETTLEMENT_EVENTS")
	viper.SetDefault("LOCK_TIMEOUT_MS", 5000)
	viper.SetDefault("JOB_TIMEOUT_MS", 15000)
	viper.SetDefault("SETTLEMENT_MAX_ATTEMPTS", 3)
	viper.SetDefault("LIFECYCLE_MAX_ATTEMPTS", 5)
	viper.SetDefault("RETRY_BASE_DELAY_MS", 500)
	viper.SetDefault("COUNTDOWN_TICK_MS", 1000)
	viper.SetDefault("RECONCILE_SCHEDULE", "@every 30s")
	viper.SetDefault("REFUND_SWEEP_SCHEDULE", "@every 1m")
	viper.SetDefault("REFUND_STALE_AFTER_MINUTES", 10)
	viper.SetDefault("REFUND_MAX_ATTEMPTS", 5)
	viper.SetDefault("BID_RATE_LIMIT_PER_MINUTE", 30)
	viper.SetDefault("VERIFY_INTENT_WITH_PROVIDER", true)

	_ = viper.BindEnv("APP_ENV")
	_ = viper.BindEnv("LOG_LEVEL")
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_KEY_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL", "RABBITMQ_URL", "AMQP_URL")
	_ = viper.BindEnv("SETTLEMENT_EXCHANGE")
	_ = viper.BindEnv("SETTLEMENT_QUEUE")
	_ = viper.BindEnv("LIFECYCLE_QUEUE")
	_ = viper.BindEnv("WORKER_PREFETCH")
	_ = viper.BindEnv("NATS_URL")
	_ = viper.BindEnv("NATS_STREAM")
	_ = viper.BindEnv("STRIPE_SECRET_KEY")
	_ = viper.BindEnv("STRIPE_WEBHOOK_SECRET")
	_ = viper.BindEnv("JWT_SECRET")
	_ = viper.BindEnv("INTERNAL_API_KEY")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")
	_ = viper.BindEnv("LOCK_TIMEOUT_MS")
	_ = viper.BindEnv("JOB_TIMEOUT_MS")
	_ = viper.BindEnv("SETTLEMENT_MAX_ATTEMPTS")
	_ = viper.BindEnv("LIFECYCLE_MAX_ATTEMPTS")
	_ = viper.BindEnv("RETRY_BASE_DELAY_MS")
	_ = viper.BindEnv("COUNTDOWN_TICK_MS")
	_ = viper.BindEnv("RECONCILE_SCHEDULE")
	_ = viper.BindEnv("REFUND_SWEEP_SCHEDULE")
	_ = viper.BindEnv("REFUND_STALE_AFTER_MINUTES")
	_ = viper.BindEnv("REFUND_MAX_ATTEMPTS")
	_ = viper.BindEnv("BID_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("VERIFY_INTENT_WITH_PROVIDER")

	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisKeyPrefix = strings.TrimSuffix(strings.TrimSpace(config.RedisKeyPrefix), ":")
	if config.RedisKeyPrefix == "" {
		config.RedisKeyPrefix = "vehiclevista"
	}
	config.LogLevel = strings.ToLower(strings.TrimSpace(config.LogLevel))

	config.WorkerPrefetch = positiveOrDefault("WORKER_PREFETCH", config.WorkerPrefetch, 10)
	config.LockTimeoutMS = positiveOrDefault("LOCK_TIMEOUT_MS", config.LockTimeoutMS, 5000)
	config.JobTimeoutMS = positiveOrDefault("JOB_TIMEOUT_MS", config.JobTimeoutMS, 15000)
	config.SettlementMaxAttempts = positiveOrDefault("SETTLEMENT_MAX_ATTEMPTS", config.SettlementMaxAttempts, 3)
	config.LifecycleMaxAttempts = positiveOrDefault("LIFECYCLE_MAX_ATTEMPTS", config.LifecycleMaxAttempts, 5)
	config.RetryBaseDelayMS = positiveOrDefault("RETRY_BASE_DELAY_MS", config.RetryBaseDelayMS, 500)
	config.CountdownTickMS = positiveOrDefault("COUNTDOWN_TICK_MS", config.CountdownTickMS, 1000)
	config.RefundStaleAfterMinutes = positiveOrDefault("REFUND_STALE_AFTER_MINUTES", config.RefundStaleAfterMinutes, 10)
	config.RefundMaxAttempts = positiveOrDefault("REFUND_MAX_ATTEMPTS", config.RefundMaxAttempts, 5)
	config.BidRateLimitPerMinute = positiveOrDefault("BID_RATE_LIMIT_PER_MINUTE", config.BidRateLimitPerMinute, 30)

	// The job must be able to outlive one full lock wait.
	if config.JobTimeoutMS <= config.LockTimeoutMS {
		log.Printf("level=warn component=config msg=\"job timeout not above lock timeout; raising\" job_timeout_ms=%d lock_timeout_ms=%d", config.JobTimeoutMS, config.LockTimeoutMS)
		config.JobTimeoutMS = config.LockTimeoutMS * 3
	}
	if strings.TrimSpace(config.ReconcileSchedule) == "" {
		config.ReconcileSchedule = "@every 30s"
	}
	if strings.TrimSpace(config.RefundSweepSchedule) == "" {
		config.RefundSweepSchedule = "@every 1m"
	}

	return
}

func positiveOrDefault(key string, value, fallback int) int {
	if value > 0 {
		return value
	}
	log.Printf("level=warn component=config msg=\"non-positive value configured; using default\" key=%s value=%d default=%d", key, value, fallback)
	return fallback
}

// IsProduction reports whether the service runs with production defaults.
func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.AppEnv), "production")
}

func (c Config) LockTimeout() time.Duration { return time.Duration(c.LockTimeoutMS) * time.Millisecond }
func (c Config) JobTimeout() time.Duration  { return time.Duration(c.JobTimeoutMS) * time.Millisecond }
func (c Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.RetryBaseDelayMS) * time.Millisecond
}
func (c Config) CountdownTick() time.Duration {
	return time.Duration(c.CountdownTickMS) * time.Millisecond
}
func (c Config) RefundStaleAfter() time.Duration {
	return time.Duration(c.RefundStaleAfterMinutes) * time.Minute
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS; an empty value allows any origin.
func (c Config) AllowedOrigins() []string {
	var origins []string
	for _, origin := range strings.Split(c.CORSAllowedOrigins, ",") {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}
