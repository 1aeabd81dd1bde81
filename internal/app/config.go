package app

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	log "github.com/sirupsen/logrus"
)

const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"

	MediaStoreLocal = "local"
	MediaStoreS3    = "s3"

	EnvDevelopment = "development"
	EnvProduction  = "production"

	envPrefix = "JMS"
)

// Config описывает настройки запуска. Значения из окружения с префиксом JMS_.
type Config struct {
	Env      string `envconfig:"ENV"`
	LogLevel string `envconfig:"LOG_LEVEL"`

	HTTPAddr        string        `envconfig:"HTTP_ADDR"`
	GRPCAddr        string        `envconfig:"GRPC_ADDR"`
	MetricsAddr     string        `envconfig:"METRICS_ADDR"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT"`

	StorageDriver       string `envconfig:"STORAGE_DRIVER"`
	PostgresDSN         string `envconfig:"POSTGRES_DSN"`
	PostgresAutoMigrate bool   `envconfig:"POSTGRES_AUTO_MIGRATE"`

	// KafkaBrokers: список через запятую; пусто — outbox копится без отправки.
	KafkaBrokers  string `envconfig:"KAFKA_BROKERS"`
	KafkaDLQTopic string `envconfig:"KAFKA_DLQ_TOPIC"`

	OutboxPollInterval time.Duration `envconfig:"OUTBOX_POLL_INTERVAL"`
	OutboxBatchSize    int           `envconfig:"OUTBOX_BATCH_SIZE"`
	OutboxMaxAttempts  int           `envconfig:"OUTBOX_MAX_ATTEMPTS"`
	OutboxRetryDelay   time.Duration `envconfig:"OUTBOX_RETRY_DELAY"`

	IdempotencyCleanupInterval  time.Duration `envconfig:"IDEMPOTENCY_CLEANUP_INTERVAL"`
	IdempotencyCleanupBatchSize int           `envconfig:"IDEMPOTENCY_CLEANUP_BATCH_SIZE"`

	StripeSecretKey        string        `envconfig:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret    string        `envconfig:"STRIPE_WEBHOOK_SECRET"`
	WebhookInsecure        bool          `envconfig:"WEBHOOK_INSECURE"`
	WebhookDedupTTL        time.Duration `envconfig:"WEBHOOK_DEDUP_TTL"`
	PaymentTimeout         time.Duration `envconfig:"PAYMENT_TIMEOUT"`
	PaymentMaxAttempts     int           `envconfig:"PAYMENT_MAX_ATTEMPTS"`
	PaymentRetryDelay      time.Duration `envconfig:"PAYMENT_RETRY_DELAY"`
	PaymentBreakerFailures int           `envconfig:"PAYMENT_BREAKER_FAILURES"`
	PaymentBreakerReset    time.Duration `envconfig:"PAYMENT_BREAKER_RESET"`

	ReservationDays int           `envconfig:"RESERVATION_DAYS"`
	ExpiryInterval  time.Duration `envconfig:"EXPIRY_INTERVAL"`
	ExpiryBatchSize int           `envconfig:"EXPIRY_BATCH_SIZE"`

	MediaStore           string        `envconfig:"MEDIA_STORE"`
	MediaLocalRoot       string        `envconfig:"MEDIA_LOCAL_ROOT"`
	MediaBaseURL         string        `envconfig:"MEDIA_BASE_URL"`
	MediaTTL             time.Duration `envconfig:"MEDIA_TTL"`
	MediaCleanupInterval time.Duration `envconfig:"MEDIA_CLEANUP_INTERVAL"`
	S3Bucket             string        `envconfig:"S3_BUCKET"`
	S3Region             string        `envconfig:"S3_REGION"`
	S3Endpoint           string        `envconfig:"S3_ENDPOINT"`
	S3UsePathStyle       bool          `envconfig:"S3_USE_PATH_STYLE"`
}

// DefaultConfig возвращает настройки для локального запуска.
func DefaultConfig() Config {
	return Config{
		Env:                         EnvProduction,
		LogLevel:                    "info",
		HTTPAddr:                    ":8080",
		GRPCAddr:                    ":50051",
		MetricsAddr:                 ":9090",
		ShutdownTimeout:             10 * time.Second,
		StorageDriver:               StorageDriverMemory,
		PostgresAutoMigrate:         true,
		KafkaDLQTopic:               "jms.dlq",
		OutboxPollInterval:          time.Second,
		OutboxBatchSize:             100,
		OutboxMaxAttempts:           3,
		OutboxRetryDelay:            50 * time.Millisecond,
		IdempotencyCleanupInterval:  time.Hour,
		IdempotencyCleanupBatchSize: 500,
		WebhookDedupTTL:             72 * time.Hour,
		PaymentTimeout:              15 * time.Second,
		PaymentMaxAttempts:          3,
		PaymentRetryDelay:           100 * time.Millisecond,
		PaymentBreakerFailures:      5,
		PaymentBreakerReset:         30 * time.Second,
		ReservationDays:             7,
		ExpiryInterval:              time.Hour,
		ExpiryBatchSize:             100,
		MediaStore:                  MediaStoreLocal,
		MediaLocalRoot:              "./data/media",
		MediaBaseURL:                "/api/v1/media",
		MediaTTL:                    30 * 24 * time.Hour,
		MediaCleanupInterval:        time.Hour,
	}
}

// LoadConfig читает .env (если есть) и переменные окружения поверх DefaultConfig.
func LoadConfig(envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, file := range envFiles {
		// godotenv не перетирает уже выставленные переменные.
		if err := godotenv.Load(file); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", file, err)
		}
	}

	cfg := DefaultConfig()
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate проверяет согласованность настроек.
func (c Config) Validate() error {
	var errs []error
	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if c.PostgresDSN == "" {
			errs = append(errs, errors.New("JMS_POSTGRES_DSN is required for postgres storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported storage driver %q", c.StorageDriver))
	}

	switch c.MediaStore {
	case MediaStoreLocal:
		if c.MediaLocalRoot == "" {
			errs = append(errs, errors.New("JMS_MEDIA_LOCAL_ROOT is required for local media store"))
		}
	case MediaStoreS3:
		if c.S3Bucket == "" {
			errs = append(errs, errors.New("JMS_S3_BUCKET is required for s3 media store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported media store %q", c.MediaStore))
	}

	if c.WebhookInsecure && !c.IsDevelopment() {
		errs = append(errs, errors.New("JMS_WEBHOOK_INSECURE is allowed only with JMS_ENV=development"))
	}
	if !c.IsDevelopment() && c.StripeSecretKey == "" {
		errs = append(errs, errors.New("JMS_STRIPE_SECRET_KEY is required outside development"))
	}
	if !c.IsDevelopment() && c.StripeWebhookSecret == "" {
		errs = append(errs, errors.New("JMS_STRIPE_WEBHOOK_SECRET is required outside development"))
	}
	if c.ReservationDays <= 0 {
		errs = append(errs, errors.New("JMS_RESERVATION_DAYS must be positive"))
	}
	return errors.Join(errs...)
}

func (c Config) IsDevelopment() bool { return c.Env == EnvDevelopment }

// ConfigureLogging настраивает глобальный logrus по уровню из конфигурации.
func ConfigureLogging(level string) {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339Nano})
	parsed, err := log.ParseLevel(level)
	if err != nil {
		log.WithField("level", level).Warn("unknown log level, using info")
		parsed = log.InfoLevel
	}
	log.SetLevel(parsed)
}
