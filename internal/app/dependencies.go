package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/jms/internal/clock"
	"github.com/vladislavdragonenkov/jms/internal/domain"
	"github.com/vladislavdragonenkov/jms/internal/metrics"
	"github.com/vladislavdragonenkov/jms/internal/service/events"
	"github.com/vladislavdragonenkov/jms/internal/service/expiry"
	"github.com/vladislavdragonenkov/jms/internal/service/media"
	"github.com/vladislavdragonenkov/jms/internal/service/payment"
	"github.com/vladislavdragonenkov/jms/internal/service/reservation"
	"github.com/vladislavdragonenkov/jms/internal/service/webhook"
	"github.com/vladislavdragonenkov/jms/internal/storage/memory"
	"github.com/vladislavdragonenkov/jms/internal/storage/objectstore"
	"github.com/vladislavdragonenkov/jms/internal/storage/postgres"
)

const eventBusParallelism = 8

// runtimeDependencies содержит репозитории выбранного хранилища.
type runtimeDependencies struct {
	Reservations domain.ReservationRepository
	Products     domain.ProductRepository
	Media        domain.MediaRepository
	Outbox       domain.OutboxRepository
	Timeline     domain.TimelineRepository
	Idempotency  domain.IdempotencyRepository
	// Store заполнен только для postgres.
	Store *postgres.Store
}

func (d *runtimeDependencies) Close() error {
	if d == nil || d.Store == nil {
		return nil
	}
	return d.Store.Close()
}

func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	switch cfg.StorageDriver {
	case "", StorageDriverMemory:
		logger.Info("using in-memory storage")
		var seed []domain.Product
		if cfg.IsDevelopment() {
			seed = demoProducts()
		}
		return &runtimeDependencies{
			Reservations: memory.NewReservationRepository(),
			Products:     memory.NewProductRepository(seed...),
			Media:        memory.NewMediaRepository(),
			Outbox:       memory.NewOutboxRepository(),
			Timeline:     memory.NewTimelineRepository(),
			Idempotency:  memory.NewIdempotencyRepository(),
		}, nil
	case StorageDriverPostgres:
		if cfg.PostgresDSN == "" {
			return nil, errors.New("postgres dsn is required")
		}
		store, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if cfg.PostgresAutoMigrate {
			if err := store.EnsureSchema(ctx); err != nil {
				_ = store.Close()
				return nil, fmt.Errorf("apply migrations: %w", err)
			}
		}
		logger.Info("using postgres storage")
		return &runtimeDependencies{
			Reservations: postgres.NewReservationRepository(store),
			Products:     postgres.NewProductRepository(store),
			Media:        postgres.NewMediaRepository(store),
			Outbox:       postgres.NewOutboxRepository(store),
			Timeline:     postgres.NewTimelineRepository(store),
			Idempotency:  postgres.NewIdempotencyRepository(store),
			Store:        store,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}
}

// demoProducts: каталог для локального запуска на памяти.
func demoProducts() []domain.Product {
	price, _ := domain.NewMoney(decimal.NewFromInt(1000), "EUR")
	return []domain.Product{{
		ID:          "demo-ring",
		ShopID:      "demo-shop",
		Name:        "Gold ring 585",
		Price:       price,
		IsAvailable: true,
		UpdatedAt:   time.Now().UTC(),
	}}
}

func initObjectStore(ctx context.Context, cfg Config) (domain.ObjectStore, error) {
	switch cfg.MediaStore {
	case "", MediaStoreLocal:
		return objectstore.NewLocalStore(cfg.MediaLocalRoot)
	case MediaStoreS3:
		return objectstore.NewS3Store(ctx, objectstore.S3Config{
			Bucket:       cfg.S3Bucket,
			Region:       cfg.S3Region,
			Endpoint:     cfg.S3Endpoint,
			UsePathStyle: cfg.S3UsePathStyle,
		})
	default:
		return nil, fmt.Errorf("unsupported media store %q", cfg.MediaStore)
	}
}

// newPaymentService выбирает Stripe; без ключа mock допускается только в development.
func newPaymentService(cfg Config, logger *log.Entry) (domain.PaymentService, error) {
	if cfg.StripeSecretKey != "" {
		stripe := payment.NewStripeService(cfg.StripeSecretKey, cfg.PaymentTimeout, logger.WithField("component", "stripe"))
		retry := payment.DefaultRetryConfig()
		retry.MaxAttempts = cfg.PaymentMaxAttempts
		if cfg.PaymentRetryDelay > 0 {
			retry.InitialDelay = cfg.PaymentRetryDelay
		}
		breaker := payment.NewCircuitBreaker(cfg.PaymentBreakerFailures, cfg.PaymentBreakerReset, nil, logger.WithField("component", "payment-breaker"))
		return payment.NewResilient(stripe, retry, breaker, logger.WithField("component", "payment-resilient")), nil
	}
	if cfg.IsDevelopment() {
		logger.Warn("JMS_STRIPE_SECRET_KEY is empty, using mock payment service")
		return payment.NewMockService(), nil
	}
	return nil, errors.New("stripe secret key is required outside development")
}

// newWebhookVerifier возвращает nil, если проверять подписи нечем: маршрут webhook тогда не регистрируется.
func newWebhookVerifier(cfg Config, logger *log.Entry) domain.WebhookVerifier {
	if cfg.IsDevelopment() && cfg.WebhookInsecure {
		logger.Warn("webhook signatures are NOT verified")
		return payment.NewInsecureVerifier(logger.WithField("component", "webhook-verifier"))
	}
	if cfg.StripeWebhookSecret != "" {
		return payment.NewStripeVerifier(cfg.StripeWebhookSecret)
	}
	logger.Warn("JMS_STRIPE_WEBHOOK_SECRET is empty, payment webhook is disabled")
	return nil
}

// Dependencies содержит собранные сервисы. Используется сервером и jmsctl.
type Dependencies struct {
	Config   Config
	Repos    *runtimeDependencies
	Objects  domain.ObjectStore
	Payments domain.PaymentService
	Verifier domain.WebhookVerifier
	Bus      *events.Bus
	Metrics  *metrics.Metrics
	Clock    clock.Clock

	Reservations *reservation.Service
	Webhooks     *webhook.Processor
	Sweeper      *expiry.Sweeper
	Uploader     *media.Uploader
	MediaService *media.Service

	Logger *log.Entry
}

// NewDependencies открывает хранилища и собирает сервисы по конфигурации.
func NewDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*Dependencies, error) {
	if logger == nil {
		logger = log.WithField("component", "app")
	}

	repos, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	objects, err := initObjectStore(ctx, cfg)
	if err != nil {
		_ = repos.Close()
		return nil, fmt.Errorf("init media store: %w", err)
	}
	payments, err := newPaymentService(cfg, logger)
	if err != nil {
		_ = repos.Close()
		return nil, err
	}

	return assemble(cfg, repos, objects, payments, newWebhookVerifier(cfg, logger), clock.NewSystem(), metrics.New(), logger), nil
}

func assemble(
	cfg Config,
	repos *runtimeDependencies,
	objects domain.ObjectStore,
	payments domain.PaymentService,
	verifier domain.WebhookVerifier,
	c clock.Clock,
	m *metrics.Metrics,
	logger *log.Entry,
) *Dependencies {
	bus := events.NewBus(logger.WithField("component", "event-bus"), eventBusParallelism)
	events.Recorders{Outbox: repos.Outbox, Timeline: repos.Timeline, Metrics: m}.Register(bus)

	return &Dependencies{
		Config:   cfg,
		Repos:    repos,
		Objects:  objects,
		Payments: payments,
		Verifier: verifier,
		Bus:      bus,
		Metrics:  m,
		Clock:    c,
		Reservations: reservation.NewService(repos.Reservations, repos.Products, repos.Timeline, payments, bus,
			reservation.WithClock(c),
			reservation.WithMetrics(m),
			reservation.WithReservationDays(cfg.ReservationDays),
			reservation.WithPaymentTimeout(cfg.PaymentTimeout),
		),
		Webhooks: webhook.NewProcessor(repos.Reservations, repos.Products, payments, bus, repos.Idempotency,
			webhook.WithClock(c),
			webhook.WithMetrics(m),
			webhook.WithDedupTTL(cfg.WebhookDedupTTL),
			webhook.WithReservationDays(cfg.ReservationDays),
		),
		Sweeper: expiry.NewSweeper(repos.Reservations, repos.Products, payments, bus,
			expiry.WithClock(c),
			expiry.WithMetrics(m),
			expiry.WithInterval(cfg.ExpiryInterval),
			expiry.WithBatchSize(cfg.ExpiryBatchSize),
		),
		Uploader: media.NewUploader(repos.Media, objects, bus,
			media.WithClock(c),
			media.WithMetrics(m),
			media.WithMessageTTL(cfg.MediaTTL),
			media.WithBaseURL(cfg.MediaBaseURL),
		),
		MediaService: media.NewService(repos.Media, objects, c, logger.WithField("component", "media")),
		Logger:       logger,
	}
}

// Close освобождает подключения хранилища.
func (d *Dependencies) Close() error {
	if d == nil {
		return nil
	}
	return d.Repos.Close()
}
