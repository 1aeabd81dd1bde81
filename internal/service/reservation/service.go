package reservation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/jms/internal/clock"
	"github.com/vladislavdragonenkov/jms/internal/domain"
	"github.com/vladislavdragonenkov/jms/internal/metrics"
)

const defaultPaymentTimeout = 15 * time.Second

// Service реализует сценарии резервирования: создание, подтверждение, отмену и чтение.
type Service struct {
	reservations domain.ReservationRepository
	products     domain.ProductRepository
	timeline     domain.TimelineRepository
	payments     domain.PaymentService
	publisher    domain.EventPublisher

	clock          clock.Clock
	metrics        *metrics.Metrics
	logger         *log.Entry
	days           int
	paymentTimeout time.Duration
	locks          *keyedMutex
}

// Option настраивает Service.
type Option func(*Service)

func WithClock(c clock.Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithLogger(logger *log.Entry) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithReservationDays задаёт срок жизни резерва в днях.
func WithReservationDays(days int) Option {
	return func(s *Service) {
		if days > 0 {
			s.days = days
		}
	}
}

// WithPaymentTimeout ограничивает каждый вызов платёжного провайдера.
func WithPaymentTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.paymentTimeout = d
		}
	}
}

// NewService собирает сервис из явно переданных зависимостей.
func NewService(
	reservations domain.ReservationRepository,
	products domain.ProductRepository,
	timeline domain.TimelineRepository,
	payments domain.PaymentService,
	publisher domain.EventPublisher,
	opts ...Option,
) *Service {
	s := &Service{
		reservations:   reservations,
		products:       products,
		timeline:       timeline,
		payments:       payments,
		publisher:      publisher,
		clock:          clock.NewSystem(),
		logger:         log.WithField("component", "reservation"),
		days:           domain.DefaultReservationDays,
		paymentTimeout: defaultPaymentTimeout,
		locks:          newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateInput описывает запрос клиента на резерв товара.
type CreateInput struct {
	UserID          string
	ProductID       string
	PaymentMethodID string
	CustomerID      string
}

// CreateResult содержит резерв и client secret для продолжения оплаты на клиенте.
type CreateResult struct {
	Reservation  domain.Reservation
	ClientSecret string
}

// ConfirmInput описывает оплату остатка по резерву.
type ConfirmInput struct {
	ReservationID   string
	UserID          string
	PaymentMethodID string
}

// CancelInput описывает отмену резерва клиентом.
type CancelInput struct {
	ReservationID string
	UserID        string
	Reason        string
}

// Create резервирует товар: списывает депозит 10% и сохраняет резерв в PENDING.
func (s *Service) Create(ctx context.Context, in CreateInput) (result CreateResult, err error) {
	start := time.Now()
	defer func() { s.metrics.ObserveOperation("create", start, err) }()

	if err := requireFields(map[string]string{
		"user_id":           in.UserID,
		"product_id":        in.ProductID,
		"payment_method_id": in.PaymentMethodID,
	}); err != nil {
		return CreateResult{}, err
	}

	product, err := s.products.Get(ctx, in.ProductID)
	if err != nil {
		return CreateResult{}, err
	}
	if err := domain.NewValidationError(domain.ValidateReservationRules(&product, in.UserID)); err != nil {
		return CreateResult{}, err
	}

	unlock := s.locks.Lock(product.ID)
	defer unlock()

	existing, err := s.reservations.FindActiveByProduct(ctx, product.ID)
	if err != nil {
		return CreateResult{}, err
	}
	if existing != nil {
		return CreateResult{}, fmt.Errorf("%w: product %s", domain.ErrAlreadyReserved, product.ID)
	}

	id := uuid.NewString()
	amounts := domain.CalculateReservationAmount(product.Price)
	logger := s.logger.WithFields(log.Fields{
		"reservation_id": id,
		"product_id":     product.ID,
		"user_id":        in.UserID,
	})

	intent, err := s.charge(ctx, domain.PaymentIntentRequest{
		AmountMinor:     amounts.Reservation.MinorUnits(),
		Currency:        amounts.Reservation.Currency(),
		PaymentMethodID: in.PaymentMethodID,
		CustomerID:      in.CustomerID,
		Metadata: map[string]string{
			domain.PaymentMetaType:              domain.PaymentTypeReservation,
			domain.PaymentMetaReservationID:     id,
			domain.PaymentMetaUserID:            in.UserID,
			domain.PaymentMetaProductID:         product.ID,
			domain.PaymentMetaShopID:            product.ShopID,
			domain.PaymentMetaReservationAmount: amounts.Reservation.Amount().StringFixed(2),
		},
		IdempotencyKey: "reservation-" + id,
	})
	if err != nil {
		logger.WithError(err).Warn("deposit charge failed")
		return CreateResult{}, err
	}

	now := s.clock.Now()
	res := domain.NewReservation(domain.ReservationParams{
		ID:               id,
		UserID:           in.UserID,
		ProductID:        product.ID,
		ShopID:           product.ShopID,
		Amounts:          amounts,
		PaymentReference: intent.ID,
		Now:              now,
		Days:             s.days,
	})

	if err := s.reservations.Create(ctx, res); err != nil {
		if errors.Is(err, domain.ErrAlreadyReserved) {
			s.compensateDeposit(ctx, logger, res)
			return CreateResult{}, err
		}
		logger.WithError(err).WithFields(log.Fields{
			"payment_intent": intent.ID,
			"reconciliation": "required",
		}).Error("reservation not persisted after successful charge")
		return CreateResult{}, err
	}

	logger.WithField("payment_intent", intent.ID).Info("reservation created")
	s.publish(ctx, domain.NewReservationEvent(domain.EventReservationCreated, res, now, nil))

	return CreateResult{Reservation: res, ClientSecret: intent.ClientSecret}, nil
}

// compensateDeposit возвращает депозит целиком, если параллельный резерв выиграл гонку.
func (s *Service) compensateDeposit(ctx context.Context, logger *log.Entry, res domain.Reservation) {
	s.metrics.RecordCompensation()
	amount := res.ReservationAmount.MinorUnits()

	refund, err := s.refund(ctx, domain.RefundRequest{
		PaymentIntentID: res.ExternalPaymentReference,
		AmountMinor:     amount,
		Reason:          "product already reserved",
		IdempotencyKey:  "reservation-compensate-" + res.ID,
	})
	if err != nil {
		logger.WithError(err).WithFields(log.Fields{
			"payment_intent": res.ExternalPaymentReference,
			"reconciliation": "required",
		}).Error("compensation refund failed")
		return
	}
	s.metrics.RecordRefund("compensation", amount)
	logger.WithField("refund_id", refund.ID).Warn("deposit refunded: product reserved concurrently")
}

// Confirm списывает оставшиеся 90% и переводит резерв в CONFIRMED.
func (s *Service) Confirm(ctx context.Context, in ConfirmInput) (res domain.Reservation, err error) {
	start := time.Now()
	defer func() { s.metrics.ObserveOperation("confirm", start, err) }()

	if err := requireFields(map[string]string{
		"reservation_id":    in.ReservationID,
		"user_id":           in.UserID,
		"payment_method_id": in.PaymentMethodID,
	}); err != nil {
		return domain.Reservation{}, err
	}

	res, unlock, err := s.lockOwned(ctx, in.ReservationID, in.UserID)
	if err != nil {
		return domain.Reservation{}, err
	}
	defer unlock()

	now := s.clock.Now()
	if !res.CanConfirm(now) {
		return domain.Reservation{}, fmt.Errorf("%w: cannot confirm reservation in status %s", domain.ErrInvalidState, res.Status)
	}

	logger := s.logger.WithFields(log.Fields{"reservation_id": res.ID, "user_id": in.UserID})
	intent, err := s.charge(ctx, domain.PaymentIntentRequest{
		AmountMinor:     res.RemainingAmount.MinorUnits(),
		Currency:        res.RemainingAmount.Currency(),
		PaymentMethodID: in.PaymentMethodID,
		Metadata: map[string]string{
			domain.PaymentMetaType:                  domain.PaymentTypeReservationConfirmation,
			domain.PaymentMetaReservationID:         res.ID,
			domain.PaymentMetaOriginalPaymentIntent: res.ExternalPaymentReference,
		},
		IdempotencyKey: "reservation-confirm-" + res.ID,
	})
	if err != nil {
		logger.WithError(err).Warn("final charge failed")
		return domain.Reservation{}, err
	}

	if err := res.Confirm(now, intent.ID); err != nil {
		return domain.Reservation{}, err
	}
	if err := s.reservations.Save(ctx, res); err != nil {
		logger.WithError(err).WithFields(log.Fields{
			"payment_intent": intent.ID,
			"reconciliation": "required",
		}).Error("confirmation not persisted after successful charge")
		return domain.Reservation{}, err
	}
	res.Version++

	if err := s.products.SetAvailability(ctx, res.ProductID, false); err != nil {
		logger.WithError(err).Warn("failed to mark product unavailable")
	}

	logger.WithField("payment_intent", intent.ID).Info("reservation confirmed")
	s.publish(ctx, domain.NewReservationEvent(domain.EventReservationConfirmed, res, now, map[string]any{
		"final_payment_reference": intent.ID,
	}))
	return res, nil
}

// Cancel возвращает часть депозита по политике и отменяет резерв.
// Возврат выполняется до сохранения: неудачный возврат оставляет резерв как был.
// Повторная отмена ждёт на блокировке товара и видит уже CANCELLED.
func (s *Service) Cancel(ctx context.Context, in CancelInput) (res domain.Reservation, err error) {
	start := time.Now()
	defer func() { s.metrics.ObserveOperation("cancel", start, err) }()

	if err := requireFields(map[string]string{
		"reservation_id": in.ReservationID,
		"user_id":        in.UserID,
	}); err != nil {
		return domain.Reservation{}, err
	}

	res, unlock, err := s.lockOwned(ctx, in.ReservationID, in.UserID)
	if err != nil {
		return domain.Reservation{}, err
	}
	defer unlock()

	if !res.CanCancel() {
		return domain.Reservation{}, fmt.Errorf("%w: cannot cancel reservation in status %s", domain.ErrInvalidState, res.Status)
	}

	logger := s.logger.WithFields(log.Fields{"reservation_id": res.ID, "user_id": in.UserID})
	refundAmount := res.RefundAmount()
	extra := map[string]any{"refund_amount": refundAmount}

	if refundAmount.IsPositive() && res.ExternalPaymentReference != "" {
		refund, err := s.refund(ctx, domain.RefundRequest{
			PaymentIntentID: res.ExternalPaymentReference,
			AmountMinor:     refundAmount.MinorUnits(),
			Reason:          in.Reason,
			IdempotencyKey:  domain.DepositRefundKey(res.ID),
		})
		if err != nil {
			logger.WithError(err).Warn("cancellation refund failed")
			return domain.Reservation{}, err
		}
		s.metrics.RecordRefund("cancel", refundAmount.MinorUnits())
		extra["refund_id"] = refund.ID
	}

	now := s.clock.Now()
	if err := res.Cancel(now, in.Reason); err != nil {
		return domain.Reservation{}, err
	}
	if err := s.reservations.Save(ctx, res); err != nil {
		logger.WithError(err).WithFields(log.Fields{
			"refund_amount":  refundAmount.String(),
			"reconciliation": "required",
		}).Error("cancellation not persisted after refund")
		return domain.Reservation{}, err
	}
	res.Version++

	s.releaseProduct(ctx, res)

	logger.WithField("refund_amount", refundAmount.String()).Info("reservation cancelled")
	s.publish(ctx, domain.NewReservationEvent(domain.EventReservationCancelled, res, now, extra))
	return res, nil
}

// loadOwned загружает резерв и проверяет, что он принадлежит userID.
func (s *Service) loadOwned(ctx context.Context, id, userID string) (domain.Reservation, error) {
	res, err := s.reservations.Get(ctx, id)
	if err != nil {
		return domain.Reservation{}, err
	}
	if res.UserID != userID {
		return domain.Reservation{}, fmt.Errorf("%w: reservation %s", domain.ErrUnauthorized, id)
	}
	return res, nil
}

// lockOwned захватывает блокировку товара резерва и перечитывает резерв под ней,
// чтобы платёж и сохранение шли от актуального статуса.
func (s *Service) lockOwned(ctx context.Context, id, userID string) (domain.Reservation, func(), error) {
	res, err := s.loadOwned(ctx, id, userID)
	if err != nil {
		return domain.Reservation{}, nil, err
	}
	unlock := s.locks.Lock(res.ProductID)
	res, err = s.loadOwned(ctx, id, userID)
	if err != nil {
		unlock()
		return domain.Reservation{}, nil, err
	}
	return res, unlock, nil
}

// releaseProduct возвращает товар в продажу; ошибка не отменяет уже сохранённый переход.
func (s *Service) releaseProduct(ctx context.Context, res domain.Reservation) {
	ReleaseProduct(ctx, s.products, s.logger, res)
}

// ReleaseProduct помечает товар доступным после отмены или истечения резерва.
func ReleaseProduct(ctx context.Context, products domain.ProductRepository, logger *log.Entry, res domain.Reservation) {
	if products == nil {
		return
	}
	if err := products.SetAvailability(ctx, res.ProductID, true); err != nil && logger != nil {
		logger.WithError(err).WithFields(log.Fields{
			"reservation_id": res.ID,
			"product_id":     res.ProductID,
		}).Warn("failed to release product")
	}
}

func (s *Service) charge(ctx context.Context, req domain.PaymentIntentRequest) (domain.PaymentIntent, error) {
	ctx, cancel := context.WithTimeout(ctx, s.paymentTimeout)
	defer cancel()
	return s.payments.CreatePaymentIntent(ctx, req)
}

func (s *Service) refund(ctx context.Context, req domain.RefundRequest) (domain.Refund, error) {
	ctx, cancel := context.WithTimeout(ctx, s.paymentTimeout)
	defer cancel()
	return s.payments.CreateRefund(ctx, req)
}

func (s *Service) publish(ctx context.Context, event domain.Event) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(ctx, event)
}

// requireFields возвращает ErrMissingFields со списком пустых полей в стабильном порядке.
func requireFields(fields map[string]string) error {
	order := []string{"reservation_id", "user_id", "product_id", "payment_method_id"}
	var missing []string
	for _, name := range order {
		value, ok := fields[name]
		if ok && strings.TrimSpace(value) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", domain.ErrMissingFields, strings.Join(missing, ", "))
}
