package webhook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/jms/internal/clock"
	"github.com/vladislavdragonenkov/jms/internal/domain"
	"github.com/vladislavdragonenkov/jms/internal/metrics"
	"github.com/vladislavdragonenkov/jms/internal/service/reservation"
)

const defaultDedupTTL = 72 * time.Hour

// Result содержит итог обработки доставки.
type Result string

const (
	ResultProcessed Result = "processed"
	ResultDuplicate Result = "duplicate"
	ResultIgnored   Result = "ignored"
	ResultError     Result = "error"
)

// Processor применяет webhook-события платёжного провайдера к резервам.
type Processor struct {
	reservations domain.ReservationRepository
	products     domain.ProductRepository
	payments     domain.PaymentService
	publisher    domain.EventPublisher
	dedup        domain.IdempotencyRepository

	clock    clock.Clock
	metrics  *metrics.Metrics
	logger   *log.Entry
	dedupTTL time.Duration
	days     int
}

// Option настраивает Processor.
type Option func(*Processor)

func WithClock(c clock.Clock) Option {
	return func(p *Processor) {
		if c != nil {
			p.clock = c
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Processor) { p.metrics = m }
}

func WithLogger(logger *log.Entry) Option {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithDedupTTL задаёт, сколько помнить id обработанных событий.
func WithDedupTTL(ttl time.Duration) Option {
	return func(p *Processor) {
		if ttl > 0 {
			p.dedupTTL = ttl
		}
	}
}

func WithReservationDays(days int) Option {
	return func(p *Processor) {
		if days > 0 {
			p.days = days
		}
	}
}

// NewProcessor создаёт обработчик. dedup может быть nil: тогда повторы отсекаются только состоянием резерва.
func NewProcessor(
	reservations domain.ReservationRepository,
	products domain.ProductRepository,
	payments domain.PaymentService,
	publisher domain.EventPublisher,
	dedup domain.IdempotencyRepository,
	opts ...Option,
) *Processor {
	p := &Processor{
		reservations: reservations,
		products:     products,
		payments:     payments,
		publisher:    publisher,
		dedup:        dedup,
		clock:        clock.NewSystem(),
		logger:       log.WithField("component", "webhook"),
		dedupTTL:     defaultDedupTTL,
		days:         domain.DefaultReservationDays,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Handle обрабатывает доставку ровно один раз по id события.
// Ошибка означает, что провайдер должен повторить доставку.
func (p *Processor) Handle(ctx context.Context, event domain.PaymentEvent) (result Result, err error) {
	logger := p.logger.WithFields(log.Fields{
		"event_id":   event.ID,
		"event_type": event.Type,
	})
	defer func() { p.metrics.RecordWebhook(string(event.Type), string(result)) }()

	proceed, err := p.acquire(ctx, event)
	if err != nil {
		logger.WithError(err).Warn("webhook delivery rejected")
		return ResultError, err
	}
	if !proceed {
		logger.Debug("duplicate webhook delivery")
		return ResultDuplicate, nil
	}

	result, err = p.dispatch(ctx, event, logger)
	if err != nil {
		logger.WithError(err).Error("webhook processing failed")
		p.finish(ctx, event.ID, logger, err)
		return ResultError, err
	}

	p.finish(ctx, event.ID, logger, nil)
	logger.WithField("result", result).Info("webhook handled")
	return result, nil
}

// acquire захватывает ключ доставки. false, событие уже обработано.
func (p *Processor) acquire(ctx context.Context, event domain.PaymentEvent) (bool, error) {
	if p.dedup == nil {
		return true, nil
	}

	ttlAt := p.clock.Now().Add(p.dedupTTL)
	record, err := p.dedup.CreateProcessing(ctx, event.ID, requestHash(event), ttlAt)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, domain.ErrIdempotencyHashMismatch) {
		return false, fmt.Errorf("%w: event %s", err, event.ID)
	}
	if !errors.Is(err, domain.ErrIdempotencyKeyAlreadyExists) {
		return false, fmt.Errorf("dedup webhook %s: %w", event.ID, err)
	}

	switch record.Status {
	case domain.IdempotencyStatusDone:
		return false, nil
	case domain.IdempotencyStatusFailed:
		if err := p.dedup.Reprocess(ctx, event.ID); err != nil {
			return false, fmt.Errorf("reprocess webhook %s: %w", event.ID, err)
		}
		return true, nil
	default:
		// Параллельная доставка ещё обрабатывается.
		return false, fmt.Errorf("%w: event %s is being processed", domain.ErrIdempotencyKeyAlreadyExists, event.ID)
	}
}

func (p *Processor) finish(ctx context.Context, key string, logger *log.Entry, procErr error) {
	if p.dedup == nil {
		return
	}
	var err error
	if procErr != nil {
		err = p.dedup.MarkFailed(context.WithoutCancel(ctx), key, []byte(procErr.Error()), http.StatusInternalServerError)
	} else {
		err = p.dedup.MarkDone(context.WithoutCancel(ctx), key, nil, http.StatusOK)
	}
	if err != nil {
		logger.WithError(err).Warn("failed to update webhook dedup record")
	}
}

func (p *Processor) dispatch(ctx context.Context, event domain.PaymentEvent, logger *log.Entry) (Result, error) {
	switch event.Type {
	case domain.PaymentEventCheckoutCompleted:
		if event.MetadataType() != domain.PaymentTypeReservation {
			return ResultIgnored, nil
		}
		return p.handleCheckoutCompleted(ctx, event, logger)
	case domain.PaymentEventIntentSucceeded:
		switch event.MetadataType() {
		case domain.PaymentTypeReservation:
			return p.handleDepositSucceeded(ctx, event)
		case domain.PaymentTypeReservationConfirmation:
			return p.handleFinalPaymentSucceeded(ctx, event)
		default:
			return ResultIgnored, nil
		}
	case domain.PaymentEventIntentPaymentFailed:
		return p.handlePaymentFailed(ctx, event)
	default:
		return ResultIgnored, nil
	}
}

// handleDepositSucceeded активирует PENDING-резерв; любой другой статус, no-op.
func (p *Processor) handleDepositSucceeded(ctx context.Context, event domain.PaymentEvent) (Result, error) {
	res, err := p.findReservation(ctx, event)
	if err != nil {
		return ResultError, err
	}

	now := p.clock.Now()
	updated, changed, err := reservation.Update(ctx, p.reservations, res.ID, func(r *domain.Reservation) (bool, error) {
		if r.Status != domain.ReservationStatusPending {
			return false, nil
		}
		return true, r.Activate(now)
	})
	if err != nil {
		return ResultError, err
	}
	if !changed {
		return ResultIgnored, nil
	}

	p.publish(ctx, domain.NewReservationEvent(domain.EventReservationActivated, updated, now, map[string]any{
		"payment_intent": event.Object.PaymentIntentID,
	}))
	return ResultProcessed, nil
}

// handleFinalPaymentSucceeded завершает CONFIRMED-резерв после оплаты остатка.
func (p *Processor) handleFinalPaymentSucceeded(ctx context.Context, event domain.PaymentEvent) (Result, error) {
	id := event.Object.Metadata[domain.PaymentMetaReservationID]
	if id == "" {
		return ResultError, fmt.Errorf("%w: reservation_id is missing in metadata", domain.ErrWebhookPayload)
	}

	now := p.clock.Now()
	updated, changed, err := reservation.Update(ctx, p.reservations, id, func(r *domain.Reservation) (bool, error) {
		if r.Status != domain.ReservationStatusConfirmed {
			return false, nil
		}
		return true, r.Complete(now)
	})
	if err != nil {
		return ResultError, err
	}
	if !changed {
		return ResultIgnored, nil
	}

	p.publish(ctx, domain.NewReservationEvent(domain.EventReservationCompleted, updated, now, map[string]any{
		"final_payment_reference": event.Object.PaymentIntentID,
	}))
	return ResultProcessed, nil
}

// handlePaymentFailed отменяет PENDING/ACTIVE резерв с причиной «Payment failed».
func (p *Processor) handlePaymentFailed(ctx context.Context, event domain.PaymentEvent) (Result, error) {
	res, err := p.reservations.FindByPaymentReference(ctx, event.Object.PaymentIntentID)
	if errors.Is(err, domain.ErrReservationNotFound) {
		// Платёж не относится к депозиту (например, неудачная оплата остатка).
		return ResultIgnored, nil
	}
	if err != nil {
		return ResultError, err
	}

	now := p.clock.Now()
	updated, changed, err := reservation.Update(ctx, p.reservations, res.ID, func(r *domain.Reservation) (bool, error) {
		if !r.CanCancel() {
			return false, nil
		}
		return true, r.FailPayment(now)
	})
	if err != nil {
		return ResultError, err
	}
	if !changed {
		return ResultIgnored, nil
	}

	reservation.ReleaseProduct(ctx, p.products, p.logger, updated)
	p.publish(ctx, domain.NewReservationEvent(domain.EventReservationPaymentFailed, updated, now, nil))
	return ResultProcessed, nil
}

// findReservation ищет резерв по payment intent, затем по reservation_id из metadata.
func (p *Processor) findReservation(ctx context.Context, event domain.PaymentEvent) (domain.Reservation, error) {
	if ref := event.Object.PaymentIntentID; ref != "" {
		res, err := p.reservations.FindByPaymentReference(ctx, ref)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, domain.ErrReservationNotFound) {
			return domain.Reservation{}, err
		}
	}
	if id := event.Object.Metadata[domain.PaymentMetaReservationID]; id != "" {
		return p.reservations.Get(ctx, id)
	}
	return domain.Reservation{}, domain.ErrReservationNotFound
}

func (p *Processor) publish(ctx context.Context, event domain.Event) {
	if p.publisher != nil {
		p.publisher.Publish(ctx, event)
	}
}

// requestHash отличает повтор того же события от другого события с тем же id.
func requestHash(event domain.PaymentEvent) string {
	sum := sha256.Sum256([]byte(string(event.Type) + "|" + event.Object.ID + "|" + event.Object.PaymentStatus))
	return hex.EncodeToString(sum[:])
}

func newReservationID(metadata map[string]string) string {
	if id := metadata[domain.PaymentMetaReservationID]; id != "" {
		return id
	}
	return uuid.NewString()
}
