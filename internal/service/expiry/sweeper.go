package expiry

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/jms/internal/clock"
	"github.com/vladislavdragonenkov/jms/internal/domain"
	"github.com/vladislavdragonenkov/jms/internal/metrics"
	"github.com/vladislavdragonenkov/jms/internal/service/reservation"
)

const (
	defaultInterval  = time.Hour
	defaultBatchSize = 100
	refundReason     = "reservation expired"
)

// Result содержит итог одного прохода.
type Result struct {
	Expired  int
	Failed   int
	Refunded int
}

// Sweeper переводит просроченные ACTIVE-резервы в EXPIRED и возвращает 85% депозита.
type Sweeper struct {
	reservations domain.ReservationRepository
	products     domain.ProductRepository
	payments     domain.PaymentService
	publisher    domain.EventPublisher

	clock     clock.Clock
	metrics   *metrics.Metrics
	logger    *log.Entry
	interval  time.Duration
	batchSize int
}

// Option настраивает Sweeper.
type Option func(*Sweeper)

func WithClock(c clock.Clock) Option {
	return func(s *Sweeper) {
		if c != nil {
			s.clock = c
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Sweeper) { s.metrics = m }
}

func WithLogger(logger *log.Entry) Option {
	return func(s *Sweeper) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithInterval(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithBatchSize задаёт размер страницы FindExpired.
func WithBatchSize(n int) Option {
	return func(s *Sweeper) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

func NewSweeper(
	reservations domain.ReservationRepository,
	products domain.ProductRepository,
	payments domain.PaymentService,
	publisher domain.EventPublisher,
	opts ...Option,
) *Sweeper {
	s := &Sweeper{
		reservations: reservations,
		products:     products,
		payments:     payments,
		publisher:    publisher,
		clock:        clock.NewSystem(),
		logger:       log.WithField("component", "expiry-sweeper"),
		interval:     defaultInterval,
		batchSize:    defaultBatchSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run выполняет проход сразу и затем по таймеру до отмены ctx.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.WithField("interval", s.interval).Info("expiry sweeper started")
	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("expiry sweeper stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	result, err := s.SweepOnce(ctx, s.clock.Now())
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.WithError(err).Warn("expiry sweep aborted")
	}
	if result.Expired > 0 || result.Failed > 0 {
		s.logger.WithFields(log.Fields{
			"expired":  result.Expired,
			"failed":   result.Failed,
			"refunded": result.Refunded,
		}).Info("expiry sweep completed")
	}
}

// SweepOnce обходит все просроченные резервы страницами по id.
// Ошибка отдельного резерва не прерывает проход; ошибка чтения страницы прерывает.
func (s *Sweeper) SweepOnce(ctx context.Context, now time.Time) (result Result, err error) {
	defer func() { s.metrics.RecordSweep(result.Expired, result.Failed, err) }()

	afterID := ""
	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		batch, err := s.reservations.FindExpired(ctx, now, afterID, s.batchSize)
		if err != nil {
			return result, err
		}

		for _, res := range batch {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			expired, refunded, err := s.expireOne(ctx, res.ID, now)
			if err != nil {
				result.Failed++
				s.logger.WithError(err).WithField("reservation_id", res.ID).Warn("failed to expire reservation")
				continue
			}
			if !expired {
				continue
			}
			result.Expired++
			if refunded {
				result.Refunded++
			}
		}

		if len(batch) < s.batchSize {
			return result, nil
		}
		afterID = batch[len(batch)-1].ID
	}
}

// expireOne сохраняет EXPIRED и затем возвращает депозит по политике ACTIVE.
func (s *Sweeper) expireOne(ctx context.Context, id string, now time.Time) (expired, refunded bool, err error) {
	var refundAmount domain.Money
	updated, changed, err := reservation.Update(ctx, s.reservations, id, func(r *domain.Reservation) (bool, error) {
		if r.Status != domain.ReservationStatusActive || !r.IsExpired(now) {
			return false, nil
		}
		refundAmount = r.RefundAmount()
		return true, r.Expire(now)
	})
	if err != nil {
		return false, false, err
	}
	if !changed {
		// Резерв успели подтвердить или отменить между выборкой и записью.
		return false, false, nil
	}

	logger := s.logger.WithField("reservation_id", updated.ID)
	extra := map[string]any{"refund_amount": refundAmount}

	if refundAmount.IsPositive() && updated.ExternalPaymentReference != "" && s.payments != nil {
		refund, err := s.payments.CreateRefund(ctx, domain.RefundRequest{
			PaymentIntentID: updated.ExternalPaymentReference,
			AmountMinor:     refundAmount.MinorUnits(),
			Reason:          refundReason,
			IdempotencyKey:  domain.DepositRefundKey(updated.ID),
		})
		if err != nil {
			logger.WithError(err).WithFields(log.Fields{
				"refund_amount":  refundAmount.String(),
				"reconciliation": "required",
			}).Error("expiry refund failed")
			extra["refund_status"] = "failed"
		} else {
			s.metrics.RecordRefund("expiry", refundAmount.MinorUnits())
			extra["refund_id"] = refund.ID
			refunded = true
		}
	}

	reservation.ReleaseProduct(ctx, s.products, logger, updated)
	if s.publisher != nil {
		s.publisher.Publish(ctx, domain.NewReservationEvent(domain.EventReservationExpired, updated, now, extra))
	}
	return true, refunded, nil
}
