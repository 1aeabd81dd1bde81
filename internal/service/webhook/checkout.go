package webhook

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/jms/internal/domain"
	"github.com/vladislavdragonenkov/jms/internal/service/reservation"
)

// handleCheckoutCompleted находит или создаёт резерв по оплаченной checkout-сессии.
func (p *Processor) handleCheckoutCompleted(ctx context.Context, event domain.PaymentEvent, logger *log.Entry) (Result, error) {
	obj := event.Object
	if obj.PaymentStatus != domain.CheckoutPaid {
		logger.WithField("payment_status", obj.PaymentStatus).Info("checkout session is not paid yet")
		return ResultIgnored, nil
	}

	res, err := p.findReservation(ctx, event)
	switch {
	case err == nil:
		return p.activateFromCheckout(ctx, res, obj)
	case !errors.Is(err, domain.ErrReservationNotFound):
		return ResultError, err
	}

	return p.createFromCheckout(ctx, obj, logger)
}

func (p *Processor) activateFromCheckout(ctx context.Context, res domain.Reservation, obj domain.PaymentObject) (Result, error) {
	now := p.clock.Now()
	updated, changed, err := reservation.Update(ctx, p.reservations, res.ID, func(r *domain.Reservation) (bool, error) {
		if r.Status != domain.ReservationStatusPending {
			return false, nil
		}
		if err := r.Activate(now); err != nil {
			return false, err
		}
		return true, r.SetMetadata(domain.MetadataCheckoutSession, obj.ID)
	})
	if err != nil {
		return ResultError, err
	}
	if updated.IsBlocking() {
		p.markUnavailable(ctx, updated)
	}
	if !changed {
		return ResultIgnored, nil
	}

	p.publish(ctx, domain.NewReservationEvent(domain.EventReservationActivated, updated, now, map[string]any{
		"checkout_session": obj.ID,
	}))
	return ResultProcessed, nil
}

// createFromCheckout создаёт ACTIVE-резерв, если товар ещё никем не удерживается.
func (p *Processor) createFromCheckout(ctx context.Context, obj domain.PaymentObject, logger *log.Entry) (Result, error) {
	userID := obj.Metadata[domain.PaymentMetaUserID]
	productID := obj.Metadata[domain.PaymentMetaProductID]
	if userID == "" || productID == "" {
		return ResultError, fmt.Errorf("%w: user_id and product_id are required in checkout metadata", domain.ErrWebhookPayload)
	}

	product, err := p.products.Get(ctx, productID)
	if err != nil {
		return ResultError, err
	}

	existing, err := p.reservations.FindActiveByProduct(ctx, productID)
	if err != nil {
		return ResultError, err
	}
	if existing != nil {
		return p.refundDuplicateCheckout(ctx, obj, logger)
	}

	amounts := domain.CalculateReservationAmount(product.Price)
	p.checkPaidAmount(amounts, obj, logger)

	now := p.clock.Now()
	res := domain.NewReservation(domain.ReservationParams{
		ID:               newReservationID(obj.Metadata),
		UserID:           userID,
		ProductID:        productID,
		ShopID:           product.ShopID,
		Amounts:          amounts,
		PaymentReference: obj.PaymentIntentID,
		Now:              now,
		Days:             p.days,
	})
	if err := res.Activate(now); err != nil {
		return ResultError, err
	}
	if err := res.SetMetadata(domain.MetadataCheckoutSession, obj.ID); err != nil {
		return ResultError, err
	}

	if err := p.reservations.Create(ctx, res); err != nil {
		if errors.Is(err, domain.ErrAlreadyReserved) {
			return p.refundDuplicateCheckout(ctx, obj, logger)
		}
		return ResultError, err
	}

	p.markUnavailable(ctx, res)
	p.publish(ctx, domain.NewReservationEvent(domain.EventReservationCreated, res, now, map[string]any{
		"checkout_session": obj.ID,
	}))
	p.publish(ctx, domain.NewReservationEvent(domain.EventReservationActivated, res, now, nil))
	return ResultProcessed, nil
}

// checkPaidAmount сверяет оплаченную сумму с депозитом по текущей цене товара.
// Цена могла измениться после создания сессии: расхождение только логируется.
func (p *Processor) checkPaidAmount(amounts domain.ReservationAmounts, obj domain.PaymentObject, logger *log.Entry) {
	expected := amounts.Reservation.MinorUnits()
	paid := obj.AmountMinor
	if raw := obj.Metadata[domain.PaymentMetaReservationAmount]; raw != "" {
		if v, err := decimal.NewFromString(raw); err == nil {
			paid = v.Shift(2).Round(0).IntPart()
		}
	}
	if paid != 0 && paid != expected {
		logger.WithFields(log.Fields{
			"expected_minor": expected,
			"paid_minor":     paid,
			"reconciliation": "required",
		}).Warn("checkout amount differs from current deposit")
	}
}

// refundDuplicateCheckout возвращает оплату, если товар уже удерживает другой резерв.
// Ошибка возврата уходит наверх: доставка помечается failed, и повтор от провайдера
// повторит возврат с тем же ключом идемпотентности.
func (p *Processor) refundDuplicateCheckout(ctx context.Context, obj domain.PaymentObject, logger *log.Entry) (Result, error) {
	logger = logger.WithField("payment_intent", obj.PaymentIntentID)
	if p.payments == nil || obj.PaymentIntentID == "" || obj.AmountMinor <= 0 {
		logger.WithField("reconciliation", "required").Warn("duplicate checkout for reserved product")
		return ResultIgnored, nil
	}

	p.metrics.RecordCompensation()
	refund, err := p.payments.CreateRefund(ctx, domain.RefundRequest{
		PaymentIntentID: obj.PaymentIntentID,
		AmountMinor:     obj.AmountMinor,
		Reason:          "product already reserved",
		IdempotencyKey:  "checkout-refund-" + obj.PaymentIntentID,
	})
	if err != nil {
		return ResultError, fmt.Errorf("refund duplicate checkout %s: %w", obj.PaymentIntentID, err)
	}
	p.metrics.RecordRefund("compensation", obj.AmountMinor)
	logger.WithField("refund_id", refund.ID).Warn("duplicate checkout refunded")
	return ResultIgnored, nil
}

func (p *Processor) markUnavailable(ctx context.Context, res domain.Reservation) {
	if p.products == nil {
		return
	}
	if err := p.products.SetAvailability(ctx, res.ProductID, false); err != nil {
		p.logger.WithError(err).WithField("product_id", res.ProductID).Warn("failed to mark product unavailable")
	}
}
