package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"

	"github.com/vladislavdragonenkov/jms/internal/domain"
)

const defaultProviderTimeout = 10 * time.Second

// ErrCardDeclined: провайдер отклонил карту; повтор не поможет.
var ErrCardDeclined = errors.New("card declined")

type paymentIntentsAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

type refundsAPI interface {
	New(params *stripe.RefundParams) (*stripe.Refund, error)
}

// StripeService реализует адаптер PaymentService поверх stripe-go.
type StripeService struct {
	intents paymentIntentsAPI
	refunds refundsAPI
	timeout time.Duration
	logger  *log.Entry
}

// NewStripeService создаёт клиента Stripe. timeout ограничивает каждый вызов провайдера.
func NewStripeService(secretKey string, timeout time.Duration, logger *log.Entry) *StripeService {
	sc := client.New(secretKey, nil)
	return newStripeService(sc.PaymentIntents, sc.Refunds, timeout, logger)
}

func newStripeService(intents paymentIntentsAPI, refunds refundsAPI, timeout time.Duration, logger *log.Entry) *StripeService {
	if timeout <= 0 {
		timeout = defaultProviderTimeout
	}
	if logger == nil {
		logger = log.WithField("component", "stripe")
	}
	return &StripeService{intents: intents, refunds: refunds, timeout: timeout, logger: logger}
}

func (s *StripeService) CreatePaymentIntent(ctx context.Context, req domain.PaymentIntentRequest) (domain.PaymentIntent, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.AmountMinor),
		Currency: stripe.String(strings.ToLower(req.Currency)),
		Confirm:  stripe.Bool(true),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled:        stripe.Bool(true),
			AllowRedirects: stripe.String("never"),
		},
	}
	params.Context = ctx
	if req.PaymentMethodID != "" {
		params.PaymentMethod = stripe.String(req.PaymentMethodID)
	}
	if req.CustomerID != "" {
		params.Customer = stripe.String(req.CustomerID)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	pi, err := s.intents.New(params)
	if err != nil {
		return domain.PaymentIntent{}, s.wrap("create payment intent", err)
	}
	return toDomainIntent(pi), nil
}

func (s *StripeService) CreateRefund(ctx context.Context, req domain.RefundRequest) (domain.Refund, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.PaymentIntentID),
		Amount:        stripe.Int64(req.AmountMinor),
		Reason:        stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
	}
	params.Context = ctx
	if req.Reason != "" {
		params.AddMetadata("reason", req.Reason)
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	r, err := s.refunds.New(params)
	if err != nil {
		return domain.Refund{}, s.wrap("create refund", err)
	}
	return domain.Refund{
		ID:              r.ID,
		PaymentIntentID: req.PaymentIntentID,
		Status:          string(r.Status),
		AmountMinor:     r.Amount,
	}, nil
}

func (s *StripeService) RetrievePaymentIntent(ctx context.Context, id string) (domain.PaymentIntent, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	pi, err := s.intents.Get(id, params)
	if err != nil {
		return domain.PaymentIntent{}, s.wrap("retrieve payment intent", err)
	}
	return toDomainIntent(pi), nil
}

func (s *StripeService) wrap(op string, err error) error {
	fields := log.Fields{"operation": op}
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		fields["stripe_code"] = stripeErr.Code
		fields["http_status"] = stripeErr.HTTPStatusCode
	}
	s.logger.WithError(err).WithFields(fields).Warn("payment provider call failed")
	if stripeErr != nil && stripeErr.Type == stripe.ErrorTypeCard {
		return fmt.Errorf("%w: %w: %s: %v", domain.ErrPaymentProvider, ErrCardDeclined, op, err)
	}
	return fmt.Errorf("%w: %s: %v", domain.ErrPaymentProvider, op, err)
}

func toDomainIntent(pi *stripe.PaymentIntent) domain.PaymentIntent {
	return domain.PaymentIntent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Status:       domain.PaymentIntentStatus(pi.Status),
		AmountMinor:  pi.Amount,
		Currency:     strings.ToUpper(string(pi.Currency)),
		Metadata:     pi.Metadata,
	}
}

var _ domain.PaymentService = (*StripeService)(nil)
