package payment

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/jms/internal/domain"
)

// MockService реализует конфигурируемую заглушку PaymentService для тестов и dev-режима.
type MockService struct {
	mu sync.Mutex

	IntentStatus domain.PaymentIntentStatus
	IntentErr    error
	RefundStatus string
	RefundErr    error

	intents []domain.PaymentIntentRequest
	refunds []domain.RefundRequest
	known   map[string]domain.PaymentIntent
}

// NewMockService возвращает mock с успешным сценарием по умолчанию.
func NewMockService() *MockService {
	return &MockService{
		IntentStatus: domain.PaymentIntentSucceeded,
		RefundStatus: "succeeded",
		known:        make(map[string]domain.PaymentIntent),
	}
}

// CreatePaymentIntent запоминает запрос и возвращает настроенный результат.
func (m *MockService) CreatePaymentIntent(ctx context.Context, req domain.PaymentIntentRequest) (domain.PaymentIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.intents = append(m.intents, req)
	if err := ctx.Err(); err != nil {
		return domain.PaymentIntent{}, fmt.Errorf("%w: %v", domain.ErrPaymentProvider, err)
	}
	if m.IntentErr != nil {
		return domain.PaymentIntent{}, fmt.Errorf("%w: %v", domain.ErrPaymentProvider, m.IntentErr)
	}

	id := "pi_mock_" + uuid.NewString()
	intent := domain.PaymentIntent{
		ID:           id,
		ClientSecret: id + "_secret",
		Status:       m.IntentStatus,
		AmountMinor:  req.AmountMinor,
		Currency:     req.Currency,
		Metadata:     copyMetadata(req.Metadata),
	}
	m.known[id] = intent
	return intent, nil
}

// CreateRefund запоминает запрос и возвращает настроенный результат.
func (m *MockService) CreateRefund(ctx context.Context, req domain.RefundRequest) (domain.Refund, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.refunds = append(m.refunds, req)
	if err := ctx.Err(); err != nil {
		return domain.Refund{}, fmt.Errorf("%w: %v", domain.ErrPaymentProvider, err)
	}
	if m.RefundErr != nil {
		return domain.Refund{}, fmt.Errorf("%w: %v", domain.ErrPaymentProvider, m.RefundErr)
	}
	return domain.Refund{
		ID:              "re_mock_" + uuid.NewString(),
		PaymentIntentID: req.PaymentIntentID,
		Status:          m.RefundStatus,
		AmountMinor:     req.AmountMinor,
	}, nil
}

// RetrievePaymentIntent отдаёт ранее созданный intent.
func (m *MockService) RetrievePaymentIntent(_ context.Context, id string) (domain.PaymentIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	intent, ok := m.known[id]
	if !ok {
		return domain.PaymentIntent{}, fmt.Errorf("%w: payment intent %s not found", domain.ErrPaymentProvider, id)
	}
	return intent, nil
}

// IntentRequests возвращает копию всех запросов на списание.
func (m *MockService) IntentRequests() []domain.PaymentIntentRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.PaymentIntentRequest(nil), m.intents...)
}

// RefundRequests возвращает копию всех запросов на возврат.
func (m *MockService) RefundRequests() []domain.RefundRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.RefundRequest(nil), m.refunds...)
}

func copyMetadata(src map[string]string) map[string]string {
	if src == nil {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

var _ domain.PaymentService = (*MockService)(nil)
