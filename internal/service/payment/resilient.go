package payment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/jms/internal/clock"
	"github.com/vladislavdragonenkov/jms/internal/domain"
)

// ErrCircuitOpen означает, что провайдер временно отключён после серии ошибок.
var ErrCircuitOpen = errors.New("payment circuit breaker is open")

// RetryConfig задаёт экспоненциальный backoff для вызовов провайдера.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryConfig возвращает конфигурацию по умолчанию.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      2 * time.Second,
		BackoffFactor: 2.0,
	}
}

type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

func (s circuitState) String() string {
	switch s {
	case circuitOpen:
		return "open"
	case circuitHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// CircuitBreaker размыкается после maxFailures ошибок подряд и через resetTimeout
// пропускает одну пробную попытку.
type CircuitBreaker struct {
	maxFailures  int
	resetTimeout time.Duration
	clock        clock.Clock
	logger       *log.Entry

	mu          sync.Mutex
	failures    int
	lastFailure time.Time
	state       circuitState
}

func NewCircuitBreaker(maxFailures int, resetTimeout time.Duration, c clock.Clock, logger *log.Entry) *CircuitBreaker {
	if maxFailures <= 0 {
		maxFailures = 5
	}
	if c == nil {
		c = clock.NewSystem()
	}
	if logger == nil {
		logger = log.WithField("component", "payment-breaker")
	}
	return &CircuitBreaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		clock:        c,
		logger:       logger,
	}
}

// State возвращает текущее состояние: closed, open или half-open.
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state.String()
}

func (cb *CircuitBreaker) allow(operation string) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != circuitOpen {
		return nil
	}
	if cb.clock.Now().Sub(cb.lastFailure) < cb.resetTimeout {
		return ErrCircuitOpen
	}
	cb.state = circuitHalfOpen
	cb.logger.WithField("operation", operation).Info("payment circuit half-open")
	return nil
}

func (cb *CircuitBreaker) record(operation string, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		if cb.state == circuitHalfOpen {
			cb.logger.WithField("operation", operation).Info("payment circuit closed")
		}
		cb.state = circuitClosed
		cb.failures = 0
		return
	}

	cb.failures++
	cb.lastFailure = cb.clock.Now()
	if cb.state == circuitHalfOpen || cb.failures >= cb.maxFailures {
		if cb.state != circuitOpen {
			cb.logger.WithFields(log.Fields{
				"operation": operation,
				"failures":  cb.failures,
			}).Warn("payment circuit opened")
		}
		cb.state = circuitOpen
	}
}

// Resilient оборачивает PaymentService повторами и circuit breaker.
// Списание и возврат повторяются только при заданном IdempotencyKey.
type Resilient struct {
	inner   domain.PaymentService
	retry   RetryConfig
	breaker *CircuitBreaker
	logger  *log.Entry
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewResilient(inner domain.PaymentService, retry RetryConfig, breaker *CircuitBreaker, logger *log.Entry) *Resilient {
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = 1
	}
	if retry.BackoffFactor < 1 {
		retry.BackoffFactor = 1
	}
	if logger == nil {
		logger = log.WithField("component", "payment-resilient")
	}
	return &Resilient{
		inner:   inner,
		retry:   retry,
		breaker: breaker,
		logger:  logger,
		sleep:   sleepContext,
	}
}

func (r *Resilient) CreatePaymentIntent(ctx context.Context, req domain.PaymentIntentRequest) (domain.PaymentIntent, error) {
	var intent domain.PaymentIntent
	attempts := 1
	if req.IdempotencyKey != "" {
		attempts = r.retry.MaxAttempts
	}
	err := r.execute(ctx, "create_payment_intent", attempts, func(ctx context.Context) error {
		var err error
		intent, err = r.inner.CreatePaymentIntent(ctx, req)
		return err
	})
	return intent, err
}

func (r *Resilient) CreateRefund(ctx context.Context, req domain.RefundRequest) (domain.Refund, error) {
	var refund domain.Refund
	attempts := 1
	if req.IdempotencyKey != "" {
		attempts = r.retry.MaxAttempts
	}
	err := r.execute(ctx, "create_refund", attempts, func(ctx context.Context) error {
		var err error
		refund, err = r.inner.CreateRefund(ctx, req)
		return err
	})
	return refund, err
}

func (r *Resilient) RetrievePaymentIntent(ctx context.Context, id string) (domain.PaymentIntent, error) {
	var intent domain.PaymentIntent
	err := r.execute(ctx, "retrieve_payment_intent", r.retry.MaxAttempts, func(ctx context.Context) error {
		var err error
		intent, err = r.inner.RetrievePaymentIntent(ctx, id)
		return err
	})
	return intent, err
}

func (r *Resilient) execute(ctx context.Context, operation string, attempts int, fn func(context.Context) error) error {
	delay := r.retry.InitialDelay
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		if r.breaker != nil {
			if err := r.breaker.allow(operation); err != nil {
				return fmt.Errorf("%w: %s: %w", domain.ErrPaymentProvider, operation, err)
			}
		}

		err := fn(ctx)
		if r.breaker != nil && !errors.Is(err, ErrCardDeclined) {
			r.breaker.record(operation, err)
		}
		if err == nil {
			if attempt > 1 {
				r.logger.WithFields(log.Fields{
					"operation": operation,
					"attempt":   attempt,
				}).Info("payment call succeeded after retry")
			}
			return nil
		}
		lastErr = err

		if !shouldRetry(err) || attempt == attempts {
			break
		}
		r.logger.WithError(err).WithFields(log.Fields{
			"operation": operation,
			"attempt":   attempt,
			"delay":     delay,
		}).Warn("payment call failed, retrying")

		if err := r.sleep(ctx, delay); err != nil {
			return lastErr
		}
		delay = time.Duration(float64(delay) * r.retry.BackoffFactor)
		if r.retry.MaxDelay > 0 && delay > r.retry.MaxDelay {
			delay = r.retry.MaxDelay
		}
	}
	return lastErr
}

// shouldRetry отсекает отказы карты и отмену контекста.
func shouldRetry(err error) bool {
	switch {
	case errors.Is(err, ErrCardDeclined):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	default:
		return errors.Is(err, domain.ErrPaymentProvider)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var _ domain.PaymentService = (*Resilient)(nil)
