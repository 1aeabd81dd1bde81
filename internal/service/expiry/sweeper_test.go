package expiry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/vladislavdragonenkov/jms/internal/clock"
	"github.com/vladislavdragonenkov/jms/internal/domain"
	"github.com/vladislavdragonenkov/jms/internal/metrics"
	"github.com/vladislavdragonenkov/jms/internal/service/payment"
	"github.com/vladislavdragonenkov/jms/internal/storage/memory"
)

var created = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e domain.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *recordingPublisher) snapshot() []domain.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.Event(nil), p.events...)
}

func seedReservation(t *testing.T, repo domain.ReservationRepository, id, productID string, status domain.ReservationStatus) {
	t.Helper()
	res := domain.NewReservation(domain.ReservationParams{
		ID:               id,
		UserID:           "user-1",
		ProductID:        productID,
		ShopID:           "shop-1",
		Amounts:          domain.CalculateReservationAmount(domain.MustMoney("1000.00", "EGP")),
		PaymentReference: "pi_" + id,
		Now:              created,
	})
	res.Status = status
	if err := repo.Create(context.Background(), res); err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
}

// Scenario D: просроченный ACTIVE-резерв истекает с возвратом 85.00 и одним событием.
func TestSweepOnce_ExpiresActiveReservation(t *testing.T) {
	repo := memory.NewReservationRepository()
	products := memory.NewProductRepository(domain.Product{ID: "ring-1", ShopID: "shop-1", IsAvailable: false})
	payments := payment.NewMockService()
	publisher := &recordingPublisher{}
	seedReservation(t, repo, "res-1", "ring-1", domain.ReservationStatusActive)

	sweeper := NewSweeper(repo, products, payments, publisher)
	now := created.AddDate(0, 0, 8)

	result, err := sweeper.SweepOnce(context.Background(), now)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if result.Expired != 1 || result.Refunded != 1 || result.Failed != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}

	res, _ := repo.Get(context.Background(), "res-1")
	if res.Status != domain.ReservationStatusExpired {
		t.Fatalf("expected EXPIRED, got %s", res.Status)
	}

	refunds := payments.RefundRequests()
	if len(refunds) != 1 || refunds[0].AmountMinor != 8500 || refunds[0].PaymentIntentID != "pi_res-1" {
		t.Fatalf("expected 85.00 refund, got %+v", refunds)
	}
	// Ключ совпадает с ключом отмены, поэтому провайдер не вернёт депозит дважды.
	if refunds[0].IdempotencyKey != domain.DepositRefundKey("res-1") {
		t.Fatalf("unexpected idempotency key %q", refunds[0].IdempotencyKey)
	}

	product, _ := products.Get(context.Background(), "ring-1")
	if !product.IsAvailable {
		t.Fatal("product must be released")
	}

	// Повторный проход ничего не делает.
	result, err = sweeper.SweepOnce(context.Background(), now)
	if err != nil || result.Expired != 0 {
		t.Fatalf("second sweep must be a no-op, got %+v / %v", result, err)
	}

	events := publisher.snapshot()
	if len(events) != 1 || events[0].Type != domain.EventReservationExpired {
		t.Fatalf("expected exactly one ReservationExpired, got %v", events)
	}
	if amount, ok := events[0].Payload["refund_amount"].(domain.Money); !ok || amount.String() != "85.00 EGP" {
		t.Fatalf("unexpected refund_amount %v", events[0].Payload["refund_amount"])
	}
}

func TestSweepOnce_SkipsNotExpiredAndOtherStatuses(t *testing.T) {
	repo := memory.NewReservationRepository()
	seedReservation(t, repo, "res-active", "ring-1", domain.ReservationStatusActive)
	seedReservation(t, repo, "res-pending", "ring-2", domain.ReservationStatusPending)
	seedReservation(t, repo, "res-confirmed", "ring-3", domain.ReservationStatusConfirmed)

	sweeper := NewSweeper(repo, nil, payment.NewMockService(), nil)

	result, err := sweeper.SweepOnce(context.Background(), created.AddDate(0, 0, 3))
	if err != nil || result.Expired != 0 {
		t.Fatalf("nothing is due yet, got %+v / %v", result, err)
	}

	result, err = sweeper.SweepOnce(context.Background(), created.AddDate(0, 0, 10))
	if err != nil || result.Expired != 1 {
		t.Fatalf("only ACTIVE expires, got %+v / %v", result, err)
	}
	for id, want := range map[string]domain.ReservationStatus{
		"res-pending":   domain.ReservationStatusPending,
		"res-confirmed": domain.ReservationStatusConfirmed,
	} {
		res, _ := repo.Get(context.Background(), id)
		if res.Status != want {
			t.Fatalf("%s: expected %s, got %s", id, want, res.Status)
		}
	}
}

func TestSweepOnce_PaginatesByCursor(t *testing.T) {
	repo := memory.NewReservationRepository()
	for i := 0; i < 7; i++ {
		seedReservation(t, repo, fmt.Sprintf("res-%02d", i), fmt.Sprintf("ring-%d", i), domain.ReservationStatusActive)
	}

	sweeper := NewSweeper(repo, nil, payment.NewMockService(), nil, WithBatchSize(3))
	result, err := sweeper.SweepOnce(context.Background(), created.AddDate(0, 0, 8))
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if result.Expired != 7 {
		t.Fatalf("expected 7 expired, got %+v", result)
	}
}

// flakyRepo ломает Save для одного резерва.
type flakyRepo struct {
	domain.ReservationRepository
	broken string
}

func (r flakyRepo) Save(ctx context.Context, res domain.Reservation) error {
	if res.ID == r.broken {
		return errors.New("disk full")
	}
	return r.ReservationRepository.Save(ctx, res)
}

func TestSweepOnce_IsolatesFailures(t *testing.T) {
	base := memory.NewReservationRepository()
	seedReservation(t, base, "res-a", "ring-a", domain.ReservationStatusActive)
	seedReservation(t, base, "res-b", "ring-b", domain.ReservationStatusActive)
	seedReservation(t, base, "res-c", "ring-c", domain.ReservationStatusActive)

	reg := prometheus.NewRegistry()
	m := metrics.NewWithRegisterer(reg)
	publisher := &recordingPublisher{}
	sweeper := NewSweeper(flakyRepo{ReservationRepository: base, broken: "res-b"}, nil, payment.NewMockService(), publisher, WithMetrics(m))

	result, err := sweeper.SweepOnce(context.Background(), created.AddDate(0, 0, 8))
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if result.Expired != 2 || result.Failed != 1 {
		t.Fatalf("expected 2 expired and 1 failed, got %+v", result)
	}
	if len(publisher.snapshot()) != 2 {
		t.Fatalf("expected 2 events, got %d", len(publisher.snapshot()))
	}

	expected := `
# HELP jms_expiry_reservations_total Total number of reservations handled by the expiry sweep grouped by result
# TYPE jms_expiry_reservations_total counter
jms_expiry_reservations_total{result="expired"} 2
jms_expiry_reservations_total{result="failed"} 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "jms_expiry_reservations_total"); err != nil {
		t.Fatalf("unexpected metrics: %v", err)
	}
}

func TestSweepOnce_RefundFailureStillExpires(t *testing.T) {
	repo := memory.NewReservationRepository()
	seedReservation(t, repo, "res-1", "ring-1", domain.ReservationStatusActive)
	payments := payment.NewMockService()
	payments.RefundErr = errors.New("provider down")
	publisher := &recordingPublisher{}

	result, err := NewSweeper(repo, nil, payments, publisher).SweepOnce(context.Background(), created.AddDate(0, 0, 8))
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if result.Expired != 1 || result.Refunded != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
	events := publisher.snapshot()
	if len(events) != 1 || events[0].Payload["refund_status"] != "failed" {
		t.Fatalf("expected expired event with failed refund, got %v", events)
	}
}

func TestSweepOnce_CancelledContext(t *testing.T) {
	repo := memory.NewReservationRepository()
	seedReservation(t, repo, "res-1", "ring-1", domain.ReservationStatusActive)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewSweeper(repo, nil, payment.NewMockService(), nil).SweepOnce(ctx, created.AddDate(0, 0, 8))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	res, _ := repo.Get(context.Background(), "res-1")
	if res.Status != domain.ReservationStatusActive {
		t.Fatal("cancelled sweep must not touch reservations")
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	repo := memory.NewReservationRepository()
	seedReservation(t, repo, "res-1", "ring-1", domain.ReservationStatusActive)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	sweeper := NewSweeper(repo, nil, payment.NewMockService(), nil,
		WithInterval(time.Hour), WithClock(clock.NewManual(created.AddDate(0, 0, 8))))
	go func() {
		sweeper.Run(ctx)
		close(done)
	}()

	// Первый проход идёт сразу при старте.
	deadline := time.After(2 * time.Second)
	for {
		res, _ := repo.Get(context.Background(), "res-1")
		if res.Status == domain.ReservationStatusExpired {
			break
		}
		select {
		case <-deadline:
			t.Fatal("initial sweep did not run")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
