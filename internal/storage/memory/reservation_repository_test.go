package memory_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/jms/internal/domain"
	"github.com/vladislavdragonenkov/jms/internal/storage/memory"
)

var base = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func newReservation(id, productID string, created time.Time) domain.Reservation {
	return domain.NewReservation(domain.ReservationParams{
		ID:               id,
		UserID:           "user-1",
		ProductID:        productID,
		ShopID:           "shop-1",
		Amounts:          domain.CalculateReservationAmount(domain.MustMoney("1000", "EGP")),
		PaymentReference: "pi_" + id,
		Now:              created,
	})
}

func TestReservationRepository_CreateGet(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewReservationRepository()
	res := newReservation("res-1", "prod-1", base)
	res.Metadata["note"] = "gift"

	if err := repo.Create(ctx, res); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	stored, err := repo.Get(ctx, res.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if stored.ID != res.ID || !stored.TotalAmount.Equal(res.TotalAmount) {
		t.Fatalf("unexpected stored reservation %+v", stored)
	}

	stored.Metadata["note"] = "mutated"
	again, _ := repo.Get(ctx, res.ID)
	if again.Metadata["note"] != "gift" {
		t.Fatal("repository must return copies")
	}

	if _, err := repo.Get(ctx, "missing"); !errors.Is(err, domain.ErrReservationNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestReservationRepository_CreateRejectsSecondBlocking(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewReservationRepository()

	if err := repo.Create(ctx, newReservation("res-1", "prod-1", base)); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := repo.Create(ctx, newReservation("res-2", "prod-1", base)); !errors.Is(err, domain.ErrAlreadyReserved) {
		t.Fatalf("expected ErrAlreadyReserved, got %v", err)
	}
	if err := repo.Create(ctx, newReservation("res-3", "prod-2", base)); err != nil {
		t.Fatalf("other product must be reservable: %v", err)
	}

	// После отмены товар снова доступен.
	first, _ := repo.Get(ctx, "res-1")
	if err := first.Cancel(base, "test"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := repo.Save(ctx, first); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := repo.Create(ctx, newReservation("res-4", "prod-1", base)); err != nil {
		t.Fatalf("expected product to be free after cancel: %v", err)
	}
}

func TestReservationRepository_ConcurrentCreate(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewReservationRepository()

	const workers = 32
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		created  int
		reserved int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := repo.Create(ctx, newReservation(fmt.Sprintf("res-%02d", i), "prod-hot", base))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, domain.ErrAlreadyReserved):
				reserved++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if created != 1 || reserved != workers-1 {
		t.Fatalf("created=%d reserved=%d, want 1 and %d", created, reserved, workers-1)
	}
}

func TestReservationRepository_SaveVersionConflict(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewReservationRepository()
	if err := repo.Create(ctx, newReservation("res-1", "prod-1", base)); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	a, _ := repo.Get(ctx, "res-1")
	b, _ := repo.Get(ctx, "res-1")

	_ = a.Activate(base)
	if err := repo.Save(ctx, a); err != nil {
		t.Fatalf("first save: %v", err)
	}
	_ = b.Cancel(base, "late")
	if err := repo.Save(ctx, b); !errors.Is(err, domain.ErrReservationVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}

	stored, _ := repo.Get(ctx, "res-1")
	if stored.Status != domain.ReservationStatusActive || stored.Version != 1 {
		t.Fatalf("unexpected stored state %s v%d", stored.Status, stored.Version)
	}
}

func TestReservationRepository_FindExpiredPaginates(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewReservationRepository()

	for i := 0; i < 5; i++ {
		res := newReservation(fmt.Sprintf("res-%d", i), fmt.Sprintf("prod-%d", i), base)
		if i < 4 {
			_ = res.Activate(base)
		}
		if err := repo.Create(ctx, res); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	now := base.AddDate(0, 0, 8)
	first, err := repo.FindExpired(ctx, now, "", 3)
	if err != nil {
		t.Fatalf("find expired: %v", err)
	}
	if len(first) != 3 || first[0].ID != "res-0" || first[2].ID != "res-2" {
		t.Fatalf("unexpected first page %v", ids(first))
	}

	second, _ := repo.FindExpired(ctx, now, first[len(first)-1].ID, 3)
	if len(second) != 1 || second[0].ID != "res-3" {
		t.Fatalf("unexpected second page %v", ids(second))
	}

	if none, _ := repo.FindExpired(ctx, base.AddDate(0, 0, 6), "", 10); len(none) != 0 {
		t.Fatalf("nothing should be expired yet, got %v", ids(none))
	}
}

func TestReservationRepository_FindByUserAndShop(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewReservationRepository()

	for i := 0; i < 5; i++ {
		res := newReservation(fmt.Sprintf("res-%d", i), fmt.Sprintf("prod-%d", i), base.Add(time.Duration(i)*time.Minute))
		if i%2 == 0 {
			_ = res.Activate(base)
		}
		if err := repo.Create(ctx, res); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	page, err := repo.FindByUser(ctx, "user-1", domain.ReservationFilter{Page: 1, Limit: 2})
	if err != nil {
		t.Fatalf("find by user: %v", err)
	}
	if page.Total != 5 || len(page.Items) != 2 || page.Items[0].ID != "res-4" {
		t.Fatalf("unexpected page total=%d items=%v", page.Total, ids(page.Items))
	}

	active, _ := repo.FindByShop(ctx, "shop-1", domain.ReservationFilter{Status: domain.ReservationStatusActive})
	if active.Total != 3 || active.Limit != 20 {
		t.Fatalf("unexpected filtered page total=%d limit=%d", active.Total, active.Limit)
	}

	beyond, _ := repo.FindByUser(ctx, "user-1", domain.ReservationFilter{Page: 10, Limit: 2})
	if len(beyond.Items) != 0 {
		t.Fatalf("page beyond range must be empty, got %v", ids(beyond.Items))
	}
}

func TestReservationRepository_FindByPaymentReference(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewReservationRepository()
	_ = repo.Create(ctx, newReservation("res-1", "prod-1", base))

	got, err := repo.FindByPaymentReference(ctx, "pi_res-1")
	if err != nil || got.ID != "res-1" {
		t.Fatalf("got %v, %v", got.ID, err)
	}
	if _, err := repo.FindByPaymentReference(ctx, ""); !errors.Is(err, domain.ErrReservationNotFound) {
		t.Fatalf("empty reference must not match, got %v", err)
	}

	active, err := repo.FindActiveByProduct(ctx, "prod-1")
	if err != nil || active == nil || active.ID != "res-1" {
		t.Fatalf("active by product: %v %v", active, err)
	}
	if none, _ := repo.FindActiveByProduct(ctx, "prod-x"); none != nil {
		t.Fatalf("expected nil, got %+v", none)
	}
}

func ids(items []domain.Reservation) []string {
	out := make([]string, 0, len(items))
	for _, r := range items {
		out = append(out, r.ID)
	}
	return out
}
