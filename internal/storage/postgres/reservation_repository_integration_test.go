package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/jms/internal/domain"
)

func sampleReservation(id, productID, userID string, created time.Time) domain.Reservation {
	return domain.NewReservation(domain.ReservationParams{
		ID:               id,
		UserID:           userID,
		ProductID:        productID,
		ShopID:           "shop-1",
		Amounts:          domain.CalculateReservationAmount(domain.MustMoney("1234.56", "EGP")),
		PaymentReference: "pi_" + id,
		Now:              created,
	})
}

func TestReservationRepository_PostgresCreateGetSave(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewReservationRepository(store)
	ctx := context.Background()

	created := time.Now().UTC().Round(time.Microsecond)
	res := sampleReservation("res-pg-1", "prod-1", "user-1", created)
	res.Metadata[domain.MetadataShopNotes] = "ring size 17"

	if err := repo.Create(ctx, res); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := repo.Get(ctx, res.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.TotalAmount.Equal(res.TotalAmount) || !got.ReservationAmount.Equal(res.ReservationAmount) || !got.RemainingAmount.Equal(res.RemainingAmount) {
		t.Fatalf("amounts changed after round trip: %+v", got)
	}
	if got.Status != domain.ReservationStatusPending || got.Version != 0 {
		t.Fatalf("unexpected state: status=%s version=%d", got.Status, got.Version)
	}
	if got.Metadata[domain.MetadataShopNotes] != "ring size 17" {
		t.Fatalf("metadata lost: %v", got.Metadata)
	}
	if !got.ExpiryDate.Equal(res.ExpiryDate) {
		t.Fatalf("expiry = %s, want %s", got.ExpiryDate, res.ExpiryDate)
	}

	if err := got.Activate(created.Add(time.Minute)); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if err := repo.Save(ctx, got); err != nil {
		t.Fatalf("save: %v", err)
	}

	saved, err := repo.Get(ctx, res.ID)
	if err != nil {
		t.Fatalf("get after save: %v", err)
	}
	if saved.Status != domain.ReservationStatusActive || saved.Version != 1 {
		t.Fatalf("unexpected saved state: status=%s version=%d", saved.Status, saved.Version)
	}

	// Запись со старой версией должна быть отвергнута.
	if err := repo.Save(ctx, got); !errors.Is(err, domain.ErrReservationVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}

	missing := got
	missing.ID = "res-missing"
	if err := repo.Save(ctx, missing); !errors.Is(err, domain.ErrReservationNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := repo.Get(ctx, "res-missing"); !errors.Is(err, domain.ErrReservationNotFound) {
		t.Fatalf("expected not found on get, got %v", err)
	}
}

func TestReservationRepository_PostgresOneBlockingPerProduct(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewReservationRepository(store)
	ctx := context.Background()

	now := time.Now().UTC().Round(time.Microsecond)
	first := sampleReservation("res-a", "prod-x", "user-1", now)
	if err := repo.Create(ctx, first); err != nil {
		t.Fatalf("create first: %v", err)
	}

	second := sampleReservation("res-b", "prod-x", "user-2", now)
	if err := repo.Create(ctx, second); !errors.Is(err, domain.ErrAlreadyReserved) {
		t.Fatalf("expected ErrAlreadyReserved, got %v", err)
	}

	// Повтор того же id означает конфликт версии, а не занятость товара.
	dup := sampleReservation("res-a", "prod-y", "user-1", now)
	if err := repo.Create(ctx, dup); !errors.Is(err, domain.ErrReservationVersionConflict) {
		t.Fatalf("expected version conflict for duplicate id, got %v", err)
	}

	active, err := repo.FindActiveByProduct(ctx, "prod-x")
	if err != nil || active == nil || active.ID != "res-a" {
		t.Fatalf("find active = %+v, %v", active, err)
	}

	if err := first.Cancel(now.Add(time.Minute), "test"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := repo.Save(ctx, first); err != nil {
		t.Fatalf("save cancelled: %v", err)
	}

	active, err = repo.FindActiveByProduct(ctx, "prod-x")
	if err != nil || active != nil {
		t.Fatalf("expected no active reservation, got %+v, %v", active, err)
	}
	if err := repo.Create(ctx, second); err != nil {
		t.Fatalf("create after cancel: %v", err)
	}
}

func TestReservationRepository_PostgresFindExpiredCursor(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewReservationRepository(store)
	ctx := context.Background()

	past := time.Now().UTC().AddDate(0, 0, -10).Round(time.Microsecond)
	for _, id := range []string{"res-1", "res-2", "res-3"} {
		res := sampleReservation(id, "prod-"+id, "user-1", past)
		if err := repo.Create(ctx, res); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
		if err := res.Activate(past); err != nil {
			t.Fatalf("activate %s: %v", id, err)
		}
		if err := repo.Save(ctx, res); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}
	// Просроченный PENDING не попадает в выборку.
	if err := repo.Create(ctx, sampleReservation("res-4", "prod-res-4", "user-1", past)); err != nil {
		t.Fatalf("create pending: %v", err)
	}

	now := time.Now().UTC()
	page, err := repo.FindExpired(ctx, now, "", 2)
	if err != nil {
		t.Fatalf("find expired: %v", err)
	}
	if len(page) != 2 || page[0].ID != "res-1" || page[1].ID != "res-2" {
		t.Fatalf("unexpected first page: %v", reservationIDs(page))
	}

	page, err = repo.FindExpired(ctx, now, page[1].ID, 2)
	if err != nil {
		t.Fatalf("find expired next: %v", err)
	}
	if len(page) != 1 || page[0].ID != "res-3" {
		t.Fatalf("unexpected second page: %v", reservationIDs(page))
	}
}

func TestReservationRepository_PostgresPagingAndPaymentReference(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewReservationRepository(store)
	ctx := context.Background()

	now := time.Now().UTC().Round(time.Microsecond)
	for i, id := range []string{"res-1", "res-2", "res-3"} {
		res := sampleReservation(id, "prod-"+id, "user-1", now.Add(time.Duration(i)*time.Second))
		if err := repo.Create(ctx, res); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	if err := repo.Create(ctx, sampleReservation("res-other", "prod-other", "user-2", now)); err != nil {
		t.Fatalf("create other: %v", err)
	}

	page, err := repo.FindByUser(ctx, "user-1", domain.ReservationFilter{Page: 1, Limit: 2})
	if err != nil {
		t.Fatalf("find by user: %v", err)
	}
	if page.Total != 3 || len(page.Items) != 2 || page.Items[0].ID != "res-3" {
		t.Fatalf("unexpected page: total=%d ids=%v", page.Total, reservationIDs(page.Items))
	}

	page, err = repo.FindByShop(ctx, "shop-1", domain.ReservationFilter{Status: domain.ReservationStatusActive})
	if err != nil {
		t.Fatalf("find by shop: %v", err)
	}
	if page.Total != 0 || len(page.Items) != 0 {
		t.Fatalf("expected no active reservations, got %d", page.Total)
	}

	got, err := repo.FindByPaymentReference(ctx, "pi_res-2")
	if err != nil || got.ID != "res-2" {
		t.Fatalf("find by payment reference = %s, %v", got.ID, err)
	}
	if _, err := repo.FindByPaymentReference(ctx, ""); !errors.Is(err, domain.ErrReservationNotFound) {
		t.Fatalf("empty reference must be not found, got %v", err)
	}
}

func reservationIDs(items []domain.Reservation) []string {
	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ID)
	}
	return ids
}
